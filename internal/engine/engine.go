// Package engine orchestrates archive runs: the exclusion lock, discovery
// over configured playlists, the worker engine draining the job queue, and
// the end-of-run summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"tapedeck/internal/config"
	"tapedeck/internal/database"
	"tapedeck/internal/delivery"
	"tapedeck/internal/discovery"
	"tapedeck/internal/executor"
	"tapedeck/internal/jobstore"
	"tapedeck/internal/metadata"
	"tapedeck/internal/notify"
	"tapedeck/internal/paths"
	"tapedeck/internal/scheduler"
	"tapedeck/internal/status"
	"tapedeck/internal/toolkit"
	"tapedeck/internal/worker"
	"tapedeck/internal/ytapi"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrRunActive means a run is already in progress (or another process owns
// the library).
var ErrRunActive = errors.New("a run is already active")

// RunOptions selects what one run does.
type RunOptions struct {
	Source              string // "manual" | "scheduled" | "cli"
	SingleURL           string
	Destination         string
	FinalFormatOverride string
	JSRuntimeOverride   string
	DeliveryMode        string // "server" (default) | "client"
}

// Engine owns run execution. One engine per process.
type Engine struct {
	Roots      paths.Roots
	Layout     paths.Layout
	History    *database.Store
	Jobs       *jobstore.Store
	Toolkit    *toolkit.Client
	Status     *status.Publisher
	Deliveries *delivery.Registry
	Notifier   *notify.Notifier
	Metadata   *metadata.Worker
	Logger     *logrus.Logger
	Preview    bool

	mu     sync.Mutex
	active bool
}

// Active reports whether a run is in progress.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// StartRun dispatches a run on its own goroutine. Returns ErrRunActive when
// one is already in progress; two concurrent invocations never both run.
func (e *Engine) StartRun(ctx context.Context, cfg *config.Config, opts RunOptions) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrRunActive
	}
	e.active = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.active = false
			e.mu.Unlock()
		}()
		e.Run(ctx, cfg, opts)
	}()
	return nil
}

// RunBlocking executes a run synchronously (the CLI path). Returns false
// without running when a run is already in progress.
func (e *Engine) RunBlocking(ctx context.Context, cfg *config.Config, opts RunOptions) bool {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		e.Logger.Warn("run already active; declining")
		return false
	}
	e.active = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = false
		e.mu.Unlock()
	}()
	return e.Run(ctx, cfg, opts)
}

// Run executes one archive run under the exclusion file. Reports success
// for single-URL runs; playlist runs report true unless declined or stopped
// while waiting out a downtime window.
func (e *Engine) Run(ctx context.Context, cfg *config.Config, opts RunOptions) bool {
	runID := uuid.NewString()
	e.Logger.WithFields(logrus.Fields{"run_id": runID, "source": opts.Source}).Info("run started")

	if !e.acquireLock() {
		e.Logger.Warn("exclusion file present, another run owns the library; declining")
		return false
	}
	defer e.releaseLock()

	e.Status.BeginRun(runID)
	start := time.Now()
	ok := true

	if !scheduler.WaitOutDowntime(ctx, cfg.Watch.Downtime, e.Logger) {
		e.Status.EndRun("stopped")
		return false
	}

	if opts.SingleURL != "" {
		ok = e.runSingle(ctx, cfg, opts)
		e.Status.SetSingleDownloadOK(ok)
	} else {
		e.runPlaylists(ctx, cfg, opts)
	}

	snap := e.Status.Snapshot()
	state := "completed"
	if ctx.Err() != nil {
		state = "stopped"
	} else if len(snap.RunFailures) > 0 {
		state = "completed with errors"
	}
	e.Status.EndRun(state)

	if e.Notifier != nil && opts.SingleURL == "" {
		e.Notifier.SendSummary(cfg.Telegram, snap.RunSuccesses, snap.RunFailures, time.Since(start))
	}
	e.Logger.WithFields(logrus.Fields{"run_id": runID, "state": state}).Info("run complete")
	return ok
}

// runPlaylists is the discovery + queue-drain path.
func (e *Engine) runPlaylists(ctx context.Context, cfg *config.Config, opts RunOptions) {
	dryRun := e.Preview || cfg.DryRun
	if dryRun {
		e.Logger.Info("preview enabled: discovery only, no downloads or DB writes")
	}

	cookiesPath := e.resolveCookies(cfg)
	jsRuntime := toolkit.ResolveJSRuntime(cfg.JSRuntime, opts.JSRuntimeOverride)
	if jsRuntime == "" {
		e.Logger.Warn("no JS runtime configured or detected; set js_runtime in config or pass --js-runtime")
	}

	clients := e.buildClients(cfg)
	disc := &discovery.Discovery{
		History:  e.History,
		Jobs:     e.Jobs,
		Public:   e.Toolkit,
		Status:   e.Status,
		Logger:   e.Logger,
		Config:   cfg,
		DryRun:   dryRun,
		Cookies:  cookiesPath,
		JSRun:    jsRuntime,
		Enqueued: map[string]bool{},
	}

	e.Status.SetState("discovering")
	enqueued := 0
	for _, pl := range cfg.Playlists {
		if ctx.Err() != nil {
			return
		}
		collectionID := pl.CollectionID()
		folder := pl.TargetFolder()
		if collectionID == "" || folder == "" {
			e.Logger.WithField("playlist", pl).Error("playlist entry missing id or folder")
			continue
		}
		outputDir, err := paths.Resolve(folder, e.Roots.Downloads)
		if err != nil {
			e.Logger.WithError(err).WithField("collection_id", collectionID).Error("invalid playlist folder path")
			continue
		}

		var auth discovery.Enumerator
		if pl.Account != "" {
			client := clients.get(pl.Account)
			if client == nil {
				e.Logger.WithFields(logrus.Fields{
					"account": pl.Account, "collection_id": collectionID,
				}).Error("no valid API client for account; skipping playlist")
				e.Status.AppendFailure(collectionID + " (auth)")
				continue
			}
			auth = client
		}

		res, err := disc.DiscoverPlaylist(ctx, pl, auth, outputDir)
		if err != nil {
			switch res.Outcome {
			case discovery.FetchRefreshFailure:
				clients.invalidate(pl.Account)
				e.Status.AppendFailure(collectionID + " (auth)")
			case discovery.FetchHTTPError:
				e.Status.AppendFailure(collectionID + " (auth)")
			default:
				e.Status.AppendFailure(collectionID)
			}
			continue
		}
		enqueued += res.Enqueued
	}

	if dryRun || enqueued == 0 {
		return
	}

	e.Status.SetProgress(0, enqueued)
	e.Status.SetState("downloading")
	e.drainQueue(ctx, cfg, clients)
}

// runSingle archives one URL through the same queue + worker machinery.
func (e *Engine) runSingle(ctx context.Context, cfg *config.Config, opts RunOptions) bool {
	musicMode := ytapi.IsMusicURL(opts.SingleURL)
	vid := ytapi.ExtractVideoID(opts.SingleURL)
	if vid == "" {
		vid = opts.SingleURL
	}
	deliveryMode := opts.DeliveryMode
	if deliveryMode == "" {
		deliveryMode = "server"
	}

	var destDir string
	if deliveryMode == "client" {
		destDir = e.Layout.DeliveryDir
	} else {
		target := opts.Destination
		if target == "" {
			target = cfg.SingleDownloadFolder
		}
		resolved, err := paths.Resolve(target, e.Roots.Downloads)
		if err != nil {
			e.Logger.WithError(err).Error("invalid destination path")
			e.Status.SetLastError(fmt.Sprintf("invalid destination path: %v", err))
			return false
		}
		destDir = resolved
	}

	cookiesPath := e.resolveCookies(cfg)
	jsRuntime := toolkit.ResolveJSRuntime(cfg.JSRuntime, opts.JSRuntimeOverride)
	targetFormat := opts.FinalFormatOverride
	if targetFormat == "" {
		targetFormat = cfg.FinalFormat
	}

	if e.Preview || cfg.DryRun {
		e.Logger.WithFields(logrus.Fields{"item_id": vid, "dest": destDir}).Info("dry-run: would download single URL")
		return true
	}

	source := "youtube"
	mediaType := jobstore.MediaVideo
	intent := jobstore.IntentEpisode
	if musicMode {
		source = "youtube_music"
		mediaType = jobstore.MediaAudio
		intent = jobstore.IntentTrack
	}
	template := cfg.FilenameTemplate
	if musicMode {
		template = cfg.MusicFilenameTemplate
	}

	jobID, err := e.Jobs.Enqueue(jobstore.EnqueueParams{
		Origin:         jobstore.OriginSearch,
		OriginID:       vid,
		MediaType:      mediaType,
		MediaIntent:    intent,
		Source:         source,
		URL:            ytapi.BuildDownloadURL(vid, musicMode, opts.SingleURL),
		OutputTemplate: template,
		OutputDir:      destDir,
		MaxAttempts:    cfg.JobMaxAttempts,
		Context: map[string]any{
			"item_id":       vid,
			"music_mode":    musicMode,
			"delivery_mode": deliveryMode,
			"target_format": targetFormat,
			"js_runtime":    jsRuntime,
			"cookies_path":  cookiesPath,
		},
	})
	if err != nil {
		e.Logger.WithError(err).Error("failed to enqueue single download")
		return false
	}

	e.Status.SetProgress(0, 1)
	e.Status.SetState("downloading")
	e.drainQueue(ctx, cfg, e.buildClients(cfg))

	job, err := e.Jobs.GetJob(jobID)
	return err == nil && job != nil && job.Status == jobstore.StatusCompleted
}

// drainQueue runs the worker engine until the queue is idle.
func (e *Engine) drainQueue(ctx context.Context, cfg *config.Config, clients *clientCache) {
	exec := &executor.Executor{
		Toolkit:    e.Toolkit,
		History:    e.History,
		Deliveries: e.Deliveries,
		Status:     e.Status,
		Clients:    clients.provider(),
		Metadata:   e.Metadata,
		Logger:     e.Logger,
		Layout:     e.Layout,
		Config:     cfg,
	}
	engine := &worker.Engine{
		Store:      e.Jobs,
		Runner:     exec,
		Status:     e.Status,
		Logger:     e.Logger,
		RetryDelay: time.Duration(cfg.JobRetryDelaySeconds) * time.Second,
		FailureHook: func(job *jobstore.Job, errMsg string) {
			if err := e.History.RecordWatchError(job.OriginID, errMsg); err != nil {
				e.Logger.WithError(err).WithField("collection_id", job.OriginID).Error("failed to record watch error")
			}
		},
	}
	engine.RunUntilIdle(ctx)
}

// resolveCookies resolves the configured cookies file under the tokens root.
func (e *Engine) resolveCookies(cfg *config.Config) string {
	if cfg.YtDlpCookies == "" {
		return ""
	}
	resolved, err := paths.Resolve(cfg.YtDlpCookies, e.Roots.Tokens)
	if err != nil {
		e.Logger.WithError(err).Error("invalid yt-dlp cookies path")
		return ""
	}
	if _, err := os.Stat(resolved); err != nil {
		e.Logger.WithField("path", resolved).Warn("yt-dlp cookies file not found")
		return ""
	}
	return resolved
}

// acquireLock takes the run-exclusion file. A lock whose recorded pid is no
// longer alive is treated as stale from a crashed run and removed.
func (e *Engine) acquireLock() bool {
	lockFile := e.Layout.LockFile
	if raw, err := os.ReadFile(lockFile); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr == nil && pidAlive(pid) {
			return false
		}
		e.Logger.WithField("lock", lockFile).Warn("removing stale exclusion file from a dead process")
		os.Remove(lockFile)
	}
	if err := paths.EnsureDir(filepath.Dir(lockFile)); err != nil {
		e.Logger.WithError(err).Error("failed to create lock directory")
		return false
	}
	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		e.Logger.WithError(err).Error("failed to write exclusion file")
		return false
	}
	return true
}

func (e *Engine) releaseLock() {
	if err := os.Remove(e.Layout.LockFile); err != nil && !os.IsNotExist(err) {
		e.Logger.WithError(err).Warn("failed to remove exclusion file")
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// clientCache caches one API client per account for the run; a refresh
// failure invalidates the account until the next run.
type clientCache struct {
	mu      sync.Mutex
	clients map[string]*ytapi.Client
}

func (e *Engine) buildClients(cfg *config.Config) *clientCache {
	cache := &clientCache{clients: map[string]*ytapi.Client{}}
	for name, acc := range cfg.Accounts {
		tokenPath, err := paths.Resolve(acc.Token, e.Roots.Tokens)
		if err != nil {
			e.Logger.WithError(err).WithField("account", name).Error("invalid token path")
			continue
		}
		client, err := ytapi.NewClient(tokenPath, e.Logger)
		if err != nil {
			e.Logger.WithError(err).WithField("account", name).Error("failed to initialize API client")
			continue
		}
		cache.clients[name] = client
	}
	return cache
}

func (c *clientCache) get(account string) *ytapi.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[account]
}

func (c *clientCache) invalidate(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[account] = nil
}

func (c *clientCache) provider() executor.ClientProvider {
	return func(account string) executor.APIClient {
		if account == "" {
			return nil
		}
		client := c.get(account)
		if client == nil {
			return nil
		}
		return client
	}
}
