// Package executor runs one claimed download job end to end: metadata
// resolution, the attempt plan, artifact validation, post-processing and
// filing into the library.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tapedeck/internal/config"
	"tapedeck/internal/database"
	"tapedeck/internal/delivery"
	"tapedeck/internal/jobstore"
	"tapedeck/internal/metadata"
	"tapedeck/internal/paths"
	"tapedeck/internal/status"
	"tapedeck/internal/toolkit"
	"tapedeck/pkg/models"

	"github.com/sirupsen/logrus"
)

// stuckPartialBytes: a prior partial smaller than this marks the staging
// directory as stuck and it is wiped before the next attempt.
const stuckPartialBytes = 512 * 1024

// ErrNoArtifact means every plan step failed to yield a usable file.
var ErrNoArtifact = errors.New("no usable artifact produced")

// APIClient is the slice of the platform client the executor needs.
type APIClient interface {
	GetVideoMetadata(ctx context.Context, videoID string) (*models.MediaMeta, error)
	DeletePlaylistEntry(ctx context.Context, entryID string) error
}

// ClientProvider returns the cached API client for an account, or nil.
type ClientProvider func(account string) APIClient

// Executor wires the collaborators one job execution touches.
type Executor struct {
	Toolkit    *toolkit.Client
	History    *database.Store
	Deliveries *delivery.Registry
	Status     *status.Publisher
	Clients    ClientProvider
	Metadata   *metadata.Worker
	Logger     *logrus.Logger
	Layout     paths.Layout
	Config     *config.Config
}

// Execute runs one claimed job. The returned error is classified by the
// worker engine; a nil return means the artifact was filed and recorded.
func (e *Executor) Execute(ctx context.Context, job *jobstore.Job) error {
	itemID := ctxString(job.Context, "item_id")
	if itemID == "" {
		itemID = job.ID
	}
	musicMode := ctxBool(job.Context, "music_mode") || job.MediaType == jobstore.MediaAudio
	deliveryMode := ctxString(job.Context, "delivery_mode")
	if deliveryMode == "" {
		deliveryMode = "server"
	}
	targetFormat := ctxString(job.Context, "target_format")
	cookiesPath := ctxString(job.Context, "cookies_path")
	jsRuntime := ctxString(job.Context, "js_runtime")

	meta := e.resolveMetadata(ctx, job, itemID, musicMode, cookiesPath)

	e.Status.SetCurrentItem(itemID, firstNonEmpty(meta.Title, itemID))
	e.Status.SetState("downloading")
	e.Status.ResetItemProgress()
	defer e.Status.ResetItemProgress()

	stagingDir := filepath.Join(e.Layout.TempDownloads, job.ID)
	if hasStuckPartial(stagingDir) {
		e.Logger.WithField("item_id", itemID).Warn("stuck partial detected, wiping staging directory")
		os.RemoveAll(stagingDir)
	}

	localFile, err := e.runPlan(ctx, job, meta, itemID, musicMode, targetFormat, cookiesPath, jsRuntime, stagingDir)
	if err != nil {
		if ctx.Err() != nil {
			os.RemoveAll(stagingDir)
		}
		return err
	}

	audioMode := musicMode || audioExtensions[strings.ToLower(targetFormat)]
	if !musicMode {
		e.Status.SetState("tagging")
		embedMetadata(ctx, localFile, meta, itemID, e.Layout.ThumbsDir, e.Logger)
		if targetFormat != "" && !audioMode {
			localFile = remuxTo(ctx, localFile, targetFormat, e.Logger)
		}
	}

	ext := strings.TrimPrefix(filepath.Ext(localFile), ".")
	if ext == "" {
		ext = firstNonEmpty(targetFormat, "webm")
	}
	cleanedName := BuildOutputFilename(meta, itemID, ext, musicMode, e.templateFor(job, musicMode))

	e.Status.SetState("finalizing")
	finalPath, err := e.finalize(job, localFile, cleanedName, deliveryMode)
	os.RemoveAll(stagingDir)
	if err != nil {
		return err
	}

	if deliveryMode != "client" {
		collectionID := ""
		if job.Origin == jobstore.OriginPlaylist {
			collectionID = job.OriginID
		}
		if err := e.History.RecordDownload(itemID, collectionID, finalPath); err != nil {
			e.Logger.WithError(err).WithField("item_id", itemID).Error("downloads insert failed")
		}
		if musicMode && e.Metadata != nil && e.Config != nil {
			e.Metadata.Enqueue(ctx, metadata.Item{
				FilePath: finalPath,
				Meta:     meta,
				Config:   e.Config.MusicMetadata,
			})
		}
	}

	if job.Origin == jobstore.OriginPlaylist {
		if ctxBool(job.Context, "subscribe_mode") {
			if err := e.History.MarkSeen(job.OriginID, itemID, true); err != nil {
				e.Logger.WithError(err).WithField("item_id", itemID).Error("seen-set update failed")
			}
		}
		if ctxBool(job.Context, "remove_after_download") {
			e.removeRemoteEntry(ctx, job, itemID)
		}
	}

	e.Status.AppendSuccess(filepath.Base(cleanedName))
	if deliveryMode != "client" {
		e.Status.SetLastCompleted(filepath.Base(cleanedName), finalPath)
	} else {
		e.Status.SetLastCompleted(filepath.Base(cleanedName), "")
	}
	return nil
}

// resolveMetadata builds the normalized record: the API when an account is
// bound, the toolkit probe otherwise, and in music mode the probe's richer
// tag fields overlaid onto the API record.
func (e *Executor) resolveMetadata(ctx context.Context, job *jobstore.Job, itemID string, musicMode bool, cookiesPath string) *models.MediaMeta {
	if raw, ok := job.Context["metadata"].(map[string]any); ok {
		return metaFromContext(raw, itemID, job.URL)
	}

	var meta *models.MediaMeta
	account := ctxString(job.Context, "account")
	if e.Clients != nil {
		if client := e.Clients(account); client != nil {
			m, err := client.GetVideoMetadata(ctx, itemID)
			if err != nil {
				e.Logger.WithError(err).WithField("item_id", itemID).Warn("api metadata fetch failed")
			} else {
				meta = m
			}
		}
	}

	needProbe := meta == nil || musicMode
	if needProbe {
		probed, err := e.Toolkit.ProbeMetadata(ctx, job.URL, cookiesPath)
		if err != nil {
			e.Logger.WithError(err).WithField("item_id", itemID).Warn("toolkit metadata probe failed")
		} else if meta == nil {
			meta = probed
		} else {
			meta.Overlay(probed)
		}
	}

	if meta == nil {
		meta = &models.MediaMeta{ItemID: itemID, Title: itemID, URL: job.URL}
	}
	if meta.ItemID == "" {
		meta.ItemID = itemID
	}
	if meta.URL == "" {
		meta.URL = job.URL
	}
	if e.Config != nil && e.Config.MusicMetadataDebug && musicMode {
		e.Logger.WithFields(logrus.Fields{
			"item_id": itemID, "artist": meta.Artist, "album": meta.Album,
			"track": meta.Track, "track_number": meta.TrackNumber,
			"album_artist": meta.AlbumArtist, "release_date": meta.ReleaseDate,
		}).Info("music metadata resolved")
	}
	return meta
}

// runPlan walks the attempt plan until one step yields a valid artifact.
func (e *Executor) runPlan(ctx context.Context, job *jobstore.Job, meta *models.MediaMeta, itemID string, musicMode bool, targetFormat, cookiesPath, jsRuntime, stagingDir string) (string, error) {
	plan := BuildAttemptPlan(musicMode, cookiesPath != "", job.MaxAttempts)
	extraOpts := toolkit.FilterDownloadOpts(e.configOpts(), e.Logger)
	audioMode := musicMode || audioExtensions[strings.ToLower(targetFormat)]

	var lastErr error
	for _, step := range plan {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		os.RemoveAll(stagingDir)
		if err := os.MkdirAll(stagingDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create staging directory: %w", err)
		}

		e.Logger.WithFields(logrus.Fields{
			"trace_id": job.TraceID, "item_id": itemID, "step": step.Name,
		}).Info("trying extractor step")

		req := toolkit.DownloadRequest{
			URL:            job.URL,
			OutputTemplate: filepath.Join(stagingDir, "%(id)s.%(ext)s"),
			TempDir:        e.Layout.ToolkitTemp,
			FormatSelector: step.Selector,
			ClientProfile:  step.ClientProfile,
			Headers:        step.Headers,
			JSRuntime:      jsRuntime,
			ExtraOpts:      extraOpts,
		}
		if step.UseCookies {
			req.CookiesPath = cookiesPath
		}
		if audioMode {
			req.AudioExtract = true
			req.AudioCodec = firstNonEmpty(strings.ToLower(targetFormat), "mp3")
		}

		err := e.Toolkit.Download(ctx, req, func(p toolkit.Progress) {
			percent := int(p.Percent)
			ip := status.ItemProgress{Percent: &percent}
			if p.TotalBytes > 0 {
				total := p.TotalBytes
				done := p.DownloadedBytes
				ip.TotalBytes = &total
				ip.DownloadedBytes = &done
			}
			if p.SpeedBytesSec > 0 {
				speed := p.SpeedBytesSec
				ip.Speed = &speed
			}
			if p.ETASeconds >= 0 {
				eta := p.ETASeconds
				ip.ETASeconds = &eta
			}
			e.Status.SetItemProgress(ip)
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			e.Logger.WithError(err).WithFields(logrus.Fields{
				"trace_id": job.TraceID, "item_id": itemID, "step": step.Name,
			}).Warn("extractor step failed")
			e.Toolkit.ListFormats(ctx, job.URL, step.ClientProfile)
			lastErr = err
			continue
		}

		chosen := pickOutput(stagingDir, targetFormat)
		if chosen == "" {
			lastErr = fmt.Errorf("extractor step %s produced no usable output", step.Name)
			continue
		}
		if job.MediaType == jobstore.MediaVideo && audioExtensions[extOf(chosen)] {
			e.Logger.WithFields(logrus.Fields{
				"trace_id": job.TraceID, "item_id": itemID, "step": step.Name,
			}).Warn("rejecting audio-only artifact for video job")
			os.Remove(chosen)
			lastErr = fmt.Errorf("extractor step %s produced audio-only output for a video job", step.Name)
			continue
		}

		e.Logger.WithFields(logrus.Fields{
			"trace_id": job.TraceID, "item_id": itemID, "step": step.Name,
			"file": filepath.Base(chosen),
		}).Info("extractor step succeeded")
		return chosen, nil
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", ErrNoArtifact
}

// finalize moves the artifact to its destination: the library for server
// mode, the delivery directory plus a registered handle for client mode.
func (e *Executor) finalize(job *jobstore.Job, localFile, cleanedName, deliveryMode string) (string, error) {
	if deliveryMode == "client" {
		if err := os.MkdirAll(e.Layout.DeliveryDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create delivery directory: %w", err)
		}
		target := filepath.Join(e.Layout.DeliveryDir, filepath.Base(cleanedName))
		if err := moveFile(localFile, target); err != nil {
			return "", err
		}
		handle := e.Deliveries.Register(target, filepath.Base(cleanedName))
		expires := handle.ExpiresAt
		e.Status.SetClientDelivery(status.ClientDelivery{
			ID:        handle.ID,
			Filename:  handle.Filename,
			ExpiresAt: &expires,
			Mode:      "client",
		})
		return target, nil
	}

	e.Status.SetClientDelivery(status.ClientDelivery{Mode: "server"})
	finalPath := filepath.Join(job.OutputDir, cleanedName)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := moveFile(localFile, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

func (e *Executor) removeRemoteEntry(ctx context.Context, job *jobstore.Job, itemID string) {
	entryID := ctxString(job.Context, "entry_id")
	if entryID == "" || e.Clients == nil {
		return
	}
	client := e.Clients(ctxString(job.Context, "account"))
	if client == nil {
		return
	}
	if err := client.DeletePlaylistEntry(ctx, entryID); err != nil {
		e.Logger.WithError(err).WithFields(logrus.Fields{
			"trace_id": job.TraceID, "item_id": itemID, "event": "playlist_remove_failed",
		}).Error("failed removing remote playlist entry")
	}
}

func (e *Executor) templateFor(job *jobstore.Job, musicMode bool) string {
	if job.OutputTemplate != "" {
		return job.OutputTemplate
	}
	if e.Config == nil {
		return ""
	}
	if musicMode {
		return e.Config.MusicFilenameTemplate
	}
	return e.Config.FilenameTemplate
}

func (e *Executor) configOpts() map[string]any {
	if e.Config == nil {
		return nil
	}
	return e.Config.YtDlpOpts
}

// pickOutput selects the artifact from staging by preferred extension order.
func pickOutput(stagingDir, targetFormat string) string {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return ""
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".part") || strings.HasSuffix(entry.Name(), ".ytdl") {
			continue
		}
		files = append(files, entry.Name())
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)

	preferred := []string{}
	if targetFormat != "" {
		preferred = append(preferred, strings.ToLower(targetFormat))
	}
	preferred = append(preferred, "webm", "mp4", "mkv", "m4a", "opus", "mp3", "aac", "flac")
	for _, ext := range preferred {
		for _, name := range files {
			if extOf(name) == ext {
				return filepath.Join(stagingDir, name)
			}
		}
	}
	return filepath.Join(stagingDir, files[0])
}

func extOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// hasStuckPartial reports whether staging holds a tiny stale .part file.
func hasStuckPartial(stagingDir string) bool {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() < stuckPartialBytes {
			return true
		}
	}
	return false
}

// moveFile renames src to dst atomically. Across filesystems it copies to a
// hidden sibling of dst first so the final rename stays atomic.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	tmp := filepath.Join(filepath.Dir(dst), ".partial-"+filepath.Base(dst))
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to stage artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	os.Remove(src)
	return nil
}

func ctxString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func ctxBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case float64:
		return v != 0
	}
	return false
}

func metaFromContext(raw map[string]any, itemID, url string) *models.MediaMeta {
	meta := &models.MediaMeta{ItemID: itemID, URL: url}
	meta.Title = ctxString(raw, "title")
	meta.Artist = ctxString(raw, "artist")
	meta.Album = ctxString(raw, "album")
	meta.Track = ctxString(raw, "track")
	meta.Channel = ctxString(raw, "uploader")
	if d, ok := raw["duration_sec"].(float64); ok {
		meta.DurationSec = int(d)
	}
	if meta.Title == "" {
		meta.Title = itemID
	}
	return meta
}
