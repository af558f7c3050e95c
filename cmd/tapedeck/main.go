package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tapedeck/internal/config"
	"tapedeck/internal/database"
	"tapedeck/internal/delivery"
	"tapedeck/internal/engine"
	"tapedeck/internal/jobstore"
	"tapedeck/internal/library"
	"tapedeck/internal/logging"
	"tapedeck/internal/metadata"
	"tapedeck/internal/ngrok"
	"tapedeck/internal/notify"
	"tapedeck/internal/paths"
	"tapedeck/internal/scheduler"
	"tapedeck/internal/search"
	"tapedeck/internal/server"
	"tapedeck/internal/status"
	"tapedeck/internal/toolkit"
	"tapedeck/pkg/version"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const shutdownGrace = 30 * time.Second

var (
	flagConfig      string
	flagSingleURL   string
	flagDestination string
	flagFormat      string
	flagJSRuntime   string
)

var rootCmd = &cobra.Command{
	Use:   "tapedeck",
	Short: "tapedeck — playlist archiver for online video platforms",
	Long: `tapedeck watches remote playlists and archives their media into a local
library. Without --single-url it runs as a daemon serving the HTTP API;
with --single-url it performs one download and exits.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "Config file path (under the config root)")
	rootCmd.Flags().StringVar(&flagSingleURL, "single-url", "", "Download one URL and exit")
	rootCmd.Flags().StringVar(&flagDestination, "destination", "", "Destination directory for --single-url")
	rootCmd.Flags().StringVar(&flagFormat, "format", "", "Final container/codec override (e.g. mp4, webm, mp3)")
	rootCmd.Flags().StringVar(&flagJSRuntime, "js-runtime", "", "JS runtime as name:path or bare binary name")
	rootCmd.Version = version.String()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	godotenv.Load()

	roots := paths.FromEnv()
	layout := roots.NewLayout()
	for _, dir := range []string{roots.Config, roots.Data, roots.Downloads, roots.Logs, roots.Tokens, layout.TempDownloads, layout.ToolkitTemp} {
		if err := paths.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	configPath := flagConfig
	if configPath == "" {
		configPath = os.Getenv("TAPEDECK_CONFIG")
	}
	if configPath == "" {
		configPath = "config.toml"
	}
	resolvedConfig, err := paths.Resolve(configPath, roots.Config)
	if err != nil {
		return fmt.Errorf("config path: %w", err)
	}
	cfg, err := config.LoadConfig(resolvedConfig)
	if err != nil {
		return err
	}

	logger, logPath := logging.Setup(roots.Logs, cfg.Logging.Level)
	logger.WithField("version", version.Version).Info("tapedeck starting")

	history, err := database.Open(layout.DBPath, logger)
	if err != nil {
		return err
	}
	defer history.Close()

	jobs, err := jobstore.New(history.Conn(), logger)
	if err != nil {
		return err
	}

	tk, err := toolkit.NewClient(logger)
	if err != nil {
		return err
	}

	searchStore, err := search.OpenStore(layout.SearchDBPath, logger)
	if err != nil {
		return err
	}
	defer searchStore.Close()

	publisher := status.NewPublisher()
	deliveries := delivery.NewRegistry(delivery.DefaultTTL, logger)

	eng := &engine.Engine{
		Roots:      roots,
		Layout:     layout,
		History:    history,
		Jobs:       jobs,
		Toolkit:    tk,
		Status:     publisher,
		Deliveries: deliveries,
		Notifier:   notify.New(logger),
		Metadata:   metadata.NewWorker(logger),
		Logger:     logger,
		Preview:    envTruthy("TAPEDECK_PREVIEW"),
	}

	// Stop event: INT/TERM cancel the context; workers observe it between
	// attempts, and the canceled context kills a running toolkit subprocess.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagSingleURL != "" {
		ok := eng.RunBlocking(ctx, cfg, engine.RunOptions{
			Source:              "cli",
			SingleURL:           flagSingleURL,
			Destination:         flagDestination,
			FinalFormatOverride: flagFormat,
			JSRuntimeOverride:   flagJSRuntime,
		})
		if ctx.Err() != nil {
			os.Exit(130)
		}
		if !ok {
			os.Exit(1)
		}
		return nil
	}

	return runDaemon(ctx, cfg, resolvedConfig, roots, layout, eng, history, jobs, tk, searchStore, publisher, deliveries, logPath)
}

func runDaemon(ctx context.Context, cfg *config.Config, configPath string, roots paths.Roots, layout paths.Layout,
	eng *engine.Engine, history *database.Store, jobs *jobstore.Store, tk *toolkit.Client,
	searchStore *search.Store, publisher *status.Publisher, deliveries *delivery.Registry, logPath string) error {

	log := eng.Logger

	sched := scheduler.New(log)
	sched.Dispatch = func(source string) bool {
		current, err := config.LoadConfig(configPath)
		if err != nil {
			log.WithError(err).Error("scheduled run skipped: config reload failed")
			return false
		}
		if errs := current.Validate(); len(errs) > 0 {
			log.WithField("errors", errs).Error("scheduled run skipped: invalid config")
			return false
		}
		return eng.StartRun(ctx, current, engine.RunOptions{Source: source}) == nil
	}
	sched.Apply(cfg.Schedule, true)
	defer sched.Stop()

	resolver := &search.Resolver{
		Store:     searchStore,
		Jobs:      jobs,
		Adapters:  search.DefaultRegistry(tk, log),
		Logger:    log,
		Config:    cfg,
		OutputDir: roots.Downloads,
	}
	go resolver.RunLoop(ctx, 2*time.Second)

	lib := library.New(roots.Downloads, log)
	if err := lib.StartWatcher(); err != nil {
		log.WithError(err).Warn("could not start library watcher")
	}
	defer lib.StopWatcher()

	tunnel, err := ngrok.NewService(&cfg.Tunnel, log)
	if err != nil {
		log.WithError(err).Warn("tunnel unavailable")
	}

	srv := &server.Server{
		Roots:         roots,
		Layout:        layout,
		Engine:        eng,
		Scheduler:     sched,
		Status:        publisher,
		History:       history,
		Search:        searchStore,
		Library:       lib,
		Deliveries:    deliveries,
		Tunnel:        tunnel,
		Logger:        log,
		LogPath:       logPath,
		RunCtx:        ctx,
		BasicAuthUser: os.Getenv("TAPEDECK_BASIC_AUTH_USER"),
		BasicAuthPass: os.Getenv("TAPEDECK_BASIC_AUTH_PASS"),
		TrustProxy:    envTruthy("TAPEDECK_TRUST_PROXY"),
	}
	srv.SetConfig(cfg, configPath)

	host := os.Getenv("TAPEDECK_HOST")
	if host == "" {
		host = "0.0.0.0"
	}
	port := os.Getenv("TAPEDECK_PORT")
	if port == "" {
		port = "8080"
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(host + ":" + port) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	// Give the active run up to the grace period to observe the stop event.
	deadline := time.Now().Add(shutdownGrace)
	for eng.Active() && time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
	}
	os.Exit(130)
	return nil
}

func envTruthy(name string) bool {
	switch os.Getenv(name) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
