package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/batch"
	"github.com/jackzampolin/screener/internal/classify"
	"github.com/jackzampolin/screener/internal/config"
	"github.com/jackzampolin/screener/internal/home"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/library"
	"github.com/jackzampolin/screener/internal/reconcile"
	"github.com/jackzampolin/screener/internal/screening"
	"github.com/jackzampolin/screener/internal/server"
	"github.com/jackzampolin/screener/internal/svcctx"
)

var (
	serveHost   string
	servePort   string
	serveDryRun bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the screener server",
	Long: `Start the screener HTTP server, the local job dispatcher and the batch
reconciler.

On start the job snapshot is reloaded: interrupted local jobs are queued
again and delegated batches are reconciled before any local job runs.
Changes to reconcile.interval_seconds in the config file apply live.

With --dry-run the server uses an in-memory library and batch API, so
nothing leaves the machine.

Examples:
  screener serve                    # Start on 127.0.0.1:8420
  screener serve --port 3000        # Start on custom port
  screener serve --dry-run          # Offline, in-memory backends`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		cm, err := config.NewManager(cfgFile, h.Path())
		if err != nil {
			return err
		}
		cfg := cm.Get()

		logFile := cfg.Log.File
		if logFile == "" {
			logFile = h.LogPath()
		}
		logger, closeLog := config.SetupLogger(logFile, cfg.Log.SlogLevel())
		defer closeLog()
		slog.SetDefault(logger)

		store, err := jobs.OpenStore(jobs.StoreConfig{
			Dir:          h.StatePath(),
			MaxPersisted: cfg.Jobs.MaxPersisted,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}

		lib, batches := backends(cfg, logger)
		cache := batch.NewCache(h.BatchesPath())
		recent := library.NewRecent(h.StatePath())
		defaults := screening.Args{
			ConfidenceThreshold: screening.ThresholdOf(cfg.Defaults.Threshold),
			MaxItems:            cfg.Defaults.MaxItems,
			Mode:                screening.ParseMode(cfg.Defaults.Mode),
		}

		worker := classify.NewWorker(classify.WorkerConfig{
			Command: cfg.Worker.Command,
			Args:    cfg.Worker.Args,
			Timeout: config.Seconds(cfg.Worker.TimeoutSeconds, 10*time.Minute),
			Logger:  logger,
		})
		runner := screening.NewRunner(screening.RunnerConfig{
			Library:    lib,
			Classifier: worker,
			Batches:    batches,
			Cache:      cache,
			Recent:     recent,
			Model:      cfg.OpenAI.Model,
			Endpoint:   cfg.OpenAI.Endpoint,
			ChunkSize:  cfg.Worker.ChunkSize,
			Defaults:   defaults,
			Logger:     logger,
		})
		dispatcher := jobs.NewDispatcher(jobs.DispatcherConfig{
			Store:     store,
			Restarter: worker,
			Logger:    logger,
			Paused:    true,
		})
		dispatcher.Register(screening.FunctionName, runner)

		finalizer := screening.NewFinalizer(screening.FinalizerConfig{
			Store:           store,
			Batches:         batches,
			Cache:           cache,
			Library:         lib,
			DownloadTimeout: config.Seconds(cfg.Reconcile.DownloadTimeoutSeconds, 35*time.Second),
			Timeout:         time.Duration(cfg.Reconcile.FinalizeTimeoutMinutes) * time.Minute,
			Logger:          logger,
		})
		reconciler := reconcile.New(reconcile.Config{
			Store:           store,
			Batches:         batches,
			Cache:           cache,
			Recent:          recent,
			Finalizer:       finalizer,
			Defaults:        defaults,
			Interval:        config.Seconds(cfg.Reconcile.IntervalSeconds, 30*time.Second),
			ListTimeout:     config.Seconds(cfg.Reconcile.ListTimeoutSeconds, 20*time.Second),
			ListLimit:       cfg.Reconcile.ListLimit,
			StaleAfter:      config.Seconds(cfg.Reconcile.StaleAfterSeconds, 2*time.Minute),
			FinalizeTimeout: time.Duration(cfg.Reconcile.FinalizeTimeoutMinutes) * time.Minute,
			Retention:       time.Duration(cfg.Reconcile.RetentionHours) * time.Hour,
			Logger:          logger,
		})

		cm.OnChange(func(c *config.Config) {
			reconciler.SetInterval(config.Seconds(c.Reconcile.IntervalSeconds, 30*time.Second))
		})
		cm.WatchConfig()

		host, port := cfg.Server.Host, cfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		srv, err := server.New(server.Config{
			Host: host,
			Port: port,
			Services: &svcctx.Services{
				Store:      store,
				Dispatcher: dispatcher,
				Finalizer:  finalizer,
				Reconciler: reconciler,
				Batches:    batches,
				Defaults:   defaults,
				Logger:     logger,
				Home:       h,
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}

		// Local work resumes only after the initial reconcile pass.
		reconcileDone := make(chan struct{})
		go func() {
			defer close(reconcileDone)
			if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reconciler stopped", "error", err)
			}
		}()
		go func() {
			select {
			case <-reconciler.Ready():
				dispatcher.Start()
			case <-ctx.Done():
			}
		}()

		// Start server (blocks until shutdown)
		serveErr := srv.Start(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn("dispatcher shutdown", "error", err)
		}
		select {
		case <-reconcileDone:
		case <-shutdownCtx.Done():
			logger.Warn("finalizations still running at exit, they resume on next start")
		}
		return serveErr
	},
}

// backends returns the library and batch API, or in-memory stand-ins
// for --dry-run.
func backends(cfg *config.Config, logger *slog.Logger) (library.Library, batch.API) {
	if serveDryRun {
		logger.Info("dry run: using in-memory library and batch API")
		return library.NewMemory(), batch.NewMockAPI()
	}
	lib := library.NewClient(library.ClientConfig{
		BaseURL:    cfg.Library.BaseURL,
		UserID:     cfg.Library.UserID,
		APIKey:     config.ResolveEnvVars(cfg.Library.APIKey),
		MaxRetries: cfg.Library.MaxRetries,
		Timeout:    config.Seconds(cfg.Library.TimeoutSeconds, 30*time.Second),
		Logger:     logger,
	})
	batches := batch.NewClient(batch.ClientConfig{
		APIKey:     config.ResolveEnvVars(cfg.OpenAI.APIKey),
		BaseURL:    cfg.OpenAI.BaseURL,
		MaxRetries: cfg.OpenAI.MaxRetries,
		Timeout:    config.Seconds(cfg.OpenAI.TimeoutSeconds, 60*time.Second),
		Logger:     logger,
	})
	return lib, batches
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to (overrides server.host)")
	serveCmd.Flags().StringVar(&servePort, "port", "8420", "Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Use in-memory library and batch API")

	rootCmd.AddCommand(serveCmd)
}
