package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/edupilot/edupilot/internal/config"
	"github.com/edupilot/edupilot/internal/jobs"
	"github.com/edupilot/edupilot/internal/query"
	"github.com/edupilot/edupilot/internal/ratelimit"
	"github.com/edupilot/edupilot/internal/rerank"
	"github.com/edupilot/edupilot/internal/server"
	"github.com/edupilot/edupilot/internal/session"
	"github.com/edupilot/edupilot/internal/stream"
	"github.com/edupilot/edupilot/internal/upload"
	"github.com/edupilot/edupilot/internal/watcher"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EduPilot HTTP API",
		Long: `Starts the HTTP server plus the background machinery: the async
ingest worker pool, the drop-directory watcher (when configured) and
periodic session sweeping. Shuts down gracefully on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := openCore(cfg, true)
	if err != nil {
		return err
	}
	defer c.Close()

	// One server per data directory; a second instance would corrupt
	// the job queue and race index rebuilds.
	lock := flock.New(filepath.Join(cfg.Paths.DataDir, ".edupilot.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data-dir lock: %w", err)
	}
	if !held {
		return fmt.Errorf("data directory %s is locked by another edupilot instance", cfg.Paths.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	sessions, err := session.NewStore(filepath.Join(cfg.Paths.DataDir, "sessions"), cfg.Sessions.TTL, c.logger)
	if err != nil {
		return err
	}

	uploads, err := upload.NewStore(
		filepath.Join(cfg.Paths.DataDir, "uploads"),
		uploadRetention(cfg.Uploads.RetentionDays),
		cfg.Uploads.MaxSizeBytes,
		c.logger)
	if err != nil {
		return err
	}

	queue, err := jobs.Open(filepath.Join(cfg.Paths.DataDir, "jobs.db"), c.logger)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	var reranker *rerank.Client
	var orchestratorReranker query.Reranker
	if !cfg.Provider.Offline {
		breaker := rerank.NewBreaker(cfg.Rerank.CircuitThreshold, cfg.Rerank.CircuitReset, c.metrics)
		reranker = rerank.New(rerank.Config{
			BaseURL:     cfg.Provider.BaseURL,
			APIKey:      cfg.Provider.APIKey,
			Model:       cfg.Provider.RerankModel,
			Timeout:     cfg.Rerank.Timeout,
			MaxAttempts: cfg.Rerank.MaxAttempts,
		}, breaker, c.metrics, c.logger)
		orchestratorReranker = reranker
	}

	orchestrator := query.New(sessions, c.index, orchestratorReranker, chatGenerator{c.provider},
		c.store, c.metrics, c.logger, c.queryConfig()).
		WithAttachments(uploadAttachments{uploads: uploads, extractor: c.extractor})
	bridge := stream.New(orchestrator, c.metrics, c.logger)

	var queryLimiter, ingestLimiter *ratelimit.Limiter
	if cfg.RateLimit.Limit > 0 {
		queryLimiter = ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	if cfg.RateLimit.IngestLimit > 0 {
		ingestLimiter = ratelimit.New(cfg.RateLimit.IngestLimit, cfg.RateLimit.Window)
	}

	srv := server.New(server.Deps{
		Config:       cfg,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Bridge:       bridge,
		Pipeline:     c.pipeline,
		Uploads:      uploads,
		Queue:        queue,
		Limiter:      queryLimiter,
		IngestLimit:  ingestLimiter,
		Metrics:      c.metrics,
		Index:        c.index,
		Store:        c.store,
		Rerank:       reranker,
		Logger:       c.logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Serve from the persisted corpus immediately.
	if err := c.pipeline.RebuildIndex(ctx); err != nil {
		c.logger.Warn("startup_rebuild_failed", "error", err.Error())
	}

	worker := jobs.NewWorker(queue, c.pipeline.JobHandler(uploads), cfg.Jobs.Workers, c.logger)
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	watchDone := make(chan error, 1)
	if cfg.Paths.WatchDir != "" {
		dw, err := watcher.New(cfg.Paths.WatchDir, uploads, queue, watcher.Options{}, c.metrics, c.logger)
		if err != nil {
			return err
		}
		go func() { watchDone <- dw.Run(ctx) }()
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Start() }()

	select {
	case err := <-serveDone:
		return err
	case <-ctx.Done():
	}

	c.logger.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-workerDone
	if cfg.Paths.WatchDir != "" {
		<-watchDone
	}
	return nil
}
