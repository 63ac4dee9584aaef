package jobs

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

// Handler executes one claimed job and reports the resulting document.
type Handler func(ctx context.Context, job Job) (docID string, chunkCount int, err error)

// Worker drains the queue with a fixed pool of goroutines.
type Worker struct {
	queue        *Queue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewWorker creates a worker pool over the queue.
func NewWorker(queue *Queue, handler Handler, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        queue,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: time.Second,
		logger:       logger,
	}
}

// Run processes jobs until the context is cancelled. Stale running jobs
// are recovered on startup and then periodically.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.queue.RecoverStale(StaleRunningAfter); err != nil {
		w.logger.Error("stale_recovery_failed", slog.String("error", err.Error()))
	}

	group, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.concurrency; i++ {
		group.Go(func() error {
			return w.loop(ctx)
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(StaleRunningAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := w.queue.RecoverStale(StaleRunningAfter); err != nil {
					w.logger.Error("stale_recovery_failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	return group.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, ok, err := w.queue.Claim()
		if err != nil {
			w.logger.Error("job_claim_failed", slog.String("error", err.Error()))
			ok = false
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.execute(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job Job) {
	start := time.Now()
	docID, chunkCount, err := w.handler(ctx, job)
	if err != nil {
		w.logger.Warn("job_failed",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
			slog.String("kind", string(apperr.KindOf(err))),
			slog.String("error", err.Error()))
		if markErr := w.queue.MarkFailed(job.ID, err.Error()); markErr != nil {
			w.logger.Error("job_mark_failed", slog.String("error", markErr.Error()))
		}
		return
	}

	if markErr := w.queue.MarkSucceeded(job.ID, docID, chunkCount); markErr != nil {
		w.logger.Error("job_mark_failed", slog.String("error", markErr.Error()))
		return
	}
	w.logger.Info("job_succeeded",
		slog.String("job_id", job.ID),
		slog.String("doc_id", docID),
		slog.Int("chunks", chunkCount),
		slog.Duration("took", time.Since(start)))
}
