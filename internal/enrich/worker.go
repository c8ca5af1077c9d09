package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/council/internal/metrics"
	"github.com/kalambet/council/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Runner is the enrichment the worker drives.
type Runner interface {
	EnrichCouncil(ctx context.Context, userID string) ([]Result, error)
	EnrichMembers(ctx context.Context, userID string, ids []string) ([]Result, error)
}

// Worker processes enrich_council jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	runner  Runner
	poll    time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, runner Runner, pollInterval time.Duration, m *metrics.Metrics) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:   store,
		runner:  runner,
		poll:    pollInterval,
		metrics: m,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single enrich_council job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobEnrichCouncil})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.metrics.IncJob(job.Type, "retried")
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.metrics.IncJob(job.Type, "completed")
	return true, nil
}

// processJob fails the job when any member step failed, so the queue retries
// it with backoff. Members that finished are not touched again.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload storage.EnrichCouncilPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.UserID == "" {
		return fmt.Errorf("payload has no user_id")
	}

	var (
		results []Result
		err     error
	)
	if len(payload.MemberIDs) > 0 {
		results, err = w.runner.EnrichMembers(ctx, payload.UserID, payload.MemberIDs)
	} else {
		results, err = w.runner.EnrichCouncil(ctx, payload.UserID)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Failed() || r.Skipped {
			failed++
		}
	}
	w.logger.Info("enrichment pass finished", "job_id", job.ID, "user_id", payload.UserID,
		"members", len(results), "incomplete", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d members incomplete", failed, len(results))
	}
	return nil
}
