// Package intake implements C11, the exposure-check intake queue consumer
// (spec §4.11). It is a near 1:1 structural analog of the teacher's
// (since-deleted) internal/search/outbox.go worker: poll, SELECT ... FOR
// UPDATE SKIP LOCKED claim, process, succeed/defer/fail/dead-letter — only
// the payload and the "process" step are different in kind.
package intake

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DigiBugCat/noesis/internal/embedding"
	"github.com/DigiBugCat/noesis/internal/model"
)

const (
	// DefaultBatchSize bounds how many jobs one poll claims, mirroring the
	// teacher's outbox worker's batch-size knob.
	DefaultBatchSize = 20
	// DefaultLockFor exceeds the expected worst-case exposure-check time
	// for one memory so a slow job doesn't get double-claimed.
	DefaultLockFor = 2 * time.Minute
	// embedRateLimitBackoff is the defer window used whenever resolving a
	// job's embedding fails, rate-limited or not (spec §4.11's "30 minute
	// defer backoff", same constant the teacher's outbox worker used for
	// its own rate-limited external calls).
	embedRateLimitBackoff = 30 * time.Minute
)

// Store is the slice of storage.DB the intake worker needs.
type Store interface {
	ClaimIntakeBatch(ctx context.Context, limit int, lockFor time.Duration) ([]model.IntakeJob, error)
	CompleteIntakeJob(ctx context.Context, memoryID uuid.UUID) error
	DeferIntakeJob(ctx context.Context, memoryID uuid.UUID, backoffFor time.Duration) error
	FailIntakeJob(ctx context.Context, memoryID uuid.UUID) error
	ArchiveDeadIntakeJobs(ctx context.Context, olderThan time.Duration) (int, error)
	WriteIntakeEmbedding(ctx context.Context, memoryID uuid.UUID, embedding []float32) error
}

// Checker is the slice of internal/exposure's Checker the worker drives.
// Declared locally so this package doesn't import internal/exposure
// directly — the same narrow-interface pattern used throughout (see
// internal/exposure's own Cascader, internal/cascade's Store).
type Checker interface {
	CheckExposures(ctx context.Context, obsID uuid.UUID, content string, emb []float32) error
	CheckExposuresForNewThought(ctx context.Context, mid uuid.UUID, content string, invalidatesIf, confirmsIf []string, timeBound bool) error
}

// Worker claims and processes intake jobs.
type Worker struct {
	store     Store
	embedder  embedding.Provider
	checker   Checker
	logger    *slog.Logger
	batchSize int
	lockFor   time.Duration
}

// New constructs a Worker. embedder is used only as a defensive fallback —
// by construction (spec §5's ordering guarantee), internal/engine has
// already embedded and upserted every memory before its intake job exists,
// so job.Embedding should always be populated.
func New(store Store, embedder embedding.Provider, checker Checker, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     store,
		embedder:  embedder,
		checker:   checker,
		logger:    logger,
		batchSize: DefaultBatchSize,
		lockFor:   DefaultLockFor,
	}
}

// RunOnce claims up to one batch of ready jobs and processes them
// concurrently, returning how many were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimIntakeBatch(ctx, w.batchSize, w.lockFor)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			w.process(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

// process runs both C5 entry points against a single job — spec §4.11:
// "both are run for all memories, with results merged and deduplicated by
// memory_id" (C5's own obs_id-keyed violation dedup inside
// record_violations_batch is what performs that merge; this method just
// has to make sure both passes run).
func (w *Worker) process(ctx context.Context, job model.IntakeJob) {
	emb, err := w.resolveEmbedding(ctx, job)
	if err != nil {
		w.logger.Warn("intake: embedding unavailable, deferring", "memory_id", job.MemoryID, "err", err)
		if err := w.store.DeferIntakeJob(ctx, job.MemoryID, embedRateLimitBackoff); err != nil {
			w.logger.Error("intake: defer job failed", "memory_id", job.MemoryID, "err", err)
		}
		return
	}

	var failed bool
	if err := w.checker.CheckExposures(ctx, job.MemoryID, job.Content, emb); err != nil {
		w.logger.Error("intake: check_exposures failed", "memory_id", job.MemoryID, "err", err)
		failed = true
	}
	if err := w.checker.CheckExposuresForNewThought(ctx, job.MemoryID, job.Content, job.InvalidatesIf, job.ConfirmsIf, job.TimeBound); err != nil {
		w.logger.Error("intake: check_exposures_for_new_thought failed", "memory_id", job.MemoryID, "err", err)
		failed = true
	}

	if failed {
		if err := w.store.FailIntakeJob(ctx, job.MemoryID); err != nil {
			w.logger.Error("intake: fail job bookkeeping failed", "memory_id", job.MemoryID, "err", err)
		}
		return
	}
	if err := w.store.CompleteIntakeJob(ctx, job.MemoryID); err != nil {
		w.logger.Error("intake: complete job failed", "memory_id", job.MemoryID, "err", err)
	}
}

func (w *Worker) resolveEmbedding(ctx context.Context, job model.IntakeJob) ([]float32, error) {
	if len(job.Embedding) > 0 {
		return job.Embedding, nil
	}
	emb, err := w.embedder.Embed(ctx, job.Content)
	if err != nil {
		return nil, err
	}
	if err := w.store.WriteIntakeEmbedding(ctx, job.MemoryID, emb); err != nil {
		w.logger.Error("intake: cache fallback embedding failed", "memory_id", job.MemoryID, "err", err)
	}
	return emb, nil
}

// ArchiveDead dead-letters jobs that exhausted their retry budget and are
// older than olderThan (spec §4.11 terminal failure handling).
func (w *Worker) ArchiveDead(ctx context.Context, olderThan time.Duration) (int, error) {
	return w.store.ArchiveDeadIntakeJobs(ctx, olderThan)
}

// Run polls RunOnce on pollInterval until ctx is cancelled, the same
// ticker-poll shape as the teacher's outbox worker loop.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("intake: run once failed", "err", err)
			}
		}
	}
}
