package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/DigiBugCat/noesis/internal/model"
)

// IntakeMaxAttempts bounds retry before an intake job is archived as dead
// (spec §4.11; mirrors the teacher's search_outbox dead-letter threshold).
const IntakeMaxAttempts = 8

// enqueueIntakeTx enqueues the exposure-check intake job for a freshly
// created memory in the same transaction that created it, so a reader can
// never observe a memory with exposure_check_status=pending and no
// corresponding queue row (spec §4.11 "ordering guarantees"). embedding is
// the content vector internal/engine already computed and upserted into C2
// before calling CreateMemory — stored here so C11 never has to recompute
// it; empty only for rows created before an embedding provider was wired,
// in which case C11 treats it as a defensive fallback (spec §4.2).
func enqueueIntakeTx(ctx context.Context, tx pgx.Tx, m model.Memory, embedding []float32, sessionID *uuid.UUID, requestID string, now time.Time) error {
	isObservation := m.Source != nil
	timeBound := m.ResolvesBy != nil

	_, err := tx.Exec(ctx,
		`INSERT INTO intake_queue (
			id, memory_id, is_observation, content, embedding,
			invalidates_if, confirms_if, assumes, time_bound,
			session_id, request_id, attempts, available_at, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12)
		 ON CONFLICT (memory_id) DO NOTHING`,
		uuid.New(), m.ID, isObservation, m.Content, embedding,
		m.InvalidatesIf, m.ConfirmsIf, m.Assumes, timeBound,
		sessionID, nullIfEmpty(requestID), now,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue intake: %w", err)
	}
	return nil
}

// ClaimIntakeBatch claims up to limit ready, unlocked intake jobs using
// SELECT ... FOR UPDATE SKIP LOCKED, the same outbox-claim pattern the
// teacher's search_outbox worker uses, so concurrent C11 workers never
// double-process a job. Claimed rows are locked for lockFor to exceed the
// expected exposure-check processing time.
func (db *DB) ClaimIntakeBatch(ctx context.Context, limit int, lockFor time.Duration) ([]model.IntakeJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim intake tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	rows, err := tx.Query(ctx,
		`SELECT q.memory_id, q.is_observation, q.content, q.embedding,
		        q.invalidates_if, q.confirms_if, q.assumes, q.time_bound,
		        q.session_id, q.request_id
		 FROM intake_queue q
		 WHERE q.available_at <= $1 AND q.attempts < $2 AND q.archived = false
		   AND (q.locked_until IS NULL OR q.locked_until <= $1)
		 ORDER BY q.available_at
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		now, IntakeMaxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim intake query: %w", err)
	}

	var jobs []model.IntakeJob
	var ids []uuid.UUID
	for rows.Next() {
		var j model.IntakeJob
		var requestID *string
		var embedding []float32
		if err := rows.Scan(&j.MemoryID, &j.IsObservation, &j.Content, &embedding,
			&j.InvalidatesIf, &j.ConfirmsIf, &j.Assumes, &j.TimeBound,
			&j.SessionID, &requestID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan intake job: %w", err)
		}
		j.Embedding = embedding
		if requestID != nil {
			j.RequestID = *requestID
		}
		j.Timestamp = now.UnixMilli()
		jobs = append(jobs, j)
		ids = append(ids, j.MemoryID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimUntil := now.Add(lockFor)
	if _, err := tx.Exec(ctx,
		`UPDATE intake_queue SET locked_until = $2, attempts = attempts + 1 WHERE memory_id = ANY($1)`,
		ids, claimUntil,
	); err != nil {
		return nil, fmt.Errorf("storage: mark intake claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim intake: %w", err)
	}
	return jobs, nil
}

// CompleteIntakeJob removes a successfully processed job and stamps the
// memory's exposure_check_status completed.
func (db *DB) CompleteIntakeJob(ctx context.Context, memoryID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin complete intake tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM intake_queue WHERE memory_id = $1`, memoryID); err != nil {
		return fmt.Errorf("storage: delete intake job: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE memories SET exposure_check_status = $2, updated_at = now() WHERE id = $1`,
		memoryID, model.ExposureCompleted,
	); err != nil {
		return fmt.Errorf("storage: mark exposure completed: %w", err)
	}
	return tx.Commit(ctx)
}

// DeferIntakeJob postpones a job that isn't ready yet (e.g. its embedding
// provider rate-limited) by backoffFor, without counting it as a failed
// attempt (spec §4.11 "30 minute defer backoff").
func (db *DB) DeferIntakeJob(ctx context.Context, memoryID uuid.UUID, backoffFor time.Duration) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE intake_queue SET available_at = $2, locked_until = NULL, attempts = GREATEST(attempts - 1, 0) WHERE memory_id = $1`,
		memoryID, time.Now().UTC().Add(backoffFor),
	)
	if err != nil {
		return fmt.Errorf("storage: defer intake job: %w", err)
	}
	return nil
}

// FailIntakeJob records a failed attempt and reschedules with exponential
// backoff (2^(attempts+1) seconds, capped at 300s; attempts already counts
// the claim that just failed), mirroring the teacher's
// search_outbox retry curve.
func (db *DB) FailIntakeJob(ctx context.Context, memoryID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE intake_queue
		 SET available_at = now() + (LEAST(POWER(2, attempts + 1), 300) * interval '1 second'),
		     locked_until = NULL
		 WHERE memory_id = $1`,
		memoryID,
	)
	if err != nil {
		return fmt.Errorf("storage: fail intake job: %w", err)
	}
	return nil
}

// ArchiveDeadIntakeJobs marks jobs that exhausted their attempt budget and
// are older than olderThan as archived (dead-lettered), and marks their
// memory's exposure check skipped so it doesn't block reads indefinitely.
func (db *DB) ArchiveDeadIntakeJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := db.pool.Query(ctx,
		`UPDATE intake_queue SET archived = true
		 WHERE attempts >= $1 AND created_at < $2 AND archived = false
		 RETURNING memory_id`,
		IntakeMaxAttempts, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: archive dead intake jobs: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE memories SET exposure_check_status = $2, updated_at = now() WHERE id = ANY($1)`,
		ids, model.ExposureSkipped,
	); err != nil {
		return 0, fmt.Errorf("storage: mark exposure skipped: %w", err)
	}
	return len(ids), nil
}

// WriteIntakeEmbedding stores a job's computed embedding so a later retry
// (e.g. after a transient exposure-checker failure) doesn't recompute it.
func (db *DB) WriteIntakeEmbedding(ctx context.Context, memoryID uuid.UUID, embedding []float32) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE intake_queue SET embedding = $2 WHERE memory_id = $1`,
		memoryID, embedding,
	)
	if err != nil {
		return fmt.Errorf("storage: write intake embedding: %w", err)
	}
	return nil
}

// EstimatedIntakeBacklog reports an approximate pending-job count via
// pg_class.reltuples, avoiding a full-table COUNT(*) on the hot queue table
// (spec §6.7 observability; grounded on the teacher's outbox gauge).
func (db *DB) EstimatedIntakeBacklog(ctx context.Context) (int64, error) {
	var estimate float64
	err := db.pool.QueryRow(ctx,
		`SELECT reltuples FROM pg_class WHERE relname = 'intake_queue'`,
	).Scan(&estimate)
	if err != nil {
		return 0, fmt.Errorf("storage: estimate intake backlog: %w", err)
	}
	if estimate < 0 {
		return 0, nil
	}
	return int64(estimate), nil
}
