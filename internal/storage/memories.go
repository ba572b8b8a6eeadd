package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/DigiBugCat/noesis/internal/confidence"
	"github.com/DigiBugCat/noesis/internal/model"
)

// CreateMemory inserts a new memory, its derivation edges, and enqueues its
// exposure intake job, all in a single transaction (spec §4.1, §4.11, §5
// "ordering guarantees"). id is pre-generated by the caller rather than
// minted here: spec §5 requires "embedding and index upserts must complete
// before the exposure job is enqueued", and the MEMORY/INVALIDATES/CONFIRMS
// vector point ids are keyed off the memory id (e.g. "{memory_id}:inv:{i}"),
// so internal/engine must know the id before it upserts those vectors —
// which happens before CreateMemory is ever called. contentEmbedding is that
// same already-computed embedding of d.Content, carried into the intake job
// row so C11 never has to recompute it.
func (db *DB) CreateMemory(ctx context.Context, id uuid.UUID, d model.Draft, stats model.SystemStats, contentEmbedding []float32, sessionID *uuid.UUID, requestID string) (model.Memory, error) {
	now := time.Now().UTC()
	m := model.Memory{
		ID:                   id,
		Content:              d.Content,
		Tags:                 d.Tags,
		Source:               d.Source,
		DerivedFrom:          d.DerivedFrom,
		InvalidatesIf:        d.InvalidatesIf,
		ConfirmsIf:           d.ConfirmsIf,
		Assumes:              d.Assumes,
		ResolvesBy:           d.ResolvesBy,
		OutcomeCondition:     d.OutcomeCondition,
		StartingConfidence:   confidence.StartingConfidence(d, stats),
		State:                model.StateActive,
		ExposureCheckStatus:  model.ExposurePending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin create memory tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertMemorySQL,
		m.ID, m.Content, m.Tags, m.Source, m.DerivedFrom,
		m.InvalidatesIf, m.ConfirmsIf, m.Assumes, m.ResolvesBy, m.OutcomeCondition,
		m.StartingConfidence, m.State, m.ExposureCheckStatus, m.CreatedAt, m.UpdatedAt,
	); err != nil {
		return model.Memory{}, fmt.Errorf("storage: insert memory: %w", err)
	}

	// Derivation edges: this memory (child) -> each premise (parent) it
	// derives from or is confirmed by. A plain thought/prediction uses
	// derived_from; spec §3.1 reserves confirmed_by for confirm(). Every
	// derived_from edge also bumps the premise's centrality (spec.md:70 "for
	// every derived_from edge A->B, B's centrality counts at least one
	// incoming derivation"), which is what lets damage_level(centrality)
	// ever classify a heavily-derived-from memory as core.
	for _, premise := range d.DerivedFrom {
		if err := upsertEdgeTx(ctx, tx, m.ID, premise, model.EdgeDerivedFrom, 1.0, now); err != nil {
			return model.Memory{}, fmt.Errorf("storage: create derivation edge: %w", err)
		}
		if err := adjustCentralityTx(ctx, tx, premise, 1, now); err != nil {
			return model.Memory{}, fmt.Errorf("storage: increment premise centrality: %w", err)
		}
	}

	if err := enqueueIntakeTx(ctx, tx, m, contentEmbedding, sessionID, requestID, now); err != nil {
		return model.Memory{}, fmt.Errorf("storage: enqueue intake: %w", err)
	}

	if err := appendVersionTx(ctx, tx, m.ID, "memory", "created", m, nil, sessionID, requestID, now); err != nil {
		return model.Memory{}, fmt.Errorf("storage: append version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit create memory: %w", err)
	}
	return m, nil
}

const insertMemorySQL = `
	INSERT INTO memories (
		id, content, tags, source, derived_from,
		invalidates_if, confirms_if, assumes, resolves_by, outcome_condition,
		starting_confidence, state, exposure_check_status, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const selectMemoryColumns = `
	id, content, tags, source, derived_from,
	invalidates_if, confirms_if, assumes, resolves_by, outcome_condition,
	starting_confidence, confirmations, times_tested, contradictions, centrality, propagated_confidence,
	state, outcome, retracted, retract_reason,
	exposure_check_status, violations,
	created_at, updated_at, resolved_at, retracted_at`

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	var violationsJSON []byte
	if err := row.Scan(
		&m.ID, &m.Content, &m.Tags, &m.Source, &m.DerivedFrom,
		&m.InvalidatesIf, &m.ConfirmsIf, &m.Assumes, &m.ResolvesBy, &m.OutcomeCondition,
		&m.StartingConfidence, &m.Confirmations, &m.TimesTested, &m.Contradictions, &m.Centrality, &m.PropagatedConfidence,
		&m.State, &m.Outcome, &m.Retracted, &m.RetractReason,
		&m.ExposureCheckStatus, &violationsJSON,
		&m.CreatedAt, &m.UpdatedAt, &m.ResolvedAt, &m.RetractedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: scan memory: %w", err)
	}
	if len(violationsJSON) > 0 {
		if err := json.Unmarshal(violationsJSON, &m.Violations); err != nil {
			return model.Memory{}, fmt.Errorf("storage: unmarshal violations: %w", err)
		}
	}
	return m, nil
}

// GetMemory retrieves a memory by id.
func (db *DB) GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+selectMemoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Memory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.Memory{}, err
	}
	return m, nil
}

// GetMemories retrieves multiple memories by id in one round trip, used by
// the shock propagator and exposure checker to hydrate a candidate set.
func (db *DB) GetMemories(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Memory, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]model.Memory{}, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT `+selectMemoryColumns+` FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get memories: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Memory, len(ids))
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// UpdateMemory applies a partial patch and bumps updated_at. Non-nil fields
// overwrite; nil fields are left untouched.
func (db *DB) UpdateMemory(ctx context.Context, id uuid.UUID, patch model.Patch, sessionID *uuid.UUID, requestID string) (model.Memory, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin update memory tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := scanMemory(tx.QueryRow(ctx, `SELECT `+selectMemoryColumns+` FROM memories WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Memory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.Memory{}, err
	}

	now := time.Now().UTC()
	after := before
	if patch.Tags != nil {
		after.Tags = *patch.Tags
	}
	if patch.State != nil {
		after.State = *patch.State
	}
	if patch.Outcome != nil {
		after.Outcome = patch.Outcome
		if (patch.State != nil && *patch.State == model.StateResolved) || (patch.State == nil && after.State == model.StateResolved) {
			after.ResolvedAt = &now
		}
	}
	if patch.PropagatedConfidence != nil {
		after.PropagatedConfidence = patch.PropagatedConfidence
	}
	if patch.ExposureCheckStatus != nil {
		after.ExposureCheckStatus = *patch.ExposureCheckStatus
	}
	after.UpdatedAt = now

	if _, err := tx.Exec(ctx,
		`UPDATE memories SET tags=$2, state=$3, outcome=$4, propagated_confidence=$5,
		 exposure_check_status=$6, updated_at=$7, resolved_at=$8 WHERE id=$1`,
		id, after.Tags, after.State, after.Outcome, after.PropagatedConfidence,
		after.ExposureCheckStatus, after.UpdatedAt, after.ResolvedAt,
	); err != nil {
		return model.Memory{}, fmt.Errorf("storage: update memory: %w", err)
	}

	if err := appendVersionTx(ctx, tx, id, "memory", "updated", after, &before, sessionID, requestID, now); err != nil {
		return model.Memory{}, fmt.Errorf("storage: append version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit update memory: %w", err)
	}
	return after, nil
}

// RetractMemory marks a memory retracted. Retracted memories are excluded
// from exposure checking and shock propagation's updatable set (spec §3.2).
// correctingObservationID, if given, is recorded in the version snapshot as
// the evidence that prompted the retraction — it does not create a graph
// edge, since none of the three edge types fit "this observation corrected
// a retraction" semantically.
func (db *DB) RetractMemory(ctx context.Context, id uuid.UUID, reason string, correctingObservationID *uuid.UUID, sessionID *uuid.UUID, requestID string) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET retracted=true, retract_reason=$2, retracted_at=$3, updated_at=$3 WHERE id=$1`,
		id, reason, now,
	)
	if err != nil {
		return fmt.Errorf("storage: retract memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
	}
	snapshot := map[string]any{"reason": reason}
	if correctingObservationID != nil {
		snapshot["correcting_observation_id"] = correctingObservationID.String()
	}
	return appendVersion(ctx, db.pool, id, "memory", "retracted", snapshot, nil, sessionID, requestID, now)
}

// RecordViolationsBatch appends one or more violations to a memory's
// violations list, incrementing times_tested and contradictions, and
// transitions state — all as a single row-locked RMW so concurrent exposure
// checks on the same target serialize cleanly (spec §4.1, §5 "memory rows
// are read-modify-write"). Violations whose ObsID already appears in the
// memory's existing violations are dropped before counters advance, so a
// retried dispatch or a re-check that revisits the same (obs_id, memory_id)
// pair cannot double-count times_tested/contradictions or duplicate the
// stored Violation entries (the idempotence spec.md requires of
// record_violation). A core-centrality memory (confidence.DamageLevel ==
// DamageCore) is terminally resolved incorrect rather than merely violated
// (spec.md:141 "call C7 with outcome incorrect if core else void"; spec §3.3
// lifecycle); a peripheral one just transitions active/confirmed -> violated.
func (db *DB) RecordViolationsBatch(ctx context.Context, targetID uuid.UUID, violations []model.Violation) (model.Memory, error) {
	if len(violations) == 0 {
		return db.GetMemory(ctx, targetID)
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin record violations tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMemory(tx.QueryRow(ctx, `SELECT `+selectMemoryColumns+` FROM memories WHERE id = $1 FOR UPDATE`, targetID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Memory{}, fmt.Errorf("storage: memory %s: %w", targetID, ErrNotFound)
		}
		return model.Memory{}, err
	}

	seen := make(map[uuid.UUID]bool, len(m.Violations))
	for _, v := range m.Violations {
		if v.ObsID != uuid.Nil {
			seen[v.ObsID] = true
		}
	}
	fresh := make([]model.Violation, 0, len(violations))
	for _, v := range violations {
		if v.ObsID != uuid.Nil {
			if seen[v.ObsID] {
				continue
			}
			seen[v.ObsID] = true
		}
		fresh = append(fresh, v)
	}
	if len(fresh) == 0 {
		return m, nil
	}

	m.Violations = append(m.Violations, fresh...)
	m.TimesTested += len(fresh)
	m.Contradictions += len(fresh)
	now := time.Now().UTC()
	m.UpdatedAt = now

	if confidence.DamageLevel(m.Centrality) == model.DamageCore {
		m.State = model.StateResolved
		outcome := model.OutcomeIncorrect
		m.Outcome = &outcome
		m.ResolvedAt = &now
	} else if m.State == model.StateActive || m.State == model.StateConfirmed {
		m.State = model.StateViolated
	}

	violationsJSON, err := json.Marshal(m.Violations)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: marshal violations: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE memories SET violations=$2, times_tested=$3, contradictions=$4, state=$5, outcome=$6, resolved_at=$7, updated_at=$8 WHERE id=$1`,
		targetID, violationsJSON, m.TimesTested, m.Contradictions, m.State, m.Outcome, m.ResolvedAt, m.UpdatedAt,
	); err != nil {
		return model.Memory{}, fmt.Errorf("storage: update violations: %w", err)
	}

	// Each fresh violation records a violated_by edge from the violating
	// observation to the violated memory (cancellation-safe invariant:
	// the violations entry above must exist before this edge, spec §5).
	// A zero ObsID means the violation carries no machine-checked evidence
	// (e.g. a manual violate() call with no observation_id) — no edge to
	// create in that case.
	for _, v := range fresh {
		if v.ObsID == uuid.Nil {
			continue
		}
		if err := upsertEdgeTx(ctx, tx, v.ObsID, targetID, model.EdgeViolatedBy, 1.0, m.UpdatedAt); err != nil {
			return model.Memory{}, fmt.Errorf("storage: create violated_by edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit record violations: %w", err)
	}
	return m, nil
}

// RecordConfirmation increments confirmations and times_tested for a memory,
// transitioning it to confirmed when it was merely active. Like
// RecordViolationsBatch, this is a row-locked RMW (spec §4.1, §5). obsID is
// nil for a manual confirm() call with no supporting observation — in that
// case counters still advance but no confirmed_by edge is created.
func (db *DB) RecordConfirmation(ctx context.Context, targetID uuid.UUID, obsID *uuid.UUID) (model.Memory, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin record confirmation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMemory(tx.QueryRow(ctx, `SELECT `+selectMemoryColumns+` FROM memories WHERE id = $1 FOR UPDATE`, targetID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Memory{}, fmt.Errorf("storage: memory %s: %w", targetID, ErrNotFound)
		}
		return model.Memory{}, err
	}

	m.Confirmations++
	m.TimesTested++
	if m.State == model.StateActive {
		m.State = model.StateConfirmed
	}
	m.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE memories SET confirmations=$2, times_tested=$3, state=$4, updated_at=$5 WHERE id=$1`,
		targetID, m.Confirmations, m.TimesTested, m.State, m.UpdatedAt,
	); err != nil {
		return model.Memory{}, fmt.Errorf("storage: update confirmation: %w", err)
	}

	if obsID != nil {
		if err := upsertEdgeTx(ctx, tx, *obsID, targetID, model.EdgeConfirmedBy, 1.0, m.UpdatedAt); err != nil {
			return model.Memory{}, fmt.Errorf("storage: create confirmed_by edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit record confirmation: %w", err)
	}
	return m, nil
}

// AutoConfirm terminally resolves a time-bound thought whose confirms_if
// condition was satisfied with high confidence: counters++, state=resolved,
// outcome=correct, confirmed_by edge created — all in one row-locked RMW
// (spec §4.5.1 step 6 "auto-confirm").
func (db *DB) AutoConfirm(ctx context.Context, targetID, obsID uuid.UUID) (model.Memory, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin auto-confirm tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMemory(tx.QueryRow(ctx, `SELECT `+selectMemoryColumns+` FROM memories WHERE id = $1 FOR UPDATE`, targetID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Memory{}, fmt.Errorf("storage: memory %s: %w", targetID, ErrNotFound)
		}
		return model.Memory{}, err
	}

	now := time.Now().UTC()
	m.Confirmations++
	m.TimesTested++
	m.State = model.StateResolved
	outcome := model.OutcomeCorrect
	m.Outcome = &outcome
	m.ResolvedAt = &now
	m.UpdatedAt = now

	if _, err := tx.Exec(ctx,
		`UPDATE memories SET confirmations=$2, times_tested=$3, state=$4, outcome=$5, resolved_at=$6, updated_at=$6 WHERE id=$1`,
		targetID, m.Confirmations, m.TimesTested, m.State, m.Outcome, now,
	); err != nil {
		return model.Memory{}, fmt.Errorf("storage: update auto-confirm: %w", err)
	}

	if err := upsertEdgeTx(ctx, tx, obsID, targetID, model.EdgeConfirmedBy, 1.0, now); err != nil {
		return model.Memory{}, fmt.Errorf("storage: create confirmed_by edge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit auto-confirm: %w", err)
	}
	return m, nil
}

// AdjustCentrality applies a signed delta to a memory's centrality counter
// using atomic arithmetic (spec §4.1 increment_centrality/decrement_centrality,
// §5 "atomic counter arithmetic").
func (db *DB) AdjustCentrality(ctx context.Context, id uuid.UUID, delta int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET centrality = centrality + $2, updated_at = now() WHERE id = $1`,
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("storage: adjust centrality: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// adjustCentralityTx is AdjustCentrality's tx-scoped twin, used by
// CreateMemory so a derivation edge and its premise's centrality bump commit
// atomically.
func adjustCentralityTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int, now time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE memories SET centrality = centrality + $2, updated_at = $3 WHERE id = $1`,
		id, delta, now,
	)
	if err != nil {
		return fmt.Errorf("storage: adjust centrality: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListConditionIDs returns the ids of non-retracted, non-resolution tagged
// memories that carry at least one condition of the requested kind. State is
// not filtered: violated, confirmed and resolved memories are included.
func (db *DB) ListConditionIDs(ctx context.Context, kind model.ConditionKind) ([]uuid.UUID, error) {
	column := "invalidates_if"
	if kind == model.ConditionConfirms {
		column = "confirms_if"
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM memories
		 WHERE retracted = false
		   AND array_length(`+column+`, 1) > 0
		   AND NOT (tags && ARRAY['resolution','resolver','auto-resolution'])`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list condition ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan condition id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindOverdueThoughts returns time-bound memories whose resolves_by deadline
// has passed while still active (spec §4.8 find_overdue_predictions, storage
// half).
func (db *DB) FindOverdueThoughts(ctx context.Context, now time.Time) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+selectMemoryColumns+` FROM memories
		 WHERE state = $1 AND resolves_by IS NOT NULL AND resolves_by < $2`,
		model.StateActive, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find overdue thoughts: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListActivePredictions returns every active time-bound thought regardless
// of deadline, backing the read API's pending(overdue=false) view (spec
// §6.1 pending).
func (db *DB) ListActivePredictions(ctx context.Context) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+selectMemoryColumns+` FROM memories WHERE state = $1 AND resolves_by IS NOT NULL`,
		model.StateActive,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active predictions: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StuckExposureChecks returns memories whose exposure check has sat in
// pending or processing for longer than olderThan — C11 jobs that never
// completed or were never picked up — backing insights(stuck_jobs) (spec
// §4.11, §6.1).
func (db *DB) StuckExposureChecks(ctx context.Context, olderThan time.Duration) ([]model.Memory, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := db.pool.Query(ctx,
		`SELECT `+selectMemoryColumns+` FROM memories
		 WHERE exposure_check_status IN ($1, $2) AND created_at < $3`,
		model.ExposurePending, model.ExposureProcessing, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stuck exposure checks: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
