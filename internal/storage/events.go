package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DigiBugCat/noesis/internal/model"
)

// QueueEvent appends an undispatched event (spec §4.8 queue). Used by the
// exposure checker (violation/confirmation), the cascade engine
// (cascade_review/boost/damage, evidence validated/invalidated), and C10's
// overdue-prediction sweep (thought:pending_resolution).
func (db *DB) QueueEvent(ctx context.Context, e model.MemoryEvent) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal event context: %w", err)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO memory_events (id, session_id, event_type, memory_id, violated_by, damage_level, context, created_at, dispatched)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)`,
		e.ID, e.SessionID, e.EventType, e.MemoryID, e.ViolatedBy, e.DamageLevel, ctxJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: queue event: %w", err)
	}
	return nil
}

func scanEvents(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]model.MemoryEvent, error) {
	var out []model.MemoryEvent
	for rows.Next() {
		var e model.MemoryEvent
		var ctxJSON []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.MemoryID, &e.ViolatedBy, &e.DamageLevel,
			&ctxJSON, &e.CreatedAt, &e.Dispatched, &e.DispatchedAt, &e.ClaimID); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
				return nil, fmt.Errorf("storage: unmarshal event context: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindInactiveSessions returns the ids of sessions whose newest undispatched
// event is older than inactiveFor (spec §4.8 find_inactive_sessions). C9
// uses this to decide which sessions are due a claim_for_dispatch sweep.
func (db *DB) FindInactiveSessions(ctx context.Context, inactiveFor time.Duration) ([]uuid.UUID, error) {
	cutoff := time.Now().UTC().Add(-inactiveFor)
	rows, err := db.pool.Query(ctx,
		`SELECT session_id FROM memory_events
		 WHERE session_id IS NOT NULL AND dispatched = false
		 GROUP BY session_id
		 HAVING max(created_at) < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find inactive sessions: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan inactive session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClaimForDispatch atomically marks all of a session's undispatched events
// as dispatched under claimID and returns them (spec §4.8
// claim_for_dispatch — "provisionally claimed", not "delivered": C9 still
// has to actually deliver them, and can release_claimed on failure).
func (db *DB) ClaimForDispatch(ctx context.Context, sessionID, claimID uuid.UUID) ([]model.MemoryEvent, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE memory_events SET dispatched = true, dispatched_at = now(), claim_id = $2
		 WHERE session_id = $1 AND dispatched = false
		 RETURNING id, session_id, event_type, memory_id, violated_by, damage_level, context, created_at, dispatched, dispatched_at, claim_id`,
		sessionID, claimID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim for dispatch: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReleaseClaimed reverts a batch of provisionally-claimed events back to
// undispatched, clearing their claim id (spec §4.8 release_claimed), used
// when C9 fails to actually deliver a claimed batch.
func (db *DB) ReleaseClaimed(ctx context.Context, eventIDs []uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE memory_events SET dispatched = false, dispatched_at = NULL, claim_id = NULL WHERE id = ANY($1)`,
		eventIDs,
	)
	if err != nil {
		return fmt.Errorf("storage: release claimed events: %w", err)
	}
	return nil
}

// HasPendingResolution reports whether an undispatched
// thought:pending_resolution event already exists for a memory, so
// find_overdue_predictions and the exposure checker's auto-confirm path
// don't race each other or re-fire on every scheduler tick (spec §4.5.1
// step 3, §4.8 find_overdue_predictions).
func (db *DB) HasPendingResolution(ctx context.Context, memoryID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM memory_events WHERE memory_id = $1 AND event_type = $2 AND dispatched = false)`,
		memoryID, model.EventThoughtPendingResolution,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has pending resolution: %w", err)
	}
	return exists, nil
}
