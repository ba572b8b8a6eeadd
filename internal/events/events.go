// Package events wraps the memory-event queue (spec §4.8, C8): append,
// per-session claim/release, and the overdue-prediction lookup C10's
// nightly sweep drives. It holds no SQL of its own — internal/storage owns
// every statement — but it is where the business rules that sit above a
// single row (inactivity threshold, claim-id minting, dedup against an
// already-pending resolution event) live, the same division the teacher
// draws between `service/trace.Buffer` (business rules) and its storage
// layer underneath.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DigiBugCat/noesis/internal/model"
)

// DefaultInactivity is spec §6.7's INACTIVITY_MS default.
const DefaultInactivity = 30 * time.Second

// Store is the slice of storage.DB the event queue needs.
type Store interface {
	QueueEvent(ctx context.Context, e model.MemoryEvent) error
	FindInactiveSessions(ctx context.Context, inactiveFor time.Duration) ([]uuid.UUID, error)
	ClaimForDispatch(ctx context.Context, sessionID, claimID uuid.UUID) ([]model.MemoryEvent, error)
	ReleaseClaimed(ctx context.Context, eventIDs []uuid.UUID) error
	HasPendingResolution(ctx context.Context, memoryID uuid.UUID) (bool, error)
	FindOverdueThoughts(ctx context.Context, now time.Time) ([]model.Memory, error)
}

// Queue is the C8 event queue facade.
type Queue struct {
	store       Store
	inactiveFor time.Duration
}

// New constructs a Queue. inactiveFor <= 0 uses DefaultInactivity.
func New(store Store, inactiveFor time.Duration) *Queue {
	if inactiveFor <= 0 {
		inactiveFor = DefaultInactivity
	}
	return &Queue{store: store, inactiveFor: inactiveFor}
}

// Enqueue appends an undispatched event (spec §4.8 "queue").
func (q *Queue) Enqueue(ctx context.Context, e model.MemoryEvent) error {
	return q.store.QueueEvent(ctx, e)
}

// InactiveSessions returns sessions whose newest undispatched event is
// older than the configured inactivity threshold.
func (q *Queue) InactiveSessions(ctx context.Context) ([]uuid.UUID, error) {
	return q.store.FindInactiveSessions(ctx, q.inactiveFor)
}

// Claim mints a fresh claim id and provisionally claims every undispatched
// event for a session (spec §4.8 claim_for_dispatch). The caller (C9) must
// Release on delivery failure.
func (q *Queue) Claim(ctx context.Context, sessionID uuid.UUID) (claimID uuid.UUID, events []model.MemoryEvent, err error) {
	claimID = uuid.New()
	events, err = q.store.ClaimForDispatch(ctx, sessionID, claimID)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("events: claim for dispatch: %w", err)
	}
	return claimID, events, nil
}

// Release reverts a batch of provisionally-claimed events back to
// undispatched (spec §4.8 release_claimed) — called after a failed
// dispatch so the next cron tick retries them.
func (q *Queue) Release(ctx context.Context, eventIDs []uuid.UUID) error {
	return q.store.ReleaseClaimed(ctx, eventIDs)
}

// OverduePredictions returns time-bound memories whose resolves_by deadline
// has passed while active and that don't already have a pending
// thought:pending_resolution event (spec §4.8 find_overdue_predictions) —
// the set C10's nightly sweep should queue a fresh event for.
func (q *Queue) OverduePredictions(ctx context.Context, now time.Time) ([]model.Memory, error) {
	overdue, err := q.store.FindOverdueThoughts(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("events: find overdue thoughts: %w", err)
	}
	out := make([]model.Memory, 0, len(overdue))
	for _, m := range overdue {
		pending, err := q.store.HasPendingResolution(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("events: has pending resolution %s: %w", m.ID, err)
		}
		if !pending {
			out = append(out, m)
		}
	}
	return out, nil
}

// QueuePendingResolution emits the thought:pending_resolution event for a
// newly-overdue prediction (spec §4.10 daily step c).
func (q *Queue) QueuePendingResolution(ctx context.Context, m model.Memory) error {
	return q.store.QueueEvent(ctx, model.MemoryEvent{
		EventType: model.EventThoughtPendingResolution,
		MemoryID:  m.ID,
		Context: map[string]any{
			"content":           m.Content,
			"outcome_condition": m.OutcomeCondition,
			"resolves_by":       m.ResolvesBy,
			"invalidates_if":    m.InvalidatesIf,
			"confirms_if":       m.ConfirmsIf,
		},
	})
}
