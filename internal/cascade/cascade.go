// Package cascade derives review/boost/damage events from a memory's
// resolution and fans them out along its 1-hop derivation edges (spec
// §4.7, C7). It never mutates target memories directly — it only queues
// events for C8/C9 to dispatch.
package cascade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DigiBugCat/noesis/internal/model"
)

// Store is the slice of storage.DB the cascade engine needs. Declared
// locally (rather than depending on the concrete *storage.DB) so it can be
// faked in tests, following the same narrow-interface pattern used by
// internal/exposure's Cascader.
type Store interface {
	GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error)
	EdgesFrom(ctx context.Context, id uuid.UUID, types []model.EdgeType) ([]model.Edge, error)
	EdgesTo(ctx context.Context, id uuid.UUID, types []model.EdgeType) ([]model.Edge, error)
	QueueEvent(ctx context.Context, e model.MemoryEvent) error
}

// Cascade implements internal/exposure's Cascader interface.
type Cascade struct {
	store  Store
	logger *slog.Logger
}

// New constructs a cascade engine over store.
func New(store Store, logger *slog.Logger) *Cascade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{store: store, logger: logger}
}

// PropagateResolution implements spec §4.7's propagate_resolution: it walks
// source's 1-hop incoming and outgoing edges concurrently, classifies each
// per the direction/edge-type/outcome table, and queues the resulting
// event. Per-edge failures are logged and skipped — cascade failure must
// never block the caller's main mutation (spec §4.9 "Cascade/shock failure
// → logged, never blocks").
func (c *Cascade) PropagateResolution(ctx context.Context, sourceID uuid.UUID, outcome model.Outcome, sessionID *uuid.UUID) error {
	incoming, err := c.store.EdgesTo(ctx, sourceID, nil)
	if err != nil {
		return fmt.Errorf("cascade: edges to %s: %w", sourceID, err)
	}
	outgoing, err := c.store.EdgesFrom(ctx, sourceID, nil)
	if err != nil {
		return fmt.Errorf("cascade: edges from %s: %w", sourceID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range incoming {
		e := e
		g.Go(func() error {
			c.processEdge(gctx, sourceID, outcome, sessionID, e, true)
			return nil
		})
	}
	for _, e := range outgoing {
		e := e
		g.Go(func() error {
			c.processEdge(gctx, sourceID, outcome, sessionID, e, false)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// processEdge classifies one edge against the spec §4.7 table and queues
// the resulting event, if any. incoming reports whether the edge points
// at sourceID (true) or away from it (false).
func (c *Cascade) processEdge(ctx context.Context, sourceID uuid.UUID, outcome model.Outcome, sessionID *uuid.UUID, edge model.Edge, incoming bool) {
	otherID := edge.TargetID
	if incoming {
		otherID = edge.SourceID
	}

	other, err := c.store.GetMemory(ctx, otherID)
	if err != nil {
		c.logger.Error("cascade: load neighbor failed", "err", err, "source_id", sourceID, "neighbor_id", otherID)
		return
	}
	// Observations never receive cascade events; already-resolved memories
	// don't need another review/boost/damage signal.
	if other.IsObservation() || other.State == model.StateResolved {
		return
	}

	switch edge.Type {
	case model.EdgeConfirmedBy, model.EdgeViolatedBy:
		return // already handled directly by the exposure checker

	case model.EdgeDerivedFrom:
		if incoming {
			c.emitDownstream(ctx, other, sourceID, outcome, edge.Type, sessionID)
		} else {
			c.emitUpstream(ctx, other, sourceID, outcome, edge.Type, sessionID)
		}

	default:
		c.emit(ctx, other, sourceID, outcome, edge.Type, "review", model.EventCascadeReview, true, sessionID)
	}
}

// emitDownstream handles an incoming derived_from edge: other derives from
// sourceID, so sourceID's resolution boosts or damages it directly.
func (c *Cascade) emitDownstream(ctx context.Context, other model.Memory, sourceID uuid.UUID, outcome model.Outcome, edgeType model.EdgeType, sessionID *uuid.UUID) {
	switch outcome {
	case model.OutcomeCorrect:
		c.emit(ctx, other, sourceID, outcome, edgeType, "boost", model.EventCascadeBoost, true, sessionID)
	case model.OutcomeIncorrect:
		c.emit(ctx, other, sourceID, outcome, edgeType, "damage", model.EventCascadeDamage, true, sessionID)
	default: // void: neither confirmed nor refuted strongly enough to act automatically
		c.emit(ctx, other, sourceID, outcome, edgeType, "review", model.EventCascadeReview, true, sessionID)
	}
}

// emitUpstream handles an outgoing derived_from edge: sourceID derives from
// other, so sourceID's resolution speaks to whether the assumption it rode
// on (other) still holds.
func (c *Cascade) emitUpstream(ctx context.Context, other model.Memory, sourceID uuid.UUID, outcome model.Outcome, edgeType model.EdgeType, sessionID *uuid.UUID) {
	switch outcome {
	case model.OutcomeCorrect:
		c.emit(ctx, other, sourceID, outcome, edgeType, "boost", model.EventAssumptionEvidenceValidated, false, sessionID)
	case model.OutcomeIncorrect:
		c.emit(ctx, other, sourceID, outcome, edgeType, "review", model.EventAssumptionEvidenceInvalidated, false, sessionID)
	default:
		c.emit(ctx, other, sourceID, outcome, edgeType, "review", model.EventCascadeReview, true, sessionID)
	}
}

// emit builds and queues the event. When prefixWithMemtype is true,
// eventType is a bare suffix (cascade_review/boost/damage) that gets
// "<memtype>:" prepended per spec §4.7's `<memtype>:cascade_*` convention;
// the assumption:evidence_* event types are already fully qualified.
func (c *Cascade) emit(ctx context.Context, target model.Memory, sourceID uuid.UUID, outcome model.Outcome, edgeType model.EdgeType, action string, eventType model.EventType, prefixWithMemtype bool, sessionID *uuid.UUID) {
	et := eventType
	if prefixWithMemtype {
		et = model.EventType(fmt.Sprintf("%s:%s", target.DeriveKind(), eventType))
	}
	ev := model.MemoryEvent{
		SessionID: sessionID,
		EventType: et,
		MemoryID:  target.ID,
		Context: map[string]any{
			"reason":           action,
			"source_id":        sourceID,
			"source_outcome":   outcome,
			"edge_type":        edgeType,
			"suggested_action": action,
		},
	}
	if err := c.store.QueueEvent(ctx, ev); err != nil {
		c.logger.Error("cascade: queue event failed", "err", err, "source_id", sourceID, "target_id", target.ID, "event_type", et)
	}
}
