package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/shock"
)

// ShockStore adapts *DB to the shock.Store interface. It exists as a thin
// wrapper rather than exposing these names on *DB directly, because several
// (LoadNodes, SupportEdgesAmong) need a domain-typed return shape distinct
// from the general-purpose model.Edge/model.Memory the rest of the package
// works with.
type ShockStore struct {
	db *DB
}

// NewShockStore wraps db for use by shock.New.
func NewShockStore(db *DB) *ShockStore {
	return &ShockStore{db: db}
}

func (s *ShockStore) Neighborhood(ctx context.Context, seed uuid.UUID, maxHops int, minStrength float64) ([]uuid.UUID, error) {
	return s.db.Neighborhood(ctx, seed, maxHops, minStrength)
}

func (s *ShockStore) AllNodeIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.db.AllNodeIDs(ctx)
}

func (s *ShockStore) LoadNodes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]shock.NodeState, error) {
	memories, err := s.db.GetMemories(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: shock load nodes: %w", err)
	}
	out := make(map[uuid.UUID]shock.NodeState, len(memories))
	for id, m := range memories {
		out[id] = shock.NodeState{
			ID:                   id,
			StartingConfidence:   m.StartingConfidence,
			Confirmations:        m.Confirmations,
			TimesTested:          m.TimesTested,
			PropagatedConfidence: m.PropagatedConfidence,
			IsObservation:        m.Source != nil,
			Retracted:            m.Retracted,
		}
	}
	return out, nil
}

func toSupportEdges(edges []model.Edge) []shock.SupportEdge {
	out := make([]shock.SupportEdge, len(edges))
	for i, e := range edges {
		out[i] = shock.SupportEdge{From: e.SourceID, To: e.TargetID, Strength: e.Strength}
	}
	return out
}

func (s *ShockStore) SupportEdgesAmong(ctx context.Context, ids []uuid.UUID) ([]shock.SupportEdge, error) {
	edges, err := s.db.EdgesAmong(ctx, ids, model.SupportEdgeTypes)
	if err != nil {
		return nil, fmt.Errorf("storage: shock support edges: %w", err)
	}
	return toSupportEdges(edges), nil
}

func (s *ShockStore) OutgoingSupportEdges(ctx context.Context, id uuid.UUID) ([]shock.SupportEdge, error) {
	edges, err := s.db.EdgesFrom(ctx, id, model.SupportEdgeTypes)
	if err != nil {
		return nil, fmt.Errorf("storage: shock outgoing support edges: %w", err)
	}
	return toSupportEdges(edges), nil
}

func (s *ShockStore) ContradictionEdgesAmong(ctx context.Context, ids []uuid.UUID) ([]shock.ContradictionEdge, error) {
	edges, err := s.db.EdgesAmong(ctx, ids, []model.EdgeType{model.EdgeViolatedBy})
	if err != nil {
		return nil, fmt.Errorf("storage: shock contradiction edges: %w", err)
	}
	out := make([]shock.ContradictionEdge, len(edges))
	for i, e := range edges {
		out[i] = shock.ContradictionEdge{From: e.SourceID, To: e.TargetID, Strength: e.Strength}
	}
	return out, nil
}

func (s *ShockStore) UpsertContradictionEdge(ctx context.Context, from, to uuid.UUID, strength float64) error {
	return s.db.CreateEdge(ctx, from, to, model.EdgeViolatedBy, strength)
}

// WritePropagatedConfidence writes a node's new propagated_confidence with a
// single atomic UPDATE. A shock call can touch hundreds of nodes, so this
// intentionally skips the full read-modify-write + audit-version path
// UpdateMemory uses for user-facing patches (spec §5 "atomic counter
// arithmetic" is the other sanctioned write shape alongside row-locked RMW).
func (s *ShockStore) WritePropagatedConfidence(ctx context.Context, id uuid.UUID, value float64) error {
	_, err := s.db.pool.Exec(ctx,
		`UPDATE memories SET propagated_confidence = $2, updated_at = now() WHERE id = $1`,
		id, value,
	)
	if err != nil {
		return fmt.Errorf("storage: write propagated confidence: %w", err)
	}
	return nil
}

func (s *ShockStore) MaxTimesTested(ctx context.Context) (int, error) {
	stats, err := s.db.GetSystemStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: shock max times tested: %w", err)
	}
	return stats.MaxTimesTested, nil
}

var _ shock.Store = (*ShockStore)(nil)
