package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/DigiBugCat/noesis/internal/model"
)

// Index wires the three logical indexes together behind the operations
// SPEC_FULL.md's C2 component exposes to C5/C11 (spec §4.2).
type Index struct {
	Memory      *QdrantCollection
	Invalidates *QdrantCollection
	Confirms    *QdrantCollection
}

// NewIndex connects all three logical index collections.
func NewIndex(memory, invalidates, confirms Config, logger *slog.Logger) (*Index, error) {
	m, err := NewQdrantCollection(memory, logger)
	if err != nil {
		return nil, fmt.Errorf("search: memory index: %w", err)
	}
	i, err := NewQdrantCollection(invalidates, logger)
	if err != nil {
		return nil, fmt.Errorf("search: invalidates index: %w", err)
	}
	c, err := NewQdrantCollection(confirms, logger)
	if err != nil {
		return nil, fmt.Errorf("search: confirms index: %w", err)
	}
	return &Index{Memory: m, Invalidates: i, Confirms: c}, nil
}

// EnsureCollections creates all three underlying collections if absent.
func (idx *Index) EnsureCollections(ctx context.Context) error {
	if err := idx.Memory.EnsureCollection(ctx, []string{"type", "source"}); err != nil {
		return err
	}
	if err := idx.Invalidates.EnsureCollection(ctx, []string{"memory_id"}); err != nil {
		return err
	}
	if err := idx.Confirms.EnsureCollection(ctx, []string{"memory_id"}); err != nil {
		return err
	}
	return nil
}

// Close shuts down all three gRPC connections.
func (idx *Index) Close() error {
	for _, err := range []error{idx.Memory.Close(), idx.Invalidates.Close(), idx.Confirms.Close()} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Healthy reports the health of all three collections.
func (idx *Index) Healthy(ctx context.Context) error {
	if err := idx.Memory.Healthy(ctx); err != nil {
		return err
	}
	if err := idx.Invalidates.Healthy(ctx); err != nil {
		return err
	}
	return idx.Confirms.Healthy(ctx)
}

// MemoryPointMetadata builds the MEMORY index's metadata payload for a
// single memory (spec §4.2).
func MemoryPointMetadata(m model.Memory) map[string]any {
	meta := map[string]any{
		"type":               string(m.DeriveKind()),
		"has_invalidates_if": len(m.InvalidatesIf) > 0,
		"has_confirms_if":    len(m.ConfirmsIf) > 0,
		"time_bound":         m.ResolvesBy != nil,
	}
	if m.Source != nil {
		meta["source"] = string(*m.Source)
	}
	if m.ResolvesBy != nil {
		meta["resolves_by"] = *m.ResolvesBy
	}
	return meta
}

// UpsertMemory upserts the MEMORY index point for a memory.
func (idx *Index) UpsertMemory(ctx context.Context, id uuid.UUID, embedding []float32, meta map[string]any) error {
	return idx.Memory.Upsert(ctx, []Point{{ID: id.String(), Vector: embedding, Metadata: meta}})
}

// ConditionEmbedding pairs one invalidates_if/assumes/confirms_if sentence
// with its embedding, as computed by C4 before the C2 upsert. ConditionKind
// records which of the three spec §6.3 prompt templates the exposure
// checker should use when judging a hit against this condition — for the
// CONFIRMS index it is always "confirms_if"; for the INVALIDATES index it
// is "invalidates_if" or "assumes" depending on which list the condition
// came from on the memory (spec §3.1 lists assumes as a third condition
// kind alongside invalidates_if/confirms_if, but §4.2 names only two
// condition indexes — assumes conditions share the INVALIDATES collection,
// distinguished by this metadata field, since semantically "an assumption
// no longer holds" is exposure-checked exactly like "the belief is
// invalidated"; see DESIGN.md).
type ConditionEmbedding struct {
	Index         int
	Text          string
	Embedding     []float32
	ConditionKind string
}

// UpsertConditions populates the INVALIDATES or CONFIRMS index for a
// memory's conditions, using the "{mid}:inv:{i}"/"{mid}:conf:{i}" id
// convention (spec §4.2).
func (idx *Index) UpsertConditions(ctx context.Context, which LogicalIndex, memoryID uuid.UUID, timeBound bool, conditions []ConditionEmbedding) error {
	collection := idx.Invalidates
	if which == IndexConfirms {
		collection = idx.Confirms
	}
	points := make([]Point, len(conditions))
	for i, c := range conditions {
		kind := c.ConditionKind
		if kind == "" {
			if which == IndexConfirms {
				kind = "confirms_if"
			} else {
				kind = "invalidates_if"
			}
		}
		points[i] = Point{
			ID:     conditionPointID(memoryID, which, c.Index),
			Vector: c.Embedding,
			Metadata: map[string]any{
				"memory_id":       memoryID.String(),
				"condition_text":  c.Text,
				"condition_index": c.Index,
				"condition_kind":  kind,
				"time_bound":      timeBound,
			},
		}
	}
	return collection.Upsert(ctx, points)
}

// PurgeConditions removes all INVALIDATES and CONFIRMS points for a memory
// (spec §4.5.1 step 6, §4.5.3 step 2 "purge condition vectors").
func (idx *Index) PurgeConditions(ctx context.Context, memoryID uuid.UUID) error {
	if err := idx.Invalidates.DeleteByFilter(ctx, "memory_id", memoryID.String()); err != nil {
		return err
	}
	return idx.Confirms.DeleteByFilter(ctx, "memory_id", memoryID.String())
}

// DeleteMemory removes a memory's MEMORY-index point and all of its
// condition vectors (used on retraction).
func (idx *Index) DeleteMemory(ctx context.Context, memoryID uuid.UUID) error {
	if err := idx.Memory.DeleteByIDs(ctx, []string{memoryID.String()}); err != nil {
		return err
	}
	return idx.PurgeConditions(ctx, memoryID)
}
