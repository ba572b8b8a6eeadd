package cascade

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DigiBugCat/noesis/internal/model"
)

// fakeStore is an in-memory Store double; no testcontainers needed since
// cascade's dependency surface is three narrow edge/memory lookups plus a
// queue sink.
type fakeStore struct {
	mu        sync.Mutex
	memories  map[uuid.UUID]model.Memory
	edgesFrom map[uuid.UUID][]model.Edge
	edgesTo   map[uuid.UUID][]model.Edge
	queued    []model.MemoryEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories:  map[uuid.UUID]model.Memory{},
		edgesFrom: map[uuid.UUID][]model.Edge{},
		edgesTo:   map[uuid.UUID][]model.Edge{},
	}
}

func (f *fakeStore) GetMemory(_ context.Context, id uuid.UUID) (model.Memory, error) {
	m, ok := f.memories[id]
	if !ok {
		return model.Memory{}, fmt.Errorf("fakeStore: no such memory %s", id)
	}
	return m, nil
}

func (f *fakeStore) EdgesFrom(_ context.Context, id uuid.UUID, _ []model.EdgeType) ([]model.Edge, error) {
	return f.edgesFrom[id], nil
}

func (f *fakeStore) EdgesTo(_ context.Context, id uuid.UUID, _ []model.EdgeType) ([]model.Edge, error) {
	return f.edgesTo[id], nil
}

func (f *fakeStore) QueueEvent(_ context.Context, e model.MemoryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, e)
	return nil
}

func newThought(derivedFrom ...uuid.UUID) model.Memory {
	m := model.Memory{
		ID:      uuid.New(),
		State:   model.StateActive,
		Content: "a thought",
	}
	if len(derivedFrom) > 0 {
		m.DerivedFrom = derivedFrom
	}
	return m
}

func newObservation() model.Memory {
	return model.Memory{ID: uuid.New(), State: model.StateActive, Source: ptrSource(model.SourceNews), Content: "an observation"}
}

func ptrSource(s model.Source) *model.Source { return &s }

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestPropagateResolution_IncomingDerivedFrom(t *testing.T) {
	store := newFakeStore()
	source := newThought()
	downstream := newThought(source.ID)
	store.memories[source.ID] = source
	store.memories[downstream.ID] = downstream
	// downstream derived_from source => edge source->downstream is "incoming" to source? No:
	// derived_from edges point FROM the derived memory TO what it derives from,
	// per the teacher's upsertEdgeTx convention (source=derived node, target=basis).
	edge := model.Edge{SourceID: downstream.ID, TargetID: source.ID, Type: model.EdgeDerivedFrom, Strength: 1}
	store.edgesTo[source.ID] = []model.Edge{edge}

	c := New(store, silentLogger())
	require.NoError(t, c.PropagateResolution(context.Background(), source.ID, model.OutcomeCorrect, nil))

	require.Len(t, store.queued, 1)
	ev := store.queued[0]
	assert.Equal(t, downstream.ID, ev.MemoryID)
	assert.Equal(t, model.EventType("thought:cascade_boost"), ev.EventType)
	assert.Equal(t, "boost", ev.Context["suggested_action"])
}

func TestPropagateResolution_IncomingDerivedFrom_Incorrect(t *testing.T) {
	store := newFakeStore()
	source := newThought()
	downstream := newThought(source.ID)
	store.memories[source.ID] = source
	store.memories[downstream.ID] = downstream
	store.edgesTo[source.ID] = []model.Edge{{SourceID: downstream.ID, TargetID: source.ID, Type: model.EdgeDerivedFrom}}

	c := New(store, silentLogger())
	require.NoError(t, c.PropagateResolution(context.Background(), source.ID, model.OutcomeIncorrect, nil))

	require.Len(t, store.queued, 1)
	assert.Equal(t, model.EventType("thought:cascade_damage"), store.queued[0].EventType)
}

func TestPropagateResolution_OutgoingDerivedFrom(t *testing.T) {
	store := newFakeStore()
	basis := newThought()
	source := newThought(basis.ID)
	store.memories[source.ID] = source
	store.memories[basis.ID] = basis
	store.edgesFrom[source.ID] = []model.Edge{{SourceID: source.ID, TargetID: basis.ID, Type: model.EdgeDerivedFrom}}

	c := New(store, silentLogger())

	require.NoError(t, c.PropagateResolution(context.Background(), source.ID, model.OutcomeCorrect, nil))
	require.Len(t, store.queued, 1)
	assert.Equal(t, model.EventAssumptionEvidenceValidated, store.queued[0].EventType)

	store.queued = nil
	require.NoError(t, c.PropagateResolution(context.Background(), source.ID, model.OutcomeIncorrect, nil))
	require.Len(t, store.queued, 1)
	assert.Equal(t, model.EventAssumptionEvidenceInvalidated, store.queued[0].EventType)
}

func TestPropagateResolution_VoidOutcomeAlwaysReviews(t *testing.T) {
	store := newFakeStore()
	source := newThought()
	downstream := newThought(source.ID)
	store.memories[source.ID] = source
	store.memories[downstream.ID] = downstream
	store.edgesTo[source.ID] = []model.Edge{{SourceID: downstream.ID, TargetID: source.ID, Type: model.EdgeDerivedFrom}}

	c := New(store, silentLogger())
	require.NoError(t, c.PropagateResolution(context.Background(), source.ID, model.OutcomeVoid, nil))
	require.Len(t, store.queued, 1)
	assert.Equal(t, model.EventType("thought:cascade_review"), store.queued[0].EventType)
}

func TestPropagateResolution_SkipsConfirmedAndViolatedByEdges(t *testing.T) {
	store := newFakeStore()
	source := newThought()
	neighbor := newThought()
	store.memories[source.ID] = source
	store.memories[neighbor.ID] = neighbor
	store.edgesTo[source.ID] = []model.Edge{{SourceID: neighbor.ID, TargetID: source.ID, Type: model.EdgeConfirmedBy}}
	store.edgesFrom[source.ID] = []model.Edge{{SourceID: source.ID, TargetID: neighbor.ID, Type: model.EdgeViolatedBy}}

	c := New(store, silentLogger())
	require.NoError(t, c.PropagateResolution(context.Background(), source.ID, model.OutcomeIncorrect, nil))
	assert.Empty(t, store.queued)
}

func TestPropagateResolution_SkipsObservationsAndResolvedNeighbors(t *testing.T) {
	store := newFakeStore()
	source := newThought()
	obs := newObservation()
	resolvedOutcome := model.OutcomeCorrect
	resolvedAt := time.Now()
	resolved := model.Memory{ID: uuid.New(), State: model.StateResolved, Outcome: &resolvedOutcome, ResolvedAt: &resolvedAt}
	store.memories[source.ID] = source
	store.memories[obs.ID] = obs
	store.memories[resolved.ID] = resolved
	store.edgesTo[source.ID] = []model.Edge{
		{SourceID: obs.ID, TargetID: source.ID, Type: model.EdgeDerivedFrom},
		{SourceID: resolved.ID, TargetID: source.ID, Type: model.EdgeDerivedFrom},
	}

	c := New(store, silentLogger())
	require.NoError(t, c.PropagateResolution(context.Background(), source.ID, model.OutcomeCorrect, nil))
	assert.Empty(t, store.queued)
}

func TestPropagateResolution_SessionIDCarried(t *testing.T) {
	store := newFakeStore()
	source := newThought()
	downstream := newThought(source.ID)
	store.memories[source.ID] = source
	store.memories[downstream.ID] = downstream
	store.edgesTo[source.ID] = []model.Edge{{SourceID: downstream.ID, TargetID: source.ID, Type: model.EdgeDerivedFrom}}

	sessionID := uuid.New()
	c := New(store, silentLogger())
	require.NoError(t, c.PropagateResolution(context.Background(), source.ID, model.OutcomeCorrect, &sessionID))

	require.Len(t, store.queued, 1)
	require.NotNil(t, store.queued[0].SessionID)
	assert.Equal(t, sessionID, *store.queued[0].SessionID)
}
