package storage_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/storage"
	"github.com/DigiBugCat/noesis/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	container := testutil.MustStartTimescaleDB()
	var err error
	testDB, err = container.NewTestDB(ctx, logger)
	if err != nil {
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	container.Terminate()
	os.Exit(code)
}

func defaultStats() model.SystemStats {
	return model.SystemStats{SourcePriors: map[model.Source]float64{}}
}

func newObservation(t *testing.T, content string, invalidatesIf, confirmsIf []string) model.Memory {
	t.Helper()
	src := model.Source("test")
	id := uuid.New()
	m, err := testDB.CreateMemory(context.Background(), id, model.Draft{
		Content:       content,
		Source:        &src,
		InvalidatesIf: invalidatesIf,
		ConfirmsIf:    confirmsIf,
	}, defaultStats(), nil, nil, "req-test")
	require.NoError(t, err)
	return m
}

func TestCreateAndGetMemory_RoundTrips(t *testing.T) {
	m := newObservation(t, "the rollout completed cleanly", nil, nil)

	got, err := testDB.GetMemory(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, model.StateActive, got.State)
	assert.Equal(t, model.ExposurePending, got.ExposureCheckStatus)
}

func TestGetMemory_UnknownIDReturnsNotFound(t *testing.T) {
	_, err := testDB.GetMemory(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetMemories_BatchFetchOmitsMissingIDs(t *testing.T) {
	a := newObservation(t, "memory a", nil, nil)
	b := newObservation(t, "memory b", nil, nil)

	got, err := testDB.GetMemories(context.Background(), []uuid.UUID{a.ID, b.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, a.ID)
	assert.Contains(t, got, b.ID)
}

func TestCreateMemory_DerivedFromCreatesEdge(t *testing.T) {
	premise := newObservation(t, "baseline metric recorded", nil, nil)
	src := model.Source("test")
	childID := uuid.New()
	_, err := testDB.CreateMemory(context.Background(), childID, model.Draft{
		Content:     "the metric will hold steady",
		Source:      &src,
		DerivedFrom: []uuid.UUID{premise.ID},
	}, defaultStats(), nil, nil, "req-derive")
	require.NoError(t, err)

	edges, err := testDB.EdgesFrom(context.Background(), childID, []model.EdgeType{model.EdgeDerivedFrom})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, premise.ID, edges[0].TargetID)
	assert.InDelta(t, 1.0, edges[0].Strength, 0.0001)

	gotPremise, err := testDB.GetMemory(context.Background(), premise.ID)
	require.NoError(t, err)
	assert.Equal(t, premise.Centrality+1, gotPremise.Centrality)
}

func TestCreateMemory_MultipleDerivationsEachBumpPremiseCentrality(t *testing.T) {
	premise := newObservation(t, "a premise derived from twice", nil, nil)
	src := model.Source("test")

	for i := 0; i < 2; i++ {
		_, err := testDB.CreateMemory(context.Background(), uuid.New(), model.Draft{
			Content:     "another child derived from the same premise",
			Source:      &src,
			DerivedFrom: []uuid.UUID{premise.ID},
		}, defaultStats(), nil, nil, "req-derive-multi")
		require.NoError(t, err)
	}

	got, err := testDB.GetMemory(context.Background(), premise.ID)
	require.NoError(t, err)
	assert.Equal(t, premise.Centrality+2, got.Centrality)
}

func TestUpdateMemory_AppliesPatchAndBumpsUpdatedAt(t *testing.T) {
	m := newObservation(t, "a thought under revision", nil, nil)

	newState := model.StateConfirmed
	updated, err := testDB.UpdateMemory(context.Background(), m.ID, model.Patch{State: &newState}, nil, "req-patch")
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, updated.State)
	assert.True(t, updated.UpdatedAt.After(m.UpdatedAt) || updated.UpdatedAt.Equal(m.UpdatedAt))
}

func TestRetractMemory_SetsRetractedFields(t *testing.T) {
	m := newObservation(t, "an observation later found wrong", nil, nil)
	corrector := uuid.New()

	require.NoError(t, testDB.RetractMemory(context.Background(), m.ID, "superseded by corrected reading", &corrector, nil, "req-retract"))

	got, err := testDB.GetMemory(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, got.Retracted)
	require.NotNil(t, got.RetractReason)
	assert.Equal(t, "superseded by corrected reading", *got.RetractReason)
	assert.NotNil(t, got.RetractedAt)
}

func TestRetractMemory_UnknownIDReturnsNotFound(t *testing.T) {
	err := testDB.RetractMemory(context.Background(), uuid.New(), "nope", nil, nil, "req-retract-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordViolationsBatch_TransitionsStateAndIncrementsCounters(t *testing.T) {
	m := newObservation(t, "the service will stay available", []string{"the service went down"}, nil)

	obsID := uuid.New()
	updated, err := testDB.RecordViolationsBatch(context.Background(), m.ID, []model.Violation{
		{
			Condition:  "the service went down",
			Timestamp:  time.Now().UTC(),
			ObsID:      obsID,
			SourceType: "direct",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateViolated, updated.State)
	assert.Equal(t, 1, updated.Contradictions)
	require.Len(t, updated.Violations, 1)
	assert.Equal(t, "the service went down", updated.Violations[0].Condition)
}

func TestRecordViolationsBatch_CoreCentralityResolvesIncorrect(t *testing.T) {
	premise := newObservation(t, "a widely-derived-from premise", nil, []string{"the premise holds"})

	src := model.Source("test")
	for i := 0; i < 6; i++ {
		_, err := testDB.CreateMemory(context.Background(), uuid.New(), model.Draft{
			Content:     "a dependent thought",
			Source:      &src,
			DerivedFrom: []uuid.UUID{premise.ID},
		}, defaultStats(), nil, nil, "req-core-setup")
		require.NoError(t, err)
	}

	got, err := testDB.GetMemory(context.Background(), premise.ID)
	require.NoError(t, err)
	require.Greater(t, got.Centrality, 5, "premise must be core-centrality for this test to exercise the core path")

	updated, err := testDB.RecordViolationsBatch(context.Background(), premise.ID, []model.Violation{
		{
			Condition:  "the premise holds",
			Timestamp:  time.Now().UTC(),
			ObsID:      uuid.New(),
			SourceType: "direct",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, updated.State)
	require.NotNil(t, updated.Outcome)
	assert.Equal(t, model.OutcomeIncorrect, *updated.Outcome)
	assert.NotNil(t, updated.ResolvedAt)
}

func TestRecordViolationsBatch_DuplicateObsIDIsIgnored(t *testing.T) {
	m := newObservation(t, "a memory targeted by a retried violation dispatch", []string{"the guard broke"}, nil)
	obsID := uuid.New()

	violation := model.Violation{
		Condition:  "the guard broke",
		Timestamp:  time.Now().UTC(),
		ObsID:      obsID,
		SourceType: "direct",
	}

	first, err := testDB.RecordViolationsBatch(context.Background(), m.ID, []model.Violation{violation})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Contradictions)
	assert.Equal(t, 1, first.TimesTested)
	require.Len(t, first.Violations, 1)

	second, err := testDB.RecordViolationsBatch(context.Background(), m.ID, []model.Violation{violation})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Contradictions, "a retried call with the same obs_id must not double-count")
	assert.Equal(t, 1, second.TimesTested)
	require.Len(t, second.Violations, 1)
}

func TestRecordViolationsBatch_EmptyIsNoop(t *testing.T) {
	m := newObservation(t, "untouched by an empty violation batch", nil, nil)

	got, err := testDB.RecordViolationsBatch(context.Background(), m.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, got.State)
	assert.Equal(t, 0, got.Contradictions)
}

func TestRecordConfirmation_IncrementsConfirmationsAndTimesTested(t *testing.T) {
	m := newObservation(t, "the rollback will not be needed", nil, []string{"rollback avoided"})
	obsID := uuid.New()

	updated, err := testDB.RecordConfirmation(context.Background(), m.ID, &obsID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Confirmations)
	assert.Equal(t, 1, updated.TimesTested)
}

func TestAdjustCentrality_AddsDelta(t *testing.T) {
	m := newObservation(t, "a memory whose centrality will shift", nil, nil)

	require.NoError(t, testDB.AdjustCentrality(context.Background(), m.ID, 3))
	got, err := testDB.GetMemory(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Centrality+3, got.Centrality)
}

func TestListConditionIDs_ReturnsOnlyMemoriesWithThatConditionKind(t *testing.T) {
	withInvalidates := newObservation(t, "a thought guarded by an invalidation condition", []string{"guard condition broke"}, nil)
	newObservation(t, "a plain observation with no conditions", nil, nil)

	ids, err := testDB.ListConditionIDs(context.Background(), model.ConditionInvalidates)
	require.NoError(t, err)
	assert.Contains(t, ids, withInvalidates.ID)
}

func TestCreateEdge_MergesStrengthOnConflict(t *testing.T) {
	a := newObservation(t, "edge source memory", nil, nil)
	b := newObservation(t, "edge target memory", nil, nil)

	require.NoError(t, testDB.CreateEdge(context.Background(), a.ID, b.ID, model.EdgeConfirmedBy, 0.4))
	require.NoError(t, testDB.CreateEdge(context.Background(), a.ID, b.ID, model.EdgeConfirmedBy, 0.4))

	edges, err := testDB.EdgesFrom(context.Background(), a.ID, []model.EdgeType{model.EdgeConfirmedBy})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.8, edges[0].Strength, 0.0001)
}

func TestCreateEdge_SaturatesAtOne(t *testing.T) {
	a := newObservation(t, "saturating edge source", nil, nil)
	b := newObservation(t, "saturating edge target", nil, nil)

	require.NoError(t, testDB.CreateEdge(context.Background(), a.ID, b.ID, model.EdgeViolatedBy, 0.9))
	require.NoError(t, testDB.CreateEdge(context.Background(), a.ID, b.ID, model.EdgeViolatedBy, 0.9))

	edges, err := testDB.EdgesFrom(context.Background(), a.ID, []model.EdgeType{model.EdgeViolatedBy})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 1.0, edges[0].Strength, 0.0001)
}

func TestNeighborhood_FindsDirectNeighborWithinHops(t *testing.T) {
	premise := newObservation(t, "neighborhood premise", nil, nil)
	src := model.Source("test")
	childID := uuid.New()
	_, err := testDB.CreateMemory(context.Background(), childID, model.Draft{
		Content:     "neighborhood child",
		Source:      &src,
		DerivedFrom: []uuid.UUID{premise.ID},
	}, defaultStats(), nil, nil, "req-nbhd")
	require.NoError(t, err)

	ids, err := testDB.Neighborhood(context.Background(), childID, 2, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, premise.ID)
}

func TestGetSystemStats_ReturnsWithoutError(t *testing.T) {
	_, err := testDB.GetSystemStats(context.Background())
	require.NoError(t, err)
}

func TestRecomputeSystemStats_ReflectsPersistedMemories(t *testing.T) {
	newObservation(t, "a memory contributing to recomputed stats", nil, nil)

	stats, err := testDB.RecomputeSystemStats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.MaxTimesTested, 0)
}

func TestWriteAndRecentNotifications(t *testing.T) {
	m := newObservation(t, "a memory with a notification", nil, nil)

	require.NoError(t, testDB.WriteNotification(context.Background(), "violation", m.ID, "something broke", map[string]any{"k": "v"}))

	notifications, err := testDB.RecentNotifications(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, notifications)
	assert.Equal(t, "violation", notifications[0].Kind)
}

func TestVersions_RecordsCreationSnapshot(t *testing.T) {
	m := newObservation(t, "a memory whose version history is checked", nil, nil)

	versions, err := testDB.Versions(context.Background(), m.ID)
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, "created", versions[0].ChangeType)
}

func TestPing_Succeeds(t *testing.T) {
	assert.NoError(t, testDB.Ping(context.Background()))
}
