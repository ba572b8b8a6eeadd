package exposure_test

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DigiBugCat/noesis/internal/engine"
	"github.com/DigiBugCat/noesis/internal/exposure"
	"github.com/DigiBugCat/noesis/internal/judge"
	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/search"
	"github.com/DigiBugCat/noesis/internal/storage"
	"github.com/DigiBugCat/noesis/internal/testutil"
)

var (
	testDB    *storage.DB
	testIndex *search.Index
)

// fakeEmbedder is a deterministic stand-in for embedding.Provider, same
// technique internal/engine's tests use: stable per-text vectors so
// similarity assertions don't depend on a real embedding API.
type fakeEmbedder struct{ dims int }

func (f fakeEmbedder) Dimensions() int { return f.dims }

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()
	vec := make([]float32, f.dims)
	for i := range vec {
		vec[i] = float32((seed>>(uint(i)%24))&0xFF) / 255.0
	}
	vec[0] += 1.0
	return vec, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// fakeJudge matches only when the candidate text contains the condition's
// own text verbatim (e.g. "evidence shows: <condition>"), at a fixed
// confidence above both thresholds. Tying the match to the specific
// condition text, rather than a generic keyword, keeps tests correct even
// though the test DB/index accumulate memories across every test function
// in this file — one test's fixtures can never accidentally satisfy
// another's condition. A candidate whose text carries the "(partial)"
// suffix after the condition is relevant but falls short of a full match.
type fakeJudge struct {
	mu    sync.Mutex
	calls []judge.Input
}

func (j *fakeJudge) Judge(_ context.Context, input judge.Input) (judge.Result, error) {
	j.mu.Lock()
	j.calls = append(j.calls, input)
	j.mu.Unlock()

	if strings.Contains(input.CandidateText, input.Condition+" (partial)") {
		return judge.Result{RelevantButNotViolation: true}, nil
	}
	if strings.Contains(input.CandidateText, input.Condition) {
		conf := 0.9
		if input.Kind == judge.KindConfirms {
			conf = 0.95
		}
		return judge.Result{Matches: true, Confidence: conf}, nil
	}
	return judge.Result{Matches: false, Confidence: 0}, nil
}

// fakeCascade records PropagateResolution calls without running the real
// cascade engine's edge-walk, the same narrow double used for exposure.Cascader
// wherever a test only needs to assert a cascade was triggered.
type fakeCascade struct {
	mu       sync.Mutex
	sources  []uuid.UUID
	outcomes []model.Outcome
}

func (f *fakeCascade) PropagateResolution(_ context.Context, sourceID uuid.UUID, outcome model.Outcome, _ *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, sourceID)
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

var pgTestContainer *testutil.TestContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	pgTestContainer = testutil.MustStartTimescaleDB()
	var err error
	testDB, err = pgTestContainer.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	qReq := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:latest",
		ExposedPorts: []string{"6334/tcp"},
		WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
	}
	qContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: qReq, Started: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start qdrant container: %v\n", err)
		os.Exit(1)
	}

	qHost, _ := qContainer.Host(ctx)
	qPort, _ := qContainer.MappedPort(ctx, "6334")
	qURL := fmt.Sprintf("http://%s:%s", qHost, qPort.Port())

	testIndex, err = search.NewIndex(
		search.Config{URL: qURL, Collection: "exposure_test_memory", Dims: 16},
		search.Config{URL: qURL, Collection: "exposure_test_invalidates", Dims: 16},
		search.Config{URL: qURL, Collection: "exposure_test_confirms", Dims: 16},
		logger,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create search index: %v\n", err)
		os.Exit(1)
	}
	if err := testIndex.EnsureCollections(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure collections: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	_ = testIndex.Close()
	pgTestContainer.Terminate()
	_ = qContainer.Terminate(ctx)
	os.Exit(code)
}

// harness wires a real Checker (against the shared test DB/index) behind a
// fakeJudge/fakeCascade, plus an Engine that uses the same Checker for its
// ExposureEffects side, so tests can create memories through the normal
// Creation API and then drive the exposure pipeline directly.
type harness struct {
	checker *exposure.Checker
	engine  *engine.Engine
	jdg     *fakeJudge
	cascade *fakeCascade
}

func newHarness(t *testing.T) harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
	jdg := &fakeJudge{}
	cascade := &fakeCascade{}
	embedder := fakeEmbedder{dims: 16}
	checker := exposure.New(testDB, testIndex, embedder, jdg, nil, cascade, logger, exposure.Config{
		MaxCandidates:      50,
		MinSimilarity:      0,
		ViolationThreshold: 0.7,
		ConfirmThreshold:   0.75,
	})
	eng := engine.New(testDB, testIndex, embedder, checker, logger)
	return harness{checker: checker, engine: eng, jdg: jdg, cascade: cascade}
}

func TestCheckExposures_DirectViolationTransitionsTargetAndCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	target, err := h.engine.CreateThought(ctx, engine.ThoughtDraft{
		Content: "the rollout is fully stable",
		DerivedFrom: []uuid.UUID{
			mustObservation(t, ctx, h, "baseline deploy completed"),
		},
		InvalidatesIf: []string{"the rollout was rolled back"},
	}, nil, "req-1")
	require.NoError(t, err)

	newObsContent := "incident review: the rollout was rolled back after a failed canary"
	newObs, err := h.engine.CreateObservation(ctx, engine.ObservationDraft{Content: newObsContent, Source: model.Source("test")}, nil, "req-1b")
	require.NoError(t, err)

	vec, err := fakeEmbedder{dims: 16}.Embed(ctx, newObsContent)
	require.NoError(t, err)
	require.NoError(t, h.checker.CheckExposures(ctx, newObs.ID, newObsContent, vec))

	mem, err := testDB.GetMemory(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateViolated, mem.State)
	require.Len(t, h.cascade.sources, 1)
	assert.Equal(t, target.ID, h.cascade.sources[0])
}

func mustObservation(t *testing.T, ctx context.Context, h harness, content string) uuid.UUID {
	t.Helper()
	res, err := h.engine.CreateObservation(ctx, engine.ObservationDraft{Content: content, Source: model.Source("test")}, nil, "req-setup")
	require.NoError(t, err)
	return res.ID
}

func TestRecordManualViolation_AppliesSideEffectsAndCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	obs := mustObservation(t, ctx, h, "service recovered after the incident")
	thought, err := h.engine.CreateThought(ctx, engine.ThoughtDraft{
		Content:     "the incident will not recur this quarter",
		DerivedFrom: []uuid.UUID{obs},
	}, nil, "req-2")
	require.NoError(t, err)

	require.NoError(t, h.checker.RecordManualViolation(ctx, thought.ID, "a second incident occurred", nil))

	mem, err := testDB.GetMemory(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateViolated, mem.State)
	require.Len(t, mem.Violations, 1)
	assert.Equal(t, "a second incident occurred", mem.Violations[0].Condition)

	require.Len(t, h.cascade.sources, 1)
	assert.Equal(t, thought.ID, h.cascade.sources[0])
}

func TestRecordManualConfirmation_IncrementsCountersAndBoostsEdges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	obs := mustObservation(t, ctx, h, "migration completed without incident")
	thought, err := h.engine.CreateThought(ctx, engine.ThoughtDraft{
		Content:     "the migration will hold up under peak load",
		DerivedFrom: []uuid.UUID{obs},
	}, nil, "req-3")
	require.NoError(t, err)

	require.NoError(t, h.checker.RecordManualConfirmation(ctx, thought.ID, nil))

	mem, err := testDB.GetMemory(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, mem.State)
	assert.Equal(t, 1, mem.Confirmations)
}

func TestCheckExposuresForNewThought_ViolationFromInvalidatesIf(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	obsID := mustObservation(t, ctx, h, "cutover report: the zero-downtime requirement was violated during the migration")

	thought, err := h.engine.CreateThought(ctx, engine.ThoughtDraft{
		Content:     "the migration will complete with zero downtime",
		DerivedFrom: []uuid.UUID{obsID},
	}, nil, "req-4")
	require.NoError(t, err)

	err = h.checker.CheckExposuresForNewThought(ctx, thought.ID, thought.ID.String(), []string{"the zero-downtime requirement was violated"}, nil, false)
	require.NoError(t, err)

	mem, err := testDB.GetMemory(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateViolated, mem.State)
	require.Len(t, h.cascade.sources, 1)
}

func TestCheckExposuresForNewThought_AutoConfirmsTimeBoundPrediction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	obsID := mustObservation(t, ctx, h, "weekly metrics review: p99 measured below target after the index shipped")

	deadline := time.Now().Add(24 * time.Hour).UnixMilli()
	outcome := "p99 measured below target"
	thought, err := h.engine.CreateThought(ctx, engine.ThoughtDraft{
		Content:          "p99 will drop below target once the index ships",
		DerivedFrom:      []uuid.UUID{obsID},
		ConfirmsIf:       []string{"p99 measured below target"},
		ResolvesBy:       &deadline,
		OutcomeCondition: &outcome,
	}, nil, "req-5")
	require.NoError(t, err)

	err = h.checker.CheckExposuresForNewThought(ctx, thought.ID, thought.ID.String(), nil, []string{"p99 measured below target"}, true)
	require.NoError(t, err)

	mem, err := testDB.GetMemory(ctx, thought.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, mem.State)
	require.NotNil(t, mem.Outcome)
	assert.Equal(t, model.OutcomeCorrect, *mem.Outcome)
	require.Len(t, h.cascade.sources, 1)
	assert.Equal(t, model.OutcomeCorrect, h.cascade.outcomes[0])
}

func TestZoneHealth_IsolatedMemoryReportsFullyHealthy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	obsID := mustObservation(t, ctx, h, "a standalone observation with no neighbors")

	health, err := h.checker.ZoneHealth(ctx, obsID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, health.QualityPct)
	assert.True(t, health.Balanced)
}
