package search_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/search"
)

var testIndex *search.Index

func fakeObservation() model.Memory {
	src := model.Source("test")
	return model.Memory{Source: &src}
}

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:latest",
		ExposedPorts: []string{"6334/tcp"},
		WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start qdrant container: %v\n", err)
		os.Exit(1)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "6334")
	url := fmt.Sprintf("http://%s:%s", host, port.Port())

	testIndex, err = search.NewIndex(
		search.Config{URL: url, Collection: "search_test_memory", Dims: 8},
		search.Config{URL: url, Collection: "search_test_invalidates", Dims: 8},
		search.Config{URL: url, Collection: "search_test_confirms", Dims: 8},
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
	_ = testIndex.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func vec(seed float32) []float32 {
	return []float32{seed, seed, seed, seed, seed, seed, seed, seed}
}

func TestUpsertAndQueryMemory(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	err := testIndex.UpsertMemory(ctx, id, vec(0.5), search.MemoryPointMetadata(fakeObservation()))
	require.NoError(t, err)

	matches, err := testIndex.Memory.Query(ctx, vec(0.5), 5, 0.9, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, id.String(), matches[0].ID)
	assert.Equal(t, "observation", matches[0].Metadata["type"])
}

func TestQuery_FiltersBelowMinSimilarity(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, testIndex.UpsertMemory(ctx, id, vec(0.1), search.MemoryPointMetadata(fakeObservation())))

	matches, err := testIndex.Memory.Query(ctx, vec(0.9), 5, 0.999, nil)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, id.String(), m.ID)
	}
}

func TestUpsertConditionsAndPurge(t *testing.T) {
	ctx := context.Background()
	mid := uuid.New()

	err := testIndex.UpsertConditions(ctx, search.IndexInvalidates, mid, false, []search.ConditionEmbedding{
		{Index: 0, Text: "the rollout is reverted", Embedding: vec(0.3)},
	})
	require.NoError(t, err)

	matches, err := testIndex.Invalidates.Query(ctx, vec(0.3), 5, 0.9, search.Filter{"memory_id": mid.String()})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "the rollout is reverted", matches[0].Metadata["condition_text"])
	assert.Equal(t, "invalidates_if", matches[0].Metadata["condition_kind"])

	require.NoError(t, testIndex.PurgeConditions(ctx, mid))

	matches, err = testIndex.Invalidates.Query(ctx, vec(0.3), 5, 0.9, search.Filter{"memory_id": mid.String()})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDeleteMemory_RemovesMemoryAndConditionPoints(t *testing.T) {
	ctx := context.Background()
	mid := uuid.New()

	require.NoError(t, testIndex.UpsertMemory(ctx, mid, vec(0.7), search.MemoryPointMetadata(fakeObservation())))
	require.NoError(t, testIndex.UpsertConditions(ctx, search.IndexConfirms, mid, true, []search.ConditionEmbedding{
		{Index: 0, Text: "latency dropped", Embedding: vec(0.7)},
	}))

	require.NoError(t, testIndex.DeleteMemory(ctx, mid))

	got, err := testIndex.Memory.GetByIDs(ctx, []string{mid.String()})
	require.NoError(t, err)
	assert.Empty(t, got)

	matches, err := testIndex.Confirms.Query(ctx, vec(0.7), 5, 0.9, search.Filter{"memory_id": mid.String()})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHealthy(t *testing.T) {
	assert.NoError(t, testIndex.Healthy(context.Background()))
}
