package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DigiBugCat/noesis/internal/errs"
	"github.com/DigiBugCat/noesis/internal/model"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// fakeQueue is an in-memory Queue double: one session's worth of events,
// claimed once, with released ids recorded for assertion.
type fakeQueue struct {
	mu       sync.Mutex
	events   []model.MemoryEvent
	claimed  bool
	released []uuid.UUID
}

func (q *fakeQueue) Claim(_ context.Context, _ uuid.UUID) (uuid.UUID, []model.MemoryEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimed {
		return uuid.New(), nil, nil
	}
	q.claimed = true
	return uuid.New(), q.events, nil
}

func (q *fakeQueue) Release(_ context.Context, ids []uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, ids...)
	return nil
}

// fakeBackend records every delivered payload; failFirst controls how many
// calls fail before succeeding (0 = always succeed).
type fakeBackend struct {
	mu        sync.Mutex
	delivered []Payload
	failFirst int
	calls     int
}

func (b *fakeBackend) Deliver(_ context.Context, p Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failFirst {
		return errs.New(errs.TransientIO, fmt.Errorf("fakeBackend: simulated failure"))
	}
	b.delivered = append(b.delivered, p)
	return nil
}

func TestDispatchSession_PartitionsAndBuildsCombinedPayload(t *testing.T) {
	sessionID := uuid.New()
	violationMemID := uuid.New()
	confirmMemID := uuid.New()
	cascadeMemID := uuid.New()
	violatedBy := uuid.New()
	damage := model.DamageCore

	queue := &fakeQueue{events: []model.MemoryEvent{
		{ID: uuid.New(), EventType: model.EventViolation, MemoryID: violationMemID, ViolatedBy: &violatedBy, DamageLevel: &damage, Context: map[string]any{"reason": "x"}},
		{ID: uuid.New(), EventType: model.EventPredictionConfirmed, MemoryID: confirmMemID, Context: map[string]any{"reason": "y"}},
		{ID: uuid.New(), EventType: model.EventType("thought:cascade_boost"), MemoryID: cascadeMemID, Context: map[string]any{"suggested_action": "boost"}},
	}}
	backend := &fakeBackend{}
	d := New(queue, backend, silentLogger())

	require.NoError(t, d.DispatchSession(context.Background(), sessionID))

	require.Len(t, backend.delivered, 1)
	p := backend.delivered[0]
	require.Len(t, p.Violations, 1)
	assert.Equal(t, violationMemID, p.Violations[0].MemoryID)
	assert.Equal(t, &damage, p.Violations[0].DamageLevel)
	require.Len(t, p.Confirmations, 1)
	assert.Equal(t, confirmMemID, p.Confirmations[0].MemoryID)
	require.Len(t, p.Cascades, 1)
	assert.Equal(t, "thought", p.Cascades[0].MemoryType)
	assert.Equal(t, "cascade_boost", p.Cascades[0].CascadeType)
	assert.Equal(t, 1, p.Summary.ViolationCount)
	assert.Equal(t, 1, p.Summary.ConfirmationCount)
	assert.Equal(t, 1, p.Summary.CascadeCount)
	assert.ElementsMatch(t, []uuid.UUID{violationMemID, confirmMemID, cascadeMemID}, p.Summary.AffectedMemories)
	assert.Empty(t, queue.released)
}

func TestDispatchSession_OneOverduePredictionPerPayload(t *testing.T) {
	sessionID := uuid.New()
	mem1, mem2 := uuid.New(), uuid.New()
	queue := &fakeQueue{events: []model.MemoryEvent{
		{ID: uuid.New(), EventType: model.EventThoughtPendingResolution, MemoryID: mem1, Context: map[string]any{"content": "a"}},
		{ID: uuid.New(), EventType: model.EventThoughtPendingResolution, MemoryID: mem2, Context: map[string]any{"content": "b"}},
	}}
	backend := &fakeBackend{}
	d := New(queue, backend, silentLogger())

	require.NoError(t, d.DispatchSession(context.Background(), sessionID))

	require.Len(t, backend.delivered, 2)
	seen := map[uuid.UUID]bool{}
	for _, p := range backend.delivered {
		require.Len(t, p.OverduePredictions, 1)
		seen[p.OverduePredictions[0].MemoryID] = true
		assert.Equal(t, 1, p.Summary.OverduePredictionCount)
	}
	assert.True(t, seen[mem1])
	assert.True(t, seen[mem2])
}

func TestDispatchSession_EmptyBatchDeliversNothing(t *testing.T) {
	queue := &fakeQueue{}
	backend := &fakeBackend{}
	d := New(queue, backend, silentLogger())

	require.NoError(t, d.DispatchSession(context.Background(), uuid.New()))
	assert.Empty(t, backend.delivered)
}

func TestDispatchSession_ReleasesEventsOnFinalFailure(t *testing.T) {
	orig := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = orig }()

	memID := uuid.New()
	queue := &fakeQueue{events: []model.MemoryEvent{
		{ID: uuid.New(), EventType: model.EventViolation, MemoryID: memID, Context: map[string]any{}},
	}}
	backend := &fakeBackend{failFirst: retryAttempts + 1} // always fails
	d := New(queue, backend, silentLogger())

	require.NoError(t, d.DispatchSession(context.Background(), uuid.New()))
	assert.Empty(t, backend.delivered)
	require.Len(t, queue.released, 1)
	assert.Equal(t, queue.events[0].ID, queue.released[0])
}

// fakeValidationBackend always rejects with a non-retryable kind, to assert
// deliverWithRetry fails fast instead of burning the retry budget.
type fakeValidationBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *fakeValidationBackend) Deliver(_ context.Context, _ Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return errs.New(errs.Validation, fmt.Errorf("fakeValidationBackend: rejected"))
}

func TestDispatchSession_NonRetryableErrorFailsFastAndReleases(t *testing.T) {
	orig := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = orig }()

	memID := uuid.New()
	queue := &fakeQueue{events: []model.MemoryEvent{
		{ID: uuid.New(), EventType: model.EventViolation, MemoryID: memID, Context: map[string]any{}},
	}}
	backend := &fakeValidationBackend{}
	d := New(queue, backend, silentLogger())

	require.NoError(t, d.DispatchSession(context.Background(), uuid.New()))
	assert.Equal(t, 1, backend.calls, "a validation-kind error must not be retried")
	require.Len(t, queue.released, 1)
}

func TestDispatchSession_UnrecognizedEventTypeFallsBackToCascadeReview(t *testing.T) {
	memID := uuid.New()
	queue := &fakeQueue{events: []model.MemoryEvent{
		{ID: uuid.New(), EventType: model.EventType("mystery_event"), MemoryID: memID, Context: nil},
	}}
	backend := &fakeBackend{}
	d := New(queue, backend, silentLogger())

	require.NoError(t, d.DispatchSession(context.Background(), uuid.New()))

	require.Len(t, backend.delivered, 1)
	p := backend.delivered[0]
	require.Len(t, p.Cascades, 1)
	assert.Equal(t, "mystery_event", p.Cascades[0].CascadeType)
	assert.NotNil(t, p.Cascades[0].Context)
}

func TestIssueLabel(t *testing.T) {
	assert.Equal(t, "memory-violation", issueLabel(Payload{Violations: []ViolationItem{{}}}))
	assert.Equal(t, "memory-prediction", issueLabel(Payload{OverduePredictions: []OverduePredictionItem{{}}}))
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("none", "", "", silentLogger())
	require.NoError(t, err)
	assert.IsType(t, NoopBackend{}, b)

	b, err = NewBackend("webhook", "http://example.invalid", "key", silentLogger())
	require.NoError(t, err)
	assert.IsType(t, &WebhookBackend{}, b)

	b, err = NewBackend("issue_tracker", "http://example.invalid", "key", silentLogger())
	require.NoError(t, err)
	assert.IsType(t, &IssueTrackerBackend{}, b)

	_, err = NewBackend("bogus", "", "", silentLogger())
	assert.Error(t, err)
}

func TestStatusKind(t *testing.T) {
	assert.Equal(t, errs.TransientIO, statusKind(http.StatusTooManyRequests))
	assert.Equal(t, errs.TransientIO, statusKind(http.StatusServiceUnavailable))
	assert.Equal(t, errs.NotFound, statusKind(http.StatusNotFound))
	assert.Equal(t, errs.Validation, statusKind(http.StatusBadRequest))
}

func TestWebhookBackend_ServerErrorClassifiedTransientAndRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	orig := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = orig }()

	b := NewWebhookBackend(srv.URL, "")
	d := New(&fakeQueue{}, b, silentLogger())
	err := d.deliverWithRetry(context.Background(), Payload{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWebhookBackend_BadRequestFailsFastWithoutRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewWebhookBackend(srv.URL, "")
	d := New(&fakeQueue{}, b, silentLogger())
	err := d.deliverWithRetry(context.Background(), Payload{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}
