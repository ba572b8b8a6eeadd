package scheduler

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
	"github.com/DigiBugCat/noesis/internal/shock"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

type fakeEventQueue struct {
	mu              sync.Mutex
	inactive        []uuid.UUID
	overdue         []model.Memory
	queuedPending   []uuid.UUID
	inactiveErr     error
	overdueErr      error
}

func (q *fakeEventQueue) InactiveSessions(_ context.Context) ([]uuid.UUID, error) {
	return q.inactive, q.inactiveErr
}

func (q *fakeEventQueue) OverduePredictions(_ context.Context, _ time.Time) ([]model.Memory, error) {
	return q.overdue, q.overdueErr
}

func (q *fakeEventQueue) QueuePendingResolution(_ context.Context, m model.Memory) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queuedPending = append(q.queuedPending, m.ID)
	return nil
}

type fakeDispatcher struct {
	mu        sync.Mutex
	dispatched []uuid.UUID
}

func (d *fakeDispatcher) DispatchSession(_ context.Context, sessionID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, sessionID)
	return nil
}

type fakePropagator struct {
	called bool
	err    error
}

func (p *fakePropagator) PropagateGlobal(_ context.Context) (shock.Result, error) {
	p.called = true
	return shock.Result{AffectedCount: 3}, p.err
}

type fakeStatsStore struct {
	recomputed bool
	written    model.SystemStats
	recomputeErr error
	writeErr     error
}

func (s *fakeStatsStore) RecomputeSystemStats(_ context.Context) (model.SystemStats, error) {
	s.recomputed = true
	return model.SystemStats{MaxTimesTested: 42}, s.recomputeErr
}

func (s *fakeStatsStore) WriteSystemStats(_ context.Context, stats model.SystemStats) error {
	s.written = stats
	return s.writeErr
}

func TestRunMinuteTick_DispatchesEachInactiveSession(t *testing.T) {
	s1, s2 := uuid.New(), uuid.New()
	events := &fakeEventQueue{inactive: []uuid.UUID{s1, s2}}
	dispatcher := &fakeDispatcher{}
	sched := New(events, dispatcher, &fakePropagator{}, &fakeStatsStore{}, silentLogger(), 0, 0)

	sched.RunMinuteTick(context.Background())

	assert.ElementsMatch(t, []uuid.UUID{s1, s2}, dispatcher.dispatched)
}

func TestRunMinuteTick_NoInactiveSessionsIsNoop(t *testing.T) {
	events := &fakeEventQueue{}
	dispatcher := &fakeDispatcher{}
	sched := New(events, dispatcher, &fakePropagator{}, &fakeStatsStore{}, silentLogger(), 0, 0)

	sched.RunMinuteTick(context.Background())
	assert.Empty(t, dispatcher.dispatched)
}

func TestRunMinuteTick_FindInactiveSessionsErrorIsNonFatal(t *testing.T) {
	events := &fakeEventQueue{inactiveErr: fmt.Errorf("boom")}
	dispatcher := &fakeDispatcher{}
	sched := New(events, dispatcher, &fakePropagator{}, &fakeStatsStore{}, silentLogger(), 0, 0)

	assert.NotPanics(t, func() { sched.RunMinuteTick(context.Background()) })
	assert.Empty(t, dispatcher.dispatched)
}

func TestRunDailyTick_RunsAllThreeSteps(t *testing.T) {
	overdueMem := model.Memory{ID: uuid.New()}
	events := &fakeEventQueue{overdue: []model.Memory{overdueMem}}
	propagator := &fakePropagator{}
	stats := &fakeStatsStore{}
	sched := New(events, &fakeDispatcher{}, propagator, stats, silentLogger(), 0, 0)

	sched.RunDailyTick(context.Background())

	assert.True(t, stats.recomputed)
	assert.Equal(t, 42, stats.written.MaxTimesTested)
	assert.True(t, propagator.called)
	require.Len(t, events.queuedPending, 1)
	assert.Equal(t, overdueMem.ID, events.queuedPending[0])
}

func TestRunDailyTick_StepsAreIndependent(t *testing.T) {
	overdueMem := model.Memory{ID: uuid.New()}
	events := &fakeEventQueue{overdue: []model.Memory{overdueMem}}
	propagator := &fakePropagator{err: fmt.Errorf("propagation failed")}
	stats := &fakeStatsStore{recomputeErr: fmt.Errorf("recompute failed")}
	sched := New(events, &fakeDispatcher{}, propagator, stats, silentLogger(), 0, 0)

	sched.RunDailyTick(context.Background())

	// Despite stats recompute and propagation both failing, the overdue
	// prediction sweep still runs.
	require.Len(t, events.queuedPending, 1)
}

func TestNew_DefaultsIntervalsWhenNonPositive(t *testing.T) {
	sched := New(&fakeEventQueue{}, &fakeDispatcher{}, &fakePropagator{}, &fakeStatsStore{}, silentLogger(), 0, 0)
	assert.Equal(t, DefaultMinuteInterval, sched.minuteInterval)
	assert.Equal(t, DefaultDailyInterval, sched.dailyInterval)
}
