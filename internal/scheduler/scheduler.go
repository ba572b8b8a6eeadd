// Package scheduler implements C10's two background cadences (spec §4.10):
// every minute, drain inactive sessions through the dispatcher; daily,
// recompute system stats, run the whole-graph propagation pass, and enqueue
// newly-overdue predictions. Grounded on the teacher's akashi.go background
// ticker loops (conflictRefreshLoop/idempotencyCleanupLoop): one ticker per
// cadence, context-cancellable, fanning out per work item with errgroup
// rather than a single global lock.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/shock"
)

// DefaultMinuteInterval and DefaultDailyInterval are spec §4.10's two
// cadences.
const (
	DefaultMinuteInterval = 1 * time.Minute
	DefaultDailyInterval  = 24 * time.Hour
)

// EventQueue is the slice of internal/events the scheduler drives, narrowed
// to a local interface per the package's usual dependency-inversion
// pattern (see cascade.Store, intake.Store).
type EventQueue interface {
	InactiveSessions(ctx context.Context) ([]uuid.UUID, error)
	OverduePredictions(ctx context.Context, now time.Time) ([]model.Memory, error)
	QueuePendingResolution(ctx context.Context, m model.Memory) error
}

// Dispatcher is the slice of internal/dispatcher the scheduler drives.
type Dispatcher interface {
	DispatchSession(ctx context.Context, sessionID uuid.UUID) error
}

// Propagator is the slice of internal/shock the daily pass drives.
type Propagator interface {
	PropagateGlobal(ctx context.Context) (shock.Result, error)
}

// StatsStore is the slice of internal/storage the daily stats recompute
// needs.
type StatsStore interface {
	RecomputeSystemStats(ctx context.Context) (model.SystemStats, error)
	WriteSystemStats(ctx context.Context, stats model.SystemStats) error
}

// Scheduler runs C10's minute and daily cadences.
type Scheduler struct {
	events     EventQueue
	dispatcher Dispatcher
	propagator Propagator
	stats      StatsStore
	logger     *slog.Logger

	minuteInterval time.Duration
	dailyInterval  time.Duration
}

// New constructs a Scheduler. minuteInterval/dailyInterval <= 0 use the
// package defaults.
func New(events EventQueue, dispatcher Dispatcher, propagator Propagator, stats StatsStore, logger *slog.Logger, minuteInterval, dailyInterval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if minuteInterval <= 0 {
		minuteInterval = DefaultMinuteInterval
	}
	if dailyInterval <= 0 {
		dailyInterval = DefaultDailyInterval
	}
	return &Scheduler{
		events:         events,
		dispatcher:     dispatcher,
		propagator:     propagator,
		stats:          stats,
		logger:         logger,
		minuteInterval: minuteInterval,
		dailyInterval:  dailyInterval,
	}
}

// Run starts both cadence loops, returning once ctx is cancelled and both
// loops have exited.
func (s *Scheduler) Run(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error { s.minuteLoop(ctx); return nil })
	g.Go(func() error { s.dailyLoop(ctx); return nil })
	_ = g.Wait()
}

func (s *Scheduler) minuteLoop(ctx context.Context) {
	ticker := time.NewTicker(s.minuteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunMinuteTick(ctx)
		}
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context) {
	ticker := time.NewTicker(s.dailyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDailyTick(ctx)
		}
	}
}

// RunMinuteTick finds inactive sessions and dispatches each, in parallel
// across sessions (spec §4.10 "every minute").
func (s *Scheduler) RunMinuteTick(ctx context.Context) {
	sessions, err := s.events.InactiveSessions(ctx)
	if err != nil {
		s.logger.Error("scheduler: find inactive sessions failed", "err", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sessionID := range sessions {
		sessionID := sessionID
		g.Go(func() error {
			if err := s.dispatcher.DispatchSession(gctx, sessionID); err != nil {
				s.logger.Error("scheduler: dispatch session failed", "session_id", sessionID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RunDailyTick recomputes system stats, runs the whole-graph propagation
// pass, and enqueues pending-resolution events for newly-overdue
// predictions (spec §4.10 "daily", steps a/b/c). Each step proceeds even if
// an earlier one fails — they're independent maintenance passes, not a
// transaction.
func (s *Scheduler) RunDailyTick(ctx context.Context) {
	stats, err := s.stats.RecomputeSystemStats(ctx)
	if err != nil {
		s.logger.Error("scheduler: recompute system stats failed", "err", err)
	} else if err := s.stats.WriteSystemStats(ctx, stats); err != nil {
		s.logger.Error("scheduler: write system stats failed", "err", err)
	}

	if result, err := s.propagator.PropagateGlobal(ctx); err != nil {
		s.logger.Error("scheduler: whole-graph propagation failed", "err", err)
	} else {
		s.logger.Info("scheduler: whole-graph propagation complete", "affected", result.AffectedCount, "iterations", result.Iterations)
	}

	overdue, err := s.events.OverduePredictions(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scheduler: find overdue predictions failed", "err", err)
		return
	}
	if len(overdue) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range overdue {
		m := m
		g.Go(func() error {
			if err := s.events.QueuePendingResolution(gctx, m); err != nil {
				s.logger.Error("scheduler: queue pending resolution failed", "memory_id", m.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
