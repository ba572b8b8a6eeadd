// Package exposure implements the bidirectional exposure-checking pipeline
// (C5, spec §4.5): semantically matching new observations against existing
// conditions, and new thoughts' own conditions against existing observations,
// with concurrent candidate pipelines and race-free writes. Grounded on the
// teacher's internal/conflicts/scorer.go — candidate retrieval via a vector
// index, per-candidate concurrent scoring with errgroup, fail-safe skip on
// transient errors — generalized from the teacher's single pairwise-conflict
// check to the spec's violation/confirmation/auto-confirm three-way decision.
package exposure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/DigiBugCat/noesis/internal/confidence"
	"github.com/DigiBugCat/noesis/internal/embedding"
	"github.com/DigiBugCat/noesis/internal/judge"
	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/search"
	"github.com/DigiBugCat/noesis/internal/shock"
	"github.com/DigiBugCat/noesis/internal/storage"
	"github.com/DigiBugCat/noesis/internal/telemetry"
)

// violationCounter and confirmationCounter tally C5's two terminal signals
// (spec §1 ambient telemetry), one increment per memory actually transitioned
// (not per candidate scored) — the same meter-at-package-init pattern
// internal/embedding and internal/judge use for their histograms.
var (
	violationCounter    = newExposureCounter("noesis.violations.total", "Violations recorded against a memory")
	confirmationCounter = newExposureCounter("noesis.confirmations.total", "Confirmations recorded against a memory")
)

func newExposureCounter(name, description string) metric.Int64Counter {
	meter := telemetry.Meter("noesis/exposure")
	c, _ := meter.Int64Counter(name, metric.WithDescription(description))
	return c
}

func recordViolationCount(ctx context.Context, damage model.DamageLevel, n int) {
	if violationCounter == nil || n <= 0 {
		return
	}
	violationCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("damage_level", string(damage))))
}

func recordConfirmationCount(ctx context.Context, source string) {
	if confirmationCounter == nil {
		return
	}
	confirmationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// Config holds the env-configurable thresholds from spec §6.7.
type Config struct {
	MaxCandidates      int     // MAX_CANDIDATES, default 20
	MinSimilarity      float32 // MIN_SIMILARITY, default 0.4
	ViolationThreshold float64 // VIOLATION_CONFIDENCE_THRESHOLD, default 0.7
	ConfirmThreshold   float64 // CONFIRM_CONFIDENCE_THRESHOLD, default 0.75
}

// DefaultConfig returns the spec's named defaults (spec §4.5, §6.7).
func DefaultConfig() Config {
	return Config{
		MaxCandidates:      20,
		MinSimilarity:      0.4,
		ViolationThreshold: 0.7,
		ConfirmThreshold:   0.75,
	}
}

// Cascader is C7's entry point, invoked on resolution outcomes (violation,
// auto-confirm). Declared locally so this package doesn't depend on
// internal/cascade — the root package wires the concrete implementation in.
type Cascader interface {
	PropagateResolution(ctx context.Context, sourceID uuid.UUID, outcome model.Outcome, sessionID *uuid.UUID) error
}

// Checker is C5: the bidirectional exposure-checking pipeline.
type Checker struct {
	db       *storage.DB
	index    *search.Index
	embedder embedding.Provider
	judge    judge.Judge
	shock    *shock.Propagator
	cascade  Cascader
	logger   *slog.Logger
	cfg      Config
}

// New wires C5 from its collaborators (spec §4.5's dependency list: C1
// store, C2 index, C4 embed+judge, C6 shock, C7 cascade).
func New(db *storage.DB, index *search.Index, embedder embedding.Provider, j judge.Judge, shockProp *shock.Propagator, cascade Cascader, logger *slog.Logger, cfg Config) *Checker {
	if cfg.MaxCandidates <= 0 {
		cfg = DefaultConfig()
	}
	return &Checker{db: db, index: index, embedder: embedder, judge: j, shock: shockProp, cascade: cascade, logger: logger, cfg: cfg}
}

// candidate is one deduplicated hit from the INVALIDATES/CONFIRMS query,
// carrying enough of the match's metadata to judge it without a second
// round trip to Qdrant.
type candidate struct {
	memoryID      uuid.UUID
	conditionText string
	conditionKind judge.Kind
	fromInvalid   bool
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func conditionKindFromMeta(meta map[string]any, fallback judge.Kind) judge.Kind {
	switch metaString(meta, "condition_kind") {
	case string(judge.KindInvalidates):
		return judge.KindInvalidates
	case string(judge.KindAssumes):
		return judge.KindAssumes
	case string(judge.KindConfirms):
		return judge.KindConfirms
	default:
		return fallback
	}
}

// CheckExposures is the observation entry point (spec §4.5.1):
// check_exposures(obs_id, content, embedding).
func (c *Checker) CheckExposures(ctx context.Context, obsID uuid.UUID, content string, emb []float32) error {
	obs, err := c.db.GetMemory(ctx, obsID)
	if err != nil {
		return fmt.Errorf("exposure: load observation %s: %w", obsID, err)
	}
	if obs.HasResolutionTag() {
		return nil
	}

	// Step 1: concurrent INVALIDATES/CONFIRMS queries.
	var invMatches, confMatches []search.Match
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := c.index.Invalidates.Query(gctx, emb, c.cfg.MaxCandidates, c.cfg.MinSimilarity, nil)
		if err != nil {
			return fmt.Errorf("query invalidates: %w", err)
		}
		invMatches = m
		return nil
	})
	g.Go(func() error {
		m, err := c.index.Confirms.Query(gctx, emb, c.cfg.MaxCandidates, c.cfg.MinSimilarity, nil)
		if err != nil {
			return fmt.Errorf("query confirms: %w", err)
		}
		confMatches = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("exposure: candidate query: %w", err)
	}

	// Step 2: dedup by memory_id, invalidation candidates take precedence.
	unified := make(map[uuid.UUID]candidate)
	for _, m := range invMatches {
		mid, err := uuid.Parse(metaString(m.Metadata, "memory_id"))
		if err != nil {
			continue
		}
		unified[mid] = candidate{
			memoryID:      mid,
			conditionText: metaString(m.Metadata, "condition_text"),
			conditionKind: conditionKindFromMeta(m.Metadata, judge.KindInvalidates),
			fromInvalid:   true,
		}
	}
	for _, m := range confMatches {
		mid, err := uuid.Parse(metaString(m.Metadata, "memory_id"))
		if err != nil {
			continue
		}
		if _, exists := unified[mid]; exists {
			continue // invalidation candidates take precedence
		}
		unified[mid] = candidate{
			memoryID:      mid,
			conditionText: metaString(m.Metadata, "condition_text"),
			conditionKind: judge.KindConfirms,
		}
	}

	// Steps 3-5: per-candidate concurrent pipeline.
	g2, gctx2 := errgroup.WithContext(ctx)
	for _, cand := range unified {
		cand := cand
		g2.Go(func() error {
			c.processObservationCandidate(gctx2, obsID, content, cand)
			return nil
		})
	}
	_ = g2.Wait() // per-candidate failures are logged and skipped, never fatal to the batch

	// Step 6: auto-confirm pass over the original CONFIRMS results.
	g3, gctx3 := errgroup.WithContext(ctx)
	for _, m := range confMatches {
		m := m
		g3.Go(func() error {
			c.maybeAutoConfirm(gctx3, obsID, content, m)
			return nil
		})
	}
	_ = g3.Wait()

	return nil
}

// processObservationCandidate runs spec §4.5.1 steps 3-5 for one
// deduplicated candidate memory.
func (c *Checker) processObservationCandidate(ctx context.Context, obsID uuid.UUID, content string, cand candidate) {
	mem, err := c.db.GetMemory(ctx, cand.memoryID)
	if err != nil {
		c.logger.Debug("exposure: candidate load failed", "memory_id", cand.memoryID, "error", err)
		return
	}
	if mem.State != model.StateActive {
		return
	}
	pending, err := c.db.HasPendingResolution(ctx, mem.ID)
	if err != nil {
		c.logger.Debug("exposure: pending-resolution check failed", "memory_id", mem.ID, "error", err)
		return
	}
	if pending {
		return
	}

	result, err := c.judge.Judge(ctx, judge.Input{Kind: cand.conditionKind, Condition: cand.conditionText, CandidateText: content})
	if err != nil {
		c.logger.Warn("exposure: judge call failed, skipping candidate", "memory_id", mem.ID, "error", err)
		return
	}

	switch {
	case result.Matches && result.Confidence >= c.cfg.ViolationThreshold:
		c.recordDirectViolation(ctx, mem, obsID, cand.conditionText)
	case result.RelevantButNotViolation:
		if _, err := c.db.RecordConfirmation(ctx, mem.ID, &obsID); err != nil {
			c.logger.Warn("exposure: record confirmation failed", "memory_id", mem.ID, "error", err)
			return
		}
		recordConfirmationCount(ctx, "soft")
		if err := c.db.ScaleOutgoingSupportEdges(ctx, mem.ID, confirmationBoostFactor); err != nil {
			c.logger.Warn("exposure: edge boost failed", "memory_id", mem.ID, "error", err)
		}
	}
}

// RecordManualViolation applies an operator- or resolver-triggered violation
// directly to mid, outside the similarity-matching pipeline — the engine's
// violate(id, condition, observation_id?, notes?) API (spec §6.1). It runs
// the same side effects (edge decay, shock, cascade, notify) as a
// judge-matched violation, since a manually asserted violation carries the
// same consequences for the target's confidence and its neighbors.
// observationID is nil when the caller has no machine-checkable evidence to
// cite.
func (c *Checker) RecordManualViolation(ctx context.Context, mid uuid.UUID, condition string, observationID *uuid.UUID) error {
	mem, err := c.db.GetMemory(ctx, mid)
	if err != nil {
		return fmt.Errorf("exposure: load memory %s: %w", mid, err)
	}
	obsID := uuid.Nil
	if observationID != nil {
		obsID = *observationID
	}
	c.recordDirectViolation(ctx, mem, obsID, condition)
	return nil
}

// RecordManualConfirmation applies an operator-triggered confirmation
// directly to mid — the engine's confirm(id, observation_id?, notes?) API
// (spec §6.1, "active → confirmed on a terminal manual confirmation").
// Mirrors the soft-confirmation branch of processObservationCandidate:
// counters advance, an optional confirmed_by edge is created, and outgoing
// support edges get the same trust boost a matched confirmation would give.
func (c *Checker) RecordManualConfirmation(ctx context.Context, mid uuid.UUID, observationID *uuid.UUID) error {
	if _, err := c.db.RecordConfirmation(ctx, mid, observationID); err != nil {
		return fmt.Errorf("exposure: record manual confirmation: %w", err)
	}
	recordConfirmationCount(ctx, "manual")
	if err := c.db.ScaleOutgoingSupportEdges(ctx, mid, confirmationBoostFactor); err != nil {
		c.logger.Warn("exposure: manual confirmation edge boost failed", "memory_id", mid, "error", err)
	}
	return nil
}

// confirmationBoostFactor strengthens a memory's outgoing support edges
// toward full trust on a soft (relevant-but-not-violating) confirmation
// signal, clamped at 1.0 by ScaleOutgoingSupportEdges (spec §4.5.1 step 5).
const confirmationBoostFactor = 1.1

// recordDirectViolation appends the violation, runs its side effects (spec
// §4.5.3), and cascades with the outcome the violation's damage level
// implies.
func (c *Checker) recordDirectViolation(ctx context.Context, mem model.Memory, obsID uuid.UUID, condition string) {
	damage := confidence.DamageLevel(mem.Centrality)
	v := model.Violation{
		Condition:   condition,
		Timestamp:   time.Now().UTC(),
		ObsID:       obsID,
		DamageLevel: damage,
		SourceType:  "direct",
	}
	updated, err := c.db.RecordViolationsBatch(ctx, mem.ID, []model.Violation{v})
	if err != nil {
		c.logger.Warn("exposure: record violation failed", "memory_id", mem.ID, "error", err)
		return
	}
	c.applyViolationSideEffects(ctx, updated, 1)

	// RecordViolationsBatch is the single source of truth for the stored
	// outcome (it may have deduped this violation away and left state
	// unchanged); mirror it rather than recomputing from damage alone.
	outcome := model.OutcomeVoid
	if updated.Outcome != nil {
		outcome = *updated.Outcome
	}
	if c.cascade != nil {
		if err := c.cascade.PropagateResolution(ctx, mem.ID, outcome, nil); err != nil {
			c.logger.Warn("exposure: cascade failed", "memory_id", mem.ID, "error", err)
		}
	}
}

// applyViolationSideEffects runs spec §4.5.3 steps 2-5 after count violations
// have already been appended to the target memory.
func (c *Checker) applyViolationSideEffects(ctx context.Context, m model.Memory, count int) {
	decayFactor := peripheralDecayFactor
	damage := confidence.DamageLevel(m.Centrality)
	if damage == model.DamageCore {
		decayFactor = coreDecayFactor
	}
	recordViolationCount(ctx, damage, count)

	if err := c.index.PurgeConditions(ctx, m.ID); err != nil {
		c.logger.Warn("exposure: purge condition vectors failed", "memory_id", m.ID, "error", err)
	}
	if err := c.db.ScaleOutgoingSupportEdges(ctx, m.ID, 1-decayFactor); err != nil {
		c.logger.Warn("exposure: edge decay failed", "memory_id", m.ID, "error", err)
	}

	if c.shock != nil {
		if _, err := c.shock.ApplyShock(ctx, m.ID, damage); err != nil {
			c.logger.Warn("exposure: apply shock failed", "memory_id", m.ID, "error", err)
		}
	}

	c.maybeNotify(ctx, m, damage)
}

// coreDecayFactor and peripheralDecayFactor are f in "strength *= (1-f)"
// (spec §4.5.3 step 3).
const (
	coreDecayFactor       = 0.5
	peripheralDecayFactor = 0.25
)

func (c *Checker) maybeNotify(ctx context.Context, m model.Memory, damage model.DamageLevel) {
	if damage == model.DamageCore {
		maxDrop := 0.0
		if len(m.Violations) > 0 {
			maxDrop = m.StartingConfidence
		}
		msg := fmt.Sprintf("core violation on memory %s (%d violations, max confidence drop %.2f): %s", m.ID, len(m.Violations), maxDrop, m.Content)
		if err := c.db.WriteNotification(ctx, "core_violation", m.ID, msg, map[string]any{"violation_count": len(m.Violations)}); err != nil {
			c.logger.Debug("exposure: write core_violation notification failed", "memory_id", m.ID, "error", err)
		}
		return
	}

	health, err := c.ZoneHealth(ctx, m.ID)
	if err != nil {
		c.logger.Debug("exposure: zone health check failed", "memory_id", m.ID, "error", err)
		return
	}
	if !health.Balanced || health.QualityPct < 50 {
		msg := fmt.Sprintf("peripheral violation on memory %s in an unhealthy zone (quality %.0f%%): %s", m.ID, health.QualityPct, m.Content)
		if err := c.db.WriteNotification(ctx, "peripheral_violation", m.ID, msg, map[string]any{"quality_pct": health.QualityPct, "balanced": health.Balanced}); err != nil {
			c.logger.Debug("exposure: write peripheral_violation notification failed", "memory_id", m.ID, "error", err)
		}
	}
}

// maybeAutoConfirm runs spec §4.5.1 step 6 for one CONFIRMS-query hit.
func (c *Checker) maybeAutoConfirm(ctx context.Context, obsID uuid.UUID, content string, m search.Match) {
	mid, err := uuid.Parse(metaString(m.Metadata, "memory_id"))
	if err != nil {
		return
	}
	mem, err := c.db.GetMemory(ctx, mid)
	if err != nil {
		c.logger.Debug("exposure: auto-confirm candidate load failed", "memory_id", mid, "error", err)
		return
	}
	if mem.ResolvesBy == nil || mem.State != model.StateActive {
		return
	}
	pending, err := c.db.HasPendingResolution(ctx, mid)
	if err != nil || pending {
		return
	}

	condition := metaString(m.Metadata, "condition_text")
	result, err := c.judge.Judge(ctx, judge.Input{Kind: judge.KindConfirms, Condition: condition, CandidateText: content})
	if err != nil {
		c.logger.Warn("exposure: auto-confirm judge call failed", "memory_id", mid, "error", err)
		return
	}
	if !result.Matches || result.Confidence < c.cfg.ConfirmThreshold {
		return
	}

	if _, err := c.db.AutoConfirm(ctx, mid, obsID); err != nil {
		c.logger.Warn("exposure: auto-confirm write failed", "memory_id", mid, "error", err)
		return
	}
	recordConfirmationCount(ctx, "auto")
	if err := c.index.PurgeConditions(ctx, mid); err != nil {
		c.logger.Warn("exposure: auto-confirm purge vectors failed", "memory_id", mid, "error", err)
	}
	if c.cascade != nil {
		if err := c.cascade.PropagateResolution(ctx, mid, model.OutcomeCorrect, nil); err != nil {
			c.logger.Warn("exposure: auto-confirm cascade failed", "memory_id", mid, "error", err)
		}
	}
}

// ZoneHealth computes spec §4.5.4's advisory neighborhood-quality metric for
// a memory: walk up to depth-2 along support edges, up to maxZoneSize nodes,
// and report what fraction have effective confidence >= 0.6.
type ZoneHealthResult struct {
	QualityPct float64
	Balanced   bool
}

const (
	zoneMaxDepth     = 2
	zoneMaxSize      = 20
	zoneQualityFloor = 0.6
)

func (c *Checker) ZoneHealth(ctx context.Context, m uuid.UUID) (ZoneHealthResult, error) {
	neighbors, err := c.db.Neighborhood(ctx, m, zoneMaxDepth, 0)
	if err != nil {
		return ZoneHealthResult{}, fmt.Errorf("exposure: zone health neighborhood: %w", err)
	}
	if len(neighbors) > zoneMaxSize {
		neighbors = neighbors[:zoneMaxSize]
	}
	if len(neighbors) == 0 {
		return ZoneHealthResult{QualityPct: 100, Balanced: true}, nil
	}

	mems, err := c.db.GetMemories(ctx, neighbors)
	if err != nil {
		return ZoneHealthResult{}, fmt.Errorf("exposure: zone health hydrate: %w", err)
	}

	var healthy, violatedCluster int
	for _, mem := range mems {
		local := confidence.Local(mem.StartingConfidence, mem.Confirmations, mem.TimesTested, model.DefaultMaxTimesTested)
		eff := confidence.Effective(local, mem.PropagatedConfidence)
		if eff >= zoneQualityFloor {
			healthy++
		}
		if mem.State == model.StateViolated {
			violatedCluster++
		}
	}
	qualityPct := 100 * float64(healthy) / float64(len(mems))
	dominantViolatedCluster := violatedCluster*2 > len(mems)
	return ZoneHealthResult{
		QualityPct: qualityPct,
		Balanced:   qualityPct >= 50 && !dominantViolatedCluster,
	}, nil
}

// CheckExposuresForNewThought is the thought entry point (spec §4.5.2):
// check_exposures_for_new_thought(mid, content, invalidates_if, confirms_if,
// time_bound). Collects violation/confirmation outcomes from independent
// per-condition pipelines and applies them atomically once, avoiding lost
// updates from concurrent condition checks on the same target memory.
func (c *Checker) CheckExposuresForNewThought(ctx context.Context, mid uuid.UUID, content string, invalidatesIf, confirmsIf []string, timeBound bool) error {
	target, err := c.db.GetMemory(ctx, mid)
	if err != nil {
		return fmt.Errorf("exposure: load thought %s: %w", mid, err)
	}
	damage := confidence.DamageLevel(target.Centrality)

	violations, err := c.collectConditionViolations(ctx, invalidatesIf, judge.KindInvalidates, damage)
	if err != nil {
		return err
	}

	var autoConfirm *uuid.UUID
	if timeBound {
		autoConfirm, err = c.firstConfirmingObservation(ctx, confirmsIf)
		if err != nil {
			return err
		}
	}

	if len(violations) > 0 {
		updated, err := c.db.RecordViolationsBatch(ctx, mid, violations)
		if err != nil {
			return fmt.Errorf("exposure: record violations batch: %w", err)
		}
		c.applyViolationSideEffects(ctx, updated, len(violations))
		outcome := model.OutcomeVoid
		if updated.Outcome != nil {
			outcome = *updated.Outcome
		}
		if c.cascade != nil {
			if err := c.cascade.PropagateResolution(ctx, mid, outcome, nil); err != nil {
				c.logger.Warn("exposure: cascade failed", "memory_id", mid, "error", err)
			}
		}
		return nil
	}

	if autoConfirm != nil {
		if _, err := c.db.AutoConfirm(ctx, mid, *autoConfirm); err != nil {
			return fmt.Errorf("exposure: auto-confirm write: %w", err)
		}
		recordConfirmationCount(ctx, "auto")
		if err := c.index.PurgeConditions(ctx, mid); err != nil {
			c.logger.Warn("exposure: auto-confirm purge vectors failed", "memory_id", mid, "error", err)
		}
		if c.cascade != nil {
			if err := c.cascade.PropagateResolution(ctx, mid, model.OutcomeCorrect, nil); err != nil {
				c.logger.Warn("exposure: auto-confirm cascade failed", "memory_id", mid, "error", err)
			}
		}
	}
	return nil
}

// collectConditionViolations embeds and queries each invalidates_if
// condition against the MEMORY index (filtered to observations), judging
// candidates in similarity order until the first match per condition (spec
// §4.5.2 "first match wins per condition"). It never writes; the caller
// applies the batch atomically.
func (c *Checker) collectConditionViolations(ctx context.Context, conditions []string, kind judge.Kind, damage model.DamageLevel) ([]model.Violation, error) {
	var violations []model.Violation
	for _, cond := range conditions {
		obsID, matchedCondition, err := c.firstMatchingObservation(ctx, cond, kind)
		if err != nil {
			return nil, err
		}
		if obsID == nil {
			continue
		}
		violations = append(violations, model.Violation{
			Condition:   matchedCondition,
			Timestamp:   time.Now().UTC(),
			ObsID:       *obsID,
			DamageLevel: damage,
			SourceType:  "direct",
		})
	}
	return violations, nil
}

// firstConfirmingObservation finds the first confirms_if condition (in
// order) whose best-matching observation satisfies it with confidence >=
// conf_thresh — "first match wins across all conditions" (spec §4.5.2).
func (c *Checker) firstConfirmingObservation(ctx context.Context, conditions []string) (*uuid.UUID, error) {
	for _, cond := range conditions {
		condVec, err := c.embedder.Embed(ctx, cond)
		if err != nil {
			return nil, fmt.Errorf("exposure: embed confirms_if condition: %w", err)
		}
		matches, err := c.index.Memory.Query(ctx, condVec, c.cfg.MaxCandidates, c.cfg.MinSimilarity, search.Filter{"type": "observation"})
		if err != nil {
			return nil, fmt.Errorf("exposure: query confirms_if candidates: %w", err)
		}
		for _, m := range matches {
			obsID, err := uuid.Parse(m.ID)
			if err != nil {
				continue
			}
			obs, err := c.db.GetMemory(ctx, obsID)
			if err != nil || obs.Retracted || obs.HasResolutionTag() {
				continue
			}
			result, err := c.judge.Judge(ctx, judge.Input{Kind: judge.KindConfirms, Condition: cond, CandidateText: obs.Content})
			if err != nil {
				c.logger.Warn("exposure: confirms_if judge call failed, skipping", "obs_id", obsID, "error", err)
				continue
			}
			if result.Matches && result.Confidence >= c.cfg.ConfirmThreshold {
				return &obsID, nil
			}
		}
	}
	return nil, nil
}

// firstMatchingObservation finds the first observation (in similarity
// order) whose content satisfies the given condition, or nil if none does.
func (c *Checker) firstMatchingObservation(ctx context.Context, condition string, kind judge.Kind) (*uuid.UUID, string, error) {
	condVec, err := c.embedder.Embed(ctx, condition)
	if err != nil {
		return nil, "", fmt.Errorf("exposure: embed %s condition: %w", kind, err)
	}
	matches, err := c.index.Memory.Query(ctx, condVec, c.cfg.MaxCandidates, c.cfg.MinSimilarity, search.Filter{"type": "observation"})
	if err != nil {
		return nil, "", fmt.Errorf("exposure: query %s candidates: %w", kind, err)
	}
	for _, m := range matches {
		obsID, err := uuid.Parse(m.ID)
		if err != nil {
			continue
		}
		obs, err := c.db.GetMemory(ctx, obsID)
		if err != nil || obs.Retracted || obs.HasResolutionTag() {
			continue
		}
		result, err := c.judge.Judge(ctx, judge.Input{Kind: kind, Condition: condition, CandidateText: obs.Content})
		if err != nil {
			c.logger.Warn("exposure: judge call failed, skipping", "obs_id", obsID, "error", err)
			continue
		}
		if result.Matches && result.Confidence >= c.cfg.ViolationThreshold {
			return &obsID, condition, nil
		}
	}
	return nil, "", nil
}
