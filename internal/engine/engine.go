// Package engine implements the Creation API (spec §6.1): the single
// entry point through which observations and thoughts enter the belief
// graph, existing memories get confirmed/violated/retracted, and the read
// surface (find/recall/reference/roots/between/pending/insights/stats) is
// served. Grounded on the teacher's internal/service/decisions.Trace
// orchestration shape: embed first (outside any transaction, since it may
// call an external API), upsert derived vector state, then hand the
// already-computed pieces to a single transactional write. Unlike the
// teacher, C5 (internal/exposure) never runs synchronously from here — spec
// §5's ordering guarantee only requires embeddings and index upserts to
// land before the exposure job is enqueued, and that enqueue happens inside
// storage.CreateMemory itself; the actual exposure check runs later, off
// C11's intake queue.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/DigiBugCat/noesis/internal/embedding"
	"github.com/DigiBugCat/noesis/internal/exposure"
	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/search"
	"github.com/DigiBugCat/noesis/internal/storage"
)

// ExposureEffects is the slice of internal/exposure a manual confirm/violate
// call needs: the same side-effect machinery (edge decay, shock, cascade,
// notify) a judge-matched outcome would trigger, exposed narrowly so this
// package doesn't depend on internal/exposure's full surface (same pattern
// as cascade.Store, scheduler.EventQueue).
type ExposureEffects interface {
	RecordManualViolation(ctx context.Context, mid uuid.UUID, condition string, observationID *uuid.UUID) error
	RecordManualConfirmation(ctx context.Context, mid uuid.UUID, observationID *uuid.UUID) error
}

// Engine implements spec §6.1's Creation API and read surface.
type Engine struct {
	db       *storage.DB
	index    *search.Index
	embedder embedding.Provider
	exposure ExposureEffects
	logger   *slog.Logger
}

// New wires the engine from its collaborators.
func New(db *storage.DB, index *search.Index, embedder embedding.Provider, exposure ExposureEffects, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, index: index, embedder: embedder, exposure: exposure, logger: logger}
}

// ObservationDraft is the input to CreateObservation (spec §6.1
// create_observation).
type ObservationDraft struct {
	Content       string
	Source        model.Source
	Tags          []string
	InvalidatesIf []string
	ConfirmsIf    []string
}

// ThoughtDraft is the input to CreateThought (spec §6.1 create_thought).
type ThoughtDraft struct {
	Content          string
	DerivedFrom      []uuid.UUID
	InvalidatesIf    []string
	ConfirmsIf       []string
	Assumes          []string
	ResolvesBy       *int64
	OutcomeCondition *string
	Tags             []string
}

// CreateResult is the response shape of create_observation/create_thought.
type CreateResult struct {
	ID            uuid.UUID
	TimeBound     bool
	ExposureCheck string
}

// CreateObservation implements create_observation(content, source, tags?,
// invalidates_if?, confirms_if?) → {id, exposure_check: "queued"}.
func (e *Engine) CreateObservation(ctx context.Context, d ObservationDraft, sessionID *uuid.UUID, requestID string) (CreateResult, error) {
	if d.Content == "" {
		return CreateResult{}, fmt.Errorf("engine: validation: observation content is required")
	}
	if d.Source == "" {
		return CreateResult{}, fmt.Errorf("engine: validation: observation source is required")
	}
	source := d.Source
	draft := model.Draft{
		Content:       d.Content,
		Tags:          d.Tags,
		Source:        &source,
		InvalidatesIf: d.InvalidatesIf,
		ConfirmsIf:    d.ConfirmsIf,
	}
	return e.createMemory(ctx, draft, sessionID, requestID)
}

// CreateThought implements create_thought(content, derived_from[≥1],
// invalidates_if?, confirms_if?, assumes?, resolves_by?, outcome_condition?,
// tags?) → {id, time_bound, exposure_check: "queued"}.
func (e *Engine) CreateThought(ctx context.Context, d ThoughtDraft, sessionID *uuid.UUID, requestID string) (CreateResult, error) {
	if d.Content == "" {
		return CreateResult{}, fmt.Errorf("engine: validation: thought content is required")
	}
	if len(d.DerivedFrom) == 0 {
		return CreateResult{}, fmt.Errorf("engine: validation: thought requires at least one derived_from id")
	}
	if d.ResolvesBy != nil && (d.OutcomeCondition == nil || *d.OutcomeCondition == "") {
		return CreateResult{}, fmt.Errorf("engine: validation: resolves_by requires outcome_condition")
	}
	if err := e.validateDerivedFrom(ctx, d.DerivedFrom); err != nil {
		return CreateResult{}, err
	}

	draft := model.Draft{
		Content:          d.Content,
		Tags:             d.Tags,
		DerivedFrom:      d.DerivedFrom,
		InvalidatesIf:    d.InvalidatesIf,
		ConfirmsIf:       d.ConfirmsIf,
		Assumes:          d.Assumes,
		ResolvesBy:       d.ResolvesBy,
		OutcomeCondition: d.OutcomeCondition,
	}
	return e.createMemory(ctx, draft, sessionID, requestID)
}

// validateDerivedFrom enforces spec §4.1's "all source-ids in derived_from
// must exist and not be retracted".
func (e *Engine) validateDerivedFrom(ctx context.Context, ids []uuid.UUID) error {
	premises, err := e.db.GetMemories(ctx, ids)
	if err != nil {
		return fmt.Errorf("engine: load derived_from premises: %w", err)
	}
	for _, id := range ids {
		premise, ok := premises[id]
		if !ok {
			return fmt.Errorf("engine: validation: derived_from %s: %w", id, storage.ErrNotFound)
		}
		if premise.Retracted {
			return fmt.Errorf("engine: validation: derived_from %s is retracted", id)
		}
	}
	return nil
}

// createMemory is the shared embed → upsert-vectors → transactional-write
// path for both creation operations, in the order spec §5 requires.
func (e *Engine) createMemory(ctx context.Context, d model.Draft, sessionID *uuid.UUID, requestID string) (CreateResult, error) {
	id := uuid.New()
	timeBound := d.ResolvesBy != nil

	contentEmbedding, err := e.embedder.Embed(ctx, d.Content)
	if err != nil {
		return CreateResult{}, fmt.Errorf("engine: embed content: %w", err)
	}

	invalidateEmbeddings, err := e.embedConditions(ctx, d.InvalidatesIf, "invalidates_if", 0)
	if err != nil {
		return CreateResult{}, err
	}
	assumeEmbeddings, err := e.embedConditions(ctx, d.Assumes, "assumes", len(invalidateEmbeddings))
	if err != nil {
		return CreateResult{}, err
	}
	invalidateEmbeddings = append(invalidateEmbeddings, assumeEmbeddings...)

	var confirmEmbeddings []search.ConditionEmbedding
	if timeBound {
		confirmEmbeddings, err = e.embedConditions(ctx, d.ConfirmsIf, "confirms_if", 0)
		if err != nil {
			return CreateResult{}, err
		}
	}

	stub := model.Memory{ID: id, Source: d.Source, InvalidatesIf: d.InvalidatesIf, ConfirmsIf: d.ConfirmsIf, ResolvesBy: d.ResolvesBy}
	if err := e.index.UpsertMemory(ctx, id, contentEmbedding, search.MemoryPointMetadata(stub)); err != nil {
		return CreateResult{}, fmt.Errorf("engine: upsert memory vector: %w", err)
	}
	if len(invalidateEmbeddings) > 0 {
		if err := e.index.UpsertConditions(ctx, search.IndexInvalidates, id, timeBound, invalidateEmbeddings); err != nil {
			return CreateResult{}, fmt.Errorf("engine: upsert invalidates conditions: %w", err)
		}
	}
	if len(confirmEmbeddings) > 0 {
		if err := e.index.UpsertConditions(ctx, search.IndexConfirms, id, timeBound, confirmEmbeddings); err != nil {
			return CreateResult{}, fmt.Errorf("engine: upsert confirms conditions: %w", err)
		}
	}

	stats, err := e.db.GetSystemStats(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("engine: load system stats: %w", err)
	}

	if _, err := e.db.CreateMemory(ctx, id, d, stats, contentEmbedding, sessionID, requestID); err != nil {
		return CreateResult{}, fmt.Errorf("engine: create memory: %w", err)
	}

	return CreateResult{ID: id, TimeBound: timeBound, ExposureCheck: "queued"}, nil
}

// embedConditions embeds a list of condition sentences and assigns them
// sequential point indexes starting at startIndex, so invalidates_if and
// assumes conditions (which share the INVALIDATES collection, see
// search.ConditionEmbedding) occupy distinct "{mid}:inv:{i}" slots.
func (e *Engine) embedConditions(ctx context.Context, conditions []string, kind string, startIndex int) ([]search.ConditionEmbedding, error) {
	if len(conditions) == 0 {
		return nil, nil
	}
	vecs, err := e.embedder.EmbedBatch(ctx, conditions)
	if err != nil {
		return nil, fmt.Errorf("engine: embed %s conditions: %w", kind, err)
	}
	out := make([]search.ConditionEmbedding, len(conditions))
	for i, text := range conditions {
		out[i] = search.ConditionEmbedding{Index: startIndex + i, Text: text, Embedding: vecs[i], ConditionKind: kind}
	}
	return out, nil
}

// ConfirmRequest is the input to Confirm (spec §6.1 confirm).
type ConfirmRequest struct {
	ID            uuid.UUID
	ObservationID *uuid.UUID
	Notes         string
}

// Confirm implements confirm(id, observation_id?, notes?): a terminal
// manual confirmation (spec §3.2 "active → confirmed").
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (model.Memory, error) {
	if err := e.exposure.RecordManualConfirmation(ctx, req.ID, req.ObservationID); err != nil {
		return model.Memory{}, fmt.Errorf("engine: confirm: %w", err)
	}
	if req.Notes != "" {
		if err := e.db.WriteNotification(ctx, "manual_confirmation", req.ID, req.Notes, nil); err != nil {
			e.logger.Warn("engine: write manual confirmation notification failed", "memory_id", req.ID, "error", err)
		}
	}
	return e.db.GetMemory(ctx, req.ID)
}

// ViolateRequest is the input to Violate (spec §6.1 violate).
type ViolateRequest struct {
	ID            uuid.UUID
	Condition     string
	ObservationID *uuid.UUID
	Notes         string
}

// Violate implements violate(id, condition, observation_id?, notes?): a
// manually asserted violation, run through the same side effects a
// judge-matched one would trigger.
func (e *Engine) Violate(ctx context.Context, req ViolateRequest) (model.Memory, error) {
	if req.Condition == "" {
		return model.Memory{}, fmt.Errorf("engine: validation: violate requires a condition")
	}
	if err := e.exposure.RecordManualViolation(ctx, req.ID, req.Condition, req.ObservationID); err != nil {
		return model.Memory{}, fmt.Errorf("engine: violate: %w", err)
	}
	if req.Notes != "" {
		if err := e.db.WriteNotification(ctx, "manual_violation", req.ID, req.Notes, nil); err != nil {
			e.logger.Warn("engine: write manual violation notification failed", "memory_id", req.ID, "error", err)
		}
	}
	return e.db.GetMemory(ctx, req.ID)
}

// RetractRequest is the input to Retract (spec §6.1 retract).
type RetractRequest struct {
	ID                      uuid.UUID
	Reason                  string
	CorrectingObservationID *uuid.UUID
}

// Retract implements retract(id, reason, correcting_observation_id?): marks
// the memory retracted and removes it from the vector index (spec invariant
// "discoverable in MEMORY index iff not retracted").
func (e *Engine) Retract(ctx context.Context, req RetractRequest, sessionID *uuid.UUID, requestID string) error {
	if req.Reason == "" {
		return fmt.Errorf("engine: validation: retract requires a reason")
	}
	if err := e.db.RetractMemory(ctx, req.ID, req.Reason, req.CorrectingObservationID, sessionID, requestID); err != nil {
		return fmt.Errorf("engine: retract: %w", err)
	}
	if err := e.index.DeleteMemory(ctx, req.ID); err != nil {
		e.logger.Warn("engine: purge retracted memory vectors failed", "memory_id", req.ID, "error", err)
	}
	return nil
}

// Find implements find(query, filter?, limit?, min_similarity?,
// include_retracted?) (spec §6.1).
func (e *Engine) Find(ctx context.Context, q model.FindQuery) ([]model.Memory, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	vec, err := e.embedder.Embed(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("engine: embed query: %w", err)
	}

	// The three FindFilter flags map 1:1 onto model.Kind's three values —
	// MemoryPointMetadata stores "type" as the full derived kind, so
	// predictions (time-bound thoughts) are filterable directly without a
	// client-side pass over a separate boolean field.
	var filter search.Filter
	switch {
	case q.Filter.ObservationsOnly:
		filter = search.Filter{"type": string(model.KindObservation)}
	case q.Filter.ThoughtsOnly:
		filter = search.Filter{"type": string(model.KindThought)}
	case q.Filter.PredictionsOnly:
		filter = search.Filter{"type": string(model.KindTimeBoundThought)}
	}

	matches, err := e.index.Memory.Query(ctx, vec, q.Limit, float32(q.MinSimilarity), filter)
	if err != nil {
		return nil, fmt.Errorf("engine: query memory index: %w", err)
	}

	out := make([]model.Memory, 0, q.Limit)
	for _, m := range matches {
		if len(out) >= q.Limit {
			break
		}
		id, err := uuid.Parse(m.ID)
		if err != nil {
			continue
		}
		mem, err := e.db.GetMemory(ctx, id)
		if err != nil {
			e.logger.Debug("engine: find candidate load failed", "memory_id", id, "error", err)
			continue
		}
		if mem.Retracted && !q.IncludeRetracted {
			continue
		}
		out = append(out, mem)
	}
	return out, nil
}

// Recall implements recall(id): a direct lookup.
func (e *Engine) Recall(ctx context.Context, id uuid.UUID) (model.Memory, error) {
	return e.db.GetMemory(ctx, id)
}

// Reference implements reference(id, up|down|both, depth): a bounded BFS
// over derived_from edges. "up" walks toward premises (what id derives
// from); "down" walks toward dependents (what derives from id).
func (e *Engine) Reference(ctx context.Context, id uuid.UUID, direction model.ReferenceDirection, depth int) ([]model.Memory, error) {
	if depth <= 0 {
		depth = 1
	}
	visited := map[uuid.UUID]bool{id: true}
	frontier := []uuid.UUID{id}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []uuid.UUID
		for _, nodeID := range frontier {
			if direction == model.ReferenceUp || direction == model.ReferenceBoth {
				edges, err := e.db.EdgesFrom(ctx, nodeID, []model.EdgeType{model.EdgeDerivedFrom})
				if err != nil {
					return nil, fmt.Errorf("engine: reference up edges: %w", err)
				}
				for _, edge := range edges {
					if !visited[edge.TargetID] {
						visited[edge.TargetID] = true
						next = append(next, edge.TargetID)
					}
				}
			}
			if direction == model.ReferenceDown || direction == model.ReferenceBoth {
				edges, err := e.db.EdgesTo(ctx, nodeID, []model.EdgeType{model.EdgeDerivedFrom})
				if err != nil {
					return nil, fmt.Errorf("engine: reference down edges: %w", err)
				}
				for _, edge := range edges {
					if !visited[edge.SourceID] {
						visited[edge.SourceID] = true
						next = append(next, edge.SourceID)
					}
				}
			}
		}
		frontier = next
	}
	delete(visited, id)

	ids := make([]uuid.UUID, 0, len(visited))
	for nodeID := range visited {
		ids = append(ids, nodeID)
	}
	return e.hydrateSorted(ctx, ids)
}

// Roots implements roots(id): walks the "up" (derives-from) direction to
// exhaustion, returning the observations id ultimately traces back to —
// graph roots never have outgoing derived_from edges (spec §3.2 invariant
// 1).
func (e *Engine) Roots(ctx context.Context, id uuid.UUID) ([]model.Memory, error) {
	rootIDs, err := e.rootIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.hydrateSorted(ctx, rootIDs)
}

// rootIDs walks derived_from edges from id up to exhaustion (no depth cap —
// the derivation graph is expected to be shallow and acyclic, spec §3.2),
// collecting nodes with no further outgoing derived_from edges.
func (e *Engine) rootIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	visited := map[uuid.UUID]bool{id: true}
	frontier := []uuid.UUID{id}
	var roots []uuid.UUID

	for len(frontier) > 0 {
		var next []uuid.UUID
		for _, nodeID := range frontier {
			edges, err := e.db.EdgesFrom(ctx, nodeID, []model.EdgeType{model.EdgeDerivedFrom})
			if err != nil {
				return nil, fmt.Errorf("engine: roots walk: %w", err)
			}
			if len(edges) == 0 {
				if nodeID != id {
					roots = append(roots, nodeID)
				}
				continue
			}
			for _, edge := range edges {
				if !visited[edge.TargetID] {
					visited[edge.TargetID] = true
					next = append(next, edge.TargetID)
				}
			}
		}
		frontier = next
	}
	return roots, nil
}

// Between implements between(ids[≥2], limit): the observations shared by
// every memory's root set — the common evidence the given beliefs ultimately
// trace back to.
func (e *Engine) Between(ctx context.Context, ids []uuid.UUID, limit int) ([]model.Memory, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("engine: validation: between requires at least 2 ids")
	}
	if limit <= 0 {
		limit = 20
	}

	common := map[uuid.UUID]int{}
	for _, id := range ids {
		roots, err := e.rootIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		seen := map[uuid.UUID]bool{}
		for _, r := range roots {
			if !seen[r] {
				seen[r] = true
				common[r]++
			}
		}
	}

	var shared []uuid.UUID
	for id, count := range common {
		if count == len(ids) {
			shared = append(shared, id)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i].String() < shared[j].String() })
	if len(shared) > limit {
		shared = shared[:limit]
	}
	return e.hydrateSorted(ctx, shared)
}

// Pending implements pending(overdue?): active time-bound thoughts, either
// only those past their deadline or all of them.
func (e *Engine) Pending(ctx context.Context, overdueOnly bool) ([]model.Memory, error) {
	if overdueOnly {
		return e.db.FindOverdueThoughts(ctx, time.Now().UTC())
	}
	return e.db.ListActivePredictions(ctx)
}

// InsightsResult is the response shape for insights(view) — exactly one of
// its fields is populated, matching the requested view.
type InsightsResult struct {
	Violations    []model.Notification
	StuckJobs     []model.Memory
	IntakeBacklog int64
	ZoneHealth    []ZoneHealthEntry
}

// ZoneHealthEntry is one memory's advisory neighborhood-quality snapshot
// (spec §4.5.4), sampled for insights(zone_health).
type ZoneHealthEntry struct {
	MemoryID   uuid.UUID
	QualityPct float64
	Balanced   bool
}

// insightsNotificationLimit and insightsStuckJobThreshold bound the
// violations and stuck_jobs views to a manageable response size.
const (
	insightsNotificationLimit = 50
	insightsStuckJobThreshold = 10 * time.Minute
	insightsZoneHealthSample  = 50
)

// ZoneHealthChecker is the slice of internal/exposure the zone_health view
// needs.
type ZoneHealthChecker interface {
	ZoneHealth(ctx context.Context, m uuid.UUID) (exposure.ZoneHealthResult, error)
}

// Insights implements insights(view) for violations and stuck_jobs. The
// zone_health view requires a ZoneHealthChecker (wired separately via
// InsightsZoneHealth) since it isn't part of this package's core
// dependencies.
func (e *Engine) Insights(ctx context.Context, view model.InsightsView) (InsightsResult, error) {
	switch view {
	case model.InsightsViolations:
		notifications, err := e.db.RecentNotifications(ctx, insightsNotificationLimit)
		if err != nil {
			return InsightsResult{}, fmt.Errorf("engine: insights violations: %w", err)
		}
		return InsightsResult{Violations: notifications}, nil

	case model.InsightsStuckJobs:
		stuck, err := e.db.StuckExposureChecks(ctx, insightsStuckJobThreshold)
		if err != nil {
			return InsightsResult{}, fmt.Errorf("engine: insights stuck_jobs: %w", err)
		}
		backlog, err := e.db.EstimatedIntakeBacklog(ctx)
		if err != nil {
			e.logger.Warn("engine: estimate intake backlog failed", "error", err)
		}
		return InsightsResult{StuckJobs: stuck, IntakeBacklog: backlog}, nil

	default:
		return InsightsResult{}, fmt.Errorf("engine: insights view %q requires InsightsZoneHealth", view)
	}
}

// InsightsZoneHealth implements insights(zone_health): a sampled advisory
// quality snapshot across non-observation memories, since a full-graph scan
// isn't bounded (spec §4.5.4 is purely advisory, so sampling — logged when
// it truncates — is an acceptable cost/coverage tradeoff).
func (e *Engine) InsightsZoneHealth(ctx context.Context, checker ZoneHealthChecker) (InsightsResult, error) {
	ids, err := e.db.AllNodeIDs(ctx)
	if err != nil {
		return InsightsResult{}, fmt.Errorf("engine: insights zone_health: %w", err)
	}
	mems, err := e.db.GetMemories(ctx, ids)
	if err != nil {
		return InsightsResult{}, fmt.Errorf("engine: insights zone_health hydrate: %w", err)
	}

	var sample []model.Memory
	for _, m := range mems {
		if !m.IsObservation() {
			sample = append(sample, m)
		}
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i].Centrality > sample[j].Centrality })
	if len(sample) > insightsZoneHealthSample {
		e.logger.Debug("engine: insights zone_health sample truncated", "total", len(sample), "sampled", insightsZoneHealthSample)
		sample = sample[:insightsZoneHealthSample]
	}

	entries := make([]ZoneHealthEntry, 0, len(sample))
	for _, m := range sample {
		q, err := checker.ZoneHealth(ctx, m.ID)
		if err != nil {
			e.logger.Debug("engine: zone health check failed", "memory_id", m.ID, "error", err)
			continue
		}
		entries = append(entries, ZoneHealthEntry{MemoryID: m.ID, QualityPct: q.QualityPct, Balanced: q.Balanced})
	}
	return InsightsResult{ZoneHealth: entries}, nil
}

// Stats is the response shape for stats() (spec §6.1).
type Stats struct {
	SystemStats model.SystemStats
	TotalCount  int
	ByState     map[model.State]int
	ByKind      map[model.Kind]int
}

// Stats implements stats(): the nightly-recomputed priors plus a live
// snapshot of memory counts by lifecycle state and logical kind.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	systemStats, err := e.db.GetSystemStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("engine: stats: %w", err)
	}

	ids, err := e.db.AllNodeIDs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("engine: stats: %w", err)
	}
	mems, err := e.db.GetMemories(ctx, ids)
	if err != nil {
		return Stats{}, fmt.Errorf("engine: stats hydrate: %w", err)
	}

	byState := map[model.State]int{}
	byKind := map[model.Kind]int{}
	for _, m := range mems {
		byState[m.State]++
		byKind[m.DeriveKind()]++
	}
	return Stats{SystemStats: systemStats, TotalCount: len(mems), ByState: byState, ByKind: byKind}, nil
}

// hydrateSorted loads memories by id and returns them sorted by id for
// deterministic response ordering.
func (e *Engine) hydrateSorted(ctx context.Context, ids []uuid.UUID) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	mems, err := e.db.GetMemories(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("engine: hydrate: %w", err)
	}
	out := make([]model.Memory, 0, len(mems))
	for _, m := range mems {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}
