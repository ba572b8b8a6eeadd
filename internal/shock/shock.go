// Package shock implements damped confidence propagation over the support
// graph with contradiction-edge injection and spectral-radius backtracking
// (spec §4.6). The propagator never touches the store directly; it depends
// on the small Store interface below so it can be unit tested against an
// in-memory fake.
package shock

import (
	"context"
	"fmt"
	"math/cmplx"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gonum.org/v1/gonum/mat"

	"github.com/DigiBugCat/noesis/internal/confidence"
	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/telemetry"
)

// shockRuns and shockDuration count and time every ApplyShock invocation
// (spec §1 ambient telemetry), the same meter-at-package-init pattern used
// across internal/embedding, internal/judge, and internal/exposure.
var (
	shockRuns     = newShockCounter()
	shockDuration = newShockDurationHistogram()
)

func newShockCounter() metric.Int64Counter {
	meter := telemetry.Meter("noesis/shock")
	c, _ := meter.Int64Counter("noesis.shock.runs", metric.WithDescription("ApplyShock invocations"))
	return c
}

func newShockDurationHistogram() metric.Float64Histogram {
	meter := telemetry.Meter("noesis/shock")
	h, _ := meter.Float64Histogram("noesis.shock.duration",
		metric.WithDescription("Time to propagate one ApplyShock run (ms)"),
		metric.WithUnit("ms"),
	)
	return h
}

func recordShockRun(ctx context.Context, damage model.DamageLevel, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("damage_level", string(damage)),
		attribute.String("status", status),
	)
	if shockRuns != nil {
		shockRuns.Add(ctx, 1, attrs)
	}
	if shockDuration != nil {
		shockDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}

// Constants from spec §4.6.
const (
	MaxHops              = 2
	Alpha                = 0.6  // damping
	Eta                  = 0.8  // contradiction weight
	MinStrength          = 0.1
	ContradictionInjectRatio = 0.3 // ρ
	ConvergenceEps       = 1e-3
	MaxIterations        = 20
	MaxBacktrack         = 5

	coreShockMagnitude       = 1.0
	peripheralShockMagnitude = 0.4
)

// NodeState is the subset of a memory's confidence state the propagator
// needs to compute its prior (local) confidence and to know whether it is
// a read-only carrier (seed or observation).
type NodeState struct {
	ID                   uuid.UUID
	StartingConfidence   float64
	Confirmations        int
	TimesTested          int
	PropagatedConfidence *float64
	IsObservation        bool
	Retracted            bool
}

// SupportEdge is a derived_from/confirmed_by edge, directed From -> To.
type SupportEdge struct {
	From, To uuid.UUID
	Strength float64
}

// ContradictionEdge is a violated_by edge, directed From (the violating
// observation or injected shock source) -> To (the violated memory).
type ContradictionEdge struct {
	From, To uuid.UUID
	Strength float64
}

// Store is the storage-layer dependency the propagator needs. Implemented
// by internal/storage in production and by an in-memory fake in tests.
type Store interface {
	// Neighborhood returns the BFS node set reachable from seed within
	// maxHops over support edges with strength >= minStrength, seed
	// included.
	Neighborhood(ctx context.Context, seed uuid.UUID, maxHops int, minStrength float64) ([]uuid.UUID, error)
	// AllNodeIDs returns every non-retracted memory id, used by the C10
	// nightly whole-graph propagation pass (spec §4.10 daily step b).
	AllNodeIDs(ctx context.Context) ([]uuid.UUID, error)
	LoadNodes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]NodeState, error)
	// SupportEdgesAmong returns derived_from/confirmed_by edges whose
	// endpoints are both in ids.
	SupportEdgesAmong(ctx context.Context, ids []uuid.UUID) ([]SupportEdge, error)
	// OutgoingSupportEdges returns derived_from/confirmed_by edges with
	// From == id, to any target (used to allocate contradiction injection).
	OutgoingSupportEdges(ctx context.Context, id uuid.UUID) ([]SupportEdge, error)
	// ContradictionEdgesAmong returns violated_by edges whose endpoints
	// are both in ids.
	ContradictionEdgesAmong(ctx context.Context, ids []uuid.UUID) ([]ContradictionEdge, error)
	// UpsertContradictionEdge merges (adds, clamped to 1) strength into the
	// violated_by edge from->to, creating it if absent.
	UpsertContradictionEdge(ctx context.Context, from, to uuid.UUID, strength float64) error
	WritePropagatedConfidence(ctx context.Context, id uuid.UUID, value float64) error
	MaxTimesTested(ctx context.Context) (int, error)
}

// AffectedMemory is one entry of a Result's top-affected list.
type AffectedMemory struct {
	ID            uuid.UUID
	PriorValue    float64
	NewValue      float64
	ConfidenceDrop float64 // PriorValue - NewValue, may be negative (a rise).
}

// Result summarizes one apply_shock run (spec §4.6 step 7).
type Result struct {
	AffectedCount     int
	MaxConfidenceDrop float64
	TopAffected       []AffectedMemory
	Iterations        int
	SpectralRadius    float64
	BacktrackAttempts int
}

const topAffectedLimit = 25

// Propagator runs apply_shock over a Store.
type Propagator struct {
	store Store
}

// New returns a Propagator backed by store.
func New(store Store) *Propagator {
	return &Propagator{store: store}
}

// ApplyShock runs the full 2-hop damped update described in spec §4.6: it
// gathers the seed's neighborhood, injects contradiction edges proportional
// to the seed's outgoing support fan-out, backtracks the injection until the
// spectral radius of the damped update operator is provably < 1, iterates the
// damped update to convergence, and writes propagated_confidence for every
// node whose value moved.
func (p *Propagator) ApplyShock(ctx context.Context, seed uuid.UUID, damage model.DamageLevel) (result Result, err error) {
	start := time.Now()
	defer func() { recordShockRun(ctx, damage, start, err) }()

	neighborhood, err := p.store.Neighborhood(ctx, seed, MaxHops, MinStrength)
	if err != nil {
		return Result{}, fmt.Errorf("shock: neighborhood: %w", err)
	}
	nodes, err := p.store.LoadNodes(ctx, neighborhood)
	if err != nil {
		return Result{}, fmt.Errorf("shock: load nodes: %w", err)
	}

	outgoing, err := p.store.OutgoingSupportEdges(ctx, seed)
	if err != nil {
		return Result{}, fmt.Errorf("shock: outgoing support edges: %w", err)
	}
	if err := p.injectContradictions(ctx, seed, damage, outgoing); err != nil {
		return Result{}, fmt.Errorf("shock: inject contradictions: %w", err)
	}

	maxTimesTested, err := p.store.MaxTimesTested(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("shock: max times tested: %w", err)
	}

	supportEdges, err := p.store.SupportEdgesAmong(ctx, neighborhood)
	if err != nil {
		return Result{}, fmt.Errorf("shock: support edges: %w", err)
	}

	order := make([]uuid.UUID, 0, len(neighborhood))
	for _, id := range neighborhood {
		if _, ok := nodes[id]; ok {
			order = append(order, id)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].String() < order[j].String() })

	updatable := make([]uuid.UUID, 0, len(order))
	for _, id := range order {
		n := nodes[id]
		if id == seed || n.IsObservation || n.Retracted {
			continue
		}
		updatable = append(updatable, id)
	}

	injectedEdges, err := p.store.ContradictionEdgesAmong(ctx, neighborhood)
	if err != nil {
		return Result{}, fmt.Errorf("shock: contradiction edges: %w", err)
	}

	spectralRadius, backtracks, err := p.backtrackForSafety(ctx, seed, updatable, supportEdges, injectedEdges)
	if err != nil {
		return Result{}, fmt.Errorf("shock: spectral safety: %w", err)
	}

	// Reload contradiction edges after any backtracking halved them.
	contradictionEdges, err := p.store.ContradictionEdgesAmong(ctx, neighborhood)
	if err != nil {
		return Result{}, fmt.Errorf("shock: reload contradiction edges: %w", err)
	}

	priors := make(map[uuid.UUID]float64, len(order))
	for _, id := range order {
		n := nodes[id]
		priors[id] = confidence.Local(n.StartingConfidence, n.Confirmations, n.TimesTested, maxTimesTested)
	}

	current := make(map[uuid.UUID]float64, len(order))
	for id, v := range priors {
		current[id] = v
	}

	current, iterations := iterateDamped(priors, updatable, supportEdges, contradictionEdges)

	affected, maxDrop, err := p.writeChanges(ctx, nodes, priors, updatable, current)
	if err != nil {
		return Result{}, err
	}

	return Result{
		AffectedCount:     len(affected),
		MaxConfidenceDrop: maxDrop,
		TopAffected:       affected,
		Iterations:        iterations,
		SpectralRadius:    spectralRadius,
		BacktrackAttempts: backtracks,
	}, nil
}

// PropagateGlobal runs the C10 nightly whole-graph propagation pass (spec
// §4.10 daily step b): the same damped update equations as ApplyShock,
// applied across every non-retracted memory instead of one seed's 2-hop
// neighborhood, with no contradiction injection — it only redistributes
// shock already recorded on existing violated_by edges from the day's
// activity, rather than manufacturing new ones.
func (p *Propagator) PropagateGlobal(ctx context.Context) (Result, error) {
	ids, err := p.store.AllNodeIDs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("shock: all node ids: %w", err)
	}
	nodes, err := p.store.LoadNodes(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("shock: load nodes: %w", err)
	}
	maxTimesTested, err := p.store.MaxTimesTested(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("shock: max times tested: %w", err)
	}
	supportEdges, err := p.store.SupportEdgesAmong(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("shock: support edges: %w", err)
	}
	contradictionEdges, err := p.store.ContradictionEdgesAmong(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("shock: contradiction edges: %w", err)
	}

	order := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := nodes[id]; ok {
			order = append(order, id)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].String() < order[j].String() })

	updatable := make([]uuid.UUID, 0, len(order))
	priors := make(map[uuid.UUID]float64, len(order))
	for _, id := range order {
		n := nodes[id]
		priors[id] = confidence.Local(n.StartingConfidence, n.Confirmations, n.TimesTested, maxTimesTested)
		if n.IsObservation || n.Retracted {
			continue
		}
		updatable = append(updatable, id)
	}

	current, iterations := iterateDamped(priors, updatable, supportEdges, contradictionEdges)

	affected, maxDrop, err := p.writeChanges(ctx, nodes, priors, updatable, current)
	if err != nil {
		return Result{}, err
	}

	return Result{
		AffectedCount:     len(affected),
		MaxConfidenceDrop: maxDrop,
		TopAffected:       affected,
		Iterations:        iterations,
	}, nil
}

// iterateDamped runs the spec §4.6 damped update to convergence (or
// MaxIterations) over updatable, starting each node at its prior.
func iterateDamped(priors map[uuid.UUID]float64, updatable []uuid.UUID, supportEdges []SupportEdge, contradictionEdges []ContradictionEdge) (map[uuid.UUID]float64, int) {
	current := make(map[uuid.UUID]float64, len(priors))
	for id, v := range priors {
		current[id] = v
	}

	incomingSupport := indexByTarget(supportEdges)
	incomingContradiction := indexByTargetContradiction(contradictionEdges)

	iterations := 0
	for iterations < MaxIterations {
		next := make(map[uuid.UUID]float64, len(updatable))
		maxChange := 0.0
		for _, id := range updatable {
			support := weightedAverage(incomingSupport[id], current)
			contradiction := weightedAverageContradiction(incomingContradiction[id], current)
			v := (1-Alpha)*priors[id] + Alpha*(support-Eta*contradiction)
			v = clamp01(v)
			next[id] = v
			if d := abs(v - current[id]); d > maxChange {
				maxChange = d
			}
		}
		for id, v := range next {
			current[id] = v
		}
		iterations++
		if maxChange < ConvergenceEps {
			break
		}
	}
	return current, iterations
}

// writeChanges persists every updatable node whose value moved and builds
// the Result's affected-memory summary (spec §4.6 step 7).
func (p *Propagator) writeChanges(ctx context.Context, nodes map[uuid.UUID]NodeState, priors map[uuid.UUID]float64, updatable []uuid.UUID, current map[uuid.UUID]float64) ([]AffectedMemory, float64, error) {
	var affected []AffectedMemory
	maxDrop := 0.0
	for _, id := range updatable {
		n := nodes[id]
		baseline := priors[id]
		if n.PropagatedConfidence != nil {
			baseline = *n.PropagatedConfidence
		}
		newVal := current[id]
		if abs(newVal-baseline) <= 1e-6 {
			continue
		}
		if err := p.store.WritePropagatedConfidence(ctx, id, newVal); err != nil {
			return nil, 0, fmt.Errorf("shock: write propagated confidence %s: %w", id, err)
		}
		drop := baseline - newVal
		if drop > maxDrop {
			maxDrop = drop
		}
		affected = append(affected, AffectedMemory{ID: id, PriorValue: baseline, NewValue: newVal, ConfidenceDrop: drop})
	}

	sort.Slice(affected, func(i, j int) bool { return affected[i].ConfidenceDrop > affected[j].ConfidenceDrop })
	if len(affected) > topAffectedLimit {
		affected = affected[:topAffectedLimit]
	}
	return affected, maxDrop, nil
}

// injectContradictions allocates ρ·shock proportionally across the seed's
// outgoing support edges and upserts a violated_by edge for each allocation
// that clears MinStrength (spec §4.6 step 4).
func (p *Propagator) injectContradictions(ctx context.Context, seed uuid.UUID, damage model.DamageLevel, outgoing []SupportEdge) error {
	if len(outgoing) == 0 {
		return nil // no outgoing support edges: shock is a no-op on the store (spec §8).
	}
	shock := peripheralShockMagnitude
	if damage == model.DamageCore {
		shock = coreShockMagnitude
	}
	var sumW float64
	for _, e := range outgoing {
		sumW += e.Strength
	}
	if sumW <= 0 {
		return nil
	}
	for _, e := range outgoing {
		inj := ContradictionInjectRatio * shock * (e.Strength / sumW)
		if inj < MinStrength {
			continue
		}
		if err := p.store.UpsertContradictionEdge(ctx, seed, e.To, inj); err != nil {
			return err
		}
	}
	return nil
}

// backtrackForSafety estimates the spectral radius of the damped update
// operator restricted to updatable nodes and halves injected contradiction
// strengths until it drops below 1 or MaxBacktrack is exhausted (spec §4.6
// step 5).
func (p *Propagator) backtrackForSafety(ctx context.Context, seed uuid.UUID, updatable []uuid.UUID, supportEdges []SupportEdge, contradictionEdges []ContradictionEdge) (float64, int, error) {
	radius := spectralRadius(updatable, supportEdges, contradictionEdges)
	attempts := 0
	for radius >= 1 && attempts < MaxBacktrack {
		if err := p.halveInjectedContradictions(ctx, seed, contradictionEdges); err != nil {
			return radius, attempts, err
		}
		reloaded, err := p.store.ContradictionEdgesAmong(ctx, idsOf(updatable, seed))
		if err != nil {
			return radius, attempts, err
		}
		contradictionEdges = reloaded
		radius = spectralRadius(updatable, supportEdges, contradictionEdges)
		attempts++
	}
	return radius, attempts, nil
}

func (p *Propagator) halveInjectedContradictions(ctx context.Context, seed uuid.UUID, edges []ContradictionEdge) error {
	for _, e := range edges {
		if e.From != seed {
			continue
		}
		// UpsertContradictionEdge merges by addition, so to halve we inject
		// the negative of half the current strength.
		if err := p.store.UpsertContradictionEdge(ctx, e.From, e.To, -e.Strength/2); err != nil {
			return err
		}
	}
	return nil
}

func idsOf(updatable []uuid.UUID, seed uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(updatable)+1)
	out = append(out, seed)
	out = append(out, updatable...)
	return out
}

// spectralRadius estimates ρ(α·Â⁺ − η·Â⁻) over the updatable node set, where
// Â⁺/Â⁻ are row-normalized adjacency matrices built only from edges whose
// both endpoints are updatable (spec §4.6 step 5).
func spectralRadius(updatable []uuid.UUID, supportEdges []SupportEdge, contradictionEdges []ContradictionEdge) float64 {
	n := len(updatable)
	if n == 0 {
		return 0
	}
	index := make(map[uuid.UUID]int, n)
	for i, id := range updatable {
		index[id] = i
	}

	support := rowNormalized(n, index, supportPairs(supportEdges))
	contradiction := rowNormalized(n, index, contradictionPairs(contradictionEdges))

	m := mat.NewDense(n, n, nil)
	m.Scale(Alpha, support)
	scaledContra := mat.NewDense(n, n, nil)
	scaledContra.Scale(Eta, contradiction)
	m.Sub(m, scaledContra)

	var eig mat.Eigen
	if !eig.Factorize(m, mat.EigenNone) {
		return 1 // factorization failure: treat as unsafe, forces a backtrack.
	}
	values := eig.Values(nil)
	var maxAbs float64
	for _, v := range values {
		if a := cmplx.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	return maxAbs
}

type weightedPair struct {
	from, to int
	weight   float64
}

func supportPairs(edges []SupportEdge) func(map[uuid.UUID]int) []weightedPair {
	return func(index map[uuid.UUID]int) []weightedPair {
		var out []weightedPair
		for _, e := range edges {
			fi, fok := index[e.From]
			ti, tok := index[e.To]
			if fok && tok {
				out = append(out, weightedPair{from: fi, to: ti, weight: e.Strength})
			}
		}
		return out
	}
}

func contradictionPairs(edges []ContradictionEdge) func(map[uuid.UUID]int) []weightedPair {
	return func(index map[uuid.UUID]int) []weightedPair {
		var out []weightedPair
		for _, e := range edges {
			fi, fok := index[e.From]
			ti, tok := index[e.To]
			if fok && tok {
				out = append(out, weightedPair{from: fi, to: ti, weight: e.Strength})
			}
		}
		return out
	}
}

// rowNormalized builds an n x n dense matrix from pairs(from -> to, weight),
// normalizing each row (by target, i.e. each row is the incoming-edge
// distribution for that node) to sum to 1.
func rowNormalized(n int, index map[uuid.UUID]int, pairs func(map[uuid.UUID]int) []weightedPair) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	rowSums := make([]float64, n)
	for _, pr := range pairs(index) {
		m.Set(pr.to, pr.from, m.At(pr.to, pr.from)+pr.weight)
		rowSums[pr.to] += pr.weight
	}
	for i := 0; i < n; i++ {
		if rowSums[i] <= 0 {
			continue
		}
		for j := 0; j < n; j++ {
			if v := m.At(i, j); v != 0 {
				m.Set(i, j, v/rowSums[i])
			}
		}
	}
	return m
}

func indexByTarget(edges []SupportEdge) map[uuid.UUID][]SupportEdge {
	out := make(map[uuid.UUID][]SupportEdge)
	for _, e := range edges {
		out[e.To] = append(out[e.To], e)
	}
	return out
}

func indexByTargetContradiction(edges []ContradictionEdge) map[uuid.UUID][]ContradictionEdge {
	out := make(map[uuid.UUID][]ContradictionEdge)
	for _, e := range edges {
		out[e.To] = append(out[e.To], e)
	}
	return out
}

func weightedAverage(edges []SupportEdge, current map[uuid.UUID]float64) float64 {
	var sumW, sumWV float64
	for _, e := range edges {
		v, ok := current[e.From]
		if !ok {
			continue
		}
		sumW += e.Strength
		sumWV += e.Strength * v
	}
	if sumW <= 0 {
		return 0
	}
	return sumWV / sumW
}

func weightedAverageContradiction(edges []ContradictionEdge, current map[uuid.UUID]float64) float64 {
	var sumW, sumWV float64
	for _, e := range edges {
		v, ok := current[e.From]
		if !ok {
			continue
		}
		sumW += e.Strength
		sumWV += e.Strength * v
	}
	if sumW <= 0 {
		return 0
	}
	return sumWV / sumW
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
