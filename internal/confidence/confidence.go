// Package confidence implements the Subjective Logic confidence blend and
// the derived scoring/robustness functions used throughout the engine
// (spec §4.3). Every function here is pure: no I/O, no store access. Callers
// supply the memory fields and system stats already loaded.
package confidence

import (
	"math"

	"github.com/DigiBugCat/noesis/internal/model"
)

// RobustnessTier is a coarse label of a memory's testing maturity.
type RobustnessTier string

const (
	Untested RobustnessTier = "untested"
	Brittle  RobustnessTier = "brittle"
	Tested   RobustnessTier = "tested"
	Robust   RobustnessTier = "robust"
)

// Robustness tier thresholds (spec §4.3 defaults).
const (
	UntestedMax = 3  // times_tested < U ⇒ untested
	BrittleMax  = 10 // times_tested < B ⇒ brittle
	RobustMin   = 0.7
)

// clamp01 restricts x to [0,1].
func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// EvidenceWeight is how much earned evidence should outweigh the prior as a
// memory accumulates tests, saturating logarithmically at M (max_times_tested
// from system stats, default 10 when absent).
//
//	evidence_weight(t) = log(t+1) / log(M+1), clamped to [0,1]
func EvidenceWeight(timesTested, maxTimesTested int) float64 {
	if maxTimesTested <= 0 {
		maxTimesTested = model.DefaultMaxTimesTested
	}
	w := math.Log(float64(timesTested)+1) / math.Log(float64(maxTimesTested)+1)
	return clamp01(w)
}

// Earned is the observed survival rate under exposure: confirmations over
// tests, with times_tested floored at 1 to avoid division by zero on an
// untested memory.
func Earned(confirmations, timesTested int) float64 {
	denom := timesTested
	if denom < 1 {
		denom = 1
	}
	return float64(confirmations) / float64(denom)
}

// Local blends the prior (starting_confidence) with earned evidence,
// weighted by EvidenceWeight. This is the memory's own, graph-unaware
// confidence.
func Local(startingConfidence float64, confirmations, timesTested, maxTimesTested int) float64 {
	w := EvidenceWeight(timesTested, maxTimesTested)
	return clamp01(startingConfidence*(1-w) + Earned(confirmations, timesTested)*w)
}

// propagatedWeight and localWeight blend a memory's graph-propagated
// confidence with its local confidence at a fixed 0.6/0.4 ratio (spec §4.3,
// §GLOSSARY "Propagated confidence").
const (
	propagatedWeight = 0.6
	localWeight      = 0.4
)

// Effective is the confidence a caller should actually treat as current: the
// local confidence alone when no graph-propagated value exists yet, else a
// 0.6/0.4 blend favoring the propagated (graph-aware) value.
func Effective(local float64, propagated *float64) float64 {
	if propagated == nil {
		return clamp01(local)
	}
	return clamp01(propagatedWeight*(*propagated) + localWeight*local)
}

// Robustness classifies a memory's testing maturity. Untested/brittle are
// purely a function of times_tested; tested/robust additionally require
// knowing whether the memory has earned its keep (effective >= RobustMin).
func Robustness(timesTested int, effective float64) RobustnessTier {
	switch {
	case timesTested < UntestedMax:
		return Untested
	case timesTested < BrittleMax:
		return Brittle
	case effective >= RobustMin:
		return Robust
	default:
		return Tested
	}
}

// DamageLevel classifies a memory's structural importance from its
// centrality (spec §4.3, §GLOSSARY). Re-exported from model for callers that
// only import this package.
func DamageLevel(centrality int) model.DamageLevel {
	return model.DamageLevelFor(centrality)
}

// penalizedOutcomes are the resolved outcomes that discount a memory's
// relevance score — it was resolved, and resolved wrongly or superseded
// (spec §4.3, §9 re: outcome=superseded being scored but externally set).
var penalizedOutcomes = map[model.Outcome]bool{
	model.OutcomeIncorrect:  true,
	model.OutcomeSuperseded: true,
}

const penaltyMultiplier = 0.3

// Score ranks a candidate match by combining raw similarity with the
// memory's effective confidence, then discounting memories that were
// resolved incorrectly or superseded — a high-similarity match against a
// discredited belief should rank below an equally-similar, untarnished one.
//
//	score(m, sim) = sim * (1 + effective*0.5)
//	score *= 0.3   if state == resolved && outcome in {incorrect, superseded}
func Score(sim, effective float64, state model.State, outcome *model.Outcome) float64 {
	s := sim * (1 + effective*0.5)
	if state == model.StateResolved && outcome != nil && penalizedOutcomes[*outcome] {
		s *= penaltyMultiplier
	}
	return s
}

// StartingConfidence picks the prior used at creation time: per-source
// priors (falling back to model.DefaultSourcePriors) for observations, and
// fixed constants for thoughts and predictions (spec §4.3).
func StartingConfidence(d model.Draft, stats model.SystemStats) float64 {
	if d.Source != nil {
		if stats.SourcePriors != nil {
			if p, ok := stats.SourcePriors[*d.Source]; ok {
				return p
			}
		}
		if p, ok := model.DefaultSourcePriors[*d.Source]; ok {
			return p
		}
		return 0.5
	}
	if d.ResolvesBy != nil {
		return model.TimeBoundStartingConfidence
	}
	return model.ThoughtStartingConfidence
}

// MaxTimesTested reads the system-stats ceiling, applying the spec's
// default when stats have never been computed.
func MaxTimesTested(stats model.SystemStats) int {
	if stats.MaxTimesTested <= 0 {
		return model.DefaultMaxTimesTested
	}
	return stats.MaxTimesTested
}
