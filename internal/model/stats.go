package model

// SystemStats holds the nightly-recomputed key/value aggregates consumed by
// the confidence engine (spec §3.1, §4.3). Keys are stable strings so the
// store can persist them as simple rows without a bespoke schema per stat.
type SystemStats struct {
	MaxTimesTested    int
	MedianTimesTested float64
	// SourcePriors holds the empirical confirmation rate observed per
	// observation source, used as the starting_confidence prior for new
	// observations from that source (spec §4.3, §SPEC_FULL §3).
	SourcePriors map[Source]float64
}

// DefaultSourcePriors are the fallback priors used when system stats have no
// track record yet for a source (spec §4.3).
var DefaultSourcePriors = map[Source]float64{
	SourceMarket:   0.75,
	SourceTool:     0.70,
	SourceEarnings: 0.70,
	SourceNews:     0.55,
	SourceEmail:    0.50,
	SourceHuman:    0.50,
}

// DefaultMaxTimesTested is used when system stats have not yet been computed
// (spec §4.3, "M ... default 10 if absent").
const DefaultMaxTimesTested = 10

// ThoughtStartingConfidence and TimeBoundStartingConfidence are the fixed
// priors for non-observation memories (spec §4.3).
const (
	ThoughtStartingConfidence    = 0.40
	TimeBoundStartingConfidence  = 0.35
)
