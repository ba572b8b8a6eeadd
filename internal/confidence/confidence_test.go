package confidence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/DigiBugCat/noesis/internal/model"
)

func TestEvidenceWeightClampsAndSaturates(t *testing.T) {
	assert.InDelta(t, 0.0, EvidenceWeight(0, 10), 1e-9)
	w := EvidenceWeight(10, 10)
	assert.InDelta(t, 1.0, w, 1e-9)
	assert.Greater(t, EvidenceWeight(5, 10), EvidenceWeight(1, 10))
}

func TestEvidenceWeightDefaultsMaxTimesTested(t *testing.T) {
	a := EvidenceWeight(5, 0)
	b := EvidenceWeight(5, model.DefaultMaxTimesTested)
	assert.Equal(t, a, b)
}

func TestEarnedFloorsTimesTestedAtOne(t *testing.T) {
	assert.Equal(t, 0.0, Earned(0, 0))
	assert.Equal(t, 1.0, Earned(1, 1))
	assert.Equal(t, 0.5, Earned(1, 2))
}

func TestLocalBlendsTowardEarnedAsTestsAccumulate(t *testing.T) {
	// Untested: local should sit very close to the prior.
	untested := Local(0.75, 0, 0, 10)
	assert.InDelta(t, 0.75, untested, 1e-9)

	// Heavily tested and confirmed every time: local should approach 1.0,
	// regardless of a low starting prior.
	tested := Local(0.1, 10, 10, 10)
	assert.Greater(t, tested, 0.9)
}

func TestEffectiveWithoutPropagatedIsLocal(t *testing.T) {
	assert.Equal(t, 0.42, Effective(0.42, nil))
}

func TestEffectiveBlendsSixtyForty(t *testing.T) {
	p := 0.9
	got := Effective(0.5, &p)
	assert.InDelta(t, 0.6*0.9+0.4*0.5, got, 1e-9)
}

func TestEffectiveClampsToUnitInterval(t *testing.T) {
	p := 1.5
	assert.Equal(t, 1.0, Effective(2.0, &p))
}

func TestRobustnessTiers(t *testing.T) {
	assert.Equal(t, Untested, Robustness(0, 0.9))
	assert.Equal(t, Untested, Robustness(UntestedMax-1, 0.9))
	assert.Equal(t, Brittle, Robustness(UntestedMax, 0.9))
	assert.Equal(t, Brittle, Robustness(BrittleMax-1, 0.9))
	assert.Equal(t, Robust, Robustness(BrittleMax, RobustMin))
	assert.Equal(t, Tested, Robustness(BrittleMax, RobustMin-0.01))
}

func TestDamageLevelThreshold(t *testing.T) {
	assert.Equal(t, model.DamagePeripheral, DamageLevel(5))
	assert.Equal(t, model.DamageCore, DamageLevel(6))
}

func TestScorePenalizesIncorrectAndSuperseded(t *testing.T) {
	base := Score(0.8, 0.5, model.StateActive, nil)
	assert.InDelta(t, 0.8*(1+0.25), base, 1e-9)

	incorrect := model.OutcomeIncorrect
	penalized := Score(0.8, 0.5, model.StateResolved, &incorrect)
	assert.InDelta(t, base*0.3, penalized, 1e-9)

	correct := model.OutcomeCorrect
	notPenalized := Score(0.8, 0.5, model.StateResolved, &correct)
	assert.InDelta(t, base, notPenalized, 1e-9)
}

func TestStartingConfidenceUsesSourcePriorsThenFallback(t *testing.T) {
	market := model.SourceMarket
	draft := model.Draft{Source: &market}

	withStats := StartingConfidence(draft, model.SystemStats{SourcePriors: map[model.Source]float64{model.SourceMarket: 0.9}})
	assert.Equal(t, 0.9, withStats)

	withoutStats := StartingConfidence(draft, model.SystemStats{})
	assert.Equal(t, 0.75, withoutStats)
}

func TestStartingConfidenceForThoughtsAndPredictions(t *testing.T) {
	thought := StartingConfidence(model.Draft{DerivedFrom: []uuid.UUID{uuid.New()}}, model.SystemStats{})
	assert.Equal(t, model.ThoughtStartingConfidence, thought)

	deadline := int64(1_700_000_000_000)
	prediction := StartingConfidence(model.Draft{ResolvesBy: &deadline}, model.SystemStats{})
	assert.Equal(t, model.TimeBoundStartingConfidence, prediction)
}

func TestMaxTimesTestedDefaultsWhenAbsent(t *testing.T) {
	assert.Equal(t, model.DefaultMaxTimesTested, MaxTimesTested(model.SystemStats{}))
	assert.Equal(t, 42, MaxTimesTested(model.SystemStats{MaxTimesTested: 42}))
}
