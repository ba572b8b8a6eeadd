package judge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResult_CleanJSON(t *testing.T) {
	r := ParseResult(`{"matches": true, "confidence": 0.92, "reasoning": "direct evidence"}`)
	assert.True(t, r.Matches)
	assert.Equal(t, 0.92, r.Confidence)
	assert.Equal(t, "direct evidence", r.Reasoning)
}

func TestParseResult_ExtractsJSONFromSurroundingProse(t *testing.T) {
	body := "Sure, here's my answer:\n```json\n{\"matches\": false, \"confidence\": 0.1, \"relevantButNotViolation\": true}\n```\nLet me know if you need more."
	r := ParseResult(body)
	assert.False(t, r.Matches)
	assert.Equal(t, 0.1, r.Confidence)
	assert.True(t, r.RelevantButNotViolation)
}

func TestParseResult_UnparsableFallsBackToSafeNonMatch(t *testing.T) {
	r := ParseResult("I cannot determine this.")
	assert.Equal(t, Result{Matches: false, Confidence: 0}, r)
}

func TestParseResult_TrimsWhitespaceBeforeWholeBodyParse(t *testing.T) {
	r := ParseResult("  \n\t{\"matches\": true, \"confidence\": 0.5}\n  ")
	assert.True(t, r.Matches)
	assert.Equal(t, 0.5, r.Confidence)
}

func TestFormatPrompt_InvalidatesIncludesFourRulesAndContract(t *testing.T) {
	prompt := formatPrompt(Input{Kind: KindInvalidates, Condition: "the service is down", CandidateText: "the service recovered at 10am"})
	assert.Contains(t, prompt, "Invalidation condition: the service is down")
	assert.Contains(t, prompt, "the service recovered at 10am")
	assert.Contains(t, prompt, "ENTITY:")
	assert.Contains(t, prompt, "PROOF:")
	assert.Contains(t, prompt, "DIRECTIONAL PRECISION:")
	assert.Contains(t, prompt, "THRESHOLD:")
	assert.Contains(t, prompt, "relevantButNotViolation=true")
	assert.Contains(t, prompt, `"matches": bool`)
}

func TestFormatPrompt_AssumesAndConfirmsUseDistinctFraming(t *testing.T) {
	assumes := formatPrompt(Input{Kind: KindAssumes, Condition: "the vendor API stays available", CandidateText: "vendor API deprecated"})
	assert.Contains(t, assumes, "Assumption: the vendor API stays available")
	assert.Contains(t, assumes, "undermines an assumption")

	confirms := formatPrompt(Input{Kind: KindConfirms, Condition: "latency drops below 100ms", CandidateText: "measured p99 at 80ms"})
	assert.Contains(t, confirms, "Confirmation condition: latency drops below 100ms")
	assert.Contains(t, confirms, "confirms a prediction")
}

func TestNewOpenAIJudge_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIJudge("", "gpt-4o-mini")
	require.Error(t, err)
}

func TestNewOpenAIJudge_DefaultsModel(t *testing.T) {
	j, err := NewOpenAIJudge("sk-test", "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", j.model)
}

func TestNoopJudge_AlwaysNonMatch(t *testing.T) {
	r, err := NoopJudge{}.Judge(context.Background(), Input{Kind: KindInvalidates, Condition: "x", CandidateText: "y"})
	require.NoError(t, err)
	assert.Equal(t, Result{Matches: false, Confidence: 0}, r)
}
