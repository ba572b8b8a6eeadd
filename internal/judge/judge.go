// Package judge provides the judge() half of C4's provider interface (spec
// §4.4): judge(prompt, schema) -> {matches, confidence, reasoning?,
// relevantButNotViolation?}, with the same 2-attempt/100ms-base retry curve
// as C4's embed() half, and the three fixed invalidates_if/assumes/confirms_if
// prompt templates from spec §6.3. Grounded on the teacher's
// internal/conflicts/validator.go (prompt formatting, parse-with-fallback,
// HTTP-backed LLM call, retry/backoff), adapted from its freeform
// RELATIONSHIP/CATEGORY/SEVERITY line format to the spec's strict single
// JSON object.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/DigiBugCat/noesis/internal/telemetry"
)

// retryAttempts and retryBaseDelay mirror C4's embed() retry curve (spec
// §4.4: "2 attempts, 100ms base").
const (
	retryAttempts  = 2
	retryBaseDelay = 100 * time.Millisecond
)

// judgeDuration records judge-call latency (spec §1 ambient telemetry),
// mirroring internal/embedding's package-level histogram so both halves of
// C4's provider interface report the same way.
var judgeDuration = newJudgeDurationHistogram()

func newJudgeDurationHistogram() metric.Float64Histogram {
	meter := telemetry.Meter("noesis/judge")
	h, _ := meter.Float64Histogram("noesis.judge.duration",
		metric.WithDescription("Time to judge a candidate against a condition (ms)"),
		metric.WithUnit("ms"),
	)
	return h
}

func recordJudgeDuration(ctx context.Context, kind Kind, start time.Time, err error) {
	if judgeDuration == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	judgeDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("status", status),
		),
	)
}

// Kind selects which of the three fixed prompt templates to render (spec
// §6.3). Assumes is checked during exposure checking the same way
// invalidates_if/confirms_if conditions are, just against a memory's
// assumes[] entries rather than its invalidates_if/confirms_if entries.
type Kind string

const (
	KindInvalidates Kind = "invalidates_if"
	KindAssumes     Kind = "assumes"
	KindConfirms    Kind = "confirms_if"
)

// Result is the judge's strict JSON response shape (spec §4.4, §6.3).
type Result struct {
	Matches                 bool    `json:"matches"`
	Confidence              float64 `json:"confidence"`
	Reasoning               string  `json:"reasoning,omitempty"`
	RelevantButNotViolation bool    `json:"relevantButNotViolation,omitempty"`
}

// Input holds the candidate/condition pair the judge classifies.
type Input struct {
	Kind          Kind
	Condition     string // the invalidates_if/assumes/confirms_if text being checked
	CandidateText string // the observation or thought content being compared against it
}

// Judge classifies one candidate against one condition.
type Judge interface {
	Judge(ctx context.Context, input Input) (Result, error)
}

// fourRules is the ENTITY/PROOF/DIRECTIONAL PRECISION/THRESHOLD discipline
// spec §6.3 requires preserved verbatim across all three templates.
const fourRules = `Apply these four rules exactly:
- ENTITY: the candidate text must be about the same subject/entity as the condition. A match about a different entity is not a match.
- PROOF: the candidate must state actual evidence, not a hypothetical risk or possibility. "Could fail" is not proof that it failed.
- DIRECTIONAL PRECISION: parse the condition's wording exactly as written. Do not infer a broader or narrower claim than the condition states.
- THRESHOLD: when the condition names a numeric crossing (e.g. "drops below 10%", "exceeds 3 retries"), the candidate must state that the threshold was actually crossed, not merely approached.`

const responseContract = `Respond with a single JSON object and nothing else, matching exactly this schema:
{"matches": bool, "confidence": number between 0 and 1, "reasoning": string (optional), "relevantButNotViolation": bool (optional)}`

func formatPrompt(input Input) string {
	var b strings.Builder
	switch input.Kind {
	case KindInvalidates:
		b.WriteString("You are checking whether new evidence invalidates a belief.\n\n")
		fmt.Fprintf(&b, "Invalidation condition: %s\n\n", input.Condition)
		fmt.Fprintf(&b, "Candidate evidence:\n%s\n\n", input.CandidateText)
		b.WriteString("Does the candidate evidence satisfy the invalidation condition — i.e. does it prove the belief this condition protects is now false?\n\n")
	case KindAssumes:
		b.WriteString("You are checking whether new evidence undermines an assumption a belief depends on.\n\n")
		fmt.Fprintf(&b, "Assumption: %s\n\n", input.Condition)
		fmt.Fprintf(&b, "Candidate evidence:\n%s\n\n", input.CandidateText)
		b.WriteString("Does the candidate evidence prove the assumption no longer holds?\n\n")
	case KindConfirms:
		b.WriteString("You are checking whether new evidence confirms a prediction.\n\n")
		fmt.Fprintf(&b, "Confirmation condition: %s\n\n", input.Condition)
		fmt.Fprintf(&b, "Candidate evidence:\n%s\n\n", input.CandidateText)
		b.WriteString("Does the candidate evidence satisfy the confirmation condition — i.e. does it prove the prediction came true?\n\n")
	default:
		fmt.Fprintf(&b, "Condition (%s): %s\n\n", input.Kind, input.Condition)
		fmt.Fprintf(&b, "Candidate evidence:\n%s\n\n", input.CandidateText)
	}
	b.WriteString(fourRules)
	b.WriteString("\n\nIf the candidate is on-topic and relevant but falls short of actually satisfying the condition, set relevantButNotViolation=true and matches=false.\n\n")
	b.WriteString(responseContract)
	return b.String()
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseResult implements spec §4.4's three-tier robust parse order: (1)
// whole body as JSON, (2) regex-extract the first {...} span, (3) on
// failure return the zero-confidence non-match rather than erroring —
// ambiguous judge output must never be treated as a violation/confirmation.
func ParseResult(body string) Result {
	var r Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &r); err == nil {
		return r
	}
	if m := jsonObjectRe.FindString(body); m != "" {
		if err := json.Unmarshal([]byte(m), &r); err == nil {
			return r
		}
	}
	return Result{Matches: false, Confidence: 0}
}

// OpenAIJudge calls the OpenAI chat completions API with a fixed template
// per Kind and parses the response with ParseResult.
type OpenAIJudge struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIJudge creates a judge backed by the OpenAI chat completions API.
func NewOpenAIJudge(apiKey, model string) (*OpenAIJudge, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("judge: OpenAI API key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIJudge{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Judge classifies a candidate against a condition, making at most
// retryAttempts attempts with exponential backoff from retryBaseDelay
// between them, on any transport or API error (spec §4.4). A successful HTTP round-trip whose body
// fails to parse as JSON is NOT retried — ParseResult's fallback tier
// already resolves it to a safe non-match.
func (j *OpenAIJudge) Judge(ctx context.Context, input Input) (result Result, err error) {
	start := time.Now()
	defer func() { recordJudgeDuration(ctx, input.Kind, start, err) }()

	prompt := formatPrompt(input)

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		result, err = j.judgeOnce(ctx, prompt)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	err = fmt.Errorf("judge: exhausted %d attempts: %w", retryAttempts, lastErr)
	return Result{}, err
}

func (j *OpenAIJudge) judgeOnce(ctx context.Context, prompt string) (Result, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model:          j.model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("judge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("judge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("judge: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("judge: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("judge: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("judge: unmarshal response envelope: %w", err)
	}
	if result.Error != nil {
		return Result{}, fmt.Errorf("judge: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return Result{}, fmt.Errorf("judge: no choices in response")
	}

	return ParseResult(result.Choices[0].Message.Content), nil
}

// NoopJudge always returns a zero-confidence non-match. Used when no LLM
// judge is configured — exposure checking degrades to "nothing ever
// violates or confirms" rather than failing closed on every observation.
type NoopJudge struct{}

func (NoopJudge) Judge(_ context.Context, _ Input) (Result, error) {
	return Result{Matches: false, Confidence: 0}, nil
}
