package noesis

import (
	"context"

	"github.com/google/uuid"
)

// EmbeddingClient generates vector embeddings from text. When provided via
// WithEmbeddingClient, replaces the auto-detected OpenAI/noop provider.
// Mirrors internal/embedding.Provider's shape so host processes can supply
// their own embedding backend without importing an internal package.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// JudgeInput carries the candidate/condition pair a JudgeClient classifies.
// Mirrors internal/judge.Input.
type JudgeInput struct {
	Kind          string // "invalidates_if" | "assumes" | "confirms_if"
	Condition     string
	CandidateText string
}

// JudgeResult is a JudgeClient's verdict. Mirrors internal/judge.Result.
type JudgeResult struct {
	Matches                 bool
	Confidence              float64
	Reasoning               string
	RelevantButNotViolation bool
}

// JudgeClient classifies one candidate against one condition (spec §6.3).
// When provided via WithJudgeClient, replaces the auto-detected OpenAI/noop
// judge.
type JudgeClient interface {
	Judge(ctx context.Context, input JudgeInput) (JudgeResult, error)
}

// ResolverItem is one event line within a ResolverPayload.
type ResolverItem struct {
	MemoryID uuid.UUID
	Kind     string // "violation" | "confirmation" | "cascade" | "overdue_prediction"
	Context  map[string]any
}

// ResolverPayload is one session's batch of violation/confirmation/cascade/
// overdue-prediction events, handed to a ResolverBackend for delivery (spec
// §6.4/§6.5). Mirrors internal/dispatcher.Payload's shape at the public
// boundary.
type ResolverPayload struct {
	SessionID uuid.UUID
	Items     []ResolverItem
	Summary   ResolverSummary
}

// ResolverSummary is ResolverPayload's rollup. Mirrors
// internal/dispatcher.Summary.
type ResolverSummary struct {
	ViolationCount         int
	ConfirmationCount      int
	CascadeCount           int
	OverduePredictionCount int
	AffectedMemories       []uuid.UUID
}

// ResolverBackend delivers one resolver payload (spec §6.5). When provided
// via WithResolverClient, replaces the auto-detected none/webhook/
// issue_tracker backend selected by RESOLVER_TYPE.
type ResolverBackend interface {
	Deliver(ctx context.Context, payload ResolverPayload) error
}
