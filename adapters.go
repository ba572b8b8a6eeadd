package noesis

import (
	"context"

	"github.com/DigiBugCat/noesis/internal/dispatcher"
	"github.com/DigiBugCat/noesis/internal/judge"
)

// embeddingClientAdapter satisfies internal/embedding.Provider over a
// host-supplied EmbeddingClient. Same adapter-at-the-boundary pattern the
// teacher uses for its own Searcher/EmbeddingProvider extension points.
type embeddingClientAdapter struct{ c EmbeddingClient }

func (a embeddingClientAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.c.Embed(ctx, text)
}

func (a embeddingClientAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return a.c.EmbedBatch(ctx, texts)
}

func (a embeddingClientAdapter) Dimensions() int { return a.c.Dimensions() }

// judgeClientAdapter satisfies internal/judge.Judge over a host-supplied
// JudgeClient.
type judgeClientAdapter struct{ c JudgeClient }

func (a judgeClientAdapter) Judge(ctx context.Context, input judge.Input) (judge.Result, error) {
	r, err := a.c.Judge(ctx, JudgeInput{
		Kind:          string(input.Kind),
		Condition:     input.Condition,
		CandidateText: input.CandidateText,
	})
	if err != nil {
		return judge.Result{}, err
	}
	return judge.Result{
		Matches:                 r.Matches,
		Confidence:              r.Confidence,
		Reasoning:               r.Reasoning,
		RelevantButNotViolation: r.RelevantButNotViolation,
	}, nil
}

// resolverBackendAdapter satisfies internal/dispatcher.Backend over a
// host-supplied ResolverBackend, flattening dispatcher.Payload's four item
// slices into ResolverPayload's single Items list.
type resolverBackendAdapter struct{ c ResolverBackend }

func (a resolverBackendAdapter) Deliver(ctx context.Context, p dispatcher.Payload) error {
	items := make([]ResolverItem, 0, len(p.Violations)+len(p.Confirmations)+len(p.Cascades)+len(p.OverduePredictions))
	for _, v := range p.Violations {
		items = append(items, ResolverItem{MemoryID: v.MemoryID, Kind: "violation", Context: v.Context})
	}
	for _, c := range p.Confirmations {
		items = append(items, ResolverItem{MemoryID: c.MemoryID, Kind: "confirmation", Context: c.Context})
	}
	for _, c := range p.Cascades {
		items = append(items, ResolverItem{MemoryID: c.MemoryID, Kind: "cascade", Context: c.Context})
	}
	for _, o := range p.OverduePredictions {
		items = append(items, ResolverItem{MemoryID: o.MemoryID, Kind: "overdue_prediction", Context: o.Context})
	}

	return a.c.Deliver(ctx, ResolverPayload{
		SessionID: p.SessionID,
		Items:     items,
		Summary: ResolverSummary{
			ViolationCount:         p.Summary.ViolationCount,
			ConfirmationCount:      p.Summary.ConfirmationCount,
			CascadeCount:           p.Summary.CascadeCount,
			OverduePredictionCount: p.Summary.OverduePredictionCount,
			AffectedMemories:       p.Summary.AffectedMemories,
		},
	})
}
