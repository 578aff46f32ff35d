package retrieval

import (
	"context"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/tokenizer"
)

// Reranker scores candidates against the query. Scores must be in [0,1] and
// align index-for-index with candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []FusedCandidate) ([]float64, error)
}

// LexicalReranker scores by query-term coverage of the document text,
// blended with the candidate's normalised fused score so documents without
// stored content keep their fused order.
type LexicalReranker struct {
	Content      ContentStore
	CoverageBias float64
}

func NewLexicalReranker(content ContentStore) *LexicalReranker {
	return &LexicalReranker{Content: content, CoverageBias: 0.8}
}

func (r *LexicalReranker) Rerank(ctx context.Context, query string, candidates []FusedCandidate) ([]float64, error) {
	qTerms := tokenizer.TermSet(query)
	maxFused := 0.0
	for _, c := range candidates {
		maxFused = max(maxFused, c.FusedScore)
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fusedNorm := 0.0
		if maxFused > 0 {
			fusedNorm = c.FusedScore / maxFused
		}
		coverage := 0.0
		if text, ok := r.Content.Content(ctx, c.DocumentID); ok && len(qTerms) > 0 {
			dTerms := tokenizer.TermSet(text)
			hit := 0
			for t := range qTerms {
				if _, ok := dTerms[t]; ok {
					hit++
				}
			}
			coverage = float64(hit) / float64(len(qTerms))
		}
		scores[i] = clamp01(r.CoverageBias*coverage + (1-r.CoverageBias)*fusedNorm)
	}
	return scores, nil
}

// orderReranked builds final results: score desc, then fused rank.
func orderReranked(candidates []FusedCandidate, scores []float64) []RerankedResult {
	out := make([]RerankedResult, len(candidates))
	for i, c := range candidates {
		out[i] = RerankedResult{
			DocumentID:  c.DocumentID,
			VersionHash: c.VersionHash,
			Score:       clamp01(scores[i]),
			FusedRank:   c.FusedRank,
			Sources:     c.Sources,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FusedRank < out[j].FusedRank
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
