// Package retrieval runs the dense and sparse search stages concurrently,
// fuses their rankings with Reciprocal Rank Fusion, and reranks the fused
// candidates.
package retrieval

import (
	"context"
)

type Source string

const (
	SourceDense  Source = "dense"
	SourceSparse Source = "sparse"
)

// Hit is what an index returns for one document.
type Hit struct {
	DocumentID  string
	VersionHash string
	Score       float64
}

// RetrievedDocument is one entry of a single stage's ranking. Rank is
// 1-based.
type RetrievedDocument struct {
	DocumentID  string  `json:"document_id"`
	VersionHash string  `json:"version_hash"`
	Source      Source  `json:"source"`
	Rank        int     `json:"rank"`
	Score       float64 `json:"score"`
}

// FusedCandidate is one unique document after fusion.
type FusedCandidate struct {
	DocumentID  string   `json:"document_id"`
	VersionHash string   `json:"version_hash"`
	FusedScore  float64  `json:"fused_score"`
	Sources     []Source `json:"sources"`
	FusedRank   int      `json:"fused_rank"`
}

// RerankedResult is a final, calibrated result in [0,1].
type RerankedResult struct {
	DocumentID  string   `json:"document_id"`
	VersionHash string   `json:"version_hash"`
	Score       float64  `json:"score"`
	Rank        int      `json:"rank"`
	FusedRank   int      `json:"fused_rank"`
	Sources     []Source `json:"sources"`
}

// StageResult is the output of one Searcher call.
type StageResult struct {
	Documents     []RetrievedDocument
	EmbeddingHash string
}

// Searcher is one retrieval strategy.
type Searcher interface {
	Source() Source
	Search(ctx context.Context, text string, topN int) (StageResult, error)
}

// VectorIndex stores document embeddings.
type VectorIndex interface {
	Upsert(ctx context.Context, documentID, versionHash string, vector []float32) error
	Query(ctx context.Context, vector []float32, topN int) ([]Hit, error)
}

// KeywordIndex answers lexical queries.
type KeywordIndex interface {
	Query(ctx context.Context, text string, topN int) ([]Hit, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ContentStore resolves document text for reranking and prompt building.
type ContentStore interface {
	Content(ctx context.Context, documentID string) (string, bool)
}

// Result is the outcome of one Retrieve call.
type Result struct {
	Results        []RerankedResult `json:"results"`
	Candidates     []FusedCandidate `json:"-"`
	Degraded       bool             `json:"degraded"`
	FailedSources  []Source         `json:"failed_sources,omitempty"`
	RerankFallback bool             `json:"rerank_fallback"`
	EmbeddingHash  string           `json:"embedding_hash,omitempty"`
	CandidateDepth int              `json:"candidate_depth"`
}

// DocumentRefs returns the (id, version hash) pairs of the final results.
func (r Result) DocumentRefs() [][2]string {
	out := make([][2]string, len(r.Results))
	for i, d := range r.Results {
		out[i] = [2]string{d.DocumentID, d.VersionHash}
	}
	return out
}

// TopScores returns up to n leading rerank scores.
func (r Result) TopScores(n int) []float64 {
	if n > len(r.Results) {
		n = len(r.Results)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = r.Results[i].Score
	}
	return out
}
