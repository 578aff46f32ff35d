package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// DenseSearcher embeds the query and asks the vector index.
type DenseSearcher struct {
	Embedder Embedder
	Index    VectorIndex
}

func (d *DenseSearcher) Source() Source { return SourceDense }

func (d *DenseSearcher) Search(ctx context.Context, text string, topN int) (StageResult, error) {
	vec, err := d.Embedder.Embed(ctx, text)
	if err != nil {
		return StageResult{}, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := d.Index.Query(ctx, vec, topN)
	if err != nil {
		return StageResult{}, fmt.Errorf("vector query: %w", err)
	}
	return StageResult{
		Documents:     toRanked(SourceDense, hits, topN),
		EmbeddingHash: EmbeddingHash(vec),
	}, nil
}

// SparseSearcher asks the keyword index.
type SparseSearcher struct {
	Index KeywordIndex
}

func (s *SparseSearcher) Source() Source { return SourceSparse }

func (s *SparseSearcher) Search(ctx context.Context, text string, topN int) (StageResult, error) {
	hits, err := s.Index.Query(ctx, text, topN)
	if err != nil {
		return StageResult{}, fmt.Errorf("keyword query: %w", err)
	}
	return StageResult{Documents: toRanked(SourceSparse, hits, topN)}, nil
}

func toRanked(src Source, hits []Hit, topN int) []RetrievedDocument {
	if topN > 0 && len(hits) > topN {
		hits = hits[:topN]
	}
	out := make([]RetrievedDocument, len(hits))
	for i, h := range hits {
		out[i] = RetrievedDocument{
			DocumentID:  h.DocumentID,
			VersionHash: h.VersionHash,
			Source:      src,
			Rank:        i + 1,
			Score:       h.Score,
		}
	}
	return out
}

// EmbeddingHash fingerprints a vector so the audit trail can show which
// embedding produced a ranking without storing the vector.
func EmbeddingHash(vec []float32) string {
	h := sha256.New()
	var buf [4]byte
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
