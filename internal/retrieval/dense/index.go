// Package dense is an in-process exact cosine-similarity vector index.
package dense

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval"
)

type entry struct {
	version string
	vector  []float32
	norm    float64
}

// Index keeps every vector in memory and scans them on query. All vectors
// must share the dimension of the first one inserted.
type Index struct {
	mu      sync.RWMutex
	entries map[string]entry
	dim     int
}

func NewIndex() *Index {
	return &Index{entries: make(map[string]entry)}
}

func (ix *Index) Upsert(ctx context.Context, documentID, versionHash string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for %s", documentID)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dim == 0 {
		ix.dim = len(vector)
	} else if len(vector) != ix.dim {
		return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vector), ix.dim)
	}
	v := append([]float32(nil), vector...)
	ix.entries[documentID] = entry{version: versionHash, vector: v, norm: magnitude(v)}
	return nil
}

func (ix *Index) Delete(documentID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, documentID)
}

func (ix *Index) Query(ctx context.Context, vector []float32, topN int) ([]retrieval.Hit, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.entries) == 0 {
		return []retrieval.Hit{}, nil
	}
	if len(vector) != ix.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(vector), ix.dim)
	}
	qn := magnitude(vector)
	hits := make([]retrieval.Hit, 0, len(ix.entries))
	for id, e := range ix.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if qn == 0 || e.norm == 0 {
			continue
		}
		score := dot(vector, e.vector) / (qn * e.norm)
		if score <= 0 {
			continue
		}
		hits = append(hits, retrieval.Hit{DocumentID: id, VersionHash: e.version, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
	if topN > 0 && len(hits) > topN {
		hits = hits[:topN]
	}
	return hits, nil
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func magnitude(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

var _ retrieval.VectorIndex = (*Index)(nil)
