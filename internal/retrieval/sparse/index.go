// Package sparse is the in-process BM25 keyword index.
package sparse

import (
	"context"
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/tokenizer"
)

// Index is an inverted index over document text. Re-adding a document
// replaces its previous version.
type Index struct {
	mu          sync.RWMutex
	postings    map[string]map[string]*Posting
	docs        map[string]*docInfo
	totalTokens int64
}

func NewIndex() *Index {
	return &Index{
		postings: make(map[string]map[string]*Posting),
		docs:     make(map[string]*docInfo),
	}
}

func (ix *Index) AddDocument(docID, versionHash, text string) {
	tokens := tokenizer.Tokenize(text)
	termData := make(map[string]*Posting)
	for _, token := range tokens {
		p, exists := termData[token.Term]
		if !exists {
			p = &Posting{DocID: docID, Positions: make([]int, 0, 4)}
			termData[token.Term] = p
		}
		p.Frequency++
		p.Positions = append(p.Positions, token.Position)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
	terms := make([]string, 0, len(termData))
	for term, posting := range termData {
		if _, exists := ix.postings[term]; !exists {
			ix.postings[term] = make(map[string]*Posting)
		}
		ix.postings[term][docID] = posting
		terms = append(terms, term)
	}
	ix.docs[docID] = &docInfo{version: versionHash, length: len(tokens), terms: terms}
	ix.totalTokens += int64(len(tokens))
}

func (ix *Index) Remove(docID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
}

func (ix *Index) removeLocked(docID string) {
	info, ok := ix.docs[docID]
	if !ok {
		return
	}
	for _, term := range info.terms {
		delete(ix.postings[term], docID)
		if len(ix.postings[term]) == 0 {
			delete(ix.postings, term)
		}
	}
	ix.totalTokens -= int64(info.length)
	delete(ix.docs, docID)
}

// Search returns the posting list for one normalised term, by doc id.
func (ix *Index) Search(term string) PostingList {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.searchLocked(term)
}

func (ix *Index) searchLocked(term string) PostingList {
	docs, exists := ix.postings[term]
	if !exists {
		return nil
	}
	result := make(PostingList, 0, len(docs))
	for _, posting := range docs {
		result = append(result, *posting)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})
	return result
}

// Query implements retrieval.KeywordIndex.
func (ix *Index) Query(ctx context.Context, text string, topN int) ([]retrieval.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenizer.TermSet(text)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.docs) == 0 || len(terms) == 0 {
		return []retrieval.Hit{}, nil
	}
	perTerm := make(map[string]PostingList, len(terms))
	for term := range terms {
		if pl := ix.searchLocked(term); len(pl) > 0 {
			perTerm[term] = pl
		}
	}
	params := RankParams{
		TotalDocs:    int64(len(ix.docs)),
		AvgDocLength: float64(ix.totalTokens) / float64(len(ix.docs)),
	}
	scored := Rank(perTerm, params, func(id string) int { return ix.docs[id].length }, topN)

	hits := make([]retrieval.Hit, len(scored))
	for i, s := range scored {
		hits[i] = retrieval.Hit{DocumentID: s.DocID, VersionHash: ix.docs[s.DocID].version, Score: s.Score}
	}
	return hits, nil
}

func (ix *Index) DocCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

var _ retrieval.KeywordIndex = (*Index)(nil)
