package ingestion

import (
	"context"
	"sort"
	"sync"
)

// Store holds the current version of every document. It serves document
// text to the reranker and prompt builder.
type Store struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewStore() *Store {
	return &Store{docs: make(map[string]Document)}
}

// Put stores doc, replacing any previous version.
func (s *Store) Put(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
}

func (s *Store) Get(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	return d, ok
}

// Version returns the stored version hash of id, or "".
func (s *Store) Version(id string) string {
	d, _ := s.Get(id)
	return d.VersionHash
}

// Content implements retrieval.ContentStore.
func (s *Store) Content(_ context.Context, id string) (string, bool) {
	d, ok := s.Get(id)
	if !ok {
		return "", false
	}
	if d.Title == "" {
		return d.Body, true
	}
	return d.Title + ". " + d.Body, true
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[id]
	delete(s.docs, id)
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// List returns documents sorted by id.
func (s *Store) List() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
