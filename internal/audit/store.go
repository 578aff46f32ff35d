package audit

import (
	"context"
	"net/http"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
)

// Store persists records. Append must reject a sequence that already
// exists. Scan returns records with from <= sequence <= to in order; a
// negative to means through the end.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Scan(ctx context.Context, from, to int64, limit int) ([]Record, error)
	Last(ctx context.Context) (Record, bool, error)
	Get(ctx context.Context, eventID string) (Record, error)
	Close() error
}

// MemoryStore is a Store for tests and single-process development.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Sequence != int64(len(m.records)) {
		return apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "sequence %d does not extend chain of length %d", rec.Sequence, len(m.records))
	}
	rec.Body = append([]byte(nil), rec.Body...)
	m.byID[rec.EventID] = len(m.records)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, from, to int64, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	end := int64(len(m.records)) - 1
	if to >= 0 && to < end {
		end = to
	}
	out := make([]Record, 0)
	for i := from; i <= end; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryStore) Last(_ context.Context) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return Record{}, false, nil
	}
	return m.records[len(m.records)-1], true, nil
}

func (m *MemoryStore) Get(_ context.Context, eventID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[eventID]
	if !ok {
		return Record{}, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "audit event %s", eventID)
	}
	return m.records[i], nil
}

func (m *MemoryStore) Close() error { return nil }

// Tamper overwrites a stored record in place. Only tests and integrity
// drills use it.
func (m *MemoryStore) Tamper(seq int64, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq >= 0 && seq < int64(len(m.records)) {
		fn(&m.records[seq])
	}
}
