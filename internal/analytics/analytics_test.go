package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatorStats(t *testing.T) {
	agg := NewAggregator()
	agg.Record(QueryEvent{Type: EventQuery, Strategy: "FULL_AI", Reason: "healthy", Review: "auto_approved", Confidence: 0.8, LatencyMs: 100, Tokens: 500, Results: 5})
	agg.Record(QueryEvent{Type: EventQuery, Strategy: "RETRIEVAL_ONLY", Reason: "low_confidence", Review: "pending_review", Confidence: 0.4, LatencyMs: 300, CacheHit: false, Degraded: true})
	agg.Record(QueryEvent{Type: EventQuery, ErrorCode: "identifier_detected", Detections: map[string]int{"ssn": 2}, LatencyMs: 5})
	agg.Record(IngestEvent{Type: EventIngest, DocumentID: "d1", RedactedSpans: 3})

	s := agg.Stats()
	assert.Equal(t, int64(3), s.TotalQueries)
	assert.Equal(t, int64(1), s.TotalDocsIndexed)
	assert.Equal(t, int64(3), s.RedactedDocSpans)
	assert.Equal(t, int64(1), s.Strategies["FULL_AI"])
	assert.Equal(t, int64(1), s.Strategies["RETRIEVAL_ONLY"])
	assert.Equal(t, int64(1), s.Rejections["identifier_detected"])
	assert.Equal(t, int64(1), s.DegradedRetrievals)
	assert.Equal(t, int64(500), s.TokensConsumed)
	assert.InDelta(t, 0.6, s.AvgConfidence, 1e-9)
	assert.Equal(t, []CategoryCount{{Category: "ssn", Count: 2}}, s.DetectionsByCategory)
	assert.Equal(t, int64(100), s.P50LatencyMs)
	assert.Equal(t, int64(300), s.P99LatencyMs)
}

func TestAggregatorLatencyRingIsBounded(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < maxLatencySamples+50; i++ {
		agg.Record(QueryEvent{Type: EventQuery, LatencyMs: int64(i)})
	}
	agg.mu.RLock()
	defer agg.mu.RUnlock()
	assert.Len(t, agg.latencies, maxLatencySamples)
}

func TestHandleEventDecodesByType(t *testing.T) {
	agg := NewAggregator()
	h := HandleEvent(agg)
	q, _ := json.Marshal(QueryEvent{Type: EventQuery, Strategy: "FULL_AI"})
	i, _ := json.Marshal(IngestEvent{Type: EventIngest, DocumentID: "d"})
	require.NoError(t, h(context.Background(), nil, q))
	require.NoError(t, h(context.Background(), nil, i))
	require.NoError(t, h(context.Background(), nil, []byte("garbage")))
	require.NoError(t, h(context.Background(), nil, []byte(`{"type":"other"}`)))

	s := agg.Stats()
	assert.Equal(t, int64(1), s.TotalQueries)
	assert.Equal(t, int64(1), s.TotalDocsIndexed)
}

type capturePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
}

func (p *capturePublisher) Publish(ctx context.Context, e kafka.Event) error {
	return p.PublishBatch(ctx, []kafka.Event{e})
}

func (p *capturePublisher) PublishBatch(_ context.Context, es []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]kafka.Event, len(es))
	copy(cp, es)
	p.batches = append(p.batches, cp)
	return nil
}

func (p *capturePublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestCollectorBatchesAndAggregatesLocally(t *testing.T) {
	pub := &capturePublisher{}
	agg := NewAggregator()
	c := NewCollector(pub, agg, CollectorConfig{BatchSize: 2, FlushInterval: time.Hour})
	c.Start(context.Background())

	for i := 0; i < 5; i++ {
		c.Track(QueryEvent{Type: EventQuery, TraceID: "t", Strategy: "FULL_AI"})
	}
	c.Close()

	assert.Equal(t, 5, pub.total())
	assert.Equal(t, int64(5), agg.Stats().TotalQueries)
	pub.mu.Lock()
	assert.Equal(t, "t", pub.batches[0][0].Key)
	pub.mu.Unlock()
}

func TestCollectorFlushesOnCancel(t *testing.T) {
	pub := &capturePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCollector(pub, nil, CollectorConfig{BatchSize: 100, FlushInterval: time.Hour})
	c.Start(ctx)
	c.Track(IngestEvent{Type: EventIngest, DocumentID: "d"})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-c.done
	assert.Equal(t, 1, pub.total())
}

func TestCollectorDropsWhenFull(t *testing.T) {
	c := NewCollector(nil, nil, CollectorConfig{BufferSize: 1})
	c.Track(QueryEvent{})
	c.Track(QueryEvent{})
	assert.Len(t, c.eventCh, 1)
}

func TestStatsHandler(t *testing.T) {
	agg := NewAggregator()
	agg.Record(QueryEvent{Type: EventQuery, Strategy: "FULL_AI"})
	rec := httptest.NewRecorder()
	NewHandler(agg).Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body AggregatedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.TotalQueries)
}

type fakeHistory struct {
	limit int
	snaps []Snapshot
	err   error
}

func (f *fakeHistory) ListSnapshots(_ context.Context, limit int) ([]Snapshot, error) {
	f.limit = limit
	return f.snaps, f.err
}

func TestHistoryHandler(t *testing.T) {
	agg := NewAggregator()
	h := NewHandler(agg)

	rec := httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	hist := &fakeHistory{snaps: []Snapshot{{CapturedAt: time.Unix(1700000000, 0).UTC(), Stats: AggregatedStats{TotalQueries: 7}}}}
	h.WithHistory(hist)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/history?limit=3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, hist.limit)
	var body struct {
		Snapshots []Snapshot `json:"snapshots"`
		Count     int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, int64(7), body.Snapshots[0].Stats.TotalQueries)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/history?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	hist.err = errors.New("db down")
	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/history", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
