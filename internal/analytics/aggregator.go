package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/kafka"
)

const maxLatencySamples = 10000

type AggregatedStats struct {
	TotalQueries         int64            `json:"total_queries"`
	TotalDocsIndexed     int64            `json:"total_docs_indexed"`
	CacheHits            int64            `json:"cache_hits"`
	CacheMisses          int64            `json:"cache_misses"`
	DegradedRetrievals   int64            `json:"degraded_retrievals"`
	TokensConsumed       int64            `json:"tokens_consumed"`
	RedactedDocSpans     int64            `json:"redacted_document_spans"`
	Strategies           map[string]int64 `json:"strategies"`
	Reasons              map[string]int64 `json:"reasons"`
	Rejections           map[string]int64 `json:"rejections"`
	ReviewStatuses       map[string]int64 `json:"review_statuses"`
	DetectionsByCategory []CategoryCount  `json:"detections_by_category"`
	AvgConfidence        float64          `json:"avg_confidence"`
	AvgLatencyMs         float64          `json:"avg_latency_ms"`
	P50LatencyMs         int64            `json:"p50_latency_ms"`
	P95LatencyMs         int64            `json:"p95_latency_ms"`
	P99LatencyMs         int64            `json:"p99_latency_ms"`
	QueriesPerMinute     float64          `json:"queries_per_minute"`
}

type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// Aggregator keeps running totals of query and ingest outcomes.
type Aggregator struct {
	mu             sync.RWMutex
	totalQueries   atomic.Int64
	totalDocs      atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	degraded       atomic.Int64
	tokens         atomic.Int64
	redactedSpans  atomic.Int64
	latencies      []int64
	latencyNext    int
	confidenceSum  float64
	answered       int64
	strategies     map[string]int64
	reasons        map[string]int64
	rejections     map[string]int64
	reviewStatuses map[string]int64
	detections     map[string]int64
	startTime      time.Time

	logger *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:      make([]int64, 0, 1024),
		strategies:     make(map[string]int64),
		reasons:        make(map[string]int64),
		rejections:     make(map[string]int64),
		reviewStatuses: make(map[string]int64),
		detections:     make(map[string]int64),
		startTime:      time.Now(),
		logger:         slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent returns a kafka.MessageHandler feeding the aggregator.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		var envelope struct {
			Type EventType `json:"type"`
		}
		if err := json.Unmarshal(value, &envelope); err != nil {
			agg.logger.Error("failed to decode analytics event", "error", err)
			return nil
		}
		switch envelope.Type {
		case EventQuery:
			ev, err := kafka.DecodeJSON[QueryEvent](value)
			if err != nil {
				agg.logger.Error("failed to decode query event", "error", err)
				return nil
			}
			agg.Record(ev)
		case EventIngest:
			ev, err := kafka.DecodeJSON[IngestEvent](value)
			if err != nil {
				agg.logger.Error("failed to decode ingest event", "error", err)
				return nil
			}
			agg.Record(ev)
		default:
			agg.logger.Warn("unknown analytics event type", "type", envelope.Type)
		}
		return nil
	}
}

func (a *Aggregator) Record(event Event) {
	switch ev := event.(type) {
	case QueryEvent:
		a.recordQuery(ev)
	case IngestEvent:
		a.totalDocs.Add(1)
		a.redactedSpans.Add(int64(ev.RedactedSpans))
	}
}

func (a *Aggregator) recordQuery(ev QueryEvent) {
	a.totalQueries.Add(1)
	if ev.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}
	if ev.Degraded {
		a.degraded.Add(1)
	}
	a.tokens.Add(ev.Tokens)

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, ev.LatencyMs)
	} else {
		a.latencies[a.latencyNext] = ev.LatencyMs
		a.latencyNext = (a.latencyNext + 1) % maxLatencySamples
	}
	for cat, n := range ev.Detections {
		a.detections[cat] += int64(n)
	}
	if ev.ErrorCode != "" {
		a.rejections[ev.ErrorCode]++
		return
	}
	a.strategies[ev.Strategy]++
	if ev.Reason != "" {
		a.reasons[ev.Reason]++
	}
	if ev.Review != "" {
		a.reviewStatuses[ev.Review]++
	}
	a.confidenceSum += ev.Confidence
	a.answered++
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalQueries:       a.totalQueries.Load(),
		TotalDocsIndexed:   a.totalDocs.Load(),
		CacheHits:          a.cacheHits.Load(),
		CacheMisses:        a.cacheMisses.Load(),
		DegradedRetrievals: a.degraded.Load(),
		TokensConsumed:     a.tokens.Load(),
		RedactedDocSpans:   a.redactedSpans.Load(),
		Strategies:         copyCounts(a.strategies),
		Reasons:            copyCounts(a.reasons),
		Rejections:         copyCounts(a.rejections),
		ReviewStatuses:     copyCounts(a.reviewStatuses),
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	if a.answered > 0 {
		stats.AvgConfidence = a.confidenceSum / float64(a.answered)
	}
	stats.DetectionsByCategory = topN(a.detections, 10)
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalQueries) / elapsed
	}
	return stats
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[string]int64, n int) []CategoryCount {
	result := make([]CategoryCount, 0, len(counts))
	for cat, count := range counts {
		result = append(result, CategoryCount{Category: cat, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Category < result[j].Category
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
