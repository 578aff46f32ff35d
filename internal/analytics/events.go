package analytics

import "time"

type EventType string

const (
	EventQuery  EventType = "query"
	EventIngest EventType = "ingest"
)

// QueryEvent describes one query outcome. It never carries query text,
// only its hash.
type QueryEvent struct {
	Type       EventType      `json:"type"`
	TraceID    string         `json:"trace_id"`
	QueryHash  string         `json:"query_hash"`
	UserHash   string         `json:"user_hash,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Review     string         `json:"review_status,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Detections map[string]int `json:"detections,omitempty"`
	Results    int            `json:"results"`
	Degraded   bool           `json:"retrieval_degraded"`
	CacheHit   bool           `json:"cache_hit"`
	Tokens     int64          `json:"tokens"`
	Confidence float64        `json:"confidence"`
	LatencyMs  int64          `json:"latency_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

type IngestEvent struct {
	Type          EventType `json:"type"`
	DocumentID    string    `json:"document_id"`
	Status        string    `json:"status"`
	RedactedSpans int       `json:"redacted_spans"`
	LatencyMs     int64     `json:"latency_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e QueryEvent) key() string  { return e.TraceID }
func (e IngestEvent) key() string { return e.DocumentID }

// Event is either a QueryEvent or an IngestEvent.
type Event interface {
	key() string
}
