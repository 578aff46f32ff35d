// Package ingestion defines the request/response types and Kafka event
// schemas of the document pipeline, and indexes documents into the dense
// and sparse retrieval indexes.
package ingestion

import "time"

// IngestRequest is the JSON body accepted by the document endpoint. An
// empty DocumentID is derived from the content.
type IngestRequest struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

const (
	StatusIndexed   = "INDEXED"
	StatusUnchanged = "UNCHANGED"
	StatusQueued    = "QUEUED"
)

// IngestResponse is returned to the caller after a document is accepted.
type IngestResponse struct {
	DocumentID         string         `json:"document_id"`
	VersionHash        string         `json:"version_hash,omitempty"`
	Status             string         `json:"status"`
	RedactedSpans      int            `json:"redacted_spans"`
	RedactedByCategory map[string]int `json:"redacted_by_category,omitempty"`
}

// IngestEvent is the Kafka message payload consumed by the async indexer.
type IngestEvent struct {
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Document is one stored version of a corpus document.
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"-"`
	VersionHash string    `json:"version_hash"`
	IndexedAt   time.Time `json:"indexed_at"`
}
