// Package audit is the append-only, hash-linked ledger of every governance
// decision. Each event's self hash is sha256(previous hash || JCS(event)),
// so editing any stored event breaks every link after it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the previous hash of sequence 0.
var GenesisHash = strings.Repeat("0", 64)

type Stage string

const (
	StageGuard        Stage = "guard"
	StageAdmission    Stage = "admission"
	StageRetrieval    Stage = "retrieval"
	StageGeneration   Stage = "generation"
	StageDecision     Stage = "decision"
	StageBudgetCommit Stage = "budget_commit"
	StageReview       Stage = "review"
	StageIngest       Stage = "ingest"
)

type ReviewStatus string

const (
	ReviewAutoApproved  ReviewStatus = "auto_approved"
	ReviewPending       ReviewStatus = "pending_review"
	ReviewHumanApproved ReviewStatus = "human_approved"
)

type DocumentRef struct {
	ID          string `json:"id"`
	VersionHash string `json:"version_hash"`
}

type PromptTemplate struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Payload is what a caller supplies; the chain fills in identity, ordering
// and hashes.
type Payload struct {
	Stage          Stage             `json:"stage"`
	TraceID        string            `json:"trace_id"`
	QueryHash      string            `json:"query_hash,omitempty"`
	Documents      []DocumentRef     `json:"documents,omitempty"`
	EmbeddingHash  string            `json:"embedding_hash,omitempty"`
	PromptTemplate *PromptTemplate   `json:"prompt_template,omitempty"`
	ModelConfig    map[string]string `json:"model_config,omitempty"`
	OutputHash     string            `json:"output_hash,omitempty"`
	Confidence     *float64          `json:"confidence,omitempty"`
	ReviewStatus   ReviewStatus      `json:"review_status,omitempty"`
	Details        map[string]any    `json:"details,omitempty"`
}

// Event is immutable once appended.
type Event struct {
	EventID   string    `json:"event_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Payload
	PreviousHash string `json:"previous_hash"`
	SelfHash     string `json:"self_hash,omitempty"`
}

// canonicalBody is the JCS form of the event without its self hash. It is
// the exact byte string that gets hashed and stored.
func (e Event) canonicalBody() ([]byte, error) {
	e.SelfHash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing audit event: %w", err)
	}
	return canonical, nil
}

// ComputeHash links body to the previous hash.
func ComputeHash(previousHash string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// HashString is the hex sha256 used for query and output hashes.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Float returns a pointer for optional confidence values.
func Float(v float64) *float64 { return &v }

// Record is the persisted form of an event.
type Record struct {
	Sequence     int64
	EventID      string
	Stage        Stage
	TraceID      string
	Timestamp    time.Time
	Body         []byte
	PreviousHash string
	SelfHash     string
}

// Event decodes the stored body.
func (r Record) Event() (Event, error) {
	var e Event
	if err := json.Unmarshal(r.Body, &e); err != nil {
		return Event{}, fmt.Errorf("decoding audit record %d: %w", r.Sequence, err)
	}
	e.SelfHash = r.SelfHash
	return e, nil
}
