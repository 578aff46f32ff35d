// Package pipeline orchestrates one governed query: identifier guard,
// budget admission, hybrid retrieval, degradation policy and generation,
// with an audit event for every stage.
package pipeline

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/budget"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/degrade"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/generation"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/guard"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/metrics"
)

// Query is an inbound request. It is never modified.
type Query struct {
	Text           string
	SessionID      string
	UserID         string
	TopK           int
	IncludeSources bool
	IssuedAt       time.Time
}

type Source struct {
	DocumentID  string             `json:"document_id"`
	VersionHash string             `json:"version_hash"`
	Score       float64            `json:"score"`
	Rank        int                `json:"rank"`
	Sources     []retrieval.Source `json:"retrievers,omitempty"`
	Excerpt     string             `json:"excerpt,omitempty"`
}

// Answer always carries the strategy that produced it.
type Answer struct {
	Text              string             `json:"answer"`
	Sources           []Source           `json:"sources"`
	Confidence        float64            `json:"confidence"`
	Strategy          degrade.Strategy   `json:"strategy"`
	Reason            degrade.Reason     `json:"reason"`
	TraceID           string             `json:"trace_id"`
	ReviewStatus      audit.ReviewStatus `json:"review_status"`
	AuditEventID      string             `json:"audit_event_id"`
	RetrievalDegraded bool               `json:"retrieval_degraded"`
	CacheHit          bool               `json:"cache_hit"`
	Guardrails        *generation.Review `json:"guardrails,omitempty"`
	Redactions        map[string]int     `json:"redactions,omitempty"`
}

// Retriever is satisfied by *retrieval.Retriever.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (retrieval.Result, error)
}

// Recorder is satisfied by *audit.Chain.
type Recorder interface {
	Append(ctx context.Context, p audit.Payload) (audit.Event, error)
}

// Tracker is satisfied by *analytics.Collector.
type Tracker interface {
	Track(event analytics.Event)
}

type Config struct {
	GuardMode         guard.Mode
	DefaultTopK       int
	MaxTopK           int
	RequestDeadline   time.Duration
	TokensPerDocument int64
	StaticMessage     string
	EscalationMessage string
	// UserSalt keys the user hash recorded in analytics.
	UserSalt string
}

// Deps are the capabilities the pipeline drives. Cache, Metrics and
// Analytics are optional.
type Deps struct {
	Guard     *guard.Guard
	Admission *budget.Controller
	Cache     cache.AnswerCache
	Retriever Retriever
	Content   retrieval.ContentStore
	Generator generation.Generator
	Template  generation.Template
	Degrade   *degrade.Controller
	Audit     Recorder
	Metrics   *metrics.Metrics
	Analytics Tracker
	Now       func() time.Time
}
