package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/budget"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/degrade"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/generation"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/guard"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval"
	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/tracing"
)

const (
	defaultTopK              = 5
	maxTopK                  = 20
	defaultTokensPerDocument = 300
	anonymousUser            = "anonymous"
)

const (
	DefaultStaticMessage = "The assistant is temporarily unavailable. Please try again shortly " +
		"or consult the reference documentation directly."
	DefaultEscalationMessage = "Your question has been routed to a human reviewer. " +
		"A response will follow once it has been reviewed."
)

// Pipeline answers governed queries. It is safe for concurrent use.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Guard == nil:
		return nil, errors.New("pipeline: guard is required")
	case deps.Admission == nil || deps.Admission.Ledger == nil:
		return nil, errors.New("pipeline: admission controller is required")
	case deps.Retriever == nil:
		return nil, errors.New("pipeline: retriever is required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case deps.Degrade == nil:
		return nil, errors.New("pipeline: degradation controller is required")
	case deps.Audit == nil:
		return nil, errors.New("pipeline: audit recorder is required")
	}
	if cfg.GuardMode == "" {
		cfg.GuardMode = guard.ModeRedact
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = defaultTopK
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = maxTopK
	}
	if cfg.TokensPerDocument <= 0 {
		cfg.TokensPerDocument = defaultTokensPerDocument
	}
	if cfg.StaticMessage == "" {
		cfg.StaticMessage = DefaultStaticMessage
	}
	if cfg.EscalationMessage == "" {
		cfg.EscalationMessage = DefaultEscalationMessage
	}
	if deps.Template.ID == "" {
		deps.Template = generation.GroundedAnswer
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "pipeline"),
	}, nil
}

// request is the mutable state of one Answer call.
type request struct {
	query     Query
	traceID   string
	topK      int
	start     time.Time
	redacted  guard.RedactedText
	queryHash string

	reservation budget.Reservation
	reserved    bool

	fingerprint string
	cached      cache.Answer
	cacheHit    bool

	result   retrieval.Result
	contexts []generation.ContextDocument

	text       string
	review     *generation.Review
	confidence float64
	status     audit.ReviewStatus
	tokens     int64

	dependencyFailed bool
}

// Answer runs one query through the governed pipeline. Governance errors
// (identifier, budget, rate) are returned before any retrieval. Dependency
// failures and deadline expiry become a degraded Answer; after admission
// only an audit write failure is returned as an error.
func (p *Pipeline) Answer(ctx context.Context, q Query) (Answer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return Answer{}, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "query must not be empty")
	}
	if q.IssuedAt.IsZero() {
		q.IssuedAt = p.deps.Now()
	}
	if q.UserID == "" {
		q.UserID = anonymousUser
	}

	traceID := logger.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = logger.WithTraceID(ctx, traceID)
	}
	ctx, span := tracing.StartSpan(ctx, "query", traceID)
	defer func() {
		span.End()
		span.Log(logger.FromContext(ctx))
	}()

	r := &request{
		query:   q,
		traceID: traceID,
		topK:    p.topK(q.TopK),
		start:   p.deps.Now(),
		status:  audit.ReviewAutoApproved,
	}
	defer p.releaseUnused(r)

	if err := p.runGuard(ctx, r); err != nil {
		p.track(r, degrade.Decision{}, err)
		return Answer{}, err
	}
	if err := p.runAdmission(ctx, r); err != nil {
		p.track(r, degrade.Decision{}, err)
		return Answer{}, err
	}
	p.lookupCache(ctx, r)

	if !p.deps.Degrade.Admit() {
		d := p.deps.Degrade.Evaluate(degrade.Signals{CircuitOpen: true, CacheHit: r.cacheHit})
		return p.finish(ctx, r, d)
	}

	reqCtx := ctx
	if p.cfg.RequestDeadline > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, p.cfg.RequestDeadline)
		defer cancel()
	}

	d, err := p.runRetrieval(ctx, reqCtx, r)
	if err != nil {
		return p.fail(r, err)
	}
	if d == nil {
		d, err = p.runGeneration(ctx, reqCtx, r)
		if err != nil {
			return p.fail(r, err)
		}
	}
	p.deps.Degrade.RecordOutcome(!r.dependencyFailed)
	return p.finish(ctx, r, *d)
}

// runGuard redacts the query and records the guard event. Under block mode
// a detection ends the request after exactly this one event.
func (p *Pipeline) runGuard(ctx context.Context, r *request) error {
	done := p.stage(ctx, "guard")
	red, guardErr := p.deps.Guard.Redact(r.query.Text, p.cfg.GuardMode)
	done()

	r.redacted = red
	r.queryHash = red.InputHash
	counts := red.CategoryCounts()
	if p.deps.Metrics != nil {
		for c, n := range counts {
			p.deps.Metrics.GuardDetectionsTotal.WithLabelValues(c).Add(float64(n))
		}
	}

	details := map[string]any{
		"mode":       string(red.Mode),
		"detections": len(red.Detections),
		"blocked":    red.Blocked,
	}
	if len(counts) > 0 {
		details["categories"] = counts
	}
	status := audit.ReviewAutoApproved
	if red.Blocked {
		status = audit.ReviewPending
	}
	if _, err := p.deps.Audit.Append(ctx, audit.Payload{
		Stage:        audit.StageGuard,
		TraceID:      r.traceID,
		QueryHash:    r.queryHash,
		ReviewStatus: status,
		Details:      details,
	}); err != nil {
		return err
	}
	return guardErr
}

func (p *Pipeline) runAdmission(ctx context.Context, r *request) error {
	done := p.stage(ctx, "admission")
	contextTokens := int64(r.topK) * p.cfg.TokensPerDocument
	res, admitErr := p.deps.Admission.Admit(r.query.UserID, r.redacted.Text, contextTokens)
	done()

	details := map[string]any{"context_tokens": contextTokens}
	if admitErr != nil {
		code := apperrors.Code(admitErr)
		details["rejected"] = code
		if p.deps.Metrics != nil {
			p.deps.Metrics.BudgetRejections.WithLabelValues(code).Inc()
		}
	} else {
		r.reservation = res
		r.reserved = true
		details["reservation_id"] = res.ID
		details["estimate"] = res.Estimate
		scopes := make([]string, len(res.Scopes))
		for i, s := range res.Scopes {
			scopes[i] = string(s)
		}
		details["scopes"] = scopes
	}

	if _, err := p.deps.Audit.Append(ctx, audit.Payload{
		Stage:     audit.StageAdmission,
		TraceID:   r.traceID,
		QueryHash: r.queryHash,
		Details:   details,
	}); err != nil {
		return err
	}
	return admitErr
}

func (p *Pipeline) lookupCache(ctx context.Context, r *request) {
	r.fingerprint = cache.Fingerprint(r.redacted.Text, r.topK)
	if p.deps.Cache == nil {
		return
	}
	r.cached, r.cacheHit = p.deps.Cache.Get(ctx, r.fingerprint)
	if p.deps.Metrics == nil {
		return
	}
	if r.cacheHit {
		p.deps.Metrics.CacheHitsTotal.Inc()
	} else {
		p.deps.Metrics.CacheMissesTotal.Inc()
	}
}

// runRetrieval returns a decision when the request must not proceed to
// generation. Audit failures are the only error.
func (p *Pipeline) runRetrieval(ctx, reqCtx context.Context, r *request) (*degrade.Decision, error) {
	done := p.stage(ctx, "retrieval")
	result, retrieveErr := p.deps.Retriever.Retrieve(reqCtx, r.redacted.Text, r.topK)
	done()

	payload := audit.Payload{
		Stage:     audit.StageRetrieval,
		TraceID:   r.traceID,
		QueryHash: r.queryHash,
	}
	if retrieveErr != nil {
		p.logger.Error("retrieval failed", "trace_id", r.traceID, "error", retrieveErr)
		r.dependencyFailed = true
		payload.ReviewStatus = audit.ReviewPending
		payload.Details = map[string]any{"error": apperrors.Code(retrieveErr)}
		if _, err := p.deps.Audit.Append(ctx, payload); err != nil {
			return nil, err
		}
		d := p.deps.Degrade.Evaluate(degrade.Signals{CriticalFailure: true, CacheHit: r.cacheHit})
		return &d, nil
	}

	r.result = result
	if result.Degraded && p.deps.Metrics != nil {
		p.deps.Metrics.RetrievalDegraded.Inc()
	}
	payload.Documents = documentRefs(result)
	payload.EmbeddingHash = result.EmbeddingHash
	failed := make([]string, len(result.FailedSources))
	for i, s := range result.FailedSources {
		failed[i] = string(s)
	}
	payload.Details = map[string]any{
		"results":         len(result.Results),
		"candidate_depth": result.CandidateDepth,
		"degraded":        result.Degraded,
		"failed_sources":  failed,
		"rerank_fallback": result.RerankFallback,
	}
	if _, err := p.deps.Audit.Append(ctx, payload); err != nil {
		return nil, err
	}

	top := result.TopScores(3)
	r.confidence = generation.RetrievalConfidence(top)
	// Skip generation when even a fully grounded answer could not clear the
	// confidence threshold.
	d := p.deps.Degrade.Evaluate(degrade.Signals{
		CacheHit:        r.cacheHit,
		Latency:         p.deps.Now().Sub(r.start),
		DeadlineExpired: reqCtx.Err() != nil,
		Confidence:      generation.Confidence(1, top),
	})
	if d.Strategy != degrade.StrategyFullAI {
		return &d, nil
	}
	return nil, nil
}

func (p *Pipeline) runGeneration(ctx, reqCtx context.Context, r *request) (*degrade.Decision, error) {
	r.contexts = p.contextDocuments(ctx, r.result)
	prompt := p.deps.Template.Render(r.redacted.Text, r.contexts)

	// Generation runs under the request deadline but is not waited on past
	// it. A late completion still settles the reservation with its usage.
	settle := p.settlement(r)
	r.reserved = false
	done := p.stage(ctx, "generation")
	completion, genErr := resilience.Race(reqCtx, "generation", func(gctx context.Context) (generation.Completion, error) {
		return p.deps.Generator.Complete(gctx, prompt)
	}, func(c generation.Completion, _ error) {
		p.settleLate(ctx, settle, c)
	})
	done()
	abandoned := errors.Is(genErr, resilience.ErrAbandoned)

	payload := audit.Payload{
		Stage:          audit.StageGeneration,
		TraceID:        r.traceID,
		QueryHash:      r.queryHash,
		Documents:      documentRefs(r.result),
		PromptTemplate: &audit.PromptTemplate{ID: prompt.TemplateID, Version: prompt.TemplateVersion},
		ModelConfig:    p.deps.Generator.Describe(),
	}

	if genErr != nil || reqCtx.Err() != nil {
		// Any result produced past the deadline is discarded.
		expired := reqCtx.Err() != nil
		r.dependencyFailed = true
		payload.ReviewStatus = audit.ReviewPending
		if expired {
			payload.Details = map[string]any{"aborted": "deadline_exceeded", "abandoned": abandoned}
		} else {
			p.logger.Error("generation failed", "trace_id", r.traceID, "error", genErr)
			payload.Details = map[string]any{"error": apperrors.Code(genErr)}
		}
		if _, err := p.deps.Audit.Append(ctx, payload); err != nil {
			if !abandoned {
				p.deps.Admission.Ledger.Release(settle.reservation)
			}
			return nil, err
		}
		if !abandoned {
			if err := p.settleDiscarded(ctx, settle, completion); err != nil {
				return nil, err
			}
		}
		d := p.deps.Degrade.Evaluate(degrade.Signals{
			CriticalFailure: !expired,
			CacheHit:        r.cacheHit,
			Latency:         p.deps.Now().Sub(r.start),
			DeadlineExpired: expired,
			Confidence:      r.confidence,
		})
		return &d, nil
	}

	texts := make([]string, len(r.contexts))
	for i, c := range r.contexts {
		texts[i] = c.Text
	}
	text, review := generation.Inspect(completion.Text, texts)
	r.text = text
	r.review = &review
	r.confidence = generation.Confidence(review.GroundingRatio, r.result.TopScores(3))
	r.tokens = completion.TotalTokens()
	if review.DirectAdvice {
		r.status = audit.ReviewPending
	}

	payload.OutputHash = audit.HashString(text)
	payload.Confidence = audit.Float(r.confidence)
	payload.ReviewStatus = r.status
	payload.Details = map[string]any{
		"model":            completion.Model,
		"stop_reason":      completion.StopReason,
		"input_tokens":     completion.InputTokens,
		"output_tokens":    completion.OutputTokens,
		"grounding_ratio":  review.GroundingRatio,
		"sensitive_terms":  review.SensitiveTerms,
		"direct_advice":    review.DirectAdvice,
		"disclaimer_added": review.DisclaimerAdded,
	}
	if _, err := p.deps.Audit.Append(ctx, payload); err != nil {
		p.deps.Admission.Ledger.Release(settle.reservation)
		return nil, err
	}

	settle.tokens = r.tokens
	if err := p.commit(ctx, settle); err != nil {
		return nil, err
	}

	d := p.deps.Degrade.Evaluate(degrade.Signals{
		CacheHit:        r.cacheHit,
		Latency:         p.deps.Now().Sub(r.start),
		DeadlineExpired: reqCtx.Err() != nil,
		Confidence:      r.confidence,
	})
	return &d, nil
}

// settlement is what commit needs to settle one reservation. It is copied
// out of the request so a late generation can settle without touching it.
type settlement struct {
	reservation budget.Reservation
	traceID     string
	queryHash   string
	tokens      int64
}

func (p *Pipeline) settlement(r *request) settlement {
	return settlement{reservation: r.reservation, traceID: r.traceID, queryHash: r.queryHash}
}

// settleDiscarded commits the usage of a completion whose text is not
// used, or releases the hold when the completion reports none.
func (p *Pipeline) settleDiscarded(ctx context.Context, s settlement, c generation.Completion) error {
	s.tokens = c.TotalTokens()
	if s.tokens == 0 {
		p.deps.Admission.Ledger.Release(s.reservation)
		return nil
	}
	return p.commit(ctx, s)
}

// settleLate runs once an abandoned generation finally returns, after the
// request has been answered.
func (p *Pipeline) settleLate(ctx context.Context, s settlement, c generation.Completion) {
	ctx = context.WithoutCancel(ctx)
	if err := p.settleDiscarded(ctx, s, c); err != nil {
		p.logger.Error("settling abandoned generation", "trace_id", s.traceID, "error", err)
	}
}

// commit settles the reservation with the completion's actual tokens and
// feeds the cost tracker.
func (p *Pipeline) commit(ctx context.Context, s settlement) error {
	res := p.deps.Admission.Ledger.Commit(s.reservation, s.tokens)
	anomaly := p.deps.Degrade.ObserveCost(res.Actual, res.Overrun)
	if p.deps.Metrics != nil {
		p.deps.Metrics.TokensConsumed.Add(float64(res.Actual))
	}

	overrun := make([]string, len(res.OverrunScopes))
	for i, sc := range res.OverrunScopes {
		overrun[i] = string(sc)
	}
	_, err := p.deps.Audit.Append(ctx, audit.Payload{
		Stage:     audit.StageBudgetCommit,
		TraceID:   s.traceID,
		QueryHash: s.queryHash,
		Details: map[string]any{
			"reservation_id": s.reservation.ID,
			"estimate":       s.reservation.Estimate,
			"actual":         res.Actual,
			"overrun":        res.Overrun,
			"overrun_scopes": overrun,
			"expired":        res.Expired,
			"duplicate":      res.Duplicate,
			"cost_anomaly":   anomaly,
		},
	})
	return err
}

// fail ends a request whose audit trail could not be written.
func (p *Pipeline) fail(r *request, err error) (Answer, error) {
	p.deps.Degrade.RecordOutcome(false)
	p.track(r, degrade.Decision{}, err)
	return Answer{}, err
}

// releaseUnused returns tokens held by a request that never committed.
func (p *Pipeline) releaseUnused(r *request) {
	if r.reserved {
		p.deps.Admission.Ledger.Release(r.reservation)
		r.reserved = false
	}
}

func (p *Pipeline) topK(requested int) int {
	switch {
	case requested <= 0:
		return p.cfg.DefaultTopK
	case requested > p.cfg.MaxTopK:
		return p.cfg.MaxTopK
	default:
		return requested
	}
}

// stage opens a child span and returns its closer, which also observes the
// stage latency.
func (p *Pipeline) stage(ctx context.Context, name string) func() {
	_, span := tracing.StartChildSpan(ctx, name)
	return func() {
		span.End()
		if p.deps.Metrics != nil {
			p.deps.Metrics.StageLatency.WithLabelValues(name).Observe(span.Duration.Seconds())
		}
	}
}

func (p *Pipeline) contextDocuments(ctx context.Context, result retrieval.Result) []generation.ContextDocument {
	docs := make([]generation.ContextDocument, 0, len(result.Results))
	for _, res := range result.Results {
		var text string
		if p.deps.Content != nil {
			text, _ = p.deps.Content.Content(ctx, res.DocumentID)
		}
		docs = append(docs, generation.ContextDocument{
			ID:          res.DocumentID,
			VersionHash: res.VersionHash,
			Text:        text,
		})
	}
	return docs
}

func documentRefs(result retrieval.Result) []audit.DocumentRef {
	refs := result.DocumentRefs()
	out := make([]audit.DocumentRef, len(refs))
	for i, ref := range refs {
		out[i] = audit.DocumentRef{ID: ref[0], VersionHash: ref[1]}
	}
	return out
}
