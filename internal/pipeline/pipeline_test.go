package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/budget"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/degrade"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/generation"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/guard"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval"
	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
)

const (
	docA = "Hand hygiene with alcohol based rub reduces hospital acquired infections across surgical wards."
	docB = "Influenza vaccination of staff lowers patient mortality during seasonal outbreaks."
)

type stubRetriever struct {
	calls   atomic.Int32
	mu      sync.Mutex
	queries []string
	result  retrieval.Result
	err     error
}

func (s *stubRetriever) Retrieve(_ context.Context, query string, _ int) (retrieval.Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return s.result, s.err
}

type stubGenerator struct {
	calls  atomic.Int32
	text   string
	err    error
	block  bool
	prompt generation.Prompt
	// delay is slept without watching the context.
	delay time.Duration
	// usedTokens is reported alongside err.
	usedTokens int64
}

func (g *stubGenerator) Complete(ctx context.Context, p generation.Prompt) (generation.Completion, error) {
	g.calls.Add(1)
	g.prompt = p
	if g.block {
		<-ctx.Done()
		return generation.Completion{}, ctx.Err()
	}
	time.Sleep(g.delay)
	if g.err != nil {
		return generation.Completion{InputTokens: g.usedTokens}, g.err
	}
	return generation.Completion{Text: g.text, Model: "stub", InputTokens: 120, OutputTokens: 40}, nil
}

func (g *stubGenerator) Describe() map[string]string {
	return map[string]string{"provider": "stub"}
}

type mapContent map[string]string

func (m mapContent) Content(_ context.Context, id string) (string, bool) {
	t, ok := m[id]
	return t, ok
}

type recordingTracker struct {
	mu     sync.Mutex
	events []analytics.QueryEvent
}

func (t *recordingTracker) Track(ev analytics.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := ev.(analytics.QueryEvent); ok {
		t.events = append(t.events, q)
	}
}

type failingRecorder struct{}

func (failingRecorder) Append(context.Context, audit.Payload) (audit.Event, error) {
	return audit.Event{}, apperrors.New(apperrors.ErrAuditWriteFailure, http.StatusServiceUnavailable, "store down")
}

type fixture struct {
	pipeline  *Pipeline
	retriever *stubRetriever
	generator *stubGenerator
	store     *audit.MemoryStore
	chain     *audit.Chain
	ledger    *budget.Ledger
	cache     *cache.MemoryCache
	degrade   *degrade.Controller
	tracker   *recordingTracker
}

type fixtureOption func(*Config, *budget.Config, *Deps)

func scoredResult(scores ...float64) retrieval.Result {
	ids := []string{"doc-a", "doc-b", "doc-c"}
	res := retrieval.Result{EmbeddingHash: "emb"}
	for i, s := range scores {
		res.Results = append(res.Results, retrieval.RerankedResult{
			DocumentID:  ids[i],
			VersionHash: "v-" + ids[i],
			Score:       s,
			Rank:        i + 1,
			Sources:     []retrieval.Source{retrieval.SourceDense, retrieval.SourceSparse},
		})
	}
	return res
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	store := audit.NewMemoryStore()
	f := &fixture{
		retriever: &stubRetriever{result: scoredResult(0.9, 0.8)},
		generator: &stubGenerator{text: docA},
		store:     store,
		cache:     cache.NewMemory(time.Minute),
		degrade:   degrade.NewController(degrade.Config{Thresholds: degrade.DefaultThresholds()}),
		tracker:   &recordingTracker{},
	}
	chain, err := audit.Open(ctx, store, audit.Options{
		OnWriteFailure: func(error) { f.degrade.Trip("audit write failure") },
	})
	require.NoError(t, err)
	f.chain = chain

	cfg := Config{GuardMode: guard.ModeRedact, DefaultTopK: 3, RequestDeadline: 2 * time.Second}
	bcfg := budget.Config{UserDailyTokens: 100_000, GlobalDailyTokens: 1_000_000}
	deps := Deps{
		Guard:     guard.New(guard.Config{Salt: "test-salt"}),
		Cache:     f.cache,
		Retriever: f.retriever,
		Content:   mapContent{"doc-a": docA, "doc-b": docB},
		Generator: f.generator,
		Degrade:   f.degrade,
		Audit:     chain,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Analytics: f.tracker,
	}
	for _, opt := range opts {
		opt(&cfg, &bcfg, &deps)
	}
	f.ledger = budget.NewLedger(bcfg)
	deps.Admission = budget.NewController(f.ledger, nil)

	p, err := New(cfg, deps)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func (f *fixture) events(t *testing.T) []audit.Event {
	t.Helper()
	recs, err := f.store.Scan(context.Background(), 0, -1, 0)
	require.NoError(t, err)
	out := make([]audit.Event, len(recs))
	for i, rec := range recs {
		ev, err := rec.Event()
		require.NoError(t, err)
		out[i] = ev
	}
	return out
}

func stages(evs []audit.Event) []audit.Stage {
	out := make([]audit.Stage, len(evs))
	for i, ev := range evs {
		out[i] = ev.Stage
	}
	return out
}

func (f *fixture) held(t *testing.T) int64 {
	t.Helper()
	var held int64
	for _, u := range f.ledger.Snapshot(budget.GlobalDay) {
		held += u.Held
	}
	return held
}

func TestBlockModeStopsBeforeRetrieval(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *budget.Config, _ *Deps) { c.GuardMode = guard.ModeBlock })

	_, err := f.pipeline.Answer(context.Background(), Query{Text: "Patient SSN 123-45-6789 needs follow-up", UserID: "u1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrIdentifierDetected))
	assert.Equal(t, http.StatusUnprocessableEntity, apperrors.HTTPStatusCode(err))
	assert.Equal(t, int32(0), f.retriever.calls.Load())
	assert.Equal(t, int32(0), f.generator.calls.Load())

	evs := f.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, audit.StageGuard, evs[0].Stage)
	assert.Equal(t, true, evs[0].Details["blocked"])
	assert.Empty(t, evs[0].Documents)

	recs, err := f.store.Scan(context.Background(), 0, -1, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(recs[0].Body), "123-45-6789")
	assert.NotContains(t, string(recs[0].Body), "Patient")

	require.Len(t, f.tracker.events, 1)
	assert.Equal(t, "identifier_detected", f.tracker.events[0].ErrorCode)
}

func TestHealthyQueryProducesFullAnswer(t *testing.T) {
	f := newFixture(t)

	ans, err := f.pipeline.Answer(context.Background(), Query{
		Text:           "Does hand hygiene reduce infections for SSN 123-45-6789?",
		UserID:         "u1",
		IncludeSources: true,
	})
	require.NoError(t, err)

	assert.Equal(t, degrade.StrategyFullAI, ans.Strategy)
	assert.Equal(t, degrade.ReasonHealthy, ans.Reason)
	assert.Equal(t, audit.ReviewAutoApproved, ans.ReviewStatus)
	assert.Equal(t, docA, ans.Text)
	assert.InDelta(t, 0.5*1+0.5*0.85, ans.Confidence, 1e-9)
	assert.NotEmpty(t, ans.AuditEventID)
	assert.NotEmpty(t, ans.TraceID)
	require.Len(t, ans.Sources, 2)
	assert.NotEmpty(t, ans.Sources[0].Excerpt)
	assert.Equal(t, 1, ans.Redactions["ssn"])

	require.Len(t, f.retriever.queries, 1)
	assert.NotContains(t, f.retriever.queries[0], "123-45-6789")
	assert.NotContains(t, f.generator.prompt.User, "123-45-6789")
	assert.Contains(t, f.generator.prompt.User, docA)

	evs := f.events(t)
	assert.Equal(t, []audit.Stage{
		audit.StageGuard, audit.StageAdmission, audit.StageRetrieval,
		audit.StageGeneration, audit.StageBudgetCommit, audit.StageDecision,
	}, stages(evs))
	for _, ev := range evs {
		assert.Equal(t, ans.TraceID, ev.TraceID)
	}
	gen := evs[3]
	require.NotNil(t, gen.PromptTemplate)
	assert.Equal(t, generation.GroundedAnswer.ID, gen.PromptTemplate.ID)
	assert.Equal(t, audit.HashString(docA), gen.OutputHash)
	assert.Equal(t, ans.AuditEventID, evs[5].EventID)

	res, err := f.chain.Verify(context.Background(), 0, -1)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	assert.Zero(t, f.held(t), "reservation must be settled")
	usage := f.ledger.Snapshot(budget.GlobalDay)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(160), usage[0].Consumed)

	_, hit := f.cache.Get(context.Background(), cache.Fingerprint(redactedFor(t, f, "Does hand hygiene reduce infections for SSN 123-45-6789?"), 3))
	assert.True(t, hit, "automated answers are cached")
}

func redactedFor(t *testing.T, f *fixture, text string) string {
	t.Helper()
	red, err := f.pipeline.deps.Guard.Redact(text, guard.ModeRedact)
	require.NoError(t, err)
	return red.Text
}

func TestLowRetrievalScoresSkipGeneration(t *testing.T) {
	f := newFixture(t)
	f.retriever.result = scoredResult(0.2, 0.2, 0.2)

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, degrade.StrategyRetrievalOnly, ans.Strategy)
	assert.Equal(t, degrade.ReasonLowConfidence, ans.Reason)
	assert.Equal(t, int32(0), f.generator.calls.Load())
	assert.InDelta(t, 0.2, ans.Confidence, 1e-9)
	assert.Contains(t, ans.Text, "doc-a")
	assert.Contains(t, ans.Text, "Hand hygiene")
	assert.Zero(t, f.held(t))

	evs := f.events(t)
	assert.Equal(t, []audit.Stage{
		audit.StageGuard, audit.StageAdmission, audit.StageRetrieval, audit.StageDecision,
	}, stages(evs))
}

func TestUngroundedAnswerFallsBackToRetrieval(t *testing.T) {
	f := newFixture(t)
	f.retriever.result = scoredResult(0.7, 0.7)
	f.generator.text = "Quantum chromodynamics governs gluon confinement inside hadrons."

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	// 0.5*0 + 0.5*0.7 = 0.35
	assert.Equal(t, degrade.StrategyRetrievalOnly, ans.Strategy)
	assert.Equal(t, degrade.ReasonLowConfidence, ans.Reason)
	assert.NotContains(t, ans.Text, "Quantum")
	assert.Equal(t, int32(1), f.generator.calls.Load())
}

func TestBudgetRejectionBeforeRetrieval(t *testing.T) {
	f := newFixture(t, func(_ *Config, b *budget.Config, _ *Deps) { b.UserDailyTokens = 10 })

	_, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrBudgetExceeded))
	assert.Equal(t, int32(0), f.retriever.calls.Load())

	evs := f.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, audit.StageAdmission, evs[1].Stage)
	assert.Equal(t, "budget_exceeded", evs[1].Details["rejected"])
}

func TestRetrievalFailureEscalates(t *testing.T) {
	f := newFixture(t)
	f.retriever.err = apperrors.New(apperrors.ErrRetrievalFailure, http.StatusServiceUnavailable, "both stages failed")

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, degrade.StrategyHumanEscalation, ans.Strategy)
	assert.Equal(t, degrade.ReasonCriticalFailure, ans.Reason)
	assert.Equal(t, audit.ReviewPending, ans.ReviewStatus)
	assert.Equal(t, DefaultEscalationMessage, ans.Text)
	assert.Equal(t, int32(0), f.generator.calls.Load())
	assert.Zero(t, f.held(t))
}

func TestRetrievalFailureServesCachedAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Answer(ctx, Query{Text: "hand hygiene infections", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, degrade.StrategyFullAI, first.Strategy)

	f.retriever.err = errors.New("index offline")
	ans, err := f.pipeline.Answer(ctx, Query{Text: "infections hand hygiene", UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, degrade.StrategyCachedResponse, ans.Strategy)
	assert.True(t, ans.CacheHit)
	assert.Equal(t, first.Text, ans.Text)
	assert.Len(t, ans.Sources, 2)
}

func TestGenerationFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.generator.err = errors.New("model unavailable")

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, degrade.StrategyHumanEscalation, ans.Strategy)

	evs := f.events(t)
	gen := evs[3]
	assert.Equal(t, audit.StageGeneration, gen.Stage)
	assert.Equal(t, audit.ReviewPending, gen.ReviewStatus)
	assert.Equal(t, "internal", gen.Details["error"])
	assert.Zero(t, f.held(t))
}

func TestGenerationDeadlineReturnsRetrievalOnly(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *budget.Config, _ *Deps) { c.RequestDeadline = 50 * time.Millisecond })
	f.generator.block = true

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, degrade.StrategyRetrievalOnly, ans.Strategy)
	assert.Equal(t, degrade.ReasonLatency, ans.Reason)
	assert.Contains(t, ans.Text, "doc-a")

	evs := f.events(t)
	gen := evs[3]
	assert.Equal(t, audit.StageGeneration, gen.Stage)
	assert.Equal(t, audit.ReviewPending, gen.ReviewStatus)
	assert.Equal(t, "deadline_exceeded", gen.Details["aborted"])
	assert.Empty(t, gen.OutputHash)
	// The generator may settle after the answer when it was abandoned.
	require.Eventually(t, func() bool { return f.held(t) == 0 }, time.Second, 10*time.Millisecond)
}

func TestGenerationIgnoringDeadlineIsAbandoned(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *budget.Config, _ *Deps) { c.RequestDeadline = 50 * time.Millisecond })
	f.generator.delay = 700 * time.Millisecond

	start := time.Now()
	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "the request does not wait for generation")
	assert.Equal(t, degrade.StrategyRetrievalOnly, ans.Strategy)
	assert.Equal(t, degrade.ReasonLatency, ans.Reason)
	assert.Contains(t, ans.Text, "doc-a")

	gen := f.events(t)[3]
	assert.Equal(t, audit.StageGeneration, gen.Stage)
	assert.Equal(t, true, gen.Details["abandoned"])

	// The late completion still settles its usage.
	require.Eventually(t, func() bool {
		usage := f.ledger.Snapshot(budget.GlobalDay)
		return len(usage) == 1 && usage[0].Consumed == 160 && usage[0].Held == 0
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		evs := f.events(t)
		return evs[len(evs)-1].Stage == audit.StageBudgetCommit
	}, time.Second, 20*time.Millisecond)
}

func TestFailedGenerationCommitsReportedUsage(t *testing.T) {
	f := newFixture(t)
	f.generator.err = errors.New("stream reset")
	f.generator.usedTokens = 90

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, degrade.StrategyHumanEscalation, ans.Strategy)

	assert.Zero(t, f.held(t))
	usage := f.ledger.Snapshot(budget.GlobalDay)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(90), usage[0].Consumed)
	assert.Contains(t, stages(f.events(t)), audit.StageBudgetCommit)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestHalfOpenTrialRunsFullPipeline(t *testing.T) {
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	ctrl := degrade.NewController(degrade.Config{
		Thresholds:     degrade.DefaultThresholds(),
		CoolDown:       time.Second,
		HalfOpenTrials: 1,
		Now:            clk.Now,
	})
	f := newFixture(t, func(_ *Config, _ *budget.Config, d *Deps) { d.Degrade = ctrl })

	ctrl.Trip("audit write failure")
	clk.Advance(2 * time.Second)

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, degrade.StrategyFullAI, ans.Strategy)
	assert.Equal(t, int32(1), f.retriever.calls.Load())
	assert.Equal(t, int32(1), f.generator.calls.Load())
	assert.Equal(t, resilience.StateClosed, ctrl.Breaker().GetState())
}

func TestOpenCircuitServesStaticFallback(t *testing.T) {
	f := newFixture(t)
	f.degrade.Trip("test")

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, degrade.StrategyStaticFallback, ans.Strategy)
	assert.Equal(t, DefaultStaticMessage, ans.Text)
	assert.Equal(t, int32(0), f.retriever.calls.Load())
	assert.Zero(t, f.held(t))
}

func TestDirectAdviceNeedsReview(t *testing.T) {
	f := newFixture(t)
	f.generator.text = docA + " You should take 200 mg of the rub daily."

	ans, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, ans.Guardrails)
	assert.True(t, ans.Guardrails.DirectAdvice)
	assert.Equal(t, audit.ReviewPending, ans.ReviewStatus)

	_, hit := f.cache.Get(context.Background(), cache.Fingerprint("hand hygiene", 3))
	assert.False(t, hit, "answers pending review are not cached")
}

func TestAuditFailureIsReturned(t *testing.T) {
	f := newFixture(t, func(_ *Config, _ *budget.Config, d *Deps) { d.Audit = failingRecorder{} })

	_, err := f.pipeline.Answer(context.Background(), Query{Text: "hand hygiene", UserID: "u1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuditWriteFailure))
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.HTTPStatusCode(err))
	assert.Equal(t, int32(0), f.retriever.calls.Load())
}

func TestTopKIsClamped(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 3, f.pipeline.topK(0))
	assert.Equal(t, 7, f.pipeline.topK(7))
	assert.Equal(t, maxTopK, f.pipeline.topK(500))
}

func TestEmptyQueryIsInvalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Answer(context.Background(), Query{Text: "   "})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	assert.Empty(t, f.events(t))
}

func TestExcerptTruncatesOnWordBoundary(t *testing.T) {
	long := strings.Repeat("infection control ", 40)
	got := excerpt(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len([]rune(got)), excerptRunes+3)
	assert.Equal(t, "short text", excerpt("  short \n text "))
}
