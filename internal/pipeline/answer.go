package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/degrade"
	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/tracing"
)

const excerptRunes = 240

const noResultsMessage = "No documents matching the question were found."

// finish builds the answer for the decided strategy, records the decision
// event and publishes the outcome.
func (p *Pipeline) finish(ctx context.Context, r *request, d degrade.Decision) (Answer, error) {
	ans := Answer{
		Strategy:          d.Strategy,
		Reason:            d.Reason,
		TraceID:           r.traceID,
		ReviewStatus:      audit.ReviewAutoApproved,
		RetrievalDegraded: r.result.Degraded,
	}
	if counts := r.redacted.CategoryCounts(); len(counts) > 0 {
		ans.Redactions = counts
	}

	switch d.Strategy {
	case degrade.StrategyFullAI:
		ans.Text = r.text
		ans.Confidence = r.confidence
		ans.ReviewStatus = r.status
		ans.Guardrails = r.review
		ans.Sources = p.sources(ctx, r, false)
	case degrade.StrategyCachedResponse:
		ans.Text = r.cached.Text
		ans.Confidence = r.cached.Confidence
		ans.CacheHit = true
		ans.Sources = cachedSources(r.cached)
	case degrade.StrategyRetrievalOnly:
		ans.Sources = p.sources(ctx, r, true)
		ans.Text = retrievalOnlyText(ans.Sources)
		ans.Confidence = r.confidence
	case degrade.StrategyStaticFallback:
		ans.Text = p.cfg.StaticMessage
		ans.Sources = []Source{}
	case degrade.StrategyHumanEscalation:
		ans.Text = p.cfg.EscalationMessage
		ans.ReviewStatus = audit.ReviewPending
		ans.Sources = []Source{}
	}

	conf := ans.Confidence
	payload := audit.Payload{
		Stage:        audit.StageDecision,
		TraceID:      r.traceID,
		QueryHash:    r.queryHash,
		Documents:    answerRefs(ans.Sources),
		OutputHash:   audit.HashString(ans.Text),
		Confidence:   &conf,
		ReviewStatus: ans.ReviewStatus,
		Details: map[string]any{
			"strategy":   string(d.Strategy),
			"reason":     string(d.Reason),
			"cache_hit":  ans.CacheHit,
			"latency_ms": p.deps.Now().Sub(r.start).Milliseconds(),
		},
	}
	if span := tracing.SpanFromContext(ctx); span != nil {
		payload.Details["stage_ms"] = span.StageDurations()
	}
	ev, err := p.deps.Audit.Append(ctx, payload)
	if err != nil {
		p.track(r, d, err)
		return Answer{}, err
	}
	ans.AuditEventID = ev.EventID

	if d.Strategy == degrade.StrategyFullAI && ans.ReviewStatus == audit.ReviewAutoApproved && p.deps.Cache != nil {
		p.deps.Cache.Set(ctx, r.fingerprint, cache.Answer{
			Text:            ans.Text,
			Sources:         toCacheSources(ans.Sources),
			Confidence:      ans.Confidence,
			TemplateID:      p.deps.Template.ID,
			TemplateVersion: p.deps.Template.Version,
			OutputHash:      audit.HashString(ans.Text),
			CachedAt:        p.deps.Now().UTC(),
		})
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.QueriesTotal.WithLabelValues(string(d.Strategy)).Inc()
	}
	logger.FromContext(ctx).Info("query answered",
		"strategy", d.Strategy,
		"reason", d.Reason,
		"confidence", ans.Confidence,
		"review_status", ans.ReviewStatus,
		"results", len(ans.Sources),
		"latency_ms", p.deps.Now().Sub(r.start).Milliseconds(),
	)
	r.confidence = ans.Confidence
	r.status = ans.ReviewStatus
	p.track(r, d, nil)
	return ans, nil
}

// sources lists the retrieved documents. Excerpts come from the content
// store and are always included for retrieval-only answers.
func (p *Pipeline) sources(ctx context.Context, r *request, withExcerpts bool) []Source {
	out := make([]Source, 0, len(r.result.Results))
	for _, res := range r.result.Results {
		s := Source{
			DocumentID:  res.DocumentID,
			VersionHash: res.VersionHash,
			Score:       res.Score,
			Rank:        res.Rank,
			Sources:     res.Sources,
		}
		if (withExcerpts || r.query.IncludeSources) && p.deps.Content != nil {
			if text, ok := p.deps.Content.Content(ctx, res.DocumentID); ok {
				s.Excerpt = excerpt(text)
			}
		}
		out = append(out, s)
	}
	return out
}

func retrievalOnlyText(sources []Source) string {
	if len(sources) == 0 {
		return noResultsMessage
	}
	var b strings.Builder
	b.WriteString("An automated answer is not available. The most relevant documents are:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "\n%d. %s (score %.2f)", i+1, s.DocumentID, s.Score)
		if s.Excerpt != "" {
			fmt.Fprintf(&b, "\n   %s", s.Excerpt)
		}
	}
	return b.String()
}

func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:excerptRunes])
	if i := strings.LastIndexByte(cut, ' '); i > excerptRunes/2 {
		cut = cut[:i]
	}
	return cut + "..."
}

func cachedSources(a cache.Answer) []Source {
	out := make([]Source, len(a.Sources))
	for i, s := range a.Sources {
		out[i] = Source{DocumentID: s.DocumentID, VersionHash: s.VersionHash, Score: s.Score, Rank: i + 1}
	}
	return out
}

func toCacheSources(sources []Source) []cache.Source {
	out := make([]cache.Source, len(sources))
	for i, s := range sources {
		out[i] = cache.Source{DocumentID: s.DocumentID, VersionHash: s.VersionHash, Score: s.Score}
	}
	return out
}

func answerRefs(sources []Source) []audit.DocumentRef {
	out := make([]audit.DocumentRef, len(sources))
	for i, s := range sources {
		out[i] = audit.DocumentRef{ID: s.DocumentID, VersionHash: s.VersionHash}
	}
	return out
}

// track publishes the query outcome to analytics. It never carries query
// text.
func (p *Pipeline) track(r *request, d degrade.Decision, err error) {
	if p.deps.Analytics == nil {
		return
	}
	ev := analytics.QueryEvent{
		Type:       analytics.EventQuery,
		TraceID:    r.traceID,
		QueryHash:  r.queryHash,
		UserHash:   audit.HashString(p.cfg.UserSalt + "|" + r.query.UserID),
		Strategy:   string(d.Strategy),
		Reason:     string(d.Reason),
		Review:     string(r.status),
		Detections: r.redacted.CategoryCounts(),
		Results:    len(r.result.Results),
		Degraded:   r.result.Degraded,
		CacheHit:   d.Strategy == degrade.StrategyCachedResponse,
		Tokens:     r.tokens,
		Confidence: r.confidence,
		LatencyMs:  p.deps.Now().Sub(r.start).Milliseconds(),
		Timestamp:  p.deps.Now().UTC(),
	}
	if err != nil {
		ev.ErrorCode = apperrors.Code(err)
		ev.Review = ""
	}
	p.deps.Analytics.Track(ev)
}
