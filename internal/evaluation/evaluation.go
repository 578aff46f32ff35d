// Package evaluation scores answers offline against their retrieved
// contexts and an optional reference answer. Every metric is a term-overlap
// heuristic over the retrieval tokenizer, so scores are deterministic and
// need no model calls.
package evaluation

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/generation"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/guard"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/metrics"
)

type Metric string

const (
	Faithfulness       Metric = "faithfulness"
	AnswerRelevance    Metric = "answer_relevance"
	ContextPrecision   Metric = "context_precision"
	ContextUtilization Metric = "context_utilization"
	Correctness        Metric = "correctness"
)

const (
	// faithfulnessScale lifts raw overlap, which rarely reaches 1 because
	// answers add connective words the contexts lack.
	faithfulnessScale = 1.5
	// Answers longer than substantiveWords get relevanceBoost.
	substantiveWords = 20
	relevanceBoost   = 0.2
)

// Example is one evaluated exchange. GroundTruth is optional.
type Example struct {
	Query       string   `json:"query"`
	Answer      string   `json:"answer"`
	Contexts    []string `json:"contexts"`
	GroundTruth string   `json:"ground_truth,omitempty"`
}

type Result struct {
	Metric  Metric         `json:"metric"`
	Score   float64        `json:"score"`
	Details map[string]any `json:"details,omitempty"`
}

// Report carries scores and counts only; the evaluated text is referenced
// by hash.
type Report struct {
	QueryHash   string    `json:"query_hash"`
	Overall     float64   `json:"overall_score"`
	Metrics     []Result  `json:"metrics"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Score returns the named metric's score.
func (r Report) Score(m Metric) (float64, bool) {
	for _, res := range r.Metrics {
		if res.Metric == m {
			return res.Score, true
		}
	}
	return 0, false
}

// Summary averages each metric over the examples that produced it.
type Summary struct {
	Examples int                `json:"examples"`
	Means    map[Metric]float64 `json:"means"`
	Overall  float64            `json:"overall_score"`
}

type Evaluator struct {
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// New returns an Evaluator. m may be nil.
func New(m *metrics.Metrics) *Evaluator {
	return &Evaluator{
		metrics: m,
		now:     time.Now,
		logger:  slog.Default().With("component", "evaluation"),
	}
}

// Evaluate scores one example. Correctness is only reported when the
// example has a ground truth.
func (e *Evaluator) Evaluate(ex Example) Report {
	query := tokenizer.TermSet(ex.Query)
	answer := tokenizer.TermSet(ex.Answer)
	contexts := make([]map[string]struct{}, len(ex.Contexts))
	for i, c := range ex.Contexts {
		contexts[i] = tokenizer.TermSet(c)
	}

	results := []Result{
		faithfulness(ex, answer, contexts),
		answerRelevance(ex.Answer, query, answer),
		contextPrecision(query, contexts),
		contextUtilization(answer, contexts),
	}
	if strings.TrimSpace(ex.GroundTruth) != "" {
		results = append(results, correctness(answer, tokenizer.TermSet(ex.GroundTruth)))
	}

	var sum float64
	for _, r := range results {
		sum += r.Score
		if e.metrics != nil {
			e.metrics.EvaluationScore.WithLabelValues(string(r.Metric)).Observe(r.Score)
		}
	}
	return Report{
		QueryHash:   guard.HashText(ex.Query),
		Overall:     sum / float64(len(results)),
		Metrics:     results,
		EvaluatedAt: e.now().UTC(),
	}
}

// EvaluateBatch scores examples concurrently and summarises them. Every
// example needs a query and an answer.
func (e *Evaluator) EvaluateBatch(ctx context.Context, examples []Example, concurrency int) ([]Report, Summary, error) {
	for i, ex := range examples {
		if strings.TrimSpace(ex.Query) == "" || strings.TrimSpace(ex.Answer) == "" {
			return nil, Summary{}, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
				"example %d: query and answer are required", i)
		}
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	reports := make([]Report, len(examples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, ex := range examples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i] = e.Evaluate(ex)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}

	summary := Summarize(reports)
	e.logger.Info("evaluation batch scored", "examples", summary.Examples, "overall", summary.Overall)
	return reports, summary, nil
}

// Summarize averages per-metric scores and overall scores across reports.
func Summarize(reports []Report) Summary {
	s := Summary{Examples: len(reports), Means: make(map[Metric]float64)}
	if len(reports) == 0 {
		return s
	}
	counts := make(map[Metric]int)
	for _, r := range reports {
		s.Overall += r.Overall
		for _, res := range r.Metrics {
			s.Means[res.Metric] += res.Score
			counts[res.Metric]++
		}
	}
	for m, n := range counts {
		s.Means[m] /= float64(n)
	}
	s.Overall /= float64(len(reports))
	return s
}

func faithfulness(ex Example, answer map[string]struct{}, contexts []map[string]struct{}) Result {
	if len(contexts) == 0 {
		return Result{Metric: Faithfulness, Details: map[string]any{"reason": "no contexts"}}
	}
	union := make(map[string]struct{})
	for _, c := range contexts {
		for t := range c {
			union[t] = struct{}{}
		}
	}
	shared := overlap(answer, union)
	var score float64
	if len(answer) > 0 {
		score = min(faithfulnessScale*float64(shared)/float64(len(answer)), 1)
	}
	return Result{
		Metric: Faithfulness,
		Score:  score,
		Details: map[string]any{
			"answer_terms":    len(answer),
			"context_terms":   len(union),
			"overlap":         shared,
			"grounding_ratio": generation.GroundingRatio(ex.Answer, ex.Contexts),
		},
	}
}

// answerRelevance is the Jaccard similarity of query and answer terms.
func answerRelevance(answerText string, query, answer map[string]struct{}) Result {
	shared := overlap(query, answer)
	union := len(query) + len(answer) - shared
	var score float64
	if union > 0 {
		score = float64(shared) / float64(union)
	}
	if len(strings.Fields(answerText)) > substantiveWords {
		score = min(score+relevanceBoost, 1)
	}
	return Result{
		Metric: AnswerRelevance,
		Score:  score,
		Details: map[string]any{
			"query_terms":  len(query),
			"answer_terms": len(answer),
			"overlap":      shared,
		},
	}
}

// contextPrecision weights each context's query coverage by 1/rank, so
// relevant contexts ranked early count most.
func contextPrecision(query map[string]struct{}, contexts []map[string]struct{}) Result {
	if len(contexts) == 0 {
		return Result{Metric: ContextPrecision, Details: map[string]any{"reason": "no contexts"}}
	}
	scores := make([]float64, len(contexts))
	var weighted, weights float64
	for i, c := range contexts {
		if len(query) > 0 {
			scores[i] = float64(overlap(query, c)) / float64(len(query))
		}
		w := 1 / float64(i+1)
		weighted += w * scores[i]
		weights += w
	}
	return Result{
		Metric: ContextPrecision,
		Score:  weighted / weights,
		Details: map[string]any{
			"context_scores": scores,
			"contexts":       len(contexts),
		},
	}
}

func contextUtilization(answer map[string]struct{}, contexts []map[string]struct{}) Result {
	if len(contexts) == 0 {
		return Result{Metric: ContextUtilization, Details: map[string]any{"reason": "no contexts"}}
	}
	used, total := 0, 0
	for _, c := range contexts {
		total += len(c)
		used += overlap(c, answer)
	}
	var score float64
	if total > 0 {
		score = float64(used) / float64(total)
	}
	return Result{
		Metric: ContextUtilization,
		Score:  score,
		Details: map[string]any{
			"utilized_terms":      used,
			"total_context_terms": total,
		},
	}
}

// correctness is the F1 of answer terms against reference terms.
func correctness(answer, truth map[string]struct{}) Result {
	shared := overlap(answer, truth)
	var precision, recall, f1 float64
	if len(answer) > 0 {
		precision = float64(shared) / float64(len(answer))
	}
	if len(truth) > 0 {
		recall = float64(shared) / float64(len(truth))
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return Result{
		Metric: Correctness,
		Score:  f1,
		Details: map[string]any{
			"precision": precision,
			"recall":    recall,
		},
	}
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}
