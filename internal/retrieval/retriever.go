package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/tracing"
)

type Config struct {
	RRFK                int
	CandidateMultiplier int
	RerankDepth         int
	StageTimeouts       map[Source]time.Duration
	RerankTimeout       time.Duration
}

// Retriever fans a query out to every Searcher, fuses and reranks.
type Retriever struct {
	searchers []Searcher
	reranker  Reranker
	cfg       Config
	logger    *slog.Logger
}

func New(cfg Config, reranker Reranker, searchers ...Searcher) *Retriever {
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if cfg.CandidateMultiplier < 1 {
		cfg.CandidateMultiplier = 2
	}
	return &Retriever{
		searchers: searchers,
		reranker:  reranker,
		cfg:       cfg,
		logger:    slog.Default().With("component", "retriever"),
	}
}

type stageOutcome struct {
	source Source
	result StageResult
	err    error
}

// Retrieve returns at most topK reranked results. A single failing stage
// yields a degraded single-source ranking; all stages failing is
// ErrRetrievalFailure.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) (Result, error) {
	if topK <= 0 {
		return Result{}, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "top_k must be positive")
	}
	log := logger.FromContext(ctx).With("component", "retriever")
	depth := topK * r.cfg.CandidateMultiplier

	outcomes := r.fanOut(ctx, query, depth)

	var (
		rankings []RetrievedDocument
		lists    [][]RetrievedDocument
		result   = Result{CandidateDepth: depth}
		stageErr []error
	)
	for _, o := range outcomes {
		if o.err != nil {
			result.FailedSources = append(result.FailedSources, o.source)
			stageErr = append(stageErr, fmt.Errorf("%s: %w", o.source, o.err))
			log.Warn("retrieval stage failed", "source", o.source, "error", o.err)
			continue
		}
		if o.result.EmbeddingHash != "" {
			result.EmbeddingHash = o.result.EmbeddingHash
		}
		lists = append(lists, o.result.Documents)
		rankings = append(rankings, o.result.Documents...)
	}
	if len(lists) == 0 {
		return result, apperrors.Newf(apperrors.ErrRetrievalFailure, http.StatusServiceUnavailable,
			"all retrieval stages failed: %v", errors.Join(stageErr...))
	}
	result.Degraded = len(result.FailedSources) > 0

	fused := Fuse(r.cfg.RRFK, lists...)
	result.Candidates = fused

	m := max(topK, r.cfg.RerankDepth)
	if m > len(fused) {
		m = len(fused)
	}
	head := fused[:m]

	ranked, fallback := r.rerank(ctx, query, head, len(lists))
	result.RerankFallback = fallback
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	result.Results = ranked

	log.Info("retrieval complete",
		"candidates", len(fused),
		"results", len(ranked),
		"degraded", result.Degraded,
		"rerank_fallback", fallback,
		"raw_hits", len(rankings),
	)
	return result, nil
}

func (r *Retriever) fanOut(ctx context.Context, query string, depth int) []stageOutcome {
	outcomes := make([]stageOutcome, len(r.searchers))
	var wg sync.WaitGroup
	for i, s := range r.searchers {
		wg.Add(1)
		go func(i int, s Searcher) {
			defer wg.Done()
			sctx, span := tracing.StartChildSpan(ctx, "retrieval."+string(s.Source()))
			defer span.End()
			var res StageResult
			err := resilience.WithTimeout(sctx, r.cfg.StageTimeouts[s.Source()], string(s.Source()), func(tctx context.Context) error {
				var err error
				res, err = s.Search(tctx, query, depth)
				return err
			})
			if err != nil {
				outcomes[i] = stageOutcome{source: s.Source(), err: err}
				return
			}
			span.SetAttr("hits", len(res.Documents))
			outcomes[i] = stageOutcome{source: s.Source(), result: res}
		}(i, s)
	}
	wg.Wait()
	return outcomes
}

// rerank applies the reranker under its timeout. On timeout or error the
// fused order is kept and scores are the fused score over the best
// attainable fused score.
func (r *Retriever) rerank(ctx context.Context, query string, head []FusedCandidate, stages int) ([]RerankedResult, bool) {
	if len(head) == 0 {
		return []RerankedResult{}, false
	}
	if r.reranker != nil {
		var scores []float64
		err := resilience.WithTimeout(ctx, r.cfg.RerankTimeout, "rerank", func(tctx context.Context) error {
			s, err := r.reranker.Rerank(tctx, query, head)
			if err != nil {
				return err
			}
			if len(s) != len(head) {
				return fmt.Errorf("reranker returned %d scores for %d candidates", len(s), len(head))
			}
			scores = s
			return nil
		})
		if err == nil {
			return orderReranked(head, scores), false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", apperrors.ErrRerankTimeout, err)
		}
		logger.FromContext(ctx).Warn("rerank failed, keeping fused order", "component", "retriever", "error", err)
	}

	maxScore := MaxFusedScore(r.cfg.RRFK, stages)
	scores := make([]float64, len(head))
	for i, c := range head {
		scores[i] = c.FusedScore / maxScore
	}
	return orderReranked(head, scores), true
}
