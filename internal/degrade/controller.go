package degrade

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
)

type Config struct {
	Thresholds          Thresholds
	ErrorRateCeiling    float64
	ErrorWindow         time.Duration
	MinWindowRequests   int
	CoolDown            time.Duration
	HalfOpenTrials      int
	CostAnomalyMultiple float64
	CostBaselineWarmup  int
	Now                 func() time.Time
}

// Controller owns the process-wide breaker latch and cost baseline and
// feeds them into Decide.
type Controller struct {
	cfg     Config
	breaker *resilience.CircuitBreaker
	cost    *CostTracker
	// costFlag latches a recent anomaly until the next healthy observation.
	costFlag atomic.Bool
	logger   *slog.Logger
}

func NewController(cfg Config) *Controller {
	if cfg.Thresholds.LowConfidence == 0 {
		cfg.Thresholds.LowConfidence = DefaultThresholds().LowConfidence
	}
	return &Controller{
		cfg: cfg,
		breaker: resilience.NewCircuitBreaker("pipeline", resilience.CircuitBreakerConfig{
			ErrorRateThreshold:  cfg.ErrorRateCeiling,
			Window:              cfg.ErrorWindow,
			MinRequests:         cfg.MinWindowRequests,
			ResetTimeout:        cfg.CoolDown,
			HalfOpenMaxRequests: cfg.HalfOpenTrials,
			Now:                 cfg.Now,
		}),
		cost:   NewCostTracker(cfg.CostAnomalyMultiple, cfg.CostBaselineWarmup, 0),
		logger: slog.Default().With("component", "degrade"),
	}
}

func (c *Controller) Thresholds() Thresholds { return c.cfg.Thresholds }

func (c *Controller) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Evaluate fills the breaker and cost signals from controller state and
// decides. Callers supply the per-request signals. Only a fully open breaker
// counts here: a request evaluated while half-open already holds a trial
// slot, and callers refused by Admit pass CircuitOpen themselves.
func (c *Controller) Evaluate(s Signals) Decision {
	s.CircuitOpen = s.CircuitOpen || c.breaker.GetState() == resilience.StateOpen
	s.CostAnomaly = s.CostAnomaly || c.costFlag.Load()
	d := Decide(s, c.cfg.Thresholds)
	if d.Strategy != StrategyFullAI {
		c.logger.Info("request degraded", "strategy", d.Strategy, "reason", d.Reason)
	}
	return d
}

// Admit reserves a breaker slot for a request that will hit dependencies.
// A half-open breaker admits only its trial quota.
func (c *Controller) Admit() bool {
	return c.breaker.Allow() == nil
}

// RecordOutcome reports whether a request's dependencies all succeeded.
func (c *Controller) RecordOutcome(success bool) {
	c.breaker.Record(success)
}

// Trip forces the breaker open, e.g. after an audit write failure.
func (c *Controller) Trip(reason string) {
	c.breaker.Trip(reason)
}

// ObserveCost records a request's actual token use. A budget overrun counts
// as an anomaly regardless of the baseline.
func (c *Controller) ObserveCost(actual int64, overran bool) bool {
	anomalous := c.cost.Observe(actual) || overran
	if anomalous {
		baseline, _ := c.cost.Baseline()
		c.logger.Warn("cost anomaly", "actual_tokens", actual, "baseline", baseline, "overran", overran)
	}
	c.costFlag.Store(anomalous)
	return anomalous
}

// CostBaseline exposes the current per-request token baseline.
func (c *Controller) CostBaseline() (float64, int) {
	return c.cost.Baseline()
}
