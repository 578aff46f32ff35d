// Package degrade decides how much automation a request may use given the
// current confidence, latency, cost and dependency-health signals.
package degrade

import "time"

// Strategy is the response mode selected for a request.
type Strategy string

const (
	StrategyFullAI          Strategy = "FULL_AI"
	StrategyRetrievalOnly   Strategy = "RETRIEVAL_ONLY"
	StrategyCachedResponse  Strategy = "CACHED_RESPONSE"
	StrategyStaticFallback  Strategy = "STATIC_FALLBACK"
	StrategyHumanEscalation Strategy = "HUMAN_ESCALATION"
)

// Automated reports whether answers under s need no human review.
func (s Strategy) Automated() bool {
	return s == StrategyFullAI || s == StrategyCachedResponse
}

// Reason names the rule that produced a Decision.
type Reason string

const (
	ReasonCriticalFailure Reason = "critical_dependency_failure"
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonCostAnomaly     Reason = "cost_anomaly"
	ReasonLatency         Reason = "latency_exceeded"
	ReasonLowConfidence   Reason = "low_confidence"
	ReasonHealthy         Reason = "healthy"
)

// Signals is a snapshot of everything the policy looks at.
type Signals struct {
	CriticalFailure bool
	CircuitOpen     bool
	CostAnomaly     bool
	CacheHit        bool
	Latency         time.Duration
	DeadlineExpired bool
	Confidence      float64
}

type Thresholds struct {
	LowConfidence float64
	// LatencyCeiling of zero disables the elapsed-time check; an expired
	// deadline still counts.
	LatencyCeiling time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{LowConfidence: 0.65, LatencyCeiling: 8 * time.Second}
}

type Decision struct {
	Strategy Strategy `json:"strategy"`
	Reason   Reason   `json:"reason"`
}

// Decide applies the fixed precedence. It is pure: equal inputs always give
// equal decisions.
func Decide(s Signals, t Thresholds) Decision {
	switch {
	case s.CriticalFailure:
		if s.CacheHit {
			return Decision{StrategyCachedResponse, ReasonCriticalFailure}
		}
		return Decision{StrategyHumanEscalation, ReasonCriticalFailure}
	case s.CircuitOpen:
		return Decision{StrategyStaticFallback, ReasonCircuitOpen}
	case s.CostAnomaly:
		if s.CacheHit {
			return Decision{StrategyCachedResponse, ReasonCostAnomaly}
		}
		return Decision{StrategyRetrievalOnly, ReasonCostAnomaly}
	case s.DeadlineExpired || (t.LatencyCeiling > 0 && s.Latency > t.LatencyCeiling):
		return Decision{StrategyRetrievalOnly, ReasonLatency}
	case s.Confidence < t.LowConfidence:
		return Decision{StrategyRetrievalOnly, ReasonLowConfidence}
	}
	return Decision{StrategyFullAI, ReasonHealthy}
}
