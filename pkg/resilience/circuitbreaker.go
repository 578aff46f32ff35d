// Package resilience provides fault-tolerance primitives: an error-rate
// circuit breaker, exponential-backoff retry, and a context-based timeout
// wrapper.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current phase of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls the error-rate threshold, the trailing window
// it is measured over, and recovery timing.
type CircuitBreakerConfig struct {
	ErrorRateThreshold  float64
	Window              time.Duration
	Buckets             int
	MinRequests         int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	Now                 func() time.Time
}

func defaultCBConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		ErrorRateThreshold:  0.5,
		Window:              time.Minute,
		Buckets:             10,
		MinRequests:         10,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 1,
		Now:                 time.Now,
	}
}

type bucket struct {
	start    time.Time
	total    int
	failures int
}

// CircuitBreaker trips open when the failure ratio over the trailing window
// reaches the threshold. After a cool-down it transitions to half-open and
// admits a bounded number of trial requests; one success closes it, one failure
// re-opens it.
type CircuitBreaker struct {
	name             string
	cfg              CircuitBreakerConfig
	mu               sync.Mutex
	state            State
	logger           *slog.Logger
	buckets          []bucket
	openedAt         time.Time
	halfOpenRequests int
	onStateChange    func(from, to State)
}

// NewCircuitBreaker creates a CircuitBreaker with the given config, filling
// in defaults for zero values.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	defaults := defaultCBConfig()
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = defaults.ErrorRateThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = defaults.Buckets
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = defaults.MinRequests
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaults.ResetTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}
	if cfg.Now == nil {
		cfg.Now = defaults.Now
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		logger:  slog.Default().With("component", "circuit-breaker", "name", name),
		buckets: make([]bucket, cfg.Buckets),
	}
}

// OnStateChange registers a callback invoked (under the breaker lock) on
// every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn if the circuit allows it, recording success or failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err == nil)
	return err
}

// GetState returns the current State, advancing Open to HalfOpen once the
// cool-down has elapsed.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// IsOpen reports whether requests are currently being rejected. A half-open
// breaker with trial capacity left is not open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	switch cb.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		return cb.halfOpenRequests >= cb.cfg.HalfOpenMaxRequests
	}
	return false
}

// Allow reserves a slot for one request or returns ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	switch cb.state {
	case StateOpen:
		remaining := cb.cfg.ResetTimeout - cb.cfg.Now().Sub(cb.openedAt)
		return fmt.Errorf("%w: %s (retry after %v)", ErrCircuitOpen, cb.name, remaining)
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.cfg.HalfOpenMaxRequests {
			return fmt.Errorf("%w: %s (half-open trial limit reached)", ErrCircuitOpen, cb.name)
		}
		cb.halfOpenRequests++
	}
	return nil
}

// Record adds one outcome to the trailing window and applies transitions.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.cfg.Now()
	b := cb.currentBucket(now)
	b.total++
	if !success {
		b.failures++
	}

	switch cb.state {
	case StateHalfOpen:
		if success {
			cb.resetWindow()
			cb.transition(StateClosed)
			cb.logger.Info("circuit closed (recovered)")
			return
		}
		cb.openedAt = now
		cb.transition(StateOpen)
		cb.logger.Warn("circuit re-opened (half-open trial request failed)")
	case StateClosed:
		if success {
			return
		}
		total, failures := cb.windowCounts(now)
		if total < cb.cfg.MinRequests {
			return
		}
		rate := float64(failures) / float64(total)
		if rate >= cb.cfg.ErrorRateThreshold {
			cb.openedAt = now
			cb.transition(StateOpen)
			cb.logger.Warn("circuit opened",
				"error_rate", rate,
				"threshold", cb.cfg.ErrorRateThreshold,
				"window_requests", total,
			)
		}
	}
}

// Trip forces the breaker open regardless of the observed error rate.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.openedAt = cb.cfg.Now()
	if cb.state != StateOpen {
		cb.transition(StateOpen)
	}
	cb.logger.Warn("circuit tripped", "reason", reason)
}

// ErrorRate returns the failure ratio and request count over the window.
func (cb *CircuitBreaker) ErrorRate() (float64, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	total, failures := cb.windowCounts(cb.cfg.Now())
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total), total
}

// Reset forces the circuit breaker back to the Closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetWindow()
	cb.transition(StateClosed)
	cb.logger.Info("circuit manually reset")
}

func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(StateHalfOpen)
		cb.logger.Info("circuit transitioning to half-open", "after", cb.cfg.ResetTimeout)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.halfOpenRequests = 0
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) bucketWidth() time.Duration {
	w := cb.cfg.Window / time.Duration(len(cb.buckets))
	if w <= 0 {
		w = time.Millisecond
	}
	return w
}

func (cb *CircuitBreaker) currentBucket(now time.Time) *bucket {
	width := cb.bucketWidth()
	start := now.Truncate(width)
	idx := int((start.UnixNano() / int64(width)) % int64(len(cb.buckets)))
	b := &cb.buckets[idx]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

func (cb *CircuitBreaker) windowCounts(now time.Time) (total, failures int) {
	cutoff := now.Add(-cb.cfg.Window)
	for _, b := range cb.buckets {
		if b.start.After(cutoff) {
			total += b.total
			failures += b.failures
		}
	}
	return total, failures
}

func (cb *CircuitBreaker) resetWindow() {
	for i := range cb.buckets {
		cb.buckets[i] = bucket{}
	}
}
