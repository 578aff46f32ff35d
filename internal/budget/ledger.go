// Package budget implements token admission control: per-scope limits, an
// atomic multi-scope reservation ledger, and a per-user request rate limit.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/google/uuid"
)

// ScopeKey names one budget window, e.g. "user:alice:day" or "global:day".
type ScopeKey string

const GlobalDay ScopeKey = "global:day"

func UserDay(userID string) ScopeKey   { return ScopeKey("user:" + userID + ":day") }
func UserMonth(userID string) ScopeKey { return ScopeKey("user:" + userID + ":month") }

func (k ScopeKey) monthly() bool { return strings.HasSuffix(string(k), ":month") }

type Config struct {
	UserDailyTokens   int64
	UserMonthlyTokens int64
	GlobalDailyTokens int64
	MaxRequestTokens  int64
	MaxOutputTokens   int64
	OutputMultiplier  float64
	ReservationTTL    time.Duration
	SweepInterval     time.Duration
	// SettledRetention is how long a settled reservation id is remembered
	// to reject repeated commits.
	SettledRetention time.Duration
	Now              func() time.Time
}

// Reservation is a hold against every scope it names. It is a value; the
// ledger owns the authoritative state.
type Reservation struct {
	ID        string     `json:"id"`
	Scopes    []ScopeKey `json:"scopes"`
	Estimate  int64      `json:"estimate"`
	ExpiresAt time.Time  `json:"expires_at"`
}

type CommitResult struct {
	Actual        int64      `json:"actual"`
	Overrun       bool       `json:"overrun"`
	OverrunScopes []ScopeKey `json:"overrun_scopes,omitempty"`
	Expired       bool       `json:"expired"`
	Duplicate     bool       `json:"duplicate"`
}

// ScopeUsage is a point-in-time view of one scope.
type ScopeUsage struct {
	Scope       ScopeKey  `json:"scope"`
	Limit       int64     `json:"limit"`
	Consumed    int64     `json:"consumed"`
	Held        int64     `json:"held"`
	PeriodStart time.Time `json:"period_start"`
}

type scopeState struct {
	limit       int64
	consumed    int64
	held        int64
	periodStart time.Time
}

type hold struct {
	scopes    []ScopeKey
	amount    int64
	expiresAt time.Time
}

// Ledger serialises every budget mutation behind one mutex so a reservation
// across several scopes is all-or-nothing.
type Ledger struct {
	mu     sync.Mutex
	cfg    Config
	scopes map[ScopeKey]*scopeState
	holds  map[string]*hold
	// settled maps committed or released reservation ids to when they may
	// be forgotten.
	settled map[string]time.Time
	logger  *slog.Logger
}

func NewLedger(cfg Config) *Ledger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.SettledRetention <= 0 {
		cfg.SettledRetention = 24 * time.Hour
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 1024
	}
	if cfg.OutputMultiplier <= 0 {
		cfg.OutputMultiplier = 1.5
	}
	return &Ledger{
		cfg:     cfg,
		scopes:  make(map[ScopeKey]*scopeState),
		holds:   make(map[string]*hold),
		settled: make(map[string]time.Time),
		logger:  slog.Default().With("component", "budget-ledger"),
	}
}

// Estimate is ceil(len/4) for the prompt plus retrieved context plus the
// output allowance.
func (l *Ledger) Estimate(text string, contextTokens int64) int64 {
	input := int64(math.Ceil(float64(len(text)) / 4))
	output := int64(math.Ceil(float64(l.cfg.MaxOutputTokens) * l.cfg.OutputMultiplier))
	return input + contextTokens + output
}

// ScopesFor returns the scopes charged for a request from userID.
func ScopesFor(userID string) []ScopeKey {
	return []ScopeKey{UserDay(userID), UserMonth(userID), GlobalDay}
}

// Reserve holds estimate tokens against all scopes or none.
func (l *Ledger) Reserve(scopes []ScopeKey, estimate int64) (Reservation, error) {
	if estimate < 0 {
		return Reservation{}, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "negative estimate")
	}
	if l.cfg.MaxRequestTokens > 0 && estimate > l.cfg.MaxRequestTokens {
		return Reservation{}, apperrors.Newf(apperrors.ErrBudgetExceeded, http.StatusTooManyRequests,
			"request estimate %d exceeds per-request ceiling %d", estimate, l.cfg.MaxRequestTokens)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()
	l.expireLocked(now)

	for _, key := range scopes {
		st := l.stateLocked(key, now)
		if st.limit <= 0 {
			continue
		}
		if remaining := st.limit - st.consumed - st.held; estimate > remaining {
			return Reservation{}, apperrors.Newf(apperrors.ErrBudgetExceeded, http.StatusTooManyRequests,
				"scope %s: requested %d, remaining %d", key, estimate, max(remaining, 0))
		}
	}
	for _, key := range scopes {
		l.scopes[key].held += estimate
	}

	r := Reservation{
		ID:        uuid.NewString(),
		Scopes:    append([]ScopeKey(nil), scopes...),
		Estimate:  estimate,
		ExpiresAt: now.Add(l.cfg.ReservationTTL),
	}
	l.holds[r.ID] = &hold{scopes: r.Scopes, amount: estimate, expiresAt: r.ExpiresAt}
	return r, nil
}

// Commit settles a reservation with the actual usage. It never fails: usage
// past a limit is recorded and reported as an overrun. A reservation that
// already expired still has its usage recorded.
func (l *Ledger) Commit(r Reservation, actual int64) CommitResult {
	if actual < 0 {
		actual = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()

	res := CommitResult{Actual: actual}
	if _, done := l.settled[r.ID]; done {
		res.Duplicate = true
		return res
	}
	if h, ok := l.holds[r.ID]; ok {
		l.releaseLocked(r.ID, h)
	} else if now.Before(r.ExpiresAt) {
		res.Duplicate = true
		return res
	} else {
		res.Expired = true
	}
	l.settled[r.ID] = now.Add(l.cfg.SettledRetention)

	for _, key := range r.Scopes {
		st := l.stateLocked(key, now)
		st.consumed += actual
		if st.limit > 0 && st.consumed > st.limit {
			res.Overrun = true
			res.OverrunScopes = append(res.OverrunScopes, key)
		}
	}
	if res.Overrun {
		l.logger.Warn("budget overrun on commit",
			"reservation", r.ID,
			"estimate", r.Estimate,
			"actual", actual,
			"scopes", res.OverrunScopes,
		)
	}
	return res
}

// Release drops a reservation without recording usage.
func (l *Ledger) Release(r Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[r.ID]; ok {
		l.releaseLocked(r.ID, h)
		l.settled[r.ID] = l.cfg.Now().Add(l.cfg.SettledRetention)
	}
}

// Run sweeps expired reservations until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Sweep releases every expired reservation and returns how many it freed.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireLocked(l.cfg.Now())
}

// Snapshot returns usage for the requested scopes, or every known scope
// when none are given, sorted by key.
func (l *Ledger) Snapshot(scopes ...ScopeKey) []ScopeUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()
	if len(scopes) == 0 {
		for k := range l.scopes {
			scopes = append(scopes, k)
		}
	}
	out := make([]ScopeUsage, 0, len(scopes))
	for _, k := range scopes {
		st := l.stateLocked(k, now)
		out = append(out, ScopeUsage{
			Scope:       k,
			Limit:       st.limit,
			Consumed:    st.consumed,
			Held:        st.held,
			PeriodStart: st.periodStart,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

func (l *Ledger) expireLocked(now time.Time) int {
	n := 0
	for id, h := range l.holds {
		if !now.Before(h.expiresAt) {
			l.releaseLocked(id, h)
			n++
		}
	}
	for id, forgetAt := range l.settled {
		if !now.Before(forgetAt) {
			delete(l.settled, id)
		}
	}
	if n > 0 {
		l.logger.Info("expired reservations released", "count", n)
	}
	return n
}

func (l *Ledger) releaseLocked(id string, h *hold) {
	for _, key := range h.scopes {
		if st, ok := l.scopes[key]; ok {
			st.held -= h.amount
			if st.held < 0 {
				st.held = 0
			}
		}
	}
	delete(l.holds, id)
}

// stateLocked returns the scope state, creating it and applying UTC period
// rollover as needed.
func (l *Ledger) stateLocked(key ScopeKey, now time.Time) *scopeState {
	period := periodStart(key, now)
	st, ok := l.scopes[key]
	if !ok {
		st = &scopeState{limit: l.limitFor(key), periodStart: period}
		l.scopes[key] = st
		return st
	}
	if period.After(st.periodStart) {
		l.logger.Debug("budget period rollover", "scope", key, "consumed", st.consumed)
		st.consumed = 0
		st.periodStart = period
	}
	return st
}

func (l *Ledger) limitFor(key ScopeKey) int64 {
	switch {
	case key == GlobalDay:
		return l.cfg.GlobalDailyTokens
	case key.monthly():
		return l.cfg.UserMonthlyTokens
	default:
		return l.cfg.UserDailyTokens
	}
}

func periodStart(key ScopeKey, now time.Time) time.Time {
	u := now.UTC()
	if key.monthly() {
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func (r Reservation) String() string {
	return fmt.Sprintf("reservation %s (%d tokens, %d scopes)", r.ID, r.Estimate, len(r.Scopes))
}
