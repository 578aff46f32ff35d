package budget

import (
	"sync"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(clock *testClock) *Ledger {
	return NewLedger(Config{
		UserDailyTokens:   1_000,
		UserMonthlyTokens: 5_000,
		GlobalDailyTokens: 10_000,
		MaxOutputTokens:   100,
		OutputMultiplier:  1.5,
		ReservationTTL:    time.Minute,
		Now:               clock.Now,
	})
}

func TestEstimate(t *testing.T) {
	l := NewLedger(Config{})
	// ceil(9/4)=3, +200 context, +ceil(1024*1.5)=1536
	assert.Equal(t, int64(3+200+1536), l.Estimate("123456789", 200))
}

func TestReserveAndCommit(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(clock)

	r, err := l.Reserve(ScopesFor("alice"), 400)
	require.NoError(t, err)

	usage := l.Snapshot(UserDay("alice"))
	require.Len(t, usage, 1)
	assert.Equal(t, int64(400), usage[0].Held)

	res := l.Commit(r, 250)
	assert.False(t, res.Overrun)
	usage = l.Snapshot(UserDay("alice"), GlobalDay)
	assert.Equal(t, int64(250), usage[1].Consumed)
	assert.Equal(t, int64(0), usage[1].Held)
}

func TestReserveAllOrNothing(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(clock)

	_, err := l.Reserve(ScopesFor("alice"), 1_001)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "user:alice:day")

	for _, u := range l.Snapshot() {
		assert.Zero(t, u.Held, "scope %s left a partial hold", u.Scope)
	}
}

func TestConcurrentReservationsExactlyOneWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
		l := newTestLedger(clock)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j := range errs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, errs[j] = l.Reserve(ScopesFor("bob"), 1_000)
			}(j)
		}
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, apperrors.ErrBudgetExceeded)
				failures++
			}
		}
		require.Equal(t, 1, failures)
	}
}

func TestCommitOverrunSucceeds(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(clock)

	r, err := l.Reserve(ScopesFor("carol"), 900)
	require.NoError(t, err)
	res := l.Commit(r, 1_200)
	assert.True(t, res.Overrun)
	assert.Contains(t, res.OverrunScopes, UserDay("carol"))

	_, err = l.Reserve(ScopesFor("carol"), 1)
	assert.ErrorIs(t, err, apperrors.ErrBudgetExceeded)
}

func TestDuplicateCommitIgnored(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(clock)
	r, _ := l.Reserve(ScopesFor("dan"), 100)
	l.Commit(r, 100)
	res := l.Commit(r, 100)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(100), l.Snapshot(UserDay("dan"))[0].Consumed)
}

func TestExpiredReservationReleasedAndStillCommits(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(clock)

	r, err := l.Reserve(ScopesFor("erin"), 800)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, l.Sweep())
	assert.Zero(t, l.Snapshot(UserDay("erin"))[0].Held)

	res := l.Commit(r, 300)
	assert.True(t, res.Expired)
	assert.Equal(t, int64(300), l.Snapshot(UserDay("erin"))[0].Consumed)
}

func TestExpiredReservationCommitsOnce(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(clock)

	r, err := l.Reserve(ScopesFor("ivy"), 500)
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)
	l.Sweep()

	first := l.Commit(r, 200)
	assert.True(t, first.Expired)
	second := l.Commit(r, 200)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(200), l.Snapshot(UserDay("ivy"))[0].Consumed)
}

func TestCommitAfterReleaseIgnored(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(clock)

	r, err := l.Reserve(ScopesFor("jon"), 500)
	require.NoError(t, err)
	l.Release(r)
	clock.Advance(3 * time.Minute)
	assert.True(t, l.Commit(r, 200).Duplicate)
	assert.Zero(t, l.Snapshot(UserDay("jon"))[0].Consumed)
}

func TestLazyExpiryOnReserve(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(clock)
	_, err := l.Reserve(ScopesFor("fay"), 1_000)
	require.NoError(t, err)
	clock.Advance(61 * time.Second)
	_, err = l.Reserve(ScopesFor("fay"), 1_000)
	assert.NoError(t, err)
}

func TestDailyRolloverUTC(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)}
	l := newTestLedger(clock)
	r, _ := l.Reserve(ScopesFor("gus"), 1_000)
	l.Commit(r, 1_000)

	_, err := l.Reserve(ScopesFor("gus"), 10)
	require.ErrorIs(t, err, apperrors.ErrBudgetExceeded)

	clock.Advance(2 * time.Minute)
	_, err = l.Reserve(ScopesFor("gus"), 10)
	require.NoError(t, err)

	month := l.Snapshot(UserMonth("gus"))[0]
	assert.Equal(t, int64(1_000), month.Consumed, "month window does not reset at day boundary")
}

func TestPerRequestCeiling(t *testing.T) {
	l := NewLedger(Config{MaxRequestTokens: 500})
	_, err := l.Reserve(ScopesFor("hal"), 501)
	assert.ErrorIs(t, err, apperrors.ErrBudgetExceeded)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	require.NoError(t, rl.Allow("ivy"))
	require.NoError(t, rl.Allow("ivy"))
	assert.ErrorIs(t, rl.Allow("ivy"), apperrors.ErrRateLimited)
	assert.NoError(t, rl.Allow("jon"))

	rl.Reset("ivy")
	assert.NoError(t, rl.Allow("ivy"))
}

func TestControllerAdmit(t *testing.T) {
	l := NewLedger(Config{UserDailyTokens: 10_000, MaxOutputTokens: 10, OutputMultiplier: 1})
	c := NewController(l, NewRateLimiter(1, time.Hour))

	r, err := c.Admit("kim", "abcd", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1+20+10), r.Estimate)

	_, err = c.Admit("kim", "abcd", 20)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}
