package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func appendN(t *testing.T, c *Chain, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := c.Append(context.Background(), Payload{
			Stage:      StageRetrieval,
			TraceID:    "trace-1",
			QueryHash:  HashString("q"),
			Documents:  []DocumentRef{{ID: "doc-1", VersionHash: "v1"}},
			Confidence: Float(0.71),
			Details:    map[string]any{"n": i},
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestAppendLinksEvents(t *testing.T) {
	c, err := Open(context.Background(), NewMemoryStore(), Options{Retry: fastRetry})
	require.NoError(t, err)

	evs := appendN(t, c, 3)
	assert.Equal(t, GenesisHash, evs[0].PreviousHash)
	for i := 1; i < len(evs); i++ {
		assert.Equal(t, int64(i), evs[i].Sequence)
		assert.Equal(t, evs[i-1].SelfHash, evs[i].PreviousHash)
	}
	next, head := c.Head()
	assert.Equal(t, int64(3), next)
	assert.Equal(t, evs[2].SelfHash, head)
}

func TestSelfHashFormula(t *testing.T) {
	c, _ := Open(context.Background(), NewMemoryStore(), Options{})
	ev := appendN(t, c, 1)[0]

	body, err := ev.canonicalBody()
	require.NoError(t, err)
	assert.Equal(t, ComputeHash(GenesisHash, body), ev.SelfHash)
	assert.NotContains(t, string(body), "self_hash")
}

func TestVerifyIntactChain(t *testing.T) {
	store := NewMemoryStore()
	c, _ := Open(context.Background(), store, Options{})
	evs := appendN(t, c, 10)

	res, err := c.Verify(context.Background(), 0, -1)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(10), res.Checked)
	assert.Equal(t, evs[9].SelfHash, res.HeadHash)

	res, err = c.Verify(context.Background(), 4, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Checked)
}

func TestVerifyDetectsTamper(t *testing.T) {
	for _, at := range []int64{0, 3, 7} {
		store := NewMemoryStore()
		c, _ := Open(context.Background(), store, Options{})
		appendN(t, c, 8)

		store.Tamper(at, func(r *Record) {
			r.Body = []byte(string(r.Body[:len(r.Body)-1]) + `,"x":1}`)
		})
		res, err := Verify(context.Background(), store, 0, -1)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrChainIntegrityViolation)
		assert.False(t, res.Valid)
		assert.GreaterOrEqual(t, res.FirstMismatch, at)
		assert.Equal(t, at, res.FirstMismatch)
	}
}

func TestVerifyDetectsRewrittenSelfHash(t *testing.T) {
	store := NewMemoryStore()
	c, _ := Open(context.Background(), store, Options{})
	appendN(t, c, 4)

	// attacker edits event 1 and recomputes its own hash, but not event 2's link
	store.Tamper(1, func(r *Record) {
		r.Body = []byte(string(r.Body[:len(r.Body)-1]) + `,"x":1}`)
		r.SelfHash = ComputeHash(r.PreviousHash, r.Body)
	})
	res, err := Verify(context.Background(), store, 0, -1)
	require.ErrorIs(t, err, apperrors.ErrChainIntegrityViolation)
	assert.Equal(t, int64(2), res.FirstMismatch)
}

type flakyStore struct {
	*MemoryStore
	failures atomic.Int64
}

func (f *flakyStore) Append(ctx context.Context, rec Record) error {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("connection reset")
	}
	return f.MemoryStore.Append(ctx, rec)
}

func TestAppendRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)
	c, _ := Open(context.Background(), store, Options{Retry: fastRetry})
	ev, err := c.Append(context.Background(), Payload{Stage: StageGuard, TraceID: "t"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.Sequence)
}

func TestAppendPersistentFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(100)
	var tripped atomic.Bool
	c, _ := Open(context.Background(), store, Options{
		Retry:          fastRetry,
		OnWriteFailure: func(error) { tripped.Store(true) },
	})

	_, err := c.Append(context.Background(), Payload{Stage: StageGuard, TraceID: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailure)
	assert.True(t, tripped.Load())

	next, head := c.Head()
	assert.Equal(t, int64(0), next)
	assert.Equal(t, GenesisHash, head)
}

// lostAckStore persists a record and then reports a transient failure, as
// when a commit succeeds but its acknowledgement is lost.
type lostAckStore struct {
	*MemoryStore
	lose atomic.Int64
}

func (s *lostAckStore) Append(ctx context.Context, rec Record) error {
	if err := s.MemoryStore.Append(ctx, rec); err != nil {
		return err
	}
	if s.lose.Load() > 0 {
		s.lose.Add(-1)
		return errors.New("connection reset after commit")
	}
	return nil
}

func TestAppendRecoversFromLostAcknowledgement(t *testing.T) {
	ctx := context.Background()
	store := &lostAckStore{MemoryStore: NewMemoryStore()}
	c, err := Open(ctx, store, Options{Retry: fastRetry})
	require.NoError(t, err)
	appendN(t, c, 1)

	store.lose.Store(1)
	ev, err := c.Append(ctx, Payload{Stage: StageGuard, TraceID: "t"})
	require.NoError(t, err, "the event reached the store")
	assert.Equal(t, int64(1), ev.Sequence)

	more := appendN(t, c, 3)
	assert.Equal(t, int64(4), more[2].Sequence)
	res, err := c.Verify(ctx, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Checked)
}

func TestAppendResyncsAfterForeignWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c, err := Open(ctx, store, Options{Retry: fastRetry})
	require.NoError(t, err)
	first := appendN(t, c, 1)[0]

	// Another writer takes sequence 1.
	other, err := Open(ctx, store, Options{})
	require.NoError(t, err)
	foreign, err := other.Append(ctx, Payload{Stage: StageReview, TraceID: "other"})
	require.NoError(t, err)
	require.Equal(t, int64(1), foreign.Sequence)

	_, err = c.Append(ctx, Payload{Stage: StageGuard, TraceID: "t"})
	require.ErrorIs(t, err, apperrors.ErrAuditWriteFailure)

	ev, err := c.Append(ctx, Payload{Stage: StageGuard, TraceID: "t"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Sequence)
	assert.Equal(t, foreign.SelfHash, ev.PreviousHash)
	assert.NotEqual(t, first.SelfHash, ev.PreviousHash)
}

func TestConcurrentAppendsTotallyOrdered(t *testing.T) {
	store := NewMemoryStore()
	c, _ := Open(context.Background(), store, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Append(context.Background(), Payload{Stage: StageDecision, TraceID: "t"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	res, err := Verify(context.Background(), store, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Checked)
}

func TestApproveAppendsReviewEvent(t *testing.T) {
	store := NewMemoryStore()
	c, _ := Open(context.Background(), store, Options{})
	ctx := context.Background()
	pending, err := c.Append(ctx, Payload{Stage: StageDecision, TraceID: "t", ReviewStatus: ReviewPending})
	require.NoError(t, err)

	review, err := c.Approve(ctx, pending.EventID, "dr-review")
	require.NoError(t, err)
	assert.Equal(t, StageReview, review.Stage)
	assert.Equal(t, ReviewHumanApproved, review.ReviewStatus)
	assert.Equal(t, pending.EventID, review.Details["reviewed_event_id"])

	original, err := c.Get(ctx, pending.EventID)
	require.NoError(t, err)
	assert.Equal(t, ReviewPending, original.ReviewStatus, "reviewed event is never edited")

	_, err = c.Approve(ctx, "missing", "x")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	auto, _ := c.Append(ctx, Payload{Stage: StageDecision, TraceID: "t", ReviewStatus: ReviewAutoApproved})
	_, err = c.Approve(ctx, auto.EventID, "x")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestReopenRecoversTail(t *testing.T) {
	store := NewMemoryStore()
	c, _ := Open(context.Background(), store, Options{})
	evs := appendN(t, c, 2)

	c2, err := Open(context.Background(), store, Options{})
	require.NoError(t, err)
	ev, err := c2.Append(context.Background(), Payload{Stage: StageGuard, TraceID: "t"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Sequence)
	assert.Equal(t, evs[1].SelfHash, ev.PreviousHash)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	c, err := Open(ctx, store, Options{})
	require.NoError(t, err)
	evs := appendN(t, c, 5)
	require.NoError(t, store.Close())

	// a separate process would reopen the file like this
	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	res, err := Verify(ctx, reopened, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Checked)

	got, err := reopened.Get(ctx, evs[2].EventID)
	require.NoError(t, err)
	ev, err := got.Event()
	require.NoError(t, err)
	assert.Equal(t, evs[2].SelfHash, ev.SelfHash)
	assert.True(t, evs[2].Timestamp.Equal(ev.Timestamp))

	_, err = reopened.db.ExecContext(ctx, `UPDATE audit_events SET body = replace(body, 'doc-1', 'doc-9') WHERE sequence = 3`)
	require.NoError(t, err)
	res, err = Verify(ctx, reopened, 0, -1)
	require.ErrorIs(t, err, apperrors.ErrChainIntegrityViolation)
	assert.Equal(t, int64(3), res.FirstMismatch)
}

func TestSQLiteRejectsDuplicateSequence(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	rec := Record{Sequence: 0, EventID: "a", Stage: StageGuard, Body: []byte(`{}`), PreviousHash: GenesisHash, SelfHash: "x", Timestamp: time.Now()}
	require.NoError(t, store.Append(ctx, rec))
	rec.EventID = "b"
	assert.ErrorIs(t, store.Append(ctx, rec), apperrors.ErrConflict)
}

func TestPostgresPlaceholderRebind(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "WHERE a = $1 AND b <= $2", s.rebind("WHERE a = ? AND b <= ?"))
	s.dialect = DialectSQLite
	assert.Equal(t, "WHERE a = ?", s.rebind("WHERE a = ?"))
}

type capturePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (p *capturePublisher) Publish(_ context.Context, e kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) PublishBatch(ctx context.Context, es []kafka.Event) error {
	for _, e := range es {
		_ = p.Publish(ctx, e)
	}
	return nil
}

func TestKafkaMirrorForwardsEvents(t *testing.T) {
	pub := &capturePublisher{}
	mirror := NewKafkaMirror(pub, 16)
	ctx, cancel := context.WithCancel(context.Background())
	mirror.Start(ctx)

	c, _ := Open(context.Background(), NewMemoryStore(), Options{Mirror: mirror})
	appendN(t, c, 3)
	cancel()
	mirror.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.events, 3)
}

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "governed_retrieval_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "governed"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestPostgresStoreChain(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	_, err := db.DB.ExecContext(ctx, `DROP TABLE IF EXISTS audit_events`)
	require.NoError(t, err)

	store, err := NewSQLStore(ctx, db.DB, DialectPostgres)
	require.NoError(t, err)
	c, err := Open(ctx, store, Options{})
	require.NoError(t, err)
	evs := appendN(t, c, 4)

	res, err := Verify(ctx, store, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Checked)
	assert.Equal(t, evs[3].SelfHash, res.HeadHash)

	_, err = db.DB.ExecContext(ctx, `UPDATE audit_events SET previous_hash = $1 WHERE sequence = 2`, GenesisHash)
	require.NoError(t, err)
	res, err = Verify(ctx, store, 0, -1)
	require.ErrorIs(t, err, apperrors.ErrChainIntegrityViolation)
	assert.Equal(t, int64(2), res.FirstMismatch)
}
