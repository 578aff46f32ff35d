package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
	"github.com/google/uuid"
)

// Mirror receives every appended event. It must not block the writer.
type Mirror interface {
	Mirror(ev Event)
}

type Options struct {
	Retry resilience.RetryConfig
	// OnWriteFailure runs after an append exhausts its retries.
	OnWriteFailure func(err error)
	// OnAppend runs after every append attempt with its outcome.
	OnAppend func(stage Stage, err error)
	Mirror   Mirror
	Now      func() time.Time
}

// Chain is the single serialised writer for a Store.
type Chain struct {
	mu       sync.Mutex
	store    Store
	nextSeq  int64
	lastHash string
	opts     Options
	logger   *slog.Logger
}

// Open recovers the chain tail from the store.
func Open(ctx context.Context, store Store, opts Options) (*Chain, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Chain{
		store:    store,
		lastHash: GenesisHash,
		opts:     opts,
		logger:   slog.Default().With("component", "audit-chain"),
	}
	last, ok, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading audit tail: %w", err)
	}
	if ok {
		c.nextSeq = last.Sequence + 1
		c.lastHash = last.SelfHash
	}
	c.logger.Info("audit chain opened", "next_sequence", c.nextSeq)
	return c, nil
}

// Append assigns the next sequence, links and persists the event. Appends
// are totally ordered; a persistent store failure returns
// ErrAuditWriteFailure and leaves the tail unchanged.
func (c *Chain) Append(ctx context.Context, p Payload) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev := Event{
		EventID:      uuid.NewString(),
		Sequence:     c.nextSeq,
		Timestamp:    c.opts.Now().UTC().Truncate(time.Microsecond),
		Payload:      p,
		PreviousHash: c.lastHash,
	}
	body, err := ev.canonicalBody()
	if err != nil {
		return Event{}, apperrors.Newf(apperrors.ErrAuditWriteFailure, http.StatusServiceUnavailable, "%v", err)
	}
	ev.SelfHash = ComputeHash(ev.PreviousHash, body)

	rec := Record{
		Sequence:     ev.Sequence,
		EventID:      ev.EventID,
		Stage:        ev.Stage,
		TraceID:      ev.TraceID,
		Timestamp:    ev.Timestamp,
		Body:         body,
		PreviousHash: ev.PreviousHash,
		SelfHash:     ev.SelfHash,
	}
	err = resilience.Retry(ctx, "audit-append", c.opts.Retry, func() error {
		err := c.store.Append(ctx, rec)
		if errors.Is(err, apperrors.ErrConflict) {
			// Another writer owns this sequence; retrying cannot succeed.
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil && c.landed(ctx, ev) {
		c.logger.Warn("audit append persisted despite error", "sequence", ev.Sequence, "event_id", ev.EventID, "error", err)
		err = nil
	}
	if c.opts.OnAppend != nil {
		c.opts.OnAppend(p.Stage, err)
	}
	if err != nil {
		c.resync(ctx)
		c.logger.Error("audit append failed", "sequence", ev.Sequence, "stage", p.Stage, "trace_id", p.TraceID, "error", err)
		if c.opts.OnWriteFailure != nil {
			c.opts.OnWriteFailure(err)
		}
		return Event{}, apperrors.Newf(apperrors.ErrAuditWriteFailure, http.StatusServiceUnavailable,
			"sequence %d: %v", ev.Sequence, err)
	}

	c.nextSeq++
	c.lastHash = ev.SelfHash
	if c.opts.Mirror != nil {
		c.opts.Mirror.Mirror(ev)
	}
	return ev, nil
}

// landed reports whether ev reached the store even though its append
// returned an error, e.g. when the commit acknowledgement was lost.
func (c *Chain) landed(ctx context.Context, ev Event) bool {
	rec, err := c.store.Get(context.WithoutCancel(ctx), ev.EventID)
	return err == nil && rec.Sequence == ev.Sequence && rec.SelfHash == ev.SelfHash
}

// resync realigns the tail with the store after a failed append so the next
// append does not reuse a sequence that is already taken. Caller holds mu.
func (c *Chain) resync(ctx context.Context) {
	last, ok, err := c.store.Last(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Warn("audit tail resync failed", "error", err)
		return
	}
	if !ok || last.Sequence+1 == c.nextSeq {
		return
	}
	c.logger.Warn("audit tail resynced from store", "from_sequence", c.nextSeq, "to_sequence", last.Sequence+1)
	c.nextSeq = last.Sequence + 1
	c.lastHash = last.SelfHash
}

// Head returns the next sequence number and the current tail hash.
func (c *Chain) Head() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq, c.lastHash
}

// Get loads one event by id.
func (c *Chain) Get(ctx context.Context, eventID string) (Event, error) {
	rec, err := c.store.Get(ctx, eventID)
	if err != nil {
		return Event{}, err
	}
	return rec.Event()
}

// Approve records a human approval of an earlier event. The reviewed event
// itself is never modified.
func (c *Chain) Approve(ctx context.Context, eventID, reviewer string) (Event, error) {
	target, err := c.Get(ctx, eventID)
	if err != nil {
		return Event{}, err
	}
	if target.Stage == StageReview {
		return Event{}, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "review events cannot be approved")
	}
	if target.ReviewStatus != ReviewPending {
		return Event{}, apperrors.Newf(apperrors.ErrConflict, http.StatusConflict,
			"event %s has review status %q", eventID, target.ReviewStatus)
	}
	return c.Append(ctx, Payload{
		Stage:        StageReview,
		TraceID:      target.TraceID,
		QueryHash:    target.QueryHash,
		OutputHash:   target.OutputHash,
		ReviewStatus: ReviewHumanApproved,
		Details: map[string]any{
			"reviewed_event_id": target.EventID,
			"reviewed_sequence": target.Sequence,
			"reviewer_hash":     HashString(reviewer),
		},
	})
}

// Verify checks [from, to] of the chain's store.
func (c *Chain) Verify(ctx context.Context, from, to int64) (VerifyResult, error) {
	return Verify(ctx, c.store, from, to)
}
