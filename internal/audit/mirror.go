package audit

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/kafka"
)

// KafkaMirror forwards appended events to a topic for downstream compliance
// consumers. It is best effort: the store stays the source of truth and a
// full buffer drops events rather than stalling the writer.
type KafkaMirror struct {
	publisher kafka.Publisher
	eventCh   chan Event
	logger    *slog.Logger
	done      chan struct{}
}

func NewKafkaMirror(publisher kafka.Publisher, bufferSize int) *KafkaMirror {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	return &KafkaMirror{
		publisher: publisher,
		eventCh:   make(chan Event, bufferSize),
		logger:    slog.Default().With("component", "audit-mirror"),
		done:      make(chan struct{}),
	}
}

func (m *KafkaMirror) Mirror(ev Event) {
	select {
	case m.eventCh <- ev:
	default:
		m.logger.Warn("audit mirror event dropped (buffer full)", "sequence", ev.Sequence)
	}
}

// Start publishes buffered events until ctx is cancelled, then drains.
func (m *KafkaMirror) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		for {
			select {
			case ev := <-m.eventCh:
				m.publish(ctx, ev)
			case <-ctx.Done():
				m.drain()
				return
			}
		}
	}()
}

// Wait blocks until Start's loop has drained and exited.
func (m *KafkaMirror) Wait() {
	<-m.done
}

func (m *KafkaMirror) drain() {
	for {
		select {
		case ev := <-m.eventCh:
			m.publish(context.Background(), ev)
		default:
			return
		}
	}
}

func (m *KafkaMirror) publish(ctx context.Context, ev Event) {
	if err := m.publisher.Publish(ctx, kafka.Event{
		Key:   strconv.FormatInt(ev.Sequence, 10),
		Value: ev,
	}); err != nil {
		m.logger.Error("failed to mirror audit event", "sequence", ev.Sequence, "error", err)
	}
}
