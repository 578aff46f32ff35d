package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	events []kafka.Event
	err    error
}

func (f *fakeProducer) Publish(_ context.Context, e kafka.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeProducer) PublishBatch(ctx context.Context, es []kafka.Event) error {
	for _, e := range es {
		if err := f.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func TestEnqueueKeysByDocument(t *testing.T) {
	prod := &fakeProducer{}
	resp, err := New(prod).Enqueue(context.Background(), ingestion.IngestRequest{Body: "note"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusQueued, resp.Status)
	require.Len(t, prod.events, 1)
	assert.Equal(t, resp.DocumentID, prod.events[0].Key)
	ev := prod.events[0].Value.(ingestion.IngestEvent)
	assert.Equal(t, "note", ev.Body)
}

func TestEnqueueFailure(t *testing.T) {
	_, err := New(&fakeProducer{err: errors.New("broker down")}).Enqueue(context.Background(), ingestion.IngestRequest{DocumentID: "d", Body: "x"})
	assert.Error(t, err)
}
