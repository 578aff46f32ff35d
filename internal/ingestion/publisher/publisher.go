// Package publisher queues documents on Kafka for asynchronous indexing by
// the document-ingest consumer.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/kafka"
)

// Publisher produces IngestEvents keyed by document id, so every version of
// one document lands on the same partition in order.
type Publisher struct {
	producer kafka.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func New(producer kafka.Publisher) *Publisher {
	return &Publisher{
		producer: producer,
		logger:   slog.Default().With("component", "ingest-publisher"),
		now:      time.Now,
	}
}

// Enqueue publishes the document and returns a QUEUED response. Documents
// without an id get the content-derived one so the caller can poll it.
func (p *Publisher) Enqueue(ctx context.Context, req ingestion.IngestRequest) (ingestion.IngestResponse, error) {
	id := req.DocumentID
	if id == "" {
		id = ingestion.DocumentID(req.Title, req.Body)
	}
	event := kafka.Event{
		Key: id,
		Value: ingestion.IngestEvent{
			DocumentID: id,
			Title:      req.Title,
			Body:       req.Body,
			IngestedAt: p.now().UTC(),
		},
	}
	if err := p.producer.Publish(ctx, event); err != nil {
		p.logger.Error("failed to queue document", "doc_id", id, "error", err)
		return ingestion.IngestResponse{}, fmt.Errorf("publishing ingest event: %w", err)
	}
	return ingestion.IngestResponse{DocumentID: id, Status: ingestion.StatusQueued}, nil
}
