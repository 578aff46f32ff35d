// Package consumer reads document-ingest events from Kafka and indexes them.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
)

// DocumentIndexer is satisfied by *ingestion.Indexer.
type DocumentIndexer interface {
	Index(ctx context.Context, req ingestion.IngestRequest) (ingestion.IngestResponse, error)
}

// HandleMessage returns a kafka.MessageHandler that indexes every ingest
// event. Undecodable or invalid events are logged and skipped so they do
// not block the partition. Indexing errors are retried unless they are
// client errors.
func HandleMessage(indexer DocumentIndexer) kafka.MessageHandler {
	logger := slog.Default().With("component", "ingest-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ingestion.IngestEvent](value)
		if err != nil {
			logger.Error("failed to decode ingest event", "error", err, "key_size", len(key))
			return nil
		}
		req := ingestion.IngestRequest{DocumentID: event.DocumentID, Title: event.Title, Body: event.Body}
		if err := validator.ValidateIngestRequest(&req); err != nil {
			var verr *validator.ValidationError
			if errors.As(err, &verr) {
				logger.Warn("skipping invalid ingest event", "doc_id", event.DocumentID, "error", err)
				return nil
			}
			return err
		}

		resp, err := indexer.Index(ctx, req)
		if err != nil {
			err = fmt.Errorf("indexing document %s: %w", event.DocumentID, err)
			if apperrors.HTTPStatusCode(err) < http.StatusInternalServerError {
				return resilience.Permanent(err)
			}
			return err
		}
		logger.Debug("ingest event processed", "doc_id", resp.DocumentID, "status", resp.Status)
		return nil
	}
}
