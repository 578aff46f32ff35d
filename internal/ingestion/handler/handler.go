// Package handler exposes document ingestion over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/logger"
)

type Handler struct {
	indexer   *ingestion.Indexer
	publisher *publisher.Publisher
	store     *ingestion.Store
	logger    *slog.Logger
}

// New builds the handler. A nil publisher disables ?async=true.
func New(indexer *ingestion.Indexer, pub *publisher.Publisher, store *ingestion.Store) *Handler {
	return &Handler{
		indexer:   indexer,
		publisher: pub,
		store:     store,
		logger:    slog.Default().With("component", "ingestion-handler"),
	}
}

// Ingest indexes the posted document, or queues it on Kafka when
// async=true and a publisher is configured.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	var req ingestion.IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidateIngestRequest(&req); err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("async") == "true" && h.publisher != nil {
		resp, err := h.publisher.Enqueue(ctx, req)
		if err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "queueing failed")
			return
		}
		h.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	resp, err := h.indexer.Index(ctx, req)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("ingestion failed", "error", err, "status_code", statusCode)
		h.writeError(w, statusCode, "ingestion failed")
		return
	}
	log.Info("document ingested", "doc_id", resp.DocumentID, "status", resp.Status)
	status := http.StatusCreated
	if resp.Status == ingestion.StatusUnchanged {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

// List returns document metadata without bodies.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	docs := h.store.List()
	h.writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
