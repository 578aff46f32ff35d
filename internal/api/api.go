// Package api exposes the governed query pipeline, the audit chain and the
// budget ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/budget"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/degrade"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/evaluation"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/logger"
)

const (
	maxBodyBytes     = 64 << 10
	maxEvaluateBytes = 4 << 20
)

// Answerer is satisfied by *pipeline.Pipeline.
type Answerer interface {
	Answer(ctx context.Context, q pipeline.Query) (pipeline.Answer, error)
}

// AuditLog is satisfied by *audit.Chain.
type AuditLog interface {
	Get(ctx context.Context, eventID string) (audit.Event, error)
	Approve(ctx context.Context, eventID, reviewer string) (audit.Event, error)
	Verify(ctx context.Context, from, to int64) (audit.VerifyResult, error)
	Head() (int64, string)
}

type Handler struct {
	answerer  Answerer
	audit     AuditLog
	ledger    *budget.Ledger
	degrade   *degrade.Controller
	evaluator *evaluation.Evaluator
	schemas   *schemas
	logger    *slog.Logger
}

// New builds the handler. ledger and ctrl may be nil, which disables the
// budget endpoint details they back.
func New(answerer Answerer, auditLog AuditLog, ledger *budget.Ledger, ctrl *degrade.Controller) (*Handler, error) {
	s, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Handler{
		answerer: answerer,
		audit:    auditLog,
		ledger:   ledger,
		degrade:  ctrl,
		schemas:  s,
		logger:   slog.Default().With("component", "api"),
	}, nil
}

// WithEvaluator enables POST /api/v1/evaluate.
func (h *Handler) WithEvaluator(e *evaluation.Evaluator) *Handler {
	h.evaluator = e
	return h
}

type queryRequest struct {
	Query          string `json:"query"`
	TopK           int    `json:"top_k"`
	IncludeSources bool   `json:"include_sources"`
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
}

// Query runs one governed query. Governance rejections map to 422 and 429;
// degraded answers are 200 with their strategy tag.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := validate(h.schemas.query, body); err != nil {
		h.writeValidationError(w, r, err)
		return
	}
	var req queryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body"))
		return
	}

	ans, err := h.answerer.Answer(r.Context(), pipeline.Query{
		Text:           req.Query,
		TopK:           req.TopK,
		IncludeSources: req.IncludeSources,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ans)
}

// VerifyAudit recomputes the chain over [from, to].
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	from, err := int64Param(r, "from", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := int64Param(r, "to", -1)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.audit.Verify(r.Context(), from, to)
	switch {
	case errors.Is(err, apperrors.ErrChainIntegrityViolation):
		logger.FromContext(r.Context()).Error("audit chain integrity violation",
			"first_mismatch", res.FirstMismatch, "reason", res.Reason)
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":  err.Error(),
			"code":   apperrors.Code(err),
			"result": res,
		})
	case err != nil:
		h.writeError(w, r, err)
	default:
		h.writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) AuditHead(w http.ResponseWriter, r *http.Request) {
	next, hash := h.audit.Head()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"next_sequence": next,
		"head_hash":     hash,
	})
}

func (h *Handler) GetAuditEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ev)
}

// ApproveAuditEvent appends a human approval for a pending event.
func (h *Handler) ApproveAuditEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := validate(h.schemas.approve, body); err != nil {
		h.writeValidationError(w, r, err)
		return
	}
	var req struct {
		Reviewer string `json:"reviewer"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body"))
		return
	}

	ev, err := h.audit.Approve(r.Context(), chi.URLParam(r, "id"), req.Reviewer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ev)
}

// Evaluate scores caller-supplied answers offline. Responses carry scores
// and query hashes, never the submitted text.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBodyLimit(w, r, maxEvaluateBytes)
	if !ok {
		return
	}
	if err := validate(h.schemas.evaluate, body); err != nil {
		h.writeValidationError(w, r, err)
		return
	}
	var req struct {
		Examples []evaluation.Example `json:"examples"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body"))
		return
	}

	reports, summary, err := h.evaluator.EvaluateBatch(r.Context(), req.Examples, 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"summary": summary,
	})
}

// Budget reports scope usage for a user (or every known scope) together
// with the cost baseline and breaker state.
func (h *Handler) Budget(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if h.ledger != nil {
		var scopes []budget.ScopeKey
		if user := r.URL.Query().Get("user_id"); user != "" {
			scopes = budget.ScopesFor(user)
		}
		resp["scopes"] = h.ledger.Snapshot(scopes...)
	}
	if h.degrade != nil {
		baseline, samples := h.degrade.CostBaseline()
		resp["cost_baseline_tokens"] = baseline
		resp["cost_samples"] = samples
		resp["circuit"] = h.degrade.Breaker().GetState().String()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	return h.readBodyLimit(w, r, maxBodyBytes)
}

func (h *Handler) readBodyLimit(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusRequestEntityTooLarge, "request body too large"))
		return nil, false
	}
	return body, true
}

func int64Param(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "%s must be an integer", name)
	}
	return n, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":    "validation failed",
		"code":     apperrors.Code(apperrors.ErrInvalidInput),
		"details":  err.Error(),
		"trace_id": logger.TraceID(r.Context()),
	})
}

// writeError maps err onto its status and machine code. Internal errors
// never expose their message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status >= http.StatusInternalServerError && !errors.Is(err, apperrors.ErrAuditWriteFailure) {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	h.writeJSON(w, status, map[string]string{
		"error":    msg,
		"code":     apperrors.Code(err),
		"trace_id": logger.TraceID(r.Context()),
	})
}
