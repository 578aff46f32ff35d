package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrIdentifierDetected      = errors.New("protected identifier detected")
	ErrBudgetExceeded          = errors.New("token budget exceeded")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrRetrievalFailure        = errors.New("retrieval failed")
	ErrRerankTimeout           = errors.New("rerank timed out")
	ErrChainIntegrityViolation = errors.New("audit chain integrity violation")
	ErrAuditWriteFailure       = errors.New("audit write failed")
	ErrGenerationFailure       = errors.New("generation failed")
	ErrInvalidInput            = errors.New("invalid input")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrInternal                = errors.New("internal error")
	ErrTimeout                 = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode maps an error chain onto the status the API returns for it.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrIdentifierDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrBudgetExceeded), errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrChainIntegrityViolation):
		return http.StatusConflict
	case errors.Is(err, ErrAuditWriteFailure), errors.Is(err, ErrRetrievalFailure),
		errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a short machine-readable code for the error body.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrIdentifierDetected):
		return "identifier_detected"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrRetrievalFailure):
		return "retrieval_failure"
	case errors.Is(err, ErrChainIntegrityViolation):
		return "chain_integrity_violation"
	case errors.Is(err, ErrAuditWriteFailure):
		return "audit_write_failure"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
