package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
)

func TestRunWorstStatusWins(t *testing.T) {
	c := NewChecker()
	c.Register("store", Ping(func(context.Context) error { return nil }))
	c.Register("redis", Ping(func(context.Context) error { return errors.New("connection refused") }))
	c.Register("breaker", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusDegraded} })

	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Len(t, report.Components, 3)
	assert.Equal(t, "connection refused", report.Components["redis"].Message)
	assert.NotEmpty(t, report.Components["store"].Latency)
}

func TestBreakerCheckDegradesWhenOpen(t *testing.T) {
	cb := resilience.NewCircuitBreaker("pipeline", resilience.CircuitBreakerConfig{})
	check := Breaker(cb)
	assert.Equal(t, StatusUp, check(context.Background()).Status)

	cb.Trip("test")
	got := check(context.Background())
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Equal(t, "circuit open", got.Message)
}

func TestReadyHandlerStaysReadyWhenDegraded(t *testing.T) {
	c := NewChecker()
	cb := resilience.NewCircuitBreaker("pipeline", resilience.CircuitBreakerConfig{})
	cb.Trip("test")
	c.Register("breaker", Breaker(cb))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)

	c.Register("store", Ping(func(context.Context) error { return errors.New("down") }))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
