package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/analytics"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/middleware"
)

// Routes collects the handlers mounted by NewRouter. Only API is required.
type Routes struct {
	API            *Handler
	Ingestion      *ingesthandler.Handler
	Analytics      *analytics.Handler
	Health         *health.Checker
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	CORS           *CORSConfig
}

// NewRouter builds the HTTP handler.
//
//	POST /api/v1/query
//	POST /api/v1/documents           GET /api/v1/documents
//	GET  /api/v1/audit/verify        GET /api/v1/audit/head
//	GET  /api/v1/audit/{id}          POST /api/v1/audit/{id}/approve
//	GET  /api/v1/budget              GET /api/v1/analytics
//	GET  /api/v1/analytics/history   POST /api/v1/evaluate
//	GET  /health/live                GET /health/ready
//	GET  /metrics
//
// Middleware, outermost first: RequestID, Recoverer, CORS, Metrics, Timeout.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(pkgmw.RequestID)
	r.Use(chimw.Recoverer)
	if rt.CORS != nil {
		r.Use(CORS(*rt.CORS))
	}
	if rt.Metrics != nil {
		r.Use(pkgmw.Metrics(rt.Metrics))
	}

	if rt.Health != nil {
		r.Get("/health/live", rt.Health.LiveHandler())
		r.Get("/health/ready", rt.Health.ReadyHandler())
	}
	if rt.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(rt.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if rt.RequestTimeout > 0 {
			r.Use(pkgmw.Timeout(rt.RequestTimeout))
		}
		r.Post("/query", rt.API.Query)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/verify", rt.API.VerifyAudit)
			r.Get("/head", rt.API.AuditHead)
			r.Get("/{id}", rt.API.GetAuditEvent)
			r.Post("/{id}/approve", rt.API.ApproveAuditEvent)
		})
		r.Get("/budget", rt.API.Budget)
		if rt.API.evaluator != nil {
			r.Post("/evaluate", rt.API.Evaluate)
		}

		if rt.Ingestion != nil {
			r.Post("/documents", rt.Ingestion.Ingest)
			r.Get("/documents", rt.Ingestion.List)
		}
		if rt.Analytics != nil {
			r.Get("/analytics", rt.Analytics.Stats)
			r.Get("/analytics/history", rt.Analytics.History)
		}
	})
	return r
}
