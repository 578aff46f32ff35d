package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/analytics/aggregator"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/api"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/budget"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/degrade"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/evaluation"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/embedding"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/generation"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/guard"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion"
	ingestconsumer "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion/consumer"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/dense"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/retrieval/sparse"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/pkg/resilience"
)

const snapshotInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting governed retrieval service",
		"port", cfg.Server.Port,
		"guard_mode", cfg.Guard.Mode,
		"audit_backend", cfg.Audit.Backend,
	)

	if err := run(cfg); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("governed retrieval service stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	checker := health.NewChecker()

	var pg *postgres.Client
	if cfg.Postgres.Enabled || cfg.Audit.Backend == "postgres" {
		client, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer client.Close()
		pg = client
		checker.Register("postgres", health.Ping(pg.Ping))
		slog.Info("postgres connected", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	// Degradation controller first: the audit chain trips its breaker on
	// write failure.
	ctrl := degrade.NewController(degrade.Config{
		Thresholds: degrade.Thresholds{
			LowConfidence:  cfg.Degradation.LowConfidence,
			LatencyCeiling: cfg.Degradation.RequestDeadline,
		},
		ErrorRateCeiling:    cfg.Degradation.ErrorRateCeiling,
		ErrorWindow:         cfg.Degradation.ErrorWindow,
		MinWindowRequests:   cfg.Degradation.MinWindowRequests,
		CoolDown:            cfg.Degradation.CoolDown,
		HalfOpenTrials:      cfg.Degradation.HalfOpenTrials,
		CostAnomalyMultiple: cfg.Degradation.CostAnomalyMultiple,
		CostBaselineWarmup:  cfg.Degradation.CostBaselineWarmup,
	})
	breaker := ctrl.Breaker()
	m.CircuitBreakerState.WithLabelValues("pipeline").Set(float64(breaker.GetState()))
	breaker.OnStateChange(func(from, to resilience.State) {
		m.CircuitBreakerState.WithLabelValues("pipeline").Set(float64(to))
	})
	checker.Register("circuit_breaker", health.Breaker(breaker))

	var producers []*kafka.Producer
	defer func() {
		for _, p := range producers {
			p.Close()
		}
	}()
	newProducer := func(topic string) *kafka.Producer {
		p := kafka.NewProducer(cfg.Kafka, topic)
		producers = append(producers, p)
		return p
	}

	store, err := openAuditStore(ctx, cfg, pg)
	if err != nil {
		return err
	}
	defer store.Close()
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		checker.Register("audit_store", health.Ping(p.Ping))
	}

	auditOpts := audit.Options{
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Audit.RetryAttempts,
			InitialDelay:   cfg.Audit.RetryBaseDelay,
			MaxDelay:       cfg.Audit.RetryMaxDelay,
			Multiplier:     2,
			JitterFraction: 0.2,
		},
		OnWriteFailure: func(err error) {
			breaker.Trip("audit write failure")
		},
		OnAppend: func(stage audit.Stage, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			m.AuditAppendsTotal.WithLabelValues(string(stage), status).Inc()
		},
	}
	var mirror *audit.KafkaMirror
	if cfg.Kafka.Enabled && cfg.Audit.MirrorToKafka {
		mirror = audit.NewKafkaMirror(newProducer(cfg.Kafka.Topics.AuditMirror), 0)
		auditOpts.Mirror = mirror
	}
	chain, err := audit.Open(ctx, store, auditOpts)
	if err != nil {
		return fmt.Errorf("opening audit chain: %w", err)
	}
	if mirror != nil {
		mirror.Start(ctx)
		defer mirror.Wait()
		slog.Info("audit mirror enabled", "topic", cfg.Kafka.Topics.AuditMirror)
	}

	var answers cache.AnswerCache = cache.NewMemory(cfg.Redis.CacheTTL)
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, using in-process answer cache", "error", err)
		} else {
			defer redisClient.Close()
			answers = cache.NewRedis(redisClient, cfg.Redis.CacheTTL)
			checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
				if err := redisClient.Ping(ctx); err != nil {
					return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
				}
				return health.ComponentHealth{Status: health.StatusUp}
			})
			slog.Info("answer cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	embedder, closeEmbedder, err := embedding.New(ctx, cfg.Embedding)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	defer closeEmbedder()

	generator, err := generation.New(cfg.Generation)
	if err != nil {
		return fmt.Errorf("creating generator: %w", err)
	}

	g := guard.New(guard.Config{
		Salt:          cfg.Guard.Salt,
		MinConfidence: guard.ParseConfidence(cfg.Guard.MinConfidence),
	})

	vectors := dense.NewIndex()
	keywords := sparse.NewIndex()
	docs := ingestion.NewStore()
	retriever := retrieval.New(retrieval.Config{
		RRFK:                cfg.Retrieval.RRFK,
		CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
		RerankDepth:         cfg.Retrieval.RerankDepth,
		StageTimeouts: map[retrieval.Source]time.Duration{
			retrieval.SourceDense:  cfg.Retrieval.DenseTimeout,
			retrieval.SourceSparse: cfg.Retrieval.SparseTimeout,
		},
		RerankTimeout: cfg.Retrieval.RerankTimeout,
	},
		retrieval.NewLexicalReranker(docs),
		&retrieval.DenseSearcher{Embedder: embedder, Index: vectors},
		&retrieval.SparseSearcher{Index: keywords},
	)

	indexer := ingestion.NewIndexer(docs, embedder, vectors, keywords, ingestion.Options{
		Guard:       g,
		Recorder:    chain,
		Invalidator: answers,
		Metrics:     m,
	})

	var ingestPub *publisher.Publisher
	if cfg.Kafka.Enabled {
		ingestPub = publisher.New(newProducer(cfg.Kafka.Topics.DocumentIngest))
		ingestConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, ingestconsumer.HandleMessage(indexer))
		defer ingestConsumer.Close()
		go func() {
			if err := ingestConsumer.Start(ctx); err != nil {
				slog.Error("ingest consumer stopped", "error", err)
			}
		}()
		slog.Info("ingest consumer started", "topic", cfg.Kafka.Topics.DocumentIngest)
	}

	agg := analytics.NewAggregator()
	analyticsHandler := analytics.NewHandler(agg)
	var collector *analytics.Collector
	if cfg.Kafka.Enabled {
		collector = analytics.NewCollector(newProducer(cfg.Kafka.Topics.AnalyticsEvents), nil, analytics.CollectorConfig{})
		analyticsConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents, analytics.HandleEvent(agg))
		defer analyticsConsumer.Close()
		go func() {
			if err := analyticsConsumer.Start(ctx); err != nil {
				slog.Error("analytics consumer stopped", "error", err)
			}
		}()
	} else {
		collector = analytics.NewCollector(nil, agg, analytics.CollectorConfig{})
	}
	collector.Start(ctx)
	defer collector.Close()

	if pg != nil && cfg.Audit.SnapshotEnabled {
		snapshots, err := aggregator.NewStore(ctx, pg)
		if err != nil {
			return fmt.Errorf("creating analytics snapshot store: %w", err)
		}
		snapshots.StartPeriodicSave(ctx, agg, snapshotInterval)
		analyticsHandler.WithHistory(snapshots)
		slog.Info("analytics snapshots enabled", "interval", snapshotInterval)
	}

	ledger := budget.NewLedger(budget.Config{
		UserDailyTokens:   cfg.Budget.UserDailyTokens,
		UserMonthlyTokens: cfg.Budget.UserMonthlyTokens,
		GlobalDailyTokens: cfg.Budget.GlobalDailyTokens,
		MaxRequestTokens:  cfg.Budget.MaxRequestTokens,
		MaxOutputTokens:   cfg.Budget.MaxOutputTokens,
		OutputMultiplier:  cfg.Budget.OutputMultiplier,
		ReservationTTL:    cfg.Budget.ReservationTTL,
		SweepInterval:     cfg.Budget.SweepInterval,
	})
	var limiter *budget.RateLimiter
	if cfg.Budget.UserRequestsPerHour > 0 {
		limiter = budget.NewRateLimiter(cfg.Budget.UserRequestsPerHour, time.Hour)
	}
	admission := budget.NewController(ledger, limiter)
	go admission.Run(ctx)

	p, err := pipeline.New(pipeline.Config{
		GuardMode:         guard.Mode(cfg.Guard.Mode),
		DefaultTopK:       cfg.Retrieval.DefaultTopK,
		MaxTopK:           cfg.Retrieval.MaxTopK,
		RequestDeadline:   cfg.Degradation.RequestDeadline,
		TokensPerDocument: cfg.Budget.TokensPerDocument,
		StaticMessage:     cfg.Degradation.StaticMessage,
		UserSalt:          cfg.Guard.Salt,
	}, pipeline.Deps{
		Guard:     g,
		Admission: admission,
		Cache:     answers,
		Retriever: retriever,
		Content:   docs,
		Generator: generator,
		Degrade:   ctrl,
		Audit:     chain,
		Metrics:   m,
		Analytics: collector,
	})
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	apiHandler, err := api.New(p, chain, ledger, ctrl)
	if err != nil {
		return fmt.Errorf("building api handler: %w", err)
	}
	apiHandler.WithEvaluator(evaluation.New(m))

	handler := api.NewRouter(api.Routes{
		API:            apiHandler,
		Ingestion:      ingesthandler.New(indexer, ingestPub, docs),
		Analytics:      analyticsHandler,
		Health:         checker,
		Metrics:        m,
		Gatherer:       reg,
		RequestTimeout: cfg.Server.WriteTimeout,
		CORS:           corsConfig(),
	})

	if cfg.Metrics.Enabled && cfg.Metrics.Port != cfg.Server.Port {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("governed retrieval service listening", "addr", server.Addr)
	err = server.ListenAndServe()
	// Background workers drain on cancellation; release them before the
	// deferred waits run.
	stop()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// openAuditStore picks the backend named by audit.backend.
func openAuditStore(ctx context.Context, cfg *config.Config, pg *postgres.Client) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case "postgres":
		s, err := audit.NewSQLStore(ctx, pg.DB, audit.DialectPostgres)
		if err != nil {
			return nil, fmt.Errorf("opening postgres audit store: %w", err)
		}
		return s, nil
	case "memory":
		slog.Warn("audit events are held in memory and will not survive a restart")
		return audit.NewMemoryStore(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
		s, err := audit.OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite audit store: %w", err)
		}
		slog.Info("sqlite audit store opened", "path", cfg.SQLite.Path)
		return s, nil
	}
}

func corsConfig() *api.CORSConfig {
	c := api.DefaultCORSConfig()
	if v := os.Getenv("GR_CORS_ORIGINS"); v != "" {
		c.AllowOrigins = strings.Split(v, ",")
	}
	return &c
}
