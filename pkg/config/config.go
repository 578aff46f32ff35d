// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Guard, Budget, Retrieval, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	SQLite      SQLiteConfig      `yaml:"sqlite"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Guard       GuardConfig       `yaml:"guard"`
	Budget      BudgetConfig      `yaml:"budget"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Degradation DegradationConfig `yaml:"degradation"`
	Audit       AuditConfig       `yaml:"audit"`
	Generation  GenerationConfig  `yaml:"generation"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// SQLiteConfig points the single-node audit store at a database file. It is
// used when Postgres is disabled.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest  string `yaml:"documentIngest"`
	AuditMirror     string `yaml:"auditMirror"`
	AnalyticsEvents string `yaml:"analyticsEvents"`
}

// RedisConfig holds Redis connection and answer-cache parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// GuardConfig controls identifier detection and the gate policy.
type GuardConfig struct {
	Mode          string `yaml:"mode"`
	MinConfidence string `yaml:"minConfidence"`
	Salt          string `yaml:"salt"`
}

// BudgetConfig holds token limits per scope and reservation behaviour.
type BudgetConfig struct {
	UserDailyTokens     int64         `yaml:"userDailyTokens"`
	UserMonthlyTokens   int64         `yaml:"userMonthlyTokens"`
	GlobalDailyTokens   int64         `yaml:"globalDailyTokens"`
	MaxRequestTokens    int64         `yaml:"maxRequestTokens"`
	MaxOutputTokens     int64         `yaml:"maxOutputTokens"`
	OutputMultiplier    float64       `yaml:"outputMultiplier"`
	TokensPerDocument   int64         `yaml:"tokensPerDocument"`
	ReservationTTL      time.Duration `yaml:"reservationTTL"`
	SweepInterval       time.Duration `yaml:"sweepInterval"`
	UserRequestsPerHour int           `yaml:"userRequestsPerHour"`
}

// RetrievalConfig controls candidate depth, fusion and per-stage timeouts.
type RetrievalConfig struct {
	DefaultTopK         int           `yaml:"defaultTopK"`
	MaxTopK             int           `yaml:"maxTopK"`
	CandidateMultiplier int           `yaml:"candidateMultiplier"`
	RRFK                int           `yaml:"rrfK"`
	RerankDepth         int           `yaml:"rerankDepth"`
	DenseTimeout        time.Duration `yaml:"denseTimeout"`
	SparseTimeout       time.Duration `yaml:"sparseTimeout"`
	RerankTimeout       time.Duration `yaml:"rerankTimeout"`
}

// DegradationConfig holds the thresholds consulted by the degradation
// controller and its circuit breaker.
type DegradationConfig struct {
	LowConfidence       float64       `yaml:"lowConfidence"`
	RequestDeadline     time.Duration `yaml:"requestDeadline"`
	ErrorRateCeiling    float64       `yaml:"errorRateCeiling"`
	ErrorWindow         time.Duration `yaml:"errorWindow"`
	MinWindowRequests   int           `yaml:"minWindowRequests"`
	CoolDown            time.Duration `yaml:"coolDown"`
	HalfOpenTrials      int           `yaml:"halfOpenTrials"`
	CostAnomalyMultiple float64       `yaml:"costAnomalyMultiple"`
	CostBaselineWarmup  int           `yaml:"costBaselineWarmup"`
	StaticMessage       string        `yaml:"staticMessage"`
}

// AuditConfig controls the audit store backend and append retries.
type AuditConfig struct {
	Backend         string        `yaml:"backend"`
	RetryAttempts   int           `yaml:"retryAttempts"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay   time.Duration `yaml:"retryMaxDelay"`
	MirrorToKafka   bool          `yaml:"mirrorToKafka"`
	SnapshotEnabled bool          `yaml:"snapshotEnabled"`
}

// GenerationConfig selects and tunes the text-generation capability.
type GenerationConfig struct {
	Provider  string  `yaml:"provider"`
	Model     string  `yaml:"model"`
	APIKey    string  `yaml:"apiKey"`
	MaxTokens int64   `yaml:"maxTokens"`
	Temp      float64 `yaml:"temperature"`
}

// EmbeddingConfig selects and tunes the embedding capability.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"apiKey"`
	Dimensions int    `yaml:"dimensions"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Secrets may also come from a .env file in the working directory.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "governedrag",
			User:            "governedrag",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		SQLite: SQLiteConfig{
			Path: "data/audit.db",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "governedrag-group",
			Topics: KafkaTopics{
				DocumentIngest:  "document-ingest",
				AuditMirror:     "audit-events",
				AnalyticsEvents: "analytics-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 10 * time.Minute,
		},
		Guard: GuardConfig{
			Mode:          "redact",
			MinConfidence: "medium",
			Salt:          "safe-harbor-v1",
		},
		Budget: BudgetConfig{
			UserDailyTokens:     200_000,
			UserMonthlyTokens:   2_000_000,
			GlobalDailyTokens:   20_000_000,
			MaxRequestTokens:    16_000,
			MaxOutputTokens:     1024,
			OutputMultiplier:    1.5,
			TokensPerDocument:   300,
			ReservationTTL:      2 * time.Minute,
			SweepInterval:       15 * time.Second,
			UserRequestsPerHour: 100,
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:         5,
			MaxTopK:             50,
			CandidateMultiplier: 2,
			RRFK:                60,
			RerankDepth:         20,
			DenseTimeout:        800 * time.Millisecond,
			SparseTimeout:       500 * time.Millisecond,
			RerankTimeout:       300 * time.Millisecond,
		},
		Degradation: DegradationConfig{
			LowConfidence:       0.65,
			RequestDeadline:     8 * time.Second,
			ErrorRateCeiling:    0.5,
			ErrorWindow:         time.Minute,
			MinWindowRequests:   10,
			CoolDown:            30 * time.Second,
			HalfOpenTrials:      1,
			CostAnomalyMultiple: 3.0,
			CostBaselineWarmup:  20,
			StaticMessage:       "The assistant is temporarily unavailable. Please consult the linked sources or contact support.",
		},
		Audit: AuditConfig{
			Backend:        "sqlite",
			RetryAttempts:  4,
			RetryBaseDelay: 50 * time.Millisecond,
			RetryMaxDelay:  2 * time.Second,
		},
		Generation: GenerationConfig{
			Provider:  "anthropic",
			Model:     "claude-haiku-4-5-20251001",
			MaxTokens: 1024,
			Temp:      0.1,
		},
		Embedding: EmbeddingConfig{
			Provider:   "hashing",
			Model:      "text-embedding-004",
			Dimensions: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate rejects configurations that would make the pipeline unsafe to run.
func (c *Config) Validate() error {
	switch c.Guard.Mode {
	case "redact", "block":
	default:
		return fmt.Errorf("guard.mode must be redact or block, got %q", c.Guard.Mode)
	}
	switch c.Audit.Backend {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("audit.backend must be postgres, sqlite or memory, got %q", c.Audit.Backend)
	}
	if c.Retrieval.RRFK <= 0 {
		return fmt.Errorf("retrieval.rrfK must be positive")
	}
	if c.Retrieval.CandidateMultiplier < 1 {
		return fmt.Errorf("retrieval.candidateMultiplier must be at least 1")
	}
	if c.Degradation.LowConfidence < 0 || c.Degradation.LowConfidence > 1 {
		return fmt.Errorf("degradation.lowConfidence must be within [0,1]")
	}
	return nil
}

// applyEnvOverrides reads GR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GR_POSTGRES_ENABLED"); v != "" {
		cfg.Postgres.Enabled = v == "true"
	}
	if v := os.Getenv("GR_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("GR_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("GR_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("GR_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("GR_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("GR_SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}
	if v := os.Getenv("GR_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = v == "true"
	}
	if v := os.Getenv("GR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("GR_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true"
	}
	if v := os.Getenv("GR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GR_GUARD_MODE"); v != "" {
		cfg.Guard.Mode = v
	}
	if v := os.Getenv("GR_GUARD_SALT"); v != "" {
		cfg.Guard.Salt = v
	}
	if v := os.Getenv("GR_AUDIT_BACKEND"); v != "" {
		cfg.Audit.Backend = v
	}
	if v := os.Getenv("GR_BUDGET_USER_DAILY_TOKENS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Budget.UserDailyTokens = n
		}
	}
	if v := os.Getenv("GR_BUDGET_GLOBAL_DAILY_TOKENS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Budget.GlobalDailyTokens = n
		}
	}
	if v := os.Getenv("GR_DEGRADATION_LOW_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Degradation.LowConfidence = f
		}
	}
	if v := os.Getenv("GR_GENERATION_PROVIDER"); v != "" {
		cfg.Generation.Provider = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Generation.APIKey == "" {
		cfg.Generation.APIKey = v
	}
	if v := os.Getenv("GR_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("GR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
