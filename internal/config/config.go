// Package config loads order matcher configuration.
// Sources, in order: built-in defaults, an optional YAML file, MATCHER_* environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the order matcher.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Index         IndexConfig         `yaml:"index"`
	Keyword       KeywordConfig       `yaml:"keyword"`
	Cache         CacheConfig         `yaml:"cache"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Rerank        RerankConfig        `yaml:"rerank"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Routing       RoutingConfig       `yaml:"routing"`
	Review        ReviewConfig        `yaml:"review"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig selects the review snapshot store.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IndexConfig selects the candidate index adapter.
type IndexConfig struct {
	Adapter   string       `yaml:"adapter"` // memory or qdrant
	Dimension int          `yaml:"dimension"`
	SeedFile  string       `yaml:"seed_file"` // catalog loaded at startup, optional
	Qdrant    QdrantConfig `yaml:"qdrant"`
}

type QdrantConfig struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

// KeywordConfig controls the BM25 keyword index.
type KeywordConfig struct {
	Enabled bool    `yaml:"enabled"`
	K1      float64 `yaml:"k1"`
	B       float64 `yaml:"b"`
}

// CacheConfig holds search cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// EmbeddingConfig configures the embedding collaborator.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // openrouter or mock
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 disables
	Burst     int           `yaml:"burst"`
}

// ExtractionConfig configures the order extraction collaborator.
type ExtractionConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// RerankConfig configures the cross-encoder stage.
type RerankConfig struct {
	Provider      string        `yaml:"provider"` // none, http or onnx
	Mode          string        `yaml:"mode"`     // replace or hybrid
	URL           string        `yaml:"url"`
	Model         string        `yaml:"model"`
	ModelPath     string        `yaml:"model_path"`
	TokenizerPath string        `yaml:"tokenizer_path"`
	RuntimeLib    string        `yaml:"runtime_lib"`
	MaxSeqLen     int           `yaml:"max_seq_len"`
	InitialWeight float64       `yaml:"initial_weight"`
	RerankWeight  float64       `yaml:"rerank_weight"`
	Timeout       time.Duration `yaml:"timeout"`
}

// RetrievalConfig holds fusion settings.
type RetrievalConfig struct {
	SemanticWeight    float64       `yaml:"semantic_weight"`
	KeywordWeight     float64       `yaml:"keyword_weight"`
	KeywordNormalizer float64       `yaml:"keyword_normalizer"`
	NResults          int           `yaml:"n_results"`
	NCandidates       int           `yaml:"n_candidates"`
	SemanticTimeout   time.Duration `yaml:"semantic_timeout"`
	KeywordTimeout    time.Duration `yaml:"keyword_timeout"`
	CacheResults      bool          `yaml:"cache_results"`
}

// DedupConfig holds deduplication settings.
type DedupConfig struct {
	NearThreshold float64 `yaml:"near_threshold"`
	CheckOnIndex  bool    `yaml:"check_on_index"`
}

// RoutingConfig holds action-routing thresholds.
type RoutingConfig struct {
	AutoApproveThreshold  float64 `yaml:"auto_approve_threshold"`
	HumanReviewThreshold  float64 `yaml:"human_review_threshold"`
	ItemApprovalThreshold float64 `yaml:"item_approval_threshold"`
	NoItemPenalty         float64 `yaml:"no_item_penalty"`
}

// ReviewConfig holds review queue settings. Priority bands are independent of routing.
type ReviewConfig struct {
	HighBelow       float64  `yaml:"high_below"`
	MediumBelow     float64  `yaml:"medium_below"`
	UrgencyKeywords []string `yaml:"urgency_keywords"`
	PersistMode     string   `yaml:"persist_mode"` // write_ahead or best_effort
	TopCandidates   int      `yaml:"top_candidates"`
}

// NotifyConfig configures review notification fan-out.
type NotifyConfig struct {
	NATSURL      string `yaml:"nats_url"`
	NATSSubject  string `yaml:"nats_subject"`
	RedisChannel string `yaml:"redis_channel"`
}

// ObservabilityConfig holds logging and tracing settings.
type ObservabilityConfig struct {
	LogLevel  string     `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"`
	OTEL      OTELConfig `yaml:"otel"`
}

type OTELConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	Tokens  []string `yaml:"tokens"`
}

// Load reads configuration from path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/order-matcher.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Index: IndexConfig{
			Adapter:   "memory",
			Dimension: 768,
			Qdrant: QdrantConfig{
				Addr:       "localhost:6334",
				Collection: "catalog",
			},
		},
		Keyword: KeywordConfig{
			Enabled: true,
			K1:      1.5,
			B:       0.75,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "om:",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:  "mock",
			Model:     "google/gemini-embedding-001",
			BaseURL:   "https://openrouter.ai/api/v1",
			Dimension: 768,
			BatchSize: 64,
			Timeout:   30 * time.Second,
			RateLimit: 5,
			Burst:     5,
		},
		Extraction: ExtractionConfig{
			Enabled:    false,
			Model:      "google/gemini-2.5-flash",
			BaseURL:    "https://openrouter.ai/api/v1",
			Timeout:    60 * time.Second,
			MaxRetries: 3,
		},
		Rerank: RerankConfig{
			Provider:      "none",
			Mode:          "replace",
			MaxSeqLen:     512,
			InitialWeight: 0.3,
			RerankWeight:  0.7,
			Timeout:       5 * time.Second,
		},
		Retrieval: RetrievalConfig{
			SemanticWeight:    0.7,
			KeywordWeight:     0.3,
			KeywordNormalizer: 10,
			NResults:          5,
			NCandidates:       20,
			SemanticTimeout:   10 * time.Second,
			KeywordTimeout:    2 * time.Second,
			CacheResults:      true,
		},
		Dedup: DedupConfig{
			NearThreshold: 0.95,
			CheckOnIndex:  true,
		},
		Routing: RoutingConfig{
			AutoApproveThreshold:  0.8,
			HumanReviewThreshold:  0.6,
			ItemApprovalThreshold: 0.8,
			NoItemPenalty:         0.5,
		},
		Review: ReviewConfig{
			HighBelow:       0.65,
			MediumBelow:     0.70,
			UrgencyKeywords: []string{"urgent", "asap", "rush", "emergency", "immediately"},
			PersistMode:     "write_ahead",
			TopCandidates:   5,
		},
		Notify: NotifyConfig{
			NATSSubject:  "reviews.events",
			RedisChannel: "reviews",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			OTEL: OTELConfig{
				ServiceName: "order-matcher",
				SampleRatio: 0.1,
			},
		},
	}
}

const weightTolerance = 1e-6

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Index.Adapter != "memory" && c.Index.Adapter != "qdrant" {
		return fmt.Errorf("invalid index adapter: %s", c.Index.Adapter)
	}
	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}
	if c.Embedding.Provider != "openrouter" && c.Embedding.Provider != "mock" {
		return fmt.Errorf("invalid embedding provider: %s", c.Embedding.Provider)
	}
	switch c.Rerank.Provider {
	case "none", "http", "onnx":
	default:
		return fmt.Errorf("invalid rerank provider: %s", c.Rerank.Provider)
	}
	if c.Rerank.Mode != "replace" && c.Rerank.Mode != "hybrid" {
		return fmt.Errorf("invalid rerank mode: %s", c.Rerank.Mode)
	}
	if !sumsToOne(c.Retrieval.SemanticWeight, c.Retrieval.KeywordWeight) {
		return fmt.Errorf("semantic_weight + keyword_weight must equal 1.0, got %.4f",
			c.Retrieval.SemanticWeight+c.Retrieval.KeywordWeight)
	}
	if !sumsToOne(c.Rerank.InitialWeight, c.Rerank.RerankWeight) {
		return fmt.Errorf("initial_weight + rerank_weight must equal 1.0, got %.4f",
			c.Rerank.InitialWeight+c.Rerank.RerankWeight)
	}
	if c.Retrieval.KeywordNormalizer <= 0 {
		return fmt.Errorf("keyword_normalizer must be positive")
	}
	if c.Retrieval.NResults < 1 || c.Retrieval.NCandidates < c.Retrieval.NResults {
		return fmt.Errorf("n_candidates (%d) must be >= n_results (%d) >= 1",
			c.Retrieval.NCandidates, c.Retrieval.NResults)
	}
	if !unit(c.Dedup.NearThreshold) {
		return fmt.Errorf("near_threshold must be within [0,1]")
	}
	r := c.Routing
	if !unit(r.AutoApproveThreshold) || !unit(r.HumanReviewThreshold) || !unit(r.ItemApprovalThreshold) || !unit(r.NoItemPenalty) {
		return fmt.Errorf("routing thresholds must be within [0,1]")
	}
	if r.HumanReviewThreshold >= r.AutoApproveThreshold {
		return fmt.Errorf("human_review_threshold (%.2f) must be below auto_approve_threshold (%.2f)",
			r.HumanReviewThreshold, r.AutoApproveThreshold)
	}
	if c.Review.HighBelow >= c.Review.MediumBelow {
		return fmt.Errorf("review high_below (%.2f) must be below medium_below (%.2f)",
			c.Review.HighBelow, c.Review.MediumBelow)
	}
	if c.Review.PersistMode != "write_ahead" && c.Review.PersistMode != "best_effort" {
		return fmt.Errorf("invalid review persist_mode: %s", c.Review.PersistMode)
	}
	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("auth enabled but no tokens configured")
	}
	return nil
}

// DatabaseDSN returns the connection string for the configured driver.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// ResolveRelativePath resolves targetPath relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if targetPath == "" || filepath.IsAbs(targetPath) {
		return targetPath
	}
	return filepath.Join(filepath.Dir(configPath), targetPath)
}

func sumsToOne(a, b float64) bool {
	return math.Abs(a+b-1.0) <= weightTolerance
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
