package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix is prepended to every override, e.g. MATCHER_SERVER_PORT.
const envPrefix = "MATCHER"

// envOverrides lists the settings that may be overridden from the environment.
// Fields are strings so an unset variable is distinguishable from a zero value.
type envOverrides struct {
	ServerHost       string `envconfig:"SERVER_HOST"`
	ServerPort       string `envconfig:"SERVER_PORT"`
	DatabaseURL      string `envconfig:"DATABASE_URL"`
	IndexAdapter     string `envconfig:"INDEX_ADAPTER"`
	CatalogSeedFile  string `envconfig:"CATALOG_SEED_FILE"`
	QdrantAddr       string `envconfig:"QDRANT_ADDR"`
	QdrantCollection string `envconfig:"QDRANT_COLLECTION"`
	RedisURL         string `envconfig:"REDIS_URL"`
	EmbeddingAPIKey  string `envconfig:"EMBEDDING_API_KEY"`
	EmbeddingModel   string `envconfig:"EMBEDDING_MODEL"`
	EmbeddingProv    string `envconfig:"EMBEDDING_PROVIDER"`
	ExtractionAPIKey string `envconfig:"EXTRACTION_API_KEY"`
	ExtractionModel  string `envconfig:"EXTRACTION_MODEL"`
	RerankProvider   string `envconfig:"RERANK_PROVIDER"`
	RerankURL        string `envconfig:"RERANK_URL"`
	RerankMode       string `envconfig:"RERANK_MODE"`
	NATSURL          string `envconfig:"NATS_URL"`
	PersistMode      string `envconfig:"REVIEW_PERSIST_MODE"`
	UrgencyKeywords  string `envconfig:"REVIEW_URGENCY_KEYWORDS"`
	NearThreshold    string `envconfig:"DEDUP_NEAR_THRESHOLD"`
	LogLevel         string `envconfig:"LOG_LEVEL"`
	LogFormat        string `envconfig:"LOG_FORMAT"`
	OTELEndpoint     string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AuthTokens       string `envconfig:"AUTH_TOKENS"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return err
	}

	setString(&cfg.Server.Host, env.ServerHost)
	if env.ServerPort != "" {
		port, err := strconv.Atoi(env.ServerPort)
		if err != nil {
			return fmt.Errorf("%s_SERVER_PORT: %w", envPrefix, err)
		}
		cfg.Server.Port = port
	}

	if v := env.DatabaseURL; v != "" {
		switch {
		case strings.HasPrefix(v, "sqlite:"):
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		case strings.HasPrefix(v, "postgres"):
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		default:
			return fmt.Errorf("%s_DATABASE_URL: unsupported scheme in %q", envPrefix, v)
		}
	}

	setString(&cfg.Index.Adapter, env.IndexAdapter)
	setString(&cfg.Index.SeedFile, env.CatalogSeedFile)
	setString(&cfg.Index.Qdrant.Addr, env.QdrantAddr)
	setString(&cfg.Index.Qdrant.Collection, env.QdrantCollection)

	if env.RedisURL != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(env.RedisURL, "redis://")
	}

	setString(&cfg.Embedding.APIKey, env.EmbeddingAPIKey)
	setString(&cfg.Embedding.Model, env.EmbeddingModel)
	setString(&cfg.Embedding.Provider, env.EmbeddingProv)
	if env.EmbeddingAPIKey != "" && env.EmbeddingProv == "" {
		cfg.Embedding.Provider = "openrouter"
	}

	if env.ExtractionAPIKey != "" {
		cfg.Extraction.APIKey = env.ExtractionAPIKey
		cfg.Extraction.Enabled = true
	}
	setString(&cfg.Extraction.Model, env.ExtractionModel)

	setString(&cfg.Rerank.Provider, env.RerankProvider)
	setString(&cfg.Rerank.URL, env.RerankURL)
	setString(&cfg.Rerank.Mode, env.RerankMode)

	setString(&cfg.Notify.NATSURL, env.NATSURL)
	setString(&cfg.Review.PersistMode, env.PersistMode)
	if env.UrgencyKeywords != "" {
		cfg.Review.UrgencyKeywords = splitList(env.UrgencyKeywords)
	}

	if env.NearThreshold != "" {
		v, err := strconv.ParseFloat(env.NearThreshold, 64)
		if err != nil {
			return fmt.Errorf("%s_DEDUP_NEAR_THRESHOLD: %w", envPrefix, err)
		}
		cfg.Dedup.NearThreshold = v
	}

	setString(&cfg.Observability.LogLevel, env.LogLevel)
	setString(&cfg.Observability.LogFormat, env.LogFormat)
	if env.OTELEndpoint != "" {
		cfg.Observability.OTEL.Endpoint = env.OTELEndpoint
		cfg.Observability.OTEL.Enabled = true
	}

	if env.AuthTokens != "" {
		cfg.Auth.Tokens = splitList(env.AuthTokens)
		cfg.Auth.Enabled = true
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
