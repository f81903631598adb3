// Package app builds the order matcher components from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/cache"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/config"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/dedup"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/embedding"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/extraction"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/monitoring"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/notify"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orders"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/rerank"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/routing"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/storage"
)

// App holds every wired component. Fields for disabled parts are nil.
type App struct {
	Config *config.Config
	Logger *observability.Logger

	Catalog  *catalog.Catalog
	Embedder embedding.Embedder
	Reranker rerank.Reranker
	Cache    cache.Client
	Search   *retrieval.Engine
	Dedup    *dedup.Engine
	Router   *routing.Router

	DB        *sql.DB
	Store     *storage.ReviewStore
	Audit     *monitoring.AuditLogger
	NATS      *notify.NATSNotifier
	Notifiers []review.Notifier
	Queue     *review.Queue
	Worker    *review.Worker
	Orders    *orders.Processor

	closers []func(context.Context) error
}

type options struct {
	reviews bool
}

// Option adjusts which parts New builds.
type Option func(*options)

// WithoutReviews skips the database, notifiers, review queue and order
// processor. Used by CLI commands that only touch the catalog.
func WithoutReviews() Option {
	return func(o *options) { o.reviews = false }
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.OTEL.ServiceName,
	})
}

// New wires the application. On error every component opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts ...Option) (_ *App, err error) {
	o := options{reviews: true}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = NewLogger(cfg)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	shutdown, err := observability.InitTracing(ctx, logger, observability.TracingConfig{
		Enabled:     cfg.Observability.OTEL.Enabled,
		Endpoint:    cfg.Observability.OTEL.Endpoint,
		Insecure:    cfg.Observability.OTEL.Insecure,
		ServiceName: cfg.Observability.OTEL.ServiceName,
		SampleRatio: cfg.Observability.OTEL.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(shutdown)

	if err := a.buildCatalog(ctx); err != nil {
		return nil, err
	}
	if a.Embedder, err = newEmbedder(cfg.Embedding); err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	if err := a.buildReranker(); err != nil {
		return nil, err
	}
	if err := a.buildCache(ctx); err != nil {
		return nil, err
	}
	if err := a.buildSearch(); err != nil {
		return nil, err
	}

	var publisher cache.Publisher
	if p, ok := a.Cache.(cache.Publisher); ok {
		publisher = p
	}

	a.Router = routing.NewRouter(routing.Thresholds{
		AutoApprove:  cfg.Routing.AutoApproveThreshold,
		HumanReview:  cfg.Routing.HumanReviewThreshold,
		ItemApproval: cfg.Routing.ItemApprovalThreshold,
		NoItemFactor: cfg.Routing.NoItemPenalty,
	})

	if !o.reviews {
		a.Audit = monitoring.NewAuditLogger(logger, nil, publisher)
		a.buildDedup()
		return a, nil
	}

	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	a.Audit = monitoring.NewAuditLogger(logger, a.Store, publisher)
	a.buildDedup()

	if err := a.buildNotifiers(publisher); err != nil {
		return nil, err
	}
	if err := a.buildQueue(ctx); err != nil {
		return nil, err
	}
	if err := a.buildOrders(); err != nil {
		return nil, err
	}

	logger.Info().
		Str("index", cfg.Index.Adapter).
		Str("embedding", cfg.Embedding.Provider).
		Str("rerank", cfg.Rerank.Provider).
		Str("cache", cfg.Cache.Driver).
		Str("database", cfg.Database.Driver).
		Int("notifiers", len(a.Notifiers)).
		Msg("Application wired")
	return a, nil
}

func (a *App) buildCatalog(ctx context.Context) error {
	cfg := a.Config
	var vectors catalog.VectorIndex
	switch cfg.Index.Adapter {
	case "qdrant":
		q, err := catalog.NewQdrantIndex(ctx, cfg.Index.Qdrant.Addr, cfg.Index.Qdrant.Collection, cfg.Index.Dimension)
		if err != nil {
			return fmt.Errorf("open qdrant index: %w", err)
		}
		vectors = q
	default:
		vectors = catalog.NewMemoryIndex(cfg.Index.Dimension)
	}

	var keywords *catalog.KeywordIndex
	if cfg.Keyword.Enabled {
		kc := catalog.DefaultKeywordConfig()
		if cfg.Keyword.K1 > 0 {
			kc.K1 = cfg.Keyword.K1
		}
		if cfg.Keyword.B > 0 {
			kc.B = cfg.Keyword.B
		}
		keywords = catalog.NewKeywordIndex(kc)
	}

	a.Catalog = catalog.New(vectors, keywords)
	a.onClose(func(context.Context) error { return a.Catalog.Close() })

	if err := a.Catalog.RebuildKeywords(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Keyword index not rebuilt, keyword search disabled until next index run")
	}
	return nil
}

func newEmbedder(cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	if cfg.Provider == "mock" {
		return embedding.NewMockClient(cfg.Dimension), nil
	}
	return embedding.NewClient(embedding.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		Dimension: cfg.Dimension,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
	})
}

func (a *App) buildReranker() error {
	cfg := a.Config.Rerank
	switch cfg.Provider {
	case "http":
		a.Reranker = rerank.NewHTTPReranker(cfg.URL, cfg.Model, cfg.Timeout)
	case "onnx":
		r, err := rerank.NewONNXReranker(rerank.ONNXConfig{
			RuntimeLib:    cfg.RuntimeLib,
			ModelPath:     cfg.ModelPath,
			TokenizerPath: cfg.TokenizerPath,
			MaxSeqLen:     cfg.MaxSeqLen,
		})
		if err != nil {
			return fmt.Errorf("load onnx reranker: %w", err)
		}
		a.Reranker = r
		a.onClose(func(context.Context) error { return r.Close() })
	}
	return nil
}

func (a *App) buildCache(ctx context.Context) error {
	cfg := a.Config.Cache
	if cfg.Driver == "redis" {
		c, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.Cache = c
	} else {
		a.Cache = cache.NewMemoryClient(cfg.MaxEntries)
	}
	a.onClose(func(context.Context) error { return a.Cache.Close() })
	return nil
}

func (a *App) buildSearch() error {
	cfg := a.Config
	rc := retrieval.Config{
		SemanticWeight:    cfg.Retrieval.SemanticWeight,
		KeywordWeight:     cfg.Retrieval.KeywordWeight,
		KeywordNormalizer: cfg.Retrieval.KeywordNormalizer,
		NResults:          cfg.Retrieval.NResults,
		NCandidates:       cfg.Retrieval.NCandidates,
		SemanticTimeout:   cfg.Retrieval.SemanticTimeout,
		KeywordTimeout:    cfg.Retrieval.KeywordTimeout,
		RerankTimeout:     cfg.Rerank.Timeout,
		RerankMode:        cfg.Rerank.Mode,
		InitialWeight:     cfg.Rerank.InitialWeight,
		RerankWeight:      cfg.Rerank.RerankWeight,
	}

	var opts []retrieval.Option
	if kw := a.Catalog.Keywords(); kw != nil {
		opts = append(opts, retrieval.WithKeywords(kw))
	}
	if a.Reranker != nil {
		opts = append(opts, retrieval.WithReranker(a.Reranker))
	}
	if cfg.Retrieval.CacheResults {
		opts = append(opts, retrieval.WithCache(retrieval.NewResponseCache(a.Cache, a.Logger, cfg.Cache.TTL)))
	}

	engine, err := retrieval.NewEngine(a.Logger, a.Catalog, a.Embedder, rc, opts...)
	if err != nil {
		return fmt.Errorf("create search engine: %w", err)
	}
	a.Search = engine
	return nil
}

func (a *App) buildDedup() {
	a.Dedup = dedup.NewEngine(a.Catalog, a.Logger, dedup.Config{NearThreshold: a.Config.Dedup.NearThreshold},
		dedup.WithRemoveHook(func(ctx context.Context, ids []string) {
			a.Search.InvalidateCache(ctx)
		}))
}

func (a *App) buildStore(ctx context.Context) error {
	cfg := a.Config.Database
	pool := storage.PoolConfig{MaxOpenConns: cfg.SQLite.MaxOpenConns}
	if cfg.Driver == "postgres" {
		pool = storage.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}
	}
	db, err := storage.Open(ctx, cfg.Driver, a.Config.DatabaseDSN(), pool)
	if err != nil {
		return fmt.Errorf("open review store: %w", err)
	}
	a.DB = db
	a.Store = storage.NewReviewStore(db)
	a.onClose(func(context.Context) error { return db.Close() })
	return nil
}

func (a *App) buildNotifiers(publisher cache.Publisher) error {
	cfg := a.Config.Notify
	a.Notifiers = []review.Notifier{notify.NewLogNotifier(a.Logger)}
	if cfg.NATSURL != "" {
		n, err := notify.DialNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return err
		}
		a.NATS = n
		a.Notifiers = append(a.Notifiers, n)
		a.onClose(func(context.Context) error { return n.Close() })
	}
	if publisher != nil && cfg.RedisChannel != "" {
		a.Notifiers = append(a.Notifiers, notify.NewRedisNotifier(publisher, cfg.RedisChannel))
	}
	return nil
}

func (a *App) buildQueue(ctx context.Context) error {
	cfg := a.Config.Review
	a.Queue = review.NewQueue(a.Logger, review.Config{
		Priority: review.PriorityPolicy{
			HighBelow:       cfg.HighBelow,
			MediumBelow:     cfg.MediumBelow,
			UrgencyKeywords: cfg.UrgencyKeywords,
		},
		PersistMode: review.PersistMode(cfg.PersistMode),
	},
		review.WithStore(a.Store),
		review.WithAuditor(a.Audit),
		review.WithNotifiers(a.Notifiers...),
	)

	saved, err := a.Store.List(ctx, storage.ListFilter{Limit: restoreLimit})
	if err != nil {
		return fmt.Errorf("restore reviews: %w", err)
	}
	if n := a.Queue.Restore(saved); n > 0 {
		a.Logger.Info().Int("restored", n).Msg("Review queue restored from store")
	}

	a.Worker = review.NewWorker(a.Queue, review.NotifySink(a.Logger, a.Notifiers...), a.Logger)
	return nil
}

// restoreLimit bounds how many snapshots are reloaded at startup.
const restoreLimit = 10000

func (a *App) buildOrders() error {
	opts := []orders.Option{orders.WithTopCandidates(a.Config.Review.TopCandidates)}
	if a.Config.Extraction.Enabled {
		ex, err := extraction.NewClient(extraction.Config{
			APIKey:     a.Config.Extraction.APIKey,
			Model:      a.Config.Extraction.Model,
			BaseURL:    a.Config.Extraction.BaseURL,
			Timeout:    a.Config.Extraction.Timeout,
			MaxRetries: a.Config.Extraction.MaxRetries,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("create extractor: %w", err)
		}
		opts = append(opts, orders.WithExtractor(ex))
	}
	a.Orders = orders.NewProcessor(a.Search, a.Router, a.Queue, a.Logger, opts...)
	return nil
}

// Ready reports whether the stateful backends answer.
func (a *App) Ready(ctx context.Context) error {
	if a.DB != nil {
		if err := a.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if _, err := a.Catalog.Count(ctx); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases components in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
