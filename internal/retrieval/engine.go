package retrieval

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/embedding"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/rerank"
)

// KeywordSearcher is the keyword side of the candidate index adapter.
type KeywordSearcher interface {
	Search(ctx context.Context, tokens []string, n int, filter catalog.Filter) ([]catalog.KeywordHit, error)
	Built() bool
}

// Config holds engine settings.
type Config struct {
	SemanticWeight    float64
	KeywordWeight     float64
	KeywordNormalizer float64
	NResults          int
	NCandidates       int
	SemanticTimeout   time.Duration
	KeywordTimeout    time.Duration
	RerankTimeout     time.Duration
	RerankMode        string
	InitialWeight     float64
	RerankWeight      float64
}

// DefaultConfig returns 0.7/0.3 fusion, normalizer 10, 5 results from 20
// candidates and replace-mode reranking.
func DefaultConfig() Config {
	return Config{
		SemanticWeight:    0.7,
		KeywordWeight:     0.3,
		KeywordNormalizer: 10,
		NResults:          5,
		NCandidates:       20,
		SemanticTimeout:   10 * time.Second,
		KeywordTimeout:    2 * time.Second,
		RerankTimeout:     5 * time.Second,
		RerankMode:        RerankModeReplace,
		InitialWeight:     0.3,
		RerankWeight:      0.7,
	}
}

const weightTolerance = 1e-6

func (c Config) validate() error {
	if math.Abs(c.SemanticWeight+c.KeywordWeight-1) > weightTolerance {
		return fmt.Errorf("semantic and keyword weights must sum to 1.0, got %.4f", c.SemanticWeight+c.KeywordWeight)
	}
	if math.Abs(c.InitialWeight+c.RerankWeight-1) > weightTolerance {
		return fmt.Errorf("initial and rerank weights must sum to 1.0, got %.4f", c.InitialWeight+c.RerankWeight)
	}
	if c.KeywordNormalizer <= 0 {
		return fmt.Errorf("keyword normalizer must be positive")
	}
	if c.RerankMode != RerankModeReplace && c.RerankMode != RerankModeHybrid {
		return fmt.Errorf("unknown rerank mode %q", c.RerankMode)
	}
	return nil
}

// Engine runs hybrid searches.
type Engine struct {
	logger   *observability.Logger
	index    catalog.VectorIndex
	embedder embedding.Embedder
	keywords KeywordSearcher
	reranker rerank.Reranker
	cache    *ResponseCache
	cfg      Config
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithKeywords enables the keyword sub-search.
func WithKeywords(k KeywordSearcher) Option {
	return func(e *Engine) { e.keywords = k }
}

// WithReranker enables the rerank stage.
func WithReranker(r rerank.Reranker) Option {
	return func(e *Engine) { e.reranker = r }
}

// WithCache enables response caching.
func WithCache(c *ResponseCache) Option {
	return func(e *Engine) { e.cache = c }
}

// NewEngine creates an engine. index and embedder may be nil, in which case
// the semantic sub-search yields nothing.
func NewEngine(logger *observability.Logger, index catalog.VectorIndex, embedder embedding.Embedder, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.NResults <= 0 {
		cfg.NResults = 5
	}
	if cfg.NCandidates < cfg.NResults {
		cfg.NCandidates = max(20, cfg.NResults)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Engine{
		logger:   logger.WithComponent("retrieval"),
		index:    index,
		embedder: embedder,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// HasReranker reports whether a reranker is configured.
func (e *Engine) HasReranker() bool {
	return e.reranker != nil
}

// InvalidateCache drops cached results after the catalog changes.
func (e *Engine) InvalidateCache(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Search cache invalidation failed")
	}
}

// Search runs the semantic and keyword sub-searches concurrently, fuses them,
// optionally reranks, truncates and assigns confidence bands. Collaborator
// failures degrade the affected stage; only an empty query is an error.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	start := time.Now()
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, apperr.Validation("retrieval.search", "query must not be empty")
	}
	if req.NResults <= 0 {
		req.NResults = e.cfg.NResults
	}
	if req.NCandidates <= 0 {
		req.NCandidates = e.cfg.NCandidates
	}
	if req.NCandidates < req.NResults {
		req.NCandidates = req.NResults
	}

	ctx, span := observability.StartSpan(ctx, "retrieval.search",
		attribute.Int("n_results", req.NResults),
		attribute.Int("n_candidates", req.NCandidates),
	)
	defer span.End()
	log := e.logger.WithContext(ctx)

	var cacheKey string
	if e.cache != nil {
		cacheKey = e.cache.Key(req)
		if hit := e.cache.Get(ctx, cacheKey); hit != nil {
			hit.Stats.Cached = true
			hit.Stats.Total = time.Since(start)
			log.Debug().Str("query", req.Query).Msg("Search cache hit")
			return hit, nil
		}
	}

	exclude := make(map[string]struct{}, len(req.Exclude))
	for _, id := range req.Exclude {
		exclude[id] = struct{}{}
	}

	stats := Stats{}
	var semantic, keyword []Hit

	var g errgroup.Group
	g.Go(func() error {
		t0 := time.Now()
		hits, err := e.semanticSearch(ctx, req, exclude)
		stats.SemanticLatency = time.Since(t0)
		if err != nil {
			stats.SemanticError = err.Error()
			log.Warn().Err(err).Str("stage", "semantic").Msg("Semantic search failed, continuing without it")
			return nil
		}
		semantic = hits
		return nil
	})
	g.Go(func() error {
		t0 := time.Now()
		hits, err := e.keywordSearch(ctx, req, exclude)
		stats.KeywordLatency = time.Since(t0)
		if err != nil {
			stats.KeywordError = err.Error()
			log.Warn().Err(err).Str("stage", "keyword").Msg("Keyword search failed, continuing without it")
			return nil
		}
		keyword = hits
		return nil
	})
	_ = g.Wait()

	stats.SemanticCount = len(semantic)
	stats.KeywordCount = len(keyword)

	cands := Fuse(semantic, keyword, e.cfg.SemanticWeight, e.cfg.KeywordWeight)
	stats.MergedCount = len(cands)

	limit := req.NResults
	if e.reranker != nil && len(cands) > 0 {
		reranked, err := e.rerank(ctx, req, cands, &stats)
		if err != nil {
			stats.RerankSkipped = err.Error()
			log.Warn().Err(err).Str("stage", "rerank").Str("reranker", e.reranker.Name()).Msg("Rerank failed, using fused order")
		} else {
			cands = reranked
			stats.Reranked = true
			stats.RerankMode = e.cfg.RerankMode
			stats.RerankedCount = len(cands)
			if req.RerankTopK > 0 {
				limit = req.RerankTopK
			}
		}
	} else if e.reranker == nil {
		stats.RerankSkipped = "not configured"
	}

	if limit < len(cands) {
		cands = cands[:limit]
	}
	assignBands(cands)

	stats.FinalCount = len(cands)
	stats.Total = time.Since(start)

	res := &SearchResult{Query: req.Query, Candidates: cands, Stats: stats}
	if e.cache != nil {
		e.cache.Put(ctx, cacheKey, res)
	}

	span.SetAttributes(attribute.Int("final_count", stats.FinalCount), attribute.Bool("reranked", stats.Reranked))
	log.Debug().
		Str("query", req.Query).
		Int("semantic", stats.SemanticCount).
		Int("keyword", stats.KeywordCount).
		Int("merged", stats.MergedCount).
		Int("final", stats.FinalCount).
		Dur("total", stats.Total).
		Msg("Search complete")
	return res, nil
}

func (e *Engine) semanticSearch(ctx context.Context, req SearchRequest, exclude map[string]struct{}) ([]Hit, error) {
	if e.index == nil || e.embedder == nil {
		return []Hit{}, nil
	}
	ctx, span := observability.StartSpan(ctx, "retrieval.semantic")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SemanticTimeout)
	defer cancel()

	vec, err := e.embedder.EmbedSingle(ctx, req.Query)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, apperr.Unavailable("retrieval.semantic", "embed query", err)
	}
	matches, err := e.index.Query(ctx, vec, req.NCandidates+len(exclude), req.Filters)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, apperr.Unavailable("retrieval.semantic", "vector query", err)
	}

	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		if _, skip := exclude[m.Record.ID]; skip {
			continue
		}
		hits = append(hits, Hit{
			ID:       m.Record.ID,
			Text:     m.Record.Text,
			Metadata: m.Record.Metadata(),
			Score:    1 - m.Distance,
		})
		if len(hits) == req.NCandidates {
			break
		}
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

func (e *Engine) keywordSearch(ctx context.Context, req SearchRequest, exclude map[string]struct{}) ([]Hit, error) {
	if e.keywords == nil || !e.keywords.Built() {
		return []Hit{}, nil
	}
	ctx, span := observability.StartSpan(ctx, "retrieval.keyword")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.KeywordTimeout)
	defer cancel()

	results, err := e.keywords.Search(ctx, catalog.Tokenize(req.Query), req.NCandidates+len(exclude), req.Filters)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, apperr.Unavailable("retrieval.keyword", "keyword query", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if _, skip := exclude[r.Record.ID]; skip {
			continue
		}
		hits = append(hits, Hit{
			ID:       r.Record.ID,
			Text:     r.Record.Text,
			Metadata: r.Record.Metadata(),
			Score:    r.Score / e.cfg.KeywordNormalizer,
		})
		if len(hits) == req.NCandidates {
			break
		}
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// rerank scores the full merged list and applies the score threshold to the
// resulting final scores. The input slice is not modified on error.
func (e *Engine) rerank(ctx context.Context, req SearchRequest, cands []Candidate, stats *Stats) ([]Candidate, error) {
	ctx, span := observability.StartSpan(ctx, "retrieval.rerank",
		attribute.String("reranker", e.reranker.Name()),
		attribute.Int("candidates", len(cands)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RerankTimeout)
	defer cancel()

	t0 := time.Now()
	docs := make([]string, len(cands))
	for i, c := range cands {
		docs[i] = c.Text
	}
	scores, err := e.reranker.Score(ctx, req.Query, docs)
	stats.RerankLatency = time.Since(t0)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(scores) != len(cands) {
		return nil, fmt.Errorf("reranker returned %d scores for %d candidates", len(scores), len(cands))
	}

	out := append([]Candidate(nil), cands...)
	applyRerank(out, scores, e.cfg.RerankMode, e.cfg.InitialWeight, e.cfg.RerankWeight)

	if req.ScoreThreshold != nil {
		kept := out[:0]
		for _, c := range out {
			if c.FinalScore >= *req.ScoreThreshold {
				kept = append(kept, c)
			}
		}
		out = kept
	}
	return out, nil
}
