package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/cache"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
)

type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.EmbedSingle(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) EmbedSingle(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0}, nil
}

func (s *stubEmbedder) Model() string  { return "stub" }
func (s *stubEmbedder) Dimension() int { return 2 }

type stubReranker struct {
	scores map[string]float64
	err    error
	calls  int
}

func (s *stubReranker) Score(_ context.Context, _ string, docs []string) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = s.scores[d]
	}
	return out, nil
}

func (s *stubReranker) Name() string { return "stub" }

var testRecords = []catalog.Record{
	{ID: "a", Text: "cordless drill 18v", Embedding: []float32{1, 0}},
	{ID: "b", Text: "hammer drill", Embedding: []float32{0.6, 0.8}},
	{ID: "c", Text: "screwdriver set", Embedding: []float32{0, 1}},
}

func newTestIndex(t *testing.T) *catalog.MemoryIndex {
	t.Helper()
	idx := catalog.NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(context.Background(), testRecords))
	return idx
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	emb := &stubEmbedder{vectors: map[string][]float32{"drill": {1, 0}}}
	e, err := NewEngine(observability.NewNopLogger(), newTestIndex(t), emb, cfg, opts...)
	require.NoError(t, err)
	return e
}

func ids(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}

func TestFuse_WeightedExample(t *testing.T) {
	cands := Fuse(
		[]Hit{{ID: "x", Score: 0.9}},
		[]Hit{{ID: "x", Score: 0.5}},
		0.7, 0.3,
	)
	require.Len(t, cands, 1)
	assert.InDelta(t, 0.78, cands[0].FusedScore, 1e-9)
	assert.Equal(t, []string{SourceSemantic, SourceKeyword}, cands[0].Sources)
}

func TestFuse_SingleSourceNotRenormalized(t *testing.T) {
	cands := Fuse(
		[]Hit{{ID: "s", Score: 0.9}},
		[]Hit{{ID: "k", Score: 0.5}},
		0.7, 0.3,
	)
	require.Len(t, cands, 2)
	assert.Equal(t, "s", cands[0].ID)
	assert.InDelta(t, 0.63, cands[0].FusedScore, 1e-9)
	assert.Equal(t, "k", cands[1].ID)
	assert.InDelta(t, 0.15, cands[1].FusedScore, 1e-9)
}

func TestFuse_TiesKeepInsertionOrder(t *testing.T) {
	cands := Fuse(
		[]Hit{{ID: "s1", Score: 0.4}, {ID: "s2", Score: 0.4}},
		[]Hit{{ID: "k1", Score: 0.4}},
		0.5, 0.5,
	)
	assert.Equal(t, []string{"s1", "s2", "k1"}, ids(cands))
}

func TestBucket_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		level ConfidenceLevel
		pct   int
	}{
		{0.95, ConfidenceVeryHigh, 95},
		{0.9, ConfidenceVeryHigh, 95},
		{0.89, ConfidenceHigh, 85},
		{0.8, ConfidenceHigh, 85},
		{0.7, ConfidenceMedium, 70},
		{0.6, ConfidenceLow, 60},
		{0.59, ConfidenceVeryLow, 40},
		{-1, ConfidenceVeryLow, 40},
	}
	for _, tt := range tests {
		level, pct := Bucket(tt.score)
		assert.Equal(t, tt.level, level, "score %v", tt.score)
		assert.Equal(t, tt.pct, pct, "score %v", tt.score)
	}
}

func TestMinMax_ZeroSpan(t *testing.T) {
	assert.Equal(t, []float64{1, 1}, MinMax([]float64{0.4, 0.4}))
	assert.Equal(t, []float64{1, 0, 0.5}, MinMax([]float64{2, 0, 1}))
	assert.Empty(t, MinMax(nil))
}

func TestNewEngine_RejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeywordWeight = 0.5
	_, err := NewEngine(nil, nil, nil, cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.RerankWeight = 0.1
	_, err = NewEngine(nil, nil, nil, cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.RerankMode = "blend"
	_, err = NewEngine(nil, nil, nil, cfg)
	assert.Error(t, err)
}

func TestEngine_Search_EmptyQuery(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	_, err := e.Search(context.Background(), SearchRequest{Query: "   "})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestEngine_Search_SemanticOnly(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	res, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(res.Candidates))
	assert.InDelta(t, 0.7, res.Candidates[0].FusedScore, 1e-6)
	assert.InDelta(t, 0.42, res.Candidates[1].FusedScore, 1e-6)
	assert.Equal(t, ConfidenceMedium, res.Candidates[0].ConfidenceLevel)
	assert.Equal(t, 70, res.Candidates[0].ConfidencePercentage)

	assert.Equal(t, 3, res.Stats.SemanticCount)
	assert.Equal(t, 0, res.Stats.KeywordCount)
	assert.Equal(t, 3, res.Stats.MergedCount)
	assert.Equal(t, 3, res.Stats.FinalCount)
	assert.False(t, res.Stats.Reranked)
	assert.Equal(t, "not configured", res.Stats.RerankSkipped)
}

func TestEngine_Search_WithKeywords(t *testing.T) {
	kw := catalog.NewKeywordIndex(catalog.DefaultKeywordConfig())
	kw.Build(testRecords)
	e := newTestEngine(t, DefaultConfig(), WithKeywords(kw))

	res, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.KeywordCount)
	assert.Equal(t, 3, res.Stats.MergedCount)
	require.NotEmpty(t, res.Candidates)
	assert.Equal(t, "a", res.Candidates[0].ID)
	assert.Equal(t, []string{SourceSemantic, SourceKeyword}, res.Candidates[0].Sources)
	assert.Greater(t, res.Candidates[0].KeywordScore, 0.0)
}

func TestEngine_Search_UnbuiltKeywordIndexDegrades(t *testing.T) {
	kw := catalog.NewKeywordIndex(catalog.DefaultKeywordConfig())
	e := newTestEngine(t, DefaultConfig(), WithKeywords(kw))

	res, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.KeywordCount)
	assert.Empty(t, res.Stats.KeywordError)
	assert.Len(t, res.Candidates, 3)
}

func TestEngine_Search_EmbedderFailureDegrades(t *testing.T) {
	kw := catalog.NewKeywordIndex(catalog.DefaultKeywordConfig())
	kw.Build(testRecords)
	emb := &stubEmbedder{err: errors.New("embedding service down")}
	e, err := NewEngine(observability.NewNopLogger(), newTestIndex(t), emb, DefaultConfig(), WithKeywords(kw))
	require.NoError(t, err)

	res, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Stats.SemanticError)
	assert.Equal(t, 0, res.Stats.SemanticCount)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(res.Candidates))
	for _, c := range res.Candidates {
		assert.Equal(t, []string{SourceKeyword}, c.Sources)
	}
}

func TestEngine_Search_TruncatesToNResults(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	res, err := e.Search(context.Background(), SearchRequest{Query: "drill", NResults: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(res.Candidates))
}

func TestEngine_Search_Exclude(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	res, err := e.Search(context.Background(), SearchRequest{Query: "drill", Exclude: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(res.Candidates))
}

func TestEngine_Search_RerankReplace(t *testing.T) {
	rr := &stubReranker{scores: map[string]float64{
		"cordless drill 18v": 0.1,
		"hammer drill":       0.95,
		"screwdriver set":    0.5,
	}}
	e := newTestEngine(t, DefaultConfig(), WithReranker(rr))

	res, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids(res.Candidates))
	require.NotNil(t, res.Candidates[0].RerankScore)
	assert.InDelta(t, 0.95, res.Candidates[0].FinalScore, 1e-9)
	assert.Nil(t, res.Candidates[0].HybridScore)
	assert.Equal(t, ConfidenceVeryHigh, res.Candidates[0].ConfidenceLevel)
	assert.True(t, res.Stats.Reranked)
	assert.Equal(t, RerankModeReplace, res.Stats.RerankMode)
	assert.Equal(t, 3, res.Stats.RerankedCount)
}

func TestEngine_Search_RerankThresholdAndTopK(t *testing.T) {
	rr := &stubReranker{scores: map[string]float64{
		"cordless drill 18v": 0.1,
		"hammer drill":       0.95,
		"screwdriver set":    0.5,
	}}
	e := newTestEngine(t, DefaultConfig(), WithReranker(rr))

	threshold := 0.4
	res, err := e.Search(context.Background(), SearchRequest{Query: "drill", ScoreThreshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(res.Candidates))

	res, err = e.Search(context.Background(), SearchRequest{Query: "drill", RerankTopK: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(res.Candidates))
}

func TestEngine_Search_RerankFailureFallsBack(t *testing.T) {
	rr := &stubReranker{err: errors.New("model not loaded")}
	e := newTestEngine(t, DefaultConfig(), WithReranker(rr))

	threshold := 0.99
	res, err := e.Search(context.Background(), SearchRequest{Query: "drill", NResults: 2, ScoreThreshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(res.Candidates))
	assert.False(t, res.Stats.Reranked)
	assert.Contains(t, res.Stats.RerankSkipped, "model not loaded")
	assert.Nil(t, res.Candidates[0].RerankScore)
}

// blockingReranker never answers before its context ends.
type blockingReranker struct{}

func (blockingReranker) Score(ctx context.Context, _ string, _ []string) ([]float64, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingReranker) Name() string { return "blocking" }

type blockingEmbedder struct{}

func (blockingEmbedder) Embed(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingEmbedder) EmbedSingle(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingEmbedder) Model() string  { return "blocking" }
func (blockingEmbedder) Dimension() int { return 2 }

type blockingKeywords struct{}

func (blockingKeywords) Search(ctx context.Context, _ []string, _ int, _ catalog.Filter) ([]catalog.KeywordHit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingKeywords) Built() bool { return true }

func TestEngine_Search_RerankTimeoutFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RerankTimeout = 50 * time.Millisecond
	e := newTestEngine(t, cfg, WithReranker(blockingReranker{}))

	start := time.Now()
	res, err := e.Search(context.Background(), SearchRequest{Query: "drill", NResults: 2})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, []string{"a", "b"}, ids(res.Candidates))
	assert.False(t, res.Stats.Reranked)
	assert.Contains(t, res.Stats.RerankSkipped, context.DeadlineExceeded.Error())
	assert.Empty(t, res.Stats.RerankMode)
	assert.Equal(t, 2, res.Stats.FinalCount)
	assert.GreaterOrEqual(t, res.Stats.RerankLatency, 50*time.Millisecond)
	for _, c := range res.Candidates {
		assert.Nil(t, c.RerankScore)
		assert.Equal(t, c.FusedScore, c.FinalScore)
	}
}

func TestEngine_Search_SemanticTimeoutDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SemanticTimeout = 50 * time.Millisecond
	kw := catalog.NewKeywordIndex(catalog.DefaultKeywordConfig())
	kw.Build(testRecords)
	e, err := NewEngine(observability.NewNopLogger(), newTestIndex(t), blockingEmbedder{}, cfg, WithKeywords(kw))
	require.NoError(t, err)

	start := time.Now()
	res, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Contains(t, res.Stats.SemanticError, context.DeadlineExceeded.Error())
	assert.Equal(t, 0, res.Stats.SemanticCount)
	assert.Equal(t, 2, res.Stats.KeywordCount)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(res.Candidates))
}

func TestEngine_Search_KeywordTimeoutDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeywordTimeout = 50 * time.Millisecond
	e := newTestEngine(t, cfg, WithKeywords(blockingKeywords{}))

	start := time.Now()
	res, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Contains(t, res.Stats.KeywordError, context.DeadlineExceeded.Error())
	assert.Equal(t, 0, res.Stats.KeywordCount)
	assert.Equal(t, []string{"a", "b", "c"}, ids(res.Candidates))
}

func TestEngine_Search_RerankHybrid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RerankMode = RerankModeHybrid
	rr := &stubReranker{scores: map[string]float64{}}
	e := newTestEngine(t, cfg, WithReranker(rr))

	res, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, []string{"a", "b", "c"}, ids(res.Candidates))

	// fused 0.7, 0.42, 0 -> minmax 1, 0.6, 0; sigmoid(0) = 0.5
	want := []float64{0.3*1 + 0.35, 0.3*0.6 + 0.35, 0.35}
	for i, c := range res.Candidates {
		require.NotNil(t, c.HybridScore)
		assert.InDelta(t, want[i], *c.HybridScore, 1e-6)
		assert.InDelta(t, want[i], c.FinalScore, 1e-6)
	}
	assert.Equal(t, RerankModeHybrid, res.Stats.RerankMode)
}

func TestEngine_Search_CacheHit(t *testing.T) {
	mem := cache.NewMemoryClient(100)
	defer mem.Close()
	rc := NewResponseCache(mem, observability.NewNopLogger(), time.Minute)
	rr := &stubReranker{scores: map[string]float64{"hammer drill": 0.9}}
	e := newTestEngine(t, DefaultConfig(), WithCache(rc), WithReranker(rr))

	first, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.False(t, first.Stats.Cached)

	second, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.True(t, second.Stats.Cached)
	assert.Equal(t, ids(first.Candidates), ids(second.Candidates))
	assert.Equal(t, 1, rr.calls)

	e.InvalidateCache(context.Background())
	third, err := e.Search(context.Background(), SearchRequest{Query: "drill"})
	require.NoError(t, err)
	assert.False(t, third.Stats.Cached)
	assert.Equal(t, 2, rr.calls)
}

func TestResponseCache_KeyIgnoresExcludeOrder(t *testing.T) {
	rc := NewResponseCache(cache.NewMemoryClient(10), nil, 0)
	k1 := rc.Key(SearchRequest{Query: "q", Exclude: []string{"b", "a"}})
	k2 := rc.Key(SearchRequest{Query: "q", Exclude: []string{"a", "b"}})
	k3 := rc.Key(SearchRequest{Query: "q", NResults: 3})
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
