package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, text string, vec ...float32) Record {
	return Record{ID: id, Text: text, Embedding: vec}
}

func TestMemoryIndex_QueryOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(0)
	require.NoError(t, idx.Upsert(ctx, []Record{
		rec("a", "a", 1, 0),
		rec("b", "b", 0, 1),
		rec("c", "c", 1, 1),
	}))

	matches, err := idx.Query(ctx, []float32{1, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].Record.ID)
	assert.InDelta(t, 0.0, matches[0].Distance, 1e-6)
	assert.Equal(t, "c", matches[1].Record.ID)
	assert.InDelta(t, 1-0.70710678, matches[1].Distance, 1e-6)
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(ctx, []Record{rec("a", "a", 1, 0)}))

	err := idx.Upsert(ctx, []Record{rec("b", "b", 1, 0, 0)})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryIndex_ListKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(0)
	require.NoError(t, idx.Upsert(ctx, []Record{rec("z", "z"), rec("a", "a"), rec("m", "m")}))
	require.NoError(t, idx.Upsert(ctx, []Record{rec("z", "z updated")}))
	require.NoError(t, idx.Delete(ctx, []string{"a", "unknown"}))

	list, err := idx.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "z", list[0].ID)
	assert.Equal(t, "z updated", list[0].Text)
	assert.Equal(t, "m", list[1].ID)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryIndex_Filter(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(0)
	r1 := rec("a", "a", 1, 0)
	r1.Attributes.Code = "X1"
	r2 := rec("b", "b", 1, 0)
	r2.Attributes.Code = "X2"
	require.NoError(t, idx.Upsert(ctx, []Record{r1, r2}))

	matches, err := idx.Query(ctx, []float32{1, 0}, 5, Filter{Code: "X2"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].Record.ID)
}

func TestKeywordIndex_UnbuiltReturnsEmpty(t *testing.T) {
	k := NewKeywordIndex(DefaultKeywordConfig())
	hits, err := k.Search(context.Background(), Tokenize("bolt"), 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.False(t, k.Built())
}

func TestKeywordIndex_BM25Ranking(t *testing.T) {
	k := NewKeywordIndex(DefaultKeywordConfig())
	k.Build([]Record{
		rec("1", "hex bolt zinc plated m8"),
		rec("2", "hex nut m8"),
		rec("3", "flat washer stainless"),
		rec("4", "carriage bolt m10"),
		rec("5", "wood screw"),
	})

	hits, err := k.Search(context.Background(), Tokenize("Hex Bolt"), 10, Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "1", hits[0].Record.ID)
	for _, h := range hits {
		assert.Positive(t, h.Score)
		assert.NotEqual(t, "3", h.Record.ID)
	}
}

func TestKeywordIndex_AddRemove(t *testing.T) {
	k := NewKeywordIndex(DefaultKeywordConfig())
	k.Build([]Record{rec("1", "alpha"), rec("2", "beta"), rec("3", "gamma")})
	k.Add([]Record{rec("4", "delta")})
	k.Remove([]string{"1"})
	assert.Equal(t, 3, k.Len())

	hits, err := k.Search(context.Background(), []string{"delta"}, 5, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "4", hits[0].Record.ID)
}

func TestCatalog_KeepsKeywordsInSync(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryIndex(0), NewKeywordIndex(DefaultKeywordConfig()))
	require.NoError(t, c.Upsert(ctx, []Record{rec("1", "hex bolt", 1, 0), rec("2", "nut", 0, 1)}))
	require.NoError(t, c.RebuildKeywords(ctx))
	assert.Equal(t, 2, c.Keywords().Len())

	require.NoError(t, c.Delete(ctx, []string{"1"}))
	assert.Equal(t, 1, c.Keywords().Len())
}

func TestDecode_ArrayAndLines(t *testing.T) {
	arr := `[{"id":"a","text":"bolt"},{"source":"s","attributes":{"brand":"Acme","code":"B1","name":"Bolt"}}]`
	records, err := Decode([]byte(arr))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "s-1", records[1].ID)
	assert.Equal(t, "Acme B1 Bolt", records[1].Text)

	lines := "{\"id\":\"a\",\"text\":\"x\"}\n\n{\"id\":\"b\",\"text\":\"y\"}\n"
	records, err = Decode([]byte(lines))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDecode_DuplicateIDs(t *testing.T) {
	_, err := Decode([]byte(`[{"id":"a","text":"x"},{"id":"a","text":"y"}]`))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"a","text":"x","embedding":[0.1,0.2]}`), 0o644))
	records, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []float32{0.1, 0.2}, records[0].Embedding)
}

func TestQdrantIndex_UpsertRejectsMissingEmbedding(t *testing.T) {
	q := &QdrantIndex{collection: "catalog", dimension: 2}
	err := q.Upsert(context.Background(), []Record{rec("a", "drill", 1, 0), rec("b", "saw")})
	require.ErrorIs(t, err, ErrMissingEmbedding)
	assert.Contains(t, err.Error(), "id b")

	assert.True(t, RequiresEmbeddings(q))
	assert.True(t, New(q, nil).RequiresEmbeddings())
	assert.False(t, RequiresEmbeddings(NewMemoryIndex(2)))
	assert.False(t, New(NewMemoryIndex(2), nil).RequiresEmbeddings())
}

func TestPointID_Stable(t *testing.T) {
	assert.Equal(t, PointID("rec-1"), PointID("rec-1"))
	assert.NotEqual(t, PointID("rec-1"), PointID("rec-2"))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}
