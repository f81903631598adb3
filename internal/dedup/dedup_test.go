package dedup

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
)

func record(id, code, brand, text string, vec ...float32) catalog.Record {
	return catalog.Record{
		ID:         id,
		Text:       text,
		Source:     "sheet1",
		Attributes: catalog.Attributes{Code: code, Brand: brand},
		Embedding:  vec,
	}
}

func newIndex(t *testing.T, records ...catalog.Record) *catalog.MemoryIndex {
	t.Helper()
	idx := catalog.NewMemoryIndex(0)
	require.NoError(t, idx.Upsert(context.Background(), records))
	return idx
}

type failingIndex struct {
	*catalog.MemoryIndex
}

func (failingIndex) List(context.Context, catalog.Filter) ([]catalog.Record, error) {
	return nil, errors.New("index offline")
}

func (failingIndex) Query(context.Context, []float32, int, catalog.Filter) ([]catalog.Match, error) {
	return nil, errors.New("index offline")
}

func TestContentHash_ExactDuplicatesShareHash(t *testing.T) {
	a := record("a", "X1", "Acme", "drill")
	b := record("b", "X1", "Acme", "drill")
	c := record("c", "X1", "Acme", "drill")
	c.RowIndex = 7

	assert.Equal(t, ContentHash(a), ContentHash(b))
	assert.NotEqual(t, ContentHash(a), ContentHash(c))
	assert.Len(t, ContentHash(a), 64)
}

func TestContentHash_TextTruncatedAt500(t *testing.T) {
	base := strings.Repeat("x", 500)
	a := record("a", "", "", base+"tail one")
	b := record("b", "", "", base+"tail two")
	assert.Equal(t, ContentHash(a), ContentHash(b))
}

func TestFindDuplicates_Exact(t *testing.T) {
	idx := newIndex(t,
		record("a", "X1", "Acme", "drill"),
		record("b", "X2", "Acme", "saw"),
		record("c", "X1", "Acme", "drill"),
	)
	e := NewEngine(idx, nil, Config{})

	groups, err := e.FindDuplicates(context.Background(), StrategyExact)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "c"}, groups[0].IDs)
	assert.Equal(t, ContentHash(record("a", "X1", "Acme", "drill")), groups[0].Key)
}

func TestFindDuplicates_Semantic(t *testing.T) {
	idx := newIndex(t,
		record("a", "X1", "ACME", "cordless drill"),
		record("b", "x1", "acme", "drill, cordless, 18v"),
		record("c", "", "acme", "no code"),
		record("d", "", "acme", "no code either"),
		record("e", "X1", "Other", "drill"),
	)
	e := NewEngine(idx, nil, Config{})

	groups, err := e.FindDuplicates(context.Background(), StrategySemantic)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "acme|x1", groups[0].Key)
	assert.Equal(t, []string{"a", "b"}, groups[0].IDs)
}

func TestFindDuplicates_NearCompleteLinkage(t *testing.T) {
	// a~b and b~c at 0.96, but a and c only 0.85 apart.
	idx := newIndex(t,
		record("a", "", "", "a", 1, 0),
		record("b", "", "", "b", 0.96, 0.28),
		record("c", "", "", "c", 0.85, 0.5268),
		record("d", "", "", "d", 0, 1),
	)
	e := NewEngine(idx, nil, Config{NearThreshold: 0.95})

	groups, err := e.FindDuplicates(context.Background(), StrategyNear)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b"}, groups[0].IDs)

	recs, err := idx.List(context.Background(), catalog.Filter{})
	require.NoError(t, err)
	byID := map[string]catalog.Record{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	for _, g := range groups {
		for i := range g.IDs {
			for j := i + 1; j < len(g.IDs); j++ {
				sim := catalog.CosineSimilarity(byID[g.IDs[i]].Embedding, byID[g.IDs[j]].Embedding)
				assert.GreaterOrEqual(t, sim, 0.95)
			}
		}
	}
}

func TestFindDuplicates_UnknownStrategy(t *testing.T) {
	e := NewEngine(newIndex(t), nil, Config{})
	_, err := e.FindDuplicates(context.Background(), Strategy("fuzzy"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestFindDuplicates_IndexErrorYieldsEmpty(t *testing.T) {
	e := NewEngine(failingIndex{catalog.NewMemoryIndex(0)}, nil, Config{})
	groups, err := e.FindDuplicates(context.Background(), StrategyExact)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestRemoveDuplicates_KeepPolicies(t *testing.T) {
	sparse := record("a", "X1", "Acme", "drill one")
	rich := record("b", "X1", "Acme", "drill two")
	rich.Attributes.Name = "Drill"
	rich.Attributes.HasImage = true
	last := record("c", "X1", "Acme", "drill three")

	tests := []struct {
		keep    KeepPolicy
		removed []string
	}{
		{KeepFirst, []string{"b", "c"}},
		{KeepLast, []string{"a", "b"}},
		{KeepBest, []string{"a", "c"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.keep), func(t *testing.T) {
			e := NewEngine(newIndex(t, sparse, rich, last), nil, Config{})
			report, err := e.RemoveDuplicates(context.Background(), StrategySemantic, tt.keep, true)
			require.NoError(t, err)
			assert.Equal(t, tt.removed, report.RemovedIDs)
			assert.Equal(t, 2, report.RemovedCount)
		})
	}
}

func TestRemoveDuplicates_BestTieKeepsFirst(t *testing.T) {
	e := NewEngine(newIndex(t,
		record("a", "X1", "Acme", "one"),
		record("b", "X1", "Acme", "two"),
	), nil, Config{})
	report, err := e.RemoveDuplicates(context.Background(), StrategySemantic, KeepBest, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, report.RemovedIDs)
}

func TestRemoveDuplicates_DryRunIsStable(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t,
		record("a", "X1", "Acme", "drill"),
		record("b", "X1", "Acme", "drill"),
		record("c", "X2", "Acme", "saw"),
		record("d", "X2", "Acme", "saw"),
	)
	e := NewEngine(idx, nil, Config{})

	first, err := e.RemoveDuplicates(ctx, StrategySemantic, KeepBest, true)
	require.NoError(t, err)
	second, err := e.RemoveDuplicates(ctx, StrategySemantic, KeepBest, true)
	require.NoError(t, err)

	assert.Equal(t, first.Groups, second.Groups)
	assert.Equal(t, first.RemovedIDs, second.RemovedIDs)
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRemoveDuplicates_DeletesAndNotifies(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t,
		record("a", "X1", "Acme", "drill"),
		record("b", "X1", "Acme", "drill"),
	)
	var hooked []string
	e := NewEngine(idx, nil, Config{}, WithRemoveHook(func(_ context.Context, ids []string) { hooked = ids }))

	report, err := e.RemoveDuplicates(ctx, StrategyExact, KeepFirst, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemovedCount)
	assert.Equal(t, []string{"b"}, hooked)

	recs, err := idx.List(ctx, catalog.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
}

func TestRemoveDuplicates_BadKeepPolicy(t *testing.T) {
	e := NewEngine(newIndex(t), nil, Config{})
	_, err := e.RemoveDuplicates(context.Background(), StrategyExact, KeepPolicy("newest"), true)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCanonicalFilter(t *testing.T) {
	e := NewEngine(newIndex(t,
		record("a", "X1", "Acme", "one"),
		record("b", "X1", "Acme", "two"),
		record("c", "X2", "Acme", "three"),
	), nil, Config{})
	ids, err := e.CanonicalFilter(context.Background(), StrategySemantic)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestCheckBeforeInsert_Exact(t *testing.T) {
	e := NewEngine(newIndex(t, record("a", "X1", "Acme", "drill")), nil, Config{})

	res := e.CheckBeforeInsert(context.Background(), record("new", "X1", "Acme", "drill"))
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "a", res.ExistingID)
	assert.Equal(t, "exact", res.Method)

	res = e.CheckBeforeInsert(context.Background(), record("a", "X1", "Acme", "drill"))
	assert.False(t, res.IsDuplicate)
}

func TestCheckBeforeInsert_Near(t *testing.T) {
	e := NewEngine(newIndex(t, record("a", "X1", "Acme", "drill", 1, 0)), nil, Config{NearThreshold: 0.95})

	res := e.CheckBeforeInsert(context.Background(), record("new", "Y9", "Acme", "a drill", 0.99, 0.05))
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "a", res.ExistingID)
	assert.Equal(t, "near", res.Method)
	assert.GreaterOrEqual(t, res.Similarity, 0.95)

	res = e.CheckBeforeInsert(context.Background(), record("new", "Y9", "Acme", "saw", 0, 1))
	assert.False(t, res.IsDuplicate)
	assert.False(t, res.Degraded)
}

func TestCheckBeforeInsert_FailsOpen(t *testing.T) {
	e := NewEngine(failingIndex{catalog.NewMemoryIndex(0)}, nil, Config{})
	res := e.CheckBeforeInsert(context.Background(), record("new", "X1", "Acme", "drill", 1, 0))
	assert.False(t, res.IsDuplicate)
	assert.True(t, res.Degraded)
}

func TestParseHelpers(t *testing.T) {
	s, err := ParseStrategy(" Near ")
	require.NoError(t, err)
	assert.Equal(t, StrategyNear, s)

	k, err := ParseKeepPolicy("BEST")
	require.NoError(t, err)
	assert.Equal(t, KeepBest, k)

	_, err = ParseKeepPolicy("")
	assert.Error(t, err)
}
