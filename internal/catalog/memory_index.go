package catalog

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex implements VectorIndex in process with exact cosine search.
// Records keep their first insertion position across upserts.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	order     []string
	records   map[string]indexedRecord
}

type indexedRecord struct {
	record Record
	vector []float32 // normalized copy, nil when the record has no embedding
}

// NewMemoryIndex creates an empty index. A dimension of 0 is learned from the
// first inserted embedding.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		records:   make(map[string]indexedRecord),
	}
}

// Query finds the k nearest records. A query of the wrong dimension yields no
// results so the caller can fall back to keyword search.
func (m *MemoryIndex) Query(_ context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 || len(vector) == 0 {
		return []Match{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dimension != 0 && len(vector) != m.dimension {
		return []Match{}, nil
	}
	query := normalizeVector(vector)

	matches := make([]Match, 0, len(m.order))
	for _, id := range m.order {
		ir := m.records[id]
		if ir.vector == nil || !filter.Matches(ir.record) {
			continue
		}
		matches = append(matches, Match{Record: ir.record, Distance: cosineDistance(query, ir.vector)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// List returns matching records in insertion order.
func (m *MemoryIndex) List(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		if r := m.records[id].record; filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Upsert adds or replaces records. The whole batch is rejected if any
// embedding has the wrong dimension.
func (m *MemoryIndex) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dim := m.dimension
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record id is required")
		}
		if len(r.Embedding) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(r.Embedding)
		}
		if len(r.Embedding) != dim {
			return fmt.Errorf("%w: expected %d, got %d for id %s", ErrDimensionMismatch, dim, len(r.Embedding), r.ID)
		}
	}
	m.dimension = dim

	for _, r := range records {
		if _, exists := m.records[r.ID]; !exists {
			m.order = append(m.order, r.ID)
		}
		ir := indexedRecord{record: r}
		if len(r.Embedding) > 0 {
			ir.vector = normalizeVector(r.Embedding)
		}
		m.records[r.ID] = ir
	}
	return nil
}

// Delete removes records by id. Unknown ids are ignored.
func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := m.records[id]; ok {
			drop[id] = struct{}{}
			delete(m.records, id)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return nil
}

// Count returns the number of records.
func (m *MemoryIndex) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order), nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error {
	return nil
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 when the
// lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp(dot/(math.Sqrt(na)*math.Sqrt(nb)), -1, 1)
}

// cosineDistance computes 1 - dot(a, b) for normalized vectors.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - clamp(dot, -1, 1)
}

func normalizeVector(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

var _ VectorIndex = (*MemoryIndex)(nil)
