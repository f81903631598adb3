// Package catalog holds catalog records and the candidate index adapters used to
// look them up by vector and by keyword.
package catalog

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Attributes are the structured fields of a catalog record.
type Attributes struct {
	Code        string   `json:"code,omitempty"`
	Name        string   `json:"name,omitempty"`
	Brand       string   `json:"brand,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Size        string   `json:"size,omitempty"`
	Quantity    string   `json:"quantity,omitempty"`
	HasImage    bool     `json:"has_image,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Record is one catalog item.
type Record struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Source     string     `json:"source,omitempty"`
	RowIndex   int        `json:"row_index"`
	Attributes Attributes `json:"attributes"`
	Embedding  []float32  `json:"embedding,omitempty"`
}

// Metadata flattens the record attributes for candidate snapshots.
func (r Record) Metadata() map[string]string {
	m := map[string]string{"row_index": strconv.Itoa(r.RowIndex)}
	add := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	add("source", r.Source)
	add("code", r.Attributes.Code)
	add("name", r.Attributes.Name)
	add("brand", r.Attributes.Brand)
	add("display_name", r.Attributes.DisplayName)
	add("size", r.Attributes.Size)
	add("quantity", r.Attributes.Quantity)
	if r.Attributes.HasImage {
		m["has_image"] = "true"
	}
	if len(r.Attributes.Tags) > 0 {
		m["tags"] = strings.Join(r.Attributes.Tags, ",")
	}
	return m
}

// Filter restricts lookups by attribute equality. Empty fields are ignored.
type Filter struct {
	Code   string `json:"code,omitempty"`
	Source string `json:"source,omitempty"`
	Brand  string `json:"brand,omitempty"`
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Code == "" && f.Source == "" && f.Brand == ""
}

// Matches reports whether r satisfies every non-empty field of f.
func (f Filter) Matches(r Record) bool {
	if f.Code != "" && r.Attributes.Code != f.Code {
		return false
	}
	if f.Source != "" && r.Source != f.Source {
		return false
	}
	if f.Brand != "" && r.Attributes.Brand != f.Brand {
		return false
	}
	return true
}

// Match is a nearest-neighbor hit. Distance is cosine distance in [0,2].
type Match struct {
	Record   Record
	Distance float64
}

// ErrDimensionMismatch indicates a vector of the wrong length.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ErrMissingEmbedding is returned by indexes that cannot store a record
// without a vector.
var ErrMissingEmbedding = errors.New("record has no embedding")

// EmbeddingRequirer is implemented by indexes that reject records without
// embeddings. MemoryIndex stores such records and leaves them out of Query.
type EmbeddingRequirer interface {
	RequiresEmbeddings() bool
}

// RequiresEmbeddings reports whether idx rejects records without embeddings.
func RequiresEmbeddings(idx VectorIndex) bool {
	r, ok := idx.(EmbeddingRequirer)
	return ok && r.RequiresEmbeddings()
}

// VectorIndex is the nearest-neighbor side of the candidate index adapter.
// Lookups that find nothing return empty results, not errors.
type VectorIndex interface {
	// Query returns up to k records closest to vector, nearest first.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error)
	// List returns all records matching filter in insertion order.
	List(ctx context.Context, filter Filter) ([]Record, error)
	Upsert(ctx context.Context, records []Record) error
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	Close() error
}
