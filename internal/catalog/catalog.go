package catalog

import (
	"context"
	"fmt"
)

// Catalog pairs a vector index with a keyword index and keeps the keyword
// side in step with every upsert and delete.
type Catalog struct {
	vectors  VectorIndex
	keywords *KeywordIndex
}

// New creates a Catalog. keywords may be nil to disable keyword search.
func New(vectors VectorIndex, keywords *KeywordIndex) *Catalog {
	return &Catalog{vectors: vectors, keywords: keywords}
}

// Keywords returns the keyword index, or nil when disabled.
func (c *Catalog) Keywords() *KeywordIndex {
	return c.keywords
}

// Vectors returns the underlying vector index.
func (c *Catalog) Vectors() VectorIndex {
	return c.vectors
}

// RequiresEmbeddings reports whether the vector side rejects records without
// embeddings.
func (c *Catalog) RequiresEmbeddings() bool {
	return RequiresEmbeddings(c.vectors)
}

// RebuildKeywords builds the keyword index from the vector index contents.
func (c *Catalog) RebuildKeywords(ctx context.Context) error {
	if c.keywords == nil {
		return nil
	}
	records, err := c.vectors.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	c.keywords.Build(records)
	return nil
}

func (c *Catalog) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	return c.vectors.Query(ctx, vector, k, filter)
}

func (c *Catalog) List(ctx context.Context, filter Filter) ([]Record, error) {
	return c.vectors.List(ctx, filter)
}

func (c *Catalog) Upsert(ctx context.Context, records []Record) error {
	if err := c.vectors.Upsert(ctx, records); err != nil {
		return err
	}
	if c.keywords != nil {
		c.keywords.Add(records)
	}
	return nil
}

func (c *Catalog) Delete(ctx context.Context, ids []string) error {
	if err := c.vectors.Delete(ctx, ids); err != nil {
		return err
	}
	if c.keywords != nil {
		c.keywords.Remove(ids)
	}
	return nil
}

func (c *Catalog) Count(ctx context.Context) (int, error) {
	return c.vectors.Count(ctx)
}

func (c *Catalog) Close() error {
	return c.vectors.Close()
}

var _ VectorIndex = (*Catalog)(nil)
