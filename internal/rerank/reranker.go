// Package rerank scores (query, document) pairs with a cross-encoder.
package rerank

import (
	"context"
	"errors"
)

// Reranker scores docs against query. The returned slice is aligned with docs.
// Callers fall back to their own ordering when an error is returned.
type Reranker interface {
	Score(ctx context.Context, query string, docs []string) ([]float64, error)
	Name() string
}

// ErrUnavailable is returned by a reranker that cannot serve requests.
var ErrUnavailable = errors.New("reranker unavailable")
