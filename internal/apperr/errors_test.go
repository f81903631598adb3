package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageIncludesOpAndCause(t *testing.T) {
	err := Unavailable("search.rerank", "reranker timed out", errors.New("deadline exceeded"))
	assert.Equal(t, "search.rerank: collaborator_unavailable: reranker timed out: deadline exceeded", err.Error())
}

func TestKindOf_Wrapped(t *testing.T) {
	base := NotFound("review.assign", "request r-1 not pending")
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(wrapped, KindValidation))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}
