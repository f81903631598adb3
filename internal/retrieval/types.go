// Package retrieval fuses semantic and keyword candidate lookups, optionally
// reranks them with a cross-encoder and assigns confidence bands.
package retrieval

import (
	"time"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
)

// ConfidenceLevel is a fixed band derived from a candidate's final score.
type ConfidenceLevel string

const (
	ConfidenceVeryHigh ConfidenceLevel = "very_high"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceVeryLow  ConfidenceLevel = "very_low"
)

// Rerank modes.
const (
	RerankModeReplace = "replace"
	RerankModeHybrid  = "hybrid"
)

// Source tags recording which sub-search produced a candidate.
const (
	SourceSemantic = "semantic"
	SourceKeyword  = "keyword"
)

// SearchRequest describes one search.
type SearchRequest struct {
	Query          string         `json:"query"`
	NResults       int            `json:"n_results,omitempty"`
	NCandidates    int            `json:"n_candidates,omitempty"`
	RerankTopK     int            `json:"rerank_top_k,omitempty"`
	Filters        catalog.Filter `json:"filters,omitempty"`
	ScoreThreshold *float64       `json:"score_threshold,omitempty"`
	// Exclude drops these record ids from both sub-searches.
	Exclude []string `json:"exclude,omitempty"`
}

// Candidate is a catalog record scored against one query.
type Candidate struct {
	ID                   string            `json:"id"`
	Text                 string            `json:"text"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	Sources              []string          `json:"sources"`
	SemanticScore        float64           `json:"semantic_score"`
	KeywordScore         float64           `json:"keyword_score"`
	FusedScore           float64           `json:"fused_score"`
	RerankScore          *float64          `json:"rerank_score,omitempty"`
	HybridScore          *float64          `json:"hybrid_score,omitempty"`
	FinalScore           float64           `json:"final_score"`
	ConfidenceLevel      ConfidenceLevel   `json:"confidence_level"`
	ConfidencePercentage int               `json:"confidence_percentage"`
}

// Stats reports per-stage counts and timings.
type Stats struct {
	SemanticCount   int           `json:"semantic_count"`
	KeywordCount    int           `json:"keyword_count"`
	MergedCount     int           `json:"merged_count"`
	RerankedCount   int           `json:"reranked_count"`
	FinalCount      int           `json:"final_count"`
	Reranked        bool          `json:"reranked"`
	RerankMode      string        `json:"rerank_mode,omitempty"`
	RerankSkipped   string        `json:"rerank_skipped,omitempty"`
	SemanticError   string        `json:"semantic_error,omitempty"`
	KeywordError    string        `json:"keyword_error,omitempty"`
	SemanticLatency time.Duration `json:"semantic_latency"`
	KeywordLatency  time.Duration `json:"keyword_latency"`
	RerankLatency   time.Duration `json:"rerank_latency"`
	Total           time.Duration `json:"total"`
	Cached          bool          `json:"cached"`
}

// SearchResult is the ranked output of a search.
type SearchResult struct {
	Query      string      `json:"query"`
	Candidates []Candidate `json:"candidates"`
	Stats      Stats       `json:"stats"`
}

// Top returns the best candidate, if any.
func (r *SearchResult) Top() (Candidate, bool) {
	if r == nil || len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}
