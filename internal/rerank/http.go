package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPReranker calls a remote rerank endpoint. Both the bare array response
// ([{"index":0,"score":0.9}]) and the wrapped form
// ({"results":[{"index":0,"relevance_score":0.9}]}) are accepted.
type HTTPReranker struct {
	url        string
	model      string
	httpClient *http.Client
}

// NewHTTPReranker creates a remote reranker.
func NewHTTPReranker(url, model string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReranker{url: url, model: model, httpClient: &http.Client{Timeout: timeout}}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Texts     []string `json:"texts"`
	Model     string   `json:"model,omitempty"`
}

type rerankScore struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankScore `json:"results"`
}

// Score sends all docs in one request.
func (h *HTTPReranker) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return []float64{}, nil
	}
	if h.url == "" {
		return nil, ErrUnavailable
	}

	body, err := json.Marshal(rerankRequest{Query: query, Documents: docs, Texts: docs, Model: h.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API status %d: %s", resp.StatusCode, string(raw))
	}

	results, err := decodeScores(raw)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(docs) {
			return nil, fmt.Errorf("rerank result index %d out of range", r.Index)
		}
		switch {
		case r.Score != nil:
			scores[r.Index] = *r.Score
		case r.RelevanceScore != nil:
			scores[r.Index] = *r.RelevanceScore
		default:
			return nil, fmt.Errorf("rerank result %d has no score", r.Index)
		}
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing document %d", i)
		}
	}
	return scores, nil
}

func decodeScores(raw []byte) ([]rerankScore, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var results []rerankScore
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		return results, nil
	}
	var wrapped rerankResponse
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return wrapped.Results, nil
}

// Name returns the model name, or "http" when none is configured.
func (h *HTTPReranker) Name() string {
	if h.model != "" {
		return h.model
	}
	return "http"
}

var _ Reranker = (*HTTPReranker)(nil)
