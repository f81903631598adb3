// Package extraction turns free-text orders into structured items through an
// OpenRouter chat completion.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orderitem"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "google/gemini-2.5-flash"
)

// Input is an order message to extract from.
type Input struct {
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// Result is the outcome of an extraction. On failure Items is empty,
// Confidence is 0 and Err carries the cause.
type Result struct {
	Items      []orderitem.Item
	Confidence float64
	Err        error
}

// Extractor extracts order items from a message.
type Extractor interface {
	Extract(ctx context.Context, in Input) Result
}

// Config holds extraction client configuration.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// Client calls an OpenRouter chat completion endpoint.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	logger     *observability.Logger
}

// NewClient creates an extraction client.
func NewClient(cfg Config, logger *observability.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	retry := DefaultRetryConfig()
	if cfg.MaxRetries >= 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      retry,
		logger:     logger.WithComponent("extraction"),
	}, nil
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Temperature    float64        `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type extractionPayload struct {
	Items      json.RawMessage `json:"items"`
	Confidence float64         `json:"confidence"`
}

// Extract never returns a Go error; failures are reported in Result.Err with
// zero confidence.
func (c *Client) Extract(ctx context.Context, in Input) Result {
	ctx, span := observability.StartSpan(ctx, "extraction.extract")
	defer span.End()

	content, err := c.complete(ctx, in)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Extraction failed, confidence set to 0")
		return Result{Items: []orderitem.Item{}, Err: apperr.Unavailable("extraction.extract", "completion failed", err)}
	}

	items, confidence, err := parseContent(content)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Extraction response unparsable, confidence set to 0")
		return Result{Items: []orderitem.Item{}, Err: err}
	}
	return Result{Items: items, Confidence: confidence}
}

func (c *Client) complete(ctx context.Context, in Input) (string, error) {
	parts := []contentPart{{Type: "text", Text: buildPrompt(in)}}
	for _, u := range in.ImageURLs {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
	}

	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       []chatMessage{{Role: "user", Content: parts}},
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("HTTP-Referer", "https://spherical.ai")
		req.Header.Set("X-Title", "Order Matcher")
		return c.httpClient.Do(req)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(raw))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return cr.Choices[0].Message.Content, nil
}

// parseContent reads the model's JSON answer, tolerating markdown code fences.
func parseContent(content string) ([]orderitem.Item, float64, error) {
	content = stripFences(content)

	var payload extractionPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, 0, apperr.Malformed("extraction.parse", "response is not a JSON object", err)
	}
	if len(payload.Items) == 0 {
		return nil, 0, apperr.Malformed("extraction.parse", "response has no items field", nil)
	}
	items, err := orderitem.Parse(payload.Items)
	if err != nil {
		return nil, 0, err
	}
	confidence := math.Max(0, math.Min(1, payload.Confidence))
	return items, confidence, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString(`You extract purchase order lines from customer messages.

Return ONLY a JSON object of the form:
{"items":[{"description":"...","code":"...","brand":"...","size":"...","quantity":1,"unit":"pcs","confidence":0.9}],"confidence":0.85}

RULES:
- One entry per requested product line.
- "description" is required. Omit fields that are not stated.
- Per-item "confidence" is how sure you are the line was read correctly, within [0,1].
- Top-level "confidence" is how sure you are the whole order was understood, within [0,1].
- Do not invent product codes.

`)
	if in.Subject != "" {
		b.WriteString("Subject: ")
		b.WriteString(in.Subject)
		b.WriteString("\n")
	}
	b.WriteString("Message:\n")
	b.WriteString(in.Body)
	return b.String()
}

var _ Extractor = (*Client)(nil)
