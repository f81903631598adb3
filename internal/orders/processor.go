// Package orders runs one customer order through extraction, per-item search,
// confidence routing and, when needed, the review queue.
package orders

import (
	"context"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/extraction"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orderitem"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/routing"
)

// Searcher finds catalog candidates for a query.
type Searcher interface {
	Search(ctx context.Context, req retrieval.SearchRequest) (*retrieval.SearchResult, error)
}

// Decider routes an order from its confidences.
type Decider interface {
	Route(extraction float64, items map[string]float64) routing.Decision
}

// ReviewCreator opens review requests.
type ReviewCreator interface {
	Create(ctx context.Context, in review.CreateInput) (review.Request, error)
}

// Message is an incoming order. When Items is set extraction is skipped and
// the payload is normalized with orderitem.Parse; ExtractionConfidence then
// defaults to 1.
type Message struct {
	ID                   string   `json:"id"`
	CustomerID           string   `json:"customer_id"`
	Subject              string   `json:"subject"`
	Body                 string   `json:"body"`
	ImageURLs            []string `json:"image_urls,omitempty"`
	Items                any      `json:"items,omitempty"`
	ExtractionConfidence *float64 `json:"extraction_confidence,omitempty"`
}

// ItemResult is the match outcome for one item.
type ItemResult struct {
	Item        orderitem.Item        `json:"item"`
	Confidence  float64               `json:"confidence"`
	Candidates  []retrieval.Candidate `json:"candidates"`
	Approved    bool                  `json:"approved"`
	SearchError string                `json:"search_error,omitempty"`
}

// Clarification marks an order that needs more information from the customer.
type Clarification struct {
	Reason          string   `json:"reason"`
	UnresolvedItems []string `json:"unresolved_items"`
}

// Outcome is the result of processing one order.
type Outcome struct {
	MessageID            string           `json:"message_id"`
	Decision             routing.Decision `json:"decision"`
	ExtractionConfidence float64          `json:"extraction_confidence"`
	ExtractionError      string           `json:"extraction_error,omitempty"`
	Items                []ItemResult     `json:"items"`
	Review               *review.Request  `json:"review,omitempty"`
	Clarification        *Clarification   `json:"clarification,omitempty"`
}

// Processor composes the order pipeline from capability interfaces.
type Processor struct {
	extractor   extraction.Extractor
	searcher    Searcher
	decider     Decider
	reviews     ReviewCreator
	logger      *observability.Logger
	topN        int
	concurrency int
}

// Option configures a Processor.
type Option func(*Processor)

// WithExtractor enables extraction for messages without items.
func WithExtractor(e extraction.Extractor) Option {
	return func(p *Processor) { p.extractor = e }
}

// WithTopCandidates sets how many candidates per item are kept.
func WithTopCandidates(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.topN = n
		}
	}
}

// WithConcurrency bounds parallel item searches.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewProcessor creates a processor.
func NewProcessor(searcher Searcher, decider Decider, reviews ReviewCreator, logger *observability.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	p := &Processor{
		searcher:    searcher,
		decider:     decider,
		reviews:     reviews,
		logger:      logger.WithComponent("orders"),
		topN:        5,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs msg through the pipeline. Extraction and search failures
// degrade confidence; a malformed item payload or a failed review creation is
// returned as an error.
func (p *Processor) Process(ctx context.Context, msg Message) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "orders.process")
	defer span.End()
	log := p.logger.WithContext(ctx)

	out := Outcome{MessageID: msg.ID, Items: []ItemResult{}}

	items, confidence, err := p.items(ctx, msg, &out)
	if err != nil {
		return out, err
	}
	out.ExtractionConfidence = confidence

	results := p.match(ctx, items)
	itemConf := make(map[string]float64, len(results))
	for _, r := range results {
		itemConf[r.Item.ID] = r.Confidence
	}

	decision := p.decider.Route(confidence, itemConf)
	out.Decision = decision

	approved := make(map[string]bool, len(decision.ApprovedItems))
	for _, id := range decision.ApprovedItems {
		approved[id] = true
	}
	for i := range results {
		results[i].Approved = approved[results[i].Item.ID]
	}
	out.Items = results

	switch decision.Action {
	case routing.ActionHumanReview:
		matches := make([]review.ItemMatches, len(results))
		for i, r := range results {
			matches[i] = review.ItemMatches{ItemID: r.Item.ID, Candidates: r.Candidates}
		}
		req, err := p.reviews.Create(ctx, review.CreateInput{
			Source: review.SourceRef{
				CustomerID: msg.CustomerID,
				MessageID:  msg.ID,
				Subject:    msg.Subject,
				Body:       msg.Body,
			},
			CandidateMatches: review.TopCandidates(matches, p.topN),
			ConfidenceScore:  clamp01(decision.Overall),
			Items:            items,
		})
		if err != nil {
			return out, err
		}
		out.Review = &req
	case routing.ActionRequestClarification:
		reason := "low match confidence"
		if len(items) == 0 {
			reason = "no order items recognized"
		}
		out.Clarification = &Clarification{Reason: reason, UnresolvedItems: decision.UnresolvedItems}
	}

	log.Info().
		Str("message_id", msg.ID).
		Str("action", string(decision.Action)).
		Float64("overall", decision.Overall).
		Int("items", len(items)).
		Int("approved", len(decision.ApprovedItems)).
		Msg("Order processed")
	return out, nil
}

func (p *Processor) items(ctx context.Context, msg Message, out *Outcome) ([]orderitem.Item, float64, error) {
	if msg.Items != nil {
		items, err := orderitem.Parse(msg.Items)
		if err != nil {
			return nil, 0, err
		}
		conf := 1.0
		if msg.ExtractionConfidence != nil {
			conf = clamp01(*msg.ExtractionConfidence)
		}
		return items, conf, nil
	}
	if p.extractor == nil {
		return []orderitem.Item{}, 0, nil
	}

	res := p.extractor.Extract(ctx, extraction.Input{Subject: msg.Subject, Body: msg.Body, ImageURLs: msg.ImageURLs})
	if res.Err != nil {
		out.ExtractionError = res.Err.Error()
		p.logger.WithContext(ctx).Warn().Err(res.Err).Str("message_id", msg.ID).Msg("Extraction failed, continuing with zero confidence")
		return []orderitem.Item{}, 0, nil
	}
	return res.Items, clamp01(res.Confidence), nil
}

// match searches every item concurrently. Item confidence is the top
// candidate's final score clamped to [0,1], or 0 without candidates.
func (p *Processor) match(ctx context.Context, items []orderitem.Item) []ItemResult {
	results := make([]ItemResult, len(items))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, it := range items {
		g.Go(func() error {
			r := ItemResult{Item: it, Candidates: []retrieval.Candidate{}}
			res, err := p.searcher.Search(gctx, retrieval.SearchRequest{Query: it.Query(), NResults: p.topN})
			if err != nil {
				r.SearchError = err.Error()
				p.logger.WithContext(ctx).Warn().Err(err).Str("item_id", it.ID).Msg("Item search failed")
			} else {
				r.Candidates = res.Candidates
				if top, ok := res.Top(); ok {
					r.Confidence = clamp01(top.FinalScore)
				}
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
