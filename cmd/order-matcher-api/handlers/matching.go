package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/dedup"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/monitoring"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orders"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/routing"
)

// MatchingHandler serves search, routing and order processing.
type MatchingHandler struct {
	logger *observability.Logger
	search *retrieval.Engine
	dedup  *dedup.Engine
	router *routing.Router
	orders *orders.Processor
	audit  *monitoring.AuditLogger
}

// NewMatchingHandler creates a matching handler. orders may be nil when the
// review side is not wired.
func NewMatchingHandler(logger *observability.Logger, search *retrieval.Engine, dd *dedup.Engine, router *routing.Router, proc *orders.Processor, audit *monitoring.AuditLogger) *MatchingHandler {
	return &MatchingHandler{
		logger: logger.WithComponent("api.matching"),
		search: search,
		dedup:  dd,
		router: router,
		orders: proc,
		audit:  audit,
	}
}

// SearchRequestDTO is the body of POST /search.
type SearchRequestDTO struct {
	retrieval.SearchRequest
	// CanonicalOnly excludes records that a dedup pass would remove.
	CanonicalOnly     bool   `json:"canonical_only,omitempty"`
	CanonicalStrategy string `json:"canonical_strategy,omitempty"`
}

// Search handles POST /search.
func (h *MatchingHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SearchRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}

	if req.CanonicalOnly {
		strategy := dedup.StrategyExact
		if req.CanonicalStrategy != "" {
			s, err := dedup.ParseStrategy(req.CanonicalStrategy)
			if err != nil {
				writeAppError(w, h.logger, err)
				return
			}
			strategy = s
		}
		ids, err := h.dedup.CanonicalFilter(ctx, strategy)
		if err != nil {
			writeAppError(w, h.logger, err)
			return
		}
		req.Exclude = append(req.Exclude, ids...)
	}

	start := time.Now()
	res, err := h.search.Search(ctx, req.SearchRequest)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if h.audit != nil {
		h.audit.LogSearch(ctx, req.Query, len(res.Candidates), res.Stats.Reranked, time.Since(start))
	}
	writeJSON(w, h.logger, http.StatusOK, res)
}

// RouteRequestDTO is the body of POST /route.
type RouteRequestDTO struct {
	ExtractionConfidence float64            `json:"extraction_confidence"`
	ItemConfidences      map[string]float64 `json:"item_confidences"`
}

// Route handles POST /route.
func (h *MatchingHandler) Route(w http.ResponseWriter, r *http.Request) {
	var req RouteRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if req.ExtractionConfidence < 0 || req.ExtractionConfidence > 1 {
		writeAppError(w, h.logger, apperr.Validation("route", "extraction_confidence must be within [0,1]"))
		return
	}
	for id, c := range req.ItemConfidences {
		if c < 0 || c > 1 {
			writeAppError(w, h.logger, apperr.Validation("route", fmt.Sprintf("confidence of item %q must be within [0,1]", id)))
			return
		}
	}
	writeJSON(w, h.logger, http.StatusOK, h.router.Route(req.ExtractionConfidence, req.ItemConfidences))
}

// ProcessOrder handles POST /orders/process.
func (h *MatchingHandler) ProcessOrder(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		writeAppError(w, h.logger, apperr.Unavailable("orders.process", "order processing is not configured", nil))
		return
	}
	var msg orders.Message
	if err := decodeBody(r, &msg); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	out, err := h.orders.Process(r.Context(), msg)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, out)
}
