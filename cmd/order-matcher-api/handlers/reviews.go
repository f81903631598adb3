package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/spherical-ai/spherical/libs/order-matcher/cmd/order-matcher-api/middleware"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/monitoring"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orderitem"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/storage"
)

// SnapshotLister reads stored review snapshots.
type SnapshotLister interface {
	List(ctx context.Context, f storage.ListFilter) ([]review.Request, error)
}

// ReviewHandler serves the review queue.
type ReviewHandler struct {
	logger *observability.Logger
	queue  *review.Queue
	store  SnapshotLister
	audit  *monitoring.AuditLogger
}

// NewReviewHandler creates a review handler. store and audit may be nil.
func NewReviewHandler(logger *observability.Logger, queue *review.Queue, store SnapshotLister, audit *monitoring.AuditLogger) *ReviewHandler {
	return &ReviewHandler{
		logger: logger.WithComponent("api.reviews"),
		queue:  queue,
		store:  store,
		audit:  audit,
	}
}

// CreateReviewDTO is the body of POST /reviews.
type CreateReviewDTO struct {
	Source           review.SourceRef     `json:"source"`
	CandidateMatches []review.ItemMatches `json:"candidate_matches"`
	ConfidenceScore  float64              `json:"confidence_score"`
	Items            any                  `json:"items"`
	Priority         string               `json:"priority,omitempty"`
}

// Create handles POST /reviews.
func (h *ReviewHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateReviewDTO
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	items, err := orderitem.Parse(req.Items)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	in := review.CreateInput{
		Source:           req.Source,
		CandidateMatches: req.CandidateMatches,
		ConfidenceScore:  req.ConfidenceScore,
		Items:            items,
	}
	if req.Priority != "" {
		p, err := review.ParsePriority(req.Priority)
		if err != nil {
			writeAppError(w, h.logger, err)
			return
		}
		in.Priority = p
	}

	created, err := h.queue.Create(r.Context(), in)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, created)
}

// ListResponseDTO is the body returned by GET /reviews.
type ListResponseDTO struct {
	Reviews []review.Request `json:"reviews"`
	Count   int              `json:"count"`
}

// List handles GET /reviews. Without filters it returns the pending queue in
// priority order; status (other than pending) or customer_id read the store.
func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	customer := q.Get("customer_id")

	if (status != "" && status != string(review.StatusPending)) || customer != "" {
		if h.store == nil {
			writeAppError(w, h.logger, apperr.Unavailable("review.list", "review store is not configured", nil))
			return
		}
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeAppError(w, h.logger, apperr.Validation("review.list", "limit must be a non-negative integer"))
				return
			}
			limit = n
		}
		reqs, err := h.store.List(r.Context(), storage.ListFilter{
			Status:     review.Status(status),
			CustomerID: customer,
			Limit:      limit,
		})
		if err != nil {
			writeAppError(w, h.logger, apperr.Unavailable("review.list", "list stored reviews", err))
			return
		}
		writeJSON(w, h.logger, http.StatusOK, ListResponseDTO{Reviews: reqs, Count: len(reqs)})
		return
	}

	f := review.PendingFilter{AssignedTo: q.Get("assigned_to")}
	if p := q.Get("priority"); p != "" {
		priority, err := review.ParsePriority(p)
		if err != nil {
			writeAppError(w, h.logger, err)
			return
		}
		f.Priority = priority
	}
	reqs := h.queue.GetPending(f)
	writeJSON(w, h.logger, http.StatusOK, ListResponseDTO{Reviews: reqs, Count: len(reqs)})
}

// Stats handles GET /reviews/stats.
func (h *ReviewHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.queue.Statistics())
}

// Get handles GET /reviews/{id}.
func (h *ReviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, req)
}

// AssignDTO is the body of POST /reviews/{id}/assign.
type AssignDTO struct {
	Reviewer string `json:"reviewer"`
}

// Assign handles POST /reviews/{id}/assign. The authenticated caller is the
// reviewer when the body names none.
func (h *ReviewHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignDTO
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = middleware.ReviewerFromContext(r.Context())
	}
	updated, err := h.queue.Assign(r.Context(), chi.URLParam(r, "id"), req.Reviewer)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, updated)
}

// DecisionDTO is the body of POST /reviews/{id}/decision.
type DecisionDTO struct {
	Decision         string `json:"decision"`
	Notes            string `json:"notes,omitempty"`
	AlternativeItems any    `json:"alternative_items,omitempty"`
	Reviewer         string `json:"reviewer,omitempty"`
}

// Decide handles POST /reviews/{id}/decision.
func (h *ReviewHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecisionDTO
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	alternatives, err := orderitem.Parse(req.AlternativeItems)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = middleware.ReviewerFromContext(r.Context())
	}
	updated, err := h.queue.SubmitDecision(r.Context(), chi.URLParam(r, "id"), review.DecisionInput{
		Decision:         req.Decision,
		Notes:            req.Notes,
		AlternativeItems: alternatives,
		Reviewer:         req.Reviewer,
	})
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, updated)
}

// EscalateDTO is the body of POST /reviews/{id}/escalate.
type EscalateDTO struct {
	Reason string `json:"reason"`
}

// Escalate handles POST /reviews/{id}/escalate.
func (h *ReviewHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	var req EscalateDTO
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	updated, err := h.queue.Escalate(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, updated)
}

// HistoryResponseDTO is the body returned by GET /reviews/{id}/history.
type HistoryResponseDTO struct {
	ReviewID string              `json:"review_id"`
	Events   []review.AuditEntry `json:"events"`
}

// History handles GET /reviews/{id}/history.
func (h *ReviewHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.audit == nil {
		writeJSON(w, h.logger, http.StatusOK, HistoryResponseDTO{ReviewID: id, Events: []review.AuditEntry{}})
		return
	}
	events, err := h.audit.History(r.Context(), id)
	if err != nil {
		writeAppError(w, h.logger, apperr.Unavailable("review.history", "read audit history", err))
		return
	}
	if events == nil {
		events = []review.AuditEntry{}
	}
	writeJSON(w, h.logger, http.StatusOK, HistoryResponseDTO{ReviewID: id, Events: events})
}
