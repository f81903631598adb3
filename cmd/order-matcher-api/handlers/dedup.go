package handlers

import (
	"net/http"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/dedup"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/embedding"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/monitoring"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
)

// DedupHandler serves duplicate detection and removal.
type DedupHandler struct {
	logger   *observability.Logger
	engine   *dedup.Engine
	embedder embedding.Embedder
	audit    *monitoring.AuditLogger
}

// NewDedupHandler creates a dedup handler. The embedder fills in vectors for
// records checked without one.
func NewDedupHandler(logger *observability.Logger, engine *dedup.Engine, embedder embedding.Embedder, audit *monitoring.AuditLogger) *DedupHandler {
	return &DedupHandler{
		logger:   logger.WithComponent("api.dedup"),
		engine:   engine,
		embedder: embedder,
		audit:    audit,
	}
}

// DedupRequestDTO is the body of POST /dedup/find and /dedup/remove.
type DedupRequestDTO struct {
	Strategy string `json:"strategy"`
	Keep     string `json:"keep,omitempty"`
	// DryRun defaults to true; removal needs an explicit false.
	DryRun *bool `json:"dry_run,omitempty"`
}

// FindResponseDTO is the body returned by POST /dedup/find.
type FindResponseDTO struct {
	Strategy dedup.Strategy `json:"strategy"`
	Groups   []dedup.Group  `json:"groups"`
}

// Find handles POST /dedup/find.
func (h *DedupHandler) Find(w http.ResponseWriter, r *http.Request) {
	var req DedupRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	strategy, err := dedup.ParseStrategy(req.Strategy)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	groups, err := h.engine.FindDuplicates(r.Context(), strategy)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, FindResponseDTO{Strategy: strategy, Groups: groups})
}

// Remove handles POST /dedup/remove.
func (h *DedupHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req DedupRequestDTO
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	strategy, err := dedup.ParseStrategy(req.Strategy)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	keepName := req.Keep
	if keepName == "" {
		keepName = string(dedup.KeepFirst)
	}
	keep, err := dedup.ParseKeepPolicy(keepName)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	dryRun := req.DryRun == nil || *req.DryRun

	report, err := h.engine.RemoveDuplicates(ctx, strategy, keep, dryRun)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if h.audit != nil {
		h.audit.LogDedup(ctx, string(strategy), string(keep), dryRun, report.RemovedIDs)
	}
	writeJSON(w, h.logger, http.StatusOK, report)
}

// Check handles POST /dedup/check with a catalog record body.
func (h *DedupHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var rec catalog.Record
	if err := decodeBody(r, &rec); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if rec.Text == "" {
		rec.Text = catalog.ComposeText(rec.Attributes)
	}
	if len(rec.Embedding) == 0 && rec.Text != "" && h.embedder != nil {
		vec, err := h.embedder.EmbedSingle(ctx, rec.Text)
		if err != nil {
			h.logger.Warn().Err(err).Str("id", rec.ID).Msg("Embedding failed, checking exact duplicates only")
		} else {
			rec.Embedding = vec
		}
	}
	writeJSON(w, h.logger, http.StatusOK, h.engine.CheckBeforeInsert(ctx, rec))
}
