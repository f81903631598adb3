// Package monitoring provides the audit trail for review mutations and searches.
package monitoring

import (
	"context"
	"time"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/cache"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
)

// EventStore persists audit entries.
type EventStore interface {
	SaveEvent(ctx context.Context, e review.AuditEntry) error
	Events(ctx context.Context, requestID string) ([]review.AuditEntry, error)
}

// AuditLogger handles audit event logging, persistence and live publication.
type AuditLogger struct {
	logger    *observability.Logger
	store     EventStore
	publisher cache.Publisher
	channel   string
}

// NewAuditLogger creates a new audit logger. store and publisher are optional.
func NewAuditLogger(logger *observability.Logger, store EventStore, publisher cache.Publisher) *AuditLogger {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &AuditLogger{
		logger:    logger.WithComponent("audit"),
		store:     store,
		publisher: publisher,
		channel:   "reviews.audit",
	}
}

// Record logs a review mutation, persists it and publishes it. Failures are
// logged and never reach the caller.
func (a *AuditLogger) Record(ctx context.Context, e review.AuditEntry) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	a.logger.WithContext(ctx).Info().
		Str("review_id", e.RequestID).
		Str("action", e.Action).
		Str("actor", e.Actor).
		Str("from", string(e.From)).
		Str("to", string(e.To)).
		Msg("Audit event")

	if a.store != nil {
		if err := a.store.SaveEvent(ctx, e); err != nil {
			a.logger.Warn().Err(err).Str("review_id", e.RequestID).Msg("Audit event not persisted")
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, a.channel, e); err != nil {
			a.logger.Warn().Err(err).Str("review_id", e.RequestID).Msg("Audit event not published")
		}
	}
}

// History returns the recorded events of one review, oldest first.
func (a *AuditLogger) History(ctx context.Context, requestID string) ([]review.AuditEntry, error) {
	if a.store == nil {
		return []review.AuditEntry{}, nil
	}
	return a.store.Events(ctx, requestID)
}

// LogSearch records a retrieval query.
func (a *AuditLogger) LogSearch(ctx context.Context, query string, resultCount int, reranked bool, latency time.Duration) {
	a.logger.WithContext(ctx).Info().
		Str("query", query).
		Int("result_count", resultCount).
		Bool("reranked", reranked).
		Int64("latency_ms", latency.Milliseconds()).
		Msg("Search audited")
}

// LogDedup records a duplicate removal run.
func (a *AuditLogger) LogDedup(ctx context.Context, strategy, keep string, dryRun bool, removed []string) {
	a.logger.WithContext(ctx).Info().
		Str("strategy", strategy).
		Str("keep", keep).
		Bool("dry_run", dryRun).
		Int("removed", len(removed)).
		Strs("removed_ids", removed).
		Msg("Dedup audited")
}

var _ review.Auditor = (*AuditLogger)(nil)
