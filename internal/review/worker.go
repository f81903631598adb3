package review

import (
	"context"
	"errors"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
)

// Sink consumes requests drained from the FIFO.
type Sink func(ctx context.Context, r Request) error

// Worker drains the queue's FIFO into a sink in creation order.
type Worker struct {
	queue  *Queue
	sink   Sink
	logger *observability.Logger
}

// NewWorker creates a worker.
func NewWorker(q *Queue, sink Sink, logger *observability.Logger) *Worker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Worker{queue: q, sink: sink, logger: logger.WithComponent("review-worker")}
}

// Run processes requests until ctx is cancelled. Sink errors are logged and
// the request is dropped.
func (w *Worker) Run(ctx context.Context) error {
	for {
		r, err := w.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := w.sink(ctx, r); err != nil {
			w.logger.Warn().Err(err).Str("review_id", r.ID).Msg("Review sink failed")
		}
	}
}

// NotifySink forwards each drained request to notifiers as a queued event.
func NotifySink(logger *observability.Logger, notifiers ...Notifier) Sink {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(ctx context.Context, r Request) error {
		Dispatch(ctx, logger, notifiers, Event{Type: EventQueued, Request: r, OccurredAt: r.CreatedAt})
		return nil
	}
}
