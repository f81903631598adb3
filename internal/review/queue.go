package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orderitem"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
)

// EventType names a queue event delivered to notifiers.
type EventType string

const (
	EventCreated   EventType = "review.created"
	EventEscalated EventType = "review.escalated"
	EventQueued    EventType = "review.queued"
)

// Event is a notification payload.
type Event struct {
	Type       EventType `json:"type"`
	Request    Request   `json:"request"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier receives queue events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Store persists request snapshots keyed by id.
type Store interface {
	Save(ctx context.Context, r Request) error
}

// AuditEntry records one mutation.
type AuditEntry struct {
	RequestID  string         `json:"request_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	From       Status         `json:"from,omitempty"`
	To         Status         `json:"to,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Auditor records mutations.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry)
}

// PersistMode orders store writes relative to in-memory transitions.
type PersistMode string

const (
	// PersistWriteAhead writes the store first; a store failure aborts the mutation.
	PersistWriteAhead PersistMode = "write_ahead"
	// PersistBestEffort mutates memory first and logs store failures.
	PersistBestEffort PersistMode = "best_effort"
)

// Config holds queue settings.
type Config struct {
	Priority    PriorityPolicy
	PersistMode PersistMode
}

// Queue owns pending and completed review requests. Mutations on one id are
// serialized by a per-id mutex; the pending and completed maps are guarded by
// a queue mutex so every request is in exactly one of them. Store writes,
// notifiers and audit calls never run under the queue mutex.
type Queue struct {
	logger    *observability.Logger
	policy    PriorityPolicy
	mode      PersistMode
	store     Store
	auditor   Auditor
	notifiers []Notifier
	now       func() time.Time
	newID     func() string

	mu        sync.RWMutex
	pending   map[string]*Request
	completed map[string]*Request
	seq       uint64

	locksMu sync.Mutex
	locks   map[string]*idLock

	fifoMu    sync.Mutex
	fifo      []Request
	fifoReady chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore persists snapshots to s.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithAuditor records mutations to a.
func WithAuditor(a Auditor) Option {
	return func(q *Queue) { q.auditor = a }
}

// WithNotifiers registers notification handlers.
func WithNotifiers(n ...Notifier) Option {
	return func(q *Queue) { q.notifiers = append(q.notifiers, n...) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// NewQueue creates an empty queue.
func NewQueue(logger *observability.Logger, cfg Config, opts ...Option) *Queue {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.PersistMode == "" {
		cfg.PersistMode = PersistWriteAhead
	}
	if cfg.Priority.HighBelow == 0 && cfg.Priority.MediumBelow == 0 {
		kw := cfg.Priority.UrgencyKeywords
		cfg.Priority = DefaultPriorityPolicy()
		if kw != nil {
			cfg.Priority.UrgencyKeywords = kw
		}
	}
	q := &Queue{
		logger:    logger.WithComponent("review"),
		policy:    cfg.Priority,
		mode:      cfg.PersistMode,
		now:       time.Now,
		newID:     uuid.NewString,
		pending:   make(map[string]*Request),
		completed: make(map[string]*Request),
		locks:     make(map[string]*idLock),
		fifoReady: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// CreateInput describes a new review request.
type CreateInput struct {
	Source           SourceRef
	CandidateMatches []ItemMatches
	ConfidenceScore  float64
	Items            []orderitem.Item
	// Priority overrides derivation when set.
	Priority Priority
}

// Create adds a pending request, queues it for the FIFO consumer and fans
// out a created event.
func (q *Queue) Create(ctx context.Context, in CreateInput) (Request, error) {
	ctx, span := observability.StartSpan(ctx, "review.create")
	defer span.End()

	if in.ConfidenceScore < 0 || in.ConfidenceScore > 1 {
		return Request{}, apperr.Validation("review.create", fmt.Sprintf("confidence %.4f outside [0,1]", in.ConfidenceScore))
	}
	priority := in.Priority
	if priority == "" {
		priority = q.policy.Derive(in.Source, in.ConfidenceScore)
	} else if !priority.Valid() {
		return Request{}, apperr.Validation("review.create", fmt.Sprintf("unknown priority %q", priority))
	}

	r := Request{
		ID:               q.newID(),
		Source:           in.Source,
		ConfidenceScore:  in.ConfidenceScore,
		Items:            in.Items,
		CandidateMatches: in.CandidateMatches,
		Priority:         priority,
		Status:           StatusPending,
		CreatedAt:        q.now().UTC(),
	}
	if r.Items == nil {
		r.Items = []orderitem.Item{}
	}
	if r.CandidateMatches == nil {
		r.CandidateMatches = []ItemMatches{}
	}
	r = r.Clone()
	span.SetAttributes(attribute.String("review.id", r.ID), attribute.String("review.priority", string(priority)))

	defer q.lockNew(r.ID)()

	err := q.persist(ctx, "create", r, func() {
		q.mu.Lock()
		q.seq++
		r.seq = q.seq
		stored := r.Clone()
		q.pending[r.ID] = &stored
		q.mu.Unlock()
	})
	if err != nil {
		return Request{}, err
	}

	q.push(r.Clone())
	q.audit(ctx, AuditEntry{RequestID: r.ID, Action: "created", To: StatusPending, Details: map[string]any{
		"priority":   string(priority),
		"confidence": r.ConfidenceScore,
		"items":      len(r.Items),
	}})
	q.notify(ctx, EventCreated, r)

	q.logger.WithContext(ctx).Info().
		Str("review_id", r.ID).
		Str("priority", string(priority)).
		Float64("confidence", r.ConfidenceScore).
		Int("items", len(r.Items)).
		Msg("Review request created")
	return r.Clone(), nil
}

// PendingFilter narrows GetPending. Empty fields match everything.
type PendingFilter struct {
	Priority   Priority
	AssignedTo string
}

// GetPending returns pending requests ordered by priority rank then age.
// The order is computed on every call and is unrelated to the FIFO.
func (q *Queue) GetPending(f PendingFilter) []Request {
	q.mu.RLock()
	out := make([]Request, 0, len(q.pending))
	for _, r := range q.pending {
		if f.Priority != "" && r.Priority != f.Priority {
			continue
		}
		if f.AssignedTo != "" && r.AssignedTo != f.AssignedTo {
			continue
		}
		out = append(out, r.Clone())
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
	return out
}

// Get returns a pending or completed request.
func (q *Queue) Get(id string) (Request, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if r, ok := q.pending[id]; ok {
		return r.Clone(), nil
	}
	if r, ok := q.completed[id]; ok {
		return r.Clone(), nil
	}
	return Request{}, apperr.NotFound("review.get", fmt.Sprintf("review %s not found", id))
}

// Assign sets the reviewer and moves the request to in_review. Reassigning
// an in_review request is allowed.
func (q *Queue) Assign(ctx context.Context, id, reviewer string) (Request, error) {
	ctx, span := observability.StartSpan(ctx, "review.assign", attribute.String("review.id", id))
	defer span.End()

	if reviewer == "" {
		return Request{}, apperr.Validation("review.assign", "reviewer is required")
	}
	release, err := q.lockPending("review.assign", id)
	if err != nil {
		return Request{}, err
	}
	defer release()

	cur, err := q.pendingCopy("review.assign", id)
	if err != nil {
		return Request{}, err
	}
	from := cur.Status
	next := cur.Clone()
	if err := transition(&next, StatusInReview); err != nil {
		return Request{}, err
	}
	next.AssignedTo = reviewer

	if err := q.persist(ctx, "assign", next, func() { q.replacePending(next) }); err != nil {
		return Request{}, err
	}
	q.audit(ctx, AuditEntry{RequestID: id, Action: "assigned", Actor: reviewer, From: from, To: next.Status})
	q.logger.WithContext(ctx).Info().Str("review_id", id).Str("reviewer", reviewer).Msg("Review assigned")
	return next.Clone(), nil
}

// DecisionInput is a reviewer verdict.
type DecisionInput struct {
	Decision         string
	Notes            string
	AlternativeItems []orderitem.Item
	Reviewer         string
}

// SubmitDecision applies a verdict and moves the request from pending to
// completed in one step. Validation failures leave the request untouched.
func (q *Queue) SubmitDecision(ctx context.Context, id string, in DecisionInput) (Request, error) {
	ctx, span := observability.StartSpan(ctx, "review.decide", attribute.String("review.id", id))
	defer span.End()

	release, err := q.lockPending("review.decide", id)
	if err != nil {
		return Request{}, err
	}
	defer release()

	cur, err := q.pendingCopy("review.decide", id)
	if err != nil {
		return Request{}, err
	}
	decision, err := ParseDecision(in.Decision)
	if err != nil {
		return Request{}, err
	}
	if decision == DecisionAlternative && len(in.AlternativeItems) == 0 {
		return Request{}, apperr.Validation("review.decide", "alternative decision requires alternative items")
	}

	from := cur.Status
	next := cur.Clone()
	if err := transition(&next, decision.Status()); err != nil {
		return Request{}, err
	}
	reviewedAt := q.now().UTC()
	next.ReviewedAt = &reviewedAt
	next.Decision = decision
	next.ReviewDurationSeconds = reviewedAt.Sub(next.CreatedAt).Seconds()
	next.ReviewNotes = appendNote(next.ReviewNotes, in.Notes)
	if decision == DecisionAlternative {
		next.AlternativeItems = append([]orderitem.Item(nil), in.AlternativeItems...)
	}
	if in.Reviewer != "" && next.AssignedTo == "" {
		next.AssignedTo = in.Reviewer
	}

	err = q.persist(ctx, "decide", next, func() {
		done := next.Clone()
		q.mu.Lock()
		delete(q.pending, id)
		q.completed[id] = &done
		q.mu.Unlock()
	})
	if err != nil {
		return Request{}, err
	}

	q.audit(ctx, AuditEntry{RequestID: id, Action: "decided", Actor: next.AssignedTo, From: from, To: next.Status, Details: map[string]any{
		"decision":         string(decision),
		"duration_seconds": next.ReviewDurationSeconds,
	}})
	q.logger.WithContext(ctx).Info().
		Str("review_id", id).
		Str("decision", string(decision)).
		Str("status", string(next.Status)).
		Float64("duration_seconds", next.ReviewDurationSeconds).
		Msg("Review decided")
	return next.Clone(), nil
}

// Escalate raises a pending request's priority by one step and notes the
// reason. An urgent request is returned unchanged with no error.
func (q *Queue) Escalate(ctx context.Context, id, reason string) (Request, error) {
	ctx, span := observability.StartSpan(ctx, "review.escalate", attribute.String("review.id", id))
	defer span.End()

	release, err := q.lockPending("review.escalate", id)
	if err != nil {
		return Request{}, err
	}
	defer release()

	cur, err := q.pendingCopy("review.escalate", id)
	if err != nil {
		return Request{}, err
	}
	if cur.Priority == PriorityUrgent {
		return cur, nil
	}

	next := cur.Clone()
	next.Priority = Escalate(cur.Priority)
	note := fmt.Sprintf("[Escalated %s -> %s at %s", cur.Priority, next.Priority, q.now().UTC().Format(time.RFC3339))
	if reason != "" {
		note += ": " + reason
	}
	next.ReviewNotes = appendNote(next.ReviewNotes, note+"]")

	if err := q.persist(ctx, "escalate", next, func() { q.replacePending(next) }); err != nil {
		return Request{}, err
	}
	q.audit(ctx, AuditEntry{RequestID: id, Action: "escalated", From: next.Status, To: next.Status, Details: map[string]any{
		"from_priority": string(cur.Priority),
		"to_priority":   string(next.Priority),
		"reason":        reason,
	}})
	q.notify(ctx, EventEscalated, next)
	q.logger.WithContext(ctx).Info().
		Str("review_id", id).
		Str("from", string(cur.Priority)).
		Str("to", string(next.Priority)).
		Msg("Review escalated")
	return next.Clone(), nil
}

// Statistics summarizes the queue.
func (q *Queue) Statistics() Statistics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := Statistics{
		PendingCount:      len(q.pending),
		CompletedCount:    len(q.completed),
		StatusBreakdown:   make(map[Status]int),
		PriorityBreakdown: make(map[Priority]int),
	}
	for _, r := range q.pending {
		s.StatusBreakdown[r.Status]++
		s.PriorityBreakdown[r.Priority]++
		if s.OldestPending == nil || r.CreatedAt.Before(*s.OldestPending) {
			t := r.CreatedAt
			s.OldestPending = &t
		}
	}
	var total float64
	for _, r := range q.completed {
		s.StatusBreakdown[r.Status]++
		total += r.ReviewDurationSeconds
	}
	if len(q.completed) > 0 {
		s.AverageReviewDurationSeconds = total / float64(len(q.completed))
	}
	return s
}

// Next blocks until a created request is available in FIFO order or ctx ends.
func (q *Queue) Next(ctx context.Context) (Request, error) {
	for {
		q.fifoMu.Lock()
		if len(q.fifo) > 0 {
			r := q.fifo[0]
			q.fifo[0] = Request{}
			q.fifo = q.fifo[1:]
			q.fifoMu.Unlock()
			return r, nil
		}
		ready := q.fifoReady
		q.fifoMu.Unlock()

		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-ready:
		}
	}
}

// Backlog returns the number of requests waiting in the FIFO.
func (q *Queue) Backlog() int {
	q.fifoMu.Lock()
	defer q.fifoMu.Unlock()
	return len(q.fifo)
}

// Restore loads snapshots read back from the store, typically at startup.
// Terminal requests land in the completed set, the rest are pending again in
// CreatedAt order. Ids already known to the queue are skipped. Restored
// requests are not re-queued for the FIFO consumer.
func (q *Queue) Restore(reqs []Request) int {
	sorted := make([]Request, len(reqs))
	copy(sorted, reqs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range sorted {
		if _, ok := q.pending[r.ID]; ok {
			continue
		}
		if _, ok := q.completed[r.ID]; ok {
			continue
		}
		q.seq++
		stored := r.Clone()
		stored.seq = q.seq
		if stored.Status.Terminal() {
			q.completed[r.ID] = &stored
		} else {
			q.pending[r.ID] = &stored
		}
		n++
	}
	return n
}

func (q *Queue) push(r Request) {
	q.fifoMu.Lock()
	q.fifo = append(q.fifo, r)
	close(q.fifoReady)
	q.fifoReady = make(chan struct{})
	q.fifoMu.Unlock()
}

// idLock serializes mutations of one request. Entries live only while held
// or waited on.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// lockPending locks id if it is pending. Unknown and completed ids get the
// usual not-found error and leave no entry behind.
func (q *Queue) lockPending(op, id string) (func(), error) {
	q.locksMu.Lock()
	l, ok := q.locks[id]
	if !ok {
		q.mu.RLock()
		_, pending := q.pending[id]
		q.mu.RUnlock()
		if !pending {
			q.locksMu.Unlock()
			_, err := q.pendingCopy(op, id)
			return nil, err
		}
		l = &idLock{}
		q.locks[id] = l
	}
	l.refs++
	q.locksMu.Unlock()
	return q.hold(id, l), nil
}

// lockNew locks a freshly generated id before it becomes visible.
func (q *Queue) lockNew(id string) func() {
	q.locksMu.Lock()
	l, ok := q.locks[id]
	if !ok {
		l = &idLock{}
		q.locks[id] = l
	}
	l.refs++
	q.locksMu.Unlock()
	return q.hold(id, l)
}

func (q *Queue) hold(id string, l *idLock) func() {
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		q.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(q.locks, id)
		}
		q.locksMu.Unlock()
	}
}

func (q *Queue) pendingCopy(op, id string) (Request, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.pending[id]
	if !ok {
		if _, done := q.completed[id]; done {
			return Request{}, apperr.NotFound(op, fmt.Sprintf("review %s is already completed", id))
		}
		return Request{}, apperr.NotFound(op, fmt.Sprintf("review %s not found", id))
	}
	return r.Clone(), nil
}

func (q *Queue) replacePending(r Request) {
	stored := r.Clone()
	q.mu.Lock()
	q.pending[r.ID] = &stored
	q.mu.Unlock()
}

// persist orders the store write and the in-memory apply according to the
// persist mode.
func (q *Queue) persist(ctx context.Context, op string, r Request, apply func()) error {
	if q.store == nil {
		apply()
		return nil
	}
	if q.mode == PersistWriteAhead {
		if err := q.store.Save(ctx, r); err != nil {
			q.logger.WithContext(ctx).Error().Err(err).Str("review_id", r.ID).Str("op", op).Msg("Review store write failed, mutation aborted")
			return apperr.Unavailable("review."+op, "persist review", err)
		}
		apply()
		return nil
	}
	apply()
	if err := q.store.Save(ctx, r); err != nil {
		q.logger.WithContext(ctx).Warn().Err(err).Str("review_id", r.ID).Str("op", op).Msg("Review store write failed, memory and store diverge")
	}
	return nil
}

func (q *Queue) audit(ctx context.Context, e AuditEntry) {
	if q.auditor == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = q.now().UTC()
	}
	defer func() {
		if p := recover(); p != nil {
			q.logger.WithContext(ctx).Error().Str("review_id", e.RequestID).Interface("panic", p).Msg("Auditor panicked")
		}
	}()
	q.auditor.Record(ctx, e)
}

func (q *Queue) notify(ctx context.Context, t EventType, r Request) {
	Dispatch(ctx, q.logger, q.notifiers, Event{Type: t, Request: r.Clone(), OccurredAt: q.now().UTC()})
}

// Dispatch delivers event to every notifier, logging errors and recovering panics.
func Dispatch(ctx context.Context, logger *observability.Logger, notifiers []Notifier, event Event) {
	for _, n := range notifiers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.WithContext(ctx).Error().
						Str("review_id", event.Request.ID).
						Str("event", string(event.Type)).
						Interface("panic", p).
						Msg("Notifier panicked")
				}
			}()
			if err := n.Notify(ctx, event); err != nil {
				logger.WithContext(ctx).Warn().
					Err(err).
					Str("review_id", event.Request.ID).
					Str("event", string(event.Type)).
					Msg("Notifier failed")
			}
		}()
	}
}

func appendNote(existing, note string) string {
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

// TopCandidates trims each item's candidates to n snapshots.
func TopCandidates(matches []ItemMatches, n int) []ItemMatches {
	if n <= 0 {
		return matches
	}
	out := make([]ItemMatches, len(matches))
	for i, m := range matches {
		c := m.Candidates
		if len(c) > n {
			c = c[:n]
		}
		out[i] = ItemMatches{ItemID: m.ItemID, Candidates: append([]retrieval.Candidate(nil), c...)}
	}
	return out
}
