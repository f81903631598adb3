package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orderitem"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type notifierFunc func(context.Context, Event) error

func (f notifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

type memStore struct {
	mu    sync.Mutex
	saved map[string]Request
	err   error
}

func (s *memStore) Save(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.saved == nil {
		s.saved = map[string]Request{}
	}
	s.saved[r.ID] = r
	return nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAuditor) Record(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, e.Action)
}

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("rev-%d", atomic.AddInt64(&n, 1))
	}
}

func newTestQueue(clock *fakeClock, opts ...Option) *Queue {
	opts = append([]Option{WithClock(clock.Now), WithIDGenerator(sequentialIDs())}, opts...)
	return NewQueue(nil, Config{}, opts...)
}

func input(confidence float64) CreateInput {
	return CreateInput{
		Source:          SourceRef{CustomerID: "cust-1", Subject: "Order"},
		ConfidenceScore: confidence,
		Items:           []orderitem.Item{{ID: "item-1", Description: "drill"}},
		CandidateMatches: []ItemMatches{{
			ItemID:     "item-1",
			Candidates: []retrieval.Candidate{{ID: "rec-1", FinalScore: 0.7}},
		}},
	}
}

func TestPriorityPolicy_Derive(t *testing.T) {
	p := DefaultPriorityPolicy()

	assert.Equal(t, PriorityUrgent, p.Derive(SourceRef{Subject: "Need this ASAP"}, 0.99))
	assert.Equal(t, PriorityUrgent, p.Derive(SourceRef{Body: "it's a RUSH job"}, 0.99))
	assert.Equal(t, PriorityUrgent, p.Derive(SourceRef{Subject: "Order (urgent!)"}, 0.99))
	assert.Equal(t, PriorityLow, p.Derive(SourceRef{Subject: "2x toothbrush", Body: "crush-proof box please"}, 0.99))
	assert.Equal(t, PriorityLow, p.Derive(SourceRef{Body: "ultra-fast shipping, not urgently needed"}, 0.99))
	assert.Equal(t, PriorityHigh, p.Derive(SourceRef{}, 0.64))
	assert.Equal(t, PriorityMedium, p.Derive(SourceRef{}, 0.65))
	assert.Equal(t, PriorityMedium, p.Derive(SourceRef{}, 0.69))
	assert.Equal(t, PriorityLow, p.Derive(SourceRef{}, 0.70))
}

func TestEscalate_Monotonic(t *testing.T) {
	assert.Equal(t, PriorityMedium, Escalate(PriorityLow))
	assert.Equal(t, PriorityHigh, Escalate(PriorityMedium))
	assert.Equal(t, PriorityUrgent, Escalate(PriorityHigh))
	assert.Equal(t, PriorityUrgent, Escalate(PriorityUrgent))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusInReview))
	assert.True(t, CanTransition(StatusPending, StatusApproved))
	assert.True(t, CanTransition(StatusInReview, StatusInReview))
	assert.True(t, CanTransition(StatusInReview, StatusAlternativeSuggested))
	assert.False(t, CanTransition(StatusApproved, StatusPending))
	assert.False(t, CanTransition(StatusRejected, StatusInReview))
	assert.False(t, CanTransition(StatusInReview, StatusPending))

	for _, s := range []Status{StatusApproved, StatusRejected, StatusNeedsClarification, StatusAlternativeSuggested} {
		assert.True(t, s.Terminal())
		assert.Empty(t, transitions[s])
	}
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" APPROVE ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, d.Status())

	_, err = ParseDecision("maybe")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestQueue_Create(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	auditor := &recordingAuditor{}
	q := newTestQueue(clock, WithNotifiers(notifier), WithAuditor(auditor))

	r, err := q.Create(context.Background(), input(0.62))
	require.NoError(t, err)
	assert.Equal(t, "rev-1", r.ID)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, PriorityHigh, r.Priority)
	assert.Equal(t, clock.Now(), r.CreatedAt)

	got, err := q.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Items, got.Items)
	assert.Equal(t, []EventType{EventCreated}, notifier.types())
	assert.Equal(t, []string{"created"}, auditor.actions)
	assert.Equal(t, 1, q.Backlog())
}

func TestQueue_Create_ExplicitPriorityAndValidation(t *testing.T) {
	q := newTestQueue(newFakeClock())

	in := input(0.9)
	in.Priority = PriorityUrgent
	r, err := q.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, r.Priority)

	in.Priority = "whenever"
	_, err = q.Create(context.Background(), in)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = q.Create(context.Background(), input(1.5))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 1, q.Statistics().PendingCount)
}

func TestQueue_Create_NotifierFailuresDoNotAbort(t *testing.T) {
	var delivered int32
	q := newTestQueue(newFakeClock(), WithNotifiers(
		notifierFunc(func(context.Context, Event) error { panic("boom") }),
		notifierFunc(func(context.Context, Event) error { return errors.New("smtp down") }),
		notifierFunc(func(context.Context, Event) error { atomic.AddInt32(&delivered, 1); return nil }),
	))

	_, err := q.Create(context.Background(), input(0.9))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
	assert.Equal(t, 1, q.Statistics().PendingCount)
}

func TestQueue_GetPending_PriorityThenAge(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	ctx := context.Background()

	low, _ := q.Create(ctx, input(0.9))
	clock.Advance(time.Minute)
	urgentIn := input(0.9)
	urgentIn.Source.Subject = "urgent"
	urgent, _ := q.Create(ctx, urgentIn)
	clock.Advance(time.Minute)
	high1, _ := q.Create(ctx, input(0.5))
	clock.Advance(time.Minute)
	high2, _ := q.Create(ctx, input(0.5))

	pending := q.GetPending(PendingFilter{})
	require.Len(t, pending, 4)
	assert.Equal(t, []string{urgent.ID, high1.ID, high2.ID, low.ID}, reviewIDs(pending))

	onlyHigh := q.GetPending(PendingFilter{Priority: PriorityHigh})
	assert.Equal(t, []string{high1.ID, high2.ID}, reviewIDs(onlyHigh))

	_, err := q.Assign(ctx, high2.ID, "alice")
	require.NoError(t, err)
	mine := q.GetPending(PendingFilter{AssignedTo: "alice"})
	assert.Equal(t, []string{high2.ID}, reviewIDs(mine))
}

func TestQueue_FIFODiffersFromPriorityOrder(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()

	first, _ := q.Create(ctx, input(0.9))
	urgentIn := input(0.9)
	urgentIn.Priority = PriorityUrgent
	second, _ := q.Create(ctx, urgentIn)

	assert.Equal(t, second.ID, q.GetPending(PendingFilter{})[0].ID)

	r, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, r.ID)
	r, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, r.ID)
}

func TestQueue_Next_BlocksUntilCreateOrCancel(t *testing.T) {
	q := newTestQueue(newFakeClock())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan Request, 1)
	go func() {
		r, err := q.Next(context.Background())
		if err == nil {
			got <- r
		}
	}()
	created, err := q.Create(context.Background(), input(0.9))
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, created.ID, r.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Create")
	}
}

func TestQueue_Assign(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()
	r, _ := q.Create(ctx, input(0.9))

	_, err := q.Assign(ctx, "missing", "alice")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = q.Assign(ctx, r.ID, "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	got, err := q.Assign(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusInReview, got.Status)
	assert.Equal(t, "alice", got.AssignedTo)

	got, err = q.Assign(ctx, r.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.AssignedTo)
}

func TestQueue_SubmitDecision_MovesToCompleted(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	ctx := context.Background()
	r, _ := q.Create(ctx, input(0.9))
	clock.Advance(90 * time.Second)

	done, err := q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: "Approve", Notes: "looks right"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, done.Status)
	assert.Equal(t, DecisionApprove, done.Decision)
	require.NotNil(t, done.ReviewedAt)
	assert.InDelta(t, 90, done.ReviewDurationSeconds, 1e-9)
	assert.Equal(t, "looks right", done.ReviewNotes)

	assert.Empty(t, q.GetPending(PendingFilter{}))
	stats := q.Statistics()
	assert.Equal(t, 0, stats.PendingCount)
	assert.Equal(t, 1, stats.CompletedCount)

	_, err = q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: "reject"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = q.Assign(ctx, r.ID, "alice")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = q.Escalate(ctx, r.ID, "late")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	got, err := q.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestQueue_SubmitDecision_ValidationLeavesPending(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()
	r, _ := q.Create(ctx, input(0.9))
	before, _ := q.Get(r.ID)

	_, err := q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: "alternative"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: "perhaps"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	after, err := q.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, q.Statistics().PendingCount)
}

func TestQueue_SubmitDecision_Alternative(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()
	r, _ := q.Create(ctx, input(0.9))

	alt := []orderitem.Item{{ID: "alt-1", Description: "impact driver"}}
	done, err := q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: "alternative", AlternativeItems: alt})
	require.NoError(t, err)
	assert.Equal(t, StatusAlternativeSuggested, done.Status)
	assert.Equal(t, alt, done.AlternativeItems)
}

func TestQueue_Escalate(t *testing.T) {
	notifier := &recordingNotifier{}
	q := newTestQueue(newFakeClock(), WithNotifiers(notifier))
	ctx := context.Background()
	r, _ := q.Create(ctx, input(0.9))
	require.Equal(t, PriorityLow, r.Priority)

	want := []Priority{PriorityMedium, PriorityHigh, PriorityUrgent, PriorityUrgent}
	prev := r.Priority
	for _, p := range want {
		got, err := q.Escalate(ctx, r.ID, "customer called")
		require.NoError(t, err)
		assert.Equal(t, p, got.Priority)
		assert.LessOrEqual(t, got.Priority.Rank(), prev.Rank())
		prev = got.Priority
	}

	got, _ := q.Get(r.ID)
	assert.Contains(t, got.ReviewNotes, "[Escalated low -> medium")
	assert.Contains(t, got.ReviewNotes, "customer called]")
	// created + three effective escalations; the urgent no-op does not notify.
	assert.Equal(t, []EventType{EventCreated, EventEscalated, EventEscalated, EventEscalated}, notifier.types())

	before := got
	again, err := q.Escalate(ctx, r.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, before, again)
}

func TestQueue_Statistics(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	ctx := context.Background()

	a, _ := q.Create(ctx, input(0.5))
	oldest := a.CreatedAt
	clock.Advance(time.Minute)
	b, _ := q.Create(ctx, input(0.9))
	clock.Advance(time.Minute)
	c, _ := q.Create(ctx, input(0.9))
	clock.Advance(time.Minute)

	_, err := q.SubmitDecision(ctx, b.ID, DecisionInput{Decision: "reject"})
	require.NoError(t, err)
	_, err = q.SubmitDecision(ctx, c.ID, DecisionInput{Decision: "clarify"})
	require.NoError(t, err)

	s := q.Statistics()
	assert.Equal(t, 1, s.PendingCount)
	assert.Equal(t, 2, s.CompletedCount)
	assert.Equal(t, map[Status]int{StatusPending: 1, StatusRejected: 1, StatusNeedsClarification: 1}, s.StatusBreakdown)
	assert.Equal(t, map[Priority]int{PriorityHigh: 1}, s.PriorityBreakdown)
	// b waited 120s, c waited 60s.
	assert.InDelta(t, 90, s.AverageReviewDurationSeconds, 1e-9)
	require.NotNil(t, s.OldestPending)
	assert.Equal(t, oldest, *s.OldestPending)
}

func TestQueue_WriteAheadStoreFailureAborts(t *testing.T) {
	store := &memStore{}
	q := newTestQueue(newFakeClock(), WithStore(store))
	ctx := context.Background()

	r, err := q.Create(ctx, input(0.9))
	require.NoError(t, err)
	assert.Contains(t, store.saved, r.ID)

	store.err = errors.New("disk full")
	_, err = q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: "approve"})
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	got, _ := q.Get(r.ID)
	assert.Equal(t, StatusPending, got.Status)

	_, err = q.Create(ctx, input(0.9))
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	assert.Equal(t, 1, q.Statistics().PendingCount)
	assert.Equal(t, 1, q.Backlog())
}

func TestQueue_BestEffortStoreFailureContinues(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	q := NewQueue(nil, Config{PersistMode: PersistBestEffort}, WithStore(store))
	ctx := context.Background()

	r, err := q.Create(ctx, input(0.9))
	require.NoError(t, err)
	done, err := q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: "approve"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, done.Status)
}

func TestQueue_ConcurrentDecisionsOnOneID(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()
	r, _ := q.Create(ctx, input(0.9))

	var wg sync.WaitGroup
	var ok, notFound int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := "approve"
			if i%2 == 0 {
				decision = "reject"
			}
			_, err := q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: decision})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case apperr.Is(err, apperr.KindNotFound):
				atomic.AddInt32(&notFound, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(15), notFound)
	s := q.Statistics()
	assert.Equal(t, 0, s.PendingCount)
	assert.Equal(t, 1, s.CompletedCount)
	assert.Zero(t, lockCount(q))
}

func lockCount(q *Queue) int {
	q.locksMu.Lock()
	defer q.locksMu.Unlock()
	return len(q.locks)
}

func TestQueue_LocksDoNotOutliveRequests(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("unknown-%d", i)
		_, err := q.Escalate(ctx, id, "")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		_, err = q.Assign(ctx, id, "alice")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		_, err = q.SubmitDecision(ctx, id, DecisionInput{Decision: "approve"})
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	}
	assert.Zero(t, lockCount(q))

	r, err := q.Create(ctx, input(0.9))
	require.NoError(t, err)
	assert.Zero(t, lockCount(q))

	_, err = q.Assign(ctx, r.ID, "alice")
	require.NoError(t, err)
	_, err = q.SubmitDecision(ctx, r.ID, DecisionInput{Decision: "approve"})
	require.NoError(t, err)
	assert.Zero(t, lockCount(q))

	_, err = q.Escalate(ctx, r.ID, "late")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Zero(t, lockCount(q))
}

func TestQueue_PendingAndCompletedDisjoint(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()

	var created []string
	for i := 0; i < 20; i++ {
		r, err := q.Create(ctx, input(0.9))
		require.NoError(t, err)
		created = append(created, r.ID)
	}

	var wg sync.WaitGroup
	for i, id := range created {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if i%3 == 0 {
				_, _ = q.Escalate(ctx, id, "slow")
			}
			if i%2 == 0 {
				_, _ = q.SubmitDecision(ctx, id, DecisionInput{Decision: "approve"})
			}
		}(i, id)
	}
	wg.Wait()

	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, id := range created {
		_, inPending := q.pending[id]
		_, inCompleted := q.completed[id]
		assert.True(t, inPending != inCompleted, "id %s must be in exactly one set", id)
	}
	assert.Len(t, q.completed, 10)
}

func TestWorker_DrainsInFIFOOrder(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	w := NewWorker(q, func(_ context.Context, r Request) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.ID)
		if len(seen) == 3 {
			close(done)
		}
		return nil
	}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	var want []string
	for i := 0; i < 3; i++ {
		in := input(0.9)
		if i == 2 {
			in.Priority = PriorityUrgent
		}
		r, err := q.Create(context.Background(), in)
		require.NoError(t, err)
		want = append(want, r.ID)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain queue")
	}
	cancel()
	assert.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestNotifySink(t *testing.T) {
	n := &recordingNotifier{}
	sink := NotifySink(nil, n)
	require.NoError(t, sink(context.Background(), Request{ID: "r1"}))
	assert.Equal(t, []EventType{EventQueued}, n.types())
}

func TestTopCandidates(t *testing.T) {
	matches := []ItemMatches{{ItemID: "i", Candidates: make([]retrieval.Candidate, 7)}}
	out := TopCandidates(matches, 3)
	assert.Len(t, out[0].Candidates, 3)
	assert.Len(t, matches[0].Candidates, 7)
}

func reviewIDs(rs []Request) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestQueue_Restore(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	base := clock.Now()

	n := q.Restore([]Request{
		{ID: "late", Status: StatusPending, Priority: PriorityLow, CreatedAt: base.Add(time.Minute)},
		{ID: "early", Status: StatusInReview, Priority: PriorityLow, CreatedAt: base, AssignedTo: "bob"},
		{ID: "done", Status: StatusApproved, Priority: PriorityHigh, CreatedAt: base},
	})
	assert.Equal(t, 3, n)
	assert.Zero(t, q.Backlog())

	pending := q.GetPending(PendingFilter{})
	require.Len(t, pending, 2)
	assert.Equal(t, "early", pending[0].ID)
	assert.Equal(t, "late", pending[1].ID)

	_, err := q.Assign(context.Background(), "done", "alice")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	assert.Zero(t, q.Restore([]Request{{ID: "late", Status: StatusPending}}))
}
