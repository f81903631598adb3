package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	require.NoError(t, err)
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func testEvent(t review.EventType) review.Event {
	return review.Event{
		Type:       t,
		Request:    review.Request{ID: "rev-1", Priority: review.PriorityHigh, Status: review.StatusPending},
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNATSNotifier_PublishesPerEventSubject(t *testing.T) {
	nc := startTestNATS(t)
	n := NewNATSNotifier(nc, "reviews.events")

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("reviews.events.escalated", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, n.Notify(context.Background(), testEvent(review.EventEscalated)))

	select {
	case msg := <-ch:
		var e review.Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, review.EventEscalated, e.Type)
		assert.Equal(t, "rev-1", e.Request.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestSubscribe_ReceivesAllEventTypes(t *testing.T) {
	nc := startTestNATS(t)
	n := NewNATSNotifier(nc, "reviews.events")

	got := make(chan review.Event, 2)
	sub, err := Subscribe(nc, "reviews.events", func(_ context.Context, e review.Event) { got <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Malformed payloads are dropped.
	require.NoError(t, nc.Publish("reviews.events.created", []byte("{bad")))
	require.NoError(t, n.Notify(context.Background(), testEvent(review.EventCreated)))
	require.NoError(t, n.Notify(context.Background(), testEvent(review.EventQueued)))

	var types []review.EventType
	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			types = append(types, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for events")
		}
	}
	assert.Equal(t, []review.EventType{review.EventCreated, review.EventQueued}, types)
}

type fakePublisher struct {
	channel string
	msg     any
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message any) error {
	p.channel = channel
	p.msg = message
	return p.err
}

func TestRedisNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, "")
	require.NoError(t, n.Notify(context.Background(), testEvent(review.EventCreated)))
	assert.Equal(t, "reviews", pub.channel)
	e, ok := pub.msg.(review.Event)
	require.True(t, ok)
	assert.Equal(t, "rev-1", e.Request.ID)
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &fakePublisher{}
	bad := &fakePublisher{err: errors.New("redis down")}
	m := Multi{
		NewLogNotifier(observability.NewNopLogger()),
		NewRedisNotifier(ok, "a"),
		NewRedisNotifier(bad, "b"),
	}
	err := m.Notify(context.Background(), testEvent(review.EventCreated))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Equal(t, "a", ok.channel)
}

func TestNATSNotifier_QueueIntegration(t *testing.T) {
	nc := startTestNATS(t)
	n := NewNATSNotifier(nc, "reviews.events")

	got := make(chan review.Event, 4)
	sub, err := Subscribe(nc, "reviews.events", func(_ context.Context, e review.Event) { got <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	q := review.NewQueue(nil, review.Config{}, review.WithNotifiers(n))
	r, err := q.Create(context.Background(), review.CreateInput{ConfidenceScore: 0.9})
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, review.EventCreated, e.Type)
		assert.Equal(t, r.ID, e.Request.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for created event")
	}
}
