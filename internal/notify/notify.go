// Package notify delivers review queue events to logs, NATS and Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/cache"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
)

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithComponent("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, e review.Event) error {
	n.logger.WithContext(ctx).Info().
		Str("event", string(e.Type)).
		Str("review_id", e.Request.ID).
		Str("priority", string(e.Request.Priority)).
		Str("status", string(e.Request.Status)).
		Msg("Review event")
	return nil
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NATSNotifier publishes events as JSON to <subject>.<event>, for example
// reviews.events.created. Trace context travels in message headers.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// NewNATSNotifier wraps an existing connection.
func NewNATSNotifier(nc *nats.Conn, subject string) *NATSNotifier {
	if subject == "" {
		subject = "reviews.events"
	}
	return &NATSNotifier{nc: nc, subject: subject}
}

// DialNATS connects to url and returns a notifier that owns the connection.
func DialNATS(url, subject string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("order-matcher"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := NewNATSNotifier(nc, subject)
	n.owned = true
	return n, nil
}

// Subject returns the subject an event type is published on.
func (n *NATSNotifier) Subject(t review.EventType) string {
	return n.subject + "." + strings.TrimPrefix(string(t), "review.")
}

func (n *NATSNotifier) Notify(ctx context.Context, e review.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: n.Subject(e.Type), Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return n.nc.PublishMsg(msg)
}

// Conn returns the underlying connection.
func (n *NATSNotifier) Conn() *nats.Conn {
	return n.nc
}

// Close drains the connection if the notifier opened it.
func (n *NATSNotifier) Close() error {
	if !n.owned {
		return nil
	}
	return n.nc.Drain()
}

// Subscribe delivers events published under subject (all event types) to
// handler. Malformed messages are dropped.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, review.Event)) (*nats.Subscription, error) {
	return nc.Subscribe(subject+".>", func(msg *nats.Msg) {
		var e review.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, e)
	})
}

// RedisNotifier publishes events on a Redis pub/sub channel.
type RedisNotifier struct {
	pub     cache.Publisher
	channel string
}

// NewRedisNotifier creates a Redis notifier.
func NewRedisNotifier(pub cache.Publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "reviews"
	}
	return &RedisNotifier{pub: pub, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, e review.Event) error {
	return n.pub.Publish(ctx, n.channel, e)
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []review.Notifier

func (m Multi) Notify(ctx context.Context, e review.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ review.Notifier = (*LogNotifier)(nil)
	_ review.Notifier = (*NATSNotifier)(nil)
	_ review.Notifier = (*RedisNotifier)(nil)
	_ review.Notifier = Multi(nil)
)
