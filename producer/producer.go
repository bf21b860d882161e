// Package producer publishes domain events to the topic exchange. Messages
// are persistent JSON; delivery retries are left to the caller so a failed
// publish surfaces instead of silently looping.
package producer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/postgraph/tagpipe/amqpclient"
	"github.com/postgraph/tagpipe/errors"
	"github.com/postgraph/tagpipe/message"
	"github.com/postgraph/tagpipe/metric"
)

// ChannelProvider hands out broker channels. *amqpclient.Client satisfies it.
type ChannelProvider interface {
	Channel(ctx context.Context) (amqpclient.Channel, error)
}

// Producer publishes events on its own channel
type Producer struct {
	provider ChannelProvider
	exchange string
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu sync.Mutex
	ch amqpclient.Channel
}

// Option configures a Producer during construction
type Option func(*Producer) error

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Producer) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Producer", "WithLogger", "nil logger")
		}
		p.logger = logger
		return nil
	}
}

// WithMetrics wires the publish counters
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Producer) error {
		p.metrics = m
		return nil
	}
}

// NewProducer creates a Producer bound to one exchange
func NewProducer(provider ChannelProvider, exchange string, opts ...Option) (*Producer, error) {
	if provider == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Producer", "NewProducer", "nil channel provider")
	}
	if exchange == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Producer", "NewProducer", "exchange name")
	}

	p := &Producer{
		provider: provider,
		exchange: exchange,
		logger:   slog.Default().With("component", "producer"),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Publish validates the event, marshals it to JSON, and publishes it with
// the event's routing key. The message is persistent so it survives a broker
// restart once routed to a durable queue.
func (p *Producer) Publish(ctx context.Context, ev message.Event) error {
	if ev == nil {
		return errors.WrapInvalid(errors.ErrMalformedPayload, "Producer", "Publish", "nil event")
	}
	if err := ev.Validate(); err != nil {
		p.countPublish(ev.RoutingKey(), "invalid")
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.countPublish(ev.RoutingKey(), "invalid")
		return errors.WrapInvalid(err, "Producer", "Publish", "marshal event")
	}

	ch, err := p.channel(ctx)
	if err != nil {
		p.countPublish(ev.RoutingKey(), "error")
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, ev.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.dropChannel()
		p.countPublish(ev.RoutingKey(), "error")
		return errors.WrapTransient(err, "Producer", "Publish", "publish message")
	}

	p.countPublish(ev.RoutingKey(), "success")
	p.logger.Debug("event published", "routing_key", ev.RoutingKey(), "bytes", len(body))
	return nil
}

// Close releases the cached channel
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if err != nil {
		return errors.Wrap(err, "Producer", "Close", "close channel")
	}
	return nil
}

func (p *Producer) channel(ctx context.Context) (amqpclient.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		return p.ch, nil
	}

	ch, err := p.provider.Channel(ctx)
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// dropChannel discards the cached channel after a publish error so the next
// publish opens a fresh one.
func (p *Producer) dropChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

func (p *Producer) countPublish(routingKey, outcome string) {
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(routingKey, outcome).Inc()
	}
}
