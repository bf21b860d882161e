// Package consumer runs the per-queue message loops. Each consumer owns one
// channel with its own prefetch window and makes at most one ack decision
// per delivery: Ack on success, Nack without requeue on any failure, so a
// poison message is dropped instead of looping forever. A delivery caught
// mid-flight by shutdown is left unacked for broker redelivery.
package consumer

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/postgraph/tagpipe/amqpclient"
	"github.com/postgraph/tagpipe/config"
	"github.com/postgraph/tagpipe/errors"
	"github.com/postgraph/tagpipe/message"
	"github.com/postgraph/tagpipe/metric"
)

// State tracks a delivery through the processing stages
type State int

// Processing states, in order of progression
const (
	StateReceived State = iota
	StateValidating
	StateEnriching
	StatePersisting
	StateAcked
	StateRejected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidating:
		return "validating"
	case StateEnriching:
		return "enriching"
	case StatePersisting:
		return "persisting"
	case StateAcked:
		return "acked"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ChannelProvider hands out broker channels. *amqpclient.Client satisfies it.
type ChannelProvider interface {
	Channel(ctx context.Context) (amqpclient.Channel, error)
}

// Pipeline holds the processing stages for one event type. Enrich is
// optional; when nil the enriching stage is skipped and Persist receives a
// nil enrichment value.
type Pipeline struct {
	Name    string
	Decode  func(body []byte) (message.Event, error)
	Enrich  func(ctx context.Context, ev message.Event) (any, error)
	Persist func(ctx context.Context, ev message.Event, enrichment any) error
}

// Consumer consumes one queue and drives each delivery through the pipeline
type Consumer struct {
	provider ChannelProvider
	queue    config.QueueConfig
	pipeline Pipeline
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu         sync.Mutex
	ch         amqpclient.Channel
	deliveries <-chan amqp.Delivery

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Consumer during construction
type Option func(*Consumer) error

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "WithLogger", "nil logger")
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics wires the consumption counters
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Consumer) error {
		c.metrics = m
		return nil
	}
}

// NewConsumer creates a Consumer for one queue
func NewConsumer(provider ChannelProvider, queue config.QueueConfig, pipeline Pipeline, opts ...Option) (*Consumer, error) {
	if provider == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "NewConsumer", "nil channel provider")
	}
	if queue.Name == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Consumer", "NewConsumer", "queue name")
	}
	if queue.Prefetch < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "NewConsumer", "prefetch below 1")
	}
	if pipeline.Name == "" || pipeline.Decode == nil || pipeline.Persist == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "NewConsumer", "incomplete pipeline")
	}

	c := &Consumer{
		provider: provider,
		queue:    queue,
		pipeline: pipeline,
		logger:   slog.Default().With("component", "consumer", "queue", queue.Name),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Initialize opens the channel, applies the prefetch window, and registers
// the consumer with the broker. No messages are processed until Start.
func (c *Consumer) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Consumer", "Initialize", "already initialized")
	}

	ch, err := c.provider.Channel(ctx)
	if err != nil {
		return err
	}

	if err := ch.Qos(c.queue.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return errors.WrapTransient(err, "Consumer", "Initialize", "set prefetch")
	}

	deliveries, err := ch.Consume(
		c.queue.Name,
		c.consumerTag(),
		false, // autoAck: acks are explicit processing decisions
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return errors.WrapTransient(err, "Consumer", "Initialize", "register consumer")
	}

	c.ch = ch
	c.deliveries = deliveries
	c.logger.Info("consumer initialized", "prefetch", c.queue.Prefetch)
	return nil
}

// Start launches the processing loop. Initialize must have been called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	deliveries := c.deliveries
	c.mu.Unlock()

	if deliveries == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Consumer", "Start", "not initialized")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Consumer", "Start", "already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.loop(loopCtx, deliveries)

	c.logger.Info("consumer started")
	return nil
}

// Stop cancels the broker subscription and waits up to timeout for in-flight
// deliveries to finish. Unacked deliveries left behind are redelivered by
// the broker.
func (c *Consumer) Stop(timeout time.Duration) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		// Stop new deliveries first so the loop can drain
		if err := ch.Cancel(c.consumerTag(), false); err != nil {
			c.logger.Warn("cancel consumer failed", "error", err)
		}
	}

	// In-flight deliveries get the full timeout to finish or fail on their
	// own terms. Cancelling first would turn every in-flight message into a
	// spurious rejection.
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("consumer stop timed out, abandoning in-flight deliveries", "timeout", timeout)
	}

	// Unblock anything still running. Affected deliveries stay unacked and
	// are redelivered by the broker once the channel closes.
	if c.cancel != nil {
		c.cancel()
	}

	if ch != nil {
		if err := ch.Close(); err != nil {
			return errors.Wrap(err, "Consumer", "Stop", "close channel")
		}
	}

	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("delivery channel closed")
				return
			}
			// One goroutine per delivery. The broker never delivers more
			// unacked messages than the prefetch window, so the window
			// bounds the concurrency.
			delivery := d
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.process(ctx, &delivery)
			}()
		}
	}
}

// process drives one delivery through the pipeline and makes exactly one ack
// decision.
func (c *Consumer) process(ctx context.Context, d *amqp.Delivery) {
	start := time.Now()
	c.logger.Debug("delivery received",
		"routing_key", d.RoutingKey,
		"message_id", d.MessageId,
		"bytes", len(d.Body))

	state := StateValidating
	ev, err := c.pipeline.Decode(d.Body)
	if err != nil {
		c.fail(ctx, d, state, err)
		c.observe(start)
		return
	}

	var enrichment any
	if c.pipeline.Enrich != nil {
		state = StateEnriching
		enrichment, err = c.pipeline.Enrich(ctx, ev)
		if err != nil {
			c.fail(ctx, d, state, err)
			c.observe(start)
			return
		}
	}

	state = StatePersisting
	if err := c.pipeline.Persist(ctx, ev, enrichment); err != nil {
		c.fail(ctx, d, state, err)
		c.observe(start)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", "message_id", d.MessageId, "error", err)
		return
	}

	c.count(StateAcked)
	c.observe(start)
	c.logger.Debug("delivery acked", "message_id", d.MessageId)
}

// fail resolves a pipeline error into an ack decision. A failure caused by
// the consumer's own shutdown is not a verdict on the message; the delivery
// is left unacked so the broker redelivers it to the next consumer.
func (c *Consumer) fail(ctx context.Context, d *amqp.Delivery, state State, cause error) {
	if ctx.Err() != nil && stderrors.Is(cause, ctx.Err()) {
		c.logger.Info("delivery released for redelivery",
			"message_id", d.MessageId,
			"stage", state.String())
		return
	}
	c.reject(d, state, cause)
}

// reject drops the delivery without requeue. Requeueing would loop a poison
// message straight back to the head of the queue.
func (c *Consumer) reject(d *amqp.Delivery, state State, cause error) {
	level := slog.LevelError
	if errors.IsInvalid(cause) {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "delivery rejected",
		"message_id", d.MessageId,
		"routing_key", d.RoutingKey,
		"stage", state.String(),
		"error", cause)

	if err := d.Nack(false, false); err != nil {
		c.logger.Error("nack failed", "message_id", d.MessageId, "error", err)
		return
	}
	c.count(StateRejected)
}

func (c *Consumer) consumerTag() string {
	return "tagpipe-" + c.pipeline.Name
}

func (c *Consumer) count(outcome State) {
	if c.metrics != nil {
		c.metrics.EventsConsumed.WithLabelValues(c.pipeline.Name, outcome.String()).Inc()
	}
}

func (c *Consumer) observe(start time.Time) {
	if c.metrics != nil {
		c.metrics.ProcessingDuration.WithLabelValues(c.pipeline.Name).Observe(time.Since(start).Seconds())
	}
}
