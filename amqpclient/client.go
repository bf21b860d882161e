// Package amqpclient manages the single RabbitMQ connection shared by the
// pipeline, hands out per-consumer channels, and declares the broker
// topology. On connection loss the cached handle is torn down so the next
// caller triggers reconnection; there is no background auto-reconnect,
// keeping failure visible rather than silently retried.
package amqpclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/postgraph/tagpipe/errors"
	"github.com/postgraph/tagpipe/metric"
	"github.com/postgraph/tagpipe/pkg/retry"
)

// ConnectionStatus represents the state of the broker connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Channel is the subset of *amqp091.Channel the pipeline uses. Consumers and
// the producer depend on this interface so tests can substitute fakes.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Client owns the broker connection. The connection is established lazily on
// first use and shared by all channels.
type Client struct {
	url            string
	logger         *slog.Logger
	connectionName string
	heartbeat      time.Duration
	dialTimeout    time.Duration
	connectRetry   retry.Config
	metrics        *metric.Metrics

	mu       sync.Mutex
	conn     *amqp.Connection
	channels []*amqp.Channel

	status  atomic.Value // stores ConnectionStatus
	closed  atomic.Bool
	closeMu sync.Mutex
}

// NewClient creates a new broker client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "broker URL")
	}

	c := &Client{
		url:            url,
		logger:         slog.Default().With("component", "amqp-client"),
		connectionName: "tagpipe",
		heartbeat:      10 * time.Second,
		dialTimeout:    5 * time.Second,
		connectRetry:   retry.Startup(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is established and open
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		if status == StatusConnected {
			c.metrics.BrokerConnected.Set(1)
		} else {
			c.metrics.BrokerConnected.Set(0)
		}
	}
}

// Connect eagerly establishes the broker connection, retrying with backoff
// while the broker may still be coming up.
func (c *Client) Connect(ctx context.Context) error {
	return retry.Do(ctx, c.connectRetry, func() error {
		_, err := c.connection()
		return err
	})
}

// connection returns the shared connection, dialing if no live connection is
// cached. Callers must not hold c.mu.
func (c *Client) connection() (*amqp.Connection, error) {
	if c.closed.Load() {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Client", "connection", "check client state")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to broker", "url", redactURL(c.url))

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: c.heartbeat,
		Dial:      amqp.DefaultDial(c.dialTimeout),
		Properties: amqp.Table{
			"connection_name": c.connectionName,
		},
	})
	if err != nil {
		c.setStatus(StatusDisconnected)
		return nil, errors.WrapTransient(err, "Client", "connection", "dial broker")
	}

	c.conn = conn
	c.channels = nil
	c.setStatus(StatusConnected)
	c.logger.Info("broker connected")

	// Tear down the cached handle when the broker closes the connection so
	// the next caller triggers reconnection. No background auto-reconnect.
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watchConnection(conn, closeCh)

	return conn, nil
}

func (c *Client) watchConnection(conn *amqp.Connection, closeCh chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok || c.closed.Load() {
		// Clean shutdown via Close
		return
	}

	c.logger.Error("broker connection lost", "error", amqpErr)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.channels = nil
		c.setStatus(StatusDisconnected)
	}
	c.mu.Unlock()
}

// Channel opens a new channel on the shared connection. Each consumer and
// the producer get their own channel so a channel-level protocol error is
// isolated to one component.
func (c *Client) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Client", "Channel", "context check")
	}

	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Channel", "open channel")
	}

	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()

	return ch, nil
}

// Close closes all channels, then the connection. Safe to call more than
// once; the context deadline bounds the grace period.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	conn := c.conn
	channels := c.channels
	c.conn = nil
	c.channels = nil
	c.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && !stderrors.Is(err, amqp.ErrClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "close channel"))
		}
	}

	if conn != nil && !conn.IsClosed() {
		closeDone := make(chan error, 1)
		go func() {
			closeDone <- conn.Close()
		}()

		select {
		case err := <-closeDone:
			if err != nil && !stderrors.Is(err, amqp.ErrClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "close connection"))
			}
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "connection close grace period"))
		}
	}

	c.setStatus(StatusDisconnected)
	c.logger.Info("broker client closed")

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %w", stderrors.Join(errs...))
	}
	return nil
}

// redactURL strips credentials from an AMQP URL for logging
func redactURL(url string) string {
	if u, err := amqp.ParseURI(url); err == nil {
		return fmt.Sprintf("amqp://%s:%d%s", u.Host, u.Port, u.Vhost)
	}
	return "amqp://<unparseable>"
}
