package amqpclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/postgraph/tagpipe/metric"
	"github.com/postgraph/tagpipe/pkg/retry"
)

// ClientOption configures a Client during construction
type ClientOption func(*Client) error

// WithLogger sets the structured logger for the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithConnectionName sets the connection name reported to the broker
func WithConnectionName(name string) ClientOption {
	return func(c *Client) error {
		if name == "" {
			return fmt.Errorf("connection name cannot be empty")
		}
		c.connectionName = name
		return nil
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(c *Client) error {
		if interval <= 0 {
			return fmt.Errorf("heartbeat must be positive, got %v", interval)
		}
		c.heartbeat = interval
		return nil
	}
}

// WithDialTimeout sets the TCP dial timeout
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("dial timeout must be positive, got %v", timeout)
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithConnectRetry sets the retry policy used by Connect
func WithConnectRetry(cfg retry.Config) ClientOption {
	return func(c *Client) error {
		c.connectRetry = cfg
		return nil
	}
}

// WithMetrics wires the broker connectivity gauge
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}
