package amqpclient

import (
	"context"
	stderrors "errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/postgraph/tagpipe/errors"
)

// Queue describes one durable queue bound to the topic exchange
type Queue struct {
	Name       string
	RoutingKey string
}

// Topology is the full broker topology the pipeline depends on: one durable
// topic exchange and one durable queue per event type.
type Topology struct {
	Exchange string
	Queues   []Queue
}

// EnsureTopology declares the exchange, queues, and bindings. Declares are
// idempotent: redeclaring with identical arguments is a no-op, while
// declaring with conflicting arguments is a fatal configuration error. Safe
// to call on every process start.
func (c *Client) EnsureTopology(ctx context.Context, topo Topology) error {
	if topo.Exchange == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Client", "EnsureTopology", "exchange name")
	}

	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	return declareTopology(ch, topo, c.logger)
}

// declareTopology performs the declares on an open channel
func declareTopology(ch Channel, topo Topology, logger *slog.Logger) error {
	if err := ch.ExchangeDeclare(
		topo.Exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return classifyDeclareError(err, "declare exchange "+topo.Exchange)
	}
	logger.Debug("exchange declared", "exchange", topo.Exchange)

	for _, q := range topo.Queues {
		if q.Name == "" || q.RoutingKey == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Client", "EnsureTopology", "queue name and routing key")
		}

		if _, err := ch.QueueDeclare(
			q.Name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		); err != nil {
			return classifyDeclareError(err, "declare queue "+q.Name)
		}

		if err := ch.QueueBind(q.Name, q.RoutingKey, topo.Exchange, false, nil); err != nil {
			return classifyDeclareError(err, "bind queue "+q.Name)
		}

		logger.Debug("queue bound",
			"queue", q.Name,
			"exchange", topo.Exchange,
			"routing_key", q.RoutingKey)
	}

	return nil
}

// classifyDeclareError maps a PRECONDITION_FAILED channel exception, which
// the broker raises when an entity already exists with different arguments,
// onto the fatal topology mismatch error.
func classifyDeclareError(err error, action string) error {
	var amqpErr *amqp.Error
	if stderrors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return errors.WrapFatal(
			stderrors.Join(errors.ErrTopologyMismatch, err),
			"Client", "EnsureTopology", action)
	}
	return errors.WrapTransient(err, "Client", "EnsureTopology", action)
}
