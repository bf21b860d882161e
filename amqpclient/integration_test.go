//go:build integration

package amqpclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRabbitMQContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	return container, fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestIntegration_ConnectAndDeclareTopology(t *testing.T) {
	ctx := context.Background()

	container, url := startRabbitMQContainer(ctx, t)
	defer container.Terminate(ctx)

	client, err := NewClient(url)
	require.NoError(t, err)
	defer client.Close(ctx)

	require.NoError(t, client.Connect(ctx))
	assert.True(t, client.IsHealthy())

	topo := Topology{
		Exchange: "app_events",
		Queues: []Queue{
			{Name: "post_created_queue", RoutingKey: "post.created"},
			{Name: "post_interacted_queue", RoutingKey: "post.interacted"},
		},
	}
	require.NoError(t, client.EnsureTopology(ctx, topo))
	// Identical redeclare is a no-op
	require.NoError(t, client.EnsureTopology(ctx, topo))
}

func TestIntegration_PublishConsumeRoundtrip(t *testing.T) {
	ctx := context.Background()

	container, url := startRabbitMQContainer(ctx, t)
	defer container.Terminate(ctx)

	client, err := NewClient(url)
	require.NoError(t, err)
	defer client.Close(ctx)

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.EnsureTopology(ctx, Topology{
		Exchange: "app_events",
		Queues:   []Queue{{Name: "post_created_queue", RoutingKey: "post.created"}},
	}))

	pubCh, err := client.Channel(ctx)
	require.NoError(t, err)
	defer pubCh.Close()

	conCh, err := client.Channel(ctx)
	require.NoError(t, err)
	defer conCh.Close()

	require.NoError(t, conCh.Qos(1, 0, false))
	deliveries, err := conCh.Consume("post_created_queue", "roundtrip-test", false, false, false, false, nil)
	require.NoError(t, err)

	body := []byte(`{"postId": "post-1"}`)
	err = pubCh.PublishWithContext(ctx, "app_events", "post.created", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		assert.Equal(t, body, d.Body)
		assert.Equal(t, "post.created", d.RoutingKey)
		require.NoError(t, d.Ack(false))
	case <-time.After(10 * time.Second):
		t.Fatal("message was not routed to the bound queue")
	}
}
