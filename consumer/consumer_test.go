package consumer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postgraph/tagpipe/amqpclient"
	"github.com/postgraph/tagpipe/config"
	"github.com/postgraph/tagpipe/errors"
	"github.com/postgraph/tagpipe/message"
)

// fakeAcknowledger records the single ack decision made for a delivery
type fakeAcknowledger struct {
	acks     int
	nacks    int
	requeued bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}

// fakeWriter records graph writes
type fakeWriter struct {
	linked       map[string][]message.Tag
	interactions []*message.PostInteracted
	linkErr      error
	recordErr    error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{linked: make(map[string][]message.Tag)}
}

func (f *fakeWriter) LinkPostToTags(_ context.Context, postID string, tags []message.Tag) error {
	if f.linkErr != nil {
		return f.linkErr
	}
	f.linked[postID] = append(f.linked[postID], tags...)
	return nil
}

func (f *fakeWriter) RecordInteraction(_ context.Context, ev *message.PostInteracted) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.interactions = append(f.interactions, ev)
	return nil
}

// fakeExtractor returns fixed tags or an error
type fakeExtractor struct {
	tags  []message.Tag
	err   error
	calls int
}

func (f *fakeExtractor) ExtractTags(context.Context, string) ([]message.Tag, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tags, nil
}

type fakeChannel struct {
	prefetch    int
	consumed    string
	consumerTag string
	cancelled   bool
	closed      bool
	deliveries  chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (f *fakeChannel) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{}, nil
}

func (f *fakeChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.consumed = queue
	f.consumerTag = consumer
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.cancelled = true
	close(f.deliveries)
	return nil
}

func (f *fakeChannel) PublishWithContext(context.Context, string, string, bool, bool, amqp.Publishing) error {
	return nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error { return c }

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type fakeProvider struct {
	ch  *fakeChannel
	err error
}

func (f *fakeProvider) Channel(context.Context) (amqpclient.Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}

func createdQueue() config.QueueConfig {
	return config.QueueConfig{Name: "post_created_queue", RoutingKey: "post.created", Prefetch: 1}
}

func interactedQueue() config.QueueConfig {
	return config.QueueConfig{Name: "post_interacted_queue", RoutingKey: "post.interacted", Prefetch: 5}
}

func delivery(routingKey, body string) (*amqp.Delivery, *fakeAcknowledger) {
	ack := &fakeAcknowledger{}
	return &amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		RoutingKey:   routingKey,
		MessageId:    "msg-1",
		Body:         []byte(body),
	}, ack
}

const validCreatedBody = `{
	"postId": "post-1",
	"userId": "user-1",
	"text": "a post about machine learning in Go",
	"createdAt": "2026-08-30T12:00:00Z"
}`

const validInteractedBody = `{
	"postId": "post-1",
	"userId": "user-2",
	"interactionType": "like",
	"createdAt": "2026-08-30T12:05:00Z"
}`

func TestProcessPostCreated(t *testing.T) {
	writer := newFakeWriter()
	extractor := &fakeExtractor{tags: []message.Tag{"machine_learning", "golang", "backend"}}

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, createdQueue(),
		PostCreatedPipeline(extractor, writer))
	require.NoError(t, err)

	d, ack := delivery("post.created", validCreatedBody)
	c.process(context.Background(), d)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
	assert.Equal(t, 1, extractor.calls)
	assert.Equal(t, []message.Tag{"machine_learning", "golang", "backend"}, writer.linked["post-1"])
}

func TestProcessPostInteracted(t *testing.T) {
	writer := newFakeWriter()

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, interactedQueue(),
		PostInteractedPipeline(writer))
	require.NoError(t, err)

	d, ack := delivery("post.interacted", validInteractedBody)
	c.process(context.Background(), d)

	assert.Equal(t, 1, ack.acks)
	require.Len(t, writer.interactions, 1)
	assert.Equal(t, message.InteractionLike, writer.interactions[0].InteractionType)
}

func TestProcessMalformedPayloadRejected(t *testing.T) {
	writer := newFakeWriter()
	extractor := &fakeExtractor{tags: []message.Tag{"anything"}}

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, createdQueue(),
		PostCreatedPipeline(extractor, writer))
	require.NoError(t, err)

	d, ack := delivery("post.created", `{not json`)
	c.process(context.Background(), d)

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeued, "poison messages must not be requeued")
	assert.Equal(t, 0, extractor.calls, "no enrichment for invalid messages")
	assert.Empty(t, writer.linked, "no graph writes for invalid messages")
}

func TestProcessSchemaViolationRejected(t *testing.T) {
	writer := newFakeWriter()
	extractor := &fakeExtractor{tags: []message.Tag{"anything"}}

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, createdQueue(),
		PostCreatedPipeline(extractor, writer))
	require.NoError(t, err)

	// Missing postId
	d, ack := delivery("post.created", `{"userId": "user-1", "text": "body", "createdAt": "2026-08-30T12:00:00Z"}`)
	c.process(context.Background(), d)

	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeued)
	assert.Empty(t, writer.linked)
}

func TestProcessUnknownInteractionTypeRejected(t *testing.T) {
	writer := newFakeWriter()

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, interactedQueue(),
		PostInteractedPipeline(writer))
	require.NoError(t, err)

	d, ack := delivery("post.interacted",
		`{"postId": "post-1", "userId": "user-2", "interactionType": "boost", "createdAt": "2026-08-30T12:05:00Z"}`)
	c.process(context.Background(), d)

	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeued)
	assert.Empty(t, writer.interactions)
}

func TestProcessEnrichmentFailureRejected(t *testing.T) {
	writer := newFakeWriter()
	extractor := &fakeExtractor{err: errors.WrapTransient(fmt.Errorf("i/o timeout"), "Classifier", "ExtractTags", "generate content")}

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, createdQueue(),
		PostCreatedPipeline(extractor, writer))
	require.NoError(t, err)

	d, ack := delivery("post.created", validCreatedBody)
	c.process(context.Background(), d)

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeued)
	assert.Empty(t, writer.linked, "no partial graph writes after enrichment failure")
}

func TestProcessEnrichmentRefusalRejected(t *testing.T) {
	writer := newFakeWriter()
	extractor := &fakeExtractor{err: errors.WrapFatal(errors.ErrEnrichmentRefused, "Classifier", "ExtractTags", "no valid tags in response")}

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, createdQueue(),
		PostCreatedPipeline(extractor, writer))
	require.NoError(t, err)

	d, ack := delivery("post.created", validCreatedBody)
	c.process(context.Background(), d)

	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeued)
}

func TestProcessPersistFailureRejected(t *testing.T) {
	writer := newFakeWriter()
	writer.recordErr = errors.WrapTransient(
		stderrors.Join(errors.ErrGraphWriteFailed, fmt.Errorf("connection refused")),
		"Writer", "RecordInteraction", "merge interaction")

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, interactedQueue(),
		PostInteractedPipeline(writer))
	require.NoError(t, err)

	d, ack := delivery("post.interacted", validInteractedBody)
	c.process(context.Background(), d)

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeued)
}

func TestProcessDuplicateDelivery(t *testing.T) {
	writer := newFakeWriter()

	c, err := NewConsumer(&fakeProvider{ch: newFakeChannel()}, interactedQueue(),
		PostInteractedPipeline(writer))
	require.NoError(t, err)

	d1, ack1 := delivery("post.interacted", validInteractedBody)
	d2, ack2 := delivery("post.interacted", validInteractedBody)

	c.process(context.Background(), d1)
	c.process(context.Background(), d2)

	// Both deliveries ack; idempotence lives in the MERGE writes
	assert.Equal(t, 1, ack1.acks)
	assert.Equal(t, 1, ack2.acks)
	assert.Len(t, writer.interactions, 2)
}

func TestLifecycle(t *testing.T) {
	ch := newFakeChannel()
	writer := newFakeWriter()

	c, err := NewConsumer(&fakeProvider{ch: ch}, interactedQueue(), PostInteractedPipeline(writer))
	require.NoError(t, err)

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, 5, ch.prefetch)
	assert.Equal(t, "post_interacted_queue", ch.consumed)
	assert.Equal(t, "tagpipe-post_interacted", ch.consumerTag)

	require.NoError(t, c.Start(context.Background()))

	d, ack := delivery("post.interacted", validInteractedBody)
	ch.deliveries <- *d

	require.Eventually(t, func() bool {
		return ack.acks == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop(time.Second))
	assert.True(t, ch.cancelled)
	assert.True(t, ch.closed)
}

// blockingWriter holds RecordInteraction until its context is cancelled
type blockingWriter struct {
	started chan struct{}
}

func (b *blockingWriter) LinkPostToTags(context.Context, string, []message.Tag) error { return nil }

func (b *blockingWriter) RecordInteraction(ctx context.Context, _ *message.PostInteracted) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestStopLeavesInFlightDeliveryUnacked(t *testing.T) {
	ch := newFakeChannel()
	writer := &blockingWriter{started: make(chan struct{})}

	c, err := NewConsumer(&fakeProvider{ch: ch}, interactedQueue(), PostInteractedPipeline(writer))
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	d, ack := delivery("post.interacted", validInteractedBody)
	ch.deliveries <- *d
	<-writer.started

	// The write outlives the stop timeout, so Stop cancels it mid-flight.
	require.NoError(t, c.Stop(50*time.Millisecond))

	// A shutdown failure is not a verdict on the message: it must stay
	// unacked so the broker redelivers it, never nacked away.
	assert.Never(t, func() bool {
		return ack.acks > 0 || ack.nacks > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

// barrierWriter completes each write only once two writes are in flight
type barrierWriter struct {
	barrier chan struct{}
	arrived atomic.Int32
}

func (b *barrierWriter) LinkPostToTags(context.Context, string, []message.Tag) error { return nil }

func (b *barrierWriter) RecordInteraction(ctx context.Context, _ *message.PostInteracted) error {
	if b.arrived.Add(1) == 2 {
		close(b.barrier)
	}
	select {
	case <-b.barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDeliveriesInterleaveWithinPrefetchWindow(t *testing.T) {
	ch := newFakeChannel()
	writer := &barrierWriter{barrier: make(chan struct{})}

	c, err := NewConsumer(&fakeProvider{ch: ch}, interactedQueue(), PostInteractedPipeline(writer))
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(time.Second) }()

	// Each write waits for the other, so both deliveries only ack if the
	// consumer processes them concurrently.
	d1, ack1 := delivery("post.interacted", validInteractedBody)
	d2, ack2 := delivery("post.interacted", validInteractedBody)
	ch.deliveries <- *d1
	ch.deliveries <- *d2

	require.Eventually(t, func() bool {
		return ack1.acks == 1 && ack2.acks == 1
	}, time.Second, 10*time.Millisecond)
}

func TestLifecycleErrors(t *testing.T) {
	ch := newFakeChannel()
	writer := newFakeWriter()

	c, err := NewConsumer(&fakeProvider{ch: ch}, interactedQueue(), PostInteractedPipeline(writer))
	require.NoError(t, err)

	// Start before Initialize
	err = c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, c.Initialize(context.Background()))

	// Double Initialize
	err = c.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, c.Start(context.Background()))

	// Double Start
	err = c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, c.Stop(time.Second))
	// Stop is idempotent
	assert.NoError(t, c.Stop(time.Second))
}

func TestNewConsumerValidation(t *testing.T) {
	writer := newFakeWriter()
	pipeline := PostInteractedPipeline(writer)

	_, err := NewConsumer(nil, interactedQueue(), pipeline)
	assert.Error(t, err)

	_, err = NewConsumer(&fakeProvider{ch: newFakeChannel()}, config.QueueConfig{RoutingKey: "x", Prefetch: 1}, pipeline)
	assert.Error(t, err)

	_, err = NewConsumer(&fakeProvider{ch: newFakeChannel()}, config.QueueConfig{Name: "q", RoutingKey: "x"}, pipeline)
	assert.Error(t, err)

	_, err = NewConsumer(&fakeProvider{ch: newFakeChannel()}, interactedQueue(), Pipeline{Name: "x"})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "received", StateReceived.String())
	assert.Equal(t, "validating", StateValidating.String())
	assert.Equal(t, "enriching", StateEnriching.String())
	assert.Equal(t, "persisting", StatePersisting.String())
	assert.Equal(t, "acked", StateAcked.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(42).String())
}
