package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

type published struct {
	key string
	msg amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   map[string]amqp.Table
	declares   map[string]int
	published  []published
	acked      []uint64
	nacked     map[uint64]bool
	deliveries chan amqp.Delivery
	publishErr error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		declared:   make(map[string]amqp.Table),
		declares:   make(map[string]int),
		nacked:     make(map[uint64]bool),
		deliveries: make(chan amqp.Delivery, 8),
	}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared[name] = args
	f.declares[name]++
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked[tag] = requeue
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.deliveries)
	}
	return nil
}

func newTestBroker(t *testing.T) (*Broker, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	b, err := newBroker(ch, nil, Config{Queue: "crawls"}, nil)
	require.NoError(t, err)
	return b, ch
}

func TestEnqueueImmediatePublishesToWorkQueue(t *testing.T) {
	t.Parallel()

	b, ch := newTestBroker(t)
	job := crawler.NewJob("job-1", "https://example.com", 3, time.Second)

	require.NoError(t, b.Enqueue(context.Background(), job, 0))
	require.Contains(t, ch.declared, "crawls")
	require.Len(t, ch.published, 1)
	require.Equal(t, "crawls", ch.published[0].key)
	require.Equal(t, "job-1", ch.published[0].msg.MessageId)
	require.Equal(t, amqp.Persistent, ch.published[0].msg.DeliveryMode)

	var decoded crawler.Job
	require.NoError(t, json.Unmarshal(ch.published[0].msg.Body, &decoded))
	require.Equal(t, job, decoded)
}

func TestEnqueueDelayedUsesDeadLetterQueue(t *testing.T) {
	t.Parallel()

	b, ch := newTestBroker(t)
	job := crawler.NewJob("job-1", "https://example.com", 3, 5*time.Second).Next()

	require.NoError(t, b.Enqueue(context.Background(), job, 5*time.Second))
	require.NoError(t, b.Enqueue(context.Background(), job, 5*time.Second))

	name := DelayQueueName("crawls", 5000)
	require.Equal(t, "crawls.delay.5000", name)
	args, ok := ch.declared[name]
	require.True(t, ok)
	require.Equal(t, int64(5000), args["x-message-ttl"])
	require.Equal(t, "", args["x-dead-letter-exchange"])
	require.Equal(t, "crawls", args["x-dead-letter-routing-key"])
	require.Len(t, ch.declared, 2)
	require.Equal(t, 2, ch.declares[name], "delay queue redeclared on every delayed publish")
	require.Len(t, ch.published, 2)
	require.Equal(t, name, ch.published[1].key)
	require.Equal(t, int32(1), ch.published[1].msg.Headers["attempt"])
}

func TestEnqueueDelayedRedeclaresExpiredQueue(t *testing.T) {
	t.Parallel()

	b, ch := newTestBroker(t)
	job := crawler.NewJob("job-1", "https://example.com", 3, 5*time.Second).Next()
	name := DelayQueueName("crawls", 5000)

	require.NoError(t, b.Enqueue(context.Background(), job, 5*time.Second))
	// The server reclaims the idle parking queue through x-expires.
	ch.mu.Lock()
	delete(ch.declared, name)
	ch.mu.Unlock()

	require.NoError(t, b.Enqueue(context.Background(), job.Next(), 5*time.Second))
	require.Contains(t, ch.declared, name)
	require.Equal(t, 2, ch.declares[name])
	require.Equal(t, name, ch.published[1].key)
}

func TestEnqueuePublishFailureIsQueueUnavailable(t *testing.T) {
	t.Parallel()

	b, ch := newTestBroker(t)
	ch.publishErr = errors.New("channel/connection is not open")

	err := b.Enqueue(context.Background(), crawler.NewJob("j", "https://example.com", 1, 0), 0)
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
	require.Contains(t, err.Error(), "channel/connection is not open")
}

func TestReceiveAckNack(t *testing.T) {
	t.Parallel()

	b, ch := newTestBroker(t)
	job := crawler.NewJob("job-1", "https://example.com", 3, time.Second)
	body, err := json.Marshal(job)
	require.NoError(t, err)

	ch.deliveries <- amqp.Delivery{DeliveryTag: 1, Body: []byte("{not json")}
	ch.deliveries <- amqp.Delivery{DeliveryTag: 2, Body: body}

	d, err := b.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, job, d.Job)
	require.Equal(t, "2", d.Tag)
	requeue, rejected := ch.nacked[1]
	require.True(t, rejected)
	require.False(t, requeue, "poison message rejected without requeue")

	require.NoError(t, b.Ack(context.Background(), d))
	require.Equal(t, []uint64{2}, ch.acked)

	require.NoError(t, b.Nack(context.Background(), crawler.Delivery{Tag: "7"}))
	require.True(t, ch.nacked[7])
	require.Error(t, b.Ack(context.Background(), crawler.Delivery{Tag: "abc"}))
}

func TestReceiveAfterCloseReportsBrokerClosed(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Receive(context.Background())
	require.ErrorIs(t, err, crawler.ErrBrokerClosed)
}

func TestReceiveHonoursContext(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiveCopiesStringHeaders(t *testing.T) {
	t.Parallel()

	b, ch := newTestBroker(t)
	body, err := json.Marshal(crawler.NewJob("job-1", "https://example.com", 3, 0))
	require.NoError(t, err)
	ch.deliveries <- amqp.Delivery{
		DeliveryTag: 3,
		Body:        body,
		Headers:     amqp.Table{"traceparent": "00-abc-def-01", "attempt": int32(0)},
	}

	d, err := b.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"traceparent": "00-abc-def-01"}, d.Headers)
}
