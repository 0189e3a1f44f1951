// Package pubsub implements the job broker on Google Cloud Pub/Sub.
//
// Pub/Sub has no native delayed delivery, so every message carries a
// not_before attribute. A message that is due within MaxHold is held by the
// receiver (the client library keeps extending its lease) and released on a
// timer; a later one is nacked and comes back after the subscription's retry
// backoff.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

// Message attributes set on every published job.
const (
	AttrTask      = "task"
	AttrJobID     = "job_id"
	AttrAttempt   = "attempt"
	AttrNotBefore = "not_before"
)

// Config names the topic/subscription pair and the hold window.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
	MaxHold      time.Duration
	// Buffer bounds messages handed to the broker but not yet received.
	Buffer int
}

type received struct {
	job     crawler.Job
	msg     *pubsub.Message
	headers map[string]string
}

// Broker publishes to a topic and receives from a subscription.
type Broker struct {
	client     *pubsub.Client
	ownsClient bool
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	incoming chan received
	done     chan struct{}

	startOnce  sync.Once
	stopRecv   context.CancelFunc
	recvDone   chan struct{}
	recvErr    error
	closeOnce  sync.Once
	pendingMu  sync.Mutex
	pendingMsg map[string]*pubsub.Message
}

// Dial creates a client for cfg.ProjectID and wraps it. The broker owns the client.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Broker, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, crawler.QueueUnavailable("create pubsub client", err)
	}
	b := New(client, cfg, logger)
	b.ownsClient = true
	return b, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	sub := client.Subscription(cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.Buffer * 4
	sub.ReceiveSettings.MaxExtension = cfg.MaxHold + 10*time.Minute
	return &Broker{
		client:     client,
		topic:      client.Topic(cfg.Topic),
		sub:        sub,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		incoming:   make(chan received, cfg.Buffer),
		done:       make(chan struct{}),
		pendingMsg: make(map[string]*pubsub.Message),
	}
}

// EnsureTopology creates the topic and subscription when they do not exist.
func (b *Broker) EnsureTopology(ctx context.Context) error {
	exists, err := b.topic.Exists(ctx)
	if err != nil {
		return crawler.QueueUnavailable("check topic", err)
	}
	if !exists {
		if b.topic, err = b.client.CreateTopic(ctx, b.cfg.Topic); err != nil {
			return crawler.QueueUnavailable("create topic", err)
		}
	}
	exists, err = b.sub.Exists(ctx)
	if err != nil {
		return crawler.QueueUnavailable("check subscription", err)
	}
	if exists {
		return nil
	}
	settings := b.sub.ReceiveSettings
	b.sub, err = b.client.CreateSubscription(ctx, b.cfg.Subscription, pubsub.SubscriptionConfig{
		Topic:       b.topic,
		AckDeadline: 60 * time.Second,
		// Nacked not-yet-due messages come back no sooner than this.
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: 10 * time.Second,
			MaximumBackoff: 10 * time.Minute,
		},
	})
	if err != nil {
		return crawler.QueueUnavailable("create subscription", err)
	}
	b.sub.ReceiveSettings = settings
	return nil
}

// Enqueue publishes job and waits for the server to accept it.
func (b *Broker) Enqueue(ctx context.Context, job crawler.Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	attrs := map[string]string{
		AttrTask:    crawler.TaskName,
		AttrJobID:   job.ID,
		AttrAttempt: strconv.Itoa(job.Attempt),
	}
	if delay > 0 {
		attrs[AttrNotBefore] = b.now().Add(delay).UTC().Format(time.RFC3339Nano)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	res := b.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := res.Get(ctx); err != nil {
		return crawler.QueueUnavailable("publish", err)
	}
	return nil
}

// Receive returns the next due job.
func (b *Broker) Receive(ctx context.Context) (crawler.Delivery, error) {
	b.startOnce.Do(b.startReceiving)
	select {
	case <-ctx.Done():
		return crawler.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-b.done:
		return crawler.Delivery{}, crawler.ErrBrokerClosed
	case <-b.recvDone:
		if b.recvErr != nil {
			return crawler.Delivery{}, crawler.QueueUnavailable("receive", b.recvErr)
		}
		return crawler.Delivery{}, crawler.ErrBrokerClosed
	case r := <-b.incoming:
		b.pendingMu.Lock()
		b.pendingMsg[r.msg.ID] = r.msg
		b.pendingMu.Unlock()
		return crawler.Delivery{Job: r.job, Tag: r.msg.ID, Headers: r.headers}, nil
	}
}

func (b *Broker) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	b.stopRecv = cancel
	b.recvDone = make(chan struct{})
	go func() {
		defer close(b.recvDone)
		err := b.sub.Receive(ctx, b.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("pubsub receive stopped", zap.Error(err))
			b.recvErr = err
		}
	}()
}

// handle runs on the client library's goroutines.
func (b *Broker) handle(ctx context.Context, msg *pubsub.Message) {
	var job crawler.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		b.logger.Error("dropping undecodable message", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	if wait := b.untilDue(msg); wait > 0 {
		if wait > b.cfg.MaxHold {
			msg.Nack()
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			msg.Nack()
			return
		case <-timer.C:
		}
	}
	headers := make(map[string]string, len(msg.Attributes))
	for k, v := range msg.Attributes {
		headers[k] = v
	}
	select {
	case <-ctx.Done():
		msg.Nack()
	case b.incoming <- received{job: job, msg: msg, headers: headers}:
	}
}

func (b *Broker) untilDue(msg *pubsub.Message) time.Duration {
	raw, ok := msg.Attributes[AttrNotBefore]
	if !ok {
		return 0
	}
	notBefore, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		b.logger.Warn("ignoring malformed not_before", zap.String("message_id", msg.ID), zap.String("value", raw))
		return 0
	}
	return notBefore.Sub(b.now())
}

// Ack acknowledges the delivery.
func (b *Broker) Ack(_ context.Context, d crawler.Delivery) error {
	msg, err := b.settle(d)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	msg.Ack()
	return nil
}

// Nack asks Pub/Sub to redeliver.
func (b *Broker) Nack(_ context.Context, d crawler.Delivery) error {
	msg, err := b.settle(d)
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	msg.Nack()
	return nil
}

func (b *Broker) settle(d crawler.Delivery) (*pubsub.Message, error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	msg, ok := b.pendingMsg[d.Tag]
	if !ok {
		return nil, fmt.Errorf("unknown delivery tag %q", d.Tag)
	}
	delete(b.pendingMsg, d.Tag)
	return msg, nil
}

// Close stops receiving, nacks unsettled and buffered messages, flushes the
// publisher and, when the broker owns it, closes the client.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		// Settles startOnce so no receiver starts after shutdown.
		b.startOnce.Do(func() {})
		close(b.done)
		if b.stopRecv != nil {
			b.stopRecv()
		}
		b.drain()
		if b.recvDone != nil {
			<-b.recvDone
		}
		b.drain()
		b.pendingMu.Lock()
		for tag, msg := range b.pendingMsg {
			msg.Nack()
			delete(b.pendingMsg, tag)
		}
		b.pendingMu.Unlock()
		b.topic.Stop()
		if b.ownsClient {
			if cerr := b.client.Close(); cerr != nil {
				err = fmt.Errorf("close pubsub client: %w", cerr)
			}
		}
	})
	return err
}

func (b *Broker) drain() {
	for {
		select {
		case r := <-b.incoming:
			r.msg.Nack()
		default:
			return
		}
	}
}
