// Package rabbitmq implements the job broker on RabbitMQ. Delayed jobs are
// parked in per-delay queues whose messages expire and dead-letter back onto
// the work queue, so the broker realises the backoff and workers never sleep.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

// channel is the subset of *amqp.Channel the broker uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// Config controls the queue topology.
type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

// Broker publishes and consumes crawl jobs over AMQP.
type Broker struct {
	ch     channel
	conn   interface{ Close() error }
	cfg    Config
	logger *zap.Logger

	// amqp channels are not safe for concurrent publishes.
	pubMu sync.Mutex

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error

	closeOnce sync.Once
}

// Dial connects to cfg.URL and declares the work queue.
func Dial(cfg Config, logger *zap.Logger) (*Broker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, crawler.QueueUnavailable("dial rabbitmq", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, crawler.QueueUnavailable("open channel", err)
	}
	b, err := newBroker(ch, conn, cfg, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func newBroker(ch channel, conn interface{ Close() error }, cfg Config, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Queue == "" {
		cfg.Queue = crawler.TaskName
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, crawler.QueueUnavailable("declare work queue", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return nil, crawler.QueueUnavailable("set prefetch", err)
	}
	return &Broker{
		ch:     ch,
		conn:   conn,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Enqueue publishes job to the work queue, or to the delay queue for delay.
func (b *Broker) Enqueue(ctx context.Context, job crawler.Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	headers := amqp.Table{"attempt": int32(job.Attempt)}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers[k] = v
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         crawler.TaskName,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	routingKey := b.cfg.Queue
	if ms := delay.Milliseconds(); ms > 0 {
		routingKey, err = b.declareDelayQueue(ms)
		if err != nil {
			return err
		}
	}
	if err := b.ch.PublishWithContext(ctx, "", routingKey, false, false, msg); err != nil {
		return crawler.QueueUnavailable("publish", err)
	}
	return nil
}

// declareDelayQueue runs before every delayed publish. Publishing does not
// reset x-expires, so only the redeclare keeps an idle parking queue alive and
// recreates one the server already reclaimed. Must be called with pubMu held.
func (b *Broker) declareDelayQueue(ms int64) (string, error) {
	name := DelayQueueName(b.cfg.Queue, ms)
	args := amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.cfg.Queue,
		// Idle delay queues are reclaimed once nothing has used them for a while.
		"x-expires": ms*2 + int64(time.Minute/time.Millisecond),
	}
	if _, err := b.ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", crawler.QueueUnavailable("declare delay queue", err)
	}
	b.logger.Debug("declared delay queue", zap.String("queue", name), zap.Int64("ttl_ms", ms))
	return name, nil
}

// DelayQueueName is the parking queue for messages delayed by ms.
func DelayQueueName(queue string, ms int64) string {
	return fmt.Sprintf("%s.delay.%d", queue, ms)
}

// Receive returns the next job from the work queue. Undecodable messages are
// rejected without requeue and skipped.
func (b *Broker) Receive(ctx context.Context) (crawler.Delivery, error) {
	b.consumeOnce.Do(func() {
		b.deliveries, b.consumeErr = b.ch.Consume(b.cfg.Queue, "", false, false, false, false, nil)
	})
	if b.consumeErr != nil {
		return crawler.Delivery{}, crawler.QueueUnavailable("consume", b.consumeErr)
	}
	for {
		select {
		case <-ctx.Done():
			return crawler.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
		case msg, ok := <-b.deliveries:
			if !ok {
				return crawler.Delivery{}, crawler.ErrBrokerClosed
			}
			var job crawler.Job
			if err := json.Unmarshal(msg.Body, &job); err != nil {
				b.logger.Error("dropping undecodable message",
					zap.Uint64("delivery_tag", msg.DeliveryTag), zap.Error(err))
				if nackErr := b.ch.Nack(msg.DeliveryTag, false, false); nackErr != nil {
					return crawler.Delivery{}, crawler.QueueUnavailable("reject", nackErr)
				}
				continue
			}
			return crawler.Delivery{
				Job:     job,
				Tag:     strconv.FormatUint(msg.DeliveryTag, 10),
				Headers: stringHeaders(msg.Headers),
			}, nil
		}
	}
}

func stringHeaders(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Ack acknowledges the delivery.
func (b *Broker) Ack(_ context.Context, d crawler.Delivery) error {
	tag, err := strconv.ParseUint(d.Tag, 10, 64)
	if err != nil {
		return fmt.Errorf("parse delivery tag %q: %w", d.Tag, err)
	}
	if err := b.ch.Ack(tag, false); err != nil {
		return crawler.QueueUnavailable("ack", err)
	}
	return nil
}

// Nack returns the delivery to the work queue for redelivery.
func (b *Broker) Nack(_ context.Context, d crawler.Delivery) error {
	tag, err := strconv.ParseUint(d.Tag, 10, 64)
	if err != nil {
		return fmt.Errorf("parse delivery tag %q: %w", d.Tag, err)
	}
	if err := b.ch.Nack(tag, false, true); err != nil {
		return crawler.QueueUnavailable("nack", err)
	}
	return nil
}

// Close closes the channel and then the connection.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if chErr := b.ch.Close(); chErr != nil {
			err = fmt.Errorf("close channel: %w", chErr)
		}
		if b.conn != nil {
			if connErr := b.conn.Close(); connErr != nil && err == nil {
				err = fmt.Errorf("close connection: %w", connErr)
			}
		}
	})
	return err
}
