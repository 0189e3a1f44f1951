// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

// Broker is a bounded in-memory job queue. Delayed jobs wait on a timer and
// are pushed onto the queue once due, so Receive callers never block on a
// delay. Unacknowledged deliveries are tracked until Ack or Nack.
type Broker struct {
	ch   chan crawler.Job
	done chan struct{}
	seq  atomic.Uint64

	mu       sync.Mutex
	closed   bool
	timers   map[*time.Timer]struct{}
	inflight map[string]crawler.Job
}

// New constructs a broker with the provided queue capacity.
func New(capacity int) *Broker {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broker{
		ch:       make(chan crawler.Job, capacity),
		done:     make(chan struct{}),
		timers:   make(map[*time.Timer]struct{}),
		inflight: make(map[string]crawler.Job),
	}
}

// Enqueue makes job available now, or after delay when delay is positive.
func (b *Broker) Enqueue(ctx context.Context, job crawler.Job, delay time.Duration) error {
	if delay <= 0 {
		return b.push(ctx, job)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return crawler.QueueUnavailable("enqueue", crawler.ErrBrokerClosed)
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		b.mu.Unlock()
		// The timer goroutine owns the push; it only gives up on Close.
		_ = b.push(context.Background(), job)
	})
	b.timers[timer] = struct{}{}
	return nil
}

func (b *Broker) push(ctx context.Context, job crawler.Job) error {
	select {
	case <-b.done:
		return crawler.QueueUnavailable("enqueue", crawler.ErrBrokerClosed)
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-b.done:
		return crawler.QueueUnavailable("enqueue", crawler.ErrBrokerClosed)
	case b.ch <- job:
		return nil
	}
}

// Receive pops the next due job, respecting context cancellation.
func (b *Broker) Receive(ctx context.Context) (crawler.Delivery, error) {
	select {
	case <-ctx.Done():
		return crawler.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-b.done:
		return crawler.Delivery{}, crawler.ErrBrokerClosed
	case job := <-b.ch:
		tag := strconv.FormatUint(b.seq.Add(1), 10)
		b.mu.Lock()
		b.inflight[tag] = job
		b.mu.Unlock()
		return crawler.Delivery{Job: job, Tag: tag}, nil
	}
}

// Ack forgets a delivery.
func (b *Broker) Ack(_ context.Context, d crawler.Delivery) error {
	if _, err := b.settle(d); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack puts the delivered job back on the queue for immediate redelivery.
// If the queue stays full until ctx ends the delivery remains in flight, so
// the caller can Nack it again.
func (b *Broker) Nack(ctx context.Context, d crawler.Delivery) error {
	job, err := b.settle(d)
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	if err := b.push(ctx, job); err != nil {
		b.mu.Lock()
		b.inflight[d.Tag] = job
		b.mu.Unlock()
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

func (b *Broker) settle(d crawler.Delivery) (crawler.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.inflight[d.Tag]
	if !ok {
		return crawler.Job{}, fmt.Errorf("unknown delivery tag %q", d.Tag)
	}
	delete(b.inflight, d.Tag)
	return job, nil
}

// Pending reports jobs that are queued or waiting on a delay timer.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ch) + len(b.timers)
}

// InFlight reports deliveries that were received but not yet settled.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Close stops pending timers and wakes every blocked caller. It is safe to call twice.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for timer := range b.timers {
		timer.Stop()
		delete(b.timers, timer)
	}
	return nil
}
