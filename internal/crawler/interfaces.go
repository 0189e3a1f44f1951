package crawler

import (
	"context"
	"time"
)

// Broker moves jobs between submitters and workers.
type Broker interface {
	// Enqueue makes job available for delivery after delay.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Receive blocks until a job is delivered or ctx ends.
	Receive(ctx context.Context) (Delivery, error)
	// Ack confirms the delivery was processed.
	Ack(ctx context.Context, d Delivery) error
	// Nack returns the delivery to the broker for redelivery.
	Nack(ctx context.Context, d Delivery) error
	Close() error
}

// ResultBackend stores the queryable state of every job.
type ResultBackend interface {
	StoreResult(ctx context.Context, record Record) error
	GetResult(ctx context.Context, jobID string) (Record, error)
}

// Crawler runs a crawl rooted at target and returns a human-readable summary.
type Crawler interface {
	Crawl(ctx context.Context, target string) (string, error)
}

// RetryPolicy maps an attempt outcome to the next action.
type RetryPolicy interface {
	Decide(job Job, outcome Outcome) Decision
}

// Backoff maps an attempt number and base delay to a redelivery delay.
type Backoff interface {
	Delay(attempt int, base time.Duration) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
