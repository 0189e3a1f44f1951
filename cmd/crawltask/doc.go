// Package main hosts the crawltask command.
//
// Architecture overview:
//   - Submission: `crawltask submit <url>` or POST /v1/crawls creates attempt 0 of a job, stores a pending record in
//     the result backend, and enqueues it on the configured broker (memory, RabbitMQ or Pub/Sub).
//   - Workers: `crawltask worker` runs a pool of goroutines that receive jobs, record them as running, and hand them
//     to the execution engine. The engine runs the colly spider under a per-attempt timeout, an optional per-host
//     token bucket, and an OpenTelemetry span, and classifies any error or panic as retryable or not.
//   - Retry: the retry policy turns each outcome into complete, requeue or give-up. Requeues go back to the broker
//     with the backoff delay (timers, TTL dead-letter queues or held Pub/Sub leases), so a worker never sleeps on a
//     retry. The budget defaults to 3 attempts 5s apart.
//   - Results: every transition is written to the result backend (memory, Postgres, SQLite or GCS). Terminal records
//     are never overwritten, which makes at-least-once redelivery safe.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM cancels the run context. In-flight attempts are nacked and retried on redelivery
//     without consuming budget; the HTTP server drains for worker.shutdown_grace_ms.
//   - Observability: zap logs carry job_id, target and attempt on every line; Prometheus metrics are served at
//     /metrics; trace context travels in broker message headers.
//
// Quick checklist:
//   - Configure with a YAML file (--config) or CRAWLTASK_* env vars, e.g. CRAWLTASK_BROKER_KIND=rabbitmq,
//     CRAWLTASK_BACKEND_KIND=postgres, CRAWLTASK_BACKEND_POSTGRES_DSN.
//   - Run locally: go run ./cmd/crawltask submit --wait https://example.com/ (the memory broker runs an in-process
//     worker for the duration of the command).
package main
