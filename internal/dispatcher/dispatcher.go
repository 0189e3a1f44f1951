// Package dispatcher turns broker deliveries into crawl attempts and applies
// the retry policy to their outcomes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawltask/internal/crawler"
	"github.com/JakeFAU/crawltask/internal/logging"
)

// ErrInvalidTarget is returned by Submit for an empty target.
var ErrInvalidTarget = errors.New("invalid target")

// Executor runs one attempt of a job.
type Executor interface {
	Execute(ctx context.Context, job crawler.Job) crawler.Outcome
}

// Recorder receives dispatcher metrics. *metrics.Collectors satisfies it.
type Recorder interface {
	ObserveDecision(decision string)
	ObserveSubmission(result string)
	IncInFlight()
	DecInFlight()
}

// Config holds the budget stamped on submitted jobs and worker loop tuning.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// SettleTimeout bounds Ack/Nack calls made after the worker context ended.
	SettleTimeout time.Duration
	// ReceiveBackoff is the pause after a failed Receive.
	ReceiveBackoff time.Duration
}

// Dispatcher wires broker, backend, engine and retry policy together.
type Dispatcher struct {
	broker   crawler.Broker
	backend  crawler.ResultBackend
	engine   Executor
	policy   crawler.RetryPolicy
	ids      crawler.IDGenerator
	clock    crawler.Clock
	recorder Recorder
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Dispatcher. A nil policy uses crawler.DefaultPolicy.
func New(
	broker crawler.Broker,
	backend crawler.ResultBackend,
	engine Executor,
	policy crawler.RetryPolicy,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	recorder Recorder,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if policy == nil {
		policy = crawler.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = crawler.DefaultMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = crawler.DefaultBaseDelay
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = time.Second
	}
	return &Dispatcher{
		broker:   broker,
		backend:  backend,
		engine:   engine,
		policy:   policy,
		ids:      ids,
		clock:    clock,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Submit creates attempt 0 of a crawl for target and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, target string) (crawler.JobHandle, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		d.observeSubmission("invalid")
		return crawler.JobHandle{}, fmt.Errorf("%w: target is required", ErrInvalidTarget)
	}
	id, err := d.ids.NewID()
	if err != nil {
		d.observeSubmission("error")
		return crawler.JobHandle{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.NewJob(id, target, d.cfg.MaxAttempts, d.cfg.BaseDelay)
	handle := crawler.JobHandle{ID: id}

	if err := d.store(ctx, job, crawler.StatePending, 0, "", ""); err != nil {
		d.observeSubmission("error")
		return crawler.JobHandle{}, err
	}
	if err := d.broker.Enqueue(ctx, job, 0); err != nil {
		err = queueError("enqueue", err)
		if serr := d.store(ctx, job, crawler.StateFailed, 0, "", err.Error()); serr != nil {
			d.logger.Error("record enqueue failure", zap.String("job_id", id), zap.Error(serr))
		}
		d.observeSubmission("queue_unavailable")
		return crawler.JobHandle{}, err
	}
	d.observeSubmission("accepted")
	d.logger.Info("job submitted", logging.JobFields(id, job.Target, job.Attempt, job.MaxAttempts)...)
	return handle, nil
}

// Result returns the stored record for handle.
func (d *Dispatcher) Result(ctx context.Context, handle crawler.JobHandle) (crawler.Record, error) {
	rec, err := d.backend.GetResult(ctx, handle.ID)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("get result %s: %w", handle.ID, err)
	}
	return rec, nil
}

// OnReceive runs one attempt of job and acts on the policy decision. A nil
// return means the delivery can be acked; an error means it must be nacked
// so the broker redelivers the same attempt.
func (d *Dispatcher) OnReceive(ctx context.Context, job crawler.Job) error {
	log := d.logger.With(logging.JobFields(job.ID, job.Target, job.Attempt, job.MaxAttempts)...)

	if err := job.Validate(); err != nil {
		d.observeDecision("rejected")
		log.Error("rejecting undispatchable job", zap.Error(err))
		if job.ID == "" {
			return nil
		}
		return d.store(ctx, job, crawler.StateFailed, job.Attempt, "", err.Error())
	}

	if skip, why := d.isDuplicate(ctx, job); skip {
		d.observeDecision("duplicate")
		log.Info("skipping duplicate delivery", zap.String("reason", why))
		return nil
	}

	if err := d.store(ctx, job, crawler.StateRunning, job.Attempt+1, "", ""); err != nil {
		return err
	}

	outcome := d.engine.Execute(ctx, job)
	if outcome.Kind != crawler.OutcomeSuccess && ctx.Err() != nil {
		log.Warn("attempt interrupted, returning job to broker", zap.Error(ctx.Err()))
		return fmt.Errorf("attempt interrupted: %w", ctx.Err())
	}

	decision := d.policy.Decide(job, outcome)
	d.observeDecision(decision.Kind.String())

	switch decision.Kind {
	case crawler.DecisionComplete:
		log.Info("job succeeded", zap.String("result", decision.Result))
		return d.store(ctx, job, crawler.StateSucceeded, job.Attempt+1, decision.Result, "")

	case crawler.DecisionRequeue:
		reason := ""
		if outcome.Cause != nil {
			reason = outcome.Cause.Error()
		}
		// The retrying record must land before the next attempt can start.
		if err := d.store(ctx, job, crawler.StateRetrying, job.Attempt+1, "", reason); err != nil {
			return err
		}
		if err := d.broker.Enqueue(ctx, decision.Next, decision.Delay); err != nil {
			log.Error("requeue failed", zap.Error(err))
			return queueError("requeue", err)
		}
		log.Info("job requeued",
			zap.Duration("delay", decision.Delay),
			zap.Int("next_attempt", decision.Next.Attempt),
			zap.String("reason", reason))
		return nil

	case crawler.DecisionGiveUp:
		reason := "unknown failure"
		if decision.Reason != nil {
			reason = decision.Reason.Error()
		}
		log.Error("job failed", zap.String("reason", reason))
		return d.store(ctx, job, crawler.StateFailed, job.Attempt+1, "", reason)
	}
	return fmt.Errorf("unknown decision %v", decision.Kind)
}

// Run starts concurrency workers that Receive, dispatch and settle
// deliveries. It returns when ctx ends or the broker closes.
func (d *Dispatcher) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	d.logger.Info("dispatcher starting", zap.Int("concurrency", concurrency))
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		worker := i
		g.Go(func() error {
			d.work(ctx, worker)
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	log := d.logger.With(zap.Int("worker", worker))
	for {
		delivery, err := d.broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrBrokerClosed) {
				return
			}
			log.Error("receive failed", zap.Error(err))
			if !sleep(ctx, d.cfg.ReceiveBackoff) {
				return
			}
			continue
		}
		d.handle(ctx, delivery, log)
	}
}

func (d *Dispatcher) handle(ctx context.Context, delivery crawler.Delivery, log *zap.Logger) {
	if d.recorder != nil {
		d.recorder.IncInFlight()
		defer d.recorder.DecInFlight()
	}
	if len(delivery.Headers) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(delivery.Headers))
	}

	err := d.OnReceive(ctx, delivery.Job)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SettleTimeout)
	defer cancel()
	if err != nil {
		log.Warn("nacking delivery", zap.String("job_id", delivery.Job.ID), zap.Error(err))
		if nerr := d.broker.Nack(settleCtx, delivery); nerr != nil {
			log.Error("nack failed", zap.String("job_id", delivery.Job.ID), zap.Error(nerr))
		}
		return
	}
	if aerr := d.broker.Ack(settleCtx, delivery); aerr != nil {
		log.Error("ack failed", zap.String("job_id", delivery.Job.ID), zap.Error(aerr))
	}
}

// isDuplicate reports whether job was already settled by an earlier delivery.
// Lookup failures are logged and treated as "not a duplicate".
func (d *Dispatcher) isDuplicate(ctx context.Context, job crawler.Job) (bool, string) {
	rec, err := d.backend.GetResult(ctx, job.ID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return false, ""
	case err != nil:
		d.logger.Warn("result lookup failed", zap.String("job_id", job.ID), zap.Error(err))
		return false, ""
	case rec.State.Terminal():
		return true, "job already " + string(rec.State)
	case rec.Attempts > job.Attempt+1:
		return true, fmt.Sprintf("attempt %d already superseded", job.Attempt)
	}
	return false, ""
}

func (d *Dispatcher) store(
	ctx context.Context,
	job crawler.Job,
	state crawler.State,
	attempts int,
	result, reason string,
) error {
	rec := crawler.Record{
		JobID:     job.ID,
		Target:    job.Target,
		State:     state,
		Attempts:  attempts,
		Result:    result,
		Reason:    reason,
		UpdatedAt: d.now(),
	}
	if err := d.backend.StoreResult(ctx, rec); err != nil {
		return fmt.Errorf("store %s record for %s: %w", state, job.ID, err)
	}
	return nil
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}

func (d *Dispatcher) observeDecision(decision string) {
	if d.recorder != nil {
		d.recorder.ObserveDecision(decision)
	}
}

func (d *Dispatcher) observeSubmission(result string) {
	if d.recorder != nil {
		d.recorder.ObserveSubmission(result)
	}
}

func queueError(op string, err error) error {
	if errors.Is(err, crawler.ErrQueueUnavailable) {
		return err
	}
	return crawler.QueueUnavailable(op, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
