// Package engine runs a single crawl attempt for a job and classifies the
// result as success, transient failure or permanent failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawltask/internal/crawler"
	"github.com/JakeFAU/crawltask/internal/logging"
)

const tracerName = "github.com/JakeFAU/crawltask/internal/engine"

// Limiter delays an attempt until the target's host may be contacted again.
type Limiter interface {
	Wait(ctx context.Context, target string) error
}

// Recorder receives per-attempt measurements.
type Recorder interface {
	ObserveAttempt(target, outcome string, duration time.Duration)
}

// Config controls Engine behavior.
type Config struct {
	// AttemptTimeout bounds one attempt. Zero leaves the caller's deadline alone.
	AttemptTimeout time.Duration
	Tracer         trace.Tracer
}

// Engine executes one logical attempt of a job.
type Engine struct {
	spider   crawler.Crawler
	limiter  Limiter
	recorder Recorder
	cfg      Config
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New constructs an Engine. limiter and recorder are optional.
func New(spider crawler.Crawler, limiter Limiter, recorder Recorder, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Engine{
		spider:   spider,
		limiter:  limiter,
		recorder: recorder,
		cfg:      cfg,
		tracer:   tracer,
		logger:   logger,
	}
}

// Execute runs the crawl for job and never lets an error or panic escape: the
// returned Outcome always carries the classification.
func (e *Engine) Execute(ctx context.Context, job crawler.Job) crawler.Outcome {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "crawl.attempt", trace.WithAttributes(
		attribute.String("crawl.job_id", job.ID),
		attribute.String("crawl.target", job.Target),
		attribute.Int("crawl.attempt", job.Attempt),
		attribute.Int("crawl.max_attempts", job.MaxAttempts),
	))
	defer span.End()

	outcome := e.attempt(ctx, job)
	duration := time.Since(start)

	span.SetAttributes(
		attribute.String("crawl.outcome", outcome.Label()),
		attribute.Bool("crawl.retryable", outcome.Retryable),
	)
	if outcome.Kind == crawler.OutcomeFailure {
		span.RecordError(outcome.Cause)
		span.SetStatus(codes.Error, outcome.Cause.Error())
	}
	if e.recorder != nil {
		e.recorder.ObserveAttempt(job.Target, outcome.Label(), duration)
	}
	e.log(job, outcome, duration)
	return outcome
}

func (e *Engine) attempt(ctx context.Context, job crawler.Job) crawler.Outcome {
	if err := ctx.Err(); err != nil {
		return crawler.Failure(fmt.Errorf("attempt not started: %w", err), true)
	}
	if e.spider == nil {
		return crawler.Failure(crawler.Permanent(errors.New("no spider configured")), false)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, job.Target); err != nil {
			return crawler.Failure(err, true)
		}
	}
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}
	result, err := e.crawl(ctx, job.Target)
	if err != nil {
		return crawler.Failure(err, Retryable(err))
	}
	return crawler.Success(result)
}

func (e *Engine) crawl(ctx context.Context, target string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = crawler.Transient(fmt.Errorf("crawl panicked: %v", r))
		}
	}()
	return e.spider.Crawl(ctx, target)
}

func (e *Engine) log(job crawler.Job, outcome crawler.Outcome, duration time.Duration) {
	fields := append(logging.JobFields(job.ID, job.Target, job.Attempt, job.MaxAttempts),
		zap.String("outcome", outcome.Label()),
		zap.Bool("retryable", outcome.Retryable),
		zap.Duration("duration", duration),
	)
	if outcome.Kind == crawler.OutcomeSuccess {
		e.logger.Info("crawl attempt succeeded", append(fields, zap.String("result", outcome.Result))...)
		return
	}
	e.logger.Warn("crawl attempt failed", append(fields, zap.Error(outcome.Cause))...)
}

// Retryable classifies err. Explicit markers win; unknown errors are retried
// because the job's attempt budget bounds them anyway.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if crawler.IsPermanent(err) {
		return false
	}
	if crawler.IsTransient(err) {
		return true
	}
	var statusErr *crawler.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	// A host that does not resolve will not start resolving between attempts.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	return true
}
