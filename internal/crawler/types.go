package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TaskName identifies crawl jobs on shared brokers.
const TaskName = "crawl_task"

// Default retry budget applied when a job is submitted without overrides.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
)

// Job is one unit of crawl work. Values are immutable once created; a retry
// produces a new Job through Next.
type Job struct {
	ID          string        `json:"id"`
	Task        string        `json:"task"`
	Target      string        `json:"target"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
}

// NewJob builds the first attempt of a job.
func NewJob(id, target string, maxAttempts int, baseDelay time.Duration) Job {
	return Job{
		ID:          id,
		Task:        TaskName,
		Target:      strings.TrimSpace(target),
		Attempt:     0,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
	}
}

// Next returns a copy of the job for the following attempt.
func (j Job) Next() Job {
	next := j
	next.Attempt = j.Attempt + 1
	return next
}

// Validate reports whether the job may be dispatched.
func (j Job) Validate() error {
	switch {
	case j.ID == "":
		return errors.New("job id is required")
	case j.Target == "":
		return errors.New("job target is required")
	case j.MaxAttempts <= 0:
		return fmt.Errorf("max attempts must be > 0, got %d", j.MaxAttempts)
	case j.Attempt < 0:
		return fmt.Errorf("attempt must be >= 0, got %d", j.Attempt)
	case j.Attempt >= j.MaxAttempts:
		return fmt.Errorf("attempt %d exceeds budget of %d: %w", j.Attempt, j.MaxAttempts, ErrRetryBudgetExhausted)
	case j.BaseDelay < 0:
		return errors.New("base delay must be >= 0")
	}
	return nil
}

// Site returns the lowercase host of the target, or "unknown".
func (j Job) Site() string {
	u, err := url.Parse(j.Target)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// OutcomeKind tags an attempt outcome.
type OutcomeKind int

// Attempt outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
)

// Outcome is the result of a single attempt.
type Outcome struct {
	Kind      OutcomeKind
	Result    string
	Cause     error
	Retryable bool
}

// Success builds a successful outcome carrying the crawl result.
func Success(result string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// Failure builds a failed outcome with an explicit retry classification.
func Failure(cause error, retryable bool) Outcome {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return Outcome{Kind: OutcomeFailure, Cause: cause, Retryable: retryable}
}

// Label is the metric/log label for the outcome.
func (o Outcome) Label() string {
	switch {
	case o.Kind == OutcomeSuccess:
		return "success"
	case o.Retryable:
		return "transient_failure"
	default:
		return "permanent_failure"
	}
}

// DecisionKind tags a retry decision.
type DecisionKind int

// Retry decision kinds.
const (
	DecisionComplete DecisionKind = iota + 1
	DecisionRequeue
	DecisionGiveUp
)

// String implements fmt.Stringer.
func (k DecisionKind) String() string {
	switch k {
	case DecisionComplete:
		return "complete"
	case DecisionRequeue:
		return "requeue"
	case DecisionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Decision is what the dispatcher does with a job after an attempt.
type Decision struct {
	Kind   DecisionKind
	Result string
	Delay  time.Duration
	Next   Job
	Reason error
}

// Complete finalizes the job with a result.
func Complete(result string) Decision {
	return Decision{Kind: DecisionComplete, Result: result}
}

// Requeue schedules next for redelivery after delay.
func Requeue(delay time.Duration, next Job) Decision {
	return Decision{Kind: DecisionRequeue, Delay: delay, Next: next}
}

// GiveUp finalizes the job as failed.
func GiveUp(reason error) Decision {
	return Decision{Kind: DecisionGiveUp, Reason: reason}
}

// State is the lifecycle state persisted in the result backend.
type State string

// Result states.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further attempt will run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Record is the queryable state of a job.
type Record struct {
	JobID     string    `json:"job_id"`
	Target    string    `json:"target"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	Result    string    `json:"result,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobHandle references a submitted job for result lookup.
type JobHandle struct {
	ID string `json:"job_id"`
}

// Delivery is a job received from a broker together with the broker's
// receipt tag used for ack/nack. Headers carries trace context when the
// broker transports message metadata.
type Delivery struct {
	Job     Job
	Tag     string
	Headers map[string]string
}
