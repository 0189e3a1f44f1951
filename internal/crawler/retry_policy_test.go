package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestJob(attempt int) Job {
	job := NewJob("job-1", "https://example.com/a", 3, 5*time.Second)
	job.Attempt = attempt
	return job
}

func TestPolicyDecide(t *testing.T) {
	t.Parallel()

	transient := errors.New("connection reset")
	permanent := errors.New("unsupported scheme")

	tests := []struct {
		name      string
		attempt   int
		outcome   Outcome
		wantKind  DecisionKind
		wantDelay time.Duration
		wantNext  int
	}{
		{"success first attempt", 0, Success("Crawled https://example.com/a"), DecisionComplete, 0, 0},
		{"success last attempt", 2, Success("ok"), DecisionComplete, 0, 0},
		{"permanent on first attempt", 0, Failure(permanent, false), DecisionGiveUp, 0, 0},
		{"permanent mid budget", 1, Failure(permanent, false), DecisionGiveUp, 0, 0},
		{"transient first attempt", 0, Failure(transient, true), DecisionRequeue, 5 * time.Second, 1},
		{"transient second attempt", 1, Failure(transient, true), DecisionRequeue, 5 * time.Second, 2},
		{"transient last attempt", 2, Failure(transient, true), DecisionGiveUp, 0, 0},
	}

	policy := DefaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job := newTestJob(tt.attempt)
			got := policy.Decide(job, tt.outcome)
			require.Equal(t, tt.wantKind, got.Kind)
			if tt.wantKind == DecisionRequeue {
				require.Equal(t, tt.wantDelay, got.Delay)
				require.Equal(t, tt.wantNext, got.Next.Attempt)
				require.Equal(t, tt.attempt, job.Attempt, "decide must not mutate the job")
			}
		})
	}
}

func TestPolicyGiveUpReasons(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	cause := errors.New("dial tcp: i/o timeout")

	exhausted := policy.Decide(newTestJob(2), Failure(cause, true))
	require.Equal(t, DecisionGiveUp, exhausted.Kind)
	require.ErrorIs(t, exhausted.Reason, ErrRetryBudgetExhausted)
	require.ErrorIs(t, exhausted.Reason, cause)
	require.Contains(t, exhausted.Reason.Error(), "after 3 attempts")

	perm := Permanent(errors.New("malformed url"))
	permanent := policy.Decide(newTestJob(0), Failure(perm, false))
	require.Equal(t, DecisionGiveUp, permanent.Kind)
	require.NotErrorIs(t, permanent.Reason, ErrRetryBudgetExhausted)
	require.True(t, IsPermanent(permanent.Reason))
}

func TestPolicyAttemptNeverExceedsBudget(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	job := NewJob("job-loop", "https://example.com", 5, time.Millisecond)
	attempts := 0
	for {
		require.NoError(t, job.Validate())
		attempts++
		decision := policy.Decide(job, Failure(errors.New("flaky"), true))
		if decision.Kind != DecisionRequeue {
			require.Equal(t, DecisionGiveUp, decision.Kind)
			break
		}
		require.Equal(t, job.Attempt+1, decision.Next.Attempt)
		require.Less(t, decision.Next.Attempt, decision.Next.MaxAttempts)
		job = decision.Next
	}
	require.Equal(t, 5, attempts)
}

func TestFixedBackoffIsPure(t *testing.T) {
	t.Parallel()

	b := FixedBackoff{}
	for attempt := 0; attempt < 5; attempt++ {
		require.Equal(t, b.Delay(attempt, 5*time.Second), b.Delay(attempt, 5*time.Second))
		require.Equal(t, 5*time.Second, b.Delay(attempt, 5*time.Second))
	}
	require.Zero(t, b.Delay(0, -time.Second))
}

func TestExponentialBackoffMonotonic(t *testing.T) {
	t.Parallel()

	b := ExponentialBackoff{Multiplier: 2, Max: 10 * time.Second}
	require.Equal(t, time.Second, b.Delay(0, time.Second))
	require.Equal(t, 2*time.Second, b.Delay(1, time.Second))
	require.Equal(t, 4*time.Second, b.Delay(2, time.Second))

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := b.Delay(attempt, time.Second)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, 10*time.Second)
		prev = d
	}
}

func TestJitteredBackoffBounds(t *testing.T) {
	t.Parallel()

	b := NewJitteredBackoff(FixedBackoff{}, 0.5, 42)
	for i := 0; i < 100; i++ {
		d := b.Delay(i, 4*time.Second)
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 4*time.Second)
	}

	again := NewJitteredBackoff(FixedBackoff{}, 0.5, 42)
	other := NewJitteredBackoff(FixedBackoff{}, 0.5, 42)
	require.Equal(t, again.Delay(0, time.Second), other.Delay(0, time.Second))

	none := NewJitteredBackoff(FixedBackoff{}, 0, 1)
	require.Equal(t, time.Second, none.Delay(3, time.Second))
}

func TestPolicyUsesConfiguredBackoff(t *testing.T) {
	t.Parallel()

	policy := NewPolicy(ExponentialBackoff{Multiplier: 3})
	job := NewJob("job-exp", "https://example.com", 4, time.Second)
	job.Attempt = 1

	decision := policy.Decide(job, Failure(errors.New("503"), true))
	require.Equal(t, DecisionRequeue, decision.Kind)
	require.Equal(t, 3*time.Second, decision.Delay)
}
