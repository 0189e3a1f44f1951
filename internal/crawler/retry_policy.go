package crawler

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy implements RetryPolicy using the job's own budget and base delay.
type Policy struct {
	backoff Backoff
}

// NewPolicy builds a policy around backoff. A nil backoff means FixedBackoff.
func NewPolicy(backoff Backoff) *Policy {
	if backoff == nil {
		backoff = FixedBackoff{}
	}
	return &Policy{backoff: backoff}
}

// DefaultPolicy retries with a fixed delay, matching the historical task settings.
func DefaultPolicy() *Policy {
	return NewPolicy(FixedBackoff{})
}

// Decide maps an outcome to Complete, Requeue or GiveUp.
func (p *Policy) Decide(job Job, outcome Outcome) Decision {
	if outcome.Kind == OutcomeSuccess {
		return Complete(outcome.Result)
	}
	if !outcome.Retryable {
		return GiveUp(outcome.Cause)
	}
	attempts := job.Attempt + 1
	if attempts >= job.MaxAttempts {
		return GiveUp(&RetryBudgetExhaustedError{Attempts: attempts, Cause: outcome.Cause})
	}
	return Requeue(p.backoff.Delay(job.Attempt, job.BaseDelay), job.Next())
}

// Backoff exposes the configured strategy.
func (p *Policy) Backoff() Backoff {
	return p.backoff
}

// FixedBackoff waits base between every attempt.
type FixedBackoff struct{}

// Delay returns base.
func (FixedBackoff) Delay(_ int, base time.Duration) time.Duration {
	if base < 0 {
		return 0
	}
	return base
}

// ExponentialBackoff multiplies base by Multiplier^attempt, capped at Max.
type ExponentialBackoff struct {
	Multiplier float64
	Max        time.Duration
}

// Delay returns base*Multiplier^attempt bounded by Max (when set).
func (b ExponentialBackoff) Delay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := float64(base) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// JitteredBackoff shaves a random fraction off the inner delay so the result
// stays within [d*(1-Fraction), d].
type JitteredBackoff struct {
	Inner    Backoff
	Fraction float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewJitteredBackoff wraps inner. seed makes the sequence reproducible.
func NewJitteredBackoff(inner Backoff, fraction float64, seed int64) *JitteredBackoff {
	if inner == nil {
		inner = FixedBackoff{}
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return &JitteredBackoff{
		Inner:    inner,
		Fraction: fraction,
		rnd:      rand.New(rand.NewSource(seed)), //nolint:gosec // jitter does not need crypto randomness
	}
}

// Delay returns the jittered inner delay.
func (b *JitteredBackoff) Delay(attempt int, base time.Duration) time.Duration {
	d := b.Inner.Delay(attempt, base)
	if d <= 0 || b.Fraction == 0 {
		return d
	}
	b.mu.Lock()
	r := b.rnd.Float64()
	b.mu.Unlock()
	return d - time.Duration(float64(d)*b.Fraction*r)
}
