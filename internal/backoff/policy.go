package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Policy sets the pacing parameters applied after rate limits and
// transient launch failures.
type Policy struct {
	// RateLimitBase is the first exponential delay after a rate limit.
	RateLimitBase time.Duration

	// RateLimitCap bounds the exponential delay.
	RateLimitCap time.Duration

	// ErrorStep is the linear increment per consecutive error.
	ErrorStep time.Duration

	// ErrorCap bounds the linear error delay.
	ErrorCap time.Duration

	// MaxRetries is the consecutive-error budget before the tracker
	// reports exhaustion (0 = unlimited).
	MaxRetries int
}

// DefaultPolicy returns the pacing defaults: 1s doubling to 60s for
// rate limits, 30s steps to 5m for errors, three error retries.
func DefaultPolicy() *Policy {
	return &Policy{
		RateLimitBase: time.Second,
		RateLimitCap:  60 * time.Second,
		ErrorStep:     30 * time.Second,
		ErrorCap:      5 * time.Minute,
		MaxRetries:    3,
	}
}

// maxExponent saturates the doubling so attempt counts past it all
// produce the capped delay.
const maxExponent = 10

// Tracker keeps independent rate-limit and error counters for one
// worker role. A successful completion resets both.
type Tracker struct {
	policy *Policy

	mu                sync.Mutex
	rateLimitAttempts int
	errorAttempts     int
	rng               *rand.Rand
}

// NewTracker creates a Tracker with the given policy, falling back to
// DefaultPolicy when nil.
func NewTracker(policy *Policy) *Tracker {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Tracker{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RateLimitDelay records a rate-limited launch and returns how long to
// wait before relaunching the role. A provider hint takes precedence
// over the computed exponential delay.
func (t *Tracker) RateLimitDelay(hint *Hint) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempt := t.rateLimitAttempts
	t.rateLimitAttempts++

	if hint != nil && hint.Delay > 0 {
		return clampDelay(hint.Delay)
	}
	return t.exponential(attempt)
}

// exponential computes min(base * 2^attempt, cap) with ±10% jitter.
func (t *Tracker) exponential(attempt int) time.Duration {
	if attempt > maxExponent {
		attempt = maxExponent
	}
	delay := t.policy.RateLimitBase << uint(attempt)
	if delay <= 0 || delay > t.policy.RateLimitCap {
		delay = t.policy.RateLimitCap
	}
	jitter := time.Duration(t.rng.Int63n(int64(delay)/5+1)) - delay/10
	return delay + jitter
}

// ErrorDelay records a failed launch and returns the linear delay
// min(step * attempts, cap).
func (t *Tracker) ErrorDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errorAttempts++
	delay := time.Duration(t.errorAttempts) * t.policy.ErrorStep
	if delay > t.policy.ErrorCap {
		delay = t.policy.ErrorCap
	}
	return delay
}

// Exhausted reports whether consecutive errors have used up the retry
// budget.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.MaxRetries > 0 && t.errorAttempts >= t.policy.MaxRetries
}

// Success resets both counters after a clean completion.
func (t *Tracker) Success() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rateLimitAttempts = 0
	t.errorAttempts = 0
}

// ResetErrors clears the consecutive-error counter without touching the
// rate-limit counter. Called after an exhausted budget has been
// reported so the role can start a fresh cycle on other work.
func (t *Tracker) ResetErrors() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorAttempts = 0
}

// RateLimitAttempts returns the current rate-limit counter.
func (t *Tracker) RateLimitAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rateLimitAttempts
}

// ErrorAttempts returns the current consecutive-error counter.
func (t *Tracker) ErrorAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorAttempts
}
