package workflow

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate when the
// configured bounds are inconsistent.
var ErrInvalidRetryPolicy = errors.New("workflow: invalid retry policy")

// RetryPolicy governs how many times, and with what backoff, a failed step
// is re-invoked before its failure is promoted to an instance-level failure.
//
// RetryOn and AbortOn classify errors by a caller-supplied predicate rather
// than by type assertion lists, since step errors are arbitrary application
// errors the engine does not otherwise understand.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration

	// RetryOn, if non-nil, must return true for an error to be retried. A nil
	// RetryOn retries every error not matched by AbortOn.
	RetryOn func(error) bool

	// AbortOn, if non-nil and it returns true, promotes the failure
	// immediately regardless of attempt count or RetryOn.
	AbortOn func(error) bool
}

// Validate checks the policy's bounds are internally consistent.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay {
		return ErrInvalidRetryPolicy
	}
	if p.BackoffMultiplier < 1 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// shouldRetry decides, for a given attempt (1-indexed) and error, whether
// the engine should re-invoke the step.
func (p *RetryPolicy) shouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.AbortOn != nil && p.AbortOn(err) {
		return false
	}
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return true
}

// delayForAttempt implements the retry-monotonicity invariant (§8.6). Its
// argument is the 1-indexed attempt that just failed, so the sleep after
// attempt k (before attempt k+1) is min(initialDelay * multiplier^(k-1),
// maxDelay).
// Unlike the teacher's computeBackoff, no jitter is added — the spec's
// scenario D requires the exact sleep sequence [10ms, 20ms], which jitter
// would violate.
func (p *RetryPolicy) delayForAttempt(attempt int) time.Duration {
	if attempt <= 1 {
		return boundDelay(p.InitialDelay, p.MaxDelay)
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffMultiplier
	}
	return boundDelay(time.Duration(delay), p.MaxDelay)
}

func boundDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// RetryContext describes a step invocation's place in its retry sequence. The
// engine stores one under KeyRetryContext (context.go) before every Handler call,
// including the first attempt, so a handler can adapt its behavior (e.g. log
// more aggressively, switch strategy) without threading its own counter.
type RetryContext struct {
	StepID             string
	AttemptNumber      int
	MaxAttempts        int
	PreviousErrors     []error
	FirstAttemptTime   time.Time
	CurrentAttemptTime time.Time
}

// jitteredDelay is available for callers who want the teacher's
// backoff-with-jitter behavior (e.g. to desynchronize a thundering herd of
// instances retrying the same flaky external dependency) without changing
// the default deterministic schedule the testable properties rely on.
func jitteredDelay(base time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if rng == nil {
		return base
	}
	return base + time.Duration(rng.Int63n(int64(base)))
}
