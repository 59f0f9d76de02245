package workflow

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid", RetryPolicy{MaxAttempts: 3, BackoffMultiplier: 2}, false},
		{"zero max attempts", RetryPolicy{MaxAttempts: 0, BackoffMultiplier: 1}, true},
		{"max delay below initial", RetryPolicy{MaxAttempts: 2, InitialDelay: 20 * time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 1}, true},
		{"sub-unity multiplier", RetryPolicy{MaxAttempts: 2, BackoffMultiplier: 0.5}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.policy.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRetryPolicy_DelayForAttemptMonotonic(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 35 * time.Millisecond}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		got := p.delayForAttempt(i + 1)
		if got != w {
			t.Fatalf("delayForAttempt(%d) = %v, want %v (bounded by MaxDelay)", i+1, got, w)
		}
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	abortErr := errors.New("fatal")
	p := &RetryPolicy{
		MaxAttempts: 3,
		AbortOn:     func(err error) bool { return errors.Is(err, abortErr) },
	}

	if !p.shouldRetry(1, errors.New("transient")) {
		t.Fatal("expected retry on attempt 1 of 3 for a non-aborting error")
	}
	if p.shouldRetry(3, errors.New("transient")) {
		t.Fatal("expected no retry once attempt reaches MaxAttempts")
	}
	if p.shouldRetry(1, abortErr) {
		t.Fatal("expected AbortOn to override retry even on the first attempt")
	}
}

func TestRetryPolicy_RetryOnFiltersErrors(t *testing.T) {
	t.Parallel()

	retryable := errors.New("retryable")
	p := &RetryPolicy{
		MaxAttempts: 5,
		RetryOn:     func(err error) bool { return errors.Is(err, retryable) },
	}
	if !p.shouldRetry(1, retryable) {
		t.Fatal("expected retry for an error RetryOn accepts")
	}
	if p.shouldRetry(1, errors.New("something else")) {
		t.Fatal("expected no retry for an error RetryOn rejects")
	}
}
