package workflow

import (
	"sync"
	"time"
)

// breakerState is the internal circuit state machine: closed -> open ->
// half-open -> closed (or back to open on a failed probe).
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreakerConfig configures a per-step circuit breaker. A nil
// *CircuitBreakerConfig on a StepNode disables the breaker for that step.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before allowing a
	// single half-open probe through.
	OpenDuration time.Duration
}

// Validate checks the configuration is usable.
func (c *CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return ErrInvalidRetryPolicy
	}
	if c.OpenDuration <= 0 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// CircuitBreaker counts consecutive step failures and short-circuits further
// invocations once FailureThreshold is reached, the same way a network
// client backs off from a dependency that is already down instead of
// queueing more failures against it.
//
// One CircuitBreaker guards exactly one step; the engine keeps a registry of
// them keyed by stepID (see breakerRegistry).
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	stepID  string
	metrics *Metrics

	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	openedAt         time.Time
}

// NewCircuitBreaker creates a closed breaker with the given configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: breakerClosed}
}

// bindMetrics attaches the stepID/Metrics pair a breaker reports its state
// transitions under. Called once by breakerRegistry.get when a breaker is
// created; a breaker built directly via NewCircuitBreaker (e.g. in tests)
// stays unbound and simply records no metrics.
func (b *CircuitBreaker) bindMetrics(stepID string, m *Metrics) {
	b.stepID = stepID
	b.metrics = m
}

// recordTransition reports a state transition to the bound Metrics, if any.
func (b *CircuitBreaker) recordTransition(toState string) {
	if b.metrics != nil {
		b.metrics.RecordBreakerTransition(b.stepID, toState)
	}
}

// Allow reports whether a call should proceed. It transitions open -> half
// -open once OpenDuration has elapsed, admitting exactly one probe call.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		// A probe is already in flight; refuse concurrent probes.
		return false
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = breakerHalfOpen
			b.recordTransition("half_open")
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasClosed := b.state == breakerClosed
	b.state = breakerClosed
	b.consecutiveFails = 0
	if !wasClosed {
		b.recordTransition("closed")
	}
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker open once FailureThreshold is reached. A failed half-open probe
// reopens the breaker immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.recordTransition("open")
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.cfg.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.recordTransition("open")
	}
}

// State exposes the current state for observability/tests.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breakerRegistry lazily creates and caches one CircuitBreaker per step.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{breakers: make(map[string]*CircuitBreaker)}
}

func (r *breakerRegistry) get(stepID string, cfg *CircuitBreakerConfig, metrics *Metrics) *CircuitBreaker {
	if cfg == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[stepID]; ok {
		return b
	}
	b := NewCircuitBreaker(*cfg)
	b.bindMetrics(stepID, metrics)
	r.breakers[stepID] = b
	return b
}
