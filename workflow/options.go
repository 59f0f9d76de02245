package workflow

import "time"

// Option is a functional option for configuring an Engine, in the same
// style as the teacher engine's Option type: chainable, self-documenting,
// and applied in call order so a later option overrides an earlier one.
//
//	engine, err := workflow.NewEngine(
//	    workflow.WithWorkerPoolSize(16),
//	    workflow.WithAsyncQueueCapacity(2048),
//	    workflow.WithDefaultStepTimeout(10*time.Second),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	coreWorkers      int
	asyncQueueCap    int
	defaultStepTimeout time.Duration
	instanceRepo     InstanceRepository
	asyncRepo        AsyncStateRepository
	progressTracker  *ProgressTracker
	emitter          Emitter
	metrics          *Metrics
	defaultRetry     *RetryPolicy
}

func defaultEngineConfig() *engineConfig {
	return &engineConfig{
		coreWorkers:        4,
		asyncQueueCap:      1024,
		defaultStepTimeout: 30 * time.Second,
		emitter:            NullEmitter{},
	}
}

// WithWorkerPoolSize sets the number of workers draining the async task
// manager's frontier. Default: 4.
func WithWorkerPoolSize(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return ErrInvalidOption
		}
		cfg.coreWorkers = n
		return nil
	}
}

// WithAsyncQueueCapacity bounds the number of async tasks that may be
// queued before Submit blocks, providing the backpressure called for in
// the async task manager's design. Default: 1024.
func WithAsyncQueueCapacity(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return ErrInvalidOption
		}
		cfg.asyncQueueCap = n
		return nil
	}
}

// WithDefaultStepTimeout sets the engine-wide timeout applied to every
// synchronous Handler invocation; StepNode has no per-step timeout field.
// Default: 30s. Zero disables it (handlers run unbounded).
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.defaultStepTimeout = d
		return nil
	}
}

// WithInstanceRepository plugs in the durable store for WorkflowInstance
// state (C7). Optional: without it NewEngine uses an in-memory store that
// is durable only for the process lifetime.
func WithInstanceRepository(repo InstanceRepository) Option {
	return func(cfg *engineConfig) error {
		if repo == nil {
			return ErrInvalidOption
		}
		cfg.instanceRepo = repo
		return nil
	}
}

// WithAsyncStateRepository plugs in the durable store for AsyncStepState.
func WithAsyncStateRepository(repo AsyncStateRepository) Option {
	return func(cfg *engineConfig) error {
		if repo == nil {
			return ErrInvalidOption
		}
		cfg.asyncRepo = repo
		return nil
	}
}

// WithProgressTracker overrides the default ProgressTracker, letting callers
// share one tracker across multiple engines or wire a custom implementation.
func WithProgressTracker(t *ProgressTracker) Option {
	return func(cfg *engineConfig) error {
		if t == nil {
			return ErrInvalidOption
		}
		cfg.progressTracker = t
		return nil
	}
}

// WithEmitter sets the observability sink for step/routing/retry events.
// Default: NullEmitter (events are discarded).
func WithEmitter(e Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return ErrInvalidOption
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection. If unset, metrics are
// not collected.
func WithMetrics(m *Metrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithDefaultRetryPolicy sets the retry policy applied to steps that do not
// declare their own RetryPolicy. If unset, a failed step is never retried
// and its failure is immediately promoted to an instance-level failure.
func WithDefaultRetryPolicy(p RetryPolicy) Option {
	return func(cfg *engineConfig) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.defaultRetry = &p
		return nil
	}
}
