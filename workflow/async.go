package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncFuture lets a step hand the async manager an already-started
// operation (e.g. a call already in flight to an external service) instead
// of a handler to invoke. Pass one as an Async result's taskArgs, or store
// one under KeyAsyncFuture in a map[string]any taskArgs, and the manager
// awaits it instead of calling
// StepNode.Async. The manager never exposes the underlying concurrency
// primitive across this boundary; AsyncFuture is the only contract a step
// author needs to satisfy.
type AsyncFuture interface {
	Await(ctx context.Context) (any, error)
}

// asyncCompletion is handed back to the engine once a task finishes,
// whatever its outcome.
type asyncCompletion struct {
	instanceID string
	stepID     string
	taskID     string
	result     StepResult
}

// AsyncTaskManager runs async steps (C5) on a bounded worker pool, tracks
// their progress via a ProgressTracker, persists AsyncStepState transitions,
// and normalizes handler returns into a StepResult the engine resumes with.
type AsyncTaskManager struct {
	repo    AsyncStateRepository
	tracker *ProgressTracker
	emitter Emitter
	metrics *Metrics

	frontier *frontier
	workers  int

	activeAsync atomic.Int64

	onComplete func(asyncCompletion)

	mu        sync.Mutex
	cancelled map[string]bool                      // instanceID -> true once cancelled
	inflight  map[string]map[string]context.CancelFunc // instanceID -> taskID -> cancel

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

// NewAsyncTaskManager creates a manager with the given worker pool size and
// bounded queue capacity. onComplete is called once per submitted task that
// finishes while its instance is not cancelled (a completion for a cancelled
// instance is dropped), from a worker goroutine, with the StepResult the
// engine should resume the instance with (a plain return value is left for
// the engine to normalize); it must not block. metrics may be nil, in
// which case the manager records nothing.
func NewAsyncTaskManager(repo AsyncStateRepository, tracker *ProgressTracker, emitter Emitter, workers, queueCapacity int, onComplete func(asyncCompletion), metrics *Metrics) *AsyncTaskManager {
	if workers <= 0 {
		workers = 4
	}
	if emitter == nil {
		emitter = NullEmitter{}
	}
	m := &AsyncTaskManager{
		repo:       repo,
		tracker:    tracker,
		emitter:    emitter,
		metrics:    metrics,
		frontier:   newFrontier(queueCapacity, metrics),
		workers:    workers,
		onComplete: onComplete,
		cancelled:  make(map[string]bool),
		inflight:   make(map[string]map[string]context.CancelFunc),
		shutdownCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.runWorker()
	}
	return m
}

func (m *AsyncTaskManager) runWorker() {
	defer m.wg.Done()
	for {
		item, err := m.frontier.Dequeue(contextOrShutdown(m.shutdownCh))
		if err != nil {
			return
		}
		item.run(context.Background())
	}
}

// contextOrShutdown returns a context that is cancelled when shutdownCh
// closes, so workers drain cleanly on Shutdown without needing their own
// context plumbed from callers (the manager outlives any single Submit's
// caller context).
func contextOrShutdown(shutdownCh chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdownCh
		cancel()
	}()
	return ctx
}

// Submit handles an Async step result: it persists the initial
// AsyncStepState, creates a progress reporter, and schedules the handler (or
// awaits a pre-supplied AsyncFuture) on the worker pool.
func (m *AsyncTaskManager) Submit(ctx context.Context, instanceID, stepID string, sr StepResult, node *StepNode, wc *WorkflowContext) error {
	state := AsyncStepState{
		TaskID:             sr.TaskID,
		WorkflowInstanceID: instanceID,
		StepID:             stepID,
		State:              AsyncStarted,
		ImmediateData:      sr.ImmediateData,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if err := m.repo.SaveAsyncState(ctx, state); err != nil {
		return newEngineError(CodePersistenceError, "failed to persist async state", err)
	}
	m.tracker.TrackExecution(sr.TaskID, Progress{Status: AsyncStarted})
	m.emitter.Emit(Event{InstanceID: instanceID, StepID: stepID, Msg: "async_started", Meta: map[string]any{"taskId": sr.TaskID}})

	reporter := m.tracker.CreateReporter(sr.TaskID)

	taskCtx, cancel := context.WithCancel(context.Background())
	durationMs := sr.EstimatedDurationMs
	if durationMs <= 0 && node != nil {
		durationMs = node.EstimatedDurationMs
	}
	if durationMs > 0 {
		var timeoutCancel context.CancelFunc
		taskCtx, timeoutCancel = context.WithTimeout(taskCtx, time.Duration(durationMs)*time.Millisecond)
		_ = timeoutCancel // taskCtx.Done() covers both cancel and timeout; no separate cleanup needed
	}
	m.registerInflight(instanceID, sr.TaskID, cancel)

	run := func(context.Context) {
		defer cancel()
		defer m.unregisterInflight(instanceID, sr.TaskID)

		m.beginActive()
		defer m.endActive()

		result, err := m.invoke(taskCtx, node, wc, sr, reporter)
		m.finish(ctx, instanceID, stepID, sr.TaskID, result, err)
	}

	item := asyncWorkItem{taskID: sr.TaskID, orderKey: computeOrderKey(instanceID, len(stepID)), run: run}
	return m.frontier.Enqueue(ctx, item)
}

// beginActive/endActive track the number of async tasks currently executing
// on a worker (as opposed to merely queued in the frontier) and publish the
// count to Metrics.UpdateActiveAsync, if metrics are configured.
func (m *AsyncTaskManager) beginActive() {
	n := m.activeAsync.Add(1)
	if m.metrics != nil {
		m.metrics.UpdateActiveAsync(int(n))
	}
}

func (m *AsyncTaskManager) endActive() {
	n := m.activeAsync.Add(-1)
	if m.metrics != nil {
		m.metrics.UpdateActiveAsync(int(n))
	}
}

func (m *AsyncTaskManager) invoke(ctx context.Context, node *StepNode, wc *WorkflowContext, sr StepResult, reporter *ProgressReporter) (any, error) {
	if future, ok := sr.TaskArgs.(AsyncFuture); ok {
		return future.Await(ctx)
	}
	if args, ok := sr.TaskArgs.(map[string]any); ok {
		if future, ok := args[KeyAsyncFuture].(AsyncFuture); ok {
			return future.Await(ctx)
		}
	}
	if wrapped, ok := GetContextValue[AsyncFuture](wc, KeyAsyncFuture); ok {
		return wrapped.Await(ctx)
	}
	if node.Async == nil {
		return nil, newEngineError(CodeHandlerError, "step has no async handler", nil)
	}
	return runAsyncHandlerSafely(ctx, node.Async, wc, sr.TaskArgs, reporter)
}

// runAsyncHandlerSafely recovers a panicking handler the same way the
// synchronous invocation path does, so a bug in one task never crashes a
// shared worker goroutine.
func runAsyncHandlerSafely(ctx context.Context, h AsyncHandler, wc *WorkflowContext, taskArgs any, reporter *ProgressReporter) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StepError{Code: CodeStepPanic, Cause: panicToErr(r)}
		}
	}()
	return h(ctx, wc, taskArgs, reporter)
}

func (m *AsyncTaskManager) finish(ctx context.Context, instanceID, stepID, taskID string, value any, err error) {
	m.mu.Lock()
	cancelledInstance := m.cancelled[instanceID]
	m.mu.Unlock()
	if cancelledInstance {
		// Cancel wins races with completion (§5): drop this event entirely.
		return
	}

	var sr StepResult
	var asyncStatus AsyncStatus
	if err != nil {
		asyncStatus = AsyncFailed
		if isTimeoutErr(err) {
			sr = Fail(newEngineError(CodeAsyncTimeout, "async step exceeded estimated duration", err))
		} else {
			sr = Fail(err)
		}
		m.tracker.update(taskID, 100, err.Error(), AsyncFailed)
		m.emitter.Emit(Event{InstanceID: instanceID, StepID: stepID, Msg: "async_failed", Meta: map[string]any{"taskId": taskID, "error": err.Error()}})
	} else {
		asyncStatus = AsyncCompleted
		// Normalization rule (§4.5): a plain value becomes Continue when the
		// step has outgoing edges, Finish otherwise. The manager does not
		// know about edges, so it tags a plain (non-StepResult) value with
		// kindAsyncPlainValue and the engine, which holds the graph, finishes
		// normalization via normalizeAsyncReturn.
		if asResult, ok := value.(StepResult); ok {
			sr = asResult
		} else {
			sr = StepResult{Kind: kindAsyncPlainValue, Data: value}
		}
		m.tracker.update(taskID, 100, "completed", AsyncCompleted)
		m.emitter.Emit(Event{InstanceID: instanceID, StepID: stepID, Msg: "async_completed", Meta: map[string]any{"taskId": taskID}})
	}

	state := AsyncStepState{
		TaskID:             taskID,
		WorkflowInstanceID: instanceID,
		StepID:             stepID,
		State:              asyncStatus,
		UpdatedAt:          time.Now(),
	}
	if err != nil {
		state.ErrorSnapshot = err.Error()
	} else {
		state.ResultSnapshot = value
	}
	_ = m.repo.SaveAsyncState(context.Background(), state) // best-effort; completion still reaches the engine on failure

	if m.onComplete != nil {
		m.onComplete(asyncCompletion{instanceID: instanceID, stepID: stepID, taskID: taskID, result: sr})
	}
}

// kindAsyncPlainValue is an internal pseudo-kind: finish uses it to flag a
// plain async return value that has not been normalized yet, so the engine
// runs normalizeAsyncReturn on it once it has hasEdges available.
const kindAsyncPlainValue Kind = -1

func isTimeoutErr(err error) bool {
	type deadlineExceeded interface{ Timeout() bool }
	if de, ok := err.(deadlineExceeded); ok {
		return de.Timeout()
	}
	return err == context.DeadlineExceeded
}

func (m *AsyncTaskManager) registerInflight(instanceID, taskID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[instanceID] == nil {
		m.inflight[instanceID] = make(map[string]context.CancelFunc)
	}
	m.inflight[instanceID][taskID] = cancel
}

func (m *AsyncTaskManager) unregisterInflight(instanceID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tasks, ok := m.inflight[instanceID]; ok {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(m.inflight, instanceID)
		}
	}
}

// Cancel cancels every in-flight future for instanceID and marks it so any
// completion racing in afterward is dropped, implementing "cancel wins"
// (§5 Ordering guarantees).
func (m *AsyncTaskManager) Cancel(instanceID string) {
	m.mu.Lock()
	m.cancelled[instanceID] = true
	tasks := m.inflight[instanceID]
	delete(m.inflight, instanceID)
	m.mu.Unlock()

	for _, cancel := range tasks {
		cancel()
	}
}

// Shutdown stops accepting new work and waits for in-flight workers to drain.
func (m *AsyncTaskManager) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
	m.wg.Wait()
}
