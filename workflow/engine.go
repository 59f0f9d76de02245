package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Engine is the durable workflow orchestrator (C8): it drives a
// WorkflowInstance through a WorkflowGraph one step at a time, persisting
// state between transitions, retrying and circuit-breaking failed steps,
// handing Async results to the AsyncTaskManager, and suspending/resuming on
// external input. One Engine can run many registered graphs and many
// concurrently-executing instances.
type Engine struct {
	cfg *engineConfig

	mu     sync.RWMutex
	graphs map[string]*WorkflowGraph // "workflowID@version"
	latest map[string]int            // workflowID -> highest registered version

	breakers  *breakerRegistry
	locks     *instanceLockRegistry
	asyncMgr  *AsyncTaskManager
	instances InstanceRepository
	asyncRepo AsyncStateRepository
	progress  *ProgressTracker
	emitter   Emitter
	metrics   *Metrics

	inflightSteps atomic.Int64
}

// NewEngine creates an Engine. Without WithInstanceRepository/
// WithAsyncStateRepository options, it defaults to this package's in-memory
// repositories (memory_store.go), which are durable only for the process
// lifetime.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.progressTracker == nil {
		cfg.progressTracker = NewProgressTracker()
	}
	cfg.progressTracker.bindMetrics(cfg.metrics)
	if cfg.instanceRepo == nil {
		cfg.instanceRepo = newMemoryInstanceRepository()
	}
	if cfg.asyncRepo == nil {
		cfg.asyncRepo = newMemoryAsyncStateRepository()
	}

	e := &Engine{
		cfg:       cfg,
		graphs:    make(map[string]*WorkflowGraph),
		latest:    make(map[string]int),
		breakers:  newBreakerRegistry(),
		locks:     newInstanceLockRegistry(),
		instances: cfg.instanceRepo,
		asyncRepo: cfg.asyncRepo,
		progress:  cfg.progressTracker,
		emitter:   cfg.emitter,
		metrics:   cfg.metrics,
	}
	e.asyncMgr = NewAsyncTaskManager(e.asyncRepo, e.progress, e.emitter, cfg.coreWorkers, cfg.asyncQueueCap, e.onAsyncComplete, cfg.metrics)
	return e, nil
}

// RegisterGraph makes g available to Execute/Resume under its WorkflowID,
// tracked alongside any earlier versions so a suspended instance created
// against an older version can still resolve its graph on Resume.
func (e *Engine) RegisterGraph(g *WorkflowGraph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := graphKey(g.WorkflowID(), g.Version())
	e.graphs[key] = g
	if g.Version() > e.latest[g.WorkflowID()] {
		e.latest[g.WorkflowID()] = g.Version()
	}
}

func graphKey(workflowID string, version int) string {
	return fmt.Sprintf("%s@%d", workflowID, version)
}

func (e *Engine) graphFor(workflowID string, version int) (*WorkflowGraph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[graphKey(workflowID, version)]
	return g, ok
}

func (e *Engine) latestVersion(workflowID string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.latest[workflowID]
	return v, ok
}

// Execute starts a new instance of the latest registered version of
// workflowID with triggerInput as the initial step's input.
func (e *Engine) Execute(ctx context.Context, workflowID string, triggerInput any) (*WorkflowInstance, error) {
	version, ok := e.latestVersion(workflowID)
	if !ok {
		return nil, newEngineError(CodeInstanceNotFound, "no graph registered for workflow "+workflowID, nil)
	}
	graph, _ := e.graphFor(workflowID, version)

	now := time.Now()
	instance := &WorkflowInstance{
		InstanceID:    uuid.New().String(),
		WorkflowID:    workflowID,
		Version:       version,
		Status:        StatusRunning,
		CurrentStepID: graph.GetInitialStepID(),
		Context:       NewWorkflowContext(triggerInput),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	lock := e.locks.lockFor(instance.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	e.runLoop(ctx, instance, graph, triggerInput, false)
	return instance, e.persist(ctx, instance)
}

// Resume delivers resumeInput to a SUSPENDED instance, re-invoking the
// suspended step's Handler with its original input and ResumeInput() set to
// resumeInput, then continuing the graph from whatever StepResult it
// returns this time.
func (e *Engine) Resume(ctx context.Context, instanceID string, resumeInput any) (*WorkflowInstance, error) {
	lock := e.locks.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	instance, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.Status != StatusSuspended {
		return nil, newEngineError(CodeNotSuspended, "instance "+instanceID+" is not suspended", nil)
	}
	susp := instance.Suspension
	if susp.NextInputClass != nil && resumeInput != nil {
		if !reflect.TypeOf(resumeInput).AssignableTo(susp.NextInputClass) {
			return nil, newEngineError(CodeResumeTypeError, "resume input is not assignable to the expected type", nil)
		}
	}

	graph, ok := e.graphFor(instance.WorkflowID, instance.Version)
	if !ok {
		instance.Status = StatusFailed
		instance.ErrorInfo = &ErrorInfo{Code: CodeResumeStepNotFound, Message: "graph version no longer registered", StepID: instance.CurrentStepID}
		return instance, e.persist(ctx, instance)
	}
	if _, ok := graph.Node(susp.SuspendedStepID); !ok {
		instance.Status = StatusFailed
		instance.ErrorInfo = &ErrorInfo{Code: CodeResumeStepNotFound, Message: "suspended step no longer exists in graph", StepID: susp.SuspendedStepID}
		return instance, e.persist(ctx, instance)
	}

	instance.Context.setValue(KeyResumeInput, resumeInput)
	instance.Status = StatusRunning
	instance.Suspension = nil
	instance.CurrentStepID = susp.SuspendedStepID
	if e.metrics != nil {
		e.metrics.IncrementResume(susp.SuspendedStepID)
	}

	e.runLoop(ctx, instance, graph, susp.OriginalStepInput, true)
	return instance, e.persist(ctx, instance)
}

// GetStatus returns the current status of instanceID.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (Status, error) {
	instance, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	return instance.Status, nil
}

// GetCurrentResult returns the instance's FINAL_RESULT value once completed.
func (e *Engine) GetCurrentResult(ctx context.Context, instanceID string) (any, bool, error) {
	instance, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return nil, false, err
	}
	if instance.Status != StatusCompleted {
		return nil, false, nil
	}
	v, ok := instance.Context.FinalResult()
	return v, ok, nil
}

// Cancel moves instanceID to CANCELLED and cancels any in-flight async tasks
// for it. Returns false if the instance is already terminal.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (bool, error) {
	lock := e.locks.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	instance, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if instance.Status.Terminal() {
		return false, nil
	}
	e.asyncMgr.Cancel(instanceID)
	instance.Status = StatusCancelled
	return true, e.persist(ctx, instance)
}

// Checkpoint saves a named, addressable snapshot of instanceID's current
// state (the named-checkpoint supplement, §12).
func (e *Engine) Checkpoint(ctx context.Context, instanceID, label string) error {
	instance, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	return e.instances.SaveCheckpoint(ctx, label, instance)
}

// ResumeFromLabel restores the instance snapshotted under label and resumes
// it exactly like Resume, using the snapshot instead of the instance's live
// (possibly since-advanced) state.
func (e *Engine) ResumeFromLabel(ctx context.Context, label string, resumeInput any) (*WorkflowInstance, error) {
	snapshot, err := e.instances.LoadCheckpoint(ctx, label)
	if err != nil {
		return nil, err
	}
	if live, err := e.instances.Load(ctx, snapshot.InstanceID); err == nil {
		// Restore over the live record even if it has advanced since the
		// checkpoint, rather than being rejected as a stale write.
		snapshot.SetRecVersion(live.RecVersion())
	}
	if err := e.instances.Save(ctx, snapshot); err != nil {
		return nil, err
	}
	return e.Resume(ctx, snapshot.InstanceID, resumeInput)
}

func (e *Engine) persist(ctx context.Context, instance *WorkflowInstance) error {
	instance.UpdatedAt = time.Now()
	if err := e.instances.Save(ctx, instance); err != nil {
		return newEngineError(CodePersistenceError, "failed to persist instance", err)
	}
	return nil
}

// runLoop drives instance through graph starting with stepInput as the
// input to instance.CurrentStepID, stopping as soon as the instance reaches
// a non-Continue/Branch outcome (Suspend, Async, Finish, Fail) or a step
// routes nowhere.
//
// clearResumeAfterFirstStep is set by Resume to consume KeyResumeInput once
// the re-entered suspended step has been invoked, so a handler downstream of
// it never observes a stale resume payload that wasn't meant for it
// (context.go's ResumeInput contract: "a step that never suspended ... gets
// ok=false").
func (e *Engine) runLoop(ctx context.Context, instance *WorkflowInstance, graph *WorkflowGraph, stepInput any, clearResumeAfterFirstStep bool) {
	currentInput := stepInput
	pendingResumeClear := clearResumeAfterFirstStep
	for {
		select {
		case <-ctx.Done():
			instance.Status = StatusFailed
			instance.ErrorInfo = &ErrorInfo{Code: CodeCancelled, Message: ctx.Err().Error(), StepID: instance.CurrentStepID}
			return
		default:
		}

		stepID := instance.CurrentStepID
		node, ok := graph.Node(stepID)
		if !ok {
			instance.Status = StatusFailed
			instance.ErrorInfo = &ErrorInfo{Code: CodeRoutingError, Message: "step not found: " + stepID, StepID: stepID}
			return
		}

		sr, done := e.invokeStep(ctx, instance, graph, node, currentInput)
		if pendingResumeClear {
			instance.Context.clearResumeInput()
			pendingResumeClear = false
		}
		if !done {
			return // suspended, handed to async, or ctx cancelled mid-retry
		}

		next, advance := e.applyResult(ctx, instance, graph, node, sr)
		if !advance {
			return // terminal: finished, failed, or suspended
		}
		instance.CurrentStepID = next.stepID
		currentInput = next.input
		if err := e.persist(ctx, instance); err != nil {
			instance.Status = StatusFailed
			instance.ErrorInfo = &ErrorInfo{Code: CodePersistenceError, Message: err.Error(), StepID: stepID}
			return
		}
	}
}

// invokeStep runs node's Handler under the retry policy and circuit breaker
// that apply to it, returning the resulting StepResult and whether the loop
// should keep advancing (false means the instance already reached a
// terminal/suspended/async state and runLoop should stop).
func (e *Engine) invokeStep(ctx context.Context, instance *WorkflowInstance, graph *WorkflowGraph, node *StepNode, input any) (StepResult, bool) {
	policy := node.RetryPolicy
	if policy == nil {
		policy = e.cfg.defaultRetry
	}
	breaker := e.breakers.get(node.ID, node.CircuitBreaker, e.metrics)

	maxAttempts := 1
	if policy != nil {
		maxAttempts = policy.MaxAttempts
	}
	firstAttemptTime := time.Now()
	var previousErrors []error

	attempt := 0
	for {
		attempt++

		if breaker != nil && !breaker.Allow() {
			instance.Status = StatusFailed
			instance.ErrorInfo = &ErrorInfo{Code: CodeCircuitOpen, Message: "circuit open for step " + node.ID, StepID: node.ID}
			return StepResult{}, false
		}

		e.emitter.Emit(Event{InstanceID: instance.InstanceID, StepID: node.ID, Msg: "step_start"})
		start := time.Now()

		instance.Context.setValue(KeyRetryContext, &RetryContext{
			StepID:             node.ID,
			AttemptNumber:      attempt,
			MaxAttempts:        maxAttempts,
			PreviousErrors:     previousErrors,
			FirstAttemptTime:   firstAttemptTime,
			CurrentAttemptTime: start,
		})

		timeout := getStepTimeout(0, e.cfg.defaultStepTimeout)
		var sr StepResult
		var timeoutErr error
		if node.Handler != nil {
			e.beginInflightStep()
			sr, timeoutErr = invokeWithTimeout(ctx, node.ID, timeout, node.Handler, instance.Context, input)
			e.endInflightStep()
		} else {
			// A step with only an Async handler is entered directly as async
			// work with no synchronous phase.
			sr = Async(node.ID+"-"+instance.InstanceID, nil, input, node.EstimatedDurationMs)
		}

		if sr.Kind != KindFail && timeoutErr == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			e.metrics.recordLatency(instance.InstanceID, node.ID, time.Since(start), "success")
			return sr, true
		}

		// Failure path: a timeout is reported as a Fail too so retry/breaker
		// logic treats it uniformly.
		failErr := sr.Err
		if timeoutErr != nil {
			failErr = timeoutErr
		}
		previousErrors = append(previousErrors, failErr)
		e.metrics.recordLatency(instance.InstanceID, node.ID, time.Since(start), "error")
		if breaker != nil {
			breaker.RecordFailure()
		}
		e.emitter.Emit(Event{InstanceID: instance.InstanceID, StepID: node.ID, Msg: "step_error", Meta: map[string]any{"error": failErr.Error(), "attempt": attempt}})

		if policy == nil || !policy.shouldRetry(attempt, failErr) {
			if policy != nil {
				e.metrics.incRetryExhausted(instance.InstanceID, node.ID)
			}
			instance.Status = StatusFailed
			instance.ErrorInfo = &ErrorInfo{Code: errorCode(failErr), Message: failErr.Error(), StepID: node.ID}
			return StepResult{}, false
		}

		e.metrics.incRetries(instance.InstanceID, node.ID)
		delay := policy.delayForAttempt(attempt)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				instance.Status = StatusFailed
				instance.ErrorInfo = &ErrorInfo{Code: CodeCancelled, Message: ctx.Err().Error(), StepID: node.ID}
				return StepResult{}, false
			}
		}
	}
}

type nextStep struct {
	stepID string
	input  any
}

// errorCode extracts the stable taxonomy code from err if it carries one
// (an *EngineError or *StepError), falling back to CodeHandlerError for a
// plain application error. This lets a distinguishing code like
// CodeAsyncTimeout or CodeStepPanic survive onto the instance's ErrorInfo
// instead of being flattened to a generic handler failure.
func errorCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeHandlerError
}

// applyResult interprets a StepResult and either advances the instance to
// the next step (returning advance=true) or leaves it in a terminal/
// suspended/async state (advance=false).
func (e *Engine) applyResult(ctx context.Context, instance *WorkflowInstance, graph *WorkflowGraph, node *StepNode, sr StepResult) (nextStep, bool) {
	instance.Context.setStepOutput(node.ID, resultPayload(sr))
	e.emitter.Emit(Event{InstanceID: instance.InstanceID, StepID: node.ID, Msg: "step_end"})

	switch sr.Kind {
	case KindContinue:
		return e.routeContinue(instance, graph, node, sr)

	case KindBranch:
		tag := EventTag(sr.Event)
		target, ok := graph.GetBranchTarget(tag)
		if !ok {
			instance.Status = StatusFailed
			instance.ErrorInfo = &ErrorInfo{Code: CodeRoutingError, Message: "no branch target registered for " + tag, StepID: node.ID}
			return nextStep{}, false
		}
		return nextStep{stepID: target, input: sr.Event}, true

	case KindSuspend:
		instance.Status = StatusSuspended
		instance.Suspension = &SuspensionData{
			PromptToUser:          sr.Prompt,
			Metadata:              sr.Metadata,
			OriginalStepInput:     sr.OriginalInput,
			OriginalStepInputType: reflect.TypeOf(sr.OriginalInput),
			SuspendedStepID:       node.ID,
			NextInputClass:        sr.ResumeInputType,
		}
		if e.metrics != nil {
			e.metrics.IncrementSuspend(node.ID)
		}
		return nextStep{}, false

	case KindAsync:
		if err := e.asyncMgr.Submit(ctx, instance.InstanceID, node.ID, sr, node, instance.Context); err != nil {
			instance.Status = StatusFailed
			instance.ErrorInfo = &ErrorInfo{Code: CodePersistenceError, Message: err.Error(), StepID: node.ID}
		}
		return nextStep{}, false

	case KindFinish:
		instance.Context.setValue(KeyFinalResult, sr.Result)
		instance.Status = StatusCompleted
		return nextStep{}, false

	case KindFail:
		instance.Status = StatusFailed
		instance.ErrorInfo = &ErrorInfo{Code: errorCode(sr.Err), Message: sr.Err.Error(), StepID: node.ID}
		return nextStep{}, false

	default:
		instance.Status = StatusFailed
		instance.ErrorInfo = &ErrorInfo{Code: CodeRoutingError, Message: "unknown step result kind", StepID: node.ID}
		return nextStep{}, false
	}
}

// routeContinue resolves a Continue result's next step: the first edge
// whose predicate holds (or is unconditional) wins. A node with no outgoing
// edges treats Continue as Finish, matching the doc on workflow.Continue.
func (e *Engine) routeContinue(instance *WorkflowInstance, graph *WorkflowGraph, node *StepNode, sr StepResult) (nextStep, bool) {
	edges := graph.GetOutgoingEdges(node.ID)
	if len(edges) == 0 {
		instance.Context.setValue(KeyFinalResult, sr.Data)
		instance.Status = StatusCompleted
		return nextStep{}, false
	}
	for _, edge := range edges {
		if edge.Predicate == nil || edge.Predicate(instance.Context, sr.Data) {
			return nextStep{stepID: edge.TargetStepID, input: sr.Data}, true
		}
	}
	instance.Status = StatusFailed
	instance.ErrorInfo = &ErrorInfo{Code: CodeRoutingError, Message: "no edge predicate matched", StepID: node.ID}
	return nextStep{}, false
}

// resultPayload extracts the value worth recording as a step's output in
// WorkflowContext's step-output history, independent of which Kind produced
// it.
func resultPayload(sr StepResult) any {
	switch sr.Kind {
	case KindContinue:
		return sr.Data
	case KindBranch:
		return sr.Event
	case KindFinish:
		return sr.Result
	case KindAsync:
		return sr.ImmediateData
	default:
		return nil
	}
}

// onAsyncComplete is the AsyncTaskManager's completion callback: it
// re-acquires the instance lock, loads the latest persisted instance state,
// finishes normalizing the async result against the graph (the manager
// doesn't hold the graph), and continues runLoop from there.
func (e *Engine) onAsyncComplete(c asyncCompletion) {
	lock := e.locks.lockFor(c.instanceID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	instance, err := e.instances.Load(ctx, c.instanceID)
	if err != nil {
		return
	}
	if instance.Status.Terminal() || instance.Status == StatusSuspended {
		return
	}
	graph, ok := e.graphFor(instance.WorkflowID, instance.Version)
	if !ok {
		return
	}
	node, ok := graph.Node(c.stepID)
	if !ok {
		return
	}

	sr := c.result
	if sr.Kind == kindAsyncPlainValue {
		sr = normalizeAsyncReturn(sr.Data, graph.hasEdges(node.ID))
	}

	next, advance := e.applyResult(ctx, instance, graph, node, sr)
	if advance {
		instance.CurrentStepID = next.stepID
		_ = e.persist(ctx, instance)
		e.runLoop(ctx, instance, graph, next.input, false)
		return
	}
	_ = e.persist(ctx, instance)
}

// Shutdown stops the async worker pool, waiting for in-flight tasks to
// drain.
func (e *Engine) Shutdown() {
	e.asyncMgr.Shutdown()
}

// recordLatency/incRetries/incRetryExhausted are nil-safe wrappers so the
// engine can call into an optional *Metrics without a nil check at every
// call site.
func (m *Metrics) recordLatency(instanceID, stepID string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.RecordStepLatency(instanceID, stepID, d, status)
}

func (m *Metrics) incRetries(instanceID, stepID string) {
	if m == nil {
		return
	}
	m.IncrementRetries(instanceID, stepID)
}

func (m *Metrics) incRetryExhausted(instanceID, stepID string) {
	if m == nil {
		return
	}
	m.IncrementRetryExhausted(instanceID, stepID)
}

// beginInflightStep/endInflightStep track the number of step Handlers
// currently executing concurrently across all instances on this Engine and
// publish the count via Metrics.UpdateInflightSteps, if metrics are
// configured.
func (e *Engine) beginInflightStep() {
	n := e.inflightSteps.Add(1)
	if e.metrics != nil {
		e.metrics.UpdateInflightSteps(int(n))
	}
}

func (e *Engine) endInflightStep() {
	n := e.inflightSteps.Add(-1)
	if e.metrics != nil {
		e.metrics.UpdateInflightSteps(int(n))
	}
}
