package workflow

import (
	"fmt"
	"sync"
)

// Reserved context keys (§6).
const (
	// KeyFinalResult holds the value passed to Finish once an instance completes.
	KeyFinalResult = "FINAL_RESULT"
	// KeyAsyncFuture, when present in an Async result's taskArgs, names a
	// pre-existing future the async manager should wrap instead of submitting
	// a new worker.
	KeyAsyncFuture = "ASYNC_FUTURE"
	// KeyResumeInput holds the external payload a suspended step receives
	// back when its instance is resumed. The engine sets it immediately
	// before re-invoking the suspended step's Handler with its original
	// input, so the handler can tell a first call (about to suspend) apart
	// from a resumed one by checking ResumeInput.
	KeyResumeInput = "RESUME_INPUT"
	// KeyRetryContext holds the *RetryContext describing the current
	// invocation's place in its step's retry sequence. The engine sets it
	// before every Handler call, including the first (AttemptNumber 1), so a
	// handler can read it with GetContextValue[*RetryContext] unconditionally.
	KeyRetryContext = "RETRY_CONTEXT"
)

// WorkflowContext is the per-instance, engine-owned state passed to every
// step invocation: prior step outputs, a typed key-value store, and the
// data that started the workflow.
//
// Step outputs and reserved keys are written only by the engine, through
// setStepOutput and setValue, between step invocations; a handler may store
// its own values under non-reserved keys via SetValue. A step reads through GetStepOutput,
// GetValue, and TriggerData, which see a consistent snapshot for the
// duration of that step's invocation. Handlers must not retain a
// *WorkflowContext beyond the call that received it.
type WorkflowContext struct {
	mu sync.RWMutex

	stepOutputs     map[string]any
	stepOutputOrder []string
	contextValues   map[string]any
	triggerData     any
}

// NewWorkflowContext creates the context for a new instance, seeded with the
// input that started the workflow.
func NewWorkflowContext(triggerData any) *WorkflowContext {
	return &WorkflowContext{
		stepOutputs:   make(map[string]any),
		contextValues: make(map[string]any),
		triggerData:   triggerData,
	}
}

// TriggerData returns the input that started the workflow.
func (c *WorkflowContext) TriggerData() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.triggerData
}

// GetStepOutput returns the last recorded output for stepID, if any.
func (c *WorkflowContext) GetStepOutput(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.stepOutputs[stepID]
	return v, ok
}

// StepOutputsInOrder returns (stepID, value) pairs in the order outputs were
// first recorded, for debugging and checkpoint serialization.
func (c *WorkflowContext) StepOutputsInOrder() []StepOutputEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]StepOutputEntry, 0, len(c.stepOutputOrder))
	for _, id := range c.stepOutputOrder {
		entries = append(entries, StepOutputEntry{StepID: id, Value: c.stepOutputs[id]})
	}
	return entries
}

// StepOutputEntry is one entry of WorkflowContext.StepOutputsInOrder.
type StepOutputEntry struct {
	StepID string
	Value  any
}

// setStepOutput records a step's output. Engine-only: unexported so that
// step handlers (which only ever see a *WorkflowContext, never a builder
// type) cannot call it directly.
func (c *WorkflowContext) setStepOutput(stepID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.stepOutputs[stepID]; !exists {
		c.stepOutputOrder = append(c.stepOutputOrder, stepID)
	}
	c.stepOutputs[stepID] = value
}

// GetValue returns the raw value stored under key.
func (c *WorkflowContext) GetValue(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.contextValues[key]
	return v, ok
}

// setValue stores a raw value under key. Engine-only.
func (c *WorkflowContext) setValue(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contextValues[key] = value
}

// SetValue stores an application value under key. Unlike setStepOutput, this
// is exposed to handlers: steps are allowed to stash their own scratch state
// under a caller-chosen key (anything other than the reserved keys above) for
// later steps to read back via GetContextValue.
func (c *WorkflowContext) SetValue(key string, value any) error {
	if key == KeyFinalResult || key == KeyAsyncFuture || key == KeyResumeInput || key == KeyRetryContext {
		return fmt.Errorf("workflow: %q is a reserved context key", key)
	}
	c.setValue(key, value)
	return nil
}

// ResumeInput returns the payload supplied to Engine.Resume for the step
// currently re-entering after a suspend, if any. A step that never
// suspended, or is running for the first time, gets ok=false.
func (c *WorkflowContext) ResumeInput() (any, bool) {
	return c.GetValue(KeyResumeInput)
}

// clearResumeInput removes a consumed resume payload so a later suspend/
// resume cycle on the same step doesn't see a stale value. Engine-only.
func (c *WorkflowContext) clearResumeInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contextValues, KeyResumeInput)
}

// GetContextValue retrieves a typed value stored under key via runtime
// type-tagged retrieval: it reports ok=false (never panics) if the key is
// absent or the stored value does not assert to T.
func GetContextValue[T any](c *WorkflowContext, key string) (T, bool) {
	var zero T
	raw, ok := c.GetValue(key)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// FinalResult returns the value Finish stored, if the instance has completed.
func (c *WorkflowContext) FinalResult() (any, bool) {
	return c.GetValue(KeyFinalResult)
}

// SnapshotContext captures a shallow copy of c suitable for persistence
// serialization. Exported so InstanceRepository implementations outside
// this package (workflow/store) can serialize the context alongside the
// rest of a WorkflowInstance.
func SnapshotContext(c *WorkflowContext) ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	outputs := make(map[string]any, len(c.stepOutputs))
	for k, v := range c.stepOutputs {
		outputs[k] = v
	}
	order := make([]string, len(c.stepOutputOrder))
	copy(order, c.stepOutputOrder)
	values := make(map[string]any, len(c.contextValues))
	for k, v := range c.contextValues {
		values[k] = v
	}
	return ContextSnapshot{
		StepOutputs:     outputs,
		StepOutputOrder: order,
		ContextValues:   values,
		TriggerData:     c.triggerData,
	}
}

// ContextSnapshot is the serializable form of WorkflowContext used by
// InstanceRepository implementations.
type ContextSnapshot struct {
	StepOutputs     map[string]any `json:"stepOutputs"`
	StepOutputOrder []string       `json:"stepOutputOrder"`
	ContextValues   map[string]any `json:"contextValues"`
	TriggerData     any            `json:"triggerData"`
}

// ContextFromSnapshot rebuilds a WorkflowContext from a snapshot taken by
// SnapshotContext, e.g. after an InstanceRepository.Load.
func ContextFromSnapshot(s ContextSnapshot) *WorkflowContext {
	c := &WorkflowContext{
		stepOutputs:     s.StepOutputs,
		stepOutputOrder: s.StepOutputOrder,
		contextValues:   s.ContextValues,
		triggerData:     s.TriggerData,
	}
	if c.stepOutputs == nil {
		c.stepOutputs = make(map[string]any)
	}
	if c.contextValues == nil {
		c.contextValues = make(map[string]any)
	}
	return c
}
