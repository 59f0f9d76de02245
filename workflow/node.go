package workflow

import (
	"context"
	"reflect"
)

// Handler is the synchronous logic of a step. It receives the instance's
// context and the input resolved for this invocation (upstream output,
// branch event, or, when re-entered by Resume, the step's original input;
// the resume payload itself is read via WorkflowContext.ResumeInput) and
// returns exactly one StepResult.
//
// Handlers must not retain ctx or the WorkflowContext beyond the call.
type Handler func(ctx context.Context, wc *WorkflowContext, input any) StepResult

// AsyncHandler is the logic of an async step (C5). It receives the task
// arguments carried by the Async result, the instance's context, and a
// progress reporter bound to the task's ID. Its return value is normalized:
// a plain value becomes Continue or Finish depending on whether the node has
// outgoing edges; returning a StepResult directly is also permitted.
type AsyncHandler func(ctx context.Context, wc *WorkflowContext, taskArgs any, reporter *ProgressReporter) (any, error)

// StepNode is one node of a WorkflowGraph.
type StepNode struct {
	// ID uniquely identifies the step within its graph.
	ID string

	// Handler runs the step synchronously. Required unless Async is set.
	Handler Handler

	// Async, when set, is invoked instead of Handler whenever this step's
	// Handler itself chooses to return workflow.Async(...); the manager then
	// calls Async rather than re-invoking Handler from the worker pool.
	Async AsyncHandler

	// InputType and OutputType document the step's contract for callers;
	// either may be nil if untyped. The engine does not read them: resume-type
	// validation uses the resumeInputType of the step's Suspend result.
	InputType  reflect.Type
	OutputType reflect.Type

	// RetryPolicy overrides the engine-level default retry policy for this
	// step. Nil means "use the engine default" (see WithDefaultRetryPolicy).
	RetryPolicy *RetryPolicy

	// CircuitBreaker configures a circuit breaker for this step; there is no
	// engine- or graph-level default. Nil disables the circuit breaker for it.
	CircuitBreaker *CircuitBreakerConfig

	// EstimatedDurationMs is the default async timeout used when a step's
	// Async result omits EstimatedDurationMs (zero means unlimited).
	EstimatedDurationMs int64
}

// hasEdges reports whether a WorkflowGraph declares any outgoing edges for
// this node. Declared on WorkflowGraph rather than StepNode since edges are
// graph-level state.
func (g *WorkflowGraph) hasEdges(stepID string) bool {
	return len(g.edges[stepID]) > 0
}

// terminalCapable reports whether a node is "terminal-capable": it has no
// outgoing edges. Branch targets are not considered, since they are keyed
// by event tag for the whole graph rather than per node.
func (g *WorkflowGraph) terminalCapable(stepID string) bool {
	return len(g.edges[stepID]) == 0
}
