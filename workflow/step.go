// Package workflow provides a durable graph-based workflow execution engine.
package workflow

import "reflect"

// Kind identifies which variant of StepResult a step returned.
type Kind int

const (
	// KindContinue follows outgoing edges with new data as the next step's input.
	KindContinue Kind = iota
	// KindBranch routes by the runtime type of an event via the graph's branch targets.
	KindBranch
	// KindSuspend persists suspension data and stops, awaiting external input.
	KindSuspend
	// KindAsync hands off to the async task manager; the instance stays alive.
	KindAsync
	// KindFinish terminates the instance successfully.
	KindFinish
	// KindFail indicates step failure, subject to the retry policy.
	KindFail
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindBranch:
		return "branch"
	case KindSuspend:
		return "suspend"
	case KindAsync:
		return "async"
	case KindFinish:
		return "finish"
	case KindFail:
		return "fail"
	default:
		return "unknown"
	}
}

// StepResult is the tagged outcome every step handler returns. Exactly one
// Kind applies at a time; the other fields for unrelated kinds are unused.
//
// Construct values with the Continue, Branch, Suspend, Async, Finish, and Fail
// helpers rather than building a StepResult literal directly.
type StepResult struct {
	Kind Kind

	// Continue
	Data any

	// Branch
	Event any

	// Suspend
	Prompt          string
	ResumeInputType reflect.Type
	Metadata        map[string]any
	OriginalInput   any

	// Async
	TaskID              string
	ImmediateData       any
	TaskArgs            any
	EstimatedDurationMs int64

	// Finish
	Result any

	// Fail
	Err error
}

// Continue follows outgoing edges, passing data as the next step's input.
// If the current node has no outgoing edges, the engine treats this as Finish(data).
func Continue(data any) StepResult {
	return StepResult{Kind: KindContinue, Data: data}
}

// Branch routes execution by the runtime type of event via the graph's
// branch targets. A missing branch target is a fatal routing error.
func Branch(event any) StepResult {
	return StepResult{Kind: KindBranch, Event: event}
}

// Suspend persists suspensionData and halts the instance, awaiting external
// input assignable to resumeInputType. originalInput is preserved so that
// resume can re-enter the same step with the same upstream data.
func Suspend(prompt string, resumeInputType reflect.Type, originalInput any, metadata map[string]any) StepResult {
	return StepResult{
		Kind:            KindSuspend,
		Prompt:          prompt,
		ResumeInputType: resumeInputType,
		OriginalInput:   originalInput,
		Metadata:        metadata,
	}
}

// Async hands the step off to the async task manager. taskID identifies the
// task for progress reporting and later resumption; estimatedDurationMs, if
// positive, bounds the task with a timeout enforced by the async manager.
func Async(taskID string, immediateData, taskArgs any, estimatedDurationMs int64) StepResult {
	return StepResult{
		Kind:                KindAsync,
		TaskID:              taskID,
		ImmediateData:       immediateData,
		TaskArgs:            taskArgs,
		EstimatedDurationMs: estimatedDurationMs,
	}
}

// Finish terminates the instance successfully. result is stored under the
// reserved context key FINAL_RESULT.
func Finish(result any) StepResult {
	return StepResult{Kind: KindFinish, Result: result}
}

// Fail indicates the step failed. The retry policy (if any) for the current
// step decides whether to re-invoke the step or promote err to an
// instance-level failure.
func Fail(err error) StepResult {
	return StepResult{Kind: KindFail, Err: err}
}

// normalizeAsyncReturn implements the async result normalization rule (C5):
// a plain, non-StepResult value returned by an async handler is wrapped as
// Continue when the node has outgoing edges, otherwise as Finish.
func normalizeAsyncReturn(value any, hasOutgoingEdges bool) StepResult {
	if sr, ok := value.(StepResult); ok {
		return sr
	}
	if hasOutgoingEdges {
		return Continue(value)
	}
	return Finish(value)
}
