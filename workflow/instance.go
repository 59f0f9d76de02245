package workflow

import (
	"reflect"
	"time"
)

// Status is the lifecycle state of a WorkflowInstance.
type Status int

const (
	StatusRunning Status = iota
	StatusSuspended
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status rejects further execute/resume calls.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SuspensionData captures everything needed to resume a suspended instance:
// the prompt shown to the external actor, the type the resume payload must
// satisfy, and the upstream input the suspended step originally received (so
// the step can consult it again on re-entry).
type SuspensionData struct {
	PromptToUser          string
	Metadata              map[string]any
	OriginalStepInput     any
	OriginalStepInputType reflect.Type
	SuspendedStepID       string
	NextInputClass        reflect.Type
}

// ErrorInfo is the durable record of why an instance failed.
type ErrorInfo struct {
	Code    string
	Message string
	StepID  string
}

// WorkflowInstance is one durable, mutable execution of a WorkflowGraph.
//
// Invariant: Status == StatusSuspended iff Suspension != nil. A terminal
// instance (Completed/Failed/Cancelled) rejects further Execute/Resume.
type WorkflowInstance struct {
	InstanceID    string
	WorkflowID    string
	Version       int
	Status        Status
	CurrentStepID string
	Context       *WorkflowContext
	ErrorInfo     *ErrorInfo
	Suspension    *SuspensionData

	CreatedAt time.Time
	UpdatedAt time.Time

	// recVersion is an optimistic concurrency counter: InstanceRepository
	// implementations bump it on every Save and reject a Save whose caller
	// last loaded a stale value, serializing concurrent writers.
	recVersion int64
}

// RecVersion returns the optimistic-concurrency record version.
func (w *WorkflowInstance) RecVersion() int64 { return w.recVersion }

// SetRecVersion updates the optimistic-concurrency record version. It exists
// so an InstanceRepository implementation outside this package (workflow/
// store) can reflect the version its backing store just assigned back onto
// the in-memory instance after Save/Load, the same way
// memoryInstanceRepository does directly since it shares this package.
// Without this, every repository but the in-memory default would see every
// Save after the first one rejected as stale, since the field it must bump
// is otherwise unexported.
func (w *WorkflowInstance) SetRecVersion(v int64) { w.recVersion = v }

// AsyncStatus is the lifecycle state of one running async task.
type AsyncStatus int

const (
	AsyncStarted AsyncStatus = iota
	AsyncInProgress
	AsyncCompleted
	AsyncFailed
	AsyncCancelled
)

func (s AsyncStatus) String() string {
	switch s {
	case AsyncStarted:
		return "STARTED"
	case AsyncInProgress:
		return "IN_PROGRESS"
	case AsyncCompleted:
		return "COMPLETED"
	case AsyncFailed:
		return "FAILED"
	case AsyncCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// AsyncStepState is the durable record of one async task.
type AsyncStepState struct {
	TaskID             string
	WorkflowInstanceID string
	StepID             string
	State              AsyncStatus
	ImmediateData      any
	ResultSnapshot      any
	ErrorSnapshot       string

	CreatedAt time.Time
	UpdatedAt time.Time
}
