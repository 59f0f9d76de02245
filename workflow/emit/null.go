package emit

import "github.com/flowloom/wfengine/workflow"

// NullEmitter discards every event. Provided here for parity with the
// teacher's emit.NullEmitter; the engine's own zero-value default
// (workflow.NullEmitter) is identical and is what NewEngine uses when no
// WithEmitter option is given, so callers outside this package rarely need
// to construct one directly.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (NullEmitter) Emit(workflow.Event)       {}
func (NullEmitter) EmitBatch([]workflow.Event) {}
func (NullEmitter) Flush() error               { return nil }
