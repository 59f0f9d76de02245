package workflow

// Event is one observability event emitted during execution: a step
// starting or ending, a routing decision, a suspension, a retry, a circuit
// trip. Adapted from the teacher's graph/emit.Event{RunID, Step, NodeID,
// Msg, Meta}, renamed to the instance/step domain.
type Event struct {
	InstanceID string
	StepID     string
	Msg        string
	Meta       map[string]any
}

// Emitter delivers Events to an observability sink. Implementations live
// under workflow/emit (log, OpenTelemetry, buffered, null), mirroring the
// teacher's graph/emit package.
type Emitter interface {
	Emit(Event)
	EmitBatch([]Event)
	Flush() error
}

// NullEmitter discards every event; it is the default when no emitter is
// configured.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)       {}
func (NullEmitter) EmitBatch([]Event) {}
func (NullEmitter) Flush() error     { return nil }
