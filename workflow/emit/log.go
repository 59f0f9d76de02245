package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/flowloom/wfengine/workflow"
)

// LogEmitter writes structured event output to a writer, either as
// human-readable key=value text or as JSON Lines. Adapted from the
// teacher's emit.LogEmitter, with RunID/Step/NodeID renamed to the
// instance/step domain (InstanceID/StepID) and no Step counter, since
// workflow steps are identified by ID rather than a sequential index.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to w. A nil w defaults to
// os.Stdout. jsonMode selects JSON Lines output over text.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{writer: w, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event workflow.Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event workflow.Event) {
	data, err := json.Marshal(struct {
		InstanceID string         `json:"instanceId"`
		StepID     string         `json:"stepId"`
		Msg        string         `json:"msg"`
		Meta       map[string]any `json:"meta,omitempty"`
	}{event.InstanceID, event.StepID, event.Msg, event.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event workflow.Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] instanceID=%s stepID=%s", event.Msg, event.InstanceID, event.StepID)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes events in order by calling Emit for each one; it does not
// combine them into fewer writes.
func (l *LogEmitter) EmitBatch(events []workflow.Event) {
	for _, event := range events {
		l.Emit(event)
	}
}

// Flush is a no-op: LogEmitter writes synchronously with no internal
// buffer. Wrap the writer in a bufio.Writer and flush that directly if
// buffering is desired.
func (l *LogEmitter) Flush() error { return nil }
