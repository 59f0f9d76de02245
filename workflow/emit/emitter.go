// Package emit provides pluggable observability sinks for workflow.Engine:
// a text/JSON log writer, an OpenTelemetry span emitter, an in-memory
// buffered emitter for tests and dashboards, and a no-op default. All four
// implement workflow.Emitter, adapted from the teacher's graph/emit package
// of the same shape (LogEmitter, OTelEmitter, BufferedEmitter, NullEmitter)
// with its Event type replaced by workflow.Event and its ctx-taking
// EmitBatch/Flush narrowed to workflow.Emitter's synchronous signatures,
// since the engine's own step-transition loop is already the caller and
// never needs to cancel an in-flight emit.
package emit

import "github.com/flowloom/wfengine/workflow"
