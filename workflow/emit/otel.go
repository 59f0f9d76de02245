package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowloom/wfengine/workflow"
)

// OTelEmitter turns each workflow.Event into a single OpenTelemetry span,
// named after the event's Msg (e.g. "step_start", "async_completed") and
// tagged with instance/step attributes plus whatever the event's Meta
// carries. Adapted from the teacher's emit.OTelEmitter: the
// langgraph.run_id/node_id attributes become workflowengine.instance_id/
// step_id, and the LLM-cost attribute mapping (tokens_in/cost_usd) is
// dropped since the core has no LLM-call events to annotate (out of scope,
// per SPEC_FULL §1).
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter backed by tracer, typically
// otel.Tracer("workflowengine").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event workflow.Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	o.annotate(span, event)
	span.End()
}

func (o *OTelEmitter) EmitBatch(events []workflow.Event) {
	for _, event := range events {
		o.Emit(event)
	}
}

// Flush force-flushes the global tracer provider, if it supports it (the
// SDK provider does; the no-op default provider does not and Flush returns
// nil in that case).
func (o *OTelEmitter) Flush() error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event workflow.Event) {
	span.SetAttributes(
		attribute.String("workflowengine.instance_id", event.InstanceID),
		attribute.String("workflowengine.step_id", event.StepID),
	)
	for key, value := range event.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(key, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
