package workflow

import "fmt"

// EventTag derives the stable string key Branch routing is keyed on: an
// event's dynamic Go type. Use it both when calling
// GraphBuilder.RegisterBranchTarget and, implicitly, inside the engine when
// a step returns Branch(event) — the two must agree on the same type for
// routing to resolve.
func EventTag(event any) string {
	return fmt.Sprintf("%T", event)
}

// Predicate evaluates a step's context and output to decide whether an edge
// should be traversed after a Continue result. Predicates should be pure
// (deterministic, side-effect free).
type Predicate func(ctx *WorkflowContext, output any) bool

// Edge connects two steps in the workflow graph.
//
// Edges are evaluated in declaration order when a step returns Continue;
// the first edge whose predicate holds (or whose predicate is nil,
// meaning unconditional) wins. An else/default edge must be declared last.
type Edge struct {
	TargetStepID string
	Predicate    Predicate
}
