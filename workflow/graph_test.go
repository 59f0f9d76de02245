package workflow

import (
	"context"
	"testing"
)

func dummyHandler(_ context.Context, _ *WorkflowContext, input any) StepResult {
	return Continue(input)
}

func TestGraphBuilder_DuplicateStepID(t *testing.T) {
	_, err := NewGraphBuilder("wf", 1).
		AddStep(&StepNode{ID: "a", Handler: dummyHandler}).
		AddStep(&StepNode{ID: "a", Handler: dummyHandler}).
		Build()
	if err == nil {
		t.Fatal("expected error for duplicate step ID")
	}
}

func TestGraphBuilder_EdgeToUnknownStep(t *testing.T) {
	_, err := NewGraphBuilder("wf", 1).
		AddStep(&StepNode{ID: "a", Handler: dummyHandler}).
		Connect("a", "ghost", nil).
		Build()
	if err == nil {
		t.Fatal("expected error for edge to unknown step")
	}
}

func TestGraphBuilder_BranchTargetToUnknownStep(t *testing.T) {
	_, err := NewGraphBuilder("wf", 1).
		AddStep(&StepNode{ID: "a", Handler: dummyHandler}).
		RegisterBranchTarget("SomeEvent", "ghost").
		Build()
	if err == nil {
		t.Fatal("expected error for branch target to unknown step")
	}
}

func TestGraphBuilder_NoSteps(t *testing.T) {
	_, err := NewGraphBuilder("wf", 1).Build()
	if err == nil {
		t.Fatal("expected error for graph with no steps")
	}
}

func TestGraphBuilder_InitialStepDefaultsToFirstAdded(t *testing.T) {
	g, err := NewGraphBuilder("wf", 1).
		AddStep(&StepNode{ID: "a", Handler: dummyHandler}).
		AddStep(&StepNode{ID: "b", Handler: dummyHandler}).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.GetInitialStepID() != "a" {
		t.Fatalf("expected initial step 'a', got %q", g.GetInitialStepID())
	}
}

func TestGraphBuilder_StartAtOverride(t *testing.T) {
	g, err := NewGraphBuilder("wf", 1).
		AddStep(&StepNode{ID: "a", Handler: dummyHandler}).
		AddStep(&StepNode{ID: "b", Handler: dummyHandler}).
		StartAt("b").
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.GetInitialStepID() != "b" {
		t.Fatalf("expected initial step 'b', got %q", g.GetInitialStepID())
	}
}

func TestGraphBuilder_EdgeOrderPreserved(t *testing.T) {
	g, err := NewGraphBuilder("wf", 1).
		AddStep(&StepNode{ID: "a", Handler: dummyHandler}).
		AddStep(&StepNode{ID: "b", Handler: dummyHandler}).
		AddStep(&StepNode{ID: "c", Handler: dummyHandler}).
		Connect("a", "b", func(_ *WorkflowContext, _ any) bool { return false }).
		Connect("a", "c", nil).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	edges := g.GetOutgoingEdges("a")
	if len(edges) != 2 || edges[0].TargetStepID != "b" || edges[1].TargetStepID != "c" {
		t.Fatalf("expected edges [b,c] in declaration order, got %+v", edges)
	}
}

func TestGraphBuilder_CycleAllowed(t *testing.T) {
	// Cyclic graphs are permitted (loop-agent patterns); Build must not fail
	// merely because a->b->a forms a cycle.
	_, err := NewGraphBuilder("wf", 1).
		AddStep(&StepNode{ID: "a", Handler: dummyHandler}).
		AddStep(&StepNode{ID: "b", Handler: dummyHandler}).
		Connect("a", "b", nil).
		Connect("b", "a", nil).
		Build()
	if err != nil {
		t.Fatalf("expected cyclic graph to build successfully, got %v", err)
	}
}

func TestWorkflowGraph_GetBranchTarget(t *testing.T) {
	g, err := NewGraphBuilder("wf", 1).
		AddStep(&StepNode{ID: "classify", Handler: dummyHandler}).
		AddStep(&StepNode{ID: "quarantine", Handler: dummyHandler}).
		RegisterBranchTarget("spam", "quarantine").
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	target, ok := g.GetBranchTarget("spam")
	if !ok || target != "quarantine" {
		t.Fatalf("expected branch target quarantine, got %q, ok=%v", target, ok)
	}
	if _, ok := g.GetBranchTarget("unknown"); ok {
		t.Fatal("expected no branch target for unregistered event tag")
	}
}
