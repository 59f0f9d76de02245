package workflow

import "testing"

func TestWorkflowContext_StepOutputOrderAndLookup(t *testing.T) {
	t.Parallel()

	c := NewWorkflowContext("trigger")
	c.setStepOutput("a", 1)
	c.setStepOutput("b", 2)
	c.setStepOutput("a", 3) // overwrite, order unaffected

	if v, ok := c.GetStepOutput("a"); !ok || v != 3 {
		t.Fatalf("expected overwritten output 3, got %v (ok=%v)", v, ok)
	}
	entries := c.StepOutputsInOrder()
	if len(entries) != 2 || entries[0].StepID != "a" || entries[1].StepID != "b" {
		t.Fatalf("expected order [a, b], got %+v", entries)
	}
	if entries[0].Value != 3 {
		t.Fatalf("expected latest value 3 in ordered entries, got %v", entries[0].Value)
	}
}

func TestWorkflowContext_SetValueRejectsReservedKeys(t *testing.T) {
	t.Parallel()

	c := NewWorkflowContext(nil)
	for _, key := range []string{KeyFinalResult, KeyAsyncFuture, KeyResumeInput, KeyRetryContext} {
		if err := c.SetValue(key, "x"); err == nil {
			t.Fatalf("expected SetValue to reject reserved key %q", key)
		}
	}
	if err := c.SetValue("scratch", 42); err != nil {
		t.Fatalf("expected ordinary key to be accepted, got %v", err)
	}
	if v, ok := GetContextValue[int](c, "scratch"); !ok || v != 42 {
		t.Fatalf("expected typed retrieval to return 42, got %v (ok=%v)", v, ok)
	}
}

func TestGetContextValue_WrongTypeReturnsFalse(t *testing.T) {
	t.Parallel()

	c := NewWorkflowContext(nil)
	_ = c.SetValue("k", "a string")
	if _, ok := GetContextValue[int](c, "k"); ok {
		t.Fatal("expected GetContextValue to report ok=false on a type mismatch")
	}
	if _, ok := GetContextValue[int](c, "missing"); ok {
		t.Fatal("expected GetContextValue to report ok=false for a missing key")
	}
}

func TestWorkflowContext_ResumeInputRoundTrip(t *testing.T) {
	t.Parallel()

	c := NewWorkflowContext(nil)
	if _, ok := c.ResumeInput(); ok {
		t.Fatal("expected no resume input before one is set")
	}
	c.setValue(KeyResumeInput, "payload")
	v, ok := c.ResumeInput()
	if !ok || v != "payload" {
		t.Fatalf("expected resume input 'payload', got %v (ok=%v)", v, ok)
	}
	c.clearResumeInput()
	if _, ok := c.ResumeInput(); ok {
		t.Fatal("expected resume input cleared after clearResumeInput")
	}
}

func TestSnapshotContext_RoundTrip(t *testing.T) {
	t.Parallel()

	c := NewWorkflowContext("seed")
	c.setStepOutput("a", "out-a")
	c.setStepOutput("b", "out-b")
	_ = c.SetValue("scratch", "scratch-value")

	snap := SnapshotContext(c)
	rebuilt := ContextFromSnapshot(snap)

	if rebuilt.TriggerData() != "seed" {
		t.Fatalf("expected trigger data preserved, got %v", rebuilt.TriggerData())
	}
	if v, ok := rebuilt.GetStepOutput("a"); !ok || v != "out-a" {
		t.Fatalf("expected step output 'out-a' preserved, got %v (ok=%v)", v, ok)
	}
	entries := rebuilt.StepOutputsInOrder()
	if len(entries) != 2 || entries[0].StepID != "a" || entries[1].StepID != "b" {
		t.Fatalf("expected order preserved across snapshot round-trip, got %+v", entries)
	}
	if v, ok := rebuilt.GetValue("scratch"); !ok || v != "scratch-value" {
		t.Fatalf("expected context value preserved, got %v (ok=%v)", v, ok)
	}
}

func TestContextFromSnapshot_NilMapsAreUsable(t *testing.T) {
	t.Parallel()

	c := ContextFromSnapshot(ContextSnapshot{})
	if _, ok := c.GetStepOutput("anything"); ok {
		t.Fatal("expected no step outputs on an empty snapshot")
	}
	if err := c.SetValue("k", "v"); err != nil {
		t.Fatalf("expected SetValue to work on a snapshot-rebuilt context, got %v", err)
	}
}
