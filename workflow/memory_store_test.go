package workflow

import (
	"context"
	"testing"
)

func TestMemoryInstanceRepository_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newMemoryInstanceRepository()
	ctx := context.Background()
	inst := &WorkflowInstance{InstanceID: "i1", WorkflowID: "wf", Status: StatusRunning, Context: NewWorkflowContext("seed")}

	if err := repo.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := repo.Load(ctx, "i1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.InstanceID != "i1" || loaded.WorkflowID != "wf" {
		t.Fatalf("unexpected loaded instance: %+v", loaded)
	}
	if loaded == inst {
		t.Fatal("expected Load to return a copy, not the same pointer as what was saved")
	}
}

func TestMemoryInstanceRepository_LoadMissing(t *testing.T) {
	t.Parallel()

	repo := newMemoryInstanceRepository()
	if _, err := repo.Load(context.Background(), "ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryInstanceRepository_StaleVersionRejected(t *testing.T) {
	t.Parallel()

	repo := newMemoryInstanceRepository()
	ctx := context.Background()
	inst := &WorkflowInstance{InstanceID: "i1", Context: NewWorkflowContext(nil)}
	if err := repo.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stale := &WorkflowInstance{InstanceID: "i1", Context: NewWorkflowContext(nil)}
	// stale.recVersion is 0; the stored record is now at version 1.
	_ = repo.Save(ctx, inst) // advance the stored version to 2
	if err := repo.Save(ctx, stale); err != ErrStaleVersion {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
}

func TestMemoryInstanceRepository_ListByStatus(t *testing.T) {
	t.Parallel()

	repo := newMemoryInstanceRepository()
	ctx := context.Background()
	_ = repo.Save(ctx, &WorkflowInstance{InstanceID: "a", Status: StatusRunning, Context: NewWorkflowContext(nil)})
	_ = repo.Save(ctx, &WorkflowInstance{InstanceID: "b", Status: StatusCompleted, Context: NewWorkflowContext(nil)})
	_ = repo.Save(ctx, &WorkflowInstance{InstanceID: "c", Status: StatusRunning, Context: NewWorkflowContext(nil)})

	running, err := repo.ListByStatus(ctx, StatusRunning)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("expected 2 running instances, got %d", len(running))
	}
}

func TestMemoryInstanceRepository_CheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newMemoryInstanceRepository()
	ctx := context.Background()
	inst := &WorkflowInstance{InstanceID: "i1", CurrentStepID: "step-a", Context: NewWorkflowContext("seed")}

	if err := repo.SaveCheckpoint(ctx, "label-1", inst); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	inst.CurrentStepID = "step-b" // mutate live instance after the checkpoint

	snap, err := repo.LoadCheckpoint(ctx, "label-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if snap.CurrentStepID != "step-a" {
		t.Fatalf("expected checkpoint to be unaffected by later mutation, got %q", snap.CurrentStepID)
	}
	if _, err := repo.LoadCheckpoint(ctx, "ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown label, got %v", err)
	}
}

func TestMemoryAsyncStateRepository_SaveLoadAndListByInstance(t *testing.T) {
	t.Parallel()

	repo := newMemoryAsyncStateRepository()
	ctx := context.Background()

	s1 := AsyncStepState{TaskID: "t1", WorkflowInstanceID: "i1", StepID: "render"}
	s2 := AsyncStepState{TaskID: "t2", WorkflowInstanceID: "i1", StepID: "notify"}
	s3 := AsyncStepState{TaskID: "t3", WorkflowInstanceID: "i2", StepID: "render"}

	for _, s := range []AsyncStepState{s1, s2, s3} {
		if err := repo.SaveAsyncState(ctx, s); err != nil {
			t.Fatalf("SaveAsyncState: %v", err)
		}
	}

	loaded, err := repo.LoadAsyncState(ctx, "t1")
	if err != nil {
		t.Fatalf("LoadAsyncState: %v", err)
	}
	if loaded.StepID != "render" {
		t.Fatalf("unexpected state: %+v", loaded)
	}

	byInstance, err := repo.ListAsyncStateByInstance(ctx, "i1")
	if err != nil {
		t.Fatalf("ListAsyncStateByInstance: %v", err)
	}
	if len(byInstance) != 2 {
		t.Fatalf("expected 2 states for i1, got %d", len(byInstance))
	}

	if _, err := repo.LoadAsyncState(ctx, "ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
