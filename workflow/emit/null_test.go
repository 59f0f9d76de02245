package emit

import (
	"testing"

	"github.com/flowloom/wfengine/workflow"
)

func TestNullEmitter_DiscardsEverything(t *testing.T) {
	t.Parallel()

	n := NewNullEmitter()
	n.Emit(workflow.Event{InstanceID: "i1", Msg: "a"})
	n.EmitBatch([]workflow.Event{{InstanceID: "i1", Msg: "a"}})
	if err := n.Flush(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestNullEmitter_SatisfiesEmitterInterface(t *testing.T) {
	t.Parallel()

	var _ workflow.Emitter = NullEmitter{}
}
