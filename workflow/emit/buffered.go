package emit

import (
	"sync"

	"github.com/flowloom/wfengine/workflow"
)

// BufferedEmitter stores every event it receives in memory, keyed by
// instanceID, for later inspection. Adapted from the teacher's
// emit.BufferedEmitter, keyed by InstanceID instead of RunID and with
// GetHistoryWithFilter's step-range filter dropped (steps are identified by
// ID here, not a sequential index), keeping NodeID/Msg filtering.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]workflow.Event
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]workflow.Event)}
}

func (b *BufferedEmitter) Emit(event workflow.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

func (b *BufferedEmitter) EmitBatch(events []workflow.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
	}
}

// Flush is a no-op: BufferedEmitter has nowhere downstream to flush to.
func (b *BufferedEmitter) Flush() error { return nil }

// HistoryFilter narrows GetHistoryWithFilter's results. All set fields are
// ANDed together.
type HistoryFilter struct {
	StepID string
	Msg    string
}

// GetHistory returns every event recorded for instanceID, in emit order.
func (b *BufferedEmitter) GetHistory(instanceID string) []workflow.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[instanceID]
	out := make([]workflow.Event, len(events))
	copy(out, events)
	return out
}

// GetHistoryWithFilter returns instanceID's events matching filter, in emit order.
func (b *BufferedEmitter) GetHistoryWithFilter(instanceID string, filter HistoryFilter) []workflow.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []workflow.Event
	for _, event := range b.events[instanceID] {
		if filter.StepID != "" && event.StepID != filter.StepID {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Clear removes the recorded history for instanceID, or every instance's
// history when instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if instanceID == "" {
		b.events = make(map[string][]workflow.Event)
		return
	}
	delete(b.events, instanceID)
}
