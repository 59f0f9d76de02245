package workflow

import (
	"sync"
	"time"
)

// Progress is the latest known state of one async task. Only the most
// recent event is retained; the tracker is a registry, not a log.
type Progress struct {
	TaskID          string
	PercentComplete int
	Message         string
	Status          AsyncStatus
	LastEvent       time.Time
}

// ProgressTracker is a thread-safe registry of taskId -> Progress. Multiple
// producers may report for the same taskId; updates are applied in the
// order they are received by taking the tracker's lock for the whole
// read-modify-write, which is sufficient because Go's memory model
// guarantees every update under the same mutex is linearized relative to
// the others regardless of which goroutine sent it.
type ProgressTracker struct {
	mu      sync.RWMutex
	tasks   map[string]*Progress
	metrics *Metrics
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{tasks: make(map[string]*Progress)}
}

// bindMetrics attaches the Metrics a tracker counts progress reports
// against. Called by Engine at construction time; a tracker used outside an
// Engine (e.g. directly in tests) stays unbound and records nothing.
func (t *ProgressTracker) bindMetrics(m *Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// TrackExecution registers a task with an initial progress snapshot.
func (t *ProgressTracker) TrackExecution(taskID string, initial Progress) {
	initial.TaskID = taskID
	if initial.LastEvent.IsZero() {
		initial.LastEvent = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[taskID] = &initial
}

// GetProgress returns the latest progress for taskID.
func (t *ProgressTracker) GetProgress(taskID string) (Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.tasks[taskID]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// update applies a monotonic percent-complete update for taskID. Invariant
// (§8.7): percentComplete never decreases until a terminal status is set.
func (t *ProgressTracker) update(taskID string, percent int, message string, status AsyncStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.tasks[taskID]
	if !ok {
		p = &Progress{TaskID: taskID}
		t.tasks[taskID] = p
	}
	if percent > p.PercentComplete || isTerminalAsync(status) {
		p.PercentComplete = percent
	}
	p.Message = message
	p.Status = status
	p.LastEvent = time.Now()
	if t.metrics != nil {
		t.metrics.IncrementProgressReports(taskID)
	}
}

func isTerminalAsync(s AsyncStatus) bool {
	switch s {
	case AsyncCompleted, AsyncFailed, AsyncCancelled:
		return true
	default:
		return false
	}
}

// CreateReporter returns a handle bound to taskID through which a running
// task reports incremental progress and its eventual outcome.
func (t *ProgressTracker) CreateReporter(taskID string) *ProgressReporter {
	return &ProgressReporter{tracker: t, taskID: taskID}
}

// ProgressReporter is the write side of the progress tracker handed to
// async handlers; it exposes only report/complete/fail, never raw map
// access, so a handler cannot corrupt another task's progress record.
type ProgressReporter struct {
	tracker *ProgressTracker
	taskID  string
}

// Report records incremental progress. percent is clamped to [0,100].
func (r *ProgressReporter) Report(percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r.tracker.update(r.taskID, percent, message, AsyncInProgress)
}

// Complete records terminal success.
func (r *ProgressReporter) Complete(message string) {
	r.tracker.update(r.taskID, 100, message, AsyncCompleted)
}

// Fail records terminal failure.
func (r *ProgressReporter) Fail(message string) {
	r.tracker.update(r.taskID, 100, message, AsyncFailed)
}

// TaskID returns the task this reporter is bound to.
func (r *ProgressReporter) TaskID() string { return r.taskID }
