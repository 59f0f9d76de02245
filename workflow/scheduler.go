package workflow

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// computeOrderKey derives a deterministic ordering key from a parent task
// identifier and a sequence index, so that work items enqueued in the same
// instant by different goroutines still drain from the frontier in a
// reproducible order. Adapted from the teacher engine's scheduler, generalized
// from "parent node + edge index" to "submitter id + sequence index" since
// the async manager submits tasks rather than graph edges.
func computeOrderKey(parentID string, seq int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentID))
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], uint32(seq)) // #nosec G115 -- seq is a small in-process counter
	h.Write(seqBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// asyncWorkItem is one unit of work handed to the async task manager's
// worker pool.
type asyncWorkItem struct {
	taskID   string
	orderKey uint64
	run      func(ctx context.Context)
}

type workHeap []asyncWorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].orderKey < h[j].orderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(asyncWorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// frontier is a bounded, deterministically-ordered work queue: a min-heap
// keyed by a SHA-256-derived order key, gated by a capacity-bounded
// semaphore so producers block (respecting ctx) once the queue is full.
// Dequeue always pops the heap's minimum, so items enqueued concurrently in
// the same instant still drain in a reproducible order. Adapted from the
// teacher's graph/scheduler.go Frontier, generalized from per-run typed work
// items to opaque async task closures.
type frontier struct {
	mu     sync.Mutex
	notify *sync.Cond
	heap   workHeap
	tokens chan struct{} // capacity semaphore; one token per free slot

	metrics *Metrics

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

func newFrontier(capacity int, metrics *Metrics) *frontier {
	if capacity <= 0 {
		capacity = 1024
	}
	f := &frontier{tokens: make(chan struct{}, capacity), metrics: metrics}
	for i := 0; i < capacity; i++ {
		f.tokens <- struct{}{}
	}
	f.notify = sync.NewCond(&f.mu)
	heap.Init(&f.heap)
	return f
}

// Enqueue adds an item to the frontier, blocking (respecting ctx) if the
// frontier is at capacity.
func (f *frontier) Enqueue(ctx context.Context, item asyncWorkItem) error {
	select {
	case <-f.tokens:
	case <-ctx.Done():
		f.backpressureEvents.Add(1)
		if f.metrics != nil {
			f.metrics.IncrementBackpressure("queue_full")
		}
		return ctx.Err()
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len()) // #nosec G115 -- bounded by configured capacity
	f.mu.Unlock()
	f.notify.Signal()

	if depth > f.peakQueueDepth.Load() {
		f.peakQueueDepth.Store(depth)
	}
	f.totalEnqueued.Add(1)
	if f.metrics != nil {
		f.metrics.UpdateQueueDepth(int(depth))
	}
	return nil
}

// Dequeue blocks until an item is available or ctx is cancelled, returning
// the item with the smallest order key among those currently queued.
func (f *frontier) Dequeue(ctx context.Context) (asyncWorkItem, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.notify.Broadcast()
			f.mu.Unlock()
		case <-done:
		}
	}()

	f.mu.Lock()
	for f.heap.Len() == 0 {
		if err := ctx.Err(); err != nil {
			f.mu.Unlock()
			return asyncWorkItem{}, err
		}
		f.notify.Wait()
	}
	item := heap.Pop(&f.heap).(asyncWorkItem)
	depth := f.heap.Len()
	f.mu.Unlock()

	f.tokens <- struct{}{} // release capacity
	f.totalDequeued.Add(1)
	if f.metrics != nil {
		f.metrics.UpdateQueueDepth(depth)
	}
	return item, nil
}

// schedulerMetrics is a point-in-time snapshot of frontier activity.
type schedulerMetrics struct {
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

func (f *frontier) Metrics() schedulerMetrics {
	return schedulerMetrics{
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}

// Len reports the number of items currently queued.
func (f *frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}
