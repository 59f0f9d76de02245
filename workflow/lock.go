package workflow

import "sync"

// instanceLockRegistry lazily creates one mutex per instanceID, guaranteeing
// at most one active step transition runs for a given instance at a time
// (two concurrent Resume/Cancel/async-completion calls against the same
// instance are serialized rather than racing on its WorkflowContext).
// Mirrors the lazy-per-key pattern in breakerRegistry.
type instanceLockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstanceLockRegistry() *instanceLockRegistry {
	return &instanceLockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *instanceLockRegistry) lockFor(instanceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[instanceID] = l
	}
	return l
}
