package driver

import (
	"sync"

	"github.com/patchkit/projectd/internal/crdt"
)

// Registry maps document ids to the handles the driver tracks. The driver
// owns insertion; the facade reads through it concurrently, so the map is
// mutex-guarded, with the lock never held across anything blocking.
type Registry struct {
	mu      sync.Mutex
	handles map[crdt.DocumentID]crdt.DocHandle
	onAdd   func(crdt.DocHandle)
}

// NewRegistry creates an empty registry. onAdd runs synchronously, outside
// the lock, for every first-time insertion; it is how the driver attaches a
// change listener to each new handle.
func NewRegistry(onAdd func(crdt.DocHandle)) *Registry {
	return &Registry{
		handles: make(map[crdt.DocumentID]crdt.DocHandle),
		onAdd:   onAdd,
	}
}

// Add inserts the handle if its id is unknown and reports whether it was
// new. Idempotent.
func (reg *Registry) Add(handle crdt.DocHandle) bool {
	reg.mu.Lock()
	if _, ok := reg.handles[handle.ID()]; ok {
		reg.mu.Unlock()
		return false
	}
	reg.handles[handle.ID()] = handle
	reg.mu.Unlock()

	if reg.onAdd != nil {
		reg.onAdd(handle)
	}
	return true
}

// Get looks up a handle.
func (reg *Registry) Get(id crdt.DocumentID) (crdt.DocHandle, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	h, ok := reg.handles[id]
	return h, ok
}

// Snapshot returns a cloned copy of the document's current state, detached
// from further changes.
func (reg *Registry) Snapshot(id crdt.DocumentID) (*crdt.Doc, bool) {
	h, ok := reg.Get(id)
	if !ok {
		return nil, false
	}
	return h.Doc().Clone(""), true
}

// List returns every tracked handle.
func (reg *Registry) List() []crdt.DocHandle {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]crdt.DocHandle, 0, len(reg.handles))
	for _, h := range reg.handles {
		out = append(out, h)
	}
	return out
}

// Len returns the number of tracked handles.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.handles)
}
