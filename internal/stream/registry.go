// Package stream tracks in-flight streaming requests and their cancellation
// flags. The registry is the only mutable state shared across requests.
package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh stream identifier: millisecond timestamp plus a
// random suffix, enough entropy that collisions are not a practical concern.
func NewID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Handle is the shared cancellation flag for one in-flight request. The
// dispatcher polls it between streamed chunks; Cancel flips it from any
// goroutine.
type Handle struct {
	id        string
	cancelled atomic.Bool
}

// ID returns the stream identifier the handle was registered under.
func (h *Handle) ID() string {
	return h.id
}

// Cancelled reports whether the stream has been cancelled.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Registry maps stream ids to cancellation handles. Its size equals the
// number of requests currently awaiting a network response.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Register stores a fresh handle for id and returns it. Ids carry enough
// entropy that overwriting an existing entry is not expected.
func (r *Registry) Register(id string) *Handle {
	h := &Handle{id: id}

	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	return h
}

// Cancel flips the cancellation flag for id and removes the entry, reporting
// whether it was found. Cancelling an unknown or already-cancelled id is a
// safe no-op returning false.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.cancelled.Store(true)
	return true
}

// Release removes the entry for id once its request has finished, regardless
// of outcome. Releasing an id Cancel already removed is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Len reports the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
