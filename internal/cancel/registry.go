// Package cancel implements the cooperative cancel-flag registry (C7):
// named one-shot latches keyed by session id, shared between the streaming
// bridge's producer/consumer goroutines and the worker-facing cancel
// endpoint.
package cancel

import (
	"log"
	"sync"
	"sync/atomic"
)

// Flag is a one-shot cooperative cancel latch. Set is idempotent; a flag
// that is already set stays set until Clear is called at the start of the
// next stream for that session.
type Flag struct {
	set atomic.Bool
}

// Set marks the flag as cancelled. Safe to call more than once.
func (f *Flag) Set() {
	f.set.Store(true)
}

// IsSet reports whether the flag has been cancelled.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Clear resets the flag to its un-cancelled state.
func (f *Flag) Clear() {
	f.set.Store(false)
}

// Registry owns the session_id -> Flag map. Only the map itself needs
// locking on insert; each Flag is independently goroutine-safe.
type Registry struct {
	mu     sync.Mutex
	flags  map[string]*Flag
	logger *log.Logger
}

// NewRegistry creates an empty cancel registry.
func NewRegistry() *Registry {
	return &Registry{
		flags:  make(map[string]*Flag),
		logger: log.New(log.Writer(), "[CANCEL] ", log.LstdFlags),
	}
}

// GetOrCreate returns the flag for sessionID, creating it lazily on first
// reference.
func (r *Registry) GetOrCreate(sessionID string) *Flag {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flags[sessionID]
	if !ok {
		f = &Flag{}
		r.flags[sessionID] = f
	}
	return f
}

// Set marks the session's flag cancelled, creating it if necessary.
func (r *Registry) Set(sessionID string) {
	f := r.GetOrCreate(sessionID)
	f.Set()
	r.logger.Printf("cancel requested: session=%s", sessionID)
}

// IsSet reports whether the session currently has a cancel flag set. A
// session with no flag at all is not considered cancelled.
func (r *Registry) IsSet(sessionID string) bool {
	r.mu.Lock()
	f, ok := r.flags[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return f.IsSet()
}

// Clear resets the session's flag at the start of a new stream. Creates the
// flag if it does not already exist so the caller can hold onto the
// returned pointer for the duration of the stream.
func (r *Registry) Clear(sessionID string) *Flag {
	f := r.GetOrCreate(sessionID)
	f.Clear()
	return f
}
