package stack

import (
	"sync"

	"github.com/tinkerforge/brickd/internal/logx"
)

// Registry is the process-wide Hardware Registry of spec §4.9: a single
// array of stack references, iterated by index, where removal only
// flips a per-entry flag and the registry periodically compacts —
// the same deferred-removal discipline as the Reactor's source table
// (internal/reactor), so a Router snapshot taken mid-iteration never
// observes a half-removed stack.
//
// Spec §9 calls for this process-wide singleton to be threaded
// explicitly rather than held as a global mutable static; callers hold
// a *Registry instance (constructed once in cmd/brickd/main.go) and pass
// it to the Router and the mesh Manager instead of reaching for a
// package-level variable; main.go itself adds each SPITFP BrickletStack's
// stack.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

type entry struct {
	stack   *Stack
	removed bool
}

// NewRegistry creates an empty Hardware Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s with the registry.
func (reg *Registry) Add(s *Stack) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.entries = append(reg.entries, &entry{stack: s})
	logx.Info(logx.ComponentRegistry, "stack registered", "name", s.Name, "total", len(reg.entries))
}

// Remove flips the tombstone for s; it is skipped by ForEach from this
// call onward and physically compacted on the next Compact call.
func (reg *Registry) Remove(s *Stack) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, e := range reg.entries {
		if e.stack == s {
			e.removed = true
			break
		}
	}
	logx.Info(logx.ComponentRegistry, "stack unregistered", "name", s.Name)
}

// Compact physically removes tombstoned entries. Call periodically
// (e.g. once per reactor cleanup tick) rather than on every Remove, to
// match the registry's documented "periodically compacts" behavior.
func (reg *Registry) Compact() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	live := reg.entries[:0]
	for _, e := range reg.entries {
		if !e.removed {
			live = append(live, e)
		}
	}
	reg.entries = live
}

// ForEach calls fn for every live stack, in registration order,
// snapshotting the entry list first so fn may safely call Add/Remove on
// the registry without deadlocking or corrupting the iteration (spec
// §4.9: "iterates by index").
func (reg *Registry) ForEach(fn func(*Stack)) {
	reg.mu.RLock()
	snapshot := make([]*entry, len(reg.entries))
	copy(snapshot, reg.entries)
	reg.mu.RUnlock()

	for _, e := range snapshot {
		if e.removed {
			continue
		}
		fn(e.stack)
	}
}

// Len returns the current live stack count (tombstoned entries not yet
// compacted are excluded).
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	n := 0
	for _, e := range reg.entries {
		if !e.removed {
			n++
		}
	}
	return n
}
