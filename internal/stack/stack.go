// Package stack implements the abstract Stack endpoint of spec §3.2/§4.3
// and the process-wide Hardware Registry of §4.9: every USB Brick,
// SPITFP Bricklet port, and mesh gateway stack is represented uniformly
// here so the Router (internal/router) can fan requests out and fan
// responses in without knowing which transport backs a given UID.
package stack

import (
	"sync"

	"github.com/tinkerforge/brickd/internal/logx"
)

// Result is the outcome of a Dispatch call (spec §4.3).
type Result int

const (
	// Accepted means the transport took ownership and will deliver or
	// queue the request.
	Accepted Result = iota
	// Dropped means a broadcast reached a stack with no matching UID and
	// no force flag; this is not an error.
	Dropped
	// Err is fatal for this request; the router logs and discards it.
	Err
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	case Err:
		return "error"
	default:
		return "unknown"
	}
}

// Recipient is the opaque route key a Stack stores per UID. It is a sum
// type rather than a raw pointer to a Brick/MeshStack, per spec §9
// ("never store raw pointers ... as route keys"): USB stacks don't need
// a per-UID route (the Brick itself is the only destination), SPITFP
// ports are similarly a single destination, and only the mesh stack
// needs a real opaque address (the node's 6-byte mesh address).
type Recipient struct {
	Addr    [6]byte
	HasAddr bool
}

// DispatchFunc is a Stack's transport-specific send operation. request
// is the raw TFP frame bytes (header + payload, request.Length bytes
// long). recipient is nil for a broadcast attempt across all stacks;
// non-nil (even if zero-valued) for a directed dispatch once the router
// has located the owning stack.
type DispatchFunc func(request []byte, recipient *Recipient, force bool) Result

// DisconnectFunc is invoked once per known UID when a Stack is
// destroyed, to synthesize the enumerate-disconnected callback of
// spec §3.2/§8 ("exactly one enumerate-disconnected callback ... emitted
// to every connected client").
type DisconnectFunc func(uidLE uint32)

// Stack is the abstract endpoint of spec §3.2: a name, an append-only
// recipient table (UID -> opaque route, last-write-wins), and a
// dispatch function.
type Stack struct {
	Name string

	dispatch DispatchFunc

	mu        sync.RWMutex
	recipients map[uint32]Recipient // keyed by on-the-wire little-endian UID
	order      []uint32             // insertion order, for deterministic disconnect announcement

	onDisconnect DisconnectFunc
}

// New creates a Stack. dispatch performs the transport-specific send;
// onDisconnect is called once per known UID during Destroy.
func New(name string, dispatch DispatchFunc, onDisconnect DisconnectFunc) *Stack {
	return &Stack{
		Name:         name,
		dispatch:     dispatch,
		recipients:   make(map[uint32]Recipient),
		onDisconnect: onDisconnect,
	}
}

// AddRecipient records (or overwrites, last-write-wins) the opaque
// route for uidLE, appending to the append-only table (spec §3.2).
func (s *Stack) AddRecipient(uidLE uint32, r Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recipients[uidLE]; !exists {
		s.order = append(s.order, uidLE)
	}
	s.recipients[uidLE] = r
}

// GetRecipient returns the opaque route for uidLE, if known.
func (s *Stack) GetRecipient(uidLE uint32) (Recipient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[uidLE]
	return r, ok
}

// RemoveRecipient forgets uidLE, used when a disconnected callback
// reports a UID leaving the stack (spec §4.4 step 1: "disconnected
// additionally removes the recipient").
func (s *Stack) RemoveRecipient(uidLE uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recipients, uidLE)
	for i, u := range s.order {
		if u == uidLE {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// KnownUIDs returns every UID this stack currently knows about, in the
// order they were first learned.
func (s *Stack) KnownUIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint32, len(s.order))
	copy(out, s.order)
	return out
}

// Dispatch forwards a request to the transport (spec §4.3 dispatch
// contract).
func (s *Stack) Dispatch(request []byte, recipient *Recipient, force bool) Result {
	if s.dispatch == nil {
		return Err
	}
	return s.dispatch(request, recipient, force)
}

// Destroy announces disconnect for every known UID (one synthetic
// enumerate-disconnected callback each, spec §3.2) then clears the
// recipient table. The caller is responsible for unregistering the
// stack from the Hardware Registry afterward (spec §3.2 lifecycle:
// "announces disconnect ... on destruction; then unregistered").
func (s *Stack) Destroy() {
	uids := s.KnownUIDs()
	logx.Info(logx.ComponentStack, "stack destroyed, announcing disconnects", "name", s.Name, "uids", len(uids))
	for _, uid := range uids {
		if s.onDisconnect != nil {
			s.onDisconnect(uid)
		}
	}
	s.mu.Lock()
	s.recipients = make(map[uint32]Recipient)
	s.order = nil
	s.mu.Unlock()
}
