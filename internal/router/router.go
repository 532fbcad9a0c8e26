// Package router implements the Router (C4) of spec §4.4: central
// request fan-out to stacks and response fan-in to clients.
package router

import (
	"time"

	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/metrics"
	"github.com/tinkerforge/brickd/internal/stack"
	"github.com/tinkerforge/brickd/internal/tfp"
)

// Client is the subset of a client session (internal/client.Session)
// the Router needs, kept as an interface here so this package never
// imports internal/client — only internal/client imports
// internal/router, avoiding a cycle.
type Client interface {
	// AddPending records a response-expected request so a later
	// response can be matched back to this client (spec §4.4 step 4).
	AddPending(p tfp.Pending)
	// MatchAndDeliver checks this client's pending-request queue for an
	// entry matching header; if found, removes it and writes frame to
	// the client's send buffer, returning true.
	MatchAndDeliver(header tfp.Header, frame []byte) bool
	// DeliverCallback writes a callback frame to the client's send
	// buffer, unless the client is flagged slow, in which case it is
	// dropped (spec §4.4 "Broadcast dropping").
	DeliverCallback(frame []byte) (delivered bool)
	// IsSlow reports the client's back-pressure flag (send buffer at
	// high-water mark).
	IsSlow() bool
	// ExpirePendingOlderThan discards pending entries older than
	// threshold and returns how many were discarded.
	ExpirePendingOlderThan(threshold time.Duration) int
}

// ClientDirectory enumerates the currently active client sessions.
type ClientDirectory interface {
	ForEach(func(Client))
}

// DaemonHandler answers requests addressed to the daemon itself (the
// authentication functions matched by tfp.IsDaemonAuthRequest, spec
// §4.4 step 1, §4.5). cmd/brickd/main.go supplies it as
// daemonAuthHandler; the Router only invokes it and holds no
// authentication logic itself.
type DaemonHandler func(client Client, header tfp.Header, payload []byte)

// Router implements spec §4.4. It holds no lifetime over stacks; all
// iteration is via Registry.ForEach snapshots (spec §3.7).
type Router struct {
	registry *stack.Registry
	clients  ClientDirectory
	daemon   DaemonHandler
}

// New creates a Router bound to the given Hardware Registry and client
// directory. daemon handles the requests tfp.IsDaemonAuthRequest matches
// (function 1 or 2 on uid 0 or uid 1).
func New(registry *stack.Registry, clients ClientDirectory, daemon DaemonHandler) *Router {
	return &Router{registry: registry, clients: clients, daemon: daemon}
}

// DispatchRequest implements spec §4.4 dispatch_request. frame is the
// full TFP request (header.Length bytes).
//
// Spec §3.1/§4.4 says uid 0 addresses the daemon; spec §6 separately
// says the authentication handshake lives on function IDs 1/2 "on UID
// 1". The Router reconciles the two this way: only the
// authentication functions are treated as daemon-addressed (accepting
// either UID per tfp.IsDaemonAuthRequest); any other request with uid 0
// is the genuine TFP broadcast address and falls through to the
// broadcast branch below, so both spec passages hold without uid 0
// swallowing every broadcast.
func (r *Router) DispatchRequest(client Client, header tfp.Header, frame []byte) {
	if tfp.IsDaemonAuthRequest(header) {
		if r.daemon != nil {
			r.daemon(client, header, frame[tfp.HeaderSize:header.Length])
		}
		return
	}

	if header.UID == tfp.UIDDaemon {
		// A genuine broadcast (uid 0, not an auth function): offer to
		// every stack in registration order, force=false, so each stack
		// can decide accepted/dropped on its own terms.
		accepted := 0
		r.registry.ForEach(func(s *stack.Stack) {
			if res := s.Dispatch(frame, nil, false); res == stack.Accepted {
				accepted++
			}
		})
		logx.Debug(logx.ComponentRouter, "broadcast request dispatched", "fid", header.FunctionID, "accepted", accepted)
	} else {
		// Directed: find the first stack whose recipient table claims
		// this uid, then dispatch with force=true and stop.
		dispatched := false
		r.registry.ForEach(func(s *stack.Stack) {
			if dispatched {
				return
			}
			recipient, ok := s.GetRecipient(header.UID)
			if !ok {
				return
			}
			res := s.Dispatch(frame, &recipient, true)
			dispatched = true
			if res == stack.Err {
				logx.Warn(logx.ComponentRouter, "directed dispatch failed", "uid", header.UID, "stack", s.Name)
			}
		})
		if !dispatched {
			logx.Debug(logx.ComponentRouter, "no stack claims uid, request dropped", "uid", header.UID)
			metrics.RouterDirectedDropped.Inc()
		}
	}

	if header.ResponseExpected() {
		client.AddPending(tfp.Pending{
			UID:            header.UID,
			FunctionID:     header.FunctionID,
			SequenceNumber: header.SequenceNumber(),
		})
	}
}

// DispatchResponse implements spec §4.4 dispatch_response. origin is
// the stack the response arrived on; a stack's Destroy() announcements
// also pass that stack. With a nil origin no recipient table is updated.
// recipient is the opaque route to record for enumerate-available/
// connected callbacks (ignored for other responses).
func (r *Router) DispatchResponse(origin *stack.Stack, header tfp.Header, frame []byte, recipient Recipient) {
	if origin != nil && header.FunctionID == tfp.FunctionEnumerateCallback {
		if cb, ok := tfp.ParseEnumerateCallback(frame[tfp.HeaderSize:]); ok {
			switch cb.Type {
			case tfp.EnumerationTypeAvailable, tfp.EnumerationTypeConnected:
				origin.AddRecipient(header.UID, stack.Recipient{Addr: recipient.Addr, HasAddr: recipient.HasAddr})
			case tfp.EnumerationTypeDisconnected:
				origin.RemoveRecipient(header.UID)
			}
		}
	}

	if header.IsCallback() {
		dropped := 0
		r.clients.ForEach(func(c Client) {
			if c.IsSlow() {
				dropped++
				return
			}
			c.DeliverCallback(frame)
		})
		if dropped > 0 {
			logx.Warn(logx.ComponentRouter, "dropped callback for slow clients", "count", dropped)
			metrics.RouterCallbacksDropped.Add(float64(dropped))
		}
		return
	}

	delivered := false
	r.clients.ForEach(func(c Client) {
		if delivered {
			return
		}
		if c.MatchAndDeliver(header, frame) {
			delivered = true
		}
	})
	if !delivered {
		logx.Debug(logx.ComponentRouter, "response matched no pending client request", "uid", header.UID, "fid", header.FunctionID)
	}
}

// Recipient is the router-facing mirror of stack.Recipient, kept
// separate so callers outside internal/stack (USB, SPITFP, mesh) don't
// need to import that package just to report an opaque route.
type Recipient = stack.Recipient

// SweepExpiredPending discards pending-request entries older than
// PendingExpiry across every active client (spec §4.4 step 3). Call
// periodically from a reactor timer.
func (r *Router) SweepExpiredPending() {
	total := 0
	r.clients.ForEach(func(c Client) {
		total += c.ExpirePendingOlderThan(PendingExpiry)
	})
	if total > 0 {
		logx.Debug(logx.ComponentRouter, "expired stale pending requests", "count", total)
	}
}
