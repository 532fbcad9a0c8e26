package client

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"

	"github.com/tinkerforge/brickd/internal/logx"
	"github.com/tinkerforge/brickd/internal/tfp"
)

// authStateKind is the authentication state machine of spec §4.5.
type authStateKind int

const (
	authDisabled authStateKind = iota
	authUnauthenticated
	authNonceSent
	authAuthenticated
)

const (
	nonceSize  = 4
	digestSize = 20 // SHA-1 HMAC digest length
)

// authState is a Session's authentication handshake. The digest
// algorithm itself (SHA-1/HMAC) is treated as an external black box
// per the spec's non-goals and is implemented with the standard
// library rather than swapped for a different primitive; see
// DESIGN.md for the justification this requires.
type authState struct {
	secret      []byte
	state       authStateKind
	serverNonce [nonceSize]byte
}

func newAuthState(secret []byte) *authState {
	if len(secret) == 0 {
		return &authState{state: authDisabled}
	}
	return &authState{secret: secret, state: authUnauthenticated}
}

// permits reports whether header may be forwarded to the Router given
// the current authentication state (spec §4.5).
func (a *authState) permits(h tfp.Header) bool {
	switch a.state {
	case authDisabled, authAuthenticated:
		return true
	case authUnauthenticated, authNonceSent:
		return tfp.IsDaemonAuthRequest(h)
	default:
		return false
	}
}

// authOutcome is the result of handling a daemon-auth request locally.
type authOutcome struct {
	response   []byte // non-nil: write this frame back to the client
	disconnect bool   // true: close the session after writing response (if any)
}

// handle answers a GetAuthenticationNonce or Authenticate request
// without involving the Router, since the handshake is per-session
// state (spec §4.5).
func (a *authState) handle(h tfp.Header, payload []byte) authOutcome {
	switch h.FunctionID {
	case tfp.FunctionGetAuthenticationNonce:
		return a.handleGetNonce(h)
	case tfp.FunctionAuthenticate:
		return a.handleAuthenticate(h, payload)
	default:
		return authOutcome{}
	}
}

func (a *authState) handleGetNonce(h tfp.Header) authOutcome {
	if _, err := rand.Read(a.serverNonce[:]); err != nil {
		logx.Error(logx.ComponentClient, "failed to generate server nonce", "err", err)
		return authOutcome{disconnect: true}
	}
	a.state = authNonceSent

	resp := h
	resp.SetErrorCode(tfp.ErrorCodeOK)
	buf := make([]byte, tfp.HeaderSize+nonceSize)
	resp.Length = uint8(len(buf))
	_ = tfp.MarshalHeader(resp, buf)
	copy(buf[tfp.HeaderSize:], a.serverNonce[:])
	return authOutcome{response: buf}
}

func (a *authState) handleAuthenticate(h tfp.Header, payload []byte) authOutcome {
	if len(payload) < nonceSize+digestSize {
		logx.Warn(logx.ComponentClient, "authenticate payload too short, closing session")
		return authOutcome{disconnect: true}
	}
	clientNonce := payload[0:nonceSize]
	clientDigest := payload[nonceSize : nonceSize+digestSize]

	mac := hmac.New(sha1.New, a.secret)
	mac.Write(a.serverNonce[:])
	mac.Write(clientNonce)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, clientDigest) {
		logx.Warn(logx.ComponentClient, "authentication digest mismatch, closing session")
		return authOutcome{disconnect: true}
	}

	a.state = authAuthenticated
	logx.Info(logx.ComponentClient, "client authenticated")

	resp := h
	resp.SetErrorCode(tfp.ErrorCodeOK)
	buf := make([]byte, tfp.HeaderSize)
	resp.Length = uint8(len(buf))
	_ = tfp.MarshalHeader(resp, buf)
	return authOutcome{response: buf}
}
