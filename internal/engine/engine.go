// Package engine defines the contract the negotiation core expects
// from an external WebRTC peer-connection engine, plus a pion-backed
// implementation. The state machine never talks to pion directly.
package engine

import (
	"errors"

	"github.com/telemir/signalmesh/internal/domain"
)

var (
	ErrEngineClosed = errors.New("engine closed")
	ErrBranchExists = errors.New("branch already exists")
)

// ConnectionState mirrors the engine's connection lifecycle.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine is one peer connection. Create and set operations complete
// asynchronously through their callback, invoked from the engine's own
// serialized call queue: two operations submitted in order are applied
// in order, and the caller is never blocked on engine work.
//
// Close is idempotent. Callbacks registered through the On* hooks may
// fire at any time until Close returns.
type Engine interface {
	CreateOffer(done func(sdp string, err error))
	CreateAnswer(done func(sdp string, err error))
	SetLocalDescription(kind domain.SdpKind, sdp string, done func(err error))
	SetRemoteDescription(kind domain.SdpKind, sdp string, done func(err error))
	AddICECandidate(c domain.IceCandidate) error

	OnICECandidate(fn func(domain.IceCandidate))
	OnNegotiationNeeded(fn func())
	OnConnectionStateChange(fn func(ConnectionState))

	Close() error
}

// Factory creates one engine per peer session.
type Factory interface {
	New(peer domain.PeerID) (Engine, error)
}

// Source is a shared media fan-out point. AddBranch wires a peer's
// engine into the distribution so it receives the shared stream;
// RemoveBranch unlinks it using the block-unlink-unblock discipline so
// in-flight media never lands in a half-destroyed branch.
type Source interface {
	AddBranch(peer domain.PeerID, e Engine) error
	RemoveBranch(peer domain.PeerID)
	Close() error
}
