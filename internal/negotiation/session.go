// Package negotiation drives the SDP/ICE exchange for one peer
// session against an external media engine.
package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/engine"
	"github.com/telemir/signalmesh/lib/logger/sl"
)

var (
	// ErrProtocolViolation marks an SDP that is invalid for the
	// session's current state. The caller logs and discards the
	// message; the session is left untouched.
	ErrProtocolViolation = errors.New("protocol violation")

	ErrSessionClosed = errors.New("session closed")
)

// State of the negotiation, advanced on engine completion.
type State int

const (
	StateIdle State = iota
	StateOfferCreated
	StateLocalDescriptionSet
	StateAnswerCreated
	StateRemoteDescriptionSet
	StateStable
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferCreated:
		return "offer-created"
	case StateLocalDescriptionSet:
		return "local-description-set"
	case StateAnswerCreated:
		return "answer-created"
	case StateRemoteDescriptionSet:
		return "remote-description-set"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outbound receives events addressed to the session's remote peer.
type Outbound interface {
	Deliver(ev domain.Event)
}

// OutboundFunc adapts a function to the Outbound interface.
type OutboundFunc func(ev domain.Event)

func (f OutboundFunc) Deliver(ev domain.Event) { f(ev) }

type discardOutbound struct{}

func (discardOutbound) Deliver(domain.Event) {}

// Config assembles a session. Peer, Role and Engine are required.
type Config struct {
	Peer   domain.PeerID
	Role   domain.NegotiationRole
	Engine engine.Engine
	Out    Outbound

	// OnFailure is invoked once when an engine operation fails
	// terminally. The hook is expected to remove the session from
	// its registry, which tears it down.
	OnFailure func(peer domain.PeerID, err error)

	Log *slog.Logger
}

// Session is the per-peer negotiation state machine. Engine
// completions fire on the engine's call queue; every continuation
// re-checks the closed flag under the session lock before touching
// anything, so a callback landing after Teardown is a no-op.
type Session struct {
	peer      domain.PeerID
	role      domain.NegotiationRole
	eng       engine.Engine
	out       Outbound
	onFailure func(domain.PeerID, error)
	log       *slog.Logger

	mu            sync.Mutex
	state         State
	pendingICE    []domain.IceCandidate
	remoteApplied bool
	closed        bool
}

func NewSession(cfg Config) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	out := cfg.Out
	if out == nil {
		out = discardOutbound{}
	}

	s := &Session{
		peer:      cfg.Peer,
		role:      cfg.Role,
		eng:       cfg.Engine,
		out:       out,
		onFailure: cfg.OnFailure,
		log: log.With(
			slog.String("peer", cfg.Peer.String()),
			slog.String("role", cfg.Role.String()),
		),
		state: StateIdle,
	}

	s.eng.OnICECandidate(s.onLocalCandidate)
	s.eng.OnNegotiationNeeded(s.onNegotiationNeeded)
	s.eng.OnConnectionStateChange(s.onConnectionState)

	return s
}

func (s *Session) Peer() domain.PeerID { return s.peer }

func (s *Session) Role() domain.NegotiationRole { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingICE returns a copy of the buffered candidate queue.
func (s *Session) PendingICE() []domain.IceCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.IceCandidate, len(s.pendingICE))
	copy(out, s.pendingICE)
	return out
}

// StartNegotiation asks the engine for an offer. Valid only for
// initiator sessions in the idle state. On completion the offer is
// set as the local description and emitted to the remote peer.
func (s *Session) StartNegotiation() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.role != domain.RoleInitiator || s.state != StateIdle {
		err := fmt.Errorf("start negotiation as %s in state %s: %w", s.role, s.state, ErrProtocolViolation)
		s.mu.Unlock()
		return err
	}
	// Marks the offer as requested so a second start is rejected.
	s.state = StateOfferCreated
	s.mu.Unlock()

	s.eng.CreateOffer(func(sdp string, err error) {
		if err != nil {
			s.fail(fmt.Errorf("create offer: %w", err))
			return
		}
		if !s.alive() {
			return
		}
		s.eng.SetLocalDescription(domain.SdpOffer, sdp, func(err error) {
			if err != nil {
				s.fail(fmt.Errorf("set local offer: %w", err))
				return
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.state = StateLocalDescriptionSet
			s.mu.Unlock()

			s.out.Deliver(domain.LocalSDP{To: s.peer, Kind: domain.SdpOffer, SDP: sdp})
		})
	})
	return nil
}

// HandleRemoteSDP applies a remote offer or answer. Any (state, kind)
// combination outside the two valid ones is reported as a protocol
// violation and leaves the session unchanged.
func (s *Session) HandleRemoteSDP(kind domain.SdpKind, sdp string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	switch {
	case kind == domain.SdpOffer && s.role == domain.RoleResponder && s.state == StateIdle:
		s.state = StateRemoteDescriptionSet
		s.mu.Unlock()
		s.applyRemoteOffer(sdp)
		return nil

	case kind == domain.SdpAnswer && s.role == domain.RoleInitiator && s.state == StateLocalDescriptionSet:
		s.state = StateRemoteDescriptionSet
		s.mu.Unlock()
		s.eng.SetRemoteDescription(domain.SdpAnswer, sdp, func(err error) {
			if err != nil {
				s.fail(fmt.Errorf("set remote answer: %w", err))
				return
			}
			s.settle()
		})
		return nil

	default:
		err := fmt.Errorf("%s as %s in state %s: %w", kind, s.role, s.state, ErrProtocolViolation)
		s.mu.Unlock()
		s.log.Warn("discarding unexpected sdp", sl.Err(err))
		return err
	}
}

func (s *Session) applyRemoteOffer(sdp string) {
	s.eng.SetRemoteDescription(domain.SdpOffer, sdp, func(err error) {
		if err != nil {
			s.fail(fmt.Errorf("set remote offer: %w", err))
			return
		}
		if !s.alive() {
			return
		}
		s.eng.CreateAnswer(func(answer string, err error) {
			if err != nil {
				s.fail(fmt.Errorf("create answer: %w", err))
				return
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.state = StateAnswerCreated
			s.mu.Unlock()

			s.eng.SetLocalDescription(domain.SdpAnswer, answer, func(err error) {
				if err != nil {
					s.fail(fmt.Errorf("set local answer: %w", err))
					return
				}
				s.settle()
				s.out.Deliver(domain.LocalSDP{To: s.peer, Kind: domain.SdpAnswer, SDP: answer})
			})
		})
	})
}

// settle moves the session to stable and flushes the buffered ICE
// queue, in arrival order, under the lock; a candidate arriving
// concurrently cannot overtake the buffered ones.
func (s *Session) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = StateStable

	for _, c := range s.pendingICE {
		if err := s.eng.AddICECandidate(c); err != nil {
			s.log.Warn("skipping buffered ice candidate rejected by engine", sl.Err(err))
		}
	}
	s.pendingICE = nil
	s.remoteApplied = true
}

// HandleICECandidate forwards a remote candidate to the engine, or
// buffers it when the remote description is not yet applied. A
// candidate the engine rejects is logged and skipped.
func (s *Session) HandleICECandidate(c domain.IceCandidate) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.remoteApplied {
		s.pendingICE = append(s.pendingICE, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.eng.AddICECandidate(c); err != nil {
		s.log.Warn("skipping ice candidate rejected by engine", sl.Err(err))
	}
	return nil
}

// Teardown closes the session and releases the engine handle. Safe to
// call more than once; continuations firing afterwards see the closed
// flag and do nothing.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.pendingICE = nil
	s.mu.Unlock()

	_ = s.eng.Close()
}

func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// onLocalCandidate forwards engine-discovered candidates to the remote
// peer regardless of negotiation state (trickle ICE).
func (s *Session) onLocalCandidate(c domain.IceCandidate) {
	if !s.alive() {
		return
	}
	s.out.Deliver(domain.LocalICE{To: s.peer, Candidate: c})
}

func (s *Session) onNegotiationNeeded() {
	if s.role != domain.RoleInitiator {
		return
	}
	if err := s.StartNegotiation(); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Warn("negotiation-needed ignored", sl.Err(err))
	}
}

func (s *Session) onConnectionState(state engine.ConnectionState) {
	s.log.Debug("connection state", slog.String("state", state.String()))
	if state == engine.ConnectionFailed {
		s.fail(errors.New("engine reported failed connection state"))
	}
}

// fail records a terminal engine failure once and hands the session to
// the failure hook for teardown.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	s.log.Error("negotiation failed", sl.Err(err))
	if s.onFailure != nil {
		s.onFailure(s.peer, err)
	}
}
