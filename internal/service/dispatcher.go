package service

import (
	"errors"
	"log/slog"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/negotiation"
	"github.com/telemir/signalmesh/internal/registry"
	"github.com/telemir/signalmesh/internal/router"
	"github.com/telemir/signalmesh/lib/logger/sl"
)

// Dispatcher connects a transport to the negotiation layer. Inbound
// events land in a per-peer mailbox so each peer's messages are
// handled in order without blocking the transport's read loop; the
// mailbox handler drives the peer's session in the registry.
type Dispatcher struct {
	registry *registry.Registry
	router   *router.Router
	role     domain.NegotiationRole
	sup      router.Supervision
	log      *slog.Logger
}

func NewDispatcher(reg *registry.Registry, rt *router.Router, role domain.NegotiationRole, sup router.Supervision, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		router:   rt,
		role:     role,
		sup:      sup,
		log:      log,
	}
}

// HandleEvent implements transport.EventSink.
func (d *Dispatcher) HandleEvent(ev domain.Event) {
	switch ev.(type) {
	case domain.PeerJoined:
		if err := d.admit(ev.Peer(), d.role); err != nil {
			d.log.Error("failed to admit peer", slog.String("peer", string(ev.Peer())), sl.Err(err))
		}
	case domain.PeerLeft:
		d.Evict(ev.Peer())
	case domain.RemoteSDP, domain.RemoteICE:
		d.deliver(ev)
	default:
		d.log.Warn("unhandled transport event dropped", slog.String("peer", string(ev.Peer())))
	}
}

// Call opens an initiator session toward peer and starts negotiation.
func (d *Dispatcher) Call(peer domain.PeerID) error {
	if err := d.admit(peer, domain.RoleInitiator); err != nil {
		return err
	}
	sess, ok := d.registry.Get(peer)
	if !ok {
		return negotiation.ErrSessionClosed
	}
	return sess.StartNegotiation()
}

// Evict tears down the peer's mailbox and session. Safe to call for
// unknown peers.
func (d *Dispatcher) Evict(peer domain.PeerID) {
	d.router.Stop(router.PeerAddress(peer))
	d.registry.Remove(peer)
}

func (d *Dispatcher) Shutdown() {
	d.router.Shutdown()
	d.registry.Close()
}

func (d *Dispatcher) deliver(ev domain.Event) {
	peer := ev.Peer()
	addr := router.PeerAddress(peer)

	// An unsolicited offer admits the sender as a new peer, letting
	// remotes dial in without a prior join announcement.
	if !d.router.Has(addr) {
		if sdp, ok := ev.(domain.RemoteSDP); ok && sdp.Kind == domain.SdpOffer {
			if err := d.admit(peer, domain.RoleResponder); err != nil {
				d.log.Error("failed to admit calling peer", slog.String("peer", string(peer)), sl.Err(err))
				return
			}
		}
	}

	if err := d.router.Send(addr, ev); err != nil {
		if errors.Is(err, router.ErrMailboxFull) {
			d.log.Warn("peer mailbox full, event dropped", slog.String("peer", string(peer)))
			return
		}
		d.log.Debug("no route for event", slog.String("peer", string(peer)), sl.Err(err))
	}
}

func (d *Dispatcher) admit(peer domain.PeerID, role domain.NegotiationRole) error {
	if _, err := d.registry.Add(peer, role); err != nil {
		if errors.Is(err, registry.ErrPeerExists) {
			return nil
		}
		return err
	}

	err := d.router.Spawn(router.PeerAddress(peer), func() router.Handler {
		return &peerHandler{d: d, peer: peer}
	}, d.sup)
	if err != nil && !errors.Is(err, router.ErrAddressInUse) {
		d.registry.Remove(peer)
		return err
	}
	return nil
}

// peerHandler runs inside the peer's mailbox goroutine. Protocol
// violations are logged and swallowed; returning an error would
// trigger a supervised restart, which is reserved for panics and
// genuine handler faults.
type peerHandler struct {
	d    *Dispatcher
	peer domain.PeerID
}

func (h *peerHandler) Handle(ev domain.Event) error {
	sess, ok := h.d.registry.Get(h.peer)
	if !ok {
		h.d.log.Debug("event for unregistered peer dropped", slog.String("peer", string(h.peer)))
		return nil
	}

	switch e := ev.(type) {
	case domain.RemoteSDP:
		if err := sess.HandleRemoteSDP(e.Kind, e.SDP); err != nil {
			if errors.Is(err, negotiation.ErrProtocolViolation) || errors.Is(err, negotiation.ErrSessionClosed) {
				h.d.log.Warn("sdp discarded",
					slog.String("peer", string(h.peer)),
					slog.String("kind", e.Kind.String()),
					sl.Err(err),
				)
				return nil
			}
			return err
		}
	case domain.RemoteICE:
		if err := sess.HandleICECandidate(e.Candidate); err != nil {
			if errors.Is(err, negotiation.ErrSessionClosed) {
				return nil
			}
			return err
		}
	}
	return nil
}
