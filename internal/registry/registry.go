// Package registry owns the set of active peer sessions. A session is
// present in the map if and only if its engine handle is live.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/engine"
	"github.com/telemir/signalmesh/internal/negotiation"
	"github.com/telemir/signalmesh/lib/logger/sl"
)

var ErrPeerExists = errors.New("peer already registered")

// Registry maps peer IDs to their negotiation sessions. Add and
// remove are exclusive per key; lookups are concurrent and never
// observe a half-constructed session, because the engine and media
// branch are fully built before the map insert.
type Registry struct {
	factory engine.Factory
	source  engine.Source // optional shared fan-out
	out     negotiation.Outbound
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[domain.PeerID]*negotiation.Session
}

func New(factory engine.Factory, source engine.Source, out negotiation.Outbound, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		factory:  factory,
		source:   source,
		out:      out,
		log:      log,
		sessions: make(map[domain.PeerID]*negotiation.Session),
	}
}

// Add registers a new peer session. The engine and its media branch
// are constructed before insertion. Returns ErrPeerExists when the
// peer ID is already registered; the existing session is untouched.
func (r *Registry) Add(peer domain.PeerID, role domain.NegotiationRole) (*negotiation.Session, error) {
	const op = "registry.add"

	r.mu.RLock()
	_, exists := r.sessions[peer]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%s: %s: %w", op, peer, ErrPeerExists)
	}

	eng, err := r.factory.New(peer)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, peer, err)
	}

	if r.source != nil {
		if err := r.source.AddBranch(peer, eng); err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("%s: %s: %w", op, peer, err)
		}
	}

	sess := negotiation.NewSession(negotiation.Config{
		Peer:      peer,
		Role:      role,
		Engine:    eng,
		Out:       r.out,
		OnFailure: r.onSessionFailure,
		Log:       r.log,
	})

	r.mu.Lock()
	if _, exists := r.sessions[peer]; exists {
		r.mu.Unlock()
		if r.source != nil {
			r.source.RemoveBranch(peer)
		}
		sess.Teardown()
		return nil, fmt.Errorf("%s: %s: %w", op, peer, ErrPeerExists)
	}
	r.sessions[peer] = sess
	r.mu.Unlock()

	r.log.Info("peer registered",
		slog.String("peer", peer.String()),
		slog.String("role", role.String()),
	)
	return sess, nil
}

// Remove unregisters and tears down a peer session. Removing an
// unknown peer is a no-op. The session leaves the map before its
// engine handle is released, keeping the registered-implies-live
// invariant.
func (r *Registry) Remove(peer domain.PeerID) {
	r.mu.Lock()
	sess, ok := r.sessions[peer]
	if ok {
		delete(r.sessions, peer)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if r.source != nil {
		r.source.RemoveBranch(peer)
	}
	sess.Teardown()

	r.log.Info("peer removed", slog.String("peer", peer.String()))
}

// Get returns the session for peer, if registered.
func (r *Registry) Get(peer domain.PeerID) (*negotiation.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[peer]
	return sess, ok
}

// Peers returns the registered peer IDs.
func (r *Registry) Peers() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.sessions))
	for peer := range r.sessions {
		out = append(out, peer)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down every session.
func (r *Registry) Close() {
	for _, peer := range r.Peers() {
		r.Remove(peer)
	}
}

func (r *Registry) onSessionFailure(peer domain.PeerID, err error) {
	r.log.Error("session failed, removing peer",
		slog.String("peer", peer.String()),
		sl.Err(err),
	)
	r.Remove(peer)
}
