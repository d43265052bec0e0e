package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type PeerStatus string

const (
	PeerStatusConnected    PeerStatus = "connected"
	PeerStatusConnecting   PeerStatus = "connecting"
	PeerStatusDisconnected PeerStatus = "disconnected"
)

const eventBuffer = 16

// Peer represents an active participant in a room. The negotiation
// session for the peer lives in the room's registry under the same ID.
type Peer struct {
	ID          PeerID
	UserID      uuid.UUID
	DisplayName string
	Role        NegotiationRole
	Status      PeerStatus
	JoinedAt    time.Time
	LastSeen    time.Time
	Mutex       sync.RWMutex
	Socket      *websocket.Conn
	Events      chan SignalMessage

	done   chan struct{} // closed by CloseEvents
	closed bool          // guarded by Mutex
}

func NewPeer(userID uuid.UUID, displayName string, role NegotiationRole) *Peer {
	return &Peer{
		ID:          PeerID(uuid.New().String()),
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		Status:      PeerStatusConnecting,
		JoinedAt:    time.Now().UTC(),
		LastSeen:    time.Now().UTC(),
		Events:      make(chan SignalMessage, eventBuffer),
		done:        make(chan struct{}),
	}
}

func (p *Peer) Touch() {
	p.Mutex.Lock()
	defer p.Mutex.Unlock()
	p.LastSeen = time.Now().UTC()
}

// EnqueueEvent delivers an event without blocking; a full buffer
// drops the event rather than stalling the sender. After CloseEvents
// the event is dropped: senders may hold a peer pointer snapshotted
// before teardown, so Events itself is never closed.
func (p *Peer) EnqueueEvent(event SignalMessage) {
	p.Mutex.RLock()
	defer p.Mutex.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.Events <- event:
	default:
	}
}

// CloseEvents shuts the event stream down: pending events stay
// readable, new ones are dropped and Done fires.
func (p *Peer) CloseEvents() {
	p.Mutex.Lock()
	defer p.Mutex.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.done != nil {
		close(p.done)
	}
}

// Done is closed once the event stream has been shut down.
func (p *Peer) Done() <-chan struct{} {
	p.Mutex.RLock()
	defer p.Mutex.RUnlock()
	return p.done
}

// ResetEvents gives a peer restored from storage a fresh event stream.
func (p *Peer) ResetEvents() {
	p.Mutex.Lock()
	defer p.Mutex.Unlock()
	p.Events = make(chan SignalMessage, eventBuffer)
	p.done = make(chan struct{})
	p.closed = false
}

func (p *Peer) SetStatus(status PeerStatus) {
	p.Mutex.Lock()
	defer p.Mutex.Unlock()
	p.Status = status
}
