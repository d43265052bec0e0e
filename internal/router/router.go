// Package router delivers typed signaling events to named mailboxes.
// Each mailbox is processed by a single goroutine in arrival order;
// mailboxes run concurrently with respect to each other.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/lib/logger/sl"
)

var (
	ErrNoRoute      = errors.New("no route for address")
	ErrAddressInUse = errors.New("address already spawned")
	ErrMailboxFull  = errors.New("mailbox full")
)

const mailboxDepth = 64

// Scope distinguishes the logical roles a mailbox can serve.
type Scope int

const (
	ScopeServer Scope = iota
	ScopeClient
	ScopePeer
	ScopeRoomMember
)

// Address is a typed routing key. Global roles leave Peer empty.
type Address struct {
	Scope Scope
	Peer  domain.PeerID
}

func ServerAddress() Address              { return Address{Scope: ScopeServer} }
func ClientAddress() Address              { return Address{Scope: ScopeClient} }
func PeerAddress(p domain.PeerID) Address { return Address{Scope: ScopePeer, Peer: p} }
func RoomAddress(p domain.PeerID) Address { return Address{Scope: ScopeRoomMember, Peer: p} }

func (a Address) String() string {
	switch a.Scope {
	case ScopeServer:
		return "server"
	case ScopeClient:
		return "client"
	case ScopePeer:
		return "webrtc_" + a.Peer.String()
	case ScopeRoomMember:
		return "web_socket_" + a.Peer.String()
	default:
		return "unknown"
	}
}

// Handler processes one event at a time. A returned error counts as a
// unit failure and triggers the restart policy; recoverable conditions
// (protocol violations and the like) should be logged and swallowed by
// the handler itself.
type Handler interface {
	Handle(ev domain.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev domain.Event) error

func (f HandlerFunc) Handle(ev domain.Event) error { return f(ev) }

// RestartPolicy decides what happens after a unit failure.
type RestartPolicy int

const (
	// RestartNever stops the unit on the first failure.
	RestartNever RestartPolicy = iota
	// RestartTries restarts up to MaxRestarts times, then stops.
	RestartTries
	// RestartBackoff restarts indefinitely, sleeping Backoff between
	// attempts.
	RestartBackoff
)

// Supervision is the per-unit restart configuration. A restarted unit
// gets a fresh handler from its factory: in-memory state is lost and
// in-flight work must be treated as failed by the remote side.
type Supervision struct {
	Policy      RestartPolicy
	MaxRestarts int
	Backoff     time.Duration
}

// Router owns the routing table. Nothing here is stringly typed; a
// missing route is a visible ErrNoRoute, not a silently dropped tell.
type Router struct {
	log *slog.Logger

	mu     sync.RWMutex
	routes map[Address]*route
	wg     sync.WaitGroup
}

type route struct {
	addr       Address
	mailbox    chan domain.Event
	newHandler func() Handler
	sup        Supervision
	quit       chan struct{}
	stopOnce   sync.Once
}

func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:    log,
		routes: make(map[Address]*route),
	}
}

// Spawn registers a mailbox at addr and starts its processing loop.
func (r *Router) Spawn(addr Address, newHandler func() Handler, sup Supervision) error {
	rt := &route{
		addr:       addr,
		mailbox:    make(chan domain.Event, mailboxDepth),
		newHandler: newHandler,
		sup:        sup,
		quit:       make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.routes[addr]; exists {
		r.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", addr, ErrAddressInUse)
	}
	r.routes[addr] = rt
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(rt)

	r.log.Debug("mailbox spawned", slog.String("address", addr.String()))
	return nil
}

// Send delivers an event to the mailbox at addr. Delivery is
// non-blocking; a full mailbox is reported, not waited on.
func (r *Router) Send(addr Address, ev domain.Event) error {
	r.mu.RLock()
	rt, ok := r.routes[addr]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", addr, ErrNoRoute)
	}

	select {
	case rt.mailbox <- ev:
		return nil
	case <-rt.quit:
		return fmt.Errorf("send to %s: %w", addr, ErrNoRoute)
	default:
		return fmt.Errorf("send to %s: %w", addr, ErrMailboxFull)
	}
}

// Has reports whether a mailbox is registered at addr.
func (r *Router) Has(addr Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[addr]
	return ok
}

// Stop shuts down the mailbox at addr, if any.
func (r *Router) Stop(addr Address) {
	r.mu.Lock()
	rt, ok := r.routes[addr]
	if ok {
		delete(r.routes, addr)
	}
	r.mu.Unlock()

	if ok {
		rt.stop()
	}
}

// Shutdown stops every mailbox and waits for the loops to exit.
func (r *Router) Shutdown() {
	r.mu.Lock()
	routes := make([]*route, 0, len(r.routes))
	for _, rt := range r.routes {
		routes = append(routes, rt)
	}
	r.routes = make(map[Address]*route)
	r.mu.Unlock()

	for _, rt := range routes {
		rt.stop()
	}
	r.wg.Wait()
}

func (rt *route) stop() {
	rt.stopOnce.Do(func() { close(rt.quit) })
}

func (r *Router) run(rt *route) {
	defer r.wg.Done()

	handler := rt.newHandler()
	restarts := 0

	for {
		select {
		case <-rt.quit:
			return
		case ev := <-rt.mailbox:
			err := dispatch(handler, ev)
			if err == nil {
				continue
			}

			r.log.Error("mailbox unit failed",
				slog.String("address", rt.addr.String()),
				slog.Int("restarts", restarts),
				sl.Err(err),
			)

			if !rt.sup.allows(restarts) {
				r.log.Warn("mailbox stopped by restart policy",
					slog.String("address", rt.addr.String()),
				)
				r.unregister(rt)
				return
			}

			if rt.sup.Backoff > 0 {
				select {
				case <-rt.quit:
					return
				case <-time.After(rt.sup.Backoff):
				}
			}

			// Fresh handler: the restarted unit loses all in-memory state.
			handler = rt.newHandler()
			restarts++
		}
	}
}

func (s Supervision) allows(restarts int) bool {
	switch s.Policy {
	case RestartNever:
		return false
	case RestartTries:
		return restarts < s.MaxRestarts
	case RestartBackoff:
		return true
	default:
		return false
	}
}

func (r *Router) unregister(rt *route) {
	r.mu.Lock()
	if current, ok := r.routes[rt.addr]; ok && current == rt {
		delete(r.routes, rt.addr)
	}
	r.mu.Unlock()
	rt.stop()
}

// dispatch shields the loop from handler panics: a panic is converted
// into a unit failure instead of taking down unrelated mailboxes.
func dispatch(h Handler, ev domain.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(ev)
}
