// Package enginetest provides an instrumented in-memory engine for
// exercising the negotiation core without a real peer connection.
package enginetest

import (
	"sync"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/engine"
)

// Op records one engine invocation in call order.
type Op struct {
	Name      string // "create-offer", "create-answer", "set-local", "set-remote", "add-ice", "close"
	Kind      domain.SdpKind
	SDP       string
	Candidate domain.IceCandidate
}

// Fake is a scriptable engine. Callbacks fire synchronously unless
// Hold is set, in which case they are parked until Fire is called;
// that is how teardown races are simulated.
type Fake struct {
	mu sync.Mutex

	OfferSDP  string
	OfferErr  error
	AnswerSDP string
	AnswerErr error

	SetLocalErr  error
	SetRemoteErr error
	AddICEErr    func(domain.IceCandidate) error

	Hold bool

	ops      []Op
	held     []func()
	released bool

	iceCb   func(domain.IceCandidate)
	negCb   func()
	stateCb func(engine.ConnectionState)
}

var _ engine.Engine = (*Fake)(nil)

func (f *Fake) record(op Op) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *Fake) complete(fn func()) {
	f.mu.Lock()
	if f.Hold {
		f.held = append(f.held, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn()
}

// Fire releases every held completion in submission order.
func (f *Fake) Fire() {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.mu.Unlock()

	for _, fn := range held {
		fn()
	}
}

func (f *Fake) CreateOffer(done func(string, error)) {
	f.record(Op{Name: "create-offer"})
	f.complete(func() { done(f.OfferSDP, f.OfferErr) })
}

func (f *Fake) CreateAnswer(done func(string, error)) {
	f.record(Op{Name: "create-answer"})
	f.complete(func() { done(f.AnswerSDP, f.AnswerErr) })
}

func (f *Fake) SetLocalDescription(kind domain.SdpKind, sdp string, done func(error)) {
	f.record(Op{Name: "set-local", Kind: kind, SDP: sdp})
	f.complete(func() { done(f.SetLocalErr) })
}

func (f *Fake) SetRemoteDescription(kind domain.SdpKind, sdp string, done func(error)) {
	f.record(Op{Name: "set-remote", Kind: kind, SDP: sdp})
	f.complete(func() { done(f.SetRemoteErr) })
}

func (f *Fake) AddICECandidate(c domain.IceCandidate) error {
	f.record(Op{Name: "add-ice", Candidate: c})
	if f.AddICEErr != nil {
		return f.AddICEErr(c)
	}
	return nil
}

func (f *Fake) OnICECandidate(fn func(domain.IceCandidate)) {
	f.mu.Lock()
	f.iceCb = fn
	f.mu.Unlock()
}

func (f *Fake) OnNegotiationNeeded(fn func()) {
	f.mu.Lock()
	f.negCb = fn
	f.mu.Unlock()
}

func (f *Fake) OnConnectionStateChange(fn func(engine.ConnectionState)) {
	f.mu.Lock()
	f.stateCb = fn
	f.mu.Unlock()
}

func (f *Fake) Close() error {
	f.record(Op{Name: "close"})
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
	return nil
}

// Released reports whether Close has been called.
func (f *Fake) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Ops returns a snapshot of the recorded invocations.
func (f *Fake) Ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Op, len(f.ops))
	copy(out, f.ops)
	return out
}

// OpNames returns just the operation names, in call order.
func (f *Fake) OpNames() []string {
	ops := f.Ops()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.Name
	}
	return names
}

// GatherCandidate simulates the engine discovering a local candidate.
func (f *Fake) GatherCandidate(c domain.IceCandidate) {
	f.mu.Lock()
	cb := f.iceCb
	f.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// NeedNegotiation simulates the engine's on-negotiation-needed signal.
func (f *Fake) NeedNegotiation() {
	f.mu.Lock()
	cb := f.negCb
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ChangeState simulates a connection state transition.
func (f *Fake) ChangeState(s engine.ConnectionState) {
	f.mu.Lock()
	cb := f.stateCb
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Factory hands out one Fake per peer and remembers them for
// assertions. NewErr, when set, makes creation fail.
type Factory struct {
	mu      sync.Mutex
	NewErr  error
	Engines map[domain.PeerID]*Fake
	Prepare func(*Fake)
}

var _ engine.Factory = (*Factory)(nil)

func (f *Factory) New(peer domain.PeerID) (engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	if f.Engines == nil {
		f.Engines = make(map[domain.PeerID]*Fake)
	}
	fake := &Fake{}
	if f.Prepare != nil {
		f.Prepare(fake)
	}
	f.Engines[peer] = fake
	return fake, nil
}

// Engine returns the fake created for peer, if any.
func (f *Factory) Engine(peer domain.PeerID) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Engines[peer]
}
