package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/engine/enginetest"
	"github.com/telemir/signalmesh/internal/registry"
	"github.com/telemir/signalmesh/internal/router"
)

type recordingOutbound struct {
	events chan domain.Event
}

func newRecordingOutbound() *recordingOutbound {
	return &recordingOutbound{events: make(chan domain.Event, 32)}
}

func (o *recordingOutbound) Deliver(ev domain.Event) {
	o.events <- ev
}

func (o *recordingOutbound) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-o.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound event")
		return nil
	}
}

func newTestDispatcher(t *testing.T, role domain.NegotiationRole) (*Dispatcher, *enginetest.Factory, *recordingOutbound) {
	t.Helper()
	factory := &enginetest.Factory{
		Prepare: func(f *enginetest.Fake) {
			f.OfferSDP = "v=0 fake-offer"
			f.AnswerSDP = "v=0 fake-answer"
		},
	}
	out := newRecordingOutbound()
	reg := registry.New(factory, nil, out, nil)
	rt := router.New(nil)
	d := NewDispatcher(reg, rt, role, router.Supervision{}, nil)
	t.Cleanup(d.Shutdown)
	return d, factory, out
}

func TestPeerJoinedOpensSessionAndMailbox(t *testing.T) {
	d, factory, _ := newTestDispatcher(t, domain.RoleResponder)

	d.HandleEvent(domain.PeerJoined{From: "peer_1"})

	_, ok := d.registry.Get("peer_1")
	assert.True(t, ok)
	assert.True(t, d.router.Has(router.PeerAddress("peer_1")))
	assert.NotNil(t, factory.Engine("peer_1"))
}

func TestUnsolicitedOfferAdmitsPeer(t *testing.T) {
	d, _, out := newTestDispatcher(t, domain.RoleResponder)

	d.HandleEvent(domain.RemoteSDP{From: "caller", Kind: domain.SdpOffer, SDP: "v=0 remote"})

	ev := out.next(t)
	local, ok := ev.(domain.LocalSDP)
	require.True(t, ok, "expected LocalSDP, got %T", ev)
	assert.Equal(t, domain.PeerID("caller"), local.To)
	assert.Equal(t, domain.SdpAnswer, local.Kind)
}

func TestUnsolicitedNonOfferIsDropped(t *testing.T) {
	d, _, _ := newTestDispatcher(t, domain.RoleResponder)

	d.HandleEvent(domain.RemoteICE{From: "stranger", Candidate: domain.IceCandidate{Candidate: "candidate:1"}})

	_, ok := d.registry.Get("stranger")
	assert.False(t, ok)
}

func TestCallStartsInitiatorNegotiation(t *testing.T) {
	d, _, out := newTestDispatcher(t, domain.RoleInitiator)

	require.NoError(t, d.Call("callee"))

	ev := out.next(t)
	local, ok := ev.(domain.LocalSDP)
	require.True(t, ok, "expected LocalSDP, got %T", ev)
	assert.Equal(t, domain.SdpOffer, local.Kind)
	assert.Equal(t, "v=0 fake-offer", local.SDP)
}

func TestPeerLeftReleasesEverything(t *testing.T) {
	d, factory, _ := newTestDispatcher(t, domain.RoleResponder)

	d.HandleEvent(domain.PeerJoined{From: "peer_1"})
	d.HandleEvent(domain.PeerLeft{From: "peer_1"})

	_, ok := d.registry.Get("peer_1")
	assert.False(t, ok)
	assert.False(t, d.router.Has(router.PeerAddress("peer_1")))
	assert.True(t, factory.Engine("peer_1").Released())
}

func TestProtocolViolationDoesNotKillMailbox(t *testing.T) {
	d, _, out := newTestDispatcher(t, domain.RoleResponder)

	d.HandleEvent(domain.PeerJoined{From: "peer_1"})

	// A responder must not accept an answer before any offer; the
	// mailbox swallows the violation and keeps serving.
	d.HandleEvent(domain.RemoteSDP{From: "peer_1", Kind: domain.SdpAnswer, SDP: "v=0 stray"})
	d.HandleEvent(domain.RemoteSDP{From: "peer_1", Kind: domain.SdpOffer, SDP: "v=0 good"})

	ev := out.next(t)
	local, ok := ev.(domain.LocalSDP)
	require.True(t, ok, "expected LocalSDP, got %T", ev)
	assert.Equal(t, domain.SdpAnswer, local.Kind)
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	d, _, _ := newTestDispatcher(t, domain.RoleResponder)

	d.HandleEvent(domain.PeerJoined{From: "peer_1"})
	d.HandleEvent(domain.PeerJoined{From: "peer_1"})

	assert.Equal(t, 1, d.registry.Len())
}
