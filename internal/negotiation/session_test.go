package negotiation

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/engine/enginetest"
)

type captureOutbound struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureOutbound) Deliver(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureOutbound) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestSession(t *testing.T, role domain.NegotiationRole, fake *enginetest.Fake) (*Session, *captureOutbound) {
	t.Helper()
	out := &captureOutbound{}
	sess := NewSession(Config{
		Peer:   "peer_1",
		Role:   role,
		Engine: fake,
		Out:    out,
	})
	return sess, out
}

func TestInitiatorStartNegotiation(t *testing.T) {
	fake := &enginetest.Fake{OfferSDP: "OFFER_1"}
	sess, out := newTestSession(t, domain.RoleInitiator, fake)

	require.NoError(t, sess.StartNegotiation())

	assert.Equal(t, StateLocalDescriptionSet, sess.State())
	assert.Equal(t, []string{"create-offer", "set-local"}, fake.OpNames())

	events := out.Events()
	require.Len(t, events, 1)
	sdp, ok := events[0].(domain.LocalSDP)
	require.True(t, ok)
	assert.Equal(t, domain.SdpOffer, sdp.Kind)
	assert.Equal(t, "OFFER_1", sdp.SDP)
}

func TestStartNegotiationInvalid(t *testing.T) {
	t.Run("responder cannot start", func(t *testing.T) {
		fake := &enginetest.Fake{}
		sess, _ := newTestSession(t, domain.RoleResponder, fake)

		err := sess.StartNegotiation()
		require.ErrorIs(t, err, ErrProtocolViolation)
		assert.Equal(t, StateIdle, sess.State())
		assert.Empty(t, fake.OpNames())
	})

	t.Run("second start rejected", func(t *testing.T) {
		fake := &enginetest.Fake{OfferSDP: "OFFER_1"}
		sess, _ := newTestSession(t, domain.RoleInitiator, fake)

		require.NoError(t, sess.StartNegotiation())
		require.ErrorIs(t, sess.StartNegotiation(), ErrProtocolViolation)
	})
}

func TestResponderAnswersOffer(t *testing.T) {
	fake := &enginetest.Fake{AnswerSDP: "ANSWER_1"}
	sess, out := newTestSession(t, domain.RoleResponder, fake)

	require.NoError(t, sess.HandleRemoteSDP(domain.SdpOffer, "OFFER_1"))

	assert.Equal(t, StateStable, sess.State())
	assert.Equal(t, []string{"set-remote", "create-answer", "set-local"}, fake.OpNames())

	events := out.Events()
	require.Len(t, events, 1)
	sdp, ok := events[0].(domain.LocalSDP)
	require.True(t, ok)
	assert.Equal(t, domain.SdpAnswer, sdp.Kind)
	assert.Equal(t, "ANSWER_1", sdp.SDP)
}

func TestInitiatorAppliesAnswer(t *testing.T) {
	fake := &enginetest.Fake{OfferSDP: "OFFER_1"}
	sess, _ := newTestSession(t, domain.RoleInitiator, fake)

	require.NoError(t, sess.StartNegotiation())
	require.NoError(t, sess.HandleRemoteSDP(domain.SdpAnswer, "ANSWER_1"))

	assert.Equal(t, StateStable, sess.State())
	ops := fake.Ops()
	last := ops[len(ops)-1]
	assert.Equal(t, "set-remote", last.Name)
	assert.Equal(t, domain.SdpAnswer, last.Kind)
}

func TestUnexpectedSDPDiscarded(t *testing.T) {
	cases := []struct {
		name string
		role domain.NegotiationRole
		kind domain.SdpKind
	}{
		{"answer to idle responder", domain.RoleResponder, domain.SdpAnswer},
		{"offer to idle initiator", domain.RoleInitiator, domain.SdpOffer},
		{"answer to idle initiator", domain.RoleInitiator, domain.SdpAnswer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &enginetest.Fake{}
			sess, out := newTestSession(t, tc.role, fake)

			err := sess.HandleRemoteSDP(tc.kind, "SDP")
			require.ErrorIs(t, err, ErrProtocolViolation)
			assert.Equal(t, StateIdle, sess.State(), "state must stay unchanged")
			assert.Empty(t, fake.OpNames(), "engine must not be touched")
			assert.Empty(t, out.Events())
		})
	}
}

func TestEarlyCandidatesBufferedAndFlushedInOrder(t *testing.T) {
	fake := &enginetest.Fake{AnswerSDP: "ANSWER_1"}
	sess, _ := newTestSession(t, domain.RoleResponder, fake)

	c1 := domain.IceCandidate{MLineIndex: 0, Candidate: "c1"}
	c2 := domain.IceCandidate{MLineIndex: 0, Candidate: "c2"}
	require.NoError(t, sess.HandleICECandidate(c1))
	require.NoError(t, sess.HandleICECandidate(c2))

	assert.Equal(t, []domain.IceCandidate{c1, c2}, sess.PendingICE())
	assert.Empty(t, fake.OpNames(), "candidates must not reach the engine early")

	require.NoError(t, sess.HandleRemoteSDP(domain.SdpOffer, "OFFER_1"))

	var added []string
	sawRemote := false
	for _, op := range fake.Ops() {
		switch op.Name {
		case "set-remote":
			sawRemote = true
		case "add-ice":
			require.True(t, sawRemote, "candidate forwarded before remote description")
			added = append(added, op.Candidate.Candidate)
		}
	}
	assert.Equal(t, []string{"c1", "c2"}, added)
	assert.Empty(t, sess.PendingICE())

	// A later candidate goes straight through, exactly once.
	c3 := domain.IceCandidate{MLineIndex: 1, Candidate: "c3"}
	require.NoError(t, sess.HandleICECandidate(c3))
	ops := fake.Ops()
	assert.Equal(t, "add-ice", ops[len(ops)-1].Name)
	assert.Equal(t, "c3", ops[len(ops)-1].Candidate.Candidate)
}

func TestRejectedCandidateSkippedNotFatal(t *testing.T) {
	fake := &enginetest.Fake{
		AnswerSDP: "ANSWER_1",
		AddICEErr: func(c domain.IceCandidate) error {
			if c.Candidate == "bad" {
				return errors.New("malformed candidate")
			}
			return nil
		},
	}
	sess, _ := newTestSession(t, domain.RoleResponder, fake)

	require.NoError(t, sess.HandleICECandidate(domain.IceCandidate{Candidate: "c1"}))
	require.NoError(t, sess.HandleICECandidate(domain.IceCandidate{Candidate: "bad"}))
	require.NoError(t, sess.HandleICECandidate(domain.IceCandidate{Candidate: "c2"}))

	require.NoError(t, sess.HandleRemoteSDP(domain.SdpOffer, "OFFER_1"))

	var added []string
	for _, op := range fake.Ops() {
		if op.Name == "add-ice" {
			added = append(added, op.Candidate.Candidate)
		}
	}
	assert.Equal(t, []string{"c1", "bad", "c2"}, added, "one rejection must not abort the rest")
	assert.Equal(t, StateStable, sess.State())
}

func TestOfferCreationFailure(t *testing.T) {
	fake := &enginetest.Fake{OfferErr: errors.New("engine said no")}

	var failures []error
	out := &captureOutbound{}
	sess := NewSession(Config{
		Peer:   "peer_1",
		Role:   domain.RoleInitiator,
		Engine: fake,
		Out:    out,
		OnFailure: func(_ domain.PeerID, err error) {
			failures = append(failures, err)
		},
	})

	require.NoError(t, sess.StartNegotiation())

	assert.Equal(t, StateFailed, sess.State())
	require.Len(t, failures, 1, "exactly one failure surfaced")
	assert.Empty(t, out.Events())
}

func TestLocalCandidatesForwardedUnconditionally(t *testing.T) {
	fake := &enginetest.Fake{}
	sess, out := newTestSession(t, domain.RoleResponder, fake)

	c := domain.IceCandidate{MLineIndex: 0, Candidate: "local1", Mid: "0"}
	fake.GatherCandidate(c)

	events := out.Events()
	require.Len(t, events, 1)
	ice, ok := events[0].(domain.LocalICE)
	require.True(t, ok)
	assert.Equal(t, c, ice.Candidate)

	// After teardown local candidates stop flowing.
	sess.Teardown()
	fake.GatherCandidate(c)
	assert.Len(t, out.Events(), 1)
}

func TestNegotiationNeededStartsInitiatorOnly(t *testing.T) {
	t.Run("initiator", func(t *testing.T) {
		fake := &enginetest.Fake{OfferSDP: "OFFER_1"}
		sess, _ := newTestSession(t, domain.RoleInitiator, fake)

		fake.NeedNegotiation()
		assert.Equal(t, StateLocalDescriptionSet, sess.State())
	})

	t.Run("responder", func(t *testing.T) {
		fake := &enginetest.Fake{}
		sess, _ := newTestSession(t, domain.RoleResponder, fake)

		fake.NeedNegotiation()
		assert.Equal(t, StateIdle, sess.State())
		assert.Empty(t, fake.OpNames())
	})
}

func TestLateCallbackAfterTeardownIsNoop(t *testing.T) {
	fake := &enginetest.Fake{OfferSDP: "OFFER_1", Hold: true}
	sess, out := newTestSession(t, domain.RoleInitiator, fake)

	require.NoError(t, sess.StartNegotiation())
	sess.Teardown()

	// The offer completion fires after the session is gone.
	fake.Fire()

	assert.Equal(t, StateClosed, sess.State())
	assert.Empty(t, out.Events(), "late continuation must not emit")
	assert.True(t, fake.Released())
}

func TestTeardownIdempotent(t *testing.T) {
	fake := &enginetest.Fake{}
	sess, _ := newTestSession(t, domain.RoleResponder, fake)

	sess.Teardown()
	sess.Teardown()

	closes := 0
	for _, op := range fake.Ops() {
		if op.Name == "close" {
			closes++
		}
	}
	assert.Equal(t, 1, closes)

	require.ErrorIs(t, sess.HandleRemoteSDP(domain.SdpOffer, "OFFER_1"), ErrSessionClosed)
	require.ErrorIs(t, sess.HandleICECandidate(domain.IceCandidate{Candidate: "c"}), ErrSessionClosed)
}
