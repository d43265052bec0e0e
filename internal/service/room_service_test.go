package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/engine/enginetest"
	"github.com/telemir/signalmesh/internal/repository"
)

func newTestRoomService(t *testing.T) (*RoomService, *enginetest.Factory) {
	t.Helper()
	factory := &enginetest.Factory{
		Prepare: func(f *enginetest.Fake) {
			f.OfferSDP = "v=0 fake-offer"
			f.AnswerSDP = "v=0 fake-answer"
		},
	}
	svc := NewRoomService(
		repository.NewInMemoryRoomRepository(),
		repository.NewInMemoryUserRepository(),
		factory,
		nil,
		nil,
		nil,
	)
	return svc, factory
}

func createRoomWithPeer(t *testing.T, svc *RoomService) (*domain.Room, *domain.Peer) {
	t.Helper()
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "standup", uuid.New(), time.Hour)
	require.NoError(t, err)

	peer, err := svc.RegisterPeer(ctx, room.ID, domain.NewGuestUser("alice"))
	require.NoError(t, err)

	return room, peer
}

func TestRegisterPeerOpensSession(t *testing.T) {
	svc, factory := newTestRoomService(t)
	room, peer := createRoomWithPeer(t, svc)

	ar := svc.getActiveRoom(room.ID)
	require.NotNil(t, ar)

	_, ok := ar.registry.Get(peer.ID)
	assert.True(t, ok)
	assert.NotNil(t, factory.Engine(peer.ID))
}

func TestOfferIsAnsweredByOwnSession(t *testing.T) {
	svc, _ := newTestRoomService(t)
	room, peer := createRoomWithPeer(t, svc)

	err := svc.HandleSignal(context.Background(), room.ID, peer.ID, &domain.SignalMessage{
		Type: "offer",
		SDP:  "v=0 remote-offer",
	})
	require.NoError(t, err)

	select {
	case msg := <-peer.Events:
		assert.Equal(t, "answer", msg.Type)
		assert.Equal(t, "v=0 fake-answer", msg.SDP)
	default:
		t.Fatal("expected an answer on the peer's event channel")
	}
}

func TestOutOfOrderSDPIsDroppedNotFatal(t *testing.T) {
	svc, _ := newTestRoomService(t)
	room, peer := createRoomWithPeer(t, svc)

	// A responder session that never saw an offer must not accept an
	// answer, but the socket-facing API swallows the violation.
	err := svc.HandleSignal(context.Background(), room.ID, peer.ID, &domain.SignalMessage{
		Type: "answer",
		SDP:  "v=0 stray-answer",
	})
	require.NoError(t, err)

	select {
	case msg := <-peer.Events:
		t.Fatalf("unexpected event %q", msg.Type)
	default:
	}
}

func TestTargetedSignalIsRelayed(t *testing.T) {
	svc, _ := newTestRoomService(t)
	room, alice := createRoomWithPeer(t, svc)

	bob, err := svc.RegisterPeer(context.Background(), room.ID, domain.NewGuestUser("bob"))
	require.NoError(t, err)

	drain(alice.Events)
	drain(bob.Events)

	err = svc.HandleSignal(context.Background(), room.ID, alice.ID, &domain.SignalMessage{
		Type:     "offer",
		SDP:      "v=0 mesh-offer",
		TargetID: string(bob.ID),
	})
	require.NoError(t, err)

	select {
	case msg := <-bob.Events:
		assert.Equal(t, "offer", msg.Type)
		assert.Equal(t, string(alice.ID), msg.SenderID)
	default:
		t.Fatal("expected relayed offer for bob")
	}
}

func TestUnregisterPeerTearsDownSession(t *testing.T) {
	svc, factory := newTestRoomService(t)
	room, peer := createRoomWithPeer(t, svc)

	// Keep the room active after the last peer leaves.
	_, err := svc.RegisterPeer(context.Background(), room.ID, domain.NewGuestUser("bob"))
	require.NoError(t, err)

	ar := svc.getActiveRoom(room.ID)
	require.NotNil(t, ar)

	err = svc.UnregisterPeer(context.Background(), room.ID, peer.ID)
	require.NoError(t, err)

	_, ok := ar.registry.Get(peer.ID)
	assert.False(t, ok)
	assert.True(t, factory.Engine(peer.ID).Released())

	err = svc.UnregisterPeer(context.Background(), room.ID, peer.ID)
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestLastPeerLeavingDeactivatesRoom(t *testing.T) {
	svc, _ := newTestRoomService(t)
	room, peer := createRoomWithPeer(t, svc)

	err := svc.UnregisterPeer(context.Background(), room.ID, peer.ID)
	require.NoError(t, err)

	assert.Nil(t, svc.getActiveRoom(room.ID))
}

func TestChatMessagePersistedAndBroadcast(t *testing.T) {
	svc, _ := newTestRoomService(t)
	room, alice := createRoomWithPeer(t, svc)

	bob, err := svc.RegisterPeer(context.Background(), room.ID, domain.NewGuestUser("bob"))
	require.NoError(t, err)

	drain(alice.Events)
	drain(bob.Events)

	err = svc.HandleSignal(context.Background(), room.ID, alice.ID, &domain.SignalMessage{
		Type:    "chat",
		Payload: map[string]any{"message": "hello there"},
	})
	require.NoError(t, err)

	msgs, err := svc.rooms.ListChatMessages(context.Background(), room.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Content)

	select {
	case msg := <-bob.Events:
		assert.Equal(t, "chat", msg.Type)
	default:
		t.Fatal("expected chat broadcast for bob")
	}
}

func TestUnknownSignalTypeIsDropped(t *testing.T) {
	svc, _ := newTestRoomService(t)
	room, peer := createRoomWithPeer(t, svc)

	err := svc.HandleSignal(context.Background(), room.ID, peer.ID, &domain.SignalMessage{
		Type: "mute-all",
	})
	assert.NoError(t, err)
}

func TestEnqueueAfterUnregisterIsDropped(t *testing.T) {
	svc, _ := newTestRoomService(t)
	room, _ := createRoomWithPeer(t, svc)

	bob, err := svc.RegisterPeer(context.Background(), room.ID, domain.NewGuestUser("bob"))
	require.NoError(t, err)
	drain(bob.Events)

	// A broadcaster can snapshot bob's pointer before teardown and
	// deliver after UnregisterPeer has finished.
	require.NoError(t, svc.UnregisterPeer(context.Background(), room.ID, bob.ID))

	assert.NotPanics(t, func() {
		bob.EnqueueEvent(domain.SignalMessage{Type: "peer-left"})
	})

	select {
	case msg := <-bob.Events:
		t.Fatalf("unexpected event %q after teardown", msg.Type)
	default:
	}

	select {
	case <-bob.Done():
	default:
		t.Fatal("expected done signal after unregister")
	}
}

func TestExpiredRoomIsRejected(t *testing.T) {
	svc, _ := newTestRoomService(t)

	room, err := svc.CreateRoom(context.Background(), "ephemeral", uuid.New(), time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = svc.GetRoom(context.Background(), room.ID)
	assert.ErrorIs(t, err, ErrRoomExpired)
}

func drain(ch chan domain.SignalMessage) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
