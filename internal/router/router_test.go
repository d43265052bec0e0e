package router

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemir/signalmesh/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	done   chan struct{} // closed once n events arrived
	want   int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) Handle(ev domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	if len(r.events) == r.want {
		close(r.done)
	}
	r.mu.Unlock()
	return nil
}

func (r *recorder) wait(t *testing.T) []domain.Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "server", ServerAddress().String())
	assert.Equal(t, "client", ClientAddress().String())
	assert.Equal(t, "webrtc_7", PeerAddress("7").String())
	assert.Equal(t, "web_socket_3", RoomAddress("3").String())
}

func TestMailboxPreservesOrder(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	rec := newRecorder(10)
	require.NoError(t, r.Spawn(PeerAddress("a"), func() Handler { return rec }, Supervision{}))

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Send(PeerAddress("a"), domain.RemoteICE{
			From:      "a",
			Candidate: domain.IceCandidate{Candidate: fmt.Sprintf("c%d", i)},
		}))
	}

	events := rec.wait(t)
	for i, ev := range events {
		ice := ev.(domain.RemoteICE)
		assert.Equal(t, fmt.Sprintf("c%d", i), ice.Candidate.Candidate)
	}
}

func TestSendNoRoute(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	err := r.Send(PeerAddress("ghost"), domain.PeerJoined{From: "ghost"})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestSpawnDuplicateAddress(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	mk := func() Handler { return HandlerFunc(func(domain.Event) error { return nil }) }
	require.NoError(t, r.Spawn(ServerAddress(), mk, Supervision{}))
	require.ErrorIs(t, r.Spawn(ServerAddress(), mk, Supervision{}), ErrAddressInUse)
}

func TestPanicIsContained(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	other := newRecorder(1)
	require.NoError(t, r.Spawn(PeerAddress("healthy"), func() Handler { return other }, Supervision{}))

	require.NoError(t, r.Spawn(PeerAddress("panicky"), func() Handler {
		return HandlerFunc(func(domain.Event) error { panic("boom") })
	}, Supervision{Policy: RestartNever}))

	require.NoError(t, r.Send(PeerAddress("panicky"), domain.PeerJoined{From: "panicky"}))
	require.NoError(t, r.Send(PeerAddress("healthy"), domain.PeerJoined{From: "healthy"}))

	other.wait(t)

	// The panicky unit is gone per RestartNever; the healthy one still routes.
	assert.Eventually(t, func() bool {
		return !r.Has(PeerAddress("panicky"))
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.Has(PeerAddress("healthy")))
}

func TestBoundedRestarts(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	var mu sync.Mutex
	built := 0
	mk := func() Handler {
		mu.Lock()
		built++
		mu.Unlock()
		return HandlerFunc(func(domain.Event) error { return errors.New("always fails") })
	}

	require.NoError(t, r.Spawn(PeerAddress("flaky"), mk, Supervision{
		Policy:      RestartTries,
		MaxRestarts: 2,
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Send(PeerAddress("flaky"), domain.PeerJoined{From: "flaky"}))
	}

	assert.Eventually(t, func() bool {
		return !r.Has(PeerAddress("flaky"))
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, built, "initial handler plus two restarts")
}

func TestRestartLosesHandlerState(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	type statefulHandler struct {
		seen int
	}
	var mu sync.Mutex
	var lastSeen []int

	mk := func() Handler {
		h := &statefulHandler{}
		return HandlerFunc(func(ev domain.Event) error {
			h.seen++
			mu.Lock()
			lastSeen = append(lastSeen, h.seen)
			mu.Unlock()
			if _, fail := ev.(domain.PeerLeft); fail {
				return errors.New("unit failure")
			}
			return nil
		})
	}

	require.NoError(t, r.Spawn(PeerAddress("s"), mk, Supervision{Policy: RestartTries, MaxRestarts: 5}))

	require.NoError(t, r.Send(PeerAddress("s"), domain.PeerJoined{From: "s"}))
	require.NoError(t, r.Send(PeerAddress("s"), domain.PeerLeft{From: "s"})) // fails, restarts
	require.NoError(t, r.Send(PeerAddress("s"), domain.PeerJoined{From: "s"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lastSeen) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, lastSeen, "restart must reset handler state")
}

func TestStopAndShutdown(t *testing.T) {
	r := New(nil)

	require.NoError(t, r.Spawn(PeerAddress("x"), func() Handler {
		return HandlerFunc(func(domain.Event) error { return nil })
	}, Supervision{}))

	r.Stop(PeerAddress("x"))
	require.ErrorIs(t, r.Send(PeerAddress("x"), domain.PeerJoined{From: "x"}), ErrNoRoute)

	r.Shutdown() // no spawned routes left, must not hang
}

func TestMailboxesRunConcurrently(t *testing.T) {
	r := New(nil)
	defer r.Shutdown()

	release := make(chan struct{})
	blocked := newRecorder(1)
	require.NoError(t, r.Spawn(PeerAddress("slow"), func() Handler {
		return HandlerFunc(func(ev domain.Event) error {
			<-release
			return blocked.Handle(ev)
		})
	}, Supervision{}))

	fast := newRecorder(1)
	require.NoError(t, r.Spawn(PeerAddress("fast"), func() Handler { return fast }, Supervision{}))

	require.NoError(t, r.Send(PeerAddress("slow"), domain.PeerJoined{From: "slow"}))
	require.NoError(t, r.Send(PeerAddress("fast"), domain.PeerJoined{From: "fast"}))

	// The fast mailbox makes progress while the slow one is parked.
	fast.wait(t)
	close(release)
	blocked.wait(t)
}
