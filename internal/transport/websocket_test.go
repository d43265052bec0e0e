package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/telemir/signalmesh/internal/domain"
)

type sinkFunc func(domain.Event)

func (f sinkFunc) HandleEvent(ev domain.Event) { f(ev) }

// roomServer answers the handshake and then drops the connection.
func roomServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, msg, err := conn.ReadMessage(); err != nil || !strings.HasPrefix(string(msg), "HELLO ") {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte("HELLO")); err != nil {
			return
		}
		if _, msg, err := conn.ReadMessage(); err != nil || !strings.HasPrefix(string(msg), "ROOM ") {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ROOM_OK")); err != nil {
			return
		}
	}))
}

func TestRoomClientSignalsDoneOnServerClose(t *testing.T) {
	srv := roomServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewRoomClient(RoomClientConfig{URL: url, LocalID: "local_0", Room: "lobby"},
		sinkFunc(func(domain.Event) {}), nil)

	require.NoError(t, client.Connect(context.Background()))

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected done signal after the server dropped the connection")
	}
}

func TestRoomClientDoneAfterClose(t *testing.T) {
	client := NewRoomClient(RoomClientConfig{}, sinkFunc(func(domain.Event) {}), nil)
	client.Close()

	select {
	case <-client.Done():
	default:
		t.Fatal("expected done signal after close")
	}
}
