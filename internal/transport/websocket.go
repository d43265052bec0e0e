package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/lib/logger/sl"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// EventSink receives decoded inbound events from a transport adapter.
type EventSink interface {
	HandleEvent(ev domain.Event)
}

// RoomClientConfig configures a connection to an external room
// signaling server speaking the HELLO/ROOM plain-text framing.
type RoomClientConfig struct {
	URL     string
	LocalID string
	Room    string
}

// RoomClient is the websocket transport adapter. Inbound frames are
// decoded into typed events and handed to the sink; outbound events
// delivered through Deliver are serialized onto a single writer.
type RoomClient struct {
	cfg  RoomClientConfig
	sink EventSink
	log  *slog.Logger

	conn *websocket.Conn
	send chan string
	quit chan struct{}
	once sync.Once
}

func NewRoomClient(cfg RoomClientConfig, sink EventSink, log *slog.Logger) *RoomClient {
	if log == nil {
		log = slog.Default()
	}
	return &RoomClient{
		cfg:  cfg,
		sink: sink,
		log:  log.With(slog.String("room", cfg.Room)),
		send: make(chan string, wsSendBuffer),
		quit: make(chan struct{}),
	}
}

// Connect dials the server, performs the HELLO/ROOM handshake and
// starts the read and write pumps. Members already present in the
// room are announced to the sink as PeerJoined events.
func (c *RoomClient) Connect(ctx context.Context) error {
	const op = "transport.ws.connect"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.conn = conn

	if err := c.handshake(); err != nil {
		conn.Close()
		return fmt.Errorf("%s: %w", op, err)
	}

	go c.readPump()
	go c.writePump()

	c.log.Info("joined signaling room", slog.String("id", c.cfg.LocalID))
	return nil
}

func (c *RoomClient) handshake() error {
	if err := c.writeLine(FormatHello(c.cfg.LocalID)); err != nil {
		return err
	}
	frame, err := c.readFrame()
	if err != nil {
		return err
	}
	if frame.Kind != FrameHello {
		return fmt.Errorf("server did not say HELLO")
	}

	if err := c.writeLine(FormatRoomJoin(c.cfg.Room)); err != nil {
		return err
	}
	frame, err = c.readFrame()
	if err != nil {
		return err
	}
	if frame.Kind != FrameRoomOK {
		return fmt.Errorf("server did not confirm room join")
	}

	for _, peer := range frame.Peers {
		c.sink.HandleEvent(domain.PeerJoined{From: peer})
	}
	return nil
}

// Deliver implements the outbound side: the event is wrapped into a
// ROOM_PEER_MSG addressed to its peer. A full send buffer drops the
// message rather than blocking the negotiation flow.
func (c *RoomClient) Deliver(ev domain.Event) {
	payload, err := EncodeSignal(ev)
	if err != nil {
		c.log.Error("dropping unencodable outbound event", sl.Err(err))
		return
	}

	select {
	case c.send <- FormatPeerMessage(ev.Peer(), payload):
	case <-c.quit:
	default:
		c.log.Warn("dropping outbound message, send buffer full",
			slog.String("peer", ev.Peer().String()))
	}
}

func (c *RoomClient) Close() {
	c.once.Do(func() {
		close(c.quit)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Done is closed once the connection is torn down, whether by Close or
// by a read or write failure. The owner decides on redial and session
// teardown; the client itself never reconnects.
func (c *RoomClient) Done() <-chan struct{} {
	return c.quit
}

func (c *RoomClient) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error("websocket read failed", sl.Err(err))
			}
			return
		}
		c.handleLine(string(message))
	}
}

// handleLine decodes one frame. Malformed traffic is logged and
// skipped; it never terminates the transport.
func (c *RoomClient) handleLine(line string) {
	frame, err := ParseFrame(line)
	if err != nil {
		c.log.Warn("discarding malformed frame", sl.Err(err))
		return
	}

	switch frame.Kind {
	case FramePeerJoined:
		c.sink.HandleEvent(domain.PeerJoined{From: frame.Peer})
	case FramePeerLeft:
		c.sink.HandleEvent(domain.PeerLeft{From: frame.Peer})
	case FramePeerMsg:
		ev, err := DecodeSignal(frame.Peer, []byte(frame.Payload))
		if err != nil {
			c.log.Warn("discarding malformed signal",
				slog.String("peer", frame.Peer.String()), sl.Err(err))
			return
		}
		c.sink.HandleEvent(ev)
	case FrameError:
		c.log.Error("room server error", slog.String("message", frame.Payload))
	default:
		// HELLO / ROOM_OK outside the handshake carry nothing.
	}
}

func (c *RoomClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.quit:
			return
		case line := <-c.send:
			if err := c.writeLine(line); err != nil {
				c.log.Error("websocket write failed", sl.Err(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *RoomClient) writeLine(line string) error {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *RoomClient) readFrame() (Frame, error) {
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return ParseFrame(string(message))
}
