package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/engine"
	"github.com/telemir/signalmesh/internal/negotiation"
	"github.com/telemir/signalmesh/internal/presence"
	"github.com/telemir/signalmesh/internal/registry"
	"github.com/telemir/signalmesh/internal/repository"
	"github.com/telemir/signalmesh/lib/logger/sl"
)

var (
	ErrRoomExpired  = errors.New("room expired")
	ErrPeerNotFound = errors.New("peer not found")
)

const maxChatMessageLength = 4000
const maxChatSenderLength = 255

type chatPayloadData struct {
	message   string
	sender    string
	id        uuid.UUID
	timestamp time.Time
}

// activeRoom pairs an in-memory room with the negotiation registry
// that holds one session per connected peer, plus an optional media
// source feeding every peer's engine.
type activeRoom struct {
	room     *domain.Room
	registry *registry.Registry
	source   engine.Source
}

type RoomService struct {
	rooms     repository.RoomRepository
	users     repository.UserRepository
	engines   engine.Factory
	newSource func() engine.Source // nil when the room serves signaling only
	presence  *presence.Store      // nil when presence sharing is disabled
	log       *slog.Logger

	mu          sync.RWMutex
	activeRooms map[uuid.UUID]*activeRoom
}

func NewRoomService(
	rooms repository.RoomRepository,
	users repository.UserRepository,
	engines engine.Factory,
	newSource func() engine.Source,
	pres *presence.Store,
	log *slog.Logger,
) *RoomService {
	if log == nil {
		log = slog.Default()
	}
	return &RoomService{
		rooms:       rooms,
		users:       users,
		engines:     engines,
		newSource:   newSource,
		presence:    pres,
		log:         log,
		activeRooms: make(map[uuid.UUID]*activeRoom),
	}
}

func (s *RoomService) CreateRoom(ctx context.Context, name string, owner uuid.UUID, lifetime time.Duration) (*domain.Room, error) {
	if name == "" {
		return nil, errors.New("room name is required")
	}
	if owner == uuid.Nil {
		return nil, errors.New("owner is required")
	}

	for {
		room := domain.NewRoom(name, owner, lifetime)
		if err := s.rooms.Create(ctx, room); err != nil {
			if errors.Is(err, repository.ErrRoomLinkExists) {
				continue
			}
			return nil, err
		}

		s.activateRoom(room)
		s.log.Info("room created", "room_id", room.ID.String(), "link", room.Link)
		return room, nil
	}
}

func (s *RoomService) GetRoom(ctx context.Context, id uuid.UUID) (*domain.Room, error) {
	ar, err := s.getRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	return ar.room, nil
}

func (s *RoomService) GetRoomByLink(ctx context.Context, link string) (*domain.Room, error) {
	if ar := s.getActiveRoomByLink(link); ar != nil {
		if ar.room.IsExpired() {
			s.removeActiveRoom(ar.room.ID)
			return nil, ErrRoomExpired
		}
		return ar.room, nil
	}

	roomFromDB, err := s.rooms.GetByLink(ctx, link)
	if err != nil {
		return nil, err
	}

	ar := s.activateRoom(roomFromDB)
	if ar.room.IsExpired() {
		s.removeActiveRoom(ar.room.ID)
		return nil, ErrRoomExpired
	}

	return ar.room, nil
}

// RegisterPeer adds the user to the room, opens a negotiation session
// for the new peer and announces the join to everyone else. The
// session answers offers sent by this peer.
func (s *RoomService) RegisterPeer(ctx context.Context, roomID uuid.UUID, user *domain.User) (*domain.Peer, error) {
	const op = "service.room.register.peer"
	log := s.log.With(
		slog.String("op", op),
		slog.String("room_id", roomID.String()),
	)

	if user == nil {
		return nil, errors.New("user is required")
	}

	ar, err := s.getRoom(ctx, roomID)
	if err != nil {
		log.Info("room lookup failed", sl.Err(err))
		return nil, err
	}
	room := ar.room

	if err := s.ensureUser(ctx, user); err != nil {
		log.Info("ensure user failed", sl.Err(err))
		return nil, err
	}

	peer := domain.NewPeer(user.ID, user.Name, domain.RoleResponder)

	if _, err := ar.registry.Add(peer.ID, peer.Role); err != nil {
		log.Error("failed to open session", sl.Err(err))
		return nil, err
	}

	existingPeers := make([]*domain.Peer, 0, len(room.Peers))
	room.Mutex.Lock()
	for _, p := range room.Peers {
		existingPeers = append(existingPeers, p)
	}
	room.Peers[peer.ID] = peer
	room.Mutex.Unlock()

	if err := s.rooms.Update(ctx, room); err != nil {
		log.Error("failed to persist room", sl.Err(err))
		room.Mutex.Lock()
		delete(room.Peers, peer.ID)
		room.Mutex.Unlock()
		ar.registry.Remove(peer.ID)
		return nil, err
	}

	if s.presence != nil {
		if err := s.presence.Join(ctx, room.ID.String(), peer.ID); err != nil {
			log.Warn("presence join failed", sl.Err(err))
		}
	}

	for _, existing := range existingPeers {
		peer.EnqueueEvent(domain.SignalMessage{
			Type:     "joined",
			Room:     room.ID.String(),
			SenderID: string(existing.ID),
			Payload: map[string]any{
				"peer_id":      string(existing.ID),
				"user_id":      existing.UserID.String(),
				"display_name": existing.DisplayName,
			},
		})
	}

	s.broadcast(room, domain.SignalMessage{
		Type:     "joined",
		Room:     room.ID.String(),
		SenderID: string(peer.ID),
		Payload: map[string]any{
			"peer_id":      string(peer.ID),
			"user_id":      peer.UserID.String(),
			"display_name": peer.DisplayName,
		},
	}, peer.ID)

	log.Info("peer registered",
		"peer_id", peer.ID,
		"user_id", peer.UserID,
		"display_name", peer.DisplayName,
	)
	return peer, nil
}

func (s *RoomService) UnregisterPeer(ctx context.Context, roomID uuid.UUID, peerID domain.PeerID) error {
	s.log.Info("unregistering peer",
		"room_id", roomID.String(),
		"peer_id", peerID,
	)
	ar, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	room := ar.room

	room.Mutex.Lock()
	peer, ok := room.Peers[peerID]
	if !ok {
		room.Mutex.Unlock()
		return ErrPeerNotFound
	}

	delete(room.Peers, peerID)
	roomEmpty := len(room.Peers) == 0
	room.Mutex.Unlock()

	ar.registry.Remove(peerID)

	if s.presence != nil {
		if err := s.presence.Leave(ctx, room.ID.String(), peerID); err != nil {
			s.log.Warn("presence leave failed", sl.Err(err))
		}
	}

	peer.SetStatus(domain.PeerStatusDisconnected)
	peer.CloseEvents()
	peer.Mutex.Lock()
	if peer.Socket != nil {
		peer.Socket.Close()
		peer.Socket = nil
	}
	peer.Mutex.Unlock()

	if err := s.rooms.Update(ctx, room); err != nil {
		s.log.Error("failed to persist room", sl.Err(err))
		return err
	}

	s.broadcast(room, domain.SignalMessage{
		Type:     "peer-left",
		Room:     room.ID.String(),
		SenderID: string(peerID),
		Payload: map[string]any{
			"peer_id": string(peerID),
		},
	}, peerID)

	if roomEmpty {
		s.removeActiveRoom(room.ID)
	}

	return nil
}

// HandleSignal feeds one signaling message into the room. SDP and ICE
// messages without a target go to the sender's own negotiation
// session; targeted ones are relayed peer to peer. Messages that
// violate the session protocol are logged and dropped rather than
// surfaced to the socket.
func (s *RoomService) HandleSignal(ctx context.Context, roomID uuid.UUID, peerID domain.PeerID, message *domain.SignalMessage) error {
	const op = "service.room.signal"
	if message == nil {
		return errors.New("message is required")
	}
	log := s.log.With(
		"op", op,
		"room_id", roomID.String(),
		"peer_id", peerID,
	)

	log.Info("new signal", "type", message.Type)
	if message.Payload != nil {
		log.Debug("signal payload", "payload", message.Payload)
	}

	ar, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	room := ar.room

	room.Mutex.RLock()
	peer, ok := room.Peers[peerID]
	room.Mutex.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}
	peer.Touch()

	switch message.Type {
	case "offer", "answer":
		if message.TargetID != "" {
			return s.relay(room, peer, message)
		}

		sess, ok := ar.registry.Get(peerID)
		if !ok {
			return ErrPeerNotFound
		}
		kind, err := domain.ParseSdpKind(message.Type)
		if err != nil {
			return err
		}
		if err := sess.HandleRemoteSDP(kind, message.SDP); err != nil {
			if errors.Is(err, negotiation.ErrProtocolViolation) || errors.Is(err, negotiation.ErrSessionClosed) {
				log.Warn("sdp discarded", "type", message.Type, sl.Err(err))
				return nil
			}
			return err
		}
	case "ice-candidate":
		if message.TargetID != "" {
			return s.relay(room, peer, message)
		}

		if message.Candidate == nil {
			log.Warn("ice-candidate without candidate body")
			return nil
		}
		sess, ok := ar.registry.Get(peerID)
		if !ok {
			return ErrPeerNotFound
		}
		if err := sess.HandleICECandidate(*message.Candidate); err != nil {
			if errors.Is(err, negotiation.ErrSessionClosed) {
				log.Warn("candidate discarded", sl.Err(err))
				return nil
			}
			return err
		}
	case "chat":
		payloadData, err := validateChatPayload(message.Payload)
		if err != nil {
			return err
		}

		chatMsg := domain.NewChatMessage(room.ID, peer, payloadData.message)
		if payloadData.id != uuid.Nil {
			chatMsg.ID = payloadData.id
		}
		if payloadData.sender != "" {
			chatMsg.DisplayName = payloadData.sender
		}
		if !payloadData.timestamp.IsZero() {
			chatMsg.CreatedAt = payloadData.timestamp.UTC()
		}

		if err := s.rooms.SaveChatMessage(ctx, chatMsg); err != nil {
			log.Error("failed to save chat message", sl.Err(err))
			return err
		}

		s.broadcastAll(room, domain.SignalMessage{
			Type:     "chat",
			Room:     room.ID.String(),
			SenderID: string(peer.ID),
			Payload: map[string]any{
				"id":        chatMsg.ID.String(),
				"sender":    chatMsg.DisplayName,
				"message":   chatMsg.Content,
				"timestamp": chatMsg.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		})
	case "leave":
		return s.UnregisterPeer(ctx, roomID, peerID)
	default:
		log.Warn("unsupported signal type dropped", "type", message.Type)
	}

	return nil
}

func (s *RoomService) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]*domain.User, error) {
	ar, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room := ar.room

	room.Mutex.RLock()
	defer room.Mutex.RUnlock()

	users := make([]*domain.User, 0, len(room.Peers))
	for _, peer := range room.Peers {
		user, err := s.users.GetByID(ctx, peer.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				continue
			}
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (s *RoomService) ListChatMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	if _, err := s.getRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.rooms.ListChatMessages(ctx, roomID, limit)
}

func (s *RoomService) relay(room *domain.Room, sender *domain.Peer, message *domain.SignalMessage) error {
	forward := *message
	forward.Room = room.ID.String()
	forward.SenderID = string(sender.ID)

	room.Mutex.RLock()
	target, ok := room.Peers[domain.PeerID(forward.TargetID)]
	room.Mutex.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}
	target.EnqueueEvent(forward)
	return nil
}

func (s *RoomService) ensureUser(ctx context.Context, user *domain.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = time.Now().UTC()

	_, err := s.users.GetByID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return s.users.Create(ctx, user)
		}
		return err
	}

	return s.users.Update(ctx, user)
}

func (s *RoomService) broadcast(room *domain.Room, msg domain.SignalMessage, exclude domain.PeerID) {
	room.Mutex.RLock()
	peers := make([]*domain.Peer, 0, len(room.Peers))
	for id, peer := range room.Peers {
		if id == exclude {
			continue
		}
		peers = append(peers, peer)
	}
	room.Mutex.RUnlock()

	for _, peer := range peers {
		peer.EnqueueEvent(msg)
	}
}

func (s *RoomService) broadcastAll(room *domain.Room, msg domain.SignalMessage) {
	s.broadcast(room, msg, "")
}

func (s *RoomService) getRoom(ctx context.Context, id uuid.UUID) (*activeRoom, error) {
	if ar := s.getActiveRoom(id); ar != nil {
		if ar.room.IsExpired() {
			s.removeActiveRoom(id)
			return nil, ErrRoomExpired
		}
		return ar, nil
	}

	roomFromDB, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	ar := s.activateRoom(roomFromDB)
	if ar.room.IsExpired() {
		s.removeActiveRoom(ar.room.ID)
		return nil, ErrRoomExpired
	}

	return ar, nil
}

func (s *RoomService) getActiveRoom(id uuid.UUID) *activeRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRooms[id]
}

func (s *RoomService) getActiveRoomByLink(link string) *activeRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ar := range s.activeRooms {
		if ar.room.Link == link {
			return ar
		}
	}
	return nil
}

func (s *RoomService) removeActiveRoom(id uuid.UUID) {
	s.mu.Lock()
	ar, ok := s.activeRooms[id]
	if ok {
		delete(s.activeRooms, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	ar.registry.Close()
	if ar.source != nil {
		if err := ar.source.Close(); err != nil {
			s.log.Warn("failed to close media source", "room_id", id.String(), sl.Err(err))
		}
	}
}

// activateRoom brings a persisted room into memory: peers get fresh
// event channels and the room gets a registry for live sessions.
// Sessions from a previous process are gone, so restored peers start
// disconnected and renegotiate on reconnect.
func (s *RoomService) activateRoom(room *domain.Room) *activeRoom {
	if room == nil {
		return nil
	}

	if room.Peers == nil {
		room.Peers = make(map[domain.PeerID]*domain.Peer)
	} else {
		for _, peer := range room.Peers {
			if peer == nil {
				continue
			}
			peer.ResetEvents()
			if peer.Status == "" {
				peer.Status = domain.PeerStatusDisconnected
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.activeRooms[room.ID]; existing != nil {
		return existing
	}

	var src engine.Source
	if s.newSource != nil {
		src = s.newSource()
	}

	ar := &activeRoom{
		room:   room,
		source: src,
	}
	ar.registry = registry.New(s.engines, src, &roomOutbound{room: room}, s.log)

	s.activeRooms[room.ID] = ar
	return ar
}

// roomOutbound converts negotiation output events into signal
// messages on the addressed peer's event channel.
type roomOutbound struct {
	room *domain.Room
}

func (o *roomOutbound) Deliver(ev domain.Event) {
	o.room.Mutex.RLock()
	peer := o.room.Peers[ev.Peer()]
	o.room.Mutex.RUnlock()
	if peer == nil {
		return
	}

	switch e := ev.(type) {
	case domain.LocalSDP:
		peer.EnqueueEvent(domain.SignalMessage{
			Type:     e.Kind.String(),
			SDP:      e.SDP,
			Room:     o.room.ID.String(),
			TargetID: string(e.To),
		})
	case domain.LocalICE:
		c := e.Candidate
		peer.EnqueueEvent(domain.SignalMessage{
			Type:      "ice-candidate",
			Candidate: &c,
			Room:      o.room.ID.String(),
			TargetID:  string(e.To),
		})
	}
}

func validateChatPayload(payload map[string]any) (*chatPayloadData, error) {
	if payload == nil {
		return nil, errors.New("chat payload is required")
	}

	rawMessage, ok := payload["message"]
	if !ok {
		return nil, errors.New("chat payload message is required")
	}

	message, ok := rawMessage.(string)
	if !ok {
		return nil, errors.New("chat payload message must be string")
	}

	trimmedMsg := strings.TrimSpace(message)
	if trimmedMsg == "" {
		return nil, errors.New("chat message cannot be empty")
	}

	if utf8.RuneCountInString(trimmedMsg) > maxChatMessageLength {
		return nil, errors.New("chat message is too long")
	}

	result := &chatPayloadData{
		message: trimmedMsg,
	}

	if rawSender, ok := payload["sender"]; ok && rawSender != nil {
		senderStr, ok := rawSender.(string)
		if !ok {
			return nil, errors.New("chat payload sender must be string")
		}
		trimmedSender := strings.TrimSpace(senderStr)
		if utf8.RuneCountInString(trimmedSender) > maxChatSenderLength {
			return nil, errors.New("chat sender is too long")
		}
		result.sender = trimmedSender
	}

	if rawID, ok := payload["id"]; ok && rawID != nil {
		idStr, ok := rawID.(string)
		if !ok {
			return nil, errors.New("chat payload id must be string")
		}
		idStr = strings.TrimSpace(idStr)
		if idStr != "" {
			parsed, err := uuid.Parse(idStr)
			if err != nil {
				return nil, errors.New("chat payload id must be valid uuid")
			}
			result.id = parsed
		}
	}

	if rawTimestamp, ok := payload["timestamp"]; ok && rawTimestamp != nil {
		tsStr, ok := rawTimestamp.(string)
		if !ok {
			return nil, errors.New("chat payload timestamp must be string")
		}
		tsStr = strings.TrimSpace(tsStr)
		if tsStr != "" {
			parsed, err := time.Parse(time.RFC3339Nano, tsStr)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, tsStr)
				if err != nil {
					return nil, errors.New("chat payload timestamp must be RFC3339 formatted")
				}
			}
			result.timestamp = parsed.UTC()
		}
	}

	return result, nil
}
