package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/telemir/signalmesh/internal/api/http/converter"
	"github.com/telemir/signalmesh/internal/domain"
	"github.com/telemir/signalmesh/internal/service"
)

type RoomController struct {
	rooms    service.RoomInteractor
	users    service.UserInteractor
	upgrader websocket.Upgrader
}

func NewRoomController(rooms service.RoomInteractor, users service.UserInteractor) *RoomController {
	return &RoomController{
		rooms: rooms,
		users: users,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (c *RoomController) CreateRoom(ctx *gin.Context) {
	type CreateRoomRequest struct {
		Name           string `json:"name" binding:"required"`
		Owner          string `json:"owner" binding:"required"`
		LifetimeMinute int    `json:"lifetime_minutes"`
	}
	var req CreateRoomRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner uuid", "details": err.Error()})
		return
	}
	lifetime := time.Duration(req.LifetimeMinute) * time.Minute
	room, err := c.rooms.CreateRoom(ctx.Request.Context(), req.Name, owner, lifetime)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"room": converter.RoomToApi(room)})
}

func (c *RoomController) GetRoom(ctx *gin.Context) {
	roomID, err := uuid.Parse(ctx.Param("roomID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	room, err := c.rooms.GetRoom(ctx.Request.Context(), roomID)
	if err != nil {
		ctx.JSON(roomErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"room": converter.RoomToApi(room)})
}

func (c *RoomController) GetRoomByLink(ctx *gin.Context) {
	room, err := c.rooms.GetRoomByLink(ctx.Request.Context(), ctx.Param("link"))
	if err != nil {
		ctx.JSON(roomErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"room": converter.RoomToApi(room)})
}

func (c *RoomController) ListParticipants(ctx *gin.Context) {
	roomID, err := uuid.Parse(ctx.Param("roomID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	users, err := c.rooms.ListParticipants(ctx.Request.Context(), roomID)
	if err != nil {
		ctx.JSON(roomErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"participants": users})
}

func (c *RoomController) ListChatMessages(ctx *gin.Context) {
	roomID, err := uuid.Parse(ctx.Param("roomID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	msgs, err := c.rooms.ListChatMessages(ctx.Request.Context(), roomID, limit)
	if err != nil {
		ctx.JSON(roomErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// JoinRoom upgrades the request to a websocket, registers the caller
// as a peer and pumps signal messages in both directions until the
// socket closes.
func (c *RoomController) JoinRoom(ctx *gin.Context) {
	roomID, err := uuid.Parse(ctx.Param("roomID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	displayName := ctx.Query("name")
	if displayName == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	var user *domain.User
	if userIDStr := ctx.Query("user_id"); userIDStr != "" {
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		u, err := c.users.GetUser(ctx.Request.Context(), userID)
		if err != nil {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		user = u
		user.Name = displayName
	} else {
		user = domain.NewGuestUser(displayName)
	}

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		return
	}

	peer, err := c.rooms.RegisterPeer(context.Background(), roomID, user)
	if err != nil {
		conn.WriteJSON(gin.H{"error": err.Error()})
		conn.Close()
		return
	}
	peer.Socket = conn
	peer.SetStatus(domain.PeerStatusConnected)

	go forwardPeerEvents(peer)

	_ = conn.WriteJSON(domain.SignalMessage{
		Type:     "joined",
		Room:     roomID.String(),
		SenderID: string(peer.ID),
		Payload: map[string]any{
			"peer_id":      string(peer.ID),
			"user_id":      peer.UserID.String(),
			"display_name": peer.DisplayName,
		},
	})

	for {
		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			_ = c.rooms.UnregisterPeer(context.Background(), roomID, peer.ID)
			conn.Close()
			return
		}

		if err := c.rooms.HandleSignal(context.Background(), roomID, peer.ID, &msg); err != nil {
			conn.WriteJSON(gin.H{"error": err.Error()})
		}
	}
}

func forwardPeerEvents(peer *domain.Peer) {
	done := peer.Done()
	for {
		select {
		case <-done:
			return
		case event := <-peer.Events:
			peer.Mutex.RLock()
			conn := peer.Socket
			peer.Mutex.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func roomErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrRoomExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrPeerNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
