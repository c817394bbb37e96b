package http

import (
	"errors"
	"net/http"
	"time"

	"roomnet/internal/core/domain"
	"roomnet/internal/core/ports"
	"roomnet/internal/core/services"
	"roomnet/pkg/utils"

	"github.com/gin-gonic/gin"
)

// OperationMetrics counts command handler invocations by outcome. A nil
// implementation is allowed.
type OperationMetrics interface {
	RecordRoomOperation(operation string, err error)
}

type RoomHandler struct {
	roomService ports.RoomService
	tokens      services.TokenService
	idGen       ports.IDGenerator
	metrics     OperationMetrics
}

func NewRoomHandler(roomService ports.RoomService, tokens services.TokenService, idGen ports.IDGenerator, metrics OperationMetrics) *RoomHandler {
	return &RoomHandler{
		roomService: roomService,
		tokens:      tokens,
		idGen:       idGen,
		metrics:     metrics,
	}
}

func (h *RoomHandler) recordOperation(operation string, err error) {
	if h.metrics != nil {
		h.metrics.RecordRoomOperation(operation, err)
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.POST("/rooms/:id/token", h.IssueToken)
		api.PUT("/rooms/:id/rules", h.UpdateRules)
		api.POST("/rooms/:id/leave", h.LeaveRoom)
		api.POST("/rooms/:id/close", h.CloseRoom)
	}
}

type roomResponse struct {
	ID        domain.RoomID     `json:"id"`
	OwnerID   domain.PeerID     `json:"owner_id"`
	Name      string            `json:"name"`
	Rules     domain.RoomRule   `json:"rules"`
	Status    domain.RoomStatus `json:"status"`
	Players   []playerResponse  `json:"players"`
	CreatedAt time.Time         `json:"created_at"`
	Version   uint64            `json:"version"`
}

type playerResponse struct {
	ID       domain.PeerID `json:"id"`
	Username string        `json:"username"`
	JoinedAt time.Time     `json:"joined_at"`
}

func toRoomResponse(room *domain.Room) roomResponse {
	resp := roomResponse{
		ID:        room.ID,
		OwnerID:   room.OwnerID,
		Name:      room.Name,
		Rules:     room.Rules,
		Status:    room.Status,
		CreatedAt: room.CreatedAt,
		Version:   room.Version,
	}
	for _, p := range room.Players {
		resp.Players = append(resp.Players, playerResponse{
			ID:       p.ID,
			Username: p.Username,
			JoinedAt: p.JoinedAt,
		})
	}
	return resp
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		Name       string        `json:"name" binding:"required,min=1,max=100"`
		PeerID     domain.PeerID `json:"peer_id"`
		Username   string        `json:"username" binding:"required,min=1,max=64"`
		MaxPlayers int           `json:"max_players"`
		AllowRelay *bool         `json:"allow_relay"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := utils.SanitizeString(req.Name)
	username := utils.SanitizeString(req.Username)
	if utils.IsEmpty(name) || utils.IsEmpty(username) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and username must not be blank"})
		return
	}

	// Clients may bring their own peer id to survive restarts.
	ownerID := req.PeerID
	if ownerID == "" {
		ownerID = h.idGen.NewPeerID()
	}

	rules := domain.DefaultRoomRule(req.MaxPlayers)
	if req.AllowRelay != nil {
		rules.AllowRelay = *req.AllowRelay
	}

	room, err := h.roomService.CreateRoom(c.Request.Context(), ownerID, username, name, rules)
	h.recordOperation("create", err)
	if err != nil {
		h.writeError(c, err)
		return
	}

	token, err := h.tokens.IssueSignalToken(room.ID, ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room":         toRoomResponse(room),
		"peer_id":      ownerID,
		"signal_token": token,
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	room, err := h.roomService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": toRoomResponse(room),
	})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.ListActiveRooms(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		resp = append(resp, toRoomResponse(room))
	}
	c.JSON(http.StatusOK, gin.H{
		"rooms": resp,
	})
}

// IssueToken hands a joining peer its signal token. Actual membership is
// established by the join frame on the signaling socket.
func (h *RoomHandler) IssueToken(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	var req struct {
		PeerID domain.PeerID `json:"peer_id"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	peerID := req.PeerID
	if peerID == "" {
		peerID = h.idGen.NewPeerID()
	}

	room, err := h.roomService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if room.Status == domain.RoomStatusClosed {
		h.writeError(c, domain.ErrRoomClosed)
		return
	}

	token, err := h.tokens.IssueSignalToken(roomID, peerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"peer_id":      peerID,
		"signal_token": token,
	})
}

func (h *RoomHandler) UpdateRules(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	var req struct {
		RequesterID domain.PeerID   `json:"requester_id" binding:"required"`
		Rules       domain.RoomRule `json:"rules" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.roomService.UpdateRoomRules(c.Request.Context(), roomID, req.RequesterID, req.Rules)
	h.recordOperation("update_rules", err)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": toRoomResponse(room),
	})
}

func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	var req struct {
		PeerID domain.PeerID `json:"peer_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.roomService.LeaveRoom(c.Request.Context(), roomID, req.PeerID)
	h.recordOperation("leave", err)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "left",
	})
}

func (h *RoomHandler) CloseRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	var req struct {
		RequesterID domain.PeerID `json:"requester_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.roomService.CloseRoom(c.Request.Context(), roomID, req.RequesterID)
	h.recordOperation("close", err)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "closed",
	})
}

func (h *RoomHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrPlayerNotInRoom):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRoomFull),
		errors.Is(err, domain.ErrPlayerAlreadyInRoom),
		errors.Is(err, domain.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRoomClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRuleViolation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
