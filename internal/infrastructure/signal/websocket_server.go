package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roomnet/internal/core/domain"
	"roomnet/internal/core/ports"
	"roomnet/internal/core/services"
	"roomnet/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServerMetrics is what the server reports to the monitoring layer. A nil
// implementation is allowed.
type ServerMetrics interface {
	RecordPeerConnected()
	RecordPeerDisconnected()
	RecordSignalMessage(msgType string)
	RecordRelayBytes(n int)
}

// ServerConfig bundles the socket-level tunables.
type ServerConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// DisconnectGrace is how long room membership survives an abnormal
	// socket drop, giving the peer's reconnect machine time to rejoin.
	DisconnectGrace time.Duration

	// Per-socket inbound rate limiting; zero disables it.
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageSize    int64
}

// clientConn is one registered signaling socket. gorilla connections do not
// support concurrent writers, hence the write mutex.
type clientConn struct {
	conn    *websocket.Conn
	peerID  domain.PeerID
	roomID  domain.RoomID
	limiter *rate.Limiter
	writeMu sync.Mutex
}

func (c *clientConn) writeJSON(timeout time.Duration, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

// WebSocketServer terminates signaling sockets, registers live presence in
// the room aggregate through the room service, and relays negotiation
// frames between peers of the same room.
type WebSocketServer struct {
	roomService ports.RoomService
	tokens      services.TokenService
	metrics     ServerMetrics

	rooms map[domain.RoomID]map[domain.PeerID]*clientConn
	mu    sync.RWMutex

	evictions map[peerKey]*time.Timer
	evictMu   sync.Mutex

	cfg    ServerConfig
	logger *zap.SugaredLogger
}

type peerKey struct {
	roomID domain.RoomID
	peerID domain.PeerID
}

func NewWebSocketServer(roomService ports.RoomService, tokens services.TokenService, metrics ServerMetrics, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 30 * time.Second
	}
	return &WebSocketServer{
		roomService: roomService,
		tokens:      tokens,
		metrics:     metrics,
		rooms:       make(map[domain.RoomID]map[domain.PeerID]*clientConn),
		evictions:   make(map[peerKey]*time.Timer),
		cfg:         cfg,
		logger:      logger,
	}
}

// HandleWebSocket upgrades one signaling socket. The peer is registered in
// the room only once its join frame arrives; frames before the join are
// rejected.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := domain.RoomID(r.URL.Query().Get("roomId"))
	peerID := domain.PeerID(r.URL.Query().Get("peerId"))
	if roomID == "" || peerID == "" {
		http.Error(w, "roomId and peerId are required", http.StatusBadRequest)
		return
	}

	if s.tokens != nil {
		claims, err := s.tokens.ValidateSignalToken(r.URL.Query().Get("token"))
		if err != nil || claims.RoomID != roomID || claims.PeerID != peerID {
			http.Error(w, "invalid signal token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	client := &clientConn{
		conn:   conn,
		peerID: peerID,
		roomID: roomID,
	}
	if s.cfg.MessagesPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan SignalMessage, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

			var msg SignalMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				// Malformed frames never kill the socket loop.
				s.logger.Warnw("dropping malformed signal frame", "peer_id", peerID, "error", err)
				continue
			}
			messageChan <- msg
		}
	}()

	joined := false
	for {
		select {
		case msg := <-messageChan:
			if client.limiter != nil && !client.limiter.Allow() {
				s.logger.Warnw("dropping signal frame over rate limit", "peer_id", peerID, "type", msg.Type)
				continue
			}
			if s.metrics != nil {
				s.metrics.RecordSignalMessage(string(msg.Type))
			}

			if msg.Type == MessageLeave {
				s.handleLeave(client, joined)
				return
			}

			wasJoined := joined
			var err error
			joined, err = s.handleMessage(r.Context(), client, joined, msg)
			if err != nil {
				s.logger.Infow("error handling signal message", "peer_id", peerID, "type", msg.Type, "error", err)
				s.sendError(client, err.Error())
				// A rejected join is terminal for the socket.
				if msg.Type == MessageJoin && !wasJoined {
					return
				}
			}

		case <-pingTicker.C:
			client.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			client.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "peer_id", peerID, "error", err)
				s.handleDisconnect(client, joined)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading from peer", "peer_id", peerID, "error", err)
			}
			s.handleDisconnect(client, joined)
			return
		}
	}
}

// handleMessage routes one frame. It returns the updated joined flag.
func (s *WebSocketServer) handleMessage(ctx context.Context, client *clientConn, joined bool, msg SignalMessage) (bool, error) {
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(client.peerID))
	defer span.End()

	if msg.Type == MessageJoin {
		if joined {
			return true, nil // duplicate join, ignore
		}
		return s.handleJoin(ctx, client, msg)
	}
	if !joined {
		return false, fmt.Errorf("frame %s before join", msg.Type)
	}

	switch msg.Type {
	case MessageOffer:
		var p OfferPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return true, fmt.Errorf("invalid offer payload: %w", err)
		}
		p.From = client.peerID
		return true, s.forward(client, p.To, MessageOffer, p)

	case MessageAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return true, fmt.Errorf("invalid answer payload: %w", err)
		}
		p.From = client.peerID
		return true, s.forward(client, p.To, MessageAnswer, p)

	case MessageICECandidate:
		var p ICECandidatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return true, fmt.Errorf("invalid ice candidate payload: %w", err)
		}
		p.From = client.peerID
		return true, s.forward(client, p.To, MessageICECandidate, p)

	case MessageConnectionState:
		var p ConnectionStatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return true, fmt.Errorf("invalid connection state payload: %w", err)
		}
		p.PeerID = client.peerID
		s.broadcast(client.roomID, client.peerID, MessagePeerConnectionState, p)
		return true, nil

	case MessageFallbackActivate:
		var p FallbackActivatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return true, fmt.Errorf("invalid fallback payload: %w", err)
		}
		return true, s.forward(client, p.To, MessageFallbackNeeded, FallbackNeededPayload{PeerID: client.peerID})

	case MessageReconnectRequest:
		var p ReconnectRequestPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return true, fmt.Errorf("invalid reconnect request payload: %w", err)
		}
		p.From = client.peerID
		return true, s.forward(client, p.To, MessageReconnectRequest, p)

	case MessageRelayData:
		var p RelayDataPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return true, fmt.Errorf("invalid relay data payload: %w", err)
		}
		p.From = client.peerID
		if s.metrics != nil {
			s.metrics.RecordRelayBytes(len(p.Payload.Data))
		}
		return true, s.forward(client, p.To, MessageRelayData, p)

	case MessagePing:
		return true, s.send(client, MessagePong, nil)

	default:
		// Unknown tags are logged and dropped, never fatal.
		s.logger.Warnw("dropping unknown signal frame", "peer_id", client.peerID, "type", msg.Type)
		return true, nil
	}
}

// handleJoin registers live presence: the join frame drives the JoinRoom
// command handler, except for the owner (already a member since creation)
// and reconnecting peers.
func (s *WebSocketServer) handleJoin(ctx context.Context, client *clientConn, msg SignalMessage) (bool, error) {
	var p JoinPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return false, fmt.Errorf("invalid join payload: %w", err)
	}
	if p.RoomID != client.roomID || p.PeerID != client.peerID {
		return false, fmt.Errorf("join payload does not match socket identity")
	}

	room, err := s.roomService.JoinRoom(ctx, client.roomID, client.peerID, p.Username)
	reconnect := false
	if err != nil {
		if !errors.Is(err, domain.ErrPlayerAlreadyInRoom) {
			return false, err
		}
		// Already a member: either the owner's first socket or a rejoin
		// after a dropped connection.
		reconnect = true
		room, err = s.roomService.GetRoom(ctx, client.roomID)
		if err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	peers, ok := s.rooms[client.roomID]
	if !ok {
		peers = make(map[domain.PeerID]*clientConn)
		s.rooms[client.roomID] = peers
	}
	if old, exists := peers[client.peerID]; exists && old != client {
		old.conn.Close()
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", client.peerID)
	}
	peers[client.peerID] = client
	s.mu.Unlock()

	// A rejoin within the grace window keeps membership.
	s.cancelEviction(client.roomID, client.peerID)

	if s.metrics != nil {
		s.metrics.RecordPeerConnected()
	}
	s.logger.Infow("peer joined signaling", "room_id", client.roomID, "peer_id", client.peerID, "reconnect", reconnect)

	state := RoomStatePayload{RoomID: room.ID, Owner: room.OwnerID}
	for _, player := range room.Players {
		state.Peers = append(state.Peers, RoomStatePeer{PeerID: player.ID, Username: player.Username})
	}
	if err := s.send(client, MessageRoomState, state); err != nil {
		s.logger.Warnw("failed to send room state", "peer_id", client.peerID, "error", err)
	}

	if !reconnect {
		s.broadcast(client.roomID, client.peerID, MessagePlayerJoined, PlayerJoinedPayload{
			PeerID:       client.peerID,
			RoomID:       client.roomID,
			Username:     p.Username,
			TotalPlayers: room.PlayerCount(),
			IsRoomOwner:  room.IsOwner(client.peerID),
		})
	}
	return true, nil
}

// handleLeave is the graceful counterpart of handleDisconnect: the explicit
// leave frame removes room membership immediately.
func (s *WebSocketServer) handleLeave(client *clientConn, joined bool) {
	s.removePeer(client, joined, true)
}

// handleDisconnect drops an abnormally closed socket. Only the socket
// registry entry goes; room membership stays for the grace window so a
// transient network drop does not tear the room down (an owner leave
// cascades to close).
func (s *WebSocketServer) handleDisconnect(client *clientConn, joined bool) {
	s.removePeer(client, joined, false)
}

func (s *WebSocketServer) removePeer(client *clientConn, joined, graceful bool) {
	if !joined {
		return
	}

	s.mu.Lock()
	if peers, ok := s.rooms[client.roomID]; ok {
		// A reconnected socket may have displaced this one already.
		if peers[client.peerID] == client {
			delete(peers, client.peerID)
		}
		if len(peers) == 0 {
			delete(s.rooms, client.roomID)
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPeerDisconnected()
	}

	if graceful {
		s.cancelEviction(client.roomID, client.peerID)
		s.evictPeer(client.roomID, client.peerID)
	} else {
		s.scheduleEviction(client.roomID, client.peerID)
	}
	s.logger.Infow("peer left signaling", "room_id", client.roomID, "peer_id", client.peerID, "graceful", graceful)
}

// evictPeer removes room membership and tells the remaining peers.
func (s *WebSocketServer) evictPeer(roomID domain.RoomID, peerID domain.PeerID) {
	if err := s.roomService.LeaveRoom(context.Background(), roomID, peerID); err != nil {
		if !errors.Is(err, domain.ErrPlayerNotInRoom) && !errors.Is(err, domain.ErrRoomNotFound) {
			s.logger.Infow("error removing peer from room", "peer_id", peerID, "error", err)
		}
	}

	s.broadcast(roomID, peerID, MessagePlayerLeft, PlayerLeftPayload{
		PeerID: peerID,
		RoomID: roomID,
	})
}

// scheduleEviction arms the grace timer after an abnormal drop. A rejoin
// within the window cancels it; expiry with no live socket evicts.
func (s *WebSocketServer) scheduleEviction(roomID domain.RoomID, peerID domain.PeerID) {
	key := peerKey{roomID: roomID, peerID: peerID}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	if timer, ok := s.evictions[key]; ok {
		timer.Stop()
	}
	s.evictions[key] = time.AfterFunc(s.cfg.DisconnectGrace, func() {
		s.evictMu.Lock()
		delete(s.evictions, key)
		s.evictMu.Unlock()

		if s.IsPeerConnected(roomID, peerID) {
			return
		}
		s.logger.Infow("disconnect grace expired", "room_id", roomID, "peer_id", peerID)
		s.evictPeer(roomID, peerID)
	})
}

func (s *WebSocketServer) cancelEviction(roomID domain.RoomID, peerID domain.PeerID) {
	key := peerKey{roomID: roomID, peerID: peerID}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	if timer, ok := s.evictions[key]; ok {
		timer.Stop()
		delete(s.evictions, key)
	}
}

// forward relays a frame to one peer in the sender's room.
func (s *WebSocketServer) forward(from *clientConn, to domain.PeerID, msgType MessageType, payload interface{}) error {
	if to == "" {
		return fmt.Errorf("%s frame without target peer", msgType)
	}

	s.mu.RLock()
	target, exists := s.rooms[from.roomID][to]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("target peer %s is not connected", to)
	}
	return s.send(target, msgType, payload)
}

// broadcast fans a frame out to every peer of the room except the sender.
func (s *WebSocketServer) broadcast(roomID domain.RoomID, except domain.PeerID, msgType MessageType, payload interface{}) {
	s.mu.RLock()
	targets := make([]*clientConn, 0, len(s.rooms[roomID]))
	for peerID, c := range s.rooms[roomID] {
		if peerID != except {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, target := range targets {
		if err := s.send(target, msgType, payload); err != nil {
			s.logger.Warnw("broadcast send failed", "peer_id", target.peerID, "type", msgType, "error", err)
		}
	}
}

func (s *WebSocketServer) send(client *clientConn, msgType MessageType, payload interface{}) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return client.writeJSON(s.cfg.WriteTimeout, msg)
}

func (s *WebSocketServer) sendError(client *clientConn, message string) {
	if err := s.send(client, MessageError, ErrorPayload{Message: message}); err != nil {
		s.logger.Debugw("failed to send error frame", "peer_id", client.peerID, "error", err)
	}
}

// ConnectedPeers lists the peers with a live socket in the given room.
func (s *WebSocketServer) ConnectedPeers(roomID domain.RoomID) []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.rooms[roomID]))
	for peerID := range s.rooms[roomID] {
		peers = append(peers, peerID)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(roomID domain.RoomID, peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.rooms[roomID][peerID]
	return exists
}

// HealthCheck reports socket counts for readiness probes.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := 0
	for _, peers := range s.rooms {
		connectionCount += len(peers)
	}
	roomCount := len(s.rooms)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"rooms":       roomCount,
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
