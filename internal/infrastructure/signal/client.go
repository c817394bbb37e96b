package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"roomnet/internal/core/domain"
	"roomnet/internal/core/ports"
	"roomnet/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SocketState is the lifecycle state of the signaling socket.
type SocketState string

const (
	SocketDisconnected SocketState = "disconnected"
	SocketConnecting   SocketState = "connecting"
	SocketConnected    SocketState = "connected"
	SocketReconnecting SocketState = "reconnecting"
	SocketFailed       SocketState = "failed"
)

// ClientConfig holds the dial target and reconnection policy.
type ClientConfig struct {
	// URL is the signaling endpoint, e.g. ws://host/collaboration.
	URL   string
	Token string

	PingInterval time.Duration
	WriteTimeout time.Duration

	// Foreground reconnection: exponential backoff, bounded attempts.
	Reconnect retry.Config
	// Background reconnection runs at this fixed interval when live peer
	// sessions still exist after the foreground attempts are exhausted.
	BackgroundInterval time.Duration
}

func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		URL:          endpoint,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
		BackgroundInterval: 15 * time.Second,
	}
}

// MessageHandler receives one inbound frame of the subscribed type.
type MessageHandler func(msg SignalMessage)

// Client maintains one signaling socket to the relay server. It sends the
// join frame on every (re)connect, dispatches inbound frames to per-type
// subscribers, and recovers dropped sockets with exponential backoff.
type Client struct {
	cfg    ClientConfig
	clock  ports.Clock
	logger *zap.SugaredLogger

	roomID   domain.RoomID
	peerID   domain.PeerID
	username string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	state   SocketState
	closed  bool
	// generation fences stale read loops out of the reconnect path after
	// the socket they served has been replaced.
	generation uint64

	handlersMu sync.RWMutex
	handlers   map[MessageType][]MessageHandler

	// liveSessions reports whether WebRTC peer sessions are still up; it
	// decides between background retry and hard failure.
	liveSessions  func() bool
	onHardFailure func(err error)
	onStateChange func(state SocketState)
	onReconnected func()
}

func NewClient(cfg ClientConfig, clock ports.Clock, logger *zap.SugaredLogger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = 15 * time.Second
	}
	return &Client{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		state:    SocketDisconnected,
		handlers: make(map[MessageType][]MessageHandler),
	}
}

// On subscribes a handler for one frame type. Handlers run on the read
// loop goroutine and must not block.
func (c *Client) On(msgType MessageType, handler MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
}

// SetSessionProbe installs the callback consulted after reconnection
// attempts are exhausted.
func (c *Client) SetSessionProbe(probe func() bool) {
	c.liveSessions = probe
}

func (c *Client) SetHardFailureHandler(fn func(err error)) {
	c.onHardFailure = fn
}

func (c *Client) SetStateHandler(fn func(state SocketState)) {
	c.onStateChange = fn
}

// SetReconnectedHandler installs the callback invoked after a successful
// reconnect, once the join frame has been resent.
func (c *Client) SetReconnectedHandler(fn func()) {
	c.onReconnected = fn
}

// Connect dials the signaling server and sends the join frame. Identity
// must be fully known up front; a missing or literal "null" id fails fast
// instead of producing a broken session server-side.
func (c *Client) Connect(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, username string) error {
	if err := validateIdentity(roomID, peerID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.closed = false
	c.roomID = roomID
	c.peerID = peerID
	c.username = username
	c.mu.Unlock()

	c.setState(SocketConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(SocketDisconnected)
		return err
	}
	c.setState(SocketConnected)
	return nil
}

func validateIdentity(roomID domain.RoomID, peerID domain.PeerID) error {
	if roomID == "" || roomID == "null" || roomID == "undefined" {
		return fmt.Errorf("invalid room id %q", roomID)
	}
	if peerID == "" || peerID == "null" || peerID == "undefined" {
		return fmt.Errorf("invalid peer id %q", peerID)
	}
	return nil
}

// dial opens the socket, sends the join frame and starts the read and ping
// loops for the new generation.
func (c *Client) dial(ctx context.Context) error {
	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid signal url: %w", err)
	}
	q := endpoint.Query()
	q.Set("roomId", string(c.roomID))
	q.Set("peerId", string(c.peerID))
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	endpoint.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial signal server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	if err := c.Send(MessageJoin, JoinPayload{RoomID: c.roomID, PeerID: c.peerID, Username: c.username}); err != nil {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to send join: %w", err)
	}

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleSocketDrop(conn, gen, err)
			return
		}

		var msg SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed frames are dropped without touching the socket.
			c.logger.Warnw("dropping malformed signal frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := c.closed || c.generation != gen || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}

		payload, _ := json.Marshal(PingPayload{Timestamp: c.clock.Now().UnixMilli()})
		if err := c.writeMessage(conn, SignalMessage{Type: MessagePing, Payload: payload}); err != nil {
			c.logger.Debugw("ping write failed", "error", err)
			return
		}
	}
}

func (c *Client) dispatch(msg SignalMessage) {
	c.handlersMu.RLock()
	handlers := c.handlers[msg.Type]
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debugw("no handler for signal frame", "type", msg.Type)
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

// handleSocketDrop runs the reconnection state machine after an abnormal
// close. A deliberate Close never reconnects.
func (c *Client) handleSocketDrop(conn *websocket.Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || c.generation != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	c.logger.Infow("signal socket dropped", "error", cause)
	c.setState(SocketReconnecting)

	for attempt := 0; attempt < c.cfg.Reconnect.MaxAttempts; attempt++ {
		delay := retry.DelayForAttempt(c.cfg.Reconnect, attempt)
		c.logger.Infow("scheduling reconnect", "attempt", attempt+1, "delay", delay)

		<-c.clock.After(delay)
		if c.isClosed() {
			return
		}

		if err := c.dial(context.Background()); err != nil {
			c.logger.Warnw("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		c.logger.Infow("signal socket reconnected", "attempt", attempt+1)
		c.setState(SocketConnected)
		if c.onReconnected != nil {
			c.onReconnected()
		}
		return
	}

	// Bounded attempts exhausted. With live peer sessions the socket keeps
	// trying quietly in the background; without them this is a hard failure.
	if c.liveSessions != nil && c.liveSessions() {
		c.logger.Warnw("reconnect attempts exhausted, retrying in background",
			"interval", c.cfg.BackgroundInterval)
		c.backgroundReconnect()
		return
	}

	c.setState(SocketFailed)
	if c.onHardFailure != nil {
		c.onHardFailure(fmt.Errorf("signal connection lost after %d attempts: %w", c.cfg.Reconnect.MaxAttempts, cause))
	}
}

func (c *Client) backgroundReconnect() {
	for {
		<-c.clock.After(c.cfg.BackgroundInterval)
		if c.isClosed() {
			return
		}
		if c.liveSessions != nil && !c.liveSessions() {
			c.setState(SocketFailed)
			if c.onHardFailure != nil {
				c.onHardFailure(fmt.Errorf("signal connection lost and peer sessions ended"))
			}
			return
		}

		if err := c.dial(context.Background()); err != nil {
			c.logger.Debugw("background reconnect failed", "error", err)
			continue
		}
		c.logger.Infow("signal socket reconnected in background")
		c.setState(SocketConnected)
		if c.onReconnected != nil {
			c.onReconnected()
		}
		return
	}
}

// Send marshals and writes one frame.
func (c *Client) Send(msgType MessageType, payload interface{}) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signal socket is not connected")
	}
	return c.writeMessage(conn, msg)
}

func (c *Client) writeMessage(conn *websocket.Conn, msg SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) SendOffer(to domain.PeerID, offer json.RawMessage) error {
	return c.Send(MessageOffer, OfferPayload{To: to, Offer: offer})
}

func (c *Client) SendAnswer(to domain.PeerID, answer json.RawMessage) error {
	return c.Send(MessageAnswer, AnswerPayload{To: to, Answer: answer})
}

func (c *Client) SendICECandidate(to domain.PeerID, candidate json.RawMessage) error {
	return c.Send(MessageICECandidate, ICECandidatePayload{To: to, Candidate: candidate})
}

// UpdateConnectionState publishes this peer's connection state to the room.
func (c *Client) UpdateConnectionState(state domain.ConnectionState) error {
	return c.Send(MessageConnectionState, ConnectionStatePayload{PeerID: c.peerID, State: state})
}

// RelayData routes application data to a peer through the server when the
// direct data channel is unavailable.
func (c *Client) RelayData(to domain.PeerID, channel string, data json.RawMessage) error {
	return c.Send(MessageRelayData, RelayDataPayload{
		To:      to,
		Payload: RelayEnvelope{Channel: channel, Data: data},
	})
}

// ActivateFallback tells a peer to switch to server relay with us.
func (c *Client) ActivateFallback(to domain.PeerID) error {
	return c.Send(MessageFallbackActivate, FallbackActivatePayload{To: to})
}

// RequestReconnect asks a peer to restart WebRTC negotiation.
func (c *Client) RequestReconnect(to domain.PeerID) error {
	return c.Send(MessageReconnectRequest, ReconnectRequestPayload{To: to})
}

func (c *Client) State() SocketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) PeerID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Client) RoomID() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setState(state SocketState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	if c.onStateChange != nil {
		c.onStateChange(state)
	}
}

// Close sends the leave frame when possible and shuts the socket down.
// No reconnection follows a deliberate close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.generation++
	roomID, peerID := c.roomID, c.peerID
	c.mu.Unlock()

	if conn != nil {
		msg, err := NewMessage(MessageLeave, LeavePayload{RoomID: roomID, PeerID: peerID})
		if err == nil {
			if werr := c.writeMessage(conn, msg); werr != nil {
				c.logger.Debugw("failed to send leave frame", "error", werr)
			}
		}
		conn.Close()
	}

	c.setState(SocketDisconnected)
	return nil
}
