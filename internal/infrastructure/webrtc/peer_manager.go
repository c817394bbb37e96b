package webrtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"roomnet/internal/core/domain"
	"roomnet/pkg/tracing"

	"go.uber.org/zap"
)

// Signaler is the slice of the signaling client the manager needs to
// negotiate and to fall back to server relay.
type Signaler interface {
	SendOffer(to domain.PeerID, offer json.RawMessage) error
	SendAnswer(to domain.PeerID, answer json.RawMessage) error
	SendICECandidate(to domain.PeerID, candidate json.RawMessage) error
	UpdateConnectionState(state domain.ConnectionState) error
	RelayData(to domain.PeerID, channel string, data json.RawMessage) error
	ActivateFallback(to domain.PeerID) error
}

// ManagerMetrics is what the manager reports to the monitoring layer. A nil
// implementation is allowed.
type ManagerMetrics interface {
	RecordPeerState(state string)
	RecordFallbackActivated()
	RecordPeerRTT(seconds float64)
	RecordChannelMessage(channel string, relayed bool)
}

type ManagerConfig struct {
	// NegotiationTimeout bounds the window from first offer to connected;
	// expiry degrades the session to relay instead of hanging forever.
	NegotiationTimeout time.Duration
	// AllowRelay mirrors the room rule; when false a failed direct path is
	// a connection error rather than a silent relay.
	AllowRelay bool
}

// DataHandler receives application data from a peer, direct or relayed.
type DataHandler func(from domain.PeerID, channel string, data []byte)

// StateHandler observes per-peer connection state transitions.
type StateHandler func(peerID domain.PeerID, state domain.ConnectionState)

// controlMessage is the in-band protocol of the control channel.
type controlMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"ts,omitempty"`
}

const relayEncodingBase64 = "base64"

// relayBinaryEnvelope carries non-JSON payloads through the relay, whose
// frame body is JSON.
type relayBinaryEnvelope struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// PeerManager owns one WebRTC session per remote peer: negotiation, data
// channel multiplexing and the relay fallback path. Sends never silently
// drop: data goes direct, through the relay, or the caller gets an error.
type PeerManager struct {
	factory  ConnFactory
	signaler Signaler
	metrics  ManagerMetrics
	cfg      ManagerConfig
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.PeerID]*peerSession

	handlersMu    sync.RWMutex
	dataHandlers  []DataHandler
	stateHandlers []StateHandler
}

func NewPeerManager(factory ConnFactory, signaler Signaler, cfg ManagerConfig, metrics ManagerMetrics, logger *zap.SugaredLogger) *PeerManager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}
	return &PeerManager{
		factory:  factory,
		signaler: signaler,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[domain.PeerID]*peerSession),
	}
}

func (m *PeerManager) OnData(handler DataHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.dataHandlers = append(m.dataHandlers, handler)
}

func (m *PeerManager) OnPeerState(handler StateHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, handler)
}

// SetAllowRelay follows room rule changes at runtime.
func (m *PeerManager) SetAllowRelay(allow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.AllowRelay = allow
}

func (m *PeerManager) allowRelay() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.AllowRelay
}

// Connect starts negotiation with a peer as the initiator: the full channel
// set is created up front so it rides the first offer.
func (m *PeerManager) Connect(ctx context.Context, peerID domain.PeerID) error {
	_, span := tracing.TracePeerConnection(ctx, "connect", string(peerID))
	defer span.End()

	m.mu.Lock()
	if _, exists := m.sessions[peerID]; exists {
		m.mu.Unlock()
		// Room-state refreshes re-announce known peers; an existing
		// session is kept as is.
		return nil
	}

	conn, err := m.factory.NewConn()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	session := newPeerSession(peerID, conn, true)
	m.sessions[peerID] = session
	m.mu.Unlock()

	m.wireConn(session)

	for _, label := range ChannelLabels {
		ch, err := conn.CreateDataChannel(label)
		if err != nil {
			m.dropSession(peerID)
			return fmt.Errorf("failed to create channel %s for peer %s: %w", label, peerID, err)
		}
		m.attachChannel(session, ch)
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		m.dropSession(peerID)
		return fmt.Errorf("failed to create offer for peer %s: %w", peerID, err)
	}
	if err := m.signaler.SendOffer(peerID, offer); err != nil {
		m.dropSession(peerID)
		return fmt.Errorf("failed to send offer to peer %s: %w", peerID, err)
	}

	m.startNegotiationTimer(session)
	m.notifyState(peerID, domain.StateConnecting)
	m.logger.Infow("peer negotiation started", "peer_id", peerID, "initiator", true)
	return nil
}

// HandleOffer runs the responder side of negotiation. An offer for an
// already known peer restarts the session (the remote decided to
// renegotiate).
func (m *PeerManager) HandleOffer(ctx context.Context, from domain.PeerID, offer json.RawMessage) error {
	_, span := tracing.TracePeerConnection(ctx, "handle_offer", string(from))
	defer span.End()

	m.mu.Lock()
	if old, exists := m.sessions[from]; exists {
		delete(m.sessions, from)
		go old.close()
	}

	conn, err := m.factory.NewConn()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	session := newPeerSession(from, conn, false)
	m.sessions[from] = session
	m.mu.Unlock()

	m.wireConn(session)
	conn.OnDataChannel(func(ch DataChannel) {
		m.attachChannel(session, ch)
	})

	answer, err := conn.HandleOffer(offer)
	if err != nil {
		m.dropSession(from)
		return fmt.Errorf("failed to handle offer from peer %s: %w", from, err)
	}
	m.flushCandidates(session)

	if err := m.signaler.SendAnswer(from, answer); err != nil {
		m.dropSession(from)
		return fmt.Errorf("failed to send answer to peer %s: %w", from, err)
	}

	m.startNegotiationTimer(session)
	m.notifyState(from, domain.StateConnecting)
	m.logger.Infow("peer negotiation started", "peer_id", from, "initiator", false)
	return nil
}

// HandleAnswer completes the initiator's negotiation and flushes the
// candidates buffered while the answer was in flight.
func (m *PeerManager) HandleAnswer(ctx context.Context, from domain.PeerID, answer json.RawMessage) error {
	_, span := tracing.TracePeerConnection(ctx, "handle_answer", string(from))
	defer span.End()

	session, ok := m.session(from)
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", from)
	}
	if err := session.conn.HandleAnswer(answer); err != nil {
		return fmt.Errorf("failed to handle answer from peer %s: %w", from, err)
	}
	m.flushCandidates(session)
	return nil
}

// HandleICECandidate buffers candidates that arrive before the remote
// description and applies the rest immediately.
func (m *PeerManager) HandleICECandidate(from domain.PeerID, candidate json.RawMessage) error {
	session, ok := m.session(from)
	if !ok {
		return fmt.Errorf("ice candidate from unknown peer %s", from)
	}
	return session.bufferOrAddCandidate(candidate)
}

// HandleFallbackNeeded switches the session with the given peer to relay
// because the remote side observed a direct-path failure.
func (m *PeerManager) HandleFallbackNeeded(from domain.PeerID) {
	session, ok := m.session(from)
	if !ok {
		return
	}
	m.activateFallback(session, false)
}

// HandleRelayData delivers relayed application data to the subscribers,
// decoding the base64 envelope binary payloads travel in.
func (m *PeerManager) HandleRelayData(from domain.PeerID, channel string, data []byte) {
	if m.metrics != nil {
		m.metrics.RecordChannelMessage(channel, true)
	}
	if session, ok := m.session(from); ok {
		if session.currentState() != domain.StateFallback {
			session.setState(domain.StateRelaying)
		}
	}

	var envelope relayBinaryEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Encoding == relayEncodingBase64 {
		if decoded, err := base64.StdEncoding.DecodeString(envelope.Data); err == nil {
			m.dispatchData(from, channel, decoded)
			return
		}
	}
	m.dispatchData(from, channel, data)
}

// HandleReconnectRequest tears the session down and renegotiates from
// scratch as the initiator.
func (m *PeerManager) HandleReconnectRequest(ctx context.Context, from domain.PeerID) error {
	m.CloseConnection(from)
	return m.Connect(ctx, from)
}

// SendData delivers application data to one peer on the named channel.
// When the direct channel is not open the data goes through the server
// relay; with relay disallowed the caller gets an error. Data is never
// silently dropped.
func (m *PeerManager) SendData(to domain.PeerID, channel string, data []byte) error {
	if _, err := ProfileFor(channel); err != nil {
		return err
	}
	session, ok := m.session(to)
	if !ok {
		return fmt.Errorf("no session with peer %s", to)
	}

	if !session.isFallback() {
		if ch, exists := session.channel(channel); exists && ch.IsOpen() {
			if err := ch.Send(data); err == nil {
				if m.metrics != nil {
					m.metrics.RecordChannelMessage(channel, false)
				}
				return nil
			} else {
				m.logger.Warnw("direct send failed, falling back to relay",
					"peer_id", to, "channel", channel, "error", err)
			}
		}
	}

	if !m.allowRelay() {
		return fmt.Errorf("no direct channel %s to peer %s and relay is disallowed", channel, to)
	}
	payload := json.RawMessage(data)
	if !json.Valid(data) {
		// The relay frame body must be JSON; binary payloads (audio and
		// media frames) ride inside a base64 envelope instead.
		wrapped, err := json.Marshal(relayBinaryEnvelope{
			Encoding: relayEncodingBase64,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return fmt.Errorf("failed to wrap relay payload for channel %s: %w", channel, err)
		}
		payload = wrapped
	}
	if err := m.signaler.RelayData(to, channel, payload); err != nil {
		return fmt.Errorf("relay to peer %s failed: %w", to, err)
	}
	if m.metrics != nil {
		m.metrics.RecordChannelMessage(channel, true)
	}
	return nil
}

// Broadcast sends to every session with a usable path, returning the first
// error after attempting all peers. Peers still negotiating or torn down are
// skipped; relaying to them would deliver data into a session that is not
// ready yet.
func (m *PeerManager) Broadcast(channel string, data []byte) error {
	m.mu.RLock()
	peers := make([]domain.PeerID, 0, len(m.sessions))
	for peerID, session := range m.sessions {
		switch session.currentState() {
		case domain.StateConnected, domain.StateFallback, domain.StateRelaying:
			peers = append(peers, peerID)
		}
	}
	m.mu.RUnlock()

	var firstErr error
	for _, peerID := range peers {
		if err := m.SendData(peerID, channel, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PingPeer measures round-trip time over the control channel.
func (m *PeerManager) PingPeer(to domain.PeerID) error {
	msg, _ := json.Marshal(controlMessage{Type: "ping", Timestamp: time.Now().UnixNano()})
	return m.SendData(to, ChannelControl, msg)
}

// RTT returns the last measured control-channel round trip for the peer.
func (m *PeerManager) RTT(peerID domain.PeerID) (time.Duration, bool) {
	session, ok := m.session(peerID)
	if !ok {
		return 0, false
	}
	rtt := session.currentRTT()
	return rtt, rtt > 0
}

// PeerStates snapshots the connection state of every session.
func (m *PeerManager) PeerStates() map[domain.PeerID]domain.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[domain.PeerID]domain.ConnectionState, len(m.sessions))
	for peerID, session := range m.sessions {
		states[peerID] = session.currentState()
	}
	return states
}

// HasLiveSessions reports whether any peer still has a usable path, which
// keeps signaling reconnection in background mode.
func (m *PeerManager) HasLiveSessions() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, session := range m.sessions {
		switch session.currentState() {
		case domain.StateConnected, domain.StateRelaying, domain.StateFallback:
			return true
		}
	}
	return false
}

func (m *PeerManager) CloseConnection(peerID domain.PeerID) {
	m.mu.Lock()
	session, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := session.close(); err != nil {
		m.logger.Debugw("error closing peer session", "peer_id", peerID, "error", err)
	}
	m.notifyState(peerID, domain.StateDisconnected)
	m.logger.Infow("peer session closed", "peer_id", peerID)
}

func (m *PeerManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[domain.PeerID]*peerSession)
	m.mu.Unlock()

	for peerID, session := range sessions {
		if err := session.close(); err != nil {
			m.logger.Debugw("error closing peer session", "peer_id", peerID, "error", err)
		}
		m.notifyState(peerID, domain.StateDisconnected)
	}
}

func (m *PeerManager) session(peerID domain.PeerID) (*peerSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[peerID]
	return session, ok
}

// dropSession removes a session that failed mid-setup.
func (m *PeerManager) dropSession(peerID domain.PeerID) {
	m.mu.Lock()
	session, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
	if ok {
		session.close()
	}
}

// wireConn installs the candidate and state callbacks for a new session.
func (m *PeerManager) wireConn(session *peerSession) {
	peerID := session.peerID

	session.conn.OnICECandidate(func(candidate json.RawMessage) {
		if err := m.signaler.SendICECandidate(peerID, candidate); err != nil {
			m.logger.Warnw("failed to send ice candidate", "peer_id", peerID, "error", err)
		}
	})

	session.conn.OnStateChange(func(state domain.ConnectionState) {
		m.handleConnState(session, state)
	})
}

func (m *PeerManager) handleConnState(session *peerSession, state domain.ConnectionState) {
	peerID := session.peerID
	m.logger.Infow("peer connection state changed", "peer_id", peerID, "state", state)
	if m.metrics != nil {
		m.metrics.RecordPeerState(string(state))
	}

	switch state {
	case domain.StateConnected:
		session.stopNegotiationTimer()
		session.setState(domain.StateConnected)
		m.reportState(domain.StateConnected)
		m.notifyState(peerID, domain.StateConnected)

	case domain.StateError:
		// A failed ICE path falls back immediately, no grace period.
		m.activateFallback(session, true)

	case domain.StateDisconnected:
		if session.isFallback() {
			return // relay path stays authoritative
		}
		session.setState(state)
		m.notifyState(peerID, state)

	default:
		if session.isFallback() {
			return
		}
		session.setState(state)
		m.notifyState(peerID, state)
	}
}

func (m *PeerManager) startNegotiationTimer(session *peerSession) {
	peerID := session.peerID
	session.startNegotiationTimer(m.cfg.NegotiationTimeout, func() {
		if session.currentState() == domain.StateConnected {
			return
		}
		m.logger.Warnw("peer negotiation timed out", "peer_id", peerID,
			"timeout", m.cfg.NegotiationTimeout)
		m.activateFallback(session, true)
	})
}

// activateFallback degrades a session to server relay. notifyRemote is set
// on the side that observed the failure; the other side learns through the
// fallback-needed frame and must not echo it back.
func (m *PeerManager) activateFallback(session *peerSession, notifyRemote bool) {
	peerID := session.peerID
	session.stopNegotiationTimer()

	if !m.allowRelay() {
		session.setState(domain.StateError)
		m.reportState(domain.StateError)
		m.notifyState(peerID, domain.StateError)
		m.logger.Warnw("direct connection failed and relay is disallowed", "peer_id", peerID)
		return
	}

	if !session.markFallback() {
		return // already relaying
	}

	if m.metrics != nil {
		m.metrics.RecordFallbackActivated()
	}
	if notifyRemote {
		if err := m.signaler.ActivateFallback(peerID); err != nil {
			m.logger.Warnw("failed to notify peer of fallback", "peer_id", peerID, "error", err)
		}
	}
	m.reportState(domain.StateFallback)
	m.notifyState(peerID, domain.StateFallback)
	m.logger.Infow("relay fallback activated", "peer_id", peerID)
}

// attachChannel hooks one data channel into the session. Control frames are
// consumed by the in-band ping protocol; everything else goes to the data
// subscribers.
func (m *PeerManager) attachChannel(session *peerSession, ch DataChannel) {
	peerID := session.peerID
	label := ch.Label()
	session.setChannel(ch)

	ch.OnOpen(func() {
		m.logger.Debugw("data channel open", "peer_id", peerID, "channel", label)
		if label == ChannelControl {
			msg, _ := json.Marshal(controlMessage{Type: "ready"})
			if err := ch.Send(msg); err != nil {
				m.logger.Debugw("failed to send ready", "peer_id", peerID, "error", err)
			}
		}
	})

	ch.OnMessage(func(data []byte) {
		if label == ChannelControl {
			m.handleControlMessage(session, ch, data)
			return
		}
		if m.metrics != nil {
			m.metrics.RecordChannelMessage(label, false)
		}
		m.dispatchData(peerID, label, data)
	})
}

func (m *PeerManager) handleControlMessage(session *peerSession, ch DataChannel, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Debugw("dropping malformed control frame", "peer_id", session.peerID, "error", err)
		return
	}

	switch msg.Type {
	case "ping":
		reply, _ := json.Marshal(controlMessage{Type: "pong", Timestamp: msg.Timestamp})
		if err := ch.Send(reply); err != nil {
			m.logger.Debugw("failed to send pong", "peer_id", session.peerID, "error", err)
		}
	case "pong":
		rtt := time.Duration(time.Now().UnixNano() - msg.Timestamp)
		session.setRTT(rtt)
		if m.metrics != nil {
			m.metrics.RecordPeerRTT(rtt.Seconds())
		}
	case "ready":
		m.logger.Debugw("peer control channel ready", "peer_id", session.peerID)
	}
}

func (m *PeerManager) flushCandidates(session *peerSession) {
	for _, err := range session.markRemoteDescSet() {
		m.logger.Warnw("buffered ice candidate failed", "peer_id", session.peerID, "error", err)
	}
}

func (m *PeerManager) dispatchData(from domain.PeerID, channel string, data []byte) {
	m.handlersMu.RLock()
	handlers := m.dataHandlers
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(from, channel, data)
	}
}

func (m *PeerManager) notifyState(peerID domain.PeerID, state domain.ConnectionState) {
	m.handlersMu.RLock()
	handlers := m.stateHandlers
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(peerID, state)
	}
}

// reportState publishes our aggregate connection state to the room through
// the signaling channel. Best effort.
func (m *PeerManager) reportState(state domain.ConnectionState) {
	if err := m.signaler.UpdateConnectionState(state); err != nil {
		m.logger.Debugw("failed to report connection state", "error", err)
	}
}
