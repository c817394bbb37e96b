package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"roomnet/internal/core/domain"
	"roomnet/internal/core/ports"
	"roomnet/internal/infrastructure/signal"
	"roomnet/internal/infrastructure/webrtc"

	"go.uber.org/zap"
)

// OrchestratorConfig carries the per-room connection templates. The signal
// token is filled in per room before dialing.
type OrchestratorConfig struct {
	Signal  signal.ClientConfig
	Manager webrtc.ManagerConfig
}

// Orchestrator drives the whole client session: it restores cached
// membership on startup, runs the create/join/leave flows, and glues the
// signaling socket to the per-peer WebRTC sessions. Applications observe it
// through the event bus and never touch the lower layers directly.
type Orchestrator struct {
	api     *RoomAPI
	factory webrtc.ConnFactory
	cfg     OrchestratorConfig
	cache   *SessionCache
	clock   ports.Clock
	logger  *zap.SugaredLogger
	bus     eventBus

	mu   sync.Mutex
	sess *activeSession
}

// activeSession is the live state for one joined room.
type activeSession struct {
	roomID   domain.RoomID
	peerID   domain.PeerID
	username string
	room     *RoomInfo
	sig      *signal.Client
	peers    *webrtc.PeerManager
}

func NewOrchestrator(
	api *RoomAPI,
	factory webrtc.ConnFactory,
	cfg OrchestratorConfig,
	cache *SessionCache,
	clock ports.Clock,
	logger *zap.SugaredLogger,
) *Orchestrator {
	return &Orchestrator{
		api:     api,
		factory: factory,
		cfg:     cfg,
		cache:   cache,
		clock:   clock,
		logger:  logger,
	}
}

// OnEvent subscribes to session events. Handlers must not block.
func (o *Orchestrator) OnEvent(handler EventHandler) {
	o.bus.subscribe(handler)
}

// Initialize restores the cached session, if any. A vanished or closed room
// clears the cache silently; the client simply starts without a room.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	cached, err := o.cache.Load()
	if err != nil {
		return err
	}
	if cached == nil {
		return nil
	}

	o.logger.Infow("restoring cached session", "room_id", cached.RoomID, "peer_id", cached.PeerID)

	room, err := o.api.GetRoom(ctx, cached.RoomID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrRoomClosed) {
			o.logger.Infow("cached room is gone, clearing session", "room_id", cached.RoomID)
			return o.cache.Clear()
		}
		return err
	}

	grant, err := o.api.IssueToken(ctx, room.ID, cached.PeerID)
	if err != nil {
		return err
	}
	if err := o.connect(ctx, grant, cached.Username); err != nil {
		return err
	}

	o.bus.emit(EventSessionRestored, o.CurrentRoom())
	return nil
}

// CreateRoom creates a room on the server and joins it as the owner.
func (o *Orchestrator) CreateRoom(ctx context.Context, name, username string, maxPlayers int, allowRelay *bool) (*RoomInfo, error) {
	if err := o.LeaveRoom(ctx); err != nil {
		return nil, err
	}

	grant, err := o.api.CreateRoom(ctx, CreateRoomRequest{
		Name:       name,
		Username:   username,
		MaxPlayers: maxPlayers,
		AllowRelay: allowRelay,
	})
	if err != nil {
		return nil, err
	}

	if err := o.connect(ctx, grant, username); err != nil {
		return nil, err
	}
	o.bus.emit(EventRoomJoined, grant.Room)
	return grant.Room, nil
}

// JoinRoom joins an existing room, leaving the current one first. The
// joiner initiates WebRTC negotiation toward every member listed in the
// room-state frame.
func (o *Orchestrator) JoinRoom(ctx context.Context, roomID domain.RoomID, username string) (*RoomInfo, error) {
	if err := o.LeaveRoom(ctx); err != nil {
		return nil, err
	}

	grant, err := o.api.IssueToken(ctx, roomID, "")
	if err != nil {
		return nil, err
	}

	if err := o.connect(ctx, grant, username); err != nil {
		return nil, err
	}
	o.bus.emit(EventRoomJoined, grant.Room)
	return grant.Room, nil
}

// LeaveRoom tears the session down: peer connections first, then the
// signaling socket (which carries the leave frame), then the cache. A call
// without an active session is a no-op.
func (o *Orchestrator) LeaveRoom(ctx context.Context) error {
	o.mu.Lock()
	sess := o.sess
	o.sess = nil
	o.mu.Unlock()

	if sess == nil {
		return nil
	}

	sess.peers.CloseAll()
	if err := sess.sig.Close(); err != nil {
		o.logger.Warnw("error closing signal socket", "error", err)
	}
	if err := o.cache.Clear(); err != nil {
		o.logger.Warnw("error clearing session cache", "error", err)
	}

	o.bus.emit(EventRoomLeft, PeerEvent{PeerID: sess.peerID})
	o.logger.Infow("left room", "room_id", sess.roomID)
	return nil
}

// CloseRoom closes the owned room for everyone and tears the session down.
func (o *Orchestrator) CloseRoom(ctx context.Context) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("no active session")
	}

	if err := o.api.CloseRoom(ctx, sess.roomID, sess.peerID); err != nil {
		return err
	}
	return o.LeaveRoom(ctx)
}

// UpdateRules changes the room rules (owner only) and applies the relay
// policy to the live peer sessions.
func (o *Orchestrator) UpdateRules(ctx context.Context, rules domain.RoomRule) (*RoomInfo, error) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()

	if sess == nil {
		return nil, fmt.Errorf("no active session")
	}

	room, err := o.api.UpdateRules(ctx, sess.roomID, sess.peerID, rules)
	if err != nil {
		return nil, err
	}

	sess.peers.SetAllowRelay(rules.AllowRelay)
	o.mu.Lock()
	sess.room = room
	o.mu.Unlock()

	o.bus.emit(EventRulesChanged, room)
	return room, nil
}

// SendData delivers application data to one peer on the named channel.
func (o *Orchestrator) SendData(to domain.PeerID, channel string, data []byte) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("no active session")
	}
	return sess.peers.SendData(to, channel, data)
}

// Broadcast delivers application data to every connected peer.
func (o *Orchestrator) Broadcast(channel string, data []byte) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("no active session")
	}
	return sess.peers.Broadcast(channel, data)
}

// CurrentRoom returns the joined room, or nil outside a session.
func (o *Orchestrator) CurrentRoom() *RoomInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return nil
	}
	return o.sess.room
}

// PeerID returns our identity in the current session.
func (o *Orchestrator) PeerID() domain.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return ""
	}
	return o.sess.peerID
}

// PeerStates snapshots the connection state of every peer session.
func (o *Orchestrator) PeerStates() map[domain.PeerID]domain.ConnectionState {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.peers.PeerStates()
}

// connect builds the signaling client and peer manager for a room and
// dials in.
func (o *Orchestrator) connect(ctx context.Context, grant *RoomGrant, username string) error {
	sigCfg := o.cfg.Signal
	sigCfg.Token = grant.SignalToken
	sig := signal.NewClient(sigCfg, o.clock, o.logger)

	mgrCfg := o.cfg.Manager
	mgrCfg.AllowRelay = grant.Room.Rules.AllowRelay
	peers := webrtc.NewPeerManager(o.factory, sig, mgrCfg, nil, o.logger)

	sess := &activeSession{
		roomID:   grant.Room.ID,
		peerID:   grant.PeerID,
		username: username,
		room:     grant.Room,
		sig:      sig,
		peers:    peers,
	}

	o.wireSession(sess)

	if err := sig.Connect(ctx, sess.roomID, sess.peerID, username); err != nil {
		return err
	}

	o.mu.Lock()
	o.sess = sess
	o.mu.Unlock()

	if err := o.cache.Save(&Session{RoomID: sess.roomID, PeerID: sess.peerID, Username: username}); err != nil {
		o.logger.Warnw("failed to persist session", "error", err)
	}
	return nil
}

// wireSession connects the signaling frames to the peer manager and the
// event bus. Frame handlers run on the socket's read loop.
func (o *Orchestrator) wireSession(sess *activeSession) {
	sig, peers := sess.sig, sess.peers

	peers.OnData(func(from domain.PeerID, channel string, data []byte) {
		o.bus.emit(EventData, DataEvent{From: from, Channel: channel, Data: data})
	})
	peers.OnPeerState(func(peerID domain.PeerID, state domain.ConnectionState) {
		o.bus.emit(EventPeerStateChanged, PeerStateEvent{PeerID: peerID, State: state})
	})

	sig.SetSessionProbe(peers.HasLiveSessions)
	sig.SetStateHandler(func(state signal.SocketState) {
		o.bus.emit(EventSignalState, state)
	})
	sig.SetHardFailureHandler(func(err error) {
		o.logger.Errorw("signal connection failed for good", "error", err)
		o.bus.emit(EventConnectionFailed, err.Error())
		go o.LeaveRoom(context.Background())
	})
	sig.SetReconnectedHandler(func() {
		// Renegotiate with everyone; the sessions may have died while the
		// socket was down.
		for peerID := range peers.PeerStates() {
			if err := sig.RequestReconnect(peerID); err != nil {
				o.logger.Warnw("failed to request reconnect", "peer_id", peerID, "error", err)
			}
		}
	})

	sig.On(signal.MessageRoomState, func(msg signal.SignalMessage) {
		var state signal.RoomStatePayload
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			o.logger.Warnw("invalid room-state frame", "error", err)
			return
		}
		for _, peer := range state.Peers {
			if peer.PeerID == sess.peerID {
				continue
			}
			peerID := peer.PeerID
			go func() {
				if err := peers.Connect(context.Background(), peerID); err != nil {
					o.logger.Warnw("failed to start negotiation", "peer_id", peerID, "error", err)
				}
			}()
		}
	})

	sig.On(signal.MessagePlayerJoined, func(msg signal.SignalMessage) {
		var p signal.PlayerJoinedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		// The newcomer initiates; we only surface the membership change.
		o.bus.emit(EventPeerJoined, PeerEvent{PeerID: p.PeerID, Username: p.Username})
	})

	sig.On(signal.MessagePlayerLeft, func(msg signal.SignalMessage) {
		var p signal.PlayerLeftPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		peers.CloseConnection(p.PeerID)
		o.bus.emit(EventPeerLeft, PeerEvent{PeerID: p.PeerID})

		// The owner leaving means the room is closing underneath us.
		if p.PeerID == sess.room.OwnerID {
			o.bus.emit(EventRoomClosed, sess.room)
			go o.LeaveRoom(context.Background())
		}
	})

	sig.On(signal.MessageOffer, func(msg signal.SignalMessage) {
		var p signal.OfferPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if err := peers.HandleOffer(context.Background(), p.From, p.Offer); err != nil {
			o.logger.Warnw("failed to handle offer", "peer_id", p.From, "error", err)
		}
	})

	sig.On(signal.MessageAnswer, func(msg signal.SignalMessage) {
		var p signal.AnswerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if err := peers.HandleAnswer(context.Background(), p.From, p.Answer); err != nil {
			o.logger.Warnw("failed to handle answer", "peer_id", p.From, "error", err)
		}
	})

	sig.On(signal.MessageICECandidate, func(msg signal.SignalMessage) {
		var p signal.ICECandidatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if err := peers.HandleICECandidate(p.From, p.Candidate); err != nil {
			o.logger.Warnw("failed to handle ice candidate", "peer_id", p.From, "error", err)
		}
	})

	sig.On(signal.MessageFallbackNeeded, func(msg signal.SignalMessage) {
		var p signal.FallbackNeededPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		peers.HandleFallbackNeeded(p.PeerID)
	})

	sig.On(signal.MessageRelayData, func(msg signal.SignalMessage) {
		var p signal.RelayDataPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		peers.HandleRelayData(p.From, p.Payload.Channel, p.Payload.Data)
	})

	sig.On(signal.MessageReconnectRequest, func(msg signal.SignalMessage) {
		var p signal.ReconnectRequestPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if err := peers.HandleReconnectRequest(context.Background(), p.From); err != nil {
			o.logger.Warnw("failed to renegotiate", "peer_id", p.From, "error", err)
		}
	})

	sig.On(signal.MessagePeerConnectionState, func(msg signal.SignalMessage) {
		var p signal.ConnectionStatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		o.bus.emit(EventPeerStateChanged, PeerStateEvent{PeerID: p.PeerID, State: p.State})
	})

	sig.On(signal.MessageError, func(msg signal.SignalMessage) {
		var p signal.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		o.logger.Warnw("signal server error", "message", p.Message)
	})
}
