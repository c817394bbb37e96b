package signal

import (
	"encoding/json"
	"fmt"

	"roomnet/internal/core/domain"
)

// MessageType is the closed set of signaling frame tags. The dispatchers on
// both sides match exhaustively over these and drop unknown tags.
type MessageType string

const (
	MessageJoin                MessageType = "join"
	MessageLeave               MessageType = "leave"
	MessageRoomState           MessageType = "room-state"
	MessagePlayerJoined        MessageType = "player-joined"
	MessagePlayerLeft          MessageType = "player-left"
	MessageOffer               MessageType = "offer"
	MessageAnswer              MessageType = "answer"
	MessageICECandidate        MessageType = "ice-candidate"
	MessageConnectionState     MessageType = "connection-state"
	MessagePeerConnectionState MessageType = "peer-connection-state"
	MessageReconnectRequest    MessageType = "reconnect-request"
	MessageFallbackActivate    MessageType = "webrtc-fallback-activate"
	MessageFallbackNeeded      MessageType = "webrtc-fallback-needed"
	MessageRelayData           MessageType = "relay-data"
	MessagePing                MessageType = "ping"
	MessagePong                MessageType = "pong"
	MessageError               MessageType = "error"
)

// SignalMessage is the wire envelope for every signaling frame.
type SignalMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with a marshaled payload.
func NewMessage(msgType MessageType, payload interface{}) (SignalMessage, error) {
	if payload == nil {
		return SignalMessage{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return SignalMessage{Type: msgType, Payload: data}, nil
}

type JoinPayload struct {
	RoomID   domain.RoomID `json:"roomId"`
	PeerID   domain.PeerID `json:"peerId"`
	Username string        `json:"username,omitempty"`
}

type LeavePayload struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId"`
}

// SDP payloads carry the session description opaquely; only the peer
// connection layer interprets it.
type OfferPayload struct {
	To    domain.PeerID   `json:"to,omitempty"`
	From  domain.PeerID   `json:"from,omitempty"`
	Offer json.RawMessage `json:"offer"`
}

type AnswerPayload struct {
	To     domain.PeerID   `json:"to,omitempty"`
	From   domain.PeerID   `json:"from,omitempty"`
	Answer json.RawMessage `json:"answer"`
}

type ICECandidatePayload struct {
	To        domain.PeerID   `json:"to,omitempty"`
	From      domain.PeerID   `json:"from,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

type ConnectionStatePayload struct {
	PeerID domain.PeerID          `json:"peerId"`
	State  domain.ConnectionState `json:"state"`
}

type ReconnectRequestPayload struct {
	To   domain.PeerID `json:"to,omitempty"`
	From domain.PeerID `json:"from,omitempty"`
}

type FallbackActivatePayload struct {
	To domain.PeerID `json:"to"`
}

type FallbackNeededPayload struct {
	PeerID domain.PeerID `json:"peerId"`
}

// RelayEnvelope is the application payload routed through the server when
// the direct data channel is unavailable.
type RelayEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type RelayDataPayload struct {
	To      domain.PeerID `json:"to,omitempty"`
	From    domain.PeerID `json:"from,omitempty"`
	Payload RelayEnvelope `json:"payload"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type RoomStatePeer struct {
	PeerID   domain.PeerID `json:"peerId"`
	Username string        `json:"username"`
}

type RoomStatePayload struct {
	RoomID domain.RoomID   `json:"roomId"`
	Peers  []RoomStatePeer `json:"peers"`
	Owner  domain.PeerID   `json:"owner"`
}

type PlayerJoinedPayload struct {
	PeerID       domain.PeerID `json:"peerId"`
	RoomID       domain.RoomID `json:"roomId"`
	Username     string        `json:"username"`
	TotalPlayers int           `json:"totalPlayers"`
	IsRoomOwner  bool          `json:"isRoomOwner"`
}

type PlayerLeftPayload struct {
	PeerID domain.PeerID `json:"peerId"`
	RoomID domain.RoomID `json:"roomId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
