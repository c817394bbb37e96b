package domain

import "time"

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateRelaying     ConnectionState = "relaying"
	StateFallback     ConnectionState = "fallback"
	StateError        ConnectionState = "error"
)

// Peer is a participant inside a Room. ICEState tracks the direct WebRTC
// path, RelayState the server relay path.
type Peer struct {
	ID         PeerID
	Username   string
	JoinedAt   time.Time
	ICEState   ConnectionState
	RelayState ConnectionState
}

func NewPeer(id PeerID, username string, joinedAt time.Time) *Peer {
	return &Peer{
		ID:         id,
		Username:   username,
		JoinedAt:   joinedAt,
		ICEState:   StateDisconnected,
		RelayState: StateDisconnected,
	}
}

// IsConnected reports whether any live path to the peer exists.
func (p *Peer) IsConnected() bool {
	if p.ICEState == StateConnected {
		return true
	}
	return p.RelayState == StateConnected || p.RelayState == StateRelaying
}

// BestConnectionState prefers the direct ICE path over relay.
func (p *Peer) BestConnectionState() ConnectionState {
	if p.ICEState == StateConnected {
		return p.ICEState
	}
	if p.RelayState == StateConnected || p.RelayState == StateRelaying {
		return p.RelayState
	}
	return p.ICEState
}
