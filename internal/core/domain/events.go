package domain

import "time"

// EventType is a closed set of domain event tags. Dispatchers must match
// exhaustively and drop unknown tags instead of routing through string maps.
type EventType string

const (
	EventRoomCreated     EventType = "room-created"
	EventPlayerJoined    EventType = "player-joined"
	EventPlayerLeft      EventType = "player-left"
	EventRoomRuleChanged EventType = "room-rule-changed"
	EventRoomClosed      EventType = "room-closed"
)

// Event is the envelope for everything the Room aggregate emits. Events are
// buffered on the aggregate and drained by the command handler after a
// successful persist.
type Event struct {
	Type       EventType   `json:"type"`
	RoomID     RoomID      `json:"roomId"`
	Payload    interface{} `json:"payload"`
	OccurredOn time.Time   `json:"occurredOn"`
}

type RoomCreatedPayload struct {
	RoomID        RoomID   `json:"roomId"`
	OwnerID       PeerID   `json:"ownerId"`
	OwnerUsername string   `json:"ownerUsername"`
	Name          string   `json:"name"`
	Rules         RoomRule `json:"rules"`
}

type PlayerJoinedPayload struct {
	RoomID       RoomID `json:"roomId"`
	PeerID       PeerID `json:"peerId"`
	Username     string `json:"username"`
	TotalPlayers int    `json:"totalPlayers"`
	IsRoomOwner  bool   `json:"isRoomOwner"`
}

type PlayerLeftPayload struct {
	RoomID       RoomID `json:"roomId"`
	PeerID       PeerID `json:"peerId"`
	TotalPlayers int    `json:"totalPlayers"`
}

type RoomRuleChangedPayload struct {
	RoomID RoomID   `json:"roomId"`
	Rules  RoomRule `json:"rules"`
}

type RoomClosedPayload struct {
	RoomID   RoomID    `json:"roomId"`
	ClosedAt time.Time `json:"closedAt"`
}
