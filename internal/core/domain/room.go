package domain

import (
	"time"
)

type RoomID string
type PeerID string

type RoomStatus string

const (
	RoomStatusCreated RoomStatus = "created"
	RoomStatusActive  RoomStatus = "active"
	RoomStatusClosed  RoomStatus = "closed"
)

// Room is the aggregate root for a collaboration session. Membership and
// rules are only mutated through its methods; every successful mutation
// appends domain events and bumps Version, which repositories use for
// optimistic conflict detection.
type Room struct {
	ID        RoomID
	OwnerID   PeerID
	Name      string
	Rules     RoomRule
	Status    RoomStatus
	Players   map[PeerID]*Peer
	CreatedAt time.Time
	ClosedAt  *time.Time
	Version   uint64

	events []Event
}

// NewRoom constructs a room with the owner as its sole player.
// Identifiers are supplied by the caller; the aggregate never generates them.
func NewRoom(roomID RoomID, ownerID PeerID, ownerUsername, name string, rules RoomRule) (*Room, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	room := &Room{
		ID:      roomID,
		OwnerID: ownerID,
		Name:    name,
		Rules:   rules,
		Status:  RoomStatusCreated,
		Players: map[PeerID]*Peer{
			ownerID: NewPeer(ownerID, ownerUsername, now),
		},
		CreatedAt: now,
	}

	room.record(EventRoomCreated, RoomCreatedPayload{
		RoomID:        roomID,
		OwnerID:       ownerID,
		OwnerUsername: ownerUsername,
		Name:          name,
		Rules:         rules,
	})
	return room, nil
}

// JoinPlayer adds a peer to the room. The second occupant flips the room
// from CREATED to ACTIVE.
func (r *Room) JoinPlayer(peerID PeerID, username string) error {
	if r.Status == RoomStatusClosed {
		return ErrRoomClosed
	}
	if _, exists := r.Players[peerID]; exists {
		return ErrPlayerAlreadyInRoom
	}
	if len(r.Players)+1 > r.Rules.MaxPlayers {
		return ErrRoomFull
	}

	r.Players[peerID] = NewPeer(peerID, username, time.Now())
	if len(r.Players) >= 2 {
		r.Status = RoomStatusActive
	}

	r.record(EventPlayerJoined, PlayerJoinedPayload{
		RoomID:       r.ID,
		PeerID:       peerID,
		Username:     username,
		TotalPlayers: len(r.Players),
		IsRoomOwner:  peerID == r.OwnerID,
	})
	return nil
}

// LeavePlayer removes a peer. The owner leaving always cascades into Close,
// regardless of how many players remain.
func (r *Room) LeavePlayer(peerID PeerID) error {
	if r.Status == RoomStatusClosed {
		return ErrRoomClosed
	}
	if _, exists := r.Players[peerID]; !exists {
		return ErrPlayerNotInRoom
	}

	delete(r.Players, peerID)
	r.record(EventPlayerLeft, PlayerLeftPayload{
		RoomID:       r.ID,
		PeerID:       peerID,
		TotalPlayers: len(r.Players),
	})

	if peerID == r.OwnerID {
		r.Close()
		return nil
	}
	if len(r.Players) == 1 {
		r.Status = RoomStatusCreated
	}
	return nil
}

// UpdateRules replaces the rule set. Rejected when the new rules would
// invalidate the current occupancy, leaving the previous rules untouched.
func (r *Room) UpdateRules(rules RoomRule) error {
	if r.Status == RoomStatusClosed {
		return ErrRoomClosed
	}
	if err := rules.Validate(); err != nil {
		return err
	}
	if !rules.IsValidFor(len(r.Players)) {
		return ErrRuleViolation
	}

	r.Rules = rules
	r.record(EventRoomRuleChanged, RoomRuleChangedPayload{
		RoomID: r.ID,
		Rules:  rules,
	})
	return nil
}

// Close transitions the room to its terminal state. Idempotent: closing an
// already closed room is a no-op and emits nothing.
func (r *Room) Close() {
	if r.Status == RoomStatusClosed {
		return
	}

	now := time.Now()
	r.Status = RoomStatusClosed
	r.ClosedAt = &now
	r.record(EventRoomClosed, RoomClosedPayload{
		RoomID:   r.ID,
		ClosedAt: now,
	})
}

func (r *Room) PlayerCount() int {
	return len(r.Players)
}

func (r *Room) HasPlayer(peerID PeerID) bool {
	_, ok := r.Players[peerID]
	return ok
}

func (r *Room) IsOwner(peerID PeerID) bool {
	return peerID == r.OwnerID
}

// Events returns the buffered domain events in emission order.
func (r *Room) Events() []Event {
	return r.events
}

// ClearEvents drops the buffered events after they have been published.
func (r *Room) ClearEvents() {
	r.events = nil
}

func (r *Room) record(eventType EventType, payload interface{}) {
	r.Version++
	r.events = append(r.events, Event{
		Type:       eventType,
		RoomID:     r.ID,
		Payload:    payload,
		OccurredOn: time.Now(),
	})
}
