package ports

import (
	"context"
	"time"

	"roomnet/internal/core/domain"
)

// RoomService exposes the room command handlers: each call loads one room,
// applies one aggregate operation, persists and publishes the emitted events.
type RoomService interface {
	CreateRoom(ctx context.Context, ownerID domain.PeerID, ownerUsername, name string, rules domain.RoomRule) (*domain.Room, error)
	JoinRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, username string) (*domain.Room, error)
	LeaveRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error
	UpdateRoomRules(ctx context.Context, roomID domain.RoomID, requesterID domain.PeerID, rules domain.RoomRule) (*domain.Room, error)
	CloseRoom(ctx context.Context, roomID domain.RoomID, requesterID domain.PeerID) error
	GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	ListActiveRooms(ctx context.Context) ([]*domain.Room, error)
}

// EventPublisher receives drained domain events in emission order.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.Event)
}

// IDGenerator supplies opaque unique identifiers. Injected so the aggregate
// and services never hardcode a generation strategy.
type IDGenerator interface {
	NewRoomID() domain.RoomID
	NewPeerID() domain.PeerID
}

// Clock abstracts time for backoff schedulers, letting tests drive
// reconnection with a virtual clock instead of real timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
