package memory

import (
	"context"
	"sync"
	"time"

	"roomnet/internal/core/domain"
	"roomnet/internal/core/ports"
)

// RoomRepository is the in-memory store used in single-node deployments
// and tests. Rooms are stored as snapshots so callers never share mutable
// aggregate state with the repository.
type RoomRepository struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*domain.Room
}

func NewRoomRepository() *RoomRepository {
	return &RoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

var _ ports.RoomRepository = (*RoomRepository)(nil)

// Save persists a room snapshot. A version at or below the stored one means
// the caller operated on stale state and gets ErrVersionConflict.
func (r *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, exists := r.rooms[room.ID]; exists && room.Version <= stored.Version {
		return domain.ErrVersionConflict
	}
	r.rooms[room.ID] = snapshot(room)
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return snapshot(room), nil
}

func (r *RoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, id)
	return nil
}

func (r *RoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room.Status != domain.RoomStatusClosed {
			rooms = append(rooms, snapshot(room))
		}
	}
	return rooms, nil
}

func snapshot(room *domain.Room) *domain.Room {
	players := make(map[domain.PeerID]*domain.Peer, len(room.Players))
	for id, p := range room.Players {
		cp := *p
		players[id] = &cp
	}

	var closedAt *time.Time
	if room.ClosedAt != nil {
		t := *room.ClosedAt
		closedAt = &t
	}

	return &domain.Room{
		ID:        room.ID,
		OwnerID:   room.OwnerID,
		Name:      room.Name,
		Rules:     room.Rules,
		Status:    room.Status,
		Players:   players,
		CreatedAt: room.CreatedAt,
		ClosedAt:  closedAt,
		Version:   room.Version,
	}
}
