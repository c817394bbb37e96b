package ports

import (
	"context"

	"roomnet/internal/core/domain"
)

// RoomRepository is the sole writer of persisted room state. Save must
// reject a room whose version does not follow the stored one with
// domain.ErrVersionConflict, keeping per-room mutation single-writer.
type RoomRepository interface {
	Save(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Delete(ctx context.Context, id domain.RoomID) error
	ListActive(ctx context.Context) ([]*domain.Room, error)
}
