package utils

import (
	"roomnet/internal/core/domain"

	"github.com/google/uuid"
)

// UUIDGenerator is the production identifier source. Rooms and peers get
// UUID-shaped ids; equality is by value.
type UUIDGenerator struct{}

func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

func (g *UUIDGenerator) NewRoomID() domain.RoomID {
	return domain.RoomID(uuid.NewString())
}

func (g *UUIDGenerator) NewPeerID() domain.PeerID {
	return domain.PeerID(uuid.NewString())
}
