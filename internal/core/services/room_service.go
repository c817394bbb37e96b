package services

import (
	"context"
	"fmt"

	"roomnet/internal/core/domain"
	"roomnet/internal/core/ports"
	"roomnet/pkg/tracing"

	"go.uber.org/zap"
)

type roomService struct {
	roomRepo  ports.RoomRepository
	publisher ports.EventPublisher
	idGen     ports.IDGenerator
	logger    *zap.SugaredLogger
}

// NewRoomService wires the room command handlers. The handlers are
// stateless; serialization of mutations for a single room id is delegated
// to the repository's version check.
func NewRoomService(
	roomRepo ports.RoomRepository,
	publisher ports.EventPublisher,
	idGen ports.IDGenerator,
	logger *zap.SugaredLogger,
) ports.RoomService {
	return &roomService{
		roomRepo:  roomRepo,
		publisher: publisher,
		idGen:     idGen,
		logger:    logger,
	}
}

func (s *roomService) CreateRoom(ctx context.Context, ownerID domain.PeerID, ownerUsername, name string, rules domain.RoomRule) (*domain.Room, error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "create", "")
	defer span.End()

	room, err := domain.NewRoom(s.idGen.NewRoomID(), ownerID, ownerUsername, name, rules)
	if err != nil {
		return nil, err
	}

	if err := s.roomRepo.Save(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to save room: %w", err)
	}

	s.publishEvents(ctx, room)
	s.logger.Infow("room created",
		"room_id", room.ID,
		"owner_id", ownerID,
		"max_players", rules.MaxPlayers,
	)
	return room, nil
}

func (s *roomService) JoinRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, username string) (*domain.Room, error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "join", string(roomID))
	defer span.End()

	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if err := room.JoinPlayer(peerID, username); err != nil {
		return nil, err
	}

	if err := s.roomRepo.Save(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to save room: %w", err)
	}

	s.publishEvents(ctx, room)
	s.logger.Infow("player joined room",
		"room_id", roomID,
		"peer_id", peerID,
		"players", room.PlayerCount(),
	)
	return room, nil
}

func (s *roomService) LeaveRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "leave", string(roomID))
	defer span.End()

	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return err
	}

	if err := room.LeavePlayer(peerID); err != nil {
		return err
	}

	// The owner leaving cascades into a close; a closed room is removed
	// from the store instead of persisted.
	if room.Status == domain.RoomStatusClosed {
		if err := s.roomRepo.Delete(ctx, roomID); err != nil {
			return fmt.Errorf("failed to delete closed room: %w", err)
		}
	} else {
		if err := s.roomRepo.Save(ctx, room); err != nil {
			return fmt.Errorf("failed to save room: %w", err)
		}
	}

	s.publishEvents(ctx, room)
	s.logger.Infow("player left room",
		"room_id", roomID,
		"peer_id", peerID,
		"status", room.Status,
	)
	return nil
}

func (s *roomService) UpdateRoomRules(ctx context.Context, roomID domain.RoomID, requesterID domain.PeerID, rules domain.RoomRule) (*domain.Room, error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "update_rules", string(roomID))
	defer span.End()

	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsOwner(requesterID) {
		return nil, domain.ErrNotOwner
	}

	if err := room.UpdateRules(rules); err != nil {
		return nil, err
	}

	if err := s.roomRepo.Save(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to save room: %w", err)
	}

	s.publishEvents(ctx, room)
	return room, nil
}

func (s *roomService) CloseRoom(ctx context.Context, roomID domain.RoomID, requesterID domain.PeerID) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "close", string(roomID))
	defer span.End()

	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsOwner(requesterID) {
		return domain.ErrNotOwner
	}

	room.Close()
	if err := s.roomRepo.Delete(ctx, roomID); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}

	s.publishEvents(ctx, room)
	s.logger.Infow("room closed", "room_id", roomID)
	return nil
}

func (s *roomService) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return s.roomRepo.GetByID(ctx, roomID)
}

func (s *roomService) ListActiveRooms(ctx context.Context) ([]*domain.Room, error) {
	return s.roomRepo.ListActive(ctx)
}

// publishEvents drains the aggregate's event buffer after a successful
// persist and hands the events to the publisher in emission order.
func (s *roomService) publishEvents(ctx context.Context, room *domain.Room) {
	events := room.Events()
	if len(events) == 0 {
		return
	}
	s.publisher.Publish(ctx, events)
	room.ClearEvents()
}
