package services

import (
	"context"
	"errors"
	"testing"

	"roomnet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type mockRoomRepo struct {
	mock.Mock
}

func (m *mockRoomRepo) Save(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *mockRoomRepo) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *mockRoomRepo) Delete(ctx context.Context, id domain.RoomID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockRoomRepo) ListActive(ctx context.Context) ([]*domain.Room, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Room), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
	published []domain.Event
}

func (m *mockPublisher) Publish(ctx context.Context, events []domain.Event) {
	m.Called(ctx, events)
	m.published = append(m.published, events...)
}

type fixedIDGen struct {
	roomID domain.RoomID
	peerID domain.PeerID
}

func (g fixedIDGen) NewRoomID() domain.RoomID { return g.roomID }
func (g fixedIDGen) NewPeerID() domain.PeerID { return g.peerID }

func newTestService(repo *mockRoomRepo, pub *mockPublisher) *roomService {
	return &roomService{
		roomRepo:  repo,
		publisher: pub,
		idGen:     fixedIDGen{roomID: "room-1", peerID: "peer-x"},
		logger:    zap.NewNop().Sugar(),
	}
}

func storedRoom(t *testing.T, maxPlayers int) *domain.Room {
	t.Helper()
	room, err := domain.NewRoom("room-1", "owner-1", "alice", "test room", domain.DefaultRoomRule(maxPlayers))
	if err != nil {
		t.Fatalf("NewRoom failed: %v", err)
	}
	room.ClearEvents()
	return room
}

func TestCreateRoom(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything).Return()

	room, err := svc.CreateRoom(context.Background(), "owner-1", "alice", "test room", domain.DefaultRoomRule(4))
	assert.NoError(t, err)
	assert.Equal(t, domain.RoomID("room-1"), room.ID)
	assert.Equal(t, domain.RoomStatusCreated, room.Status)

	// Events are drained into the publisher after the persist.
	assert.Empty(t, room.Events())
	if assert.Len(t, pub.published, 1) {
		assert.Equal(t, domain.EventRoomCreated, pub.published[0].Type)
	}
	repo.AssertExpectations(t)
}

func TestCreateRoom_SaveFails(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("boom"))

	_, err := svc.CreateRoom(context.Background(), "owner-1", "alice", "test room", domain.DefaultRoomRule(4))
	assert.Error(t, err)
	assert.Empty(t, pub.published, "no events published when persist fails")
}

func TestJoinRoom(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	room := storedRoom(t, 4)
	repo.On("GetByID", mock.Anything, domain.RoomID("room-1")).Return(room, nil)
	repo.On("Save", mock.Anything, room).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything).Return()

	joined, err := svc.JoinRoom(context.Background(), "room-1", "peer-2", "bob")
	assert.NoError(t, err)
	assert.True(t, joined.HasPlayer("peer-2"))

	if assert.Len(t, pub.published, 1) {
		assert.Equal(t, domain.EventPlayerJoined, pub.published[0].Type)
	}
}

func TestJoinRoom_NotFound(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	repo.On("GetByID", mock.Anything, domain.RoomID("missing")).Return(nil, domain.ErrRoomNotFound)

	_, err := svc.JoinRoom(context.Background(), "missing", "peer-2", "bob")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestJoinRoom_Full(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	room := storedRoom(t, 1)
	repo.On("GetByID", mock.Anything, domain.RoomID("room-1")).Return(room, nil)

	_, err := svc.JoinRoom(context.Background(), "room-1", "peer-2", "bob")
	assert.ErrorIs(t, err, domain.ErrRoomFull)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestLeaveRoom(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	room := storedRoom(t, 4)
	if err := room.JoinPlayer("peer-2", "bob"); err != nil {
		t.Fatalf("JoinPlayer failed: %v", err)
	}
	room.ClearEvents()

	repo.On("GetByID", mock.Anything, domain.RoomID("room-1")).Return(room, nil)
	repo.On("Save", mock.Anything, room).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything).Return()

	err := svc.LeaveRoom(context.Background(), "room-1", "peer-2")
	assert.NoError(t, err)
	assert.False(t, room.HasPlayer("peer-2"))
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestLeaveRoom_OwnerLeavingDeletesRoom(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	room := storedRoom(t, 4)
	if err := room.JoinPlayer("peer-2", "bob"); err != nil {
		t.Fatalf("JoinPlayer failed: %v", err)
	}
	room.ClearEvents()

	repo.On("GetByID", mock.Anything, domain.RoomID("room-1")).Return(room, nil)
	repo.On("Delete", mock.Anything, domain.RoomID("room-1")).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything).Return()

	err := svc.LeaveRoom(context.Background(), "room-1", "owner-1")
	assert.NoError(t, err)
	assert.Equal(t, domain.RoomStatusClosed, room.Status)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)

	// player-left then room-closed, both published.
	if assert.Len(t, pub.published, 2) {
		assert.Equal(t, domain.EventPlayerLeft, pub.published[0].Type)
		assert.Equal(t, domain.EventRoomClosed, pub.published[1].Type)
	}
}

func TestUpdateRoomRules_NotOwner(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	room := storedRoom(t, 4)
	repo.On("GetByID", mock.Anything, domain.RoomID("room-1")).Return(room, nil)

	_, err := svc.UpdateRoomRules(context.Background(), "room-1", "peer-2", domain.DefaultRoomRule(6))
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestUpdateRoomRules(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	room := storedRoom(t, 4)
	repo.On("GetByID", mock.Anything, domain.RoomID("room-1")).Return(room, nil)
	repo.On("Save", mock.Anything, room).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything).Return()

	updated, err := svc.UpdateRoomRules(context.Background(), "room-1", "owner-1", domain.DefaultRoomRule(6))
	assert.NoError(t, err)
	assert.Equal(t, 6, updated.Rules.MaxPlayers)
}

func TestCloseRoom(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	room := storedRoom(t, 4)
	repo.On("GetByID", mock.Anything, domain.RoomID("room-1")).Return(room, nil)
	repo.On("Delete", mock.Anything, domain.RoomID("room-1")).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything).Return()

	err := svc.CloseRoom(context.Background(), "room-1", "owner-1")
	assert.NoError(t, err)
	assert.Equal(t, domain.RoomStatusClosed, room.Status)
}

func TestCloseRoom_NotOwner(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	room := storedRoom(t, 4)
	repo.On("GetByID", mock.Anything, domain.RoomID("room-1")).Return(room, nil)

	err := svc.CloseRoom(context.Background(), "room-1", "peer-2")
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestListActiveRooms(t *testing.T) {
	repo := new(mockRoomRepo)
	pub := new(mockPublisher)
	svc := newTestService(repo, pub)

	rooms := []*domain.Room{storedRoom(t, 4)}
	repo.On("ListActive", mock.Anything).Return(rooms, nil)

	got, err := svc.ListActiveRooms(context.Background())
	assert.NoError(t, err)
	assert.Len(t, got, 1)
}
