package memory

import (
	"context"
	"errors"
	"testing"

	"roomnet/internal/core/domain"
)

func makeRoom(t *testing.T) *domain.Room {
	t.Helper()
	room, err := domain.NewRoom("room-1", "owner-1", "alice", "test room", domain.DefaultRoomRule(4))
	if err != nil {
		t.Fatalf("NewRoom failed: %v", err)
	}
	return room
}

func TestSaveAndGet(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()
	room := makeRoom(t)

	if err := repo.Save(ctx, room); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.GetByID(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.ID != room.ID || got.Version != room.Version {
		t.Errorf("loaded room mismatch: %+v", got)
	}
	if !got.HasPlayer("owner-1") {
		t.Error("expected owner in loaded room")
	}
}

func TestGet_NotFound(t *testing.T) {
	repo := NewRoomRepository()

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestSave_VersionConflict(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()
	room := makeRoom(t)

	if err := repo.Save(ctx, room); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Two readers load the same version; the slower writer must lose.
	first, _ := repo.GetByID(ctx, "room-1")
	second, _ := repo.GetByID(ctx, "room-1")

	if err := first.JoinPlayer("peer-2", "bob"); err != nil {
		t.Fatalf("JoinPlayer failed: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("Save of fresh version failed: %v", err)
	}

	if err := second.JoinPlayer("peer-3", "carol"); err != nil {
		t.Fatalf("JoinPlayer failed: %v", err)
	}
	if err := repo.Save(ctx, second); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict for stale save, got %v", err)
	}

	// The winning write is intact.
	got, err := repo.GetByID(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !got.HasPlayer("peer-2") || got.HasPlayer("peer-3") {
		t.Errorf("stale save leaked into store: %+v", got.Players)
	}
}

func TestSave_SameVersionRejected(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()
	room := makeRoom(t)

	if err := repo.Save(ctx, room); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Save(ctx, room); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict for unchanged version, got %v", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()
	room := makeRoom(t)

	if err := repo.Save(ctx, room); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Mutating a loaded copy must not affect the stored state.
	loaded, _ := repo.GetByID(ctx, "room-1")
	if err := loaded.JoinPlayer("peer-2", "bob"); err != nil {
		t.Fatalf("JoinPlayer failed: %v", err)
	}

	stored, _ := repo.GetByID(ctx, "room-1")
	if stored.HasPlayer("peer-2") {
		t.Error("mutation of loaded copy leaked into the store")
	}
}

func TestDelete(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()
	room := makeRoom(t)

	if err := repo.Save(ctx, room); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Delete(ctx, "room-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.GetByID(ctx, "room-1"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound after delete, got %v", err)
	}
	if err := repo.Delete(ctx, "room-1"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound for double delete, got %v", err)
	}
}

func TestListActive(t *testing.T) {
	repo := NewRoomRepository()
	ctx := context.Background()

	open, err := domain.NewRoom("room-open", "owner-1", "alice", "open", domain.DefaultRoomRule(4))
	if err != nil {
		t.Fatalf("NewRoom failed: %v", err)
	}
	closed, err := domain.NewRoom("room-closed", "owner-2", "bob", "closed", domain.DefaultRoomRule(4))
	if err != nil {
		t.Fatalf("NewRoom failed: %v", err)
	}
	closed.Close()

	if err := repo.Save(ctx, open); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Save(ctx, closed); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rooms, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "room-open" {
		t.Errorf("expected only the open room, got %v", rooms)
	}
}
