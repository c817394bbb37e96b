package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"roomnet/internal/core/domain"
	"roomnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	roomKeyPrefix = "roomnet:room:"
	activeSetKey  = "roomnet:rooms:active"
	versionSuffix = ":version"

	saveRetries = 3
)

// RoomRepository persists rooms in Redis for multi-node signal deployments.
// Optimistic concurrency uses a WATCH on the per-room version key: a
// concurrent writer aborts the transaction and surfaces ErrVersionConflict.
type RoomRepository struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewRoomRepository(client *redis.Client, logger *zap.SugaredLogger) *RoomRepository {
	return &RoomRepository{client: client, logger: logger}
}

var _ ports.RoomRepository = (*RoomRepository)(nil)

type roomDoc struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	Name      string          `json:"name"`
	Rules     domain.RoomRule `json:"rules"`
	Status    string          `json:"status"`
	Players   []playerDoc     `json:"players"`
	CreatedAt time.Time       `json:"createdAt"`
	ClosedAt  *time.Time      `json:"closedAt,omitempty"`
	Version   uint64          `json:"version"`
}

type playerDoc struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (r *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	key := roomKeyPrefix + string(room.ID)
	versionKey := key + versionSuffix

	doc := toDoc(room)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal room %s: %w", room.ID, err)
	}

	txn := func(tx *redis.Tx) error {
		storedVersion, err := tx.Get(ctx, versionKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read room version: %w", err)
		}
		if err == nil && room.Version <= storedVersion {
			return domain.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, versionKey, strconv.FormatUint(room.Version, 10), 0)
			if room.Status == domain.RoomStatusClosed {
				pipe.SRem(ctx, activeSetKey, string(room.ID))
			} else {
				pipe.SAdd(ctx, activeSetKey, string(room.ID))
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		err := r.client.Watch(ctx, txn, versionKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.ErrVersionConflict
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer raced the transaction; the reloaded version
			// decides on the next pass.
			continue
		}
		return fmt.Errorf("failed to save room %s: %w", room.ID, err)
	}
	return domain.ErrVersionConflict
}

func (r *RoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, roomKeyPrefix+string(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room %s: %w", id, err)
	}

	var doc roomDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room %s: %w", id, err)
	}
	return fromDoc(&doc), nil
}

func (r *RoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	key := roomKeyPrefix + string(id)

	deleted, err := r.client.Del(ctx, key, key+versionSuffix).Result()
	if err != nil {
		return fmt.Errorf("failed to delete room %s: %w", id, err)
	}
	if deleted == 0 {
		return domain.ErrRoomNotFound
	}
	if err := r.client.SRem(ctx, activeSetKey, string(id)).Err(); err != nil {
		r.logger.Warnw("failed to remove room from active index", "room_id", id, "error", err)
	}
	return nil
}

func (r *RoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active rooms: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = roomKeyPrefix + id
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch active rooms: %w", err)
	}

	rooms := make([]*domain.Room, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Index entry without a document; clean it up lazily.
			r.client.SRem(ctx, activeSetKey, ids[i])
			continue
		}
		var doc roomDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			r.logger.Warnw("skipping corrupt room document", "room_id", ids[i], "error", err)
			continue
		}
		rooms = append(rooms, fromDoc(&doc))
	}
	return rooms, nil
}

func toDoc(room *domain.Room) *roomDoc {
	doc := &roomDoc{
		ID:        string(room.ID),
		OwnerID:   string(room.OwnerID),
		Name:      room.Name,
		Rules:     room.Rules,
		Status:    string(room.Status),
		CreatedAt: room.CreatedAt,
		ClosedAt:  room.ClosedAt,
		Version:   room.Version,
	}
	for _, p := range room.Players {
		doc.Players = append(doc.Players, playerDoc{
			ID:       string(p.ID),
			Username: p.Username,
			JoinedAt: p.JoinedAt,
		})
	}
	return doc
}

func fromDoc(doc *roomDoc) *domain.Room {
	players := make(map[domain.PeerID]*domain.Peer, len(doc.Players))
	for _, p := range doc.Players {
		players[domain.PeerID(p.ID)] = domain.NewPeer(domain.PeerID(p.ID), p.Username, p.JoinedAt)
	}

	return &domain.Room{
		ID:        domain.RoomID(doc.ID),
		OwnerID:   domain.PeerID(doc.OwnerID),
		Name:      doc.Name,
		Rules:     doc.Rules,
		Status:    domain.RoomStatus(doc.Status),
		Players:   players,
		CreatedAt: doc.CreatedAt,
		ClosedAt:  doc.ClosedAt,
		Version:   doc.Version,
	}
}
