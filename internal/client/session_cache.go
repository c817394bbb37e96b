package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"roomnet/internal/core/domain"
)

// Session is the persisted identity of the last joined room, used to
// restore membership across client restarts.
type Session struct {
	RoomID   domain.RoomID `json:"roomId"`
	PeerID   domain.PeerID `json:"peerId"`
	Username string        `json:"username"`
	SavedAt  time.Time     `json:"savedAt"`
}

// SessionCache stores the session as a small JSON file next to the client.
type SessionCache struct {
	path string
}

func NewSessionCache(path string) *SessionCache {
	return &SessionCache{path: path}
}

// Load returns the cached session, or nil when none exists. A corrupt file
// is treated as absent.
func (c *SessionCache) Load() (*Session, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, nil
	}
	if session.RoomID == "" || session.PeerID == "" {
		return nil, nil
	}
	return &session, nil
}

func (c *SessionCache) Save(session *Session) error {
	session.SavedAt = time.Now()
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session cache: %w", err)
	}
	return nil
}

func (c *SessionCache) Clear() error {
	err := os.Remove(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
