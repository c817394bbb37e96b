package client

import (
	"sync"
	"time"

	"roomnet/internal/core/domain"
)

// EventType tags the envelopes the orchestrator hands to the application.
type EventType string

const (
	EventSessionRestored  EventType = "session-restored"
	EventRoomJoined       EventType = "room-joined"
	EventRoomLeft         EventType = "room-left"
	EventRoomClosed       EventType = "room-closed"
	EventPeerJoined       EventType = "peer-joined"
	EventPeerLeft         EventType = "peer-left"
	EventPeerStateChanged EventType = "peer-state-changed"
	EventRulesChanged     EventType = "rules-changed"
	EventData             EventType = "data"
	EventSignalState      EventType = "signal-state"
	EventConnectionFailed EventType = "connection-failed"
)

// Event is what the application observes; the payload depends on the type.
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// DataEvent is the payload of EventData.
type DataEvent struct {
	From    domain.PeerID `json:"from"`
	Channel string        `json:"channel"`
	Data    []byte        `json:"data"`
}

// PeerStateEvent is the payload of EventPeerStateChanged.
type PeerStateEvent struct {
	PeerID domain.PeerID          `json:"peerId"`
	State  domain.ConnectionState `json:"state"`
}

// PeerEvent is the payload of EventPeerJoined and EventPeerLeft.
type PeerEvent struct {
	PeerID   domain.PeerID `json:"peerId"`
	Username string        `json:"username,omitempty"`
}

// EventHandler observes orchestrator events. Handlers run on internal
// goroutines and must not block.
type EventHandler func(event Event)

type eventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (b *eventBus) subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *eventBus) emit(eventType EventType, payload interface{}) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	event := Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for _, h := range handlers {
		h(event)
	}
}
