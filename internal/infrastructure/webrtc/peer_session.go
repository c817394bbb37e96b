package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"roomnet/internal/core/domain"
)

// peerSession is the negotiation state for one remote peer. Candidates
// arriving before the remote description are buffered in arrival order and
// flushed once the description lands.
type peerSession struct {
	peerID    domain.PeerID
	conn      Conn
	initiator bool

	mu                sync.Mutex
	state             domain.ConnectionState
	remoteDescSet     bool
	pendingCandidates []json.RawMessage
	channels          map[string]DataChannel
	fallback          bool
	rtt               time.Duration
	negotiationTimer  *time.Timer
}

func newPeerSession(peerID domain.PeerID, conn Conn, initiator bool) *peerSession {
	return &peerSession{
		peerID:    peerID,
		conn:      conn,
		initiator: initiator,
		state:     domain.StateConnecting,
		channels:  make(map[string]DataChannel),
	}
}

// bufferOrAddCandidate applies the candidate immediately once the remote
// description is set, otherwise queues it.
func (s *peerSession) bufferOrAddCandidate(candidate json.RawMessage) error {
	s.mu.Lock()
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.conn.AddICECandidate(candidate)
}

// markRemoteDescSet flushes the buffered candidates in FIFO order. A failed
// candidate is reported but does not block the rest of the queue.
func (s *peerSession) markRemoteDescSet() []error {
	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	var errs []error
	for _, candidate := range pending {
		if err := s.conn.AddICECandidate(candidate); err != nil {
			errs = append(errs, fmt.Errorf("buffered candidate rejected: %w", err))
		}
	}
	return errs
}

func (s *peerSession) setChannel(ch DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.Label()] = ch
}

func (s *peerSession) channel(label string) (DataChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[label]
	return ch, ok
}

func (s *peerSession) setState(state domain.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *peerSession) currentState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *peerSession) markFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback {
		return false
	}
	s.fallback = true
	s.state = domain.StateFallback
	return true
}

func (s *peerSession) isFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback
}

func (s *peerSession) setRTT(rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtt = rtt
}

func (s *peerSession) currentRTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

func (s *peerSession) startNegotiationTimer(timeout time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
	}
	s.negotiationTimer = time.AfterFunc(timeout, onExpire)
}

func (s *peerSession) stopNegotiationTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
}

func (s *peerSession) close() error {
	s.stopNegotiationTimer()

	s.mu.Lock()
	channels := make([]DataChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]DataChannel)
	s.state = domain.StateDisconnected
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return s.conn.Close()
}
