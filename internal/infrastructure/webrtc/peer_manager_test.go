package webrtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"roomnet/internal/core/domain"

	"go.uber.org/zap"
)

type fakeDataChannel struct {
	mu     sync.Mutex
	label  string
	open   bool
	sent   [][]byte
	onOpen func()
	onMsg  func([]byte)
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, data)
	return nil
}

func (d *fakeDataChannel) OnOpen(fn func())            { d.onOpen = fn }
func (d *fakeDataChannel) OnMessage(fn func(d []byte)) { d.onMsg = fn }
func (d *fakeDataChannel) Close() error                { return nil }

func (d *fakeDataChannel) sentMessages() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

type fakeConn struct {
	mu            sync.Mutex
	channels      map[string]*fakeDataChannel
	createdLabels []string
	addedCands    []json.RawMessage
	onICE         func(json.RawMessage)
	onState       func(domain.ConnectionState)
	onDataChannel func(DataChannel)
	closed        bool
	channelsOpen  bool
}

func newFakeConn(channelsOpen bool) *fakeConn {
	return &fakeConn{channels: make(map[string]*fakeDataChannel), channelsOpen: channelsOpen}
}

func (c *fakeConn) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"fake"}`), nil
}

func (c *fakeConn) HandleOffer(offer json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"fake"}`), nil
}

func (c *fakeConn) HandleAnswer(answer json.RawMessage) error { return nil }

func (c *fakeConn) AddICECandidate(candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addedCands = append(c.addedCands, candidate)
	return nil
}

func (c *fakeConn) CreateDataChannel(label string) (DataChannel, error) {
	if _, err := ProfileFor(label); err != nil {
		return nil, err
	}
	ch := &fakeDataChannel{label: label, open: c.channelsOpen}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[label] = ch
	c.createdLabels = append(c.createdLabels, label)
	return ch, nil
}

func (c *fakeConn) OnDataChannel(fn func(ch DataChannel))         { c.onDataChannel = fn }
func (c *fakeConn) OnICECandidate(fn func(c json.RawMessage))     { c.onICE = fn }
func (c *fakeConn) OnStateChange(fn func(s domain.ConnectionState)) { c.onState = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) addedCandidates() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.addedCands...)
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	open  bool
}

func (f *fakeFactory) NewConn() (Conn, error) {
	conn := newFakeConn(f.open)
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeSignaler struct {
	mu         sync.Mutex
	offers     map[domain.PeerID]json.RawMessage
	answers    map[domain.PeerID]json.RawMessage
	candidates map[domain.PeerID][]json.RawMessage
	relayed    []struct {
		To      domain.PeerID
		Channel string
		Data    json.RawMessage
	}
	fallbacks []domain.PeerID
	states    []domain.ConnectionState
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		offers:     make(map[domain.PeerID]json.RawMessage),
		answers:    make(map[domain.PeerID]json.RawMessage),
		candidates: make(map[domain.PeerID][]json.RawMessage),
	}
}

func (s *fakeSignaler) SendOffer(to domain.PeerID, offer json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[to] = offer
	return nil
}

func (s *fakeSignaler) SendAnswer(to domain.PeerID, answer json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[to] = answer
	return nil
}

func (s *fakeSignaler) SendICECandidate(to domain.PeerID, candidate json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[to] = append(s.candidates[to], candidate)
	return nil
}

func (s *fakeSignaler) UpdateConnectionState(state domain.ConnectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *fakeSignaler) RelayData(to domain.PeerID, channel string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayed = append(s.relayed, struct {
		To      domain.PeerID
		Channel string
		Data    json.RawMessage
	}{to, channel, data})
	return nil
}

func (s *fakeSignaler) ActivateFallback(to domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbacks = append(s.fallbacks, to)
	return nil
}

func (s *fakeSignaler) fallbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fallbacks)
}

func (s *fakeSignaler) relayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relayed)
}

func newTestManager(open bool, allowRelay bool) (*PeerManager, *fakeFactory, *fakeSignaler) {
	factory := &fakeFactory{open: open}
	signaler := newFakeSignaler()
	mgr := NewPeerManager(factory, signaler, ManagerConfig{
		NegotiationTimeout: time.Minute,
		AllowRelay:         allowRelay,
	}, nil, zap.NewNop().Sugar())
	return mgr, factory, signaler
}

func TestConnect_CreatesChannelSetAndSendsOffer(t *testing.T) {
	mgr, factory, signaler := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	conn := factory.last()
	if len(conn.createdLabels) != len(ChannelLabels) {
		t.Fatalf("expected %d channels, got %v", len(ChannelLabels), conn.createdLabels)
	}
	if conn.createdLabels[0] != ChannelControl {
		t.Errorf("expected control channel first, got %s", conn.createdLabels[0])
	}

	signaler.mu.Lock()
	_, sent := signaler.offers["peer-1"]
	signaler.mu.Unlock()
	if !sent {
		t.Error("expected an offer to be sent")
	}
}

func TestConnect_ExistingSessionIsNoOp(t *testing.T) {
	mgr, factory, signaler := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Errorf("Connect with an existing session must be a no-op, got %v", err)
	}

	factory.mu.Lock()
	conns := len(factory.conns)
	factory.mu.Unlock()
	if conns != 1 {
		t.Errorf("expected the existing session to be kept, got %d connections", conns)
	}
	signaler.mu.Lock()
	offers := len(signaler.offers)
	signaler.mu.Unlock()
	if offers != 1 {
		t.Errorf("expected no renegotiation, got %d offers", offers)
	}
}

func TestHandleOffer_SendsAnswer(t *testing.T) {
	mgr, _, signaler := newTestManager(true, true)

	offer := json.RawMessage(`{"type":"offer","sdp":"remote"}`)
	if err := mgr.HandleOffer(context.Background(), "peer-1", offer); err != nil {
		t.Fatalf("HandleOffer failed: %v", err)
	}

	signaler.mu.Lock()
	_, sent := signaler.answers["peer-1"]
	signaler.mu.Unlock()
	if !sent {
		t.Error("expected an answer to be sent")
	}
}

func TestCandidateBuffering_FIFO(t *testing.T) {
	mgr, factory, _ := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := factory.last()

	// Candidates arriving before the answer are buffered, not applied.
	first := json.RawMessage(`{"candidate":"a"}`)
	second := json.RawMessage(`{"candidate":"b"}`)
	if err := mgr.HandleICECandidate("peer-1", first); err != nil {
		t.Fatalf("HandleICECandidate failed: %v", err)
	}
	if err := mgr.HandleICECandidate("peer-1", second); err != nil {
		t.Fatalf("HandleICECandidate failed: %v", err)
	}
	if len(conn.addedCandidates()) != 0 {
		t.Fatalf("candidates applied before remote description: %v", conn.addedCandidates())
	}

	// The answer flushes the queue in arrival order.
	if err := mgr.HandleAnswer(context.Background(), "peer-1", json.RawMessage(`{"type":"answer","sdp":"x"}`)); err != nil {
		t.Fatalf("HandleAnswer failed: %v", err)
	}
	added := conn.addedCandidates()
	if len(added) != 2 || string(added[0]) != string(first) || string(added[1]) != string(second) {
		t.Errorf("expected FIFO flush of buffered candidates, got %v", added)
	}

	// Later candidates apply immediately.
	third := json.RawMessage(`{"candidate":"c"}`)
	if err := mgr.HandleICECandidate("peer-1", third); err != nil {
		t.Fatalf("HandleICECandidate failed: %v", err)
	}
	if len(conn.addedCandidates()) != 3 {
		t.Errorf("expected immediate apply after remote description, got %v", conn.addedCandidates())
	}
}

func TestStateError_ActivatesFallback(t *testing.T) {
	mgr, factory, signaler := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	factory.last().onState(domain.StateError)

	states := mgr.PeerStates()
	if states["peer-1"] != domain.StateFallback {
		t.Errorf("expected fallback state, got %s", states["peer-1"])
	}
	if signaler.fallbackCount() != 1 {
		t.Errorf("expected fallback-activate frame to the peer, got %d", signaler.fallbackCount())
	}
}

func TestHandleFallbackNeeded_DoesNotEcho(t *testing.T) {
	mgr, _, signaler := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	mgr.HandleFallbackNeeded("peer-1")

	states := mgr.PeerStates()
	if states["peer-1"] != domain.StateFallback {
		t.Errorf("expected fallback state, got %s", states["peer-1"])
	}
	if signaler.fallbackCount() != 0 {
		t.Error("receiver of fallback-needed must not echo the activation")
	}
}

func TestStateError_RelayDisallowed(t *testing.T) {
	mgr, factory, signaler := newTestManager(true, false)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	factory.last().onState(domain.StateError)

	states := mgr.PeerStates()
	if states["peer-1"] != domain.StateError {
		t.Errorf("expected error state with relay disallowed, got %s", states["peer-1"])
	}
	if signaler.fallbackCount() != 0 {
		t.Error("no fallback frame may be sent when relay is disallowed")
	}
}

func TestSendData_Direct(t *testing.T) {
	mgr, factory, signaler := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	payload := []byte(`{"text":"hi"}`)
	if err := mgr.SendData("peer-1", ChannelChat, payload); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}

	chat := factory.last().channels[ChannelChat]
	if sent := chat.sentMessages(); len(sent) != 1 || string(sent[0]) != string(payload) {
		t.Errorf("expected direct send on chat channel, got %v", sent)
	}
	if signaler.relayCount() != 0 {
		t.Error("direct send must not touch the relay")
	}
}

func TestSendData_RelayWhenChannelClosed(t *testing.T) {
	mgr, _, signaler := newTestManager(false, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	payload := []byte(`{"text":"hi"}`)
	if err := mgr.SendData("peer-1", ChannelChat, payload); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	if signaler.relayCount() != 1 {
		t.Fatalf("expected relay send, got %d", signaler.relayCount())
	}
	if signaler.relayed[0].Channel != ChannelChat {
		t.Errorf("relay used wrong channel: %s", signaler.relayed[0].Channel)
	}
}

func TestSendData_RelayWrapsBinary(t *testing.T) {
	mgr, _, signaler := newTestManager(false, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Binary audio frames cannot ride the JSON relay body as-is; they go
	// through a base64 envelope and come back out byte for byte.
	payload := []byte{0xff, 0x01, 0x80}
	if err := mgr.SendData("peer-1", ChannelAudio, payload); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	if signaler.relayCount() != 1 {
		t.Fatalf("expected relay send, got %d", signaler.relayCount())
	}

	signaler.mu.Lock()
	relayed := signaler.relayed[0]
	signaler.mu.Unlock()
	var envelope relayBinaryEnvelope
	if err := json.Unmarshal(relayed.Data, &envelope); err != nil {
		t.Fatalf("relay body is not a valid envelope: %v", err)
	}
	if envelope.Encoding != relayEncodingBase64 {
		t.Errorf("unexpected envelope encoding %q", envelope.Encoding)
	}

	received := make(chan []byte, 1)
	mgr.OnData(func(from domain.PeerID, channel string, data []byte) {
		received <- data
	})
	mgr.HandleRelayData("peer-1", ChannelAudio, relayed.Data)

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Errorf("binary payload mangled by relay: % x", got)
		}
	default:
		t.Fatal("relayed data not dispatched")
	}
}

func TestHandleRelayData_PassesJSONThrough(t *testing.T) {
	mgr, _, _ := newTestManager(false, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	received := make(chan []byte, 1)
	mgr.OnData(func(from domain.PeerID, channel string, data []byte) {
		received <- data
	})
	mgr.HandleRelayData("peer-1", ChannelChat, []byte(`{"text":"hi"}`))

	select {
	case got := <-received:
		if string(got) != `{"text":"hi"}` {
			t.Errorf("plain JSON relay payload changed: %s", got)
		}
	default:
		t.Fatal("relayed data not dispatched")
	}
}

func TestSendData_RelayDisallowedErrors(t *testing.T) {
	mgr, _, _ := newTestManager(false, false)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	err := mgr.SendData("peer-1", ChannelChat, []byte(`{"text":"hi"}`))
	if err == nil {
		t.Error("expected explicit error when no path is available")
	}
}

func TestBroadcast_SkipsNegotiatingPeers(t *testing.T) {
	mgr, factory, signaler := newTestManager(false, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	connected := factory.last()
	if err := mgr.Connect(context.Background(), "peer-2"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// peer-1 finishes negotiation; peer-2 is still connecting.
	connected.onState(domain.StateConnected)

	if err := mgr.Broadcast(ChannelChat, []byte(`{"text":"hi"}`)); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if signaler.relayCount() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", signaler.relayCount())
	}
	signaler.mu.Lock()
	to := signaler.relayed[0].To
	signaler.mu.Unlock()
	if to != "peer-1" {
		t.Errorf("payload delivered to a peer that is still negotiating: %s", to)
	}
}

func TestSendData_UnknownChannel(t *testing.T) {
	mgr, _, _ := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := mgr.SendData("peer-1", "video", []byte(`{}`)); err == nil {
		t.Error("expected unknown channel to be rejected")
	}
}

func TestSendData_NoSession(t *testing.T) {
	mgr, _, _ := newTestManager(true, true)

	if err := mgr.SendData("stranger", ChannelChat, []byte(`{}`)); err == nil {
		t.Error("expected send to unknown peer to fail")
	}
}

func TestControlChannel_PingPong(t *testing.T) {
	mgr, factory, _ := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	control := factory.last().channels[ChannelControl]

	// Inbound ping gets an immediate pong with the same timestamp.
	ping, _ := json.Marshal(controlMessage{Type: "ping", Timestamp: 42})
	control.onMsg(ping)

	sent := control.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected a pong reply, got %d messages", len(sent))
	}
	var reply controlMessage
	if err := json.Unmarshal(sent[0], &reply); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if reply.Type != "pong" || reply.Timestamp != 42 {
		t.Errorf("unexpected pong: %+v", reply)
	}

	// Inbound pong produces an RTT measurement.
	pong, _ := json.Marshal(controlMessage{Type: "pong", Timestamp: time.Now().Add(-10 * time.Millisecond).UnixNano()})
	control.onMsg(pong)

	rtt, ok := mgr.RTT("peer-1")
	if !ok || rtt <= 0 {
		t.Errorf("expected positive RTT, got %v (ok=%v)", rtt, ok)
	}
}

func TestDataDispatch(t *testing.T) {
	mgr, factory, _ := newTestManager(true, true)

	received := make(chan string, 1)
	mgr.OnData(func(from domain.PeerID, channel string, data []byte) {
		received <- channel + ":" + string(data)
	})

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	factory.last().channels[ChannelChat].onMsg([]byte(`{"text":"hi"}`))

	select {
	case got := <-received:
		if got != `chat:{"text":"hi"}` {
			t.Errorf("unexpected dispatch: %s", got)
		}
	default:
		t.Fatal("data handler not invoked")
	}
}

func TestNegotiationTimeout_FallsBack(t *testing.T) {
	factory := &fakeFactory{open: true}
	signaler := newFakeSignaler()
	mgr := NewPeerManager(factory, signaler, ManagerConfig{
		NegotiationTimeout: 20 * time.Millisecond,
		AllowRelay:         true,
	}, nil, zap.NewNop().Sugar())

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.PeerStates()["peer-1"] == domain.StateFallback {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.PeerStates()["peer-1"] != domain.StateFallback {
		t.Errorf("expected negotiation timeout to degrade to relay, got %s", mgr.PeerStates()["peer-1"])
	}
}

func TestConnected_StopsTimerAndReports(t *testing.T) {
	mgr, factory, signaler := newTestManager(true, true)

	states := make(chan domain.ConnectionState, 4)
	mgr.OnPeerState(func(peerID domain.PeerID, state domain.ConnectionState) {
		states <- state
	})

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-states // connecting

	factory.last().onState(domain.StateConnected)

	if got := <-states; got != domain.StateConnected {
		t.Errorf("expected connected notification, got %s", got)
	}
	if mgr.PeerStates()["peer-1"] != domain.StateConnected {
		t.Errorf("expected connected state, got %s", mgr.PeerStates()["peer-1"])
	}

	signaler.mu.Lock()
	reported := len(signaler.states) > 0 && signaler.states[len(signaler.states)-1] == domain.StateConnected
	signaler.mu.Unlock()
	if !reported {
		t.Error("expected connected state to be reported to the room")
	}
}

func TestHasLiveSessions(t *testing.T) {
	mgr, factory, _ := newTestManager(true, true)

	if mgr.HasLiveSessions() {
		t.Error("expected no live sessions initially")
	}

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if mgr.HasLiveSessions() {
		t.Error("a connecting session is not live yet")
	}

	factory.last().onState(domain.StateConnected)
	if !mgr.HasLiveSessions() {
		t.Error("expected a live session after connect")
	}

	mgr.CloseConnection("peer-1")
	if mgr.HasLiveSessions() {
		t.Error("expected no live sessions after close")
	}
}

func TestCloseAll(t *testing.T) {
	mgr, factory, _ := newTestManager(true, true)

	if err := mgr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := mgr.Connect(context.Background(), "peer-2"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	mgr.CloseAll()

	if len(mgr.PeerStates()) != 0 {
		t.Errorf("expected no sessions after CloseAll, got %v", mgr.PeerStates())
	}
	factory.mu.Lock()
	defer factory.mu.Unlock()
	for _, conn := range factory.conns {
		if !conn.closed {
			t.Error("expected every connection to be closed")
		}
	}
}

func TestProfileFor(t *testing.T) {
	reliable := []string{ChannelControl, ChannelChat, ChannelState}
	for _, label := range reliable {
		p, err := ProfileFor(label)
		if err != nil {
			t.Fatalf("ProfileFor(%s) failed: %v", label, err)
		}
		if !p.Ordered || p.MaxRetransmits != nil {
			t.Errorf("expected %s to be ordered and reliable, got %+v", label, p)
		}
	}

	audio, err := ProfileFor(ChannelAudio)
	if err != nil {
		t.Fatalf("ProfileFor(audio) failed: %v", err)
	}
	if audio.Ordered || audio.MaxRetransmits == nil || *audio.MaxRetransmits != 0 {
		t.Errorf("unexpected audio profile: %+v", audio)
	}

	media, err := ProfileFor(ChannelMedia)
	if err != nil {
		t.Fatalf("ProfileFor(media) failed: %v", err)
	}
	if media.Ordered || media.MaxRetransmits == nil || *media.MaxRetransmits != 1 {
		t.Errorf("unexpected media profile: %+v", media)
	}

	if _, err := ProfileFor("video"); err == nil {
		t.Error("expected unknown label to be rejected")
	}
}
