package webrtc

import (
	"encoding/json"
	"fmt"

	"roomnet/internal/core/domain"

	pion "github.com/pion/webrtc/v3"
)

// Well-known data channel labels. Every peer connection multiplexes this
// fixed set; unknown labels are rejected at send time.
const (
	ChannelControl = "control"
	ChannelChat    = "chat"
	ChannelState   = "state"
	ChannelAudio   = "audio"
	ChannelMedia   = "media"
)

// ChannelLabels lists every channel opened by the initiator, control first.
var ChannelLabels = []string{ChannelControl, ChannelChat, ChannelState, ChannelAudio, ChannelMedia}

// ChannelProfile is the reliability configuration of one data channel.
type ChannelProfile struct {
	Ordered        bool
	MaxRetransmits *uint16 // nil means fully reliable
}

// ProfileFor returns the reliability profile of a channel label. Control,
// chat and state are ordered and reliable; audio tolerates loss entirely;
// media allows a single retransmit.
func ProfileFor(label string) (ChannelProfile, error) {
	switch label {
	case ChannelControl, ChannelChat, ChannelState:
		return ChannelProfile{Ordered: true}, nil
	case ChannelAudio:
		return ChannelProfile{Ordered: false, MaxRetransmits: uint16Ptr(0)}, nil
	case ChannelMedia:
		return ChannelProfile{Ordered: false, MaxRetransmits: uint16Ptr(1)}, nil
	default:
		return ChannelProfile{}, fmt.Errorf("unknown data channel %q", label)
	}
}

func uint16Ptr(v uint16) *uint16 { return &v }

// DataChannel is one negotiated channel of a peer connection.
type DataChannel interface {
	Label() string
	IsOpen() bool
	Send(data []byte) error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	Close() error
}

// Conn abstracts one WebRTC peer connection. Session descriptions and ICE
// candidates cross this boundary as opaque JSON so the signaling layer
// never depends on the WebRTC implementation. Tests substitute a fake.
type Conn interface {
	CreateOffer() (json.RawMessage, error)
	HandleOffer(offer json.RawMessage) (json.RawMessage, error)
	HandleAnswer(answer json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(fn func(ch DataChannel))
	OnICECandidate(fn func(candidate json.RawMessage))
	OnStateChange(fn func(state domain.ConnectionState))
	Close() error
}

// ConnFactory builds peer connections with a shared ICE configuration.
type ConnFactory interface {
	NewConn() (Conn, error)
}

// ICEServerConfig mirrors the ice_servers configuration block.
type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// PionFactory creates pion-backed peer connections.
type PionFactory struct {
	config pion.Configuration
}

func NewPionFactory(servers []ICEServerConfig) *PionFactory {
	cfg := pion.Configuration{}
	for _, s := range servers {
		server := pion.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, server)
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []pion.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &PionFactory{config: cfg}
}

func (f *PionFactory) NewConn() (Conn, error) {
	pc, err := pion.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *pion.PeerConnection
}

func (c *pionConn) CreateOffer() (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (c *pionConn) HandleOffer(offer json.RawMessage) (json.RawMessage, error) {
	var desc pion.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("invalid offer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (c *pionConn) HandleAnswer(answer json.RawMessage) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("invalid answer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (c *pionConn) AddICECandidate(candidate json.RawMessage) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid ice candidate: %w", err)
	}
	return c.pc.AddICECandidate(init)
}

func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	profile, err := ProfileFor(label)
	if err != nil {
		return nil, err
	}
	init := &pion.DataChannelInit{
		Ordered:        &profile.Ordered,
		MaxRetransmits: profile.MaxRetransmits,
	}
	dc, err := c.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %s: %w", label, err)
	}
	return &pionDataChannel{dc: dc}, nil
}

func (c *pionConn) OnDataChannel(fn func(ch DataChannel)) {
	c.pc.OnDataChannel(func(dc *pion.DataChannel) {
		fn(&pionDataChannel{dc: dc})
	})
}

func (c *pionConn) OnICECandidate(fn func(candidate json.RawMessage)) {
	c.pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			return // end of gathering
		}
		data, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (c *pionConn) OnStateChange(fn func(state domain.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		fn(mapConnectionState(state))
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func mapConnectionState(state pion.PeerConnectionState) domain.ConnectionState {
	switch state {
	case pion.PeerConnectionStateNew, pion.PeerConnectionStateConnecting:
		return domain.StateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.StateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.StateConnecting
	case pion.PeerConnectionStateFailed:
		return domain.StateError
	case pion.PeerConnectionStateClosed:
		return domain.StateDisconnected
	default:
		return domain.StateDisconnected
	}
}

type pionDataChannel struct {
	dc *pion.DataChannel
}

func (d *pionDataChannel) Label() string {
	return d.dc.Label()
}

func (d *pionDataChannel) IsOpen() bool {
	return d.dc.ReadyState() == pion.DataChannelStateOpen
}

func (d *pionDataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *pionDataChannel) OnOpen(fn func()) {
	d.dc.OnOpen(fn)
}

func (d *pionDataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg pion.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *pionDataChannel) Close() error {
	return d.dc.Close()
}
