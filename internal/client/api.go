package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"roomnet/internal/core/domain"
	"roomnet/pkg/circuitbreaker"
	"roomnet/pkg/retry"

	"go.uber.org/zap"
)

// RoomAPI talks to the room HTTP API. Requests retry with backoff behind a
// circuit breaker so a flapping server does not get hammered.
type RoomAPI struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewRoomAPI(baseURL string, logger *zap.SugaredLogger) *RoomAPI {
	return &RoomAPI{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retry:   retry.DefaultConfig(),
		logger:  logger,
	}
}

// RoomInfo mirrors the API's room representation.
type RoomInfo struct {
	ID        domain.RoomID     `json:"id"`
	OwnerID   domain.PeerID     `json:"owner_id"`
	Name      string            `json:"name"`
	Rules     domain.RoomRule   `json:"rules"`
	Status    domain.RoomStatus `json:"status"`
	Players   []PlayerInfo      `json:"players"`
	CreatedAt time.Time         `json:"created_at"`
	Version   uint64            `json:"version"`
}

type PlayerInfo struct {
	ID       domain.PeerID `json:"id"`
	Username string        `json:"username"`
	JoinedAt time.Time     `json:"joined_at"`
}

// RoomGrant is a room handle plus the credentials to open its signaling
// socket.
type RoomGrant struct {
	Room        *RoomInfo
	PeerID      domain.PeerID
	SignalToken string
}

type CreateRoomRequest struct {
	Name       string        `json:"name"`
	PeerID     domain.PeerID `json:"peer_id,omitempty"`
	Username   string        `json:"username"`
	MaxPlayers int           `json:"max_players,omitempty"`
	AllowRelay *bool         `json:"allow_relay,omitempty"`
}

func (a *RoomAPI) CreateRoom(ctx context.Context, req CreateRoomRequest) (*RoomGrant, error) {
	var resp struct {
		Room        *RoomInfo     `json:"room"`
		PeerID      domain.PeerID `json:"peer_id"`
		SignalToken string        `json:"signal_token"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v1/rooms", req, &resp); err != nil {
		return nil, err
	}
	return &RoomGrant{Room: resp.Room, PeerID: resp.PeerID, SignalToken: resp.SignalToken}, nil
}

func (a *RoomAPI) GetRoom(ctx context.Context, roomID domain.RoomID) (*RoomInfo, error) {
	var resp struct {
		Room *RoomInfo `json:"room"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v1/rooms/"+string(roomID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

func (a *RoomAPI) ListRooms(ctx context.Context) ([]*RoomInfo, error) {
	var resp struct {
		Rooms []*RoomInfo `json:"rooms"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v1/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// IssueToken obtains the signaling credentials for joining an existing
// room. An empty peer id lets the server mint one.
func (a *RoomAPI) IssueToken(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) (*RoomGrant, error) {
	req := struct {
		PeerID domain.PeerID `json:"peer_id,omitempty"`
	}{PeerID: peerID}

	var resp struct {
		PeerID      domain.PeerID `json:"peer_id"`
		SignalToken string        `json:"signal_token"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v1/rooms/"+string(roomID)+"/token", req, &resp); err != nil {
		return nil, err
	}

	room, err := a.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &RoomGrant{Room: room, PeerID: resp.PeerID, SignalToken: resp.SignalToken}, nil
}

func (a *RoomAPI) UpdateRules(ctx context.Context, roomID domain.RoomID, requesterID domain.PeerID, rules domain.RoomRule) (*RoomInfo, error) {
	req := struct {
		RequesterID domain.PeerID   `json:"requester_id"`
		Rules       domain.RoomRule `json:"rules"`
	}{RequesterID: requesterID, Rules: rules}

	var resp struct {
		Room *RoomInfo `json:"room"`
	}
	if err := a.do(ctx, http.MethodPut, "/api/v1/rooms/"+string(roomID)+"/rules", req, &resp); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

func (a *RoomAPI) LeaveRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	req := struct {
		PeerID domain.PeerID `json:"peer_id"`
	}{PeerID: peerID}
	return a.do(ctx, http.MethodPost, "/api/v1/rooms/"+string(roomID)+"/leave", req, nil)
}

func (a *RoomAPI) CloseRoom(ctx context.Context, roomID domain.RoomID, requesterID domain.PeerID) error {
	req := struct {
		RequesterID domain.PeerID `json:"requester_id"`
	}{RequesterID: requesterID}
	return a.do(ctx, http.MethodPost, "/api/v1/rooms/"+string(roomID)+"/close", req, nil)
}

func (a *RoomAPI) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	// Domain rejections mean the server processed the request and said no.
	// They are caller decisions: no retry, and they must not count as
	// breaker failures, so they pass through Execute as success and are
	// returned after the loop.
	var rejected error
	err := retry.Retry(ctx, a.retry, func() error {
		rejected = nil
		return a.breaker.Execute(ctx, func() error {
			err := a.doOnce(ctx, method, path, payload, out)
			if isDomainError(err) {
				rejected = err
				return nil
			}
			return err
		})
	})
	if err != nil {
		return err
	}
	return rejected
}

func isDomainError(err error) bool {
	for _, sentinel := range []error{
		domain.ErrRoomNotFound,
		domain.ErrRoomFull,
		domain.ErrRoomClosed,
		domain.ErrPlayerAlreadyInRoom,
		domain.ErrPlayerNotInRoom,
		domain.ErrNotOwner,
		domain.ErrRuleViolation,
		domain.ErrVersionConflict,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func (a *RoomAPI) doOnce(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiError maps the server's status codes back onto the domain sentinels
// so callers can branch with errors.Is.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.ErrRoomNotFound
	case http.StatusGone:
		return domain.ErrRoomClosed
	case http.StatusForbidden:
		return domain.ErrNotOwner
	case http.StatusConflict:
		if body.Error == domain.ErrRoomFull.Error() {
			return domain.ErrRoomFull
		}
		if body.Error == domain.ErrPlayerAlreadyInRoom.Error() {
			return domain.ErrPlayerAlreadyInRoom
		}
		return domain.ErrVersionConflict
	default:
		return fmt.Errorf("api error %d: %s", resp.StatusCode, body.Error)
	}
}
