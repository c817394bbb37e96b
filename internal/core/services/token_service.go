package services

import (
	"errors"
	"time"

	"roomnet/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenService issues short-lived tokens that authorize a peer to open the
// signaling socket for one room. Anything beyond "this peer may speak for
// this room" is out of scope here.
type TokenService interface {
	IssueSignalToken(roomID domain.RoomID, peerID domain.PeerID) (string, error)
	ValidateSignalToken(tokenString string) (*SignalClaims, error)
}

type SignalClaims struct {
	RoomID domain.RoomID `json:"room_id"`
	PeerID domain.PeerID `json:"peer_id"`
	jwt.RegisteredClaims
}

type tokenService struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenService(secret string, ttl time.Duration) TokenService {
	return &tokenService{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

func (s *tokenService) IssueSignalToken(roomID domain.RoomID, peerID domain.PeerID) (string, error) {
	claims := &SignalClaims{
		RoomID: roomID,
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenService) ValidateSignalToken(tokenString string) (*SignalClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SignalClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*SignalClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
