package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room is full")
	ErrRoomClosed          = errors.New("room is closed")
	ErrPlayerAlreadyInRoom = errors.New("player already in room")
	ErrPlayerNotInRoom     = errors.New("player not in room")
	ErrNotOwner            = errors.New("only the room owner may do this")
	ErrRuleViolation       = errors.New("room rules violated")
	ErrVersionConflict     = errors.New("room version conflict")
)
