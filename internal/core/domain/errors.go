package domain

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotInRoom          = errors.New("connection has not joined a room")
	ErrBroadcasterPresent = errors.New("room already has a broadcaster")
	ErrRoleImmutable      = errors.New("role and room cannot change once announced")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidTransition  = errors.New("invalid phase transition")
	ErrSessionClosed      = errors.New("session is disconnected")
	ErrEmptyUsername      = errors.New("username cannot be empty")
	ErrUsernameRequired   = errors.New("set a username before chatting")
	ErrEmptyRoomID        = errors.New("room id is required")
)
