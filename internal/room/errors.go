package room

import "errors"

var (
	// ErrRoomFull is returned when a join would exceed the room's capacity.
	// Rooms hold exactly two participants (one-to-one calls).
	ErrRoomFull = errors.New("room is full")
	// ErrAlreadyInRoom is returned when a connection that is already listed in
	// the room attempts to join it again.
	ErrAlreadyInRoom = errors.New("already in room")
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotInRoom     = errors.New("not in room")
)
