package location

import "errors"

var (
	// ErrRoomNotFound is returned when a room ID does not exist.
	ErrRoomNotFound = errors.New("location: room not found")

	// ErrDuplicateRoom is returned when two rooms share an ID.
	ErrDuplicateRoom = errors.New("location: duplicate room")

	// ErrZoneConflict is returned when a zone is claimed by two rooms.
	ErrZoneConflict = errors.New("location: zone belongs to more than one room")

	// ErrInvalidID is returned when an ID cannot be used as a topic segment.
	ErrInvalidID = errors.New("location: invalid id")

	// ErrInvalidName is returned when a display name is empty or too long.
	ErrInvalidName = errors.New("location: invalid name")
)
