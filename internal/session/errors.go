package session

import "errors"

var (
	// ErrNotFound is returned when an identity has never registered.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidID is returned when an identity cannot be used as a
	// topic segment.
	ErrInvalidID = errors.New("session: invalid identity")

	// ErrInvalidTransport is returned for a transport other than session or bus.
	ErrInvalidTransport = errors.New("session: invalid transport")

	// ErrInvalidLiveness is returned for an unknown liveness state.
	ErrInvalidLiveness = errors.New("session: invalid liveness")
)
