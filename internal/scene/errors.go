package scene

import "errors"

// Domain errors for the scene package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, scene.ErrSceneNotFound) {
//	    // respond 404
//	}
var (
	// ErrSceneNotFound is returned when a scene ID does not exist.
	ErrSceneNotFound = errors.New("scene: not found")

	// ErrInvalidScene is returned when scene validation fails.
	ErrInvalidScene = errors.New("scene: invalid")

	// ErrDuplicateScene is returned when two scenes share an ID.
	ErrDuplicateScene = errors.New("scene: duplicate id")
)
