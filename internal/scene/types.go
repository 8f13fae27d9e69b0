package scene

import (
	"fmt"
	"time"

	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/internal/targeting"
)

// Binding assigns content to every device a target resolves to.
type Binding struct {
	Target     targeting.Target   `json:"target"`
	Assignment session.Assignment `json:"assignment"`
}

// Scene is a named set of bindings.
type Scene struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Bindings    []Binding `json:"bindings"`
}

// Validate checks the scene is usable.
func (s Scene) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidScene)
	}
	for i, b := range s.Bindings {
		if err := b.Target.Validate(); err != nil {
			return fmt.Errorf("%w: %s binding %d: %w", ErrInvalidScene, s.ID, i, err)
		}
		if b.Assignment.Content == "" {
			return fmt.Errorf("%w: %s binding %d: empty content", ErrInvalidScene, s.ID, i)
		}
	}
	return nil
}

// clone copies bindings and their params.
func (s Scene) clone() Scene {
	c := s
	c.Bindings = make([]Binding, len(s.Bindings))
	for i, b := range s.Bindings {
		c.Bindings[i] = Binding{Target: b.Target, Assignment: b.Assignment.Clone()}
	}
	return c
}

// Activation describes one completed activation.
type Activation struct {
	SceneID  string `json:"scene_id"`
	BatchID  string `json:"batch_id"`
	Previous string `json:"previous_scene_id,omitempty"`
	Source   string `json:"source,omitempty"`

	// Redispatch is true when the scene was already active.
	Redispatch bool `json:"redispatch"`

	Recipients   []string         `json:"recipients"`
	Delivered    []string         `json:"delivered"`
	Topics       []string         `json:"topics,omitempty"`
	Failures     []router.Failure `json:"-"`
	EmptyTargets []string         `json:"empty_targets,omitempty"`
	ActivatedAt  time.Time        `json:"activated_at"`
}

// Active is the currently active scene.
type Active struct {
	SceneID     string    `json:"scene_id"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Record is one row of activation history.
type Record struct {
	ID              string    `json:"id"`
	SceneID         string    `json:"scene_id"`
	PreviousSceneID string    `json:"previous_scene_id,omitempty"`
	Source          string    `json:"source,omitempty"`
	Redispatch      bool      `json:"redispatch"`
	Recipients      int       `json:"recipients"`
	Failures        int       `json:"failures"`
	ActivatedAt     time.Time `json:"activated_at"`
}
