package automation

import (
	"maps"
	"time"

	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/internal/targeting"
)

// TriggerKind says what fires an automation.
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerEvent    TriggerKind = "event"
	TriggerManual   TriggerKind = "manual"
)

// Trigger describes when an automation runs.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// Schedule is a cron expression for schedule triggers.
	Schedule string `json:"schedule,omitempty"`

	// Topic is a router pattern relative to the topic root, e.g.
	// "state/+" or "event/scene-activated".
	Topic string `json:"topic,omitempty"`

	// Match lists envelope fields that must all equal the given values.
	Match map[string]string `json:"match,omitempty"`
}

// ActionKind distinguishes the two kinds of action.
type ActionKind string

const (
	ActionActivateScene ActionKind = "activate_scene"
	ActionAssign        ActionKind = "assign"
)

// Action is one step of an automation. Exactly one of Scene or Target is
// set.
type Action struct {
	// Scene activates a scene by id.
	Scene string `json:"scene,omitempty"`

	// Target and Assignment dispatch content directly.
	Target     targeting.Target   `json:"target,omitzero"`
	Assignment session.Assignment `json:"assignment,omitzero"`
}

// Kind reports which form the action takes.
func (a Action) Kind() ActionKind {
	if a.Scene != "" {
		return ActionActivateScene
	}
	return ActionAssign
}

// Automation pairs a trigger with its actions.
type Automation struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Trigger     Trigger  `json:"trigger"`
	Actions     []Action `json:"actions"`
}

func (a Automation) clone() Automation {
	c := a
	c.Trigger.Match = maps.Clone(a.Trigger.Match)
	c.Actions = make([]Action, len(a.Actions))
	for i, act := range a.Actions {
		c.Actions[i] = Action{Scene: act.Scene, Target: act.Target, Assignment: act.Assignment.Clone()}
	}
	return c
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	Index      int        `json:"index"`
	Kind       ActionKind `json:"kind"`
	SceneID    string     `json:"scene_id,omitempty"`
	BatchID    string     `json:"batch_id,omitempty"`
	Recipients int        `json:"recipients"`
	Failures   int        `json:"failures"`
	Err        error      `json:"-"`
	Error      string     `json:"error,omitempty"`
}

// RunReport describes one run of an automation.
type RunReport struct {
	AutomationID string         `json:"automation_id"`
	Trigger      TriggerKind    `json:"trigger"`
	StartedAt    time.Time      `json:"started_at"`
	Results      []ActionResult `json:"results"`
}

// OK reports whether every action completed without error. Per-recipient
// delivery failures are counted in the results but do not make a run
// fail.
func (r RunReport) OK() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return false
		}
	}
	return true
}
