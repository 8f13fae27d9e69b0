// Package definitions loads scenes, automations and the room layout from
// a YAML file.
//
// The file is read whole and validated whole: a load either yields a
// complete, consistent set or an error, so a failed reload never leaves
// the engines with half a configuration.
package definitions

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/marchog-core/internal/automation"
	"github.com/nerrad567/marchog-core/internal/location"
	"github.com/nerrad567/marchog-core/internal/scene"
	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/internal/targeting"
)

// DefaultSceneID names the scene seeded when a file defines none.
const DefaultSceneID = "default"

var (
	// ErrInvalid is returned when the file parses but is inconsistent.
	ErrInvalid = errors.New("definitions: invalid")

	// ErrUnknownScene is returned when an automation activates a scene
	// the file does not define.
	ErrUnknownScene = errors.New("definitions: unknown scene")
)

// Definitions is one validated load.
type Definitions struct {
	Layout      *location.Layout
	Scenes      []scene.Scene
	Automations []automation.Automation

	// Seeded is true when the default scene was added.
	Seeded bool
}

// file is the on-disk layout.
type file struct {
	Layout      layoutDef       `yaml:"layout"`
	Scenes      []sceneDef      `yaml:"scenes"`
	Automations []automationDef `yaml:"automations"`
}

type layoutDef struct {
	Rooms []location.Room `yaml:"rooms"`
}

type sceneDef struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Bindings    []bindingDef `yaml:"bindings"`
}

type bindingDef struct {
	Target  targeting.Spec `yaml:"target"`
	Content string         `yaml:"content"`
	Params  map[string]any `yaml:"params"`
}

type automationDef struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Enabled     *bool       `yaml:"enabled"`
	Trigger     triggerDef  `yaml:"trigger"`
	Actions     []actionDef `yaml:"actions"`
}

// triggerDef sets exactly one of Schedule, Event or Manual.
type triggerDef struct {
	Schedule string            `yaml:"schedule"`
	Event    string            `yaml:"event"`
	Match    map[string]string `yaml:"match"`
	Manual   bool              `yaml:"manual"`
}

// actionDef sets either Scene or Target with Content.
type actionDef struct {
	Scene   string          `yaml:"scene"`
	Target  *targeting.Spec `yaml:"target"`
	Content string          `yaml:"content"`
	Params  map[string]any  `yaml:"params"`
}

// Load reads and validates the definitions file at path.
//
// Parameters:
//   - path: YAML file
//   - root: Topic root, used to recognise literal topic targets
//
// Returns:
//   - *Definitions: Validated scenes, automations and layout
//   - error: Read, parse or validation failure
func Load(path, root string) (*Definitions, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading definitions: %w", err)
	}
	defs, err := Parse(data, root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes and validates definitions from YAML. Unknown keys are
// rejected.
func Parse(data []byte, root string) (*Definitions, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing definitions: %w", err)
	}

	layout, err := location.NewLayout(f.Layout.Rooms)
	if err != nil {
		return nil, fmt.Errorf("%w: layout: %w", ErrInvalid, err)
	}

	defs := &Definitions{Layout: layout}

	sceneIDs := make(map[string]bool, len(f.Scenes))
	for i, sd := range f.Scenes {
		sc, err := sd.build(root)
		if err != nil {
			return nil, fmt.Errorf("%w: scene %d: %w", ErrInvalid, i, err)
		}
		if sceneIDs[sc.ID] {
			return nil, fmt.Errorf("%w: %w: %s", ErrInvalid, scene.ErrDuplicateScene, sc.ID)
		}
		sceneIDs[sc.ID] = true
		defs.Scenes = append(defs.Scenes, sc)
	}
	if len(defs.Scenes) == 0 {
		defs.Scenes = []scene.Scene{{ID: DefaultSceneID, Name: "Default"}}
		sceneIDs[DefaultSceneID] = true
		defs.Seeded = true
	}

	autoIDs := make(map[string]bool, len(f.Automations))
	for i, ad := range f.Automations {
		a, err := ad.build(root)
		if err != nil {
			return nil, fmt.Errorf("%w: automation %d: %w", ErrInvalid, i, err)
		}
		if autoIDs[a.ID] {
			return nil, fmt.Errorf("%w: %w: %s", ErrInvalid, automation.ErrDuplicate, a.ID)
		}
		autoIDs[a.ID] = true
		for _, act := range a.Actions {
			if act.Scene != "" && !sceneIDs[act.Scene] {
				return nil, fmt.Errorf("%w: automation %s: %s", ErrUnknownScene, a.ID, act.Scene)
			}
		}
		defs.Automations = append(defs.Automations, a)
	}

	return defs, nil
}

func (sd sceneDef) build(root string) (scene.Scene, error) {
	sc := scene.Scene{
		ID:          sd.ID,
		Name:        sd.Name,
		Description: sd.Description,
		Bindings:    make([]scene.Binding, 0, len(sd.Bindings)),
	}
	if sc.Name == "" {
		sc.Name = sc.ID
	}
	for j, bd := range sd.Bindings {
		t, err := bd.Target.Target(root)
		if err != nil {
			return scene.Scene{}, fmt.Errorf("%s binding %d: %w", sd.ID, j, err)
		}
		sc.Bindings = append(sc.Bindings, scene.Binding{
			Target:     t,
			Assignment: session.Assignment{Content: bd.Content, Params: bd.Params},
		})
	}
	if err := sc.Validate(); err != nil {
		return scene.Scene{}, err
	}
	return sc, nil
}

func (ad automationDef) build(root string) (automation.Automation, error) {
	a := automation.Automation{
		ID:          ad.ID,
		Name:        ad.Name,
		Description: ad.Description,
		Enabled:     ad.Enabled == nil || *ad.Enabled,
	}
	if a.Name == "" {
		a.Name = a.ID
	}

	trig, err := ad.Trigger.build()
	if err != nil {
		return automation.Automation{}, fmt.Errorf("%s: %w", ad.ID, err)
	}
	a.Trigger = trig

	for j, act := range ad.Actions {
		if act.Scene != "" {
			if act.Target != nil || act.Content != "" {
				return automation.Automation{}, fmt.Errorf("%w: %s action %d sets both scene and target", automation.ErrInvalidAction, ad.ID, j)
			}
			a.Actions = append(a.Actions, automation.Action{Scene: act.Scene})
			continue
		}
		if act.Target == nil {
			return automation.Automation{}, fmt.Errorf("%w: %s action %d needs scene or target", automation.ErrInvalidAction, ad.ID, j)
		}
		t, err := act.Target.Target(root)
		if err != nil {
			return automation.Automation{}, fmt.Errorf("%s action %d: %w", ad.ID, j, err)
		}
		a.Actions = append(a.Actions, automation.Action{
			Target:     t,
			Assignment: session.Assignment{Content: act.Content, Params: act.Params},
		})
	}

	if err := a.Validate(); err != nil {
		return automation.Automation{}, err
	}
	return a, nil
}

func (td triggerDef) build() (automation.Trigger, error) {
	set := 0
	var t automation.Trigger
	if td.Schedule != "" {
		set++
		t = automation.Trigger{Kind: automation.TriggerSchedule, Schedule: td.Schedule}
	}
	if td.Event != "" {
		set++
		t = automation.Trigger{Kind: automation.TriggerEvent, Topic: td.Event, Match: td.Match}
	}
	if td.Manual {
		set++
		t = automation.Trigger{Kind: automation.TriggerManual}
	}
	switch {
	case set == 0:
		return automation.Trigger{}, fmt.Errorf("%w: none of schedule, event or manual set", automation.ErrInvalidTrigger)
	case set > 1:
		return automation.Trigger{}, fmt.Errorf("%w: more than one of schedule, event or manual set", automation.ErrInvalidTrigger)
	}
	if len(td.Match) > 0 && t.Kind != automation.TriggerEvent {
		return automation.Trigger{}, fmt.Errorf("%w: match without an event", automation.ErrInvalidTrigger)
	}
	return t, nil
}
