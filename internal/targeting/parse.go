package targeting

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse reads the string form of a target.
//
// Accepted forms:
//   - "all" or "broadcast"
//   - "type/{category}", "zone/{zone}", "room/{room}", "screen/{id}"
//   - "ids:a,b,c"
//   - "{root}/..." where root is the topic root: a literal topic
//   - anything else without a "/" is a single identity
func Parse(s, root string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	var t Target
	switch {
	case s == "all" || s == "broadcast":
		t = Broadcast()
	case strings.HasPrefix(s, "ids:"):
		t = IDs(strings.Split(strings.TrimPrefix(s, "ids:"), ",")...)
	case root != "" && strings.HasPrefix(s, root+"/"):
		t = Topic(s)
	default:
		kind, value, found := strings.Cut(s, "/")
		if !found {
			t = IDs(s)
			break
		}
		switch kind {
		case "type", "category":
			t = Category(value)
		case "zone":
			t = Zone(value)
		case "room":
			t = Room(value)
		case "screen", "device":
			t = IDs(value)
		default:
			return Target{}, fmt.Errorf("%w: unknown form %q", ErrInvalidTarget, s)
		}
	}

	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// Spec is the YAML form of a target. It accepts either a string in Parse
// syntax or a mapping with exactly one of the fields set.
type Spec struct {
	Raw       string   `yaml:"-"`
	IDs       []string `yaml:"ids,omitempty"`
	Category  string   `yaml:"category,omitempty"`
	Zone      string   `yaml:"zone,omitempty"`
	Room      string   `yaml:"room,omitempty"`
	Topic     string   `yaml:"topic,omitempty"`
	Broadcast bool     `yaml:"broadcast,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Raw = node.Value
		return nil
	}
	type plain Spec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Spec(p)
	return nil
}

// Target converts the spec into a validated Target. root is the topic
// root used to recognise literal topics in the string form.
func (s Spec) Target(root string) (Target, error) {
	if s.Raw != "" {
		return Parse(s.Raw, root)
	}

	var set []Target
	if len(s.IDs) > 0 {
		set = append(set, IDs(s.IDs...))
	}
	if s.Category != "" {
		set = append(set, Category(s.Category))
	}
	if s.Zone != "" {
		set = append(set, Zone(s.Zone))
	}
	if s.Room != "" {
		set = append(set, Room(s.Room))
	}
	if s.Topic != "" {
		set = append(set, Topic(s.Topic))
	}
	if s.Broadcast {
		set = append(set, Broadcast())
	}

	switch len(set) {
	case 0:
		return Target{}, fmt.Errorf("%w: mapping sets no target field", ErrInvalidTarget)
	case 1:
		if err := set[0].Validate(); err != nil {
			return Target{}, err
		}
		return set[0], nil
	default:
		return Target{}, fmt.Errorf("%w: mapping sets %d target fields, want one", ErrInvalidTarget, len(set))
	}
}
