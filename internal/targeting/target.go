package targeting

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrInvalidTarget is returned when a target cannot be parsed or built.
var ErrInvalidTarget = errors.New("targeting: invalid target")

// Kind identifies a Target variant.
type Kind int

// Target variants.
const (
	KindIDs Kind = iota + 1
	KindCategory
	KindZone
	KindRoom
	KindBroadcast
	KindTopic
)

func (k Kind) String() string {
	switch k {
	case KindIDs:
		return "ids"
	case KindCategory:
		return "category"
	case KindZone:
		return "zone"
	case KindRoom:
		return "room"
	case KindBroadcast:
		return "broadcast"
	case KindTopic:
		return "topic"
	}
	return "invalid"
}

// Target is an immutable target specification. The zero value is invalid.
type Target struct {
	kind  Kind
	ids   []string
	value string
}

// IDs targets explicit identities. Duplicates are removed; existence is
// not checked.
func IDs(ids ...string) Target {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return Target{kind: KindIDs, ids: out}
}

// Category targets devices whose primary or secondary category matches.
func Category(category string) Target {
	return Target{kind: KindCategory, value: category}
}

// Zone targets devices tagged with zone.
func Zone(zone string) Target {
	return Target{kind: KindZone, value: zone}
}

// Room targets devices tagged with room.
func Room(room string) Target {
	return Target{kind: KindRoom, value: room}
}

// Broadcast targets every registered device.
func Broadcast() Target {
	return Target{kind: KindBroadcast}
}

// Topic publishes to a literal topic instead of resolving identities.
func Topic(topic string) Target {
	return Target{kind: KindTopic, value: topic}
}

// Kind returns the variant.
func (t Target) Kind() Kind { return t.kind }

// Value returns the category, zone, room or topic. Empty for IDs and
// Broadcast.
func (t Target) Value() string { return t.value }

// Identities returns a copy of the explicit identities of an IDs target.
func (t Target) Identities() []string { return slices.Clone(t.ids) }

// Validate reports whether the target is complete.
func (t Target) Validate() error {
	switch t.kind {
	case KindIDs:
		if len(t.ids) == 0 {
			return fmt.Errorf("%w: ids target without identities", ErrInvalidTarget)
		}
	case KindCategory, KindZone, KindRoom, KindTopic:
		if strings.TrimSpace(t.value) == "" {
			return fmt.Errorf("%w: %s target without a value", ErrInvalidTarget, t.kind)
		}
		if t.kind != KindTopic && strings.ContainsAny(t.value, "/+#") {
			return fmt.Errorf("%w: %s %q contains a separator or wildcard", ErrInvalidTarget, t.kind, t.value)
		}
		if t.kind == KindTopic && strings.ContainsAny(t.value, "+#") {
			return fmt.Errorf("%w: topic %q contains a wildcard", ErrInvalidTarget, t.value)
		}
	case KindBroadcast:
	default:
		return fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}
	return nil
}

// String renders the target in the form Parse accepts.
func (t Target) String() string {
	switch t.kind {
	case KindIDs:
		if len(t.ids) == 1 {
			return "screen/" + t.ids[0]
		}
		return "ids:" + strings.Join(t.ids, ",")
	case KindCategory:
		return "type/" + t.value
	case KindZone:
		return "zone/" + t.value
	case KindRoom:
		return "room/" + t.value
	case KindBroadcast:
		return "all"
	case KindTopic:
		return t.value
	}
	return ""
}

// MarshalText renders the target as its string form so it reads the same
// in JSON as in definitions.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Equal reports whether two targets are the same specification.
func (t Target) Equal(o Target) bool {
	return t.kind == o.kind && t.value == o.value && slices.Equal(t.ids, o.ids)
}
