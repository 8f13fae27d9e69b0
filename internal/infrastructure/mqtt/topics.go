package mqtt

import "strings"

// DefaultRoot is the first topic segment when none is configured.
const DefaultRoot = "marchog"

// Topic kinds: the second segment of every topic under the root.
const (
	KindScreen    = "screen"
	KindType      = "type"
	KindZone      = "zone"
	KindRoom      = "room"
	KindAll       = "all"
	KindAction    = "action"
	KindHeartbeat = "heartbeat"
	KindState     = "state"
	KindPresence  = "presence"
	KindRequest   = "request"
	KindAlert     = "alert"
	KindEvent     = "event"
	KindSystem    = "system"
)

// Topics builds topics under a configurable root. The zero value uses
// DefaultRoot.
//
//	topics := mqtt.NewTopics("marchog")
//	topics.Screen("lobby-1")      // marchog/screen/lobby-1
//	topics.Category("door-panel") // marchog/type/door-panel
type Topics struct {
	root string
}

// NewTopics returns a builder for root (DefaultRoot when empty).
func NewTopics(root string) Topics {
	return Topics{root: root}
}

// Root returns the root segment.
func (t Topics) Root() string {
	if t.root == "" {
		return DefaultRoot
	}
	return t.root
}

func (t Topics) join(kind, id string) string {
	return t.Root() + "/" + kind + "/" + id
}

// Screen addresses one device by identity.
func (t Topics) Screen(id string) string { return t.join(KindScreen, id) }

// Category addresses every device whose primary or secondary category matches.
func (t Topics) Category(category string) string { return t.join(KindType, category) }

// Zone addresses every device in a zone.
func (t Topics) Zone(zone string) string { return t.join(KindZone, zone) }

// Room addresses every device in a room.
func (t Topics) Room(room string) string { return t.join(KindRoom, room) }

// All addresses every device.
func (t Topics) All() string { return t.Root() + "/" + KindAll }

// Action is a named trigger topic consumed by automations.
func (t Topics) Action(name string) string { return t.join(KindAction, name) }

// Heartbeat carries a device's liveness signal (retained).
func (t Topics) Heartbeat(id string) string { return t.join(KindHeartbeat, id) }

// State carries a device's self-reported state (retained).
func (t Topics) State(id string) string { return t.join(KindState, id) }

// Presence carries a device's register envelope (retained).
func (t Topics) Presence(id string) string { return t.join(KindPresence, id) }

// Request carries a device's request for its current assignment.
func (t Topics) Request(id string) string { return t.join(KindRequest, id) }

// Alert carries health alerts, e.g. Alert("stale").
func (t Topics) Alert(kind string) string { return t.join(KindAlert, kind) }

// Event carries core events, e.g. Event("scene-activated").
func (t Topics) Event(kind string) string { return t.join(KindEvent, kind) }

// SystemStatus carries the core's own online/offline status (retained, LWT).
func (t Topics) SystemStatus() string { return t.join(KindSystem, "status") }

// Everything matches every topic under the root.
func (t Topics) Everything() string { return t.Root() + "/#" }

// Pattern prefixes a root-relative pattern such as "state/+".
func (t Topics) Pattern(relative string) string {
	return t.Root() + "/" + strings.TrimPrefix(relative, "/")
}

// Parse splits a topic under the root into its kind and remaining
// identifier. "marchog/screen/lobby-1" yields ("screen", "lobby-1", true);
// "marchog/all" yields ("all", "", true). Topics outside the root are not ok.
func (t Topics) Parse(topic string) (kind, id string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Root()+"/")
	if !found || rest == "" {
		return "", "", false
	}
	kind, id, _ = strings.Cut(rest, "/")
	return kind, id, true
}

// Owns reports whether topic lives under the root.
func (t Topics) Owns(topic string) bool {
	return topic == t.Root() || strings.HasPrefix(topic, t.Root()+"/")
}

// ValidSegment reports whether s can be used as one topic segment:
// non-empty, without separators or wildcards.
func ValidSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}
