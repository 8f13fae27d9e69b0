package session

import (
	"maps"
	"time"
)

// Transport is how a device is reached.
type Transport string

const (
	// TransportSession is a persistent WebSocket held open by the device.
	TransportSession Transport = "session"

	// TransportBus is a device that publishes and subscribes on MQTT itself.
	TransportBus Transport = "bus"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == TransportSession || t == TransportBus
}

// Liveness is the health monitor's view of a device.
type Liveness string

const (
	// LivenessUnknown means no heartbeat has been seen since startup.
	LivenessUnknown Liveness = "unknown"

	// LivenessLive means heartbeats are arriving within the threshold.
	LivenessLive Liveness = "live"

	// LivenessStale means the last heartbeat is older than the threshold.
	LivenessStale Liveness = "stale"
)

// Valid reports whether l is a known liveness state.
func (l Liveness) Valid() bool {
	switch l {
	case LivenessUnknown, LivenessLive, LivenessStale:
		return true
	}
	return false
}

// Tags are the addressable attributes targets resolve against.
type Tags struct {
	Category          string `json:"category,omitempty"`
	SecondaryCategory string `json:"secondary_category,omitempty"`
	Zone              string `json:"zone,omitempty"`
	Room              string `json:"room,omitempty"`
	Name              string `json:"name,omitempty"`
}

// HasCategory reports whether category is the primary or secondary category.
func (t Tags) HasCategory(category string) bool {
	return category != "" && (t.Category == category || t.SecondaryCategory == category)
}

// Assignment is what a device should be showing. Content is an opaque
// reference (usually a page id); Params pass through untouched.
type Assignment struct {
	Content string         `json:"content"`
	Params  map[string]any `json:"params,omitempty"`
}

// Clone returns a deep copy so callers never share Params with the registry.
func (a Assignment) Clone() Assignment {
	return Assignment{Content: a.Content, Params: cloneParams(a.Params)}
}

// Heartbeat is one liveness report from a device.
type Heartbeat struct {
	ID      string
	At      time.Time
	Metrics map[string]float64
}

// Session is one device as the registry knows it.
type Session struct {
	ID            string             `json:"id"`
	Transport     Transport          `json:"transport"`
	Connected     bool               `json:"connected"`
	Tags          Tags               `json:"tags"`
	Assignment    *Assignment        `json:"assignment,omitempty"`
	FirstSeen     time.Time          `json:"first_seen"`
	LastSeen      time.Time          `json:"last_seen"`
	LastHeartbeat *time.Time         `json:"last_heartbeat,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Liveness      Liveness           `json:"liveness"`
}

// DeepCopy returns a copy sharing no maps or pointers with s.
func (s *Session) DeepCopy() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Assignment != nil {
		a := s.Assignment.Clone()
		c.Assignment = &a
	}
	if s.LastHeartbeat != nil {
		t := *s.LastHeartbeat
		c.LastHeartbeat = &t
	}
	if s.Metrics != nil {
		c.Metrics = maps.Clone(s.Metrics)
	}
	return &c
}

// Handle is returned by Register.
type Handle struct {
	// ID is the identity the device is known by, generated if it supplied none.
	ID string

	// Reconnected is true when the identity was already known.
	Reconnected bool

	// Session is a copy of the registry entry after the upsert.
	Session Session
}

// ChangeKind says what a registry mutation did.
type ChangeKind int

const (
	// ChangeRegistered covers first registration and re-registration.
	ChangeRegistered ChangeKind = iota + 1
	// ChangeTags is an explicit tag update.
	ChangeTags
	// ChangeDisconnected means the live binding was cleared.
	ChangeDisconnected
	// ChangeAssignment means the stored assignment changed.
	ChangeAssignment
	// ChangeLiveness means the liveness state changed.
	ChangeLiveness
	// ChangeSeen is heartbeat or other activity.
	ChangeSeen
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRegistered:
		return "registered"
	case ChangeTags:
		return "tags"
	case ChangeDisconnected:
		return "disconnected"
	case ChangeAssignment:
		return "assignment"
	case ChangeLiveness:
		return "liveness"
	case ChangeSeen:
		return "seen"
	}
	return "unknown"
}

// Change is delivered to registry subscribers after each mutation.
type Change struct {
	Kind ChangeKind

	// Session is a copy of the entry after the mutation.
	Session Session

	// PreviousTags holds the tags before a registration or tag update.
	PreviousTags Tags
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
