package protocol

// Header carries the fields every envelope may have.
type Header struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp Timestamp `json:"timestamp,omitzero"`
	// Source names what produced the message: "scene:night-mode",
	// "automation:lights-out", "api", or a device id.
	Source string `json:"source,omitempty"`
	// Origin is the node id of the core that forwarded the message onto
	// the bus. Cores ignore bus messages carrying their own origin.
	Origin string `json:"origin,omitempty"`
}

func (h *Header) header() *Header { return h }

// Message is one decoded envelope. The unexported method seals the set
// of implementations to this package.
type Message interface {
	Kind() Kind
	header() *Header
}

// HeaderOf exposes the common fields of any message.
func HeaderOf(m Message) Header {
	return *m.header()
}

// Register is the first message on a session: identity plus tags.
type Register struct {
	Header
	Category          string `json:"category,omitempty"`
	SecondaryCategory string `json:"secondary_category,omitempty"`
	Zone              string `json:"zone,omitempty"`
	Room              string `json:"room,omitempty"`
	Name              string `json:"name,omitempty"`

	// DeviceType is the older spelling of Category.
	DeviceType string `json:"device_type,omitempty"`
}

// Kind implements Message.
func (*Register) Kind() Kind { return KindRegister }

// Heartbeat is a liveness signal with optional metrics
// (rate, latency_ms, memory, cpu...).
type Heartbeat struct {
	Header
	Status  string             `json:"status,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Kind implements Message.
func (*Heartbeat) Kind() Kind { return KindHeartbeat }

// StateReport is a device describing what it currently shows.
type StateReport struct {
	Header
	Status  string         `json:"status,omitempty"`
	Content string         `json:"content,omitempty"`
	State   map[string]any `json:"state,omitempty"`
}

// Kind implements Message.
func (*StateReport) Kind() Kind { return KindStateReport }

// RequestAssignment asks the core to resend the device's current assignment.
type RequestAssignment struct {
	Header
}

// Kind implements Message.
func (*RequestAssignment) Kind() Kind { return KindRequestAssignment }

// Assign tells a device what to show. Content and Params are opaque to
// the core.
type Assign struct {
	Header
	Content string         `json:"content"`
	Params  map[string]any `json:"params,omitempty"`
	// Batch ties every assignment of one scene activation together.
	Batch string `json:"batch,omitempty"`
}

// Kind implements Message.
func (*Assign) Kind() Kind { return KindAssign }

// Alert reports a health condition, e.g. a stale device.
type Alert struct {
	Header
	AlertType        string  `json:"alert_type"`
	Subject          string  `json:"subject,omitempty"`
	Message          string  `json:"message,omitempty"`
	ThresholdSeconds float64 `json:"threshold_seconds,omitempty"`
	ElapsedSeconds   float64 `json:"elapsed_seconds,omitempty"`
}

// Kind implements Message.
func (*Alert) Kind() Kind { return KindAlert }

// Ack answers an inbound message. AckOf holds the answered type.
type Ack struct {
	Header
	AckOf string `json:"ack_of"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Kind implements Message.
func (*Ack) Kind() Kind { return KindAck }
