package protocol

// Kind identifies an envelope type.
type Kind int

// Envelope kinds. Inbound (device to core): Register, Heartbeat,
// StateReport, RequestAssignment. Outbound (core to device): Assign, Alert,
// Ack.
const (
	KindUnknown Kind = iota
	KindRegister
	KindHeartbeat
	KindStateReport
	KindRequestAssignment
	KindAssign
	KindAlert
	KindAck
)

var kindNames = map[Kind]string{
	KindRegister:          "register",
	KindHeartbeat:         "heartbeat",
	KindStateReport:       "state-report",
	KindRequestAssignment: "request_assignment",
	KindAssign:            "assign",
	KindAlert:             "alert",
	KindAck:               "ack",
}

// aliases maps older wire names onto their kind.
var aliases = map[string]Kind{
	"navigate": KindAssign,
	"state":    KindStateReport,
}

// String returns the wire name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Inbound reports whether devices send this kind to the core.
func (k Kind) Inbound() bool {
	switch k {
	case KindRegister, KindHeartbeat, KindStateReport, KindRequestAssignment:
		return true
	default:
		return false
	}
}

// ParseKind maps a wire name (or alias) to its Kind.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	if k, ok := aliases[name]; ok {
		return k
	}
	return KindUnknown
}
