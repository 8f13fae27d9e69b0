package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks an envelope that cannot be used: invalid JSON,
// unknown type, or a missing required field. Callers drop the message
// and keep the session.
var ErrMalformed = errors.New("protocol: malformed message")

// Decode parses one envelope into its concrete Message.
func Decode(data []byte) (Message, error) {
	var head Header
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var msg Message
	switch kind := ParseKind(head.Type); kind {
	case KindRegister:
		msg = &Register{}
	case KindHeartbeat:
		msg = &Heartbeat{}
	case KindStateReport:
		msg = &StateReport{}
	case KindRequestAssignment:
		msg = &RequestAssignment{}
	case KindAssign:
		msg = &Assign{}
	case KindAlert:
		msg = &Alert{}
	case KindAck:
		msg = &Ack{}
	case KindUnknown:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, head.Type)
	default:
		panic(fmt.Sprintf("protocol: kind %d has no decoder", kind))
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, head.Type, err)
	}
	// Aliases decode to the canonical name.
	msg.header().Type = msg.Kind().String()

	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validate enforces the per-kind required fields.
func validate(m Message) error {
	switch msg := m.(type) {
	case *Register:
		if msg.Category == "" {
			msg.Category = msg.DeviceType
		}
		msg.DeviceType = ""
	case *Assign:
		if msg.Content == "" {
			return fmt.Errorf("%w: assign without content", ErrMalformed)
		}
	case *Alert:
		if msg.AlertType == "" {
			return fmt.Errorf("%w: alert without alert_type", ErrMalformed)
		}
	case *Ack:
		if msg.AckOf == "" {
			return fmt.Errorf("%w: ack without ack_of", ErrMalformed)
		}
	}
	return nil
}

// Encode stamps the type (and a timestamp when missing) and marshals.
func Encode(m Message) ([]byte, error) {
	return EncodeAt(m, time.Now())
}

// EncodeAt is Encode with an explicit clock reading.
func EncodeAt(m Message, now time.Time) ([]byte, error) {
	h := m.header()
	h.Type = m.Kind().String()
	if h.Timestamp.IsZero() {
		h.Timestamp = At(now.UTC())
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", h.Type, err)
	}
	return data, nil
}

// Peek decodes only the header, for routing decisions that must not pay
// for a full decode (loop suppression, source filtering).
func Peek(data []byte) (Header, error) {
	var head Header
	if err := json.Unmarshal(data, &head); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return head, nil
}

// WithOrigin returns data with its "origin" field set, leaving every other
// field byte-for-byte intact.
func WithOrigin(data []byte, origin string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	raw, err := json.Marshal(origin)
	if err != nil {
		return nil, err
	}
	fields["origin"] = raw
	return json.Marshal(fields)
}
