package router

import "errors"

var (
	// ErrInvalidTopic is returned for topics that are empty, contain
	// wildcards, or sit outside the root.
	ErrInvalidTopic = errors.New("router: invalid topic")

	// ErrInvalidPattern is returned for malformed subscription patterns.
	ErrInvalidPattern = errors.New("router: invalid topic pattern")

	// ErrInvalidPayload is returned when a payload is not a JSON object.
	ErrInvalidPayload = errors.New("router: payload must be a JSON object")

	// ErrUnknownRecipient is reported for identities that never registered.
	ErrUnknownRecipient = errors.New("router: unknown recipient")

	// ErrNotConnected is reported for session devices with no live binding.
	ErrNotConnected = errors.New("router: device not connected")

	// ErrBrokerUnavailable is reported when the MQTT broker cannot be reached.
	ErrBrokerUnavailable = errors.New("router: broker unavailable")

	// ErrSessionClosed is returned by a Sender whose connection has gone.
	ErrSessionClosed = errors.New("router: session closed")

	// ErrBackpressure is returned by a Sender whose outbound buffer is full.
	ErrBackpressure = errors.New("router: session send buffer full")

	// ErrQueueFull is returned by Ingest when the inbound queue is full.
	ErrQueueFull = errors.New("router: inbound queue full")

	// ErrUnroutable is returned for inbound kinds with no device topic.
	ErrUnroutable = errors.New("router: message kind has no inbound topic")
)
