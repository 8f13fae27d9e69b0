// Package protocol defines the JSON envelope shared by the device session
// channel (WebSocket) and the bus (MQTT). Because both transports carry the
// same bytes, the router bridges them without translation.
//
// Every envelope has a "type" field. The set of types is closed: Kind
// enumerates them and Decode switches over Kind exhaustively, returning a
// concrete Message (Register, Heartbeat, StateReport, RequestAssignment,
// Assign, Alert, Ack). Adding a type means adding a Kind constant, a struct
// and a case in Decode.
//
// Timestamps are accepted as RFC 3339 strings or as epoch numbers (seconds,
// or milliseconds when the value is too large to be seconds) and always
// written as RFC 3339 UTC.
package protocol
