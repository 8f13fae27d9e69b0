// Package router moves messages between local components, device sessions
// and the MQTT bus.
//
// Every message has a hierarchical topic under the configured root
// ("marchog/screen/lobby-1", "marchog/type/viewport"). Publish fans a
// message out to three kinds of recipient:
//
//   - Local handlers registered with Subscribe (health monitor,
//     automation event triggers, the core's presence handling)
//   - Devices with a bound WebSocket session whose membership matches
//   - The MQTT broker, unless the message came from the broker
//
// Each recipient succeeds or fails on its own; a Report lists the
// failures and Publish never aborts part way.
//
// # Inbound Messages
//
// The WebSocket endpoint and the MQTT listener both call Ingest. A single
// consumer started by Run drains the queue, so messages from one device
// are handled in arrival order. Session messages are mapped to the
// device's own topic (heartbeat/{id}, state/{id}, presence/{id},
// request/{id}) and forwarded to the broker; broker messages are never
// republished. Envelopes sent to the broker carry this node's origin so
// their echo is recognised and dropped.
//
// # Retained Messages
//
// The last payload on a retained topic is kept in memory. New local
// subscriptions and newly bound sessions receive matching retained
// payloads immediately.
//
// # Thread Safety
//
// All Router methods are safe for concurrent use. Handlers are called
// without router locks held and may publish.
package router
