// Package session is the single source of truth for every device the core
// has seen: identity, transport, addressable tags, current assignment and
// liveness.
//
// Devices reach the core over two transports. Session devices hold a
// WebSocket open; bus devices speak MQTT directly. Both register through
// the same Registry and are targeted the same way.
//
// # Lifecycle
//
// A session is created on first contact and never deleted. Disconnecting
// clears only the live binding; the device keeps its tags so zone, room
// and category dispatches still resolve it while offline. Re-registering a
// known identity is an idempotent upsert that replaces its tags and
// re-binds its transport.
//
// # Persistence
//
// Identity, transport, tags, assignment and first/last seen are saved
// through a Store. Liveness and heartbeat metrics are runtime-only:
// restored sessions start disconnected with unknown liveness. Store
// failures are logged; the in-memory registry stays authoritative.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Change subscribers
// are called one at a time after the registry lock is released.
package session
