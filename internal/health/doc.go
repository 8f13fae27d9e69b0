// Package health tracks device liveness from heartbeats.
//
// The monitor subscribes to every heartbeat topic on the router. A
// heartbeat touches the device in the session registry and makes it live
// at once; a device coming back from stale also gets a recovery notice.
// A periodic sweep marks devices stale when their last heartbeat is older
// than the threshold and publishes an alert naming the device, the
// threshold and the elapsed time.
//
// Devices that never sent a heartbeat stay unknown.
package health
