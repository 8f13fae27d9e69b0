// Package location models the physical layout devices are tagged with:
// rooms, each owning one or more zones.
//
// A device registered with a zone but no room inherits the zone's room
// from the Layout, so room-targeted dispatches reach it. The layout comes
// from the definitions file and is replaced wholesale on reload.
//
// # Thread Safety
//
// A Layout is immutable after NewLayout and safe for concurrent use.
package location
