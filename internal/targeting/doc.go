// Package targeting turns declarative target specifications into sets of
// device identities.
//
// A Target is one of six closed variants: explicit identities, a device
// category, a zone, a room, a broadcast to every device, or a literal
// topic. Resolve is pure: the same Target and Snapshot always give the
// same sorted, de-duplicated result, and an empty result is a valid
// answer rather than an error.
//
// Targets are written in definitions as strings ("type/viewport",
// "zone/helm", "all", "ids:a,b") or as YAML mappings
// ({category: viewport}).
package targeting
