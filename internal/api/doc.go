// Package api implements the HTTP command API and the device session
// WebSocket endpoint for the Marchog core.
//
// This package provides:
//   - REST endpoints for sessions, scenes, automations and raw bus publishes
//   - The device session endpoint at /ws/device and /ws/device/{id}
//   - Optional JWT bearer authentication on the command API
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server holds no state of its own. Every request is answered by the
// core; device sessions are a Sender bound into the core's router, with
// inbound messages handed to the core as they are read.
//
// # Security
//
// When security.jwt.secret is set, every /api/v1 route except /health
// requires an HS256 bearer token. Device sessions are not authenticated.
package api
