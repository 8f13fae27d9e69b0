package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementHeartbeat  = "device_heartbeat"
	measurementLiveness   = "device_liveness"
	measurementActivation = "scene_activation"
)

// WriteHeartbeat records one heartbeat and whatever metrics came with it.
//
// Parameters:
//   - deviceID: Session identity
//   - at: Heartbeat timestamp
//   - fields: Numeric metrics (rate, latency_ms, memory, cpu...); may be empty
func (c *Client) WriteHeartbeat(deviceID string, at time.Time, fields map[string]float64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(heartbeatPoint(deviceID, at, fields))
}

// WriteLiveness records a liveness transition ("live", "stale").
func (c *Client) WriteLiveness(deviceID, state string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(livenessPoint(deviceID, state, at))
}

// WriteActivation records the outcome of one scene activation.
func (c *Client) WriteActivation(sceneID string, recipients, failures int, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(activationPoint(sceneID, recipients, failures, at))
}

func heartbeatPoint(deviceID string, at time.Time, fields map[string]float64) *write.Point {
	values := make(map[string]interface{}, len(fields)+1)
	// A point needs at least one field; "beat" also makes counts trivial.
	values["beat"] = 1
	for k, v := range fields {
		values[k] = v
	}
	return write.NewPoint(
		measurementHeartbeat,
		map[string]string{"device_id": deviceID},
		values,
		at,
	)
}

func livenessPoint(deviceID, state string, at time.Time) *write.Point {
	return write.NewPoint(
		measurementLiveness,
		map[string]string{"device_id": deviceID, "state": state},
		map[string]interface{}{"transition": 1},
		at,
	)
}

func activationPoint(sceneID string, recipients, failures int, at time.Time) *write.Point {
	return write.NewPoint(
		measurementActivation,
		map[string]string{"scene_id": sceneID},
		map[string]interface{}{
			"recipients": recipients,
			"failures":   failures,
		},
		at,
	)
}
