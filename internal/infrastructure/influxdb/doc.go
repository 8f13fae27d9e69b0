// Package influxdb records fleet telemetry in InfluxDB.
//
// It wraps influxdb-client-go v2 with non-blocking batched writes for:
//   - heartbeat metrics reported by devices (rate, latency, memory, cpu)
//   - liveness transitions (live, stale) from the health monitor
//   - scene activation outcomes (recipients, failures)
//
// The integration is optional; with influxdb.enabled false Connect returns
// ErrDisabled and callers run without a metrics sink.
package influxdb
