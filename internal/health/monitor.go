package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
)

// Default timings.
const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultStaleThreshold = 90 * time.Second
)

// Alert kinds, published under root/alert/{kind}.
const (
	AlertStale     = "stale"
	AlertRecovered = "recovered"
)

// Logger defines the logging interface used by the Monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the part of the session registry the monitor drives.
type Registry interface {
	Touch(ctx context.Context, hb session.Heartbeat) error
	SetLiveness(id string, l session.Liveness) (session.Liveness, error)
	Lookup(id string) (session.Session, error)
	List() []session.Session
}

// Router carries heartbeats in and alerts out. *router.Router satisfies
// it.
type Router interface {
	Topics() mqtt.Topics
	Subscribe(filter string, handler router.Handler) (router.Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte, opts router.PublishOptions) (router.Report, error)
}

// MetricsSink receives heartbeat metrics and liveness transitions.
// *influxdb.Client satisfies it.
type MetricsSink interface {
	WriteHeartbeat(deviceID string, at time.Time, fields map[string]float64)
	WriteLiveness(deviceID, state string, at time.Time)
}

// Config holds monitor settings.
type Config struct {
	// SweepInterval is how often Run sweeps. Default: 30 seconds.
	SweepInterval time.Duration

	// StaleThreshold is the heartbeat age after which a device is
	// stale. Default: 90 seconds.
	StaleThreshold time.Duration

	// RecoveryNotices publishes root/alert/recovered when a stale
	// device heartbeats again.
	RecoveryNotices bool
}

// Monitor turns heartbeats and their absence into liveness.
//
// Thread Safety: all methods are safe for concurrent use. Liveness
// transitions are serialised so a sweep never overrides a heartbeat that
// arrived while it ran.
type Monitor struct {
	cfg      Config
	registry Registry
	router   Router
	metrics  MetricsSink
	clock    clock.Clock
	logger   Logger

	// mu serialises liveness transitions.
	mu sync.Mutex

	subMu sync.Mutex
	sub   *router.Subscription
}

// New creates a health monitor.
//
// Parameters:
//   - cfg: Timings; zero values take the defaults
//   - registry: Session registry holding heartbeat times and liveness
//   - r: Router for heartbeat subscription and alert publishing
//
// Returns:
//   - *Monitor: Ready to Start
func New(cfg Config, registry Registry, r Router) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		router:   r,
		clock:    clock.Real(),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(c clock.Clock) {
	m.clock = c
}

// SetMetrics attaches an optional metrics sink.
func (m *Monitor) SetMetrics(sink MetricsSink) {
	m.metrics = sink
}

// Config returns the effective settings.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Start subscribes to heartbeat topics. Replayed heartbeats, whether
// from the router's retained store or re-delivered by the broker, are
// ignored; only a heartbeat that arrives now counts as liveness.
func (m *Monitor) Start() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.sub != nil {
		return nil
	}

	topics := m.router.Topics()
	filter := topics.Pattern(mqtt.KindHeartbeat + "/+")
	sub, err := m.router.Subscribe(filter, func(ctx context.Context, msg router.Message) {
		if msg.Replayed {
			return
		}
		_, id, ok := topics.Parse(msg.Topic)
		if !ok {
			return
		}
		if err := m.HandleHeartbeat(ctx, id, msg.Payload); err != nil {
			m.logger.Debug("heartbeat ignored", "device_id", id, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to heartbeats: %w", err)
	}
	m.sub = &sub

	m.logger.Info("health monitor subscribed",
		"topic", filter,
		"stale_threshold", m.cfg.StaleThreshold.String(),
		"sweep_interval", m.cfg.SweepInterval.String(),
	)
	return nil
}

// Stop removes the heartbeat subscription.
func (m *Monitor) Stop() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
}

// HandleHeartbeat records one heartbeat from id.
//
// The receipt time on the monitor's clock is what counts for staleness;
// device clocks are not trusted. Metrics in the envelope are stored on
// the session and written to the metrics sink.
//
// Returns session.ErrNotFound for unregistered devices and
// protocol.ErrMalformed for payloads that are not heartbeat envelopes.
func (m *Monitor) HandleHeartbeat(ctx context.Context, id string, payload []byte) error {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	hb, ok := msg.(*protocol.Heartbeat)
	if !ok {
		return fmt.Errorf("%w: %s on heartbeat topic", protocol.ErrMalformed, msg.Kind())
	}

	now := m.clock.Now()

	m.mu.Lock()
	if err := m.registry.Touch(ctx, session.Heartbeat{ID: id, At: now, Metrics: hb.Metrics}); err != nil {
		m.mu.Unlock()
		return err
	}
	previous, err := m.registry.SetLiveness(id, session.LivenessLive)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if m.metrics != nil {
		if len(hb.Metrics) > 0 {
			m.metrics.WriteHeartbeat(id, now, hb.Metrics)
		}
		if previous != session.LivenessLive {
			m.metrics.WriteLiveness(id, string(session.LivenessLive), now)
		}
	}

	switch previous {
	case session.LivenessStale:
		m.logger.Info("device recovered", "device_id", id)
		if m.cfg.RecoveryNotices {
			m.publishAlert(ctx, &protocol.Alert{
				Header:    protocol.Header{DeviceID: id, Source: "health"},
				AlertType: AlertRecovered,
				Subject:   id,
				Message:   "heartbeat received from stale device",
			}, now)
		}
	case session.LivenessUnknown:
		m.logger.Debug("first heartbeat", "device_id", id)
	case session.LivenessLive:
	}
	return nil
}

// Sweep marks every device whose last heartbeat is older than the
// threshold as stale and publishes one alert per newly stale device.
//
// Returns the ids that became stale, sorted.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) []string {
	var stale []string
	for _, s := range m.registry.List() {
		if s.LastHeartbeat == nil || s.Liveness == session.LivenessStale {
			continue
		}
		if now.Sub(*s.LastHeartbeat) <= m.cfg.StaleThreshold {
			continue
		}

		m.mu.Lock()
		elapsed, marked := m.markStale(s.ID, now)
		m.mu.Unlock()
		if !marked {
			continue
		}
		stale = append(stale, s.ID)

		m.logger.Warn("device stale",
			"device_id", s.ID,
			"elapsed_seconds", elapsed.Seconds(),
			"threshold_seconds", m.cfg.StaleThreshold.Seconds(),
		)
		if m.metrics != nil {
			m.metrics.WriteLiveness(s.ID, string(session.LivenessStale), now)
		}
		m.publishAlert(ctx, &protocol.Alert{
			Header:           protocol.Header{DeviceID: s.ID, Source: "health"},
			AlertType:        AlertStale,
			Subject:          s.ID,
			Message:          "no heartbeat within threshold",
			ThresholdSeconds: m.cfg.StaleThreshold.Seconds(),
			ElapsedSeconds:   elapsed.Seconds(),
		}, now)
	}
	return stale
}

// markStale re-reads the device under mu so a heartbeat handled since the
// List snapshot wins. Callers hold mu.
func (m *Monitor) markStale(id string, now time.Time) (time.Duration, bool) {
	s, err := m.registry.Lookup(id)
	if err != nil || s.LastHeartbeat == nil || s.Liveness == session.LivenessStale {
		return 0, false
	}
	elapsed := now.Sub(*s.LastHeartbeat)
	if elapsed <= m.cfg.StaleThreshold {
		return 0, false
	}
	previous, err := m.registry.SetLiveness(id, session.LivenessStale)
	if err != nil || previous == session.LivenessStale {
		return 0, false
	}
	return elapsed, true
}

// Run sweeps on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			if stale := m.Sweep(ctx, now); len(stale) > 0 {
				m.logger.Info("sweep complete", "newly_stale", len(stale))
			}
		}
	}
}

func (m *Monitor) publishAlert(ctx context.Context, alert *protocol.Alert, now time.Time) {
	payload, err := protocol.EncodeAt(alert, now)
	if err != nil {
		m.logger.Error("encoding alert failed", "alert_type", alert.AlertType, "error", err)
		return
	}
	topic := m.router.Topics().Alert(alert.AlertType)
	rep, err := m.router.Publish(ctx, topic, payload, router.PublishOptions{})
	if err != nil {
		m.logger.Error("publishing alert failed", "topic", topic, "error", err)
		return
	}
	for _, f := range rep.Failures {
		if !errors.Is(f.Err, router.ErrBrokerUnavailable) {
			m.logger.Debug("alert not delivered", "topic", topic, "recipient", f.Recipient, "error", f.Err)
		}
	}
}

// Status summarises liveness across the fleet.
type Status struct {
	Total   int `json:"total"`
	Live    int `json:"live"`
	Stale   int `json:"stale"`
	Unknown int `json:"unknown"`
}

// Summary counts devices per liveness state.
func (m *Monitor) Summary() Status {
	var st Status
	for _, s := range m.registry.List() {
		st.Total++
		switch s.Liveness {
		case session.LivenessLive:
			st.Live++
		case session.LivenessStale:
			st.Stale++
		case session.LivenessUnknown:
			st.Unknown++
		}
	}
	return st
}

