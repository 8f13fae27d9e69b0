package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
)

type alertLog struct {
	mu     sync.Mutex
	alerts []*protocol.Alert
	topics []string
}

func (a *alertLog) handle(_ context.Context, msg router.Message) {
	m, err := protocol.Decode(msg.Payload)
	if err != nil {
		return
	}
	if alert, ok := m.(*protocol.Alert); ok {
		a.mu.Lock()
		a.alerts = append(a.alerts, alert)
		a.topics = append(a.topics, msg.Topic)
		a.mu.Unlock()
	}
}

func (a *alertLog) snapshot() ([]*protocol.Alert, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*protocol.Alert(nil), a.alerts...), append([]string(nil), a.topics...)
}

type metricsRecorder struct {
	mu        sync.Mutex
	heartbeat []string
	liveness  []string
}

func (m *metricsRecorder) WriteHeartbeat(id string, _ time.Time, _ map[string]float64) {
	m.mu.Lock()
	m.heartbeat = append(m.heartbeat, id)
	m.mu.Unlock()
}

func (m *metricsRecorder) WriteLiveness(id, state string, _ time.Time) {
	m.mu.Lock()
	m.liveness = append(m.liveness, id+"="+state)
	m.mu.Unlock()
}

type fixture struct {
	monitor  *Monitor
	registry *session.Registry
	router   *router.Router
	clock    *clock.FakeClock
	alerts   *alertLog
	start    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clock.Fake(start)

	reg := session.NewRegistry(nil)
	reg.SetClock(fc)
	r, err := router.New(router.Config{Topics: mqtt.NewTopics("marchog"), NodeID: "core"}, reg, nil)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	t.Cleanup(r.Close)

	alerts := &alertLog{}
	if _, err := r.Subscribe("marchog/alert/+", alerts.handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	m := New(cfg, reg, r)
	m.SetClock(fc)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)

	return &fixture{monitor: m, registry: reg, router: r, clock: fc, alerts: alerts, start: start}
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	if _, err := f.registry.Register(context.Background(), id, session.TransportSession, session.Tags{Category: "viewport"}); err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
}

// heartbeat publishes the way a session heartbeat reaches the router.
func (f *fixture) heartbeat(t *testing.T, id string) {
	t.Helper()
	payload := []byte(`{"type":"heartbeat","metrics":{"rate":30,"latency_ms":12}}`)
	if _, err := f.router.Publish(context.Background(), "marchog/heartbeat/"+id, payload, router.PublishOptions{}); err != nil {
		t.Fatalf("Publish(heartbeat) error = %v", err)
	}
}

func (f *fixture) liveness(t *testing.T, id string) session.Liveness {
	t.Helper()
	s, err := f.registry.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup(%s) error = %v", id, err)
	}
	return s.Liveness
}

func TestMonitor_StaleAndRecovery(t *testing.T) {
	f := newFixture(t, Config{StaleThreshold: 90 * time.Second, RecoveryNotices: true})
	f.register(t, "vp-1")
	ctx := context.Background()

	f.heartbeat(t, "vp-1")
	if got := f.liveness(t, "vp-1"); got != session.LivenessLive {
		t.Fatalf("after first heartbeat liveness = %s, want live", got)
	}
	if alerts, _ := f.alerts.snapshot(); len(alerts) != 0 {
		t.Fatalf("unknown -> live published %d alerts", len(alerts))
	}

	f.clock.Set(f.start.Add(90 * time.Second))
	if stale := f.monitor.Sweep(ctx, f.clock.Now()); len(stale) != 0 {
		t.Fatalf("stale at exactly the threshold: %v", stale)
	}

	f.clock.Set(f.start.Add(91 * time.Second))
	stale := f.monitor.Sweep(ctx, f.clock.Now())
	if len(stale) != 1 || stale[0] != "vp-1" {
		t.Fatalf("Sweep(T+91) = %v", stale)
	}
	if got := f.liveness(t, "vp-1"); got != session.LivenessStale {
		t.Fatalf("liveness = %s, want stale", got)
	}
	alerts, topics := f.alerts.snapshot()
	if len(alerts) != 1 || topics[0] != "marchog/alert/stale" {
		t.Fatalf("alerts = %v on %v", alerts, topics)
	}
	if a := alerts[0]; a.Subject != "vp-1" || a.ThresholdSeconds != 90 || a.ElapsedSeconds != 91 {
		t.Errorf("stale alert = %+v", a)
	}

	// A second sweep does not repeat the alert.
	if stale := f.monitor.Sweep(ctx, f.clock.Now().Add(time.Second)); len(stale) != 0 {
		t.Errorf("second sweep = %v", stale)
	}

	f.clock.Set(f.start.Add(95 * time.Second))
	f.heartbeat(t, "vp-1")
	if got := f.liveness(t, "vp-1"); got != session.LivenessLive {
		t.Fatalf("after heartbeat at T+95 liveness = %s, want live", got)
	}
	alerts, topics = f.alerts.snapshot()
	if len(alerts) != 2 || topics[1] != "marchog/alert/recovered" || alerts[1].Subject != "vp-1" {
		t.Errorf("recovery alert missing: %v", topics)
	}
}

func TestMonitor_RecoveryNoticesDisabled(t *testing.T) {
	f := newFixture(t, Config{StaleThreshold: 10 * time.Second})
	f.register(t, "vp-1")
	f.heartbeat(t, "vp-1")
	f.clock.Set(f.start.Add(11 * time.Second))
	f.monitor.Sweep(context.Background(), f.clock.Now())
	f.heartbeat(t, "vp-1")

	_, topics := f.alerts.snapshot()
	if len(topics) != 1 || topics[0] != "marchog/alert/stale" {
		t.Errorf("topics = %v, want only the stale alert", topics)
	}
}

func TestMonitor_NeverHeartbeatStaysUnknown(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "silent")
	f.clock.Set(f.start.Add(time.Hour))

	if stale := f.monitor.Sweep(context.Background(), f.clock.Now()); len(stale) != 0 {
		t.Errorf("Sweep() = %v", stale)
	}
	if got := f.liveness(t, "silent"); got != session.LivenessUnknown {
		t.Errorf("liveness = %s, want unknown", got)
	}
}

func TestMonitor_HeartbeatMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	rec := &metricsRecorder{}
	f.monitor.SetMetrics(rec)
	f.register(t, "vp-1")
	f.heartbeat(t, "vp-1")
	f.heartbeat(t, "vp-1")

	s, err := f.registry.Lookup("vp-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if s.Metrics["rate"] != 30 || s.LastHeartbeat == nil {
		t.Errorf("session = %+v", s)
	}
	if len(rec.heartbeat) != 2 {
		t.Errorf("heartbeat writes = %v", rec.heartbeat)
	}
	if len(rec.liveness) != 1 || rec.liveness[0] != "vp-1=live" {
		t.Errorf("liveness writes = %v, want one transition", rec.liveness)
	}
}

func TestMonitor_HandleHeartbeatErrors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.monitor.HandleHeartbeat(ctx, "ghost", []byte(`{"type":"heartbeat"}`)); err == nil {
		t.Error("heartbeat from unregistered device accepted")
	}
	f.register(t, "vp-1")
	if err := f.monitor.HandleHeartbeat(ctx, "vp-1", []byte(`{"type":"state-report"}`)); err == nil {
		t.Error("state report accepted as heartbeat")
	}
	if err := f.monitor.HandleHeartbeat(ctx, "vp-1", []byte(`not json`)); err == nil {
		t.Error("garbage accepted as heartbeat")
	}
	if got := f.liveness(t, "vp-1"); got != session.LivenessUnknown {
		t.Errorf("liveness = %s after rejected heartbeats", got)
	}
}

func TestMonitor_RetainedReplayIgnored(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := session.NewRegistry(nil)
	r, err := router.New(router.Config{Topics: mqtt.NewTopics("marchog"), NodeID: "core"}, reg, nil)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	t.Cleanup(r.Close)
	ctx := context.Background()
	if _, err := reg.Register(ctx, "vp-1", session.TransportSession, session.Tags{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Publish(ctx, "marchog/heartbeat/vp-1", []byte(`{"type":"heartbeat"}`), router.PublishOptions{Retain: true}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	m := New(Config{}, reg, r)
	m.SetClock(clock.Fake(start))
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	// The broker re-delivers its retained copy after a reconnect.
	if _, err := r.Publish(ctx, "marchog/heartbeat/vp-1", []byte(`{"type":"heartbeat"}`), router.PublishOptions{FromBus: true, Replayed: true}); err != nil {
		t.Fatalf("Publish(replayed) error = %v", err)
	}

	s, _ := reg.Lookup("vp-1")
	if s.Liveness != session.LivenessUnknown || s.LastHeartbeat != nil {
		t.Errorf("retained replay changed liveness to %s (last heartbeat %v)", s.Liveness, s.LastHeartbeat)
	}
}

func TestMonitor_RunSweepsOnTicks(t *testing.T) {
	f := newFixture(t, Config{SweepInterval: 30 * time.Second, StaleThreshold: 90 * time.Second})
	f.register(t, "vp-1")
	f.heartbeat(t, "vp-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.monitor.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.liveness(t, "vp-1") != session.LivenessStale {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("Run never swept the device stale")
		}
		f.clock.Advance(30 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestMonitor_Summary(t *testing.T) {
	f := newFixture(t, Config{StaleThreshold: 10 * time.Second})
	for _, id := range []string{"a", "b", "c"} {
		f.register(t, id)
	}
	f.heartbeat(t, "a")
	f.heartbeat(t, "b")
	f.clock.Set(f.start.Add(5 * time.Second))
	f.heartbeat(t, "b")
	f.clock.Set(f.start.Add(11 * time.Second))
	f.monitor.Sweep(context.Background(), f.clock.Now())

	want := Status{Total: 3, Live: 1, Stale: 1, Unknown: 1}
	if got := f.monitor.Summary(); got != want {
		t.Errorf("Summary() = %+v, want %+v", got, want)
	}
}
