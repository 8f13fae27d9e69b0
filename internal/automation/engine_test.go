package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/marchog-core/internal/dispatch"
	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/scene"
	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/internal/targeting"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// mockScenes records activations.
type mockScenes struct {
	mu      sync.Mutex
	calls   []activation
	fail    error
	changed chan struct{}
}

type activation struct {
	SceneID string
	Source  string
}

func newMockScenes() *mockScenes {
	return &mockScenes{changed: make(chan struct{}, 16)}
}

func (m *mockScenes) Activate(_ context.Context, id, source string) (scene.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return scene.Activation{}, m.fail
	}
	m.calls = append(m.calls, activation{SceneID: id, Source: source})
	select {
	case m.changed <- struct{}{}:
	default:
	}
	return scene.Activation{SceneID: id, BatchID: "b-" + id, Recipients: []string{"x"}}, nil
}

func (m *mockScenes) activations() []activation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]activation(nil), m.calls...)
}

// mockDispatcher records batches.
type mockDispatcher struct {
	mu      sync.Mutex
	batches []dispatch.Batch
}

func (m *mockDispatcher) Dispatch(_ context.Context, b dispatch.Batch) dispatch.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return dispatch.Result{BatchID: "batch", Recipients: []string{"a", "b"}}
}

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	r, err := router.New(router.Config{Topics: mqtt.NewTopics("marchog"), NodeID: "core"}, session.NewRegistry(nil), nil)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func nightly(id, expr, sceneID string) Automation {
	return Automation{
		ID:      id,
		Enabled: true,
		Trigger: Trigger{Kind: TriggerSchedule, Schedule: expr},
		Actions: []Action{{Scene: sceneID}},
	}
}

// ─── Schedule Tests ─────────────────────────────────────────────────────────

func TestTick_FiresOnceAndAdvances(t *testing.T) {
	start := time.Date(2026, 3, 1, 22, 59, 30, 0, time.UTC)
	fc := clock.Fake(start)
	scenes := newMockScenes()
	e := NewEngine(scenes, &mockDispatcher{}, nil)
	e.SetClock(fc)

	if err := e.Load([]Automation{nightly("lights-out", "0 23 * * *", "night-mode")}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	next, ok := e.NextFire("lights-out")
	if !ok || !next.Equal(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("NextFire() = %v, %v", next, ok)
	}

	ctx := context.Background()
	if reps := e.Tick(ctx, start.Add(29*time.Second)); len(reps) != 0 {
		t.Fatalf("fired early: %+v", reps)
	}
	reps := e.Tick(ctx, start.Add(30*time.Second))
	if len(reps) != 1 || reps[0].Trigger != TriggerSchedule || !reps[0].OK() {
		t.Fatalf("Tick(23:00) = %+v", reps)
	}
	if reps := e.Tick(ctx, start.Add(40*time.Second)); len(reps) != 0 {
		t.Errorf("fired twice for one instant: %+v", reps)
	}

	got := scenes.activations()
	if len(got) != 1 || got[0].SceneID != "night-mode" || got[0].Source != "automation:lights-out" {
		t.Errorf("activations = %+v", got)
	}
	next, _ = e.NextFire("lights-out")
	if !next.Equal(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)) {
		t.Errorf("NextFire() after firing = %v", next)
	}
}

func TestTick_NoBackfill(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scenes := newMockScenes()
	e := NewEngine(scenes, &mockDispatcher{}, nil)
	e.SetClock(clock.Fake(start))
	if err := e.Load([]Automation{nightly("hourly", "@hourly", "chime")}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	late := start.Add(5*time.Hour + 30*time.Minute)
	if reps := e.Tick(context.Background(), late); len(reps) != 1 {
		t.Fatalf("Tick() after five missed instants fired %d runs, want 1", len(reps))
	}
	next, _ := e.NextFire("hourly")
	if !next.Equal(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("NextFire() = %v, want the first instant after now", next)
	}
}

func TestTick_SecondsAndTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	// 22:00 UTC on 1 June is 23:00 BST.
	start := time.Date(2026, 6, 1, 21, 59, 0, 0, time.UTC)
	scenes := newMockScenes()
	e := NewEngine(scenes, &mockDispatcher{}, nil)
	e.SetClock(clock.Fake(start))
	e.SetLocation(loc)
	if err := e.Load([]Automation{nightly("lights-out", "30 0 23 * * *", "night-mode")}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	next, _ := e.NextFire("lights-out")
	if want := time.Date(2026, 6, 1, 22, 0, 30, 0, time.UTC); !next.Equal(want) {
		t.Errorf("NextFire() = %v, want %v", next.UTC(), want)
	}
}

func TestTick_DisabledNotScheduled(t *testing.T) {
	e := NewEngine(newMockScenes(), &mockDispatcher{}, nil)
	a := nightly("off", "* * * * *", "x")
	a.Enabled = false
	if err := e.Load([]Automation{a}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := e.NextFire("off"); ok {
		t.Error("disabled automation scheduled")
	}
	if reps := e.Tick(context.Background(), time.Now().Add(time.Hour)); len(reps) != 0 {
		t.Errorf("disabled automation fired: %+v", reps)
	}
}

// ─── Manual Runs ────────────────────────────────────────────────────────────

func TestRunAutomation(t *testing.T) {
	scenes := newMockScenes()
	d := &mockDispatcher{}
	e := NewEngine(scenes, d, nil)

	disabled := nightly("disabled", "@daily", "x")
	disabled.Enabled = false
	mixed := Automation{
		ID:      "mixed",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerManual},
		Actions: []Action{
			{Scene: "red-alert"},
			{Target: targeting.Category("viewport"), Assignment: session.Assignment{Content: "starfield"}},
		},
	}
	if err := e.Load([]Automation{disabled, mixed}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ctx := context.Background()

	if _, err := e.RunAutomation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RunAutomation(unknown) error = %v", err)
	}
	if _, err := e.RunAutomation(ctx, "disabled"); !errors.Is(err, ErrDisabled) {
		t.Errorf("RunAutomation(disabled) error = %v", err)
	}

	rep, err := e.RunAutomation(ctx, "mixed")
	if err != nil {
		t.Fatalf("RunAutomation() error = %v", err)
	}
	if rep.Trigger != TriggerManual || len(rep.Results) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Results[0].Kind != ActionActivateScene || rep.Results[0].BatchID != "b-red-alert" {
		t.Errorf("result[0] = %+v", rep.Results[0])
	}
	if rep.Results[1].Kind != ActionAssign || rep.Results[1].Recipients != 2 {
		t.Errorf("result[1] = %+v", rep.Results[1])
	}
	if len(d.batches) != 1 || d.batches[0].Source != "automation:mixed" {
		t.Errorf("batches = %+v", d.batches)
	}
}

func TestRunAutomation_ActionErrorDoesNotStopLaterActions(t *testing.T) {
	scenes := newMockScenes()
	scenes.fail = scene.ErrSceneNotFound
	d := &mockDispatcher{}
	e := NewEngine(scenes, d, nil)
	a := Automation{
		ID:      "partial",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerManual},
		Actions: []Action{
			{Scene: "missing"},
			{Target: targeting.Broadcast(), Assignment: session.Assignment{Content: "idle"}},
		},
	}
	if err := e.Load([]Automation{a}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rep, err := e.RunAutomation(context.Background(), "partial")
	if err != nil {
		t.Fatalf("RunAutomation() error = %v", err)
	}
	if rep.OK() || !errors.Is(rep.Results[0].Err, scene.ErrSceneNotFound) {
		t.Errorf("report = %+v", rep)
	}
	if len(d.batches) != 1 {
		t.Error("later action skipped")
	}
}

// ─── Event Triggers ─────────────────────────────────────────────────────────

func TestEventTrigger(t *testing.T) {
	r := newTestRouter(t)
	scenes := newMockScenes()
	e := NewEngine(scenes, &mockDispatcher{}, r)
	a := Automation{
		ID:      "door-open",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerEvent, Topic: "state/+", Match: map[string]string{"status": "open"}},
		Actions: []Action{{Scene: "red-alert"}},
	}

	// A retained message present before Load must not fire the trigger.
	ctx := context.Background()
	if _, err := r.Publish(ctx, "marchog/state/door-1", []byte(`{"type":"state-report","status":"open"}`), router.PublishOptions{Retain: true}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := e.Load([]Automation{a}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(e.Close)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(runCtx)
	}()

	publish := func(payload string) {
		t.Helper()
		if _, err := r.Publish(ctx, "marchog/state/door-2", []byte(payload), router.PublishOptions{}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	publish(`{"type":"state-report","status":"closed"}`)
	publish(`{"type":"state-report","status":"open","source":"automation:door-open"}`)
	publish(`{"type":"state-report","status":"open"}`)
	publish(`{"type":"state-report","status":"open"}`)

	deadline := time.After(2 * time.Second)
	for len(scenes.activations()) < 2 {
		select {
		case <-scenes.changed:
		case <-deadline:
			t.Fatalf("activations = %+v, want 2", scenes.activations())
		}
	}
	cancel()
	<-done

	if got := scenes.activations(); len(got) != 2 {
		t.Errorf("activations = %+v, want exactly 2", got)
	}
}

func TestEventTrigger_ReloadUnsubscribes(t *testing.T) {
	r := newTestRouter(t)
	e := NewEngine(newMockScenes(), &mockDispatcher{}, r)
	a := Automation{
		ID:      "watch",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerEvent, Topic: "event/#"},
		Actions: []Action{{Scene: "x"}},
	}
	if err := e.Load([]Automation{a}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	before := r.Stats().Subscriptions
	if err := e.Load(nil); err != nil {
		t.Fatalf("Load(nil) error = %v", err)
	}
	if after := r.Stats().Subscriptions; after != before-1 {
		t.Errorf("subscriptions %d -> %d, want one removed", before, after)
	}
}

func TestEventTrigger_RequiresSource(t *testing.T) {
	e := NewEngine(newMockScenes(), &mockDispatcher{}, nil)
	a := Automation{
		ID:      "watch",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerEvent, Topic: "event/#"},
		Actions: []Action{{Scene: "x"}},
	}
	if err := e.Load([]Automation{a}); !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("Load() error = %v, want ErrInvalidTrigger", err)
	}
}

func TestMatches(t *testing.T) {
	fields := map[string]any{"status": "open", "count": float64(3), "ok": true}
	tests := []struct {
		name string
		want map[string]string
		ok   bool
	}{
		{"empty predicate", nil, true},
		{"string equal", map[string]string{"status": "open"}, true},
		{"string differs", map[string]string{"status": "closed"}, false},
		{"number", map[string]string{"count": "3"}, true},
		{"bool", map[string]string{"ok": "true"}, true},
		{"missing field", map[string]string{"zone": "helm"}, false},
		{"all must match", map[string]string{"status": "open", "count": "4"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matches(fields, tt.want); got != tt.ok {
				t.Errorf("matches() = %v, want %v", got, tt.ok)
			}
		})
	}
}

// ─── Load ───────────────────────────────────────────────────────────────────

func TestLoad_KeepsPreviousOnError(t *testing.T) {
	e := NewEngine(newMockScenes(), &mockDispatcher{}, nil)
	if err := e.Load([]Automation{nightly("a", "@daily", "x")}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	err := e.Load([]Automation{nightly("b", "@daily", "x"), nightly("b", "@daily", "y")})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Load(duplicate) error = %v", err)
	}
	if _, err := e.Automation("a"); err != nil {
		t.Errorf("previous set lost: %v", err)
	}
	if got := e.Automations(); len(got) != 1 {
		t.Errorf("Automations() = %+v", got)
	}
}

// ─── End to end ─────────────────────────────────────────────────────────────

type captureSender struct {
	mu       sync.Mutex
	contents []string
}

func (s *captureSender) Send(_ context.Context, payload []byte) error {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	if a, ok := msg.(*protocol.Assign); ok {
		s.mu.Lock()
		s.contents = append(s.contents, a.Content)
		s.mu.Unlock()
	}
	return nil
}

func (s *captureSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.contents) == 0 {
		return ""
	}
	return s.contents[len(s.contents)-1]
}

func TestScheduledNightMode(t *testing.T) {
	ctx := context.Background()
	reg := session.NewRegistry(nil)
	r, err := router.New(router.Config{Topics: mqtt.NewTopics("marchog"), NodeID: "core"}, reg, nil)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	t.Cleanup(r.Close)

	senders := make(map[string]*captureSender)
	for _, d := range []struct{ id, category string }{
		{"door-1", "door-panel"},
		{"vp-1", "viewport"},
		{"board-1", "status-board"},
	} {
		if _, err := reg.Register(ctx, d.id, session.TransportSession, session.Tags{Category: d.category}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		s := &captureSender{}
		if _, err := r.BindSession(ctx, d.id, s); err != nil {
			t.Fatalf("BindSession() error = %v", err)
		}
		senders[d.id] = s
	}

	start := time.Date(2026, 3, 1, 22, 59, 0, 0, time.UTC)
	fc := clock.Fake(start)
	d := dispatch.New(reg, r)
	scenes := scene.NewEngine(d, r, nil)
	scenes.SetClock(fc)
	if err := scenes.Load([]scene.Scene{{
		ID:       "night-mode",
		Bindings: []scene.Binding{{Target: targeting.Broadcast(), Assignment: session.Assignment{Content: "night"}}},
	}}); err != nil {
		t.Fatalf("scene Load() error = %v", err)
	}

	e := NewEngine(scenes, d, r)
	e.SetClock(fc)
	if err := e.Load([]Automation{nightly("lights-out", "0 23 * * *", "night-mode")}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	fc.Advance(time.Minute)
	reps := e.Tick(ctx, fc.Now())
	if len(reps) != 1 || reps[0].Results[0].Recipients != 3 || reps[0].Results[0].Failures != 0 {
		t.Fatalf("Tick() = %+v", reps)
	}
	for id, s := range senders {
		if got := s.last(); got != "night" {
			t.Errorf("%s last assignment = %q, want night", id, got)
		}
	}
	if a, ok := scenes.Active(); !ok || a.SceneID != "night-mode" {
		t.Errorf("Active() = %+v, %v", a, ok)
	}
}
