package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/location"
)

// mockStore records saves in memory.
type mockStore struct {
	mu      sync.Mutex
	saved   map[string]Session
	saves   int
	saveErr error
	listErr error
}

func newMockStore() *mockStore {
	return &mockStore{saved: make(map[string]Session)}
}

func (m *mockStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	if prev, ok := m.saved[s.ID]; ok {
		s.FirstSeen = prev.FirstSeen
	}
	m.saved[s.ID] = *s.DeepCopy()
	return nil
}

func (m *mockStore) List(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]Session, 0, len(m.saved))
	for _, s := range m.saved {
		out = append(out, *s.DeepCopy())
	}
	return out, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *mockStore, *clock.FakeClock) {
	t.Helper()
	store := newMockStore()
	fc := clock.Fake(t0)
	r := NewRegistry(store)
	r.SetClock(fc)
	return r, store, fc
}

func TestRegistry_RegisterNew(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	h, err := r.Register(ctx, "door-1", TransportSession, Tags{Category: CategoryDoorPanel, Zone: "helm"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if h.ID != "door-1" || h.Reconnected {
		t.Errorf("Handle = %+v, want door-1 not reconnected", h)
	}

	s, err := r.Lookup("door-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !s.Connected || s.Liveness != LivenessUnknown || !s.FirstSeen.Equal(t0) {
		t.Errorf("session = %+v", s)
	}
	if s.LastHeartbeat != nil {
		t.Error("LastHeartbeat set before any heartbeat")
	}
	if _, ok := store.saved["door-1"]; !ok {
		t.Error("session not persisted")
	}
}

func TestRegistry_RegisterGeneratesID(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	h, err := r.Register(context.Background(), "", TransportBus, Tags{})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if h.ID == "" {
		t.Fatal("no identity generated")
	}
	if _, err := r.Lookup(h.ID); err != nil {
		t.Errorf("Lookup(generated) error = %v", err)
	}
}

func TestRegistry_RegisterIsIdempotentUpsert(t *testing.T) {
	r, _, fc := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "vp-1", TransportSession, Tags{Category: CategoryViewport, Zone: "a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.DeregisterTransport(ctx, "vp-1"); err != nil {
		t.Fatalf("DeregisterTransport() error = %v", err)
	}
	fc.Advance(time.Minute)

	h, err := r.Register(ctx, "vp-1", TransportBus, Tags{Category: CategoryWallDisplay})
	if err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}
	if !h.Reconnected {
		t.Error("Reconnected = false for a known identity")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	s, _ := r.Lookup("vp-1") //nolint:errcheck // registered above
	if s.Tags.Category != CategoryWallDisplay || s.Tags.Zone != "" {
		t.Errorf("tags not replaced: %+v", s.Tags)
	}
	if s.Transport != TransportBus || !s.Connected {
		t.Errorf("transport not re-bound: %+v", s)
	}
	if !s.FirstSeen.Equal(t0) || !s.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("FirstSeen = %v LastSeen = %v", s.FirstSeen, s.LastSeen)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		id        string
		transport Transport
		want      error
	}{
		{"slash in id", "a/b", TransportSession, ErrInvalidID},
		{"wildcard in id", "a+", TransportSession, ErrInvalidID},
		{"space in id", "a b", TransportSession, ErrInvalidID},
		{"unknown transport", "ok", Transport("carrier-pigeon"), ErrInvalidTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Register(ctx, tt.id, tt.transport, Tags{}); !errors.Is(err, tt.want) {
				t.Errorf("Register() error = %v, want %v", err, tt.want)
			}
		})
	}
	if r.Count() != 0 {
		t.Errorf("invalid registrations stored: %d", r.Count())
	}
}

func TestRegistry_ZoneDerivesRoom(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	layout, err := location.NewLayout([]location.Room{{ID: "bridge", Zones: []string{"helm"}}})
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}
	r.SetLayout(layout)
	ctx := context.Background()

	if _, err := r.Register(ctx, "a", TransportSession, Tags{Zone: "helm"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Register(ctx, "b", TransportSession, Tags{Zone: "helm", Room: "galley"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	a, _ := r.Lookup("a") //nolint:errcheck // registered above
	if a.Tags.Room != "bridge" {
		t.Errorf("derived room = %q, want bridge", a.Tags.Room)
	}
	b, _ := r.Lookup("b") //nolint:errcheck // registered above
	if b.Tags.Room != "galley" {
		t.Errorf("explicit room overwritten: %q", b.Tags.Room)
	}
}

func TestRegistry_UpdateTags(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.UpdateTags(ctx, "ghost", Tags{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTags(unknown) error = %v, want ErrNotFound", err)
	}

	if _, err := r.Register(ctx, "s1", TransportSession, Tags{Category: CategoryViewport}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	isViewport := func(t Tags) bool { return t.HasCategory(CategoryViewport) }
	if got := r.Query(isViewport); len(got) != 1 {
		t.Fatalf("Query before update = %v", got)
	}

	if err := r.UpdateTags(ctx, "s1", Tags{Category: CategoryKiosk}); err != nil {
		t.Fatalf("UpdateTags() error = %v", err)
	}
	if got := r.Query(isViewport); len(got) != 0 {
		t.Errorf("Query after update = %v, want none", got)
	}
}

func TestRegistry_TouchAndMarkSeen(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Touch(ctx, Heartbeat{ID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch(unknown) error = %v", err)
	}
	if _, err := r.Register(ctx, "s1", TransportSession, Tags{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	at := t0.Add(10 * time.Second)
	metrics := map[string]float64{"latency_ms": 12}
	if err := r.Touch(ctx, Heartbeat{ID: "s1", At: at, Metrics: metrics}); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	metrics["latency_ms"] = 999

	s, _ := r.Lookup("s1") //nolint:errcheck // registered above
	if s.LastHeartbeat == nil || !s.LastHeartbeat.Equal(at) {
		t.Errorf("LastHeartbeat = %v, want %v", s.LastHeartbeat, at)
	}
	if s.Metrics["latency_ms"] != 12 {
		t.Errorf("metrics shared with caller: %v", s.Metrics)
	}

	// An older heartbeat does not move timestamps backwards.
	if err := r.Touch(ctx, Heartbeat{ID: "s1", At: t0}); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	s, _ = r.Lookup("s1") //nolint:errcheck // registered above
	if !s.LastHeartbeat.Equal(at) {
		t.Errorf("LastHeartbeat moved back to %v", s.LastHeartbeat)
	}

	seen := t0.Add(time.Minute)
	if err := r.MarkSeen("s1", seen); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	s, _ = r.Lookup("s1") //nolint:errcheck // registered above
	if !s.LastSeen.Equal(seen) || !s.LastHeartbeat.Equal(at) {
		t.Errorf("MarkSeen changed wrong fields: %+v", s)
	}
}

func TestRegistry_DeregisterKeepsTags(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "s1", TransportSession, Tags{Zone: "helm"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.SetAssignment(ctx, "s1", Assignment{Content: "red-alert"}); err != nil {
		t.Fatalf("SetAssignment() error = %v", err)
	}
	if err := r.DeregisterTransport(ctx, "s1"); err != nil {
		t.Fatalf("DeregisterTransport() error = %v", err)
	}

	s, _ := r.Lookup("s1") //nolint:errcheck // registered above
	if s.Connected {
		t.Error("still connected after deregister")
	}
	if s.Tags.Zone != "helm" || s.Assignment == nil || s.Assignment.Content != "red-alert" {
		t.Errorf("deregister lost state: %+v", s)
	}
	if got := r.Query(func(t Tags) bool { return t.Zone == "helm" }); len(got) != 1 {
		t.Errorf("disconnected device not resolvable: %v", got)
	}
	if err := r.DeregisterTransport(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeregisterTransport(unknown) error = %v", err)
	}
}

func TestRegistry_SetAssignmentCopies(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "s1", TransportSession, Tags{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	params := map[string]any{"colour": "amber", "nested": map[string]any{"level": "2"}}
	if err := r.SetAssignment(ctx, "s1", Assignment{Content: "status", Params: params}); err != nil {
		t.Fatalf("SetAssignment() error = %v", err)
	}
	params["colour"] = "red"
	params["nested"].(map[string]any)["level"] = "9"

	s, _ := r.Lookup("s1") //nolint:errcheck // registered above
	if s.Assignment.Params["colour"] != "amber" {
		t.Errorf("top-level params shared: %v", s.Assignment.Params)
	}
	if s.Assignment.Params["nested"].(map[string]any)["level"] != "2" {
		t.Errorf("nested params shared: %v", s.Assignment.Params)
	}

	s.Assignment.Content = "mutated"
	again, _ := r.Lookup("s1") //nolint:errcheck // registered above
	if again.Assignment.Content != "status" {
		t.Error("Lookup result shares the assignment pointer")
	}
}

func TestRegistry_SetLiveness(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "s1", TransportSession, Tags{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var changes []Change
	unsubscribe := r.Subscribe(func(c Change) {
		if c.Kind == ChangeLiveness {
			changes = append(changes, c)
		}
	})
	defer unsubscribe()

	prev, err := r.SetLiveness("s1", LivenessStale)
	if err != nil || prev != LivenessUnknown {
		t.Fatalf("SetLiveness() = %v, %v", prev, err)
	}
	prev, err = r.SetLiveness("s1", LivenessStale)
	if err != nil || prev != LivenessStale {
		t.Fatalf("SetLiveness(same) = %v, %v", prev, err)
	}
	if len(changes) != 1 {
		t.Errorf("liveness notifications = %d, want 1", len(changes))
	}

	if _, err := r.SetLiveness("s1", Liveness("zombie")); !errors.Is(err, ErrInvalidLiveness) {
		t.Errorf("invalid liveness error = %v", err)
	}
	if _, err := r.SetLiveness("ghost", LivenessLive); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v", err)
	}
}

func TestRegistry_SubscribeReceivesChanges(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var kinds []ChangeKind
	var prevTags Tags
	unsubscribe := r.Subscribe(func(c Change) {
		kinds = append(kinds, c.Kind)
		if c.Kind == ChangeTags {
			prevTags = c.PreviousTags
		}
	})

	if _, err := r.Register(ctx, "s1", TransportSession, Tags{Zone: "a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.UpdateTags(ctx, "s1", Tags{Zone: "b"}); err != nil {
		t.Fatalf("UpdateTags() error = %v", err)
	}
	if err := r.DeregisterTransport(ctx, "s1"); err != nil {
		t.Fatalf("DeregisterTransport() error = %v", err)
	}
	unsubscribe()
	if err := r.SetAssignment(ctx, "s1", Assignment{Content: "x"}); err != nil {
		t.Fatalf("SetAssignment() error = %v", err)
	}

	want := []ChangeKind{ChangeRegistered, ChangeTags, ChangeDisconnected}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
	if prevTags.Zone != "a" {
		t.Errorf("PreviousTags = %+v", prevTags)
	}
}

func TestRegistry_SubscriberMayReadRegistry(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var seen string
	r.Subscribe(func(c Change) {
		// Calling back in must not deadlock.
		s, err := r.Lookup(c.Session.ID)
		if err == nil {
			seen = s.ID
		}
	})
	if _, err := r.Register(context.Background(), "s1", TransportSession, Tags{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if seen != "s1" {
		t.Errorf("subscriber saw %q", seen)
	}
}

func TestRegistry_QueryAndListSorted(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Register(ctx, id, TransportSession, Tags{}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}

	ids := r.IDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("IDs() = %v", ids)
	}
	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Errorf("List() order = %v", list)
	}
}

func TestRegistry_SnapshotIsFrozen(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Register(ctx, "a", TransportSession, Tags{Zone: "helm"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	view := r.Snapshot()
	if _, err := r.Register(ctx, "b", TransportSession, Tags{Zone: "helm"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.UpdateTags(ctx, "a", Tags{Zone: "tactical"}); err != nil {
		t.Fatalf("UpdateTags() error = %v", err)
	}

	got := view.Query(func(t Tags) bool { return t.Zone == "helm" })
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("view.Query = %v, want [a]", got)
	}
	if view.Len() != 1 {
		t.Errorf("view.Len() = %d", view.Len())
	}
}

func TestRegistry_LoadRestoresDisconnected(t *testing.T) {
	store := newMockStore()
	hb := t0
	store.saved["old"] = Session{
		ID:            "old",
		Transport:     TransportSession,
		Connected:     true,
		Tags:          Tags{Category: CategoryKiosk},
		Assignment:    &Assignment{Content: "welcome"},
		FirstSeen:     t0,
		LastSeen:      t0,
		LastHeartbeat: &hb,
		Liveness:      LivenessLive,
	}

	r := NewRegistry(store)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s, err := r.Lookup("old")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if s.Connected || s.Liveness != LivenessUnknown || s.LastHeartbeat != nil {
		t.Errorf("restored session carries runtime state: %+v", s)
	}
	if s.Assignment == nil || s.Assignment.Content != "welcome" {
		t.Errorf("assignment not restored: %+v", s.Assignment)
	}

	store.listErr = errors.New("disk gone")
	if err := r.Load(context.Background()); err == nil {
		t.Error("Load() error = nil with failing store")
	}
}

func TestRegistry_StoreFailureDoesNotFailRegister(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	store.saveErr = errors.New("read-only")

	if _, err := r.Register(context.Background(), "s1", TransportSession, Tags{}); err != nil {
		t.Fatalf("Register() error = %v, want nil despite store failure", err)
	}
	if r.Count() != 1 {
		t.Error("session missing from memory")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if _, err := r.Register(ctx, id, TransportSession, Tags{Zone: "z"}); err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			_ = r.Touch(ctx, Heartbeat{ID: id})
			_ = r.Query(func(t Tags) bool { return t.Zone == "z" })
			_ = r.List()
		}(i)
	}
	wg.Wait()

	if r.Count() != 20 {
		t.Errorf("Count() = %d, want 20", r.Count())
	}
}

func TestCatalogue(t *testing.T) {
	cats := Catalogue()
	if len(cats) != 8 {
		t.Fatalf("Catalogue() len = %d", len(cats))
	}
	cats[0].ID = "mutated"
	if !KnownCategory(CategoryDoorPanel) {
		t.Error("Catalogue() returned shared backing array")
	}
	if KnownCategory("toaster") {
		t.Error("KnownCategory(toaster) = true")
	}
}
