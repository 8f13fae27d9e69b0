package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/internal/targeting"
)

type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *recordingSender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

func (s *recordingSender) assigns(t *testing.T) []*protocol.Assign {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Assign
	for _, p := range s.sent {
		msg, err := protocol.Decode(p)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if a, ok := msg.(*protocol.Assign); ok {
			out = append(out, a)
		}
	}
	return out
}

type harness struct {
	registry   *session.Registry
	router     *router.Router
	dispatcher *Dispatcher
	senders    map[string]*recordingSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := session.NewRegistry(nil)
	r, err := router.New(router.Config{Topics: mqtt.NewTopics("marchog"), NodeID: "core"}, reg, nil)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	t.Cleanup(r.Close)
	d := New(reg, r)
	d.SetClock(clock.Fake(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))
	return &harness{registry: reg, router: r, dispatcher: d, senders: make(map[string]*recordingSender)}
}

func (h *harness) device(t *testing.T, id string, tags session.Tags, connected bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.registry.Register(ctx, id, session.TransportSession, tags); err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
	if !connected {
		if err := h.registry.DeregisterTransport(ctx, id); err != nil {
			t.Fatalf("DeregisterTransport(%s) error = %v", id, err)
		}
		return
	}
	s := &recordingSender{}
	if _, err := h.router.BindSession(ctx, id, s); err != nil {
		t.Fatalf("BindSession(%s) error = %v", id, err)
	}
	h.senders[id] = s
}

func TestDispatch_CategoryMapping(t *testing.T) {
	h := newHarness(t)
	h.device(t, "door-1", session.Tags{Category: "door-panel"}, true)
	h.device(t, "door-2", session.Tags{Category: "door-panel"}, true)
	h.device(t, "vp-1", session.Tags{Category: "viewport"}, true)
	h.device(t, "board-1", session.Tags{Category: "status-board"}, true)

	res := h.dispatcher.Dispatch(context.Background(), Batch{
		Source: "scene:red-alert",
		Items: []Item{
			{Target: targeting.Category("door-panel"), Assignment: session.Assignment{Content: "door-alert"}},
			{Target: targeting.Category("viewport"), Assignment: session.Assignment{Content: "red-starfield"}},
		},
	})

	if len(res.Failures) != 0 {
		t.Fatalf("Failures = %+v", res.Failures)
	}
	if len(res.Recipients) != 3 || len(res.Delivered) != 3 {
		t.Errorf("Recipients = %v Delivered = %v", res.Recipients, res.Delivered)
	}
	for id, want := range map[string]string{"door-1": "door-alert", "door-2": "door-alert", "vp-1": "red-starfield"} {
		got := h.senders[id].assigns(t)
		if len(got) != 1 || got[0].Content != want {
			t.Errorf("%s received %+v, want %s", id, got, want)
			continue
		}
		if got[0].Batch != res.BatchID || got[0].Source != "scene:red-alert" || got[0].DeviceID != id {
			t.Errorf("%s envelope header = %+v", id, got[0].Header)
		}
	}
	if n := len(h.senders["board-1"].assigns(t)); n != 0 {
		t.Errorf("status board received %d assignments", n)
	}

	s, _ := h.registry.Lookup("vp-1") //nolint:errcheck // registered above
	if s.Assignment == nil || s.Assignment.Content != "red-starfield" {
		t.Errorf("registry assignment = %+v", s.Assignment)
	}
}

func TestDispatch_LaterItemOverrides(t *testing.T) {
	h := newHarness(t)
	h.device(t, "vp-1", session.Tags{Category: "viewport", Zone: "helm"}, true)
	h.device(t, "vp-2", session.Tags{Category: "viewport"}, true)

	h.dispatcher.Dispatch(context.Background(), Batch{Items: []Item{
		{Target: targeting.Broadcast(), Assignment: session.Assignment{Content: "idle"}},
		{Target: targeting.Zone("helm"), Assignment: session.Assignment{Content: "helm-view"}},
	}})

	if got := h.senders["vp-1"].assigns(t); len(got) != 1 || got[0].Content != "helm-view" {
		t.Errorf("vp-1 received %+v", got)
	}
	if got := h.senders["vp-2"].assigns(t); len(got) != 1 || got[0].Content != "idle" {
		t.Errorf("vp-2 received %+v", got)
	}
}

func TestDispatch_DisconnectedDeviceReportsFailure(t *testing.T) {
	h := newHarness(t)
	h.device(t, "door-1", session.Tags{Category: "door-panel"}, true)
	h.device(t, "door-2", session.Tags{Category: "door-panel"}, false)
	h.device(t, "door-3", session.Tags{Category: "door-panel"}, true)

	res := h.dispatcher.Dispatch(context.Background(), Batch{Items: []Item{
		{Target: targeting.Category("door-panel"), Assignment: session.Assignment{Content: "lockdown"}},
	}})

	if len(res.Recipients) != 3 {
		t.Errorf("Recipients = %v, want all three", res.Recipients)
	}
	if len(res.Delivered) != 2 {
		t.Errorf("Delivered = %v", res.Delivered)
	}
	if len(res.Failures) != 1 || res.Failures[0].Recipient != "door-2" || !errors.Is(res.Failures[0].Err, router.ErrNotConnected) {
		t.Fatalf("Failures = %+v", res.Failures)
	}

	// The offline device still has the assignment recorded for reconnect.
	s, _ := h.registry.Lookup("door-2") //nolint:errcheck // registered above
	if s.Assignment == nil || s.Assignment.Content != "lockdown" {
		t.Errorf("offline assignment = %+v", s.Assignment)
	}
}

func TestDispatch_ExplicitIDs(t *testing.T) {
	h := newHarness(t)
	h.device(t, "online", session.Tags{}, true)
	h.device(t, "offline", session.Tags{}, false)

	res := h.dispatcher.Dispatch(context.Background(), Batch{Items: []Item{
		{Target: targeting.IDs("online", "offline", "never-seen"), Assignment: session.Assignment{Content: "x"}},
	}})

	if len(res.Recipients) != 3 {
		t.Fatalf("Recipients = %v", res.Recipients)
	}
	errs := map[string]error{}
	for _, f := range res.Failures {
		errs[f.Recipient] = f.Err
	}
	if !errors.Is(errs["offline"], router.ErrNotConnected) {
		t.Errorf("offline error = %v", errs["offline"])
	}
	if !errors.Is(errs["never-seen"], router.ErrUnknownRecipient) {
		t.Errorf("never-seen error = %v", errs["never-seen"])
	}
	if len(res.Delivered) != 1 || res.Delivered[0] != "online" {
		t.Errorf("Delivered = %v", res.Delivered)
	}
}

func TestDispatch_EmptyTargetIsNotAnError(t *testing.T) {
	h := newHarness(t)
	res := h.dispatcher.Dispatch(context.Background(), Batch{Items: []Item{
		{Target: targeting.Category("kiosk"), Assignment: session.Assignment{Content: "x"}},
	}})
	if len(res.Failures) != 0 || len(res.Recipients) != 0 {
		t.Errorf("Result = %+v", res)
	}
	if len(res.EmptyTargets) != 1 || res.EmptyTargets[0] != "type/kiosk" {
		t.Errorf("EmptyTargets = %v", res.EmptyTargets)
	}
	if res.BatchID == "" {
		t.Error("no batch id generated")
	}
}

func TestDispatch_TopicTarget(t *testing.T) {
	h := newHarness(t)
	h.device(t, "vp-1", session.Tags{Zone: "helm"}, true)

	var seen json.RawMessage
	if _, err := h.router.Subscribe("marchog/action/+", func(_ context.Context, m router.Message) {
		seen = m.Payload
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	res := h.dispatcher.Dispatch(context.Background(), Batch{ID: "b-1", Items: []Item{
		{Target: targeting.Topic("marchog/action/klaxon"), Assignment: session.Assignment{Content: "klaxon"}},
		{Target: targeting.Topic("marchog/zone/helm"), Assignment: session.Assignment{Content: "helm"}},
	}})

	if len(res.Topics) != 2 || res.BatchID != "b-1" {
		t.Errorf("Result = %+v", res)
	}
	if seen == nil {
		t.Error("topic publish did not reach local subscribers")
	}
	if got := h.senders["vp-1"].assigns(t); len(got) != 1 || got[0].Content != "helm" {
		t.Errorf("zone topic publish reached %+v", got)
	}
	if len(res.Recipients) != 0 {
		t.Errorf("topic targets resolved identities: %v", res.Recipients)
	}
}

func TestDispatch_TopicAndIdentityKeepListOrder(t *testing.T) {
	tests := []struct {
		name  string
		items []Item
		want  []string
	}{
		{
			name: "identity after topic",
			items: []Item{
				{Target: targeting.Topic("marchog/screen/vp-1"), Assignment: session.Assignment{Content: "first"}},
				{Target: targeting.IDs("vp-1"), Assignment: session.Assignment{Content: "last"}},
			},
			want: []string{"first", "last"},
		},
		{
			name: "topic after identity",
			items: []Item{
				{Target: targeting.IDs("vp-1"), Assignment: session.Assignment{Content: "first"}},
				{Target: targeting.Topic("marchog/zone/helm"), Assignment: session.Assignment{Content: "last"}},
			},
			want: []string{"first", "last"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.device(t, "vp-1", session.Tags{Category: "viewport", Zone: "helm"}, true)

			res := h.dispatcher.Dispatch(context.Background(), Batch{Items: tt.items})
			if len(res.Failures) != 0 {
				t.Fatalf("Failures = %+v", res.Failures)
			}

			got := h.senders["vp-1"].assigns(t)
			if len(got) != len(tt.want) {
				t.Fatalf("vp-1 received %d assignments, want %d", len(got), len(tt.want))
			}
			for i, a := range got {
				if a.Content != tt.want[i] {
					t.Errorf("assignment %d = %q, want %q", i, a.Content, tt.want[i])
				}
			}

			s, _ := h.registry.Lookup("vp-1") //nolint:errcheck // registered above
			if s.Assignment == nil || s.Assignment.Content != "last" {
				t.Errorf("registry assignment = %+v, want the last write", s.Assignment)
			}
		})
	}
}

func TestDispatch_ScreenTopicRecordsBusDevice(t *testing.T) {
	h := newHarness(t)
	if _, err := h.registry.Register(context.Background(), "bus-1", session.TransportBus, session.Tags{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h.dispatcher.Dispatch(context.Background(), Batch{Items: []Item{
		{Target: targeting.Topic("marchog/screen/bus-1"), Assignment: session.Assignment{Content: "direct"}},
	}})

	s, _ := h.registry.Lookup("bus-1") //nolint:errcheck // registered above
	if s.Assignment == nil || s.Assignment.Content != "direct" {
		t.Errorf("registry assignment = %+v", s.Assignment)
	}
}

func TestDispatcher_Envelope(t *testing.T) {
	h := newHarness(t)
	data, err := h.dispatcher.Envelope("vp-1", "reconnect", session.Assignment{Content: "c", Params: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	a := msg.(*protocol.Assign)
	if a.DeviceID != "vp-1" || a.Source != "reconnect" || a.Params["k"] != "v" {
		t.Errorf("Assign = %+v", a)
	}
	if !a.Timestamp.Time.Equal(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", a.Timestamp)
	}
}
