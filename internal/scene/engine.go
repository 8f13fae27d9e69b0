package scene

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/marchog-core/internal/dispatch"
	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/internal/targeting"
)

// maxActivationTime bounds one activation, dispatch and persistence
// included.
const maxActivationTime = 60 * time.Second

// EventSceneActivated is the event kind published after each activation.
const EventSceneActivated = "scene-activated"

// Logger defines the logging interface used by the Engine.
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

// Dispatcher sends a batch of assignments.
type Dispatcher interface {
	Dispatch(ctx context.Context, b dispatch.Batch) dispatch.Result
}

// Publisher publishes the activation event.
type Publisher interface {
	Topics() mqtt.Topics
	Publish(ctx context.Context, topic string, payload []byte, opts router.PublishOptions) (router.Report, error)
}

// MetricsSink records activation counters. *influxdb.Client satisfies it.
type MetricsSink interface {
	WriteActivation(sceneID string, recipients, failures int, at time.Time)
}

// Engine owns the scene set and the active flag.
//
// Thread Safety: all methods are safe for concurrent use. Activations
// are serialised.
type Engine struct {
	dispatcher Dispatcher
	publisher  Publisher
	store      Store
	metrics    MetricsSink
	clock      clock.Clock
	logger     Logger

	// activateMu serialises Activate so dispatch order matches flag order.
	activateMu sync.Mutex

	mu     sync.RWMutex
	scenes map[string]Scene
	order  []string
	active *Active
}

// NewEngine creates a scene engine.
//
// Parameters:
//   - d: Dispatcher used for activation batches
//   - pub: Router used for the activation event; may be nil
//   - store: Persistence for the flag and history; may be nil
func NewEngine(d Dispatcher, pub Publisher, store Store) *Engine {
	return &Engine{
		dispatcher: d,
		publisher:  pub,
		store:      store,
		clock:      clock.Real(),
		logger:     noopLogger{},
		scenes:     make(map[string]Scene),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetClock replaces the time source.
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = c
}

// SetMetrics attaches an optional metrics sink.
func (e *Engine) SetMetrics(m MetricsSink) {
	e.metrics = m
}

// Load validates and replaces the scene set. On error the previous set
// is kept. If the active scene no longer exists the flag is cleared.
func (e *Engine) Load(scenes []Scene) error {
	next := make(map[string]Scene, len(scenes))
	order := make([]string, 0, len(scenes))
	for _, s := range scenes {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := next[s.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateScene, s.ID)
		}
		next[s.ID] = s.clone()
		order = append(order, s.ID)
	}
	sort.Strings(order)

	e.mu.Lock()
	e.scenes = next
	e.order = order
	if e.active != nil {
		if _, ok := next[e.active.SceneID]; !ok {
			e.logger.Warn("active scene removed by reload", "scene_id", e.active.SceneID)
			e.active = nil
		}
	}
	e.mu.Unlock()

	e.logger.Info("scenes loaded", "count", len(order))
	return nil
}

// Scenes returns every scene sorted by id.
func (e *Engine) Scenes() []Scene {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Scene, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.scenes[id].clone())
	}
	return out
}

// Scene returns one scene.
func (e *Engine) Scene(id string) (Scene, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.scenes[id]
	if !ok {
		return Scene{}, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	return s.clone(), nil
}

// Active returns the active scene, if any.
func (e *Engine) Active() (Active, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return Active{}, false
	}
	return *e.active, true
}

// Activate makes id the active scene and dispatches its bindings.
//
// Parameters:
//   - ctx: Context for cancellation; bounded by maxActivationTime
//   - id: Scene to activate
//   - source: Who asked ("api", "automation:lights-out", ...)
//
// Returns:
//   - Activation: Recipients, deliveries and per-recipient failures.
//     Failures never turn into an error.
//   - error: ErrSceneNotFound
func (e *Engine) Activate(ctx context.Context, id, source string) (Activation, error) {
	ctx, cancel := context.WithTimeout(ctx, maxActivationTime)
	defer cancel()

	e.activateMu.Lock()
	defer e.activateMu.Unlock()

	sc, err := e.Scene(id)
	if err != nil {
		return Activation{}, err
	}

	items := make([]dispatch.Item, len(sc.Bindings))
	for i, b := range sc.Bindings {
		items[i] = dispatch.Item{Target: b.Target, Assignment: b.Assignment}
	}
	res := e.dispatcher.Dispatch(ctx, dispatch.Batch{Source: "scene:" + id, Items: items})

	now := e.clock.Now().UTC()

	e.mu.Lock()
	previous := ""
	if e.active != nil {
		previous = e.active.SceneID
	}
	e.active = &Active{SceneID: id, ActivatedAt: now}
	e.mu.Unlock()

	act := Activation{
		SceneID:      id,
		BatchID:      res.BatchID,
		Previous:     previous,
		Source:       source,
		Redispatch:   previous == id,
		Recipients:   res.Recipients,
		Delivered:    res.Delivered,
		Topics:       res.Topics,
		Failures:     res.Failures,
		EmptyTargets: res.EmptyTargets,
		ActivatedAt:  now,
	}

	e.persist(ctx, act)
	e.publishEvent(ctx, act)
	if e.metrics != nil {
		e.metrics.WriteActivation(id, len(act.Recipients), len(act.Failures), now)
	}

	e.logger.Info("scene activated",
		"scene_id", id,
		"previous", previous,
		"source", source,
		"batch", act.BatchID,
		"redispatch", act.Redispatch,
		"recipients", len(act.Recipients),
		"failures", len(act.Failures),
	)
	return act, nil
}

// AssignmentFor returns what the active scene gives a single device with
// the given tags. Later bindings win, as in Activate.
func (e *Engine) AssignmentFor(id string, tags session.Tags) (session.Assignment, bool) {
	e.mu.RLock()
	if e.active == nil {
		e.mu.RUnlock()
		return session.Assignment{}, false
	}
	sc := e.scenes[e.active.SceneID].clone()
	e.mu.RUnlock()

	view := session.NewView(map[string]session.Tags{id: tags})
	var (
		found bool
		out   session.Assignment
	)
	for _, b := range sc.Bindings {
		r := targeting.Resolve(b.Target, view)
		for _, rid := range r.IDs {
			if rid == id {
				out = b.Assignment
				found = true
			}
		}
	}
	return out, found
}

// Restore reads the persisted flag without dispatching. A flag naming a
// scene that is no longer defined is ignored.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	active, ok, err := e.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active scene: %w", err)
	}
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.scenes[active.SceneID]; !exists {
		e.logger.Warn("persisted active scene is not defined", "scene_id", active.SceneID)
		return nil
	}
	e.active = &active
	e.logger.Info("active scene restored", "scene_id", active.SceneID, "activated_at", active.ActivatedAt)
	return nil
}

// History returns the most recent activations, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]Record, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.History(ctx, limit)
}

func (e *Engine) persist(ctx context.Context, act Activation) {
	if e.store == nil {
		return
	}
	// Activation has already happened; persistence failures are logged only.
	if err := e.store.SaveActive(ctx, Active{SceneID: act.SceneID, ActivatedAt: act.ActivatedAt}); err != nil {
		e.logger.Error("persisting active scene failed", "scene_id", act.SceneID, "error", err)
	}
	rec := Record{
		ID:              act.BatchID,
		SceneID:         act.SceneID,
		PreviousSceneID: act.Previous,
		Source:          act.Source,
		Redispatch:      act.Redispatch,
		Recipients:      len(act.Recipients),
		Failures:        len(act.Failures),
		ActivatedAt:     act.ActivatedAt,
	}
	if err := e.store.RecordActivation(ctx, rec); err != nil {
		e.logger.Error("recording activation failed", "scene_id", act.SceneID, "error", err)
	}
}

type activationEvent struct {
	Event      string    `json:"event"`
	SceneID    string    `json:"scene_id"`
	Previous   string    `json:"previous_scene_id,omitempty"`
	Batch      string    `json:"batch"`
	Source     string    `json:"source,omitempty"`
	Redispatch bool      `json:"redispatch"`
	Recipients int       `json:"recipients"`
	Failures   int       `json:"failures"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *Engine) publishEvent(ctx context.Context, act Activation) {
	if e.publisher == nil {
		return
	}
	payload, err := json.Marshal(activationEvent{
		Event:      EventSceneActivated,
		SceneID:    act.SceneID,
		Previous:   act.Previous,
		Batch:      act.BatchID,
		Source:     act.Source,
		Redispatch: act.Redispatch,
		Recipients: len(act.Recipients),
		Failures:   len(act.Failures),
		Timestamp:  act.ActivatedAt,
	})
	if err != nil {
		e.logger.Error("encoding activation event failed", "error", err)
		return
	}
	topic := e.publisher.Topics().Event(EventSceneActivated)
	if _, err := e.publisher.Publish(ctx, topic, payload, router.PublishOptions{Retain: true}); err != nil {
		e.logger.Warn("publishing activation event failed", "topic", topic, "error", err)
	}
}
