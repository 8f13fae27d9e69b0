package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/marchog-core/internal/dispatch"
	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/scene"
)

const (
	defaultTickInterval = time.Second

	// eventQueueSize bounds event-triggered runs waiting for Run.
	eventQueueSize = 64

	// maxRunTime bounds one automation run.
	maxRunTime = 60 * time.Second
)

// SourcePrefix prefixes the source stamped on everything an automation
// dispatches.
const SourcePrefix = "automation:"

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

// SceneActivator activates scenes. *scene.Engine satisfies it.
type SceneActivator interface {
	Activate(ctx context.Context, id, source string) (scene.Activation, error)
}

// Dispatcher sends assignment batches. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, b dispatch.Batch) dispatch.Result
}

// EventSource delivers router messages to event triggers. *router.Router
// satisfies it.
type EventSource interface {
	Topics() mqtt.Topics
	Subscribe(filter string, handler router.Handler) (router.Subscription, error)
}

type schedule struct {
	spec cron.Schedule
	next time.Time
}

type firing struct {
	id      string
	trigger TriggerKind
}

// Engine evaluates triggers and runs automation actions.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	scenes     SceneActivator
	dispatcher Dispatcher
	events     EventSource
	clock      clock.Clock
	logger     Logger
	location   *time.Location
	interval   time.Duration

	queue chan firing

	mu          sync.RWMutex
	automations map[string]Automation
	order       []string
	schedules   map[string]*schedule
	subs        []router.Subscription
}

// NewEngine creates an automation engine.
//
// Parameters:
//   - scenes: Scene engine for activate-scene actions
//   - d: Dispatcher for direct assignment actions
//   - events: Router for event triggers; may be nil when no automation
//     uses one
func NewEngine(scenes SceneActivator, d Dispatcher, events EventSource) *Engine {
	return &Engine{
		scenes:      scenes,
		dispatcher:  d,
		events:      events,
		clock:       clock.Real(),
		logger:      noopLogger{},
		location:    time.UTC,
		interval:    defaultTickInterval,
		queue:       make(chan firing, eventQueueSize),
		automations: make(map[string]Automation),
		schedules:   make(map[string]*schedule),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetClock replaces the time source. Call before Load.
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = c
}

// SetLocation sets the timezone schedules are evaluated in. Call before
// Load.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc != nil {
		e.location = loc
	}
}

// SetTickInterval sets how often Run checks schedules.
func (e *Engine) SetTickInterval(d time.Duration) {
	if d > 0 {
		e.interval = d
	}
}

// Load validates and replaces the automation set.
//
// Every schedule restarts from the current time. Event subscriptions of
// the previous set are removed and the enabled event triggers of the new
// set subscribed. On error the previous set stays in place.
func (e *Engine) Load(automations []Automation) error {
	next := make(map[string]Automation, len(automations))
	order := make([]string, 0, len(automations))
	for _, a := range automations {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := next[a.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
		}
		next[a.ID] = a.clone()
		order = append(order, a.ID)
	}
	sort.Strings(order)

	now := e.clock.Now().In(e.location)
	schedules := make(map[string]*schedule)
	for _, id := range order {
		a := next[id]
		if !a.Enabled || a.Trigger.Kind != TriggerSchedule {
			continue
		}
		spec, err := ParseSchedule(a.Trigger.Schedule)
		if err != nil {
			return err
		}
		schedules[id] = &schedule{spec: spec, next: spec.Next(now)}
	}

	var subs []router.Subscription
	for _, id := range order {
		a := next[id]
		if !a.Enabled || a.Trigger.Kind != TriggerEvent {
			continue
		}
		if e.events == nil {
			unsubscribeAll(subs)
			return fmt.Errorf("%w: %s: no event source configured", ErrInvalidTrigger, id)
		}
		sub, err := e.subscribe(a)
		if err != nil {
			unsubscribeAll(subs)
			return fmt.Errorf("%w: %s: %w", ErrInvalidTrigger, id, err)
		}
		subs = append(subs, sub)
	}

	e.mu.Lock()
	old := e.subs
	e.automations = next
	e.order = order
	e.schedules = schedules
	e.subs = subs
	e.mu.Unlock()
	unsubscribeAll(old)

	e.logger.Info("automations loaded",
		"count", len(order),
		"schedules", len(schedules),
		"event_triggers", len(subs),
	)
	return nil
}

// Close removes the event subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	unsubscribeAll(subs)
}

// Automations returns every automation sorted by id.
func (e *Engine) Automations() []Automation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Automation, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.automations[id].clone())
	}
	return out
}

// Automation returns one automation.
func (e *Engine) Automation(id string) (Automation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.automations[id]
	if !ok {
		return Automation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

// NextFire returns the next instant a schedule trigger fires.
func (e *Engine) NextFire(id string) (time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.schedules[id]
	if !ok {
		return time.Time{}, false
	}
	return s.next, true
}

// Run checks schedules on every tick and executes queued event runs
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("automation engine started", "tick_interval", e.interval.String(), "timezone", e.location.String())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("automation engine stopped")
			return nil
		case now := <-ticker.C():
			e.Tick(ctx, now)
		case f := <-e.queue:
			if _, err := e.run(ctx, f.id, f.trigger); err != nil {
				e.logger.Warn("event-triggered automation skipped", "automation_id", f.id, "error", err)
			}
		}
	}
}

// Tick fires every schedule due at now.
//
// A schedule fires at most once per Tick however many instants were
// missed, and its next instant is the first one after now.
//
// Returns the reports of the runs, ordered by automation id.
func (e *Engine) Tick(ctx context.Context, now time.Time) []RunReport {
	local := now.In(e.location)

	e.mu.Lock()
	var due []string
	for _, id := range e.order {
		s, ok := e.schedules[id]
		if !ok || local.Before(s.next) {
			continue
		}
		due = append(due, id)
		s.next = s.spec.Next(local)
	}
	e.mu.Unlock()

	reports := make([]RunReport, 0, len(due))
	for _, id := range due {
		rep, err := e.run(ctx, id, TriggerSchedule)
		if err != nil {
			e.logger.Warn("scheduled automation skipped", "automation_id", id, "error", err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports
}

// RunAutomation fires an automation by hand, whatever its trigger kind.
//
// Returns:
//   - RunReport: Per-action outcome
//   - error: ErrNotFound or ErrDisabled
func (e *Engine) RunAutomation(ctx context.Context, id string) (RunReport, error) {
	return e.run(ctx, id, TriggerManual)
}

func (e *Engine) run(ctx context.Context, id string, trigger TriggerKind) (RunReport, error) {
	e.mu.RLock()
	a, ok := e.automations[id]
	if ok {
		a = a.clone()
	}
	e.mu.RUnlock()
	if !ok {
		return RunReport{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !a.Enabled {
		return RunReport{}, fmt.Errorf("%w: %s", ErrDisabled, id)
	}

	ctx, cancel := context.WithTimeout(ctx, maxRunTime)
	defer cancel()

	rep := RunReport{
		AutomationID: id,
		Trigger:      trigger,
		StartedAt:    e.clock.Now().UTC(),
		Results:      make([]ActionResult, 0, len(a.Actions)),
	}
	source := SourcePrefix + id
	for i, act := range a.Actions {
		rep.Results = append(rep.Results, e.execute(ctx, source, i, act))
	}

	failed := 0
	for _, r := range rep.Results {
		if r.Err != nil {
			failed++
		}
	}
	e.logger.Info("automation ran",
		"automation_id", id,
		"trigger", string(trigger),
		"actions", len(rep.Results),
		"failed_actions", failed,
	)
	return rep, nil
}

func (e *Engine) execute(ctx context.Context, source string, index int, act Action) ActionResult {
	res := ActionResult{Index: index, Kind: act.Kind()}
	switch act.Kind() {
	case ActionActivateScene:
		res.SceneID = act.Scene
		activation, err := e.scenes.Activate(ctx, act.Scene, source)
		if err != nil {
			res.Err = err
			res.Error = err.Error()
			return res
		}
		res.BatchID = activation.BatchID
		res.Recipients = len(activation.Recipients)
		res.Failures = len(activation.Failures)

	case ActionAssign:
		result := e.dispatcher.Dispatch(ctx, dispatch.Batch{
			Source: source,
			Items:  []dispatch.Item{{Target: act.Target, Assignment: act.Assignment}},
		})
		res.BatchID = result.BatchID
		res.Recipients = len(result.Recipients) + len(result.Topics)
		res.Failures = len(result.Failures)
	}
	return res
}

// subscribe attaches an event trigger to the router. Replayed retained
// state, from Subscribe or from the broker, does not fire the trigger.
func (e *Engine) subscribe(a Automation) (router.Subscription, error) {
	id := a.ID
	match := a.Trigger.Match
	source := SourcePrefix + id

	filter := e.events.Topics().Pattern(a.Trigger.Topic)
	sub, err := e.events.Subscribe(filter, func(_ context.Context, msg router.Message) {
		if msg.Replayed {
			return
		}
		var fields map[string]any
		if err := json.Unmarshal(msg.Payload, &fields); err != nil {
			return
		}
		if s, _ := fields["source"].(string); s == source {
			return
		}
		if !matches(fields, match) {
			return
		}
		select {
		case e.queue <- firing{id: id, trigger: TriggerEvent}:
			e.logger.Debug("automation triggered by event", "automation_id", id, "topic", msg.Topic)
		default:
			e.logger.Warn("automation event queue full, dropping trigger", "automation_id", id, "topic", msg.Topic)
		}
	})
	if err != nil {
		return router.Subscription{}, err
	}
	return sub, nil
}

// matches reports whether every wanted field is present with an equal
// value. Non-string values are compared in their default text form, so
// "3" matches the JSON number 3.
func matches(fields map[string]any, want map[string]string) bool {
	for k, v := range want {
		got, ok := fields[k]
		if !ok {
			return false
		}
		switch g := got.(type) {
		case string:
			if g != v {
				return false
			}
		default:
			if fmt.Sprint(g) != v {
				return false
			}
		}
	}
	return true
}

func unsubscribeAll(subs []router.Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
}
