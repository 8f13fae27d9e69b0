// Package core wires the control plane together and exposes its command
// surface.
//
// Core owns one of each engine: the session registry, the topic router,
// the dispatcher, the scene and automation engines and the health
// monitor. The HTTP API and the CLI talk to Core only.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/marchog-core/internal/automation"
	"github.com/nerrad567/marchog-core/internal/definitions"
	"github.com/nerrad567/marchog-core/internal/dispatch"
	"github.com/nerrad567/marchog-core/internal/health"
	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/infrastructure/config"
	"github.com/nerrad567/marchog-core/internal/infrastructure/logging"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/scene"
	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/internal/targeting"
)

// SourceAPI is the source stamped on commands issued over the API.
const SourceAPI = "api"

var (
	// ErrNoDefinitions is returned by Reload when no loader is configured.
	ErrNoDefinitions = errors.New("core: no definitions source configured")

	// ErrInvalidAssignment is returned by AssignSession without content.
	ErrInvalidAssignment = errors.New("core: assignment content is required")

	// ErrInvalidTags is returned by UpdateSessionTags for a category,
	// zone or room that cannot be used as a topic segment.
	ErrInvalidTags = errors.New("core: invalid session tags")
)

// Bus is the broker subscription side. *mqtt.Client satisfies it.
type Bus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Metrics receives time series from the engines. *influxdb.Client
// satisfies it.
type Metrics interface {
	WriteHeartbeat(deviceID string, at time.Time, fields map[string]float64)
	WriteLiveness(deviceID, state string, at time.Time)
	WriteActivation(sceneID string, recipients, failures int, at time.Time)
}

// Deps are the collaborators Core is built from. Only Config and
// Definitions are required.
type Deps struct {
	Config *config.Config
	Logger *logging.Logger

	// Definitions loads scenes, automations and layout. Called at Start
	// and on every Reload.
	Definitions func() (*definitions.Definitions, error)

	SessionStore session.Store
	SceneStore   scene.Store

	// Broker and Bus are usually the same *mqtt.Client. Both nil runs
	// the core without a bus.
	Broker router.Broker
	Bus    Bus

	// NodeID is stamped on envelopes forwarded to the broker. Defaults to
	// a random id.
	NodeID string

	Metrics Metrics
	Clock   clock.Clock
}

// Core is the running control plane.
type Core struct {
	cfg    *config.Config
	logger *logging.Logger
	clock  clock.Clock
	topics mqtt.Topics
	loader func() (*definitions.Definitions, error)
	bus    Bus
	broker router.Broker

	registry    *session.Registry
	router      *router.Router
	dispatcher  *dispatch.Dispatcher
	scenes      *scene.Engine
	automations *automation.Engine
	health      *health.Monitor

	reloadMu sync.Mutex
	subs     []router.Subscription
}

// New builds every engine from deps. Nothing touches the network or the
// definitions file until Start.
func New(deps Deps) (*Core, error) {
	if deps.Config == nil {
		return nil, errors.New("core: config is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	nodeID := deps.NodeID
	if nodeID == "" {
		nodeID = "marchog-" + uuid.NewString()
	}
	loc, err := time.LoadLocation(cfg.Automation.Timezone)
	if err != nil {
		return nil, fmt.Errorf("automation timezone: %w", err)
	}

	topics := mqtt.NewTopics(cfg.MQTT.Topics.Root)

	registry := session.NewRegistry(deps.SessionStore)
	registry.SetLogger(logger.Component("registry"))
	registry.SetClock(clk)

	r, err := router.New(router.Config{
		Topics:    topics,
		NodeID:    nodeID,
		QoS:       byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2 by config
		Retained:  cfg.MQTT.Topics.Retained,
		QueueSize: cfg.Router.QueueSize,
	}, registry, deps.Broker)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	r.SetLogger(logger.Component("router"))

	d := dispatch.New(registry, r)
	d.SetLogger(logger.Component("dispatch"))
	d.SetClock(clk)

	scenes := scene.NewEngine(d, r, deps.SceneStore)
	scenes.SetLogger(logger.Component("scene"))
	scenes.SetClock(clk)

	autos := automation.NewEngine(scenes, d, r)
	autos.SetLogger(logger.Component("automation"))
	autos.SetClock(clk)
	autos.SetLocation(loc)
	autos.SetTickInterval(time.Duration(cfg.Automation.TickInterval) * time.Second)

	monitor := health.New(health.Config{
		SweepInterval:   time.Duration(cfg.Health.SweepInterval) * time.Second,
		StaleThreshold:  time.Duration(cfg.Health.StaleThreshold) * time.Second,
		RecoveryNotices: cfg.Health.RecoveryNotices,
	}, registry, r)
	monitor.SetLogger(logger.Component("health"))
	monitor.SetClock(clk)

	if deps.Metrics != nil {
		scenes.SetMetrics(deps.Metrics)
		monitor.SetMetrics(deps.Metrics)
	}

	return &Core{
		cfg:         cfg,
		logger:      logger,
		clock:       clk,
		topics:      topics,
		loader:      deps.Definitions,
		bus:         deps.Bus,
		broker:      deps.Broker,
		registry:    registry,
		router:      r,
		dispatcher:  d,
		scenes:      scenes,
		automations: autos,
		health:      monitor,
	}, nil
}

// Start restores persisted state, loads definitions and attaches the
// internal handlers. Definition errors here are fatal.
func (c *Core) Start(ctx context.Context) error {
	if err := c.registry.Load(ctx); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	if err := c.Reload(ctx); err != nil && !errors.Is(err, ErrNoDefinitions) {
		return err
	}
	if err := c.scenes.Restore(ctx); err != nil {
		return fmt.Errorf("restoring active scene: %w", err)
	}
	if err := c.subscribeHandlers(); err != nil {
		return err
	}
	if err := c.health.Start(); err != nil {
		return err
	}
	if c.bus != nil {
		if err := c.listenBus(); err != nil {
			return err
		}
	}

	active, _ := c.scenes.Active()
	c.logger.Info("core started",
		"sessions", c.registry.Count(),
		"scenes", len(c.scenes.Scenes()),
		"automations", len(c.automations.Automations()),
		"active_scene", active.SceneID,
		"bus", c.bus != nil,
	)
	return nil
}

// Run supervises the long-running loops plus any extra services (the
// HTTP server, for example) until ctx ends or one of them fails.
func (c *Core) Run(ctx context.Context, services ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.router.Run(ctx) })
	g.Go(func() error { return c.health.Run(ctx) })
	g.Go(func() error { return c.automations.Run(ctx) })
	for _, svc := range services {
		g.Go(func() error { return svc(ctx) })
	}
	err := g.Wait()
	c.shutdown()
	return err
}

func (c *Core) shutdown() {
	c.automations.Close()
	c.health.Stop()
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil
	c.router.Close()
	c.logger.Info("core stopped")
}

// Reload re-reads definitions and applies them. On any error the previous
// definitions stay in force.
func (c *Core) Reload(_ context.Context) error {
	if c.loader == nil {
		return ErrNoDefinitions
	}
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	defs, err := c.loader()
	if err != nil {
		return fmt.Errorf("loading definitions: %w", err)
	}
	if err := c.scenes.Load(defs.Scenes); err != nil {
		return fmt.Errorf("applying scenes: %w", err)
	}
	if err := c.automations.Load(defs.Automations); err != nil {
		return fmt.Errorf("applying automations: %w", err)
	}
	c.registry.SetLayout(defs.Layout)

	if defs.Seeded {
		c.logger.Warn("definitions contain no scenes, seeded the default scene")
	}
	c.logger.Info("definitions applied",
		"scenes", len(defs.Scenes),
		"automations", len(defs.Automations),
		"rooms", len(defs.Layout.Rooms()),
	)
	return nil
}

// ActivateScene activates a scene on behalf of source.
func (c *Core) ActivateScene(ctx context.Context, id, source string) (scene.Activation, error) {
	if source == "" {
		source = SourceAPI
	}
	return c.scenes.Activate(ctx, id, source)
}

// RunAutomation fires an automation by hand.
func (c *Core) RunAutomation(ctx context.Context, id string) (automation.RunReport, error) {
	return c.automations.RunAutomation(ctx, id)
}

// ListSessions returns every session sorted by id.
func (c *Core) ListSessions() []session.Session {
	return c.registry.List()
}

// Session returns one session.
func (c *Core) Session(id string) (session.Session, error) {
	return c.registry.Lookup(id)
}

// Scenes returns the loaded scenes.
func (c *Core) Scenes() []scene.Scene {
	return c.scenes.Scenes()
}

// ActiveScene returns the scene holding the activation flag.
func (c *Core) ActiveScene() (scene.Active, bool) {
	return c.scenes.Active()
}

// SceneHistory returns recent activations, newest first.
func (c *Core) SceneHistory(ctx context.Context, limit int) ([]scene.Record, error) {
	return c.scenes.History(ctx, limit)
}

// Automations returns the loaded automations.
func (c *Core) Automations() []automation.Automation {
	return c.automations.Automations()
}

// NextFire returns when a schedule automation fires next.
func (c *Core) NextFire(id string) (time.Time, bool) {
	return c.automations.NextFire(id)
}

// PublishRaw publishes payload on topic. topic may be given relative to
// the root ("action/klaxon") or in full ("marchog/action/klaxon").
func (c *Core) PublishRaw(ctx context.Context, topic string, payload []byte) (router.Report, error) {
	topic = strings.TrimSpace(topic)
	if topic != "" && !c.topics.Owns(topic) {
		topic = c.topics.Pattern(topic)
	}
	return c.router.Publish(ctx, topic, payload, router.PublishOptions{})
}

// AssignSession sends one device an assignment directly, outside any
// scene. The assignment is recorded even when the device is offline.
//
// Returns session.ErrNotFound for unregistered devices; a device that is
// registered but unreachable is reported in the Result failures.
func (c *Core) AssignSession(ctx context.Context, id string, a session.Assignment) (dispatch.Result, error) {
	if strings.TrimSpace(a.Content) == "" {
		return dispatch.Result{}, ErrInvalidAssignment
	}
	if _, err := c.registry.Lookup(id); err != nil {
		return dispatch.Result{}, err
	}
	return c.dispatcher.Dispatch(ctx, dispatch.Batch{
		Source: SourceAPI,
		Items:  []dispatch.Item{{Target: targeting.IDs(id), Assignment: a}},
	}), nil
}

// TagPatch changes some of a session's tags. Nil fields are kept; an
// empty string clears the tag.
type TagPatch struct {
	Category          *string `json:"category,omitempty"`
	SecondaryCategory *string `json:"secondary_category,omitempty"`
	Zone              *string `json:"zone,omitempty"`
	Room              *string `json:"room,omitempty"`
	Name              *string `json:"name,omitempty"`
}

// UpdateSessionTags applies patch to a session's tags. Later dispatches
// and the device's topic membership follow the new tags at once. A zone
// change without a room re-derives the room from the layout.
func (c *Core) UpdateSessionTags(ctx context.Context, id string, patch TagPatch) (session.Session, error) {
	current, err := c.registry.Lookup(id)
	if err != nil {
		return session.Session{}, err
	}
	tags := current.Tags
	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	apply(&tags.Category, patch.Category)
	apply(&tags.SecondaryCategory, patch.SecondaryCategory)
	apply(&tags.Zone, patch.Zone)
	apply(&tags.Room, patch.Room)
	apply(&tags.Name, patch.Name)
	if patch.Zone != nil && patch.Room == nil {
		tags.Room = ""
	}

	for field, v := range map[string]string{
		"category":           tags.Category,
		"secondary_category": tags.SecondaryCategory,
		"zone":               tags.Zone,
		"room":               tags.Room,
	} {
		if v != "" && !mqtt.ValidSegment(v) {
			return session.Session{}, fmt.Errorf("%w: %s %q", ErrInvalidTags, field, v)
		}
	}

	c.checkCategory(id, tags)
	if err := c.registry.UpdateTags(ctx, id, tags); err != nil {
		return session.Session{}, err
	}
	c.logger.Info("session tags updated",
		"device_id", id,
		"category", tags.Category,
		"zone", tags.Zone,
		"room", tags.Room,
	)
	return c.registry.Lookup(id)
}

// Topics returns the topic builder.
func (c *Core) Topics() mqtt.Topics {
	return c.topics
}

// Status is a point-in-time summary for the health endpoint.
type Status struct {
	Sessions     int           `json:"sessions"`
	Connected    int           `json:"connected"`
	Liveness     health.Status `json:"liveness"`
	Router       router.Stats  `json:"router"`
	ActiveScene  string        `json:"active_scene,omitempty"`
	BusEnabled   bool          `json:"bus_enabled"`
	BusConnected bool          `json:"bus_connected"`
}

// Status summarises the running core.
func (c *Core) Status() Status {
	st := Status{
		Liveness:   c.health.Summary(),
		Router:     c.router.Stats(),
		BusEnabled: c.broker != nil,
	}
	for _, s := range c.registry.List() {
		st.Sessions++
		if s.Connected {
			st.Connected++
		}
	}
	if a, ok := c.scenes.Active(); ok {
		st.ActiveScene = a.SceneID
	}
	if c.broker != nil {
		st.BusConnected = c.broker.IsConnected()
	}
	return st
}
