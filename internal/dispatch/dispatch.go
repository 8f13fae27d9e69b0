// Package dispatch sends content assignments to resolved targets. The
// scene and automation engines both dispatch through it.
package dispatch

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/internal/targeting"
)

// Logger defines the logging interface used by the Dispatcher.
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

// Registry is the part of the session registry the dispatcher uses.
type Registry interface {
	Snapshot() *session.View
	SetAssignment(ctx context.Context, id string, a session.Assignment) error
}

// Router is the part of the topic router the dispatcher uses.
type Router interface {
	Topics() mqtt.Topics
	Deliver(ctx context.Context, id, topic string, payload []byte) error
	Publish(ctx context.Context, topic string, payload []byte, opts router.PublishOptions) (router.Report, error)
}

// Item pairs a target with the assignment its devices should receive.
type Item struct {
	Target     targeting.Target
	Assignment session.Assignment
}

// Batch is a set of items dispatched together under one batch id.
type Batch struct {
	// ID is generated when empty.
	ID string

	// Source is stamped on every envelope, e.g. "scene:night-mode".
	Source string

	Items []Item
}

// Result reports what a batch reached.
type Result struct {
	BatchID string

	// Recipients are every identity the batch resolved to, sorted.
	Recipients []string

	// Delivered are the identities reached, sorted.
	Delivered []string

	// Topics are literal topics published to, in item order.
	Topics []string

	// Failures lists unreachable recipients. The batch still completes.
	Failures []router.Failure

	// EmptyTargets lists targets that resolved to nothing.
	EmptyTargets []string
}

// Dispatcher resolves targets and delivers assignments.
type Dispatcher struct {
	registry Registry
	router   Router
	clock    clock.Clock
	logger   Logger
}

// New creates a Dispatcher.
func New(registry Registry, r Router) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		router:   r,
		clock:    clock.Real(),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetClock replaces the time source used for envelope timestamps.
func (d *Dispatcher) SetClock(c clock.Clock) {
	d.clock = c
}

// Dispatch resolves every item against one registry snapshot and
// delivers the batch in item order.
//
// When several identity items resolve to the same device only the last
// of them is delivered, at that item's position in the batch. Literal
// topic items are published at their own position, so a device reached
// by both a topic and an identity item sees them in list order and ends
// on the later one. Every registered device an item reaches has that
// assignment recorded in the registry, whether or not delivery
// succeeded, so the registry always matches the last write and a device
// that is offline receives it when it reconnects.
//
// Parameters:
//   - ctx: Bounds delivery
//   - b: Items in precedence order (later overrides earlier)
//
// Returns:
//   - Result: Recipients, deliveries and per-recipient failures
func (d *Dispatcher) Dispatch(ctx context.Context, b Batch) Result {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	res := Result{BatchID: b.ID}
	view := d.registry.Snapshot()

	resolved := make([]targeting.Resolution, len(b.Items))
	last := make(map[string]int)
	for i, item := range b.Items {
		r := targeting.Resolve(item.Target, view)
		resolved[i] = r
		if r.Empty() {
			res.EmptyTargets = append(res.EmptyTargets, item.Target.String())
			d.logger.Info("target resolved to no devices",
				"target", item.Target.String(),
				"batch", b.ID,
				"source", b.Source,
			)
			continue
		}
		for _, id := range r.IDs {
			last[id] = i
		}
	}

	res.Recipients = make([]string, 0, len(last))
	for id := range last {
		res.Recipients = append(res.Recipients, id)
	}
	sort.Strings(res.Recipients)

	for i, item := range b.Items {
		r := resolved[i]
		switch {
		case r.Empty():
		case r.Topic != "":
			d.publishTopic(ctx, b, r.Topic, item.Assignment, &res)
		default:
			for _, id := range r.IDs {
				if last[id] == i {
					d.deliver(ctx, b, id, item.Assignment, &res)
				}
			}
		}
	}
	sort.Strings(res.Delivered)

	d.logger.Info("batch dispatched",
		"batch", b.ID,
		"source", b.Source,
		"recipients", len(res.Recipients),
		"delivered", len(res.Delivered),
		"topics", len(res.Topics),
		"failures", len(res.Failures),
	)
	return res
}

// deliver sends one device its assignment and records it.
func (d *Dispatcher) deliver(ctx context.Context, b Batch, id string, a session.Assignment, res *Result) {
	payload, err := d.envelope(id, b, a)
	if err != nil {
		res.Failures = append(res.Failures, router.Failure{Recipient: id, Err: err})
		return
	}

	err = d.router.Deliver(ctx, id, d.router.Topics().Screen(id), payload)
	if err != nil {
		res.Failures = append(res.Failures, router.Failure{Recipient: id, Err: err})
		d.logger.Warn("delivery failed", "device_id", id, "batch", b.ID, "error", err)
	} else {
		res.Delivered = append(res.Delivered, id)
	}
	d.record(ctx, id, a)
}

// publishTopic sends an assignment to a literal topic and records it on
// every session the publish reached. A screen topic also records it on
// its device, which may be listening on the bus.
func (d *Dispatcher) publishTopic(ctx context.Context, b Batch, topic string, a session.Assignment, res *Result) {
	payload, err := d.envelope("", b, a)
	if err != nil {
		res.Failures = append(res.Failures, router.Failure{Recipient: topic, Err: err})
		return
	}
	rep, err := d.router.Publish(ctx, topic, payload, router.PublishOptions{})
	if err != nil {
		res.Failures = append(res.Failures, router.Failure{Recipient: topic, Err: err})
		return
	}
	res.Topics = append(res.Topics, topic)
	res.Failures = append(res.Failures, rep.Failures...)

	reached := rep.Delivered
	if kind, id, ok := d.router.Topics().Parse(topic); ok && kind == mqtt.KindScreen && !slices.Contains(reached, id) {
		reached = append(reached, id)
	}
	for _, id := range reached {
		d.record(ctx, id, a)
	}
}

func (d *Dispatcher) record(ctx context.Context, id string, a session.Assignment) {
	if err := d.registry.SetAssignment(ctx, id, a); err != nil && !errors.Is(err, session.ErrNotFound) {
		d.logger.Warn("recording assignment failed", "device_id", id, "error", err)
	}
}

func (d *Dispatcher) envelope(id string, b Batch, a session.Assignment) ([]byte, error) {
	msg := &protocol.Assign{
		Header: protocol.Header{
			DeviceID: id,
			Source:   b.Source,
		},
		Content: a.Content,
		Params:  a.Params,
		Batch:   b.ID,
	}
	return protocol.EncodeAt(msg, d.clock.Now())
}

// Envelope builds the assign envelope for a single device outside a
// batch, e.g. when replaying an assignment on reconnect.
func (d *Dispatcher) Envelope(id, source string, a session.Assignment) ([]byte, error) {
	return d.envelope(id, Batch{Source: source}, a)
}
