package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/session"
)

// BusRecipient names the broker in Report failures.
const BusRecipient = "bus"

const defaultQueueSize = 1024

// Logger defines the logging interface used by the Router.
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

// Broker is the MQTT side of the bridge. *mqtt.Client satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Sender writes to one device's live session.
type Sender interface {
	// Send queues payload for the device. Implementations return
	// ErrBackpressure or ErrSessionClosed rather than blocking.
	Send(ctx context.Context, payload []byte) error
}

// Directory is the registry view the router needs.
// *session.Registry satisfies it.
type Directory interface {
	Lookup(id string) (session.Session, error)
	Subscribe(fn func(session.Change)) func()
}

// Config configures a Router.
type Config struct {
	// Topics builds and parses topics under the configured root.
	Topics mqtt.Topics

	// NodeID is stamped as origin on envelopes sent to the broker.
	NodeID string

	// QoS used for broker publishes.
	QoS byte

	// Retained lists patterns, relative to the root, whose last payload
	// is kept (e.g. "state/+").
	Retained []string

	// QueueSize bounds the inbound queue. Zero uses a default.
	QueueSize int
}

// Message is what local handlers receive.
type Message struct {
	Topic   string
	Payload []byte

	// FromBus is true when the message arrived from the broker.
	FromBus bool

	// Retained is true for retained replays and retained publishes.
	Retained bool

	// Replayed is true when the payload is stored state handed over
	// again: a retained replay on Subscribe or a broker retained
	// delivery. It is not a new arrival from the device.
	Replayed bool
}

// Handler receives messages for a subscription.
type Handler func(ctx context.Context, msg Message)

// PublishOptions adjust a single Publish.
type PublishOptions struct {
	// Retain keeps the payload as the topic's retained message even if
	// no retained pattern covers it.
	Retain bool

	// FromBus marks a message that came from the broker. It is not
	// republished to the broker.
	FromBus bool

	// Replayed marks stored state re-delivered by the broker. The
	// payload is retained and handlers see Message.Replayed.
	Replayed bool
}

// Failure is one recipient that could not be reached.
type Failure struct {
	Recipient string
	Err       error
}

// Report describes what a Publish or Deliver reached.
type Report struct {
	Topic     string
	Handlers  int
	Delivered []string
	Bus       bool
	Failures  []Failure
}

// OK reports whether every recipient succeeded.
func (r Report) OK() bool {
	return len(r.Failures) == 0
}

// Stats is a point-in-time view of router state.
type Stats struct {
	Subscriptions int `json:"subscriptions"`
	Sessions      int `json:"bound_sessions"`
	Retained      int `json:"retained_topics"`
	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`
	// Dropped counts messages Ingest refused because the queue was full.
	Dropped uint64 `json:"dropped"`
}

type subscription struct {
	seq     uint64
	pattern pattern
	handler Handler
}

// Subscription is returned by Subscribe.
type Subscription struct {
	r   *Router
	seq uint64
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.r != nil {
		s.r.unsubscribe(s.seq)
	}
}

type binding struct {
	sender     Sender
	membership []pattern
}

// Router is the topic router and MQTT bridge.
type Router struct {
	cfg       Config
	topics    mqtt.Topics
	directory Directory
	broker    Broker
	logger    Logger

	retainedPatterns []pattern

	subMu   sync.Mutex
	subs    []*subscription // sorted most specific first; replaced, never mutated
	nextSeq uint64

	sessMu   sync.RWMutex
	sessions map[string]*binding

	retainMu sync.RWMutex
	retained map[string][]byte

	queue   chan Inbound
	dropped atomic.Uint64

	stopWatch func()
}

// New creates a Router.
//
// Parameters:
//   - cfg: Topic root, node id, QoS and retained patterns
//   - dir: Registry used for delivery decisions and session membership
//   - broker: MQTT side; nil runs the router without a bus
//
// Returns:
//   - *Router: Ready to use; call Run to drain inbound messages
//   - error: If a retained pattern is malformed
func New(cfg Config, dir Directory, broker Broker) (*Router, error) {
	if cfg.Topics.Root() == "" {
		cfg.Topics = mqtt.NewTopics(mqtt.DefaultRoot)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	r := &Router{
		cfg:       cfg,
		topics:    cfg.Topics,
		directory: dir,
		broker:    broker,
		logger:    noopLogger{},
		sessions:  make(map[string]*binding),
		retained:  make(map[string][]byte),
		queue:     make(chan Inbound, size),
	}

	for _, rel := range cfg.Retained {
		p, err := compilePattern(cfg.Topics.Pattern(rel))
		if err != nil {
			return nil, fmt.Errorf("retained pattern %q: %w", rel, err)
		}
		r.retainedPatterns = append(r.retainedPatterns, p)
	}

	if dir != nil {
		r.stopWatch = dir.Subscribe(r.handleChange)
	}
	return r, nil
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// Topics returns the topic builder the router was configured with.
func (r *Router) Topics() mqtt.Topics {
	return r.topics
}

// Close detaches the router from registry notifications.
func (r *Router) Close() {
	if r.stopWatch != nil {
		r.stopWatch()
	}
}

// Subscribe registers handler for topics matching the MQTT-style
// pattern. Matching retained payloads are handed to handler before
// Subscribe returns.
func (r *Router) Subscribe(filter string, handler Handler) (Subscription, error) {
	p, err := compilePattern(filter)
	if err != nil {
		return Subscription{}, err
	}

	r.subMu.Lock()
	r.nextSeq++
	sub := &subscription{seq: r.nextSeq, pattern: p, handler: handler}
	next := make([]*subscription, 0, len(r.subs)+1)
	next = append(next, r.subs...)
	next = append(next, sub)
	sort.SliceStable(next, func(i, j int) bool {
		a, b := next[i], next[j]
		if moreSpecific(a.pattern, b.pattern) {
			return true
		}
		if moreSpecific(b.pattern, a.pattern) {
			return false
		}
		return a.seq < b.seq
	})
	r.subs = next
	r.subMu.Unlock()

	for _, m := range r.retainedMatching([]pattern{p}) {
		handler(context.Background(), Message{Topic: m.topic, Payload: m.payload, Retained: true, Replayed: true})
	}
	return Subscription{r: r, seq: sub.seq}, nil
}

func (r *Router) unsubscribe(seq uint64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	next := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.seq != seq {
			next = append(next, s)
		}
	}
	r.subs = next
}

// Publish fans a message out to local handlers, matching sessions and
// the broker.
//
// Parameters:
//   - ctx: Passed to handlers and senders
//   - topic: Concrete topic under the root
//   - payload: JSON object envelope
//   - opts: Retain and origin flags
//
// Returns:
//   - Report: Per-recipient outcome
//   - error: Only for an invalid topic or payload; recipient failures
//     are in the Report
func (r *Router) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) (Report, error) {
	if err := r.checkTopic(topic); err != nil {
		return Report{}, err
	}
	if !isJSONObject(payload) {
		return Report{}, ErrInvalidPayload
	}

	retain := opts.Retain || opts.Replayed || r.isRetained(topic)
	if retain {
		r.storeRetained(topic, payload)
	}

	rep := Report{Topic: topic}
	rep.Handlers = r.dispatchLocal(ctx, Message{
		Topic:    topic,
		Payload:  payload,
		FromBus:  opts.FromBus,
		Retained: retain,
		Replayed: opts.Replayed,
	})

	for _, id := range r.sessionsMatching(topic) {
		if err := r.RouteToSession(ctx, id, payload); err != nil {
			rep.Failures = append(rep.Failures, Failure{Recipient: id, Err: err})
			continue
		}
		rep.Delivered = append(rep.Delivered, id)
	}

	if !opts.FromBus {
		if err := r.publishBus(topic, payload, retain); err != nil {
			rep.Failures = append(rep.Failures, Failure{Recipient: BusRecipient, Err: err})
		} else if r.broker != nil {
			rep.Bus = true
		}
	}

	if len(rep.Failures) > 0 {
		r.logger.Debug("publish had failures", "topic", topic, "failures", len(rep.Failures))
	}
	return rep, nil
}

// RouteToSession sends payload directly over a device's bound session.
func (r *Router) RouteToSession(ctx context.Context, id string, payload []byte) error {
	r.sessMu.RLock()
	b, ok := r.sessions[id]
	r.sessMu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	if err := b.sender.Send(ctx, payload); err != nil {
		return fmt.Errorf("sending to %s: %w", id, err)
	}
	return nil
}

// Deliver sends payload to one identity whatever its transport. The
// payload is also kept as the retained message on topic and handed to
// matching local handlers.
//
// Returns ErrUnknownRecipient, ErrNotConnected or ErrBrokerUnavailable
// (possibly wrapped) when the device cannot be reached.
func (r *Router) Deliver(ctx context.Context, id, topic string, payload []byte) error {
	if err := r.checkTopic(topic); err != nil {
		return err
	}
	if !isJSONObject(payload) {
		return ErrInvalidPayload
	}
	if r.directory == nil {
		return ErrUnknownRecipient
	}
	sess, err := r.directory.Lookup(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrUnknownRecipient
		}
		return err
	}

	r.storeRetained(topic, payload)
	r.dispatchLocal(ctx, Message{Topic: topic, Payload: payload, Retained: true})

	switch sess.Transport {
	case session.TransportBus:
		return r.publishBus(topic, payload, true)
	default:
		return r.RouteToSession(ctx, id, payload)
	}
}

// BindSession attaches a live sender to a registered device and replays
// retained messages matching its membership.
//
// Returns the replayed topics in the order they were sent. A previous
// sender for the same identity is replaced.
func (r *Router) BindSession(ctx context.Context, id string, sender Sender) ([]string, error) {
	if r.directory == nil {
		return nil, ErrUnknownRecipient
	}
	// The lookup happens under sessMu so a concurrent tag change cannot
	// land between reading the tags and storing the binding.
	r.sessMu.Lock()
	sess, err := r.directory.Lookup(id)
	if err != nil {
		r.sessMu.Unlock()
		return nil, ErrUnknownRecipient
	}
	membership := r.membership(sess.ID, sess.Tags)
	r.sessions[id] = &binding{sender: sender, membership: membership}
	r.sessMu.Unlock()

	var replayed []string
	for _, m := range r.retainedMatching(membership) {
		if err := sender.Send(ctx, m.payload); err != nil {
			r.logger.Warn("retained replay failed", "device_id", id, "topic", m.topic, "error", err)
			break
		}
		replayed = append(replayed, m.topic)
	}
	return replayed, nil
}

// UnbindSession removes the binding for id if sender is still the one
// bound. It reports whether a binding was removed.
func (r *Router) UnbindSession(id string, sender Sender) bool {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	b, ok := r.sessions[id]
	if !ok || b.sender != sender {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Bound reports whether id has a live session binding.
func (r *Router) Bound(id string) bool {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Retained returns the retained payload for topic.
func (r *Router) Retained(topic string) ([]byte, bool) {
	r.retainMu.RLock()
	defer r.retainMu.RUnlock()
	p, ok := r.retained[topic]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), p...), true
}

// Stats returns current counters.
func (r *Router) Stats() Stats {
	r.subMu.Lock()
	subs := len(r.subs)
	r.subMu.Unlock()
	r.sessMu.RLock()
	sessions := len(r.sessions)
	r.sessMu.RUnlock()
	r.retainMu.RLock()
	retained := len(r.retained)
	r.retainMu.RUnlock()

	return Stats{
		Subscriptions: subs,
		Sessions:      sessions,
		Retained:      retained,
		QueueDepth:    len(r.queue),
		QueueCapacity: cap(r.queue),
		Dropped:       r.dropped.Load(),
	}
}

// handleChange keeps session membership in step with registry tags.
//
// Notifications are delivered outside the registry lock and may arrive
// out of order, so the snapshot in c is only a hint: the current tags
// are re-read from the registry under sessMu. Lock order is sessMu then
// the registry's own lock.
func (r *Router) handleChange(c session.Change) {
	switch c.Kind {
	case session.ChangeRegistered, session.ChangeTags:
	default:
		return
	}

	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	b, ok := r.sessions[c.Session.ID]
	if !ok {
		return
	}
	sess, err := r.directory.Lookup(c.Session.ID)
	if err != nil {
		return
	}
	b.membership = r.membership(sess.ID, sess.Tags)
}

// membership lists the topic filters a session device receives.
func (r *Router) membership(id string, tags session.Tags) []pattern {
	topics := []string{r.topics.Screen(id), r.topics.All()}
	if tags.Category != "" {
		topics = append(topics, r.topics.Category(tags.Category))
	}
	if tags.SecondaryCategory != "" && tags.SecondaryCategory != tags.Category {
		topics = append(topics, r.topics.Category(tags.SecondaryCategory))
	}
	if tags.Zone != "" {
		topics = append(topics, r.topics.Zone(tags.Zone))
	}
	if tags.Room != "" {
		topics = append(topics, r.topics.Room(tags.Room))
	}
	topics = append(topics, r.topics.Alert("#"))

	out := make([]pattern, 0, len(topics))
	for _, t := range topics {
		p, err := compilePattern(t)
		if err != nil {
			// Tags that are not valid segments just do not get that topic.
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Router) sessionsMatching(topic string) []string {
	r.sessMu.RLock()
	var ids []string
	for id, b := range r.sessions {
		for _, p := range b.membership {
			if p.matches(topic) {
				ids = append(ids, id)
				break
			}
		}
	}
	r.sessMu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Router) dispatchLocal(ctx context.Context, msg Message) int {
	r.subMu.Lock()
	subs := r.subs
	r.subMu.Unlock()

	n := 0
	for _, s := range subs {
		if s.pattern.matches(msg.Topic) {
			s.handler(ctx, msg)
			n++
		}
	}
	return n
}

func (r *Router) publishBus(topic string, payload []byte, retained bool) error {
	if r.broker == nil {
		return nil
	}
	if !r.broker.IsConnected() {
		return ErrBrokerUnavailable
	}
	stamped, err := protocol.WithOrigin(payload, r.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("stamping origin: %w", err)
	}
	if err := r.broker.Publish(topic, stamped, r.cfg.QoS, retained); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return nil
}

func (r *Router) checkTopic(topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if !r.topics.Owns(topic) {
		return fmt.Errorf("%w: %q is outside root %q", ErrInvalidTopic, topic, r.topics.Root())
	}
	return nil
}

func (r *Router) isRetained(topic string) bool {
	for _, p := range r.retainedPatterns {
		if p.matches(topic) {
			return true
		}
	}
	return false
}

func (r *Router) storeRetained(topic string, payload []byte) {
	r.retainMu.Lock()
	r.retained[topic] = append([]byte(nil), payload...)
	r.retainMu.Unlock()
}

type retainedMessage struct {
	topic   string
	payload []byte
}

func (r *Router) retainedMatching(filters []pattern) []retainedMessage {
	r.retainMu.RLock()
	var out []retainedMessage
	for topic, payload := range r.retained {
		for _, p := range filters {
			if p.matches(topic) {
				out = append(out, retainedMessage{topic: topic, payload: append([]byte(nil), payload...)})
				break
			}
		}
	}
	r.retainMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].topic < out[j].topic })
	return out
}

func isJSONObject(payload []byte) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(payload, &obj) == nil && obj != nil
}
