package session

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/marchog-core/internal/infrastructure/clock"
	"github.com/nerrad567/marchog-core/internal/location"
)

const maxIDLength = 128

// Logger defines the logging interface used by the Registry.
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

// Registry holds every known device session in memory and mirrors the
// durable fields to a Store.
//
// All public methods are thread-safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	layout   *location.Layout

	store  Store
	clock  clock.Clock
	logger Logger

	// notifyMu serialises subscriber calls.
	notifyMu    sync.Mutex
	subMu       sync.Mutex
	subscribers map[int]func(Change)
	nextSub     int
}

// NewRegistry creates an empty registry. store may be nil for a purely
// in-memory registry.
func NewRegistry(store Store) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		store:       store,
		clock:       clock.Real(),
		logger:      noopLogger{},
		subscribers: make(map[int]func(Change)),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(c clock.Clock) {
	r.clock = c
}

// SetLayout sets the room/zone layout used to fill in a missing room.
// A nil layout disables derivation. Existing sessions are not rewritten.
func (r *Registry) SetLayout(l *location.Layout) {
	r.mu.Lock()
	r.layout = l
	r.mu.Unlock()
}

// Load restores persisted sessions. Restored sessions are disconnected
// with unknown liveness. Sessions already in memory win over stored rows.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	r.mu.Lock()
	restored := 0
	for i := range stored {
		s := stored[i].DeepCopy()
		if _, exists := r.sessions[s.ID]; exists {
			continue
		}
		s.Connected = false
		s.Liveness = LivenessUnknown
		s.LastHeartbeat = nil
		s.Metrics = nil
		r.sessions[s.ID] = s
		restored++
	}
	r.mu.Unlock()

	r.logger.Info("sessions restored", "count", restored)
	return nil
}

// Register creates or re-binds a session.
//
// Parameters:
//   - ctx: Bounds the store write
//   - id: Caller-supplied identity; empty generates one
//   - transport: How the device is reached
//   - tags: Full replacement tag set
//
// Returns:
//   - Handle: The identity in use and whether it was already known
//   - error: ErrInvalidID or ErrInvalidTransport
func (r *Registry) Register(ctx context.Context, id string, transport Transport, tags Tags) (Handle, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := validateID(id); err != nil {
		return Handle{}, err
	}
	if !transport.Valid() {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalidTransport, transport)
	}

	now := r.clock.Now()

	r.mu.Lock()
	tags = r.normaliseTags(tags)
	existing, reconnected := r.sessions[id]
	var previous Tags
	if reconnected {
		previous = existing.Tags
		existing.Tags = tags
		existing.Transport = transport
		existing.Connected = true
		existing.LastSeen = now
	} else {
		existing = &Session{
			ID:        id,
			Transport: transport,
			Connected: true,
			Tags:      tags,
			FirstSeen: now,
			LastSeen:  now,
			Liveness:  LivenessUnknown,
		}
		r.sessions[id] = existing
	}
	snapshot := *existing.DeepCopy()
	r.mu.Unlock()

	if tags.Category != "" && !KnownCategory(tags.Category) {
		r.logger.Debug("device registered with custom category", "device_id", id, "category", tags.Category)
	}
	r.logger.Info("device registered",
		"device_id", id,
		"transport", string(transport),
		"reconnected", reconnected,
		"category", tags.Category,
		"zone", tags.Zone,
		"room", tags.Room,
	)

	r.persist(ctx, snapshot)
	r.notify(Change{Kind: ChangeRegistered, Session: snapshot, PreviousTags: previous})

	return Handle{ID: id, Reconnected: reconnected, Session: snapshot}, nil
}

// UpdateTags replaces the tags of a known session. Later dispatches
// resolve against the new tags.
func (r *Registry) UpdateTags(ctx context.Context, id string, tags Tags) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	previous := s.Tags
	s.Tags = r.normaliseTags(tags)
	s.LastSeen = r.clock.Now()
	snapshot := *s.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.notify(Change{Kind: ChangeTags, Session: snapshot, PreviousTags: previous})
	return nil
}

// Touch records a heartbeat: last seen, last heartbeat and metrics.
// Liveness transitions belong to the health monitor.
func (r *Registry) Touch(_ context.Context, hb Heartbeat) error {
	at := hb.At
	if at.IsZero() {
		at = r.clock.Now()
	}

	r.mu.Lock()
	s, ok := r.sessions[hb.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, hb.ID)
	}
	if at.After(s.LastSeen) {
		s.LastSeen = at
	}
	if s.LastHeartbeat == nil || at.After(*s.LastHeartbeat) {
		t := at
		s.LastHeartbeat = &t
	}
	if hb.Metrics != nil {
		s.Metrics = maps.Clone(hb.Metrics)
	}
	snapshot := *s.DeepCopy()
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeSeen, Session: snapshot})
	return nil
}

// MarkSeen records non-heartbeat activity from a device.
func (r *Registry) MarkSeen(id string, at time.Time) error {
	if at.IsZero() {
		at = r.clock.Now()
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if at.After(s.LastSeen) {
		s.LastSeen = at
	}
	snapshot := *s.DeepCopy()
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeSeen, Session: snapshot})
	return nil
}

// Lookup returns a deep copy of one session.
func (r *Registry) Lookup(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *s.DeepCopy(), nil
}

// Query returns the sorted identities whose tags satisfy match.
func (r *Registry) Query(match func(Tags) bool) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if match(s.Tags) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IDs returns every registered identity, sorted.
func (r *Registry) IDs() []string {
	return r.Query(func(Tags) bool { return true })
}

// List returns copies of every session sorted by identity.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s.DeepCopy())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of known sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot freezes the current identity and tag set. Resolving several
// targets against one View gives a consistent answer even while devices
// register concurrently.
func (r *Registry) Snapshot() *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := &View{entries: make([]viewEntry, 0, len(r.sessions))}
	for id, s := range r.sessions {
		v.entries = append(v.entries, viewEntry{id: id, tags: s.Tags})
	}
	sortEntries(v.entries)
	return v
}

// DeregisterTransport clears the live binding of a session. Tags and
// assignment are kept so the device stays addressable.
func (r *Registry) DeregisterTransport(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !s.Connected {
		r.mu.Unlock()
		return nil
	}
	s.Connected = false
	s.LastSeen = r.clock.Now()
	snapshot := *s.DeepCopy()
	r.mu.Unlock()

	r.logger.Info("device disconnected", "device_id", id)
	r.persist(ctx, snapshot)
	r.notify(Change{Kind: ChangeDisconnected, Session: snapshot})
	return nil
}

// SetAssignment stores a copy of a as the session's current assignment.
func (r *Registry) SetAssignment(ctx context.Context, id string, a Assignment) error {
	clone := a.Clone()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Assignment = &clone
	snapshot := *s.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.notify(Change{Kind: ChangeAssignment, Session: snapshot})
	return nil
}

// SetLiveness sets the liveness state and returns the previous one.
// Setting the current state again is a no-op without notification.
func (r *Registry) SetLiveness(id string, l Liveness) (Liveness, error) {
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLiveness, l)
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	previous := s.Liveness
	if previous == l {
		r.mu.Unlock()
		return previous, nil
	}
	s.Liveness = l
	snapshot := *s.DeepCopy()
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeLiveness, Session: snapshot})
	return previous, nil
}

// Subscribe registers fn for every later mutation and returns a function
// that removes it. fn runs on the mutating goroutine and must not call
// back into Subscribe.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subscribers, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) notify(c Change) {
	r.subMu.Lock()
	if len(r.subscribers) == 0 {
		r.subMu.Unlock()
		return
	}
	keys := make([]int, 0, len(r.subscribers))
	for k := range r.subscribers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(Change), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, r.subscribers[k])
	}
	r.subMu.Unlock()

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (r *Registry) persist(ctx context.Context, s Session) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, s); err != nil {
		r.logger.Warn("persisting session failed", "device_id", s.ID, "error", err)
	}
}

// normaliseTags trims whitespace and derives the room from the zone.
// Caller must hold r.mu.
func (r *Registry) normaliseTags(t Tags) Tags {
	t.Category = strings.TrimSpace(t.Category)
	t.SecondaryCategory = strings.TrimSpace(t.SecondaryCategory)
	t.Zone = strings.TrimSpace(t.Zone)
	t.Room = strings.TrimSpace(t.Room)
	t.Name = strings.TrimSpace(t.Name)
	if t.Room == "" && t.Zone != "" {
		if room, ok := r.layout.RoomForZone(t.Zone); ok {
			t.Room = room
		}
	}
	return t
}

func validateID(id string) error {
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIDLength)
	}
	if strings.ContainsAny(id, "/+# \t\n") {
		return fmt.Errorf("%w: %q contains a separator, wildcard or space", ErrInvalidID, id)
	}
	return nil
}

func sortEntries(entries []viewEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
}
