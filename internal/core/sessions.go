package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
)

// sourceCore marks envelopes the core sends on its own behalf.
const sourceCore = "core"

// ErrUnexpectedKind is returned for outbound-only message kinds received
// from a device.
var ErrUnexpectedKind = errors.New("core: unexpected message kind from device")

// Connect registers a device that opened a session and binds sender to
// it.
//
// The device receives, in order: an ack of its register message, the
// retained messages matching its membership, and its current assignment
// if the replay did not already carry one. The current assignment is the
// one recorded on the session, else the one the active scene gives it.
//
// Parameters:
//   - ctx: Bounds the sends
//   - fallbackID: Identity used when the register message has none
//     (the WebSocket path id); empty generates one
//   - reg: The device's register message
//   - sender: Outbound side of the session
//
// Returns:
//   - session.Handle: The identity the device is known by
//   - error: Registration or bind failure; the session should close
func (c *Core) Connect(ctx context.Context, fallbackID string, reg *protocol.Register, sender router.Sender) (session.Handle, error) {
	id := strings.TrimSpace(reg.DeviceID)
	if id == "" {
		id = fallbackID
	}
	tags := tagsFromRegister(reg)
	c.checkCategory(id, tags)

	handle, err := c.registry.Register(ctx, id, session.TransportSession, tags)
	if err != nil {
		return session.Handle{}, err
	}

	ack, err := protocol.EncodeAt(&protocol.Ack{
		Header: protocol.Header{DeviceID: handle.ID, Source: sourceCore},
		AckOf:  protocol.KindRegister.String(),
		OK:     true,
	}, c.clock.Now())
	if err != nil {
		return session.Handle{}, err
	}
	if err := sender.Send(ctx, ack); err != nil {
		return session.Handle{}, fmt.Errorf("acknowledging register: %w", err)
	}

	replayed, err := c.router.BindSession(ctx, handle.ID, sender)
	if err != nil {
		return session.Handle{}, fmt.Errorf("binding session: %w", err)
	}
	screen := c.topics.Screen(handle.ID)
	hasAssignment := false
	for _, t := range replayed {
		if t == screen {
			hasAssignment = true
			break
		}
	}
	if !hasAssignment {
		if err := c.pushAssignment(ctx, handle.ID); err != nil {
			c.logger.Warn("initial assignment not delivered", "device_id", handle.ID, "error", err)
		}
	}

	c.forwardPresence(handle.ID, reg)

	c.logger.Info("device session connected",
		"device_id", handle.ID,
		"reconnected", handle.Reconnected,
		"category", tags.Category,
		"zone", tags.Zone,
		"room", handle.Session.Tags.Room,
		"replayed", len(replayed),
	)
	return handle, nil
}

// HandleMessage processes one message read from a bound session.
//
// Every message counts as activity. Device messages go onto the router
// queue, which maps them onto the device's topics; a register message
// mid-session also replaces the device's tags.
//
// Returns ErrUnexpectedKind for kinds only the core sends. While the
// router queue is full the call waits for room, which stalls the
// session's read loop rather than losing device messages.
func (c *Core) HandleMessage(ctx context.Context, id string, msg protocol.Message, raw []byte) error {
	if err := c.registry.MarkSeen(id, c.clock.Now()); err != nil {
		return err
	}

	switch m := msg.(type) {
	case *protocol.Register:
		tags := tagsFromRegister(m)
		c.checkCategory(id, tags)
		if err := c.registry.UpdateTags(ctx, id, tags); err != nil {
			return err
		}
		c.forwardPresence(id, m)
		return nil
	case *protocol.Heartbeat, *protocol.StateReport, *protocol.RequestAssignment:
		return c.router.IngestWait(ctx, router.Inbound{
			Origin:   router.OriginSession,
			DeviceID: id,
			Kind:     msg.Kind(),
			Payload:  raw,
		})
	case *protocol.Ack:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedKind, msg.Kind())
}

// Disconnect releases a session. A newer session that already replaced
// sender keeps the device connected.
func (c *Core) Disconnect(ctx context.Context, id string, sender router.Sender) {
	if !c.router.UnbindSession(id, sender) {
		return
	}
	if err := c.registry.DeregisterTransport(ctx, id); err != nil {
		c.logger.Warn("deregistering session failed", "device_id", id, "error", err)
		return
	}
	c.logger.Info("device session disconnected", "device_id", id)
}

// pushAssignment sends a device its current assignment.
func (c *Core) pushAssignment(ctx context.Context, id string) error {
	s, err := c.registry.Lookup(id)
	if err != nil {
		return err
	}

	var (
		a      session.Assignment
		source = sourceCore
	)
	switch {
	case s.Assignment != nil:
		a = *s.Assignment
	default:
		sceneAssignment, ok := c.scenes.AssignmentFor(id, s.Tags)
		if !ok {
			return nil
		}
		a = sceneAssignment
		if active, ok := c.scenes.Active(); ok {
			source = "scene:" + active.SceneID
		}
	}

	payload, err := c.dispatcher.Envelope(id, source, a)
	if err != nil {
		return err
	}
	deliverErr := c.router.Deliver(ctx, id, c.topics.Screen(id), payload)
	if s.Assignment == nil {
		if err := c.registry.SetAssignment(ctx, id, a); err != nil {
			c.logger.Warn("recording assignment failed", "device_id", id, "error", err)
		}
	}
	return deliverErr
}

// forwardPresence publishes the device's register envelope on its
// presence topic for bus observers.
func (c *Core) forwardPresence(id string, reg *protocol.Register) {
	out := *reg
	out.DeviceID = id
	payload, err := protocol.EncodeAt(&out, c.clock.Now())
	if err != nil {
		c.logger.Warn("encoding presence failed", "device_id", id, "error", err)
		return
	}
	if err := c.router.Ingest(router.Inbound{
		Origin:   router.OriginSession,
		DeviceID: id,
		Kind:     protocol.KindRegister,
		Payload:  payload,
	}); err != nil {
		c.logger.Warn("presence not forwarded", "device_id", id, "error", err)
	}
}

func (c *Core) checkCategory(id string, tags session.Tags) {
	for _, cat := range []string{tags.Category, tags.SecondaryCategory} {
		if cat != "" && !session.KnownCategory(cat) {
			c.logger.Info("device uses a category outside the catalogue", "device_id", id, "category", cat)
		}
	}
}

func tagsFromRegister(reg *protocol.Register) session.Tags {
	category := reg.Category
	if category == "" {
		category = reg.DeviceType
	}
	return session.Tags{
		Category:          category,
		SecondaryCategory: reg.SecondaryCategory,
		Zone:              reg.Zone,
		Room:              reg.Room,
		Name:              reg.Name,
	}
}
