package core

import (
	"context"
	"fmt"

	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
)

// subscribeHandlers attaches the core's own router handlers: bus device
// presence, assignment requests and bus state reports.
func (c *Core) subscribeHandlers() error {
	handlers := []struct {
		kind    string
		handler router.Handler
	}{
		{mqtt.KindPresence, c.handlePresence},
		{mqtt.KindRequest, c.handleRequest},
		{mqtt.KindState, c.handleBusState},
	}
	for _, h := range handlers {
		sub, err := c.router.Subscribe(c.topics.Pattern(h.kind+"/+"), h.handler)
		if err != nil {
			return fmt.Errorf("subscribing %s handler: %w", h.kind, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// handlePresence registers bus-native devices. Session devices register
// through Connect; their presence echoes are ignored here.
//
// Replayed presence is stored state from the broker, not a device coming
// online, and never registers anything.
func (c *Core) handlePresence(ctx context.Context, msg router.Message) {
	if !msg.FromBus || msg.Replayed {
		return
	}
	_, id, ok := c.topics.Parse(msg.Topic)
	if !ok || !mqtt.ValidSegment(id) {
		return
	}
	decoded, err := protocol.Decode(msg.Payload)
	if err != nil {
		c.logger.Debug("malformed presence ignored", "topic", msg.Topic, "error", err)
		return
	}
	reg, ok := decoded.(*protocol.Register)
	if !ok {
		return
	}

	existing, lookupErr := c.registry.Lookup(id)
	if lookupErr == nil && existing.Transport == session.TransportSession && existing.Connected {
		// A live session owns this identity; a stale retained presence
		// from the broker must not steal it.
		return
	}

	tags := tagsFromRegister(reg)
	c.checkCategory(id, tags)
	handle, err := c.registry.Register(ctx, id, session.TransportBus, tags)
	if err != nil {
		c.logger.Warn("bus device registration failed", "device_id", id, "error", err)
		return
	}
	if handle.Reconnected && handle.Session.Assignment != nil {
		// The broker still holds its retained screen topic.
		return
	}
	if err := c.pushAssignment(ctx, id); err != nil {
		c.logger.Warn("bus device assignment not delivered", "device_id", id, "error", err)
	}
	c.logger.Info("bus device registered", "device_id", id, "reconnected", handle.Reconnected)
}

// handleRequest answers request_assignment from either transport.
func (c *Core) handleRequest(ctx context.Context, msg router.Message) {
	if msg.Replayed {
		return
	}
	_, id, ok := c.topics.Parse(msg.Topic)
	if !ok {
		return
	}
	if msg.FromBus {
		if err := c.registry.MarkSeen(id, c.clock.Now()); err != nil {
			return
		}
	}
	if err := c.pushAssignment(ctx, id); err != nil {
		c.logger.Warn("requested assignment not delivered", "device_id", id, "error", err)
	}
}

// handleBusState records activity from bus devices. Session devices are
// marked seen as their messages are read.
func (c *Core) handleBusState(_ context.Context, msg router.Message) {
	if !msg.FromBus || msg.Replayed {
		return
	}
	_, id, ok := c.topics.Parse(msg.Topic)
	if !ok {
		return
	}
	_ = c.registry.MarkSeen(id, c.clock.Now()) //nolint:errcheck // unknown bus devices are ignored
}

// listenBus feeds every broker message under the root into the router
// queue. Echoes of our own forwards are dropped by the router. The
// broker re-delivers retained topics on every (re)subscribe; those carry
// the retained flag so handlers can tell them from fresh messages.
func (c *Core) listenBus() error {
	qos := byte(c.cfg.MQTT.QoS) //nolint:gosec // validated to 0..2 by config
	err := c.bus.Subscribe(c.topics.Everything(), qos, func(msg mqtt.Message) error {
		return c.router.Ingest(router.Inbound{
			Origin:   router.OriginBus,
			Topic:    msg.Topic,
			Payload:  msg.Payload,
			Retained: msg.Retained,
		})
	})
	if err != nil {
		return fmt.Errorf("subscribing to bus: %w", err)
	}
	c.logger.Info("bus listener subscribed", "topic", c.topics.Everything())
	return nil
}
