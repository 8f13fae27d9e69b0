package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/marchog-core/internal/protocol"
)

// Origin says which listener an inbound message came from.
type Origin int

const (
	// OriginSession is a message read from a device's WebSocket.
	OriginSession Origin = iota + 1

	// OriginBus is a message received from the MQTT broker.
	OriginBus
)

func (o Origin) String() string {
	switch o {
	case OriginSession:
		return "session"
	case OriginBus:
		return "bus"
	}
	return "unknown"
}

// Inbound is one message waiting in the router queue.
type Inbound struct {
	Origin Origin

	// DeviceID and Kind identify session messages; the router maps them
	// to the device's own topic.
	DeviceID string
	Kind     protocol.Kind

	// Topic is set for bus messages.
	Topic string

	Payload []byte

	// Retained marks a bus message the broker delivered from its
	// retained store. It is kept as retained state but reaches handlers
	// as a replay.
	Retained bool
}

// Ingest queues an inbound message without blocking. It returns
// ErrQueueFull when the consumer has fallen behind.
func (r *Router) Ingest(in Inbound) error {
	select {
	case r.queue <- in:
		return nil
	default:
		r.dropped.Add(1)
		r.logger.Warn("inbound queue full, dropping message",
			"origin", in.Origin.String(),
			"device_id", in.DeviceID,
			"topic", in.Topic,
		)
		return ErrQueueFull
	}
}

// IngestWait queues an inbound message, waiting for room while the
// queue is full. A session read loop calls it so a slow router pushes
// back on the device connection instead of losing its messages.
//
// Returns ctx.Err() if ctx ends before the message is queued.
func (r *Router) IngestWait(ctx context.Context, in Inbound) error {
	select {
	case r.queue <- in:
		return nil
	default:
	}
	r.logger.Debug("inbound queue full, waiting",
		"origin", in.Origin.String(),
		"device_id", in.DeviceID,
	)
	select {
	case r.queue <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the inbound queue until ctx is cancelled. Exactly one Run
// should be active per Router.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("router started", "queue_capacity", cap(r.queue))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopped")
			return nil
		case in := <-r.queue:
			if err := r.process(ctx, in); err != nil {
				r.logger.Warn("inbound message dropped",
					"origin", in.Origin.String(),
					"device_id", in.DeviceID,
					"topic", in.Topic,
					"error", err,
				)
			}
		}
	}
}

// process handles one inbound message. Exposed to tests through Run.
func (r *Router) process(ctx context.Context, in Inbound) error {
	switch in.Origin {
	case OriginSession:
		topic, err := r.InboundTopic(in.DeviceID, in.Kind)
		if err != nil {
			return err
		}
		rep, err := r.Publish(ctx, topic, in.Payload, PublishOptions{})
		if err != nil {
			return err
		}
		for _, f := range rep.Failures {
			if !errors.Is(f.Err, ErrBrokerUnavailable) {
				r.logger.Debug("inbound fan-out failure", "topic", topic, "recipient", f.Recipient, "error", f.Err)
			}
		}
		return nil

	case OriginBus:
		head, err := protocol.Peek(in.Payload)
		if err != nil {
			return err
		}
		if head.Origin != "" && head.Origin == r.cfg.NodeID {
			return nil
		}
		_, err = r.Publish(ctx, in.Topic, in.Payload, PublishOptions{FromBus: true, Replayed: in.Retained})
		return err
	}
	return fmt.Errorf("unknown inbound origin %d", in.Origin)
}

// InboundTopic maps a device message kind to the device's own topic.
func (r *Router) InboundTopic(deviceID string, kind protocol.Kind) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("%w: missing device id", ErrInvalidTopic)
	}
	switch kind {
	case protocol.KindRegister:
		return r.topics.Presence(deviceID), nil
	case protocol.KindHeartbeat:
		return r.topics.Heartbeat(deviceID), nil
	case protocol.KindStateReport:
		return r.topics.State(deviceID), nil
	case protocol.KindRequestAssignment:
		return r.topics.Request(deviceID), nil
	case protocol.KindUnknown, protocol.KindAssign, protocol.KindAlert, protocol.KindAck:
		return "", fmt.Errorf("%w: %s", ErrUnroutable, kind)
	}
	return "", fmt.Errorf("%w: %s", ErrUnroutable, kind)
}
