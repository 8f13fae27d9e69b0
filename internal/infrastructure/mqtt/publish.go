package mqtt

import "fmt"

// maxPayloadSize caps a single message (1MB), in line with common broker limits.
const maxPayloadSize = 1 << 20

// Publish sends a message and waits for the broker acknowledgment.
//
// Parameters:
//   - topic: Destination topic, e.g. Topics.Screen("lobby-1")
//   - payload: JSON envelope, max 1MB
//   - qos: 0, 1 or 2
//   - retained: Whether the broker keeps it for future subscribers
//     (state, heartbeat, presence, per-screen assignments)
//
// Returns:
//   - error: ErrNotConnected while the broker is unreachable, or a wrapped
//     ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishDefault publishes with the configured QoS.
func (c *Client) PublishDefault(topic string, payload []byte, retained bool) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), retained)
}
