package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/marchog-core/internal/infrastructure/config"
	"github.com/nerrad567/marchog-core/internal/infrastructure/logging"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
)

// Device session defaults, used when the config leaves a value at zero.
const (
	defaultSendBuffer      = 256
	defaultPingInterval    = 30 * time.Second
	defaultPongTimeout     = 10 * time.Second
	defaultRegisterTimeout = 10 * time.Second

	// closeWait bounds the close frame write on shutdown.
	closeWait = time.Second
)

// errRegisterFirst answers anything a device sends before registering.
var errRegisterFirst = errors.New("first message must be register")

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Devices are not browsers; origin is not meaningful here.
		return true
	},
}

// Hub tracks live device connections so they can be closed on shutdown.
type Hub struct {
	logger  *logging.Logger
	clients map[*deviceConn]struct{}
	mu      sync.RWMutex
}

// NewHub creates a new device connection hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*deviceConn]struct{}),
	}
}

// Run blocks until the context is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *deviceConn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("device connection opened", "connections", h.ClientCount())
}

// Unregister removes a connection from the hub and closes it.
func (h *Hub) Unregister(c *deviceConn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("device connection closed", "connections", h.ClientCount())
}

// ClientCount returns the number of open device connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll asks every connection to close. The handlers unregister them
// as their read loops end.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.close()
	}
}

// deviceConn is one device's WebSocket. It is the router.Sender bound to
// the device's session.
type deviceConn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newDeviceConn(conn *websocket.Conn, buffer int) *deviceConn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &deviceConn{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues payload for the write pump. It never blocks: a full buffer
// returns router.ErrBackpressure.
func (c *deviceConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return router.ErrSessionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return router.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return router.ErrBackpressure
	}
}

// close stops the write pump, which sends a close frame and closes the
// connection.
func (c *deviceConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// reject answers a message the core could not use with a negative ack.
// The session stays up.
func (c *deviceConn) reject(ackOf string, cause error) {
	if ackOf == "" {
		ackOf = "unknown"
	}
	payload, err := protocol.EncodeAt(&protocol.Ack{
		Header: protocol.Header{Source: "core"},
		AckOf:  ackOf,
		OK:     false,
		Error:  cause.Error(),
	}, time.Now())
	if err != nil {
		return
	}
	_ = c.Send(context.Background(), payload) //nolint:errcheck // best effort; a full buffer drops the ack
}

// writePump writes queued messages and keepalive pings until close.
func (c *deviceConn) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			//nolint:errcheck // Best-effort close message
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWait))
			return
		case message := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// sessionTimings resolves the WebSocket timings with defaults.
func sessionTimings(cfg config.WebSocketConfig) (ping, pong, register time.Duration) {
	ping, pong, register = defaultPingInterval, defaultPongTimeout, defaultRegisterTimeout
	if cfg.PingInterval > 0 {
		ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	if cfg.RegisterTimeout > 0 {
		register = time.Duration(cfg.RegisterTimeout) * time.Second
	}
	return ping, pong, register
}

// handleDeviceSocket runs one device session for its whole life.
//
// The first message must be register; anything else is answered with a
// negative ack until it arrives or the register timeout passes. The path
// id, when present, is the identity used if the register message carries
// none.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	fallbackID := chi.URLParam(r, "id")
	if fallbackID != "" && !mqtt.ValidSegment(fallbackID) {
		writeBadRequest(w, "invalid device id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if s.wsCfg.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	}

	ping, pong, registerTimeout := sessionTimings(s.wsCfg)
	dc := newDeviceConn(conn, s.wsCfg.SendBuffer)
	s.hub.Register(dc)
	defer s.hub.Unregister(dc)
	go dc.writePump(ping, pong)

	//nolint:errcheck // Best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	reg, err := awaitRegister(dc)
	if err != nil {
		s.logger.Info("device session closed before register", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := r.Context()
	handle, err := s.core.Connect(ctx, fallbackID, reg, dc)
	if err != nil {
		s.logger.Warn("device session rejected", "remote", r.RemoteAddr, "error", err)
		dc.reject(protocol.KindRegister.String(), err)
		return
	}
	defer s.core.Disconnect(context.WithoutCancel(ctx), handle.ID, dc)

	s.readLoop(ctx, dc, handle.ID, ping+pong)
}

// awaitRegister reads until a register message arrives.
func awaitRegister(dc *deviceConn) (*protocol.Register, error) {
	for {
		_, raw, err := dc.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			dc.reject(peekType(raw), err)
			continue
		}
		reg, ok := msg.(*protocol.Register)
		if !ok {
			dc.reject(msg.Kind().String(), errRegisterFirst)
			continue
		}
		return reg, nil
	}
}

// readLoop hands every message to the core until the connection ends.
// Malformed or refused messages are answered with a negative ack.
func (s *Server) readLoop(ctx context.Context, dc *deviceConn, id string, idle time.Duration) {
	//nolint:errcheck // Best-effort deadline
	dc.conn.SetReadDeadline(time.Now().Add(idle))
	dc.conn.SetPongHandler(func(string) error {
		return dc.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, raw, err := dc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("device session read error", "device_id", id, "error", err)
			} else {
				s.logger.Debug("device session closed", "device_id", id, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		dc.conn.SetReadDeadline(time.Now().Add(idle))

		msg, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Info("malformed device message dropped", "device_id", id, "error", err)
			dc.reject(peekType(raw), err)
			continue
		}
		if err := s.core.HandleMessage(ctx, id, msg, raw); err != nil {
			s.logger.Warn("device message refused", "device_id", id, "type", msg.Kind().String(), "error", err)
			dc.reject(msg.Kind().String(), err)
		}
	}
}

// peekType returns the envelope type of raw if it can be read at all.
func peekType(raw []byte) string {
	h, err := protocol.Peek(raw)
	if err != nil {
		return ""
	}
	return h.Type
}
