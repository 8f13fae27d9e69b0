package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/marchog-core/internal/audit"
	"github.com/nerrad567/marchog-core/internal/automation"
	"github.com/nerrad567/marchog-core/internal/core"
	"github.com/nerrad567/marchog-core/internal/dispatch"
	"github.com/nerrad567/marchog-core/internal/infrastructure/config"
	"github.com/nerrad567/marchog-core/internal/infrastructure/logging"
	"github.com/nerrad567/marchog-core/internal/protocol"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/scene"
	"github.com/nerrad567/marchog-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the core surface the server exposes. *core.Core
// satisfies it.
type Controller interface {
	Connect(ctx context.Context, fallbackID string, reg *protocol.Register, sender router.Sender) (session.Handle, error)
	HandleMessage(ctx context.Context, id string, msg protocol.Message, raw []byte) error
	Disconnect(ctx context.Context, id string, sender router.Sender)

	ListSessions() []session.Session
	Session(id string) (session.Session, error)
	AssignSession(ctx context.Context, id string, a session.Assignment) (dispatch.Result, error)
	UpdateSessionTags(ctx context.Context, id string, patch core.TagPatch) (session.Session, error)

	Scenes() []scene.Scene
	ActiveScene() (scene.Active, bool)
	SceneHistory(ctx context.Context, limit int) ([]scene.Record, error)
	ActivateScene(ctx context.Context, id, source string) (scene.Activation, error)

	Automations() []automation.Automation
	NextFire(id string) (time.Time, bool)
	RunAutomation(ctx context.Context, id string) (automation.RunReport, error)

	PublishRaw(ctx context.Context, topic string, payload []byte) (router.Report, error)
	Reload(ctx context.Context) error
	Status() core.Status
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Core     Controller
	Version  string

	// Audit records operator commands. Nil disables the audit trail and
	// its endpoint.
	Audit audit.Repository
}

// Server is the HTTP API server for the Marchog core.
//
// It manages the HTTP listener, routes, middleware, and the device session
// hub. The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	core    Controller
	audit   audit.Repository
	version string
	started time.Time
	server  *http.Server
	hub     *Hub
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, core)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Core == nil {
		return nil, fmt.Errorf("core is required")
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		core:    deps.Core,
		audit:   deps.Audit,
		version: deps.Version,
		started: time.Now(),
		hub:     NewHub(deps.Logger),
	}, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns so a port conflict is
// reported to the caller; serving continues in a background goroutine
// until Close().
//
// Parameters:
//   - ctx: Parent of the server's background context
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("binding API listener: %w", err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Run starts the server and blocks until ctx ends, then shuts it down.
// It fits core.Run's service signature.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close gracefully shuts down the API server.
//
// Device sessions are closed first; HTTP requests then get up to 10
// seconds to complete.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
