package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Device sessions
	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws/device"
	}
	wsPath = "/" + strings.Trim(wsPath, "/")
	r.Get(wsPath, s.handleDeviceSocket)
	r.Get(wsPath+"/{id}", s.handleDeviceSocket)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/metrics", s.handleMetrics)
			r.Get("/device-types", s.handleDeviceTypes)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Get("/{id}", s.handleGetSession)
				r.Post("/{id}/assign", s.handleAssignSession)
				r.Patch("/{id}/tags", s.handleUpdateSessionTags)
			})

			r.Route("/scenes", func(r chi.Router) {
				r.Get("/", s.handleListScenes)
				r.Get("/active", s.handleActiveScene)
				r.Get("/history", s.handleSceneHistory)
				r.Post("/{id}/activate", s.handleActivateScene)
			})

			r.Route("/automations", func(r chi.Router) {
				r.Get("/", s.handleListAutomations)
				r.Post("/{id}/run", s.handleRunAutomation)
			})

			r.Post("/bus/publish", s.handlePublish)
			r.Post("/reload", s.handleReload)
			r.Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the server health status with a core summary.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"core":    s.core.Status(),
	})
}
