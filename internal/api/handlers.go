package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/marchog-core/internal/audit"
	"github.com/nerrad567/marchog-core/internal/automation"
	"github.com/nerrad567/marchog-core/internal/core"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/session"
)

// History paging limits.
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// maxQueryParamLen limits query parameter length to prevent DoS via oversized URL params.
const maxQueryParamLen = 100

// failureJSON is a router.Failure with the error flattened for clients.
type failureJSON struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

func failuresJSON(in []router.Failure) []failureJSON {
	out := make([]failureJSON, 0, len(in))
	for _, f := range in {
		out = append(out, failureJSON{Recipient: f.Recipient, Error: f.Err.Error()})
	}
	return out
}

// ─── Sessions ───────────────────────────────────────────────────────

// handleListSessions returns the session snapshot.
//
// Query parameters:
//   - category: only devices in this primary or secondary category
//   - connected: "true" or "false"
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := q.Get("category")
	if len(category) > maxQueryParamLen {
		writeBadRequest(w, "category exceeds maximum length")
		return
	}
	var connected *bool
	if v := q.Get("connected"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "connected must be true or false")
			return
		}
		connected = &b
	}

	sessions := s.core.ListSessions()
	out := make([]session.Session, 0, len(sessions))
	for _, sess := range sessions {
		if category != "" && sess.Tags.Category != category && sess.Tags.SecondaryCategory != category {
			continue
		}
		if connected != nil && sess.Connected != *connected {
			continue
		}
		out = append(out, sess)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.core.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// assignRequest is the body of POST /sessions/{id}/assign.
type assignRequest struct {
	Content string         `json:"content"`
	Params  map[string]any `json:"params,omitempty"`
}

// handleAssignSession sends one device an assignment outside any scene.
func (s *Server) handleAssignSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	res, err := s.core.AssignSession(r.Context(), id, session.Assignment{Content: req.Content, Params: req.Params})
	entry := audit.Entry{Action: audit.ActionAssign, EntityType: audit.EntitySession, EntityID: id}
	if err != nil {
		s.recordCommand(r, entry, err)
		s.writeCoreError(w, r, err)
		return
	}
	entry.Details = map[string]any{
		"batch_id": res.BatchID,
		"content":  req.Content,
		"failures": len(res.Failures),
	}
	s.recordCommand(r, entry, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"batch_id":  res.BatchID,
		"content":   req.Content,
		"delivered": len(res.Delivered) > 0,
		"failures":  failuresJSON(res.Failures),
	})
}

// handleUpdateSessionTags changes a device's category, zone, room or
// name. Fields left out of the body are kept.
func (s *Server) handleUpdateSessionTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch core.TagPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	sess, err := s.core.UpdateSessionTags(r.Context(), id, patch)
	entry := audit.Entry{Action: audit.ActionUpdateTags, EntityType: audit.EntitySession, EntityID: id}
	if err != nil {
		s.recordCommand(r, entry, err)
		s.writeCoreError(w, r, err)
		return
	}
	entry.Details = map[string]any{
		"category": sess.Tags.Category,
		"zone":     sess.Tags.Zone,
		"room":     sess.Tags.Room,
	}
	s.recordCommand(r, entry, nil)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeviceTypes(w http.ResponseWriter, _ *http.Request) {
	types := session.Catalogue()
	writeJSON(w, http.StatusOK, map[string]any{"device_types": types, "count": len(types)})
}

// ─── Scenes ─────────────────────────────────────────────────────────

func (s *Server) handleListScenes(w http.ResponseWriter, _ *http.Request) {
	scenes := s.core.Scenes()
	active := ""
	if a, ok := s.core.ActiveScene(); ok {
		active = a.SceneID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scenes": scenes,
		"count":  len(scenes),
		"active": active,
	})
}

func (s *Server) handleActiveScene(w http.ResponseWriter, _ *http.Request) {
	a, ok := s.core.ActiveScene()
	if !ok {
		writeNotFound(w, "no scene is active")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleSceneHistory returns recent activations, newest first.
//
// Query parameters:
//   - limit: number of records (default 20, max 500)
func (s *Server) handleSceneHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := s.core.SceneHistory(r.Context(), limit)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records, "count": len(records)})
}

// activationResponse is a scene.Activation with its failures readable.
type activationResponse struct {
	SceneID      string        `json:"scene_id"`
	BatchID      string        `json:"batch_id"`
	Previous     string        `json:"previous_scene_id,omitempty"`
	Source       string        `json:"source"`
	Redispatch   bool          `json:"redispatch"`
	Recipients   []string      `json:"recipients"`
	Delivered    []string      `json:"delivered"`
	Failures     []failureJSON `json:"failures"`
	EmptyTargets []string      `json:"empty_targets,omitempty"`
	ActivatedAt  time.Time     `json:"activated_at"`
}

func (s *Server) handleActivateScene(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	act, err := s.core.ActivateScene(r.Context(), id, core.SourceAPI)
	entry := audit.Entry{Action: audit.ActionActivateScene, EntityType: audit.EntityScene, EntityID: id}
	if err != nil {
		s.recordCommand(r, entry, err)
		s.writeCoreError(w, r, err)
		return
	}
	entry.Details = map[string]any{
		"batch_id":   act.BatchID,
		"recipients": len(act.Recipients),
		"failures":   len(act.Failures),
		"redispatch": act.Redispatch,
	}
	s.recordCommand(r, entry, nil)
	s.logger.Info("scene activated over API",
		"scene_id", id,
		"subject", r.Context().Value(ctxKeySubject),
		"recipients", len(act.Recipients),
		"failures", len(act.Failures),
	)
	writeJSON(w, http.StatusOK, activationResponse{
		SceneID:      act.SceneID,
		BatchID:      act.BatchID,
		Previous:     act.Previous,
		Source:       act.Source,
		Redispatch:   act.Redispatch,
		Recipients:   act.Recipients,
		Delivered:    act.Delivered,
		Failures:     failuresJSON(act.Failures),
		EmptyTargets: act.EmptyTargets,
		ActivatedAt:  act.ActivatedAt,
	})
}

// ─── Automations ────────────────────────────────────────────────────

// automationView adds the next scheduled fire time to an automation.
type automationView struct {
	automation.Automation
	NextFire *time.Time `json:"next_fire,omitempty"`
}

func (s *Server) handleListAutomations(w http.ResponseWriter, _ *http.Request) {
	autos := s.core.Automations()
	out := make([]automationView, 0, len(autos))
	for _, a := range autos {
		v := automationView{Automation: a}
		if next, ok := s.core.NextFire(a.ID); ok {
			v.NextFire = &next
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"automations": out, "count": len(out)})
}

func (s *Server) handleRunAutomation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.core.RunAutomation(r.Context(), id)
	entry := audit.Entry{Action: audit.ActionRunAutomation, EntityType: audit.EntityAutomation, EntityID: id}
	if err != nil {
		s.recordCommand(r, entry, err)
		s.writeCoreError(w, r, err)
		return
	}
	entry.Details = map[string]any{"actions": len(report.Results), "ok": report.OK()}
	s.recordCommand(r, entry, nil)
	writeJSON(w, http.StatusOK, map[string]any{"report": report, "ok": report.OK()})
}

// ─── Bus ────────────────────────────────────────────────────────────

// publishRequest is the body of POST /bus/publish.
type publishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeBadRequest(w, "topic is required")
		return
	}
	if len(req.Payload) == 0 {
		writeBadRequest(w, "payload is required")
		return
	}

	rep, err := s.core.PublishRaw(r.Context(), req.Topic, req.Payload)
	entry := audit.Entry{Action: audit.ActionPublish, EntityType: audit.EntityTopic, EntityID: req.Topic}
	if err != nil {
		s.recordCommand(r, entry, err)
		s.writeCoreError(w, r, err)
		return
	}
	entry.EntityID = rep.Topic
	entry.Details = map[string]any{"delivered": len(rep.Delivered), "failures": len(rep.Failures)}
	s.recordCommand(r, entry, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":     rep.Topic,
		"handlers":  rep.Handlers,
		"delivered": rep.Delivered,
		"bus":       rep.Bus,
		"failures":  failuresJSON(rep.Failures),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	err := s.core.Reload(r.Context())
	s.recordCommand(r, audit.Entry{Action: audit.ActionReload, EntityType: audit.EntityDefinitions}, err)
	if err != nil {
		if errors.Is(err, core.ErrNoDefinitions) {
			writeConflict(w, err.Error())
			return
		}
		// The previous definitions stay in force.
		s.logger.Warn("reload rejected", "error", err)
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "reloaded",
		"scenes":      len(s.core.Scenes()),
		"automations": len(s.core.Automations()),
	})
}
