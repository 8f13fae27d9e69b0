package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/marchog-core/internal/audit"
)

// recordCommand writes an audit entry for an operator command. A failed
// command is recorded with its error; a failed write is logged and never
// affects the response.
func (s *Server) recordCommand(r *http.Request, entry audit.Entry, cmdErr error) {
	if s.audit == nil {
		return
	}
	if subject, ok := r.Context().Value(ctxKeySubject).(string); ok {
		entry.Subject = subject
	}
	entry.Outcome = audit.OutcomeOK
	if cmdErr != nil {
		entry.Outcome = audit.OutcomeFailed
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["error"] = cmdErr.Error()
	}
	if err := s.audit.Create(context.WithoutCancel(r.Context()), &entry); err != nil {
		s.logger.Warn("writing audit entry failed", "action", entry.Action, "error", err)
	}
}

// handleListAudit returns audited commands, most recent first.
//
// Query parameters:
//   - action: activate_scene, run_automation, publish or reload
//   - entity_type: scene, automation, topic or definitions
//   - entity_id: a scene id, automation id or topic
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit trail is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if len(filter.Action) > maxQueryParamLen || len(filter.EntityType) > maxQueryParamLen || len(filter.EntityID) > maxQueryParamLen {
		writeBadRequest(w, "query parameter exceeds maximum length")
		return
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
