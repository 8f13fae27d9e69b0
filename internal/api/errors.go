package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/marchog-core/internal/automation"
	"github.com/nerrad567/marchog-core/internal/core"
	"github.com/nerrad567/marchog-core/internal/definitions"
	"github.com/nerrad567/marchog-core/internal/router"
	"github.com/nerrad567/marchog-core/internal/scene"
	"github.com/nerrad567/marchog-core/internal/session"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeUnavailable    = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeConflict writes a 409 error response.
func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, ErrCodeConflict, message)
}

// writeCoreError maps a core error onto a response. Errors the caller
// can act on get a 4xx; everything else is logged and returned as 500.
func (s *Server) writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, scene.ErrSceneNotFound),
		errors.Is(err, automation.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, automation.ErrDisabled):
		writeConflict(w, err.Error())
	case errors.Is(err, router.ErrInvalidTopic),
		errors.Is(err, router.ErrInvalidPayload),
		errors.Is(err, core.ErrInvalidAssignment),
		errors.Is(err, core.ErrInvalidTags):
		writeBadRequest(w, err.Error())
	case errors.Is(err, router.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, scene.ErrInvalidScene),
		errors.Is(err, scene.ErrDuplicateScene),
		errors.Is(err, automation.ErrInvalidAutomation),
		errors.Is(err, automation.ErrInvalidTrigger),
		errors.Is(err, automation.ErrInvalidAction),
		errors.Is(err, automation.ErrDuplicate),
		errors.Is(err, definitions.ErrInvalid),
		errors.Is(err, definitions.ErrUnknownScene):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	default:
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
	}
}
