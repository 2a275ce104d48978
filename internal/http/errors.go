package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/roadside-dispatch/internal/auth"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// classify maps a domain error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, dispatch.ErrInvalidRoom), errors.Is(err, dispatch.ErrUnknownMessage):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, models.ErrJobNotFound), errors.Is(err, models.ErrProviderNotFound),
		errors.Is(err, models.ErrNotificationNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrJobTaken):
		return http.StatusConflict, "job_taken"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrDuplicateJobNumber):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).Error("request failed", "error", err)
		msg = "internal error"
	}
	var fields map[string]string
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		fields = ve.Fields
	}
	writeError(w, status, code, msg, fields)
}

func writeError(w http.ResponseWriter, status int, code, msg string, fields map[string]string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg, Fields: fields}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
