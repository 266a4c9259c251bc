package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tiernaugh/MF252-sub001/internal/jobs"
	"github.com/tiernaugh/MF252-sub001/internal/spend"
)

type apiError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is a field-level request failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

var errBadJSON = errors.New("bad json")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status, body := mapError(err)
	if status == http.StatusInternalServerError && log != nil {
		log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func mapError(err error) (int, apiError) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, apiError{
			Code:    "validation_error",
			Message: "validation failed",
			Details: []FieldError{{Field: vErr.Field, Message: vErr.Message}},
		}
	}

	switch {
	case errors.Is(err, errBadJSON):
		return http.StatusBadRequest, apiError{Code: "bad_json", Message: err.Error()}
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, apiError{Code: "not_found", Message: "job not found"}
	case errors.Is(err, jobs.ErrInvalidJob), errors.Is(err, jobs.ErrInvalidSubscription), errors.Is(err, spend.ErrInvalidAmount):
		return http.StatusBadRequest, apiError{Code: "invalid_input", Message: err.Error()}
	case errors.Is(err, jobs.ErrDuplicateJob):
		return http.StatusConflict, apiError{Code: "duplicate", Message: "an episode for this period already exists"}
	case errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict, apiError{Code: "invalid_transition", Message: err.Error()}
	}
	return http.StatusInternalServerError, apiError{Code: "internal_error", Message: "server error"}
}
