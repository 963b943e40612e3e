package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Veraticus/mriseg/internal/apperr"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

// StatusFor maps an error kind onto an HTTP status code.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.InvalidArgument, apperr.OutOfRange, apperr.UnsupportedFormat:
		return http.StatusBadRequest
	case apperr.ResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)

	detail := apperr.Message(err)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		// Unclassified errors never leak internals.
		detail = "Internal server error"
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Request failed",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("kind", kind.String()),
			slog.Any("error", err),
		)
	} else {
		s.logger.DebugContext(r.Context(), "Request rejected",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("kind", kind.String()),
			slog.String("detail", detail),
		)
	}

	writeJSON(w, status, errorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
