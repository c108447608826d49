// Package api provides HTTP handlers for the MindfulMe API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mindfulme/mindfulme/internal/chat"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errBodyTooLarge is returned by decodeJSON when the body exceeds the limit.
var errBodyTooLarge = errors.New("request body too large")

// decodeJSON reads at most maxBytes of the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeDecodeError maps a decodeJSON failure to 413 or 400.
func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, errBodyTooLarge.Error())
		return
	}
	Error(w, http.StatusBadRequest, "invalid request body")
}

// writeServiceError maps chat errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error, attrs ...any) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrUnauthorized):
		Error(w, http.StatusForbidden, "forbidden")
	default:
		slog.Error("Chat request failed", append(attrs, "error", err)...)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
