// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteJobError renders a failure in the job envelope clients poll, with the
// numeric failure status code.
func WriteJobError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, status, map[string]any{
		"job": map[string]any{
			"status": 4,
			"error":  message,
		},
	})
}
