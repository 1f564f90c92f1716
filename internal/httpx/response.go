// Package httpx holds the small HTTP helpers shared by the admin API and
// the beacon/health endpoints: JSON response writers and the admin
// authentication middleware. Grounded
// on the JSON/Error helpers in the teacher's internal/api.Handler.
package httpx

import (
	"encoding/json"
	"net/http"
)

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response {"error": message}.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Success writes a JSON {"success": true, ...} response, the admin API's
// standard mutating-route shape, spec.md §4.6.
func Success(w http.ResponseWriter, extra map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	JSON(w, http.StatusOK, body)
}
