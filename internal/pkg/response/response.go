// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	apierrors "github.com/aidchain/orchestrator/internal/pkg/errors"
)

// production controls whether error details are serialised. Set once at
// startup, before the server accepts traffic.
var production atomic.Bool

// SetProduction switches error responses to redacted mode.
func SetProduction(on bool) {
	production.Store(on)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing useful left to do.
		_ = err
	}
}

// Error writes an error response: a single safe message, plus details
// outside production.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)
	if production.Load() {
		apiErr = apiErr.Redacted()
	}
	JSON(w, apiErr.StatusCode, apiErr)
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Accepted writes a 202 Accepted response.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}
