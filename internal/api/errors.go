package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
)

var (
	// ErrRateLimited indicates the client has exceeded the rate limit
	ErrRateLimited = errors.New("rate limit exceeded, please try again later")

	// ErrServerNotRunning indicates the server is not currently running
	ErrServerNotRunning = errors.New("server is not running")

	// ErrServerAlreadyRunning indicates the server is already running
	ErrServerAlreadyRunning = errors.New("server is already running")
)

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case telemetry.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, telemetry.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps store internals out of responses; only validation
// messages are shown verbatim.
func publicMessage(err error, status int) string {
	if status == http.StatusBadRequest {
		return err.Error()
	}
	if status == http.StatusServiceUnavailable {
		return telemetry.ErrSourceUnavailable.Error()
	}
	return http.StatusText(status)
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// writeJSONError writes a JSON-formatted error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
