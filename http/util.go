package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stephnangue/secretbroker/backend/vault"
	"github.com/stephnangue/secretbroker/broker"
	"github.com/stephnangue/secretbroker/plugin"
)

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// respondError writes an error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, &ErrorResponse{Errors: []string{message}})
}

// respondErr maps a broker error to its status. Error texts carry paths and
// store messages, never secret values.
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, errorToStatusCode(err), err.Error())
}

// respondOk writes a successful JSON response with status 200.
func respondOk(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, data)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// errorToStatusCode maps errors to appropriate HTTP status codes.
func errorToStatusCode(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest), errors.Is(err, plugin.ErrInvalidName):
		return http.StatusBadRequest
	case vault.IsNotFound(err):
		return http.StatusNotFound
	case vault.IsConflict(err):
		return http.StatusConflict
	case vault.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, vault.ErrAuthentication), errors.Is(err, vault.ErrStore):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
