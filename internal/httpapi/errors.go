package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"stocksentry/internal/alerts"
)

// jsonError is the error payload of every non-2xx response.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Error: message, Details: details})
}

// writeDomainError maps engine errors onto HTTP statuses. Persistence
// failures are the store's fault, not the client's.
func writeDomainError(w http.ResponseWriter, err error) {
	var perr *alerts.PersistError
	switch {
	case errors.As(err, &perr):
		WriteJSONError(w, http.StatusBadGateway, "storage_unavailable", err.Error())
	case errors.Is(err, alerts.ErrUnknownChannel):
		WriteJSONError(w, http.StatusBadRequest, "unknown_channel", err.Error())
	default:
		WriteJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
