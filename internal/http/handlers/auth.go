package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CheckCredentials tests a username and password against the vendor.
func (a *API) CheckCredentials(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	username := strings.TrimSpace(payload.Username)
	if username == "" || payload.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "username and password are required")
		return
	}

	err := a.checkLogin(r.Context(), username, payload.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case northtracker.IsAuthError(err):
		writeError(w, http.StatusUnauthorized, "invalid_auth", "Invalid username or password")
	case northtracker.IsRateLimitError(err):
		writeError(w, http.StatusTooManyRequests, "rate_limit", "Rate limited by the North-Tracker API")
	case northtracker.IsAPIError(err):
		writeError(w, http.StatusBadGateway, "cannot_connect", "Cannot connect to the North-Tracker API")
	default:
		a.logger.Error("unexpected error checking credentials", "username", username, "err", err)
		writeError(w, http.StatusInternalServerError, "unknown", "Unexpected error")
	}
}
