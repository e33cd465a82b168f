package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/micro-ha/northtracker/addon/internal/coordinator"
	"github.com/micro-ha/northtracker/addon/internal/device"
	"github.com/micro-ha/northtracker/addon/internal/model"
)

// Poller triggers an asynchronous refresh cycle.
type Poller interface {
	TriggerRefresh()
}

// ConfigProvider exposes the current integration config status.
type ConfigProvider interface {
	Get() (model.TrackerConfig, bool)
}

// Coordinator is the read and command surface of the refresh coordinator.
type Coordinator interface {
	Devices() device.Map
	Lookup(key string) (device.Entity, error)
	Changed() []string
	HasChanged(key string) bool
	Status() coordinator.Status
	SetOutput(ctx context.Context, key string, n int, on bool) error
	SetInputAlert(ctx context.Context, key string, n int, enabled bool) error
	SetLowBatteryAlert(ctx context.Context, key string, update coordinator.LowBatteryUpdate) error
}

// KnownDevices lists every key recorded by previous cycles.
type KnownDevices interface {
	ListKnownDevices(ctx context.Context) ([]model.KnownDevice, error)
}

// CredentialChecker attempts a login without touching the running session.
type CredentialChecker func(ctx context.Context, username, password string) error

// API groups HTTP handlers and dependencies.
type API struct {
	coordinator Coordinator
	poller      Poller
	config      ConfigProvider
	known       KnownDevices
	checkLogin  CredentialChecker
	hub         *Hub
	logger      *slog.Logger
}

// New creates HTTP handlers with explicit dependencies.
func New(
	coord Coordinator,
	poller Poller,
	config ConfigProvider,
	known KnownDevices,
	checkLogin CredentialChecker,
	hub *Hub,
	logger *slog.Logger,
) *API {
	return &API{
		coordinator: coord,
		poller:      poller,
		config:      config,
		known:       known,
		checkLogin:  checkLogin,
		hub:         hub,
		logger:      logger,
	}
}

// Logger returns request logger used by HTTP middleware.
func (a *API) Logger() *slog.Logger {
	return a.logger
}

// Health reports service liveness and integration config status.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	_, configured := a.config.Get()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "configured": configured})
}

type statusResponse struct {
	Configured bool `json:"configured"`
	coordinator.Status
}

// Status reports coordinator state, last outcome and rate-limit usage.
func (a *API) Status(w http.ResponseWriter, _ *http.Request) {
	_, configured := a.config.Get()
	writeJSON(w, http.StatusOK, statusResponse{Configured: configured, Status: a.coordinator.Status()})
}

// Refresh triggers immediate poll cycle asynchronously.
func (a *API) Refresh(w http.ResponseWriter, _ *http.Request) {
	if _, ok := a.config.Get(); !ok {
		writeError(w, http.StatusConflict, "integration_not_configured", "Integration not configured")
		return
	}
	a.poller.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// ListKnownDevices returns the persisted device registry.
func (a *API) ListKnownDevices(w http.ResponseWriter, r *http.Request) {
	items, err := a.known.ListKnownDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
