package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/micro-ha/northtracker/addon/internal/coordinator"
	"github.com/micro-ha/northtracker/addon/internal/device"
	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

type deviceItem struct {
	device.View
	Changed bool `json:"changed"`
}

// ListDevices returns a view of every entity in the last published map.
func (a *API) ListDevices(w http.ResponseWriter, _ *http.Request) {
	if _, ok := a.config.Get(); !ok {
		writeError(w, http.StatusConflict, "integration_not_configured", "Integration not configured")
		return
	}
	devices := a.coordinator.Devices()
	items := make([]deviceItem, 0, len(devices))
	for _, key := range devices.Keys() {
		items = append(items, deviceItem{View: device.ViewOf(devices[key]), Changed: a.coordinator.HasChanged(key)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetDevice returns one entity by key.
func (a *API) GetDevice(w http.ResponseWriter, _ *http.Request, key string) {
	e, err := a.coordinator.Lookup(key)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceItem{View: device.ViewOf(e), Changed: a.coordinator.HasChanged(key)})
}

// ListChanges returns the changed-set of the last completed cycle.
func (a *API) ListChanges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cycle":   a.coordinator.Status().LastCycle,
		"changed": a.coordinator.Changed(),
	})
}

// DeviceChanged reports whether key changed in the last completed cycle.
func (a *API) DeviceChanged(w http.ResponseWriter, _ *http.Request, key string) {
	if _, err := a.coordinator.Lookup(key); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "changed": a.coordinator.HasChanged(key)})
}

// SetOutput switches one digital output and schedules a refresh.
func (a *API) SetOutput(w http.ResponseWriter, r *http.Request, key, rawNumber string) {
	n, ok := parseNumber(w, rawNumber)
	if !ok {
		return
	}
	var payload struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.On == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", `Expected {"on": bool}`)
		return
	}
	if err := a.coordinator.SetOutput(r.Context(), key, n, *payload.On); err != nil {
		a.logger.Warn("set output failed", "device", key, "output", n, "err", err)
		writeCommandError(w, err)
		return
	}
	a.poller.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// SetInputAlert enables or disables the alert on one digital input and
// schedules a refresh.
func (a *API) SetInputAlert(w http.ResponseWriter, r *http.Request, key, rawNumber string) {
	n, ok := parseNumber(w, rawNumber)
	if !ok {
		return
	}
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", `Expected {"enabled": bool}`)
		return
	}
	if err := a.coordinator.SetInputAlert(r.Context(), key, n, *payload.Enabled); err != nil {
		a.logger.Warn("set input alert failed", "device", key, "input", n, "err", err)
		writeCommandError(w, err)
		return
	}
	a.poller.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// SetLowBatteryAlert updates the low-battery alert and schedules a refresh.
func (a *API) SetLowBatteryAlert(w http.ResponseWriter, r *http.Request, key string) {
	var payload coordinator.LowBatteryUpdate
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if err := a.coordinator.SetLowBatteryAlert(r.Context(), key, payload); err != nil {
		a.logger.Warn("set low battery alert failed", "device", key, "err", err)
		writeCommandError(w, err)
		return
	}
	a.poller.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func parseNumber(w http.ResponseWriter, raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_number", "Port number must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNoData):
		writeError(w, http.StatusServiceUnavailable, "no_data", err.Error())
	case errors.Is(err, coordinator.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, coordinator.ErrUnsupported):
		writeError(w, http.StatusBadRequest, "unsupported", err.Error())
	case errors.Is(err, coordinator.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, coordinator.ErrCommandRejected):
		writeError(w, http.StatusBadGateway, "command_rejected", err.Error())
	case northtracker.IsAuthError(err):
		writeError(w, http.StatusBadGateway, "invalid_auth", err.Error())
	case northtracker.IsRateLimitError(err):
		writeError(w, http.StatusTooManyRequests, "rate_limit", err.Error())
	case northtracker.IsAPIError(err):
		writeError(w, http.StatusBadGateway, "cannot_connect", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "command_failed", err.Error())
	}
}
