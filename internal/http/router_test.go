package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/northtracker/addon/internal/coordinator"
	"github.com/micro-ha/northtracker/addon/internal/device"
	"github.com/micro-ha/northtracker/addon/internal/http/handlers"
	"github.com/micro-ha/northtracker/addon/internal/model"
	"github.com/micro-ha/northtracker/addon/internal/northtracker"
	"github.com/micro-ha/northtracker/addon/internal/poller"
)

var _ poller.Listener = (*handlers.Hub)(nil)

type fakeCoordinator struct {
	mu       sync.Mutex
	devices  device.Map
	changed  map[string]bool
	noData   bool
	err      error
	outputs  []string
	inputs   []string
	lowBatts []coordinator.LowBatteryUpdate
}

func (f *fakeCoordinator) Devices() device.Map { return f.devices }

func (f *fakeCoordinator) Lookup(key string) (device.Entity, error) {
	if f.noData {
		return nil, coordinator.ErrNoData
	}
	e, ok := f.devices[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coordinator.ErrUnknownDevice, key)
	}
	return e, nil
}

func (f *fakeCoordinator) Changed() []string {
	out := []string{}
	for _, key := range f.devices.Keys() {
		if f.changed[key] {
			out = append(out, key)
		}
	}
	return out
}

func (f *fakeCoordinator) HasChanged(key string) bool { return f.changed[key] }

func (f *fakeCoordinator) Status() coordinator.Status {
	return coordinator.Status{State: coordinator.StateIdle, LastCycle: "cycle-1", Devices: len(f.devices)}
}

func (f *fakeCoordinator) SetOutput(_ context.Context, key string, n int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.outputs = append(f.outputs, fmt.Sprintf("%s/%d/%t", key, n, on))
	return nil
}

func (f *fakeCoordinator) SetInputAlert(_ context.Context, key string, n int, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inputs = append(f.inputs, fmt.Sprintf("%s/%d/%t", key, n, enabled))
	return nil
}

func (f *fakeCoordinator) SetLowBatteryAlert(_ context.Context, _ string, update coordinator.LowBatteryUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.lowBatts = append(f.lowBatts, update)
	return nil
}

type fakePoller struct {
	mu       sync.Mutex
	triggers int
}

func (p *fakePoller) TriggerRefresh() {
	p.mu.Lock()
	p.triggers++
	p.mu.Unlock()
}

func (p *fakePoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggers
}

type fakeConfig struct{ configured bool }

func (c fakeConfig) Get() (model.TrackerConfig, bool) {
	return model.TrackerConfig{Username: "u", Password: "p"}, c.configured
}

type fakeKnown struct{}

func (fakeKnown) ListKnownDevices(context.Context) ([]model.KnownDevice, error) {
	return []model.KnownDevice{{Key: "1", Kind: device.KindUnit, Name: "Van"}}, nil
}

type testEnv struct {
	server *httptest.Server
	coord  *fakeCoordinator
	poller *fakePoller
	hub    *handlers.Hub
}

func newTestEnv(t *testing.T, configured bool, checkLogin handlers.CredentialChecker) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	van := device.New(device.Snapshot{
		"ID":          float64(1),
		"NameOnly":    "Van",
		"DeviceType":  "gps",
		"Din2Status":  "Off",
		"Dout1Status": "On",
	}, nil, logger, nil)

	coord := &fakeCoordinator{
		devices: device.Map{van.Key(): van},
		changed: map[string]bool{"1": true},
	}
	poller := &fakePoller{}
	hub := handlers.NewHub([]string{"*"}, logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	if checkLogin == nil {
		checkLogin = func(context.Context, string, string) error { return nil }
	}
	api := handlers.New(coord, poller, fakeConfig{configured: configured}, fakeKnown{}, checkLogin, hub, logger)
	server := httptest.NewServer(NewRouter(api, []string{"*"}))
	t.Cleanup(server.Close)
	return &testEnv{server: server, coord: coord, poller: poller, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, true, nil)

	status, body := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["configured"])

	status, body = env.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, "cycle-1", body["last_cycle"])
	assert.Equal(t, float64(1), body["devices"])
}

func TestListAndGetDevices(t *testing.T) {
	env := newTestEnv(t, true, nil)

	status, body := env.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, status)
	items, _ := body["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "1", item["key"])
	assert.Equal(t, "Van", item["name"])
	assert.Equal(t, true, item["changed"])
	assert.Equal(t, map[string]any{"2": false}, item["inputs"])

	status, body = env.do(t, http.MethodGet, "/api/devices/1", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unit", body["kind"])

	status, body = env.do(t, http.MethodGet, "/api/devices/9", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errorCode(body))
}

func TestListDevicesRequiresConfig(t *testing.T) {
	env := newTestEnv(t, false, nil)

	status, body := env.do(t, http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "integration_not_configured", errorCode(body))

	status, _ = env.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Zero(t, env.poller.count())
}

func TestLookupBeforeFirstCycle(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.coord.noData = true

	status, body := env.do(t, http.MethodGet, "/api/devices/1", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "no_data", errorCode(body))
}

func TestChanges(t *testing.T) {
	env := newTestEnv(t, true, nil)

	status, body := env.do(t, http.MethodGet, "/api/changes", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"1"}, body["changed"])
	assert.Equal(t, "cycle-1", body["cycle"])

	status, body = env.do(t, http.MethodGet, "/api/devices/1/changed", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["changed"])
}

func TestRefreshTriggersPoller(t *testing.T) {
	env := newTestEnv(t, true, nil)

	status, _ := env.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 1, env.poller.count())
}

func TestCommandsTriggerRefresh(t *testing.T) {
	env := newTestEnv(t, true, nil)

	status, _ := env.do(t, http.MethodPost, "/api/devices/1/outputs/1", `{"on":true}`)
	assert.Equal(t, http.StatusAccepted, status)
	status, _ = env.do(t, http.MethodPost, "/api/devices/1/inputs/2", `{"enabled":true}`)
	assert.Equal(t, http.StatusAccepted, status)
	status, _ = env.do(t, http.MethodPut, "/api/devices/1/low-battery", `{"threshold":11.5}`)
	assert.Equal(t, http.StatusAccepted, status)

	assert.Equal(t, []string{"1/1/true"}, env.coord.outputs)
	assert.Equal(t, []string{"1/2/true"}, env.coord.inputs)
	require.Len(t, env.coord.lowBatts, 1)
	assert.Nil(t, env.coord.lowBatts[0].Enabled)
	assert.InDelta(t, 11.5, *env.coord.lowBatts[0].Threshold, 1e-9)
	assert.Equal(t, 3, env.poller.count())
}

func TestCommandValidation(t *testing.T) {
	env := newTestEnv(t, true, nil)

	status, body := env.do(t, http.MethodPost, "/api/devices/1/outputs/x", `{"on":true}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_number", errorCode(body))

	status, body = env.do(t, http.MethodPost, "/api/devices/1/outputs/1", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", errorCode(body))

	assert.Zero(t, env.poller.count())
}

func TestCommandErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: x", coordinator.ErrUnknownDevice), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: x", coordinator.ErrUnsupported), http.StatusBadRequest, "unsupported"},
		{fmt.Errorf("%w: x", coordinator.ErrInvalidArgument), http.StatusBadRequest, "invalid_argument"},
		{fmt.Errorf("%w: x", coordinator.ErrCommandRejected), http.StatusBadGateway, "command_rejected"},
		{&northtracker.RateLimitError{}, http.StatusTooManyRequests, "rate_limit"},
		{&northtracker.APIError{Message: "down"}, http.StatusBadGateway, "cannot_connect"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			env := newTestEnv(t, true, nil)
			env.coord.err = tc.err

			status, body := env.do(t, http.MethodPost, "/api/devices/1/outputs/1", `{"on":false}`)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, errorCode(body))
			assert.Zero(t, env.poller.count())
		})
	}
}

func TestCheckCredentials(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"invalid_auth", &northtracker.AuthenticationError{Reason: "login rejected"}, http.StatusUnauthorized, "invalid_auth"},
		{"rate_limit", &northtracker.RateLimitError{}, http.StatusTooManyRequests, "rate_limit"},
		{"cannot_connect", &northtracker.APIError{Message: "timeout"}, http.StatusBadGateway, "cannot_connect"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotUser string
			env := newTestEnv(t, true, func(_ context.Context, username, _ string) error {
				gotUser = username
				return tc.err
			})

			status, body := env.do(t, http.MethodPost, "/api/auth/check", `{"username":" user@example.com ","password":"secret"}`)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, errorCode(body))
			assert.Equal(t, "user@example.com", gotUser)
		})
	}
}

func TestKnownDevices(t *testing.T) {
	env := newTestEnv(t, true, nil)

	status, body := env.do(t, http.MethodGet, "/api/known-devices", "")
	assert.Equal(t, http.StatusOK, status)
	items, _ := body["items"].([]any)
	assert.Len(t, items, 1)
}

func TestIngressPrefixIsStripped(t *testing.T) {
	env := newTestEnv(t, true, nil)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/hassio_ingress/abc/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Ingress-Path", "/api/hassio_ingress/abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamReceivesRefreshEvents(t *testing.T) {
	env := newTestEnv(t, true, nil)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.hub.OnRefresh(context.Background(), coordinator.Result{
		Cycle:   "cycle-2",
		Devices: env.coord.devices,
		Changed: []string{"1"},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event handlers.RefreshEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, handlers.RefreshEvent{Type: "refresh", Cycle: "cycle-2", Changed: []string{"1"}, Devices: 1}, event)
}
