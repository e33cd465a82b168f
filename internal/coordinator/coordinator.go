package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/micro-ha/northtracker/addon/internal/device"
	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

// DefaultConcurrency bounds simultaneous per-device detail fetches.
const DefaultConcurrency = 5

// Client is the vendor API surface the coordinator drives.
type Client interface {
	device.DetailFetcher
	EnsureAuthenticated(ctx context.Context) error
	ListUnits(ctx context.Context) (northtracker.Response, error)
	RealtimeTracking(ctx context.Context) (northtracker.Response, error)
	SetOutput(ctx context.Context, id northtracker.UnitID, output int, on bool) (northtracker.Response, error)
	ToggleInputAlert(ctx context.Context, id northtracker.UnitID, input int) (northtracker.Response, error)
	SetLowBatteryAlert(ctx context.Context, imei string, enabled bool, threshold float64) (northtracker.Response, error)
}

type rateLimiter interface {
	RateLimit() northtracker.RateLimit
}

// State is the coordinator's position in the refresh cycle.
type State string

const (
	StateIdle                    State = "idle"
	StateAuthenticating          State = "authenticating"
	StateFetchingInventory       State = "fetching_inventory"
	StateFetchingRealtime        State = "fetching_realtime"
	StateFetchingPerDeviceDetail State = "fetching_per_device_detail"
	StateReconciling             State = "reconciling"
)

// Status is a point-in-time summary for the host.
type Status struct {
	State          State                   `json:"state"`
	LastCycle      string                  `json:"last_cycle,omitempty"`
	LastSuccessAt  *time.Time              `json:"last_success_at,omitempty"`
	LastFailureAt  *time.Time              `json:"last_failure_at,omitempty"`
	LastFailure    Kind                    `json:"last_failure,omitempty"`
	LastError      string                  `json:"last_error,omitempty"`
	ReauthRequired bool                    `json:"reauth_required"`
	Devices        int                     `json:"devices"`
	Changed        int                     `json:"changed"`
	DeviceTypes    []string                `json:"device_types"`
	RateLimit      *northtracker.RateLimit `json:"rate_limit,omitempty"`
}

// Result is what a successful cycle produced.
type Result struct {
	Cycle   string
	Devices device.Map
	Changed []string
}

type Options struct {
	DeviceTypes []string
	Concurrency int
	Logger      *slog.Logger
}

// Coordinator runs refresh cycles and owns the published device map and
// changed-set. A failed cycle leaves the last published data in place.
type Coordinator struct {
	client      Client
	logger      *slog.Logger
	concurrency int
	now         func() time.Time

	cycleMu sync.Mutex

	mu        sync.RWMutex
	state     State
	supported map[string]bool
	types     []string
	devices   device.Map
	changed   map[string]struct{}
	published bool
	status    Status
}

func New(client Client, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	c := &Coordinator{
		client:      client,
		logger:      logger.With("component", "coordinator"),
		concurrency: concurrency,
		now:         time.Now,
		state:       StateIdle,
		devices:     device.Map{},
		changed:     map[string]struct{}{},
	}
	c.SetDeviceTypes(opts.DeviceTypes)
	return c
}

// SetDeviceTypes replaces the supported device types; empty means "gps".
func (c *Coordinator) SetDeviceTypes(types []string) {
	supported := map[string]bool{}
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			supported[t] = true
		}
	}
	if len(supported) == 0 {
		supported["gps"] = true
	}
	list := make([]string, 0, len(supported))
	for t := range supported {
		list = append(list, t)
	}
	sort.Strings(list)

	c.mu.Lock()
	c.supported = supported
	c.types = list
	c.mu.Unlock()
}

func (c *Coordinator) isSupported(deviceType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supported[strings.ToLower(strings.TrimSpace(deviceType))]
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Refresh runs one cycle. Cycles never overlap; a second caller waits for
// the running cycle to finish before starting its own.
func (c *Coordinator) Refresh(ctx context.Context) (device.Map, error) {
	res, err := c.RefreshCycle(ctx)
	if err != nil {
		return nil, err
	}
	return res.Devices, nil
}

// RefreshCycle is Refresh plus the cycle ID and the keys that changed.
func (c *Coordinator) RefreshCycle(ctx context.Context) (res Result, err error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	cycle := uuid.NewString()
	logger := c.logger.With("cycle", cycle)
	started := c.now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("refresh panicked", "panic", r, "stack", string(debug.Stack()))
			err = c.fail(cycle, logger, fmt.Errorf("panic: %v", r))
			res = Result{}
		}
	}()

	res, err = c.run(ctx, cycle, logger)
	if err != nil {
		return Result{}, c.fail(cycle, logger, err)
	}
	logger.Info("refresh completed",
		"devices", len(res.Devices),
		"changed", len(res.Changed),
		"duration", c.now().Sub(started),
	)
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, cycle string, logger *slog.Logger) (Result, error) {
	c.mu.RLock()
	previous := c.devices
	c.mu.RUnlock()

	c.setState(StateAuthenticating)
	if err := c.client.EnsureAuthenticated(ctx); err != nil {
		return Result{}, err
	}

	c.setState(StateFetchingInventory)
	inventory, err := c.client.ListUnits(ctx)
	if err != nil {
		return Result{}, err
	}
	if !inventory.Success {
		return Result{}, &northtracker.APIError{Endpoint: "user/terminal/get-all-units-details", Message: "vendor reported failure"}
	}

	changed := cmap.New[struct{}]()
	units := map[string]*device.Device{}
	for _, raw := range inventory.List("units") {
		base := device.Snapshot(raw)
		key := string(northtracker.ParseUnitID(base["ID"]))
		if key == "" {
			logger.Warn("skipping unit without ID")
			continue
		}
		deviceType, _ := base["DeviceType"].(string)
		if !c.isSupported(deviceType) {
			logger.Info("skipping unsupported device type", "device", key, "device_type", deviceType)
			continue
		}
		prev, _ := previous.Unit(key)
		d := device.New(base, c.client, logger, prev)
		units[key] = d
		if prev == nil || !reflect.DeepEqual(prev.Base(), d.Base()) {
			changed.Set(key, struct{}{})
		}
	}
	logger.Debug("inventory fetched", "units", len(units))

	c.setState(StateFetchingRealtime)
	gpsChanged := c.mergeRealtime(ctx, logger, units)
	for key, d := range units {
		if d.LostGPS() {
			gpsChanged[key] = true
		}
	}
	for key := range gpsChanged {
		changed.Set(key, struct{}{})
	}

	devices := make(device.Map, len(units))
	for key, d := range units {
		devices[key] = d
	}
	for key, d := range units {
		for _, sensor := range d.BluetoothSensors() {
			sensorKey := sensor.Key()
			if _, exists := devices[sensorKey]; exists {
				logger.Warn("bluetooth sensor key collides with existing device", "key", sensorKey)
				continue
			}
			devices[sensorKey] = sensor
			if _, known := previous[sensorKey]; !known || gpsChanged[key] {
				changed.Set(sensorKey, struct{}{})
			}
		}
	}

	c.setState(StateFetchingPerDeviceDetail)
	c.updateDetails(ctx, logger, units, changed)

	c.setState(StateReconciling)
	keys := changed.Keys()
	sort.Strings(keys)
	c.publish(cycle, devices, keys)
	return Result{Cycle: cycle, Devices: devices, Changed: keys}, nil
}

// mergeRealtime attaches gps records to units by tracker ID. Any failure here
// leaves the cycle running without fresh gps data.
func (c *Coordinator) mergeRealtime(ctx context.Context, logger *slog.Logger, units map[string]*device.Device) map[string]bool {
	changed := map[string]bool{}
	resp, err := c.client.RealtimeTracking(ctx)
	if err != nil {
		logger.Warn("realtime tracking failed; continuing without gps", "err", err)
		return changed
	}
	if !resp.Success {
		logger.Warn("realtime tracking was not successful; continuing without gps")
		return changed
	}
	for _, record := range resp.List("gps") {
		key := string(northtracker.ParseUnitID(record["TrackerID"]))
		d, ok := units[key]
		if !ok {
			continue
		}
		if d.UpdateGPS(device.Snapshot(record)) {
			changed[key] = true
		}
	}
	return changed
}

func (c *Coordinator) updateDetails(ctx context.Context, logger *slog.Logger, units map[string]*device.Device, changed cmap.ConcurrentMap[string, struct{}]) {
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for key, d := range units {
		key, d := key, d
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("device update panicked", "device", key, "panic", r)
				}
			}()
			if d.Update(ctx) {
				changed.Set(key, struct{}{})
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) publish(cycle string, devices device.Map, changed []string) {
	set := make(map[string]struct{}, len(changed))
	for _, key := range changed {
		set[key] = struct{}{}
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = devices
	c.changed = set
	c.published = true
	c.state = StateIdle
	c.status.LastCycle = cycle
	c.status.LastSuccessAt = &now
	c.status.ReauthRequired = false
	c.status.Devices = len(devices)
	c.status.Changed = len(changed)
}

func (c *Coordinator) fail(cycle string, logger *slog.Logger, err error) error {
	kind := classify(err)
	cycleErr := &CycleError{Kind: kind, Err: err}
	switch kind {
	case KindAuth:
		logger.Error("refresh failed: authentication", "err", err)
	case KindRateLimit:
		logger.Warn("refresh failed: rate limited", "err", err)
	case KindAPI:
		logger.Error("refresh failed: api error", "err", err)
	default:
		logger.Error("refresh failed: unexpected error", "err", err)
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.status.LastCycle = cycle
	c.status.LastFailureAt = &now
	c.status.LastFailure = kind
	c.status.LastError = err.Error()
	c.status.ReauthRequired = kind == KindAuth
	return cycleErr
}

// HasChanged reports membership in the last completed cycle's changed-set.
func (c *Coordinator) HasChanged(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.changed[key]
	return ok
}

// Changed returns the last completed cycle's changed keys, sorted.
func (c *Coordinator) Changed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.changed))
	for key := range c.changed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Devices returns the last published device map.
func (c *Coordinator) Devices() device.Map {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(device.Map, len(c.devices))
	for key, e := range c.devices {
		out[key] = e
	}
	return out
}

// Lookup finds one entity in the last published map.
func (c *Coordinator) Lookup(key string) (device.Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.published {
		return nil, ErrNoData
	}
	e, ok := c.devices[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	return e, nil
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	status := c.status
	status.State = c.state
	status.DeviceTypes = append([]string(nil), c.types...)
	c.mu.RUnlock()

	if rl, ok := c.client.(rateLimiter); ok {
		snapshot := rl.RateLimit()
		status.RateLimit = &snapshot
	}
	return status
}
