package device

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

const (
	// MaxNameLength bounds display names; longer names are cut and end in "...".
	MaxNameLength = 64
	// UnknownName replaces an empty vendor name.
	UnknownName = "Unknown Device"
)

var (
	inputStatusKey  = regexp.MustCompile(`^Din(\d+)Status$`)
	outputStatusKey = regexp.MustCompile(`^Dout(\d+)Status$`)
)

// DetailFetcher is the subset of the vendor client a device refreshes itself with.
type DetailFetcher interface {
	UnitDetails(ctx context.Context, id northtracker.UnitID, deviceType string) (northtracker.Response, error)
	LockStatus(ctx context.Context, id northtracker.UnitID) (northtracker.Response, error)
	UnitFeatures(ctx context.Context, imei string) (northtracker.Response, error)
}

// Device is one physical unit. The base snapshot is fixed at construction;
// the other snapshots are replaced as fresh data arrives and stay nil until
// the first successful fetch. The gps snapshot and the sensors derived from
// it only ever hold data merged during the current cycle.
type Device struct {
	fetcher DetailFetcher
	logger  *slog.Logger

	base    Snapshot
	inputs  []int
	outputs []int

	mu       sync.RWMutex
	extra    Snapshot
	lock     Snapshot
	features Snapshot
	gps      Snapshot
	sensors  []*BluetoothSensor

	// prevGPS is the last cycle's gps payload, used only for change detection.
	prevGPS Snapshot
}

// New builds a device from its unit-list record. When prev is the same unit
// from the previous cycle, its detail snapshots are carried forward so a
// failed fetch leaves the prior values in place. Its gps snapshot is kept
// only as the baseline UpdateGPS compares against.
func New(base Snapshot, fetcher DetailFetcher, logger *slog.Logger, prev *Device) *Device {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if base == nil {
		base = Snapshot{}
	}
	d := &Device{
		fetcher: fetcher,
		base:    base,
		inputs:  discoverIndices(base, inputStatusKey),
		outputs: discoverIndices(base, outputStatusKey),
	}
	d.logger = logger.With("device", d.Key())

	if prev != nil && prev.Key() == d.Key() {
		prev.mu.RLock()
		d.extra = prev.extra
		d.lock = prev.lock
		d.features = prev.features
		d.prevGPS = prev.gps
		prev.mu.RUnlock()
	}
	return d
}

func discoverIndices(base Snapshot, pattern *regexp.Regexp) []int {
	indices := []int{}
	for key := range base {
		match := pattern.FindStringSubmatch(key)
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices
}

// Update fetches the detail, lock and feature snapshots. Each fetch fails on
// its own without blocking the others. It reports whether any snapshot changed.
func (d *Device) Update(ctx context.Context) bool {
	if d.fetcher == nil {
		return false
	}
	id := d.ID()
	changed := false

	if data, ok := d.fetch("unit details", func() (northtracker.Response, error) {
		return d.fetcher.UnitDetails(ctx, id, d.DeviceType())
	}); ok {
		changed = d.replace(&d.extra, data) || changed
	}

	if data, ok := d.fetch("lock status", func() (northtracker.Response, error) {
		return d.fetcher.LockStatus(ctx, id)
	}); ok {
		changed = d.replace(&d.lock, data) || changed
	}

	if imei := d.IMEI(); imei != "" {
		if data, ok := d.fetch("unit features", func() (northtracker.Response, error) {
			return d.fetcher.UnitFeatures(ctx, imei)
		}); ok {
			changed = d.replace(&d.features, data) || changed
		}
	}

	d.logger.Debug("device details updated", "changed", changed)
	return changed
}

func (d *Device) fetch(what string, call func() (northtracker.Response, error)) (Snapshot, bool) {
	resp, err := call()
	if err != nil {
		d.logger.Warn("fetch failed", "what", what, "err", err)
		return nil, false
	}
	if !resp.Success {
		d.logger.Warn("fetch was not successful", "what", what)
		return nil, false
	}
	return Snapshot(resp.Object()), true
}

func (d *Device) replace(slot *Snapshot, next Snapshot) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if *slot != nil && reflect.DeepEqual(*slot, next) {
		return false
	}
	*slot = next
	return true
}

// UpdateGPS replaces the gps snapshot and re-reads the paired Bluetooth
// sensors it carries. It reports whether the payload differs from the last one.
func (d *Device) UpdateGPS(payload Snapshot) bool {
	if payload == nil {
		payload = Snapshot{}
	}
	d.mu.Lock()
	changed := d.prevGPS == nil || !reflect.DeepEqual(d.prevGPS, payload)
	d.gps = payload
	d.mu.Unlock()

	sensors := discoverSensors(d, payload)
	d.mu.Lock()
	d.sensors = sensors
	d.mu.Unlock()

	d.logger.Debug("gps data updated",
		"changed", changed,
		"has_position", d.HasPosition(),
		"bluetooth_sensors", len(sensors),
	)
	return changed
}

func (d *Device) snapshot(which func(*Device) Snapshot) Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return which(d)
}

func (d *Device) gpsData() Snapshot      { return d.snapshot(func(d *Device) Snapshot { return d.gps }) }
func (d *Device) extraData() Snapshot    { return d.snapshot(func(d *Device) Snapshot { return d.extra }) }
func (d *Device) lockData() Snapshot     { return d.snapshot(func(d *Device) Snapshot { return d.lock }) }
func (d *Device) featuresData() Snapshot { return d.snapshot(func(d *Device) Snapshot { return d.features }) }

// Base returns the unit-list record.
func (d *Device) Base() Snapshot { return d.base }

// HasGPS reports whether a gps snapshot was merged this cycle.
func (d *Device) HasGPS() bool { return d.gpsData() != nil }

// LostGPS reports whether the previous cycle had gps data and this one has none.
func (d *Device) LostGPS() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.prevGPS != nil && d.gps == nil
}

// HasDetails reports whether the unit-detail snapshot was fetched.
func (d *Device) HasDetails() bool { return d.extraData() != nil }

// HasLock reports whether the lock snapshot was fetched.
func (d *Device) HasLock() bool { return d.lockData() != nil }

// HasFeatures reports whether the features snapshot was fetched.
func (d *Device) HasFeatures() bool { return d.featuresData() != nil }

// ID is the vendor-assigned unit ID.
func (d *Device) ID() northtracker.UnitID { return northtracker.ParseUnitID(d.base["ID"]) }

// Key is the device map key.
func (d *Device) Key() string { return string(d.ID()) }

// Kind is "unit" for physical devices.
func (d *Device) Kind() string { return KindUnit }

// ParentKey is empty for physical devices.
func (d *Device) ParentKey() string { return "" }

// Available is true when the base record carries an ID.
func (d *Device) Available() bool { return d.ID() != "" }

// Name is the raw vendor name.
func (d *Device) Name() string { return str(d.base["NameOnly"]) }

// DisplayName is the validated name shown to the host.
func (d *Device) DisplayName() string { return ValidateName(d.Name()) }

func (d *Device) DeviceType() string { return str(d.base["DeviceType"]) }
func (d *Device) IMEI() string       { return str(d.base["Imei"]) }
func (d *Device) Model() string      { return str(d.base["GpsModel"]) }
func (d *Device) RegNr() string      { return str(d.base["RegNr"]) }
func (d *Device) LastSeen() string   { return str(d.base["LastSeen"]) }

// Odometer is the raw odometer reading, 0 when unreadable.
func (d *Device) Odometer() float64 {
	v, _ := number(d.base["Odometer"])
	return v
}

// BatteryVoltage converts the millivolt reading to volts.
func (d *Device) BatteryVoltage() (float64, bool) {
	mv, ok := number(d.base["BatteryVoltage"])
	if !ok {
		return 0, false
	}
	return mv / 1000, true
}

// GPSSignal is the unit-list GPS quality as a percentage.
func (d *Device) GPSSignal() int { return signalPercent(d.base["GPS"]) }

// NetworkSignal is the realtime network quality as a percentage.
func (d *Device) NetworkSignal() int { return signalPercent(d.gpsData()["NetworkQuality"]) }

func (d *Device) HasPosition() bool {
	v, _ := boolean(d.gpsData()["HasPosition"])
	return v
}

// Latitude is absent without a fix or outside [-90, 90].
func (d *Device) Latitude() (float64, bool) {
	return d.coordinate("Latitude", 90)
}

// Longitude is absent without a fix or outside [-180, 180].
func (d *Device) Longitude() (float64, bool) {
	return d.coordinate("Longitude", 180)
}

func (d *Device) coordinate(key string, limit float64) (float64, bool) {
	if !d.HasPosition() {
		return 0, false
	}
	raw := d.gpsData()[key]
	v, ok := number(raw)
	if !ok || v < -limit || v > limit {
		if raw != nil {
			d.logger.Debug("ignoring invalid coordinate", "field", key, "value", raw)
		}
		return 0, false
	}
	return v, true
}

func (d *Device) GPSAccuracy() int { return intOr(d.gpsData()["GPSAccuracy"], 0) }
func (d *Device) Speed() int       { return intOr(d.gpsData()["Speed"], 0) }

// Course is the heading in degrees; anything outside [0, 359] reads as 0.
func (d *Device) Course() int {
	course, ok := integer(d.gpsData()["Azimuth"])
	if !ok || course < 0 || course > 359 {
		return 0
	}
	return course
}

// InternalBattery is the tracker's own battery percentage.
func (d *Device) InternalBattery() (int, bool) {
	return percent(d.gpsData()["BatteryPercentage"])
}

func (d *Device) Locked() bool {
	v, _ := boolean(d.lockData()["lockedstatus"])
	return v
}

// Alarm mirrors the lock flag; the vendor reports both in one field.
func (d *Device) Alarm() bool { return d.Locked() }

func (d *Device) terminal() Snapshot { return object(d.extraData()["terminal"]) }

// ReportFrequency is the reporting interval in seconds, 0 when unknown.
func (d *Device) ReportFrequency() int { return intOr(d.terminal()["ReportFrequency"], 0) }

// BluetoothEnabled is absent until unit details include the flag.
func (d *Device) BluetoothEnabled() (bool, bool) {
	return boolean(d.terminal()["BluetoothEnabled"])
}

// LowBatteryAlertEnabled is absent until the features snapshot is fetched.
func (d *Device) LowBatteryAlertEnabled() (bool, bool) {
	return boolean(d.featuresData()["LowBatteryAlertEnabled"])
}

// LowBatteryThreshold is the alert voltage.
func (d *Device) LowBatteryThreshold() (float64, bool) {
	return number(d.featuresData()["LowBatteryThreshold"])
}

// AvailableInputs lists the digital inputs discovered at construction.
func (d *Device) AvailableInputs() []int { return append([]int(nil), d.inputs...) }

// AvailableOutputs lists the digital outputs discovered at construction.
func (d *Device) AvailableOutputs() []int { return append([]int(nil), d.outputs...) }

func (d *Device) HasInput(n int) bool  { return contains(d.inputs, n) }
func (d *Device) HasOutput(n int) bool { return contains(d.outputs, n) }

// InputStatus is true when input n reads "On".
func (d *Device) InputStatus(n int) bool {
	return str(d.base["Din"+strconv.Itoa(n)+"Status"]) == "On"
}

// OutputStatus is true when output n reads "On".
func (d *Device) OutputStatus(n int) bool {
	return str(d.base["Dout"+strconv.Itoa(n)+"Status"]) == "On"
}

// BluetoothSensors returns the sensors found in the current gps snapshot.
func (d *Device) BluetoothSensors() []*BluetoothSensor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*BluetoothSensor(nil), d.sensors...)
}

func contains(values []int, n int) bool {
	for _, v := range values {
		if v == n {
			return true
		}
	}
	return false
}

// ValidateName substitutes UnknownName for empty names and cuts long ones.
func ValidateName(name string) string {
	if name == "" {
		return UnknownName
	}
	runes := []rune(name)
	if len(runes) > MaxNameLength {
		return string(runes[:MaxNameLength-3]) + "..."
	}
	return name
}
