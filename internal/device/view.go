package device

import (
	"sort"
	"time"
)

// Entity is anything stored in the device map.
type Entity interface {
	Key() string
	Kind() string
	ParentKey() string
	Available() bool
	DisplayName() string
}

// Map is the per-cycle device map keyed by vendor ID or sensor composite key.
type Map map[string]Entity

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Unit returns the physical device stored under key.
func (m Map) Unit(key string) (*Device, bool) {
	d, ok := m[key].(*Device)
	return d, ok
}

// Units returns the physical devices sorted by key.
func (m Map) Units() []*Device {
	out := make([]*Device, 0, len(m))
	for _, key := range m.Keys() {
		if d, ok := m[key].(*Device); ok {
			out = append(out, d)
		}
	}
	return out
}

// View is the JSON shape of an entity shared by the REST API and MQTT.
type View struct {
	Key       string `json:"key"`
	Kind      string `json:"kind"`
	ParentKey string `json:"parent_key,omitempty"`
	Name      string `json:"name"`
	Available bool   `json:"available"`

	DeviceType      string     `json:"device_type,omitempty"`
	IMEI            string     `json:"imei,omitempty"`
	Model           string     `json:"model,omitempty"`
	RegNr           string     `json:"reg_nr,omitempty"`
	LastSeen        string     `json:"last_seen,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	Odometer        *float64   `json:"odometer,omitempty"`
	BatteryVoltage  *float64   `json:"battery_voltage,omitempty"`
	GPSSignal       *int       `json:"gps_signal,omitempty"`
	NetworkSignal   *int       `json:"network_signal,omitempty"`
	HasPosition     *bool      `json:"has_position,omitempty"`
	Latitude        *float64   `json:"latitude,omitempty"`
	Longitude       *float64   `json:"longitude,omitempty"`
	GPSAccuracy     *int       `json:"gps_accuracy,omitempty"`
	Speed           *int       `json:"speed,omitempty"`
	Course          *int       `json:"course,omitempty"`
	InternalBattery *int       `json:"internal_battery,omitempty"`
	Locked          *bool      `json:"locked,omitempty"`
	Alarm           *bool      `json:"alarm,omitempty"`
	ReportFrequency *int       `json:"report_frequency,omitempty"`
	BluetoothOn     *bool      `json:"bluetooth_enabled,omitempty"`
	LowBatteryAlert *bool      `json:"low_battery_alert_enabled,omitempty"`
	LowBatteryLimit *float64   `json:"low_battery_threshold,omitempty"`

	Inputs  map[int]bool `json:"inputs,omitempty"`
	Outputs map[int]bool `json:"outputs,omitempty"`

	Temperature     *float64 `json:"temperature,omitempty"`
	Humidity        *float64 `json:"humidity,omitempty"`
	BatteryPercent  *int     `json:"battery_percentage,omitempty"`
	MagneticContact *bool    `json:"magnetic_contact_open,omitempty"`
}

// ViewOf renders e. Snapshot-backed fields are only set once their snapshot exists.
func ViewOf(e Entity) View {
	v := View{
		Key:       e.Key(),
		Kind:      e.Kind(),
		ParentKey: e.ParentKey(),
		Name:      e.DisplayName(),
		Available: e.Available(),
	}
	switch t := e.(type) {
	case *Device:
		fillUnit(&v, t)
	case *BluetoothSensor:
		fillSensor(&v, t)
	}
	return v
}

func fillUnit(v *View, d *Device) {
	v.DeviceType = d.DeviceType()
	v.IMEI = d.IMEI()
	v.Model = d.Model()
	v.RegNr = d.RegNr()
	v.LastSeen = d.LastSeen()
	v.LastSeenAt = optional(d.LastSeenAt())
	v.Odometer = ptr(d.Odometer())
	v.GPSSignal = ptr(d.GPSSignal())
	v.BatteryVoltage = optional(d.BatteryVoltage())

	if d.HasGPS() {
		v.HasPosition = ptr(d.HasPosition())
		v.NetworkSignal = ptr(d.NetworkSignal())
		v.Latitude = optional(d.Latitude())
		v.Longitude = optional(d.Longitude())
		v.GPSAccuracy = ptr(d.GPSAccuracy())
		v.Speed = ptr(d.Speed())
		v.Course = ptr(d.Course())
		v.InternalBattery = optional(d.InternalBattery())
	}
	if d.HasLock() {
		v.Locked = ptr(d.Locked())
		v.Alarm = ptr(d.Alarm())
	}
	if d.HasDetails() {
		v.ReportFrequency = ptr(d.ReportFrequency())
		v.BluetoothOn = optional(d.BluetoothEnabled())
	}
	if d.HasFeatures() {
		v.LowBatteryAlert = optional(d.LowBatteryAlertEnabled())
		v.LowBatteryLimit = optional(d.LowBatteryThreshold())
	}

	if inputs := d.AvailableInputs(); len(inputs) > 0 {
		v.Inputs = make(map[int]bool, len(inputs))
		for _, n := range inputs {
			v.Inputs[n] = d.InputStatus(n)
		}
	}
	if outputs := d.AvailableOutputs(); len(outputs) > 0 {
		v.Outputs = make(map[int]bool, len(outputs))
		for _, n := range outputs {
			v.Outputs[n] = d.OutputStatus(n)
		}
	}
}

func fillSensor(v *View, s *BluetoothSensor) {
	v.LastSeen = s.LastSeen()
	v.LastSeenAt = optional(s.LastSeenAt())
	v.Temperature = optional(s.Temperature())
	v.Humidity = optional(s.Humidity())
	v.BatteryPercent = optional(s.BatteryPercentage())
	v.MagneticContact = optional(s.MagneticContactOpen())
}

func ptr[T any](v T) *T { return &v }

func optional[T any](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}
