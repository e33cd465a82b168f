package device

const (
	KindUnit      = "unit"
	KindBluetooth = "bluetooth"

	bleSensorsKey = "BleSensors"
)

// BluetoothSensor is a paired sensor reported inside a parent unit's gps
// snapshot. It owns no data; every read goes through the parent.
type BluetoothSensor struct {
	parent *Device
	serial string
}

// SensorKey is the device map key of a paired sensor.
func SensorKey(parentKey, serial string) string {
	return parentKey + "_bt_" + serial
}

func discoverSensors(parent *Device, gps Snapshot) []*BluetoothSensor {
	entries := objects(gps[bleSensorsKey])
	if len(entries) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(entries))
	sensors := make([]*BluetoothSensor, 0, len(entries))
	for _, entry := range entries {
		serial := str(entry["SerialNumber"])
		if serial == "" {
			parent.logger.Debug("skipping bluetooth sensor without serial number")
			continue
		}
		if seen[serial] {
			parent.logger.Warn("duplicate bluetooth sensor serial", "serial", serial)
			continue
		}
		seen[serial] = true
		sensors = append(sensors, &BluetoothSensor{parent: parent, serial: serial})
	}
	return sensors
}

func (s *BluetoothSensor) data() Snapshot {
	for _, entry := range objects(s.parent.gpsData()[bleSensorsKey]) {
		if str(entry["SerialNumber"]) == s.serial {
			return entry
		}
	}
	return nil
}

func (s *BluetoothSensor) Parent() *Device   { return s.parent }
func (s *BluetoothSensor) Serial() string    { return s.serial }
func (s *BluetoothSensor) Key() string       { return SensorKey(s.parent.Key(), s.serial) }
func (s *BluetoothSensor) Kind() string      { return KindBluetooth }
func (s *BluetoothSensor) ParentKey() string { return s.parent.Key() }

// Available follows the parent and requires the sensor to still be reported.
func (s *BluetoothSensor) Available() bool {
	return s.parent.Available() && s.data() != nil
}

// Name falls back to the serial number when the sensor is unnamed.
func (s *BluetoothSensor) Name() string {
	if name := str(s.data()["Name"]); name != "" {
		return name
	}
	return s.serial
}

func (s *BluetoothSensor) DisplayName() string { return ValidateName(s.Name()) }

// Temperature is in degrees Celsius.
func (s *BluetoothSensor) Temperature() (float64, bool) {
	return number(s.data()["Temperature"])
}

// Humidity is relative humidity in percent, absent outside [0, 100].
func (s *BluetoothSensor) Humidity() (float64, bool) {
	v, ok := number(s.data()["Humidity"])
	if !ok || v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}

func (s *BluetoothSensor) BatteryPercentage() (int, bool) {
	return percent(s.data()["BatteryPercentage"])
}

// MagneticContactOpen is true when the contact reports open.
func (s *BluetoothSensor) MagneticContactOpen() (bool, bool) {
	raw := s.data()["MagnetContact"]
	if text, ok := raw.(string); ok {
		switch text {
		case "Open", "open":
			return true, true
		case "Closed", "closed":
			return false, true
		}
	}
	return boolean(raw)
}

func (s *BluetoothSensor) LastSeen() string { return str(s.data()["LastSeen"]) }
