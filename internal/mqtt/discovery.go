package mqtt

import (
	"encoding/json"
	"strings"

	"github.com/micro-ha/northtracker/addon/internal/device"
)

const discoveryPrefix = "homeassistant"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string
	Payload []byte // empty means delete
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	SourceType          string   `json:"source_type,omitempty"`
	Device              haDevice `json:"device"`
}

type entityDef struct {
	component   string
	object      string
	name        string
	field       string
	unit        string
	deviceClass string
	stateClass  string
	binary      bool
}

var unitEntities = []entityDef{
	{component: "sensor", object: "battery_voltage", name: "Battery Voltage", field: "battery_voltage", unit: "V", deviceClass: "voltage", stateClass: "measurement"},
	{component: "sensor", object: "internal_battery", name: "Internal Battery", field: "internal_battery", unit: "%", deviceClass: "battery", stateClass: "measurement"},
	{component: "sensor", object: "gps_signal", name: "GPS Signal", field: "gps_signal", unit: "%", stateClass: "measurement"},
	{component: "sensor", object: "network_signal", name: "Network Signal", field: "network_signal", unit: "%", stateClass: "measurement"},
	{component: "sensor", object: "speed", name: "Speed", field: "speed", unit: "km/h", deviceClass: "speed", stateClass: "measurement"},
	{component: "sensor", object: "odometer", name: "Odometer", field: "odometer", unit: "km", deviceClass: "distance", stateClass: "total_increasing"},
	{component: "binary_sensor", object: "locked", name: "Lock", field: "locked", deviceClass: "lock", binary: true},
	{component: "binary_sensor", object: "alarm", name: "Alarm", field: "alarm", deviceClass: "safety", binary: true},
}

var sensorEntities = []entityDef{
	{component: "sensor", object: "temperature", name: "Temperature", field: "temperature", unit: "°C", deviceClass: "temperature", stateClass: "measurement"},
	{component: "sensor", object: "humidity", name: "Humidity", field: "humidity", unit: "%", deviceClass: "humidity", stateClass: "measurement"},
	{component: "sensor", object: "battery", name: "Battery", field: "battery_percentage", unit: "%", deviceClass: "battery", stateClass: "measurement"},
	{component: "binary_sensor", object: "contact", name: "Contact", field: "magnetic_contact_open", deviceClass: "door", binary: true},
}

func nodeID(key string) string {
	return "northtracker_" + topicKey(key)
}

// topicKey keeps only characters that are safe in MQTT topics and HA ids.
func topicKey(key string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, key)
}

func stateTopic(prefix, key string) string {
	return prefix + "/" + topicKey(key) + "/state"
}

func discoveryTopic(component, node, object string) string {
	return discoveryPrefix + "/" + component + "/" + node + "/" + object + "/config"
}

// buildDiscovery returns the HA discovery messages for one entity.
func buildDiscovery(e device.Entity, prefix string) []discoveryMsg {
	node := nodeID(e.Key())
	state := stateTopic(prefix, e.Key())
	avail := prefix + "/bridge/state"

	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "North-Tracker",
		Name:         e.DisplayName(),
	}
	if parent := e.ParentKey(); parent != "" {
		haDev.ViaDevice = nodeID(parent)
		haDev.Model = "Bluetooth sensor"
	}

	var msgs []discoveryMsg
	defs := sensorEntities
	if d, ok := e.(*device.Device); ok {
		haDev.Model = d.Model()
		defs = unitEntities
		msgs = append(msgs, discoveryMsg{
			Topic: discoveryTopic("device_tracker", node, "location"),
			Payload: mustJSON(haDiscovery{
				// Position comes from the latitude/longitude attributes.
				Name:                e.DisplayName(),
				UniqueID:            node + "_location",
				AvailabilityTopic:   avail,
				JSONAttributesTopic: state,
				SourceType:          "gps",
				Device:              haDev,
			}),
		})
	}

	for _, def := range defs {
		payload := haDiscovery{
			Name:              def.name,
			UniqueID:          node + "_" + def.object,
			StateTopic:        state,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json." + def.field + " }}",
			UnitOfMeasurement: def.unit,
			DeviceClass:       def.deviceClass,
			StateClass:        def.stateClass,
			Device:            haDev,
		}
		if def.binary {
			payload.ValueTemplate = "{{ 'ON' if value_json." + def.field + " else 'OFF' }}"
			payload.PayloadOn = "ON"
			payload.PayloadOff = "OFF"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(def.component, node, def.object),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// removeDiscovery returns empty retained payloads for every topic of key.
func removeDiscovery(key string, unit bool) []discoveryMsg {
	node := nodeID(key)
	defs := sensorEntities
	var msgs []discoveryMsg
	if unit {
		defs = unitEntities
		msgs = append(msgs, discoveryMsg{Topic: discoveryTopic("device_tracker", node, "location")})
	}
	for _, def := range defs {
		msgs = append(msgs, discoveryMsg{Topic: discoveryTopic(def.component, node, def.object)})
	}
	return msgs
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
