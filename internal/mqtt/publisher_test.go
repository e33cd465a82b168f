package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/northtracker/addon/internal/coordinator"
	"github.com/micro-ha/northtracker/addon/internal/device"
	"github.com/micro-ha/northtracker/addon/internal/poller"
)

var _ poller.Listener = (*Publisher)(nil)

type doneToken struct{ done chan struct{} }

func newDoneToken() doneToken {
	ch := make(chan struct{})
	close(ch)
	return doneToken{done: ch}
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return t.done }
func (t doneToken) Error() error                   { return nil }

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient records publishes; every other method panics via the nil embed.
type fakeClient struct {
	pahomqtt.Client

	mu       sync.Mutex
	messages []message
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	c.messages = append(c.messages, message{topic: topic, payload: data, retained: retained})
	return newDoneToken()
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) take() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.messages
	c.messages = nil
	return out
}

func byTopic(msgs []message) map[string]message {
	out := make(map[string]message, len(msgs))
	for _, m := range msgs {
		out[m.topic] = m
	}
	return out
}

func testEntities(t *testing.T, withSensor bool) device.Map {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	van := device.New(device.Snapshot{"ID": float64(7), "NameOnly": "Van", "DeviceType": "gps", "BatteryVoltage": float64(12400)}, nil, logger, nil)
	m := device.Map{van.Key(): van}
	if withSensor {
		van.UpdateGPS(device.Snapshot{
			"HasPosition": true,
			"Latitude":    "59.33",
			"Longitude":   "18.06",
			"BleSensors": []any{
				map[string]any{"SerialNumber": "A1", "Name": "Freezer", "Temperature": float64(-18.5)},
			},
		})
		for _, s := range van.BluetoothSensors() {
			m[s.Key()] = s
		}
	}
	return m
}

func newTestPublisher() (*Publisher, *fakeClient) {
	client := &fakeClient{}
	return newPublisher(client, "northtracker", slog.New(slog.NewTextHandler(io.Discard, nil))), client
}

func TestOnRefreshAnnouncesAndPublishesChangedState(t *testing.T) {
	p, client := newTestPublisher()
	devices := testEntities(t, true)

	p.OnRefresh(context.Background(), coordinator.Result{Cycle: "c1", Devices: devices, Changed: []string{"7", "7_bt_A1"}})
	msgs := byTopic(client.take())

	tracker, ok := msgs["homeassistant/device_tracker/northtracker_7/location/config"]
	require.True(t, ok)
	assert.True(t, tracker.retained)
	var disc haDiscovery
	require.NoError(t, json.Unmarshal(tracker.payload, &disc))
	assert.Equal(t, "northtracker/7/state", disc.JSONAttributesTopic)
	assert.Equal(t, "northtracker/bridge/state", disc.AvailabilityTopic)

	temp, ok := msgs["homeassistant/sensor/northtracker_7_bt_A1/temperature/config"]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(temp.payload, &disc))
	assert.Equal(t, "northtracker_7", disc.Device.ViaDevice)
	assert.Equal(t, "{{ value_json.temperature }}", disc.ValueTemplate)

	state, ok := msgs["northtracker/7/state"]
	require.True(t, ok)
	var view map[string]any
	require.NoError(t, json.Unmarshal(state.payload, &view))
	assert.Equal(t, "Van", view["name"])
	assert.InDelta(t, 59.33, view["latitude"], 1e-9)
	assert.InDelta(t, 12.4, view["battery_voltage"], 1e-9)

	sensorState, ok := msgs["northtracker/7_bt_A1/state"]
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(sensorState.payload, &view))
	assert.InDelta(t, -18.5, view["temperature"], 1e-9)
}

func TestOnRefreshSkipsUnchangedState(t *testing.T) {
	p, client := newTestPublisher()
	devices := testEntities(t, false)

	p.OnRefresh(context.Background(), coordinator.Result{Devices: devices, Changed: []string{"7"}})
	client.take()

	p.OnRefresh(context.Background(), coordinator.Result{Devices: devices})
	assert.Empty(t, client.take())
}

func TestOnRefreshClearsRemovedKeys(t *testing.T) {
	p, client := newTestPublisher()

	p.OnRefresh(context.Background(), coordinator.Result{Devices: testEntities(t, true), Changed: []string{"7"}})
	client.take()

	p.OnRefresh(context.Background(), coordinator.Result{Devices: testEntities(t, false)})
	msgs := client.take()
	require.NotEmpty(t, msgs)
	for _, m := range msgs {
		assert.True(t, strings.Contains(m.topic, "7_bt_A1"), m.topic)
		assert.Empty(t, m.payload)
		assert.True(t, m.retained)
	}
	assert.Contains(t, byTopic(msgs), "northtracker/7_bt_A1/state")
}

func TestRepublishAfterReconnect(t *testing.T) {
	p, client := newTestPublisher()
	p.OnRefresh(context.Background(), coordinator.Result{Devices: testEntities(t, false)})
	client.take()

	p.republish()
	msgs := byTopic(client.take())
	assert.Contains(t, msgs, "northtracker/7/state")
	assert.Contains(t, msgs, "homeassistant/sensor/northtracker_7/battery_voltage/config")
}

func TestStopPublishesOffline(t *testing.T) {
	p, client := newTestPublisher()
	p.Stop()

	msgs := client.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "northtracker/bridge/state", msgs[0].topic)
	assert.Equal(t, "offline", string(msgs[0].payload))
}

func TestTopicKeySanitizes(t *testing.T) {
	assert.Equal(t, "12_bt_AA_BB", topicKey("12_bt_AA:BB"))
	assert.Equal(t, "northtracker/a_b/state", stateTopic("northtracker", "a/b"))
}
