package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/northtracker/addon/internal/device"
	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

var _ Client = (*northtracker.Client)(nil)

type outputCall struct {
	id     northtracker.UnitID
	output int
	on     bool
}

type fakeClient struct {
	mu sync.Mutex

	authErr     error
	units       []map[string]any
	unitsErr    error
	unitsFail   bool
	gps         []map[string]any
	gpsErr      error
	details     map[string]map[string]any
	lock        map[string]map[string]any
	features    map[string]map[string]any
	failDetails map[string]bool
	panicOn     string
	delay       time.Duration

	inFlight    int32
	maxInFlight int32

	commandOK  bool
	outputs    []outputCall
	toggles    []int
	lowBattery []float64
	lowEnabled []bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		details:     map[string]map[string]any{},
		lock:        map[string]map[string]any{},
		features:    map[string]map[string]any{},
		failDetails: map[string]bool{},
		commandOK:   true,
	}
}

func respond(data any) northtracker.Response {
	raw, _ := json.Marshal(data)
	return northtracker.Response{Success: true, Data: raw}
}

func (f *fakeClient) EnsureAuthenticated(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authErr
}

func (f *fakeClient) ListUnits(context.Context) (northtracker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unitsErr != nil {
		return northtracker.Response{}, f.unitsErr
	}
	if f.unitsFail {
		return northtracker.Response{Success: false}, nil
	}
	units := make([]any, 0, len(f.units))
	for _, u := range f.units {
		units = append(units, u)
	}
	return respond(map[string]any{"units": units}), nil
}

func (f *fakeClient) RealtimeTracking(context.Context) (northtracker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gpsErr != nil {
		return northtracker.Response{}, f.gpsErr
	}
	records := make([]any, 0, len(f.gps))
	for _, g := range f.gps {
		records = append(records, g)
	}
	return respond(map[string]any{"gps": records}), nil
}

func (f *fakeClient) enter(id northtracker.UnitID) (bool, time.Duration) {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == string(id) {
		panic("vendor fixture exploded")
	}
	return f.failDetails[string(id)], f.delay
}

func (f *fakeClient) leave() { atomic.AddInt32(&f.inFlight, -1) }

func (f *fakeClient) UnitDetails(_ context.Context, id northtracker.UnitID, _ string) (northtracker.Response, error) {
	defer f.leave()
	fail, delay := f.enter(id)
	time.Sleep(delay)
	if fail {
		return northtracker.Response{}, &northtracker.APIError{Message: "detail down"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return respond(f.details[string(id)]), nil
}

func (f *fakeClient) LockStatus(_ context.Context, id northtracker.UnitID) (northtracker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDetails[string(id)] {
		return northtracker.Response{}, &northtracker.APIError{Message: "lock down"}
	}
	return respond(f.lock[string(id)]), nil
}

func (f *fakeClient) UnitFeatures(_ context.Context, imei string) (northtracker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, failing := range f.failDetails {
		if failing && imei == "imei-"+id {
			return northtracker.Response{}, errors.New("features down")
		}
	}
	return respond(f.features[imei]), nil
}

func (f *fakeClient) SetOutput(_ context.Context, id northtracker.UnitID, output int, on bool) (northtracker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, outputCall{id: id, output: output, on: on})
	return northtracker.Response{Success: f.commandOK}, nil
}

func (f *fakeClient) ToggleInputAlert(_ context.Context, _ northtracker.UnitID, input int) (northtracker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles = append(f.toggles, input)
	return northtracker.Response{Success: f.commandOK}, nil
}

func (f *fakeClient) SetLowBatteryAlert(_ context.Context, _ string, enabled bool, threshold float64) (northtracker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lowEnabled = append(f.lowEnabled, enabled)
	f.lowBattery = append(f.lowBattery, threshold)
	return northtracker.Response{Success: f.commandOK}, nil
}

func (f *fakeClient) RateLimit() northtracker.RateLimit {
	return northtracker.RateLimit{Limit: 100, Remaining: 90}
}

func unit(id int, name string) map[string]any {
	return map[string]any{
		"ID":         id,
		"NameOnly":   name,
		"DeviceType": "gps",
		"Imei":       "imei-" + jsonKey(id),
	}
}

func jsonKey(id int) string {
	return string(northtracker.ParseUnitID(id))
}

func TestRefreshEndToEnd(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{
		{"ID": 1, "NameOnly": "Van", "DeviceType": "gps", "Din2Status": "Off"},
	}
	client.gps = []map[string]any{
		{"TrackerID": 1, "HasPosition": true, "Latitude": "59.33", "Longitude": "18.06", "Azimuth": "45"},
	}
	c := New(client, Options{})

	devices, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d, ok := devices.Unit("1")
	require.True(t, ok)
	lat, ok := d.Latitude()
	require.True(t, ok)
	assert.InDelta(t, 59.33, lat, 1e-9)
	lon, ok := d.Longitude()
	require.True(t, ok)
	assert.InDelta(t, 18.06, lon, 1e-9)
	assert.Equal(t, 45, d.Course())
	assert.Equal(t, []int{2}, d.AvailableInputs())

	assert.True(t, c.HasChanged("1"))
	status := c.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, 1, status.Devices)
	require.NotNil(t, status.RateLimit)
	assert.Equal(t, 90, status.RateLimit.Remaining)
}

func TestRefreshPartialFailureKeepsPriorValues(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{unit(1, "one"), unit(2, "two"), unit(3, "three")}
	for _, id := range []string{"1", "2", "3"} {
		client.details[id] = map[string]any{"terminal": map[string]any{"ReportFrequency": 60}}
		client.lock[id] = map[string]any{"lockedstatus": false}
	}
	c := New(client, Options{})

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	client.mu.Lock()
	client.failDetails["2"] = true
	client.lock["1"] = map[string]any{"lockedstatus": true}
	client.lock["2"] = map[string]any{"lockedstatus": true}
	client.lock["3"] = map[string]any{"lockedstatus": true}
	client.mu.Unlock()

	devices, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 3)

	second, ok := devices.Unit("2")
	require.True(t, ok)
	assert.False(t, second.Locked())
	assert.Equal(t, 60, second.ReportFrequency())

	first, _ := devices.Unit("1")
	assert.True(t, first.Locked())

	assert.Equal(t, []string{"1", "3"}, c.Changed())
	assert.False(t, c.HasChanged("2"))
}

func TestRefreshAuthFailureKeepsLastGoodData(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{unit(1, "one")}
	c := New(client, Options{})

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	client.mu.Lock()
	client.authErr = &northtracker.AuthenticationError{Reason: "vendor rejected credentials"}
	client.mu.Unlock()

	devices, err := c.Refresh(context.Background())
	assert.Nil(t, devices)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, KindAuth, cycleErr.Kind)
	assert.True(t, cycleErr.ReauthRequired())
	assert.True(t, IsReauthRequired(err))
	assert.True(t, northtracker.IsAuthError(err))

	assert.Len(t, c.Devices(), 1)
	assert.True(t, c.HasChanged("1"))
	status := c.Status()
	assert.True(t, status.ReauthRequired)
	assert.Equal(t, KindAuth, status.LastFailure)
	assert.NotNil(t, status.LastSuccessAt)
}

func TestRefreshFailureClassification(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeClient)
		want  Kind
	}{
		{"rate limit", func(f *fakeClient) { f.unitsErr = &northtracker.RateLimitError{Attempts: 4} }, KindRateLimit},
		{"api error", func(f *fakeClient) { f.unitsErr = &northtracker.APIError{StatusCode: 500} }, KindAPI},
		{"unsuccessful inventory", func(f *fakeClient) { f.unitsFail = true }, KindAPI},
		{"unexpected", func(f *fakeClient) { f.unitsErr = errors.New("weird") }, KindUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeClient()
			tc.setup(client)
			c := New(client, Options{})

			_, err := c.Refresh(context.Background())
			var cycleErr *CycleError
			require.ErrorAs(t, err, &cycleErr)
			assert.Equal(t, tc.want, cycleErr.Kind)
			assert.False(t, cycleErr.ReauthRequired())

			_, err = c.Lookup("1")
			assert.ErrorIs(t, err, ErrNoData)
		})
	}
}

func TestRefreshRealtimeFailureIsNonFatal(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{unit(1, "one")}
	client.gpsErr = &northtracker.APIError{StatusCode: 502}
	c := New(client, Options{})

	devices, err := c.Refresh(context.Background())
	require.NoError(t, err)
	d, ok := devices.Unit("1")
	require.True(t, ok)
	assert.False(t, d.HasGPS())
	assert.True(t, d.HasDetails())
}

func TestRefreshSkipsUnsupportedTypes(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{
		unit(1, "tracker"),
		{"ID": 2, "NameOnly": "lock", "DeviceType": "padlock"},
		{"NameOnly": "no id", "DeviceType": "gps"},
	}
	c := New(client, Options{})

	devices, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, devices.Keys())

	c.SetDeviceTypes([]string{"GPS", "padlock"})
	devices, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, devices.Keys())
	assert.Equal(t, []string{"gps", "padlock"}, c.Status().DeviceTypes)
}

func TestRefreshBoundsDetailConcurrency(t *testing.T) {
	client := newFakeClient()
	for i := 1; i <= 12; i++ {
		client.units = append(client.units, unit(i, "unit"))
	}
	client.delay = 20 * time.Millisecond
	c := New(client, Options{})

	devices, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 12)
	assert.LessOrEqual(t, atomic.LoadInt32(&client.maxInFlight), int32(DefaultConcurrency))
	assert.Greater(t, atomic.LoadInt32(&client.maxInFlight), int32(1))
}

func TestRefreshRecoversDevicePanic(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{unit(1, "one"), unit(2, "two")}
	client.panicOn = "2"
	c := New(client, Options{})

	devices, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestRefreshMaterializesBluetoothSensors(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{unit(1, "truck")}
	client.gps = []map[string]any{{
		"TrackerID":   1,
		"HasPosition": false,
		"BleSensors": []any{
			map[string]any{"SerialNumber": "S1", "Temperature": 4.5},
		},
	}}
	c := New(client, Options{})

	devices, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "1_bt_S1"}, devices.Keys())
	sensor, ok := devices["1_bt_S1"].(*device.BluetoothSensor)
	require.True(t, ok)
	temp, ok := sensor.Temperature()
	require.True(t, ok)
	assert.InDelta(t, 4.5, temp, 1e-9)
	assert.True(t, c.HasChanged("1_bt_S1"))

	_, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.Changed())

	client.mu.Lock()
	client.gps[0]["BleSensors"] = []any{map[string]any{"SerialNumber": "S1", "Temperature": 5.0}}
	client.mu.Unlock()
	_, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "1_bt_S1"}, c.Changed())
}

func TestRefreshRecordsCycleIDs(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{unit(1, "one")}
	c := New(client, Options{})

	first, err := c.RefreshCycle(context.Background())
	require.NoError(t, err)
	second, err := c.RefreshCycle(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, first.Cycle)
	assert.NotEqual(t, first.Cycle, second.Cycle)
	assert.Equal(t, second.Cycle, c.Status().LastCycle)
}

func TestRefreshDropsStaleGPS(t *testing.T) {
	client := newFakeClient()
	client.units = []map[string]any{unit(1, "truck")}
	client.gps = []map[string]any{{
		"TrackerID":   1,
		"HasPosition": true,
		"Latitude":    "59.33",
		"Longitude":   "18.06",
		"BleSensors": []any{
			map[string]any{"SerialNumber": "S1", "Temperature": 4.5},
		},
	}}
	c := New(client, Options{})

	devices, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "1_bt_S1"}, devices.Keys())

	// Realtime fails: the cycle goes on without gps.
	client.mu.Lock()
	client.gpsErr = &northtracker.APIError{StatusCode: 502}
	client.mu.Unlock()
	devices, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, devices.Keys())
	d, ok := devices.Unit("1")
	require.True(t, ok)
	assert.False(t, d.HasGPS())
	_, ok = d.Latitude()
	assert.False(t, ok)
	assert.True(t, c.HasChanged("1"))

	// Realtime recovers, then stops reporting the unit.
	client.mu.Lock()
	client.gpsErr = nil
	client.mu.Unlock()
	devices, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "1_bt_S1"}, devices.Keys())

	client.mu.Lock()
	client.gps = nil
	client.mu.Unlock()
	devices, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, devices.Keys())
	d, ok = devices.Unit("1")
	require.True(t, ok)
	assert.False(t, d.HasGPS())
	assert.Equal(t, []string{"1"}, c.Changed())

	_, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.Changed())
}
