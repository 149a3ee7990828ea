package bot

import (
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Scripted control fakes, standing in for a live BlueZ peer the same
// way the nm tests fake their network and cloud layers.

type fakeAdapterControl struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAdapterControl) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}
func (f *fakeAdapterControl) StartDiscovery() error { f.record("StartDiscovery"); return nil }
func (f *fakeAdapterControl) StopDiscovery() error  { f.record("StopDiscovery"); return nil }
func (f *fakeAdapterControl) RemoveDevice(d dbus.ObjectPath) error {
	f.record("RemoveDevice:" + string(d))
	return nil
}
func (f *fakeAdapterControl) SetPowered(on bool) error {
	if on {
		f.record("SetPowered:true")
	} else {
		f.record("SetPowered:false")
	}
	return nil
}

type fakeDeviceControl struct {
	mu         sync.Mutex
	calls      []string
	pairErr    error
	connectErr error
}

func (f *fakeDeviceControl) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}
func (f *fakeDeviceControl) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
func (f *fakeDeviceControl) Pair() error          { f.record("Pair"); return f.pairErr }
func (f *fakeDeviceControl) CancelPairing() error { f.record("CancelPairing"); return nil }
func (f *fakeDeviceControl) Connect() error       { f.record("Connect"); return f.connectErr }
func (f *fakeDeviceControl) Disconnect() error    { f.record("Disconnect"); return nil }

type fakeCharControl struct {
	mu        sync.Mutex
	reads     int
	writes    [][]byte
	readValue []byte
	notifies  []string
	writeGate chan struct{} // WriteValue blocks until closed, when set
}

func (f *fakeCharControl) ReadValue(_ map[string]interface{}) ([]byte, error) {
	f.mu.Lock()
	f.reads++
	out := f.readValue
	f.mu.Unlock()
	return out, nil
}
func (f *fakeCharControl) WriteValue(v []byte, _ map[string]interface{}) error {
	f.mu.Lock()
	gate := f.writeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), v...))
	f.mu.Unlock()
	return nil
}
func (f *fakeCharControl) StartNotify() error {
	f.mu.Lock()
	f.notifies = append(f.notifies, "start")
	f.mu.Unlock()
	return nil
}
func (f *fakeCharControl) StopNotify() error {
	f.mu.Lock()
	f.notifies = append(f.notifies, "stop")
	f.mu.Unlock()
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	results [][]ScanResult
}

func (f *fakePublisher) PublishScanResults(r []ScanResult) {
	f.mu.Lock()
	f.results = append(f.results, r)
	f.mu.Unlock()
}

type okNetwork struct{}

func (okNetwork) QueryInfo(n *nm.Node, cb nm.NetworkCallback)    { cb(nm.NetworkSuccess) }
func (okNetwork) Configure(n *nm.Node, cb nm.NetworkCallback)    { cb(nm.NetworkSuccess) }
func (okNetwork) PropSet(n *nm.Node, p *nm.Property, v value.Value, cb nm.NetworkCallback) {
	cb(nm.NetworkSuccess)
}
func (okNetwork) FactoryReset(n *nm.Node, cb nm.NetworkCallback) { cb(nm.NetworkSuccess) }
func (okNetwork) Leave(n *nm.Node, cb nm.NetworkCallback)        { cb(nm.NetworkSuccess) }
func (okNetwork) OTAUpdate(n *nm.Node, version, path string, cb nm.NetworkCallback) {
	cb(nm.NetworkSuccess)
}
func (okNetwork) ConfSave(n *nm.Node) interface{}         { return nil }
func (okNetwork) ConfLoaded(n *nm.Node, blob interface{}) {}

type recordingCloud struct {
	mu    sync.Mutex
	sends []string
}

func (c *recordingCloud) record(s string) {
	c.mu.Lock()
	c.sends = append(c.sends, s)
	c.mu.Unlock()
}
func (c *recordingCloud) NodeAdd(n *nm.Node, cb nm.CloudCallback) {
	c.record("add:" + n.Addr())
	cb(nm.CloudConfirm{Status: nm.CloudErrNone})
}
func (c *recordingCloud) NodeRemove(n *nm.Node, cb nm.CloudCallback) {
	c.record("remove:" + n.Addr())
	cb(nm.CloudConfirm{Status: nm.CloudErrNone})
}
func (c *recordingCloud) NodeUpdateInfo(n *nm.Node, cb nm.CloudCallback) {
	cb(nm.CloudConfirm{Status: nm.CloudErrNone})
}
func (c *recordingCloud) NodeConnStatus(n *nm.Node, online bool, cb nm.CloudCallback) {
	cb(nm.CloudConfirm{Status: nm.CloudErrNone})
}
func (c *recordingCloud) NodePropSend(n *nm.Node, p *nm.Property, cb nm.CloudCallback, batch bool) {
	c.record("prop:" + p.Name)
	cb(nm.CloudConfirm{Status: nm.CloudErrNone})
}
func (c *recordingCloud) NodePropBatchSend(n *nm.Node) {}

const (
	adapterPath = dbus.ObjectPath("/org/bluez/hci0")
	devicePath  = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	servicePath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000c")
	charPath    = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000c/char000d")
	deviceAddr  = "AA:BB:CC:DD:EE:FF"
)

type harness struct {
	tracker *Tracker
	cloud   *recordingCloud
	pub     *fakePublisher
	adapter *fakeAdapterControl
	device  *fakeDeviceControl
	char    *fakeCharControl
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		cloud:   &recordingCloud{},
		pub:     &fakePublisher{},
		adapter: &fakeAdapterControl{},
		device:  &fakeDeviceControl{},
		char:    &fakeCharControl{},
	}
	db := gdb.Seed()
	manager := nm.NewManager(okNetwork{}, h.cloud, nil)
	h.tracker = NewTracker(nil, manager, db, h.pub)
	h.tracker.newAdapterControl = func(dbus.ObjectPath) AdapterControl { return h.adapter }
	h.tracker.newDeviceControl = func(dbus.ObjectPath) DeviceControl { return h.device }
	h.tracker.newCharControl = func(dbus.ObjectPath) CharControl { return h.char }
	require.NotNil(t, h.tracker)
	return h
}

func variants(kv map[string]interface{}) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(kv))
	for k, v := range kv {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}

func (h *harness) addAdapter() {
	h.tracker.HandleUpdate(UpdateEvent{
		Path:         adapterPath,
		Interfaces:   map[string]map[string]dbus.Variant{
			IfaceAdapter: variants(map[string]interface{}{"Powered": true}),
		},
	}, true)
}

func (h *harness) addBulbDevice(paired, connected bool) {
	h.tracker.HandleUpdate(UpdateEvent{
		Path:            devicePath,
		Interfaces:      map[string]map[string]dbus.Variant{
			IfaceDevice:     variants(map[string]interface{}{
				"Address":       deviceAddr,
				"Name":          "LEDBLE-bulb",
				"RSSI":          int16(-55),
				"Paired":        paired,
				"Connected":     connected,
				"LegacyPairing": false,
				"Adapter":       adapterPath,
				"UUIDs":         []string{
					"0000fff0-0000-1000-8000-00805f9b34fb",
					"0000ffe5-0000-1000-8000-00805f9b34fb",
					"0000ffe0-0000-1000-8000-00805f9b34fb",
				},
			}),
		},
	}, true)
}

func (h *harness) addBulbGatt() {
	h.tracker.HandleUpdate(UpdateEvent{
		Path:             servicePath,
		Interfaces:       map[string]map[string]dbus.Variant{
			IfaceGattService: variants(map[string]interface{}{
				"UUID":           "0000ffe5-0000-1000-8000-00805f9b34fb",
				"Device":         devicePath,
			}),
		},
	}, true)
	h.tracker.HandleUpdate(UpdateEvent{
		Path:                    charPath,
		Interfaces:              map[string]map[string]dbus.Variant{
			IfaceGattCharacteristic: variants(map[string]interface{}{
				"UUID":                  "0000ffe9-0000-1000-8000-00805f9b34fb",
				"Service":               servicePath,
				"Flags":                 []string{"write"},
			}),
		},
	}, true)
}

func TestScanResultPublishedForBulb(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.tracker.Discover(true)
	h.addBulbDevice(false, false)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	require.NotEmpty(t, h.pub.results)
	last := h.pub.results[len(h.pub.results)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "MagicBlue", last[0].Type)
	assert.Equal(t, deviceAddr, last[0].Addr)
}

func TestEddystoneBeaconTypeInferred(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.tracker.Discover(true)

	// A beacon advertising only Eddystone service data: no UUID rule
	// matches, so the frame-type classification supplies the type.
	urlFrame := []byte{0x10, 0xee, 0x02, 'g', 'o'}
	h.tracker.HandleUpdate(UpdateEvent{
		Path: devicePath,
		Interfaces: map[string]map[string]dbus.Variant{
			IfaceDevice: variants(map[string]interface{}{
				"Address": "BE:AC:0E:00:00:01",
				"RSSI":    int16(-60),
				"ServiceData": map[string]dbus.Variant{
					eddystoneSvcUUID: dbus.MakeVariant(urlFrame),
				},
			}),
		},
	}, true)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	require.NotEmpty(t, h.pub.results)
	last := h.pub.results[len(h.pub.results)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "EddystoneURL", last[0].Type)
}

func TestFirstSightingSchedulesMonitorRun(t *testing.T) {
	h := newHarness(t)
	h.tracker.monitorKickDelay = time.Millisecond
	h.addAdapter()

	// The very first props update with Connected=false schedules one
	// monitor run, which attempts a reconnect.
	h.addBulbDevice(false, false)
	assert.Eventually(t, func() bool {
		for _, c := range h.device.snapshot() {
			if c == "Connect" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestLegacyPairingSuppressesScanPublication(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.tracker.Discover(true)
	h.tracker.HandleUpdate(UpdateEvent{
		Path:            devicePath,
		Interfaces:      map[string]map[string]dbus.Variant{
			IfaceDevice:     variants(map[string]interface{}{
				"Address":       deviceAddr,
				"LegacyPairing": true,
				"UUIDs":         []string{"0000ffe5-0000-1000-8000-00805f9b34fb"},
			}),
		},
	}, true)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	assert.Empty(t, h.pub.results)
}

func TestConnectPairsThenConnects(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(false, false)

	done := make(chan nm.NetworkResult, 1)
	h.tracker.Connect(deviceAddr, func(r nm.NetworkResult, _ nm.ConnectOutcome) { done <- r })
	require.Equal(t, nm.NetworkSuccess, <-done)

	// Pair first (support was UNKNOWN), then the follow-up Connect.
	assert.Equal(t, []string{"Pair", "Connect"}, h.device.snapshot())
	dev, ok := h.tracker.DeviceByAddr(deviceAddr)
	require.True(t, ok)
	assert.Equal(t, PairingSupported, dev.PairingSupport)
}

func TestAuthFailureDemotesToConnect(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(false, false)
	h.device.pairErr = dbus.Error{Name: "org.bluez.Error.AuthenticationFailed"}

	done := make(chan nm.NetworkResult, 1)
	h.tracker.Connect(deviceAddr, func(r nm.NetworkResult, _ nm.ConnectOutcome) { done <- r })
	require.Equal(t, nm.NetworkSuccess, <-done)

	assert.Equal(t, []string{"Pair", "Connect"}, h.device.snapshot())
	dev, _ := h.tracker.DeviceByAddr(deviceAddr)
	assert.Equal(t, PairingUnsupported, dev.PairingSupport)
}

func TestHardPairFailureRemovesDevice(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(false, false)
	h.device.pairErr = dbus.Error{Name: "org.bluez.Error.Failed"}

	done := make(chan nm.NetworkResult, 1)
	h.tracker.Connect(deviceAddr, func(r nm.NetworkResult, _ nm.ConnectOutcome) { done <- r })
	require.Equal(t, nm.NetworkOffline, <-done)

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	assert.Contains(t, h.adapter.calls, "RemoveDevice:"+string(devicePath))
}

func TestAlreadyConnectedTreatedAsSuccess(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(false, false)
	h.device.pairErr = dbus.Error{Name: "org.bluez.Error.AlreadyConnected"}

	done := make(chan nm.NetworkResult, 1)
	h.tracker.Connect(deviceAddr, func(r nm.NetworkResult, _ nm.ConnectOutcome) { done <- r })
	assert.Equal(t, nm.NetworkSuccess, <-done)
}

func TestConnectedPairedDeviceJoinsNodeWithModel(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(true, true)

	dev, ok := h.tracker.DeviceByAddr(deviceAddr)
	require.True(t, ok)
	require.NotNil(t, dev.Node)
	assert.Equal(t, "MagicBlue", dev.Node.OEMModel())

	h.cloud.mu.Lock()
	defer h.cloud.mu.Unlock()
	assert.Contains(t, h.cloud.sends, "add:"+deviceAddr)
}

func TestCharacteristicPropRegistrationAndWrite(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(true, true)
	h.addBulbGatt()

	dev, _ := h.tracker.DeviceByAddr(deviceAddr)
	require.NotNil(t, dev.Node)
	prop, ok := dev.Node.Property("00", "rgb_bulb", "onoff")
	require.True(t, ok)

	// onoff=true writes the protocol's 3-byte power-on frame.
	net := NewNetwork(h.tracker)
	done := make(chan nm.NetworkResult, 1)
	net.PropSet(dev.Node, prop, value.Bool(true), func(r nm.NetworkResult) { done <- r })
	require.Equal(t, nm.NetworkSuccess, <-done)

	h.char.mu.Lock()
	defer h.char.mu.Unlock()
	require.Len(t, h.char.writes, 1)
	assert.Equal(t, []byte{0xCC, 0x23, 0x33}, h.char.writes[0])
}

func TestBulbModeInterlockSkipsWrite(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(true, true)
	h.addBulbGatt()

	dev, _ := h.tracker.DeviceByAddr(deviceAddr)
	require.NotNil(t, dev.Node)

	// Put the bulb in WHITE mode, then try an RGB set: the mode
	// interlock turns it into a no-op.
	dev.Node.SetPropValue("rgb_bulb", "mode", value.Int32(2))
	prop, ok := dev.Node.Property("00", "rgb_bulb", "rgb")
	require.True(t, ok)

	net := NewNetwork(h.tracker)
	done := make(chan nm.NetworkResult, 1)
	net.PropSet(dev.Node, prop, value.Int32(0x00FF00), func(r nm.NetworkResult) { done <- r })
	require.Equal(t, nm.NetworkSuccess, <-done)

	h.char.mu.Lock()
	defer h.char.mu.Unlock()
	assert.Empty(t, h.char.writes)
}

func TestOfflineDevicePropSetReportsOffline(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(true, true)
	h.addBulbGatt()

	dev, _ := h.tracker.DeviceByAddr(deviceAddr)
	require.NotNil(t, dev.Node)
	prop, _ := dev.Node.Property("00", "rgb_bulb", "onoff")

	h.tracker.mu.Lock()
	dev.Connected = false
	h.tracker.mu.Unlock()

	net := NewNetwork(h.tracker)
	done := make(chan nm.NetworkResult, 1)
	net.PropSet(dev.Node, prop, value.Bool(true), func(r nm.NetworkResult) { done <- r })
	assert.Equal(t, nm.NetworkOffline, <-done)
}

func TestReadDeferredWhileWriteInFlight(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(true, true)
	h.addBulbGatt()

	var char *CharacteristicState
	for _, o := range h.tracker.allObjects() {
		if o.Char != nil {
			char = o.Char
		}
	}
	require.NotNil(t, char)

	gate := make(chan struct{})
	h.char.mu.Lock()
	h.char.writeGate = gate
	h.char.mu.Unlock()

	wrote := make(chan struct{})
	h.tracker.requestWrite(char, []byte{0x01}, func(error) { close(wrote) })

	// Two read triggers while the write is in flight: both defer,
	// since BlueZ rejects concurrent I/O on one characteristic.
	h.tracker.requestRead(char)
	h.tracker.requestRead(char)
	h.char.mu.Lock()
	assert.Equal(t, 0, h.char.reads)
	h.char.mu.Unlock()

	close(gate)
	<-wrote
	// The completion drains exactly one deferred read.
	assert.Eventually(t, func() bool {
		h.char.mu.Lock()
		defer h.char.mu.Unlock()
		return h.char.reads == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScanListBoundedAndSorted(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.tracker.Discover(true)

	for i := 0; i < 25; i++ {
		addr := string(rune('A'+i%26)) + ":00:00:00:00:00"
		h.tracker.publishScanResult(addr, "dev", int16(-30-i), "MagicBlue")
	}

	h.tracker.mu.Lock()
	defer h.tracker.mu.Unlock()
	require.Len(t, h.tracker.scanList, scanListMax)
	for i := 1; i < len(h.tracker.scanList); i++ {
		assert.GreaterOrEqual(t, h.tracker.scanList[i-1].RSSI, h.tracker.scanList[i].RSSI)
	}
}

func TestScanListUpdatePreservesIdentity(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.tracker.Discover(true)

	h.tracker.publishScanResult("AA:00:00:00:00:01", "a", -40, "MagicBlue")
	h.tracker.publishScanResult("AA:00:00:00:00:02", "b", -50, "MagicBlue")
	h.tracker.publishScanResult("AA:00:00:00:00:02", "b", -30, "MagicBlue")

	h.tracker.mu.Lock()
	defer h.tracker.mu.Unlock()
	require.Len(t, h.tracker.scanList, 2)
	assert.Equal(t, "AA:00:00:00:00:02", h.tracker.scanList[0].Addr)
}

func TestDisableDiscoveryClearsScanList(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.tracker.Discover(true)
	h.tracker.publishScanResult("AA:00:00:00:00:01", "a", -40, "MagicBlue")

	h.tracker.Discover(false)
	h.tracker.mu.Lock()
	defer h.tracker.mu.Unlock()
	assert.Empty(t, h.tracker.scanList)
	assert.False(t, h.tracker.discoveryEnabled)
}

func TestRemoveDeviceInterfaceDeletesObject(t *testing.T) {
	h := newHarness(t)
	h.addAdapter()
	h.addBulbDevice(false, false)

	h.tracker.HandleRemove(RemoveEvent{Path: devicePath, Interfaces: []string{IfaceDevice}})
	_, ok := h.tracker.DeviceByAddr(deviceAddr)
	assert.False(t, ok)
}

func TestPropertiesChangedNeverCreatesInterfaces(t *testing.T) {
	h := newHarness(t)
	h.tracker.HandleUpdate(UpdateEvent{
		Path:        devicePath,
		Interfaces:  map[string]map[string]dbus.Variant{
			IfaceDevice: variants(map[string]interface{}{"Address": deviceAddr}),
		},
	}, false)
	_, ok := h.tracker.DeviceByAddr(deviceAddr)
	assert.False(t, ok)
}
