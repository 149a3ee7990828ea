package bot

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ayla-edge/gatewayd/bluez"
	"github.com/ayla-edge/gatewayd/bluez/profile/agent"
	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/internal/nm"
)

var logger = log.WithField("component", "bot")

// MonitorInterval is the periodic monitor tick.
const MonitorInterval = 60 * time.Second

// MonitorKickDelay is how soon a manually advanced monitor run fires.
const MonitorKickDelay = 1 * time.Second

// ScanPublishThrottle is the minimum interval between successive
// scan-list publishes.
const ScanPublishThrottle = 5 * time.Second

// UpdateEvent mirrors a decoded InterfacesAdded signal or a bootstrap
// GetManagedObjects row.
type UpdateEvent struct {
	Path       dbus.ObjectPath
	Interfaces map[string]map[string]dbus.Variant
}

// RemoveEvent mirrors a decoded InterfacesRemoved signal.
type RemoveEvent struct {
	Path       dbus.ObjectPath
	Interfaces []string
}

// ScanPublisher receives scan-result callbacks.
type ScanPublisher interface {
	PublishScanResults(results []ScanResult)
}

// Tracker is the BOT process singleton: the object registry plus
// every per-object state machine.
type Tracker struct {
	mu      sync.Mutex
	objects map[dbus.ObjectPath]*BleObject

	conn *dbus.Conn
	om   *bluez.ObjectManager
	nm   *nm.Manager
	gdb  *gdb.DB
	scan ScanPublisher

	newAdapterControl func(dbus.ObjectPath) AdapterControl
	newDeviceControl  func(dbus.ObjectPath) DeviceControl
	newCharControl    func(dbus.ObjectPath) CharControl

	discoveryEnabled bool
	scanList         []ScanResult
	lastScanPublish  time.Time

	monitorKick      *time.Timer
	monitorKickDelay time.Duration

	agentRegistered bool
	agentPath       dbus.ObjectPath
	passkeyHost     PasskeyHost
}

// NewTracker constructs a Tracker bound to a live D-Bus connection, the
// Node Manager, and the GATT Template Database.
func NewTracker(conn *dbus.Conn, manager *nm.Manager, db *gdb.DB, scan ScanPublisher) *Tracker {
	return &Tracker{
		objects:           make(map[dbus.ObjectPath]*BleObject),
		conn:              conn,
		om:                bluez.NewObjectManager(conn, "/"),
		nm:                manager,
		gdb:               db,
		scan:              scan,
		newAdapterControl: defaultAdapterControl,
		newDeviceControl:  defaultDeviceControl,
		newCharControl:    defaultCharControl,
		agentPath:         agent.DefaultPath,
		monitorKickDelay:  MonitorKickDelay,
	}
}

// kickMonitor advances the periodic monitor: one extra run is
// scheduled shortly, collapsing repeated kicks into a single pass.
func (t *Tracker) kickMonitor() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.monitorKick != nil {
		return
	}
	t.monitorKick = time.AfterFunc(t.monitorKickDelay, func() {
		t.mu.Lock()
		t.monitorKick = nil
		t.mu.Unlock()
		t.runMonitorOnce()
	})
}

// SetNodeManager late-binds the Node Manager. The manager's network
// layer is this tracker, so the two are constructed before either is
// wired; events arriving before binding are dropped.
func (t *Tracker) SetNodeManager(m *nm.Manager) {
	t.mu.Lock()
	t.nm = m
	t.mu.Unlock()
}

// Bootstrap brings the mirror up: subscribe first, then fetch the
// full managed-object graph and synthesize an UPDATE per path.
func (t *Tracker) Bootstrap() error {
	addedCh, err := t.om.SubscribeAdded()
	if err != nil {
		return errors.Wrap(err, "bot: subscribe InterfacesAdded")
	}
	removedCh, err := t.om.SubscribeRemoved()
	if err != nil {
		return errors.Wrap(err, "bot: subscribe InterfacesRemoved")
	}
	go t.runAddedLoop(addedCh)
	go t.runRemovedLoop(removedCh)

	managed, err := t.om.GetManagedObjects()
	if err != nil {
		return errors.Wrap(err, "bot: GetManagedObjects")
	}
	for path, ifaces := range managed {
		t.HandleUpdate(UpdateEvent{Path: path, Interfaces: ifaces}, true)
	}
	return nil
}

func (t *Tracker) runAddedLoop(ch chan *dbus.Signal) {
	for sig := range ch {
		ev, ok := bluez.DecodeAdded(sig)
		if !ok {
			continue
		}
		t.HandleUpdate(UpdateEvent{Path: ev.Path, Interfaces: ev.Interfaces}, true)
	}
}

func (t *Tracker) runRemovedLoop(ch chan *dbus.Signal) {
	for sig := range ch {
		ev, ok := bluez.DecodeRemoved(sig)
		if !ok {
			continue
		}
		t.HandleRemove(RemoveEvent{Path: ev.Path, Interfaces: ev.Interfaces})
	}
}

func (t *Tracker) runPropsLoop(path dbus.ObjectPath, ch chan *dbus.Signal) {
	for sig := range ch {
		ev, ok := bluez.DecodePropertiesChanged(sig)
		if !ok {
			continue
		}
		t.HandleUpdate(UpdateEvent{
			Path:       path,
			Interfaces: map[string]map[string]dbus.Variant{ev.Interface: ev.Changed},
		}, false)
	}
}

// object returns (creating if absent) the BleObject for path. Caller
// must hold t.mu.
func (t *Tracker) object(path dbus.ObjectPath) *BleObject {
	o, ok := t.objects[path]
	if !ok {
		o = &BleObject{Path: path}
		t.objects[path] = o
	}
	return o
}

// HandleUpdate implements the UPDATE dispatch rule.
// allowAdd is false for a lone PropertiesChanged signal: it updates an
// existing interface but never creates one.
func (t *Tracker) HandleUpdate(ev UpdateEvent, allowAdd bool) {
	t.mu.Lock()
	obj := t.object(ev.Path)
	subscribeNeeded := !obj.propsSubscribed
	t.mu.Unlock()

	if subscribeNeeded && t.conn != nil {
		if ch, err := bluez.SubscribeProperties(t.conn, ev.Path); err == nil {
			t.mu.Lock()
			obj.propsSubscribed = true
			t.mu.Unlock()
			go t.runPropsLoop(ev.Path, ch)
		}
	}

	for ifaceName, props := range ev.Interfaces {
		switch ifaceName {
		case IfaceAdapter:
			t.updateAdapter(obj, props, allowAdd)
		case IfaceDevice:
			t.updateDevice(obj, props, allowAdd)
		case IfaceGattService:
			t.updateService(obj, props, allowAdd)
		case IfaceGattCharacteristic:
			t.updateCharacteristic(obj, props, allowAdd)
		case IfaceAgentManager:
			t.updateAgentManager(obj, allowAdd)
		}
	}
}

// HandleRemove implements the REMOVE dispatch rule.
func (t *Tracker) HandleRemove(ev RemoveEvent) {
	t.mu.Lock()
	obj, ok := t.objects[ev.Path]
	t.mu.Unlock()
	if !ok {
		return
	}

	for _, ifaceName := range ev.Interfaces {
		switch ifaceName {
		case IfaceAdapter:
			t.mu.Lock()
			obj.Adapter = nil
			t.mu.Unlock()
		case IfaceDevice:
			t.removeDevice(obj)
		case IfaceGattService:
			t.removeService(obj)
		case IfaceGattCharacteristic:
			t.removeCharacteristic(obj)
		case IfaceAgentManager:
			t.mu.Lock()
			obj.AgentMgr = nil
			t.mu.Unlock()
		}
	}

	t.mu.Lock()
	empty := obj.empty()
	if empty {
		delete(t.objects, ev.Path)
	}
	t.mu.Unlock()
}

// DeviceByAddr finds the DeviceState for a BD address, if tracked.
func (t *Tracker) DeviceByAddr(addr string) (*DeviceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.objects {
		if o.Device != nil && o.Device.Address == addr {
			return o.Device, true
		}
	}
	return nil, false
}

// adapterFor finds the AdapterState backing a device's parent adapter
// path, if tracked.
func (t *Tracker) adapterFor(path dbus.ObjectPath) (*AdapterState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[path]
	if !ok || o.Adapter == nil {
		return nil, false
	}
	return o.Adapter, true
}

func (t *Tracker) allObjects() []*BleObject {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*BleObject, 0, len(t.objects))
	for _, o := range t.objects {
		out = append(out, o)
	}
	return out
}
