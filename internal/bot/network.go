package bot

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Network adapts the Tracker to nm.NetworkHandler: the node-lifecycle
// operations the Node Manager issues against its network layer, driven
// here against BlueZ. ZigBee and the demo simulator satisfy the same
// interface.
type Network struct {
	t *Tracker
}

// NewNetwork wraps a Tracker as a node-manager network layer.
func NewNetwork(t *Tracker) *Network { return &Network{t: t} }

var _ nm.NetworkHandler = (*Network)(nil)

// netConf is the opaque per-node blob this layer persists: enough to re-bind a
// loaded node to its device on restart.
type netConf struct {
	DevicePath     string `json:"device_path"`
	PairingSupport int    `json:"pairing_support"`
}

// QueryInfo drives the device's pairing/connect state machine; the
// node's GATT tree populates asynchronously as BlueZ resolves
// services, so a successful connect is the whole query.
func (w *Network) QueryInfo(node *nm.Node, cb nm.NetworkCallback) {
	node.SetPendingQuery(cb)
	w.t.Connect(node.Addr(), func(r nm.NetworkResult, _ nm.ConnectOutcome) {
		node.SetPendingQuery(nil)
		cb(r)
	})
}

// Configure re-checks every characteristic of the node's device for
// deferred property registration and notify subscription.
func (w *Network) Configure(node *nm.Node, cb nm.NetworkCallback) {
	node.SetPendingConfig(cb)
	dev, ok := w.t.DeviceByAddr(node.Addr())
	if !ok {
		node.SetPendingConfig(nil)
		cb(nm.NetworkUnknown)
		return
	}
	for _, c := range w.t.charsForDevice(dev.Path) {
		w.t.tryPropAdd(c)
		w.t.manageNotify(c)
	}
	node.SetPendingConfig(nil)
	cb(nm.NetworkSuccess)
}

// PropSet encodes the value through the property's val_set and writes
// it to the owning characteristic. A no-op status (e.g. the bulb's
// mode interlock) completes successfully without a WriteValue.
func (w *Network) PropSet(node *nm.Node, prop *nm.Property, v value.Value, cb nm.NetworkCallback) {
	c, ok := w.t.charForProp(prop)
	if !ok {
		cb(nm.NetworkUnknown)
		return
	}
	dev, ok := w.t.DeviceByAddr(node.Addr())
	if !ok {
		cb(nm.NetworkUnknown)
		return
	}
	w.t.mu.Lock()
	online := dev.Connected
	var def *gdb.PropDef
	for i, p := range c.Props {
		if p == prop && i < len(c.PropDefs) {
			def = c.PropDefs[i]
		}
	}
	w.t.mu.Unlock()
	if !online {
		cb(nm.NetworkOffline)
		return
	}
	if def == nil || def.ValSet == nil {
		cb(nm.NetworkUnsupported)
		return
	}

	data, status := def.ValSet(node, def, v)
	switch status {
	case gdb.StatusNoOp:
		cb(nm.NetworkSuccess)
		return
	case gdb.StatusError:
		cb(nm.NetworkUnknown)
		return
	}

	tmpl := w.t.templateForChar(c)
	w.t.requestWrite(c, data, func(err error) {
		if err != nil {
			cb(nm.NetworkOffline)
			return
		}
		if tmpl != nil && tmpl.Consistency != nil {
			tmpl.Consistency(node, def, v)
		}
		cb(nm.NetworkSuccess)
	})
}

func (t *Tracker) templateForChar(c *CharacteristicState) *gdb.TemplateDef {
	t.mu.Lock()
	svcPath := c.ServicePath
	t.mu.Unlock()
	svc, ok := t.serviceFor(svcPath)
	if !ok {
		return nil
	}
	return svc.Template
}

// FactoryReset has no BLE-level equivalent; the node advances without
// retry.
func (w *Network) FactoryReset(node *nm.Node, cb nm.NetworkCallback) {
	cb(nm.NetworkUnsupported)
}

// Leave removes the device from its adapter so the next join starts
// from a clean slate.
func (w *Network) Leave(node *nm.Node, cb nm.NetworkCallback) {
	node.SetPendingLeave(cb)
	dev, ok := w.t.DeviceByAddr(node.Addr())
	if !ok {
		node.SetPendingLeave(nil)
		cb(nm.NetworkSuccess)
		return
	}
	w.t.mu.Lock()
	adapterPath := dev.AdapterPath
	devPath := dev.Path
	dev.Node = nil
	w.t.mu.Unlock()
	if adapter, ok := w.t.adapterFor(adapterPath); ok {
		_ = adapter.Control.RemoveDevice(devPath)
	}
	node.SetPendingLeave(nil)
	cb(nm.NetworkSuccess)
}

// OTAUpdate is not supported over plain GATT; vendor profiles that
// carry firmware do so through their own file properties.
func (w *Network) OTAUpdate(node *nm.Node, version, path string, cb nm.NetworkCallback) {
	cb(nm.NetworkUnsupported)
}

// ConfSave emits the layer's opaque per-node blob.
func (w *Network) ConfSave(node *nm.Node) interface{} {
	dev, ok := w.t.DeviceByAddr(node.Addr())
	if !ok {
		return nil
	}
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	return &netConf{
		DevicePath:     string(dev.Path),
		PairingSupport: int(dev.PairingSupport),
	}
}

// ConfLoaded re-binds a persisted node to its device state, if the
// device is already tracked.
func (w *Network) ConfLoaded(node *nm.Node, blob interface{}) {
	conf, ok := blob.(*netConf)
	if !ok {
		// Blobs round-tripped through JSON arrive as generic maps.
		m, ok := blob.(map[string]interface{})
		if !ok {
			return
		}
		conf = &netConf{}
		if s, ok := m["device_path"].(string); ok {
			conf.DevicePath = s
		}
		if f, ok := m["pairing_support"].(float64); ok {
			conf.PairingSupport = int(f)
		}
	}
	dev, ok := w.t.DeviceByAddr(node.Addr())
	if !ok && conf.DevicePath != "" {
		w.t.mu.Lock()
		if o, exists := w.t.objects[dbus.ObjectPath(conf.DevicePath)]; exists && o.Device != nil {
			dev = o.Device
			ok = true
		}
		w.t.mu.Unlock()
	}
	if !ok {
		return
	}
	w.t.mu.Lock()
	dev.Node = node
	if dev.PairingSupport == PairingUnknown {
		dev.PairingSupport = PairingSupport(conf.PairingSupport)
	}
	w.t.mu.Unlock()
}
