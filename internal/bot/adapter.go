package bot

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez/profile/adapter"
)

func (t *Tracker) updateAdapter(obj *BleObject, props map[string]dbus.Variant, allowAdd bool) {
	t.mu.Lock()
	isNew := obj.Adapter == nil
	if isNew {
		if !allowAdd {
			t.mu.Unlock()
			return
		}
		obj.Adapter = &AdapterState{Path: obj.Path, Control: t.newAdapterControl(obj.Path)}
	}
	a := obj.Adapter
	t.mu.Unlock()

	decoded, err := adapter.DecodeProperties(props)
	if err != nil {
		logger.WithError(err).Warn("adapter property decode failed")
		return
	}
	t.mu.Lock()
	if _, ok := props["Powered"]; ok {
		a.Powered = decoded.Powered
	}
	if _, ok := props["Discoverable"]; ok {
		a.Discoverable = decoded.Discoverable
	}
	if _, ok := props["Pairable"]; ok {
		a.Pairable = decoded.Pairable
	}
	if _, ok := props["Discovering"]; ok {
		a.Discovering = decoded.Discovering
	}
	firstSeen := !a.Initialized
	if firstSeen {
		a.Initialized = true
	}
	t.mu.Unlock()

	// Toggle powered off then on as a known workaround for a stuck
	// adapter, once, on first properties seen.
	if firstSeen {
		_ = a.Control.SetPowered(false)
		_ = a.Control.SetPowered(true)
	}
}

// Discover issues
// StartDiscovery/StopDiscovery to every tracked adapter whose
// discovering state differs from the request.
func (t *Tracker) Discover(enable bool) {
	any := false
	for _, o := range t.allObjects() {
		if o.Adapter == nil || o.Adapter.Discovering == enable {
			continue
		}
		var err error
		if enable {
			err = o.Adapter.Control.StartDiscovery()
		} else {
			err = o.Adapter.Control.StopDiscovery()
		}
		if err == nil {
			any = true
		}
	}
	if enable {
		t.mu.Lock()
		if any {
			t.discoveryEnabled = true
		}
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.discoveryEnabled = false
	t.scanList = nil
	t.mu.Unlock()
}
