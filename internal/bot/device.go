package bot

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/internal/nm"
)

type pairMethod int

const (
	methodPair pairMethod = iota
	methodConnect
)

// pairMethodFor implements the method-selection table.
func pairMethodFor(support PairingSupport, paired bool) pairMethod {
	switch support {
	case PairingUnsupported:
		return methodConnect
	case PairingSupported:
		if paired {
			return methodConnect
		}
		return methodPair
	default: // PairingUnknown
		return methodPair
	}
}

func isBluezError(err error, name string) bool {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return false
	}
	return dbusErr.Name == "org.bluez.Error."+name
}

func displayName(d *DeviceState) string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Name
}

// updateDevice applies a Device1 property update and drives the
// join/leave/online edges that fall out of it.
func (t *Tracker) updateDevice(obj *BleObject, props map[string]dbus.Variant, allowAdd bool) {
	t.mu.Lock()
	d := obj.Device
	if d == nil {
		if !allowAdd {
			t.mu.Unlock()
			return
		}
		addrVar, ok := props["Address"]
		if !ok {
			t.mu.Unlock()
			return
		}
		addr, ok := addrVar.Value().(string)
		if !ok || addr == "" {
			t.mu.Unlock()
			return
		}
		d = &DeviceState{
			Path:    obj.Path,
			Control: t.newDeviceControl(obj.Path),
			Address: addr,
		}
		obj.Device = d
	}

	connectedChanged := false
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		d.Alias, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			d.RSSI = rssi
		}
	}
	if v, ok := props["Paired"]; ok {
		if paired, ok := v.Value().(bool); ok {
			d.Paired = paired
			if paired {
				d.PairingSupport = PairingSupported
			}
		}
	}
	if v, ok := props["Connected"]; ok {
		if connected, ok := v.Value().(bool); ok {
			connectedChanged = connected != d.Connected
			d.Connected = connected
		}
	}
	if v, ok := props["ServicesResolved"]; ok {
		d.ServicesResolved, _ = v.Value().(bool)
	}
	if v, ok := props["LegacyPairing"]; ok {
		d.LegacyPairing, _ = v.Value().(bool)
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			d.UUIDs = uuids
		}
	}
	if v, ok := props["Adapter"]; ok {
		if path, ok := v.Value().(dbus.ObjectPath); ok {
			d.AdapterPath = path
		}
	}
	if v, ok := props["ServiceData"]; ok {
		if sd := decodeServiceData(v); sd != nil {
			d.ServiceData = sd
		}
	}

	firstUpdate := !d.seen
	d.seen = true
	node := d.Node
	online := d.ServicesResolved && d.Connected
	unpairedButWasSupported := node != nil && !d.Paired && d.PairingSupport == PairingSupported
	shouldJoin := node == nil && d.Connected && (d.Paired || d.PairingSupport == PairingUnsupported)
	shouldPublish := !d.Paired && !d.LegacyPairing
	addr, rssi, name, uuids := d.Address, d.RSSI, displayName(d), d.UUIDs
	beaconData := d.ServiceData[eddystoneSvcUUID]
	connectedNow := d.Connected
	t.mu.Unlock()

	// A device that is not connected gets one monitor run: on its very
	// first props update and on every connected->disconnected edge.
	if (firstUpdate || connectedChanged) && !connectedNow {
		t.kickMonitor()
	}

	t.mu.Lock()
	haveManager := t.nm != nil
	t.mu.Unlock()

	if haveManager && node != nil {
		t.nm.ConnStatusChanged(node.Addr(), online)
		if unpairedButWasSupported {
			t.nm.NodeLeft(node.Addr())
			t.mu.Lock()
			d.Node = nil
			t.mu.Unlock()
		}
	} else if haveManager && shouldJoin {
		if model := inferOEMModel(uuids); model != "" {
			n := t.nm.NodeJoined(addr, nm.InterfaceBLE, nm.PowerMains)
			n.SetOEMModel(model)
			t.mu.Lock()
			d.Node = n
			t.mu.Unlock()
		}
	}

	if shouldPublish {
		typ := inferDeviceType(uuids)
		if typ == "" {
			typ = inferEddystoneType(beaconData)
		}
		if typ != "" {
			t.publishScanResult(addr, name, rssi, typ)
		}
	}
}

// decodeServiceData unpacks BlueZ's ServiceData dict (uuid -> byte
// array variant) into plain bytes.
func decodeServiceData(v dbus.Variant) map[string][]byte {
	raw, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return nil
	}
	out := make(map[string][]byte, len(raw))
	for uuid, entry := range raw {
		if b, ok := entry.Value().([]byte); ok {
			out[uuid] = b
		}
	}
	return out
}

func (t *Tracker) removeDevice(obj *BleObject) {
	t.mu.Lock()
	d := obj.Device
	obj.Device = nil
	t.mu.Unlock()
	if d == nil {
		return
	}
	if d.Node != nil && t.nm != nil {
		t.nm.NodeLeft(d.Node.Addr())
	}
}

// Connect drives the device's pairing state machine to completion
// and reports the outcome through cb.
func (t *Tracker) Connect(addr string, cb func(nm.NetworkResult, nm.ConnectOutcome)) {
	dev, ok := t.DeviceByAddr(addr)
	if !ok {
		if cb != nil {
			cb(nm.NetworkUnknown, nm.ConnectNoDevice)
		}
		return
	}

	t.mu.Lock()
	if dev.Pairing != PairingReady {
		t.mu.Unlock()
		if cb != nil {
			cb(nm.NetworkUnknown, nm.ConnectInProgress)
		}
		return
	}
	dev.Pairing = PairingInProgress
	dev.connectCB = cb
	t.mu.Unlock()

	go t.runConnectAttempt(dev)
}

// CancelConnect is the pair-cancel path:
// issues CancelPairing and completes the pending connect callback with
// NETWORK_UNKNOWN.
func (t *Tracker) CancelConnect(addr string) {
	dev, ok := t.DeviceByAddr(addr)
	if !ok {
		return
	}
	t.mu.Lock()
	cb := dev.connectCB
	dev.connectCB = nil
	dev.Pairing = PairingReady
	t.mu.Unlock()
	_ = dev.Control.CancelPairing()
	if cb != nil {
		cb(nm.NetworkUnknown, nm.ConnectUnknownError)
	}
}

func (t *Tracker) runConnectAttempt(dev *DeviceState) {
	t.mu.Lock()
	support, paired := dev.PairingSupport, dev.Paired
	t.mu.Unlock()

	method := pairMethodFor(support, paired)
	var err error
	if method == methodPair {
		err = dev.Control.Pair()
	} else {
		err = dev.Control.Connect()
	}
	t.handlePairResult(dev, method, err)
}

func (t *Tracker) handlePairResult(dev *DeviceState, method pairMethod, err error) {
	success := err == nil || isBluezError(err, "AlreadyConnected") || isBluezError(err, "AlreadyExists")

	if !success && method == methodPair {
		t.mu.Lock()
		unknownSupport := dev.PairingSupport == PairingUnknown
		t.mu.Unlock()
		if unknownSupport && isBluezError(err, "AuthenticationFailed") {
			t.mu.Lock()
			dev.PairingSupport = PairingUnsupported
			t.mu.Unlock()
			cerr := dev.Control.Connect()
			t.handlePairResult(dev, methodConnect, cerr)
			return
		}
	}

	t.mu.Lock()
	if success {
		dev.Paired = true
		if dev.PairingSupport == PairingUnknown {
			dev.PairingSupport = PairingSupported
		}
	}
	dev.Pairing = PairingReady
	cb := dev.connectCB
	dev.connectCB = nil
	supported := dev.PairingSupport == PairingSupported
	adapterPath := dev.AdapterPath
	devPath := dev.Path
	addr := dev.Address
	t.mu.Unlock()

	if !success {
		logger.WithField("addr", addr).Warn("pair/connect attempt failed")
		if adapter, ok := t.adapterFor(adapterPath); ok {
			_ = adapter.Control.RemoveDevice(devPath)
		}
		if cb != nil {
			cb(nm.NetworkOffline, nm.ConnectUnknownError)
		}
		return
	}

	if method == methodPair && supported {
		// A successful Pair does not guarantee a link; follow up with
		// an explicit Connect so the device stays attached.
		_ = dev.Control.Connect()
	}

	if cb != nil {
		cb(nm.NetworkSuccess, nm.ConnectSuccess)
	}
}
