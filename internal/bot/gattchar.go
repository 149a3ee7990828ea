package bot

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez/profile/gatt"
	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/pkg/uuid"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// updateService resolves the immutable UUID and Device
// back-reference, then looks up the template in GDB once.
func (t *Tracker) updateService(obj *BleObject, props map[string]dbus.Variant, allowAdd bool) {
	t.mu.Lock()
	s := obj.Service
	if s == nil {
		if !allowAdd {
			t.mu.Unlock()
			return
		}
		s = &ServiceState{Path: obj.Path}
		obj.Service = s
	}
	if v, ok := props["Device"]; ok && s.DevicePath == "" {
		if path, ok := v.Value().(dbus.ObjectPath); ok {
			s.DevicePath = path
		}
	}
	needLookup := false
	if v, ok := props["UUID"]; ok && s.UUID.IsNil() {
		if raw, ok := v.Value().(string); ok {
			if u, err := uuid.Parse(raw); err == nil {
				s.UUID = u
				needLookup = true
			}
		}
	}
	svcUUID := s.UUID
	t.mu.Unlock()

	if needLookup {
		if tmpl, ok := t.gdb.LookupTemplate(svcUUID); ok {
			t.mu.Lock()
			s.Template = tmpl
			t.mu.Unlock()
		}
	}
}

// removeService clears the service and every child characteristic's
// back-reference to it. BlueZ may remove a service before its
// characteristics; leaving a dangling ServicePath would let a stale
// characteristic resolve into freed state.
func (t *Tracker) removeService(obj *BleObject) {
	t.mu.Lock()
	s := obj.Service
	obj.Service = nil
	if s != nil {
		for _, o := range t.objects {
			if o.Char != nil && o.Char.ServicePath == s.Path {
				o.Char.ServicePath = ""
			}
		}
	}
	t.mu.Unlock()
}

// updateCharacteristic runs the per-update sequence: resolve
// identity, register logical properties against the owning node,
// manage notify state, and feed any Value payload through the
// property decoders.
func (t *Tracker) updateCharacteristic(obj *BleObject, props map[string]dbus.Variant, allowAdd bool) {
	t.mu.Lock()
	c := obj.Char
	if c == nil {
		if !allowAdd {
			t.mu.Unlock()
			return
		}
		c = &CharacteristicState{Path: obj.Path, Control: t.newCharControl(obj.Path)}
		obj.Char = c
	}
	if v, ok := props["UUID"]; ok && c.UUID.IsNil() {
		if raw, ok := v.Value().(string); ok {
			if u, err := uuid.Parse(raw); err == nil {
				c.UUID = u
			}
		}
	}
	if v, ok := props["Service"]; ok && c.ServicePath == "" {
		if path, ok := v.Value().(dbus.ObjectPath); ok {
			c.ServicePath = path
		}
	}
	if v, ok := props["Flags"]; ok && !c.FlagsParsed {
		if raw, ok := v.Value().([]string); ok {
			f := gatt.ParseFlags(raw)
			c.Readable = f&gatt.FlagRead != 0
			c.Writable = f&(gatt.FlagWrite|gatt.FlagWriteNoResponse) != 0
			c.Notifiable = f&(gatt.FlagNotify|gatt.FlagIndicate) != 0
			c.FlagsParsed = true
		}
	}
	if v, ok := props["Notifying"]; ok {
		c.Notifying, _ = v.Value().(bool)
	}
	var rawValue []byte
	haveValue := false
	if v, ok := props["Value"]; ok {
		if b, ok := v.Value().([]byte); ok {
			rawValue = b
			haveValue = true
		}
	}
	t.mu.Unlock()

	if !c.PropsLookedUp || c.PendingPropAdd {
		t.tryPropAdd(c)
	}
	t.manageNotify(c)
	if haveValue {
		t.feedValue(c, rawValue)
	}
}

// removeCharacteristic clears the characteristic and its property
// associations.
func (t *Tracker) removeCharacteristic(obj *BleObject) {
	t.mu.Lock()
	obj.Char = nil
	t.mu.Unlock()
}

// serviceFor resolves a characteristic's parent service state by path.
func (t *Tracker) serviceFor(path dbus.ObjectPath) (*ServiceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[path]
	if !ok || o.Service == nil {
		return nil, false
	}
	return o.Service, true
}

// deviceFor resolves a service's parent device state by path.
func (t *Tracker) deviceFor(path dbus.ObjectPath) (*DeviceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[path]
	if !ok || o.Device == nil {
		return nil, false
	}
	return o.Device, true
}

// tryPropAdd registers the characteristic's properties: once the GDB knows the
// characteristic and the owning device has a bound Node, register each
// logical property into the node and associate this characteristic
// with it. Returns false if the attempt must be retried later
// (PendingPropAdd).
func (t *Tracker) tryPropAdd(c *CharacteristicState) bool {
	t.mu.Lock()
	charUUID, svcPath := c.UUID, c.ServicePath
	lookedUp := c.PropsLookedUp
	t.mu.Unlock()
	if charUUID.IsNil() || svcPath == "" {
		return false
	}

	if !lookedUp {
		defs, ok := t.gdb.LookupProps(charUUID)
		t.mu.Lock()
		c.PropsLookedUp = true
		if ok {
			c.PropDefs = defs
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	defs := c.PropDefs
	alreadyAdded := len(c.Props) > 0
	t.mu.Unlock()
	if len(defs) == 0 || alreadyAdded {
		t.mu.Lock()
		c.PendingPropAdd = false
		t.mu.Unlock()
		return true
	}

	svc, ok := t.serviceFor(svcPath)
	if !ok || svc.Template == nil {
		t.mu.Lock()
		c.PendingPropAdd = true
		t.mu.Unlock()
		return false
	}
	dev, ok := t.deviceFor(svc.DevicePath)
	if !ok {
		t.mu.Lock()
		c.PendingPropAdd = true
		t.mu.Unlock()
		return false
	}
	t.mu.Lock()
	node := dev.Node
	t.mu.Unlock()
	if node == nil {
		t.mu.Lock()
		c.PendingPropAdd = true
		t.mu.Unlock()
		return false
	}

	t.mu.Lock()
	for _, def := range defs {
		p := node.AddProperty(svc.Template.Key, def)
		c.Props = append(c.Props, p)
	}
	c.PendingPropAdd = false
	if c.Readable {
		c.PendingRead = true
	}
	readable := c.Readable
	t.mu.Unlock()

	logger.WithField("char", charUUID.String()).
		WithField("node", node.Addr()).
		Info("characteristic properties registered")

	if readable {
		t.requestRead(c)
	}
	return true
}

// manageNotify reconciles the notify subscription: a managed,
// notify-capable characteristic gets StartNotify once; an unmanaged
// one still notifying gets StopNotify.
func (t *Tracker) manageNotify(c *CharacteristicState) {
	t.mu.Lock()
	managed := len(c.PropDefs) > 0
	start := managed && c.Notifiable && !c.Notifying && !c.notifyRequested
	stop := !managed && c.Notifying
	if start {
		c.notifyRequested = true
	}
	ctl := c.Control
	t.mu.Unlock()

	if start {
		if err := ctl.StartNotify(); err != nil {
			logger.WithError(err).WithField("path", c.Path).Warn("StartNotify failed")
			t.mu.Lock()
			c.notifyRequested = false
			t.mu.Unlock()
		}
	} else if stop {
		_ = ctl.StopNotify()
	}
}

// feedValue handles a Value update: it is decoded
// through every associated property's val_send and any pending read is
// suppressed (the notification already delivered the value).
func (t *Tracker) feedValue(c *CharacteristicState, raw []byte) {
	t.mu.Lock()
	c.PendingRead = false
	defs := c.PropDefs
	props := c.Props
	manager := t.nm
	t.mu.Unlock()
	if len(defs) == 0 || len(props) == 0 || manager == nil {
		return
	}

	buf := value.NewGATTBuffer(len(raw))
	buf.Replace(raw)

	for i, def := range defs {
		if i >= len(props) || def.ValSend == nil {
			continue
		}
		p := props[i]
		node, ok := t.nodeForChar(c)
		if !ok {
			return
		}
		v, status := def.ValSend(node, def, buf)
		if status != gdb.StatusOK {
			continue
		}
		if err := manager.PropSend(node.Addr(), p.Subdevice, p.Template, p.Name, v); err != nil {
			logger.WithError(err).WithField("prop", p.Name).Warn("property send after value update failed")
		}
	}
}

// nodeForChar walks characteristic -> service -> device -> node.
func (t *Tracker) nodeForChar(c *CharacteristicState) (*nm.Node, bool) {
	t.mu.Lock()
	svcPath := c.ServicePath
	t.mu.Unlock()
	svc, ok := t.serviceFor(svcPath)
	if !ok {
		return nil, false
	}
	dev, ok := t.deviceFor(svc.DevicePath)
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if dev.Node == nil {
		return nil, false
	}
	return dev.Node, true
}

// requestRead issues a ReadValue, or defers it if the characteristic's
// IO state is busy.
func (t *Tracker) requestRead(c *CharacteristicState) {
	t.mu.Lock()
	if c.IO != IOReady {
		c.PendingRead = true
		t.mu.Unlock()
		return
	}
	c.IO = IOReading
	c.PendingRead = false
	ctl := c.Control
	t.mu.Unlock()

	go func() {
		raw, err := ctl.ReadValue(nil)
		t.mu.Lock()
		c.IO = IOReady
		t.mu.Unlock()
		if err != nil {
			logger.WithError(err).WithField("path", c.Path).Warn("ReadValue failed")
		} else {
			t.feedValue(c, raw)
		}
		t.drainPendingIO(c)
	}()
}

// requestWrite issues a WriteValue, or defers it (with the payload)
// when the IO state is busy. The monitor loop retries deferred writes.
func (t *Tracker) requestWrite(c *CharacteristicState, data []byte, done func(error)) {
	t.mu.Lock()
	if c.IO != IOReady {
		c.PendingWrite = true
		c.pendingWriteData = data
		c.pendingWriteDone = done
		t.mu.Unlock()
		return
	}
	c.IO = IOWriting
	c.PendingWrite = false
	ctl := c.Control
	t.mu.Unlock()

	go func() {
		err := ctl.WriteValue(data, nil)
		t.mu.Lock()
		c.IO = IOReady
		t.mu.Unlock()
		if err != nil {
			logger.WithError(err).WithField("path", c.Path).Warn("WriteValue failed")
		}
		if done != nil {
			done(err)
		}
		t.drainPendingIO(c)
	}()
}

// drainPendingIO retries at most one deferred operation after an IO
// completion, write before read, matching the monitor's ordering.
func (t *Tracker) drainPendingIO(c *CharacteristicState) {
	t.mu.Lock()
	if c.IO != IOReady {
		t.mu.Unlock()
		return
	}
	if c.PendingWrite {
		data, done := c.pendingWriteData, c.pendingWriteDone
		c.pendingWriteData, c.pendingWriteDone = nil, nil
		c.PendingWrite = false
		t.mu.Unlock()
		t.requestWrite(c, data, done)
		return
	}
	if c.PendingRead {
		t.mu.Unlock()
		t.requestRead(c)
		return
	}
	t.mu.Unlock()
}

// charForProp finds the characteristic a logical property was
// registered from.
func (t *Tracker) charForProp(p *nm.Property) (*CharacteristicState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.objects {
		if o.Char == nil {
			continue
		}
		for _, cp := range o.Char.Props {
			if cp == p {
				return o.Char, true
			}
		}
	}
	return nil, false
}

// charsForDevice collects every characteristic hanging off a device's
// GATT tree, via service back-references.
func (t *Tracker) charsForDevice(devPath dbus.ObjectPath) []*CharacteristicState {
	t.mu.Lock()
	defer t.mu.Unlock()
	servicePaths := make(map[dbus.ObjectPath]bool)
	for _, o := range t.objects {
		if o.Service != nil && o.Service.DevicePath == devPath {
			servicePaths[o.Service.Path] = true
		}
	}
	var out []*CharacteristicState
	for _, o := range t.objects {
		if o.Char != nil && servicePaths[o.Char.ServicePath] {
			out = append(out, o.Char)
		}
	}
	return out
}
