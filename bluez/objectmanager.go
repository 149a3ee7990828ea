package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// ManagedObjects is the shape returned by GetManagedObjects: a path to
// its interface-name -> property-dict map, the "managed object" of
// the BLE object model.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// InterfacesAddedEvent mirrors the InterfacesAdded signal body.
type InterfacesAddedEvent struct {
	Path       dbus.ObjectPath
	Interfaces map[string]map[string]dbus.Variant
}

// InterfacesRemovedEvent mirrors the InterfacesRemoved signal body.
type InterfacesRemovedEvent struct {
	Path       dbus.ObjectPath
	Interfaces []string
}

// ObjectManager wraps org.freedesktop.DBus.ObjectManager at the
// service root, matching the root path BlueZ publishes it at.
type ObjectManager struct {
	conn *dbus.Conn
	root dbus.ObjectPath
}

// NewObjectManager builds an ObjectManager over the given connection
// for the root path (typically "/").
func NewObjectManager(conn *dbus.Conn, root dbus.ObjectPath) *ObjectManager {
	return &ObjectManager{conn: conn, root: root}
}

// GetManagedObjects issues the one-shot bootstrap call the tracker
// replays as synthetic UPDATE events.
func (om *ObjectManager) GetManagedObjects() (ManagedObjects, error) {
	obj := om.conn.Object(ServiceName, om.root)
	var out ManagedObjects
	err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&out)
	if err != nil {
		return nil, errors.Wrap(err, "bluez: GetManagedObjects")
	}
	return out, nil
}

// SubscribeAdded subscribes (wildcard path) to InterfacesAdded, as
// requires at bootstrap.
func (om *ObjectManager) SubscribeAdded() (chan *dbus.Signal, error) {
	return om.subscribe("InterfacesAdded")
}

// SubscribeRemoved subscribes (wildcard path) to InterfacesRemoved.
func (om *ObjectManager) SubscribeRemoved() (chan *dbus.Signal, error) {
	return om.subscribe("InterfacesRemoved")
}

func (om *ObjectManager) subscribe(member string) (chan *dbus.Signal, error) {
	rule := "type='signal',interface='org.freedesktop.DBus.ObjectManager',member='" + member + "'"
	call := om.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	if call.Err != nil {
		return nil, errors.Wrapf(call.Err, "bluez: add match %s", member)
	}
	ch := make(chan *dbus.Signal, 64)
	om.conn.Signal(ch)
	return ch, nil
}

// DecodeAdded converts a raw *dbus.Signal body into an
// InterfacesAddedEvent.
func DecodeAdded(sig *dbus.Signal) (*InterfacesAddedEvent, bool) {
	if len(sig.Body) != 2 {
		return nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	return &InterfacesAddedEvent{Path: path, Interfaces: ifaces}, true
}

// DecodeRemoved converts a raw *dbus.Signal body into an
// InterfacesRemovedEvent.
func DecodeRemoved(sig *dbus.Signal) (*InterfacesRemovedEvent, bool) {
	if len(sig.Body) != 2 {
		return nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil, false
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return nil, false
	}
	return &InterfacesRemovedEvent{Path: path, Interfaces: ifaces}, true
}
