package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// PropertyChanged is one decoded field from a PropertiesChanged
// signal, the unit BOT's props_changed hooks consume.
type PropertyChanged struct {
	Path      dbus.ObjectPath
	Interface string
	Name      string
	Value     interface{}
}

// PropertiesChangedEvent is the decoded body of one PropertiesChanged
// signal: zero or more changed properties plus the names of any that
// were invalidated (value present elsewhere, not inline).
type PropertiesChangedEvent struct {
	Path        dbus.ObjectPath
	Interface   string
	Changed     map[string]dbus.Variant
	Invalidated []string
}

// SubscribeProperties subscribes to PropertiesChanged for one object
// path, as required once per object by
func SubscribeProperties(conn *dbus.Conn, path dbus.ObjectPath) (chan *dbus.Signal, error) {
	rule := "type='signal',path='" + string(path) + "',interface='" + IfacePropertiesInterface + "',member='PropertiesChanged'"
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return nil, errors.Wrapf(call.Err, "bluez: subscribe properties %s", path)
	}
	ch := make(chan *dbus.Signal, 32)
	conn.Signal(ch)
	return ch, nil
}

// UnsubscribeProperties removes a prior PropertiesChanged match and
// stops delivery on ch.
func UnsubscribeProperties(conn *dbus.Conn, path dbus.ObjectPath, ch chan *dbus.Signal) {
	rule := "type='signal',path='" + string(path) + "',interface='" + IfacePropertiesInterface + "',member='PropertiesChanged'"
	conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
	conn.RemoveSignal(ch)
}

// DecodePropertiesChanged converts a raw signal into a
// PropertiesChangedEvent. Returns false if the signal doesn't match
// the expected PropertiesChanged shape.
func DecodePropertiesChanged(sig *dbus.Signal) (*PropertiesChangedEvent, bool) {
	if len(sig.Body) != 3 {
		return nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	invalidated, _ := sig.Body[2].([]string)
	return &PropertiesChangedEvent{
		Path:        sig.Path,
		Interface:   iface,
		Changed:     changed,
		Invalidated: invalidated,
	}, true
}
