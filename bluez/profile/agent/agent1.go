package agent

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// DefaultPath is the object path this gateway exports its local
// Agent1 implementation at.
const DefaultPath dbus.ObjectPath = "/org/bluez/gatewayd/agent"

// Handler is the set of org.bluez.Agent1 methods BlueZ calls on the
// locally-registered agent. Implemented by
// internal/bot.
type Handler interface {
	RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error)
	DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error
	RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error)
	DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error
	RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error
	RequestAuthorization(device dbus.ObjectPath) *dbus.Error
	AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error
	Cancel() *dbus.Error
	Release() *dbus.Error
}

// export adapts a Handler to godbus's reflection-based method
// dispatch: godbus calls exported methods by name with D-Bus args
// in, (results..., *dbus.Error) out.
type export struct {
	h Handler
}

func (e export) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	return e.h.RequestPinCode(device)
}
func (e export) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	return e.h.DisplayPinCode(device, pincode)
}
func (e export) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	return e.h.RequestPasskey(device)
}
func (e export) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	return e.h.DisplayPasskey(device, passkey, entered)
}
func (e export) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	return e.h.RequestConfirmation(device, passkey)
}
func (e export) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return e.h.RequestAuthorization(device)
}
func (e export) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	return e.h.AuthorizeService(device, uuid)
}
func (e export) Cancel() *dbus.Error  { return e.h.Cancel() }
func (e export) Release() *dbus.Error { return e.h.Release() }

// ExportAgent1 publishes h as the org.bluez.Agent1 object at path on
// conn, ready for AgentManager1.RegisterAgent to reference.
func ExportAgent1(conn *dbus.Conn, path dbus.ObjectPath, h Handler) error {
	if err := conn.Export(export{h: h}, path, "org.bluez.Agent1"); err != nil {
		return err
	}
	node := &introspect.Node{
		Name:       string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: "org.bluez.Agent1",
			},
		},
	}
	return conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable")
}
