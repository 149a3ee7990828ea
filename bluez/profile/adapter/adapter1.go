// Package adapter wraps org.bluez.Adapter1, in the same shape as the
// generated gen_*.go profile wrappers BlueZ bindings ship (NewX1 constructor,
// Properties struct), hand-maintained instead
// of generated since this gateway only needs six fixed BlueZ
// interfaces this gateway consumes.
package adapter

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez"
	"github.com/ayla-edge/gatewayd/bluez/util"
)

// Adapter1Properties mirrors the subset of org.bluez.Adapter1
// properties tracks.
type Adapter1Properties struct {
	Powered      bool `dbus:"Powered,writable"`
	Discoverable bool `dbus:"Discoverable,writable"`
	Pairable     bool `dbus:"Pairable,writable"`
	Discovering  bool `dbus:"Discovering"`
}

// Adapter1 is a client-side handle to one BlueZ adapter object.
type Adapter1 struct {
	client *bluez.Client
}

// NewAdapter1 builds a handle for the adapter at path (e.g.
// "/org/bluez/hci0").
func NewAdapter1(path dbus.ObjectPath) *Adapter1 {
	return &Adapter1{
		client: bluez.NewClient(&bluez.Config{
			Name:   bluez.ServiceName,
			Iface:  bluez.IfaceAdapter,
			Path:   path,
			Bus:    bluez.SystemBus,
		}),
	}
}

// Path returns the adapter's object path.
func (a *Adapter1) Path() dbus.ObjectPath { return a.client.Config.Path }

// StartDiscovery issues Adapter1.StartDiscovery.
func (a *Adapter1) StartDiscovery() error {
	return a.client.Call("StartDiscovery", 0).Err
}

// StopDiscovery issues Adapter1.StopDiscovery.
func (a *Adapter1) StopDiscovery() error {
	return a.client.Call("StopDiscovery", 0).Err
}

// RemoveDevice issues Adapter1.RemoveDevice against a child device
// path, used to reset pairing/connection state on failure.
func (a *Adapter1) RemoveDevice(devicePath dbus.ObjectPath) error {
	return a.client.Call("RemoveDevice", 0, devicePath).Err
}

// SetPowered toggles the Powered property; used for the
// "off then on" stuck-adapter workaround.
func (a *Adapter1) SetPowered(on bool) error {
	return a.client.SetProperty("Powered", on)
}

// Properties fetches and decodes the adapter's current properties.
func (a *Adapter1) Properties() (*Adapter1Properties, error) {
	m, err := a.client.GetAll()
	if err != nil {
		return nil, err
	}
	return DecodeProperties(m)
}

// DecodeProperties decodes a raw variant map (from GetAll or a
// PropertiesChanged signal) into Adapter1Properties. BOT merges this
// into its own live Adapter state rather than replacing it wholesale,
// since a PropertiesChanged dict is usually a partial update.
func DecodeProperties(m map[string]dbus.Variant) (*Adapter1Properties, error) {
	p := &Adapter1Properties{}
	if err := util.MapToStruct(p, m); err != nil {
		return nil, err
	}
	return p, nil
}
