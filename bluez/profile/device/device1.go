// Package device wraps org.bluez.Device1.
package device

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez"
	"github.com/ayla-edge/gatewayd/bluez/util"
)

// Device1Properties mirrors the org.bluez.Device1 properties this
// gateway tracks for a Device interface.
type Device1Properties struct {
	Address          string          `dbus:"Address"`
	Name             string          `dbus:"Name,omitEmpty"`
	Alias            string          `dbus:"Alias,omitEmpty"`
	RSSI             int16           `dbus:"RSSI,omitEmpty"`
	Paired           bool            `dbus:"Paired"`
	Connected        bool            `dbus:"Connected"`
	ServicesResolved bool            `dbus:"ServicesResolved"`
	LegacyPairing    bool            `dbus:"LegacyPairing"`
	Adapter          dbus.ObjectPath `dbus:"Adapter"`
	UUIDs            []string        `dbus:"UUIDs,omitEmpty"`
}

// Device1 is a client-side handle to one BlueZ device object.
type Device1 struct {
	client *bluez.Client
}

// NewDevice1 builds a handle for the device at path.
func NewDevice1(path dbus.ObjectPath) *Device1 {
	return &Device1{
		client: bluez.NewClient(&bluez.Config{
			Name:   bluez.ServiceName,
			Iface:  bluez.IfaceDevice,
			Path:   path,
			Bus:    bluez.SystemBus,
		}),
	}
}

// Path returns the device's object path.
func (d *Device1) Path() dbus.ObjectPath { return d.client.Config.Path }

// Pair issues Device1.Pair.
func (d *Device1) Pair() error { return d.client.Call("Pair", 0).Err }

// CancelPairing issues Device1.CancelPairing.
func (d *Device1) CancelPairing() error { return d.client.Call("CancelPairing", 0).Err }

// Connect issues Device1.Connect.
func (d *Device1) Connect() error { return d.client.Call("Connect", 0).Err }

// Disconnect issues Device1.Disconnect.
func (d *Device1) Disconnect() error { return d.client.Call("Disconnect", 0).Err }

// Properties fetches and decodes the device's current properties.
func (d *Device1) Properties() (*Device1Properties, error) {
	m, err := d.client.GetAll()
	if err != nil {
		return nil, err
	}
	return DecodeProperties(m)
}

// DecodeProperties decodes a raw variant map into Device1Properties.
func DecodeProperties(m map[string]dbus.Variant) (*Device1Properties, error) {
	p := &Device1Properties{}
	if err := util.MapToStruct(p, m); err != nil {
		return nil, err
	}
	return p, nil
}
