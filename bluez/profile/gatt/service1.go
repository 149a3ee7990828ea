// Package gatt wraps org.bluez.GattService1 and
// org.bluez.GattCharacteristic1, the client-side GATT surface this
// gateway reads from. (The GattManager1 server-side
// registration wrapper is dropped; see DESIGN.md.)
package gatt

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez"
	"github.com/ayla-edge/gatewayd/bluez/util"
)

// GattService1Properties mirrors the properties tracks
// for a GattService interface.
type GattService1Properties struct {
	UUID   string          `dbus:"UUID"`
	Device dbus.ObjectPath `dbus:"Device"`
}

// GattService1 is a client-side handle to one BlueZ GATT service.
type GattService1 struct {
	client *bluez.Client
}

// NewGattService1 builds a handle for the service at path.
func NewGattService1(path dbus.ObjectPath) *GattService1 {
	return &GattService1{
		client: bluez.NewClient(&bluez.Config{
			Name:   bluez.ServiceName,
			Iface:  bluez.IfaceGattService,
			Path:   path,
			Bus:    bluez.SystemBus,
		}),
	}
}

// Path returns the service's object path.
func (s *GattService1) Path() dbus.ObjectPath { return s.client.Config.Path }

// Properties fetches and decodes the service's current properties.
func (s *GattService1) Properties() (*GattService1Properties, error) {
	m, err := s.client.GetAll()
	if err != nil {
		return nil, err
	}
	return DecodeServiceProperties(m)
}

// DecodeServiceProperties decodes a raw variant map into
// GattService1Properties.
func DecodeServiceProperties(m map[string]dbus.Variant) (*GattService1Properties, error) {
	p := &GattService1Properties{}
	if err := util.MapToStruct(p, m); err != nil {
		return nil, err
	}
	return p, nil
}
