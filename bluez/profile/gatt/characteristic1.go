package gatt

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez"
	"github.com/ayla-edge/gatewayd/bluez/util"
)

// CharFlag is a single bit in the characteristic flags bitmask.
type CharFlag uint16

const (
	FlagRead CharFlag = 1 << iota
	FlagWrite
	FlagWriteNoResponse
	FlagNotify
	FlagIndicate
	FlagBroadcast
)

// ParseFlags converts BlueZ's wire-level flag string list into the
// bitmask describes, ignoring flags this gateway doesn't
// act on.
func ParseFlags(raw []string) CharFlag {
	var f CharFlag
	for _, s := range raw {
		switch s {
		case "read":
			f |= FlagRead
		case "write":
			f |= FlagWrite
		case "write-without-response":
			f |= FlagWriteNoResponse
		case "notify":
			f |= FlagNotify
		case "indicate":
			f |= FlagIndicate
		case "broadcast":
			f |= FlagBroadcast
		}
	}
	return f
}

// GattCharacteristic1Properties mirrors the properties
// tracks for a GattCharacteristic interface.
type GattCharacteristic1Properties struct {
	UUID      string          `dbus:"UUID"`
	Service   dbus.ObjectPath `dbus:"Service"`
	Value     []byte          `dbus:"Value,omitEmpty"`
	Notifying bool            `dbus:"Notifying"`
	Flags     []string        `dbus:"Flags,omitEmpty"`
}

// GattCharacteristic1 is a client-side handle to one BlueZ GATT
// characteristic.
type GattCharacteristic1 struct {
	client *bluez.Client
}

// NewGattCharacteristic1 builds a handle for the characteristic at
// path.
func NewGattCharacteristic1(path dbus.ObjectPath) *GattCharacteristic1 {
	return &GattCharacteristic1{
		client: bluez.NewClient(&bluez.Config{
			Name:   bluez.ServiceName,
			Iface:  bluez.IfaceGattCharacteristic,
			Path:   path,
			Bus:    bluez.SystemBus,
		}),
	}
}

// Path returns the characteristic's object path.
func (c *GattCharacteristic1) Path() dbus.ObjectPath { return c.client.Config.Path }

// ReadValue issues GattCharacteristic1.ReadValue.
func (c *GattCharacteristic1) ReadValue(options map[string]interface{}) ([]byte, error) {
	var out []byte
	err := c.client.Call("ReadValue", 0, options).Store(&out)
	return out, err
}

// WriteValue issues GattCharacteristic1.WriteValue.
func (c *GattCharacteristic1) WriteValue(value []byte, options map[string]interface{}) error {
	return c.client.Call("WriteValue", 0, value, options).Err
}

// StartNotify issues GattCharacteristic1.StartNotify.
func (c *GattCharacteristic1) StartNotify() error {
	return c.client.Call("StartNotify", 0).Err
}

// StopNotify issues GattCharacteristic1.StopNotify.
func (c *GattCharacteristic1) StopNotify() error {
	return c.client.Call("StopNotify", 0).Err
}

// Properties fetches and decodes the characteristic's current
// properties.
func (c *GattCharacteristic1) Properties() (*GattCharacteristic1Properties, error) {
	m, err := c.client.GetAll()
	if err != nil {
		return nil, err
	}
	return DecodeCharacteristicProperties(m)
}

// DecodeCharacteristicProperties decodes a raw variant map into
// GattCharacteristic1Properties.
func DecodeCharacteristicProperties(m map[string]dbus.Variant) (*GattCharacteristic1Properties, error) {
	p := &GattCharacteristic1Properties{}
	if err := util.MapToStruct(p, m); err != nil {
		return nil, err
	}
	return p, nil
}
