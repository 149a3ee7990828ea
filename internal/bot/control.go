package bot

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez/profile/adapter"
	"github.com/ayla-edge/gatewayd/bluez/profile/device"
	"github.com/ayla-edge/gatewayd/bluez/profile/gatt"
)

// AdapterControl, DeviceControl, and CharControl are the narrow slices
// of the BlueZ client surface the tracker's state machines call
// through. Kept as interfaces (rather than calling the concrete bluez
// profile types directly) so the state machines can be driven against
// a scripted fake in tests, the same separation nm.NetworkHandler
// draws between node lifecycle logic and a real radio.
type AdapterControl interface {
	StartDiscovery() error
	StopDiscovery() error
	RemoveDevice(device dbus.ObjectPath) error
	SetPowered(on bool) error
}

type DeviceControl interface {
	Pair() error
	CancelPairing() error
	Connect() error
	Disconnect() error
}

type CharControl interface {
	ReadValue(options map[string]interface{}) ([]byte, error)
	WriteValue(value []byte, options map[string]interface{}) error
	StartNotify() error
	StopNotify() error
}

func defaultAdapterControl(path dbus.ObjectPath) AdapterControl { return adapter.NewAdapter1(path) }
func defaultDeviceControl(path dbus.ObjectPath) DeviceControl   { return device.NewDevice1(path) }
func defaultCharControl(path dbus.ObjectPath) CharControl       { return gatt.NewGattCharacteristic1(path) }
