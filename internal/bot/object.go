// Package bot implements the BLE Object Tracker: a live
// mirror of BlueZ's managed-object graph, per-object state machines,
// and the translation of object events into Node-Manager calls.
package bot

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/pkg/uuid"
)

// The closed set of BlueZ interfaces this tracker understands. Any other
// interface name is ignored.
const (
	IfaceAdapter            = "org.bluez.Adapter1"
	IfaceDevice             = "org.bluez.Device1"
	IfaceGattService        = "org.bluez.GattService1"
	IfaceGattCharacteristic = "org.bluez.GattCharacteristic1"
	IfaceAgentManager       = "org.bluez.AgentManager1"
)

// PairingSupport tracks what a device has demonstrated about its
// pairing requirement.
type PairingSupport int

const (
	PairingUnknown PairingSupport = iota
	PairingSupported
	PairingUnsupported
)

// PairingStatus is the device pairing state machine's current phase: READY ->
// IN_PROG -> (AUTH_REQ|AUTH_DISPLAY) -> READY.
type PairingStatus int

const (
	PairingReady PairingStatus = iota
	PairingInProgress
	PairingAuthRequest
	PairingAuthDisplay
)

// IOState gates BlueZ characteristic read/write serialization.
type IOState int

const (
	IOReady IOState = iota
	IOReading
	IOWriting
)

// BleObject is one BlueZ managed object, modeled as a composition of
// at most one state per known interface rather than a virtual-dispatch
// hierarchy:
// the tracker switches on which field is populated instead of using
// reflection or an interface method set.
type BleObject struct {
	Path dbus.ObjectPath

	Adapter  *AdapterState
	Device   *DeviceState
	Service  *ServiceState
	Char     *CharacteristicState
	AgentMgr *AgentManagerState

	propsSubscribed bool
}

func (o *BleObject) empty() bool {
	return o.Adapter == nil && o.Device == nil && o.Service == nil && o.Char == nil && o.AgentMgr == nil
}

// AdapterState is BOT's live mirror of one org.bluez.Adapter1 object.
type AdapterState struct {
	Path         dbus.ObjectPath
	Control      AdapterControl
	Powered      bool
	Discoverable bool
	Pairable     bool
	Discovering  bool
	Initialized  bool
}

// DeviceState is BOT's live mirror of one org.bluez.Device1 object.
type DeviceState struct {
	Path             dbus.ObjectPath
	Control          DeviceControl
	AdapterPath      dbus.ObjectPath
	Address          string
	Name             string
	Alias            string
	RSSI             int16
	Paired           bool
	Connected        bool
	ServicesResolved bool
	LegacyPairing    bool
	UUIDs            []string
	ServiceData      map[string][]byte

	seen bool // at least one props update applied

	PairingSupport PairingSupport
	Pairing        PairingStatus

	OEMModel string
	Node     *nm.Node

	connectCB func(nm.NetworkResult, nm.ConnectOutcome)
}

// ServiceState is BOT's live mirror of one org.bluez.GattService1
// object.
type ServiceState struct {
	Path       dbus.ObjectPath
	DevicePath dbus.ObjectPath
	UUID       uuid.UUID
	Template   *gdb.TemplateDef
}

// CharacteristicState is BOT's live mirror of one
// org.bluez.GattCharacteristic1 object.
type CharacteristicState struct {
	Path        dbus.ObjectPath
	Control     CharControl
	ServicePath dbus.ObjectPath
	UUID        uuid.UUID
	FlagsParsed bool
	Readable    bool
	Writable    bool
	Notifiable  bool
	Notifying   bool

	IO IOState

	PropsLookedUp  bool
	PropDefs       []*gdb.PropDef
	Props          []*nm.Property
	PendingPropAdd bool
	PendingRead    bool
	PendingWrite   bool

	notifyRequested  bool
	pendingWriteData []byte
	pendingWriteDone func(error)
}

// AgentManagerState is BOT's live mirror of the AgentManager1 object.
type AgentManagerState struct {
	Path       dbus.ObjectPath
	Registered bool
}
