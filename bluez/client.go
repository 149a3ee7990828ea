// Package bluez is a thin D-Bus transport layer modeled on BlueZ's
// object/interface/property conventions. It owns the single shared
// system-bus connection and the low-level call/property helpers that
// the profile wrappers under bluez/profile build on.
package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// ServiceName is the well-known D-Bus name of the BlueZ-style service
// this gateway talks to. It is a constant: calls it fixed.
const ServiceName = "org.bluez"

// Interface name constants, the closed set of seven strings used
// verbatim on the wire.
const (
	IfaceAdapter             = "org.bluez.Adapter1"
	IfaceDevice              = "org.bluez.Device1"
	IfaceGattService         = "org.bluez.GattService1"
	IfaceGattCharacteristic  = "org.bluez.GattCharacteristic1"
	IfaceAgentManager        = "org.bluez.AgentManager1"
	IfaceAgent               = "org.bluez.Agent1"
	IfacePropertiesInterface = "org.freedesktop.DBus.Properties"
)

// Bus selects which D-Bus bus a Client dials.
type Bus int

const (
	SystemBus Bus = iota
	SessionBus
)

// Config describes one D-Bus object a Client addresses.
type Config struct {
	Name  string
	Iface string
	Path  dbus.ObjectPath
	Bus   Bus
}

// Client wraps one (connection, object path, interface) tuple, the
// handle every profile wrapper under bluez/profile builds on.
type Client struct {
	Config *Config
	conn   *dbus.Conn
}

var systemConn *dbus.Conn
var sessionConn *dbus.Conn

// connect dials (once per process) the requested bus and caches the
// connection for reuse by every Client.
func connect(b Bus) (*dbus.Conn, error) {
	switch b {
	case SessionBus:
		if sessionConn != nil {
			return sessionConn, nil
		}
		c, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, errors.Wrap(err, "bluez: session bus connect")
		}
		sessionConn = c
		return c, nil
	default:
		if systemConn != nil {
			return systemConn, nil
		}
		c, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, errors.Wrap(err, "bluez: system bus connect")
		}
		systemConn = c
		return c, nil
	}
}

// NewClient builds a Client for cfg, connecting lazily.
func NewClient(cfg *Config) *Client {
	return &Client{Config: cfg}
}

func (c *Client) dbusConn() (*dbus.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := connect(c.Config.Bus)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Object returns the dbus.BusObject this client addresses.
func (c *Client) Object() (dbus.BusObject, error) {
	conn, err := c.dbusConn()
	if err != nil {
		return nil, err
	}
	return conn.Object(c.Config.Name, c.Config.Path), nil
}

// Call invokes method on the client's interface with args, returning
// the raw *dbus.Call for the caller to.Store()/inspect.Err.
func (c *Client) Call(method string, flags dbus.Flags, args...interface{}) *dbus.Call {
	obj, err := c.Object()
	if err != nil {
		return &dbus.Call{Err: err}
	}
	return obj.Call(c.Config.Iface+"."+method, flags, args...)
}

// CallOn invokes a method against an arbitrary path on the same
// connection (used for peer objects discovered via GetManagedObjects).
func (c *Client) CallOn(path dbus.ObjectPath, iface, method string, flags dbus.Flags, args...interface{}) *dbus.Call {
	conn, err := c.dbusConn()
	if err != nil {
		return &dbus.Call{Err: err}
	}
	obj := conn.Object(c.Config.Name, path)
	return obj.Call(iface+"."+method, flags, args...)
}

// GetProperty fetches one property via org.freedesktop.DBus.Properties.
func (c *Client) GetProperty(name string) (dbus.Variant, error) {
	obj, err := c.Object()
	if err != nil {
		return dbus.Variant{}, err
	}
	var v dbus.Variant
	err = obj.Call(IfacePropertiesInterface+".Get", 0, c.Config.Iface, name).Store(&v)
	if err != nil {
		return dbus.Variant{}, errors.Wrapf(err, "bluez: get property %s", name)
	}
	return v, nil
}

// SetProperty sets one property via org.freedesktop.DBus.Properties.
func (c *Client) SetProperty(name string, value interface{}) error {
	obj, err := c.Object()
	if err != nil {
		return err
	}
	err = obj.Call(IfacePropertiesInterface+".Set", 0, c.Config.Iface, name, dbus.MakeVariant(value)).Store()
	return errors.Wrapf(err, "bluez: set property %s", name)
}

// GetAll fetches every property of the client's interface as a raw
// variant map, for callers that do their own struct decoding.
func (c *Client) GetAll() (map[string]dbus.Variant, error) {
	obj, err := c.Object()
	if err != nil {
		return nil, err
	}
	var m map[string]dbus.Variant
	err = obj.Call(IfacePropertiesInterface+".GetAll", 0, c.Config.Iface).Store(&m)
	if err != nil {
		return nil, errors.Wrap(err, "bluez: get all properties")
	}
	return m, nil
}

// Disconnect releases the client's reference to the shared connection.
// The underlying *dbus.Conn is process-wide and is not closed here.
func (c *Client) Disconnect() {
	c.conn = nil
}
