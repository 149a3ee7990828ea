// Package agent wraps org.bluez.AgentManager1 (registration) and
// exports a local org.bluez.Agent1 object that answers BlueZ's pairing
// prompts
package agent

import (
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez"
)

// Capability is the pairing I/O capability string advertised at
// registration.
type Capability string

const (
	CapNoInputNoOutput Capability = "NoInputNoOutput"
	CapDisplayOnly Capability     = "DisplayOnly"
	CapKeyboardOnly Capability    = "KeyboardOnly"
	CapDisplayYesNo Capability    = "DisplayYesNo"
	CapKeyboardDisplay Capability = "KeyboardDisplay"
)

// AgentManager1 is a client-side handle to BlueZ's agent manager,
// rooted at the fixed "/org/bluez" path.
type AgentManager1 struct {
	client *bluez.Client
}

// NewAgentManager1 builds the handle.
func NewAgentManager1() *AgentManager1 {
	return &AgentManager1{
		client: bluez.NewClient(&bluez.Config{
			Name:   bluez.ServiceName,
			Iface:  bluez.IfaceAgentManager,
			Path:   "/org/bluez",
			Bus:    bluez.SystemBus,
		}),
	}
}

// RegisterAgent registers a locally-exported Agent1 object and
// capability.
func (m *AgentManager1) RegisterAgent(agentPath dbus.ObjectPath, cap Capability) error {
	return m.client.Call("RegisterAgent", 0, agentPath, string(cap)).Err
}

// RequestDefaultAgent asks BlueZ to treat agentPath as the default
// agent for all future pairing requests.
func (m *AgentManager1) RequestDefaultAgent(agentPath dbus.ObjectPath) error {
	return m.client.Call("RequestDefaultAgent", 0, agentPath).Err
}

// UnregisterAgent unregisters a previously registered agent.
func (m *AgentManager1) UnregisterAgent(agentPath dbus.ObjectPath) error {
	return m.client.Call("UnregisterAgent", 0, agentPath).Err
}
