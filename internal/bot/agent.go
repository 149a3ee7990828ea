package bot

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez/profile/agent"
)

// PasskeyHost is the host-side collaborator the pairing agent consults: it
// supplies a passkey for RequestPinCode/
// RequestPasskey and is shown the peer's passkey for Display*/
// RequestConfirmation.
type PasskeyHost interface {
	// Passkey returns the passkey to offer a device asking for one, or
	// false if none is configured.
	Passkey() (uint32, bool)
	// DisplayPasskey publishes a passkey the user should verify.
	DisplayPasskey(passkey uint32)
	// ClearPasskey withdraws any displayed passkey.
	ClearPasskey()
}

// SetPasskeyHost installs the host the agent consults. May be nil, in
// which case passkey requests are rejected.
func (t *Tracker) SetPasskeyHost(h PasskeyHost) {
	t.mu.Lock()
	t.passkeyHost = h
	t.mu.Unlock()
}

// updateAgentManager implements the registration flow: on
// AgentManager appear, export a local agent object, register it with
// capability NoInputNoOutput, then request it as the default agent.
func (t *Tracker) updateAgentManager(obj *BleObject, allowAdd bool) {
	t.mu.Lock()
	if obj.AgentMgr == nil {
		if !allowAdd {
			t.mu.Unlock()
			return
		}
		obj.AgentMgr = &AgentManagerState{Path: obj.Path}
	}
	registered := t.agentRegistered
	path := t.agentPath
	conn := t.conn
	t.mu.Unlock()

	if registered || conn == nil {
		return
	}
	if err := agent.ExportAgent1(conn, path, t); err != nil {
		logger.WithError(err).Warn("agent export failed")
		return
	}
	mgr := agent.NewAgentManager1()
	if err := mgr.RegisterAgent(path, agent.CapNoInputNoOutput); err != nil {
		logger.WithError(err).Warn("RegisterAgent failed")
		return
	}
	if err := mgr.RequestDefaultAgent(path); err != nil {
		logger.WithError(err).Warn("RequestDefaultAgent failed")
	}
	t.mu.Lock()
	t.agentRegistered = true
	obj.AgentMgr.Registered = true
	t.mu.Unlock()
	logger.Info("pairing agent registered")
}

// connectActive reports whether any tracked device has a pairing
// attempt in flight. Passkey requests outside an active connect are
// ignored.
func (t *Tracker) connectActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.objects {
		if o.Device != nil && o.Device.Pairing != PairingReady {
			return true
		}
	}
	return false
}

var errAgentRejected = dbus.NewError("org.bluez.Error.Rejected", nil)

var _ agent.Handler = (*Tracker)(nil)

// RequestPinCode implements org.bluez.Agent1: the host passkey is
// formatted as a 6-digit PIN.
func (t *Tracker) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	if !t.connectActive() {
		return "", errAgentRejected
	}
	t.mu.Lock()
	host := t.passkeyHost
	t.mu.Unlock()
	if host == nil {
		return "", errAgentRejected
	}
	key, ok := host.Passkey()
	if !ok {
		return "", errAgentRejected
	}
	return fmt.Sprintf("%06d", key%1000000), nil
}

// RequestPasskey implements org.bluez.Agent1.
func (t *Tracker) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	if !t.connectActive() {
		return 0, errAgentRejected
	}
	t.mu.Lock()
	host := t.passkeyHost
	t.mu.Unlock()
	if host == nil {
		return 0, errAgentRejected
	}
	key, ok := host.Passkey()
	if !ok {
		return 0, errAgentRejected
	}
	return key, nil
}

// DisplayPinCode publishes the PIN to the host and auto-confirms.
func (t *Tracker) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	t.mu.Lock()
	host := t.passkeyHost
	t.mu.Unlock()
	if host != nil {
		var key uint32
		fmt.Sscanf(pincode, "%d", &key)
		host.DisplayPasskey(key)
	}
	return nil
}

// DisplayPasskey publishes the passkey to the host and auto-confirms.
func (t *Tracker) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	t.mu.Lock()
	host := t.passkeyHost
	t.mu.Unlock()
	if host != nil {
		host.DisplayPasskey(passkey)
	}
	return nil
}

// RequestConfirmation publishes the passkey for user verification and
// auto-confirms.
func (t *Tracker) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	t.mu.Lock()
	host := t.passkeyHost
	t.mu.Unlock()
	if host != nil {
		host.DisplayPasskey(passkey)
	}
	return nil
}

// RequestAuthorization rejects
func (t *Tracker) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return errAgentRejected
}

// AuthorizeService accepts
func (t *Tracker) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	return nil
}

// Cancel clears any displayed passkey.
func (t *Tracker) Cancel() *dbus.Error {
	t.mu.Lock()
	host := t.passkeyHost
	t.mu.Unlock()
	if host != nil {
		host.ClearPasskey()
	}
	return nil
}

// Release clears any displayed passkey.
func (t *Tracker) Release() *dbus.Error {
	t.mu.Lock()
	host := t.passkeyHost
	t.mu.Unlock()
	if host != nil {
		host.ClearPasskey()
	}
	return nil
}
