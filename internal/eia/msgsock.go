package eia

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// The secondary "message" socket carries the typed RPC dialect used
// for the structured sub-protocols: listen-enable,
// destination push, time push, registration push, factory-reset push,
// setup-info push. Its endpoint events are connect and disconnect.

// Message interface/type strings used on the msg socket.
const (
	msgIfaceApp = "app"

	MsgListenEnable = "listen_enable"
	MsgDestinations = "dests"
	MsgTime         = "time"
	MsgRegistration = "registration"
	MsgFactoryReset = "factory_reset"
	MsgSetupInfo    = "setup_info"
)

// msgFrame is one typed message on the msg socket.
type msgFrame struct {
	AMsg amsgBody `json:"amsg"`
}

type amsgBody struct {
	Interface string      `json:"interface"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
}

// MsgSocket is the secondary cloud-client socket.
type MsgSocket struct {
	sock *Socket

	// OnDestinations receives destination (LAN peer) pushes.
	OnDestinations func(data json.RawMessage)
	// OnTime receives cloud time pushes.
	OnTime func(utc time.Time)
	// OnRegistration receives registration-state pushes.
	OnRegistration func(data json.RawMessage)
	// OnFactoryReset receives a factory-reset push.
	OnFactoryReset func()
	// OnSetupInfo receives setup-info pushes.
	OnSetupInfo func(data json.RawMessage)
	// OnConnState reports connect/disconnect edges.
	OnConnState func(up bool)
}

// NewMsgSocket builds the msg socket at <dir>/client/msg_sock.
func NewMsgSocket(dir string) *MsgSocket {
	m := &MsgSocket{sock: NewSocket(dir, PeerClient, "msg_sock")}
	m.sock.OnFrame = m.handle
	m.sock.OnConnState = func(up bool) {
		if m.OnConnState != nil {
			m.OnConnState(up)
		}
	}
	return m
}

// Start begins the connect/receive loop.
func (m *MsgSocket) Start() { m.sock.Start() }

// Close tears the socket down.
func (m *MsgSocket) Close() { m.sock.Close() }

// Connected reports the socket state.
func (m *MsgSocket) Connected() bool { return m.sock.Connected() }

func (m *MsgSocket) send(typ string, data interface{}) error {
	raw, err := json.Marshal(msgFrame{AMsg: amsgBody{Interface: msgIfaceApp, Type: typ, Data: data}})
	if err != nil {
		return errors.Wrap(err, "eia: msg encode")
	}
	return m.sock.Send(raw)
}

// SendListenEnable asks the cloud client to push inbound traffic to
// this process.
func (m *MsgSocket) SendListenEnable() error {
	return m.send(MsgListenEnable, nil)
}

// SendSetupInfo pushes gateway setup info to the cloud client.
func (m *MsgSocket) SendSetupInfo(data interface{}) error {
	return m.send(MsgSetupInfo, data)
}

func (m *MsgSocket) handle(data []byte) {
	var f msgFrame
	if err := json.Unmarshal(data, &f); err != nil {
		logger.WithError(err).Debug("msg socket frame decode failed")
		return
	}
	raw, _ := json.Marshal(f.AMsg.Data)
	switch f.AMsg.Type {
	case MsgDestinations:
		if m.OnDestinations != nil {
			m.OnDestinations(raw)
		}
	case MsgTime:
		var secs int64
		if err := json.Unmarshal(raw, &secs); err == nil && m.OnTime != nil {
			m.OnTime(time.Unix(secs, 0).UTC())
		}
	case MsgRegistration:
		if m.OnRegistration != nil {
			m.OnRegistration(raw)
		}
	case MsgFactoryReset:
		if m.OnFactoryReset != nil {
			m.OnFactoryReset()
		}
	case MsgSetupInfo:
		if m.OnSetupInfo != nil {
			m.OnSetupInfo(raw)
		}
	default:
		logger.WithField("type", f.AMsg.Type).Debug("unhandled msg socket type")
	}
}
