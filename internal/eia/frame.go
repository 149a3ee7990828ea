// Package eia implements the External-Interface Adapter: the cloud-client
// socket shims, the configuration-persistence
// surface, and the schedule engine. The D-Bus side of the adapter
// lives in the bluez packages.
package eia

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("component", "eia")

// Protocols carried on the cloud-client socket.
const (
	ProtoData    = "data"
	ProtoGateway = "gateway"
)

// NAK error codes.
const (
	ErrInvalJSON  = "INVAL_JSON"
	ErrOp         = "OP"
	ErrPktSize    = "PKTSIZE"
	ErrUnkwnProto = "UNKWN_PROTO"
	ErrUnkwnProp  = "UNKWN_PROP"
	ErrInvalArgs  = "INVAL_ARGS"
	ErrInvalType  = "INVAL_TYPE"
	ErrBadVal     = "BAD_VAL"
	ErrVal        = "VAL"
	ErrMem        = "MEM"
	ErrConn       = "CONN"
)

// Command is the inner object of every frame on the cloud-client
// socket.
type Command struct {
	Proto string            `json:"proto"`
	Op    string            `json:"op"`
	ID    int               `json:"id"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Opts  *CommandOpts      `json:"opts,omitempty"`
}

// CommandOpts is the shared options record serialized with a command.
type CommandOpts struct {
	Confirm   bool        `json:"confirm,omitempty"`
	Echo      bool        `json:"echo,omitempty"`
	Dests     int         `json:"dests,omitempty"`
	DevTimeMS int64       `json:"dev_time_ms,omitempty"`
	Metadata  interface{} `json:"metadata,omitempty"`
}

// Frame is one JSON object per packet.
type Frame struct {
	Cmd *Command `json:"cmd"`
}

// EncodeFrame marshals a frame for transmission.
func EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses one received packet. A malformed packet returns
// (nil, false); the caller naks with INVAL_JSON.
func DecodeFrame(data []byte) (*Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Cmd == nil {
		return nil, false
	}
	return &f, true
}

// nakArgs is the single-args payload of a nak frame.
type nakArgs struct {
	Err string `json:"err"`
}

// NakFrame builds a NAK correlated to the offending command id.
func NakFrame(id int, errCode string) *Frame {
	raw, _ := json.Marshal(nakArgs{Err: errCode})
	return &Frame{Cmd: &Command{
		Proto: ProtoData,
		Op:    "nak",
		ID:    id,
		Args:  []json.RawMessage{raw},
	}}
}

// propertyArg is the routed property payload used on the gateway
// protocol: the {address, subdevice_key, template_key,
// name} routing tuple plus the value.
type propertyArg struct {
	Address      string          `json:"address,omitempty"`
	SubdeviceKey string          `json:"subdevice_key,omitempty"`
	TemplateKey  string          `json:"template_key,omitempty"`
	Name         string          `json:"name"`
	Value        json.RawMessage `json:"value,omitempty"`
	BaseType     string          `json:"base_type,omitempty"`
	DevTimeMS    int64           `json:"dev_time_ms,omitempty"`
	ToDevice     bool            `json:"to_device,omitempty"`
	Location     string          `json:"location,omitempty"`
	ID           int             `json:"id,omitempty"`
	Err          string          `json:"err,omitempty"`
	Dests        int             `json:"dests,omitempty"`
}

// scheduleArgJSON is the persisted/inbound schedule payload.
type scheduleArgJSON struct {
	Name  string       `json:"name"`
	Value string       `json:"value"`
	Arg   *ScheduleArg `json:"arg,omitempty"`
}
