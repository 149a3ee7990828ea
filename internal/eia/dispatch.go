package eia

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/internal/poq"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Client is the cloud-client adapter: it owns the command socket and
// the message socket, serializes queued ops onto the wire (it is the
// poq.Queue's Sender), and dispatches inbound commands to the op
// queue, the node manager, and the schedule engine.
type Client struct {
	sock  *Socket
	msg   *MsgSocket
	q     *poq.Queue
	nodes *nm.Manager
	sched *Scheduler

	// OnDatapointLocation receives file-datapoint location pushes for
	// in-flight file transfers.
	OnDatapointLocation func(name, location string)
}

// NewClient wires the adapter over <dir>/client. The queue's Sender
// and ADS up/down edges are bound here; call Start to begin
// connecting.
func NewClient(dir string, q *poq.Queue, nodes *nm.Manager, sched *Scheduler) *Client {
	c := &Client{
		sock:  NewSocket(dir, PeerClient, "appd_sock"),
		msg:   NewMsgSocket(dir),
		q:     q,
		nodes: nodes,
		sched: sched,
	}
	c.sock.OnFrame = c.handleFrame
	c.sock.OnConnState = func(up bool) { q.SetADSUp(up) }
	c.sock.OnOversize = func(id int) { c.sendNak(id, ErrPktSize) }
	return c
}

var _ poq.Sender = (*Client)(nil)

// Start begins the connect/receive loops for both sockets.
func (c *Client) Start() {
	c.sock.Start()
	c.msg.Start()
}

// Close tears both sockets down.
func (c *Client) Close() {
	c.sock.Close()
	c.msg.Close()
}

func (c *Client) sendFrame(f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return errors.Wrap(err, "eia: frame encode")
	}
	return c.sock.Send(data)
}

func (c *Client) sendNak(id int, errCode string) {
	if err := c.sendFrame(NakFrame(id, errCode)); err != nil {
		logger.WithError(err).Debug("nak transmit failed")
	}
}

// opName maps a queued opcode to its wire op string.
func opName(code poq.Opcode) (string, string) {
	switch code {
	case poq.OpPropSend:
		return ProtoData, "property_update"
	case poq.OpPropResponse:
		return ProtoData, "property_response"
	case poq.OpPropRequest, poq.OpPropRequestAll, poq.OpPropRequestToDevice:
		return ProtoData, "property_request"
	case poq.OpAck:
		return ProtoData, "property_ack"
	case poq.OpDatapointCreate:
		return ProtoData, "datapoint_create"
	case poq.OpDatapointSend:
		return ProtoData, "datapoint_send"
	case poq.OpDatapointRequest:
		return ProtoData, "datapoint_request"
	case poq.OpDatapointFetched:
		return ProtoData, "datapoint_fetched"
	case poq.OpBatchSend:
		return ProtoData, "batch_send"
	case poq.OpNodeAdd:
		return ProtoGateway, "node_add"
	case poq.OpNodeUpdate:
		return ProtoGateway, "node_update"
	case poq.OpNodeRemove:
		return ProtoGateway, "node_remove"
	case poq.OpNodeConnStatus:
		return ProtoGateway, "node_conn_status"
	default:
		return ProtoData, code.String()
	}
}

// SendOp implements poq.Sender: serialize one queued op as a frame.
func (c *Client) SendOp(op *poq.Op) error {
	proto, name := opName(op.Code)
	if op.Prop.Addr != "" {
		proto = ProtoGateway
	}
	cmd := &Command{Proto: proto, Op: name, ID: int(op.ReqID)}
	if op.Opts.Confirm || op.Opts.Echo || op.Opts.Dests != 0 || op.Opts.DevTimeMS != 0 || len(op.Opts.Metadata) > 0 {
		cmd.Opts = &CommandOpts{
			Confirm:   true, // the transport always correlates
			Echo:      op.Opts.Echo,
			Dests:     int(op.Opts.Dests),
			DevTimeMS: op.Opts.DevTimeMS,
			Metadata:  op.Opts.Metadata,
		}
	}

	switch op.Code {
	case poq.OpBatchSend:
		for _, e := range op.Entries {
			raw, err := json.Marshal(propertyArg{
				Address:      e.Prop.Addr,
				SubdeviceKey: e.Prop.Subdevice,
				TemplateKey:  e.Prop.Template,
				Name:         e.Prop.Name,
				Value:        marshalValue(e.Val),
				DevTimeMS:    e.DevTimeMS,
			})
			if err != nil {
				return errors.Wrap(err, "eia: batch entry encode")
			}
			cmd.Args = append(cmd.Args, raw)
		}
	default:
		arg := propertyArg{
			Address:      op.Prop.Addr,
			SubdeviceKey: op.Prop.Subdevice,
			TemplateKey:  op.Prop.Template,
			Name:         op.Prop.Name,
			DevTimeMS:    op.Opts.DevTimeMS,
		}
		if op.FilePath != "" {
			arg.Location = op.FilePath
		} else {
			arg.Value = marshalValue(op.Val)
		}
		if op.RespID != 0 {
			arg.ID = op.RespID
		}
		raw, err := json.Marshal(arg)
		if err != nil {
			return errors.Wrap(err, "eia: op encode")
		}
		cmd.Args = []json.RawMessage{raw}
	}
	return c.sendFrame(&Frame{Cmd: cmd})
}

// SendListenEnable implements poq.Sender: the listen-enable message
// travels on the structured message socket when connected, else as a
// plain command.
func (c *Client) SendListenEnable() error {
	if c.msg != nil && c.msg.Connected() {
		return c.msg.SendListenEnable()
	}
	return c.sendFrame(&Frame{Cmd: &Command{Proto: ProtoGateway, Op: "listen_enable", ID: 0}})
}

func marshalValue(v value.Value) json.RawMessage {
	raw, err := json.Marshal(v.ToJSON())
	if err != nil {
		return nil
	}
	return raw
}

// handleFrame dispatches one received packet.
func (c *Client) handleFrame(data []byte) {
	f, ok := DecodeFrame(data)
	if !ok {
		c.sendNak(0, ErrInvalJSON)
		return
	}
	cmd := f.Cmd
	if cmd.Op == "" {
		c.sendNak(cmd.ID, ErrOp)
		return
	}
	if cmd.Proto != ProtoData && cmd.Proto != ProtoGateway {
		c.sendNak(cmd.ID, ErrUnkwnProto)
		return
	}
	c.Dispatch(cmd)
}

// Dispatch routes one decoded command. Exported so tests can drive the
// dispatcher without a live socket.
func (c *Client) Dispatch(cmd *Command) {
	switch cmd.Op {
	case "confirm_true":
		c.q.ConfirmTrue(c.correlatedID(cmd))
	case "confirm_false":
		arg := c.firstArg(cmd)
		c.q.ConfirmFalse(c.correlatedID(cmd), arg.Err, poq.Dest(arg.Dests))
	case "nak":
		arg := c.firstArg(cmd)
		c.q.Nak(c.correlatedID(cmd), arg.Err)
	case "echo_failure":
		arg := c.firstArg(cmd)
		c.q.EchoFailure(arg.Name, arg.Err, poq.Dest(arg.Dests))
	case "property_ack":
		c.q.ConfirmTrue(c.correlatedID(cmd))
	case "property_update":
		c.handlePropertyUpdate(cmd)
	case "property_request":
		c.handlePropertyRequest(cmd)
	case "property_response":
		c.handlePropertyUpdate(cmd) // a response carries the same payload shape
	case "schedule_update":
		c.handleScheduleUpdate(cmd)
	case "datapoint_location":
		arg := c.firstArg(cmd)
		if c.OnDatapointLocation != nil {
			c.OnDatapointLocation(arg.Name, arg.Location)
		}
	case "datapoint_request":
		c.handleDatapointRequest(cmd)
	case "message_get":
		c.handleMessageGet(cmd)
	case "node_factory_reset":
		c.nodeOp(cmd, c.nodes.FactoryReset)
	case "node_remove":
		c.nodeOp(cmd, c.nodes.Remove)
	case "node_update_info":
		c.nodeOp(cmd, c.nodes.MarkInfoChanged)
	case "node_ota":
		c.handleNodeOTA(cmd)
	default:
		c.sendNak(cmd.ID, ErrOp)
	}
}

// nodeOp runs a node-centric gateway-protocol command addressed by
// node address.
func (c *Client) nodeOp(cmd *Command, fn func(addr string)) {
	arg := c.firstArg(cmd)
	if cmd.Proto != ProtoGateway || arg.Address == "" {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	if _, ok := c.nodes.Node(arg.Address); !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	fn(arg.Address)
	c.ack(cmd.ID)
}

// nodeOTAArg is the node_ota payload.
type nodeOTAArg struct {
	Address  string `json:"address"`
	Version  string `json:"version"`
	Location string `json:"location"`
}

func (c *Client) handleNodeOTA(cmd *Command) {
	if cmd.Proto != ProtoGateway || len(cmd.Args) == 0 {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	var arg nodeOTAArg
	if err := json.Unmarshal(cmd.Args[0], &arg); err != nil || arg.Address == "" {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	switch err := c.nodes.OTAApply(arg.Address, arg.Version, arg.Location); {
	case err == nil:
		c.ack(cmd.ID)
	case errors.Is(err, nm.ErrNoSuchNode):
		c.sendNak(cmd.ID, ErrUnkwnProp)
	default:
		c.sendNak(cmd.ID, ErrInvalArgs)
	}
}

// correlatedID extracts the request id a confirm/nak refers to: the
// args carry it explicitly, else the command id is the correlation.
func (c *Client) correlatedID(cmd *Command) uint32 {
	if arg := c.firstArg(cmd); arg.ID != 0 {
		return uint32(arg.ID)
	}
	return uint32(cmd.ID)
}

func (c *Client) firstArg(cmd *Command) propertyArg {
	var arg propertyArg
	if len(cmd.Args) > 0 {
		_ = json.Unmarshal(cmd.Args[0], &arg)
	}
	return arg
}

// handlePropertyUpdate applies a cloud/LAN-originated property set: decode the
// value against the property's declared
// type and push it through the node manager toward the device.
func (c *Client) handlePropertyUpdate(cmd *Command) {
	if len(cmd.Args) == 0 {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	var arg propertyArg
	if err := json.Unmarshal(cmd.Args[0], &arg); err != nil || arg.Name == "" {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	if cmd.Proto != ProtoGateway || arg.Address == "" {
		// Plain data-protocol property updates address gateway-own
		// properties, none of which are writable here.
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}

	n, ok := c.nodes.Node(arg.Address)
	if !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	p, ok := n.Property(arg.SubdeviceKey, arg.TemplateKey, arg.Name)
	if !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	v, errCode := decodeJSONValue(p.Type, arg.Value, p.RejectNull)
	if errCode != "" {
		c.sendNak(cmd.ID, errCode)
		return
	}

	err := c.nodes.PropSet(arg.Address, arg.SubdeviceKey, arg.TemplateKey, arg.Name, v)
	switch {
	case err == nil, errors.Is(err, nm.ErrOffline):
		// An offline set is cached and retried on the next online
		// transition; it still acks.
		c.ack(cmd.ID)
	case errors.Is(err, nm.ErrWrongDirection):
		c.sendNak(cmd.ID, ErrInvalArgs)
	case errors.Is(err, nm.ErrValueTooLarge):
		c.sendNak(cmd.ID, ErrVal)
	case errors.Is(err, nm.ErrNoSuchNode), errors.Is(err, nm.ErrNoSuchProp):
		c.sendNak(cmd.ID, ErrUnkwnProp)
	default:
		c.sendNak(cmd.ID, ErrVal)
	}
}

func (c *Client) ack(id int) {
	raw, _ := json.Marshal(propertyArg{ID: id})
	err := c.sendFrame(&Frame{Cmd: &Command{
		Proto: ProtoData,
		Op:    "property_ack",
		ID:    id,
		Args:  []json.RawMessage{raw},
	}})
	if err != nil {
		logger.WithError(err).Debug("ack transmit failed")
	}
}

// handlePropertyRequest answers by-name requests with a
// property_response from the cache, and all/all-to-device requests by
// resending the matching direction set.
func (c *Client) handlePropertyRequest(cmd *Command) {
	arg := c.firstArg(cmd)
	if cmd.Proto != ProtoGateway || arg.Address == "" {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	if arg.Name == "" {
		dir := gdb.FromDevice
		if arg.ToDevice {
			dir = gdb.ToDevice
		}
		if err := c.nodes.SendAllSet(arg.Address, dir); err != nil {
			c.sendNak(cmd.ID, ErrUnkwnProp)
		}
		return
	}

	n, ok := c.nodes.Node(arg.Address)
	if !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	p, ok := n.Property(arg.SubdeviceKey, arg.TemplateKey, arg.Name)
	if !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	v, ok := p.Value()
	if !ok {
		c.sendNak(cmd.ID, ErrBadVal)
		return
	}
	op := &poq.Op{
		Code:   poq.OpPropResponse,
		Prop:   poq.PropRef{Addr: arg.Address, Subdevice: p.Subdevice, Template: p.Template, Name: p.Name},
		Val:    v,
		RespID: cmd.ID,
		Opts:   poq.Options{Dests: poq.DestADS},
	}
	if err := c.q.Enqueue(op); err != nil {
		c.sendNak(cmd.ID, ErrMem)
	}
}

func (c *Client) handleScheduleUpdate(cmd *Command) {
	if c.sched == nil || len(cmd.Args) == 0 {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	var arg scheduleArgJSON
	if err := json.Unmarshal(cmd.Args[0], &arg); err != nil || arg.Name == "" {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	if err := c.sched.Update(arg.Name, arg.Value, arg.Arg); err != nil {
		c.sendNak(cmd.ID, ErrBadVal)
		return
	}
	c.ack(cmd.ID)
}

// handleDatapointRequest starts a file-property upload toward the
// cloud.
func (c *Client) handleDatapointRequest(cmd *Command) {
	arg := c.firstArg(cmd)
	if arg.Address == "" || arg.Name == "" {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	n, ok := c.nodes.Node(arg.Address)
	if !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	p, ok := n.Property(arg.SubdeviceKey, arg.TemplateKey, arg.Name)
	if !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	v, ok := p.Value()
	if !ok || v.Kind != value.KindFile {
		c.sendNak(cmd.ID, ErrInvalType)
		return
	}
	err := c.q.Files().Enqueue(&poq.FileOp{
		Upload: true,
		Path:   v.Path,
		Prop:   poq.PropRef{Addr: arg.Address, Subdevice: p.Subdevice, Template: p.Template, Name: p.Name},
	})
	if errors.Is(err, poq.ErrQueueFull) {
		c.sendNak(cmd.ID, ErrMem)
	}
}

func (c *Client) handleMessageGet(cmd *Command) {
	arg := c.firstArg(cmd)
	if arg.Address == "" || arg.Name == "" {
		c.sendNak(cmd.ID, ErrInvalArgs)
		return
	}
	n, ok := c.nodes.Node(arg.Address)
	if !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	p, ok := n.Property(arg.SubdeviceKey, arg.TemplateKey, arg.Name)
	if !ok {
		c.sendNak(cmd.ID, ErrUnkwnProp)
		return
	}
	v, ok := p.Value()
	if !ok || v.Kind != value.KindMessage {
		c.sendNak(cmd.ID, ErrInvalType)
		return
	}
	op := &poq.Op{
		Code:   poq.OpPropResponse,
		Prop:   poq.PropRef{Addr: arg.Address, Subdevice: p.Subdevice, Template: p.Template, Name: p.Name},
		Val:    v,
		RespID: cmd.ID,
		Opts:   poq.Options{Dests: poq.DestADS},
	}
	if err := c.q.Enqueue(op); err != nil {
		c.sendNak(cmd.ID, ErrMem)
	}
}

// decodeJSONValue converts an inbound JSON scalar to a Value of the
// property's declared kind: INVAL_TYPE on a kind mismatch, BAD_VAL
// on an unusable value.
// Null is accepted (as "leave unset"-style zero value) unless the
// property opted into reject_null.
func decodeJSONValue(kind value.Kind, raw json.RawMessage, rejectNull bool) (value.Value, string) {
	if len(raw) == 0 || string(raw) == "null" {
		if rejectNull {
			return value.Value{}, ErrBadVal
		}
		return value.Value{Kind: kind}, ""
	}
	switch kind {
	case value.KindInteger:
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return value.Value{}, ErrInvalType
		}
		if v > 1<<31-1 || v < -(1<<31) {
			return value.Value{}, ErrBadVal
		}
		return value.Int32(int32(v)), ""
	case value.KindBoolean:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return value.Value{}, ErrInvalType
		}
		return value.Bool(v), ""
	case value.KindDecimal:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return value.Value{}, ErrInvalType
		}
		return value.Float64(v), ""
	case value.KindString:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return value.Value{}, ErrInvalType
		}
		return value.String(v), ""
	case value.KindBlob:
		var v []byte
		if err := json.Unmarshal(raw, &v); err != nil {
			return value.Value{}, ErrInvalType
		}
		return value.BlobValue(v), ""
	case value.KindFile:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return value.Value{}, ErrInvalType
		}
		return value.File(v), ""
	case value.KindMessage:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return value.Value{}, ErrInvalType
		}
		m, err := value.Message(v)
		if err != nil {
			return value.Value{}, ErrBadVal
		}
		return m, ""
	default:
		return value.Value{}, ErrInvalType
	}
}
