package eia

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/internal/poq"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

type okNet struct{}

func (okNet) QueryInfo(n *nm.Node, cb nm.NetworkCallback) { cb(nm.NetworkSuccess) }
func (okNet) Configure(n *nm.Node, cb nm.NetworkCallback) { cb(nm.NetworkSuccess) }
func (okNet) PropSet(n *nm.Node, p *nm.Property, v value.Value, cb nm.NetworkCallback) {
	cb(nm.NetworkSuccess)
}
func (okNet) FactoryReset(n *nm.Node, cb nm.NetworkCallback) { cb(nm.NetworkSuccess) }
func (okNet) Leave(n *nm.Node, cb nm.NetworkCallback)        { cb(nm.NetworkSuccess) }
func (okNet) OTAUpdate(n *nm.Node, v, p string, cb nm.NetworkCallback) {
	cb(nm.NetworkSuccess)
}
func (okNet) ConfSave(n *nm.Node) interface{}         { return nil }
func (okNet) ConfLoaded(n *nm.Node, b interface{})    {}

type okCloud struct{}

func (okCloud) NodeAdd(n *nm.Node, cb nm.CloudCallback)    { cb(nm.CloudConfirm{}) }
func (okCloud) NodeRemove(n *nm.Node, cb nm.CloudCallback) { cb(nm.CloudConfirm{}) }
func (okCloud) NodeUpdateInfo(n *nm.Node, cb nm.CloudCallback) {
	cb(nm.CloudConfirm{})
}
func (okCloud) NodeConnStatus(n *nm.Node, online bool, cb nm.CloudCallback) {
	cb(nm.CloudConfirm{})
}
func (okCloud) NodePropSend(n *nm.Node, p *nm.Property, cb nm.CloudCallback, batch bool) {
	cb(nm.CloudConfirm{})
}
func (okCloud) NodePropBatchSend(n *nm.Node) {}

type recordingSender struct {
	mu  sync.Mutex
	ops []*poq.Op
}

func (r *recordingSender) SendOp(op *poq.Op) error {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
	return nil
}
func (r *recordingSender) SendListenEnable() error { return nil }
func (r *recordingSender) sent() []*poq.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*poq.Op(nil), r.ops...)
}

const testAddr = "AA:BB:CC:DD:EE:FF"

func newDispatchHarness(t *testing.T) (*Client, *nm.Manager, *poq.Queue, *recordingSender) {
	s := &recordingSender{}
	nodes := nm.NewManager(okNet{}, okCloud{}, nil)
	q := poq.New(s, nodes, poq.FileOpsRetry)
	sched := NewScheduler(NewApplier(nodes, q), nil)
	c := NewClient(t.TempDir(), q, nodes, sched)

	n := nodes.NodeJoined(testAddr, nm.InterfaceBLE, nm.PowerMains)
	require.Equal(t, nm.StateReady, n.State())
	n.AddProperty("thermostat", &gdb.PropDef{
		Subdevice: "00", Name: "setpoint", Type: value.KindInteger, Direction: gdb.ToDevice,
	})
	n.AddProperty("thermostat", &gdb.PropDef{
		Subdevice: "00", Name: "ambient", Type: value.KindInteger, Direction: gdb.FromDevice,
	})
	return c, nodes, q, s
}

func rawArgs(t *testing.T, v interface{}) []json.RawMessage {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return []json.RawMessage{raw}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	_, ok := DecodeFrame([]byte("{not json"))
	assert.False(t, ok)
	_, ok = DecodeFrame([]byte(`{"other": 1}`))
	assert.False(t, ok)
	f, ok := DecodeFrame([]byte(`{"cmd":{"proto":"data","op":"nak","id":3}}`))
	require.True(t, ok)
	assert.Equal(t, 3, f.Cmd.ID)
}

func TestPropertyUpdateSetsNodeProperty(t *testing.T) {
	c, nodes, _, _ := newDispatchHarness(t)
	c.Dispatch(&Command{
		Proto:   ProtoGateway,
		Op:      "property_update",
		ID:      7,
		Args:    rawArgs(t, propertyArg{
			Address: testAddr, SubdeviceKey: "00", TemplateKey: "thermostat",
			Name:    "setpoint", Value: json.RawMessage("21"),
		}),
	})
	n, _ := nodes.Node(testAddr)
	p, _ := n.Property("00", "thermostat", "setpoint")
	v, ok := p.Value()
	require.True(t, ok)
	assert.Equal(t, int32(21), v.Integer)
}

func TestPropertyUpdateUnknownPropIsIgnored(t *testing.T) {
	c, nodes, _, _ := newDispatchHarness(t)
	c.Dispatch(&Command{
		Proto:   ProtoGateway,
		Op:      "property_update",
		ID:      8,
		Args:    rawArgs(t, propertyArg{
			Address: testAddr, SubdeviceKey: "00", TemplateKey: "thermostat",
			Name:    "bogus", Value: json.RawMessage("1"),
		}),
	})
	n, _ := nodes.Node(testAddr)
	_, ok := n.Property("00", "thermostat", "bogus")
	assert.False(t, ok)
}

func TestPropertyRequestByNameQueuesResponse(t *testing.T) {
	c, nodes, q, s := newDispatchHarness(t)
	require.NoError(t, nodes.PropSend(testAddr, "00", "thermostat", "ambient", value.Int32(19)))

	c.Dispatch(&Command{
		Proto:   ProtoGateway,
		Op:      "property_request",
		ID:      9,
		Args:    rawArgs(t, propertyArg{
			Address: testAddr, SubdeviceKey: "00", TemplateKey: "thermostat", Name: "ambient",
		}),
	})
	q.Drain()

	ops := s.sent()
	require.NotEmpty(t, ops)
	last := ops[len(ops)-1]
	assert.Equal(t, poq.OpPropResponse, last.Code)
	assert.Equal(t, 9, last.RespID)
	assert.Equal(t, int32(19), last.Val.Integer)
}

func TestConfirmCorrelationConsumesAwaiting(t *testing.T) {
	c, _, q, s := newDispatchHarness(t)
	require.NoError(t, q.Enqueue(&poq.Op{Code: poq.OpPropSend, Opts: poq.Options{Confirm: true}}))
	q.Drain()
	require.Equal(t, 1, q.AwaitingCount())

	reqID := int(s.sent()[0].ReqID)
	c.Dispatch(&Command{Proto: ProtoData, Op: "confirm_true", ID: reqID})
	assert.Equal(t, 0, q.AwaitingCount())
}

func TestNakCorrelationViaArgs(t *testing.T) {
	c, _, q, s := newDispatchHarness(t)
	naked := ""
	op := &poq.Op{Code: poq.OpPropSend, OnNak: func(e string) { naked = e }}
	require.NoError(t, q.Enqueue(op))
	q.Drain()

	reqID := int(s.sent()[0].ReqID)
	c.Dispatch(&Command{
		Proto: ProtoData,
		Op:    "nak",
		ID:    999,
		Args:  rawArgs(t, propertyArg{ID: reqID, Err: "APP"}),
	})
	assert.Equal(t, "APP", naked)
	assert.Equal(t, 0, q.AwaitingCount())
}

func TestNodeFactoryResetDispatch(t *testing.T) {
	c, nodes, _, _ := newDispatchHarness(t)
	c.Dispatch(&Command{
		Proto: ProtoGateway,
		Op:    "node_factory_reset",
		ID:    11,
		Args:  rawArgs(t, propertyArg{Address: testAddr}),
	})
	n, ok := nodes.Node(testAddr)
	require.True(t, ok)
	assert.Equal(t, nm.StateReady, n.State())
}

func TestNodeRemoveDispatchDeletesNode(t *testing.T) {
	c, nodes, _, _ := newDispatchHarness(t)
	c.Dispatch(&Command{
		Proto: ProtoGateway,
		Op:    "node_remove",
		ID:    12,
		Args:  rawArgs(t, propertyArg{Address: testAddr}),
	})
	_, ok := nodes.Node(testAddr)
	assert.False(t, ok)
}

func TestDecodeJSONValue(t *testing.T) {
	v, code := decodeJSONValue(value.KindInteger, json.RawMessage("42"), false)
	assert.Empty(t, code)
	assert.Equal(t, int32(42), v.Integer)

	_, code = decodeJSONValue(value.KindInteger, json.RawMessage(`"x"`), false)
	assert.Equal(t, ErrInvalType, code)

	_, code = decodeJSONValue(value.KindInteger, json.RawMessage("4294967296"), false)
	assert.Equal(t, ErrBadVal, code)

	// Null accepted unless the property opted into reject_null.
	_, code = decodeJSONValue(value.KindInteger, json.RawMessage("null"), false)
	assert.Empty(t, code)
	_, code = decodeJSONValue(value.KindInteger, json.RawMessage("null"), true)
	assert.Equal(t, ErrBadVal, code)

	v, code = decodeJSONValue(value.KindBoolean, json.RawMessage("true"), false)
	assert.Empty(t, code)
	assert.True(t, v.Boolean)
}

func TestOpSerializationShape(t *testing.T) {
	c, _, q, _ := newDispatchHarness(t)
	_ = q
	op := &poq.Op{
		Code:  poq.OpPropSend,
		ReqID: 12,
		Prop:  poq.PropRef{Addr: testAddr, Subdevice: "00", Template: "thermostat", Name: "ambient"},
		Val:   value.Int32(19),
		Opts:  poq.Options{Confirm: true, DevTimeMS: 1234},
	}
	// The socket is not connected; build the frame by hand through the
	// same encoder path.
	proto, name := opName(op.Code)
	assert.Equal(t, ProtoData, proto)
	assert.Equal(t, "property_update", name)
	err := c.SendOp(op)
	assert.Error(t, err) // transport down, but encoding succeeded up to send
}

func encodeTLV(entries ...[]byte) string {
	var raw []byte
	for _, e := range entries {
		raw = append(raw, e...)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func tlv(tag byte, payload ...byte) []byte {
	return append([]byte{tag, byte(len(payload))}, payload...)
}

func u32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestScheduleTLVDecode(t *testing.T) {
	b64 := encodeTLV(
		tlv(tlvVersion, 1),
		tlv(tlvStart, u32(1000)...),
		tlv(tlvInterval, u32(60)...),
		tlv(tlvPropName, []byte("prop1")...),
		tlv(tlvPropInt, u32(7)...),
	)
	a, err := decodeScheduleTLV(b64)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), a.start.Unix())
	assert.Equal(t, time.Minute, a.interval)
	assert.Equal(t, "prop1", a.propName)
	require.True(t, a.hasVal)
	assert.Equal(t, int32(7), a.val.Integer)
}

func TestScheduleTLVRejectsMissingStart(t *testing.T) {
	_, err := decodeScheduleTLV(encodeTLV(tlv(tlvPropName, []byte("p")...)))
	assert.Error(t, err)
}

func TestScheduleNextFire(t *testing.T) {
	a := &scheduleAction{start: time.Unix(1000, 0).UTC(), interval: 60 * time.Second}

	// Before start: first fire is the start itself.
	assert.Equal(t, int64(1000), a.nextFire(time.Unix(500, 0)).Unix())
	// Mid-interval: next multiple of the interval after now.
	assert.Equal(t, int64(1060), a.nextFire(time.Unix(1030, 0)).Unix())
	// Just before a fire time, that fire time is next.
	assert.Equal(t, int64(1060), a.nextFire(time.Unix(1060, 0).Add(-time.Nanosecond)).Unix())

	// One-shot already past is exhausted.
	oneShot := &scheduleAction{start: time.Unix(1000, 0).UTC()}
	assert.True(t, oneShot.nextFire(time.Unix(2000, 0)).IsZero())

	// Bounded by end time.
	bounded := &scheduleAction{start: time.Unix(1000, 0).UTC(), interval: 60 * time.Second, end: time.Unix(1100, 0).UTC()}
	assert.True(t, bounded.nextFire(time.Unix(1200, 0)).IsZero())
}

func TestScheduleFiresAndEmitsResponse(t *testing.T) {
	// A schedule whose TLV decodes to "set prop1 to
	// integer 7" fires, the datapoint set runs, and a
	// property_response with value 7 is emitted to the cloud.
	s := &recordingSender{}
	nodes := nm.NewManager(okNet{}, okCloud{}, nil)
	q := poq.New(s, nodes, poq.FileOpsRetry)
	n := nodes.NodeJoined(testAddr, nm.InterfaceBLE, nm.PowerMains)
	n.AddProperty("thermostat", &gdb.PropDef{
		Subdevice: "00", Name: "prop1", Type: value.KindInteger, Direction: gdb.ToDevice,
	})
	sched := NewScheduler(NewApplier(nodes, q), nil)

	// The TLV start has whole-second resolution; the next second is the
	// earliest start still ahead of now.
	start := uint32(time.Now().Unix() + 1)
	b64 := encodeTLV(
		tlv(tlvStart, u32(start)...),
		tlv(tlvPropName, []byte("prop1")...),
		tlv(tlvPropInt, u32(7)...),
	)
	require.NoError(t, sched.Update("prop1_sched", b64, &ScheduleArg{
		Address: testAddr, SubdeviceKey: "00", TemplateKey: "thermostat",
	}))

	require.Eventually(t, func() bool {
		q.Drain()
		for _, op := range s.sent() {
			if op.Code == poq.OpPropResponse && op.Prop.Name == "prop1" && op.Val.Integer == 7 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	p, _ := n.Property("00", "thermostat", "prop1")
	v, ok := p.Value()
	require.True(t, ok)
	assert.Equal(t, int32(7), v.Integer)
}

func TestStoreNodeRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	in := []nm.NodeRecord{{
		Address:         testAddr,
		Version:         "1.2",
		OEMModel:        "MagicBlue",
		Interface:       nm.InterfaceBLE,
		Power:           nm.PowerMains,
		ManagementState: "READY",
	}}
	require.NoError(t, store.SaveNodes(in))

	out, err := store.LoadNodes()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, in[0].Address, out[0].Address)
	assert.Equal(t, in[0].OEMModel, out[0].OEMModel)
	assert.Equal(t, in[0].ManagementState, out[0].ManagementState)
}

func TestStoreSchedulesSurviveNodeSave(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.SaveSchedules(
		[]ScheduleRecord{{Name: "s1", Value: "AAAA"}},
		[]ScheduleRecord{{Name: "g1", Value: "BBBB", Arg: &ScheduleArg{Address: testAddr}}},
	))
	require.NoError(t, store.SaveNodes(nil))

	prop, gateway, err := store.LoadSchedules()
	require.NoError(t, err)
	require.Len(t, prop, 1)
	require.Len(t, gateway, 1)
	assert.Equal(t, "s1", prop[0].Name)
	assert.Equal(t, testAddr, gateway[0].Arg.Address)
}

func TestNakFrameShape(t *testing.T) {
	f := NakFrame(12, ErrPktSize)
	data, err := EncodeFrame(f)
	require.NoError(t, err)
	round, ok := DecodeFrame(data)
	require.True(t, ok)
	assert.Equal(t, "nak", round.Cmd.Op)
	assert.Equal(t, 12, round.Cmd.ID)
	var arg nakArgs
	require.NoError(t, json.Unmarshal(round.Cmd.Args[0], &arg))
	assert.Equal(t, ErrPktSize, arg.Err)
}
