package poq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayla-edge/gatewayd/pkg/value"
)

// fakeSender records transmitted ops, standing in for the cloud-client
// socket.
type fakeSender struct {
	mu      sync.Mutex
	ops     []*Op
	events  []string
	sendErr error
}

func (f *fakeSender) SendOp(op *Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.ops = append(f.ops, op)
	f.events = append(f.events, "op:"+op.Code.String())
	return nil
}

func (f *fakeSender) SendListenEnable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "listen_enable")
	return nil
}

func (f *fakeSender) sent() []*Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Op(nil), f.ops...)
}

type fakeRecovery struct {
	sender *fakeSender
	calls  int
}

func (f *fakeRecovery) CloudRecovered() {
	f.calls++
	if f.sender != nil {
		f.sender.mu.Lock()
		f.sender.events = append(f.sender.events, "recovered")
		f.sender.mu.Unlock()
	}
}

func newTestQueue() (*Queue, *fakeSender, *fakeRecovery) {
	s := &fakeSender{}
	r := &fakeRecovery{sender: s}
	return New(s, r, FileOpsRetry), s, r
}

func TestDrainSendsInFIFOOrder(t *testing.T) {
	q, s, _ := newTestQueue()
	require.NoError(t, q.Enqueue(&Op{Code: OpNodeAdd}))
	require.NoError(t, q.Enqueue(&Op{Code: OpPropSend}))
	require.NoError(t, q.Enqueue(&Op{Code: OpAck}))
	q.Drain()

	ops := s.sent()
	require.Len(t, ops, 3)
	assert.Equal(t, OpNodeAdd, ops[0].Code)
	assert.Equal(t, OpPropSend, ops[1].Code)
	assert.Equal(t, OpAck, ops[2].Code)
	assert.Equal(t, uint32(1), ops[0].ReqID)
	assert.Equal(t, uint32(2), ops[1].ReqID)
	assert.Equal(t, uint32(3), ops[2].ReqID)
}

func TestRequestIDWrapsToOne(t *testing.T) {
	q, s, _ := newTestQueue()
	q.mu.Lock()
	q.nextID = ^uint32(0) // next assignment overflows
	q.mu.Unlock()
	require.NoError(t, q.Enqueue(&Op{Code: OpAck}))
	q.Drain()
	assert.Equal(t, uint32(1), s.sent()[0].ReqID)
}

func TestConfirmTrueConsumesAwaitingEntry(t *testing.T) {
	q, s, _ := newTestQueue()
	var got *ConfirmResult
	op := &Op{
		Code:      OpPropSend,
		Opts:      Options{Confirm: true, Dests: DestADS},
		OnConfirm: func(r ConfirmResult) { got = &r },
	}
	require.NoError(t, q.Enqueue(op))
	q.Drain()
	require.Equal(t, 1, q.AwaitingCount())

	q.ConfirmTrue(s.sent()[0].ReqID)
	assert.Equal(t, 0, q.AwaitingCount())
	require.NotNil(t, got)
	assert.True(t, got.OK)
	assert.Equal(t, DestADS, got.Dests)
}

func TestConfirmCallbackGatedByUserFlag(t *testing.T) {
	q, s, _ := newTestQueue()
	called := false
	op := &Op{
		Code: OpPropSend,
		Opts:      Options{Confirm: false}, // transport still correlates
		OnConfirm: func(ConfirmResult) { called = true },
	}
	require.NoError(t, q.Enqueue(op))
	q.Drain()
	require.Equal(t, 1, q.AwaitingCount())

	q.ConfirmTrue(s.sent()[0].ReqID)
	assert.Equal(t, 0, q.AwaitingCount())
	assert.False(t, called)
}

func TestUnspecifiedDestsExpandToAvailable(t *testing.T) {
	q, s, _ := newTestQueue()
	q.SetLANUp(true)
	var got ConfirmResult
	op := &Op{Code: OpPropSend, Opts: Options{Confirm: true}, OnConfirm: func(r ConfirmResult) { got = r }}
	require.NoError(t, q.Enqueue(op))
	q.Drain()
	q.ConfirmTrue(s.sent()[0].ReqID)
	// ADS down: the first available LAN peer is chosen.
	assert.Equal(t, DestLAN, got.Dests)
}

func TestConnNakMarksADSFailure(t *testing.T) {
	q, s, _ := newTestQueue()
	var failedRef *PropRef
	q.OnADSFailure = func(ref PropRef, v value.Value) { failedRef = &ref }

	nakErr := ""
	op := &Op{
		Code:  OpPropSend,
		Prop:  PropRef{Addr: "n1", Template: "battery", Name: "battery_level"},
		Val:   value.Int32(42),
		OnNak: func(e string) { nakErr = e },
	}
	require.NoError(t, q.Enqueue(op))
	q.Drain()
	q.Nak(s.sent()[0].ReqID, ErrConnClass)

	assert.Equal(t, ErrConnClass, nakErr)
	require.NotNil(t, failedRef)
	assert.Equal(t, "battery_level", failedRef.Name)
	assert.Equal(t, 0, q.AwaitingCount())
}

func TestAppNakDoesNotMarkADSFailure(t *testing.T) {
	q, s, _ := newTestQueue()
	marked := false
	q.OnADSFailure = func(PropRef, value.Value) { marked = true }
	require.NoError(t, q.Enqueue(&Op{Code: OpPropSend}))
	q.Drain()
	q.Nak(s.sent()[0].ReqID, "APP")
	assert.False(t, marked)
}

func TestEchoFailureRoutesToPropertyLayer(t *testing.T) {
	q, _, _ := newTestQueue()
	var name, code string
	q.OnEchoFailure = func(n, e string, d Dest) { name, code = n, e }
	q.EchoFailure("onoff", "BAD_VAL", DestADS)
	assert.Equal(t, "onoff", name)
	assert.Equal(t, "BAD_VAL", code)
}

func TestCloudRecoverySequenceOrder(t *testing.T) {
	// On cloud up, the recovery resend runs before the
	// listen-enable reissue.
	q, s, r := newTestQueue()
	q.SetADSUp(true)
	require.Equal(t, 1, r.calls)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.events, 2)
	assert.Equal(t, "recovered", s.events[0])
	assert.Equal(t, "listen_enable", s.events[1])
}

func TestCloudUpIsEdgeTriggered(t *testing.T) {
	q, _, r := newTestQueue()
	q.SetADSUp(true)
	q.SetADSUp(true)
	assert.Equal(t, 1, r.calls)
	q.SetADSUp(false)
	q.SetADSUp(true)
	assert.Equal(t, 2, r.calls)
}

func TestBatchAppendSortsByTimestamp(t *testing.T) {
	q, _, _ := newTestQueue()
	b := q.NewBatch(Options{})
	b.Append(&BatchEntry{Prop: PropRef{Name: "c"}, DevTimeMS: 300})
	b.Append(&BatchEntry{Prop: PropRef{Name: "a"}, DevTimeMS: 100})
	b.Append(&BatchEntry{Prop: PropRef{Name: "b"}, DevTimeMS: 200})
	b.Append(&BatchEntry{Prop: PropRef{Name: "b2"}, DevTimeMS: 200})

	names := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		names[i] = e.Prop.Name
	}
	assert.Equal(t, []string{"a", "b", "b2", "c"}, names)
}

func TestBatchIDsMonotonic(t *testing.T) {
	q, _, _ := newTestQueue()
	b1 := q.NewBatch(Options{})
	b2 := q.NewBatch(Options{})
	assert.Greater(t, b2.ID, b1.ID)
}

func TestMetadataValidation(t *testing.T) {
	md := make([]Metadata, MetadataMax+1)
	for i := range md {
		md[i] = Metadata{Key: "k", Value: "v"}
	}
	assert.Error(t, ValidateMetadata(md))

	assert.Error(t, ValidateMetadata([]Metadata{{Key: "not-alnum!", Value: "v"}}))
	assert.Error(t, ValidateMetadata([]Metadata{{Key: "", Value: "v"}}))

	long := make([]byte, MetadataKeyMax)
	for i := range long {
		long[i] = 'a'
	}
	assert.NoError(t, ValidateMetadata([]Metadata{{Key: string(long), Value: "v"}}))
	assert.Error(t, ValidateMetadata([]Metadata{{Key: string(long) + "a", Value: "v"}}))
}

func TestEnqueueRejectsInvalidMetadata(t *testing.T) {
	q, _, _ := newTestQueue()
	err := q.Enqueue(&Op{Code: OpPropSend, Opts: Options{Metadata: []Metadata{{Key: "bad key"}}}})
	assert.Error(t, err)
}

func TestSendErrorFailsOpWithConnClass(t *testing.T) {
	q, s, _ := newTestQueue()
	s.sendErr = assert.AnError
	var got ConfirmResult
	op := &Op{Code: OpPropSend, Opts: Options{Confirm: true}, OnConfirm: func(r ConfirmResult) { got = r }}
	require.NoError(t, q.Enqueue(op))
	q.Drain()

	assert.False(t, got.OK)
	assert.Equal(t, ErrConnClass, got.Err)
	assert.Equal(t, 0, q.AwaitingCount())
}
