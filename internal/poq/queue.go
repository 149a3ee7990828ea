package poq

import (
	"container/list"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Sender is the transport the queue transmits through (the EIA's
// cloud-client socket). SendOp is called with the op's ReqID already
// assigned.
type Sender interface {
	SendOp(op *Op) error
	SendListenEnable() error
}

// RecoveryHandler is invoked when the cloud transitions back to up; the Node
// Manager satisfies it by resending every
// ADS-failed property.
type RecoveryHandler interface {
	CloudRecovered()
}

// ErrConnClass is the error-code class that marks connection failures;
// it is the only nak class treated as ADS failure.
const ErrConnClass = "CONN"

// Queue is the POQ process singleton: constructed once at
// startup and passed explicitly. Ops enqueue from any goroutine; the
// drain loop owns transmission order.
type Queue struct {
	mu       sync.Mutex
	fifo     *list.List
	awaiting *orderedmap.OrderedMap[uint32, *Op]
	wake     chan struct{}
	nextID   uint32

	sender   Sender
	recovery RecoveryHandler

	adsUp bool
	lanUp bool

	// OnEchoFailure routes cloud echo rejections to the property layer.
	OnEchoFailure func(name, errCode string, dests Dest)
	// OnADSFailure is invoked with the op's property reference and value
	// copy when an op fails with a connection-class error.
	OnADSFailure func(ref PropRef, v value.Value)

	files       *FileQueue
	nextBatchID int
}

// New constructs a Queue over the given transport. policy selects the
// file-op FIFO's behavior on hard connection failure.
func New(sender Sender, recovery RecoveryHandler, policy FileOpsPolicy) *Queue {
	q := &Queue{
		fifo:     list.New(),
		awaiting: orderedmap.New[uint32, *Op](),
		wake:     make(chan struct{}, 1),
		sender:   sender,
		recovery: recovery,
	}
	q.files = newFileQueue(q, policy)
	return q
}

// Files exposes the file-property transfer queue.
func (q *Queue) Files() *FileQueue { return q.files }

// Bind late-binds the transport and recovery handler. The sender (the
// cloud-client adapter) is itself constructed over this queue, so the
// two are wired in a second phase at startup.
func (q *Queue) Bind(sender Sender, recovery RecoveryHandler) {
	q.mu.Lock()
	q.sender = sender
	q.recovery = recovery
	q.mu.Unlock()
}

// NewBatch allocates a batch with the next monotonic id.
func (q *Queue) NewBatch(opts Options) *Batch {
	q.mu.Lock()
	q.nextBatchID++
	id := q.nextBatchID
	q.mu.Unlock()
	return &Batch{ID: id, Opts: opts}
}

// Enqueue appends an op to the FIFO and wakes the drain loop. This is
// the thread-safe producer path: the buffered wake channel plays the
// role of the self-pipe byte.
func (q *Queue) Enqueue(op *Op) error {
	if err := ValidateMetadata(op.Opts.Metadata); err != nil {
		return err
	}
	q.mu.Lock()
	q.fifo.PushBack(op)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drains queued ops until stop is closed. Each wake-up drains the
// whole FIFO.
func (q *Queue) Run(stop <-chan struct{}) {
	for {
		select {
		case <-q.wake:
			q.Drain()
		case <-stop:
			return
		}
	}
}

// Drain transmits every queued op in FIFO order. Exported so tests and
// single-threaded callers can drive the queue without Run.
func (q *Queue) Drain() {
	for {
		q.mu.Lock()
		front := q.fifo.Front()
		if front == nil || q.sender == nil {
			q.mu.Unlock()
			return
		}
		sender := q.sender
		q.fifo.Remove(front)
		op := front.Value.(*Op)
		op.ReqID = q.assignReqIDLocked()
		// The transport always correlates: every op goes on the
		// awaiting-confirm list regardless of the caller's Confirm flag.
		q.awaiting.Set(op.ReqID, op)
		q.mu.Unlock()

		if err := sender.SendOp(op); err != nil {
			logger.WithError(err).WithField("op", op.Code.String()).Warn("op transmit failed")
			q.failOp(op, ErrConnClass, DestADS)
		}
	}
}

// assignReqIDLocked increments the request id with wrap to 1. Caller holds q.mu.
func (q *Queue) assignReqIDLocked() uint32 {
	q.nextID++
	if q.nextID == 0 {
		q.nextID = 1
	}
	return q.nextID
}

// takeAwaiting consumes the awaiting-confirm entry for a request id.
func (q *Queue) takeAwaiting(reqID uint32) (*Op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.awaiting.Get(reqID)
	if !ok {
		return nil, false
	}
	q.awaiting.Delete(reqID)
	return op, true
}

// AwaitingCount reports how many ops are awaiting confirmation.
func (q *Queue) AwaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.awaiting.Len()
}

// ConfirmTrue handles a success confirmation. An
// unspecified destination set expands to whichever classes were up:
// ADS preferred, else the first available LAN peer.
func (q *Queue) ConfirmTrue(reqID uint32) {
	op, ok := q.takeAwaiting(reqID)
	if !ok {
		logger.WithField("req_id", reqID).Debug("confirm for unknown request id")
		return
	}
	dests := op.Opts.Dests
	if dests == 0 {
		q.mu.Lock()
		if q.adsUp {
			dests = DestADS
		} else if q.lanUp {
			dests = DestLAN
		}
		q.mu.Unlock()
	}
	op.confirm(ConfirmResult{OK: true, Dests: dests})
	op.free()
}

// ConfirmFalse handles a failure confirmation for the given
// destinations.
func (q *Queue) ConfirmFalse(reqID uint32, errCode string, dests Dest) {
	op, ok := q.takeAwaiting(reqID)
	if !ok {
		return
	}
	q.failTaken(op, errCode, dests)
}

// Nak handles an operational failure: the op's nak
// callback runs, and only the connection-error class marks ADS
// failure.
func (q *Queue) Nak(reqID uint32, errCode string) {
	op, ok := q.takeAwaiting(reqID)
	if !ok {
		return
	}
	if op.OnNak != nil {
		op.OnNak(errCode)
	}
	q.failTaken(op, errCode, DestADS)
}

func (q *Queue) failOp(op *Op, errCode string, dests Dest) {
	q.mu.Lock()
	q.awaiting.Delete(op.ReqID)
	q.mu.Unlock()
	q.failTaken(op, errCode, dests)
}

func (q *Queue) failTaken(op *Op, errCode string, dests Dest) {
	if errCode == ErrConnClass && dests&DestADS != 0 && q.OnADSFailure != nil {
		q.OnADSFailure(op.Prop, op.Val)
	}
	op.confirm(ConfirmResult{OK: false, Err: errCode, Dests: dests})
	op.free()
}

// EchoFailure routes a cloud echo rejection to the property layer: the named
// property is marked as having failed to
// sync to ADS.
func (q *Queue) EchoFailure(name, errCode string, dests Dest) {
	if q.OnEchoFailure != nil {
		q.OnEchoFailure(name, errCode, dests)
	}
}

// SetADSUp records the cloud destination's reachability. A transition
// to up triggers the recovery sequence: resend ADS-failed
// properties (template-version first), then reissue listen-enable,
// then resume file transfers.
func (q *Queue) SetADSUp(up bool) {
	q.mu.Lock()
	was := q.adsUp
	q.adsUp = up
	q.mu.Unlock()
	if up == was {
		return
	}
	if !up {
		q.files.cloudDown()
		return
	}
	logger.Info("cloud destination recovered")
	q.mu.Lock()
	recovery, sender := q.recovery, q.sender
	q.mu.Unlock()
	if recovery != nil {
		recovery.CloudRecovered()
	}
	if sender != nil {
		if err := sender.SendListenEnable(); err != nil {
			logger.WithError(err).Warn("listen-enable reissue failed")
		}
	}
	q.files.resume()
}

// SetLANUp records LAN peer reachability.
func (q *Queue) SetLANUp(up bool) {
	q.mu.Lock()
	q.lanUp = up
	q.mu.Unlock()
}

// ADSUp reports the cloud destination's last known reachability.
func (q *Queue) ADSUp() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.adsUp
}
