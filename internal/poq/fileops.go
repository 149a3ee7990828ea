package poq

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// File-op FIFO parameters.
const (
	FileQueueCap     = 5
	FileRetryMax     = 3
	FileBackoffStart = 15 * time.Second
	FileBackoffMax   = 300 * time.Second
)

// ErrQueueFull is returned when the file-op FIFO is at capacity; the
// (capacity+1)-th enqueue fails.
var ErrQueueFull = errors.New("poq: file op queue full")

// FileOpState is one file transfer's position in the state machine.
type FileOpState int

const (
	FileRdyFetch FileOpState = iota
	FileFetching
	FileFetched
	FileFetchIndicated
	FileRdyCreate
	FileCreating
	FileRdySend
	FileSending
	FileTimerStart
	FileTimerWait
)

// FileOpsPolicy selects the FIFO's behavior on a hard connection
// failure: keep retrying, or purge pending entries.
type FileOpsPolicy int

const (
	FileOpsRetry FileOpsPolicy = iota
	FileOpsPurge
)

// FileOp is one file-property transfer. Upload entries walk
// RDY_CREATE -> CREATING -> RDY_SEND -> SENDING; download entries walk
// RDY_FETCH -> FETCHING -> FETCHED -> FETCH_INDICATED.
type FileOp struct {
	Prop     PropRef
	Path     string
	Upload   bool
	TempFile string  // owned; unlinked on abort

	State   FileOpState
	retries int
	settled bool

	OnDone func(error)
}

// FileQueue is the bounded FIFO of file ops. Only the head entry
// drives transport actions; completion or terminal failure dequeues it
// and starts the next.
type FileQueue struct {
	mu      sync.Mutex
	entries []*FileOp
	policy  FileOpsPolicy
	backoff time.Duration
	timer   *time.Timer
	q       *Queue

	// Overridable in tests.
	backoffStart time.Duration
	backoffMax   time.Duration
}

func newFileQueue(q *Queue, policy FileOpsPolicy) *FileQueue {
	return &FileQueue{
		q:            q,
		policy:       policy,
		backoffStart: FileBackoffStart,
		backoffMax:   FileBackoffMax,
		backoff:      FileBackoffStart,
	}
}

// Enqueue appends a file op; at capacity the enqueue is rejected with
// ErrQueueFull.
func (f *FileQueue) Enqueue(op *FileOp) error {
	f.mu.Lock()
	if len(f.entries) >= FileQueueCap {
		f.mu.Unlock()
		return ErrQueueFull
	}
	if op.Upload {
		op.State = FileRdyCreate
	} else {
		op.State = FileRdyFetch
	}
	f.entries = append(f.entries, op)
	isHead := len(f.entries) == 1
	f.mu.Unlock()
	if isHead {
		f.advance()
	}
	return nil
}

// Len reports the number of queued file ops.
func (f *FileQueue) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// head returns the current head entry.
func (f *FileQueue) head() *FileOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return nil
	}
	return f.entries[0]
}

// advance drives the head entry one transport step.
func (f *FileQueue) advance() {
	op := f.head()
	if op == nil {
		return
	}
	f.mu.Lock()
	state := op.State
	f.mu.Unlock()

	switch state {
	case FileRdyCreate:
		f.transmit(op, OpDatapointCreate, FileCreating, FileRdySend)
	case FileRdySend:
		f.transmit(op, OpDatapointSend, FileSending, fileDone)
	case FileRdyFetch:
		f.transmit(op, OpDatapointRequest, FileFetching, FileFetched)
	case FileFetched:
		f.transmit(op, OpDatapointFetched, FileFetchIndicated, fileDone)
	}
}

// fileDone is a sentinel "next state" meaning terminal completion.
const fileDone FileOpState = -1

// transmit enqueues the datapoint op for the head entry and wires its
// confirmation into the state machine.
func (f *FileQueue) transmit(op *FileOp, code Opcode, inFlight, next FileOpState) {
	f.mu.Lock()
	op.State = inFlight
	f.mu.Unlock()

	qop := &Op{
		Code:      code,
		Prop:      op.Prop,
		FilePath:  op.Path,
		Opts:      Options{Confirm: true, Dests: DestADS},
		OnConfirm: func(r ConfirmResult) {
			if r.OK {
				f.stepOK(op, next)
			} else {
				f.stepErr(op, r.Err)
			}
		},
	}
	if err := f.q.Enqueue(qop); err != nil {
		f.stepErr(op, err.Error())
	}
}

// stepOK advances the head entry after a confirmed step; any success
// resets the backoff to its start.
func (f *FileQueue) stepOK(op *FileOp, next FileOpState) {
	f.mu.Lock()
	if op.settled {
		f.mu.Unlock()
		return
	}
	f.backoff = f.backoffStart
	op.retries = 0
	if next == fileDone {
		op.settled = true
		f.dequeueLocked(op)
		f.mu.Unlock()
		if op.OnDone != nil {
			op.OnDone(nil)
		}
		f.advance()
		return
	}
	op.State = next
	f.mu.Unlock()
	f.advance()
}

// stepErr handles a failed step: connection-class errors leave the
// entry parked until the cloud recovers (or purge the FIFO, per
// policy); any other error arms the exponential backoff timer, bounded
// by the retry cap.
func (f *FileQueue) stepErr(op *FileOp, errCode string) {
	f.mu.Lock()
	if op.settled {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	if errCode == ErrConnClass {
		if f.policy == FileOpsPurge {
			f.purge(errors.New("poq: file transfer aborted by connection failure"))
			return
		}
		f.mu.Lock()
		op.State = f.readyStateLocked(op)
		f.mu.Unlock()
		return // resume() re-drives on cloud recovery
	}

	f.mu.Lock()
	op.retries++
	if op.retries > FileRetryMax {
		op.settled = true
		f.dequeueLocked(op)
		f.mu.Unlock()
		op.abort()
		if op.OnDone != nil {
			op.OnDone(errors.Errorf("poq: file transfer failed after %d retries (%s)", FileRetryMax, errCode))
		}
		f.advance()
		return
	}
	op.State = FileTimerStart
	delay := f.backoff
	f.backoff *= 2
	if f.backoff > f.backoffMax {
		f.backoff = f.backoffMax
	}
	op.State = FileTimerWait
	f.timer = time.AfterFunc(delay, func() {
		f.mu.Lock()
		op.State = f.readyStateLocked(op)
		f.mu.Unlock()
		f.advance()
	})
	f.mu.Unlock()
}

// readyStateLocked maps an entry back to the ready state matching how
// far it had progressed. Caller holds f.mu.
func (f *FileQueue) readyStateLocked(op *FileOp) FileOpState {
	if op.Upload {
		if op.State == FileSending || op.State == FileRdySend {
			return FileRdySend
		}
		return FileRdyCreate
	}
	if op.State == FileFetchIndicated || op.State == FileFetched {
		return FileFetched
	}
	return FileRdyFetch
}

func (f *FileQueue) dequeueLocked(op *FileOp) {
	for i, e := range f.entries {
		if e == op {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return
		}
	}
}

// purge drops every queued entry, aborting temp files.
func (f *FileQueue) purge(cause error) {
	f.mu.Lock()
	dropped := f.entries
	f.entries = nil
	for _, op := range dropped {
		op.settled = true
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.mu.Unlock()
	for _, op := range dropped {
		op.abort()
		if op.OnDone != nil {
			op.OnDone(cause)
		}
	}
}

// cloudDown is invoked on an ADS down transition.
func (f *FileQueue) cloudDown() {
	if f.policy == FileOpsPurge {
		f.purge(errors.New("poq: file transfer aborted by connection failure"))
	}
}

// resume re-drives the head entry after the cloud recovers.
func (f *FileQueue) resume() {
	f.mu.Lock()
	f.backoff = f.backoffStart
	f.mu.Unlock()
	f.advance()
}

// abort unlinks any temp file the op owns.
func (op *FileOp) abort() {
	if op.TempFile != "" {
		if err := os.Remove(op.TempFile); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).WithField("path", op.TempFile).Warn("temp file unlink failed")
		}
		op.TempFile = ""
	}
}
