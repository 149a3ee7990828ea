package poq

import (
	"sync"
	"time"

	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// CloudAdapter implements nm.CloudHandler by translating node-manager
// cloud operations into queued ops. It also accumulates per-node
// batches so NodePropSend(batchAppend=true) entries commit together on
// NodePropBatchSend.
type CloudAdapter struct {
	q *Queue

	mu      sync.Mutex
	batches map[string]*pendingBatch
}

type pendingBatch struct {
	batch *Batch
	cbs   []nm.CloudCallback
}

// NewCloudAdapter wraps a queue as the Node Manager's cloud layer.
func NewCloudAdapter(q *Queue) *CloudAdapter {
	return &CloudAdapter{q: q, batches: make(map[string]*pendingBatch)}
}

var _ nm.CloudHandler = (*CloudAdapter)(nil)

// mapConfirm translates a transport confirmation into the cloud-layer
// error taxonomy.
func mapConfirm(r ConfirmResult) nm.CloudConfirm {
	c := nm.CloudConfirm{Err: r.Err, Dests: int(r.Dests)}
	switch {
	case r.OK:
		c.Status = nm.CloudErrNone
	case r.Err == ErrConnClass:
		c.Status = nm.CloudErrConn
	case r.Err == "APP":
		c.Status = nm.CloudErrApp
	default:
		c.Status = nm.CloudErrUnknown
	}
	return c
}

func (a *CloudAdapter) nodeOp(code Opcode, n *nm.Node, cb nm.CloudCallback) {
	op := &Op{
		Code:      code,
		Prop:      PropRef{Addr: n.Addr()},
		Opts:      Options{Confirm: true, Dests: DestADS},
		OnConfirm: func(r ConfirmResult) {
			if cb != nil {
				cb(mapConfirm(r))
			}
		},
	}
	if err := a.q.Enqueue(op); err != nil && cb != nil {
		cb(nm.CloudConfirm{Status: nm.CloudErrApp, Err: err.Error()})
	}
}

// NodeAdd registers the node (with its property tree) to the cloud.
func (a *CloudAdapter) NodeAdd(n *nm.Node, cb nm.CloudCallback) {
	a.nodeOp(OpNodeAdd, n, cb)
}

// NodeRemove removes the node from the cloud.
func (a *CloudAdapter) NodeRemove(n *nm.Node, cb nm.CloudCallback) {
	a.nodeOp(OpNodeRemove, n, cb)
}

// NodeUpdateInfo pushes updated node identity/template info.
func (a *CloudAdapter) NodeUpdateInfo(n *nm.Node, cb nm.CloudCallback) {
	a.nodeOp(OpNodeUpdate, n, cb)
}

// NodeConnStatus pushes the node's online flag.
func (a *CloudAdapter) NodeConnStatus(n *nm.Node, online bool, cb nm.CloudCallback) {
	op := &Op{
		Code:      OpNodeConnStatus,
		Prop:      PropRef{Addr: n.Addr()},
		Opts:      Options{Confirm: true, Dests: DestADS},
		OnConfirm: func(r ConfirmResult) {
			if cb != nil {
				cb(mapConfirm(r))
			}
		},
	}
	op.Val = value.Bool(online)
	if err := a.q.Enqueue(op); err != nil && cb != nil {
		cb(nm.CloudConfirm{Status: nm.CloudErrApp, Err: err.Error()})
	}
}

// NodePropSend transmits one property datapoint, or appends it to the
// node's pending batch when batchAppend is set.
func (a *CloudAdapter) NodePropSend(n *nm.Node, p *nm.Property, cb nm.CloudCallback, batchAppend bool) {
	v, ok := p.Value()
	if !ok {
		if cb != nil {
			cb(nm.CloudConfirm{Status: nm.CloudErrApp, Err: "no value"})
		}
		return
	}
	ref := PropRef{Addr: n.Addr(), Subdevice: p.Subdevice, Template: p.Template, Name: p.Name}
	now := time.Now().UnixMilli()

	if batchAppend {
		a.mu.Lock()
		pb, exists := a.batches[n.Addr()]
		if !exists {
			pb = &pendingBatch{batch: a.q.NewBatch(Options{Confirm: true, Dests: DestADS})}
			a.batches[n.Addr()] = pb
		}
		pb.batch.Append(&BatchEntry{Prop: ref, Val: v, DevTimeMS: now})
		if cb != nil {
			pb.cbs = append(pb.cbs, cb)
		}
		a.mu.Unlock()
		return
	}

	op := &Op{
		Code:      OpPropSend,
		Prop:      ref,
		Val:       v,
		Opts:      Options{Confirm: true, Dests: DestADS, DevTimeMS: now},
		OnConfirm: func(r ConfirmResult) {
			if cb != nil {
				cb(mapConfirm(r))
			}
		},
	}
	if err := a.q.Enqueue(op); err != nil && cb != nil {
		cb(nm.CloudConfirm{Status: nm.CloudErrApp, Err: err.Error()})
	}
}

// NodePropBatchSend commits the node's pending batch as one batch-send
// op.
func (a *CloudAdapter) NodePropBatchSend(n *nm.Node) {
	a.mu.Lock()
	pb, exists := a.batches[n.Addr()]
	delete(a.batches, n.Addr())
	a.mu.Unlock()
	if !exists || len(pb.batch.Entries) == 0 {
		return
	}
	op := &Op{
		Code:      OpBatchSend,
		Prop:      PropRef{Addr: n.Addr()},
		Entries:   pb.batch.Entries,
		Opts:      pb.batch.Opts,
		OnConfirm: func(r ConfirmResult) {
			c := mapConfirm(r)
			for _, cb := range pb.cbs {
				cb(c)
			}
		},
	}
	if err := a.q.Enqueue(op); err != nil {
		c := nm.CloudConfirm{Status: nm.CloudErrApp, Err: err.Error()}
		for _, cb := range pb.cbs {
			cb(c)
		}
	}
}
