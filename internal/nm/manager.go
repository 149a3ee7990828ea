// Package nm implements the Node Manager: a
// network-agnostic node lifecycle state machine, property storage with
// direction enforcement, batching, retry accounting, and persistence.
package nm

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

var logger = log.WithField("component", "nm")

// RetryDelay is the fixed state-machine retry delay.
const RetryDelay = 60 * time.Second

// NetworkCallback reports the outcome of a network-layer operation.
type NetworkCallback func(NetworkResult)

// CloudConfirm is the confirmation record a cloud-layer callback
// receives.
type CloudConfirm struct {
	Status CloudResult
	Err    string
	Dests  int
}

// CloudCallback reports the outcome of a cloud-layer operation.
type CloudCallback func(CloudConfirm)

// NetworkHandler is the interface the core consumes from a concrete
// network layer (BLE/ZigBee/simulator). Implementations
// must invoke the callback exactly once, synchronously or later on the
// main loop; they must never block.
type NetworkHandler interface {
	QueryInfo(node *Node, cb NetworkCallback)
	Configure(node *Node, cb NetworkCallback)
	PropSet(node *Node, prop *Property, v value.Value, cb NetworkCallback)
	FactoryReset(node *Node, cb NetworkCallback)
	Leave(node *Node, cb NetworkCallback)
	OTAUpdate(node *Node, version, path string, cb NetworkCallback)
	ConfSave(node *Node) interface{}
	ConfLoaded(node *Node, blob interface{})
}

// CloudHandler is the interface the core exposes to the cloud glue.
type CloudHandler interface {
	NodeAdd(node *Node, cb CloudCallback)
	NodeRemove(node *Node, cb CloudCallback)
	NodeUpdateInfo(node *Node, cb CloudCallback)
	NodeConnStatus(node *Node, online bool, cb CloudCallback)
	NodePropSend(node *Node, prop *Property, cb CloudCallback, batchAppend bool)
	NodePropBatchSend(node *Node)
}

// Manager owns the node map and drives every node's lifecycle state
// machine. It is a process singleton constructed once at startup and
// passed explicitly to collaborators; there is no hidden global.
type Manager struct {
	mu      sync.Mutex
	nodes   map[string]*Node
	network NetworkHandler
	cloud   CloudHandler
	store   Store

	retryDelay time.Duration
	timers     map[string]*time.Timer
}

// NewManager constructs a Manager bound to one network layer and one
// cloud layer. store may be nil to disable persistence (tests).
func NewManager(network NetworkHandler, cloud CloudHandler, store Store) *Manager {
	return &Manager{
		nodes:      make(map[string]*Node),
		network:    network,
		cloud:      cloud,
		store:      store,
		retryDelay: RetryDelay,
		timers:     make(map[string]*time.Timer),
	}
}

// Node looks up a node by address.
func (m *Manager) Node(addr string) (*Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[addr]
	return n, ok
}

// Nodes returns a snapshot of every managed node.
func (m *Manager) Nodes() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// NodeJoined is the physical-layer entry point for a newly discovered
// node. The node starts in JOINED and the state
// machine is kicked immediately.
func (m *Manager) NodeJoined(addr string, iface Interface, power Power) *Node {
	m.mu.Lock()
	if existing, ok := m.nodes[addr]; ok {
		m.mu.Unlock()
		return existing
	}
	n := NewNode(addr, iface, power)
	m.nodes[addr] = n
	m.mu.Unlock()

	logger.WithField("addr", addr).Info("node joined")
	m.step(n)
	return n
}

// NodeLeft marks a node as having left the network.
func (m *Manager) NodeLeft(addr string) {
	n, ok := m.Node(addr)
	if !ok {
		return
	}
	n.mu.Lock()
	n.flagLeft = true
	n.mu.Unlock()
	m.step(n)
}

// ConnStatusChanged implements node_conn_status_changed: updates the online
// flag, kicks the state machine on a
// transition to online, and requests a cloud conn-status send.
func (m *Manager) ConnStatusChanged(addr string, online bool) {
	n, ok := m.Node(addr)
	if !ok {
		return
	}
	n.mu.Lock()
	wasOnline := n.online
	n.online = online
	n.mu.Unlock()

	if online && !wasOnline {
		m.step(n)
		m.retryFlaggedProps(n)
	}
	m.sendConnStatus(n)
}

func (m *Manager) sendConnStatus(n *Node) {
	n.mu.Lock()
	ready := n.state == StateReady
	online := n.online
	n.mu.Unlock()
	if !ready {
		n.mu.Lock()
		n.flagRetryConnStatus = true
		n.mu.Unlock()
		return
	}
	m.cloud.NodeConnStatus(n, online, func(c CloudConfirm) {
		if c.Status == CloudErrConn {
			n.mu.Lock()
			n.flagRetryConnStatus = true
			n.mu.Unlock()
			return
		}
		n.mu.Lock()
		n.flagRetryConnStatus = false
		n.mu.Unlock()
	})
}

// resendDeferredProps resends, as one batch, every property whose send
// was deferred while the node was not READY.
func (m *Manager) resendDeferredProps(n *Node) {
	n.BatchBegin()
	for _, p := range n.Properties() {
		p.mu.Lock()
		deferred := p.retrySend
		p.mu.Unlock()
		if deferred {
			m.sendProp(n, p)
		}
	}
	m.BatchEnd(n)
}

// retryFlaggedProps resends every property flagged retry_send/retry_set
// once the node comes online.
func (m *Manager) retryFlaggedProps(n *Node) {
	for _, p := range n.Properties() {
		p.mu.Lock()
		needSend, needSet := p.retrySend, p.retrySet
		p.mu.Unlock()
		if needSend {
			m.sendProp(n, p)
		}
		if needSet {
			v, ok := p.Value()
			if ok {
				m.setProp(n, p, v, nil)
			}
		}
	}
}

// MarkInfoChanged schedules a cloud node_update_info (the
// node_info_changed entry point).
func (m *Manager) MarkInfoChanged(addr string) {
	n, ok := m.Node(addr)
	if !ok {
		return
	}
	n.mu.Lock()
	n.flagUpdate = true
	n.mu.Unlock()
	m.step(n)
}

// FactoryReset marks a node for factory reset (node_factory_reset).
func (m *Manager) FactoryReset(addr string) {
	n, ok := m.Node(addr)
	if !ok {
		return
	}
	n.mu.Lock()
	n.flagFactoryReset = true
	n.mu.Unlock()
	m.step(n)
}

// Remove marks a node for removal (node_remove).
func (m *Manager) Remove(addr string) {
	n, ok := m.Node(addr)
	if !ok {
		return
	}
	n.mu.Lock()
	n.flagRemove = true
	n.mu.Unlock()
	m.step(n)
}

// cancelTimer stops and clears any armed retry timer for a node.
func (m *Manager) cancelTimer(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[addr]; ok {
		t.Stop()
		delete(m.timers, addr)
	}
}

func (m *Manager) armRetry(n *Node) {
	m.mu.Lock()
	if t, ok := m.timers[n.addr]; ok {
		t.Stop()
	}
	m.timers[n.addr] = time.AfterFunc(m.retryDelay, func() { m.step(n) })
	m.mu.Unlock()
}

// step executes the transition table for one node,
// running "without yielding once op_pending=false": at most one
// network+cloud op is ever in flight per node.
func (m *Manager) step(n *Node) {
	n.mu.Lock()
	if n.opPending {
		n.mu.Unlock()
		return
	}
	state := n.state
	left := n.flagLeft
	n.mu.Unlock()

	switch state {
	case StateJoined:
		if left {
			m.transition(n, StateRemoved)
			m.step(n)
			return
		}
		m.transition(n, StateNetQuery)
		m.step(n)

	case StateNetQuery:
		m.beginOp(n)
		m.network.QueryInfo(n, func(r NetworkResult) {
			m.finishOp(n)
			m.onNetResult(n, r, StateCloudAdd, StateRemoved)
		})

	case StateCloudAdd:
		m.beginOp(n)
		m.cloud.NodeAdd(n, func(c CloudConfirm) {
			m.finishOp(n)
			m.onCloudResultAdd(n, c)
		})

	case StateNetConfigure:
		m.beginOp(n)
		m.network.Configure(n, func(r NetworkResult) {
			m.finishOp(n)
			m.onNetResult(n, r, StateReady, StateReady)
		})

	case StateNetFactoryReset:
		m.beginOp(n)
		m.network.FactoryReset(n, func(r NetworkResult) {
			m.finishOp(n)
			n.mu.Lock()
			n.flagFactoryReset = false
			n.mu.Unlock()
			m.onNetResult(n, r, StateReady, StateReady)
		})

	case StateCloudUpdate:
		m.beginOp(n)
		m.cloud.NodeUpdateInfo(n, func(c CloudConfirm) {
			m.finishOp(n)
			n.mu.Lock()
			n.flagUpdate = false
			n.mu.Unlock()
			m.onCloudResult(n, c, StateReady)
		})

	case StateNetRemove:
		m.beginOp(n)
		m.network.Leave(n, func(r NetworkResult) {
			m.finishOp(n)
			m.onNetResult(n, r, StateRemoved, StateRemoved)
		})

	case StateCloudRemove:
		m.beginOp(n)
		m.cloud.NodeRemove(n, func(c CloudConfirm) {
			m.finishOp(n)
			m.onCloudResult(n, c, StateRemoved)
		})

	case StateReady:
		n.mu.Lock()
		flagLeft := n.flagLeft
		flagFactoryReset := n.flagFactoryReset
		flagRemove := n.flagRemove
		flagUpdate := n.flagUpdate
		flagReconfigure := n.flagReconfigure
		retryConn := n.flagRetryConnStatus
		retryProps := n.flagRetryProps
		n.flagRetryProps = false
		n.mu.Unlock()

		switch {
		case flagLeft:
			m.transition(n, StateCloudRemove)
		case flagFactoryReset:
			m.transition(n, StateNetFactoryReset)
		case flagRemove:
			m.transition(n, StateNetRemove)
		case flagUpdate:
			m.transition(n, StateCloudUpdate)
		case flagReconfigure:
			n.mu.Lock()
			n.flagReconfigure = false
			n.mu.Unlock()
			m.transition(n, StateNetConfigure)
		default:
			if retryProps {
				m.resendDeferredProps(n)
			}
			if retryConn {
				m.sendConnStatus(n)
			}
			return
		}
		m.step(n)

	case StateRemoved:
		m.cancelTimer(n.addr)
		n.runCleanupHooks()
		n.mu.Lock()
		pendingQuery, pendingConfig, pendingLeave := n.pendingQuery, n.pendingConfig, n.pendingLeave
		n.mu.Unlock()
		if pendingLeave != nil {
			pendingLeave(NetworkSuccess)
		} else {
			if pendingQuery != nil {
				pendingQuery(NetworkUnknown)
			}
			if pendingConfig != nil {
				pendingConfig(NetworkUnknown)
			}
		}
		m.mu.Lock()
		delete(m.nodes, n.addr)
		m.mu.Unlock()
		m.persistDelete(n)
	}
}

func (m *Manager) beginOp(n *Node) {
	n.mu.Lock()
	n.opPending = true
	n.mu.Unlock()
}

func (m *Manager) finishOp(n *Node) {
	n.mu.Lock()
	n.opPending = false
	n.mu.Unlock()
}

// transition moves a node to a new state and persists on the
// JOINED->NET_QUERY edge and on every op_complete.
func (m *Manager) transition(n *Node, s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
	logger.WithField("addr", n.addr).WithField("state", s.String()).Debug("node state transition")
	m.persist(n)
}

// onNetResult applies the network result mapping: SUCCESS
// and UNSUPPORTED advance; OFFLINE retries after the fixed delay;
// UNKNOWN advances but the caller is told the node silently left.
func (m *Manager) onNetResult(n *Node, r NetworkResult, onAdvance, onUnknown State) {
	switch r {
	case NetworkSuccess, NetworkUnsupported:
		m.transition(n, onAdvance)
		m.step(n)
	case NetworkOffline:
		m.armRetry(n)
	case NetworkUnknown:
		n.mu.Lock()
		n.flagLeft = true
		n.mu.Unlock()
		m.transition(n, onUnknown)
		m.step(n)
	}
}

// onCloudResultAdd is CLOUD_ADD's result mapping: an unknown error
// additionally marks the node for removal since it would otherwise be
// permanently non-functional.
func (m *Manager) onCloudResultAdd(n *Node, c CloudConfirm) {
	n.mu.Lock()
	left := n.flagLeft
	n.mu.Unlock()
	next := StateNetConfigure
	if left {
		next = StateCloudRemove
	}
	switch c.Status {
	case CloudErrNone:
		m.transition(n, next)
		m.step(n)
	case CloudErrConn:
		m.armRetry(n)
	case CloudErrApp:
		m.transition(n, next)
		m.step(n)
	case CloudErrUnknown:
		n.mu.Lock()
		n.flagRemove = true
		n.mu.Unlock()
		m.transition(n, next)
		m.step(n)
	}
}

// onCloudResult is the generic cloud result mapping: CONN retries, APP/UNKWN
// advance without retry.
func (m *Manager) onCloudResult(n *Node, c CloudConfirm, onAdvance State) {
	switch c.Status {
	case CloudErrConn:
		m.armRetry(n)
	default:
		m.transition(n, onAdvance)
		m.step(n)
	}
}

// BatchBegin/BatchEnd implement node_prop_batch_{begin,end}: only the
// outermost End issues the batch.
func (n *Node) BatchBegin() {
	n.mu.Lock()
	n.batchDepth++
	n.mu.Unlock()
}

func (m *Manager) BatchEnd(n *Node) {
	n.mu.Lock()
	n.batchDepth--
	flush := n.batchDepth == 0
	n.mu.Unlock()
	if flush {
		m.cloud.NodePropBatchSend(n)
	}
}

// sendProp implements node_prop_send / the *_send typed helpers: no-op
// checks (no value, already synced), then either
// queues for later (not READY) or dispatches to the cloud layer.
func (m *Manager) sendProp(n *Node, p *Property) {
	_, ok := p.Value()
	if !ok {
		return
	}
	p.mu.Lock()
	synced := p.valSynced
	p.mu.Unlock()
	if synced {
		return
	}

	n.mu.Lock()
	ready := n.state == StateReady
	batching := n.batchDepth > 0
	n.mu.Unlock()

	if !ready {
		n.mu.Lock()
		n.flagRetryProps = true
		n.mu.Unlock()
		p.mu.Lock()
		p.retrySend = true
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.retrySend = false
	p.mu.Unlock()

	m.cloud.NodePropSend(n, p, func(c CloudConfirm) {
		switch c.Status {
		case CloudErrNone:
			p.mu.Lock()
			p.valSynced = true
			p.adsFailure = false
			p.mu.Unlock()
		case CloudErrConn:
			p.mu.Lock()
			p.adsFailure = true
			p.mu.Unlock()
		}
	}, batching)
}

// setProp implements prop_set: rejects sets against the property
// direction and declared-buffer-size invariants, then dispatches to
// the network layer. A nil cb is used for internal retry-driven sets.
func (m *Manager) setProp(n *Node, p *Property, v value.Value, cb func(error)) {
	if p.Direction != gdb.ToDevice {
		if cb != nil {
			cb(ErrWrongDirection)
		}
		return
	}
	if !p.fitsCapacity(v) {
		if cb != nil {
			cb(ErrValueTooLarge)
		}
		return
	}
	m.network.PropSet(n, p, v, func(r NetworkResult) {
		switch r {
		case NetworkSuccess, NetworkUnsupported:
			p.mu.Lock()
			p.setValueLocked(v)
			p.valSynced = true
			p.retrySet = false
			p.mu.Unlock()
			if cb != nil {
				cb(nil)
			}
		case NetworkOffline:
			n.mu.Lock()
			n.flagRetrySetProps = true
			n.mu.Unlock()
			p.mu.Lock()
			p.retrySet = true
			p.setValueLocked(v)
			p.mu.Unlock()
			if cb != nil {
				cb(ErrOffline)
			}
		case NetworkUnknown:
			if cb != nil {
				cb(ErrOffline)
			}
		}
	})
}

var (
	ErrOffline        = errors.New("nm: node offline")
	ErrWrongDirection = errors.New("nm: property is not TO_DEVICE")
	ErrValueTooLarge  = errors.New("nm: value exceeds declared property buffer size")
)
