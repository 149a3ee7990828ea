package nm

import (
	"sync"

	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Interface tags a node's network-interface type.
type Interface int

const (
	InterfaceWiFi Interface = iota
	InterfaceZigBee
	InterfaceZWave
	InterfaceBLE
)

// Power tags a node's power source.
type Power int

const (
	PowerMains Power = iota
	PowerBattery
)

// Property is one typed property value within a node's
// subdevice/template/property tree. Type and Direction
// are immutable after first add (enforced by Node.AddProperty).
type Property struct {
	Subdevice  string
	Template   string // template key, not the service UUID
	Name       string
	Type       value.Kind
	Direction  gdb.Direction
	Capacity   int // declared buffer size; 0 means type-natural width
	RejectNull bool

	mu         sync.Mutex
	val        value.Value
	hasVal     bool
	valSynced  bool // synced with cloud
	adsFailure bool
	retrySend  bool // retry_send_props
	retrySet   bool // retry_set_props
	def        *gdb.PropDef
}

// fitsCapacity reports whether v fits the property's declared buffer
// size. String checks include the terminating byte; non-sized kinds
// always fit.
func (p *Property) fitsCapacity(v value.Value) bool {
	if p.Capacity <= 0 {
		return true
	}
	switch v.Kind {
	case value.KindString, value.KindMessage:
		return len(v.Str)+1 <= p.Capacity
	case value.KindBlob:
		return len(v.Blob) <= p.Capacity
	default:
		return true
	}
}

// Value returns the cached value and whether one has ever been set.
func (p *Property) Value() (value.Value, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val, p.hasVal
}

func (p *Property) setValueLocked(v value.Value) {
	p.val = v
	p.hasVal = true
}

// Node is a cloud-side logical device: identity, online state, and a
// subdevice -> template -> property tree.
type Node struct {
	mu sync.RWMutex

	addr         string
	version      string
	oemModel     string
	iface        Interface
	power        Power
	online       bool
	onlineSynced bool      // at least one online transition sent to cloud

	state State

	// Lifecycle flags,
	flagUpdate          bool
	flagRemove          bool
	flagFactoryReset    bool
	flagReconfigure     bool
	flagLeft            bool
	flagRetryConnStatus bool
	flagRetryProps      bool
	flagRetrySetProps   bool
	opPending           bool
	batchDepth          int

	// Per-layer opaque state slots, each with a cleanup
	// hook invoked on node deletion.
	cloudSlot    interface{}
	cloudCleanup func(interface{})
	netSlot      interface{}
	netCleanup   func(interface{})

	// props is keyed by "subdevice/template/name". propOrder preserves
	// addition order so
	// whole-tree resends keep the original property order.
	props     map[string]*Property
	propOrder []*Property
	// propsByTemplate indexes properties by template key for GDB's
	// PropValue/SetPropValue lookups.
	propsByTemplate map[string]map[string]*Property

	// pending network-layer completion callbacks: query/config/leave.
	pendingQuery  func(NetworkResult)
	pendingConfig func(NetworkResult)
	pendingLeave  func(NetworkResult)
}

// NewNode constructs a freshly-joined node.
func NewNode(addr string, iface Interface, power Power) *Node {
	return &Node{
		addr:            addr,
		iface:           iface,
		power:           power,
		state:           StateJoined,
		props:           make(map[string]*Property),
		propsByTemplate: make(map[string]map[string]*Property),
	}
}

// Addr implements gdb.NodeHandle.
func (n *Node) Addr() string { return n.addr }

func (n *Node) propKey(subdevice, template, name string) string {
	if subdevice == "" {
		subdevice = gdb.DefaultSubdevice
	}
	return subdevice + "/" + template + "/" + name
}

// PropValue implements gdb.NodeHandle: looks up a sibling property's
// cached value by template key and name (subdevice-agnostic, since
// GDB encoders address properties by template+name only).
func (n *Node) PropValue(templateKey, name string) (value.Value, bool) {
	n.mu.RLock()
	byName, ok := n.propsByTemplate[templateKey]
	n.mu.RUnlock()
	if !ok {
		return value.Value{}, false
	}
	p, ok := byName[name]
	if !ok {
		return value.Value{}, false
	}
	return p.Value()
}

// SetPropValue implements gdb.NodeHandle.
func (n *Node) SetPropValue(templateKey, name string, v value.Value) {
	n.mu.RLock()
	byName, ok := n.propsByTemplate[templateKey]
	n.mu.RUnlock()
	if !ok {
		return
	}
	p, ok := byName[name]
	if !ok {
		return
	}
	p.mu.Lock()
	p.setValueLocked(v)
	p.mu.Unlock()
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Online reports the node's current online flag.
func (n *Node) Online() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

// Version returns the node's optional software version.
func (n *Node) Version() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.version
}

// OEMModel returns the node's optional OEM model string.
func (n *Node) OEMModel() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.oemModel
}

// SetOEMModel sets the OEM model, used once discovery identifies the
// device type.
func (n *Node) SetOEMModel(model string) {
	n.mu.Lock()
	n.oemModel = model
	n.mu.Unlock()
}

// CloudSlot / NetSlot expose the node's per-layer opaque state, with
// cleanup hooks invoked on deletion.
func (n *Node) CloudSlot() interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cloudSlot
}

func (n *Node) SetCloudSlot(v interface{}, cleanup func(interface{})) {
	n.mu.Lock()
	n.cloudSlot = v
	n.cloudCleanup = cleanup
	n.mu.Unlock()
}

func (n *Node) NetSlot() interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.netSlot
}

func (n *Node) SetNetSlot(v interface{}, cleanup func(interface{})) {
	n.mu.Lock()
	n.netSlot = v
	n.netCleanup = cleanup
	n.mu.Unlock()
}

func (n *Node) runCleanupHooks() {
	n.mu.Lock()
	cloudSlot, cloudCleanup := n.cloudSlot, n.cloudCleanup
	netSlot, netCleanup := n.netSlot, n.netCleanup
	n.mu.Unlock()
	if cloudCleanup != nil {
		cloudCleanup(cloudSlot)
	}
	if netCleanup != nil {
		netCleanup(netSlot)
	}
}

// Properties returns a snapshot of every property on the node, in
// addition order.
func (n *Node) Properties() []*Property {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Property, len(n.propOrder))
	copy(out, n.propOrder)
	return out
}

// Property looks up one property by its (subdevice, template, name)
// triple.
func (n *Node) Property(subdevice, template, name string) (*Property, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.props[n.propKey(subdevice, template, name)]
	return p, ok
}

// SetPendingQuery/SetPendingConfig/SetPendingLeave register a
// completion callback the tracker layer is waiting on for an in-flight
// query/configure/leave. A node reaching REMOVED while one of these is
// still set invokes it Cancellation instead of leaving
// the caller hanging.
func (n *Node) SetPendingQuery(cb func(NetworkResult)) {
	n.mu.Lock()
	n.pendingQuery = cb
	n.mu.Unlock()
}

func (n *Node) SetPendingConfig(cb func(NetworkResult)) {
	n.mu.Lock()
	n.pendingConfig = cb
	n.mu.Unlock()
}

func (n *Node) SetPendingLeave(cb func(NetworkResult)) {
	n.mu.Lock()
	n.pendingLeave = cb
	n.mu.Unlock()
}
