package nm

import (
	"github.com/pkg/errors"

	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// AddProperty registers a property on the node's subdevice/template
// tree from a GDB property definition. Called
// once per characteristic-derived property when a node's GATT profile
// is matched against the template database (internal/bot territory);
// kept here since the tree itself is NM-owned state.
func (n *Node) AddProperty(templateKey string, def *gdb.PropDef) *Property {
	key := n.propKey(def.Subdevice, templateKey, def.Name)
	n.mu.Lock()
	if existing, ok := n.props[key]; ok {
		// Type and direction are immutable after addition; a
		// conflicting redefinition is rejected in favor of the
		// original.
		if existing.Type != def.Type || existing.Direction != def.Direction {
			n.mu.Unlock()
			logger.WithField("prop", key).Warn("property redefinition with different type/direction rejected")
			return existing
		}
		n.mu.Unlock()
		return existing
	}
	p := &Property{
		Subdevice:  def.Subdevice,
		Template:   templateKey,
		Name:       def.Name,
		Type:       def.Type,
		Direction:  def.Direction,
		Capacity:   def.Capacity,
		RejectNull: def.RejectNull,
		def:        def,
	}
	n.props[key] = p
	n.propOrder = append(n.propOrder, p)
	byName, ok := n.propsByTemplate[templateKey]
	if !ok {
		byName = make(map[string]*Property)
		n.propsByTemplate[templateKey] = byName
	}
	byName[def.Name] = p
	n.mu.Unlock()
	return p
}

// PropSet implements node_prop_set: a cloud- or
// LAN-originated write to a TO_DEVICE property.
func (m *Manager) PropSet(addr, subdevice, template, name string, v value.Value) error {
	n, ok := m.Node(addr)
	if !ok {
		return ErrNoSuchNode
	}
	p, ok := n.Property(subdevice, template, name)
	if !ok {
		return ErrNoSuchProp
	}
	var setErr error
	done := make(chan struct{})
	m.setProp(n, p, v, func(err error) {
		setErr = err
		close(done)
	})
	<-done
	return setErr
}

// PropSend implements the node_prop_{integer,string,boolean,decimal}_send
// family: the type distinction is enforced by the
// caller passing the matching value.Kind constructor, since Value is
// already a tagged union (pkg/value).
func (m *Manager) PropSend(addr, subdevice, template, name string, v value.Value) error {
	n, ok := m.Node(addr)
	if !ok {
		return ErrNoSuchNode
	}
	p, ok := n.Property(subdevice, template, name)
	if !ok {
		return ErrNoSuchProp
	}
	p.mu.Lock()
	p.setValueLocked(v)
	p.valSynced = false
	p.mu.Unlock()
	m.sendProp(n, p)
	return nil
}

// SendAllSet implements node_prop_send_all_set(direction): resends every
// cached property matching the given direction,
// used after a reconnect or a full resync request.
func (m *Manager) SendAllSet(addr string, dir gdb.Direction) error {
	n, ok := m.Node(addr)
	if !ok {
		return ErrNoSuchNode
	}
	for _, p := range n.Properties() {
		if p.Direction != dir {
			continue
		}
		if _, ok := p.Value(); !ok {
			continue
		}
		m.sendProp(n, p)
	}
	return nil
}

// OTAApply implements node_ota_apply.
func (m *Manager) OTAApply(addr, version, path string) error {
	n, ok := m.Node(addr)
	if !ok {
		return ErrNoSuchNode
	}
	if n.State() != StateReady {
		return ErrNotReady
	}
	m.network.OTAUpdate(n, version, path, func(r NetworkResult) {
		logger.WithField("addr", addr).WithField("result", r).Info("OTA update completed")
	})
	return nil
}

var (
	ErrNoSuchNode = errors.New("nm: no such node")
	ErrNoSuchProp = errors.New("nm: no such property")
	ErrNotReady   = errors.New("nm: node is not READY")
)
