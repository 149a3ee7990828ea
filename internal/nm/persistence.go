package nm

// NodeRecord is one node's persisted form: address,
// version, oem_model, interface, power, management_state, plus the two
// layers' opaque blobs (each layer provides one save and one loaded
// callback via NetworkHandler.ConfSave/ConfLoaded and the cloud
// equivalent carried in CloudSlot).
type NodeRecord struct {
	Address         string
	Version         string
	OEMModel        string
	Interface       Interface
	Power           Power
	ManagementState string
	NetworkBlob     interface{}
	CloudBlob       interface{}
}

// Store is the persistence sink NM saves to and loads from. The
// concrete implementation lives in the EIA's config surface; NM only needs to
// push
// and pull whole-tree snapshots.
type Store interface {
	SaveNodes(records []NodeRecord) error
	LoadNodes() ([]NodeRecord, error)
}

// persist rebuilds the full node-record snapshot and saves it. Save is
// triggered on state transitions, every op_complete, and node
// deletion; callers invoke this from transition()/step(), never from
// mid-op code, so it always reflects a settled state.
func (m *Manager) persist(n *Node) {
	if m.store == nil {
		return
	}
	m.saveAll()
}

// persistDelete saves the snapshot after a node has already been
// removed from the map.
func (m *Manager) persistDelete(n *Node) {
	if m.store == nil {
		return
	}
	m.saveAll()
}

func (m *Manager) saveAll() {
	m.mu.Lock()
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.Unlock()

	records := make([]NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		n.mu.RLock()
		rec := NodeRecord{
			Address:         n.addr,
			Version:         n.version,
			OEMModel:        n.oemModel,
			Interface:       n.iface,
			Power:           n.power,
			ManagementState: n.state.String(),
			CloudBlob:       n.cloudSlot,
		}
		n.mu.RUnlock()
		if m.network != nil {
			rec.NetworkBlob = m.network.ConfSave(n)
		}
		records = append(records, rec)
	}
	if err := m.store.SaveNodes(records); err != nil {
		logger.WithError(err).Warn("node persistence save failed")
	}
}

// LoadNodes reconstructs the node tree from the store (conf_loaded,
// ). Nodes resume at their recognized management_state;
// an unrecognized state resumes at READY. This does not re-trigger the
// JOINED entry sequence: a loaded node is assumed already registered to
// the network and cloud.
func (m *Manager) LoadNodes() error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.LoadNodes()
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, rec := range records {
		n := NewNode(rec.Address, rec.Interface, rec.Power)
		n.version = rec.Version
		n.oemModel = rec.OEMModel
		n.state = ParseState(rec.ManagementState)
		n.cloudSlot = rec.CloudBlob
		m.nodes[rec.Address] = n
		if m.network != nil && rec.NetworkBlob != nil {
			m.network.ConfLoaded(n, rec.NetworkBlob)
		}
	}
	m.mu.Unlock()
	logger.WithField("count", len(records)).Info("nodes loaded from persisted config")
	return nil
}
