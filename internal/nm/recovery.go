package nm

import "sort"

// CloudRecovered resends every property marked with an ADS failure
// after the cloud client comes back up. Per node, a
// template-version property is resent first, the rest follow in their
// original order as one batch, and any deferred conn-status send is
// retried.
func (m *Manager) CloudRecovered() {
	for _, n := range m.Nodes() {
		var failed []*Property
		for _, p := range n.Properties() {
			p.mu.Lock()
			if p.adsFailure {
				failed = append(failed, p)
			}
			p.mu.Unlock()
		}

		n.mu.Lock()
		retryConn := n.flagRetryConnStatus
		n.mu.Unlock()

		if len(failed) > 0 {
			sort.SliceStable(failed, func(i, j int) bool {
				return isTemplateVersion(failed[i]) && !isTemplateVersion(failed[j])
			})
			n.BatchBegin()
			for _, p := range failed {
				p.mu.Lock()
				p.valSynced = false
				p.mu.Unlock()
				m.sendProp(n, p)
			}
			m.BatchEnd(n)
		}
		if retryConn {
			m.sendConnStatus(n)
		}
	}
}

// isTemplateVersion identifies the per-template version property.
func isTemplateVersion(p *Property) bool {
	return p.Name == "version"
}

// MarkPropADSFailureByName flags every property matching a bare name,
// for echo-failure signals that carry no node routing.
func (m *Manager) MarkPropADSFailureByName(name string) {
	for _, n := range m.Nodes() {
		for _, p := range n.Properties() {
			if p.Name != name {
				continue
			}
			p.mu.Lock()
			p.adsFailure = true
			p.valSynced = false
			p.mu.Unlock()
		}
	}
}

// MarkPropADSFailure flags a property (addressed by its tree
// coordinates) as having failed to sync to ADS, used for echo-failure
// routing and connection-class naks arriving from the op queue.
func (m *Manager) MarkPropADSFailure(addr, subdevice, template, name string) {
	n, ok := m.Node(addr)
	if !ok {
		return
	}
	p, ok := n.Property(subdevice, template, name)
	if !ok {
		return
	}
	p.mu.Lock()
	p.adsFailure = true
	p.valSynced = false
	p.mu.Unlock()
}
