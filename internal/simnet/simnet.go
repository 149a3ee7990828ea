// Package simnet is a demo node simulator satisfying nm.NetworkHandler:
// every operation succeeds against in-memory device state, so the node
// lifecycle, property flow, and cloud path can be exercised without a
// radio.
package simnet

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

var logger = log.WithField("component", "simnet")

// simDevice is one simulated node's device-side state.
type simDevice struct {
	props map[string]value.Value
}

// Network is the simulator nm.NetworkHandler.
type Network struct {
	mu      sync.Mutex
	devices map[string]*simDevice
	// Offline marks every simulated device unreachable, for driving
	// the retry paths in demos.
	Offline bool
}

// New builds an empty simulator.
func New() *Network {
	return &Network{devices: make(map[string]*simDevice)}
}

var _ nm.NetworkHandler = (*Network)(nil)

func (s *Network) device(addr string) *simDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[addr]
	if !ok {
		d = &simDevice{props: make(map[string]value.Value)}
		s.devices[addr] = d
	}
	return d
}

func (s *Network) result() nm.NetworkResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Offline {
		return nm.NetworkOffline
	}
	return nm.NetworkSuccess
}

func (s *Network) QueryInfo(node *nm.Node, cb nm.NetworkCallback) {
	s.device(node.Addr())
	cb(s.result())
}

func (s *Network) Configure(node *nm.Node, cb nm.NetworkCallback) {
	cb(s.result())
}

func (s *Network) PropSet(node *nm.Node, p *nm.Property, v value.Value, cb nm.NetworkCallback) {
	r := s.result()
	if r == nm.NetworkSuccess {
		d := s.device(node.Addr())
		s.mu.Lock()
		d.props[p.Name] = v
		s.mu.Unlock()
	}
	cb(r)
}

func (s *Network) FactoryReset(node *nm.Node, cb nm.NetworkCallback) {
	d := s.device(node.Addr())
	s.mu.Lock()
	d.props = make(map[string]value.Value)
	s.mu.Unlock()
	cb(s.result())
}

func (s *Network) Leave(node *nm.Node, cb nm.NetworkCallback) {
	s.mu.Lock()
	delete(s.devices, node.Addr())
	s.mu.Unlock()
	cb(nm.NetworkSuccess)
}

func (s *Network) OTAUpdate(node *nm.Node, version, path string, cb nm.NetworkCallback) {
	logger.WithField("addr", node.Addr()).WithField("version", version).Info("simulated OTA applied")
	cb(s.result())
}

func (s *Network) ConfSave(node *nm.Node) interface{} { return nil }

func (s *Network) ConfLoaded(node *nm.Node, blob interface{}) {}

// DeviceProp reads back a simulated device-side property value, for
// demos and tests.
func (s *Network) DeviceProp(addr, name string) (value.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[addr]
	if !ok {
		return value.Value{}, false
	}
	v, ok := d.props[name]
	return v, ok
}
