// Package zigbee is the ZigBee network-layer handler. It satisfies
// the same nm.NetworkHandler interface the BLE implementation does;
// on hardware without a ZigBee radio every operation except Leave
// (which reports success) reports unsupported, and the node manager
// advances past it.
package zigbee

import (
	log "github.com/sirupsen/logrus"

	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

var logger = log.WithField("component", "zigbee")

// Network is the ZigBee nm.NetworkHandler.
type Network struct{}

// New builds the handler.
func New() *Network { return &Network{} }

var _ nm.NetworkHandler = (*Network)(nil)

func (n *Network) QueryInfo(node *nm.Node, cb nm.NetworkCallback) {
	logger.WithField("addr", node.Addr()).Debug("zigbee query without radio")
	cb(nm.NetworkUnsupported)
}

func (n *Network) Configure(node *nm.Node, cb nm.NetworkCallback) {
	cb(nm.NetworkUnsupported)
}

func (n *Network) PropSet(node *nm.Node, p *nm.Property, v value.Value, cb nm.NetworkCallback) {
	cb(nm.NetworkUnsupported)
}

func (n *Network) FactoryReset(node *nm.Node, cb nm.NetworkCallback) {
	cb(nm.NetworkUnsupported)
}

func (n *Network) Leave(node *nm.Node, cb nm.NetworkCallback) {
	cb(nm.NetworkSuccess)
}

func (n *Network) OTAUpdate(node *nm.Node, version, path string, cb nm.NetworkCallback) {
	cb(nm.NetworkUnsupported)
}

func (n *Network) ConfSave(node *nm.Node) interface{} { return nil }

func (n *Network) ConfLoaded(node *nm.Node, blob interface{}) {}
