package eia

import (
	"github.com/pkg/errors"

	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/internal/poq"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Applier routes a fired schedule's property value through the node
// manager as if a cloud-originated property update had arrived, then
// echoes a property_response to the cloud.
type Applier struct {
	nodes *nm.Manager
	q     *poq.Queue
}

// NewApplier builds the schedule applier.
func NewApplier(nodes *nm.Manager, q *poq.Queue) *Applier {
	return &Applier{nodes: nodes, q: q}
}

var _ ScheduleApplier = (*Applier)(nil)

// ApplyScheduledValue implements ScheduleApplier.
func (a *Applier) ApplyScheduledValue(arg *ScheduleArg, propName string, v value.Value) {
	if arg == nil || arg.Address == "" {
		logger.WithField("prop", propName).Debug("schedule fired without node routing")
		return
	}
	name := arg.Name
	if name == "" {
		name = propName
	}
	err := a.nodes.PropSet(arg.Address, arg.SubdeviceKey, arg.TemplateKey, name, v)
	if err != nil && !errors.Is(err, nm.ErrOffline) {
		logger.WithError(err).WithField("prop", name).Warn("scheduled property set failed")
		return
	}
	op := &poq.Op{
		Code: poq.OpPropResponse,
		Prop: poq.PropRef{Addr: arg.Address, Subdevice: arg.SubdeviceKey, Template: arg.TemplateKey, Name: name},
		Val:  v,
		Opts: poq.Options{Dests: poq.DestADS},
	}
	if err := a.q.Enqueue(op); err != nil {
		logger.WithError(err).Warn("schedule response enqueue failed")
	}
}
