// Package gdb implements the GATT Template Database:
// a static registry mapping BLE service UUIDs to logical templates and
// BLE characteristic UUIDs to ordered lists of logical property
// definitions, each with an optional value encoder/decoder.
package gdb

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ayla-edge/gatewayd/pkg/uuid"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

var logger = log.WithField("component", "gdb")

// Direction is a property's data flow direction.
type Direction int

const (
	// FromDevice properties are reported by the node (sensor readings).
	FromDevice Direction = iota
	// ToDevice properties are written by the cloud/LAN (actuators/config).
	ToDevice
)

// DefaultSubdevice is the reserved subdevice literal used when a
// property definition doesn't specify one.
const DefaultSubdevice = "00"

// Status is the outcome of a val_send/val_set encoder invocation.
type Status int

const (
	StatusOK Status = iota
	// StatusNoOp signals a deliberate no-op, not an error, e.g. the
	// RGB bulb ignoring an rgb write while mode != RGB.
	StatusNoOp
	StatusError
)

// NodeHandle is the minimal view of a node GDB's encoders need: a
// name for logging and a per-property cache lookup, kept generic so
// gdb does not depend on internal/nm.
type NodeHandle interface {
	Addr() string
	// PropValue returns the cached value of a sibling property on the
	// same node, addressed by template key and property name. Used by
	// cross-property consistency encoders (e.g. the RGB-bulb's
	// mode/rgb interlock).
	PropValue(templateKey, name string) (value.Value, bool)
	// SetPropValue updates a sibling property's cache directly, for
	// consistency hooks that reconcile implicit device-side state
	// changes (e.g. the RGB bulb switching Mode as a side effect of a
	// WriteValue to Rgb/White).
	SetPropValue(templateKey, name string, v value.Value)
}

// ValSendFunc decodes a raw GATT value into a logical property value.
type ValSendFunc func(node NodeHandle, prop *PropDef, raw *value.GATTBuffer) (value.Value, Status)

// ValSetFunc encodes a logical property value into raw GATT bytes for
// writing back to the device. Returning StatusNoOp (with nil bytes)
// models cross-property interlocks like the bulb's mode/rgb example.
type ValSetFunc func(node NodeHandle, prop *PropDef, v value.Value) ([]byte, Status)

// ConsistencyFunc is an optional per-template hook run after a
// successful val_set to reconcile sibling properties.
type ConsistencyFunc func(node NodeHandle, prop *PropDef, v value.Value)

// PropDef is one logical property definition attached to a
// characteristic.
type PropDef struct {
	Characteristic uuid.UUID
	Subdevice      string
	Name           string
	Type           value.Kind
	Direction      Direction
	// Capacity is the declared value buffer size for string/blob
	// properties; 0 means the type's natural width. String capacities
	// count the terminating byte.
	Capacity   int
	RejectNull bool // accepts JSON null unless set
	ValSend    ValSendFunc
	ValSet     ValSetFunc
}

// WithCapacity declares the property's value buffer size.
func (p *PropDef) WithCapacity(n int) *PropDef {
	p.Capacity = n
	return p
}

// TemplateDef maps a BLE service to a logical template.
type TemplateDef struct {
	ServiceUUID uuid.UUID
	Key         string
	Version     string
	Consistency ConsistencyFunc
}

// DB is the GATT Template Database. One process-wide instance is
// built at startup via Seed.
type DB struct {
	mu        sync.RWMutex
	templates map[uuid.UUID]*TemplateDef
	props     map[uuid.UUID][]*PropDef
}

// New builds an empty GDB.
func New() *DB {
	return &DB{
		templates: make(map[uuid.UUID]*TemplateDef),
		props:     make(map[uuid.UUID][]*PropDef),
	}
}

// AddTemplate registers service_uuid -> template. A duplicate UUID is
// an error.
func (d *DB) AddTemplate(serviceUUID uuid.UUID, key, version string) (*TemplateDef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.templates[serviceUUID]; exists {
		return nil, errors.Errorf("gdb: duplicate template for service %s", serviceUUID)
	}
	t := &TemplateDef{ServiceUUID: serviceUUID, Key: key, Version: version}
	d.templates[serviceUUID] = t
	logger.WithFields(log.Fields{"service": serviceUUID.String(), "key": key}).Debug("template registered")
	return t, nil
}

// SetConsistency attaches a cross-property consistency hook to an
// already-registered template.
func (t *TemplateDef) SetConsistency(fn ConsistencyFunc) *TemplateDef {
	t.Consistency = fn
	return t
}

// AddProp appends a property definition to the characteristic's list
// (a characteristic may produce multiple properties).
// subdevice defaults to DefaultSubdevice when empty.
func (d *DB) AddProp(charUUID uuid.UUID, subdevice, name string, typ value.Kind, dir Direction, valSend ValSendFunc, valSet ValSetFunc) *PropDef {
	if subdevice == "" {
		subdevice = DefaultSubdevice
	}
	p := &PropDef{
		Characteristic: charUUID,
		Subdevice:      subdevice,
		Name:           name,
		Type:           typ,
		Direction:      dir,
		ValSend:        valSend,
		ValSet:         valSet,
	}
	d.mu.Lock()
	d.props[charUUID] = append(d.props[charUUID], p)
	d.mu.Unlock()
	logger.WithFields(log.Fields{"char": charUUID.String(), "name": name}).Debug("property definition added")
	return p
}

// LookupTemplate finds the template for a service UUID, if any.
func (d *DB) LookupTemplate(serviceUUID uuid.UUID) (*TemplateDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.templates[serviceUUID]
	return t, ok
}

// LookupProps finds the property definitions for a characteristic
// UUID. An unknown characteristic returns (nil, false): the caller
// treats this as "not managed".
func (d *DB) LookupProps(charUUID uuid.UUID) ([]*PropDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.props[charUUID]
	return p, ok
}

// defaultValSend is the default decode for
// single-value characteristics": little-endian decode per the
// property's declared type.
func defaultValSend(_ NodeHandle, prop *PropDef, raw *value.GATTBuffer) (value.Value, Status) {
	v, err := value.FromGATT(prop.Type, raw.Bytes())
	if err != nil {
		logger.WithError(err).WithField("prop", prop.Name).Warn("default val_send decode failed")
		return value.Value{}, StatusError
	}
	return v, StatusOK
}

// defaultValSet mirrors defaultValSend: little-endian encode per the
// property's declared type.
func defaultValSet(_ NodeHandle, prop *PropDef, v value.Value) ([]byte, Status) {
	raw, err := v.ToGATT(prop.Capacity)
	if err != nil {
		logger.WithError(err).WithField("prop", prop.Name).Warn("default val_set encode failed")
		return nil, StatusError
	}
	return raw, StatusOK
}
