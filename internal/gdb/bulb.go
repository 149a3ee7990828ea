package gdb

import (
	"github.com/ayla-edge/gatewayd/pkg/uuid"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// RGB-bulb vendor profile: a
// MagicBlue-style controller exposing one service and one
// write-only command characteristic that multiplexes onoff/mode/
// rgb/white into short fixed-format frames.
const (
	bulbTemplateKey = "rgb_bulb"
	bulbModeOff     = 0
	bulbModeRGB     = 1
	bulbModeWhite   = 2
	bulbModeFade    = 3
)

var (
	svcBulb    = uuid.MustParse("ffe5")
	chrBulbCmd = uuid.MustParse("ffe9")
)

func seedBulb(d *DB) {
	mustAddTemplate(d, svcBulb, bulbTemplateKey, "1").SetConsistency(bulbConsistency)
	d.AddProp(chrBulbCmd, "", "onoff", value.KindBoolean, ToDevice, nil, bulbEncodeOnOff)
	d.AddProp(chrBulbCmd, "", "mode", value.KindInteger, ToDevice, nil, bulbEncodeMode)
	d.AddProp(chrBulbCmd, "", "rgb", value.KindInteger, ToDevice, nil, bulbEncodeRGB)
	d.AddProp(chrBulbCmd, "", "white", value.KindInteger, ToDevice, nil, bulbEncodeWhite)
}

// bulbConsistency reconciles Mode after a successful Rgb/White write:
// the physical controller switches into the corresponding mode as a
// side effect of accepting that command, so the cached Mode property
// must follow.
func bulbConsistency(node NodeHandle, prop *PropDef, v value.Value) {
	switch prop.Name {
	case "rgb":
		node.SetPropValue(bulbTemplateKey, "mode", value.Int32(bulbModeRGB))
	case "white":
		node.SetPropValue(bulbTemplateKey, "mode", value.Int32(bulbModeWhite))
	case "onoff":
		if !v.Boolean {
			node.SetPropValue(bulbTemplateKey, "mode", value.Int32(bulbModeOff))
		}
	}
}

// bulbEncodeOnOff reconstructs the protocol-specific 3-byte power
// frame.
func bulbEncodeOnOff(_ NodeHandle, _ *PropDef, v value.Value) ([]byte, Status) {
	if v.Kind != value.KindBoolean {
		return nil, StatusError
	}
	if v.Boolean {
		return []byte{0xCC, 0x23, 0x33}, StatusOK
	}
	return []byte{0xCC, 0x24, 0x33}, StatusOK
}

func bulbEncodeMode(_ NodeHandle, _ *PropDef, v value.Value) ([]byte, Status) {
	if v.Kind != value.KindInteger {
		return nil, StatusError
	}
	// Mode itself carries no wire frame of its own; it only gates
	// rgb/white consistency. Nothing to write to the device.
	return nil, StatusNoOp
}

// bulbEncodeRGB encodes the color frame: setting rgb while
// mode != RGB is a no-op, not an error.
func bulbEncodeRGB(node NodeHandle, _ *PropDef, v value.Value) ([]byte, Status) {
	if v.Kind != value.KindInteger {
		return nil, StatusError
	}
	mode, ok := node.PropValue(bulbTemplateKey, "mode")
	if ok && mode.Kind == value.KindInteger && mode.Integer != bulbModeRGB {
		return nil, StatusNoOp
	}
	packed := uint32(v.Integer)
	r := byte(packed >> 16)
	g := byte(packed >> 8)
	b := byte(packed)
	return []byte{0x56, r, g, b, 0x00, 0xF0, 0xAA}, StatusOK
}

func bulbEncodeWhite(node NodeHandle, _ *PropDef, v value.Value) ([]byte, Status) {
	if v.Kind != value.KindInteger {
		return nil, StatusError
	}
	mode, ok := node.PropValue(bulbTemplateKey, "mode")
	if ok && mode.Kind == value.KindInteger && mode.Integer != bulbModeWhite {
		return nil, StatusNoOp
	}
	if v.Integer < 0 || v.Integer > 255 {
		return nil, StatusError
	}
	return []byte{0x56, 0x00, 0x00, 0x00, byte(v.Integer), 0x0F, 0xAA}, StatusOK
}
