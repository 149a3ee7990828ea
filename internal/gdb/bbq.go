package gdb

import (
	"github.com/ayla-edge/gatewayd/pkg/uuid"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// BBQ-thermometer vendor profile: a single sensor
// characteristic packs flags, meat code, doneness, a hh:mm:ss
// countdown, target/current temperature, and percent-done into one
// 16-byte little-endian payload. One characteristic thus produces
// nine logical properties, each with its own decode closure over a
// fixed byte offset, decoding several named values out of one
// notify payload in a single pass.
var (
	svcBBQThermometer = uuid.MustParse("fff4")
	chrBBQSensor      = uuid.MustParse("fff5")
)

func seedBBQThermometer(d *DB) {
	mustAddTemplate(d, svcBBQThermometer, "bbq_thermometer", "1")
	d.AddProp(chrBBQSensor, "", "flags", value.KindInteger, FromDevice, bbqByteField(0), nil)
	d.AddProp(chrBBQSensor, "", "meat_code", value.KindInteger, FromDevice, bbqByteField(1), nil)
	d.AddProp(chrBBQSensor, "", "doneness", value.KindInteger, FromDevice, bbqByteField(2), nil)
	d.AddProp(chrBBQSensor, "", "hours", value.KindInteger, FromDevice, bbqByteField(3), nil)
	d.AddProp(chrBBQSensor, "", "minutes", value.KindInteger, FromDevice, bbqByteField(4), nil)
	d.AddProp(chrBBQSensor, "", "seconds", value.KindInteger, FromDevice, bbqByteField(5), nil)
	d.AddProp(chrBBQSensor, "", "target_temp", value.KindInteger, FromDevice, bbqInt16Field(6), nil)
	d.AddProp(chrBBQSensor, "", "current_temp", value.KindInteger, FromDevice, bbqInt16Field(8), nil)
	d.AddProp(chrBBQSensor, "", "percent_done", value.KindInteger, FromDevice, bbqByteField(10), nil)
}

// bbqPayloadLen is the fixed packed-payload size.
const bbqPayloadLen = 16

func bbqByteField(offset int) ValSendFunc {
	return func(_ NodeHandle, _ *PropDef, raw *value.GATTBuffer) (value.Value, Status) {
		b := raw.Bytes()
		if len(b) < bbqPayloadLen || offset >= len(b) {
			return value.Value{}, StatusError
		}
		return value.Int32(int32(b[offset])), StatusOK
	}
}

func bbqInt16Field(offset int) ValSendFunc {
	return func(_ NodeHandle, _ *PropDef, raw *value.GATTBuffer) (value.Value, Status) {
		b := raw.Bytes()
		if len(b) < bbqPayloadLen || offset+2 > len(b) {
			return value.Value{}, StatusError
		}
		v := int16(uint16(b[offset]) | uint16(b[offset+1])<<8)
		return value.Int32(int32(v)), StatusOK
	}
}
