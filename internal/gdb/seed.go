package gdb

import (
	"github.com/ayla-edge/gatewayd/pkg/uuid"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Well-known Bluetooth SIG UUIDs (16-bit short forms, expanded
// against the base UUID by pkg/uuid.Parse).
var (
	svcDeviceInformation = uuid.MustParse("180a")
	chrManufacturerName  = uuid.MustParse("2a29")
	chrModelNumber       = uuid.MustParse("2a24")
	chrFirmwareRevision  = uuid.MustParse("2a26")
	chrSerialNumber      = uuid.MustParse("2a25")

	svcBattery      = uuid.MustParse("180f")
	chrBatteryLevel = uuid.MustParse("2a19")

	svcHeartRate            = uuid.MustParse("180d")
	chrHeartRateMeasurement = uuid.MustParse("2a37")
)

// Seed registers the fixed set of well-known services/characteristics
// and the vendor-specific templates names (thermostat,
// RGB bulb, BBQ thermometer), building a fresh DB each call so tests
// get an isolated instance.
func Seed() *DB {
	d := New()
	seedDeviceInformation(d)
	seedBattery(d)
	seedHeartRate(d)
	seedThermostat(d)
	seedBulb(d)
	seedBBQThermometer(d)
	return d
}

func seedDeviceInformation(d *DB) {
	mustAddTemplate(d, svcDeviceInformation, "device_info", "1")
	d.AddProp(chrManufacturerName, "", "manufacturer", value.KindString, FromDevice, defaultValSend, nil).WithCapacity(64)
	d.AddProp(chrModelNumber, "", "model_number", value.KindString, FromDevice, defaultValSend, nil).WithCapacity(32)
	d.AddProp(chrFirmwareRevision, "", "firmware_rev", value.KindString, FromDevice, defaultValSend, nil).WithCapacity(32)
	d.AddProp(chrSerialNumber, "", "serial_number", value.KindString, FromDevice, defaultValSend, nil).WithCapacity(32)
}

func seedBattery(d *DB) {
	mustAddTemplate(d, svcBattery, "battery", "1")
	// Battery Level is a single unsigned byte percentage; the default
	// int32 decode would read 4 bytes, so it gets its own send hook.
	d.AddProp(chrBatteryLevel, "", "battery_level", value.KindInteger, FromDevice, decodeBatteryLevel, nil)
}

func decodeBatteryLevel(_ NodeHandle, _ *PropDef, raw *value.GATTBuffer) (value.Value, Status) {
	b := raw.Bytes()
	if len(b) < 1 {
		return value.Value{}, StatusError
	}
	return value.Int32(int32(b[0])), StatusOK
}

func seedHeartRate(d *DB) {
	mustAddTemplate(d, svcHeartRate, "heart_rate", "1")
	d.AddProp(chrHeartRateMeasurement, "", "heart_rate_bpm", value.KindInteger, FromDevice, decodeHeartRateMeasurement, nil)
}

// decodeHeartRateMeasurement implements the standard Heart Rate
// Measurement characteristic: byte 0 is a flags field whose bit 0
// selects 8-bit (flag clear) or 16-bit (flag set) BPM in byte(s) 1+.
func decodeHeartRateMeasurement(_ NodeHandle, _ *PropDef, raw *value.GATTBuffer) (value.Value, Status) {
	b := raw.Bytes()
	if len(b) < 2 {
		return value.Value{}, StatusError
	}
	flags := b[0]
	if flags&0x01 != 0 {
		if len(b) < 3 {
			return value.Value{}, StatusError
		}
		bpm := int32(b[1]) | int32(b[2])<<8
		return value.Int32(bpm), StatusOK
	}
	return value.Int32(int32(b[1])), StatusOK
}

func mustAddTemplate(d *DB, svc uuid.UUID, key, version string) *TemplateDef {
	t, err := d.AddTemplate(svc, key, version)
	if err != nil {
		panic(err) // seed content is static and must not collide
	}
	return t
}
