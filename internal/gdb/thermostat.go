package gdb

import (
	"github.com/ayla-edge/gatewayd/pkg/uuid"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// Vendor thermostat profile: one service exposing
// current/set-point temperature (decimal, Celsius tenths) and a
// heating-enabled switch, each on its own characteristic using the
// GDB default little-endian codec.
var (
	svcThermostat          = uuid.MustParse("fff0")
	chrCurrentTemperature  = uuid.MustParse("fff1")
	chrSetPointTemperature = uuid.MustParse("fff2")
	chrHeatingEnabled      = uuid.MustParse("fff3")
)

func seedThermostat(d *DB) {
	mustAddTemplate(d, svcThermostat, "thermostat", "1")
	d.AddProp(chrCurrentTemperature, "", "current_temp", value.KindDecimal, FromDevice, defaultValSend, nil)
	d.AddProp(chrSetPointTemperature, "", "set_point", value.KindDecimal, ToDevice, defaultValSend, defaultValSet)
	d.AddProp(chrHeatingEnabled, "", "heating_enabled", value.KindBoolean, ToDevice, defaultValSend, defaultValSet)
}
