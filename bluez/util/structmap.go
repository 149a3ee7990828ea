// Package util provides the struct<->map reflection helpers the
// profile wrappers call as util.MapToStruct /
// util.StructToMap. MapToStruct (dbus property dict -> typed struct)
// is the direction BOT actually exercises, decoding PropertiesChanged
// and GetAll payloads into Adapter/Device/GattService/
// GattCharacteristic property structs.
package util

import (
	"reflect"

	"github.com/fatih/structs"
	"github.com/godbus/dbus/v5"

	"github.com/ayla-edge/gatewayd/bluez/props"
)

// MapToStruct populates dst (a pointer to struct) from a D-Bus
// property variant map, honoring `dbus:"..."` tags the same way the
// generated bindings' FromDBusMap methods do.
func MapToStruct(dst interface{}, m map[string]dbus.Variant) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return errNotStructPtr
	}
	elem := v.Elem()
	infos := props.ParseStruct(elem.Type())

	for name, info := range infos {
		if info.ShouldSkip(elem) {
			continue
		}
		variant, ok := m[info.DBusName]
		if !ok {
			continue
		}
		field := elem.FieldByName(name)
		if !field.CanSet() {
			continue
		}
		assignVariant(field, variant)
	}
	return nil
}

func assignVariant(field reflect.Value, variant dbus.Variant) {
	val := reflect.ValueOf(variant.Value())
	if !val.IsValid() {
		return
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
	}
}

// StructToMap flattens a struct into a map[string]interface{} using
// the same `dbus` tags, kept for symmetry with MapToStruct; no code or
// test in this module calls it.
func StructToMap(src interface{}, out map[string]interface{}) {
	m := structs.New(src)
	m.TagName = "dbus"
	for k, v := range m.Map() {
		out[k] = v
	}
}

// errNotStructPtr is returned by MapToStruct when dst is not a
// pointer to struct.
var errNotStructPtr = structNotPtrErr{}

type structNotPtrErr struct{}

func (structNotPtrErr) Error() string { return "util: dst must be a pointer to struct" }
