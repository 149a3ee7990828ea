package gdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayla-edge/gatewayd/pkg/uuid"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

type fakeNode struct {
	addr  string
	props map[string]value.Value
}

func newFakeNode() *fakeNode {
	return &fakeNode{addr: "AA:BB:CC:DD:EE:FF", props: map[string]value.Value{}}
}

func (f *fakeNode) Addr() string { return f.addr }

func (f *fakeNode) PropValue(templateKey, name string) (value.Value, bool) {
	v, ok := f.props[templateKey+"/"+name]
	return v, ok
}

func (f *fakeNode) SetPropValue(templateKey, name string, v value.Value) {
	f.props[templateKey+"/"+name] = v
}

func TestDuplicateTemplateRejected(t *testing.T) {
	d := New()
	svc := uuid.MustParse("180d")
	_, err := d.AddTemplate(svc, "a", "1")
	require.NoError(t, err)
	_, err = d.AddTemplate(svc, "b", "1")
	assert.Error(t, err)
}

func TestUnknownCharacteristicLookupReturnsNotManaged(t *testing.T) {
	d := Seed()
	_, ok := d.LookupProps(uuid.MustParse("dead"))
	assert.False(t, ok)
}

func TestBatteryLevelDecode(t *testing.T) {
	d := Seed()
	props, ok := d.LookupProps(uuid.MustParse("2a19"))
	require.True(t, ok)
	require.Len(t, props, 1)
	buf := value.NewGATTBuffer(1)
	buf.Replace([]byte{77})
	v, status := props[0].ValSend(newFakeNode(), props[0], buf)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, int32(77), v.Integer)
}

func TestHeartRateMeasurement8Bit(t *testing.T) {
	d := Seed()
	props, _ := d.LookupProps(uuid.MustParse("2a37"))
	buf := value.NewGATTBuffer(2)
	buf.Replace([]byte{0x00, 72})
	v, status := props[0].ValSend(newFakeNode(), props[0], buf)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, int32(72), v.Integer)
}

func TestHeartRateMeasurement16Bit(t *testing.T) {
	d := Seed()
	props, _ := d.LookupProps(uuid.MustParse("2a37"))
	buf := value.NewGATTBuffer(3)
	buf.Replace([]byte{0x01, 0xE8, 0x03}) // flags=1 (16-bit), value=1000
	v, status := props[0].ValSend(newFakeNode(), props[0], buf)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, int32(1000), v.Integer)
}

// TestBulbOnOffFrame checks the power frame: onoff=true produces
// the CC 23 33 WriteValue payload.
func TestBulbOnOffFrame(t *testing.T) {
	d := Seed()
	props, ok := d.LookupProps(chrBulbCmd)
	require.True(t, ok)
	var onoff *PropDef
	for _, p := range props {
		if p.Name == "onoff" {
			onoff = p
		}
	}
	require.NotNil(t, onoff)

	node := newFakeNode()
	raw, status := onoff.ValSet(node, onoff, value.Bool(true))
	require.Equal(t, StatusOK, status)
	assert.Equal(t, []byte{0xCC, 0x23, 0x33}, raw)
}

// TestBulbRGBModeInterlock checks the interlock: setting rgb
// while mode != RGB is a no-op, not an error.
func TestBulbRGBModeInterlock(t *testing.T) {
	d := Seed()
	props, _ := d.LookupProps(chrBulbCmd)
	var rgb *PropDef
	for _, p := range props {
		if p.Name == "rgb" {
			rgb = p
		}
	}
	require.NotNil(t, rgb)

	node := newFakeNode()
	node.SetPropValue(bulbTemplateKey, "mode", value.Int32(bulbModeWhite))

	raw, status := rgb.ValSet(node, rgb, value.Int32(0x00FF00))
	assert.Equal(t, StatusNoOp, status)
	assert.Nil(t, raw)
}

func TestBulbRGBWritesWhenModeMatches(t *testing.T) {
	d := Seed()
	props, _ := d.LookupProps(chrBulbCmd)
	var rgb *PropDef
	for _, p := range props {
		if p.Name == "rgb" {
			rgb = p
		}
	}
	node := newFakeNode()
	node.SetPropValue(bulbTemplateKey, "mode", value.Int32(bulbModeRGB))

	raw, status := rgb.ValSet(node, rgb, value.Int32(0x00FF00))
	require.Equal(t, StatusOK, status)
	assert.Equal(t, []byte{0x56, 0x00, 0xFF, 0x00, 0x00, 0xF0, 0xAA}, raw)
}

func TestBulbConsistencyReconcilesMode(t *testing.T) {
	tpl := bulbTemplateKey
	node := newFakeNode()

	d := Seed()
	tplDef, ok := d.LookupTemplate(svcBulb)
	require.True(t, ok)

	props, _ := d.LookupProps(chrBulbCmd)
	var rgbProp *PropDef
	for _, p := range props {
		if p.Name == "rgb" {
			rgbProp = p
		}
	}
	node.SetPropValue(tpl, "mode", value.Int32(bulbModeRGB))
	tplDef.Consistency(node, rgbProp, value.Int32(0x112233))

	v, ok := node.PropValue(tpl, "mode")
	require.True(t, ok)
	assert.Equal(t, int32(bulbModeRGB), v.Integer)
}

func TestBBQThermometerMultiPropertyDecode(t *testing.T) {
	d := Seed()
	props, ok := d.LookupProps(chrBBQSensor)
	require.True(t, ok)
	require.Len(t, props, 9)

	payload := make([]byte, 16)
	payload[0] = 0x01 // flags
	payload[1] = 0x05 // meat code
	payload[2] = 0x02 // doneness
	payload[3] = 1 // hours
	payload[4] = 30 // minutes
	payload[5] = 15 // seconds
	payload[6] = 0xA0 // target_temp low
	payload[7] = 0x00 // target_temp high -> 160
	payload[8] = 0x8C // current_temp low
	payload[9] = 0x00 // current_temp high -> 140
	payload[10] = 42 // percent_done

	buf := value.NewGATTBuffer(16)
	buf.Replace(payload)

	byName := map[string]int32{}
	for _, p := range props {
		v, status := p.ValSend(newFakeNode(), p, buf)
		require.Equal(t, StatusOK, status)
		byName[p.Name] = v.Integer
	}
	assert.Equal(t, int32(1), byName["flags"])
	assert.Equal(t, int32(5), byName["meat_code"])
	assert.Equal(t, int32(30), byName["minutes"])
	assert.Equal(t, int32(160), byName["target_temp"])
	assert.Equal(t, int32(140), byName["current_temp"])
	assert.Equal(t, int32(42), byName["percent_done"])
}
