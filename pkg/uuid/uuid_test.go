package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrintRoundTrip(t *testing.T) {
	cases := []string{
		"0000ffe5-0000-1000-8000-00805f9b34fb",
		"180d",    // heart rate service, 16-bit short form
		"180f",    // battery service
		"0000180a-0000-1000-8000-00805f9b34fb",
	}
	for _, s := range cases {
		u, err := Parse(s)
		require.NoError(t, err, s)
		u2, err := Parse(u.String())
		require.NoError(t, err)
		assert.True(t, u.Equal(u2), "round trip mismatch for %s", s)
	}
}

func TestShortFormExpandsToCanonical128Bit(t *testing.T) {
	short, err := Parse("ffe5")
	require.NoError(t, err)
	assert.Equal(t, "0000ffe5-0000-1000-8000-00805f9b34fb", short.String())
}

func TestInvalidUUIDRejected(t *testing.T) {
	_, err := Parse("not-a-uuid-at-all")
	assert.Error(t, err)
}

func TestEqualityAndOrdering(t *testing.T) {
	a := MustParse("180d")
	b := MustParse("180f")
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(a))
	assert.NotEqual(t, 0, a.Compare(b))
	assert.Equal(t, 0, a.Compare(a))
}

func TestNil(t *testing.T) {
	assert.True(t, Nil.IsNil())
	assert.False(t, MustParse("180d").IsNil())
}
