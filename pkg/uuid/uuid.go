// Package uuid implements the 128-bit BLE UUID: parsed
// from and printed to canonical dashed hex, with 16-bit short forms
// expanded against the Bluetooth base UUID, and ordered by byte value.
package uuid

import (
	"fmt"
	"strings"

	googleuuid "github.com/google/uuid"
)

// baseUUID is the Bluetooth SIG base UUID that 16-bit short-form
// UUIDs expand into: 0000xxxx-0000-1000-8000-00805f9b34fb.
var baseUUID = googleuuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID is a 128-bit identifier, byte-for-byte compatible with
// google/uuid's representation (which already implements the BLE
// canonical dashed-hex codec).
type UUID struct {
	inner googleuuid.UUID
}

// Nil is the zero UUID.
var Nil UUID

// Parse accepts either a canonical 128-bit dashed-hex string or a
// bare 4-hex-digit 16-bit short form (e.g. "ffe5"), expanding the
// latter against the Bluetooth base UUID.
func Parse(s string) (UUID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 4 || len(s) == 8 {
		// 16-bit ("ffe5") or 32-bit ("0000ffe5") short form.
		return parseShort(s)
	}
	u, err := googleuuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("uuid: invalid UUID %q: %w", s, err)
	}
	return UUID{inner: u}, nil
}

func parseShort(hex4 string) (UUID, error) {
	var short uint32
	if _, err := fmt.Sscanf(hex4, "%x", &short); err != nil {
		return Nil, fmt.Errorf("uuid: invalid short-form UUID %q: %w", hex4, err)
	}
	u := baseUUID
	// Short-form value overlays the first 32 bits of the base UUID.
	u[0] = byte(short >> 24)
	u[1] = byte(short >> 16)
	u[2] = byte(short >> 8)
	u[3] = byte(short)
	return UUID{inner: u}, nil
}

// MustParse is Parse but panics on error, for static seed data.
func MustParse(s string) UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String prints the canonical 128-bit dashed-hex form.
func (u UUID) String() string {
	return u.inner.String()
}

// Bytes returns the 16 raw bytes, in the order google/uuid stores
// them (big-endian per RFC 4122 field layout).
func (u UUID) Bytes() [16]byte {
	var b [16]byte
	copy(b[:], u.inner[:])
	return b
}

// Equal reports byte-value equality.
func (u UUID) Equal(o UUID) bool {
	return u.inner == o.inner
}

// Compare orders two UUIDs by byte value, for use in sorted
// containers (e.g. a scan-result list keyed secondarily by UUID).
func (u UUID) Compare(o UUID) int {
	return strings.Compare(string(u.inner[:]), string(o.inner[:]))
}

// IsNil reports whether u is the zero UUID.
func (u UUID) IsNil() bool {
	return u.inner == googleuuid.Nil
}
