// Package value implements the Value kinds: a tagged union
// with wire conversion rules for both GATT (little-endian fixed
// precision) and cloud JSON (scalar) encodings.
package value

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Kind tags which variant of Value is populated.
type Kind int

const (
	KindInteger Kind = iota
	KindBoolean
	KindDecimal
	KindString
	KindBlob
	KindFile
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	case KindFile:
		return "file"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// MessageCap is the implementation-defined cap on the opaque
// "message" kind.
const MessageCap = 4096

// Value is a tagged union over the kinds above. Only the
// field matching Kind is meaningful.
type Value struct {
	Kind    Kind
	Integer int32
	Boolean bool
	Decimal float64
	Str     string
	Blob    []byte
	Path    string  // content-addressed local path, for KindFile
}

// Int32 constructs an integer Value.
func Int32(v int32) Value { return Value{Kind: KindInteger, Integer: v} }

// Bool constructs a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBoolean, Boolean: v} }

// Float64 constructs a decimal Value.
func Float64(v float64) Value { return Value{Kind: KindDecimal, Decimal: v} }

// String constructs a bounded string Value.
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// BlobValue constructs a bounded binary Value.
func BlobValue(v []byte) Value { return Value{Kind: KindBlob, Blob: v} }

// File constructs a content-addressed file Value.
func File(path string) Value { return Value{Kind: KindFile, Path: path} }

// Message constructs an opaque message Value, capped at MessageCap.
func Message(v string) (Value, error) {
	if len(v) > MessageCap {
		return Value{}, errors.Errorf("value: message exceeds cap of %d bytes", MessageCap)
	}
	return Value{Kind: KindMessage, Str: v}, nil
}

// Equal compares two values of the same kind. Values of differing
// kinds are never equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInteger:
		return v.Integer == o.Integer
	case KindBoolean:
		return v.Boolean == o.Boolean
	case KindDecimal:
		return v.Decimal == o.Decimal
	case KindString, KindMessage:
		return v.Str == o.Str
	case KindBlob:
		if len(v.Blob) != len(o.Blob) {
			return false
		}
		for i := range v.Blob {
			if v.Blob[i] != o.Blob[i] {
				return false
			}
		}
		return true
	case KindFile:
		return v.Path == o.Path
	default:
		return false
	}
}

// ToJSON converts a Value into a JSON-marshalable scalar, as the
// cloud wire encoding requires.
func (v Value) ToJSON() interface{} {
	switch v.Kind {
	case KindInteger:
		return v.Integer
	case KindBoolean:
		return v.Boolean
	case KindDecimal:
		return v.Decimal
	case KindString, KindMessage:
		return v.Str
	case KindBlob:
		return v.Blob // encoding/json base64-encodes []byte automatically
	case KindFile:
		return v.Path
	default:
		return nil
	}
}

// FromGATT decodes raw little-endian GATT bytes into a Value of the
// given kind, per the GATT conversion rules.
func FromGATT(kind Kind, raw []byte) (Value, error) {
	switch kind {
	case KindInteger:
		if len(raw) < 4 {
			return Value{}, errors.Errorf("value: need 4 bytes for int32, got %d", len(raw))
		}
		return Int32(int32(binary.LittleEndian.Uint32(raw))), nil
	case KindBoolean:
		if len(raw) < 1 {
			return Value{}, errors.New("value: need 1 byte for bool")
		}
		return Bool(raw[0] != 0), nil
	case KindDecimal:
		if len(raw) >= 8 {
			return Float64(math.Float64frombits(binary.LittleEndian.Uint64(raw))), nil
		}
		if len(raw) >= 4 {
			return Float64(float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))), nil
		}
		return Value{}, errors.Errorf("value: need 4 or 8 bytes for decimal, got %d", len(raw))
	case KindString:
		return String(decodeUTF8NoNUL(raw)), nil
	case KindBlob:
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return BlobValue(cp), nil
	default:
		return Value{}, errors.Errorf("value: kind %s has no default GATT decode", kind)
	}
}

// ToGATT encodes a Value into little-endian GATT bytes. capacity
// bounds KindString/KindBlob output (0 means unbounded).
func (v Value) ToGATT(capacity int) ([]byte, error) {
	switch v.Kind {
	case KindInteger:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v.Integer))
		return b, nil
	case KindBoolean:
		if v.Boolean {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindDecimal:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.Decimal))
		return b, nil
	case KindString:
		b := []byte(v.Str)
		if capacity > 0 && len(b)+1 > capacity {
			return nil, errors.Errorf("value: string of %d bytes exceeds capacity %d (incl. NUL)", len(b), capacity)
		}
		return b, nil
	case KindBlob:
		if capacity > 0 && len(v.Blob) > capacity {
			return nil, errors.Errorf("value: blob of %d bytes exceeds capacity %d", len(v.Blob), capacity)
		}
		return v.Blob, nil
	default:
		return nil, errors.Errorf("value: kind %s has no default GATT encode", v.Kind)
	}
}

func decodeUTF8NoNUL(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

// String implements fmt.Stringer for debugging/logging.
func (v Value) String() string {
	switch v.Kind {
	case KindInteger:
		return fmt.Sprintf("int(%d)", v.Integer)
	case KindBoolean:
		return fmt.Sprintf("bool(%v)", v.Boolean)
	case KindDecimal:
		return fmt.Sprintf("decimal(%v)", v.Decimal)
	case KindString:
		return fmt.Sprintf("string(%q)", v.Str)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.Blob))
	case KindFile:
		return fmt.Sprintf("file(%s)", v.Path)
	case KindMessage:
		return fmt.Sprintf("message(%d bytes)", len(v.Str))
	default:
		return "value(?)"
	}
}
