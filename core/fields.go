package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// FieldType describes the value type of a field column. The type of a field
// is fixed at first write; later writes with a different type are rejected.
//
// The enumeration is signed so Unknown can sort below every valid type, which
// matches the wire representation consumed at the ingestion boundary.
type FieldType int8

const (
	FieldTypeUnknown  FieldType = -1
	FieldTypeFloat    FieldType = 0
	FieldTypeInteger  FieldType = 1
	FieldTypeUnsigned FieldType = 2
	FieldTypeBoolean  FieldType = 3
	FieldTypeString   FieldType = 4
)

// String returns the string representation of the FieldType.
func (t FieldType) String() string {
	switch t {
	case FieldTypeFloat:
		return "float"
	case FieldTypeInteger:
		return "integer"
	case FieldTypeUnsigned:
		return "unsigned"
	case FieldTypeBoolean:
		return "boolean"
	case FieldTypeString:
		return "string"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the five concrete field types.
func (t FieldType) Valid() bool {
	return t >= FieldTypeFloat && t <= FieldTypeString
}

// FieldValue is a tagged union holding one typed field value. Numeric and
// boolean payloads live in the bits field; string payloads in str. The zero
// value has FieldTypeUnknown; callers must construct values through the
// typed constructors.
type FieldValue struct {
	typ  FieldType
	bits uint64
	str  []byte
}

// NewFloatValue returns a FieldValue holding a float64.
func NewFloatValue(v float64) FieldValue {
	return FieldValue{typ: FieldTypeFloat, bits: math.Float64bits(v)}
}

// NewIntegerValue returns a FieldValue holding an int64.
func NewIntegerValue(v int64) FieldValue {
	return FieldValue{typ: FieldTypeInteger, bits: uint64(v)}
}

// NewUnsignedValue returns a FieldValue holding a uint64.
func NewUnsignedValue(v uint64) FieldValue {
	return FieldValue{typ: FieldTypeUnsigned, bits: v}
}

// NewBooleanValue returns a FieldValue holding a bool.
func NewBooleanValue(v bool) FieldValue {
	var b uint64
	if v {
		b = 1
	}
	return FieldValue{typ: FieldTypeBoolean, bits: b}
}

// NewStringValue returns a FieldValue holding a byte string. The slice is
// retained, not copied.
func NewStringValue(v []byte) FieldValue {
	return FieldValue{typ: FieldTypeString, str: v}
}

// NewFieldValue converts a dynamically typed value into a FieldValue. It is
// the entry point for callers holding decoded wire payloads.
func NewFieldValue(v interface{}) (FieldValue, error) {
	switch val := v.(type) {
	case float64:
		return NewFloatValue(val), nil
	case float32:
		return NewFloatValue(float64(val)), nil
	case int64:
		return NewIntegerValue(val), nil
	case int:
		return NewIntegerValue(int64(val)), nil
	case uint64:
		return NewUnsignedValue(val), nil
	case bool:
		return NewBooleanValue(val), nil
	case string:
		return NewStringValue([]byte(val)), nil
	case []byte:
		return NewStringValue(val), nil
	default:
		return FieldValue{}, fmt.Errorf("%w: %T", ErrUnsupportedFieldType, v)
	}
}

// Type returns the FieldType tag of the value.
func (v FieldValue) Type() FieldType { return v.typ }

// Float returns the float64 payload. Valid only when Type() == FieldTypeFloat.
func (v FieldValue) Float() float64 { return math.Float64frombits(v.bits) }

// Integer returns the int64 payload.
func (v FieldValue) Integer() int64 { return int64(v.bits) }

// Unsigned returns the uint64 payload.
func (v FieldValue) Unsigned() uint64 { return v.bits }

// Boolean returns the bool payload.
func (v FieldValue) Boolean() bool { return v.bits != 0 }

// Bytes returns the string payload. Valid only when Type() == FieldTypeString.
func (v FieldValue) Bytes() []byte { return v.str }

// Equal reports whether two values have the same type and payload.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.typ != o.typ {
		return false
	}
	if v.typ == FieldTypeString {
		return string(v.str) == string(o.str)
	}
	return v.bits == o.bits
}

// String renders the value for logs and the inspect tool.
func (v FieldValue) String() string {
	switch v.typ {
	case FieldTypeFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case FieldTypeInteger:
		return strconv.FormatInt(v.Integer(), 10)
	case FieldTypeUnsigned:
		return strconv.FormatUint(v.Unsigned(), 10)
	case FieldTypeBoolean:
		return strconv.FormatBool(v.Boolean())
	case FieldTypeString:
		return string(v.str)
	default:
		return "<unknown>"
	}
}

// AppendValue appends the binary encoding of v for a column of type t.
// Numeric and boolean payloads are fixed width; strings are length-prefixed.
// The column type is stored once per column, not per value.
func AppendValue(buf []byte, v FieldValue, t FieldType) []byte {
	switch t {
	case FieldTypeFloat, FieldTypeInteger, FieldTypeUnsigned:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v.bits)
		return append(buf, b[:]...)
	case FieldTypeBoolean:
		if v.bits != 0 {
			return append(buf, 1)
		}
		return append(buf, 0)
	case FieldTypeString:
		var lenBuf [binary.MaxVarintLen32]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(v.str)))
		buf = append(buf, lenBuf[:n]...)
		return append(buf, v.str...)
	default:
		return buf
	}
}

// DecodeValue decodes a value of column type t from data, returning the value
// and the number of bytes consumed.
func DecodeValue(data []byte, t FieldType) (FieldValue, int, error) {
	switch t {
	case FieldTypeFloat, FieldTypeInteger, FieldTypeUnsigned:
		if len(data) < 8 {
			return FieldValue{}, 0, fmt.Errorf("value truncated for %s column: %w", t, ErrCorrupted)
		}
		return FieldValue{typ: t, bits: binary.LittleEndian.Uint64(data[:8])}, 8, nil
	case FieldTypeBoolean:
		if len(data) < 1 {
			return FieldValue{}, 0, fmt.Errorf("value truncated for boolean column: %w", ErrCorrupted)
		}
		return FieldValue{typ: t, bits: uint64(data[0] & 1)}, 1, nil
	case FieldTypeString:
		strLen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < strLen {
			return FieldValue{}, 0, fmt.Errorf("string value truncated: %w", ErrCorrupted)
		}
		s := make([]byte, strLen)
		copy(s, data[n:n+int(strLen)])
		return FieldValue{typ: t, str: s}, n + int(strLen), nil
	default:
		return FieldValue{}, 0, fmt.Errorf("cannot decode value of type %d", t)
	}
}
