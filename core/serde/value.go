// Package serde converts application values to and from their wire
// representation.
//
// [Value] is a closed tagged union over the payload kinds the cache can
// carry. Both [Codec.Encode] and [Codec.Decode] switch over every kind
// exhaustively, so adding a kind forces a decision at the switch instead of
// silently falling through. In particular the rule that booleans are never
// stringified cannot be bypassed by a new caller.
package serde

import (
	"fmt"
	"math"
	"strconv"

	"github.com/codewandler/mcring-go/internal/reflector"
)

// Kind discriminates the payload variants of [Value].
type Kind uint8

const (
	KindNil Kind = iota
	KindBytes
	KindText
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is one application-level cache payload. The zero Value is the Nil
// value (a miss).
type Value struct {
	kind Kind
	b    []byte
	s    string
	i    int64
	f    float64
	t    bool
}

// DataError reports a value that cannot cross the wire: an unsupported type,
// a payload violating the configured charset, or a corrupt typed payload.
type DataError struct {
	msg      string
	typeName string
}

func (e *DataError) Error() string {
	if e.typeName != "" {
		return fmt.Sprintf("serde: %s (type %s)", e.msg, e.typeName)
	}
	return "serde: " + e.msg
}

func dataErr(format string, args ...any) *DataError {
	return &DataError{msg: fmt.Sprintf(format, args...)}
}

// === constructors ===

func BytesValue(b []byte) Value  { return Value{kind: KindBytes, b: b} }
func TextValue(s string) Value   { return Value{kind: KindText, s: s} }
func IntValue(i int64) Value     { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func BoolValue(t bool) Value     { return Value{kind: KindBool, t: t} }

// From maps a plain Go value onto the union. Booleans are representable here
// but rejected later by [Codec.Encode]; anything outside the supported set
// fails with a [DataError] naming the offending type.
func From(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return x, nil
	case []byte:
		return BytesValue(x), nil
	case string:
		return TextValue(x), nil
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int8:
		return IntValue(int64(x)), nil
	case int16:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return Value{}, dataErr("unsigned value %d overflows int64", x)
		}
		return IntValue(int64(x)), nil
	case uint8:
		return IntValue(int64(x)), nil
	case uint16:
		return IntValue(int64(x)), nil
	case uint32:
		return IntValue(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, dataErr("unsigned value %d overflows int64", x)
		}
		return IntValue(int64(x)), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	default:
		return Value{}, &DataError{
			msg:      "unsupported value type",
			typeName: reflector.TypeInfoOf(v).Name,
		}
	}
}

// === accessors ===

// Kind returns the payload variant.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether the value is the Nil value (a miss).
func (v Value) IsNil() bool { return v.kind == KindNil }

// Bytes returns the raw payload for KindBytes, or the encoded text for
// KindText. Other kinds return nil.
func (v Value) Bytes() []byte {
	switch v.kind {
	case KindBytes:
		return v.b
	case KindText:
		return []byte(v.s)
	}
	return nil
}

// Text returns the payload for KindText, or KindBytes interpreted as text.
// Other kinds return "".
func (v Value) Text() string {
	switch v.kind {
	case KindText:
		return v.s
	case KindBytes:
		return string(v.b)
	}
	return ""
}

// Int returns the payload for KindInt; zero otherwise.
func (v Value) Int() int64 {
	if v.kind == KindInt {
		return v.i
	}
	return 0
}

// Float returns the payload for KindFloat; zero otherwise.
func (v Value) Float() float64 {
	if v.kind == KindFloat {
		return v.f
	}
	return 0
}

// Bool returns the payload for KindBool; false otherwise.
func (v Value) Bool() bool {
	return v.kind == KindBool && v.t
}

// Any unwraps the union back into a plain Go value (nil, []byte, string,
// int64, float64 or bool).
func (v Value) Any() any {
	switch v.kind {
	case KindNil:
		return nil
	case KindBytes:
		return v.b
	case KindText:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.t
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "<nil>"
	case KindBytes:
		return string(v.b)
	case KindText:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.t)
	}
	return "<invalid>"
}
