// Package attribute provides the typed attribute bag that every cache in this
// module reads from.
package attribute

import (
	"bytes"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Kind identifies the type held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindBytes
	KindInt64
	KindDouble
	KindBool
	KindTimestamp
	KindDuration
	KindStringMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindDuration:
		return "duration"
	case KindStringMap:
		return "string_map"
	default:
		return "invalid"
	}
}

// Value is an immutable tagged attribute value.
type Value struct {
	kind Kind
	str  string
	raw  []byte
	num  int64
	dbl  float64
	ts   time.Time
	smap map[string]string
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bytes returns a bytes value. The slice is copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: bytes.Clone(b)} }

// Int64 returns an integer value.
func Int64(i int64) Value { return Value{kind: KindInt64, num: i} }

// Double returns a floating point value.
func Double(f float64) Value { return Value{kind: KindDouble, dbl: f} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Timestamp returns a timestamp value.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, ts: t} }

// Duration returns a duration value.
func Duration(d time.Duration) Value { return Value{kind: KindDuration, num: int64(d)} }

// StringMap returns a string map value. The map is copied.
func StringMap(m map[string]string) Value {
	return Value{kind: KindStringMap, smap: maps.Clone(m)}
}

// Kind reports the type held by v.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string held by a KindString value.
func (v Value) AsString() string { return v.str }

// AsBytes returns the bytes held by a KindBytes value. Callers must not modify the result.
func (v Value) AsBytes() []byte { return v.raw }

// AsInt64 returns the integer held by a KindInt64 value.
func (v Value) AsInt64() int64 { return v.num }

// AsDouble returns the float held by a KindDouble value.
func (v Value) AsDouble() float64 { return v.dbl }

// AsBool returns the boolean held by a KindBool value.
func (v Value) AsBool() bool { return v.num == 1 }

// AsTime returns the timestamp held by a KindTimestamp value.
func (v Value) AsTime() time.Time { return v.ts }

// AsDuration returns the duration held by a KindDuration value.
func (v Value) AsDuration() time.Duration { return time.Duration(v.num) }

// AsStringMap returns the map held by a KindStringMap value. Callers must not modify the result.
func (v Value) AsStringMap() map[string]string { return v.smap }

// MapValue looks up key in a KindStringMap value.
func (v Value) MapValue(key string) (string, bool) {
	if v.kind != KindStringMap {
		return "", false
	}
	s, ok := v.smap[key]
	return s, ok
}

// Equal reports whether v and o hold the same kind and value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindInt64, KindBool, KindDuration:
		return v.num == o.num
	case KindDouble:
		return v.dbl == o.dbl
	case KindTimestamp:
		return v.ts.Equal(o.ts)
	case KindStringMap:
		return maps.Equal(v.smap, o.smap)
	default:
		return true
	}
}

// String renders v for logs.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindBytes:
		return fmt.Sprintf("%x", v.raw)
	case KindInt64:
		return strconv.FormatInt(v.num, 10)
	case KindDouble:
		return strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindTimestamp:
		return v.ts.Format(time.RFC3339Nano)
	case KindDuration:
		return v.AsDuration().String()
	case KindStringMap:
		return fmt.Sprint(v.smap)
	default:
		return "<invalid>"
	}
}
