package api

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers follow the backend's published ReportRequest schema.
const (
	fieldReportAttributes      protowire.Number = 1
	fieldReportDefaultWords    protowire.Number = 2
	fieldReportGlobalWordCount protowire.Number = 3

	fieldCAWords      protowire.Number = 1
	fieldCAStrings    protowire.Number = 2
	fieldCAInt64s     protowire.Number = 3
	fieldCADoubles    protowire.Number = 4
	fieldCABools      protowire.Number = 5
	fieldCATimestamps protowire.Number = 6
	fieldCADurations  protowire.Number = 7
	fieldCABytes      protowire.Number = 8
	fieldCAStringMaps protowire.Number = 9

	fieldStringMapEntries protowire.Number = 1

	fieldMapKey   protowire.Number = 1
	fieldMapValue protowire.Number = 2

	fieldSeconds protowire.Number = 1
	fieldNanos   protowire.Number = 2
)

// ErrWireType is returned when a known field arrives with an unexpected wire type.
var ErrWireType = errors.New("unexpected wire type")

// MarshalReportRequest encodes req in protobuf wire format.
// Map entries are written in key order so equal requests encode identically.
func MarshalReportRequest(req *ReportRequest) []byte {
	var b []byte
	for i := range req.Attributes {
		b = appendMessage(b, fieldReportAttributes, appendCompressed(nil, &req.Attributes[i]))
	}
	for _, w := range req.DefaultWords {
		b = protowire.AppendTag(b, fieldReportDefaultWords, protowire.BytesType)
		b = protowire.AppendString(b, w)
	}
	if req.GlobalWordCount != 0 {
		b = protowire.AppendTag(b, fieldReportGlobalWordCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(req.GlobalWordCount))
	}
	return b
}

// UnmarshalReportRequest decodes a ReportRequest from protobuf wire format.
func UnmarshalReportRequest(data []byte) (*ReportRequest, error) {
	req := &ReportRequest{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldReportAttributes:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			ca, err := unmarshalCompressed(msg)
			if err != nil {
				return 0, fmt.Errorf("decoding attributes: %w", err)
			}
			req.Attributes = append(req.Attributes, ca)
			return n, nil
		case fieldReportDefaultWords:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			req.DefaultWords = append(req.DefaultWords, string(msg))
			return n, nil
		case fieldReportGlobalWordCount:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			req.GlobalWordCount = int32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendSint32(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendSecondsNanos(b []byte, seconds int64, nanos int32) []byte {
	var msg []byte
	if seconds != 0 {
		msg = protowire.AppendTag(msg, fieldSeconds, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(seconds))
	}
	if nanos != 0 {
		msg = protowire.AppendTag(msg, fieldNanos, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(int64(nanos)))
	}
	return appendMessage(b, fieldMapValue, msg)
}

func sortedKeys[V any](m map[int32]V) []int32 {
	return slices.Sorted(maps.Keys(m))
}

func appendCompressed(b []byte, ca *CompressedAttributes) []byte {
	for _, w := range ca.Words {
		b = protowire.AppendTag(b, fieldCAWords, protowire.BytesType)
		b = protowire.AppendString(b, w)
	}
	for _, k := range sortedKeys(ca.Strings) {
		e := appendSint32(nil, fieldMapKey, k)
		e = appendSint32(e, fieldMapValue, ca.Strings[k])
		b = appendMessage(b, fieldCAStrings, e)
	}
	for _, k := range sortedKeys(ca.Int64s) {
		e := appendSint32(nil, fieldMapKey, k)
		e = protowire.AppendTag(e, fieldMapValue, protowire.VarintType)
		e = protowire.AppendVarint(e, uint64(ca.Int64s[k]))
		b = appendMessage(b, fieldCAInt64s, e)
	}
	for _, k := range sortedKeys(ca.Doubles) {
		e := appendSint32(nil, fieldMapKey, k)
		e = protowire.AppendTag(e, fieldMapValue, protowire.Fixed64Type)
		e = protowire.AppendFixed64(e, math.Float64bits(ca.Doubles[k]))
		b = appendMessage(b, fieldCADoubles, e)
	}
	for _, k := range sortedKeys(ca.Bools) {
		e := appendSint32(nil, fieldMapKey, k)
		e = protowire.AppendTag(e, fieldMapValue, protowire.VarintType)
		e = protowire.AppendVarint(e, protowire.EncodeBool(ca.Bools[k]))
		b = appendMessage(b, fieldCABools, e)
	}
	for _, k := range sortedKeys(ca.Timestamps) {
		ts := ca.Timestamps[k]
		e := appendSint32(nil, fieldMapKey, k)
		e = appendSecondsNanos(e, ts.Unix(), int32(ts.Nanosecond()))
		b = appendMessage(b, fieldCATimestamps, e)
	}
	for _, k := range sortedKeys(ca.Durations) {
		d := ca.Durations[k]
		e := appendSint32(nil, fieldMapKey, k)
		e = appendSecondsNanos(e, int64(d/time.Second), int32(d%time.Second))
		b = appendMessage(b, fieldCADurations, e)
	}
	for _, k := range sortedKeys(ca.Bytes) {
		e := appendSint32(nil, fieldMapKey, k)
		e = protowire.AppendTag(e, fieldMapValue, protowire.BytesType)
		e = protowire.AppendBytes(e, ca.Bytes[k])
		b = appendMessage(b, fieldCABytes, e)
	}
	for _, k := range sortedKeys(ca.StringMaps) {
		entries := ca.StringMaps[k]
		var sm []byte
		for _, ek := range sortedKeys(entries) {
			e := appendSint32(nil, fieldMapKey, ek)
			e = appendSint32(e, fieldMapValue, entries[ek])
			sm = appendMessage(sm, fieldStringMapEntries, e)
		}
		e := appendSint32(nil, fieldMapKey, k)
		e = appendMessage(e, fieldMapValue, sm)
		b = appendMessage(b, fieldCAStringMaps, e)
	}
	return b
}

// mapEntry holds the raw parts of a decoded map entry.
type mapEntry struct {
	key    int32
	varint uint64
	fixed  uint64
	bytes  []byte
}

func unmarshalMapEntry(data []byte) (mapEntry, error) {
	var e mapEntry
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldMapKey && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.key = int32(protowire.DecodeZigZag(v))
			return n, nil
		case num == fieldMapValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.varint = v
			return n, nil
		case num == fieldMapValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			e.fixed = v
			return n, nil
		case num == fieldMapValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.bytes = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return e, err
}

func unmarshalSecondsNanos(data []byte) (seconds int64, nanos int32, err error) {
	err = consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldSeconds:
			v, n, err := consumeVarint(typ, b)
			seconds = int64(v)
			return n, err
		case fieldNanos:
			v, n, err := consumeVarint(typ, b)
			nanos = int32(v)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return seconds, nanos, err
}

func unmarshalCompressed(data []byte) (CompressedAttributes, error) {
	var ca CompressedAttributes
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < fieldCAWords || num > fieldCAStringMaps {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		msg, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		if num == fieldCAWords {
			ca.Words = append(ca.Words, string(msg))
			return n, nil
		}
		e, err := unmarshalMapEntry(msg)
		if err != nil {
			return 0, err
		}
		switch num {
		case fieldCAStrings:
			if ca.Strings == nil {
				ca.Strings = make(map[int32]int32)
			}
			ca.Strings[e.key] = int32(protowire.DecodeZigZag(e.varint))
		case fieldCAInt64s:
			if ca.Int64s == nil {
				ca.Int64s = make(map[int32]int64)
			}
			ca.Int64s[e.key] = int64(e.varint)
		case fieldCADoubles:
			if ca.Doubles == nil {
				ca.Doubles = make(map[int32]float64)
			}
			ca.Doubles[e.key] = math.Float64frombits(e.fixed)
		case fieldCABools:
			if ca.Bools == nil {
				ca.Bools = make(map[int32]bool)
			}
			ca.Bools[e.key] = protowire.DecodeBool(e.varint)
		case fieldCATimestamps:
			s, ns, err := unmarshalSecondsNanos(e.bytes)
			if err != nil {
				return 0, err
			}
			if ca.Timestamps == nil {
				ca.Timestamps = make(map[int32]time.Time)
			}
			ca.Timestamps[e.key] = time.Unix(s, int64(ns))
		case fieldCADurations:
			s, ns, err := unmarshalSecondsNanos(e.bytes)
			if err != nil {
				return 0, err
			}
			if ca.Durations == nil {
				ca.Durations = make(map[int32]time.Duration)
			}
			ca.Durations[e.key] = time.Duration(s)*time.Second + time.Duration(ns)
		case fieldCABytes:
			if ca.Bytes == nil {
				ca.Bytes = make(map[int32][]byte)
			}
			ca.Bytes[e.key] = bytes.Clone(e.bytes)
		case fieldCAStringMaps:
			entries, err := unmarshalStringMap(e.bytes)
			if err != nil {
				return 0, err
			}
			if ca.StringMaps == nil {
				ca.StringMaps = make(map[int32]map[int32]int32)
			}
			ca.StringMaps[e.key] = entries
		}
		return n, nil
	})
	return ca, err
}

func unmarshalStringMap(data []byte) (map[int32]int32, error) {
	entries := make(map[int32]int32)
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldStringMapEntries {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		msg, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		e, err := unmarshalMapEntry(msg)
		if err != nil {
			return 0, err
		}
		entries[e.key] = int32(protowire.DecodeZigZag(e.varint))
		return n, nil
	})
	return entries, err
}

// consumeFields walks every field in b, handing the bytes after each tag to fn.
// fn returns how many bytes the field value used, or a negative protowire error code.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: got %d, want bytes", ErrWireType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: got %d, want varint", ErrWireType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
