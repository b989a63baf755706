// Package referenced decodes the attributes a backend reports it examined and
// computes cache signatures over just those attributes.
package referenced

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
)

var (
	// ErrWordIndex is returned when a match refers to a word that does not exist.
	ErrWordIndex = errors.New("word index out of range")

	// ErrRegexUnsupported is returned for REGEX conditions, which cannot be signed.
	ErrRegexUnsupported = errors.New("regex condition not supported")
)

// Key is one referenced attribute, optionally narrowed to a string map entry.
type Key struct {
	Name   string
	MapKey string
}

func compareKey(a, b Key) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.MapKey, b.MapKey)
}

// Attributes is a decoded reference set. It is immutable once filled.
type Attributes struct {
	absent []Key
	exact  []Key
}

// Fill decodes ref against bag. Map keys are only decoded for attributes that
// are string maps in bag.
func Fill(bag attribute.Bag, ref api.ReferencedAttributes) (*Attributes, error) {
	words := attribute.GlobalWords()
	a := &Attributes{}
	for _, match := range ref.AttributeMatches {
		name, err := decode(match.Name, words, ref.Words)
		if err != nil {
			return nil, fmt.Errorf("decoding name: %w", err)
		}
		k := Key{Name: name}
		if v, ok := bag.Get(name); ok && v.Kind() == attribute.KindStringMap {
			k.MapKey, err = decode(match.MapKey, words, ref.Words)
			if err != nil {
				return nil, fmt.Errorf("decoding map key for %s: %w", name, err)
			}
		}

		switch match.Condition {
		case api.Absence:
			a.absent = append(a.absent, k)
		case api.Exact:
			a.exact = append(a.exact, k)
		case api.Regex:
			return nil, fmt.Errorf("%w: %s", ErrRegexUnsupported, name)
		}
	}
	slices.SortFunc(a.absent, compareKey)
	slices.SortFunc(a.exact, compareKey)
	return a, nil
}

// New builds a reference set directly from absence and exact keys.
func New(absent, exact []Key) *Attributes {
	a := &Attributes{
		absent: slices.Clone(absent),
		exact:  slices.Clone(exact),
	}
	slices.SortFunc(a.absent, compareKey)
	slices.SortFunc(a.exact, compareKey)
	return a
}

func decode(idx int32, global, message []string) (string, error) {
	if idx >= 0 {
		if int(idx) >= len(global) {
			return "", fmt.Errorf("%w: global %d >= %d", ErrWordIndex, idx, len(global))
		}
		return global[idx], nil
	}
	i := int(-idx - 1)
	if i >= len(message) {
		return "", fmt.Errorf("%w: message %d >= %d", ErrWordIndex, i, len(message))
	}
	return message[i], nil
}

// Signature computes the signature of bag restricted to this reference set,
// salted with extraKey. It returns false when bag does not satisfy the set.
func (a *Attributes) Signature(bag attribute.Bag, extraKey string) (policycache.Signature, bool) {
	if !a.checkAbsent(bag) || !a.checkExact(bag) {
		return policycache.Signature{}, false
	}
	return a.signature(bag, extraKey), true
}

// groups calls fn for each run of keys sharing a name.
func groups(keys []Key, fn func(name string, run []Key) bool) bool {
	for i := 0; i < len(keys); {
		j := i + 1
		for j < len(keys) && keys[j].Name == keys[i].Name {
			j++
		}
		if !fn(keys[i].Name, keys[i:j]) {
			return false
		}
		i = j
	}
	return true
}

func (a *Attributes) checkAbsent(bag attribute.Bag) bool {
	return groups(a.absent, func(name string, run []Key) bool {
		v, ok := bag.Get(name)
		if !ok {
			return true
		}
		if v.Kind() != attribute.KindStringMap {
			return false
		}
		for _, k := range run {
			if _, found := v.MapValue(k.MapKey); found {
				return false
			}
		}
		return true
	})
}

func (a *Attributes) checkExact(bag attribute.Bag) bool {
	return groups(a.exact, func(name string, run []Key) bool {
		v, ok := bag.Get(name)
		if !ok {
			return false
		}
		if v.Kind() != attribute.KindStringMap {
			return true
		}
		for _, k := range run {
			if _, found := v.MapValue(k.MapKey); !found {
				return false
			}
		}
		return true
	})
}

func (a *Attributes) signature(bag attribute.Bag, extraKey string) policycache.Signature {
	h := policycache.NewHasher()
	groups(a.exact, func(name string, run []Key) bool {
		v, _ := bag.Get(name)
		h.WriteString(name)
		h.WriteDelimiter()
		switch v.Kind() {
		case attribute.KindString:
			h.WriteString(v.AsString())
		case attribute.KindBytes:
			_, _ = h.Write(v.AsBytes())
		case attribute.KindInt64:
			h.WriteInt64(v.AsInt64())
		case attribute.KindDouble:
			h.WriteFloat64(v.AsDouble())
		case attribute.KindBool:
			h.WriteBool(v.AsBool())
		case attribute.KindTimestamp:
			h.WriteTime(v.AsTime())
		case attribute.KindDuration:
			h.WriteDuration(v.AsDuration())
		case attribute.KindStringMap:
			for _, k := range run {
				mv, _ := v.MapValue(k.MapKey)
				h.WriteString(k.MapKey)
				h.WriteDelimiter()
				h.WriteString(mv)
				h.WriteDelimiter()
			}
		}
		h.WriteDelimiter()
		return true
	})
	h.WriteString(extraKey)
	return h.Sum()
}

// Hash identifies the structure of the reference set, independent of any bag.
func (a *Attributes) Hash() policycache.Signature {
	h := policycache.NewHasher()
	writeKeys(h, a.absent)
	h.WriteString(":")
	writeKeys(h, a.exact)
	return h.Sum()
}

func writeKeys(h *policycache.Hasher, keys []Key) {
	for _, k := range keys {
		h.WriteString(k.Name)
		h.WriteDelimiter()
		if k.MapKey != "" {
			h.WriteString(k.MapKey)
			h.WriteDelimiter()
		}
	}
}

// AbsentKeys returns the sorted absence keys.
func (a *Attributes) AbsentKeys() []Key { return slices.Clone(a.absent) }

// ExactKeys returns the sorted exact keys.
func (a *Attributes) ExactKeys() []Key { return slices.Clone(a.exact) }

func (a *Attributes) String() string {
	var sb strings.Builder
	sb.WriteString("absence-keys: ")
	writeDebugKeys(&sb, a.absent)
	sb.WriteString(" exact-keys: ")
	writeDebugKeys(&sb, a.exact)
	return sb.String()
}

func writeDebugKeys(sb *strings.Builder, keys []Key) {
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k.Name)
		if k.MapKey != "" {
			sb.WriteString("[" + k.MapKey + "]")
		}
	}
}
