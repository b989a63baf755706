package referenced

import (
	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
)

// Encode builds the wire form of a reference set, the way a backend declares
// it. Words found in the global dictionary use global indices; the rest are
// added to the per-message word list.
func Encode(absent, exact []Key) api.ReferencedAttributes {
	e := encoder{global: make(map[string]int32)}
	for i, w := range attribute.GlobalWords() {
		e.global[w] = int32(i)
	}
	var ref api.ReferencedAttributes
	for _, k := range absent {
		ref.AttributeMatches = append(ref.AttributeMatches, e.match(&ref, k, api.Absence))
	}
	for _, k := range exact {
		ref.AttributeMatches = append(ref.AttributeMatches, e.match(&ref, k, api.Exact))
	}
	return ref
}

// ExactNames is shorthand for Encode with only exact, non-map keys.
func ExactNames(names ...string) api.ReferencedAttributes {
	keys := make([]Key, len(names))
	for i, n := range names {
		keys[i] = Key{Name: n}
	}
	return Encode(nil, keys)
}

type encoder struct {
	global map[string]int32
	local  map[string]int32
}

func (e *encoder) match(ref *api.ReferencedAttributes, k Key, cond api.Condition) api.AttributeMatch {
	m := api.AttributeMatch{Name: e.index(ref, k.Name), Condition: cond}
	if k.MapKey != "" {
		m.MapKey = e.index(ref, k.MapKey)
	}
	return m
}

func (e *encoder) index(ref *api.ReferencedAttributes, word string) int32 {
	if i, ok := e.global[word]; ok {
		return i
	}
	if i, ok := e.local[word]; ok {
		return i
	}
	if e.local == nil {
		e.local = make(map[string]int32)
	}
	i := api.MessageIndex(len(ref.Words))
	ref.Words = append(ref.Words, word)
	e.local[word] = i
	return i
}
