package attribute

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Bag is a read-only mapping from attribute name to Value.
// The zero Bag is empty and ready to use.
type Bag struct {
	values map[string]Value
}

// FromMap returns a bag holding a copy of m.
func FromMap(m map[string]Value) Bag {
	return Bag{values: maps.Clone(m)}
}

// Get returns the value for name.
func (b Bag) Get(name string) (Value, bool) {
	v, ok := b.values[name]
	return v, ok
}

// Len returns the number of attributes.
func (b Bag) Len() int { return len(b.values) }

// Names returns attribute names in sorted order.
func (b Bag) Names() []string {
	return slices.Sorted(maps.Keys(b.values))
}

// Each calls fn for every attribute in name order.
func (b Bag) Each(fn func(name string, v Value)) {
	for _, name := range b.Names() {
		fn(name, b.values[name])
	}
}

// With returns a copy of b with name set to v.
func (b Bag) With(name string, v Value) Bag {
	m := make(map[string]Value, len(b.values)+1)
	maps.Copy(m, b.values)
	m[name] = v
	return Bag{values: m}
}

// Equal reports whether both bags hold the same names and values.
func (b Bag) Equal(o Bag) bool {
	return maps.EqualFunc(b.values, o.values, Value.Equal)
}

// String renders the bag for debug logs.
func (b Bag) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range b.Names() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(b.values[name].String())
	}
	sb.WriteByte('}')
	return sb.String()
}

// Builder accumulates attributes into a Bag.
type Builder struct {
	values map[string]Value
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{values: make(map[string]Value)}
}

// Set stores v under name, replacing any previous value.
func (b *Builder) Set(name string, v Value) *Builder {
	b.values[name] = v
	return b
}

func (b *Builder) String(name, s string) *Builder { return b.Set(name, String(s)) }

func (b *Builder) Bytes(name string, p []byte) *Builder { return b.Set(name, Bytes(p)) }

func (b *Builder) Int64(name string, i int64) *Builder { return b.Set(name, Int64(i)) }

func (b *Builder) Double(name string, f float64) *Builder { return b.Set(name, Double(f)) }

func (b *Builder) Bool(name string, v bool) *Builder { return b.Set(name, Bool(v)) }

func (b *Builder) Timestamp(name string, t time.Time) *Builder { return b.Set(name, Timestamp(t)) }

func (b *Builder) Duration(name string, d time.Duration) *Builder { return b.Set(name, Duration(d)) }

func (b *Builder) StringMap(name string, m map[string]string) *Builder {
	return b.Set(name, StringMap(m))
}

// Has reports whether name has been set.
func (b *Builder) Has(name string) bool {
	_, ok := b.values[name]
	return ok
}

// Build returns a bag holding the accumulated attributes. The builder may be reused.
func (b *Builder) Build() Bag {
	return FromMap(b.values)
}
