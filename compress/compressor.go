// Package compress encodes attribute bags against a shared word dictionary so
// repeated names and values cross the wire as small integers.
package compress

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
)

// ErrWordIndex is returned when a compressed bag refers to an unknown word.
var ErrWordIndex = errors.New("word index out of range")

// Compressor holds the global dictionary shared by every message.
// It is safe for concurrent use.
type Compressor struct {
	words  []string
	index  map[string]int32
	base   int32
	top    atomic.Int32
	logger *slog.Logger
}

// New creates a compressor over the well-known global words.
func New(logger *slog.Logger) *Compressor {
	return NewWithWords(attribute.GlobalWords(), attribute.GlobalWordBaseSize, logger)
}

// NewWithWords creates a compressor over words. The first base words form the
// fallback dictionary used after ShrinkGlobalDictionary.
func NewWithWords(words []string, base int, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	if base > len(words) {
		base = len(words)
	}
	c := &Compressor{
		words:  words,
		index:  make(map[string]int32, len(words)),
		base:   int32(base),
		logger: logger,
	}
	for i, w := range words {
		c.index[w] = int32(i)
	}
	c.top.Store(int32(len(words)))
	return c
}

// GlobalWordCount returns how many global words are currently in use.
func (c *Compressor) GlobalWordCount() int32 {
	return c.top.Load()
}

// ShrinkGlobalDictionary falls back to the base dictionary. It reports whether
// the active dictionary changed.
func (c *Compressor) ShrinkGlobalDictionary() bool {
	for {
		top := c.top.Load()
		if top <= c.base {
			return false
		}
		if c.top.CompareAndSwap(top, c.base) {
			c.logger.Info("shrink global dictionary to base", "from", top, "to", c.base)
			return true
		}
	}
}

// Compress encodes bag with its own per-message dictionary.
func (c *Compressor) Compress(bag attribute.Bag) api.CompressedAttributes {
	d := c.newMessageDict()
	ca := compressByDict(bag, d)
	ca.Words = d.words
	return ca
}

// NewBatchCompressor starts a batch that shares one per-message dictionary.
func (c *Compressor) NewBatchCompressor() *BatchCompressor {
	return &BatchCompressor{global: c, dict: c.newMessageDict()}
}

func (c *Compressor) newMessageDict() *messageDict {
	return &messageDict{global: c, top: c.top.Load()}
}

// messageDict assigns negative indices to words outside the active global prefix.
type messageDict struct {
	global *Compressor
	top    int32
	words  []string
	index  map[string]int32
}

func (d *messageDict) indexOf(word string) int32 {
	if i, ok := d.global.index[word]; ok && i < d.top {
		return i
	}
	if i, ok := d.index[word]; ok {
		return i
	}
	if d.index == nil {
		d.index = make(map[string]int32)
	}
	i := api.MessageIndex(len(d.words))
	d.words = append(d.words, word)
	d.index[word] = i
	return i
}

func (d *messageDict) reset() {
	d.words = nil
	d.index = nil
}

func compressByDict(bag attribute.Bag, d *messageDict) api.CompressedAttributes {
	var ca api.CompressedAttributes
	bag.Each(func(name string, v attribute.Value) {
		i := d.indexOf(name)
		switch v.Kind() {
		case attribute.KindString:
			if ca.Strings == nil {
				ca.Strings = make(map[int32]int32)
			}
			ca.Strings[i] = d.indexOf(v.AsString())
		case attribute.KindBytes:
			if ca.Bytes == nil {
				ca.Bytes = make(map[int32][]byte)
			}
			ca.Bytes[i] = v.AsBytes()
		case attribute.KindInt64:
			if ca.Int64s == nil {
				ca.Int64s = make(map[int32]int64)
			}
			ca.Int64s[i] = v.AsInt64()
		case attribute.KindDouble:
			if ca.Doubles == nil {
				ca.Doubles = make(map[int32]float64)
			}
			ca.Doubles[i] = v.AsDouble()
		case attribute.KindBool:
			if ca.Bools == nil {
				ca.Bools = make(map[int32]bool)
			}
			ca.Bools[i] = v.AsBool()
		case attribute.KindTimestamp:
			if ca.Timestamps == nil {
				ca.Timestamps = make(map[int32]time.Time)
			}
			ca.Timestamps[i] = v.AsTime()
		case attribute.KindDuration:
			if ca.Durations == nil {
				ca.Durations = make(map[int32]time.Duration)
			}
			ca.Durations[i] = v.AsDuration()
		case attribute.KindStringMap:
			if ca.StringMaps == nil {
				ca.StringMaps = make(map[int32]map[int32]int32)
			}
			m := make(map[int32]int32, len(v.AsStringMap()))
			for _, k := range slices.Sorted(maps.Keys(v.AsStringMap())) {
				m[d.indexOf(k)] = d.indexOf(v.AsStringMap()[k])
			}
			ca.StringMaps[i] = m
		}
	})
	return ca
}

// BatchCompressor accumulates compressed bags for a single report request.
// It is not safe for concurrent use.
type BatchCompressor struct {
	global *Compressor
	dict   *messageDict
	bags   []api.CompressedAttributes
}

// Add compresses bag into the batch. The first bag of a batch fixes the
// global dictionary size for every bag that follows it.
func (b *BatchCompressor) Add(bag attribute.Bag) {
	if len(b.bags) == 0 {
		b.dict.top = b.global.top.Load()
	}
	b.bags = append(b.bags, compressByDict(bag, b.dict))
}

// Len returns the number of bags in the batch.
func (b *BatchCompressor) Len() int {
	return len(b.bags)
}

// Finish returns the report request for the current batch. The batch keeps
// its contents until Clear.
func (b *BatchCompressor) Finish() *api.ReportRequest {
	return &api.ReportRequest{
		Attributes:      b.bags,
		DefaultWords:    b.dict.words,
		GlobalWordCount: b.dict.top,
	}
}

// Clear empties the batch. The next Add picks up the global dictionary size.
func (b *BatchCompressor) Clear() {
	b.bags = nil
	b.dict.reset()
}

// Decompress rebuilds a bag. Negative indices resolve against words; the
// global dictionary is limited to its first globalWordCount entries.
func Decompress(ca api.CompressedAttributes, globalWordCount int32, words []string) (attribute.Bag, error) {
	global := attribute.GlobalWords()
	if int(globalWordCount) > len(global) {
		return attribute.Bag{}, fmt.Errorf("%w: global word count %d > %d", ErrWordIndex, globalWordCount, len(global))
	}
	global = global[:globalWordCount]

	var firstErr error
	word := func(i int32) string {
		if i >= 0 {
			if int(i) < len(global) {
				return global[i]
			}
		} else if j := int(-i - 1); j < len(words) {
			return words[j]
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: %d", ErrWordIndex, i)
		}
		return ""
	}

	b := attribute.NewBuilder()
	for k, v := range ca.Strings {
		b.String(word(k), word(v))
	}
	for k, v := range ca.Bytes {
		b.Bytes(word(k), v)
	}
	for k, v := range ca.Int64s {
		b.Int64(word(k), v)
	}
	for k, v := range ca.Doubles {
		b.Double(word(k), v)
	}
	for k, v := range ca.Bools {
		b.Bool(word(k), v)
	}
	for k, v := range ca.Timestamps {
		b.Timestamp(word(k), v)
	}
	for k, v := range ca.Durations {
		b.Duration(word(k), v)
	}
	for k, entries := range ca.StringMaps {
		m := make(map[string]string, len(entries))
		for ek, ev := range entries {
			m[word(ek)] = word(ev)
		}
		b.StringMap(word(k), m)
	}
	if firstErr != nil {
		return attribute.Bag{}, firstErr
	}
	return b.Build(), nil
}

// DecompressReport rebuilds every bag carried by req.
func DecompressReport(req *api.ReportRequest) ([]attribute.Bag, error) {
	bags := make([]attribute.Bag, 0, len(req.Attributes))
	for i, ca := range req.Attributes {
		words := req.DefaultWords
		if len(ca.Words) > 0 {
			words = ca.Words
		}
		bag, err := Decompress(ca, req.GlobalWordCount, words)
		if err != nil {
			return nil, fmt.Errorf("attributes %d: %w", i, err)
		}
		bags = append(bags, bag)
	}
	return bags, nil
}
