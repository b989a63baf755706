// Package policycache caches backend policy decisions and quota allocations
// keyed by the request attributes the backend reported it examined.
package policycache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// SignatureSize is the size of a BLAKE3 signature in bytes (256 bits).
const SignatureSize = 32

// Signature identifies a bag restricted to a set of referenced attributes.
type Signature [SignatureSize]byte

// String returns the hex-encoded representation of the signature.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// ShortString returns a shortened hex representation for logging.
func (s Signature) ShortString() string {
	return hex.EncodeToString(s[:8])
}

// IsZero returns true if the signature is all zeros (uninitialized).
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	if len(text) != SignatureSize*2 {
		return fmt.Errorf("invalid signature length: expected %d hex chars, got %d", SignatureSize*2, len(text))
	}
	_, err := hex.Decode(s[:], text)
	return err
}

// ParseSignature parses a hex-encoded signature string.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	if err := sig.UnmarshalText([]byte(s)); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// SignatureOf computes the BLAKE3 signature of the given bytes.
func SignatureOf(data []byte) Signature {
	return Signature(blake3.Sum256(data))
}

// Delimiter separates fields fed into a Hasher.
const Delimiter = "\x00"

// Hasher wraps a BLAKE3 hasher with typed writes for signature building.
// Numeric values are written little-endian so signatures are stable across hosts.
type Hasher struct {
	h   *blake3.Hasher
	buf [8]byte
}

// NewHasher creates a new Hasher for incremental hashing.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// WriteString feeds s into the hash.
func (h *Hasher) WriteString(s string) {
	_, _ = h.h.Write([]byte(s))
}

// WriteDelimiter feeds a single NUL byte.
func (h *Hasher) WriteDelimiter() {
	h.WriteString(Delimiter)
}

// WriteInt64 feeds the 8-byte little-endian encoding of v.
func (h *Hasher) WriteInt64(v int64) {
	binary.LittleEndian.PutUint64(h.buf[:], uint64(v))
	_, _ = h.h.Write(h.buf[:8])
}

// WriteInt32 feeds the 4-byte little-endian encoding of v.
func (h *Hasher) WriteInt32(v int32) {
	binary.LittleEndian.PutUint32(h.buf[:4], uint32(v))
	_, _ = h.h.Write(h.buf[:4])
}

// WriteFloat64 feeds the IEEE-754 bits of v.
func (h *Hasher) WriteFloat64(v float64) {
	h.WriteInt64(int64(math.Float64bits(v)))
}

// WriteBool feeds a single byte, 1 for true.
func (h *Hasher) WriteBool(v bool) {
	h.buf[0] = 0
	if v {
		h.buf[0] = 1
	}
	_, _ = h.h.Write(h.buf[:1])
}

// WriteTime feeds seconds, a delimiter and nanos of t.
func (h *Hasher) WriteTime(t time.Time) {
	h.WriteInt64(t.Unix())
	h.WriteDelimiter()
	h.WriteInt32(int32(t.Nanosecond()))
}

// WriteDuration feeds seconds, a delimiter and the nanosecond remainder of d.
func (h *Hasher) WriteDuration(d time.Duration) {
	h.WriteInt64(int64(d / time.Second))
	h.WriteDelimiter()
	h.WriteInt32(int32(d % time.Second))
}

// Sum returns the current signature without resetting the hasher.
func (h *Hasher) Sum() Signature {
	var sig Signature
	h.h.Sum(sig[:0])
	return sig
}

// Reset resets the hasher to its initial state.
func (h *Hasher) Reset() {
	h.h.Reset()
}
