package policycache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignatureString(t *testing.T) {
	// BLAKE3 hash of empty string
	s := SignatureOf([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, s.String())
}

func TestSignatureShortString(t *testing.T) {
	s := SignatureOf([]byte("hello"))
	short := s.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(s.String(), short))
}

func TestSignatureIsZero(t *testing.T) {
	var zero Signature
	require.True(t, zero.IsZero())
	require.False(t, SignatureOf([]byte("test")).IsZero())
}

func TestSignatureMarshalUnmarshal(t *testing.T) {
	original := SignatureOf([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Signature
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, original, parsed)
}

func TestParseSignatureInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignature(tt.input)
			require.Error(t, err)
		})
	}
}

func TestHasherMatchesSignatureOf(t *testing.T) {
	h := NewHasher()
	h.WriteString("source.ip")
	h.WriteDelimiter()
	h.WriteString("10.0.0.1")

	require.Equal(t, SignatureOf([]byte("source.ip\x0010.0.0.1")), h.Sum())
}

func TestHasherTypedWrites(t *testing.T) {
	sum := func(fn func(h *Hasher)) Signature {
		h := NewHasher()
		fn(h)
		return h.Sum()
	}

	require.Equal(t,
		sum(func(h *Hasher) { h.WriteInt64(42) }),
		sum(func(h *Hasher) { h.WriteInt64(42) }))
	require.NotEqual(t,
		sum(func(h *Hasher) { h.WriteInt64(42) }),
		sum(func(h *Hasher) { h.WriteInt64(43) }))
	require.NotEqual(t,
		sum(func(h *Hasher) { h.WriteBool(true) }),
		sum(func(h *Hasher) { h.WriteBool(false) }))
	require.NotEqual(t,
		sum(func(h *Hasher) { h.WriteFloat64(1.5) }),
		sum(func(h *Hasher) { h.WriteFloat64(2.5) }))

	ts := time.Unix(1700000000, 500)
	require.Equal(t,
		sum(func(h *Hasher) { h.WriteTime(ts) }),
		sum(func(h *Hasher) { h.WriteTime(ts.UTC()) }))
	require.NotEqual(t,
		sum(func(h *Hasher) { h.WriteDuration(time.Second) }),
		sum(func(h *Hasher) { h.WriteDuration(time.Second + 1) }))
}

func TestHasherReset(t *testing.T) {
	h := NewHasher()
	h.WriteString("first")
	first := h.Sum()

	h.Reset()
	h.WriteString("first")
	require.Equal(t, first, h.Sum())

	h.Reset()
	h.WriteString("second")
	require.NotEqual(t, first, h.Sum())
}
