package compress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/api"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when a payload inflates beyond MaxPayloadSize.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// Encoding identifies how a payload body is encoded.
type Encoding int

const (
	Identity Encoding = iota
	Zstd
)

// String returns the HTTP Content-Encoding token.
func (e Encoding) String() string {
	switch e {
	case Identity:
		return "identity"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// ParseEncoding maps a Content-Encoding header value to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "identity":
		return Identity, nil
	case "zstd":
		return Zstd, nil
	default:
		return Identity, fmt.Errorf("unsupported encoding: %q", s)
	}
}

// Payload is an encoded report request ready for transport.
type Payload struct {
	Data     []byte
	Encoding Encoding
	// Digest covers the uncompressed bytes.
	Digest policycache.Signature
	Size   int
}

// PayloadCodec serialises report requests with optional zstd compression.
// Encoder and decoder are goroutine-safe and can be reused.
type PayloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewPayloadCodec creates a codec with pooled zstd encoder and decoder.
func NewPayloadCodec() (*PayloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &PayloadCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder and decoder resources.
func (c *PayloadCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode marshals req and compresses it when that makes it smaller.
func (c *PayloadCodec) Encode(req *api.ReportRequest) (*Payload, error) {
	return c.EncodeBytes(api.MarshalReportRequest(req))
}

// EncodeBytes compresses data when it is at least CompressionThreshold bytes
// and compression helps.
func (c *PayloadCodec) EncodeBytes(data []byte) (*Payload, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	p := &Payload{Data: data, Encoding: Identity, Digest: policycache.SignatureOf(data), Size: len(data)}
	if len(data) < CompressionThreshold {
		return p, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return p, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return p, nil
	}
	p.Data = compressed
	p.Encoding = Zstd
	return p, nil
}

// Decode reverses Encode. A zero digest skips verification.
func (c *PayloadCodec) Decode(data []byte, encoding Encoding, digest policycache.Signature) (*api.ReportRequest, error) {
	raw, err := c.DecodeBytes(data, encoding, digest)
	if err != nil {
		return nil, err
	}
	return api.UnmarshalReportRequest(raw)
}

// DecodeBytes decompresses data if needed and verifies digest.
func (c *PayloadCodec) DecodeBytes(data []byte, encoding Encoding, digest policycache.Signature) ([]byte, error) {
	var raw []byte
	switch encoding {
	case Identity:
		if len(data) > MaxPayloadSize {
			return nil, ErrPayloadTooLarge
		}
		raw = data
	case Zstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
				return nil, ErrDecompressionBomb
			}
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(out) > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}
		raw = out
	default:
		return nil, fmt.Errorf("unsupported encoding: %v", encoding)
	}

	if !digest.IsZero() && policycache.SignatureOf(raw) != digest {
		return nil, ErrCorrupted
	}
	return raw, nil
}
