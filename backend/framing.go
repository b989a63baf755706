package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// MagicBytes is the 4-byte prefix for archived report records.
	MagicBytes = []byte("PCR1")

	// ErrInvalidMagic is returned when a record doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected PCR1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// RecordHeader describes an archived report batch.
type RecordHeader struct {
	// Encoding is the payload encoding, "identity" or "zstd".
	Encoding string `json:"encoding"`
	// Digest is the hex BLAKE3 digest of the uncompressed payload.
	Digest string `json:"digest"`
	// Size is the uncompressed payload size.
	Size       int    `json:"size"`
	Entries    int    `json:"entries"`
	ReceivedAt string `json:"received_at"`
}

// WriteFramed writes a framed record to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *RecordHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// ReadFramed reads a framed record from the reader.
// Returns the parsed header and a reader for the body.
func ReadFramed(r io.Reader) (*RecordHeader, io.Reader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header RecordHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &header, r, nil
}
