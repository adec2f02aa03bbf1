// Package codec turns the vault's entry mapping into bytes and back.
//
// The wire form is a deterministic CBOR record carrying a format version, a
// compression marker and the encoded mapping. Equal mappings always produce
// identical bytes.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// FormatVersion is written into every record
const FormatVersion = 1

const (
	maxMapPairs    = 1 << 24
	maxDecodedSize = 1 << 30
)

// Compression selects how the encoded mapping is stored inside the record
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration string onto a Compression
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unsupported compression %q", s)
	}
}

// Error reports structurally invalid input to Decode or a failure to Encode
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrUnsupportedVersion     = errors.New("unsupported format version")
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

type record struct {
	Version     uint        `cbor:"v"`
	Compression Compression `cbor:"c"`
	Entries     []byte      `cbor:"e"`
}

// Codec is safe for concurrent use
type Codec struct {
	compression Compression
	enc         cbor.EncMode
	dec         cbor.DecMode
	zenc        *zstd.Encoder
	zdec        *zstd.Decoder
}

// New builds a Codec that writes records with the given compression.
// Decoding accepts any supported compression regardless of this setting.
func New(compression Compression) (*Codec, error) {
	if compression != CompressionNone && compression != CompressionZstd {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxMapPairs:       maxMapPairs,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor decoder: %w", err)
	}

	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	zdec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		_ = zenc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{
		compression: compression,
		enc:         enc,
		dec:         dec,
		zenc:        zenc,
		zdec:        zdec,
	}, nil
}

// Compression returns the compression applied by Encode
func (c *Codec) Compression() Compression {
	return c.compression
}

// Encode serializes entries. A nil map encodes like an empty one.
func (c *Codec) Encode(entries map[string][]byte) ([]byte, error) {
	if entries == nil {
		entries = map[string][]byte{}
	}

	payload, err := c.enc.Marshal(entries)
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}

	if c.compression == CompressionZstd {
		payload = c.zenc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	}

	data, err := c.enc.Marshal(record{
		Version:     FormatVersion,
		Compression: c.compression,
		Entries:     payload,
	})
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	return data, nil
}

// Decode parses bytes produced by Encode. The returned map is never nil.
func (c *Codec) Decode(data []byte) (map[string][]byte, error) {
	var rec record
	if err := c.dec.Unmarshal(data, &rec); err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}

	if rec.Version != FormatVersion {
		return nil, &Error{Op: "decode", Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec.Version)}
	}

	payload := rec.Entries
	switch rec.Compression {
	case CompressionNone:
	case CompressionZstd:
		var err error
		payload, err = c.zdec.DecodeAll(rec.Entries, nil)
		if err != nil {
			return nil, &Error{Op: "decompress", Err: err}
		}
	default:
		return nil, &Error{Op: "decode", Err: fmt.Errorf("%w: %s", ErrUnsupportedCompression, rec.Compression)}
	}

	var entries map[string][]byte
	if err := c.dec.Unmarshal(payload, &entries); err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}
	if entries == nil {
		entries = map[string][]byte{}
	}
	return entries, nil
}

// Close releases the compression workers
func (c *Codec) Close() error {
	c.zdec.Close()
	return c.zenc.Close()
}
