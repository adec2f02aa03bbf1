package codec

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodec(t *testing.T, compression Compression) *Codec {
	t.Helper()
	c, err := New(compression)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleEntries() map[string][]byte {
	return map[string][]byte{
		"token":   []byte("sealed-token-bytes"),
		"binary":  {0x00, 0xFF, 0x10, 0x80},
		"unicode": []byte("ключ"),
		"":        []byte("empty key is still a key"),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			c := newCodec(t, compression)

			data, err := c.Encode(sampleEntries())
			require.NoError(t, err)

			decoded, err := c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, sampleEntries(), decoded)
		})
	}
}

func TestEmptyMapping(t *testing.T) {
	c := newCodec(t, CompressionNone)

	for _, in := range []map[string][]byte{nil, {}} {
		data, err := c.Encode(in)
		require.NoError(t, err)

		decoded, err := c.Decode(data)
		require.NoError(t, err)
		assert.NotNil(t, decoded)
		assert.Empty(t, decoded)
	}
}

func TestDeterministic(t *testing.T) {
	c := newCodec(t, CompressionNone)

	a := map[string][]byte{}
	b := map[string][]byte{}
	for i := 0; i < 200; i++ {
		a[fmt.Sprintf("k%03d", i)] = []byte{byte(i)}
	}
	for i := 199; i >= 0; i-- {
		b[fmt.Sprintf("k%03d", i)] = []byte{byte(i)}
	}

	ea, err := c.Encode(a)
	require.NoError(t, err)
	eb, err := c.Encode(b)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(ea, eb))
}

func TestDecodeAcceptsOtherCompression(t *testing.T) {
	plain := newCodec(t, CompressionNone)
	packed := newCodec(t, CompressionZstd)

	data, err := packed.Encode(sampleEntries())
	require.NoError(t, err)

	decoded, err := plain.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, sampleEntries(), decoded)
}

func TestZstdShrinksRepetitiveData(t *testing.T) {
	entries := map[string][]byte{}
	for i := 0; i < 1000; i++ {
		entries[fmt.Sprintf("token-%d", i)] = bytes.Repeat([]byte("abc"), 100)
	}

	plain, err := newCodec(t, CompressionNone).Encode(entries)
	require.NoError(t, err)
	packed, err := newCodec(t, CompressionZstd).Encode(entries)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain)/4)
}

func TestDecodeErrors(t *testing.T) {
	c := newCodec(t, CompressionNone)
	enc, err := cbor.CoreDetEncOptions().EncMode()
	require.NoError(t, err)

	mustMarshal := func(v interface{}) []byte {
		data, err := enc.Marshal(v)
		require.NoError(t, err)
		return data
	}
	validPayload := mustMarshal(map[string][]byte{"a": []byte("b")})

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty input", nil, nil},
		{"garbage", []byte("definitely not cbor"), nil},
		{"truncated", mustMarshal(record{Version: 1, Entries: validPayload})[:5], nil},
		{"trailing data", append(mustMarshal(record{Version: 1, Entries: validPayload}), 0x00), nil},
		{"wrong version", mustMarshal(record{Version: 9, Entries: validPayload}), ErrUnsupportedVersion},
		{"unknown compression", mustMarshal(record{Version: 1, Compression: 7, Entries: validPayload}), ErrUnsupportedCompression},
		{"unknown field", mustMarshal(map[string]interface{}{"v": 1, "c": 0, "e": validPayload, "x": 1}), nil},
		{"corrupt zstd", mustMarshal(record{Version: 1, Compression: CompressionZstd, Entries: []byte("nope")}), nil},
		{"payload not a map", mustMarshal(record{Version: 1, Entries: mustMarshal([]int{1, 2})}), nil},
		{"payload wrong value type", mustMarshal(record{Version: 1, Entries: mustMarshal(map[string]int{"a": 1})}), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.data)
			require.Error(t, err)

			var codecErr *Error
			assert.True(t, errors.As(err, &codecErr), "expected *codec.Error, got %T", err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDuplicateKeysRejected(t *testing.T) {
	c := newCodec(t, CompressionNone)

	// map(2) { "a": h'01', "a": h'02' }
	dup := []byte{0xa2, 0x61, 'a', 0x41, 0x01, 0x61, 'a', 0x41, 0x02}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	require.NoError(t, err)
	data, err := enc.Marshal(record{Version: 1, Entries: dup})
	require.NoError(t, err)

	_, err = c.Decode(data)
	var codecErr *Error
	assert.ErrorAs(t, err, &codecErr)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("lz4")
	assert.Error(t, err)

	_, err = New(Compression(5))
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}
