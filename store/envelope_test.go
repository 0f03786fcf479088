package store

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	storedAt := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	t.Run("small payload stays uncompressed", func(t *testing.T) {
		value := []byte(`{"theme":"dark"}`)

		framed := codec.Encode(value, storedAt)
		assert.Zero(t, framed[4]&flagCompressed)

		got, gotAt, err := codec.Decode(framed)
		require.NoError(t, err)
		assert.Equal(t, value, got)
		assert.Equal(t, storedAt.UnixMilli(), gotAt.UnixMilli())
	})

	t.Run("large payload is compressed", func(t *testing.T) {
		value := bytes.Repeat([]byte("householder record "), 1024)

		framed := codec.Encode(value, storedAt)
		assert.NotZero(t, framed[4]&flagCompressed)
		assert.Less(t, len(framed), len(value))

		got, _, err := codec.Decode(framed)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	})

	t.Run("empty payload", func(t *testing.T) {
		framed := codec.Encode(nil, storedAt)

		got, _, err := codec.Decode(framed)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestCodec_Decode_Failures(t *testing.T) {
	codec := newTestCodec(t)
	storedAt := time.Now()

	t.Run("bad magic", func(t *testing.T) {
		framed := codec.Encode([]byte("x"), storedAt)
		framed[0] = 'X'

		_, _, err := codec.Decode(framed)
		require.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := codec.Decode([]byte("FSE1"))
		require.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("flipped payload byte fails digest check", func(t *testing.T) {
		framed := codec.Encode([]byte("payload-bytes"), storedAt)
		framed[len(framed)-1] ^= 0xFF

		_, _, err := codec.Decode(framed)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("flipped digest byte fails digest check", func(t *testing.T) {
		framed := codec.Encode([]byte("payload-bytes"), storedAt)
		framed[13] ^= 0xFF

		_, _, err := codec.Decode(framed)
		require.ErrorIs(t, err, ErrCorrupted)
	})
}
