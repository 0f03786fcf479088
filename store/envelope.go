package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	flagCompressed = 1 << 0

	// envelope layout: MAGIC (4) | FLAGS (1) | STOREDAT unix-milli (8) |
	// DIGEST blake3 of uncompressed payload (32) | PAYLOAD
	headerSize = 4 + 1 + 8 + 32
)

// envelopeMagic is the 4-byte prefix for stored cache entries.
var envelopeMagic = []byte("FSE1")

var (
	// ErrInvalidEnvelope is returned when a stored entry doesn't start with
	// the expected magic bytes or is truncated.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")

	// ErrDecompressionBomb is returned when decompressed size exceeds the limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")
)

// Codec handles envelope encoding/decoding with optional zstd compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec with shared zstd encoder/decoder instances.
func NewCodec() (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: encoder, decoder: decoder}, nil
}

// Close releases the codec's zstd resources.
func (c *Codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames a payload with the storage timestamp and integrity digest.
// Payloads at or above CompressionThreshold are zstd-compressed.
func (c *Codec) Encode(value []byte, storedAt time.Time) []byte {
	digest := blake3.Sum256(value)

	payload := value
	var flags byte
	if len(value) >= CompressionThreshold {
		compressed := c.encoder.EncodeAll(value, make([]byte, 0, len(value)))
		// Only keep compression when it actually shrinks the payload.
		if len(compressed) < len(value) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, headerSize+len(payload))
	copy(buf[:4], envelopeMagic)
	buf[4] = flags
	binary.BigEndian.PutUint64(buf[5:13], uint64(storedAt.UnixMilli())) //nolint:gosec // unix-milli is non-negative for all stored times
	copy(buf[13:45], digest[:])
	copy(buf[headerSize:], payload)
	return buf
}

// Decode unframes a stored entry, decompressing and verifying the digest.
func (c *Codec) Decode(data []byte) (value []byte, storedAt time.Time, err error) {
	if len(data) < headerSize || !bytes.Equal(data[:4], envelopeMagic) {
		return nil, time.Time{}, ErrInvalidEnvelope
	}

	flags := data[4]
	storedAt = time.UnixMilli(int64(binary.BigEndian.Uint64(data[5:13]))).UTC() //nolint:gosec // encoded from non-negative unix-milli
	digest := data[13:45]
	payload := data[headerSize:]

	if flags&flagCompressed != 0 {
		payload, err = c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(payload) > MaxDecompressedSize {
			return nil, time.Time{}, ErrDecompressionBomb
		}
	}

	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], digest) {
		return nil, time.Time{}, ErrCorrupted
	}

	return payload, storedAt, nil
}
