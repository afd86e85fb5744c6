package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses exported payloads.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var ErrUnknownCodec = errors.New("unknown codec")

// CodecByName returns the codec registered as name ("none", "zstd", "lz4").
// The empty name selects none.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "none":
		return NoopCodec{}, nil
	case "zstd":
		return ZstdCodec{}, nil
	case "lz4":
		return LZ4Codec{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
}

// NoopCodec passes data through.
type NoopCodec struct{}

func (NoopCodec) Name() string                           { return "none" }
func (NoopCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(256<<20),
		)
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder for pool: %v", err))
		}
		return decoder
	},
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		encoder, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder for pool: %v", err))
		}
		return encoder
	},
}

// ZstdCodec uses pooled Zstandard encoders and decoders.
type ZstdCodec struct{}

func (ZstdCodec) Name() string { return "zstd" }

func (ZstdCodec) Compress(data []byte) ([]byte, error) {
	encoder := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(encoder)
	return encoder.EncodeAll(data, nil), nil
}

func (ZstdCodec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decoder := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(decoder)

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

var lz4CompressorPool = sync.Pool{
	New: func() any {
		return &lz4.Compressor{}
	},
}

const (
	lz4Stored     byte = 0
	lz4Compressed byte = 1
	// lz4MaxSize bounds the decoded length a header may claim.
	lz4MaxSize = 256 << 20
)

// LZ4Codec writes LZ4 blocks framed as [flag][uvarint length][block].
// Incompressible input is stored as is.
type LZ4Codec struct{}

func (LZ4Codec) Name() string { return "lz4" }

func (LZ4Codec) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	header := make([]byte, 1+binary.MaxVarintLen64)
	hn := 1 + binary.PutUvarint(header[1:], uint64(len(data)))

	dst := make([]byte, hn+lz4.CompressBlockBound(len(data)))
	lc := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(lc)

	n, err := lc.CompressBlock(data, dst[hn:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compression failed: %w", err)
	}
	if n == 0 || n >= len(data) {
		header[0] = lz4Stored
		return append(header[:hn:hn], data...), nil
	}
	header[0] = lz4Compressed
	copy(dst, header[:hn])
	return dst[:hn+n], nil
}

func (LZ4Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	size, n := binary.Uvarint(data[1:])
	if n <= 0 || size > lz4MaxSize {
		return nil, errors.New("lz4: corrupt header")
	}
	body := data[1+n:]

	switch data[0] {
	case lz4Stored:
		if uint64(len(body)) != size {
			return nil, errors.New("lz4: stored length mismatch")
		}
		return append([]byte(nil), body...), nil
	case lz4Compressed:
		out := make([]byte, size)
		m, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		if uint64(m) != size {
			return nil, errors.New("lz4: decoded length mismatch")
		}
		return out, nil
	}
	return nil, fmt.Errorf("lz4: unknown block flag %d", data[0])
}

// EncodeDocument marshals and compresses d.
func EncodeDocument(d *Document, codec Codec) ([]byte, error) {
	raw, err := MarshalDocument(d)
	if err != nil {
		return nil, err
	}
	return codec.Compress(raw)
}

// DecodeDocument reverses EncodeDocument.
func DecodeDocument(data []byte, codec Codec) (*Document, error) {
	raw, err := codec.Decompress(data)
	if err != nil {
		return nil, err
	}
	return UnmarshalDocument(raw)
}
