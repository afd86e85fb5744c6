package archive

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"none", "zstd", "lz4"} {
		c, err := CodecByName(name)
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
	}
	c, err := CodecByName("")
	require.NoError(t, err)
	require.Equal(t, "none", c.Name())

	_, err = CodecByName("brotli")
	require.ErrorIs(t, err, ErrUnknownCodec)
}

func TestCodecsCompressRepetitiveDocuments(t *testing.T) {
	doc := NewDocument()
	for i := 0; i < 20; i++ {
		doc.Add(sampleAnalysis(""))
	}
	raw, err := MarshalDocument(doc)
	require.NoError(t, err)

	for _, c := range []Codec{ZstdCodec{}, LZ4Codec{}} {
		packed, err := EncodeDocument(doc, c)
		require.NoError(t, err)
		require.Less(t, len(packed), len(raw), c.Name())

		back, err := DecodeDocument(packed, c)
		require.NoError(t, err)
		require.Equal(t, doc.Names(), back.Names())
	}
}

func TestLZ4StoresIncompressibleInput(t *testing.T) {
	data := make([]byte, 512)
	_, err := rand.Read(data)
	require.NoError(t, err)

	packed, err := LZ4Codec{}.Compress(data)
	require.NoError(t, err)
	require.Equal(t, lz4Stored, packed[0])

	back, err := LZ4Codec{}.Decompress(packed)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, back))
}

func TestCodecsRejectCorruptInput(t *testing.T) {
	_, err := ZstdCodec{}.Decompress([]byte("definitely not zstd"))
	require.Error(t, err)

	_, err = LZ4Codec{}.Decompress([]byte{9, 3, 1, 2, 3})
	require.Error(t, err)

	_, err = LZ4Codec{}.Decompress([]byte{lz4Stored, 10, 1})
	require.Error(t, err)
}

func TestCodecsEmptyInput(t *testing.T) {
	for _, c := range []Codec{NoopCodec{}, ZstdCodec{}, LZ4Codec{}} {
		back, err := c.Decompress(nil)
		require.NoError(t, err, c.Name())
		require.Empty(t, back)
	}
}
