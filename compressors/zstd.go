package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/chronicledb/chronicle/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements core.Compressor with zstd. Encoders and decoders
// are pooled; constructing them per block is too expensive.
type ZstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoders: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil)
				if err != nil {
					return nil
				}
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
				if err != nil {
					return nil
				}
				return dec
			},
		},
	}
}

type zstdReadCloser struct {
	*zstd.Decoder
	pool *sync.Pool
}

// Close returns the decoder to the pool; calling the decoder's own Close
// would invalidate it for reuse.
func (z *zstdReadCloser) Close() error {
	z.pool.Put(z.Decoder)
	return nil
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if err := c.CompressTo(buf, data); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	enc, _ := c.encoders.Get().(*zstd.Encoder)
	if enc == nil {
		return fmt.Errorf("zstd encoder unavailable")
	}
	defer c.encoders.Put(enc)

	dst.Reset()
	enc.Reset(dst)
	if _, err := enc.Write(src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("zstd compress: %w", err)
	}
	return enc.Close()
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	dec, _ := c.decoders.Get().(*zstd.Decoder)
	if dec == nil {
		return nil, fmt.Errorf("zstd decoder unavailable")
	}
	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		c.decoders.Put(dec)
		return nil, fmt.Errorf("zstd decoder reset: %w", err)
	}
	return &zstdReadCloser{Decoder: dec, pool: &c.decoders}, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
