package compressors

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/chronicledb/chronicle/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements core.Compressor with the lz4 block format.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

const maxLZ4DecodeBuffer = 64 << 20

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 && len(data) > 0 {
		return nil, errors.New("lz4 compress produced no output for non-empty input")
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	out, err := c.Compress(src)
	if err != nil {
		return err
	}
	dst.Write(out)
	return nil
}

// Decompress grows the destination buffer until UncompressBlock fits; the lz4
// block format does not record the original length.
func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	if len(data) == 0 {
		return byteReadCloser{bytes.NewReader(nil)}, nil
	}
	size := len(data) * 4
	if size < 1024 {
		size = 1024
	}
	for {
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return byteReadCloser{bytes.NewReader(dst[:n])}, nil
		}
		if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			size *= 2
			if size > maxLZ4DecodeBuffer {
				return nil, fmt.Errorf("lz4 decompress buffer exceeded %d bytes", maxLZ4DecodeBuffer)
			}
			continue
		}
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
