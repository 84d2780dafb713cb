package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/chronicledb/chronicle/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements core.Compressor with the snappy block format.
// It is the default codec for run file blocks.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// CompressTo uses the block format, not snappy's stream format, so the
// output stays decodable by Decompress.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	dst.Write(snappy.Encode(nil, src))
	return nil
}

func (c *SnappyCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return byteReadCloser{bytes.NewReader(decoded)}, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
