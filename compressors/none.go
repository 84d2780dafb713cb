package compressors

import (
	"bytes"
	"io"

	"github.com/chronicledb/chronicle/core"
)

// NoneCompressor passes data through unchanged.
type NoneCompressor struct{}

var _ core.Compressor = (*NoneCompressor)(nil)

type byteReadCloser struct {
	*bytes.Reader
}

func (byteReadCloser) Close() error { return nil }

func (c *NoneCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoneCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}

func (c *NoneCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return byteReadCloser{bytes.NewReader(data)}, nil
}

func (c *NoneCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
