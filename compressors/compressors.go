// Package compressors provides the block compression codecs used by run
// files. All codecs operate on whole blocks; streaming formats are
// deliberately avoided so a block can be verified and decoded in isolation.
package compressors

import (
	"fmt"

	"github.com/chronicledb/chronicle/core"
)

var (
	noneCompressor   = &NoneCompressor{}
	snappyCompressor = &SnappyCompressor{}
	lz4Compressor    = &LZ4Compressor{}
	zstdCompressor   = NewZstdCompressor()
)

// ForType returns the shared Compressor instance for a CompressionType read
// from disk.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return noneCompressor, nil
	case core.CompressionSnappy:
		return snappyCompressor, nil
	case core.CompressionLZ4:
		return lz4Compressor, nil
	case core.CompressionZSTD:
		return zstdCompressor, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d: %w", t, core.ErrCorrupted)
	}
}
