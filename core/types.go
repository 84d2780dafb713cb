package core

import (
	"bytes"
	"io"
)

// CompressionType identifies the compression algorithm used for a block or
// file section. The value is stored on disk so readers know how to
// decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a config string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, bool) {
	switch s {
	case "", "none":
		return CompressionNone, true
	case "snappy":
		return CompressionSnappy, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	default:
		return CompressionNone, false
	}
}

// Compressor defines the interface for compression and decompression
// algorithms used by run file blocks.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	// CompressTo compresses src into dst, resetting dst first.
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

const (
	// SeqNumSize is the on-disk size of a sequence number.
	SeqNumSize = 8
	// ChecksumSize is the on-disk size of a CRC32 checksum.
	ChecksumSize = 4
)
