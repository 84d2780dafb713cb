package core

import (
	"encoding/binary"
	"time"
)

// Magic numbers for the persistent file kinds owned by the storage core.
const (
	WALMagic       uint32 = 0x57414C43 // "WALC"
	RunFileMagic   uint32 = 0x52554E43 // "RUNC"
	SeriesLogMagic uint32 = 0x53455243 // "SERC"
	FieldLogMagic  uint32 = 0x464C4443 // "FLDC"
)

// FormatVersion is the current on-disk format version for all file kinds.
const FormatVersion uint8 = 1

// FileHeader is the standard header for every persistent file: WAL segments,
// catalog logs and run files.
type FileHeader struct {
	Magic       uint32
	Version     uint8
	CreatedAt   int64 // UnixNano
	Compression CompressionType
}

// FileHeaderSize is the binary size of a FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

// NewFileHeader creates a header stamped with the current time.
func NewFileHeader(magic uint32, compression CompressionType) FileHeader {
	return FileHeader{
		Magic:       magic,
		Version:     FormatVersion,
		CreatedAt:   time.Now().UnixNano(),
		Compression: compression,
	}
}
