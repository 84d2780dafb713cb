package catalog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/chronicledb/chronicle/core"
)

// mappingLog is an append-only record log backing one catalog mapping table.
// Layout: FileHeader, then length-prefixed records, each
// `len(u32) | data | crc32(u32)` big-endian. A torn trailing record from an
// unclean shutdown is truncated away on load, not repaired.
type mappingLog struct {
	file   *os.File
	path   string
	magic  uint32
	logger *slog.Logger
}

// openMappingLog opens or creates a mapping log, replaying every intact
// record through apply. It leaves the file positioned for appending.
func openMappingLog(path string, magic uint32, logger *slog.Logger, apply func(data []byte) error) (*mappingLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping log %s: %w", path, err)
	}
	l := &mappingLog{file: file, path: path, magic: magic, logger: logger}

	var header core.FileHeader
	if err := binary.Read(file, binary.BigEndian, &header); err != nil {
		if err != io.EOF {
			file.Close()
			return nil, fmt.Errorf("failed to read mapping log header %s: %w", path, err)
		}
		// Fresh file: stamp a header and we're done.
		newHeader := core.NewFileHeader(magic, core.CompressionNone)
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
		if err := binary.Write(file, binary.BigEndian, &newHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write mapping log header %s: %w", path, err)
		}
		return l, nil
	}
	if header.Magic != magic {
		file.Close()
		return nil, fmt.Errorf("invalid magic in mapping log %s: got %x, want %x: %w", path, header.Magic, magic, core.ErrCorrupted)
	}
	if header.Version > core.FormatVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported mapping log version %d in %s", header.Version, path)
	}

	goodOffset := int64(core.FileHeaderSize)
	reader := bufio.NewReader(file)
	for {
		var recordLen uint32
		if err := binary.Read(reader, binary.BigEndian, &recordLen); err != nil {
			if err == io.EOF {
				break
			}
			l.logger.Warn("Truncating mapping log at torn record length", "path", path, "offset", goodOffset)
			break
		}
		data := make([]byte, recordLen)
		if _, err := io.ReadFull(reader, data); err != nil {
			l.logger.Warn("Truncating mapping log at torn record data", "path", path, "offset", goodOffset)
			break
		}
		var stored uint32
		if err := binary.Read(reader, binary.BigEndian, &stored); err != nil {
			l.logger.Warn("Truncating mapping log at torn record checksum", "path", path, "offset", goodOffset)
			break
		}
		if crc32.ChecksumIEEE(data) != stored {
			l.logger.Warn("Truncating mapping log at checksum mismatch", "path", path, "offset", goodOffset)
			break
		}
		if err := apply(data); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to apply mapping record in %s: %w", path, err)
		}
		goodOffset += 4 + int64(recordLen) + 4
	}

	// Drop anything past the last intact record so appends never interleave
	// with torn bytes.
	if err := file.Truncate(goodOffset); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to truncate mapping log %s: %w", path, err)
	}
	if _, err := file.Seek(goodOffset, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// append frames, writes and fsyncs one record. Durable on return.
func (l *mappingLog) append(data []byte) error {
	if l.file == nil {
		return core.ErrClosed
	}
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
	binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(data))

	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append to mapping log %s: %w", l.path, err)
	}
	return l.file.Sync()
}

func (l *mappingLog) close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
