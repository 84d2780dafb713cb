package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chronicledb/chronicle/core"
)

const (
	segmentFileSuffix = ".wal"
	// DefaultMaxSegmentSize is the rotation threshold for segment files.
	DefaultMaxSegmentSize = 128 * 1024 * 1024
)

// Segment represents a single log segment file.
type Segment struct {
	file  *os.File
	path  string
	index uint64
}

// SegmentWriter appends framed records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
	// logical size including bytes still sitting in the bufio buffer
	size int64
}

// SegmentReader reads framed records back from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
	// offset of the byte following the last fully verified record
	goodOffset int64
}

func formatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, segmentFileSuffix)
}

func parseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a log segment", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, segmentFileSuffix), 10, 64)
}

// CreateSegment creates a fresh segment file with a stamped header.
func CreateSegment(dir string, index uint64) (*SegmentWriter, error) {
	path := filepath.Join(dir, formatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.WALMagic, core.CompressionNone)
	if err := binary.Write(file, binary.BigEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index},
		writer:  bufio.NewWriter(file),
		size:    int64(core.FileHeaderSize),
	}, nil
}

// OpenSegmentForRead opens an existing segment and verifies its header.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.BigEndian, &header); err != nil {
		file.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("segment %s truncated at header: %w", path, core.ErrCorrupted)
		}
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}
	if header.Magic != core.WALMagic {
		file.Close()
		return nil, fmt.Errorf("invalid magic in segment %s: got %x, want %x: %w", path, header.Magic, core.WALMagic, core.ErrCorrupted)
	}
	if header.Version > core.FormatVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported segment version %d in %s", header.Version, path)
	}

	index, err := parseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, err
	}

	return &SegmentReader{
		Segment:    &Segment{file: file, path: path, index: index},
		reader:     bufio.NewReader(file),
		goodOffset: int64(core.FileHeaderSize),
	}, nil
}

// WriteRecord frames and buffers a single record.
// Format: length (4 bytes) | payload | crc32 of payload (4 bytes).
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	if err := binary.Write(sw.writer, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}
	if err := binary.Write(sw.writer, binary.BigEndian, crc32.ChecksumIEEE(data)); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	sw.size += int64(8 + len(data))
	return nil
}

// Size returns the logical size of the segment, counting buffered bytes not
// yet flushed to disk.
func (sw *SegmentWriter) Size() (int64, error) {
	if sw.file == nil {
		return 0, os.ErrClosed
	}
	return sw.size, nil
}

// ReadRecord returns the next verified record payload. io.EOF marks a clean
// end of the segment; a torn or checksum-failed record returns an error
// wrapping core.ErrCorrupted and leaves GoodOffset at the last intact byte.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	var recordLen uint32
	if err := binary.Read(sr.reader, binary.BigEndian, &recordLen); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("torn record length in %s: %w", sr.path, core.ErrCorrupted)
	}

	data := make([]byte, recordLen)
	if _, err := io.ReadFull(sr.reader, data); err != nil {
		return nil, fmt.Errorf("torn record payload in %s: %w", sr.path, core.ErrCorrupted)
	}

	var checksum uint32
	if err := binary.Read(sr.reader, binary.BigEndian, &checksum); err != nil {
		return nil, fmt.Errorf("torn record checksum in %s: %w", sr.path, core.ErrCorrupted)
	}
	if crc32.ChecksumIEEE(data) != checksum {
		return nil, fmt.Errorf("checksum mismatch in %s: %w", sr.path, core.ErrCorrupted)
	}

	sr.goodOffset += int64(8 + recordLen)
	return data, nil
}

// GoodOffset returns the offset just past the last record that verified.
func (sr *SegmentReader) GoodOffset() int64 {
	return sr.goodOffset
}

// Sync flushes buffered writes and fsyncs the file.
func (sw *SegmentWriter) Sync() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes, syncs and closes the segment.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// Size returns the current on-disk size of the segment.
func (s *Segment) Size() (int64, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
