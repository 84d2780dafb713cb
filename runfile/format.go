// Package runfile reads and writes immutable column files. A run file is
// produced in one shot by a flush or compaction: a file header, a sequence
// of compressed entry blocks, a per-column index and a fixed-size footer.
// Files are written to a temp path and renamed into place, so a readable
// file is always complete.
package runfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chronicledb/chronicle/core"
)

const (
	fileSuffix = ".run"
	tmpSuffix  = ".tmp"

	// BlockHeaderSize covers the compression flag and payload checksum at
	// the start of every data block.
	BlockHeaderSize = 1 + core.ChecksumSize

	// footerSize is the fixed byte size of the trailing footer.
	// indexOffset(8) indexLen(4) indexCRC(4) minTs(8) maxTs(8) maxSeq(8)
	// columnCount(4) magic(4)
	footerSize = 48
)

// IsTempFile reports whether name is a writer temp file left behind by a
// crash. Temp files are never valid data and are removed on startup.
func IsTempFile(name string) bool {
	return strings.HasSuffix(name, tmpSuffix)
}

// FormatFileName returns the canonical file name for a run file id.
func FormatFileName(id uint64) string {
	return fmt.Sprintf("%08d%s", id, fileSuffix)
}

// ParseFileName extracts the id from a run file name.
func ParseFileName(name string) (uint64, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, fileSuffix) {
		return 0, fmt.Errorf("file %s is not a run file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(base, fileSuffix), 10, 64)
}

// blockMeta locates one entry block of a column.
type blockMeta struct {
	offset int64
	length uint32
	minTs  int64
	maxTs  int64
	count  uint32
}

// columnIndex is the index entry for one column: where its blocks live and
// which range tombstones apply to it.
type columnIndex struct {
	key        core.ColumnKey
	typ        core.FieldType
	tombstones []core.Tombstone
	blocks     []blockMeta
}

type footer struct {
	indexOffset uint64
	indexLen    uint32
	indexCRC    uint32
	minTs       int64
	maxTs       int64
	maxSeq      uint64
	columnCount uint32
}

func encodeFooter(buf []byte, f *footer) []byte {
	buf = binary.BigEndian.AppendUint64(buf, f.indexOffset)
	buf = binary.BigEndian.AppendUint32(buf, f.indexLen)
	buf = binary.BigEndian.AppendUint32(buf, f.indexCRC)
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.minTs))
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.maxTs))
	buf = binary.BigEndian.AppendUint64(buf, f.maxSeq)
	buf = binary.BigEndian.AppendUint32(buf, f.columnCount)
	buf = binary.BigEndian.AppendUint32(buf, core.RunFileMagic)
	return buf
}

func decodeFooter(data []byte) (footer, error) {
	var f footer
	if len(data) != footerSize {
		return f, fmt.Errorf("footer is %d bytes, want %d: %w", len(data), footerSize, core.ErrCorrupted)
	}
	if magic := binary.BigEndian.Uint32(data[44:48]); magic != core.RunFileMagic {
		return f, fmt.Errorf("bad footer magic %x: %w", magic, core.ErrCorrupted)
	}
	f.indexOffset = binary.BigEndian.Uint64(data[0:8])
	f.indexLen = binary.BigEndian.Uint32(data[8:12])
	f.indexCRC = binary.BigEndian.Uint32(data[12:16])
	f.minTs = int64(binary.BigEndian.Uint64(data[16:24]))
	f.maxTs = int64(binary.BigEndian.Uint64(data[24:32]))
	f.maxSeq = binary.BigEndian.Uint64(data[32:40])
	f.columnCount = binary.BigEndian.Uint32(data[40:44])
	return f, nil
}

// encodeIndex serializes the per-column index in key order.
func encodeIndex(buf []byte, columns []*columnIndex) []byte {
	var tmp [binary.MaxVarintLen64]byte
	for _, col := range columns {
		buf = col.key.AppendTo(buf)
		buf = append(buf, byte(col.typ))

		n := binary.PutUvarint(tmp[:], uint64(len(col.tombstones)))
		buf = append(buf, tmp[:n]...)
		for _, tb := range col.tombstones {
			buf = binary.BigEndian.AppendUint64(buf, uint64(tb.Range.Min))
			buf = binary.BigEndian.AppendUint64(buf, uint64(tb.Range.Max))
			buf = binary.BigEndian.AppendUint64(buf, tb.Seq)
		}

		n = binary.PutUvarint(tmp[:], uint64(len(col.blocks)))
		buf = append(buf, tmp[:n]...)
		for _, b := range col.blocks {
			buf = binary.BigEndian.AppendUint64(buf, uint64(b.offset))
			buf = binary.BigEndian.AppendUint32(buf, b.length)
			buf = binary.BigEndian.AppendUint64(buf, uint64(b.minTs))
			buf = binary.BigEndian.AppendUint64(buf, uint64(b.maxTs))
			buf = binary.BigEndian.AppendUint32(buf, b.count)
		}
	}
	return buf
}

func decodeIndex(data []byte, columnCount uint32) ([]*columnIndex, error) {
	columns := make([]*columnIndex, 0, columnCount)
	for i := uint32(0); i < columnCount; i++ {
		if len(data) < core.ColumnKeySize+1 {
			return nil, fmt.Errorf("index column %d truncated: %w", i, core.ErrCorrupted)
		}
		key, err := core.DecodeColumnKey(data)
		if err != nil {
			return nil, err
		}
		col := &columnIndex{key: key, typ: core.FieldType(int8(data[core.ColumnKeySize]))}
		data = data[core.ColumnKeySize+1:]

		tombCount, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < tombCount*24 {
			return nil, fmt.Errorf("index column %d has bad tombstone list: %w", i, core.ErrCorrupted)
		}
		data = data[n:]
		for j := uint64(0); j < tombCount; j++ {
			col.tombstones = append(col.tombstones, core.Tombstone{
				Range: core.TimeRange{
					Min: int64(binary.BigEndian.Uint64(data[0:8])),
					Max: int64(binary.BigEndian.Uint64(data[8:16])),
				},
				Seq: binary.BigEndian.Uint64(data[16:24]),
			})
			data = data[24:]
		}

		blockCount, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < blockCount*32 {
			return nil, fmt.Errorf("index column %d has bad block list: %w", i, core.ErrCorrupted)
		}
		data = data[n:]
		for j := uint64(0); j < blockCount; j++ {
			col.blocks = append(col.blocks, blockMeta{
				offset: int64(binary.BigEndian.Uint64(data[0:8])),
				length: binary.BigEndian.Uint32(data[8:12]),
				minTs:  int64(binary.BigEndian.Uint64(data[12:20])),
				maxTs:  int64(binary.BigEndian.Uint64(data[20:28])),
				count:  binary.BigEndian.Uint32(data[28:32]),
			})
			data = data[32:]
		}
		columns = append(columns, col)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after index: %w", len(data), core.ErrCorrupted)
	}
	return columns, nil
}

func indexChecksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
