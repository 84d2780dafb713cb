package runfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronicledb/chronicle/compressors"
	"github.com/chronicledb/chronicle/core"
)

// ReaderOptions configures opening a run file.
type ReaderOptions struct {
	Path   string
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Reader serves ranged scans from one immutable run file. The per-column
// index is held in memory; blocks are read and verified lazily.
//
// Readers are reference counted. The owner's reference keeps the file open;
// queries take a short-lived reference so retiring a file during compaction
// never yanks it from under an in-flight scan.
type Reader struct {
	path   string
	id     uint64
	file   *os.File
	size   int64
	logger *slog.Logger
	tracer trace.Tracer

	columns   map[core.ColumnKey]*columnIndex
	keys      []core.ColumnKey
	timeRange core.TimeRange
	maxSeq    uint64

	refs         atomic.Int32
	deleteOnZero atomic.Bool
}

// OpenReader opens and validates a run file: header magic, footer magic and
// index checksum. Any mismatch wraps core.ErrCorrupted.
func OpenReader(opts ReaderOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var span trace.Span
	if opts.Tracer != nil {
		_, span = opts.Tracer.Start(context.Background(), "runfile.OpenReader")
		span.SetAttributes(attribute.String("runfile.path", opts.Path))
		defer span.End()
	}

	id, err := ParseFileName(opts.Path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(opts.Path)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		path:   opts.Path,
		id:     id,
		file:   file,
		logger: opts.Logger.With("component", "runfile-reader", "file_id", id),
		tracer: opts.Tracer,
	}
	if err := r.load(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open run file %s: %w", opts.Path, err)
	}
	r.refs.Store(1)
	return r, nil
}

func (r *Reader) load() error {
	stat, err := r.file.Stat()
	if err != nil {
		return err
	}
	r.size = stat.Size()
	if r.size < int64(core.FileHeaderSize)+footerSize {
		return fmt.Errorf("file is %d bytes, smaller than header plus footer: %w", r.size, core.ErrCorrupted)
	}

	var header core.FileHeader
	if err := binary.Read(io.NewSectionReader(r.file, 0, int64(core.FileHeaderSize)), binary.BigEndian, &header); err != nil {
		return err
	}
	if header.Magic != core.RunFileMagic {
		return fmt.Errorf("bad header magic %x: %w", header.Magic, core.ErrCorrupted)
	}
	if header.Version > core.FormatVersion {
		return fmt.Errorf("unsupported format version %d", header.Version)
	}

	footerData := make([]byte, footerSize)
	if _, err := r.file.ReadAt(footerData, r.size-footerSize); err != nil {
		return err
	}
	f, err := decodeFooter(footerData)
	if err != nil {
		return err
	}

	if int64(f.indexOffset)+int64(f.indexLen) > r.size-footerSize {
		return fmt.Errorf("index extends past footer: %w", core.ErrCorrupted)
	}
	indexData := make([]byte, f.indexLen)
	if _, err := r.file.ReadAt(indexData, int64(f.indexOffset)); err != nil {
		return err
	}
	if indexChecksum(indexData) != f.indexCRC {
		return fmt.Errorf("index checksum mismatch: %w", core.ErrCorrupted)
	}

	columns, err := decodeIndex(indexData, f.columnCount)
	if err != nil {
		return err
	}
	r.columns = make(map[core.ColumnKey]*columnIndex, len(columns))
	r.keys = make([]core.ColumnKey, 0, len(columns))
	for _, col := range columns {
		r.columns[col.key] = col
		r.keys = append(r.keys, col.key)
	}
	r.timeRange = core.TimeRange{Min: f.minTs, Max: f.maxTs}
	r.maxSeq = f.maxSeq
	return nil
}

// Scan returns the entries of one column overlapping tr, in (ts asc, seq
// desc) order, plus every tombstone recorded for the column. Tombstones are
// not applied here: the merge layer applies them across sources. A missing
// column returns empty results, not an error.
func (r *Reader) Scan(key core.ColumnKey, tr core.TimeRange) ([]core.Entry, []core.Tombstone, error) {
	col, ok := r.columns[key]
	if !ok {
		return nil, nil, nil
	}

	var span trace.Span
	if r.tracer != nil {
		_, span = r.tracer.Start(context.Background(), "runfile.Reader.Scan")
		defer span.End()
	}

	var entries []core.Entry
	for _, b := range col.blocks {
		if b.maxTs < tr.Min || b.minTs > tr.Max {
			continue
		}
		blockEntries, err := r.readBlock(b, col.typ)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range blockEntries {
			if tr.Contains(e.Ts) {
				entries = append(entries, e)
			}
		}
	}
	if span != nil {
		span.SetAttributes(attribute.Int("runfile.scan.entries", len(entries)))
	}
	return entries, col.tombstones, nil
}

// readBlock reads, verifies and decompresses one block.
func (r *Reader) readBlock(b blockMeta, typ core.FieldType) ([]core.Entry, error) {
	raw := make([]byte, b.length)
	if _, err := r.file.ReadAt(raw, b.offset); err != nil {
		return nil, fmt.Errorf("failed to read block at %d: %w", b.offset, err)
	}
	if len(raw) < BlockHeaderSize {
		return nil, fmt.Errorf("block at %d too short: %w", b.offset, core.ErrCorrupted)
	}

	compression := core.CompressionType(raw[0])
	checksum := binary.BigEndian.Uint32(raw[1:BlockHeaderSize])
	payload := raw[BlockHeaderSize:]
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("block checksum mismatch at offset %d in %s: %w", b.offset, r.path, core.ErrCorrupted)
	}

	compressor, err := compressors.ForType(compression)
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", b.offset, err)
	}
	rc, err := compressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block at %d: %w", b.offset, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block at %d: %w", b.offset, err)
	}

	entries, _, err := core.DecodeEntries(data, typ)
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", b.offset, err)
	}
	if uint32(len(entries)) != b.count {
		return nil, fmt.Errorf("block at %d decoded %d entries, index says %d: %w", b.offset, len(entries), b.count, core.ErrCorrupted)
	}
	return entries, nil
}

// Columns returns every column key in the file, sorted.
func (r *Reader) Columns() []core.ColumnKey {
	keys := make([]core.ColumnKey, len(r.keys))
	copy(keys, r.keys)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// ColumnType returns the stored type of a column in this file.
func (r *Reader) ColumnType(key core.ColumnKey) (core.FieldType, bool) {
	col, ok := r.columns[key]
	if !ok {
		return core.FieldTypeUnknown, false
	}
	return col.typ, true
}

// TimeRange returns the file's covered range, tombstone coverage included.
// An empty file reports an inverted range.
func (r *Reader) TimeRange() core.TimeRange {
	return r.timeRange
}

// MaxSeq returns the highest seq stored in the file.
func (r *Reader) MaxSeq() uint64 {
	return r.maxSeq
}

// ID returns the file id parsed from the name.
func (r *Reader) ID() uint64 {
	return r.id
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// Size returns the on-disk size in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// Ref takes a reference for the duration of a scan.
func (r *Reader) Ref() {
	r.refs.Add(1)
}

// Unref drops a reference. When the count reaches zero the file handle is
// closed and, if the file was retired, the file itself is removed.
func (r *Reader) Unref() {
	if r.refs.Add(-1) != 0 {
		return
	}
	if err := r.file.Close(); err != nil {
		r.logger.Error("Failed to close run file", "error", err)
	}
	if r.deleteOnZero.Load() {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			r.logger.Error("Failed to remove retired run file", "error", err)
		} else {
			r.logger.Info("Removed retired run file", "path", r.path)
		}
	}
}

// Retire marks the file for deletion once the last reference drops, then
// releases the owner's reference.
func (r *Reader) Retire() {
	r.deleteOnZero.Store(true)
	r.Unref()
}
