package runfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronicledb/chronicle/core"
)

// DefaultBlockMaxEntries bounds how many entries share one compressed block.
const DefaultBlockMaxEntries = 1024

// WriterOptions configures a run file writer.
type WriterOptions struct {
	Dir             string
	ID              uint64
	Compressor      core.Compressor
	BlockMaxEntries int
	Logger          *slog.Logger
	Tracer          trace.Tracer
}

// Writer builds one run file. Columns must be added in strictly ascending
// key order; entries within a column in (ts asc, seq desc) order. The file
// is written to a temp path and only renamed into place by Finish.
type Writer struct {
	opts     WriterOptions
	logger   *slog.Logger
	tracer   trace.Tracer
	tmpPath  string
	file     *os.File
	offset   int64
	columns  []*columnIndex
	lastKey  core.ColumnKey
	haveKey  bool
	minTs    int64
	maxTs    int64
	haveTs   bool
	maxSeq   uint64
	finished bool
}

// NewWriter creates the temp file and stamps its header.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BlockMaxEntries == 0 {
		opts.BlockMaxEntries = DefaultBlockMaxEntries
	}
	if opts.Compressor == nil {
		return nil, fmt.Errorf("run file writer requires a compressor")
	}

	tmpPath := filepath.Join(opts.Dir, FormatFileName(opts.ID)+tmpSuffix)
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp run file %s: %w", tmpPath, err)
	}

	header := core.NewFileHeader(core.RunFileMagic, opts.Compressor.Type())
	if err := binary.Write(file, binary.BigEndian, &header); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write run file header: %w", err)
	}

	return &Writer{
		opts:    opts,
		logger:  opts.Logger.With("component", "runfile-writer", "file_id", opts.ID),
		tracer:  opts.Tracer,
		tmpPath: tmpPath,
		file:    file,
		offset:  int64(core.FileHeaderSize),
	}, nil
}

// Add writes one column: its entries split into blocks plus its tombstones.
// A column may have tombstones and no entries.
func (w *Writer) Add(key core.ColumnKey, typ core.FieldType, entries []core.Entry, tombstones []core.Tombstone) error {
	if w.file == nil {
		return core.ErrClosed
	}
	if w.haveKey && w.lastKey.Compare(key) >= 0 {
		return fmt.Errorf("column %s added out of order after %s", key, w.lastKey)
	}
	if !typ.Valid() {
		// Tombstone entries carry no value, so a column of nothing but
		// deletes may legitimately stay untyped.
		for i := range entries {
			if !entries[i].Tombstone {
				return fmt.Errorf("column %s has entries but no type: %w", key, core.ErrUnsupportedFieldType)
			}
		}
	}

	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(context.Background(), "runfile.Writer.Add")
		span.SetAttributes(
			attribute.Int64("runfile.column.series_id", int64(key.SeriesID)),
			attribute.Int("runfile.column.entries", len(entries)),
			attribute.Int("runfile.column.tombstones", len(tombstones)),
		)
		defer span.End()
	}

	col := &columnIndex{key: key, typ: typ, tombstones: tombstones}
	for start := 0; start < len(entries); start += w.opts.BlockMaxEntries {
		end := start + w.opts.BlockMaxEntries
		if end > len(entries) {
			end = len(entries)
		}
		meta, err := w.writeBlock(entries[start:end], typ)
		if err != nil {
			return err
		}
		col.blocks = append(col.blocks, meta)
	}

	for i := range entries {
		w.observe(entries[i].Ts, entries[i].Seq)
	}
	for _, tb := range tombstones {
		// Tombstone coverage widens the file's range so pruning can never
		// skip a file whose only relevant content is a delete.
		w.observe(tb.Range.Min, tb.Seq)
		w.observe(tb.Range.Max, tb.Seq)
	}

	w.columns = append(w.columns, col)
	w.lastKey = key
	w.haveKey = true
	return nil
}

func (w *Writer) observe(ts int64, seq uint64) {
	if !w.haveTs {
		w.minTs, w.maxTs = ts, ts
		w.haveTs = true
	} else {
		if ts < w.minTs {
			w.minTs = ts
		}
		if ts > w.maxTs {
			w.maxTs = ts
		}
	}
	if seq > w.maxSeq {
		w.maxSeq = seq
	}
}

// writeBlock compresses and writes one entry block.
// Block format: compression flag (1) | crc32 of compressed payload (4) | payload.
func (w *Writer) writeBlock(entries []core.Entry, typ core.FieldType) (blockMeta, error) {
	raw := core.BufferPool.Get()
	defer core.BufferPool.Put(raw)
	raw.Write(core.AppendEntries(raw.AvailableBuffer(), entries, typ))

	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)
	if err := w.opts.Compressor.CompressTo(compressed, raw.Bytes()); err != nil {
		return blockMeta{}, fmt.Errorf("failed to compress block: %w", err)
	}
	payload := compressed.Bytes()

	meta := blockMeta{
		offset: w.offset,
		length: uint32(BlockHeaderSize + len(payload)),
		minTs:  entries[0].Ts,
		maxTs:  entries[len(entries)-1].Ts,
		count:  uint32(len(entries)),
	}

	var head [BlockHeaderSize]byte
	head[0] = byte(w.opts.Compressor.Type())
	binary.BigEndian.PutUint32(head[1:], crc32.ChecksumIEEE(payload))
	if _, err := w.file.Write(head[:]); err != nil {
		return blockMeta{}, fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return blockMeta{}, fmt.Errorf("failed to write block payload: %w", err)
	}
	w.offset += int64(meta.length)
	return meta, nil
}

// Finish writes the index and footer, fsyncs and renames the file into
// place. It returns the final path.
func (w *Writer) Finish() (string, error) {
	if w.file == nil || w.finished {
		return "", core.ErrClosed
	}

	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(context.Background(), "runfile.Writer.Finish")
		defer span.End()
	}

	indexBuf := core.BufferPool.Get()
	defer core.BufferPool.Put(indexBuf)
	indexData := encodeIndex(indexBuf.AvailableBuffer(), w.columns)

	f := footer{
		indexOffset: uint64(w.offset),
		indexLen:    uint32(len(indexData)),
		indexCRC:    indexChecksum(indexData),
		minTs:       w.minTs,
		maxTs:       w.maxTs,
		maxSeq:      w.maxSeq,
		columnCount: uint32(len(w.columns)),
	}
	if !w.haveTs {
		// Empty file: store an inverted range so readers see no coverage.
		f.minTs, f.maxTs = 1, 0
	}

	if _, err := w.file.Write(indexData); err != nil {
		w.abort()
		return "", fmt.Errorf("failed to write index: %w", err)
	}
	w.offset += int64(len(indexData))

	footerData := encodeFooter(make([]byte, 0, footerSize), &f)
	if _, err := w.file.Write(footerData); err != nil {
		w.abort()
		return "", fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		w.abort()
		return "", fmt.Errorf("failed to sync run file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.abort()
		return "", fmt.Errorf("failed to close run file: %w", err)
	}
	w.file = nil

	finalPath := filepath.Join(w.opts.Dir, FormatFileName(w.opts.ID))
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		os.Remove(w.tmpPath)
		return "", fmt.Errorf("failed to rename run file into place: %w", err)
	}
	w.finished = true

	if span != nil {
		span.SetAttributes(
			attribute.String("runfile.path", finalPath),
			attribute.Int("runfile.columns", len(w.columns)),
			attribute.Int64("runfile.size_bytes", w.offset+footerSize),
		)
	}
	w.logger.Debug("Run file finished", "path", finalPath, "columns", len(w.columns), "max_seq", w.maxSeq)
	return finalPath, nil
}

// Abort discards the temp file. Safe to call after a failed Finish.
func (w *Writer) Abort() error {
	return w.abort()
}

func (w *Writer) abort() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.finished {
		return nil
	}
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temp run file %s: %w", w.tmpPath, err)
	}
	return nil
}
