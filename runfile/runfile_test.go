package runfile

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicledb/chronicle/compressors"
	"github.com/chronicledb/chronicle/core"
)

func testWriterOptions(t *testing.T, dir string, id uint64) WriterOptions {
	t.Helper()
	comp, err := compressors.ForType(core.CompressionSnappy)
	require.NoError(t, err)
	return WriterOptions{
		Dir:        dir,
		ID:         id,
		Compressor: comp,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func floatEntries(startTs int64, seq uint64, count int) []core.Entry {
	entries := make([]core.Entry, count)
	for i := range entries {
		entries[i] = core.Entry{Ts: startTs + int64(i), Seq: seq, Value: core.NewFloatValue(float64(i))}
	}
	return entries
}

func writeTestFile(t *testing.T, dir string, id uint64, add func(w *Writer)) string {
	t.Helper()
	w, err := NewWriter(testWriterOptions(t, dir, id))
	require.NoError(t, err)
	add(w)
	path, err := w.Finish()
	require.NoError(t, err)
	return path
}

func TestWriteAndScanRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyA := core.ColumnKey{SeriesID: 1, FieldID: 1}
	keyB := core.ColumnKey{SeriesID: 1, FieldID: 2}

	entriesA := floatEntries(100, 7, 10)
	entriesB := []core.Entry{
		{Ts: 5, Seq: 3, Value: core.NewStringValue([]byte("hello"))},
		{Ts: 6, Seq: 4, Value: core.NewStringValue([]byte("world"))},
	}

	path := writeTestFile(t, dir, 1, func(w *Writer) {
		require.NoError(t, w.Add(keyA, core.FieldTypeFloat, entriesA, nil))
		require.NoError(t, w.Add(keyB, core.FieldTypeString, entriesB, nil))
	})

	r, err := OpenReader(ReaderOptions{Path: path, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	defer r.Unref()

	assert.Equal(t, core.TimeRange{Min: 5, Max: 109}, r.TimeRange())
	assert.Equal(t, uint64(7), r.MaxSeq())
	assert.Equal(t, []core.ColumnKey{keyA, keyB}, r.Columns())

	got, tombs, err := r.Scan(keyA, core.EntireRange())
	require.NoError(t, err)
	assert.Empty(t, tombs)
	require.Len(t, got, 10)
	for i, e := range got {
		assert.Equal(t, entriesA[i].Ts, e.Ts)
		assert.Equal(t, entriesA[i].Seq, e.Seq)
		assert.True(t, entriesA[i].Value.Equal(e.Value))
	}

	got, _, err = r.Scan(keyB, core.EntireRange())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", string(got[0].Value.Bytes()))

	// Unknown columns are empty, not an error.
	got, tombs, err = r.Scan(core.ColumnKey{SeriesID: 9, FieldID: 9}, core.EntireRange())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, tombs)
}

func TestScanPrunesByTimeRange(t *testing.T) {
	dir := t.TempDir()
	key := core.ColumnKey{SeriesID: 1, FieldID: 1}

	opts := testWriterOptions(t, dir, 1)
	opts.BlockMaxEntries = 4
	w, err := NewWriter(opts)
	require.NoError(t, err)
	require.NoError(t, w.Add(key, core.FieldTypeFloat, floatEntries(0, 1, 20), nil))
	path, err := w.Finish()
	require.NoError(t, err)

	r, err := OpenReader(ReaderOptions{Path: path})
	require.NoError(t, err)
	defer r.Unref()

	got, _, err := r.Scan(key, core.TimeRange{Min: 6, Max: 9})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, int64(6), got[0].Ts)
	assert.Equal(t, int64(9), got[3].Ts)

	got, _, err = r.Scan(key, core.TimeRange{Min: 100, Max: 200})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTombstonesSurviveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := core.ColumnKey{SeriesID: 2, FieldID: 1}
	tombs := []core.Tombstone{
		{Range: core.TimeRange{Min: 10, Max: 20}, Seq: 5},
		{Range: core.TimeRange{Min: 50, Max: 60}, Seq: 8},
	}

	path := writeTestFile(t, dir, 3, func(w *Writer) {
		require.NoError(t, w.Add(key, core.FieldTypeUnknown, nil, tombs))
	})

	r, err := OpenReader(ReaderOptions{Path: path})
	require.NoError(t, err)
	defer r.Unref()

	// Tombstone coverage counts toward the file's range so pruning cannot
	// lose a delete-only file.
	assert.Equal(t, core.TimeRange{Min: 10, Max: 60}, r.TimeRange())
	assert.Equal(t, uint64(8), r.MaxSeq())

	got, gotTombs, err := r.Scan(key, core.EntireRange())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, tombs, gotTombs)
}

func TestAddRejectsOutOfOrderColumns(t *testing.T) {
	w, err := NewWriter(testWriterOptions(t, t.TempDir(), 1))
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Add(core.ColumnKey{SeriesID: 2, FieldID: 1}, core.FieldTypeFloat, floatEntries(0, 1, 1), nil))
	err = w.Add(core.ColumnKey{SeriesID: 1, FieldID: 1}, core.FieldTypeFloat, floatEntries(0, 1, 1), nil)
	require.Error(t, err)
}

func TestAbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testWriterOptions(t, dir, 7))
	require.NoError(t, err)
	require.NoError(t, w.Add(core.ColumnKey{SeriesID: 1, FieldID: 1}, core.FieldTypeFloat, floatEntries(0, 1, 5), nil))
	require.NoError(t, w.Abort())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files, "abort must leave nothing behind")
}

func TestOpenRejectsCorruptFooter(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1, func(w *Writer) {
		require.NoError(t, w.Add(core.ColumnKey{SeriesID: 1, FieldID: 1}, core.FieldTypeFloat, floatEntries(0, 1, 5), nil))
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = OpenReader(ReaderOptions{Path: path})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestOpenRejectsCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1, func(w *Writer) {
		require.NoError(t, w.Add(core.ColumnKey{SeriesID: 1, FieldID: 1}, core.FieldTypeFloat, floatEntries(0, 1, 5), nil))
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the index, between the blocks and the footer.
	data[len(data)-footerSize-3] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = OpenReader(ReaderOptions{Path: path})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestScanDetectsCorruptBlock(t *testing.T) {
	dir := t.TempDir()
	key := core.ColumnKey{SeriesID: 1, FieldID: 1}
	path := writeTestFile(t, dir, 1, func(w *Writer) {
		require.NoError(t, w.Add(key, core.FieldTypeFloat, floatEntries(0, 1, 100), nil))
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the first block's payload.
	data[core.FileHeaderSize+BlockHeaderSize+5] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	r, err := OpenReader(ReaderOptions{Path: path})
	require.NoError(t, err, "index and footer are intact, open succeeds")
	defer r.Unref()

	_, _, err = r.Scan(key, core.EntireRange())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestRetireDeletesAfterLastRef(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1, func(w *Writer) {
		require.NoError(t, w.Add(core.ColumnKey{SeriesID: 1, FieldID: 1}, core.FieldTypeFloat, floatEntries(0, 1, 5), nil))
	})

	r, err := OpenReader(ReaderOptions{Path: path})
	require.NoError(t, err)

	// A scan holds a reference across the retire.
	r.Ref()
	r.Retire()

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "file must survive while a scan still references it")

	r.Unref()
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "file is removed when the last reference drops")
}

func TestFileNameRoundTrip(t *testing.T) {
	name := FormatFileName(42)
	assert.Equal(t, "00000042.run", name)
	id, err := ParseFileName(filepath.Join("data", name))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
}
