package compact

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicledb/chronicle/compressors"
	"github.com/chronicledb/chronicle/core"
	"github.com/chronicledb/chronicle/runfile"
)

var testKey = core.ColumnKey{SeriesID: 11, FieldID: 21}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testColumn struct {
	key        core.ColumnKey
	entries    []core.Entry
	tombstones []core.Tombstone
}

func floatEntries(startTs int64, seq uint64, count int) []core.Entry {
	entries := make([]core.Entry, count)
	for i := range entries {
		entries[i] = core.Entry{
			Ts:    startTs + int64(i),
			Seq:   seq,
			Value: core.NewFloatValue(float64(startTs + int64(i))),
		}
	}
	return entries
}

func writeRun(t *testing.T, dir string, id uint64, columns ...testColumn) {
	t.Helper()
	comp, err := compressors.ForType(core.CompressionSnappy)
	require.NoError(t, err)
	w, err := runfile.NewWriter(runfile.WriterOptions{
		Dir:        dir,
		ID:         id,
		Compressor: comp,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	for _, col := range columns {
		typ := core.FieldTypeFloat
		if len(col.entries) == 0 {
			typ = core.FieldTypeUnknown
		}
		require.NoError(t, w.Add(col.key, typ, col.entries, col.tombstones))
	}
	_, err = w.Finish()
	require.NoError(t, err)
}

func openRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	reg, err := OpenRegistry(RegistryOptions{Dir: dir, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func newExecutor(t *testing.T, dir string, reg *Registry, planner PlannerOptions) *Executor {
	t.Helper()
	comp, err := compressors.ForType(core.CompressionSnappy)
	require.NoError(t, err)
	exec, err := NewExecutor(ExecutorOptions{
		Dir:        dir,
		Registry:   reg,
		Planner:    planner,
		Compressor: comp,
		RetryDelay: time.Millisecond,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return exec
}

func TestOpenRegistryRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 10)})
	stale := filepath.Join(dir, "00000002.run.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	reg := openRegistry(t, dir)
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, uint64(2), reg.NextFileID())
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRegistryFailsOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 10)})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000002.run"), []byte("garbage"), 0o644))

	_, err := OpenRegistry(RegistryOptions{Dir: dir, Logger: testLogger()})
	require.Error(t, err)
}

func TestRegistryAcquireFiltersByTimeRange(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 10)})
	writeRun(t, dir, 2, testColumn{key: testKey, entries: floatEntries(100, 2, 10)})
	reg := openRegistry(t, dir)

	readers, release := reg.Acquire(core.TimeRange{Min: 0, Max: 50})
	require.Len(t, readers, 1)
	assert.Equal(t, uint64(1), readers[0].ID())
	release()

	readers, release = reg.Acquire(core.EntireRange())
	assert.Len(t, readers, 2)
	release()
}

func TestRegistrySwapRetiresInputs(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 10)})
	writeRun(t, dir, 2, testColumn{key: testKey, entries: floatEntries(5, 2, 10)})
	reg := openRegistry(t, dir)

	require.NoError(t, reg.Swap([]uint64{1, 2}, nil))
	assert.Equal(t, 0, reg.Count())
	_, err := os.Stat(filepath.Join(dir, runfile.FormatFileName(1)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, runfile.FormatFileName(2)))
	assert.True(t, os.IsNotExist(err))
}

func TestRegistrySwapWaitsForInFlightReads(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 10)})
	reg := openRegistry(t, dir)

	readers, release := reg.Acquire(core.EntireRange())
	require.Len(t, readers, 1)

	require.NoError(t, reg.Swap([]uint64{1}, nil))
	path := filepath.Join(dir, runfile.FormatFileName(1))
	_, err := os.Stat(path)
	assert.NoError(t, err, "file must survive while a scan holds a reference")

	entries, _, err := readers[0].Scan(testKey, core.EntireRange())
	require.NoError(t, err)
	assert.Len(t, entries, 10)

	release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "retired file is removed at the last unref")
}

func TestBuildPlansGroupsOverlappingFiles(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 20)})
	writeRun(t, dir, 2, testColumn{key: testKey, entries: floatEntries(10, 2, 20)})
	writeRun(t, dir, 3, testColumn{key: testKey, entries: floatEntries(100, 3, 20)})
	reg := openRegistry(t, dir)

	readers, release := reg.AcquireAll()
	defer release()

	plans := BuildPlans(readers, PlannerOptions{MaxFanIn: 2, OverlapRatio: 0.3})
	require.Len(t, plans, 1)
	assert.ElementsMatch(t, []uint64{1, 2}, plans[0].InputIDs())
	assert.True(t, plans[0].FullOverlap)
}

func TestBuildPlansSkipsDisjointFiles(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 10)})
	writeRun(t, dir, 2, testColumn{key: testKey, entries: floatEntries(100, 2, 10)})
	reg := openRegistry(t, dir)

	readers, release := reg.AcquireAll()
	defer release()

	assert.Empty(t, BuildPlans(readers, PlannerOptions{}))
}

func TestBuildPlansTruncatedGroupIsNotFullOverlap(t *testing.T) {
	dir := t.TempDir()
	for id := uint64(1); id <= 3; id++ {
		writeRun(t, dir, id, testColumn{key: testKey, entries: floatEntries(0, id, 50)})
	}
	reg := openRegistry(t, dir)

	readers, release := reg.AcquireAll()
	defer release()

	plans := BuildPlans(readers, PlannerOptions{MaxFanIn: 2})
	require.Len(t, plans, 1)
	assert.Len(t, plans[0].Inputs, 2)
	assert.False(t, plans[0].FullOverlap,
		"a sibling outside the plan still overlaps, deletes must be carried")
}

func TestExecutorMergesDuplicateTimestamps(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: []core.Entry{
		{Ts: 5, Seq: 7, Value: core.NewFloatValue(1.0)},
		{Ts: 6, Seq: 7, Value: core.NewFloatValue(6.0)},
	}})
	writeRun(t, dir, 2, testColumn{key: testKey, entries: []core.Entry{
		{Ts: 5, Seq: 9, Value: core.NewFloatValue(100.0)},
	}})
	reg := openRegistry(t, dir)
	exec := newExecutor(t, dir, reg, PlannerOptions{MaxFanIn: 2})

	done, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, reg.Count())

	readers, release := reg.Acquire(core.EntireRange())
	defer release()
	require.Len(t, readers, 1)
	entries, tombs, err := readers[0].Scan(testKey, core.EntireRange())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(9), entries[0].Seq)
	assert.InDelta(t, 100.0, entries[0].Value.Float(), 0)
	assert.Equal(t, int64(6), entries[1].Ts)
	assert.Empty(t, tombs)
}

func TestExecutorDropsShadowedEntriesAndTombstones(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: []core.Entry{
		{Ts: 4, Seq: 1, Value: core.NewFloatValue(4.0)},
		{Ts: 20, Seq: 1, Value: core.NewFloatValue(20.0)},
	}})
	writeRun(t, dir, 2, testColumn{key: testKey, tombstones: []core.Tombstone{
		{Range: core.TimeRange{Min: 1, Max: 5}, Seq: 2},
		{Range: core.TimeRange{Min: 3, Max: 8}, Seq: 3},
	}})
	reg := openRegistry(t, dir)
	exec := newExecutor(t, dir, reg, PlannerOptions{MaxFanIn: 2})

	done, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, done)

	readers, release := reg.Acquire(core.EntireRange())
	defer release()
	require.Len(t, readers, 1)
	entries, tombs, err := readers[0].Scan(testKey, core.EntireRange())
	require.NoError(t, err)
	require.Len(t, entries, 1, "the point at ts=4 is deleted by both ranges")
	assert.Equal(t, int64(20), entries[0].Ts)
	assert.Empty(t, tombs, "nothing outside the group overlaps, tombstones are dropped")
}

func TestExecutorCarriesTombstonesOnPartialOverlap(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 50)})
	writeRun(t, dir, 2, testColumn{
		key:        testKey,
		entries:    floatEntries(0, 2, 50),
		tombstones: []core.Tombstone{{Range: core.TimeRange{Min: 0, Max: 9}, Seq: 2}},
	})
	writeRun(t, dir, 3, testColumn{key: testKey, entries: floatEntries(0, 3, 50)})
	reg := openRegistry(t, dir)
	exec := newExecutor(t, dir, reg, PlannerOptions{MaxFanIn: 2})

	done, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, done)

	readers, release := reg.AcquireAll()
	defer release()
	var output *runfile.Reader
	for _, r := range readers {
		if r.ID() > 3 {
			output = r
		}
	}
	require.NotNil(t, output)
	_, tombs, err := output.Scan(testKey, core.EntireRange())
	require.NoError(t, err)
	assert.NotEmpty(t, tombs, "an overlapping sibling remained outside the plan")
}

func TestExecutorEliminatesEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: []core.Entry{
		{Ts: 4, Seq: 1, Value: core.NewFloatValue(4.0)},
	}})
	writeRun(t, dir, 2, testColumn{key: testKey, tombstones: []core.Tombstone{
		{Range: core.TimeRange{Min: 0, Max: 10}, Seq: 2},
	}})
	reg := openRegistry(t, dir)
	exec := newExecutor(t, dir, reg, PlannerOptions{MaxFanIn: 2})

	done, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, done)
	assert.Equal(t, 0, reg.Count(), "everything was shadowed, no output file")
}

func TestExecutorRunsDisjointPlansInOneCycle(t *testing.T) {
	dir := t.TempDir()
	// Two separate overlap groups far apart in time; one RunOnce merges both.
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 10)})
	writeRun(t, dir, 2, testColumn{key: testKey, entries: floatEntries(5, 2, 10)})
	writeRun(t, dir, 3, testColumn{key: testKey, entries: floatEntries(1000, 3, 10)})
	writeRun(t, dir, 4, testColumn{key: testKey, entries: floatEntries(1005, 4, 10)})
	reg := openRegistry(t, dir)
	exec := newExecutor(t, dir, reg, PlannerOptions{MaxFanIn: 2})

	done, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.Equal(t, 2, reg.Count())
}

func TestExecutorHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1, testColumn{key: testKey, entries: floatEntries(0, 1, 10)})
	writeRun(t, dir, 2, testColumn{key: testKey, entries: floatEntries(5, 2, 10)})
	reg := openRegistry(t, dir)
	exec := newExecutor(t, dir, reg, PlannerOptions{MaxFanIn: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, reg.Count(), "inputs stay authoritative on abort")
}
