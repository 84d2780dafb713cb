package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicledb/chronicle/core"
)

func entry(ts int64, seq uint64, v float64) core.Entry {
	return core.Entry{Ts: ts, Seq: seq, Value: core.NewFloatValue(v)}
}

func tombstoneEntry(ts int64, seq uint64) core.Entry {
	return core.Entry{Ts: ts, Seq: seq, Tombstone: true}
}

func collect(t *testing.T, sources []Iterator, opts Options) []core.Entry {
	t.Helper()
	out, err := Collect(New(sources, opts))
	require.NoError(t, err)
	return out
}

func TestMergeOrdersAcrossSources(t *testing.T) {
	a := NewSliceIterator([]core.Entry{entry(1, 1, 1), entry(5, 1, 5)})
	b := NewSliceIterator([]core.Entry{entry(2, 2, 2), entry(4, 2, 4)})
	c := NewSliceIterator([]core.Entry{entry(3, 3, 3)})

	out := collect(t, []Iterator{a, b, c}, Options{})
	require.Len(t, out, 5)
	for i, e := range out {
		assert.Equal(t, int64(i+1), e.Ts)
	}
}

func TestDuplicateTimestampHighestSeqWins(t *testing.T) {
	older := NewSliceIterator([]core.Entry{entry(5, 7, 1.0)})
	newer := NewSliceIterator([]core.Entry{entry(5, 9, 100.0)})

	out := collect(t, []Iterator{older, newer}, Options{})
	require.Len(t, out, 1)
	assert.Equal(t, uint64(9), out[0].Seq)
	assert.InDelta(t, 100.0, out[0].Value.Float(), 0)
}

func TestDuplicateTimestampWithinOneSource(t *testing.T) {
	src := NewSliceIterator([]core.Entry{entry(5, 9, 100.0), entry(5, 7, 1.0), entry(6, 1, 6.0)})

	out := collect(t, []Iterator{src}, Options{})
	require.Len(t, out, 2)
	assert.Equal(t, uint64(9), out[0].Seq)
	assert.Equal(t, int64(6), out[1].Ts)
}

func TestTombstoneShadowsOlderEntries(t *testing.T) {
	src := NewSliceIterator([]core.Entry{entry(1, 1, 1), entry(2, 1, 2), entry(3, 5, 3)})
	tombs := []core.Tombstone{{Range: core.TimeRange{Min: 1, Max: 3}, Seq: 4}}

	out := collect(t, []Iterator{src}, Options{Tombstones: tombs})
	require.Len(t, out, 1, "only the entry written after the delete survives")
	assert.Equal(t, int64(3), out[0].Ts)
}

func TestPointTombstoneSwallowsForQueries(t *testing.T) {
	disk := NewSliceIterator([]core.Entry{entry(4, 1, 4)})
	mem := NewSliceIterator([]core.Entry{tombstoneEntry(4, 2)})

	out := collect(t, []Iterator{disk, mem}, Options{})
	assert.Empty(t, out, "queries never see deleted points")
}

func TestPointTombstoneKeptForCompaction(t *testing.T) {
	disk := NewSliceIterator([]core.Entry{entry(4, 1, 4)})
	mem := NewSliceIterator([]core.Entry{tombstoneEntry(4, 2)})

	out := collect(t, []Iterator{disk, mem}, Options{KeepTombstoneEntries: true})
	require.Len(t, out, 1)
	assert.True(t, out[0].Tombstone, "compaction rewrites must carry the tombstone forward")
	assert.Equal(t, uint64(2), out[0].Seq)
}

func TestEmptySourcesAreFine(t *testing.T) {
	out := collect(t, []Iterator{NewSliceIterator(nil), NewSliceIterator(nil)}, Options{})
	assert.Empty(t, out)

	out = collect(t, nil, Options{})
	assert.Empty(t, out)
}
