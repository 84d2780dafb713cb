package memcache

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicledb/chronicle/core"
)

func testOptions(clock core.Clock) Options {
	return Options{
		ShardCount: 4,
		Clock:      clock,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestCache(t *testing.T, opts Options) *MemCache {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func floatRow(series core.SeriesID, field core.FieldID, ts int64, v float64) core.Row {
	return core.Row{SeriesID: series, FieldID: field, Timestamp: ts, Value: core.NewFloatValue(v)}
}

func TestNew_RejectsNonPowerOfTwoShards(t *testing.T) {
	_, err := New(Options{ShardCount: 3})
	assert.Error(t, err)
}

func TestInsertAndCollect(t *testing.T) {
	c := newTestCache(t, testOptions(nil))

	key := core.ColumnKey{SeriesID: 1, FieldID: 2}
	require.NoError(t, c.Insert([]core.Row{
		floatRow(1, 2, 30, 3.0),
		floatRow(1, 2, 10, 1.0),
		floatRow(1, 2, 20, 2.0),
	}, 5))

	entries, tombs := c.Collect(key, core.EntireRange())
	require.Len(t, entries, 3)
	assert.Empty(t, tombs)
	assert.Equal(t, int64(10), entries[0].Ts)
	assert.Equal(t, int64(20), entries[1].Ts)
	assert.Equal(t, int64(30), entries[2].Ts)
	assert.Equal(t, uint64(5), entries[0].Seq)

	// Range bounds are inclusive.
	entries, _ = c.Collect(key, core.TimeRange{Min: 10, Max: 20})
	require.Len(t, entries, 2)
	assert.Equal(t, int64(10), entries[0].Ts)
	assert.Equal(t, int64(20), entries[1].Ts)

	entries, _ = c.Collect(key, core.TimeRange{Min: 11, Max: 19})
	assert.Empty(t, entries)
}

func TestDuplicateTimestampNewestSeqFirst(t *testing.T) {
	c := newTestCache(t, testOptions(nil))
	key := core.ColumnKey{SeriesID: 9, FieldID: 1}

	require.NoError(t, c.Insert([]core.Row{floatRow(9, 1, 50, 1.0)}, 7))
	require.NoError(t, c.Insert([]core.Row{floatRow(9, 1, 50, 100.0)}, 9))

	entries, _ := c.Collect(key, core.EntireRange())
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(9), entries[0].Seq, "higher seq wins the tie at equal ts")
	assert.InDelta(t, 100.0, entries[0].Value.Float(), 0)
	assert.Equal(t, uint64(7), entries[1].Seq)
}

func TestDeleteRangeShadowsOlderEntries(t *testing.T) {
	c := newTestCache(t, testOptions(nil))
	key := core.ColumnKey{SeriesID: 3, FieldID: 3}

	require.NoError(t, c.Insert([]core.Row{
		floatRow(3, 3, 1, 1.0),
		floatRow(3, 3, 2, 2.0),
		floatRow(3, 3, 3, 3.0),
	}, 1))
	require.NoError(t, c.DeleteRange(key, core.TimeRange{Min: 2, Max: 2}, 2))

	entries, tombs := c.Collect(key, core.EntireRange())
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Ts)
	assert.Equal(t, int64(3), entries[1].Ts)
	require.Len(t, tombs, 1)
	assert.Equal(t, uint64(2), tombs[0].Seq)

	// A write after the delete is not shadowed.
	require.NoError(t, c.Insert([]core.Row{floatRow(3, 3, 2, 22.0)}, 3))
	entries, _ = c.Collect(key, core.EntireRange())
	require.Len(t, entries, 3)
	assert.InDelta(t, 22.0, entries[1].Value.Float(), 0)
}

func TestDeleteRangeOnEmptyColumn(t *testing.T) {
	c := newTestCache(t, testOptions(nil))
	key := core.ColumnKey{SeriesID: 4, FieldID: 4}

	require.NoError(t, c.DeleteRange(key, core.TimeRange{Min: 0, Max: 100}, 5))
	entries, tombs := c.Collect(key, core.EntireRange())
	assert.Empty(t, entries)
	require.Len(t, tombs, 1, "tombstone must survive to reach on-disk data")
}

func TestSwapAndRelease(t *testing.T) {
	c := newTestCache(t, testOptions(nil))
	key := core.ColumnKey{SeriesID: 5, FieldID: 1}

	require.NoError(t, c.Insert([]core.Row{floatRow(5, 1, 1, 1.0)}, 1))
	shardID := -1
	for i := 0; i < c.ShardCount(); i++ {
		if snap := c.Swap(i); snap != nil {
			require.Equal(t, -1, shardID, "only one shard should hold the column")
			shardID = i

			// Frozen data stays readable until release.
			entries, _ := c.Collect(key, core.EntireRange())
			require.Len(t, entries, 1)

			// New writes land in the fresh live table and merge with frozen.
			require.NoError(t, c.Insert([]core.Row{floatRow(5, 1, 2, 2.0)}, 2))
			entries, _ = c.Collect(key, core.EntireRange())
			require.Len(t, entries, 2)

			assert.Equal(t, uint64(1), snap.MaxSeq())
			c.Release(snap)

			entries, _ = c.Collect(key, core.EntireRange())
			require.Len(t, entries, 1, "released snapshot no longer serves reads")
			assert.Equal(t, int64(2), entries[0].Ts)
		}
	}
	require.NotEqual(t, -1, shardID)

	// The shard still holds the post-swap write; a second swap freezes it.
	snap := c.Swap(shardID)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(2), snap.MaxSeq())
	c.Release(snap)
	assert.Nil(t, c.Swap(shardID), "an empty shard has nothing to freeze")
}

func TestDeletePointMarksTimestamp(t *testing.T) {
	c := newTestCache(t, testOptions(nil))
	key := core.ColumnKey{SeriesID: 12, FieldID: 1}

	require.NoError(t, c.Insert([]core.Row{floatRow(12, 1, 5, 1.0)}, 1))
	require.NoError(t, c.DeletePoint(key, 5, 2))

	entries, _ := c.Collect(key, core.EntireRange())
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Tombstone, "the marker is the newest version of the timestamp")
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.False(t, entries[1].Tombstone)

	// A later write outlives the marker by seq.
	require.NoError(t, c.Insert([]core.Row{floatRow(12, 1, 5, 7.0)}, 3))
	entries, _ = c.Collect(key, core.EntireRange())
	require.Len(t, entries, 3)
	assert.False(t, entries[0].Tombstone)
	assert.Equal(t, uint64(3), entries[0].Seq)
}

func TestInsertAfterDeleteSettlesColumnType(t *testing.T) {
	c := newTestCache(t, testOptions(nil))
	key := core.ColumnKey{SeriesID: 9, FieldID: 2}

	// A delete on a column nobody has written yet creates it untyped; the
	// first typed insert must settle the type or the column can never flush.
	require.NoError(t, c.DeleteRange(key, core.TimeRange{Min: 1, Max: 5}, 1))
	require.NoError(t, c.Insert([]core.Row{floatRow(9, 2, 10, 3.0)}, 2))

	sawType := core.FieldTypeUnknown
	for i := 0; i < c.ShardCount(); i++ {
		snap := c.Swap(i)
		if snap == nil {
			continue
		}
		require.NoError(t, snap.Range(func(k core.ColumnKey, typ core.FieldType, entries []core.Entry, tombstones []core.Tombstone) error {
			if k == key {
				sawType = typ
			}
			return nil
		}))
		c.Release(snap)
	}
	assert.Equal(t, core.FieldTypeFloat, sawType)
}

func TestLowWatermark(t *testing.T) {
	c := newTestCache(t, testOptions(nil))

	assert.Equal(t, uint64(0), c.LowWatermark(), "empty cache has no watermark")

	require.NoError(t, c.Insert([]core.Row{floatRow(7, 1, 1, 1.0)}, 3))
	require.NoError(t, c.Insert([]core.Row{floatRow(8, 1, 1, 1.0)}, 5))
	assert.Equal(t, uint64(3), c.LowWatermark(), "lowest held seq across shards")

	// Freezing a shard moves its minimum into the snapshot; the watermark
	// holds until the snapshot is released.
	var snaps []*Snapshot
	for i := 0; i < c.ShardCount(); i++ {
		if snap := c.Swap(i); snap != nil {
			snaps = append(snaps, snap)
		}
	}
	require.NotEmpty(t, snaps)
	assert.Equal(t, uint64(3), c.LowWatermark())

	for _, snap := range snaps {
		c.Release(snap)
	}
	assert.Equal(t, uint64(0), c.LowWatermark(), "released data no longer pins the watermark")
}

func TestLiveTombstoneShadowsFrozenEntries(t *testing.T) {
	c := newTestCache(t, testOptions(nil))
	key := core.ColumnKey{SeriesID: 6, FieldID: 1}

	require.NoError(t, c.Insert([]core.Row{floatRow(6, 1, 10, 1.0)}, 1))
	var snap *Snapshot
	for i := 0; i < c.ShardCount(); i++ {
		if s := c.Swap(i); s != nil {
			snap = s
		}
	}
	require.NotNil(t, snap)

	// Delete lands in the new live table after the freeze.
	require.NoError(t, c.DeleteRange(key, core.TimeRange{Min: 0, Max: 100}, 2))

	entries, _ := c.Collect(key, core.EntireRange())
	assert.Empty(t, entries, "live tombstone must shadow frozen entries too")
}

func TestSnapshotRangeOrdering(t *testing.T) {
	c := newTestCache(t, Options{ShardCount: 1, Clock: nil, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	require.NoError(t, c.Insert([]core.Row{
		floatRow(2, 1, 5, 1.0),
		floatRow(1, 2, 5, 2.0),
		floatRow(1, 1, 5, 3.0),
	}, 1))
	require.NoError(t, c.DeleteRange(core.ColumnKey{SeriesID: 1, FieldID: 1}, core.TimeRange{Min: 100, Max: 200}, 2))

	snap := c.Swap(0)
	require.NotNil(t, snap)

	var keys []core.ColumnKey
	err := snap.Range(func(key core.ColumnKey, typ core.FieldType, entries []core.Entry, tombs []core.Tombstone) error {
		keys = append(keys, key)
		if key == (core.ColumnKey{SeriesID: 1, FieldID: 1}) {
			require.Len(t, tombs, 1)
			require.Len(t, entries, 1, "entry at ts 5 is outside the tombstone range")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for i := 1; i < len(keys); i++ {
		assert.Negative(t, keys[i-1].Compare(keys[i]), "columns must come back in key order")
	}
}

func TestFlushTriggers(t *testing.T) {
	clock := &core.MockClock{Current: time.Unix(0, 0)}

	t.Run("BytesTrigger", func(t *testing.T) {
		opts := testOptions(clock)
		opts.MaxShardBytes = 100
		c := newTestCache(t, opts)

		require.Empty(t, c.ShardsDue())
		require.NoError(t, c.Insert([]core.Row{
			floatRow(1, 1, 1, 1.0),
			floatRow(1, 1, 2, 2.0),
			floatRow(1, 1, 3, 3.0),
		}, 1))
		assert.NotEmpty(t, c.ShardsDue())
	})

	t.Run("EntriesTrigger", func(t *testing.T) {
		opts := testOptions(clock)
		opts.MaxShardEntries = 2
		c := newTestCache(t, opts)

		require.NoError(t, c.Insert([]core.Row{floatRow(1, 1, 1, 1.0)}, 1))
		require.Empty(t, c.ShardsDue())
		require.NoError(t, c.Insert([]core.Row{floatRow(1, 1, 2, 2.0)}, 2))
		assert.NotEmpty(t, c.ShardsDue())
	})

	t.Run("AgeTrigger", func(t *testing.T) {
		opts := testOptions(clock)
		opts.MaxShardAge = time.Minute
		c := newTestCache(t, opts)

		require.NoError(t, c.Insert([]core.Row{floatRow(1, 1, 1, 1.0)}, 1))
		require.Empty(t, c.ShardsDue())
		clock.Advance(2 * time.Minute)
		assert.NotEmpty(t, c.ShardsDue())
	})
}

func TestHardCapBackpressure(t *testing.T) {
	opts := testOptions(nil)
	opts.HardMaxBytes = 64
	c := newTestCache(t, opts)

	require.NoError(t, c.Insert([]core.Row{floatRow(1, 1, 1, 1.0)}, 1))
	require.NoError(t, c.Insert([]core.Row{floatRow(1, 1, 2, 2.0)}, 2))

	err := c.Insert([]core.Row{floatRow(1, 1, 3, 3.0)}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrResourceExhausted)

	// Releasing a flushed snapshot frees budget and unblocks writes.
	var snap *Snapshot
	for i := 0; i < c.ShardCount(); i++ {
		if s := c.Swap(i); s != nil {
			snap = s
		}
	}
	require.NotNil(t, snap)
	c.Release(snap)
	assert.NoError(t, c.Insert([]core.Row{floatRow(1, 1, 3, 3.0)}, 3))
}

func TestConcurrentSeriesDoNotBlock(t *testing.T) {
	c := newTestCache(t, testOptions(nil))

	const writers = 8
	const perWriter = 200
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			series := core.SeriesID(id + 1)
			for j := 0; j < perWriter; j++ {
				err := c.Insert([]core.Row{floatRow(series, 1, int64(j), float64(j))}, uint64(id*perWriter+j+1))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		entries, _ := c.Collect(core.ColumnKey{SeriesID: core.SeriesID(i + 1), FieldID: 1}, core.EntireRange())
		assert.Len(t, entries, perWriter)
	}
}
