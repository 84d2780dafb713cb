package memcache

import (
	"sort"

	"github.com/INLOpen/skiplist"

	"github.com/chronicledb/chronicle/core"
)

// entryKey orders entries within one column.
type entryKey struct {
	ts  int64
	seq uint64
}

// entryComparator sorts by timestamp ascending, then seq descending, so the
// newest version of a duplicated timestamp is always encountered first.
func entryComparator(a, b entryKey) int {
	if a.ts != b.ts {
		if a.ts < b.ts {
			return -1
		}
		return 1
	}
	if a.seq != b.seq {
		if a.seq > b.seq {
			return -1
		}
		return 1
	}
	return 0
}

// cell is the stored form of one entry: a value, or a point-tombstone
// marker carrying no value.
type cell struct {
	value core.FieldValue
	tomb  bool
}

// column buffers the live entries and range tombstones of one (series, field)
// pair. Access is serialized by the owning shard's lock.
type column struct {
	key  core.ColumnKey
	typ  core.FieldType
	data *skiplist.SkipList[entryKey, cell]
	// tombstones in arrival order; each suppresses older seqs in its range
	tombstones []core.Tombstone
	minTs      int64
	maxTs      int64
}

func newColumn(key core.ColumnKey, typ core.FieldType) *column {
	return &column{
		key:  key,
		typ:  typ,
		data: skiplist.NewWithComparator[entryKey, cell](entryComparator),
	}
}

func (c *column) observeTs(ts int64) {
	if c.data.Len() == 0 {
		c.minTs, c.maxTs = ts, ts
		return
	}
	if ts < c.minTs {
		c.minTs = ts
	}
	if ts > c.maxTs {
		c.maxTs = ts
	}
}

// insert adds one entry. Returns the number of bytes the column grew by.
func (c *column) insert(ts int64, seq uint64, v core.FieldValue) int64 {
	c.observeTs(ts)
	c.data.Insert(entryKey{ts: ts, seq: seq}, cell{value: v})
	return entrySize(v)
}

// deletePoint buries one timestamp behind a tombstone entry. Unlike a range
// tombstone it travels in the column's entry stream, so compaction retires
// it along with the versions it shadows.
func (c *column) deletePoint(ts int64, seq uint64) int64 {
	c.observeTs(ts)
	c.data.Insert(entryKey{ts: ts, seq: seq}, cell{tomb: true})
	return entryOverhead
}

// deleteRange records a range tombstone. Existing entries stay in place; the
// tombstone shadows them at read, flush and compaction time.
func (c *column) deleteRange(tr core.TimeRange, seq uint64) int64 {
	c.tombstones = append(c.tombstones, core.Tombstone{Range: tr, Seq: seq})
	return tombstoneSize
}

// shadowed reports whether any tombstone on this column suppresses the entry.
func (c *column) shadowed(ts int64, seq uint64) bool {
	for _, t := range c.tombstones {
		if t.Shadows(ts, seq) {
			return true
		}
	}
	return false
}

// collect appends all entries overlapping tr to out, in (ts asc, seq desc)
// order. Shadowed entries are skipped; the caller receives tombstones
// separately for merging against older sources.
func (c *column) collect(tr core.TimeRange, out []core.Entry) []core.Entry {
	iter := c.data.NewIterator()
	for iter.Next() {
		k := iter.Key()
		if k.ts < tr.Min {
			continue
		}
		if k.ts > tr.Max {
			break
		}
		if c.shadowed(k.ts, k.seq) {
			continue
		}
		cl := iter.Value()
		out = append(out, core.Entry{Ts: k.ts, Seq: k.seq, Value: cl.value, Tombstone: cl.tomb})
	}
	return out
}

// entries returns every live entry in order, tombstone-shadowed ones
// excluded. Used when flushing a frozen snapshot.
func (c *column) entries() []core.Entry {
	out := make([]core.Entry, 0, c.data.Len())
	iter := c.data.NewIterator()
	for iter.Next() {
		k := iter.Key()
		if c.shadowed(k.ts, k.seq) {
			continue
		}
		cl := iter.Value()
		out = append(out, core.Entry{Ts: k.ts, Seq: k.seq, Value: cl.value, Tombstone: cl.tomb})
	}
	return out
}

// sortedTombstones returns the column's tombstones ordered by Range.Min.
func (c *column) sortedTombstones() []core.Tombstone {
	if len(c.tombstones) == 0 {
		return nil
	}
	out := make([]core.Tombstone, len(c.tombstones))
	copy(out, c.tombstones)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Range.Min != out[j].Range.Min {
			return out[i].Range.Min < out[j].Range.Min
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

const (
	// fixed per-entry overhead: key, skiplist node, value header
	entryOverhead = 48
	tombstoneSize = 32
)

func entrySize(v core.FieldValue) int64 {
	size := int64(entryOverhead)
	if v.Type() == core.FieldTypeString {
		size += int64(len(v.Bytes()))
	}
	return size
}
