// Package memcache is the sharded in-memory write buffer. Rows land here
// after the WAL accepts them and stay readable until their shard is frozen,
// flushed to a column file and released.
package memcache

import (
	"encoding/binary"
	"expvar"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/chronicledb/chronicle/core"
)

// Options configures a MemCache.
type Options struct {
	// ShardCount must be a power of two.
	ShardCount int
	// MaxShardBytes triggers a flush of a shard once its live size passes it.
	MaxShardBytes int64
	// MaxShardEntries triggers a flush once a shard holds this many entries.
	MaxShardEntries int64
	// MaxShardAge triggers a flush once a shard's oldest unflushed write is
	// this old.
	MaxShardAge time.Duration
	// HardMaxBytes caps total memory, live plus frozen. Inserts beyond it
	// fail with core.ErrResourceExhausted until flushes release snapshots.
	HardMaxBytes int64
	Clock        core.Clock
	Logger       *slog.Logger
	BytesHeld    *expvar.Int
}

const (
	DefaultShardCount      = 16
	DefaultMaxShardBytes   = 32 * 1024 * 1024
	DefaultMaxShardEntries = 1 << 20
	DefaultMaxShardAge     = 10 * time.Minute
	DefaultHardMaxBytes    = 1024 * 1024 * 1024
)

// shard holds the live columns for a slice of the series space plus any
// frozen snapshots not yet released by the flusher.
type shard struct {
	id int

	mu       sync.RWMutex
	columns  map[core.ColumnKey]*column
	bytes    int64
	entries  int64
	firstAt  time.Time
	minSeq   uint64 // lowest seq held live, 0 when empty
	maxSeq   uint64
	flushing []*Snapshot
}

func (s *shard) observeSeq(seq uint64) {
	if s.minSeq == 0 || seq < s.minSeq {
		s.minSeq = seq
	}
	if seq > s.maxSeq {
		s.maxSeq = seq
	}
}

// MemCache routes columns to shards by series id so flushes freeze only a
// fraction of the write path at a time.
type MemCache struct {
	opts   Options
	logger *slog.Logger
	clock  core.Clock
	shards []*shard

	totalBytes atomic.Int64
}

// New creates a MemCache. ShardCount must be a power of two.
func New(opts Options) (*MemCache, error) {
	if opts.ShardCount == 0 {
		opts.ShardCount = DefaultShardCount
	}
	if opts.ShardCount&(opts.ShardCount-1) != 0 {
		return nil, fmt.Errorf("shard count %d is not a power of two", opts.ShardCount)
	}
	if opts.MaxShardBytes == 0 {
		opts.MaxShardBytes = DefaultMaxShardBytes
	}
	if opts.MaxShardEntries == 0 {
		opts.MaxShardEntries = DefaultMaxShardEntries
	}
	if opts.MaxShardAge == 0 {
		opts.MaxShardAge = DefaultMaxShardAge
	}
	if opts.HardMaxBytes == 0 {
		opts.HardMaxBytes = DefaultHardMaxBytes
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &MemCache{
		opts:   opts,
		logger: opts.Logger.With("component", "memcache"),
		clock:  opts.Clock,
		shards: make([]*shard, opts.ShardCount),
	}
	for i := range c.shards {
		c.shards[i] = &shard{id: i, columns: make(map[core.ColumnKey]*column)}
	}
	return c, nil
}

// shardFor routes a series to its shard. The series id is already a hash of
// the tag set, but it is re-hashed so id clustering cannot skew shard load.
func (c *MemCache) shardFor(id core.SeriesID) *shard {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return c.shards[xxhash.Sum64(b[:])&uint64(len(c.shards)-1)]
}

// Insert applies a WAL-durable batch of rows under one seq. All rows of a
// batch carry the same seq; routing is per row. Fails with
// core.ErrResourceExhausted while over the hard memory cap.
func (c *MemCache) Insert(rows []core.Row, seq uint64) error {
	if len(rows) == 0 {
		return nil
	}
	if c.totalBytes.Load() >= c.opts.HardMaxBytes {
		return fmt.Errorf("%w: memcache holds %d bytes, cap %d", core.ErrResourceExhausted, c.totalBytes.Load(), c.opts.HardMaxBytes)
	}

	var grew int64
	for i := range rows {
		row := &rows[i]
		s := c.shardFor(row.SeriesID)
		key := core.ColumnKey{SeriesID: row.SeriesID, FieldID: row.FieldID}

		s.mu.Lock()
		col, ok := s.columns[key]
		if !ok {
			col = newColumn(key, row.Value.Type())
			s.columns[key] = col
		} else if col.typ == core.FieldTypeUnknown {
			// The column was created by a delete before any write reached
			// it. The first typed insert settles the type so the column can
			// flush.
			col.typ = row.Value.Type()
		}
		delta := col.insert(row.Timestamp, seq, row.Value)
		s.bytes += delta
		s.entries++
		if s.firstAt.IsZero() {
			s.firstAt = c.clock.Now()
		}
		s.observeSeq(seq)
		s.mu.Unlock()
		grew += delta
	}

	c.addBytes(grew)
	return nil
}

// DeleteRange records a range tombstone on one column. It lands in the
// shard owning the series even when the column has no live entries yet, so
// the tombstone still reaches older on-disk data through the next flush.
func (c *MemCache) DeleteRange(key core.ColumnKey, tr core.TimeRange, seq uint64) error {
	if !tr.Valid() {
		return fmt.Errorf("inverted time range %s", tr)
	}
	s := c.shardFor(key.SeriesID)

	s.mu.Lock()
	col, ok := s.columns[key]
	if !ok {
		col = newColumn(key, core.FieldTypeUnknown)
		s.columns[key] = col
	}
	delta := col.deleteRange(tr, seq)
	s.bytes += delta
	if s.firstAt.IsZero() {
		s.firstAt = c.clock.Now()
	}
	s.observeSeq(seq)
	s.mu.Unlock()

	c.addBytes(delta)
	return nil
}

// DeletePoint buries a single timestamp of one column behind a
// tombstone-flagged entry. Older versions of the timestamp disappear from
// reads; the marker itself is retired once compaction covers them.
func (c *MemCache) DeletePoint(key core.ColumnKey, ts int64, seq uint64) error {
	s := c.shardFor(key.SeriesID)

	s.mu.Lock()
	col, ok := s.columns[key]
	if !ok {
		col = newColumn(key, core.FieldTypeUnknown)
		s.columns[key] = col
	}
	delta := col.deletePoint(ts, seq)
	s.bytes += delta
	s.entries++
	if s.firstAt.IsZero() {
		s.firstAt = c.clock.Now()
	}
	s.observeSeq(seq)
	s.mu.Unlock()

	c.addBytes(delta)
	return nil
}

// Collect gathers every buffered entry and tombstone for one column in the
// given range, across the live table and all frozen snapshots of its shard.
// Entries come back in (ts asc, seq desc) order.
func (c *MemCache) Collect(key core.ColumnKey, tr core.TimeRange) ([]core.Entry, []core.Tombstone) {
	s := c.shardFor(key.SeriesID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []core.Entry
	var tombs []core.Tombstone

	if col, ok := s.columns[key]; ok {
		entries = col.collect(tr, entries)
		tombs = append(tombs, col.sortedTombstones()...)
	}
	for _, snap := range s.flushing {
		if col, ok := snap.columns[key]; ok {
			entries = col.collect(tr, entries)
			tombs = append(tombs, col.sortedTombstones()...)
		}
	}

	// A tombstone from any source shadows older entries from every source,
	// so the filter runs over the combined set.
	if len(tombs) > 0 && len(entries) > 0 {
		kept := entries[:0]
		for _, e := range entries {
			shadowed := false
			for _, tb := range tombs {
				if tb.Shadows(e.Ts, e.Seq) {
					shadowed = true
					break
				}
			}
			if !shadowed {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	if len(entries) > 1 {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Ts != entries[j].Ts {
				return entries[i].Ts < entries[j].Ts
			}
			return entries[i].Seq > entries[j].Seq
		})
	}
	return entries, tombs
}

// ShardsDue returns the ids of shards that have crossed a flush trigger.
func (c *MemCache) ShardsDue() []int {
	now := c.clock.Now()
	var due []int
	for _, s := range c.shards {
		s.mu.RLock()
		over := s.bytes >= c.opts.MaxShardBytes ||
			s.entries >= c.opts.MaxShardEntries ||
			(!s.firstAt.IsZero() && now.Sub(s.firstAt) >= c.opts.MaxShardAge)
		s.mu.RUnlock()
		if over {
			due = append(due, s.id)
		}
	}
	return due
}

// Swap freezes the live table of a shard into a Snapshot and installs a
// fresh empty table. The snapshot stays readable from Collect until the
// flusher calls Release. Returns nil if the shard is empty.
func (c *MemCache) Swap(shardID int) *Snapshot {
	s := c.shards[shardID]

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.columns) == 0 {
		return nil
	}
	snap := &Snapshot{
		shardID: shardID,
		columns: s.columns,
		bytes:   s.bytes,
		minSeq:  s.minSeq,
		maxSeq:  s.maxSeq,
	}
	s.columns = make(map[core.ColumnKey]*column)
	s.bytes = 0
	s.entries = 0
	s.firstAt = time.Time{}
	s.minSeq = 0
	s.flushing = append(s.flushing, snap)
	c.logger.Debug("Froze shard for flush", "shard", shardID, "bytes", snap.bytes, "max_seq", snap.maxSeq)
	return snap
}

// Release drops a flushed snapshot and returns its memory to the budget.
func (c *MemCache) Release(snap *Snapshot) {
	if snap == nil {
		return
	}
	s := c.shards[snap.shardID]

	s.mu.Lock()
	for i, fs := range s.flushing {
		if fs == snap {
			s.flushing = append(s.flushing[:i], s.flushing[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	c.addBytes(-snap.bytes)
}

// LowWatermark returns the lowest seq still held in memory, live or frozen,
// or 0 when nothing is held. Every seq below it has already been flushed to
// a run file, so WAL data below it is purgeable.
func (c *MemCache) LowWatermark() uint64 {
	var low uint64
	for _, s := range c.shards {
		s.mu.RLock()
		if s.minSeq != 0 && (low == 0 || s.minSeq < low) {
			low = s.minSeq
		}
		for _, snap := range s.flushing {
			if snap.minSeq != 0 && (low == 0 || snap.minSeq < low) {
				low = snap.minSeq
			}
		}
		s.mu.RUnlock()
	}
	return low
}

// TotalBytes returns current memory held, live plus frozen.
func (c *MemCache) TotalBytes() int64 {
	return c.totalBytes.Load()
}

// ShardCount returns the number of shards.
func (c *MemCache) ShardCount() int {
	return len(c.shards)
}

func (c *MemCache) addBytes(delta int64) {
	c.totalBytes.Add(delta)
	if c.opts.BytesHeld != nil {
		c.opts.BytesHeld.Add(delta)
	}
}

// Snapshot is one frozen shard awaiting flush. It is immutable; readers and
// the flusher share it without locks.
type Snapshot struct {
	shardID int
	columns map[core.ColumnKey]*column
	bytes   int64
	minSeq  uint64
	maxSeq  uint64
}

// MaxSeq returns the highest seq contained in the snapshot. After the flush
// lands, data at or below it no longer needs the WAL.
func (s *Snapshot) MaxSeq() uint64 {
	return s.maxSeq
}

// Bytes returns the estimated heap size of the snapshot.
func (s *Snapshot) Bytes() int64 {
	return s.bytes
}

// ShardID returns the shard the snapshot was frozen from.
func (s *Snapshot) ShardID() int {
	return s.shardID
}

// Range invokes fn once per column in key order with sorted entries and
// tombstones, the order a column file writer expects.
func (s *Snapshot) Range(fn func(key core.ColumnKey, typ core.FieldType, entries []core.Entry, tombstones []core.Tombstone) error) error {
	keys := make([]core.ColumnKey, 0, len(s.columns))
	for key := range s.columns {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	for _, key := range keys {
		col := s.columns[key]
		if err := fn(key, col.typ, col.entries(), col.sortedTombstones()); err != nil {
			return err
		}
	}
	return nil
}
