// Package merge implements the k-way merge over entry sources that backs
// both queries and compaction. Sources yield entries of one column in
// (ts asc, seq desc) order; the merger combines them, resolves duplicate
// timestamps by highest seq, and applies range tombstones.
package merge

import (
	"container/heap"

	"github.com/chronicledb/chronicle/core"
)

// Iterator walks the entries of one column in (ts asc, seq desc) order.
type Iterator interface {
	// Next advances to the next entry and reports whether one exists.
	Next() bool
	// Entry returns the current entry. Valid only after Next returned true.
	Entry() core.Entry
	// Err returns the first error the iterator hit. Checked after Next
	// returns false.
	Err() error
	// Close releases the iterator's resources.
	Close() error
}

// sliceIterator iterates an already sorted in-memory slice.
type sliceIterator struct {
	entries []core.Entry
	pos     int
}

// NewSliceIterator wraps a sorted entry slice.
func NewSliceIterator(entries []core.Entry) Iterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *sliceIterator) Entry() core.Entry { return it.entries[it.pos] }
func (it *sliceIterator) Err() error        { return nil }
func (it *sliceIterator) Close() error      { return nil }

// entryHeap orders live iterators by (ts asc, seq desc) of their current
// entry, so the newest version of a timestamp surfaces first.
type entryHeap []Iterator

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].Entry(), h[j].Entry()
	if a.Ts != b.Ts {
		return a.Ts < b.Ts
	}
	return a.Seq > b.Seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(Iterator))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergingIterator merges several iterators, emitting at most one entry per
// timestamp: the one with the highest seq that no tombstone shadows.
type mergingIterator struct {
	heap           entryHeap
	tombstones     []core.Tombstone
	keepTombstones bool
	current        core.Entry
	err            error
}

// Options configures a merge.
type Options struct {
	// Tombstones shadow entries from any source with a lower seq.
	Tombstones []core.Tombstone
	// KeepTombstoneEntries keeps point entries whose Tombstone flag is
	// set instead of swallowing them. Compaction rewrites need them;
	// queries do not.
	KeepTombstoneEntries bool
}

// New builds an iterator merging the given sources. Exhausted sources are
// closed immediately, the rest when the merged iterator is closed.
func New(sources []Iterator, opts Options) Iterator {
	m := &mergingIterator{
		tombstones:     opts.Tombstones,
		keepTombstones: opts.KeepTombstoneEntries,
	}
	for _, src := range sources {
		if src.Next() {
			m.heap = append(m.heap, src)
		} else {
			if err := src.Err(); err != nil && m.err == nil {
				m.err = err
			}
			src.Close()
		}
	}
	heap.Init(&m.heap)
	return m
}

func (m *mergingIterator) Next() bool {
	if m.err != nil {
		return false
	}
	for m.heap.Len() > 0 {
		top := m.heap[0]
		e := top.Entry()
		m.advance(top)

		// Discard older versions of the same timestamp across all sources.
		for m.heap.Len() > 0 && m.heap[0].Entry().Ts == e.Ts {
			m.advance(m.heap[0])
		}
		if m.err != nil {
			return false
		}

		if m.shadowed(e) {
			continue
		}
		if e.Tombstone && !m.keepTombstones {
			continue
		}
		m.current = e
		return true
	}
	return false
}

func (m *mergingIterator) advance(it Iterator) {
	if it.Next() {
		heap.Fix(&m.heap, 0)
		return
	}
	if err := it.Err(); err != nil && m.err == nil {
		m.err = err
	}
	heap.Pop(&m.heap)
	it.Close()
}

func (m *mergingIterator) shadowed(e core.Entry) bool {
	for _, t := range m.tombstones {
		if t.Shadows(e.Ts, e.Seq) {
			return true
		}
	}
	return false
}

func (m *mergingIterator) Entry() core.Entry { return m.current }
func (m *mergingIterator) Err() error        { return m.err }

func (m *mergingIterator) Close() error {
	var err error
	for _, it := range m.heap {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.heap = nil
	return err
}

// Collect drains an iterator into a slice. It closes the iterator.
func Collect(it Iterator) ([]core.Entry, error) {
	defer it.Close()
	var out []core.Entry
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}
