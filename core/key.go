package core

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SeriesID identifies a unique tag set. Allocated once by the catalog on
// first observation and never reused.
type SeriesID uint64

// FieldID identifies a named, typed field. Allocated once by the catalog.
type FieldID uint64

// ColumnKey addresses one logical column: the ordered entries of one
// (series, field) pair.
type ColumnKey struct {
	SeriesID SeriesID
	FieldID  FieldID
}

// ColumnKeySize is the fixed on-disk size of an encoded ColumnKey.
const ColumnKeySize = 16

// Compare orders column keys by (SeriesID, FieldID).
func (k ColumnKey) Compare(o ColumnKey) int {
	if k.SeriesID != o.SeriesID {
		if k.SeriesID < o.SeriesID {
			return -1
		}
		return 1
	}
	if k.FieldID != o.FieldID {
		if k.FieldID < o.FieldID {
			return -1
		}
		return 1
	}
	return 0
}

func (k ColumnKey) String() string {
	return fmt.Sprintf("%d/%d", k.SeriesID, k.FieldID)
}

// AppendTo appends the big-endian encoding of k, so encoded keys sort the
// same way Compare does.
func (k ColumnKey) AppendTo(buf []byte) []byte {
	var b [ColumnKeySize]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(k.SeriesID))
	binary.BigEndian.PutUint64(b[8:16], uint64(k.FieldID))
	return append(buf, b[:]...)
}

// DecodeColumnKey parses a ColumnKey from the first ColumnKeySize bytes of
// data.
func DecodeColumnKey(data []byte) (ColumnKey, error) {
	if len(data) < ColumnKeySize {
		return ColumnKey{}, fmt.Errorf("column key too short: %d bytes: %w", len(data), ErrCorrupted)
	}
	return ColumnKey{
		SeriesID: SeriesID(binary.BigEndian.Uint64(data[0:8])),
		FieldID:  FieldID(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}

// TimeRange is an inclusive timestamp interval.
type TimeRange struct {
	Min int64
	Max int64
}

// EntireRange covers every representable timestamp.
func EntireRange() TimeRange {
	return TimeRange{Min: math.MinInt64, Max: math.MaxInt64}
}

// Contains reports whether ts lies within the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Min && ts <= r.Max
}

// Overlaps reports whether two inclusive ranges intersect.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

// Union returns the smallest range covering both r and o.
func (r TimeRange) Union(o TimeRange) TimeRange {
	out := r
	if o.Min < out.Min {
		out.Min = o.Min
	}
	if o.Max > out.Max {
		out.Max = o.Max
	}
	return out
}

// Valid reports whether Min <= Max.
func (r TimeRange) Valid() bool {
	return r.Min <= r.Max
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// ColumnKeyRange requests a ranged read of one column.
type ColumnKeyRange struct {
	Key   ColumnKey
	Range TimeRange
}

// Tombstone marks every entry of a column inside Range with seq below Seq as
// deleted. Tombstones ride alongside entries through flush and compaction
// until a full rewrite of the covered range makes them redundant.
type Tombstone struct {
	Range TimeRange
	Seq   uint64
}

// Shadows reports whether the tombstone suppresses an entry at ts with the
// given seq.
func (t Tombstone) Shadows(ts int64, seq uint64) bool {
	return seq < t.Seq && t.Range.Contains(ts)
}
