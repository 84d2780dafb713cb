package core

import (
	"encoding/binary"
	"fmt"
)

// Entry is one column entry: a timestamp, a typed value, the sequence number
// assigned at WAL-append time, and a tombstone flag. The sequence number is
// the sole tie-break for duplicate timestamps: the highest one wins.
type Entry struct {
	Ts        int64
	Seq       uint64
	Tombstone bool
	Value     FieldValue
}

const entryFlagTombstone = 0x01

// AppendEntry appends the binary encoding of e to buf for a column of type t.
// Timestamps are zigzag-delta encoded against prevTs so dense columns stay
// small; tombstones carry no value payload.
//
// Format: ts_delta(zigzag varint) | seq(uvarint) | flags(1) | value
func AppendEntry(buf []byte, prevTs int64, e Entry, t FieldType) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], e.Ts-prevTs)
	buf = append(buf, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], e.Seq)
	buf = append(buf, tmp[:n]...)
	var flags byte
	if e.Tombstone {
		flags |= entryFlagTombstone
	}
	buf = append(buf, flags)
	if !e.Tombstone {
		buf = AppendValue(buf, e.Value, t)
	}
	return buf
}

// DecodeEntry decodes one entry for a column of type t, returning the entry
// and the number of bytes consumed.
func DecodeEntry(data []byte, prevTs int64, t FieldType) (Entry, int, error) {
	var e Entry
	delta, n := binary.Varint(data)
	if n <= 0 {
		return e, 0, fmt.Errorf("entry timestamp truncated: %w", ErrCorrupted)
	}
	off := n
	e.Ts = prevTs + delta

	seq, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return e, 0, fmt.Errorf("entry sequence truncated: %w", ErrCorrupted)
	}
	off += n
	e.Seq = seq

	if off >= len(data) {
		return e, 0, fmt.Errorf("entry flags truncated: %w", ErrCorrupted)
	}
	flags := data[off]
	off++
	e.Tombstone = flags&entryFlagTombstone != 0

	if !e.Tombstone {
		v, n, err := DecodeValue(data[off:], t)
		if err != nil {
			return e, 0, err
		}
		off += n
		e.Value = v
	}
	return e, off, nil
}

// AppendEntries encodes a sorted run of entries of one column:
// count(uvarint) followed by delta-encoded entries.
func AppendEntries(buf []byte, entries []Entry, t FieldType) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(entries)))
	buf = append(buf, tmp[:n]...)
	prevTs := int64(0)
	for _, e := range entries {
		buf = AppendEntry(buf, prevTs, e, t)
		prevTs = e.Ts
	}
	return buf
}

// DecodeEntries decodes a run written by AppendEntries, returning the entries
// and the number of bytes consumed.
func DecodeEntries(data []byte, t FieldType) ([]Entry, int, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, 0, fmt.Errorf("entry count truncated: %w", ErrCorrupted)
	}
	off := n
	entries := make([]Entry, 0, count)
	prevTs := int64(0)
	for i := uint64(0); i < count; i++ {
		e, n, err := DecodeEntry(data[off:], prevTs, t)
		if err != nil {
			return nil, 0, fmt.Errorf("entry %d of %d: %w", i, count, err)
		}
		off += n
		prevTs = e.Ts
		entries = append(entries, e)
	}
	return entries, off, nil
}
