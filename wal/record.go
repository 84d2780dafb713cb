package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/chronicledb/chronicle/core"
)

// RecordKind tags the payload type of a log record.
type RecordKind byte

const (
	// RecordWrite carries a batch of rows committed atomically under one seq.
	RecordWrite RecordKind = 1
	// RecordDelete carries a range tombstone for a single column.
	RecordDelete RecordKind = 2
	// RecordFlushMarker notes that everything at or below FlushedSeq is
	// durable in column files. Replay skips older data below the latest marker.
	RecordFlushMarker RecordKind = 3
	// RecordDeletePoint carries a single-timestamp tombstone for one column.
	RecordDeletePoint RecordKind = 4
)

func (k RecordKind) String() string {
	switch k {
	case RecordWrite:
		return "write"
	case RecordDelete:
		return "delete"
	case RecordFlushMarker:
		return "flush-marker"
	case RecordDeletePoint:
		return "delete-point"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Record is one durable log entry. Exactly one payload group is populated,
// selected by Kind.
type Record struct {
	Kind RecordKind
	Seq  uint64

	// RecordWrite
	Rows []core.Row

	// RecordDelete and RecordDeletePoint
	DeleteKey   core.ColumnKey
	DeleteRange core.TimeRange
	DeleteTs    int64

	// RecordFlushMarker
	FlushedSeq uint64
}

// encodeRecord appends the wire form of r to buf and returns the extended
// slice. Layout: kind(1) | seq(u64) | kind-specific body.
func encodeRecord(buf []byte, r *Record) ([]byte, error) {
	buf = append(buf, byte(r.Kind))
	buf = binary.BigEndian.AppendUint64(buf, r.Seq)

	switch r.Kind {
	case RecordWrite:
		var tmp [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(tmp[:], uint64(len(r.Rows)))
		buf = append(buf, tmp[:n]...)
		for i := range r.Rows {
			row := &r.Rows[i]
			t := row.Value.Type()
			if !t.Valid() {
				return nil, fmt.Errorf("row %d has no value type: %w", i, core.ErrUnsupportedFieldType)
			}
			buf = binary.BigEndian.AppendUint64(buf, uint64(row.SeriesID))
			buf = binary.BigEndian.AppendUint64(buf, uint64(row.FieldID))
			buf = append(buf, byte(t))
			n = binary.PutVarint(tmp[:], row.Timestamp)
			buf = append(buf, tmp[:n]...)
			buf = core.AppendValue(buf, row.Value, t)
		}
	case RecordDelete:
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.DeleteKey.SeriesID))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.DeleteKey.FieldID))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.DeleteRange.Min))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.DeleteRange.Max))
	case RecordFlushMarker:
		buf = binary.BigEndian.AppendUint64(buf, r.FlushedSeq)
	case RecordDeletePoint:
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.DeleteKey.SeriesID))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.DeleteKey.FieldID))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.DeleteTs))
	default:
		return nil, fmt.Errorf("cannot encode record of kind %d", r.Kind)
	}
	return buf, nil
}

// decodeRecord parses one record payload produced by encodeRecord.
func decodeRecord(data []byte) (Record, error) {
	var r Record
	if len(data) < 9 {
		return r, fmt.Errorf("record too short: %d bytes: %w", len(data), core.ErrCorrupted)
	}
	r.Kind = RecordKind(data[0])
	r.Seq = binary.BigEndian.Uint64(data[1:9])
	body := data[9:]

	switch r.Kind {
	case RecordWrite:
		count, n := binary.Uvarint(body)
		if n <= 0 {
			return r, fmt.Errorf("bad row count: %w", core.ErrCorrupted)
		}
		body = body[n:]
		r.Rows = make([]core.Row, 0, count)
		for i := uint64(0); i < count; i++ {
			if len(body) < 17 {
				return r, fmt.Errorf("row %d truncated: %w", i, core.ErrCorrupted)
			}
			var row core.Row
			row.SeriesID = core.SeriesID(binary.BigEndian.Uint64(body[0:8]))
			row.FieldID = core.FieldID(binary.BigEndian.Uint64(body[8:16]))
			t := core.FieldType(int8(body[16]))
			if !t.Valid() {
				return r, fmt.Errorf("row %d has invalid field type %d: %w", i, t, core.ErrCorrupted)
			}
			body = body[17:]

			ts, n := binary.Varint(body)
			if n <= 0 {
				return r, fmt.Errorf("row %d has bad timestamp: %w", i, core.ErrCorrupted)
			}
			row.Timestamp = ts
			body = body[n:]

			v, n, err := core.DecodeValue(body, t)
			if err != nil {
				return r, fmt.Errorf("row %d: %w", i, err)
			}
			row.Value = v
			body = body[n:]
			r.Rows = append(r.Rows, row)
		}
	case RecordDelete:
		if len(body) < 32 {
			return r, fmt.Errorf("delete record truncated: %w", core.ErrCorrupted)
		}
		r.DeleteKey.SeriesID = core.SeriesID(binary.BigEndian.Uint64(body[0:8]))
		r.DeleteKey.FieldID = core.FieldID(binary.BigEndian.Uint64(body[8:16]))
		r.DeleteRange.Min = int64(binary.BigEndian.Uint64(body[16:24]))
		r.DeleteRange.Max = int64(binary.BigEndian.Uint64(body[24:32]))
		if !r.DeleteRange.Valid() {
			return r, fmt.Errorf("delete record has inverted range: %w", core.ErrCorrupted)
		}
	case RecordFlushMarker:
		if len(body) < 8 {
			return r, fmt.Errorf("flush marker truncated: %w", core.ErrCorrupted)
		}
		r.FlushedSeq = binary.BigEndian.Uint64(body[0:8])
	case RecordDeletePoint:
		if len(body) < 24 {
			return r, fmt.Errorf("delete-point record truncated: %w", core.ErrCorrupted)
		}
		r.DeleteKey.SeriesID = core.SeriesID(binary.BigEndian.Uint64(body[0:8]))
		r.DeleteKey.FieldID = core.FieldID(binary.BigEndian.Uint64(body[8:16]))
		r.DeleteTs = int64(binary.BigEndian.Uint64(body[16:24]))
	default:
		return r, fmt.Errorf("unknown record kind %d: %w", r.Kind, core.ErrCorrupted)
	}
	return r, nil
}
