package wal

import (
	"context"
	"fmt"

	"github.com/chronicledb/chronicle/core"
)

// commitRequest is one append waiting on the committer.
type commitRequest struct {
	rec  *Record
	seq  uint64
	err  error
	done chan struct{}
}

// AppendWrite commits a batch of rows under a single sequence number and
// returns it. The rows are durable when this returns without error.
func (w *WAL) AppendWrite(ctx context.Context, rows []core.Row) (uint64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return w.submit(ctx, &Record{Kind: RecordWrite, Rows: rows})
}

// AppendDelete commits a range tombstone for one column.
func (w *WAL) AppendDelete(ctx context.Context, key core.ColumnKey, tr core.TimeRange) (uint64, error) {
	if !tr.Valid() {
		return 0, fmt.Errorf("inverted time range [%d, %d]", tr.Min, tr.Max)
	}
	return w.submit(ctx, &Record{Kind: RecordDelete, DeleteKey: key, DeleteRange: tr})
}

// AppendDeletePoint commits a single-timestamp tombstone for one column.
func (w *WAL) AppendDeletePoint(ctx context.Context, key core.ColumnKey, ts int64) (uint64, error) {
	return w.submit(ctx, &Record{Kind: RecordDeletePoint, DeleteKey: key, DeleteTs: ts})
}

// AppendFlushMarker records that everything at or below flushedSeq now lives
// in column files, so replay after the marker may skip it.
func (w *WAL) AppendFlushMarker(ctx context.Context, flushedSeq uint64) (uint64, error) {
	return w.submit(ctx, &Record{Kind: RecordFlushMarker, FlushedSeq: flushedSeq})
}

func (w *WAL) submit(ctx context.Context, rec *Record) (uint64, error) {
	req := &commitRequest{rec: rec, done: make(chan struct{})}

	w.submitMu.RLock()
	if w.closed {
		w.submitMu.RUnlock()
		return 0, core.ErrShuttingDown
	}
	select {
	case w.requests <- req:
		w.submitMu.RUnlock()
	case <-ctx.Done():
		w.submitMu.RUnlock()
		return 0, ctx.Err()
	}

	// Once enqueued the record may reach disk regardless of ctx, so the
	// caller must learn its fate either way.
	<-req.done
	return req.seq, req.err
}

// runCommitter is the single goroutine that assigns sequence numbers and
// writes records. Pending requests are drained and committed as one group so
// a burst of writers shares one fsync.
func (w *WAL) runCommitter() {
	defer close(w.committerDone)
	for req := range w.requests {
		group := []*commitRequest{req}
	drain:
		for {
			select {
			case next, ok := <-w.requests:
				if !ok {
					break drain
				}
				group = append(group, next)
			default:
				break drain
			}
		}
		w.commit(group)
	}
}

// commit writes a group of requests in arrival order under one lock hold and
// at most one fsync.
func (w *WAL) commit(group []*commitRequest) {
	w.mu.Lock()

	var wrote bool
	buf := core.BufferPool.Get()
	for _, req := range group {
		if w.activeSegment == nil {
			req.err = core.ErrClosed
			continue
		}

		req.rec.Seq = w.nextSeq
		buf.Reset()
		payload, err := encodeRecord(buf.Bytes(), req.rec)
		if err != nil {
			req.err = err
			continue
		}

		recordSize := int64(len(payload)) + 8
		if recordSize > w.opts.MaxSegmentSize {
			req.err = fmt.Errorf("%w: record_size=%d max_segment_size=%d", core.ErrRecordTooLarge, recordSize, w.opts.MaxSegmentSize)
			continue
		}

		currentSize, err := w.activeSegment.Size()
		if err != nil {
			req.err = err
			continue
		}
		if currentSize > int64(core.FileHeaderSize) && currentSize+recordSize > w.opts.MaxSegmentSize {
			if err := w.rotateLocked(); err != nil {
				req.err = fmt.Errorf("failed to rotate WAL segment: %w", err)
				continue
			}
		}

		if err := w.activeSegment.WriteRecord(payload); err != nil {
			req.err = err
			continue
		}

		req.seq = w.nextSeq
		w.nextSeq++
		w.segmentLastSeq[w.activeSegment.index] = req.seq
		wrote = true

		if w.metricsBytesWritten != nil {
			w.metricsBytesWritten.Add(recordSize)
		}
		if w.metricsRecordsWritten != nil {
			w.metricsRecordsWritten.Add(1)
		}
	}
	core.BufferPool.Put(buf)

	// One fsync covers the whole group. A sync failure voids every ack in
	// it, including writes that already hit the buffer.
	if wrote && w.opts.SyncMode == SyncAlways && w.activeSegment != nil {
		if err := w.activeSegment.Sync(); err != nil {
			for _, req := range group {
				if req.err == nil {
					req.err = fmt.Errorf("failed to sync WAL: %w", err)
					req.seq = 0
				}
			}
		}
	}
	w.mu.Unlock()

	for _, req := range group {
		close(req.done)
	}
}
