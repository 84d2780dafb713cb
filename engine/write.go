package engine

import (
	"context"
	"fmt"

	"github.com/chronicledb/chronicle/core"
)

// Put resolves, journals and buffers a batch of points. Identity resolution
// happens before the WAL append so a schema conflict rejects the batch
// without journaling anything.
func (e *Engine) Put(ctx context.Context, points core.Points) error {
	if e.closed.Load() {
		return core.ErrShuttingDown
	}
	if len(points) == 0 {
		return nil
	}
	e.metrics.PutTotal.Add(1)

	if e.cache.TotalBytes() >= e.cfg.MemCache.HardLimitBytes {
		e.kickFlush()
		e.metrics.PutErrorsTotal.Add(1)
		return fmt.Errorf("%w: write buffer at capacity", core.ErrResourceExhausted)
	}

	rows := make([]core.Row, 0, len(points))
	for i := range points {
		p := &points[i]
		seriesID, err := e.catalog.ResolveSeries(p.Tags)
		if err != nil {
			e.metrics.PutErrorsTotal.Add(1)
			return err
		}
		for name, value := range p.Fields {
			fieldID, err := e.catalog.ResolveField(name, value.Type())
			if err != nil {
				e.metrics.PutErrorsTotal.Add(1)
				return err
			}
			rows = append(rows, core.Row{
				SeriesID:  seriesID,
				FieldID:   fieldID,
				Timestamp: p.Timestamp,
				Value:     value,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	e.writeMu.RLock()
	seq, err := e.wal.AppendWrite(ctx, rows)
	if err != nil {
		e.writeMu.RUnlock()
		e.metrics.PutErrorsTotal.Add(1)
		return fmt.Errorf("wal append failed: %w", err)
	}
	insertErr := e.cache.Insert(rows, seq)
	e.writeMu.RUnlock()
	if insertErr != nil {
		// The rows are journaled; they will reappear on recovery.
		e.noteUnbuffered(seq)
		e.metrics.PutErrorsTotal.Add(1)
		e.logger.Error("Buffer insert failed after wal append", "seq", seq, "error", insertErr)
		return insertErr
	}
	e.metrics.PointsWritten.Add(int64(len(rows)))

	if e.cache.TotalBytes() >= e.cfg.MemCache.MaxBytes {
		e.kickFlush()
	}
	return nil
}

// DeleteRange journals and buffers a range tombstone for one column. The
// delete applies to every entry in the range written before it, in memory
// and on disk.
func (e *Engine) DeleteRange(ctx context.Context, key core.ColumnKey, tr core.TimeRange) error {
	if e.closed.Load() {
		return core.ErrShuttingDown
	}
	if !tr.Valid() {
		return fmt.Errorf("inverted time range %s", tr)
	}
	e.metrics.DeleteTotal.Add(1)

	e.writeMu.RLock()
	seq, err := e.wal.AppendDelete(ctx, key, tr)
	if err != nil {
		e.writeMu.RUnlock()
		return fmt.Errorf("wal append failed: %w", err)
	}
	deleteErr := e.cache.DeleteRange(key, tr, seq)
	e.writeMu.RUnlock()
	if deleteErr != nil {
		e.noteUnbuffered(seq)
		e.logger.Error("Buffer delete failed after wal append", "seq", seq, "error", deleteErr)
		return deleteErr
	}
	return nil
}

// DeletePoint journals and buffers a tombstone for a single timestamp of
// one column. Unlike DeleteRange it rides the entry stream, so compaction
// retires the marker once every shadowed version is gone.
func (e *Engine) DeletePoint(ctx context.Context, key core.ColumnKey, ts int64) error {
	if e.closed.Load() {
		return core.ErrShuttingDown
	}
	e.metrics.DeleteTotal.Add(1)

	e.writeMu.RLock()
	seq, err := e.wal.AppendDeletePoint(ctx, key, ts)
	if err != nil {
		e.writeMu.RUnlock()
		return fmt.Errorf("wal append failed: %w", err)
	}
	deleteErr := e.cache.DeletePoint(key, ts, seq)
	e.writeMu.RUnlock()
	if deleteErr != nil {
		e.noteUnbuffered(seq)
		e.logger.Error("Buffer delete failed after wal append", "seq", seq, "error", deleteErr)
		return deleteErr
	}
	return nil
}

// noteUnbuffered pins the flush cutoff below a journaled seq whose buffer
// insert failed, keeping it replayable until the next restart.
func (e *Engine) noteUnbuffered(seq uint64) {
	for {
		cur := e.unbuffered.Load()
		if cur != 0 && cur <= seq {
			return
		}
		if e.unbuffered.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (e *Engine) kickFlush() {
	select {
	case e.flushSignal <- struct{}{}:
	default:
	}
}
