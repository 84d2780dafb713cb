package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/chronicledb/chronicle/core"
	"github.com/chronicledb/chronicle/memcache"
	"github.com/chronicledb/chronicle/runfile"
)

const (
	maxFlushAttempts = 3
	flushRetryDelay  = time.Second
)

// runFlushLoop drains due shards on a timer and on demand. A snapshot whose
// flush keeps failing stays queued; its data remains readable and journaled.
func (e *Engine) runFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.flushSignal:
		}
		for _, id := range e.cache.ShardsDue() {
			if snap := e.cache.Swap(id); snap != nil {
				e.enqueue(snap)
			}
		}
		e.drainPending(ctx)
	}
}

// FlushNow synchronously freezes and flushes every dirty shard. Exposed for
// tooling and tests; the background loop uses the same path.
func (e *Engine) FlushNow(ctx context.Context) error {
	if e.closed.Load() {
		return core.ErrShuttingDown
	}
	for id := 0; id < e.cache.ShardCount(); id++ {
		if snap := e.cache.Swap(id); snap != nil {
			e.enqueue(snap)
		}
	}
	e.drainPending(ctx)
	e.mu.Lock()
	left := len(e.pending)
	e.mu.Unlock()
	if left > 0 {
		return fmt.Errorf("flush incomplete, %d snapshots still pending", left)
	}
	return nil
}

func (e *Engine) enqueue(snap *memcache.Snapshot) {
	e.mu.Lock()
	e.pending = append(e.pending, snap)
	e.mu.Unlock()
}

// drainPending flushes queued snapshots in order. On a persistent failure
// the snapshot goes back to the front of the queue and the cycle ends;
// the next tick retries.
func (e *Engine) drainPending(ctx context.Context) {
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return
		}
		snap := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()

		if err := e.flushSnapshot(ctx, snap); err != nil {
			e.metrics.FlushErrorsTotal.Add(1)
			e.logger.Error("Flush failed, snapshot requeued",
				"shard", snap.ShardID(), "bytes", snap.Bytes(), "error", err)
			e.mu.Lock()
			e.pending = append([]*memcache.Snapshot{snap}, e.pending...)
			e.mu.Unlock()
			return
		}
	}
}

// flushSnapshot writes one frozen shard to a run file, registers it, then
// advances the WAL cutoff. Attempts are bounded; between attempts the
// shutdown signal is honored.
func (e *Engine) flushSnapshot(ctx context.Context, snap *memcache.Snapshot) error {
	var lastErr error
	for attempt := 1; attempt <= maxFlushAttempts; attempt++ {
		lastErr = e.writeSnapshot(snap)
		if lastErr == nil {
			break
		}
		e.logger.Warn("Flush attempt failed",
			"shard", snap.ShardID(), "attempt", attempt, "error", lastErr)
		if attempt == maxFlushAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushRetryDelay):
		}
	}

	e.cache.Release(snap)
	e.metrics.FlushTotal.Add(1)

	cutoff := e.flushCutoff()
	if _, err := e.wal.AppendFlushMarker(ctx, cutoff); err != nil {
		e.logger.Warn("Failed to append flush marker", "cutoff", cutoff, "error", err)
		return nil
	}
	if err := e.wal.Purge(cutoff); err != nil {
		e.logger.Warn("Failed to purge wal segments", "cutoff", cutoff, "error", err)
	}
	return nil
}

// flushCutoff returns the highest seq whose data is fully durable in run
// files: everything below the lowest seq still buffered. Taking writeMu
// exclusively parks writers sitting between their journal append and their
// buffer insert, so every journaled data seq at or below the cutoff has
// been buffered, flushed and released.
func (e *Engine) flushCutoff() uint64 {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	cutoff := e.wal.LastSeq()
	if low := e.cache.LowWatermark(); low > 0 {
		cutoff = low - 1
	}
	if u := e.unbuffered.Load(); u != 0 && cutoff >= u {
		cutoff = u - 1
	}
	return cutoff
}

// writeSnapshot is one flush attempt: snapshot to temp file to rename to
// registry.
func (e *Engine) writeSnapshot(snap *memcache.Snapshot) error {
	id := e.registry.NextFileID()
	writer, err := runfile.NewWriter(runfile.WriterOptions{
		Dir:             e.runDir,
		ID:              id,
		Compressor:      e.compressor,
		BlockMaxEntries: e.cfg.RunFile.BlockMaxEntries,
		Logger:          e.logger,
		Tracer:          e.tracer,
	})
	if err != nil {
		return err
	}
	if err := snap.Range(writer.Add); err != nil {
		writer.Abort()
		return fmt.Errorf("failed to write snapshot columns: %w", err)
	}
	path, err := writer.Finish()
	if err != nil {
		writer.Abort()
		return err
	}
	reader, err := runfile.OpenReader(runfile.ReaderOptions{
		Path:   path,
		Logger: e.logger,
		Tracer: e.tracer,
	})
	if err != nil {
		return err
	}
	if err := e.registry.Add(reader); err != nil {
		reader.Retire()
		return err
	}
	e.logger.Info("Flushed shard to run file",
		"shard", snap.ShardID(), "file_id", id, "bytes", snap.Bytes(), "max_seq", snap.MaxSeq())
	return nil
}
