package engine

import (
	"context"
	"errors"
	"time"
)

// runCompactionLoop periodically merges overlapping run files. Errors are
// logged and the loop keeps going; the file set is still consistent after
// any failed attempt.
func (e *Engine) runCompactionLoop(ctx context.Context) {
	ticker := time.NewTicker(e.compactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		done, err := e.compactor.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.logger.Error("Compaction cycle failed", "completed", done, "error", err)
			continue
		}
		if done > 0 {
			e.logger.Debug("Compaction cycle finished", "merges", done)
		}
	}
}

// CompactNow runs one synchronous compaction cycle. Exposed for tooling and
// tests; the background loop uses the same path.
func (e *Engine) CompactNow(ctx context.Context) (int, error) {
	return e.compactor.RunOnce(ctx)
}
