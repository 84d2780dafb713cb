// Package engine wires the storage core together: catalog for identity, WAL
// for durability, memcache for recent data, run files for everything else,
// background workers for flush and compaction.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/chronicledb/chronicle/catalog"
	"github.com/chronicledb/chronicle/compact"
	"github.com/chronicledb/chronicle/compressors"
	"github.com/chronicledb/chronicle/config"
	"github.com/chronicledb/chronicle/core"
	"github.com/chronicledb/chronicle/memcache"
	"github.com/chronicledb/chronicle/wal"
)

const (
	walSubdir = "wal"
	runSubdir = "runs"
)

// Options carries the injectable pieces of an engine; zero values get sane
// defaults.
type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Clock   core.Clock
	Metrics *Metrics
}

// Engine is the storage core. One instance owns one data directory.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   core.Clock
	metrics *Metrics

	catalog    *catalog.Catalog
	wal        *wal.WAL
	cache      *memcache.MemCache
	registry   *compact.Registry
	compactor  *compact.Executor
	compressor core.Compressor
	runDir     string
	unlock     func() error

	flushInterval      time.Duration
	compactionInterval time.Duration
	flushSignal        chan struct{}

	workers     *errgroup.Group
	stopWorkers context.CancelFunc

	mu      sync.Mutex
	pending []*memcache.Snapshot

	// writeMu spans a writer's journal append and buffer insert. The flush
	// cutoff takes it exclusively, so it can never cover a seq that is
	// journaled but not yet visible to the cache watermark.
	writeMu sync.RWMutex
	// unbuffered is the lowest seq that was journaled but whose buffer
	// insert failed. Flush markers stay below it so recovery replays it.
	unbuffered atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg, prepares the data directory, recovers state and
// starts the background workers.
func Open(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(false, "")
	}
	logger := opts.Logger.With("component", "engine")

	for _, dir := range []string{cfg.DataDir, filepath.Join(cfg.DataDir, walSubdir), filepath.Join(cfg.DataDir, runSubdir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	unlock, err := acquireDirLock(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			unlock()
		}
	}()

	compression, ok := core.ParseCompressionType(cfg.RunFile.Compression)
	if !ok {
		return nil, fmt.Errorf("unknown compression %q", cfg.RunFile.Compression)
	}
	compressor, err := compressors.ForType(compression)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(catalog.Options{Dir: cfg.DataDir, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	registry, err := compact.OpenRegistry(compact.RegistryOptions{
		Dir:       filepath.Join(cfg.DataDir, runSubdir),
		Logger:    opts.Logger,
		FilesOpen: opts.Metrics.RunFilesOpen,
	})
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("failed to open run file registry: %w", err)
	}

	cache, err := memcache.New(memcache.Options{
		ShardCount:      cfg.MemCache.Shards,
		MaxShardBytes:   cfg.MemCache.MaxBytes,
		MaxShardEntries: int64(cfg.MemCache.MaxEntries),
		MaxShardAge:     config.ParseDuration(cfg.MemCache.MaxAge, 30*time.Second, opts.Logger),
		HardMaxBytes:    cfg.MemCache.HardLimitBytes,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
		BytesHeld:       opts.Metrics.CacheBytesHeld,
	})
	if err != nil {
		registry.Close()
		cat.Close()
		return nil, err
	}

	theWAL, records, err := wal.Open(wal.Options{
		Dir:            filepath.Join(cfg.DataDir, walSubdir),
		SyncMode:       wal.SyncMode(cfg.WAL.SyncMode),
		SyncEvery:      config.ParseDuration(cfg.WAL.SyncInterval, wal.DefaultSyncEvery, opts.Logger),
		MaxSegmentSize: cfg.WAL.MaxSegmentSizeBytes,
		Logger:         opts.Logger,
		BytesWritten:   opts.Metrics.WALBytesWritten,
		RecordsWritten: opts.Metrics.WALRecordsWritten,
	})
	if err != nil {
		registry.Close()
		cat.Close()
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}

	if err := replay(records, cache, opts.Metrics); err != nil {
		theWAL.Close()
		registry.Close()
		cat.Close()
		return nil, fmt.Errorf("failed to replay wal: %w", err)
	}

	compactor, err := compact.NewExecutor(compact.ExecutorOptions{
		Dir:      filepath.Join(cfg.DataDir, runSubdir),
		Registry: registry,
		Planner: compact.PlannerOptions{
			MaxFanIn:     cfg.Compaction.MaxFanIn,
			OverlapRatio: cfg.Compaction.OverlapRatio,
		},
		Compressor:      compressor,
		BlockMaxEntries: cfg.RunFile.BlockMaxEntries,
		MaxRetries:      cfg.Compaction.MaxRetries,
		Logger:          opts.Logger,
		Tracer:          opts.Tracer,
		CompactionsDone: opts.Metrics.CompactionTotal,
		BytesCompacted:  opts.Metrics.CompactionBytes,
	})
	if err != nil {
		theWAL.Close()
		registry.Close()
		cat.Close()
		return nil, err
	}

	e := &Engine{
		cfg:                cfg,
		logger:             logger,
		tracer:             opts.Tracer,
		clock:              opts.Clock,
		metrics:            opts.Metrics,
		catalog:            cat,
		wal:                theWAL,
		cache:              cache,
		registry:           registry,
		compactor:          compactor,
		compressor:         compressor,
		runDir:             filepath.Join(cfg.DataDir, runSubdir),
		unlock:             unlock,
		flushInterval:      config.ParseDuration(cfg.MemCache.FlushInterval, time.Second, opts.Logger),
		compactionInterval: config.ParseDuration(cfg.Compaction.CheckInterval, time.Minute, opts.Logger),
		flushSignal:        make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.stopWorkers = cancel
	e.workers, _ = errgroup.WithContext(ctx)
	e.workers.Go(func() error { e.runFlushLoop(ctx); return nil })
	e.workers.Go(func() error { e.runCompactionLoop(ctx); return nil })

	success = true
	logger.Info("Engine opened",
		"data_dir", cfg.DataDir,
		"series", cat.SeriesCount(),
		"run_files", registry.Count(),
		"last_seq", theWAL.LastSeq())
	return e, nil
}

// replay applies recovered WAL records above the flushed cutoff back into
// the cache. The cutoff is the highest flush marker: every data seq at or
// below it already lives in a run file.
func replay(records []wal.Record, cache *memcache.MemCache, metrics *Metrics) error {
	var cutoff uint64
	for i := range records {
		if records[i].Kind == wal.RecordFlushMarker && records[i].FlushedSeq > cutoff {
			cutoff = records[i].FlushedSeq
		}
	}
	for i := range records {
		rec := &records[i]
		if rec.Seq <= cutoff {
			continue
		}
		switch rec.Kind {
		case wal.RecordWrite:
			if err := cache.Insert(rec.Rows, rec.Seq); err != nil {
				return err
			}
			metrics.RecoveredRecords.Add(1)
		case wal.RecordDelete:
			if err := cache.DeleteRange(rec.DeleteKey, rec.DeleteRange, rec.Seq); err != nil {
				return err
			}
			metrics.RecoveredRecords.Add(1)
		case wal.RecordDeletePoint:
			if err := cache.DeletePoint(rec.DeleteKey, rec.DeleteTs, rec.Seq); err != nil {
				return err
			}
			metrics.RecoveredRecords.Add(1)
		}
	}
	return nil
}

// Close stops the workers, flushes what is still in memory and shuts the
// components down. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.stopWorkers()
		e.workers.Wait()

		// Final flush. Anything that fails here stays in the WAL and is
		// recovered on the next open.
		for id := 0; id < e.cache.ShardCount(); id++ {
			if snap := e.cache.Swap(id); snap != nil {
				e.enqueue(snap)
			}
		}
		e.drainPending(context.Background())
		e.mu.Lock()
		left := len(e.pending)
		e.mu.Unlock()
		if left > 0 {
			e.logger.Error("Shutdown flush incomplete, data remains in WAL", "snapshots", left)
		}

		if err := e.wal.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		if err := e.registry.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		if err := e.catalog.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		if err := e.unlock(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		e.logger.Info("Engine closed")
	})
	return e.closeErr
}

// Catalog exposes the identity layer for lookups and tag searches.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Metrics returns the engine's counter set.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}
