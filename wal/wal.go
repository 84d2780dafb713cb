// Package wal provides the write-ahead log. Writes are acknowledged only
// after their record is framed, checksummed and (in sync mode always) fsynced
// to the active segment. A single committer goroutine assigns sequence
// numbers, so ack order and seq order never disagree.
package wal

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chronicledb/chronicle/core"
)

// SyncMode controls fsync behavior on append.
type SyncMode string

const (
	// SyncAlways fsyncs once per commit group before acknowledging.
	SyncAlways SyncMode = "always"
	// SyncInterval acknowledges without fsync; a background loop syncs the
	// active segment every SyncEvery. A crash loses at most one interval.
	SyncInterval SyncMode = "interval"
	// SyncDisabled never fsyncs on append. For benchmarks and tests only.
	SyncDisabled SyncMode = "disabled"
)

// DefaultSyncEvery is the sync period when SyncMode is interval and
// SyncEvery is unset.
const DefaultSyncEvery = time.Second

// Options holds configuration for the WAL.
type Options struct {
	Dir      string
	SyncMode SyncMode
	// SyncEvery is the background sync period; used only when SyncMode is
	// SyncInterval.
	SyncEvery      time.Duration
	MaxSegmentSize int64
	Logger         *slog.Logger
	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
}

// WAL manages a directory of segment files and a committer goroutine.
type WAL struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	activeSegment  *SegmentWriter
	segmentIndexes []uint64
	segmentLastSeq map[uint64]uint64
	nextSeq        uint64

	// submitMu guards requests against a concurrent Close.
	submitMu      sync.RWMutex
	closed        bool
	requests      chan *commitRequest
	committerDone chan struct{}
	syncStop      chan struct{}
	syncDone      chan struct{}

	metricsBytesWritten   *expvar.Int
	metricsRecordsWritten *expvar.Int
}

// Open creates or opens a WAL directory, replays every surviving record and
// prepares a fresh segment for appending. The returned records are in seq
// order; the caller decides which of them still need re-applying.
//
// A torn tail on the newest segment is recovered from silently: the intact
// prefix is returned and appending continues in a new segment. Corruption in
// any older segment is fatal and wraps core.ErrCorrupted.
func Open(opts Options) (*WAL, []Record, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "wal")
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	if opts.SyncMode == SyncInterval && opts.SyncEvery <= 0 {
		opts.SyncEvery = DefaultSyncEvery
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		segmentLastSeq:        make(map[uint64]uint64),
		nextSeq:               1,
		requests:              make(chan *commitRequest),
		committerDone:         make(chan struct{}),
		metricsBytesWritten:   opts.BytesWritten,
		metricsRecordsWritten: opts.RecordsWritten,
	}

	if err := w.loadSegments(); err != nil {
		return nil, nil, err
	}

	recovered, err := w.recover()
	if err != nil {
		return nil, nil, err
	}

	if err := w.rotateLocked(); err != nil {
		return nil, nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	go w.runCommitter()
	if opts.SyncMode == SyncInterval {
		w.syncStop = make(chan struct{})
		w.syncDone = make(chan struct{})
		go w.runSyncLoop(opts.SyncEvery)
	}
	w.logger.Info("WAL opened", "segments", len(w.segmentIndexes), "recovered_records", len(recovered), "next_seq", w.nextSeq)
	return w, recovered, nil
}

// runSyncLoop syncs the active segment on a timer in SyncInterval mode.
func (w *WAL) runSyncLoop(every time.Duration) {
	defer close(w.syncDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-w.syncStop:
			return
		case <-ticker.C:
			if err := w.Sync(); err != nil && !errors.Is(err, core.ErrClosed) {
				w.logger.Error("Background WAL sync failed", "error", err)
			}
		}
	}
}

func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}
	w.segmentIndexes = w.segmentIndexes[:0]
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if index, err := parseSegmentFileName(file.Name()); err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool {
		return w.segmentIndexes[i] < w.segmentIndexes[j]
	})
	return nil
}

// recover replays all segments in order, tracking the highest seq seen and
// the last seq per segment so Purge can retire whole files.
func (w *WAL) recover() ([]Record, error) {
	var all []Record
	for i, index := range w.segmentIndexes {
		isLast := i == len(w.segmentIndexes)-1
		path := filepath.Join(w.dir, formatSegmentFileName(index))

		records, goodOffset, err := w.recoverSegment(path, index)
		all = append(all, records...)
		if err != nil {
			if isLast && errors.Is(err, core.ErrCorrupted) {
				if goodOffset == 0 {
					// Not even the header survived. Drop the segment whole.
					w.logger.Warn("Removing unreadable newest WAL segment", "path", path, "error", err)
					if rerr := os.Remove(path); rerr != nil {
						return nil, fmt.Errorf("failed to remove torn WAL segment %s: %w", path, rerr)
					}
					w.segmentIndexes = w.segmentIndexes[:i]
					break
				}
				// Crash mid-append. Drop the torn bytes on disk so the segment
				// reads clean on every later open; only the intact prefix
				// survives. Appends continue in a fresh segment regardless.
				w.logger.Warn("Truncating torn tail of newest WAL segment",
					"path", path, "offset", goodOffset, "error", err)
				if terr := os.Truncate(path, goodOffset); terr != nil {
					return nil, fmt.Errorf("failed to truncate torn WAL segment %s: %w", path, terr)
				}
				break
			}
			return nil, fmt.Errorf("failed to recover WAL segment %s: %w", path, err)
		}
	}
	return all, nil
}

func (w *WAL) recoverSegment(path string, index uint64) ([]Record, int64, error) {
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		return nil, 0, err
	}
	defer reader.Close()

	var records []Record
	for {
		good := reader.GoodOffset()
		data, err := reader.ReadRecord()
		if err == io.EOF {
			return records, good, nil
		}
		if err != nil {
			return records, good, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			// The frame verified but the payload does not parse. Cut it
			// like a torn record so it cannot poison the next open.
			return records, good, err
		}
		if rec.Seq >= w.nextSeq {
			w.nextSeq = rec.Seq + 1
		}
		w.segmentLastSeq[index] = rec.Seq
		records = append(records, rec)
	}
}

// Sync forces an fsync of the active segment.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return core.ErrClosed
	}
	return w.activeSegment.Sync()
}

// Rotate closes the active segment and starts a new one.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return core.ErrClosed
	}
	return w.rotateLocked()
}

// rotateLocked starts the next segment. Must be called with mu held.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}

	if w.activeSegment != nil {
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("Failed to close segment during rotation", "path", w.activeSegment.path, "error", err)
		}
	}
	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Info("Rotated to new WAL segment", "index", nextIndex)
	return nil
}

// Purge removes segments whose every record has seq <= upToSeq. The active
// segment is never removed.
func (w *WAL) Purge(upToSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	for _, index := range w.segmentIndexes {
		lastSeq, known := w.segmentLastSeq[index]
		active := w.activeSegment != nil && w.activeSegment.index == index
		if known && lastSeq <= upToSeq && !active {
			path := filepath.Join(w.dir, formatSegmentFileName(index))
			if err := os.Remove(path); err != nil {
				w.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
				remaining = append(remaining, index)
				continue
			}
			delete(w.segmentLastSeq, index)
			purged++
			continue
		}
		remaining = append(remaining, index)
	}
	w.segmentIndexes = remaining
	if purged > 0 {
		w.logger.Info("Purged WAL segments", "count", purged, "up_to_seq", upToSeq)
	}
	return nil
}

// LastSeq returns the highest sequence number ever assigned.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq - 1
}

// Path returns the WAL directory.
func (w *WAL) Path() string {
	return w.dir
}

// Close stops the committer and closes the active segment. In-flight appends
// complete first; appends after Close return core.ErrShuttingDown.
func (w *WAL) Close() error {
	w.submitMu.Lock()
	if w.closed {
		w.submitMu.Unlock()
		return nil
	}
	w.closed = true
	close(w.requests)
	w.submitMu.Unlock()

	<-w.committerDone
	if w.syncStop != nil {
		close(w.syncStop)
		<-w.syncDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	err := w.activeSegment.Close()
	w.activeSegment = nil
	if err != nil {
		w.logger.Error("Error closing WAL", "error", err)
		return err
	}
	w.logger.Info("WAL closed")
	return nil
}

// Replay walks every segment under dir in order and calls fn for each record.
// It tolerates a torn tail on the newest segment, same as Open.
func Replay(dir string, fn func(Record) error) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", dir, err)
	}
	var indexes []uint64
	for _, file := range files {
		if index, err := parseSegmentFileName(file.Name()); err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for i, index := range indexes {
		path := filepath.Join(dir, formatSegmentFileName(index))
		reader, err := OpenSegmentForRead(path)
		if err != nil {
			return err
		}
		readErr := func() error {
			defer reader.Close()
			for {
				data, err := reader.ReadRecord()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				rec, err := decodeRecord(data)
				if err != nil {
					return err
				}
				if err := fn(rec); err != nil {
					return err
				}
			}
		}()
		if readErr != nil {
			if i == len(indexes)-1 && errors.Is(readErr, core.ErrCorrupted) {
				return nil
			}
			return readErr
		}
	}
	return nil
}
