// Package compact maintains the on-disk run file population: a registry of
// the live file set, a planner that groups overlapping files, and an
// executor that rewrites each group into a single merged file.
package compact

import (
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/chronicledb/chronicle/core"
	"github.com/chronicledb/chronicle/runfile"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Dir    string
	Logger *slog.Logger
	// FilesOpen, when set, tracks the number of live run files.
	FilesOpen *expvar.Int
}

// Registry owns the set of live run files. All reads of the set go through
// Acquire, which references every returned reader so a concurrent Swap can
// retire a file without pulling it from under an in-flight scan.
type Registry struct {
	dir       string
	logger    *slog.Logger
	filesOpen *expvar.Int

	mu      sync.RWMutex
	files   map[uint64]*runfile.Reader
	nextID  uint64
	version uint64
	closed  bool
}

// OpenRegistry scans dir, removes leftover temp files and opens every run
// file. A file that fails validation aborts the open: a corrupt run file is
// not recoverable and must not be silently dropped.
func OpenRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	reg := &Registry{
		dir:       opts.Dir,
		logger:    opts.Logger.With("component", "run-registry"),
		filesOpen: opts.FilesOpen,
		files:     make(map[uint64]*runfile.Reader),
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file directory %s: %w", opts.Dir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if runfile.IsTempFile(name) {
			path := filepath.Join(opts.Dir, name)
			if err := os.Remove(path); err != nil {
				reg.closeAll()
				return nil, fmt.Errorf("failed to remove stale temp file %s: %w", path, err)
			}
			reg.logger.Warn("Removed stale temp file", "path", path)
			continue
		}
		id, err := runfile.ParseFileName(name)
		if err != nil {
			continue
		}
		reader, err := runfile.OpenReader(runfile.ReaderOptions{
			Path:   filepath.Join(opts.Dir, name),
			Logger: opts.Logger,
		})
		if err != nil {
			reg.closeAll()
			return nil, fmt.Errorf("failed to open run file %s: %w", name, err)
		}
		reg.files[id] = reader
		if id >= reg.nextID {
			reg.nextID = id + 1
		}
	}
	if reg.filesOpen != nil {
		reg.filesOpen.Set(int64(len(reg.files)))
	}
	reg.logger.Info("Run file registry opened", "files", len(reg.files), "next_id", reg.nextID)
	return reg, nil
}

// NextFileID reserves a fresh file id.
func (reg *Registry) NextFileID() uint64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	id := reg.nextID
	reg.nextID++
	return id
}

// Add registers a newly flushed run file.
func (reg *Registry) Add(reader *runfile.Reader) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return core.ErrClosed
	}
	if _, exists := reg.files[reader.ID()]; exists {
		return fmt.Errorf("run file id %d already registered", reader.ID())
	}
	reg.files[reader.ID()] = reader
	reg.version++
	if reg.filesOpen != nil {
		reg.filesOpen.Add(1)
	}
	return nil
}

// Acquire returns every live run file overlapping tr, newest first, each
// with a reference taken. The caller must call the release function when
// the scan is done.
func (reg *Registry) Acquire(tr core.TimeRange) ([]*runfile.Reader, func()) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var readers []*runfile.Reader
	for _, r := range reg.files {
		if r.TimeRange().Valid() && r.TimeRange().Overlaps(tr) {
			r.Ref()
			readers = append(readers, r)
		}
	}
	// Newest first so merge ties favor recent files; the merger itself
	// resolves duplicates by seq, this just keeps scans deterministic.
	sort.Slice(readers, func(i, j int) bool { return readers[i].ID() > readers[j].ID() })
	return readers, func() {
		for _, r := range readers {
			r.Unref()
		}
	}
}

// AcquireAll is Acquire over all of time, including files whose range is
// empty (delete-only files never match a point query but still compact).
func (reg *Registry) AcquireAll() ([]*runfile.Reader, func()) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	readers := make([]*runfile.Reader, 0, len(reg.files))
	for _, r := range reg.files {
		r.Ref()
		readers = append(readers, r)
	}
	sort.Slice(readers, func(i, j int) bool { return readers[i].ID() > readers[j].ID() })
	return readers, func() {
		for _, r := range readers {
			r.Unref()
		}
	}
}

// Swap atomically replaces the input files with the output of a compaction.
// output may be nil when the merge produced no surviving data. The inputs
// are retired: deleted from disk once their last reference drops.
func (reg *Registry) Swap(inputIDs []uint64, output *runfile.Reader) error {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return core.ErrClosed
	}
	retired := make([]*runfile.Reader, 0, len(inputIDs))
	for _, id := range inputIDs {
		r, ok := reg.files[id]
		if !ok {
			reg.mu.Unlock()
			return fmt.Errorf("run file id %d not registered", id)
		}
		retired = append(retired, r)
	}
	for _, id := range inputIDs {
		delete(reg.files, id)
	}
	if output != nil {
		reg.files[output.ID()] = output
	}
	reg.version++
	if reg.filesOpen != nil {
		reg.filesOpen.Set(int64(len(reg.files)))
	}
	reg.mu.Unlock()

	// Retire outside the lock: the last Unref may hit the filesystem.
	for _, r := range retired {
		r.Retire()
	}
	return nil
}

// Version returns a counter bumped on every Add or Swap. The planner uses
// it to skip replanning an unchanged file set.
func (reg *Registry) Version() uint64 {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.version
}

// Count returns the number of live run files.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.files)
}

// Close drops the registry's reference on every file. Files are not
// deleted; in-flight scans keep their own references.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return nil
	}
	reg.closed = true
	reg.closeAll()
	return nil
}

func (reg *Registry) closeAll() {
	for id, r := range reg.files {
		r.Unref()
		delete(reg.files, id)
	}
}
