package compact

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/chronicledb/chronicle/core"
	"github.com/chronicledb/chronicle/merge"
	"github.com/chronicledb/chronicle/runfile"
)

const (
	// DefaultMaxRetries bounds attempts per plan before the task fails.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the pause between attempts.
	DefaultRetryDelay = 500 * time.Millisecond
	// DefaultMaxParallel bounds plans merging at the same time.
	DefaultMaxParallel = 2
)

// ExecutorOptions configures a compaction executor.
type ExecutorOptions struct {
	Dir             string
	Registry        *Registry
	Planner         PlannerOptions
	Compressor      core.Compressor
	BlockMaxEntries int
	MaxRetries      int
	RetryDelay      time.Duration
	// MaxParallel caps how many plans run side by side; each holds open
	// readers and a temp output while it merges.
	MaxParallel int
	Logger      *slog.Logger
	Tracer          trace.Tracer
	// CompactionsDone and BytesCompacted, when set, count finished merges
	// and the input bytes they consumed.
	CompactionsDone *expvar.Int
	BytesCompacted  *expvar.Int
}

// Executor rewrites groups of overlapping run files into single merged
// files and swaps them into the registry. It is driven by RunOnce from the
// engine's compaction worker.
type Executor struct {
	opts   ExecutorOptions
	logger *slog.Logger
	tracer trace.Tracer
	sem    *semaphore.Weighted
}

// NewExecutor validates opts and builds an executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("compaction executor requires a registry")
	}
	if opts.Compressor == nil {
		return nil, fmt.Errorf("compaction executor requires a compressor")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	return &Executor{
		opts:   opts,
		logger: opts.Logger.With("component", "compactor"),
		tracer: opts.Tracer,
		sem:    semaphore.NewWeighted(int64(opts.MaxParallel)),
	}, nil
}

// RunOnce plans against the current file set and executes the plans,
// retrying each a bounded number of times. Plans touch disjoint input
// sets, so they run side by side up to MaxParallel. It returns the number
// of completed compactions.
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	files, release := e.opts.Registry.AcquireAll()
	defer release()

	plans := BuildPlans(files, e.opts.Planner)
	if len(plans) == 0 {
		return 0, nil
	}

	var done atomic.Int64
	var acquireErr error
	g, gctx := errgroup.WithContext(ctx)
	for _, plan := range plans {
		if err := e.sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}
		g.Go(func() error {
			defer e.sem.Release(1)
			if err := e.executeWithRetry(gctx, plan); err != nil {
				return err
			}
			done.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), acquireErr
}

func (e *Executor) executeWithRetry(ctx context.Context, plan Plan) error {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		lastErr = e.execute(ctx, plan)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		e.logger.Warn("Compaction attempt failed",
			"inputs", plan.InputIDs(), "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.RetryDelay):
		}
	}
	return fmt.Errorf("compaction of files %v failed after %d attempts: %w",
		plan.InputIDs(), e.opts.MaxRetries, lastErr)
}

// execute merges one plan into a new run file and swaps it in. On any
// failure the temp output is aborted and the inputs stay authoritative.
func (e *Executor) execute(ctx context.Context, plan Plan) (err error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "Executor.execute")
		span.SetAttributes(
			attribute.Int("compact.fan_in", len(plan.Inputs)),
			attribute.Bool("compact.full_overlap", plan.FullOverlap),
		)
		defer span.End()
	}

	outputID := e.opts.Registry.NextFileID()
	writer, err := runfile.NewWriter(runfile.WriterOptions{
		Dir:             e.opts.Dir,
		ID:              outputID,
		Compressor:      e.opts.Compressor,
		BlockMaxEntries: e.opts.BlockMaxEntries,
		Logger:          e.opts.Logger,
		Tracer:          e.tracer,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			writer.Abort()
		}
	}()

	var inputBytes int64
	for _, in := range plan.Inputs {
		inputBytes += in.Size()
	}

	wrote := false
	for _, key := range unionColumns(plan.Inputs) {
		if err = ctx.Err(); err != nil {
			return err
		}
		var colWrote bool
		colWrote, err = e.mergeColumn(writer, plan, key)
		if err != nil {
			return err
		}
		wrote = wrote || colWrote
	}

	if !wrote {
		// Everything was shadowed away. No output file: the swap just
		// retires the inputs.
		if err = writer.Abort(); err != nil {
			return err
		}
		if err = e.opts.Registry.Swap(plan.InputIDs(), nil); err != nil {
			return err
		}
		e.logger.Info("Compaction eliminated all data",
			"inputs", plan.InputIDs())
	} else {
		var path string
		path, err = writer.Finish()
		if err != nil {
			return err
		}
		var output *runfile.Reader
		output, err = runfile.OpenReader(runfile.ReaderOptions{
			Path:   path,
			Logger: e.opts.Logger,
			Tracer: e.tracer,
		})
		if err != nil {
			return err
		}
		if err = e.opts.Registry.Swap(plan.InputIDs(), output); err != nil {
			output.Retire()
			return err
		}
		e.logger.Info("Compaction finished",
			"inputs", plan.InputIDs(), "output", outputID,
			"input_bytes", inputBytes, "output_bytes", output.Size())
	}

	if e.opts.CompactionsDone != nil {
		e.opts.CompactionsDone.Add(1)
	}
	if e.opts.BytesCompacted != nil {
		e.opts.BytesCompacted.Add(inputBytes)
	}
	return nil
}

// mergeColumn merges one column across the plan's inputs into the writer.
// It reports whether anything was written.
func (e *Executor) mergeColumn(writer *runfile.Writer, plan Plan, key core.ColumnKey) (bool, error) {
	var (
		sources    []merge.Iterator
		tombstones []core.Tombstone
		typ        = core.FieldTypeUnknown
	)
	for _, in := range plan.Inputs {
		entries, tombs, err := in.Scan(key, core.EntireRange())
		if err != nil {
			return false, fmt.Errorf("failed to scan file %d: %w", in.ID(), err)
		}
		if len(entries) > 0 {
			sources = append(sources, merge.NewSliceIterator(entries))
		}
		tombstones = append(tombstones, tombs...)
		if t, ok := in.ColumnType(key); ok && t != core.FieldTypeUnknown {
			if typ != core.FieldTypeUnknown && typ != t {
				return false, fmt.Errorf("column %s has type %d in file %d but %d elsewhere: %w",
					key, t, in.ID(), typ, core.ErrCorrupted)
			}
			typ = t
		}
	}

	merged, err := merge.Collect(merge.New(sources, merge.Options{
		Tombstones: tombstones,
		// When files outside the plan may still hold shadowed entries the
		// tombstones must survive the rewrite, and so must point deletes.
		KeepTombstoneEntries: !plan.FullOverlap,
	}))
	if err != nil {
		return false, err
	}

	var outTombs []core.Tombstone
	if !plan.FullOverlap {
		outTombs = dedupTombstones(tombstones)
	}
	if len(merged) == 0 && len(outTombs) == 0 {
		return false, nil
	}
	if err := writer.Add(key, typ, merged, outTombs); err != nil {
		return false, err
	}
	return true, nil
}

// unionColumns returns the sorted union of column keys across the inputs.
func unionColumns(inputs []*runfile.Reader) []core.ColumnKey {
	seen := make(map[core.ColumnKey]struct{})
	var keys []core.ColumnKey
	for _, in := range inputs {
		for _, key := range in.Columns() {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// dedupTombstones sorts tombstones by range then seq and drops exact
// duplicates.
func dedupTombstones(tombs []core.Tombstone) []core.Tombstone {
	if len(tombs) == 0 {
		return nil
	}
	sort.Slice(tombs, func(i, j int) bool {
		a, b := tombs[i], tombs[j]
		if a.Range.Min != b.Range.Min {
			return a.Range.Min < b.Range.Min
		}
		if a.Range.Max != b.Range.Max {
			return a.Range.Max < b.Range.Max
		}
		return a.Seq < b.Seq
	})
	out := tombs[:1]
	for _, t := range tombs[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	return out
}
