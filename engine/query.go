package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chronicledb/chronicle/core"
	"github.com/chronicledb/chronicle/merge"
)

// Cursor walks a query result in ascending timestamp order, one entry per
// timestamp, deletes already applied.
type Cursor struct {
	it merge.Iterator
}

// Next advances to the next entry and reports whether one exists.
func (c *Cursor) Next() bool { return c.it.Next() }

// At returns the current entry. Valid only after Next returned true.
func (c *Cursor) At() core.Entry { return c.it.Entry() }

// Err returns the first error hit while iterating.
func (c *Cursor) Err() error { return c.it.Err() }

// Close releases the cursor.
func (c *Cursor) Close() error { return c.it.Close() }

// ColumnKeyFor resolves a tag set and field name to a column key without
// creating anything. The second return is false when either is unknown.
func (e *Engine) ColumnKeyFor(tags map[string]string, field string) (core.ColumnKey, bool) {
	seriesID, ok := e.catalog.SeriesID(tags)
	if !ok {
		return core.ColumnKey{}, false
	}
	fieldID, _, ok := e.catalog.FieldByName(field)
	if !ok {
		return core.ColumnKey{}, false
	}
	return core.ColumnKey{SeriesID: seriesID, FieldID: fieldID}, true
}

// Query returns a cursor over one column restricted to tr. It merges the
// write buffer with every overlapping run file; block data is read up front
// so the cursor holds no file references.
func (e *Engine) Query(ctx context.Context, key core.ColumnKey, tr core.TimeRange) (*Cursor, error) {
	if e.closed.Load() {
		return nil, core.ErrShuttingDown
	}
	if !tr.Valid() {
		return nil, fmt.Errorf("inverted time range %s", tr)
	}
	e.metrics.QueryTotal.Add(1)

	if e.tracer != nil {
		_, span := e.tracer.Start(ctx, "Engine.Query")
		span.SetAttributes(
			attribute.Int64("query.series_id", int64(key.SeriesID)),
			attribute.Int64("query.min_ts", tr.Min),
			attribute.Int64("query.max_ts", tr.Max),
		)
		defer span.End()
	}

	var (
		sources    []merge.Iterator
		tombstones []core.Tombstone
	)

	memEntries, memTombs := e.cache.Collect(key, tr)
	if len(memEntries) > 0 {
		sources = append(sources, merge.NewSliceIterator(memEntries))
	}
	tombstones = append(tombstones, memTombs...)

	files, release := e.registry.Acquire(tr)
	defer release()
	for _, f := range files {
		entries, tombs, err := f.Scan(key, tr)
		if err != nil {
			e.metrics.QueryErrorsTotal.Add(1)
			closeAll(sources)
			return nil, fmt.Errorf("failed to scan run file %d: %w", f.ID(), err)
		}
		if len(entries) > 0 {
			sources = append(sources, merge.NewSliceIterator(entries))
		}
		tombstones = append(tombstones, tombs...)
	}

	return &Cursor{it: merge.New(sources, merge.Options{Tombstones: tombstones})}, nil
}

// QueryTags is Query with identity resolution. Unknown series or field
// yields an empty cursor, not an error.
func (e *Engine) QueryTags(ctx context.Context, tags map[string]string, field string, tr core.TimeRange) (*Cursor, error) {
	key, ok := e.ColumnKeyFor(tags, field)
	if !ok {
		return &Cursor{it: merge.New(nil, merge.Options{})}, nil
	}
	return e.Query(ctx, key, tr)
}

func closeAll(its []merge.Iterator) {
	for _, it := range its {
		it.Close()
	}
}
