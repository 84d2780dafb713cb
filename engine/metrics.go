package engine

import "expvar"

// Metrics holds the expvar counters of one engine instance.
type Metrics struct {
	PutTotal          *expvar.Int
	PutErrorsTotal    *expvar.Int
	PointsWritten     *expvar.Int
	DeleteTotal       *expvar.Int
	QueryTotal        *expvar.Int
	QueryErrorsTotal  *expvar.Int
	FlushTotal        *expvar.Int
	FlushErrorsTotal  *expvar.Int
	CompactionTotal   *expvar.Int
	CompactionBytes   *expvar.Int
	WALBytesWritten   *expvar.Int
	WALRecordsWritten *expvar.Int
	CacheBytesHeld    *expvar.Int
	RunFilesOpen      *expvar.Int
	RecoveredRecords  *expvar.Int
}

// NewMetrics creates the counter set. With publish set the counters land in
// the global expvar namespace under prefix; tests pass false so multiple
// engines can coexist in one process.
func NewMetrics(publish bool, prefix string) *Metrics {
	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	if publish {
		newInt = func(name string) *expvar.Int { return expvar.NewInt(name) }
	}
	return &Metrics{
		PutTotal:          newInt(prefix + "put_total"),
		PutErrorsTotal:    newInt(prefix + "put_errors_total"),
		PointsWritten:     newInt(prefix + "points_written_total"),
		DeleteTotal:       newInt(prefix + "delete_total"),
		QueryTotal:        newInt(prefix + "query_total"),
		QueryErrorsTotal:  newInt(prefix + "query_errors_total"),
		FlushTotal:        newInt(prefix + "flush_total"),
		FlushErrorsTotal:  newInt(prefix + "flush_errors_total"),
		CompactionTotal:   newInt(prefix + "compaction_total"),
		CompactionBytes:   newInt(prefix + "compaction_bytes_total"),
		WALBytesWritten:   newInt(prefix + "wal_bytes_written_total"),
		WALRecordsWritten: newInt(prefix + "wal_records_written_total"),
		CacheBytesHeld:    newInt(prefix + "cache_bytes_held"),
		RunFilesOpen:      newInt(prefix + "run_files_open"),
		RecoveredRecords:  newInt(prefix + "wal_recovered_records_total"),
	}
}
