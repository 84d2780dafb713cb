// chronicle-inspect dumps chronicle storage files for debugging.
//
// Usage:
//
//	chronicle-inspect wal <wal-dir>   decode every record in a WAL directory
//	chronicle-inspect run <file>      dump a run file's summary and columns
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chronicledb/chronicle/core"
	"github.com/chronicledb/chronicle/runfile"
	"github.com/chronicledb/chronicle/wal"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "wal":
		err = dumpWAL(args[1])
	case "run":
		err = dumpRunFile(args[1])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "chronicle-inspect: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: chronicle-inspect wal <wal-dir> | run <file>\n")
}

func dumpWAL(dir string) error {
	count := 0
	err := wal.Replay(dir, func(rec wal.Record) error {
		count++
		switch rec.Kind {
		case wal.RecordWrite:
			fmt.Printf("seq=%d write rows=%d\n", rec.Seq, len(rec.Rows))
			for _, row := range rec.Rows {
				fmt.Printf("    %s ts=%d value=%s\n",
					core.ColumnKey{SeriesID: row.SeriesID, FieldID: row.FieldID}, row.Timestamp, row.Value)
			}
		case wal.RecordDelete:
			fmt.Printf("seq=%d delete %s range=%s\n", rec.Seq, rec.DeleteKey, rec.DeleteRange)
		case wal.RecordDeletePoint:
			fmt.Printf("seq=%d delete-point %s ts=%d\n", rec.Seq, rec.DeleteKey, rec.DeleteTs)
		case wal.RecordFlushMarker:
			fmt.Printf("seq=%d flush-marker flushed_seq=%d\n", rec.Seq, rec.FlushedSeq)
		default:
			fmt.Printf("seq=%d unknown kind=%d\n", rec.Seq, rec.Kind)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d records\n", count)
	return nil
}

func dumpRunFile(path string) error {
	reader, err := runfile.OpenReader(runfile.ReaderOptions{
		Path:   path,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	defer reader.Unref()

	fmt.Printf("file: %s\n", reader.Path())
	fmt.Printf("id: %d  size: %d bytes  columns: %d  range: %s  max_seq: %d\n",
		reader.ID(), reader.Size(), len(reader.Columns()), reader.TimeRange(), reader.MaxSeq())

	for _, key := range reader.Columns() {
		typ, _ := reader.ColumnType(key)
		entries, tombstones, err := reader.Scan(key, core.EntireRange())
		if err != nil {
			return fmt.Errorf("failed to scan column %s: %w", key, err)
		}
		fmt.Printf("  %s type=%s entries=%d tombstones=%d", key, typ, len(entries), len(tombstones))
		if len(entries) > 0 {
			fmt.Printf(" ts=[%d,%d]", entries[0].Ts, entries[len(entries)-1].Ts)
		}
		fmt.Println()
		for _, tomb := range tombstones {
			fmt.Printf("    tombstone range=%s seq=%d\n", tomb.Range, tomb.Seq)
		}
	}
	return nil
}
