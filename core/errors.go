package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted indicates a checksum mismatch or a structurally invalid
	// on-disk record. Corrupt data is reported, never silently returned.
	ErrCorrupted = errors.New("corrupted data")

	// ErrNotFound indicates a key, series or field that does not exist.
	// Read paths translate it into an empty result.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates an operation on a closed component.
	ErrClosed = errors.New("already closed")

	// ErrShuttingDown indicates the engine is stopping and no longer
	// accepts work.
	ErrShuttingDown = errors.New("engine is shutting down")

	// ErrResourceExhausted is a retryable backpressure signal returned when
	// a cache shard is over its hard cap while a flush is already in
	// flight. Data is never silently dropped.
	ErrResourceExhausted = errors.New("resource exhausted, retry later")

	// ErrRecordTooLarge indicates a single WAL record that exceeds the
	// maximum segment size.
	ErrRecordTooLarge = errors.New("record exceeds maximum segment size")

	// ErrUnsupportedFieldType indicates a dynamically typed value that does
	// not map onto the field type enumeration.
	ErrUnsupportedFieldType = errors.New("unsupported field value type")
)

// SchemaConflictError reports a field re-declared with a different type than
// the one stored at first write. The stored type is retained.
type SchemaConflictError struct {
	Field string
	Have  FieldType
	Want  FieldType
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict for field %q: stored type %s, got %s", e.Field, e.Have, e.Want)
}

// IsSchemaConflict checks if an error, anywhere in its chain, is a
// SchemaConflictError.
func IsSchemaConflict(err error) bool {
	var sc *SchemaConflictError
	return errors.As(err, &sc)
}
