package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownColumn is returned when a filter, sort, search or update names a column the entity does not map
	ErrUnknownColumn = errors.New("unknown column")

	// ErrUnsupportedOperator is returned for comparison operators outside the builder's operator set
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrInvalidArgument is returned for malformed caller input such as a nil entity or a zero page size
	ErrInvalidArgument = errors.New("invalid argument")
)

// BatchError reports the batch at which a bulk operation stopped.
// Batches before it were executed and are counted in Affected.
type BatchError struct {
	Op       string
	Batch    int
	Offset   int
	Size     int
	Affected int64
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: batch %d (rows %d-%d) failed after %d affected: %v",
		e.Op, e.Batch, e.Offset, e.Offset+e.Size-1, e.Affected, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func unknownColumn(table, name string) error {
	return fmt.Errorf("%w %q for table %s", ErrUnknownColumn, name, table)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
