package datalist

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when a required argument is missing or
	// malformed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfRange is returned for indexes, counts and sizes outside their
	// allowed range.
	ErrOutOfRange = errors.New("out of range")

	// ErrInvalidOperation is returned when a read-only list is mutated.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrLoadInProgress is returned by LoadMore while another load is in
	// flight.
	ErrLoadInProgress = fmt.Errorf("%w: load already in progress", ErrInvalidOperation)
)

// FetchError describes a failed upstream fetch.
type FetchError struct {
	Op    string // "count", "page size", "page", "item" or "collection"
	Index int    // page number or item index, -1 when not applicable
	Err   error
}

func (e *FetchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("fetch %s %d: %v", e.Op, e.Index, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func outOfRange(name string, value int) error {
	return fmt.Errorf("%w: %s %d", ErrOutOfRange, name, value)
}

func indexOutOfRange(index, count int) error {
	return fmt.Errorf("%w: index %d, count %d", ErrOutOfRange, index, count)
}
