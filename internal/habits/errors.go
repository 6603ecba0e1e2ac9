package habits

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyName is returned when a habit name is blank.
var ErrEmptyName = errors.New("habit name must not be empty")

// NotFoundError is returned for a habit that has never been tracked.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("habit %q not found", e.Name)
}

// OutOfOrderError is returned when a non-backfill entry falls on a
// calendar day before the habit's latest recorded day.
type OutOfOrderError struct {
	Name   string
	At     time.Time
	Latest time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("habit %q: entry for %s precedes latest recorded day %s (use backfill)",
		e.Name, e.At.Format(time.DateOnly), e.Latest.Format(time.DateOnly))
}

// StorageError reports a failed write to the habit repository. The
// in-memory state has already been updated.
type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("habit %q: %s: %v", e.Name, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
