package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an update targets a record that does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when an insert would overwrite an existing record.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotRequeueable is returned when a manual requeue targets a record that is not FAILED.
	ErrNotRequeueable = errors.New("transaction is not in FAILED state")

	// ErrStorage marks failures of the storage engine itself (I/O, corruption,
	// full disk, locked database) as opposed to logical misses.
	ErrStorage = errors.New("local storage failure")
)

// storageErr wraps an engine error so callers can test it with errors.Is(err, ErrStorage).
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
