package store

import "errors"

var (
	// ErrNotFound is returned when a key or unique index entry is absent
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert or unique-index claim collides
	// with an existing row
	ErrConflict = errors.New("conflict")

	// ErrBusy is returned when a transaction lost a serialization race and
	// should be retried by the caller
	ErrBusy = errors.New("store busy")

	// ErrStop ends a scan early without surfacing an error
	ErrStop = errors.New("stop iteration")
)

// IsNotFound checks whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks whether err means a uniqueness collision.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsBusy checks whether err means the transaction should be retried.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
