// Package store provides the keyed transactional collections every other
// component funnels its state through. A Backend supplies atomic, isolated
// transactions over raw family buckets; typed access goes through the
// generic Collection layer which maintains secondary and unique indexes.
package store

import "context"

// Tx is raw keyed access to entity families inside one transaction.
// Implementations guarantee that everything done through a single Tx
// commits or rolls back as a unit, and that readers outside the
// transaction see either the pre- or post-image, never a mix.
type Tx interface {
	// Get returns the stored value for id, or ErrNotFound.
	Get(family, id string) ([]byte, error)
	// Put writes value under id, inserting or replacing.
	Put(family, id string, value []byte) error
	// Delete removes id. Deleting a missing id returns ErrNotFound.
	Delete(family, id string) error
	// Scan visits every row of the family in ascending id order.
	// Returning ErrStop from fn ends the scan cleanly.
	Scan(family string, fn func(id string, value []byte) error) error
	// ScanReverse visits every row in descending id order.
	ScanReverse(family string, fn func(id string, value []byte) error) error

	// SetIndex records id under a non-unique index key.
	SetIndex(family, index, key, id string) error
	// UnsetIndex removes an index entry; missing entries are a no-op.
	UnsetIndex(family, index, key, id string) error
	// ScanIndex visits the ids filed under key in ascending id order.
	ScanIndex(family, index, key string, fn func(id string) error) error

	// SetUnique claims key for id. A key already held by a different id
	// returns ErrConflict; reclaiming with the same id is a no-op.
	SetUnique(family, index, key, id string) error
	// UnsetUnique releases a unique key; missing keys are a no-op.
	UnsetUnique(family, index, key string) error
	// LookupUnique resolves a unique key to its id, or ErrNotFound.
	LookupUnique(family, index, key string) (string, error)
}

// Backend is a transactional store. The two entry points mirror the usual
// managed-transaction shape: the callback either returns nil and the
// transaction commits, or returns an error and everything rolls back.
type Backend interface {
	// View runs fn in a read-only snapshot transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn in a writable serialized transaction. Backends that
	// detect a serialization conflict return ErrBusy; callers retry via
	// WithRetry.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// Close releases the underlying resources.
	Close() error
}
