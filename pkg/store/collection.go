package store

import (
	"errors"
	"fmt"
)

// Index declares a secondary index over a collection. Key derives the index
// key from an entity; returning ok=false keeps the entity out of the index,
// which is how conditional membership (live assignments only, workers with
// a session, ...) is expressed.
type Index[T any] struct {
	Name   string
	Unique bool
	Key    func(*T) (key string, ok bool)
}

// NewIndex declares a non-unique index.
func NewIndex[T any](name string, key func(*T) (string, bool)) Index[T] {
	return Index[T]{Name: name, Key: key}
}

// NewUniqueIndex declares a unique index. Claiming an occupied key fails
// the enclosing transaction with ErrConflict.
func NewUniqueIndex[T any](name string, key func(*T) (string, bool)) Index[T] {
	return Index[T]{Name: name, Unique: true, Key: key}
}

// Collection is the typed view over one entity family. It owns the codec
// round-trip and keeps the declared indexes in step with every mutation.
type Collection[T any] struct {
	family  string
	id      func(*T) string
	indexes []Index[T]
}

// NewCollection declares a typed family. id extracts the primary key.
func NewCollection[T any](family string, id func(*T) string, indexes ...Index[T]) *Collection[T] {
	return &Collection[T]{family: family, id: id, indexes: indexes}
}

// Family returns the family name, used by backends and cleanup scans.
func (c *Collection[T]) Family() string {
	return c.family
}

// ID extracts the primary key of an entity.
func (c *Collection[T]) ID(v *T) string {
	return c.id(v)
}

// Get loads one entity by id.
func (c *Collection[T]) Get(tx Tx, id string) (*T, error) {
	data, err := tx.Get(c.family, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s %q: %w", c.family, id, ErrNotFound)
		}
		return nil, err
	}
	v := new(T)
	if err := Decode(data, v); err != nil {
		return nil, fmt.Errorf("%s %q: %w", c.family, id, err)
	}
	return v, nil
}

// Insert writes a new entity. An existing id or an occupied unique index
// key fails with ErrConflict.
func (c *Collection[T]) Insert(tx Tx, v *T) error {
	id := c.id(v)
	if _, err := tx.Get(c.family, id); err == nil {
		return fmt.Errorf("%s %q: %w", c.family, id, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := c.setIndexes(tx, nil, v); err != nil {
		return err
	}
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return tx.Put(c.family, id, data)
}

// Put upserts an entity, moving index entries whose keys changed.
func (c *Collection[T]) Put(tx Tx, v *T) error {
	id := c.id(v)
	old, err := c.Get(tx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := c.setIndexes(tx, old, v); err != nil {
		return err
	}
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return tx.Put(c.family, id, data)
}

// Delete removes an entity and its index entries.
func (c *Collection[T]) Delete(tx Tx, id string) error {
	old, err := c.Get(tx, id)
	if err != nil {
		return err
	}
	if err := c.unsetIndexes(tx, old); err != nil {
		return err
	}
	return tx.Delete(c.family, id)
}

// Update loads id, applies fn and writes the result back, all inside the
// caller's transaction. The transaction itself provides the isolation the
// read-modify-write needs.
func (c *Collection[T]) Update(tx Tx, id string, fn func(*T) error) (*T, error) {
	v, err := c.Get(tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(v); err != nil {
		return nil, err
	}
	if c.id(v) != id {
		return nil, fmt.Errorf("%s %q: update changed the id", c.family, id)
	}
	if err := c.Put(tx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// GetUnique resolves a unique index key to its entity.
func (c *Collection[T]) GetUnique(tx Tx, index, key string) (*T, error) {
	id, err := tx.LookupUnique(c.family, index, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s by %s %q: %w", c.family, index, key, ErrNotFound)
		}
		return nil, err
	}
	return c.Get(tx, id)
}

// EachByIndex streams the entities filed under an index key in id order.
func (c *Collection[T]) EachByIndex(tx Tx, index, key string, fn func(*T) error) error {
	return tx.ScanIndex(c.family, index, key, func(id string) error {
		v, err := c.Get(tx, id)
		if err != nil {
			return err
		}
		return fn(v)
	})
}

// ByIndex collects the entities filed under an index key.
func (c *Collection[T]) ByIndex(tx Tx, index, key string) ([]*T, error) {
	var out []*T
	err := c.EachByIndex(tx, index, key, func(v *T) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// All streams every entity in ascending id order. Returning ErrStop from
// fn ends the stream cleanly.
func (c *Collection[T]) All(tx Tx, fn func(*T) error) error {
	return c.scan(tx.Scan, fn)
}

// AllReverse streams every entity in descending id order.
func (c *Collection[T]) AllReverse(tx Tx, fn func(*T) error) error {
	return c.scan(tx.ScanReverse, fn)
}

// List collects every entity in ascending id order.
func (c *Collection[T]) List(tx Tx) ([]*T, error) {
	var out []*T
	err := c.All(tx, func(v *T) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// Count returns the number of entities in the family.
func (c *Collection[T]) Count(tx Tx) (int, error) {
	n := 0
	err := tx.Scan(c.family, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

func (c *Collection[T]) scan(scanner func(string, func(string, []byte) error) error, fn func(*T) error) error {
	return scanner(c.family, func(id string, data []byte) error {
		v := new(T)
		if err := Decode(data, v); err != nil {
			return fmt.Errorf("%s %q: %w", c.family, id, err)
		}
		return fn(v)
	})
}

// setIndexes moves the entity's index entries from the old image to the
// new one. Unchanged keys are left alone so unique claims stay stable.
func (c *Collection[T]) setIndexes(tx Tx, old, v *T) error {
	id := c.id(v)
	for _, idx := range c.indexes {
		newKey, newOK := idx.Key(v)
		oldKey, oldOK := "", false
		if old != nil {
			oldKey, oldOK = idx.Key(old)
		}
		if oldOK && (!newOK || oldKey != newKey) {
			if err := c.unsetIndex(tx, idx, oldKey, id); err != nil {
				return err
			}
		}
		if newOK && (!oldOK || oldKey != newKey) {
			if err := c.setIndex(tx, idx, newKey, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collection[T]) unsetIndexes(tx Tx, v *T) error {
	id := c.id(v)
	for _, idx := range c.indexes {
		key, ok := idx.Key(v)
		if !ok {
			continue
		}
		if err := c.unsetIndex(tx, idx, key, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection[T]) setIndex(tx Tx, idx Index[T], key, id string) error {
	if idx.Unique {
		if err := tx.SetUnique(c.family, idx.Name, key, id); err != nil {
			if errors.Is(err, ErrConflict) {
				return fmt.Errorf("%s %s %q: %w", c.family, idx.Name, key, ErrConflict)
			}
			return err
		}
		return nil
	}
	return tx.SetIndex(c.family, idx.Name, key, id)
}

func (c *Collection[T]) unsetIndex(tx Tx, idx Index[T], key, id string) error {
	if idx.Unique {
		return tx.UnsetUnique(c.family, idx.Name, key)
	}
	return tx.UnsetIndex(c.family, idx.Name, key, id)
}
