// Package boltstore implements the store.Backend contract on a single
// embedded bbolt file. It is the default backend: zero external services,
// one writer at a time, crash-safe B+tree pages.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/relaymesh/relayd/pkg/store"
)

// Bucket layout: one bucket per family holds the rows, one bucket per
// index holds the entries. Index entries use a NUL separator between the
// index key and the row id; ids are UUID strings and never contain NUL.
const (
	indexBucketSep  = ".i."
	uniqueBucketSep = ".u."
	keySep          = 0x00
)

// Store is a bbolt-backed store.Backend.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store file %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// Update runs fn in the single writable transaction. bbolt serializes
// writers, so ErrBusy never occurs here.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// Close releases the file lock and flushes outstanding pages.
func (s *Store) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) bucket(name string) *bolt.Bucket {
	return t.tx.Bucket([]byte(name))
}

func (t *boltTx) ensureBucket(name string) (*bolt.Bucket, error) {
	b, err := t.tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	}
	return b, nil
}

func (t *boltTx) Get(family, id string) ([]byte, error) {
	b := t.bucket(family)
	if b == nil {
		return nil, store.ErrNotFound
	}
	v := b.Get([]byte(id))
	if v == nil {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *boltTx) Put(family, id string, value []byte) error {
	b, err := t.ensureBucket(family)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), value)
}

func (t *boltTx) Delete(family, id string) error {
	b := t.bucket(family)
	if b == nil || b.Get([]byte(id)) == nil {
		return store.ErrNotFound
	}
	return b.Delete([]byte(id))
}

func (t *boltTx) Scan(family string, fn func(id string, value []byte) error) error {
	b := t.bucket(family)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(string(k), v); err != nil {
			if err == store.ErrStop {
				return nil
			}
			return err
		}
	}
	return nil
}

func (t *boltTx) ScanReverse(family string, fn func(id string, value []byte) error) error {
	b := t.bucket(family)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if err := fn(string(k), v); err != nil {
			if err == store.ErrStop {
				return nil
			}
			return err
		}
	}
	return nil
}

func indexEntry(key, id string) []byte {
	e := make([]byte, 0, len(key)+1+len(id))
	e = append(e, key...)
	e = append(e, keySep)
	return append(e, id...)
}

func (t *boltTx) SetIndex(family, index, key, id string) error {
	b, err := t.ensureBucket(family + indexBucketSep + index)
	if err != nil {
		return err
	}
	return b.Put(indexEntry(key, id), nil)
}

func (t *boltTx) UnsetIndex(family, index, key, id string) error {
	b := t.bucket(family + indexBucketSep + index)
	if b == nil {
		return nil
	}
	return b.Delete(indexEntry(key, id))
}

func (t *boltTx) ScanIndex(family, index, key string, fn func(id string) error) error {
	b := t.bucket(family + indexBucketSep + index)
	if b == nil {
		return nil
	}
	prefix := append([]byte(key), keySep)
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := fn(string(k[len(prefix):])); err != nil {
			if err == store.ErrStop {
				return nil
			}
			return err
		}
	}
	return nil
}

func (t *boltTx) SetUnique(family, index, key, id string) error {
	b, err := t.ensureBucket(family + uniqueBucketSep + index)
	if err != nil {
		return err
	}
	if existing := b.Get([]byte(key)); existing != nil {
		if string(existing) == id {
			return nil
		}
		return store.ErrConflict
	}
	return b.Put([]byte(key), []byte(id))
}

func (t *boltTx) UnsetUnique(family, index, key string) error {
	b := t.bucket(family + uniqueBucketSep + index)
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

func (t *boltTx) LookupUnique(family, index, key string) (string, error) {
	b := t.bucket(family + uniqueBucketSep + index)
	if b == nil {
		return "", store.ErrNotFound
	}
	v := b.Get([]byte(key))
	if v == nil {
		return "", store.ErrNotFound
	}
	return string(v), nil
}
