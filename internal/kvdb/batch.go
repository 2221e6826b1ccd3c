package kvdb

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// WriteBatch accumulates writes across any number of column families and
// applies them as a single indivisible operation, per spec.md §4.5's
// atomicity requirement and §7 ("use the DB's write-batch primitive").
type WriteBatch struct {
	db    *DB
	inner dbm.Batch
}

// NewWriteBatch opens a fresh batch against db.
func (d *DB) NewWriteBatch() (*WriteBatch, error) {
	b := d.backend.NewBatch()
	return &WriteBatch{db: d, inner: b}, nil
}

// Set stages a write of key -> value in the named column family.
func (b *WriteBatch) Set(cfName string, key, value []byte) error {
	pk := prefixedKey(cfPrefix(cfName), key)
	if err := b.inner.Set(pk, value); err != nil {
		return fmt.Errorf("kvdb: batch set %s/%x: %w", cfName, key, err)
	}
	return nil
}

// Delete stages a deletion of key in the named column family.
func (b *WriteBatch) Delete(cfName string, key []byte) error {
	pk := prefixedKey(cfPrefix(cfName), key)
	if err := b.inner.Delete(pk); err != nil {
		return fmt.Errorf("kvdb: batch delete %s/%x: %w", cfName, key, err)
	}
	return nil
}

// Commit durably and atomically applies every staged write/delete.
func (b *WriteBatch) Commit() error {
	defer b.inner.Close()
	if err := b.inner.WriteSync(); err != nil {
		return fmt.Errorf("kvdb: batch commit: %w", err)
	}
	return nil
}

// Close discards the batch without applying it.
func (b *WriteBatch) Close() error { return b.inner.Close() }
