// Package storage provides the key-value database abstractions the
// listing store is built on.
package storage

import "errors"

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Tx is the operation set available both directly on a DB (autocommit)
// and inside an Update transaction.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
}

// DB is the interface for key-value storage.
type DB interface {
	Tx
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	// Update runs fn inside a single write transaction: either every
	// write in fn is persisted or none is. Listing inserts rely on this
	// to check the UTXO guard key and write the new record atomically.
	Update(fn func(tx Tx) error) error
	Close() error
}
