// Package db defines the key-value database interface used by the storage
// layer, with pebble, in-memory and mongodb implementations in subpackages.
package db

import "errors"

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when the transaction lost a write
	// race and should be retried by the caller.
	ErrConflict = errors.New("transaction conflict")
)

// Options configures the database backends. Path is used by disk-backed
// implementations; URI and Name by remote ones.
type Options struct {
	Path string
	URI  string
	Name string
}

// Database is a minimal transactional key-value store.
type Database interface {
	Reader
	// WriteTx opens a new write transaction.
	WriteTx() WriteTx
	// Close releases the resources held by the database.
	Close() error
	// Compact triggers a manual compaction, if the backend supports it.
	Compact() error
}

// Reader provides read access to the keyspace.
type Reader interface {
	// Get retrieves the value for the given key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback with every key-value pair under prefix, in
	// ascending key order, until callback returns false. The callback must
	// not retain the slices it receives.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is a read-write transaction. It must be either Committed or
// Discarded; Discard after Commit is a no-op.
type WriteTx interface {
	Reader
	// Set adds or updates a key.
	Set(key, value []byte) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error
	// Commit applies the transaction atomically.
	Commit() error
	// Discard drops the transaction.
	Discard()
}
