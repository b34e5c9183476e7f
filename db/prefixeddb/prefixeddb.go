// Package prefixeddb wraps a db.Database to confine all operations under a
// fixed key prefix, letting multiple namespaces share one physical database.
package prefixeddb

import (
	"bytes"

	"github.com/chainpay/withdrawd/db"
)

// PrefixedDatabase wraps a db.Database restricting keys to a prefix.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

// NewPrefixedDatabase returns a Database whose keys are transparently
// namespaced under prefix.
func NewPrefixedDatabase(database db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{db: database, prefix: bytes.Clone(prefix)}
}

// NewPrefixedReader returns a read-only view of the database under prefix.
func NewPrefixedReader(database db.Database, prefix []byte) db.Reader {
	return NewPrefixedDatabase(database, prefix)
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(prefixKey(d.prefix, key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	full := prefixKey(d.prefix, prefix)
	return d.db.Iterate(full, func(k, v []byte) bool {
		return callback(k[len(d.prefix):], v)
	})
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.db.WriteTx(), d.prefix)
}

func (d *PrefixedDatabase) Close() error {
	return d.db.Close()
}

func (d *PrefixedDatabase) Compact() error {
	return d.db.Compact()
}

// PrefixedWriteTx wraps a db.WriteTx restricting keys to a prefix.
type PrefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

// NewPrefixedWriteTx wraps tx so all keys are namespaced under prefix.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{tx: tx, prefix: bytes.Clone(prefix)}
}

func (t *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return t.tx.Get(prefixKey(t.prefix, key))
}

func (t *PrefixedWriteTx) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	full := prefixKey(t.prefix, prefix)
	return t.tx.Iterate(full, func(k, v []byte) bool {
		return callback(k[len(t.prefix):], v)
	})
}

func (t *PrefixedWriteTx) Set(key, value []byte) error {
	return t.tx.Set(prefixKey(t.prefix, key), value)
}

func (t *PrefixedWriteTx) Delete(key []byte) error {
	return t.tx.Delete(prefixKey(t.prefix, key))
}

func (t *PrefixedWriteTx) Commit() error {
	return t.tx.Commit()
}

func (t *PrefixedWriteTx) Discard() {
	t.tx.Discard()
}

func prefixKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
