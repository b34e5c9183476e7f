// Package inmemory implements an ephemeral db.Database kept in process
// memory, used by tests and single-shot tooling.
package inmemory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/chainpay/withdrawd/db"
)

// InMemoryDB implements an ephemeral in-memory db.Database.
type InMemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ db.Database = (*InMemoryDB)(nil)

// New returns a new in-memory database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{data: make(map[string][]byte)}, nil
}

func (d *InMemoryDB) Close() error {
	return nil
}

func (d *InMemoryDB) Compact() error {
	return nil
}

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	d.mu.RLock()
	snapshot := d.snapshot(prefix)
	d.mu.RUnlock()
	for _, kv := range snapshot {
		if !callback(kv.k, kv.v) {
			break
		}
	}
	return nil
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:     d,
		writes: make(map[string]*[]byte),
	}
}

type keyValue struct {
	k, v []byte
}

// snapshot returns a sorted copy of all entries under prefix. Callers must
// hold at least the read lock.
func (d *InMemoryDB) snapshot(prefix []byte) []keyValue {
	out := make([]keyValue, 0, len(d.data))
	for k, v := range d.data {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		out = append(out, keyValue{k: []byte(k), v: bytes.Clone(v)})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].k, out[j].k) < 0 })
	return out
}

// WriteTx buffers writes and applies them atomically on Commit. A nil value
// pointer in writes marks a deletion.
type WriteTx struct {
	db     *InMemoryDB
	writes map[string]*[]byte
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if pending, ok := tx.writes[string(key)]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	tx.db.mu.RLock()
	merged := make(map[string][]byte)
	for k, v := range tx.db.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = bytes.Clone(v)
		}
	}
	tx.db.mu.RUnlock()
	for k, pending := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if pending == nil {
			delete(merged, k)
			continue
		}
		merged[k] = bytes.Clone(*pending)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !callback([]byte(k), merged[k]) {
			break
		}
	}
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	v := bytes.Clone(value)
	tx.writes[string(key)] = &v
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	tx.writes[string(key)] = nil
	return nil
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for k, pending := range tx.writes {
		if pending == nil {
			delete(tx.db.data, k)
			continue
		}
		tx.db.data[k] = *pending
	}
	return nil
}

func (tx *WriteTx) Discard() {
	tx.done = true
	tx.writes = nil
}
