package storage

import (
	"encoding/binary"

	"github.com/chainpay/withdrawd/db/prefixeddb"
)

// retryPrefix holds the cumulative DLQ retry counters, keyed by an opaque
// scope (queue name plus request or message ID). Queue-level tryCount resets
// on every republication; this counter survives across them.
var retryPrefix = []byte("rc/")

// RetryAttempts returns the cumulative retry count for the scope.
func (s *Storage) RetryAttempts(scope string) (int, error) {
	data, err := prefixeddb.NewPrefixedReader(s.db, retryPrefix).Get([]byte(scope))
	if err != nil {
		return 0, nil
	}
	return int(binary.BigEndian.Uint32(data)), nil
}

// SetRetryAttempts stores the cumulative retry count for the scope.
func (s *Storage) SetRetryAttempts(scope string, n int) error {
	var data [4]byte
	binary.BigEndian.PutUint32(data[:], uint32(n))
	wTx := prefixeddb.NewPrefixedDatabase(s.db, retryPrefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set([]byte(scope), data[:]); err != nil {
		return err
	}
	return wTx.Commit()
}
