/*
Package storage provides the persistent layer of the withdrawal pipeline.

# Storage Organization

The storage uses a key-value database with prefixed namespaces:

## Withdrawal records
  - wr/ : requestID → WithdrawalRequest (created by ingress, never deleted)
  - sg/ : txHash → SignedTx (single and batch records)
  - sn/ : chainID+from+nonce → txHash (uniqueness index, non-superseded only)
  - bi/ : batchID → txHash
  - st/ : txHash → SentTx (receipt bookkeeping)
  - bc/ : txHash → broadcast marker (redelivery dedup)

## Queues
  - qm/ : queueName + seq → queued message (body, tryCount, visibleAt)
  - qr/ : queueName + seq → reservation (receipt handle, expiry)

Each queue has a companion "<name>-dlq" sharing the same namespaces. A message
whose redelivery count exceeds MaxDeliveries is moved to the DLQ annotated
with the last failure recorded by Nack.
*/
package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/chainpay/withdrawd/db"
	"github.com/chainpay/withdrawd/db/prefixeddb"
	"github.com/chainpay/withdrawd/log"
)

var (
	// ErrKeyAlreadyExists is returned when inserting a record that exists.
	ErrKeyAlreadyExists = fmt.Errorf("key already exists")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = fmt.Errorf("not found")
	// ErrInvalidTransition is returned when a status update does not follow
	// the withdrawal state DAG.
	ErrInvalidTransition = fmt.Errorf("invalid status transition")

	// Prefixes
	requestPrefix     = []byte("wr/")
	signedPrefix      = []byte("sg/")
	nonceIndexPrefix  = []byte("sn/")
	batchIndexPrefix  = []byte("bi/")
	sentPrefix        = []byte("st/")
	broadcastedPrefix = []byte("bc/")
	queuePrefix       = []byte("qm/")
	reservationPrefix = []byte("qr/")
)

// Options tunes the queue behavior of the storage.
type Options struct {
	// VisibilityTimeout is how long a received message stays invisible
	// before it is redelivered.
	VisibilityTimeout time.Duration
	// MaxDeliveries is the number of deliveries after which a message is
	// moved to the companion DLQ.
	MaxDeliveries int
	// PollInterval is the sleep between long-poll scans.
	PollInterval time.Duration
}

// DefaultOptions returns the queue defaults.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 30 * time.Second,
		MaxDeliveries:     3,
		PollInterval:      100 * time.Millisecond,
	}
}

func (o *Options) sanitize() {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
}

// Storage manages withdrawal records and the durable queues.
type Storage struct {
	db      db.Database
	opts    Options
	reqLock sync.Mutex // serializes request status transitions
	qLock   sync.Mutex // serializes queue mutations
	sigLock sync.Mutex // serializes signed-record index updates

	stopSweeper chan struct{}
	sweeperOnce sync.Once
}

// New creates a Storage on top of the given database, recovers stale queue
// reservations left behind by a crash, and starts the periodic reservation
// sweeper.
func New(database db.Database, opts Options) *Storage {
	opts.sanitize()
	s := &Storage{
		db:          database,
		opts:        opts,
		stopSweeper: make(chan struct{}),
	}
	if err := s.clearAllReservations(); err != nil {
		log.Errorw(err, "failed to clear stale queue reservations")
	}
	s.monitorStaleReservations()
	return s
}

// Close stops the sweeper and closes the underlying database.
func (s *Storage) Close() {
	s.sweeperOnce.Do(func() { close(s.stopSweeper) })
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err)
	}
}

// clearAllReservations removes every queue reservation. After a crash any
// reservation left behind must be cleared so the messages become visible
// again.
func (s *Storage) clearAllReservations() error {
	s.qLock.Lock()
	defer s.qLock.Unlock()
	wTx := prefixeddb.NewPrefixedDatabase(s.db, reservationPrefix).WriteTx()
	defer wTx.Discard()
	var keys [][]byte
	if err := wTx.Iterate(nil, func(k, _ []byte) bool {
		kcopy := make([]byte, len(k))
		copy(kcopy, k)
		keys = append(keys, kcopy)
		return true
	}); err != nil {
		return fmt.Errorf("iterate reservations: %w", err)
	}
	for _, k := range keys {
		if err := wTx.Delete(k); err != nil {
			return fmt.Errorf("delete reservation: %w", err)
		}
	}
	return wTx.Commit()
}

// monitorStaleReservations periodically releases reservations whose
// visibility window elapsed, so messages from crashed consumers are
// redelivered even when no Receive is scanning the queue.
func (s *Storage) monitorStaleReservations() {
	ticker := time.NewTicker(s.opts.VisibilityTimeout)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.stopSweeper:
				return
			case <-ticker.C:
				if err := s.releaseExpiredReservations(); err != nil {
					log.Warnw("failed to release expired reservations", "error", err)
				}
			}
		}
	}()
}

func (s *Storage) releaseExpiredReservations() error {
	s.qLock.Lock()
	defer s.qLock.Unlock()
	now := time.Now().UnixMilli()
	wTx := prefixeddb.NewPrefixedDatabase(s.db, reservationPrefix).WriteTx()
	defer wTx.Discard()
	var stale [][]byte
	if err := wTx.Iterate(nil, func(k, v []byte) bool {
		r := &reservation{}
		if err := DecodeArtifact(v, r); err != nil || now > r.ExpiresAt {
			kcopy := make([]byte, len(k))
			copy(kcopy, k)
			stale = append(stale, kcopy)
		}
		return true
	}); err != nil {
		return fmt.Errorf("iterate reservations: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	for _, k := range stale {
		if err := wTx.Delete(k); err != nil {
			return fmt.Errorf("delete expired reservation: %w", err)
		}
	}
	if err := wTx.Commit(); err != nil {
		return fmt.Errorf("commit expired deletion: %w", err)
	}
	log.Debugw("released expired queue reservations", "count", len(stale))
	return nil
}

// setArtifact stores an encoded artifact under prefix/key.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// getArtifact retrieves and decodes an artifact from prefix/key.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		return ErrNotFound
	}
	if err := DecodeArtifact(data, out); err != nil {
		return fmt.Errorf("could not decode artifact: %w", err)
	}
	return nil
}
