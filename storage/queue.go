package storage

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chainpay/withdrawd/db"
	"github.com/chainpay/withdrawd/db/prefixeddb"
	"github.com/chainpay/withdrawd/log"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/types"
)

// queueItem is the stored form of a queued message.
type queueItem struct {
	Message   types.Message `cbor:"1,keyasint"`
	VisibleAt int64         `cbor:"2,keyasint"` // unix milli
}

// reservation hides a message from other consumers until ExpiresAt.
type reservation struct {
	Handle    string `cbor:"1,keyasint"`
	ExpiresAt int64  `cbor:"2,keyasint"` // unix milli
}

var _ queue.Queue = (*Storage)(nil)

// queueKey builds a time-ordered key: queue name, separator, 8-byte
// big-endian timestamp and 4 random bytes for same-instant uniqueness.
func queueKey(name string, at time.Time) []byte {
	key := make([]byte, 0, len(name)+1+12)
	key = append(key, []byte(name)...)
	key = append(key, '/')
	var seq [12]byte
	binary.BigEndian.PutUint64(seq[:8], uint64(at.UnixNano()))
	if _, err := rand.Read(seq[8:]); err != nil {
		panic(fmt.Sprintf("cannot read random bytes: %v", err))
	}
	return append(key, seq[:]...)
}

// Send appends a message to the named queue.
func (s *Storage) Send(_ context.Context, name string, body []byte) (string, error) {
	return s.sendDelayed(name, body, 0)
}

// SendDelayed appends a message that becomes visible only after delay.
func (s *Storage) SendDelayed(_ context.Context, name string, body []byte, delay time.Duration) (string, error) {
	return s.sendDelayed(name, body, delay)
}

func (s *Storage) sendDelayed(name string, body []byte, delay time.Duration) (string, error) {
	s.qLock.Lock()
	defer s.qLock.Unlock()
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	id, err := s.enqueueInTx(wTx, name, body, delay)
	if err != nil {
		return "", err
	}
	return id, wTx.Commit()
}

// enqueueInTx appends a message inside an open transaction. Callers must
// hold qLock.
func (s *Storage) enqueueInTx(wTx db.WriteTx, name string, body []byte, delay time.Duration) (string, error) {
	now := time.Now()
	item := &queueItem{
		Message: types.Message{
			MessageID:   uuid.NewString(),
			Body:        body,
			FirstSeenAt: now,
		},
		VisibleAt: now.Add(delay).UnixMilli(),
	}
	data, err := EncodeArtifact(item)
	if err != nil {
		return "", fmt.Errorf("encode queue item: %w", err)
	}
	qTx := prefixeddb.NewPrefixedWriteTx(wTx, queuePrefix)
	if err := qTx.Set(queueKey(name, now), data); err != nil {
		return "", err
	}
	return item.Message.MessageID, nil
}

// Receive scans the named queue for visible, unreserved messages, reserving
// each returned message for the visibility-timeout window. It long-polls up
// to wait and returns ErrNoMessages when nothing shows up.
func (s *Storage) Receive(ctx context.Context, name string, max int, wait time.Duration) ([]*types.Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		msgs, err := s.receiveOnce(name, max)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, queue.ErrNoMessages
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

func (s *Storage) receiveOnce(name string, max int) ([]*types.Message, error) {
	s.qLock.Lock()
	defer s.qLock.Unlock()

	now := time.Now()
	prefix := append([]byte(name), '/')

	type candidate struct {
		key  []byte
		item queueItem
	}
	var candidates []candidate
	err := prefixeddb.NewPrefixedReader(s.db, queuePrefix).Iterate(prefix, func(k, v []byte) bool {
		item := queueItem{}
		if err := DecodeArtifact(v, &item); err != nil {
			log.Warnw("dropping undecodable queue item", "queue", name, "error", err)
			return true
		}
		if item.VisibleAt > now.UnixMilli() {
			return true
		}
		kcopy := make([]byte, len(k))
		copy(kcopy, k)
		candidates = append(candidates, candidate{key: kcopy, item: item})
		return len(candidates) < max*2 // headroom for reserved entries
	})
	if err != nil {
		return nil, fmt.Errorf("iterate queue %s: %w", name, err)
	}

	var out []*types.Message
	for _, c := range candidates {
		if len(out) >= max {
			break
		}
		if s.reservedNow(c.key, now) {
			continue
		}
		c.item.Message.TryCount++
		if c.item.Message.TryCount > s.opts.MaxDeliveries {
			if err := s.escalateToDLQ(name, c.key, &c.item); err != nil {
				return nil, err
			}
			continue
		}
		handle := receiptHandle(c.key)
		if err := s.reserveAndCount(c.key, &c.item, handle, now); err != nil {
			return nil, err
		}
		msg := c.item.Message
		msg.ReceiptHandle = handle
		out = append(out, &msg)
	}
	return out, nil
}

func (s *Storage) reservedNow(key []byte, now time.Time) bool {
	data, err := prefixeddb.NewPrefixedReader(s.db, reservationPrefix).Get(key)
	if err != nil {
		return false
	}
	r := &reservation{}
	if err := DecodeArtifact(data, r); err != nil {
		return false
	}
	return now.UnixMilli() <= r.ExpiresAt
}

// reserveAndCount persists the incremented delivery count and the
// reservation atomically.
func (s *Storage) reserveAndCount(key []byte, item *queueItem, handle string, now time.Time) error {
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	itemData, err := EncodeArtifact(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, queuePrefix).Set(key, itemData); err != nil {
		return err
	}
	resData, err := EncodeArtifact(&reservation{
		Handle:    handle,
		ExpiresAt: now.Add(s.opts.VisibilityTimeout).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, reservationPrefix).Set(key, resData); err != nil {
		return err
	}
	return wTx.Commit()
}

// escalateToDLQ moves an exhausted message to the companion dead-letter
// queue, carrying the failure annotation recorded by the last Nack.
func (s *Storage) escalateToDLQ(name string, key []byte, item *queueItem) error {
	dlq := queue.DLQName(name)
	log.Warnw("message exceeded max deliveries, moving to DLQ",
		"queue", name, "dlq", dlq, "messageID", item.Message.MessageID,
		"tryCount", item.Message.TryCount, "errorKind", string(item.Message.ErrorKind))

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	escalated := &queueItem{
		Message: types.Message{
			MessageID:    item.Message.MessageID,
			Body:         item.Message.Body,
			TryCount:     0,
			FirstSeenAt:  item.Message.FirstSeenAt,
			ErrorKind:    item.Message.ErrorKind,
			ErrorMessage: item.Message.ErrorMessage,
			Attempts:     item.Message.TryCount - 1,
		},
		VisibleAt: time.Now().UnixMilli(),
	}
	if escalated.Message.ErrorKind == "" {
		escalated.Message.ErrorKind = types.KindUnknown
	}
	data, err := EncodeArtifact(escalated)
	if err != nil {
		return fmt.Errorf("encode DLQ item: %w", err)
	}
	qTx := prefixeddb.NewPrefixedWriteTx(wTx, queuePrefix)
	if err := qTx.Set(queueKey(dlq, time.Now()), data); err != nil {
		return err
	}
	if err := qTx.Delete(key); err != nil {
		return err
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, reservationPrefix).Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// Ack deletes the message addressed by the receipt handle.
func (s *Storage) Ack(_ context.Context, handle string) error {
	s.qLock.Lock()
	defer s.qLock.Unlock()
	key, err := handleKey(handle)
	if err != nil {
		return err
	}
	if err := s.checkHandle(key, handle); err != nil {
		return err
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := prefixeddb.NewPrefixedWriteTx(wTx, queuePrefix).Delete(key); err != nil {
		return err
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, reservationPrefix).Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// Nack releases the reservation so the message is redelivered, annotating
// the failure for later DLQ escalation.
func (s *Storage) Nack(_ context.Context, handle string, kind types.ErrorKind, errMsg string) error {
	s.qLock.Lock()
	defer s.qLock.Unlock()
	key, err := handleKey(handle)
	if err != nil {
		return err
	}
	if err := s.checkHandle(key, handle); err != nil {
		return err
	}

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	qTx := prefixeddb.NewPrefixedWriteTx(wTx, queuePrefix)
	data, err := qTx.Get(key)
	if err != nil {
		return ErrNotFound
	}
	item := &queueItem{}
	if err := DecodeArtifact(data, item); err != nil {
		return fmt.Errorf("decode queue item: %w", err)
	}
	if kind != "" {
		item.Message.ErrorKind = kind
		item.Message.ErrorMessage = errMsg
	}
	updated, err := EncodeArtifact(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if err := qTx.Set(key, updated); err != nil {
		return err
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, reservationPrefix).Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// checkHandle verifies that the handle still owns the reservation: a stale
// handle (expired and re-received elsewhere) must not ack someone else's
// delivery.
func (s *Storage) checkHandle(key []byte, handle string) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, reservationPrefix).Get(key)
	if err != nil {
		return fmt.Errorf("no reservation for handle %s", handle)
	}
	r := &reservation{}
	if err := DecodeArtifact(data, r); err != nil {
		return fmt.Errorf("decode reservation: %w", err)
	}
	if r.Handle != handle {
		return fmt.Errorf("handle %s no longer owns the message", handle)
	}
	return nil
}

// QueueDepth returns the number of stored messages in the named queue,
// including currently reserved ones.
func (s *Storage) QueueDepth(name string) (int, error) {
	count := 0
	prefix := append([]byte(name), '/')
	err := prefixeddb.NewPrefixedReader(s.db, queuePrefix).Iterate(prefix, func(_, _ []byte) bool {
		count++
		return true
	})
	return count, err
}

// receiptHandle encodes the storage key and a fresh token into an opaque
// handle string.
func receiptHandle(key []byte) string {
	return hex.EncodeToString(key) + ":" + uuid.NewString()
}

func handleKey(handle string) ([]byte, error) {
	idx := strings.IndexByte(handle, ':')
	if idx <= 0 {
		return nil, fmt.Errorf("malformed receipt handle")
	}
	key, err := hex.DecodeString(handle[:idx])
	if err != nil {
		return nil, fmt.Errorf("malformed receipt handle: %w", err)
	}
	return key, nil
}
