package nonce

import (
	"context"
	"sync"

	"github.com/chainpay/withdrawd/log"
)

// Coordinator fronts the shared Store with per-(chain, signer) in-process
// mutexes. Multiple processes may hold distinct keys concurrently; within a
// key, only one broadcast action is in flight at a time, and the Store's
// atomic scripts keep cross-process mutations safe.
type Coordinator struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator wraps a Store.
func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock serializes in-process work on a key. It returns the unlock function.
func (c *Coordinator) Lock(key Key) func() {
	c.mu.Lock()
	l, ok := c.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key.String()] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Acquire allocates a nonce for the signer, preferring a reusable one from
// the pool.
func (c *Coordinator) Acquire(ctx context.Context, key Key, onChainNext uint64) (uint64, error) {
	n, err := c.store.Acquire(ctx, key, onChainNext)
	if err != nil {
		return 0, err
	}
	log.Debugw("nonce acquired", "key", key.String(), "nonce", n)
	return n, nil
}

// Release returns an unused nonce to the pool. Used when signing fails
// before broadcast; a nonce consumed on-chain is never released.
func (c *Coordinator) Release(ctx context.Context, key Key, nonce uint64) error {
	if err := c.store.Release(ctx, key, nonce); err != nil {
		return err
	}
	log.Debugw("nonce released to pool", "key", key.String(), "nonce", nonce)
	return nil
}

// LastBroadcasted returns the broadcast high-water mark for the key.
func (c *Coordinator) LastBroadcasted(ctx context.Context, key Key) (uint64, bool, error) {
	return c.store.LastBroadcasted(ctx, key)
}

// SetLastBroadcasted advances the broadcast high-water mark.
func (c *Coordinator) SetLastBroadcasted(ctx context.Context, key Key, nonce uint64) error {
	return c.store.SetLastBroadcasted(ctx, key, nonce)
}

// PendingPush inserts a signed record into the crash-safe ordered pending
// queue for the key.
func (c *Coordinator) PendingPush(ctx context.Context, key Key, record []byte, nonce uint64) error {
	return c.store.PendingPush(ctx, key, record, nonce)
}

// PendingPop removes a record from the pending queue once broadcast.
func (c *Coordinator) PendingPop(ctx context.Context, key Key, nonce uint64) error {
	return c.store.PendingPop(ctx, key, nonce)
}

// PendingList returns the pending records in ascending nonce order.
func (c *Coordinator) PendingList(ctx context.Context, key Key) ([][]byte, error) {
	return c.store.PendingList(ctx, key)
}
