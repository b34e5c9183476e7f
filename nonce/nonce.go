// Package nonce implements the cross-service nonce coordinator: a
// crash-safe counter per (chain, signer) with a pool of returned reusable
// nonces and an ordered pending queue of signed transactions awaiting
// in-order broadcast. The shared state lives in Redis, mutated only through
// atomic Lua scripts; an in-memory store backs the tests.
package nonce

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainpay/withdrawd/types"
)

// Key identifies the nonce state owner: one signer address on one chain.
type Key struct {
	Chain  types.Chain
	Signer common.Address
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Chain, k.Signer.Hex())
}

// Store is the shared nonce state. Every method is atomic with respect to
// concurrent callers on the same key, including callers in other processes.
type Store interface {
	// Acquire returns the next nonce for the key: the smallest pooled
	// (returned, reusable) nonce when available, otherwise
	// max(onChainNext, lastIssued+1), recording the issuance.
	// onChainNext is the chain's next expected nonce (pending count).
	Acquire(ctx context.Context, key Key, onChainNext uint64) (uint64, error)
	// Release returns an unused nonce to the pool for reuse. Pool entries
	// expire after 24h.
	Release(ctx context.Context, key Key, nonce uint64) error
	// LastBroadcasted returns the highest nonce broadcast for the key,
	// with ok=false when nothing was broadcast yet.
	LastBroadcasted(ctx context.Context, key Key) (nonce uint64, ok bool, err error)
	// SetLastBroadcasted advances the broadcast counter.
	SetLastBroadcasted(ctx context.Context, key Key, nonce uint64) error
	// PendingPush inserts a JSON-encoded signed record (carrying a "nonce"
	// field) into the ordered pending queue, keeping ascending nonce
	// order. Pushing an already-present nonce is a no-op.
	PendingPush(ctx context.Context, key Key, record []byte, nonce uint64) error
	// PendingPop removes the pending record with the given nonce.
	PendingPop(ctx context.Context, key Key, nonce uint64) error
	// PendingList returns the pending records in ascending nonce order.
	PendingList(ctx context.Context, key Key) ([][]byte, error)
	// Close releases the store resources.
	Close() error
}
