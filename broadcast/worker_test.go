package broadcast

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/chainpay/withdrawd/db"
	"github.com/chainpay/withdrawd/db/inmemory"
	"github.com/chainpay/withdrawd/nonce"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/signer"
	"github.com/chainpay/withdrawd/storage"
	"github.com/chainpay/withdrawd/types"
	"github.com/chainpay/withdrawd/web3"
)

const (
	testPrivKey = "c87509a1c067bbde78beb793e6fa76530b6382a4c0241e5e4a9ec0a0f44dc0d3"
	destination = "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd"
)

type fixture struct {
	stg    *storage.Storage
	worker *Worker
	mock   *web3.MockClient
	sig    *signer.Signer
	coord  *nonce.Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	database, err := inmemory.New(db.Options{})
	if err != nil {
		t.Fatal(err)
	}
	stg := storage.New(database, storage.DefaultOptions())
	t.Cleanup(stg.Close)

	sig, err := signer.New(testPrivKey)
	if err != nil {
		t.Fatal(err)
	}
	mock := web3.NewMockClient(137)
	pool := web3.NewPool()
	if err := pool.Add(137, mock, true, 10, 20); err != nil {
		t.Fatal(err)
	}
	coord := nonce.NewCoordinator(nonce.NewMemoryStore())
	w := New(stg, stg, sig, pool, coord, opts)
	return &fixture{stg: stg, worker: w, mock: mock, sig: sig, coord: coord}
}

func quickOptions() Options {
	opts := DefaultOptions()
	opts.LongPoll = 100 * time.Millisecond
	opts.GapTimeout = 10 * time.Second
	return opts
}

// emit signs a withdrawal at the given nonce and publishes it to signed-tx
// the way the signing worker does, returning the request ID and tx hash.
func (f *fixture) emit(t *testing.T, n uint64) (string, common.Hash) {
	t.Helper()
	now := time.Now()
	req := &types.WithdrawalRequest{
		RequestID: uuid.NewString(),
		Amount:    "0.001",
		ToAddress: common.HexToAddress(destination),
		Chain:     types.ChainPolygon,
		Network:   types.NetworkMainnet,
		Status:    types.StatusPending,
		Mode:      types.ModeSingle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.stg.PutRequest(req); err != nil {
		t.Fatal(err)
	}
	if err := f.stg.TransitionRequest(req.RequestID, types.StatusValidating, ""); err != nil {
		t.Fatal(err)
	}

	tx, err := f.sig.SignTx(signer.TxParams{
		ChainID:   137,
		Nonce:     n,
		To:        req.ToAddress,
		Value:     big.NewInt(1000),
		GasLimit:  21_000,
		GasFeeCap: big.NewInt(60_000_000_000),
		GasTipCap: big.NewInt(2_000_000_000),
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	rec := &types.SignedTx{
		RequestID: req.RequestID,
		Raw:       raw,
		From:      f.sig.Address(),
		To:        req.ToAddress,
		Value:     "1000",
		Nonce:     n,
		GasLimit:  21_000,
		GasFeeCap: "60000000000",
		GasTipCap: "2000000000",
		ChainID:   137,
		Chain:     types.ChainPolygon,
		Network:   types.NetworkMainnet,
		TxHash:    tx.Hash(),
		CreatedAt: now,
	}
	body, err := types.EncodeBody(&types.SignedTxPayload{
		RequestID: req.RequestID,
		Chain:     rec.Chain,
		Network:   rec.Network,
		From:      rec.From,
		Nonce:     n,
		Raw:       raw,
		TxHash:    rec.TxHash,
		GasLimit:  rec.GasLimit,
		GasFeeCap: rec.GasFeeCap,
		GasTipCap: rec.GasTipCap,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.stg.PutSignedAndEnqueue(rec, queue.SignedTx, body); err != nil {
		t.Fatal(err)
	}
	return req.RequestID, rec.TxHash
}

func TestDrainInOrder(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	ids := make([]string, 3)
	for n := range ids {
		ids[n], _ = f.emit(t, uint64(n))
	}
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	// Strictly ascending nonce order on the wire.
	c.Assert(f.mock.SentNonces(f.sig.Address()), qt.DeepEquals, []uint64{0, 1, 2})

	for _, id := range ids {
		r, err := f.stg.Request(id)
		c.Assert(err, qt.IsNil)
		c.Assert(r.Status, qt.Equals, types.StatusSent)
	}
	depth, err := f.stg.QueueDepth(queue.BroadcastTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 3)
	depth, err = f.stg.QueueDepth(queue.SignedTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 0)
}

// TestGapHealedByLateArrival checks that a gap at the head blocks the queue
// until the missing nonce shows up, then everything drains in order.
func TestGapHealedByLateArrival(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	id1, _ := f.emit(t, 1)
	id2, _ := f.emit(t, 2)
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	// Nothing was sent: the expected nonce 0 is missing.
	c.Assert(len(f.mock.SentNonces(f.sig.Address())), qt.Equals, 0)
	r, err := f.stg.Request(id1)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSigned)

	// The late arrival unblocks the whole queue.
	id0, _ := f.emit(t, 0)
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)
	c.Assert(f.mock.SentNonces(f.sig.Address()), qt.DeepEquals, []uint64{0, 1, 2})
	for _, id := range []string{id0, id1, id2} {
		r, err := f.stg.Request(id)
		c.Assert(err, qt.IsNil)
		c.Assert(r.Status, qt.Equals, types.StatusSent)
	}
}

// TestGapFilledAfterTimeout checks that a gap that never heals is consumed
// by 1-wei self-transfer fillers once the timeout expires.
func TestGapFilledAfterTimeout(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	opts := quickOptions()
	opts.GapTimeout = 50 * time.Millisecond
	opts.LongPoll = 50 * time.Millisecond
	f := newFixture(t, opts)

	id1, _ := f.emit(t, 1)
	id2, _ := f.emit(t, 2)
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)
	c.Assert(len(f.mock.SentNonces(f.sig.Address())), qt.Equals, 0)

	time.Sleep(100 * time.Millisecond)
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	// The filler consumed nonce 0, then the real transactions went out.
	c.Assert(f.mock.SentNonces(f.sig.Address()), qt.DeepEquals, []uint64{0, 1, 2})
	filler := f.mock.SentTxs()[0]
	c.Assert(filler.To().Hex(), qt.Equals, f.sig.Address().Hex())
	c.Assert(filler.Value().Int64(), qt.Equals, int64(1))
	c.Assert(filler.Gas(), qt.Equals, uint64(21_000))

	for _, id := range []string{id1, id2} {
		r, err := f.stg.Request(id)
		c.Assert(err, qt.IsNil)
		c.Assert(r.Status, qt.Equals, types.StatusSent)
	}
}

// TestTransientFailureNoDuplicate checks that a transient RPC failure leads
// to a redelivery, not a duplicate on-chain submission.
func TestTransientFailureNoDuplicate(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	id, hash := f.emit(t, 0)
	f.mock.FailNextSend(hash, errors.New("connection refused"))

	c.Assert(f.worker.Cycle(ctx), qt.IsNil)
	c.Assert(len(f.mock.SentNonces(f.sig.Address())), qt.Equals, 0)
	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSigned)

	// The nack made the message visible again; the retry sends exactly once.
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)
	c.Assert(f.mock.SentNonces(f.sig.Address()), qt.DeepEquals, []uint64{0})
	r, err = f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSent)
	depth, err := f.stg.QueueDepth(queue.BroadcastTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 1)
}

// TestBumpOnUnderpriced checks that an underpriced rejection triggers a fee
// bump and re-sign at the same nonce, superseding the stored record.
func TestBumpOnUnderpriced(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	id, hash := f.emit(t, 0)
	f.mock.FailNextSend(hash, errors.New("replacement transaction underpriced"))

	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	sent := f.mock.SentTxs()
	c.Assert(len(sent), qt.Equals, 1)
	c.Assert(sent[0].Nonce(), qt.Equals, uint64(0))
	c.Assert(sent[0].Hash(), qt.Not(qt.Equals), hash)
	// Fees bumped ×1.1.
	c.Assert(sent[0].GasFeeCap().String(), qt.Equals, "66000000000")
	c.Assert(sent[0].GasTipCap().String(), qt.Equals, "2200000000")

	old, err := f.stg.SignedTxByHash(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(old.Superseded, qt.IsTrue)
	replacement, err := f.stg.SignedTxByHash(sent[0].Hash())
	c.Assert(err, qt.IsNil)
	c.Assert(replacement.Nonce, qt.Equals, uint64(0))
	c.Assert(replacement.Superseded, qt.IsFalse)

	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSent)

	// The broadcast-tx message carries the replacement hash.
	msgs, err := f.stg.Receive(ctx, queue.BroadcastTx, 1, 0)
	c.Assert(err, qt.IsNil)
	var payload types.BroadcastTxPayload
	c.Assert(types.DecodeBody(msgs[0].Body, &payload), qt.IsNil)
	c.Assert(payload.TxHash, qt.Equals, sent[0].Hash())
}

// TestRedeliveryAfterBroadcast checks that a hash already marked broadcast
// is completed without a second submission.
func TestRedeliveryAfterBroadcast(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	id, hash := f.emit(t, 0)
	c.Assert(f.stg.MarkBroadcasted(hash), qt.IsNil)

	c.Assert(f.worker.Cycle(ctx), qt.IsNil)
	c.Assert(len(f.mock.SentNonces(f.sig.Address())), qt.Equals, 0)

	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSent)
	depth, err := f.stg.QueueDepth(queue.BroadcastTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 1)
}
