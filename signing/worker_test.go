package signing

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/chainpay/withdrawd/config"
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
	usdtPolygon = "0xc2132D05D31c914a87C6611C10748AEb04B58e8F"
	destination = "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd"
)

type fixture struct {
	stg    *storage.Storage
	worker *Worker
	mock   *web3.MockClient
	sig    *signer.Signer
}

func newFixture(t *testing.T) *fixture {
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

	opts := DefaultOptions()
	opts.LongPoll = 200 * time.Millisecond
	w := New(stg, stg, sig, pool, nonce.NewCoordinator(nonce.NewMemoryStore()), opts)
	return &fixture{stg: stg, worker: w, mock: mock, sig: sig}
}

// enqueue persists a PENDING request and publishes its tx-request message,
// the way the ingress does.
func (f *fixture) enqueue(t *testing.T, amount, tokenAddress string) string {
	t.Helper()
	now := time.Now()
	req := &types.WithdrawalRequest{
		RequestID:    uuid.NewString(),
		Amount:       amount,
		TokenAddress: common.HexToAddress(tokenAddress),
		ToAddress:    common.HexToAddress(destination),
		Chain:        types.ChainPolygon,
		Network:      types.NetworkMainnet,
		Status:       types.StatusPending,
		Mode:         types.ModeSingle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	body, err := types.EncodeBody(types.TxRequestPayload{
		RequestID:    req.RequestID,
		Amount:       req.Amount,
		ToAddress:    req.ToAddress,
		TokenAddress: req.TokenAddress,
		Chain:        req.Chain,
		Network:      req.Network,
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.stg.PutRequestAndEnqueue(req, queue.TxRequest, body); err != nil {
		t.Fatal(err)
	}
	return req.RequestID
}

func TestBatchPolicy(t *testing.T) {
	c := qt.New(t)
	p := DefaultBatchPolicy()

	c.Assert(p.BatchGas(5), qt.Equals, uint64(225_000))
	// 5 singles cost 325k, the batch 225k: a 30% saving.
	c.Assert(p.SavingsPercent(5), qt.Equals, uint64(30))
	// 2 transfers cost less individually than the batch base.
	c.Assert(p.SavingsPercent(2), qt.Equals, uint64(0))

	cases := []struct {
		groupSize  int
		cycleTotal int
		gasCap     uint64
		want       bool
	}{
		{5, 5, 0, true},
		{2, 5, 0, false},  // group below threshold
		{3, 4, 0, false},  // cycle below minimum
		{3, 5, 0, false},  // 3 transfers save only 10%
		{5, 5, 200_000, false}, // batch gas above the chain cap
		{10, 10, 0, true},
	}
	for _, tc := range cases {
		c.Assert(p.ShouldBatch(tc.groupSize, tc.cycleTotal, tc.gasCap), qt.Equals, tc.want,
			qt.Commentf("group=%d total=%d cap=%d", tc.groupSize, tc.cycleTotal, tc.gasCap))
	}
}

func TestCycleSingle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id := f.enqueue(t, "12.5", usdtPolygon)
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	// The request is SIGNED and the inbound message is gone.
	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSigned)
	c.Assert(r.Mode, qt.Equals, types.ModeSingle)
	depth, err := f.stg.QueueDepth(queue.TxRequest)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 0)

	// A signed-tx message carries the raw transaction.
	msgs, err := f.stg.Receive(ctx, queue.SignedTx, 1, 0)
	c.Assert(err, qt.IsNil)
	var payload types.SignedTxPayload
	c.Assert(types.DecodeBody(msgs[0].Body, &payload), qt.IsNil)
	c.Assert(payload.RequestID, qt.Equals, id)
	c.Assert(payload.From, qt.Equals, f.sig.Address())
	c.Assert(payload.Nonce, qt.Equals, uint64(0))

	// The raw transaction is a valid EIP-1559 ERC-20 transfer.
	tx := new(gtypes.Transaction)
	c.Assert(tx.UnmarshalBinary(payload.Raw), qt.IsNil)
	c.Assert(tx.Type(), qt.Equals, uint8(gtypes.DynamicFeeTxType))
	c.Assert(tx.To().Hex(), qt.Equals, common.HexToAddress(usdtPolygon).Hex())
	c.Assert(tx.Value().Sign(), qt.Equals, 0)
	c.Assert(tx.Data()[:4], qt.DeepEquals, []byte{0xa9, 0x05, 0x9c, 0xbb})
	// Mock estimate 60k plus the 20% buffer.
	c.Assert(tx.Gas(), qt.Equals, uint64(72_000))

	rec, err := f.stg.SignedTxByHash(payload.TxHash)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.RequestID, qt.Equals, id)
	c.Assert(rec.Batch(), qt.IsFalse)
}

func TestCycleNative(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id := f.enqueue(t, "0.25", "")
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	msgs, err := f.stg.Receive(ctx, queue.SignedTx, 1, 0)
	c.Assert(err, qt.IsNil)
	var payload types.SignedTxPayload
	c.Assert(types.DecodeBody(msgs[0].Body, &payload), qt.IsNil)
	c.Assert(payload.RequestID, qt.Equals, id)

	tx := new(gtypes.Transaction)
	c.Assert(tx.UnmarshalBinary(payload.Raw), qt.IsNil)
	c.Assert(tx.To().Hex(), qt.Equals, common.HexToAddress(destination).Hex())
	// 0.25 POL in wei.
	c.Assert(tx.Value().String(), qt.Equals, "250000000000000000")
	c.Assert(len(tx.Data()), qt.Equals, 0)
	// Plain transfer estimate 21k plus the 20% buffer.
	c.Assert(tx.Gas(), qt.Equals, uint64(25_200))
}

func TestCycleBatch(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = f.enqueue(t, fmt.Sprintf("%d.5", i+1), usdtPolygon)
	}
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	// One multicall message for all five requests.
	msgs, err := f.stg.Receive(ctx, queue.SignedTx, 10, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(len(msgs), qt.Equals, 1)
	var payload types.SignedTxPayload
	c.Assert(types.DecodeBody(msgs[0].Body, &payload), qt.IsNil)
	c.Assert(payload.BatchID, qt.Not(qt.Equals), "")
	c.Assert(payload.RequestID, qt.Equals, "")

	tx := new(gtypes.Transaction)
	c.Assert(tx.UnmarshalBinary(payload.Raw), qt.IsNil)
	c.Assert(*tx.To(), qt.Equals, config.Multicall3Address)
	c.Assert(tx.Data()[:4], qt.DeepEquals, []byte{0x82, 0xad, 0x56, 0xcb})

	rec, err := f.stg.SignedTxByBatch(payload.BatchID)
	c.Assert(err, qt.IsNil)
	c.Assert(len(rec.RequestIDs), qt.Equals, 5)

	for _, id := range ids {
		r, err := f.stg.Request(id)
		c.Assert(err, qt.IsNil)
		c.Assert(r.Status, qt.Equals, types.StatusSigned)
		c.Assert(r.Mode, qt.Equals, types.ModeBatch)
		c.Assert(r.BatchID, qt.Equals, payload.BatchID)
	}
}

// TestCycleSmallGroupStaysSingle checks that a same-token group below the
// cycle minimum is signed individually.
func TestCycleSmallGroupStaysSingle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.enqueue(t, "1.5", usdtPolygon)
	}
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	msgs, err := f.stg.Receive(ctx, queue.SignedTx, 10, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(len(msgs), qt.Equals, 3)
	for _, msg := range msgs {
		var payload types.SignedTxPayload
		c.Assert(types.DecodeBody(msg.Body, &payload), qt.IsNil)
		c.Assert(payload.BatchID, qt.Equals, "")
	}
}

// TestCycleDistinctNonces checks that every signed transaction in a cycle
// gets its own nonce, in allocation order.
func TestCycleDistinctNonces(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.enqueue(t, "1.5", usdtPolygon)
	}
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	msgs, err := f.stg.Receive(ctx, queue.SignedTx, 10, 0)
	c.Assert(err, qt.IsNil)
	seen := make(map[uint64]bool)
	for _, msg := range msgs {
		var payload types.SignedTxPayload
		c.Assert(types.DecodeBody(msg.Body, &payload), qt.IsNil)
		c.Assert(seen[payload.Nonce], qt.IsFalse)
		seen[payload.Nonce] = true
	}
	c.Assert(len(seen), qt.Equals, 3)
}

func TestCycleValidationFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t)

	// The amount violates the token's decimal precision: the re-derivation
	// in the worker must fail the request terminally.
	id := f.enqueue(t, "0.1234567", usdtPolygon)
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusFailed)
	c.Assert(strings.Contains(r.ErrorMessage, "Invalid amount"), qt.IsTrue)

	// No signed-tx message, no leftover tx-request message.
	_, err = f.stg.Receive(ctx, queue.SignedTx, 1, 0)
	c.Assert(err, qt.Equals, queue.ErrNoMessages)
	depth, err := f.stg.QueueDepth(queue.TxRequest)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 0)
}

// TestCycleSkipsProcessed checks that a redelivered message for a request
// already past signing is acked without effect.
func TestCycleSkipsProcessed(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id := f.enqueue(t, "12.5", usdtPolygon)
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	// Replay the same tx-request message.
	body, err := types.EncodeBody(types.TxRequestPayload{
		RequestID: id,
		Amount:    "12.5",
		Chain:     types.ChainPolygon,
		Network:   types.NetworkMainnet,
	})
	c.Assert(err, qt.IsNil)
	_, err = f.stg.Send(ctx, queue.TxRequest, body)
	c.Assert(err, qt.IsNil)
	c.Assert(f.worker.Cycle(ctx), qt.IsNil)

	// Exactly one signed-tx message exists; the replay was swallowed.
	depth, err := f.stg.QueueDepth(queue.SignedTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 1)
	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSigned)
}
