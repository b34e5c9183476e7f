package monitor

import (
	"context"
	"math/big"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/chainpay/withdrawd/db"
	"github.com/chainpay/withdrawd/db/inmemory"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/storage"
	"github.com/chainpay/withdrawd/types"
	"github.com/chainpay/withdrawd/web3"
)

type fixture struct {
	stg     *storage.Storage
	monitor *Monitor
	mock    *web3.MockClient
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	database, err := inmemory.New(db.Options{})
	if err != nil {
		t.Fatal(err)
	}
	stg := storage.New(database, storage.DefaultOptions())
	t.Cleanup(stg.Close)

	mock := web3.NewMockClient(137)
	pool := web3.NewPool()
	if err := pool.Add(137, mock, true, 10, 20); err != nil {
		t.Fatal(err)
	}
	return &fixture{stg: stg, monitor: New(stg, stg, pool, opts), mock: mock}
}

func quickOptions() Options {
	opts := DefaultOptions()
	opts.LongPoll = 100 * time.Millisecond
	// Shallow depth so tests confirm within a few mock blocks.
	opts.Confirmations = map[types.Chain]uint64{types.ChainPolygon: 5}
	return opts
}

// seed creates a request in SENT and publishes its broadcast-tx message.
func (f *fixture) seed(t *testing.T, p types.BroadcastTxPayload) string {
	t.Helper()
	now := time.Now()
	req := &types.WithdrawalRequest{
		RequestID: uuid.NewString(),
		Amount:    "1.5",
		ToAddress: common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd"),
		Chain:     types.ChainPolygon,
		Network:   types.NetworkMainnet,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.stg.PutRequest(req); err != nil {
		t.Fatal(err)
	}
	for _, next := range []types.Status{types.StatusValidating, types.StatusSigned,
		types.StatusBroadcasting, types.StatusSent} {
		if err := f.stg.TransitionRequest(req.RequestID, next, ""); err != nil {
			t.Fatal(err)
		}
	}

	p.RequestID = req.RequestID
	p.Chain = types.ChainPolygon
	p.Network = types.NetworkMainnet
	if p.SentAt.IsZero() {
		p.SentAt = now
	}
	body, err := types.EncodeBody(&p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.stg.Send(context.Background(), queue.BroadcastTx, body); err != nil {
		t.Fatal(err)
	}
	return req.RequestID
}

func TestConfirmed(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	hash := common.HexToHash("0xaa")
	f.mock.SetReceipt(hash, &gtypes.Receipt{
		Status:      gtypes.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(90),
		GasUsed:     52_000,
	})
	f.mock.SetBlock(100) // 11 confirmations, depth 5 required

	id := f.seed(t, types.BroadcastTxPayload{TxHash: hash, Nonce: 0})
	c.Assert(f.monitor.Cycle(ctx), qt.IsNil)

	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusConfirmed)

	sent, err := f.stg.SentTx(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(sent.BlockNumber, qt.Equals, uint64(90))
	c.Assert(sent.GasUsed, qt.Equals, uint64(52_000))

	depth, err := f.stg.QueueDepth(queue.BroadcastTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 0)
}

func TestReverted(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	hash := common.HexToHash("0xbb")
	f.mock.SetReceipt(hash, &gtypes.Receipt{
		Status:      gtypes.ReceiptStatusFailed,
		TxHash:      hash,
		BlockNumber: big.NewInt(95),
	})

	id := f.seed(t, types.BroadcastTxPayload{TxHash: hash})
	c.Assert(f.monitor.Cycle(ctx), qt.IsNil)

	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusFailed)
	c.Assert(r.ErrorMessage, qt.Equals, "reverted")

	// Terminal: nothing left to poll.
	depth, err := f.stg.QueueDepth(queue.BroadcastTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 0)
}

// TestPendingReschedule checks the delayed re-publication: a transaction
// without a receipt goes back on the queue with a backoff delay.
func TestPendingReschedule(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	hash := common.HexToHash("0xcc") // no receipt installed
	id := f.seed(t, types.BroadcastTxPayload{TxHash: hash})
	c.Assert(f.monitor.Cycle(ctx), qt.IsNil)

	// Re-published but not yet visible: the first backoff step is 1s.
	depth, err := f.stg.QueueDepth(queue.BroadcastTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 1)
	_, err = f.stg.Receive(ctx, queue.BroadcastTx, 1, 0)
	c.Assert(err, qt.Equals, queue.ErrNoMessages)

	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSent)

	// After the delay the payload comes back with the poll state advanced.
	msgs, err := f.stg.Receive(ctx, queue.BroadcastTx, 1, 2*time.Second)
	c.Assert(err, qt.IsNil)
	var p types.BroadcastTxPayload
	c.Assert(types.DecodeBody(msgs[0].Body, &p), qt.IsNil)
	c.Assert(p.Checks, qt.Equals, 1)
	c.Assert(p.TxHash, qt.Equals, hash)
}

// TestConfirmationDepth checks that a mined transaction waits for the
// required depth before confirming.
func TestConfirmationDepth(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	hash := common.HexToHash("0xdd")
	f.mock.SetReceipt(hash, &gtypes.Receipt{
		Status:      gtypes.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(100),
	})
	f.mock.SetBlock(100) // 1 confirmation, 5 required

	id := f.seed(t, types.BroadcastTxPayload{TxHash: hash})
	c.Assert(f.monitor.Cycle(ctx), qt.IsNil)
	r, err := f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSent)

	// The chain advances; the rescheduled check confirms.
	f.mock.SetBlock(110)
	time.Sleep(1200 * time.Millisecond) // past the first backoff step
	c.Assert(f.monitor.Cycle(ctx), qt.IsNil)
	r, err = f.stg.Request(id)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusConfirmed)
}

// TestReorg checks both reorg outcomes: re-awaited within the window,
// failed beyond it.
func TestReorg(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(t, quickOptions())

	// Receipt was seen at block 100, then vanished. Within the 128-block
	// window the transaction is re-awaited.
	hashA := common.HexToHash("0xaa")
	idA := f.seed(t, types.BroadcastTxPayload{TxHash: hashA, SeenBlock: 100})
	f.mock.SetBlock(150)
	c.Assert(f.monitor.Cycle(ctx), qt.IsNil)
	r, err := f.stg.Request(idA)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusSent)
	depth, err := f.stg.QueueDepth(queue.BroadcastTx)
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 1)

	// Past the window the transaction is considered dropped.
	hashB := common.HexToHash("0xbb")
	idB := f.seed(t, types.BroadcastTxPayload{TxHash: hashB, SeenBlock: 100})
	f.mock.SetBlock(300)
	c.Assert(f.monitor.Cycle(ctx), qt.IsNil)
	r, err = f.stg.Request(idB)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Status, qt.Equals, types.StatusFailed)
	c.Assert(r.ErrorMessage, qt.Equals, "dropped by reorg")
}

func TestPendingAlert(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	var alerted []time.Duration
	opts := quickOptions()
	opts.PendingAlertAfter = 30 * time.Minute
	opts.Alert = func(_ *types.BroadcastTxPayload, pendingFor time.Duration) {
		alerted = append(alerted, pendingFor)
	}
	f := newFixture(t, opts)

	hash := common.HexToHash("0xee") // never mined
	f.seed(t, types.BroadcastTxPayload{
		TxHash: hash,
		SentAt: time.Now().Add(-time.Hour),
	})
	c.Assert(f.monitor.Cycle(ctx), qt.IsNil)

	c.Assert(len(alerted), qt.Equals, 1)
	c.Assert(alerted[0] > 30*time.Minute, qt.IsTrue)

	// The republished payload remembers the alert so it fires only once.
	msgs, err := f.stg.Receive(ctx, queue.BroadcastTx, 1, 2*time.Second)
	c.Assert(err, qt.IsNil)
	var p types.BroadcastTxPayload
	c.Assert(types.DecodeBody(msgs[0].Body, &p), qt.IsNil)
	c.Assert(p.Alerted, qt.IsTrue)
}
