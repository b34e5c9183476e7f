package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/chainpay/withdrawd/types"
)

// countingClient wraps a Client counting header fetches, to observe the fee
// cache.
type countingClient struct {
	Client
	headerCalls int
}

func (c *countingClient) HeaderByNumber(ctx context.Context, n *big.Int) (*gtypes.Header, error) {
	c.headerCalls++
	return c.Client.HeaderByNumber(ctx, n)
}

// flakyClient wraps a Client making EstimateGas fail with a fixed error.
type flakyClient struct {
	Client
	estimateErr error
}

func (c *flakyClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	return c.Client.EstimateGas(ctx, msg)
}

func TestFeeSourceEIP1559(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	// Mock: base fee 30 gwei, tip 1.5 gwei. With +10% the tip becomes
	// 1.65 gwei and the cap base*2 + tip'.
	fees, err := NewFeeSource(NewMockClient(137), true, 10).Suggest(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(fees.TipCap.String(), qt.Equals, "1650000000")
	c.Assert(fees.FeeCap.String(), qt.Equals, "61650000000")
	c.Assert(fees.GasPrice, qt.IsNil)
}

func TestFeeSourceLegacy(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	// Legacy price is (base + tip) boosted by the tip percent.
	fees, err := NewFeeSource(NewMockClient(56), false, 10).Suggest(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(fees.GasPrice.String(), qt.Equals, "34650000000")
	c.Assert(fees.TipCap, qt.IsNil)
	c.Assert(fees.FeeCap, qt.IsNil)
}

func TestFeeSourceCache(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	counting := &countingClient{Client: NewMockClient(137)}
	src := NewFeeSource(counting, true, 10)

	first, err := src.Suggest(ctx)
	c.Assert(err, qt.IsNil)
	second, err := src.Suggest(ctx)
	c.Assert(err, qt.IsNil)

	// The second call within the TTL is served from cache.
	c.Assert(counting.headerCalls, qt.Equals, 1)
	c.Assert(second.FeeCap.String(), qt.Equals, first.FeeCap.String())
}

func TestBump(t *testing.T) {
	c := qt.New(t)

	fees := Bump(FeeCaps{
		TipCap: big.NewInt(2_000_000_000),
		FeeCap: big.NewInt(60_000_000_000),
	}, nil)
	c.Assert(fees.TipCap.String(), qt.Equals, "2200000000")
	c.Assert(fees.FeeCap.String(), qt.Equals, "66000000000")
	c.Assert(fees.GasPrice, qt.IsNil)

	// The ceiling bounds the bumped caps.
	fees = Bump(FeeCaps{FeeCap: big.NewInt(60_000_000_000)}, big.NewInt(61_000_000_000))
	c.Assert(fees.FeeCap.String(), qt.Equals, "61000000000")

	fees = Bump(FeeCaps{GasPrice: big.NewInt(5_000_000_000)}, nil)
	c.Assert(fees.GasPrice.String(), qt.Equals, "5500000000")
}

func TestClassifySendError(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		err  string
		want types.ErrorKind
	}{
		{"nonce too low", types.KindNonce},
		{"Nonce too high", types.KindNonce},
		{"replacement transaction underpriced", types.KindGasPrice},
		{"max fee per gas less than block base fee", types.KindGasPrice},
		{"insufficient funds for gas * price + value", types.KindBusiness},
		{"connection refused", types.KindNetwork},
		{"429 Too Many Requests", types.KindNetwork},
		{"execution reverted", types.KindUnknown},
	}
	for _, tc := range cases {
		got := ClassifySendError(errors.New(tc.err))
		c.Assert(got, qt.Equals, tc.want, qt.Commentf("error %q", tc.err))
	}
	c.Assert(ClassifySendError(nil), qt.Equals, types.ErrorKind(""))
	c.Assert(ClassifySendError(context.DeadlineExceeded), qt.Equals, types.KindNetwork)
}

func TestErrorPredicates(t *testing.T) {
	c := qt.New(t)

	c.Assert(IsAlreadyKnown(errors.New("already known")), qt.IsTrue)
	c.Assert(IsAlreadyKnown(errors.New("known transaction: 0xabc")), qt.IsTrue)
	c.Assert(IsUnderpriced(errors.New("transaction underpriced")), qt.IsTrue)
	c.Assert(IsNonceTooLow(fmt.Errorf("rpc: %w", errors.New("nonce too low"))), qt.IsTrue)
	c.Assert(IsNonceTooLow(nil), qt.IsFalse)
	c.Assert(IsNetworkErr(errors.New("dial tcp: i/o timeout")), qt.IsTrue)
	c.Assert(IsNetworkErr(errors.New("execution reverted")), qt.IsFalse)
}

func TestGasEstimate(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	gas, err := NewGasEstimator(NewMockClient(137), 20)
	c.Assert(err, qt.IsNil)

	to := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd")
	// Plain transfer: 21k plus 20%.
	limit, err := gas.Estimate(ctx, ethereum.CallMsg{To: &to})
	c.Assert(err, qt.IsNil)
	c.Assert(limit, qt.Equals, uint64(25_200))

	// Contract call: 60k plus 20%.
	limit, err = gas.Estimate(ctx, ethereum.CallMsg{To: &to, Data: []byte{0xa9, 0x05, 0x9c, 0xbb, 0x00}})
	c.Assert(err, qt.IsNil)
	c.Assert(limit, qt.Equals, uint64(72_000))
}

// TestGasEstimateHintFallback checks that persistent network failures fall
// back to the cached estimate for the same call shape.
func TestGasEstimateHintFallback(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	flaky := &flakyClient{Client: NewMockClient(137)}
	gas, err := NewGasEstimator(flaky, 20)
	c.Assert(err, qt.IsNil)

	to := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd")
	msg := ethereum.CallMsg{To: &to, Data: []byte{0xa9, 0x05, 0x9c, 0xbb, 0x00}}

	// Seed the hint with a successful estimate.
	limit, err := gas.Estimate(ctx, msg)
	c.Assert(err, qt.IsNil)
	c.Assert(limit, qt.Equals, uint64(72_000))

	// The RPC goes flaky: the cached hint is served.
	flaky.estimateErr = errors.New("connection reset by peer")
	limit, err = gas.Estimate(ctx, msg)
	c.Assert(err, qt.IsNil)
	c.Assert(limit, qt.Equals, uint64(72_000))

	// A non-network failure is returned immediately, hint or not.
	flaky.estimateErr = errors.New("execution reverted")
	_, err = gas.Estimate(ctx, msg)
	c.Assert(err, qt.IsNotNil)
}

func TestPool(t *testing.T) {
	c := qt.New(t)

	pool := NewPool()
	c.Assert(pool.Add(137, NewMockClient(137), true, 10, 20), qt.IsNil)

	ep, err := pool.Endpoint(137)
	c.Assert(err, qt.IsNil)
	c.Assert(ep.Client, qt.IsNotNil)
	c.Assert(ep.Fees, qt.IsNotNil)
	c.Assert(ep.Gas, qt.IsNotNil)

	_, err = pool.Endpoint(1)
	c.Assert(err, qt.IsNotNil)
}
