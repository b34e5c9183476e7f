package web3

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	gasEstimateAttempts = 3
	gasEstimateBackoff  = 500 * time.Millisecond
	gasHintCacheSize    = 512
)

// GasEstimator estimates gas for calls with a safety buffer, keeping an LRU
// of past estimates keyed by calldata shape so repeated transfer estimates
// can fall back to a hint when the RPC is flaky.
type GasEstimator struct {
	cli           Client
	bufferPercent uint64
	hints         *lru.Cache[string, uint64]
}

// NewGasEstimator builds an estimator. bufferPercent is added on top of the
// RPC estimate (20 means +20%).
func NewGasEstimator(cli Client, bufferPercent uint64) (*GasEstimator, error) {
	hints, err := lru.New[string, uint64](gasHintCacheSize)
	if err != nil {
		return nil, fmt.Errorf("gas hint cache: %w", err)
	}
	return &GasEstimator{cli: cli, bufferPercent: bufferPercent, hints: hints}, nil
}

// Estimate returns the buffered gas limit for the call. Network-class
// failures are retried in place; after the retry budget is spent a cached
// hint for the same call shape is used when available.
func (g *GasEstimator) Estimate(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < gasEstimateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(gasEstimateBackoff * time.Duration(attempt)):
			}
		}
		est, err := g.cli.EstimateGas(ctx, msg)
		if err == nil {
			buffered := est + est*g.bufferPercent/100
			g.hints.Add(hintKey(msg), buffered)
			return buffered, nil
		}
		lastErr = err
		if !isNetworkErr(err) {
			break
		}
	}
	if hint, ok := g.hints.Get(hintKey(msg)); ok && isNetworkErr(lastErr) {
		return hint, nil
	}
	return 0, fmt.Errorf("estimate gas: %w", lastErr)
}

// hintKey identifies a call shape: recipient plus the calldata selector and
// length. Amounts vary between transfers but the gas profile does not.
func hintKey(msg ethereum.CallMsg) string {
	var to []byte
	if msg.To != nil {
		to = msg.To.Bytes()
	}
	selector := msg.Data
	if len(selector) > 4 {
		selector = selector[:4]
	}
	h := crypto.Keccak256(to, selector, []byte{byte(len(msg.Data))})
	return string(h[:8])
}
