package web3

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// FeeCaps carries the execution fee parameters for a transaction.
type FeeCaps struct {
	// EIP-1559 caps.
	TipCap *big.Int // maxPriorityFeePerGas
	FeeCap *big.Int // maxFeePerGas

	// Legacy gas price, set only for pre-1559 chains.
	GasPrice *big.Int
}

const (
	// feeCacheTTL is how long a fee suggestion stays fresh. RPC fee data
	// moves block by block; anything older than a second is stale.
	feeCacheTTL = time.Second

	// bump factor ×1.1 per replacement attempt
	bumpFactorNum = int64(110)
	bumpFactorDen = int64(100)
)

// FeeSource suggests fees from the chain, caching the last answer for a
// short TTL so a signing cycle of many transfers hits the RPC once.
type FeeSource struct {
	cli        Client
	eip1559    bool
	tipPercent int64 // extra tip on top of the suggestion, in percent

	mu        sync.Mutex
	cached    FeeCaps
	fetchedAt time.Time
}

// NewFeeSource builds a fee source for one chain. tipPercent is added on top
// of the RPC tip suggestion (10 means +10%).
func NewFeeSource(cli Client, eip1559 bool, tipPercent int64) *FeeSource {
	return &FeeSource{cli: cli, eip1559: eip1559, tipPercent: tipPercent}
}

// Suggest returns current fee caps, from cache when fresh.
func (f *FeeSource) Suggest(ctx context.Context) (FeeCaps, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.fetchedAt) < feeCacheTTL && (f.cached.TipCap != nil || f.cached.GasPrice != nil) {
		return f.cached, nil
	}
	fees, err := f.fetch(ctx)
	if err != nil {
		return FeeCaps{}, err
	}
	f.cached = fees
	f.fetchedAt = time.Now()
	return fees, nil
}

func (f *FeeSource) fetch(ctx context.Context) (FeeCaps, error) {
	h, err := f.cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeCaps{}, fmt.Errorf("header by number: %w", err)
	}
	if !f.eip1559 || h.BaseFee == nil {
		tip, err := f.cli.SuggestGasTipCap(ctx)
		if err != nil {
			return FeeCaps{}, fmt.Errorf("suggest tip: %w", err)
		}
		price := tip
		if h.BaseFee != nil {
			price = new(big.Int).Add(h.BaseFee, tip)
		}
		return FeeCaps{GasPrice: mulFrac(price, 100+f.tipPercent, 100)}, nil
	}

	tip, err := f.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeCaps{}, fmt.Errorf("suggest tip: %w", err)
	}
	// tip' = tip * (100+tipPercent)%, feeCap = base*2 + tip'
	tipBoosted := mulFrac(tip, 100+f.tipPercent, 100)
	feeCap := new(big.Int).Mul(h.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipBoosted)
	return FeeCaps{TipCap: tipBoosted, FeeCap: feeCap}, nil
}

// Bump raises the caps by ×1.1 for a replacement transaction, bounded by
// ceiling (max fee per gas in wei, 0 = unbounded). The nonce owner re-signs
// with the bumped caps.
func Bump(fees FeeCaps, ceiling *big.Int) FeeCaps {
	out := FeeCaps{
		TipCap:   mulFrac(fees.TipCap, bumpFactorNum, bumpFactorDen),
		FeeCap:   mulFrac(fees.FeeCap, bumpFactorNum, bumpFactorDen),
		GasPrice: mulFrac(fees.GasPrice, bumpFactorNum, bumpFactorDen),
	}
	if ceiling != nil && ceiling.Sign() > 0 {
		out.TipCap = minBig(out.TipCap, ceiling)
		out.FeeCap = minBig(out.FeeCap, ceiling)
		out.GasPrice = minBig(out.GasPrice, ceiling)
	}
	return out
}

func mulFrac(x *big.Int, num, den int64) *big.Int {
	if x == nil {
		return nil
	}
	xx := new(big.Int).Set(x)
	xx.Mul(xx, big.NewInt(num))
	xx.Div(xx, big.NewInt(den))
	return xx
}

func minBig(x, bound *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	if x.Cmp(bound) > 0 {
		return new(big.Int).Set(bound)
	}
	return x
}
