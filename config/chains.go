// Package config holds the static registry of supported chains, networks
// and tokens, and the per-chain broadcast and confirmation policy.
package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainpay/withdrawd/types"
)

// Multicall3 is deployed at the same address on every supported chain.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Token describes one supported ERC-20 on a network.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// ChainConfig is the static per-chain policy.
type ChainConfig struct {
	ChainID         map[types.Network]uint64
	NativeSymbol    string
	NativeDecimals  uint8
	SupportsEIP1559 bool
	// Confirmations before a receipt counts as final.
	Confirmations uint64
	// ReorgWindow is how many blocks a vanished receipt is re-awaited
	// before the request fails.
	ReorgWindow uint64
	// GasLimitCap bounds any single transaction, batches included.
	GasLimitCap uint64
	Tokens      map[types.Network][]Token
}

// chains is the supported set. Token lists cover the stablecoins the
// pipeline settles; operators extend them per deployment.
var chains = map[types.Chain]ChainConfig{
	types.ChainPolygon: {
		ChainID:         map[types.Network]uint64{types.NetworkMainnet: 137, types.NetworkTestnet: 80002},
		NativeSymbol:    "POL",
		NativeDecimals:  18,
		SupportsEIP1559: true,
		Confirmations:   30,
		ReorgWindow:     128,
		GasLimitCap:     10_000_000,
		Tokens: map[types.Network][]Token{
			types.NetworkMainnet: {
				{Symbol: "USDT", Address: common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F"), Decimals: 6},
				{Symbol: "USDC", Address: common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"), Decimals: 6},
				{Symbol: "DAI", Address: common.HexToAddress("0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063"), Decimals: 18},
			},
			types.NetworkTestnet: {
				{Symbol: "USDC", Address: common.HexToAddress("0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"), Decimals: 6},
			},
		},
	},
	types.ChainEthereum: {
		ChainID:         map[types.Network]uint64{types.NetworkMainnet: 1, types.NetworkTestnet: 11155111},
		NativeSymbol:    "ETH",
		NativeDecimals:  18,
		SupportsEIP1559: true,
		Confirmations:   12,
		ReorgWindow:     64,
		GasLimitCap:     6_000_000,
		Tokens: map[types.Network][]Token{
			types.NetworkMainnet: {
				{Symbol: "USDT", Address: common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"), Decimals: 6},
				{Symbol: "USDC", Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6},
				{Symbol: "DAI", Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Decimals: 18},
			},
			types.NetworkTestnet: {
				{Symbol: "USDC", Address: common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"), Decimals: 6},
			},
		},
	},
	types.ChainBSC: {
		ChainID:         map[types.Network]uint64{types.NetworkMainnet: 56, types.NetworkTestnet: 97},
		NativeSymbol:    "BNB",
		NativeDecimals:  18,
		SupportsEIP1559: false,
		Confirmations:   15,
		ReorgWindow:     64,
		GasLimitCap:     10_000_000,
		Tokens: map[types.Network][]Token{
			types.NetworkMainnet: {
				{Symbol: "USDT", Address: common.HexToAddress("0x55d398326f99059fF775485246999027B3197955"), Decimals: 18},
				{Symbol: "USDC", Address: common.HexToAddress("0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"), Decimals: 18},
			},
			types.NetworkTestnet: {},
		},
	},
}

// Supported reports whether the (chain, network) pair is served.
func Supported(chain types.Chain, network types.Network) bool {
	c, ok := chains[chain]
	if !ok {
		return false
	}
	_, ok = c.ChainID[network]
	return ok
}

// Chain returns the static config for a chain.
func Chain(chain types.Chain) (ChainConfig, error) {
	c, ok := chains[chain]
	if !ok {
		return ChainConfig{}, fmt.Errorf("unsupported chain %q", chain)
	}
	return c, nil
}

// ChainID resolves the numeric chain id for a (chain, network) pair.
func ChainID(chain types.Chain, network types.Network) (uint64, error) {
	c, ok := chains[chain]
	if !ok {
		return 0, fmt.Errorf("unsupported chain %q", chain)
	}
	id, ok := c.ChainID[network]
	if !ok {
		return 0, fmt.Errorf("chain %q has no network %q", chain, network)
	}
	return id, nil
}

// TokenByAddress looks up a supported ERC-20 by address (case-insensitive).
func TokenByAddress(chain types.Chain, network types.Network, address common.Address) (Token, bool) {
	c, ok := chains[chain]
	if !ok {
		return Token{}, false
	}
	for _, t := range c.Tokens[network] {
		if t.Address == address {
			return t, true
		}
	}
	return Token{}, false
}

// TokenBySymbol looks up a supported ERC-20 by symbol.
func TokenBySymbol(chain types.Chain, network types.Network, symbol string) (Token, bool) {
	c, ok := chains[chain]
	if !ok {
		return Token{}, false
	}
	for _, t := range c.Tokens[network] {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}
