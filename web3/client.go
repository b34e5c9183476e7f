// Package web3 provides the RPC access layer of the pipeline: a narrow
// client interface over ethclient, fee suggestion with a short-TTL cache,
// fee bumping and gas estimation with a safety buffer.
package web3

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// defaultTimeout bounds every RPC round trip unless the caller's context is
// tighter.
var defaultTimeout = 5 * time.Second

// Client is the subset of the Ethereum RPC surface the pipeline needs. The
// production implementation wraps ethclient; tests use MockClient.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient implements Client over a single RPC endpoint.
type EthClient struct {
	cli *ethclient.Client
	url string
}

var _ Client = (*EthClient)(nil)

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, url string) (*EthClient, error) {
	cli, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &EthClient{cli: cli, url: url}, nil
}

// Close releases the underlying connection.
func (c *EthClient) Close() {
	c.cli.Close()
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.ChainID(ctx)
}

func (c *EthClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.NonceAt(ctx, account, nil)
}

func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.PendingNonceAt(ctx, account)
}

func (c *EthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.SuggestGasTipCap(ctx)
}

func (c *EthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gtypes.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.HeaderByNumber(ctx, number)
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.EstimateGas(ctx, msg)
}

func (c *EthClient) SendTransaction(ctx context.Context, tx *gtypes.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.SendTransaction(ctx, tx)
}

func (c *EthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.TransactionReceipt(ctx, txHash)
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.cli.BlockNumber(ctx)
}
