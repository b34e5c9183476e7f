package web3

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
)

// MockClient is an in-memory Client for tests and dry runs. It records the
// order of accepted sends so callers can assert nonce ordering, and lets the
// test script per-send failures.
type MockClient struct {
	mu sync.Mutex

	chainID    *big.Int
	baseFee    *big.Int
	tip        *big.Int
	block      uint64
	nonces     map[common.Address]uint64
	sent       []*gtypes.Transaction
	sendErrors map[common.Hash]error
	// SendHook, when set, runs before a send is accepted. Returning an
	// error rejects the transaction.
	SendHook func(tx *gtypes.Transaction) error

	receipts map[common.Hash]*gtypes.Receipt
}

var _ Client = (*MockClient)(nil)

// NewMockClient returns a mock for the given chain id with sane fee data.
func NewMockClient(chainID uint64) *MockClient {
	return &MockClient{
		chainID:    new(big.Int).SetUint64(chainID),
		baseFee:    big.NewInt(30_000_000_000), // 30 gwei
		tip:        big.NewInt(1_500_000_000),  // 1.5 gwei
		block:      100,
		nonces:     make(map[common.Address]uint64),
		sendErrors: make(map[common.Hash]error),
		receipts:   make(map[common.Hash]*gtypes.Receipt),
	}
}

func (m *MockClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.chainID), nil
}

func (m *MockClient) NonceAt(_ context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[account], nil
}

func (m *MockClient) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[account], nil
}

func (m *MockClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.tip), nil
}

func (m *MockClient) HeaderByNumber(_ context.Context, _ *big.Int) (*gtypes.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &gtypes.Header{
		Number:  new(big.Int).SetUint64(m.block),
		BaseFee: new(big.Int).Set(m.baseFee),
	}, nil
}

func (m *MockClient) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if len(msg.Data) == 0 {
		return 21_000, nil
	}
	return 60_000, nil
}

func (m *MockClient) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.sendErrors[tx.Hash()]; ok {
		delete(m.sendErrors, tx.Hash())
		return err
	}
	if m.SendHook != nil {
		if err := m.SendHook(tx); err != nil {
			return err
		}
	}
	signer := gtypes.LatestSignerForChainID(m.chainID)
	from, err := gtypes.Sender(signer, tx)
	if err != nil {
		return fmt.Errorf("recover sender: %w", err)
	}
	if tx.Nonce() < m.nonces[from] {
		return fmt.Errorf("nonce too low")
	}
	m.sent = append(m.sent, tx)
	m.nonces[from] = tx.Nonce() + 1
	m.receipts[tx.Hash()] = &gtypes.Receipt{
		Status:      gtypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(m.block),
		GasUsed:     21_000,
	}
	m.block++
	return nil
}

func (m *MockClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*gtypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (m *MockClient) BlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, nil
}

// FailNextSend makes the send of the transaction with the given hash fail
// once with the provided error.
func (m *MockClient) FailNextSend(txHash common.Hash, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrors[txHash] = err
}

// SetReceipt installs or replaces a receipt, letting tests script reverts
// and reorgs.
func (m *MockClient) SetReceipt(txHash common.Hash, r *gtypes.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		delete(m.receipts, txHash)
		return
	}
	m.receipts[txHash] = r
}

// SetBlock moves the mock chain head.
func (m *MockClient) SetBlock(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = n
}

// SentTxs returns the accepted transactions in send order.
func (m *MockClient) SentTxs() []*gtypes.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*gtypes.Transaction, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentNonces returns the nonces of accepted transactions from the given
// sender, in send order.
func (m *MockClient) SentNonces(from common.Address) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	signer := gtypes.LatestSignerForChainID(m.chainID)
	var out []uint64
	for _, tx := range m.sent {
		sender, err := gtypes.Sender(signer, tx)
		if err == nil && sender == from {
			out = append(out, tx.Nonce())
		}
	}
	return out
}
