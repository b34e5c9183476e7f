package web3

import (
	"fmt"
	"sync"
)

// Endpoint bundles the per-chain RPC access: the client plus its fee source
// and gas estimator.
type Endpoint struct {
	Client Client
	Fees   *FeeSource
	Gas    *GasEstimator
}

// Pool holds one Endpoint per chain id.
type Pool struct {
	mu        sync.RWMutex
	endpoints map[uint64]*Endpoint
}

// NewPool returns an empty endpoint pool.
func NewPool() *Pool {
	return &Pool{endpoints: make(map[uint64]*Endpoint)}
}

// Add registers an endpoint for a chain id, building its fee source and gas
// estimator.
func (p *Pool) Add(chainID uint64, cli Client, eip1559 bool, tipPercent int64, gasBufferPercent uint64) error {
	gas, err := NewGasEstimator(cli, gasBufferPercent)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[chainID] = &Endpoint{
		Client: cli,
		Fees:   NewFeeSource(cli, eip1559, tipPercent),
		Gas:    gas,
	}
	return nil
}

// Endpoint returns the endpoint for a chain id.
func (p *Pool) Endpoint(chainID uint64) (*Endpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.endpoints[chainID]
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint for chain id %d", chainID)
	}
	return ep, nil
}
