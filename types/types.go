// Package types defines the domain model shared by every stage of the
// withdrawal pipeline: withdrawal requests and their status machine, signed
// transaction records, queue message envelopes and the error taxonomy.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Chain identifies a supported EVM chain.
type Chain string

const (
	ChainPolygon  Chain = "polygon"
	ChainEthereum Chain = "ethereum"
	ChainBSC      Chain = "bsc"
)

// Network identifies a deployment of a chain.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// Status is the lifecycle state of a withdrawal request. Transitions are
// monotone along the DAG:
//
//	PENDING → VALIDATING → {SIGNED|FAILED} → {BROADCASTING|FAILED} →
//	{SENT|FAILED} → {CONFIRMED|FAILED}
//
// CONFIRMED and FAILED are absorbing.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusValidating   Status = "VALIDATING"
	StatusSigned       Status = "SIGNED"
	StatusBroadcasting Status = "BROADCASTING"
	StatusSent         Status = "SENT"
	StatusConfirmed    Status = "CONFIRMED"
	StatusFailed       Status = "FAILED"
)

// statusNext encodes the valid forward edges of the status DAG.
var statusNext = map[Status][]Status{
	StatusPending:      {StatusValidating},
	StatusValidating:   {StatusSigned, StatusFailed},
	StatusSigned:       {StatusBroadcasting, StatusFailed},
	StatusBroadcasting: {StatusSent, StatusFailed},
	StatusSent:         {StatusConfirmed, StatusFailed},
}

// CanTransition reports whether moving from s to next follows the status DAG.
func (s Status) CanTransition(next Status) bool {
	for _, n := range statusNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// ProcessingMode indicates whether a request is signed individually or as
// part of a multicall batch.
type ProcessingMode string

const (
	ModeSingle ProcessingMode = "SINGLE"
	ModeBatch  ProcessingMode = "BATCH"
)

// ZeroAddress is the token address used for native-coin withdrawals.
var ZeroAddress = common.Address{}

// WithdrawalRequest is the durable record of a user withdrawal intent. It is
// created by the ingress in PENDING and mutated only by the worker owning the
// current lifecycle stage. It is never deleted (audit trail).
type WithdrawalRequest struct {
	RequestID    string         `cbor:"1,keyasint" json:"requestId"`
	Amount       string         `cbor:"2,keyasint" json:"amount"`
	Symbol       string         `cbor:"3,keyasint" json:"symbol,omitempty"`
	TokenAddress common.Address `cbor:"4,keyasint" json:"tokenAddress"`
	ToAddress    common.Address `cbor:"5,keyasint" json:"toAddress"`
	Chain        Chain          `cbor:"6,keyasint" json:"chain"`
	Network      Network        `cbor:"7,keyasint" json:"network"`
	Status       Status         `cbor:"8,keyasint" json:"status"`
	Mode         ProcessingMode `cbor:"9,keyasint" json:"processingMode,omitempty"`
	BatchID      string         `cbor:"10,keyasint" json:"batchId,omitempty"`
	TryCount     int            `cbor:"11,keyasint" json:"tryCount"`
	ErrorMessage string         `cbor:"12,keyasint" json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `cbor:"13,keyasint" json:"createdAt"`
	UpdatedAt    time.Time      `cbor:"14,keyasint" json:"updatedAt"`
}

// Native reports whether the request withdraws the chain's native coin.
func (r *WithdrawalRequest) Native() bool {
	return r.TokenAddress == ZeroAddress
}

// SignedTx is the durable record of a signed transaction, either a single
// withdrawal or a multicall batch. (ChainID, From, Nonce) is unique among
// non-superseded records; a gas-bumped replacement shares the triple but has
// a different hash and supersedes the prior record.
type SignedTx struct {
	RequestID  string      `cbor:"1,keyasint" json:"requestId,omitempty"`
	BatchID    string      `cbor:"2,keyasint" json:"batchId,omitempty"`
	RequestIDs []string    `cbor:"3,keyasint" json:"requestIds,omitempty"`
	Raw        HexBytes    `cbor:"4,keyasint" json:"rawTransaction"`
	From       common.Address `cbor:"5,keyasint" json:"from"`
	To         common.Address `cbor:"6,keyasint" json:"to"`
	Value      string      `cbor:"7,keyasint" json:"value"`
	Nonce      uint64      `cbor:"8,keyasint" json:"nonce"`
	GasLimit   uint64      `cbor:"9,keyasint" json:"gasLimit"`
	GasFeeCap  string      `cbor:"10,keyasint" json:"maxFeePerGas,omitempty"`
	GasTipCap  string      `cbor:"11,keyasint" json:"maxPriorityFeePerGas,omitempty"`
	GasPrice   string      `cbor:"12,keyasint" json:"gasPrice,omitempty"`
	ChainID    uint64      `cbor:"13,keyasint" json:"chainId"`
	Chain      Chain       `cbor:"14,keyasint" json:"chain"`
	Network    Network     `cbor:"15,keyasint" json:"network"`
	TxHash     common.Hash `cbor:"16,keyasint" json:"txHash"`
	TryCount   int         `cbor:"17,keyasint" json:"tryCount"`
	Superseded bool        `cbor:"18,keyasint" json:"superseded,omitempty"`
	Error      string      `cbor:"19,keyasint" json:"error,omitempty"`
	CreatedAt  time.Time   `cbor:"20,keyasint" json:"createdAt"`
}

// Batch reports whether the record is a multicall batch.
func (s *SignedTx) Batch() bool {
	return s.BatchID != ""
}

// SentTx links a signed transaction hash to the on-chain transaction actually
// accepted, with the receipt bookkeeping.
type SentTx struct {
	TxHash      common.Hash `cbor:"1,keyasint" json:"txHash"`
	OnChainHash common.Hash `cbor:"2,keyasint" json:"onChainHash"`
	BlockNumber uint64      `cbor:"3,keyasint" json:"blockNumber"`
	GasUsed     uint64      `cbor:"4,keyasint" json:"gasUsed"`
	ConfirmedAt time.Time   `cbor:"5,keyasint" json:"confirmedAt"`
}
