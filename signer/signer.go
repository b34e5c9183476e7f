// Package signer holds the custodial key and builds and signs the
// transactions the pipeline broadcasts: native transfers, ERC-20 transfers
// and Multicall3 batches.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions with a custodial ECDSA key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New builds a Signer from a hex-encoded private key (0x prefix optional).
func New(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// TxParams collects everything needed to build one transaction.
type TxParams struct {
	ChainID  uint64
	Nonce    uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64

	// EIP-1559 caps; when both nil, GasPrice must be set and a legacy
	// transaction is produced.
	GasFeeCap *big.Int
	GasTipCap *big.Int
	GasPrice  *big.Int
}

// SignTx builds and signs a transaction from the params. EIP-1559 (type 2)
// when fee caps are present, legacy otherwise.
func (s *Signer) SignTx(p TxParams) (*gtypes.Transaction, error) {
	chainID := new(big.Int).SetUint64(p.ChainID)
	value := p.Value
	if value == nil {
		value = big.NewInt(0)
	}
	var txData gtypes.TxData
	switch {
	case p.GasFeeCap != nil && p.GasTipCap != nil:
		txData = &gtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     p.Nonce,
			To:        &p.To,
			Value:     value,
			Data:      p.Data,
			Gas:       p.GasLimit,
			GasFeeCap: p.GasFeeCap,
			GasTipCap: p.GasTipCap,
		}
	case p.GasPrice != nil:
		txData = &gtypes.LegacyTx{
			Nonce:    p.Nonce,
			To:       &p.To,
			Value:    value,
			Data:     p.Data,
			Gas:      p.GasLimit,
			GasPrice: p.GasPrice,
		}
	default:
		return nil, fmt.Errorf("no gas pricing in tx params")
	}
	signed, err := gtypes.SignNewTx(s.key, gtypes.LatestSignerForChainID(chainID), txData)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}
