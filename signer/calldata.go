package signer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// transferSelector is the first 4 bytes of keccak("transfer(address,uint256)").
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// aggregate3Selector is the first 4 bytes of
// keccak("aggregate3((address,bool,bytes)[])"), the Multicall3 entry point.
var aggregate3Selector = []byte{0x82, 0xad, 0x56, 0xcb}

// ERC20TransferData builds calldata for transfer(to, amount).
func ERC20TransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// Call is one Multicall3 aggregate3 entry.
type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Aggregate3Data ABI-encodes aggregate3(Call3[]) for Multicall3. Every call
// is an inner ERC-20 transfer issued by the aggregator; AllowFailure=false
// makes one revert fail the whole batch, keeping settlement all-or-nothing.
func Aggregate3Data(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("empty call list")
	}
	// Layout: selector | offset(0x20) | len | head[len] | tails.
	// Each head entry is the offset of its tuple tail relative to the
	// start of the array element area.
	var heads, tails []byte
	headSize := 32 * len(calls)
	for _, c := range calls {
		offset := headSize + len(tails)
		heads = append(heads, encodeUint(uint64(offset))...)

		// Tuple (address,bool,bytes): two static words, then the offset
		// of the dynamic bytes member (always 0x60), then the bytes.
		var tuple []byte
		tuple = append(tuple, common.LeftPadBytes(c.Target.Bytes(), 32)...)
		tuple = append(tuple, encodeBool(c.AllowFailure)...)
		tuple = append(tuple, encodeUint(0x60)...)
		tuple = append(tuple, encodeUint(uint64(len(c.CallData)))...)
		tuple = append(tuple, padRight(c.CallData)...)
		tails = append(tails, tuple...)
	}

	data := make([]byte, 0, 4+64+len(heads)+len(tails))
	data = append(data, aggregate3Selector...)
	data = append(data, encodeUint(0x20)...)
	data = append(data, encodeUint(uint64(len(calls)))...)
	data = append(data, heads...)
	data = append(data, tails...)
	return data, nil
}

func encodeUint(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func encodeBool(v bool) []byte {
	b := make([]byte, 32)
	if v {
		b[31] = 1
	}
	return b
}

func padRight(b []byte) []byte {
	if len(b)%32 == 0 {
		return b
	}
	return append(b, make([]byte, 32-len(b)%32)...)
}
