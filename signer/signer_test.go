package signer

import (
	"encoding/hex"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
)

const testKey = "c87509a1c067bbde78beb793e6fa76530b6382a4c0241e5e4a9ec0a0f44dc0d3"

func TestSignerAddress(t *testing.T) {
	c := qt.New(t)

	s, err := New(testKey)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Address().Hex(), qt.Equals, "0x627306090abaB3A6e1400e9345bC60c78a8BEf57")

	// 0x prefix is accepted.
	s2, err := New("0x" + testKey)
	c.Assert(err, qt.IsNil)
	c.Assert(s2.Address(), qt.Equals, s.Address())

	_, err = New("not-a-key")
	c.Assert(err, qt.IsNotNil)
}

func TestSignTxDynamicFee(t *testing.T) {
	c := qt.New(t)

	s, err := New(testKey)
	c.Assert(err, qt.IsNil)

	to := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd")
	tx, err := s.SignTx(TxParams{
		ChainID:   137,
		Nonce:     7,
		To:        to,
		Value:     big.NewInt(1000),
		GasLimit:  21_000,
		GasFeeCap: big.NewInt(60_000_000_000),
		GasTipCap: big.NewInt(2_000_000_000),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Type(), qt.Equals, uint8(gtypes.DynamicFeeTxType))
	c.Assert(tx.Nonce(), qt.Equals, uint64(7))
	c.Assert(tx.ChainId().Uint64(), qt.Equals, uint64(137))

	// The signature must recover to the signer address.
	from, err := gtypes.Sender(gtypes.LatestSignerForChainID(big.NewInt(137)), tx)
	c.Assert(err, qt.IsNil)
	c.Assert(from, qt.Equals, s.Address())

	// The raw encoding round-trips to the same hash.
	raw, err := tx.MarshalBinary()
	c.Assert(err, qt.IsNil)
	decoded := new(gtypes.Transaction)
	c.Assert(decoded.UnmarshalBinary(raw), qt.IsNil)
	c.Assert(decoded.Hash(), qt.Equals, tx.Hash())
}

func TestSignTxLegacy(t *testing.T) {
	c := qt.New(t)

	s, err := New(testKey)
	c.Assert(err, qt.IsNil)

	tx, err := s.SignTx(TxParams{
		ChainID:  56,
		Nonce:    0,
		To:       common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd"),
		Value:    big.NewInt(1),
		GasLimit: 21_000,
		GasPrice: big.NewInt(5_000_000_000),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Type(), qt.Equals, uint8(gtypes.LegacyTxType))
	c.Assert(tx.GasPrice().Int64(), qt.Equals, int64(5_000_000_000))

	// No pricing at all is rejected.
	_, err = s.SignTx(TxParams{ChainID: 56, GasLimit: 21_000})
	c.Assert(err, qt.IsNotNil)
}

func TestERC20TransferData(t *testing.T) {
	c := qt.New(t)

	to := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd")
	data := ERC20TransferData(to, big.NewInt(1_000_000))

	c.Assert(len(data), qt.Equals, 4+32+32)
	c.Assert(hex.EncodeToString(data[:4]), qt.Equals, "a9059cbb")
	// Address is left-padded into the first argument word.
	c.Assert(common.BytesToAddress(data[4:36]), qt.Equals, to)
	// Amount is the second word.
	c.Assert(new(big.Int).SetBytes(data[36:68]).Int64(), qt.Equals, int64(1_000_000))
}

func TestAggregate3Data(t *testing.T) {
	c := qt.New(t)

	token := common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F")
	calls := []Call{
		{Target: token, CallData: ERC20TransferData(common.HexToAddress("0x01"), big.NewInt(1))},
		{Target: token, CallData: ERC20TransferData(common.HexToAddress("0x02"), big.NewInt(2))},
	}
	data, err := Aggregate3Data(calls)
	c.Assert(err, qt.IsNil)

	c.Assert(hex.EncodeToString(data[:4]), qt.Equals, "82ad56cb")
	// Word 1: offset of the array (0x20). Word 2: array length.
	c.Assert(new(big.Int).SetBytes(data[4:36]).Int64(), qt.Equals, int64(0x20))
	c.Assert(new(big.Int).SetBytes(data[36:68]).Int64(), qt.Equals, int64(2))

	// Head entries point at the tuple tails within the element area.
	elemArea := data[68:]
	off0 := new(big.Int).SetBytes(elemArea[:32]).Int64()
	off1 := new(big.Int).SetBytes(elemArea[32:64]).Int64()
	c.Assert(off0, qt.Equals, int64(64)) // right after the two head words
	c.Assert(off1 > off0, qt.IsTrue)

	// First tuple: target address, allowFailure=false, bytes offset 0x60.
	tuple0 := elemArea[off0:]
	c.Assert(common.BytesToAddress(tuple0[:32]), qt.Equals, token)
	c.Assert(new(big.Int).SetBytes(tuple0[32:64]).Int64(), qt.Equals, int64(0))
	c.Assert(new(big.Int).SetBytes(tuple0[64:96]).Int64(), qt.Equals, int64(0x60))
	// Calldata length (68) then the padded bytes.
	c.Assert(new(big.Int).SetBytes(tuple0[96:128]).Int64(), qt.Equals, int64(68))

	_, err = Aggregate3Data(nil)
	c.Assert(err, qt.IsNotNil)
}

func TestParseUnits(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		amount   string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 18, "1000000000000000000", false},
		{"0.5", 18, "500000000000000000", false},
		{"12.345678", 6, "12345678", false},
		{"0.000001", 6, "1", false},
		{".5", 6, "500000", false},
		{" 42 ", 0, "42", false},
		{"0.1234567", 6, "", true}, // too many decimals
		{"0", 6, "", true},         // not positive
		{"0.0", 6, "", true},
		{"-1", 6, "", true},
		{"invalid", 6, "", true},
		{"1.2.3", 6, "", true},
		{"", 6, "", true},
		{".", 6, "", true},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.amount, tc.decimals)
		if tc.wantErr {
			c.Assert(err, qt.IsNotNil, qt.Commentf("amount %q", tc.amount))
			continue
		}
		c.Assert(err, qt.IsNil, qt.Commentf("amount %q", tc.amount))
		c.Assert(got.Dec(), qt.Equals, tc.want, qt.Commentf("amount %q", tc.amount))
	}
}
