package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
)

// Message is the transient queue envelope. It is held exclusively by a
// consumer during its visibility-timeout window, returned to the queue on
// nack or timeout, and moved to the companion DLQ after max redeliveries.
type Message struct {
	MessageID     string    `cbor:"1,keyasint"`
	Body          []byte    `cbor:"2,keyasint"`
	ReceiptHandle string    `cbor:"3,keyasint,omitempty"`
	TryCount      int       `cbor:"4,keyasint"`
	FirstSeenAt   time.Time `cbor:"5,keyasint"`

	// DLQ annotations, set when the message is escalated.
	ErrorKind    ErrorKind `cbor:"6,keyasint,omitempty"`
	ErrorMessage string    `cbor:"7,keyasint,omitempty"`
	Attempts     int       `cbor:"8,keyasint,omitempty"`
}

// TxRequestPayload is the body of tx-request queue messages.
type TxRequestPayload struct {
	RequestID    string         `cbor:"1,keyasint" json:"requestId"`
	Amount       string         `cbor:"2,keyasint" json:"amount"`
	Symbol       string         `cbor:"3,keyasint" json:"symbol,omitempty"`
	ToAddress    common.Address `cbor:"4,keyasint" json:"toAddress"`
	TokenAddress common.Address `cbor:"5,keyasint" json:"tokenAddress"`
	Chain        Chain          `cbor:"6,keyasint" json:"chain"`
	Network      Network        `cbor:"7,keyasint" json:"network"`
	CreatedAt    time.Time      `cbor:"8,keyasint" json:"createdAt"`
}

// SignedTxPayload is the body of signed-tx queue messages. Either RequestID
// or BatchID is set, never both.
type SignedTxPayload struct {
	RequestID string         `cbor:"1,keyasint" json:"requestId,omitempty"`
	BatchID   string         `cbor:"2,keyasint" json:"batchId,omitempty"`
	Chain     Chain          `cbor:"3,keyasint" json:"chain"`
	Network   Network        `cbor:"4,keyasint" json:"network"`
	From      common.Address `cbor:"5,keyasint" json:"from"`
	Nonce     uint64         `cbor:"6,keyasint" json:"nonce"`
	Raw       HexBytes       `cbor:"7,keyasint" json:"rawTransaction"`
	TxHash    common.Hash    `cbor:"8,keyasint" json:"txHash"`
	GasLimit  uint64         `cbor:"9,keyasint" json:"gasLimit"`
	GasFeeCap string         `cbor:"10,keyasint" json:"maxFeePerGas,omitempty"`
	GasTipCap string         `cbor:"11,keyasint" json:"maxPriorityFeePerGas,omitempty"`
	GasPrice  string         `cbor:"12,keyasint" json:"gasPrice,omitempty"`
}

// BroadcastTxPayload is the body of broadcast-tx queue messages. The
// monitor re-publishes it to itself with a delay between receipt polls,
// carrying the poll state along.
type BroadcastTxPayload struct {
	RequestID string         `cbor:"1,keyasint" json:"requestId,omitempty"`
	BatchID   string         `cbor:"2,keyasint" json:"batchId,omitempty"`
	Chain     Chain          `cbor:"3,keyasint" json:"chain"`
	Network   Network        `cbor:"4,keyasint" json:"network"`
	TxHash    common.Hash    `cbor:"5,keyasint" json:"txHash"`
	From      common.Address `cbor:"6,keyasint" json:"from"`
	Nonce     uint64         `cbor:"7,keyasint" json:"nonce"`

	// Monitor poll state.
	SentAt    time.Time `cbor:"8,keyasint,omitempty" json:"sentAt,omitempty"`
	Checks    int       `cbor:"9,keyasint,omitempty" json:"checks,omitempty"`
	SeenBlock uint64    `cbor:"10,keyasint,omitempty" json:"seenBlock,omitempty"`
	Alerted   bool      `cbor:"11,keyasint,omitempty" json:"alerted,omitempty"`
}

// EncodeBody serializes a queue payload with deterministic CBOR.
func EncodeBody(v any) ([]byte, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(v)
}

// DecodeBody deserializes a queue payload.
func DecodeBody(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
