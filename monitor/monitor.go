// Package monitor tracks broadcast transactions until a terminal event: it
// polls for receipts with adaptive backoff, enforces per-chain confirmation
// depth, survives reorgs up to a bounded window and raises an alert for
// long-pending transactions.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/chainpay/withdrawd/config"
	"github.com/chainpay/withdrawd/log"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/storage"
	"github.com/chainpay/withdrawd/types"
	"github.com/chainpay/withdrawd/web3"
)

// AlertFunc is called when a transaction stays pending past the alert
// threshold. It is an observability hook; monitoring continues regardless.
type AlertFunc func(p *types.BroadcastTxPayload, pendingFor time.Duration)

// Options tunes the monitor.
type Options struct {
	// BatchSize is the maximum messages per receive-cycle.
	BatchSize int
	// LongPoll is the receive long-poll window.
	LongPoll time.Duration
	// Confirmations overrides the per-chain confirmation depth; zero
	// entries fall back to the chain registry.
	Confirmations map[types.Chain]uint64
	// PendingAlertAfter is how long a transaction may stay unmined before
	// the alert hook fires.
	PendingAlertAfter time.Duration
	// Alert is invoked for long-pending transactions. Nil disables it.
	Alert AlertFunc
}

// DefaultOptions returns the monitor defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:         10,
		LongPoll:          5 * time.Second,
		PendingAlertAfter: 30 * time.Minute,
	}
}

// pollBackoff is the adaptive receipt-poll schedule.
var pollBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Monitor drives broadcast transactions to their terminal status.
type Monitor struct {
	stg  *storage.Storage
	q    queue.Queue
	pool *web3.Pool
	opts Options
}

// New builds a Monitor.
func New(stg *storage.Storage, q queue.Queue, pool *web3.Pool, opts Options) *Monitor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.LongPoll <= 0 {
		opts.LongPoll = 5 * time.Second
	}
	if opts.PendingAlertAfter <= 0 {
		opts.PendingAlertAfter = 30 * time.Minute
	}
	return &Monitor{stg: stg, q: q, pool: pool, opts: opts}
}

// Run consumes broadcast-tx cycles until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := m.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warnw("monitor cycle failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// Cycle receives broadcast-tx messages and checks each one once. Non-final
// transactions are re-published to the same queue with a backoff delay, so
// no consumer ever sleeps holding a message.
func (m *Monitor) Cycle(ctx context.Context) error {
	msgs, err := m.q.Receive(ctx, queue.BroadcastTx, m.opts.BatchSize, m.opts.LongPoll)
	if errors.Is(err, queue.ErrNoMessages) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("receive broadcast-tx: %w", err)
	}
	for _, msg := range msgs {
		m.check(ctx, msg)
	}
	return nil
}

func (m *Monitor) check(ctx context.Context, msg *types.Message) {
	var p types.BroadcastTxPayload
	if err := types.DecodeBody(msg.Body, &p); err != nil {
		log.Warnw("dropping undecodable broadcast-tx", "messageID", msg.MessageID, "error", err.Error())
		m.ack(ctx, msg)
		return
	}

	chainCfg, err := config.Chain(p.Chain)
	if err != nil {
		m.failAndAck(ctx, msg, &p, err.Error())
		return
	}
	chainID, err := config.ChainID(p.Chain, p.Network)
	if err != nil {
		m.failAndAck(ctx, msg, &p, err.Error())
		return
	}
	ep, err := m.pool.Endpoint(chainID)
	if err != nil {
		m.nack(ctx, msg, types.KindNetwork, err)
		return
	}

	receipt, err := ep.Client.TransactionReceipt(ctx, p.TxHash)
	switch {
	case err == nil:
		m.onReceipt(ctx, msg, &p, ep, chainCfg, receipt)
	case errors.Is(err, ethereum.NotFound):
		m.onMissing(ctx, msg, &p, ep, chainCfg)
	case web3.IsNetworkErr(err):
		m.nack(ctx, msg, types.KindNetwork, err)
	default:
		m.nack(ctx, msg, types.KindUnknown, err)
	}
}

// onReceipt handles a found receipt: a revert is terminal; a success waits
// for the confirmation depth.
func (m *Monitor) onReceipt(ctx context.Context, msg *types.Message, p *types.BroadcastTxPayload,
	ep *web3.Endpoint, chainCfg config.ChainConfig, receipt *gtypes.Receipt) {

	if receipt.Status == gtypes.ReceiptStatusFailed {
		m.failAndAck(ctx, msg, p, "reverted")
		return
	}

	head, err := ep.Client.BlockNumber(ctx)
	if err != nil {
		m.nack(ctx, msg, types.KindNetwork, err)
		return
	}
	required := chainCfg.Confirmations
	if override, ok := m.opts.Confirmations[p.Chain]; ok && override > 0 {
		required = override
	}
	mined := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= mined {
		confirmations = head - mined + 1
	}
	if confirmations < required {
		p.SeenBlock = mined
		m.reschedule(ctx, msg, p)
		return
	}

	sent := &types.SentTx{
		TxHash:      p.TxHash,
		OnChainHash: receipt.TxHash,
		BlockNumber: mined,
		GasUsed:     receipt.GasUsed,
		ConfirmedAt: time.Now(),
	}
	if err := m.stg.PutSentTx(sent); err != nil {
		m.nack(ctx, msg, types.KindUnknown, err)
		return
	}
	for _, id := range m.requestIDs(p) {
		if err := m.stg.TransitionRequest(id, types.StatusConfirmed, ""); err != nil {
			log.Warnw("transition to CONFIRMED failed", "requestId", id, "error", err.Error())
		}
	}
	m.ack(ctx, msg)
	log.Infow("transaction confirmed", "txHash", p.TxHash.Hex(),
		"block", mined, "gasUsed", receipt.GasUsed, "confirmations", confirmations)
}

// onMissing handles a missing receipt: still pending, or gone after being
// seen (reorg).
func (m *Monitor) onMissing(ctx context.Context, msg *types.Message, p *types.BroadcastTxPayload,
	ep *web3.Endpoint, chainCfg config.ChainConfig) {

	if p.SeenBlock > 0 {
		// Receipt seen then gone. Keep watching within the reorg window;
		// past it the transaction is considered dropped.
		head, err := ep.Client.BlockNumber(ctx)
		if err != nil {
			m.nack(ctx, msg, types.KindNetwork, err)
			return
		}
		if head > p.SeenBlock+chainCfg.ReorgWindow {
			m.failAndAck(ctx, msg, p, "dropped by reorg")
			return
		}
		log.Warnw("receipt vanished, possible reorg", "txHash", p.TxHash.Hex(),
			"seenBlock", p.SeenBlock, "head", head)
		m.reschedule(ctx, msg, p)
		return
	}

	pendingFor := time.Since(p.SentAt)
	if !p.Alerted && m.opts.Alert != nil && !p.SentAt.IsZero() && pendingFor > m.opts.PendingAlertAfter {
		m.opts.Alert(p, pendingFor)
		p.Alerted = true
	}
	m.reschedule(ctx, msg, p)
}

// reschedule re-publishes the payload with the next backoff delay and acks
// the current delivery.
func (m *Monitor) reschedule(ctx context.Context, msg *types.Message, p *types.BroadcastTxPayload) {
	delay := pollBackoff[len(pollBackoff)-1]
	if p.Checks < len(pollBackoff) {
		delay = pollBackoff[p.Checks]
	}
	p.Checks++
	body, err := types.EncodeBody(p)
	if err != nil {
		m.nack(ctx, msg, types.KindUnknown, err)
		return
	}
	if _, err := m.q.SendDelayed(ctx, queue.BroadcastTx, body, delay); err != nil {
		m.nack(ctx, msg, types.KindNetwork, err)
		return
	}
	m.ack(ctx, msg)
}

// failAndAck marks every linked request FAILED and acks the message.
func (m *Monitor) failAndAck(ctx context.Context, msg *types.Message, p *types.BroadcastTxPayload, reason string) {
	for _, id := range m.requestIDs(p) {
		if err := m.stg.FailRequest(id, reason); err != nil {
			log.Warnw("failed to mark request FAILED", "requestId", id, "error", err.Error())
		}
	}
	m.ack(ctx, msg)
	log.Infow("transaction failed", "txHash", p.TxHash.Hex(), "reason", reason)
}

func (m *Monitor) requestIDs(p *types.BroadcastTxPayload) []string {
	if p.RequestID != "" {
		return []string{p.RequestID}
	}
	if p.BatchID != "" {
		if rec, err := m.stg.SignedTxByBatch(p.BatchID); err == nil {
			return rec.RequestIDs
		}
	}
	if rec, err := m.stg.SignedTxByHash(p.TxHash); err == nil {
		return rec.RequestIDs
	}
	return nil
}

func (m *Monitor) ack(ctx context.Context, msg *types.Message) {
	if err := m.q.Ack(ctx, msg.ReceiptHandle); err != nil {
		log.Debugw("ack failed", "messageID", msg.MessageID, "error", err.Error())
	}
}

func (m *Monitor) nack(ctx context.Context, msg *types.Message, kind types.ErrorKind, cause error) {
	if err := m.q.Nack(ctx, msg.ReceiptHandle, kind, cause.Error()); err != nil {
		log.Debugw("nack failed", "messageID", msg.MessageID, "error", err.Error())
	}
}
