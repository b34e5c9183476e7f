// Package signing implements the signing worker: it consumes tx-request
// messages in cycles, validates against the persisted request, decides
// between single transactions and multicall batches, allocates nonces
// through the coordinator and emits signed transactions.
package signing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/chainpay/withdrawd/config"
	"github.com/chainpay/withdrawd/log"
	"github.com/chainpay/withdrawd/nonce"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/signer"
	"github.com/chainpay/withdrawd/storage"
	"github.com/chainpay/withdrawd/types"
	"github.com/chainpay/withdrawd/web3"
)

// Options tunes the signing worker.
type Options struct {
	// BatchSize is the maximum number of messages per receive-cycle.
	BatchSize int
	// LongPoll is the receive long-poll window.
	LongPoll time.Duration
	// Policy decides when same-token transfers are folded into a batch.
	Policy BatchPolicy
}

// DefaultOptions returns the signing worker defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize: 10,
		LongPoll:  20 * time.Second,
		Policy:    DefaultBatchPolicy(),
	}
}

// Worker signs withdrawal transactions.
type Worker struct {
	stg   *storage.Storage
	q     queue.Queue
	sig   *signer.Signer
	pool  *web3.Pool
	coord *nonce.Coordinator
	opts  Options
}

// New builds a signing worker.
func New(stg *storage.Storage, q queue.Queue, sig *signer.Signer,
	pool *web3.Pool, coord *nonce.Coordinator, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.LongPoll <= 0 {
		opts.LongPoll = 20 * time.Second
	}
	return &Worker{stg: stg, q: q, sig: sig, pool: pool, coord: coord, opts: opts}
}

// Run consumes tx-request cycles until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warnw("signing cycle failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// item is one admitted message with its resolved request and amounts.
type item struct {
	msg     *types.Message
	req     *types.WithdrawalRequest
	chainID uint64
	amount  *uint256.Int
}

// Cycle runs one receive-cycle: admit, partition, sign.
func (w *Worker) Cycle(ctx context.Context) error {
	msgs, err := w.q.Receive(ctx, queue.TxRequest, w.opts.BatchSize, w.opts.LongPoll)
	if errors.Is(err, queue.ErrNoMessages) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("receive tx-request: %w", err)
	}

	items := w.admit(ctx, msgs)
	singles, groups := w.partition(items)
	for _, it := range singles {
		w.signSingle(ctx, it)
	}
	for _, g := range groups {
		w.signBatch(ctx, g)
	}
	return nil
}

// admit re-reads every message's persisted request (the source of truth),
// refuses anything not in PENDING and flips the survivors to VALIDATING.
func (w *Worker) admit(ctx context.Context, msgs []*types.Message) []*item {
	var items []*item
	for _, msg := range msgs {
		var payload types.TxRequestPayload
		if err := types.DecodeBody(msg.Body, &payload); err != nil {
			log.Warnw("dropping undecodable tx-request", "messageID", msg.MessageID, "error", err.Error())
			w.ack(ctx, msg)
			continue
		}
		req, err := w.stg.Request(payload.RequestID)
		if err != nil {
			log.Warnw("tx-request for unknown request", "requestId", payload.RequestID)
			w.ack(ctx, msg)
			continue
		}
		switch req.Status {
		case types.StatusPending:
			if err := w.stg.TransitionRequest(req.RequestID, types.StatusValidating, ""); err != nil {
				w.nack(ctx, msg, types.KindUnknown, err)
				continue
			}
			req.Status = types.StatusValidating
		case types.StatusValidating:
			// Redelivery of an in-flight request; resume.
		default:
			log.Debugw("skipping request outside PENDING", "requestId", req.RequestID, "status", string(req.Status))
			w.ack(ctx, msg)
			continue
		}

		it, err := w.resolve(msg, req)
		if err != nil {
			w.failRequest(ctx, msg, req.RequestID, err)
			continue
		}
		items = append(items, it)
	}
	return items
}

// resolve re-derives chain id, token decimals and base units for the
// request. Any error here is a validation failure.
func (w *Worker) resolve(msg *types.Message, req *types.WithdrawalRequest) (*item, error) {
	chainID, err := config.ChainID(req.Chain, req.Network)
	if err != nil {
		return nil, err
	}
	chainCfg, err := config.Chain(req.Chain)
	if err != nil {
		return nil, err
	}
	decimals := chainCfg.NativeDecimals
	if !req.Native() {
		token, ok := config.TokenByAddress(req.Chain, req.Network, req.TokenAddress)
		if !ok {
			return nil, fmt.Errorf("unsupported token %s on %s/%s",
				req.TokenAddress.Hex(), req.Chain, req.Network)
		}
		decimals = token.Decimals
	}
	amount, err := signer.ParseUnits(req.Amount, decimals)
	if err != nil {
		return nil, fmt.Errorf("Invalid amount: %w", err)
	}
	return &item{msg: msg, req: req, chainID: chainID, amount: amount}, nil
}

// groupKey partitions batch-eligible transfers.
type groupKey struct {
	chain   types.Chain
	network types.Network
	token   common.Address
}

// partition splits the admitted items into singles and batch groups. Native
// transfers are always singles; ERC-20 groups batch only when the policy
// says the gas saving is worth it.
func (w *Worker) partition(items []*item) ([]*item, [][]*item) {
	var singles []*item
	grouped := make(map[groupKey][]*item)
	var order []groupKey
	for _, it := range items {
		if it.req.Native() {
			singles = append(singles, it)
			continue
		}
		k := groupKey{chain: it.req.Chain, network: it.req.Network, token: it.req.TokenAddress}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], it)
	}

	var groups [][]*item
	for _, k := range order {
		g := grouped[k]
		gasCap := uint64(0)
		if cfg, err := config.Chain(k.chain); err == nil {
			gasCap = cfg.GasLimitCap
		}
		if w.opts.Policy.ShouldBatch(len(g), len(items), gasCap) {
			groups = append(groups, g)
		} else {
			singles = append(singles, g...)
		}
	}
	return singles, groups
}

// signSingle signs one withdrawal and emits it to signed-tx.
func (w *Worker) signSingle(ctx context.Context, it *item) {
	ep, err := w.pool.Endpoint(it.chainID)
	if err != nil {
		w.nack(ctx, it.msg, types.KindNetwork, err)
		return
	}

	var (
		to    common.Address
		value *big.Int
		data  []byte
	)
	if it.req.Native() {
		to = it.req.ToAddress
		value = it.amount.ToBig()
	} else {
		to = it.req.TokenAddress
		value = big.NewInt(0)
		data = signer.ERC20TransferData(it.req.ToAddress, it.amount.ToBig())
	}

	rec, body, err := w.buildAndSign(ctx, ep, it.req.Chain, it.req.Network, it.chainID, to, value, data)
	if err != nil {
		w.routeFailure(ctx, it.msg, it.req.RequestID, err)
		return
	}
	rec.RequestID = it.req.RequestID
	body.RequestID = it.req.RequestID

	w.persistAndEmit(ctx, []*types.Message{it.msg}, rec, body)
}

// signBatch folds a group of same-token transfers into one Multicall3
// aggregate3 transaction.
func (w *Worker) signBatch(ctx context.Context, group []*item) {
	first := group[0]
	ep, err := w.pool.Endpoint(first.chainID)
	if err != nil {
		w.nackAll(ctx, group, types.KindNetwork, err)
		return
	}

	calls := make([]signer.Call, 0, len(group))
	ids := make([]string, 0, len(group))
	for _, it := range group {
		calls = append(calls, signer.Call{
			Target:   it.req.TokenAddress,
			CallData: signer.ERC20TransferData(it.req.ToAddress, it.amount.ToBig()),
		})
		ids = append(ids, it.req.RequestID)
	}
	data, err := signer.Aggregate3Data(calls)
	if err != nil {
		w.nackAll(ctx, group, types.KindUnknown, err)
		return
	}

	rec, body, err := w.buildAndSign(ctx, ep, first.req.Chain, first.req.Network,
		first.chainID, config.Multicall3Address, big.NewInt(0), data)
	if err != nil {
		for _, it := range group {
			w.routeFailure(ctx, it.msg, it.req.RequestID, err)
		}
		return
	}
	batchID := uuid.NewString()
	rec.BatchID = batchID
	rec.RequestIDs = ids
	body.BatchID = batchID

	msgs := make([]*types.Message, 0, len(group))
	for _, it := range group {
		msgs = append(msgs, it.msg)
	}
	w.persistAndEmit(ctx, msgs, rec, body)
	log.Infow("batch signed", "batchId", batchID, "requests", len(ids),
		"chain", string(first.req.Chain), "nonce", rec.Nonce)
}

// buildAndSign runs the shared signing path: fees, gas estimate, nonce
// allocation and signature. On failure after the nonce was acquired the
// nonce goes back to the pool.
func (w *Worker) buildAndSign(ctx context.Context, ep *web3.Endpoint,
	chain types.Chain, network types.Network, chainID uint64,
	to common.Address, value *big.Int, data []byte) (*types.SignedTx, *types.SignedTxPayload, error) {

	fees, err := ep.Fees.Suggest(ctx)
	if err != nil {
		return nil, nil, types.WrapError(types.KindNetwork, err)
	}
	gasLimit, err := ep.Gas.Estimate(ctx, ethereum.CallMsg{
		From:  w.sig.Address(),
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, nil, types.WrapError(web3.ClassifySendError(err), err)
	}

	onChainNext, err := ep.Client.PendingNonceAt(ctx, w.sig.Address())
	if err != nil {
		return nil, nil, types.WrapError(types.KindNetwork, err)
	}
	key := nonce.Key{Chain: chain, Signer: w.sig.Address()}
	n, err := w.coord.Acquire(ctx, key, onChainNext)
	if err != nil {
		return nil, nil, types.WrapError(types.KindNetwork, err)
	}

	tx, err := w.sig.SignTx(signer.TxParams{
		ChainID:   chainID,
		Nonce:     n,
		To:        to,
		Value:     value,
		Data:      data,
		GasLimit:  gasLimit,
		GasFeeCap: fees.FeeCap,
		GasTipCap: fees.TipCap,
		GasPrice:  fees.GasPrice,
	})
	if err != nil {
		w.releaseNonce(ctx, key, n)
		return nil, nil, types.WrapError(types.KindUnknown, err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		w.releaseNonce(ctx, key, n)
		return nil, nil, types.WrapError(types.KindUnknown, err)
	}

	rec := &types.SignedTx{
		Raw:       raw,
		From:      w.sig.Address(),
		To:        to,
		Value:     value.String(),
		Nonce:     n,
		GasLimit:  gasLimit,
		ChainID:   chainID,
		Chain:     chain,
		Network:   network,
		TxHash:    tx.Hash(),
		CreatedAt: time.Now(),
	}
	body := &types.SignedTxPayload{
		Chain:    chain,
		Network:  network,
		From:     w.sig.Address(),
		Nonce:    n,
		Raw:      raw,
		TxHash:   tx.Hash(),
		GasLimit: gasLimit,
	}
	if fees.FeeCap != nil {
		rec.GasFeeCap = fees.FeeCap.String()
		rec.GasTipCap = fees.TipCap.String()
		body.GasFeeCap = fees.FeeCap.String()
		body.GasTipCap = fees.TipCap.String()
	}
	if fees.GasPrice != nil {
		rec.GasPrice = fees.GasPrice.String()
		body.GasPrice = fees.GasPrice.String()
	}
	return rec, body, nil
}

// persistAndEmit commits the signed record, the SIGNED status flips and the
// signed-tx publication together, then acknowledges the inbound messages.
func (w *Worker) persistAndEmit(ctx context.Context, msgs []*types.Message,
	rec *types.SignedTx, body *types.SignedTxPayload) {

	encoded, err := types.EncodeBody(body)
	if err != nil {
		w.nackMsgs(ctx, msgs, types.KindUnknown, err)
		w.releaseNonce(ctx, nonce.Key{Chain: rec.Chain, Signer: rec.From}, rec.Nonce)
		return
	}
	if err := w.stg.PutSignedAndEnqueue(rec, queue.SignedTx, encoded); err != nil {
		w.nackMsgs(ctx, msgs, types.KindUnknown, err)
		w.releaseNonce(ctx, nonce.Key{Chain: rec.Chain, Signer: rec.From}, rec.Nonce)
		return
	}
	for _, msg := range msgs {
		w.ack(ctx, msg)
	}
	log.Infow("transaction signed",
		"txHash", rec.TxHash.Hex(), "nonce", rec.Nonce,
		"chain", string(rec.Chain), "gasLimit", rec.GasLimit)
}

// routeFailure decides between terminal failure and redelivery based on the
// error kind.
func (w *Worker) routeFailure(ctx context.Context, msg *types.Message, requestID string, err error) {
	kind := types.KindOf(err)
	if kind.Retryable() {
		w.nack(ctx, msg, kind, err)
		return
	}
	w.failRequest(ctx, msg, requestID, err)
}

func (w *Worker) failRequest(ctx context.Context, msg *types.Message, requestID string, cause error) {
	if err := w.stg.FailRequest(requestID, cause.Error()); err != nil {
		log.Warnw("failed to mark request FAILED", "requestId", requestID, "error", err.Error())
	}
	w.ack(ctx, msg)
	log.Infow("request failed", "requestId", requestID, "error", cause.Error())
}

func (w *Worker) releaseNonce(ctx context.Context, key nonce.Key, n uint64) {
	if err := w.coord.Release(ctx, key, n); err != nil {
		log.Warnw("failed to release nonce", "key", key.String(), "nonce", n, "error", err.Error())
	}
}

func (w *Worker) ack(ctx context.Context, msg *types.Message) {
	if err := w.q.Ack(ctx, msg.ReceiptHandle); err != nil {
		log.Warnw("ack failed", "messageID", msg.MessageID, "error", err.Error())
	}
}

func (w *Worker) nack(ctx context.Context, msg *types.Message, kind types.ErrorKind, cause error) {
	if err := w.q.Nack(ctx, msg.ReceiptHandle, kind, cause.Error()); err != nil {
		log.Warnw("nack failed", "messageID", msg.MessageID, "error", err.Error())
	}
}

func (w *Worker) nackAll(ctx context.Context, group []*item, kind types.ErrorKind, cause error) {
	for _, it := range group {
		w.nack(ctx, it.msg, kind, cause)
	}
}

func (w *Worker) nackMsgs(ctx context.Context, msgs []*types.Message, kind types.ErrorKind, cause error) {
	for _, msg := range msgs {
		w.nack(ctx, msg, kind, cause)
	}
}
