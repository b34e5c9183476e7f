// Package broadcast implements the broadcast worker: it consumes signed-tx
// messages, inserts them into the per-(chain, signer) pending queue and
// submits them to the RPC in strictly ascending nonce order, healing nonce
// gaps with late arrivals or filler transactions and replacing stuck
// transactions with gas-bumped re-signs.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/chainpay/withdrawd/log"
	"github.com/chainpay/withdrawd/nonce"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/signer"
	"github.com/chainpay/withdrawd/storage"
	"github.com/chainpay/withdrawd/types"
	"github.com/chainpay/withdrawd/web3"
)

// Options tunes the broadcast worker.
type Options struct {
	// BatchSize is the maximum messages per receive-cycle.
	BatchSize int
	// LongPoll is the receive long-poll window. It also bounds how long a
	// nonce gap waits between checks.
	LongPoll time.Duration
	// GapTimeout is how long a nonce gap may persist before filler
	// transactions consume the missing nonces.
	GapTimeout time.Duration
	// GapPeeks bounds the extra queue scans during a gap search.
	GapPeeks int
	// MaxBumps bounds fee-bump attempts per stuck transaction.
	MaxBumps int
	// FeeCeiling bounds bumped fees (wei); nil means unbounded.
	FeeCeiling *big.Int
}

// DefaultOptions returns the broadcast worker defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:  10,
		LongPoll:   5 * time.Second,
		GapTimeout: 5 * time.Second,
		GapPeeks:   50,
		MaxBumps:   3,
	}
}

// Worker broadcasts signed transactions in nonce order.
type Worker struct {
	stg   *storage.Storage
	q     queue.Queue
	sig   *signer.Signer
	pool  *web3.Pool
	coord *nonce.Coordinator
	opts  Options

	// inflight maps key string → nonce → receipt handle of the inbound
	// message, so completion can ack the right delivery.
	inflight map[string]map[uint64]string
	// keys maps key strings back to their Key.
	keys map[string]nonce.Key
	// gapSince records when a gap at the head of a key was first seen.
	gapSince map[string]time.Time
}

// New builds a broadcast worker.
func New(stg *storage.Storage, q queue.Queue, sig *signer.Signer,
	pool *web3.Pool, coord *nonce.Coordinator, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.LongPoll <= 0 {
		opts.LongPoll = 5 * time.Second
	}
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = 5 * time.Second
	}
	if opts.GapPeeks <= 0 {
		opts.GapPeeks = 50
	}
	if opts.MaxBumps <= 0 {
		opts.MaxBumps = 3
	}
	return &Worker{
		stg:      stg,
		q:        q,
		sig:      sig,
		pool:     pool,
		coord:    coord,
		opts:     opts,
		inflight: make(map[string]map[uint64]string),
		keys:     make(map[string]nonce.Key),
		gapSince: make(map[string]time.Time),
	}
}

// Run consumes signed-tx cycles until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warnw("broadcast cycle failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// Cycle receives signed-tx messages, inserts them into the pending queues
// and drains every touched key. Keys with an open gap are re-drained even
// when no new message arrived, so gap timeouts fire.
func (w *Worker) Cycle(ctx context.Context) error {
	msgs, err := w.q.Receive(ctx, queue.SignedTx, w.opts.BatchSize, w.opts.LongPoll)
	if err != nil && !errors.Is(err, queue.ErrNoMessages) {
		return fmt.Errorf("receive signed-tx: %w", err)
	}

	touched := make(map[string]nonce.Key)
	for _, msg := range msgs {
		key, ok := w.insert(ctx, msg)
		if !ok {
			continue
		}
		touched[key.String()] = key
	}
	// Keys stuck on a gap keep getting drained so GapTimeout can expire.
	for ks := range w.gapSince {
		if _, ok := touched[ks]; !ok {
			if key, ok := w.keyFor(ks); ok {
				touched[ks] = key
			}
		}
	}
	for _, key := range touched {
		w.drain(ctx, key)
	}
	return nil
}

// keyFor resolves a key string back to its Key.
func (w *Worker) keyFor(ks string) (nonce.Key, bool) {
	key, ok := w.keys[ks]
	return key, ok
}

// insert decodes the message and pushes it into the ordered pending queue.
func (w *Worker) insert(ctx context.Context, msg *types.Message) (nonce.Key, bool) {
	var payload types.SignedTxPayload
	if err := types.DecodeBody(msg.Body, &payload); err != nil {
		log.Warnw("dropping undecodable signed-tx", "messageID", msg.MessageID, "error", err.Error())
		w.ack(ctx, msg.ReceiptHandle)
		return nonce.Key{}, false
	}
	key := nonce.Key{Chain: payload.Chain, Signer: payload.From}

	record, err := json.Marshal(payload)
	if err != nil {
		log.Warnw("cannot encode pending record", "messageID", msg.MessageID, "error", err.Error())
		w.ack(ctx, msg.ReceiptHandle)
		return nonce.Key{}, false
	}
	if err := w.coord.PendingPush(ctx, key, record, payload.Nonce); err != nil {
		w.nack(ctx, msg.ReceiptHandle, types.KindNetwork, err)
		return nonce.Key{}, false
	}
	if w.inflight[key.String()] == nil {
		w.inflight[key.String()] = make(map[uint64]string)
	}
	w.inflight[key.String()][payload.Nonce] = msg.ReceiptHandle
	w.keys[key.String()] = key
	return key, true
}

// drain sends pending transactions for the key while the head nonce is the
// next expected one, handling gaps and stuck heads. All work on the key runs
// under its mutex.
func (w *Worker) drain(ctx context.Context, key nonce.Key) {
	unlock := w.coord.Lock(key)
	defer unlock()

	for {
		records, err := w.coord.PendingList(ctx, key)
		if err != nil {
			log.Warnw("pending list failed", "key", key.String(), "error", err.Error())
			return
		}
		if len(records) == 0 {
			delete(w.gapSince, key.String())
			return
		}
		var head types.SignedTxPayload
		if err := json.Unmarshal(records[0], &head); err != nil {
			// Records are JSON-validated at push time; this should not
			// happen outside store corruption.
			log.Errorw(err, "corrupt pending record")
			return
		}

		expected, err := w.expectedNonce(ctx, key)
		if err != nil {
			log.Warnw("cannot resolve expected nonce", "key", key.String(), "error", err.Error())
			return
		}

		switch {
		case head.Nonce < expected:
			// Nonce already consumed on-chain. Either our own earlier
			// submission (redelivery) or a superseded record.
			w.completeStale(ctx, key, &head)
		case head.Nonce == expected:
			if !w.sendHead(ctx, key, &head) {
				return
			}
			delete(w.gapSince, key.String())
		default:
			if !w.handleGap(ctx, key, expected, head.Nonce) {
				return
			}
		}
	}
}

// expectedNonce is lastBroadcastedNonce+1, falling back to the chain's
// pending nonce when the counter was never set.
func (w *Worker) expectedNonce(ctx context.Context, key nonce.Key) (uint64, error) {
	last, ok, err := w.coord.LastBroadcasted(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		return last + 1, nil
	}
	ep, err := w.endpointFor(ctx, key)
	if err != nil {
		return 0, err
	}
	return ep.Client.PendingNonceAt(ctx, key.Signer)
}

func (w *Worker) endpointFor(ctx context.Context, key nonce.Key) (*web3.Endpoint, error) {
	rec, ok := w.anyPendingRecord(ctx, key)
	if !ok {
		return nil, fmt.Errorf("no pending record to resolve chain id for %s", key)
	}
	chainID, err := chainIDFor(rec)
	if err != nil {
		return nil, err
	}
	return w.pool.Endpoint(chainID)
}

func (w *Worker) anyPendingRecord(ctx context.Context, key nonce.Key) (*types.SignedTxPayload, bool) {
	records, err := w.coord.PendingList(ctx, key)
	if err != nil || len(records) == 0 {
		return nil, false
	}
	var p types.SignedTxPayload
	if err := json.Unmarshal(records[0], &p); err != nil {
		return nil, false
	}
	return &p, true
}

// sendHead submits the head transaction. It returns false when draining
// must stop (transient fault or stuck head that could not be replaced).
func (w *Worker) sendHead(ctx context.Context, key nonce.Key, head *types.SignedTxPayload) bool {
	// Redelivery dedup: an already-submitted hash is completed without a
	// second send.
	if w.stg.IsBroadcasted(head.TxHash) {
		w.complete(ctx, key, head)
		return true
	}

	chainID, err := chainIDFor(head)
	if err != nil {
		w.abandonHead(ctx, key, head, err)
		return true
	}
	ep, err := w.pool.Endpoint(chainID)
	if err != nil {
		w.nackHead(ctx, key, head, types.KindNetwork, err)
		return false
	}

	current := head
	for attempt := 0; ; attempt++ {
		tx := new(gtypes.Transaction)
		if err := tx.UnmarshalBinary(current.Raw); err != nil {
			w.abandonHead(ctx, key, current, fmt.Errorf("corrupt raw transaction: %w", err))
			return true
		}
		err := ep.Client.SendTransaction(ctx, tx)
		switch {
		case err == nil:
			w.complete(ctx, key, current)
			return true
		case web3.IsAlreadyKnown(err) || web3.IsUnderpriced(err) || web3.IsFeeTooLow(err):
			if attempt >= w.opts.MaxBumps {
				w.nackHead(ctx, key, current, types.KindGasPrice, err)
				return false
			}
			replaced, rerr := w.bumpAndResign(ctx, key, current)
			if rerr != nil {
				w.nackHead(ctx, key, current, types.KindGasPrice, rerr)
				return false
			}
			current = replaced
		case web3.IsNonceTooLow(err):
			// Consumed on-chain, by us or by a filler that superseded it.
			w.completeStale(ctx, key, current)
			return true
		case web3.IsNetworkErr(err):
			w.nackHead(ctx, key, current, types.KindNetwork, err)
			return false
		default:
			w.abandonHead(ctx, key, current, err)
			return true
		}
	}
}

// bumpAndResign builds a replacement for a stuck transaction: same nonce,
// fees raised ×1.1 per attempt bounded by the policy ceiling. The stored
// record is superseded and the pending record replaced.
func (w *Worker) bumpAndResign(ctx context.Context, key nonce.Key, stuck *types.SignedTxPayload) (*types.SignedTxPayload, error) {
	rec, err := w.stg.SignedTxByHash(stuck.TxHash)
	if err != nil {
		return nil, fmt.Errorf("stuck record %s: %w", stuck.TxHash.Hex(), err)
	}
	fees := web3.Bump(feesOf(rec), w.opts.FeeCeiling)

	tx := new(gtypes.Transaction)
	if err := tx.UnmarshalBinary(rec.Raw); err != nil {
		return nil, fmt.Errorf("decode stuck raw tx: %w", err)
	}
	signed, err := w.sig.SignTx(signer.TxParams{
		ChainID:   rec.ChainID,
		Nonce:     rec.Nonce,
		To:        rec.To,
		Value:     tx.Value(),
		Data:      tx.Data(),
		GasLimit:  rec.GasLimit,
		GasFeeCap: fees.FeeCap,
		GasTipCap: fees.TipCap,
		GasPrice:  fees.GasPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("re-sign bumped tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode bumped tx: %w", err)
	}

	replacement := *rec
	replacement.Raw = raw
	replacement.TxHash = signed.Hash()
	replacement.TryCount = rec.TryCount + 1
	replacement.Superseded = false
	if fees.FeeCap != nil {
		replacement.GasFeeCap = fees.FeeCap.String()
		replacement.GasTipCap = fees.TipCap.String()
	}
	if fees.GasPrice != nil {
		replacement.GasPrice = fees.GasPrice.String()
	}
	if err := w.stg.SupersedeSignedTx(rec.TxHash, &replacement); err != nil {
		return nil, fmt.Errorf("supersede signed tx: %w", err)
	}

	newHead := *stuck
	newHead.Raw = raw
	newHead.TxHash = signed.Hash()
	if fees.FeeCap != nil {
		newHead.GasFeeCap = fees.FeeCap.String()
		newHead.GasTipCap = fees.TipCap.String()
	}
	if fees.GasPrice != nil {
		newHead.GasPrice = fees.GasPrice.String()
	}
	record, err := json.Marshal(&newHead)
	if err != nil {
		return nil, fmt.Errorf("encode replacement record: %w", err)
	}
	if err := w.coord.PendingPop(ctx, key, stuck.Nonce); err != nil {
		return nil, err
	}
	if err := w.coord.PendingPush(ctx, key, record, newHead.Nonce); err != nil {
		return nil, err
	}
	// The inbound handle still tracks the nonce; only the hash changed.
	log.Infow("fees bumped for stuck transaction",
		"key", key.String(), "nonce", newHead.Nonce,
		"oldHash", stuck.TxHash.Hex(), "newHash", newHead.TxHash.Hex())
	return &newHead, nil
}

// handleGap runs the bounded gap search and, once the gap timeout expires,
// fills the missing nonces with 1-wei self-transfers. It returns true when
// draining may continue.
func (w *Worker) handleGap(ctx context.Context, key nonce.Key, expected, headNonce uint64) bool {
	ks := key.String()
	if _, ok := w.gapSince[ks]; !ok {
		w.gapSince[ks] = time.Now()
		log.Warnw("nonce gap detected", "key", ks, "expected", expected, "head", headNonce)
	}

	// Gap search: pull more queue messages hoping the missing nonces are
	// in flight. Bounded; anything found is inserted in order.
	found := false
	for i := 0; i < w.opts.GapPeeks; i++ {
		msgs, err := w.q.Receive(ctx, queue.SignedTx, 1, 0)
		if err != nil {
			break
		}
		for _, msg := range msgs {
			if k, ok := w.insert(ctx, msg); ok && k.String() == ks {
				found = true
			}
		}
	}
	if found {
		return true // re-evaluate the head
	}

	if time.Since(w.gapSince[ks]) < w.opts.GapTimeout {
		return false // wait for a late arrival
	}

	// Timeout: consume the missing nonces with fillers.
	if err := w.fillGap(ctx, key, expected, headNonce); err != nil {
		log.Warnw("gap fill failed", "key", ks, "error", err.Error())
		return false
	}
	delete(w.gapSince, ks)
	return true
}

// fillGap issues 1-wei self-transfers for every missing nonce so the
// counter can advance past the gap.
func (w *Worker) fillGap(ctx context.Context, key nonce.Key, from, to uint64) error {
	rec, ok := w.anyPendingRecord(ctx, key)
	if !ok {
		return fmt.Errorf("no pending record for %s", key)
	}
	chainID, err := chainIDFor(rec)
	if err != nil {
		return err
	}
	ep, err := w.pool.Endpoint(chainID)
	if err != nil {
		return err
	}
	fees, err := ep.Fees.Suggest(ctx)
	if err != nil {
		return err
	}

	for n := from; n < to; n++ {
		signed, err := w.sig.SignTx(signer.TxParams{
			ChainID:   chainID,
			Nonce:     n,
			To:        w.sig.Address(),
			Value:     big.NewInt(1),
			GasLimit:  21_000,
			GasFeeCap: fees.FeeCap,
			GasTipCap: fees.TipCap,
			GasPrice:  fees.GasPrice,
		})
		if err != nil {
			return fmt.Errorf("sign filler at nonce %d: %w", n, err)
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode filler: %w", err)
		}
		filler := &types.SignedTx{
			Raw:       raw,
			From:      w.sig.Address(),
			To:        w.sig.Address(),
			Value:     "1",
			Nonce:     n,
			GasLimit:  21_000,
			ChainID:   chainID,
			Chain:     key.Chain,
			Network:   rec.Network,
			TxHash:    signed.Hash(),
			CreatedAt: time.Now(),
		}
		if fees.FeeCap != nil {
			filler.GasFeeCap = fees.FeeCap.String()
			filler.GasTipCap = fees.TipCap.String()
		}
		if fees.GasPrice != nil {
			filler.GasPrice = fees.GasPrice.String()
		}
		if err := w.stg.PutSignedTx(filler); err != nil && !errors.Is(err, storage.ErrNonceInUse) {
			return fmt.Errorf("persist filler: %w", err)
		}
		if err := ep.Client.SendTransaction(ctx, signed); err != nil {
			if web3.IsNonceTooLow(err) || web3.IsAlreadyKnown(err) {
				// Someone else consumed the nonce; the gap is closing.
			} else {
				return fmt.Errorf("send filler at nonce %d: %w", n, err)
			}
		}
		if err := w.stg.MarkBroadcasted(signed.Hash()); err != nil {
			return err
		}
		if err := w.coord.SetLastBroadcasted(ctx, key, n); err != nil {
			return err
		}
		log.Infow("filler transaction sent", "key", key.String(), "nonce", n, "txHash", signed.Hash().Hex())
	}
	return nil
}

// complete finishes a successfully submitted head: dedup marker, counter
// advance, status transitions, broadcast-tx emission and inbound ack.
func (w *Worker) complete(ctx context.Context, key nonce.Key, head *types.SignedTxPayload) {
	if err := w.stg.MarkBroadcasted(head.TxHash); err != nil {
		log.Warnw("mark broadcasted failed", "txHash", head.TxHash.Hex(), "error", err.Error())
	}
	if err := w.coord.SetLastBroadcasted(ctx, key, head.Nonce); err != nil {
		log.Warnw("advance broadcast counter failed", "key", key.String(), "error", err.Error())
	}
	if err := w.coord.PendingPop(ctx, key, head.Nonce); err != nil {
		log.Warnw("pending pop failed", "key", key.String(), "nonce", head.Nonce, "error", err.Error())
	}

	for _, id := range w.requestIDs(head) {
		if err := w.stg.TransitionRequest(id, types.StatusBroadcasting, ""); err != nil {
			log.Warnw("transition to BROADCASTING failed", "requestId", id, "error", err.Error())
			continue
		}
		if err := w.stg.TransitionRequest(id, types.StatusSent, ""); err != nil {
			log.Warnw("transition to SENT failed", "requestId", id, "error", err.Error())
		}
	}

	body, err := types.EncodeBody(&types.BroadcastTxPayload{
		RequestID: head.RequestID,
		BatchID:   head.BatchID,
		Chain:     head.Chain,
		Network:   head.Network,
		TxHash:    head.TxHash,
		From:      head.From,
		Nonce:     head.Nonce,
		SentAt:    time.Now(),
	})
	if err != nil {
		log.Errorw(err, "encode broadcast-tx payload")
	} else if _, err := w.q.Send(ctx, queue.BroadcastTx, body); err != nil {
		log.Warnw("emit broadcast-tx failed", "txHash", head.TxHash.Hex(), "error", err.Error())
	}

	w.ackNonce(ctx, key, head.Nonce)
	log.Infow("transaction broadcast", "key", key.String(),
		"nonce", head.Nonce, "txHash", head.TxHash.Hex())
}

// completeStale pops a head whose nonce is already consumed on-chain. When
// our own submission consumed it the completion already happened; a foreign
// consumption fails the linked requests.
func (w *Worker) completeStale(ctx context.Context, key nonce.Key, head *types.SignedTxPayload) {
	if w.stg.IsBroadcasted(head.TxHash) {
		if err := w.coord.PendingPop(ctx, key, head.Nonce); err != nil {
			log.Warnw("pending pop failed", "key", key.String(), "nonce", head.Nonce, "error", err.Error())
		}
		w.ackNonce(ctx, key, head.Nonce)
		return
	}
	w.abandonHead(ctx, key, head, fmt.Errorf("nonce %d already consumed on-chain", head.Nonce))
}

// abandonHead drops a head that can never be sent and fails its requests.
func (w *Worker) abandonHead(ctx context.Context, key nonce.Key, head *types.SignedTxPayload, cause error) {
	log.Warnw("abandoning unsendable transaction", "key", key.String(),
		"nonce", head.Nonce, "txHash", head.TxHash.Hex(), "error", cause.Error())
	for _, id := range w.requestIDs(head) {
		if err := w.stg.FailRequest(id, cause.Error()); err != nil {
			log.Warnw("failed to mark request FAILED", "requestId", id, "error", err.Error())
		}
	}
	if err := w.coord.PendingPop(ctx, key, head.Nonce); err != nil {
		log.Warnw("pending pop failed", "key", key.String(), "nonce", head.Nonce, "error", err.Error())
	}
	w.ackNonce(ctx, key, head.Nonce)
}

// nackHead returns the head's inbound message for redelivery; the pending
// record stays in place.
func (w *Worker) nackHead(ctx context.Context, key nonce.Key, head *types.SignedTxPayload, kind types.ErrorKind, cause error) {
	if handle, ok := w.takeHandle(key, head.Nonce); ok {
		w.nack(ctx, handle, kind, cause)
	}
}

// requestIDs resolves the request IDs linked to a head, batch-aware.
func (w *Worker) requestIDs(head *types.SignedTxPayload) []string {
	if head.RequestID != "" {
		return []string{head.RequestID}
	}
	if head.BatchID != "" {
		rec, err := w.stg.SignedTxByBatch(head.BatchID)
		if err == nil {
			return rec.RequestIDs
		}
		rec, err = w.stg.SignedTxByHash(head.TxHash)
		if err == nil {
			return rec.RequestIDs
		}
	}
	return nil
}

func (w *Worker) ackNonce(ctx context.Context, key nonce.Key, n uint64) {
	if handle, ok := w.takeHandle(key, n); ok {
		w.ack(ctx, handle)
	}
}

func (w *Worker) takeHandle(key nonce.Key, n uint64) (string, bool) {
	handles := w.inflight[key.String()]
	if handles == nil {
		return "", false
	}
	h, ok := handles[n]
	if ok {
		delete(handles, n)
	}
	return h, ok
}

func (w *Worker) ack(ctx context.Context, handle string) {
	if err := w.q.Ack(ctx, handle); err != nil {
		log.Debugw("ack failed", "error", err.Error())
	}
}

func (w *Worker) nack(ctx context.Context, handle string, kind types.ErrorKind, cause error) {
	if err := w.q.Nack(ctx, handle, kind, cause.Error()); err != nil {
		log.Debugw("nack failed", "error", err.Error())
	}
}

// chainIDFor resolves the numeric chain id of a pending record.
func chainIDFor(p *types.SignedTxPayload) (uint64, error) {
	tx := new(gtypes.Transaction)
	if err := tx.UnmarshalBinary(p.Raw); err != nil {
		return 0, fmt.Errorf("decode raw transaction: %w", err)
	}
	return tx.ChainId().Uint64(), nil
}

// feesOf parses the stored fee fields of a signed record.
func feesOf(rec *types.SignedTx) web3.FeeCaps {
	var fees web3.FeeCaps
	if rec.GasFeeCap != "" {
		fees.FeeCap, _ = new(big.Int).SetString(rec.GasFeeCap, 10)
		fees.TipCap, _ = new(big.Int).SetString(rec.GasTipCap, 10)
	}
	if rec.GasPrice != "" {
		fees.GasPrice, _ = new(big.Int).SetString(rec.GasPrice, 10)
	}
	return fees
}
