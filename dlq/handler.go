// Package dlq implements the dead-letter handler: it consumes the companion
// DLQ of every pipeline queue, classifies the recorded failure and either
// reschedules the message to its upstream queue with exponential backoff or
// fails the withdrawal permanently.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chainpay/withdrawd/log"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/storage"
	"github.com/chainpay/withdrawd/types"
)

// Options tunes the retry policy.
type Options struct {
	// MaxAttempts bounds retries for transient failures.
	MaxAttempts int
	// UnknownMaxAttempts is the reduced budget for UNKNOWN failures.
	UnknownMaxAttempts int
	// InitialDelay is the first backoff delay.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// BatchSize is the maximum messages per receive-cycle.
	BatchSize int
	// LongPoll is the receive long-poll window.
	LongPoll time.Duration
}

// DefaultOptions returns the standard retry policy.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:        5,
		UnknownMaxAttempts: 2,
		InitialDelay:       60 * time.Second,
		MaxDelay:           6 * time.Hour,
		Multiplier:         2.0,
		BatchSize:          10,
		LongPoll:           20 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt (0-based):
// min(MaxDelay, InitialDelay·Multiplier^attempt). The schedule is
// non-decreasing.
func (o Options) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(o.InitialDelay) * math.Pow(o.Multiplier, float64(attempt)))
	if d > o.MaxDelay || d <= 0 {
		return o.MaxDelay
	}
	return d
}

// Handler drains the dead-letter queues.
type Handler struct {
	stg  *storage.Storage
	q    queue.Queue
	opts Options
	dlqs []string
}

// New builds a Handler covering the DLQs of every pipeline queue.
func New(stg *storage.Storage, q queue.Queue, opts Options) *Handler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.UnknownMaxAttempts <= 0 {
		opts.UnknownMaxAttempts = 2
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 60 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 6 * time.Hour
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = 2.0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.LongPoll <= 0 {
		opts.LongPoll = 20 * time.Second
	}
	return &Handler{
		stg:  stg,
		q:    q,
		opts: opts,
		dlqs: []string{
			queue.DLQName(queue.TxRequest),
			queue.DLQName(queue.SignedTx),
			queue.DLQName(queue.BroadcastTx),
		},
	}
}

// Run drains every DLQ until the context is canceled.
func (h *Handler) Run(ctx context.Context) error {
	for {
		if err := h.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warnw("dlq cycle failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// Cycle runs one receive pass over every DLQ. The long-poll is split across
// the queues so one empty DLQ does not starve the others.
func (h *Handler) Cycle(ctx context.Context) error {
	wait := h.opts.LongPoll / time.Duration(len(h.dlqs))
	for _, dlq := range h.dlqs {
		msgs, err := h.q.Receive(ctx, dlq, h.opts.BatchSize, wait)
		if errors.Is(err, queue.ErrNoMessages) {
			continue
		}
		if err != nil {
			return fmt.Errorf("receive %s: %w", dlq, err)
		}
		upstream, _ := queue.UpstreamName(dlq)
		for _, msg := range msgs {
			h.handle(ctx, upstream, msg)
		}
	}
	return nil
}

// handle classifies one dead-lettered message and decides its fate.
func (h *Handler) handle(ctx context.Context, upstream string, msg *types.Message) {
	kind := msg.ErrorKind
	if kind == "" {
		kind = types.KindUnknown
	}
	requestIDs := h.requestIDs(upstream, msg)

	switch kind {
	case types.KindValidation, types.KindAuth, types.KindNotFound,
		types.KindBusiness, types.KindBlockchain:
		h.failPermanently(ctx, msg, requestIDs, kind)
		return
	}

	budget := h.opts.MaxAttempts
	if kind == types.KindUnknown {
		budget = h.opts.UnknownMaxAttempts
	}

	scope := upstream + "/" + h.scopeID(upstream, msg)
	attempts, err := h.stg.RetryAttempts(scope)
	if err != nil {
		log.Warnw("retry counter read failed", "scope", scope, "error", err.Error())
	}
	attempts += msg.Attempts
	if attempts >= budget {
		h.failPermanently(ctx, msg, requestIDs, kind)
		return
	}

	delay := h.opts.Delay(attempts)
	if _, err := h.q.SendDelayed(ctx, upstream, msg.Body, delay); err != nil {
		h.nack(ctx, msg, err)
		return
	}
	if err := h.stg.SetRetryAttempts(scope, attempts+1); err != nil {
		log.Warnw("retry counter write failed", "scope", scope, "error", err.Error())
	}
	h.ack(ctx, msg)
	log.Infow("dead-lettered message rescheduled",
		"queue", upstream, "kind", string(kind),
		"attempt", attempts+1, "delay", delay.String())
}

// failPermanently marks every linked request FAILED and drops the message.
func (h *Handler) failPermanently(ctx context.Context, msg *types.Message, requestIDs []string, kind types.ErrorKind) {
	reason := msg.ErrorMessage
	if reason == "" {
		reason = string(kind)
	}
	for _, id := range requestIDs {
		if err := h.stg.FailRequest(id, reason); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			log.Warnw("failed to mark request FAILED", "requestId", id, "error", err.Error())
		}
	}
	h.ack(ctx, msg)
	log.Infow("dead-lettered message failed permanently",
		"kind", string(kind), "requests", len(requestIDs), "reason", reason)
}

// requestIDs extracts the withdrawal request IDs from the message body,
// which depends on the upstream queue.
func (h *Handler) requestIDs(upstream string, msg *types.Message) []string {
	switch upstream {
	case queue.TxRequest:
		var p types.TxRequestPayload
		if err := types.DecodeBody(msg.Body, &p); err == nil && p.RequestID != "" {
			return []string{p.RequestID}
		}
	case queue.SignedTx:
		var p types.SignedTxPayload
		if err := types.DecodeBody(msg.Body, &p); err == nil {
			return h.resolve(p.RequestID, p.BatchID)
		}
	case queue.BroadcastTx:
		var p types.BroadcastTxPayload
		if err := types.DecodeBody(msg.Body, &p); err == nil {
			return h.resolve(p.RequestID, p.BatchID)
		}
	}
	return nil
}

func (h *Handler) resolve(requestID, batchID string) []string {
	if requestID != "" {
		return []string{requestID}
	}
	if batchID != "" {
		if rec, err := h.stg.SignedTxByBatch(batchID); err == nil {
			return rec.RequestIDs
		}
	}
	return nil
}

// scopeID keys the cumulative retry counter. The request (or batch) ID keeps
// retries of the same withdrawal on one monotone schedule across
// republications; the message ID is the fallback.
func (h *Handler) scopeID(upstream string, msg *types.Message) string {
	if ids := h.requestIDs(upstream, msg); len(ids) > 0 {
		return ids[0]
	}
	return msg.MessageID
}

func (h *Handler) ack(ctx context.Context, msg *types.Message) {
	if err := h.q.Ack(ctx, msg.ReceiptHandle); err != nil {
		log.Debugw("ack failed", "messageID", msg.MessageID, "error", err.Error())
	}
}

func (h *Handler) nack(ctx context.Context, msg *types.Message, cause error) {
	if err := h.q.Nack(ctx, msg.ReceiptHandle, types.KindNetwork, cause.Error()); err != nil {
		log.Debugw("nack failed", "messageID", msg.MessageID, "error", err.Error())
	}
}
