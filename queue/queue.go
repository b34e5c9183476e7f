// Package queue defines the contracts between the pipeline stages: an
// at-least-once message queue with visibility timeouts, redelivery counting
// and a companion dead-letter queue per upstream queue. The physical bus is
// pluggable; the storage package provides the reference implementation.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/chainpay/withdrawd/types"
)

// Queue names glueing the pipeline stages together.
const (
	TxRequest   = "tx-request"
	SignedTx    = "signed-tx"
	BroadcastTx = "broadcast-tx"
)

// DLQSuffix is appended to a queue name to form its dead-letter queue.
const DLQSuffix = "-dlq"

// DLQName returns the dead-letter queue name for an upstream queue.
func DLQName(name string) string {
	return name + DLQSuffix
}

// UpstreamName returns the upstream queue for a DLQ name, and whether the
// name actually is a DLQ.
func UpstreamName(name string) (string, bool) {
	if len(name) <= len(DLQSuffix) || name[len(name)-len(DLQSuffix):] != DLQSuffix {
		return "", false
	}
	return name[:len(name)-len(DLQSuffix)], true
}

// ErrNoMessages is returned by Receive when the long-poll window elapses
// with no visible messages.
var ErrNoMessages = errors.New("no messages available")

// Queue is an at-least-once message queue. A received message stays
// invisible to other consumers for the visibility-timeout window; it must be
// acknowledged before the window elapses or it is redelivered. After the
// maximum number of redeliveries the message moves to the companion DLQ.
type Queue interface {
	// Send appends a message and returns its message ID.
	Send(ctx context.Context, name string, body []byte) (string, error)
	// SendDelayed appends a message that becomes visible after delay.
	SendDelayed(ctx context.Context, name string, body []byte, delay time.Duration) (string, error)
	// Receive long-polls for up to wait, returning at most max messages,
	// each with a receipt handle valid for the visibility window. It
	// returns ErrNoMessages when the window elapses empty.
	Receive(ctx context.Context, name string, max int, wait time.Duration) ([]*types.Message, error)
	// Ack deletes a message after its side effects are durable.
	Ack(ctx context.Context, handle string) error
	// Nack returns a message to the queue for redelivery, optionally
	// annotating the failure that caused it. The annotation travels with
	// the message into the DLQ on escalation.
	Nack(ctx context.Context, handle string, kind types.ErrorKind, errMsg string) error
}
