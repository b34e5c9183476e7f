package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and escalation decisions. Kinds,
// not Go types: workers wrap the underlying error with a kind and the DLQ
// handler decides from the kind alone.
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION"
	KindAuth       ErrorKind = "AUTH"
	KindNotFound   ErrorKind = "NOT_FOUND"
	KindBusiness   ErrorKind = "BUSINESS"
	KindNonce      ErrorKind = "NONCE"
	KindGasPrice   ErrorKind = "GAS_PRICE"
	KindNetwork    ErrorKind = "NETWORK"
	KindBlockchain ErrorKind = "BLOCKCHAIN"
	KindUnknown    ErrorKind = "UNKNOWN"
)

// Retryable reports whether failures of this kind may be retried via
// redelivery and DLQ rescheduling.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindUnknown:
		return true
	default:
		return false
	}
}

// TaggedError wraps an error with its kind.
type TaggedError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaggedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TaggedError) Unwrap() error {
	return e.Err
}

// WrapError tags err with the given kind. A nil err returns nil.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &TaggedError{Kind: kind, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &TaggedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, defaulting to UNKNOWN.
func KindOf(err error) ErrorKind {
	var te *TaggedError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}
