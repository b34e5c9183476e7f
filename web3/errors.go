package web3

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/chainpay/withdrawd/types"
)

// RPC nodes disagree on error types but agree on message text, so send
// errors are classified by substring match.

func IsNonceTooHigh(err error) bool {
	return containsErr(err, "nonce too high")
}

func IsNonceTooLow(err error) bool {
	return containsErr(err, "nonce too low")
}

func IsUnderpriced(err error) bool {
	return containsErr(err, "replacement transaction underpriced") ||
		containsErr(err, "transaction underpriced") ||
		containsErr(err, "tip too low")
}

func IsFeeTooLow(err error) bool {
	return containsErr(err, "fee cap too low") ||
		containsErr(err, "max priority fee per gas higher than max fee per gas") ||
		containsErr(err, "max fee per gas less than block base fee")
}

func IsAlreadyKnown(err error) bool {
	return containsErr(err, "already known") ||
		containsErr(err, "already imported") ||
		containsErr(err, "known transaction")
}

func IsInsufficientFunds(err error) bool {
	return containsErr(err, "insufficient funds")
}

func isNetworkErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return containsErr(err, "connection refused") ||
		containsErr(err, "connection reset") ||
		containsErr(err, "i/o timeout") ||
		containsErr(err, "eof") ||
		containsErr(err, "too many requests") ||
		containsErr(err, "503") ||
		containsErr(err, "502")
}

// IsNetworkErr reports whether the error is a transport-level fault worth
// retrying at the call site.
func IsNetworkErr(err error) bool {
	return isNetworkErr(err)
}

// ClassifySendError maps an RPC send failure onto the pipeline error
// taxonomy.
func ClassifySendError(err error) types.ErrorKind {
	switch {
	case err == nil:
		return ""
	case IsNonceTooLow(err), IsNonceTooHigh(err):
		return types.KindNonce
	case IsUnderpriced(err), IsFeeTooLow(err):
		return types.KindGasPrice
	case IsInsufficientFunds(err):
		return types.KindBusiness
	case isNetworkErr(err):
		return types.KindNetwork
	default:
		return types.KindUnknown
	}
}

func containsErr(err error, sub string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(sub))
}
