package signer

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// ParseUnits converts a decimal amount string to base units with the given
// number of decimals. The amount must be a positive decimal with at most
// `decimals` fractional digits; anything else is rejected rather than
// rounded.
func ParseUnits(amount string, decimals uint8) (*uint256.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	whole, frac := amount, ""
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		whole, frac = amount[:i], amount[i+1:]
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return nil, fmt.Errorf("amount must be positive")
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("amount %q out of range: %w", amount, err)
	}
	return v, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
