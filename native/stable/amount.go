package stable

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the fixed-point precision of every balance.
const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// ParseAmount converts a whole-unit decimal string such as "1000.5" into base
// units. Digits beyond 18 decimals are rejected rather than truncated.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	rat, ok := new(big.Rat).SetString(trimmed)
	if trimmed == "" || !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	rat.Mul(rat, new(big.Rat).SetInt(unit))
	if !rat.IsInt() {
		return nil, fmt.Errorf("%w: more than %d decimals in %q", ErrInvalidAmount, Decimals, value)
	}
	return new(big.Int).Set(rat.Num()), nil
}

// FormatAmount renders base units as a whole-unit decimal string.
func FormatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(amount, unit).FloatString(Decimals)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
