package voucher

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a decimal token amount ("10", "0.25") into the token's
// smallest unit. Zero, negative and over-precise amounts are rejected.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, amount)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits renders base units as a decimal string without trailing zeros.
func FromBaseUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
