package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var ErrBadAmount = errors.New("ledger: invalid amount")

// ParseEther converts a decimal amount of the native coin, such as "0.001",
// to wei. Negative amounts and amounts finer than one wei are rejected.
func ParseEther(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrBadAmount, amount, err)
	}

	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrBadAmount, amount)
	}

	wei := d.Shift(18)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than 18 decimal places", ErrBadAmount, amount)
	}

	return wei.BigInt(), nil
}

// FormatEther renders wei as a decimal amount of the native coin.
func FormatEther(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}
