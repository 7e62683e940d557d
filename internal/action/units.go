package action

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the precision of every Super Token.
const TokenDecimals = 18

// FormatUnits renders a wei amount in whole-token units without trailing zeros.
func FormatUnits(wei *big.Int, decimals int32) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -decimals).String()
}

// FormatFlowRatePerMonth renders a per-second flow rate as tokens per
// 30-day month, rounded to 6 places.
func FormatFlowRatePerMonth(flowRate *big.Int, decimals int32) string {
	if flowRate == nil {
		return "0"
	}
	perMonth := decimal.NewFromBigInt(flowRate, -decimals).Mul(decimal.NewFromInt(30 * 24 * 60 * 60))
	return perMonth.Round(6).String()
}

// ParseUnits converts a whole-token decimal string to wei. Empty input
// yields nil.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	if amount == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: negative", amount)
	}
	wei := d.Shift(decimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("parse amount %q: more than %d decimals", amount, decimals)
	}
	return wei.BigInt(), nil
}
