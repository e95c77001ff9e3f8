// Package units converts between the fixed-point integers stored on chain and
// the decimal strings shown to borrowers, investors and underwriters.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// SixDecimals is the precision of the USDC token and of every amount the
// lending contracts store (loan amount, interest, pool balances).
const SixDecimals = 6

var (
	ErrEmptyAmount       = errors.New("units: amount required")
	ErrInvalidAmount     = errors.New("units: invalid amount")
	ErrNegativeAmount    = errors.New("units: amount must not be negative")
	ErrFractionTooLong   = errors.New("units: fractional component exceeds decimals")
	ErrAmountOutOfBounds = errors.New("units: amount overflows uint256")
)

// ParseUnits converts a decimal string such as "1500.25" into its fixed-point
// representation with the given number of decimals. Trailing zeros in the
// fraction are ignored, so "1.500000000" parses at six decimals.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, ErrEmptyAmount
	}
	if decimals < 0 {
		return nil, fmt.Errorf("units: negative decimals %d", decimals)
	}
	if strings.ContainsAny(trimmed, "eE") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, trimmed)
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, trimmed)
	}
	if parsed.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	scaled := parsed.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q", ErrFractionTooLong, trimmed)
	}
	out := scaled.BigInt()
	if _, overflow := uint256.FromBig(out); overflow {
		return nil, ErrAmountOutOfBounds
	}
	return out, nil
}

// FormatUnits renders a fixed-point integer as a decimal string. Whole values
// keep a single fractional zero ("1.0") to match what wallets display.
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0.0"
	}
	out := decimal.NewFromBigInt(value, -int32(decimals)).String()
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}

// Decimal parses a string produced by FormatUnits. Malformed input yields zero.
func Decimal(value string) decimal.Decimal {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return parsed
}

// WholeUnits truncates a fixed-point integer to its integer part.
func WholeUnits(value *big.Int, decimals int) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Quo(value, scale)
}

var displayScales = []struct {
	bound  decimal.Decimal
	suffix string
}{
	{bound: decimal.New(1, 9), suffix: "B"},
	{bound: decimal.New(1, 6), suffix: "M"},
	{bound: decimal.New(1, 3), suffix: "K"},
}

// DisplayAmount renders an amount for cards and tables: values of a thousand
// and above are abbreviated with K, M or B and two decimals at most. Input that
// is not a number is returned untouched.
func DisplayAmount(amount string) string {
	parsed, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return amount
	}
	abs := parsed.Abs()
	for _, scale := range displayScales {
		if abs.GreaterThanOrEqual(scale.bound) {
			f, _ := parsed.Div(scale.bound).Float64()
			return humanize.FtoaWithDigits(f, 2) + scale.suffix
		}
	}
	f, _ := parsed.Float64()
	return humanize.FtoaWithDigits(f, 2)
}

// TrimmedAddress shortens a hex address to "0x1234...abcd".
func TrimmedAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if len(trimmed) <= 10 {
		return trimmed
	}
	return trimmed[:6] + "..." + trimmed[len(trimmed)-4:]
}

// ConvertDate formats an epoch timestamp in seconds as DD/MM/YYYY in UTC.
func ConvertDate(epochSeconds int64) string {
	return time.Unix(epochSeconds, 0).UTC().Format("02/01/2006")
}
