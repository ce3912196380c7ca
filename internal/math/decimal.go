package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ToDecimal interprets x as a fixed-point number with `digits` decimals.
func ToDecimal(x uint256.Int, digits int32) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -digits)
}

// FromDecimal scales d by 10^digits and truncates toward zero.
// Negative values and values beyond 256 bits fail.
func FromDecimal(d decimal.Decimal, digits int32) (uint256.Int, error) {
	if d.IsNegative() {
		return uint256.Int{}, fmt.Errorf("%w: negative value %s", ErrArithmetic, d.String())
	}
	z, overflow := uint256.FromBig(d.Shift(digits).BigInt())
	if overflow {
		return uint256.Int{}, fmt.Errorf("%w: %s does not fit 256 bits", ErrArithmetic, d.String())
	}
	return *z, nil
}

// ParseWad reads a human decimal ("0.9", "1.25") into WAD scale.
func ParseWad(s string) (uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("math: parse wad %q: %w", s, err)
	}
	return FromDecimal(d, WadDigit)
}

// MustParseWad is ParseWad for constants and tests.
func MustParseWad(s string) uint256.Int {
	z, err := ParseWad(s)
	if err != nil {
		panic(err)
	}
	return z
}

// DecayFactor returns 1 - e^(-rate*elapsed) in WAD, rate being WAD per second.
// Past an exponent of 50 the result rounds to WAD. It panics with
// ErrArithmetic when the exponential cannot be evaluated.
func DecayFactor(rate uint256.Int, elapsed uint64) uint256.Int {
	x := ToDecimal(rate, WadDigit).Mul(decimal.NewFromUint64(elapsed))
	if x.IsZero() {
		return uint256.Int{}
	}
	if x.GreaterThan(decimal.NewFromInt(50)) {
		return WAD
	}
	e, err := x.ExpTaylor(WadDigit + 6)
	if err != nil {
		panic(fmt.Errorf("%w: exp(%s): %v", ErrArithmetic, x.String(), err))
	}
	one := decimal.NewFromInt(1)
	f, err := FromDecimal(one.Sub(one.DivRound(e, WadDigit+6)), WadDigit)
	if err != nil {
		panic(err)
	}
	return Min(f, WAD)
}

// FormatWad renders a WAD value as a decimal string.
func FormatWad(x uint256.Int) string {
	return ToDecimal(x, WadDigit).String()
}
