// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrArithmetic marks overflow, underflow and division by zero. Helpers in
// this package panic with an error wrapping it; the transaction manager
// recovers the panic and rolls back.
var ErrArithmetic = errors.New("math: arithmetic fault")

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

const (
	Year     uint64 = 365 * 24 * 60 * 60
	Day      uint64 = 24 * 60 * 60
	WadDigit        = 18
)

// WAD is 1e18, the scale of every rate, ratio and price.
var WAD = *uint256.NewInt(1_000_000_000_000_000_000)

// MaxUint256 stands for "no limit" in caller-supplied caps.
var MaxUint256 = uint256.Int{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)}

// N builds an Int from a uint64.
func N(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// Wad returns v * 1e18.
func Wad(v uint64) uint256.Int {
	return Mul(N(v), WAD)
}

// Pow10 returns 10^exp.
func Pow10(exp uint8) uint256.Int {
	var z, ten uint256.Int
	ten.SetUint64(10)
	z.SetUint64(1)
	for i := uint8(0); i < exp; i++ {
		z.Mul(&z, &ten)
	}
	return z
}

// Parse reads a base-10 integer string.
func Parse(s string) (uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("math: parse %q: %w", s, err)
	}
	return *z, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) uint256.Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}

func fault(op string) error {
	return fmt.Errorf("%w: %s", ErrArithmetic, op)
}

func Add(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&x, &y); overflow {
		panic(fault("addition overflow"))
	}
	return z
}

// Sub panics on underflow. Use SatSub where a floor at zero is intended.
func Sub(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&x, &y); underflow {
		panic(fault(fmt.Sprintf("subtraction underflow %s - %s", x.Dec(), y.Dec())))
	}
	return z
}

// SatSub returns max(x-y, 0).
func SatSub(x, y uint256.Int) uint256.Int {
	if x.Lt(&y) {
		return uint256.Int{}
	}
	var z uint256.Int
	z.Sub(&x, &y)
	return z
}

func Mul(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&x, &y); overflow {
		panic(fault("multiplication overflow"))
	}
	return z
}

// Div rounds down.
func Div(x, y uint256.Int) uint256.Int {
	if y.IsZero() {
		panic(fault("division by zero"))
	}
	var z uint256.Int
	z.Div(&x, &y)
	return z
}

// MulDiv computes x*y/d with a 512-bit intermediate.
func MulDiv(x, y, d uint256.Int, mode RoundingMode) uint256.Int {
	if d.IsZero() {
		panic(fault("division by zero"))
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&x, &y, &d); overflow {
		panic(fault("muldiv overflow"))
	}
	if mode == RoundUp {
		var rem uint256.Int
		rem.MulMod(&x, &y, &d)
		if !rem.IsZero() {
			one := uint256.NewInt(1)
			if _, overflow := z.AddOverflow(&z, one); overflow {
				panic(fault("muldiv overflow"))
			}
		}
	}
	return z
}

func MulWadDown(x, y uint256.Int) uint256.Int { return MulDiv(x, y, WAD, RoundDown) }
func MulWadUp(x, y uint256.Int) uint256.Int   { return MulDiv(x, y, WAD, RoundUp) }
func DivWadDown(x, y uint256.Int) uint256.Int { return MulDiv(x, WAD, y, RoundDown) }
func DivWadUp(x, y uint256.Int) uint256.Int   { return MulDiv(x, WAD, y, RoundUp) }

func Min(x, y uint256.Int) uint256.Int {
	if x.Lt(&y) {
		return x
	}
	return y
}

func Max(x, y uint256.Int) uint256.Int {
	if x.Gt(&y) {
		return x
	}
	return y
}

func Cmp(x, y uint256.Int) int { return x.Cmp(&y) }
func Eq(x, y uint256.Int) bool { return x.Eq(&y) }
func Lt(x, y uint256.Int) bool { return x.Lt(&y) }
func Gt(x, y uint256.Int) bool { return x.Gt(&y) }
func Lte(x, y uint256.Int) bool {
	return !x.Gt(&y)
}
func Gte(x, y uint256.Int) bool {
	return !x.Lt(&y)
}
func IsZero(x uint256.Int) bool { return x.IsZero() }

// Dec renders x in base 10.
func Dec(x uint256.Int) string { return x.Dec() }
