package irm

import (
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyMatured      = errors.New("irm: maturity already reached")
	ErrUtilizationExceeded = errors.New("irm: utilization exceeded")
	ErrNegativeRate        = errors.New("irm: negative rate")
	ErrInvalidParameter    = errors.New("irm: invalid parameter")
)

// precision of intermediate decimal divisions and logarithms
const precision = 27

// Below this delta/alpha ratio the closed form loses precision and the
// average is taken with Simpson's rule instead.
var simpsonThreshold = decimal.RequireFromString("0.00075")

// Curve is r(u) = A / (MaxUtilization - u) + B.
type Curve struct {
	A              decimal.Decimal
	B              decimal.Decimal
	MaxUtilization decimal.Decimal
}

type Parameters struct {
	Fixed    Curve
	Floating Curve
}

// DefaultParameters mirrors the curves used by the reference simulation.
func DefaultParameters() Parameters {
	c := Curve{
		A:              decimal.RequireFromString("0.023"),
		B:              decimal.RequireFromString("-0.0025"),
		MaxUtilization: decimal.RequireFromString("1.02"),
	}
	return Parameters{Fixed: c, Floating: c}
}

func (c Curve) validate(name string) error {
	if !c.A.IsPositive() {
		return fmt.Errorf("%w: %s curve A must be positive", ErrInvalidParameter, name)
	}
	if c.MaxUtilization.LessThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s curve max utilization must exceed 1", ErrInvalidParameter, name)
	}
	// r(0) must not be negative.
	if c.A.DivRound(c.MaxUtilization, precision).Add(c.B).IsNegative() {
		return fmt.Errorf("%w: %s curve yields a negative rate at zero utilization", ErrInvalidParameter, name)
	}
	return nil
}

// Model prices fixed and floating borrows from pool utilization.
// Rates are annual and WAD scaled.
type Model struct {
	fixed    Curve
	floating Curve
}

func New(p Parameters) (*Model, error) {
	if err := p.Fixed.validate("fixed"); err != nil {
		return nil, err
	}
	if err := p.Floating.validate("floating"); err != nil {
		return nil, err
	}
	return &Model{fixed: p.Fixed, floating: p.Floating}, nil
}

func (m *Model) Parameters() Parameters {
	return Parameters{Fixed: m.fixed, Floating: m.floating}
}

// FloatingRate is the average floating rate while utilization moves
// between the two values.
func (m *Model) FloatingRate(uBefore, uAfter uint256.Int) (uint256.Int, error) {
	if fpmath.Gt(uAfter, fpmath.WAD) {
		return uint256.Int{}, ErrUtilizationExceeded
	}
	lo, hi := fpmath.Min(uBefore, uAfter), fpmath.Max(uBefore, uAfter)
	return average(m.floating, lo, hi)
}

// FixedRate is the annual rate charged for borrowing amount from a pool
// with the given borrowed and supplied totals, backed by backupAssets of
// smoothed floating liquidity.
func (m *Model) FixedRate(maturity, now uint64, amount, borrowed, supplied, backupAssets uint256.Int) (uint256.Int, error) {
	if now >= maturity {
		return uint256.Int{}, ErrAlreadyMatured
	}
	potential := fpmath.Add(supplied, backupAssets)
	if potential.IsZero() {
		return uint256.Int{}, ErrUtilizationExceeded
	}
	uAfter := fpmath.DivWadUp(fpmath.Add(borrowed, amount), potential)
	if fpmath.Gt(uAfter, fpmath.WAD) {
		return uint256.Int{}, ErrUtilizationExceeded
	}
	uBefore := fpmath.DivWadDown(borrowed, potential)
	return average(m.fixed, uBefore, uAfter)
}

// TermRate scales an annual rate to the seconds left until maturity.
func TermRate(annual uint256.Int, maturity, now uint64) uint256.Int {
	if now >= maturity {
		return uint256.Int{}
	}
	return fpmath.MulDiv(annual, fpmath.N(maturity-now), fpmath.N(fpmath.Year), fpmath.RoundDown)
}

func average(c Curve, before, after uint256.Int) (uint256.Int, error) {
	uB := fpmath.ToDecimal(before, fpmath.WadDigit)
	uA := fpmath.ToDecimal(after, fpmath.WadDigit)
	alpha := c.MaxUtilization.Sub(uB)
	delta := uA.Sub(uB)

	var r decimal.Decimal
	if delta.DivRound(alpha, precision).LessThan(simpsonThreshold) {
		mid := uB.Add(uA).DivRound(decimal.NewFromInt(2), precision)
		sum := c.A.DivRound(alpha, precision).
			Add(c.A.Mul(decimal.NewFromInt(4)).DivRound(c.MaxUtilization.Sub(mid), precision)).
			Add(c.A.DivRound(c.MaxUtilization.Sub(uA), precision))
		r = sum.DivRound(decimal.NewFromInt(6), precision)
	} else {
		ln, err := alpha.DivRound(c.MaxUtilization.Sub(uA), precision).Ln(precision)
		if err != nil {
			return uint256.Int{}, fmt.Errorf("irm: ln: %w", err)
		}
		r = c.A.Mul(ln).DivRound(delta, precision)
	}
	r = r.Add(c.B)
	if r.IsNegative() {
		return uint256.Int{}, ErrNegativeRate
	}
	return fpmath.FromDecimal(r, fpmath.WadDigit)
}
