package pool

import (
	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

// Position is a fixed-rate claim or obligation at one maturity.
type Position struct {
	Principal uint256.Int
	Fee       uint256.Int
}

func (p Position) Total() uint256.Int {
	return fpmath.Add(p.Principal, p.Fee)
}

func (p Position) IsZero() bool {
	return p.Principal.IsZero() && p.Fee.IsZero()
}

func (p Position) Add(o Position) Position {
	return Position{
		Principal: fpmath.Add(p.Principal, o.Principal),
		Fee:       fpmath.Add(p.Fee, o.Fee),
	}
}

// ScaleProportionally returns the slice of p worth amount, split in the
// same principal/fee ratio. Principal rounds down.
func (p Position) ScaleProportionally(amount uint256.Int) Position {
	total := p.Total()
	if total.IsZero() {
		return Position{}
	}
	principal := fpmath.MulDiv(amount, p.Principal, total, fpmath.RoundDown)
	return Position{Principal: principal, Fee: fpmath.Sub(amount, principal)}
}

// ReduceProportionally returns what is left of p after removing amount.
func (p Position) ReduceProportionally(amount uint256.Int) Position {
	total := p.Total()
	if total.IsZero() {
		return Position{}
	}
	left := fpmath.Sub(total, amount)
	principal := fpmath.MulDiv(left, p.Principal, total, fpmath.RoundDown)
	return Position{Principal: principal, Fee: fpmath.Sub(left, principal)}
}
