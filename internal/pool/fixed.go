package pool

import (
	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

// FixedPool is the aggregate ledger of one maturity. Borrowing beyond what
// was supplied is funded by the floating pool ("backup").
type FixedPool struct {
	Borrowed           uint256.Int
	Supplied           uint256.Int
	UnassignedEarnings uint256.Int
	LastAccrual        uint64
}

// BackupSupplied is max(borrowed - supplied, 0).
func (p *FixedPool) BackupSupplied() uint256.Int {
	return fpmath.SatSub(p.Borrowed, p.Supplied)
}

// AccrueEarnings releases unassigned earnings linearly until maturity and
// returns the released amount.
func (p *FixedPool) AccrueEarnings(maturity, now uint64) uint256.Int {
	var earnings uint256.Int
	switch {
	case now < maturity:
		if now > p.LastAccrual {
			earnings = fpmath.MulDiv(p.UnassignedEarnings, fpmath.N(now-p.LastAccrual), fpmath.N(maturity-p.LastAccrual), fpmath.RoundDown)
		}
		p.LastAccrual = now
	case p.LastAccrual == maturity:
	default:
		earnings = p.UnassignedEarnings
		p.LastAccrual = maturity
	}
	p.UnassignedEarnings = fpmath.Sub(p.UnassignedEarnings, earnings)
	return earnings
}

// Deposit returns how much backup debt the new supply pays down.
func (p *FixedPool) Deposit(amount uint256.Int) uint256.Int {
	reduction := fpmath.Min(p.BackupSupplied(), amount)
	p.Supplied = fpmath.Add(p.Supplied, amount)
	return reduction
}

// Repay returns how much backup debt the repaid principal pays down.
func (p *FixedPool) Repay(principal uint256.Int) uint256.Int {
	reduction := fpmath.Min(p.BackupSupplied(), principal)
	p.Borrowed = fpmath.Sub(p.Borrowed, principal)
	return reduction
}

// Borrow returns how much of the new borrow the floating pool must back.
func (p *FixedPool) Borrow(amount uint256.Int) uint256.Int {
	newBorrowed := fpmath.Add(p.Borrowed, amount)
	addition := fpmath.Sub(newBorrowed, fpmath.Min(fpmath.Max(p.Borrowed, p.Supplied), newBorrowed))
	p.Borrowed = newBorrowed
	return addition
}

// Withdraw returns how much of the withdrawn supply the floating pool must
// replace.
func (p *FixedPool) Withdraw(principal uint256.Int) uint256.Int {
	newSupplied := fpmath.Sub(p.Supplied, principal)
	addition := fpmath.Sub(fpmath.Min(p.Supplied, p.Borrowed), fpmath.Min(newSupplied, p.Borrowed))
	p.Supplied = newSupplied
	return addition
}

// CalculateDeposit returns the yield a deposit of amount earns from
// unassigned earnings and the part of it kept as backup fee.
func (p *FixedPool) CalculateDeposit(amount, backupFeeRate uint256.Int) (yield, backupFee uint256.Int) {
	backup := p.BackupSupplied()
	if backup.IsZero() {
		return
	}
	gross := fpmath.MulDiv(p.UnassignedEarnings, fpmath.Min(amount, backup), backup, fpmath.RoundDown)
	backupFee = fpmath.MulWadDown(gross, backupFeeRate)
	yield = fpmath.Sub(gross, backupFee)
	return
}

// DistributeEarnings splits a fee between the pool's unassigned earnings
// and the floating pool in proportion to how much of principalBase is
// backed by the floating pool. It does not mutate the pool.
func (p *FixedPool) DistributeEarnings(fee, principalBase uint256.Int) (unassigned, backup uint256.Int) {
	if principalBase.IsZero() {
		return fee, uint256.Int{}
	}
	backup = fpmath.MulDiv(fee, fpmath.Min(p.BackupSupplied(), principalBase), principalBase, fpmath.RoundDown)
	unassigned = fpmath.Sub(fee, backup)
	return
}
