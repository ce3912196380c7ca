package market

import (
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/pool"

	"github.com/holiman/uint256"
)

// Views take the timestamp explicitly; callers outside a transaction read
// it through txn.Manager.View.

// TotalFloatingBorrowAssets is floating debt including interest not yet
// accrued.
func (m *Market) TotalFloatingBorrowAssets(now uint64) uint256.Int {
	newDebt, _ := m.projectedDebt(now)
	return fpmath.Add(m.st.floating.Debt, newDebt)
}

// TotalAssets is what floating depositors own: floating assets plus
// earnings that will be released to them without further action.
func (m *Market) TotalAssets(now uint64) uint256.Int {
	var backupEarnings uint256.Int
	latest := pool.Latest(now)
	maxMaturity := pool.MaxMaturity(now, m.params.MaxFuturePools)
	for maturity := latest; maturity <= maxMaturity; maturity += pool.Interval {
		p, ok := m.st.fixedPools[maturity]
		if !ok || maturity <= p.LastAccrual {
			continue
		}
		if now < maturity {
			backupEarnings = fpmath.Add(backupEarnings, fpmath.MulDiv(p.UnassignedEarnings, fpmath.N(now-p.LastAccrual), fpmath.N(maturity-p.LastAccrual), fpmath.RoundDown))
		} else {
			backupEarnings = fpmath.Add(backupEarnings, p.UnassignedEarnings)
		}
	}
	f := &m.st.floating
	newDebt, _ := m.projectedDebt(now)
	return fpmath.Add(
		fpmath.Add(f.Assets, backupEarnings),
		fpmath.Add(
			f.AccumulatedEarnings(now, m.params.EarningsAccumulatorSmoothFactor, m.params.MaxFuturePools),
			fpmath.MulWadDown(newDebt, fpmath.Sub(fpmath.WAD, m.params.TreasuryFeeRate)),
		),
	)
}

func (m *Market) convertToShares(now uint64, assets uint256.Int, mode fpmath.RoundingMode) uint256.Int {
	return pool.ToShares(assets, m.st.totalSupply, m.TotalAssets(now), mode)
}

func (m *Market) convertToAssets(now uint64, shares uint256.Int, mode fpmath.RoundingMode) uint256.Int {
	return pool.ToAssets(shares, m.st.totalSupply, m.TotalAssets(now), mode)
}

// ConvertToAssets values deposit shares, rounding down.
func (m *Market) ConvertToAssets(now uint64, shares uint256.Int) uint256.Int {
	return m.convertToAssets(now, shares, fpmath.RoundDown)
}

// ConvertToShares prices a deposit of assets, rounding down.
func (m *Market) ConvertToShares(now uint64, assets uint256.Int) uint256.Int {
	return m.convertToShares(now, assets, fpmath.RoundDown)
}

// PreviewWithdraw is the number of shares burned to withdraw assets,
// rounding up.
func (m *Market) PreviewWithdraw(now uint64, assets uint256.Int) uint256.Int {
	return m.convertToShares(now, assets, fpmath.RoundUp)
}

// BalanceOf is the deposit share balance of an account.
func (m *Market) BalanceOf(account string) uint256.Int {
	return m.st.shares[account]
}

func (m *Market) TotalSupply() uint256.Int {
	return m.st.totalSupply
}

// MaxWithdraw is the underlying an account's shares are worth.
func (m *Market) MaxWithdraw(now uint64, account string) uint256.Int {
	return m.ConvertToAssets(now, m.st.shares[account])
}

// PreviewBorrow converts assets to floating borrow shares, rounding up.
func (m *Market) PreviewBorrow(now uint64, assets uint256.Int) uint256.Int {
	return m.st.floating.PreviewBorrow(assets, m.TotalFloatingBorrowAssets(now))
}

// PreviewRepay converts assets to floating borrow shares, rounding down.
func (m *Market) PreviewRepay(now uint64, assets uint256.Int) uint256.Int {
	return m.st.floating.PreviewRepay(assets, m.TotalFloatingBorrowAssets(now))
}

// PreviewRefund converts floating borrow shares to assets, rounding up.
func (m *Market) PreviewRefund(now uint64, shares uint256.Int) uint256.Int {
	return m.st.floating.PreviewRefund(shares, m.TotalFloatingBorrowAssets(now))
}

// PreviewDebt is everything an account owes: fixed positions with
// penalties on matured ones, plus floating debt.
func (m *Market) PreviewDebt(now uint64, account string) uint256.Int {
	var debt uint256.Int
	a, ok := m.st.accounts[account]
	if !ok {
		return debt
	}
	for _, maturity := range a.FixedBorrows.Sorted() {
		owed := m.fixedBorrow(maturity, account).Total()
		debt = fpmath.Add(debt, owed)
		if now > maturity {
			debt = fpmath.Add(debt, m.penalty(owed, maturity, now))
		}
	}
	if !a.FloatingBorrowShares.IsZero() {
		debt = fpmath.Add(debt, m.PreviewRefund(now, a.FloatingBorrowShares))
	}
	return debt
}

func (m *Market) penalty(owed uint256.Int, maturity, now uint64) uint256.Int {
	return fpmath.MulWadDown(owed, fpmath.Mul(fpmath.N(now-maturity), m.params.PenaltyRate))
}

// AccountSnapshot returns the account's collateral (deposit shares valued
// in underlying) and debt, both re-derived from the market's own books.
func (m *Market) AccountSnapshot(now uint64, account string) (collateral, debt uint256.Int) {
	return m.MaxWithdraw(now, account), m.PreviewDebt(now, account)
}

// Floating returns a copy of the floating pool ledger.
func (m *Market) Floating() pool.FloatingPool {
	return m.st.floating
}

// FixedPool returns a copy of the pool at maturity.
func (m *Market) FixedPool(maturity uint64) pool.FixedPool {
	if p, ok := m.st.fixedPools[maturity]; ok {
		return *p
	}
	return pool.FixedPool{}
}

// FixedMaturities lists maturities with a pool ledger, ascending.
func (m *Market) FixedMaturities() []uint64 {
	set := make(pool.MaturitySet, len(m.st.fixedPools))
	for maturity := range m.st.fixedPools {
		set.Add(maturity)
	}
	return set.Sorted()
}

func (m *Market) FixedDepositPosition(maturity uint64, account string) pool.Position {
	return m.fixedDeposit(maturity, account)
}

func (m *Market) FixedBorrowPosition(maturity uint64, account string) pool.Position {
	return m.fixedBorrow(maturity, account)
}

// Account returns a copy of an account's record.
func (m *Market) Account(account string) Account {
	if a, ok := m.st.accounts[account]; ok {
		return *a.clone()
	}
	return *newAccount()
}

// FloatingAssetsAverage previews the smoothed floating assets at now.
func (m *Market) FloatingAssetsAverage(now uint64) uint256.Int {
	return m.st.floating.PreviewAssetsAverage(now, m.params.DampSpeedUp, m.params.DampSpeedDown)
}
