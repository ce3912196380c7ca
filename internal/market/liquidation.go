package market

import (
	"fmt"

	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/txn"

	"github.com/holiman/uint256"
)

// Liquidate repays debt of an undercollateralized borrower in this market
// and seizes collateral in seizeMarket. maxAssets caps what the liquidator
// pays. Returns the debt repaid, excluding the lenders' incentive.
func (m *Market) Liquidate(liquidator, borrower string, maxAssets uint256.Int, seizeMarket *Market) (repaidAssets uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		repaidAssets, err = m.liquidate(tx, liquidator, borrower, maxAssets, seizeMarket)
		return err
	})
	return repaidAssets, err
}

func (m *Market) liquidate(tx *txn.Tx, liquidator, borrower string, maxAssets uint256.Int, seizeMarket *Market) (uint256.Int, error) {
	if liquidator == borrower {
		return uint256.Int{}, ErrSelfLiquidation
	}
	if seizeMarket == nil {
		seizeMarket = m
	}
	now := tx.Now()

	maxAssets, err := m.auditor.CheckLiquidation(tx, m.id, seizeMarket.id, borrower, maxAssets)
	if err != nil {
		return uint256.Int{}, err
	}
	if maxAssets.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}

	var repaid uint256.Int
	for _, maturity := range m.account(borrower).FixedBorrows.Sorted() {
		if maxAssets.IsZero() {
			break
		}
		positionAssets := maxAssets
		if now >= maturity {
			// maxAssets must also pay the penalty, so only the share of the
			// position it can cover is repaid.
			position := m.fixedBorrow(maturity, borrower).Total()
			debt := fpmath.Add(position, m.penalty(position, maturity, now))
			if fpmath.Gt(debt, maxAssets) {
				positionAssets = fpmath.MulDiv(maxAssets, position, debt, fpmath.RoundDown)
			}
			if positionAssets.IsZero() {
				maxAssets = uint256.Int{}
				break
			}
		}
		actual, err := m.repayAtMaturity(tx, maturity, positionAssets, maxAssets, borrower, false)
		if err != nil {
			return uint256.Int{}, err
		}
		maxAssets = fpmath.Sub(maxAssets, actual)
		repaid = fpmath.Add(repaid, actual)
	}

	if !maxAssets.IsZero() && !m.account(borrower).FloatingBorrowShares.IsZero() {
		if shares := m.PreviewRepay(now, maxAssets); !shares.IsZero() {
			actual, _, err := m.refund(tx, shares, borrower)
			if err != nil {
				return uint256.Int{}, err
			}
			repaid = fpmath.Add(repaid, actual)
		}
	}

	lendersAssets, seizeAssets, err := m.auditor.CalculateSeize(tx, m.id, seizeMarket.id, borrower, repaid)
	if err != nil {
		return uint256.Int{}, err
	}
	f := &m.st.floating
	f.EarningsAccumulator = fpmath.Add(f.EarningsAccumulator, lendersAssets)

	if seizeMarket == m {
		err = m.seize(tx, m.id, liquidator, borrower, seizeAssets)
	} else {
		err = seizeMarket.Seize(tx, m.id, liquidator, borrower, seizeAssets)
	}
	if err != nil {
		return uint256.Int{}, err
	}

	m.log.Info().
		Str("liquidator", liquidator).
		Str("borrower", borrower).
		Str("seize_market", seizeMarket.id).
		Str("repaid", repaid.Dec()).
		Str("lenders_assets", lendersAssets.Dec()).
		Str("seized", seizeAssets.Dec()).
		Msg("liquidation")

	if err := m.auditor.HandleBadDebt(tx, borrower); err != nil {
		return uint256.Int{}, err
	}

	m.pull(tx, liquidator, fpmath.Add(repaid, lendersAssets))
	return repaid, nil
}

// Seize is called by the repay market of a liquidation: it burns the
// borrower's deposit shares worth assets and pays them to the liquidator.
func (m *Market) Seize(tx *txn.Tx, repayMarket, liquidator, borrower string, assets uint256.Int) error {
	release, err := m.enter(tx)
	if err != nil {
		return err
	}
	defer release()
	return m.seize(tx, repayMarket, liquidator, borrower, assets)
}

func (m *Market) seize(tx *txn.Tx, repayMarket, liquidator, borrower string, assets uint256.Int) error {
	if assets.IsZero() {
		return ErrZeroAmount
	}
	if err := m.auditor.CheckSeize(repayMarket, m.id); err != nil {
		return err
	}
	shares := m.PreviewWithdraw(tx.Now(), assets)
	return m.redeemShares(tx, borrower, liquidator, shares, assets)
}

// ClearBadDebt writes off every debt of an account that has no collateral
// left. Losses are covered by the earnings accumulator first and by
// floating depositors for the rest. A debt larger than both together stays
// on the account. Only the auditor calls it, from inside a liquidation.
func (m *Market) ClearBadDebt(tx *txn.Tx, caller, account string) error {
	if caller != m.AuditorID() {
		return ErrNotAuditor
	}
	tx.Enlist(m)
	now := tx.Now()
	m.accrueAccumulatedEarnings(now)

	f := &m.st.floating
	var covered, loss, skipped uint256.Int
	canWriteOff := func(badDebt uint256.Int) bool {
		if fpmath.Lte(badDebt, fpmath.Add(f.EarningsAccumulator, f.Assets)) {
			return true
		}
		skipped = fpmath.Add(skipped, badDebt)
		return false
	}
	writeOff := func(badDebt uint256.Int) {
		c := fpmath.Min(badDebt, f.EarningsAccumulator)
		f.EarningsAccumulator = fpmath.Sub(f.EarningsAccumulator, c)
		l := fpmath.Sub(badDebt, c)
		f.Assets = fpmath.Sub(f.Assets, l)
		covered = fpmath.Add(covered, c)
		loss = fpmath.Add(loss, l)
	}

	for _, maturity := range m.account(account).FixedBorrows.Sorted() {
		p := m.fixedPool(maturity)
		f.Assets = fpmath.Add(f.Assets, p.AccrueEarnings(maturity, now))
		position := m.fixedBorrow(maturity, account)
		if !canWriteOff(position.Total()) {
			continue
		}
		f.BackupBorrowed = fpmath.Sub(f.BackupBorrowed, p.Repay(position.Principal))
		m.setFixedBorrow(maturity, account, pool.Position{})
		writeOff(position.Total())
	}

	if a := m.account(account); !a.FloatingBorrowShares.IsZero() {
		m.updateFloatingDebt(now)
		shares := a.FloatingBorrowShares
		assets := f.PreviewRefund(shares, f.Debt)
		if canWriteOff(assets) {
			f.Debt = fpmath.Sub(f.Debt, fpmath.Min(assets, f.Debt))
			f.TotalBorrowShares = fpmath.Sub(f.TotalBorrowShares, shares)
			a.FloatingBorrowShares = uint256.Int{}
			writeOff(assets)
		}
	}

	if !skipped.IsZero() {
		m.log.Warn().
			Str("account", account).
			Str("uncovered", skipped.Dec()).
			Msg("bad debt exceeds accumulator and floating assets, left on account")
	}
	total := fpmath.Add(covered, loss)
	if total.IsZero() {
		return nil
	}
	m.log.Info().
		Str("account", account).
		Str("bad_debt", total.Dec()).
		Str("accumulator_covered", covered.Dec()).
		Str("depositor_loss", loss.Dec()).
		Msg("bad debt cleared")
	return nil
}

// String is used in log and error messages.
func (m *Market) String() string {
	return fmt.Sprintf("market(%s/%s)", m.id, m.asset)
}
