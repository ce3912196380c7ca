package market

import (
	"fmt"

	"CreditLedger/internal/irm"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/txn"

	"github.com/holiman/uint256"
)

// backupAssets is the floating liquidity a fixed pool can lean on: the
// smoothed floating assets not already lent at a floating rate.
func (m *Market) backupAssets(now uint64) uint256.Int {
	return fpmath.SatSub(m.FloatingAssetsAverage(now), m.st.floating.Debt)
}

func (m *Market) fixedRate(maturity, now uint64, amount uint256.Int, p *pool.FixedPool) (uint256.Int, error) {
	annual, err := m.irm.FixedRate(maturity, now, amount, p.Borrowed, p.Supplied, m.backupAssets(now))
	if err != nil {
		return uint256.Int{}, fmt.Errorf("market %s: %w", m.id, err)
	}
	return irm.TermRate(annual, maturity, now), nil
}

// DepositAtMaturity lends assets to the pool at maturity and returns the
// amount the account will be able to withdraw at maturity.
func (m *Market) DepositAtMaturity(maturity uint64, assets, minAssetsRequired uint256.Int, account string) (positionAssets uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		positionAssets, err = m.depositAtMaturity(tx, maturity, assets, minAssetsRequired, account)
		return err
	})
	return positionAssets, err
}

func (m *Market) depositAtMaturity(tx *txn.Tx, maturity uint64, assets, minAssetsRequired uint256.Int, account string) (uint256.Int, error) {
	now := tx.Now()
	if assets.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	if err := pool.CheckPoolState(maturity, now, m.params.MaxFuturePools, pool.StateValid); err != nil {
		return uint256.Int{}, err
	}

	p := m.fixedPool(maturity)
	f := &m.st.floating
	f.Assets = fpmath.Add(f.Assets, p.AccrueEarnings(maturity, now))

	fee, backupFee := p.CalculateDeposit(assets, m.params.BackupFeeRate)
	positionAssets := fpmath.Add(assets, fee)
	if fpmath.Lt(positionAssets, minAssetsRequired) {
		return uint256.Int{}, fmt.Errorf("%w: position %s below minimum %s", ErrDisagreement, positionAssets.Dec(), minAssetsRequired.Dec())
	}

	f.BackupBorrowed = fpmath.Sub(f.BackupBorrowed, p.Deposit(assets))
	p.UnassignedEarnings = fpmath.Sub(p.UnassignedEarnings, fpmath.Add(fee, backupFee))
	f.EarningsAccumulator = fpmath.Add(f.EarningsAccumulator, backupFee)

	position := m.fixedDeposit(maturity, account).Add(pool.Position{Principal: assets, Fee: fee})
	m.setFixedDeposit(maturity, account, position)

	m.pull(tx, account, assets)
	return positionAssets, nil
}

// WithdrawAtMaturity withdraws up to positionAssets of a fixed deposit.
// Before maturity the amount is discounted at the pool's current borrow
// rate. Returns the assets paid out.
func (m *Market) WithdrawAtMaturity(maturity uint64, positionAssets, minAssetsRequired uint256.Int, account string) (assetsDiscounted uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		assetsDiscounted, err = m.withdrawAtMaturity(tx, maturity, positionAssets, minAssetsRequired, account)
		return err
	})
	return assetsDiscounted, err
}

func (m *Market) withdrawAtMaturity(tx *txn.Tx, maturity uint64, positionAssets, minAssetsRequired uint256.Int, account string) (uint256.Int, error) {
	now := tx.Now()
	if positionAssets.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	if err := pool.CheckPoolState(maturity, now, m.params.MaxFuturePools, pool.StateValid, pool.StateMatured); err != nil {
		return uint256.Int{}, err
	}

	p := m.fixedPool(maturity)
	f := &m.st.floating
	f.Assets = fpmath.Add(f.Assets, p.AccrueEarnings(maturity, now))

	position := m.fixedDeposit(maturity, account)
	positionAssets = fpmath.Min(positionAssets, position.Total())
	if positionAssets.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	principal := position.ScaleProportionally(positionAssets).Principal

	assetsDiscounted := positionAssets
	if now < maturity {
		rate, err := m.fixedRate(maturity, now, positionAssets, p)
		if err != nil {
			return uint256.Int{}, err
		}
		m.updateFloatingAssetsAverage(now)
		assetsDiscounted = fpmath.DivWadDown(positionAssets, fpmath.Add(fpmath.WAD, rate))
	}
	if fpmath.Lt(assetsDiscounted, minAssetsRequired) {
		return uint256.Int{}, fmt.Errorf("%w: payout %s below minimum %s", ErrDisagreement, assetsDiscounted.Dec(), minAssetsRequired.Dec())
	}

	if addition := p.Withdraw(principal); !addition.IsZero() {
		m.updateFloatingDebt(now)
		f.BackupBorrowed = fpmath.Add(f.BackupBorrowed, addition)
		if !f.Solvent(uint256.Int{}) {
			return uint256.Int{}, fmt.Errorf("%w: withdrawal needs %s of backup", ErrInsufficientProtocolLiquidity, addition.Dec())
		}
	}

	// The early withdrawal fee is earned like a borrow fee; the share that
	// would have gone to the floating pool goes to the accumulator.
	unassigned, backup := p.DistributeEarnings(fpmath.Sub(positionAssets, assetsDiscounted), assetsDiscounted)
	p.UnassignedEarnings = fpmath.Add(p.UnassignedEarnings, unassigned)
	f.EarningsAccumulator = fpmath.Add(f.EarningsAccumulator, backup)

	m.setFixedDeposit(maturity, account, position.ReduceProportionally(positionAssets))

	m.push(tx, account, assetsDiscounted)
	return assetsDiscounted, nil
}

// BorrowAtMaturity borrows assets until maturity at the pool's fixed rate
// and returns the amount owed at maturity.
func (m *Market) BorrowAtMaturity(maturity uint64, assets, maxAssets uint256.Int, account string) (assetsOwed uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		assetsOwed, err = m.borrowAtMaturity(tx, maturity, assets, maxAssets, account)
		return err
	})
	return assetsOwed, err
}

func (m *Market) borrowAtMaturity(tx *txn.Tx, maturity uint64, assets, maxAssets uint256.Int, account string) (uint256.Int, error) {
	now := tx.Now()
	if assets.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	if err := pool.CheckPoolState(maturity, now, m.params.MaxFuturePools, pool.StateValid); err != nil {
		return uint256.Int{}, err
	}

	p := m.fixedPool(maturity)
	f := &m.st.floating
	f.Assets = fpmath.Add(f.Assets, p.AccrueEarnings(maturity, now))
	m.updateFloatingDebt(now)

	rate, err := m.fixedRate(maturity, now, assets, p)
	if err != nil {
		return uint256.Int{}, err
	}
	m.updateFloatingAssetsAverage(now)
	fee := fpmath.MulWadDown(assets, rate)
	assetsOwed := fpmath.Add(assets, fee)
	if fpmath.Gt(assetsOwed, maxAssets) {
		return uint256.Int{}, fmt.Errorf("%w: owed %s above maximum %s", ErrDisagreement, assetsOwed.Dec(), maxAssets.Dec())
	}

	if addition := p.Borrow(assets); !addition.IsZero() {
		f.BackupBorrowed = fpmath.Add(f.BackupBorrowed, addition)
		if !f.Solvent(m.params.ReserveFactor) {
			return uint256.Int{}, fmt.Errorf("%w: borrow needs %s of backup", ErrInsufficientProtocolLiquidity, addition.Dec())
		}
	}

	position := m.fixedBorrow(maturity, account).Add(pool.Position{Principal: assets, Fee: fee})
	m.setFixedBorrow(maturity, account, position)

	unassigned, backup := p.DistributeEarnings(m.chargeTreasuryFee(now, fee), assets)
	p.UnassignedEarnings = fpmath.Add(p.UnassignedEarnings, unassigned)
	f.Assets = fpmath.Add(f.Assets, backup)

	if err := m.auditor.CheckBorrow(tx, m.id, m.id, account); err != nil {
		return uint256.Int{}, err
	}

	m.push(tx, account, assets)
	return assetsOwed, nil
}

// RepayAtMaturity repays up to positionAssets of a fixed borrow. Early
// repayments are discounted at the pool's current fixed rate; late ones
// pay a penalty. Returns the assets pulled from the account.
func (m *Market) RepayAtMaturity(maturity uint64, positionAssets, maxAssets uint256.Int, account string) (actualRepay uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		actualRepay, err = m.repayAtMaturity(tx, maturity, positionAssets, maxAssets, account, true)
		if err != nil {
			return err
		}
		m.pull(tx, account, actualRepay)
		return nil
	})
	return actualRepay, err
}

// repayAtMaturity settles debt without moving funds; the caller pulls the
// returned amount from whoever pays.
func (m *Market) repayAtMaturity(tx *txn.Tx, maturity uint64, positionAssets, maxAssets uint256.Int, borrower string, canDiscount bool) (uint256.Int, error) {
	now := tx.Now()
	if positionAssets.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	if err := pool.CheckPoolState(maturity, now, m.params.MaxFuturePools, pool.StateValid, pool.StateMatured); err != nil {
		return uint256.Int{}, err
	}

	p := m.fixedPool(maturity)
	f := &m.st.floating
	f.Assets = fpmath.Add(f.Assets, p.AccrueEarnings(maturity, now))

	position := m.fixedBorrow(maturity, borrower)
	debtCovered := fpmath.Min(positionAssets, position.Total())
	if debtCovered.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	principalCovered := position.ScaleProportionally(debtCovered).Principal

	var actualRepay uint256.Int
	if now < maturity {
		actualRepay = debtCovered
		if canDiscount {
			actualRepay = m.discountedRepay(maturity, now, debtCovered, p)
		}
	} else {
		penalty := m.penalty(debtCovered, maturity, now)
		actualRepay = fpmath.Add(debtCovered, penalty)
		f.EarningsAccumulator = fpmath.Add(f.EarningsAccumulator, penalty)
	}
	if fpmath.Gt(actualRepay, maxAssets) {
		return uint256.Int{}, fmt.Errorf("%w: repay %s above maximum %s", ErrDisagreement, actualRepay.Dec(), maxAssets.Dec())
	}

	f.BackupBorrowed = fpmath.Sub(f.BackupBorrowed, p.Repay(principalCovered))
	m.setFixedBorrow(maturity, borrower, position.ReduceProportionally(debtCovered))

	return actualRepay, nil
}

// discountedRepay prices an early repayment as debt / (1 + rate) with rate
// the pool's current term rate. The discount is paid out of the pool's
// unassigned earnings and never exceeds them. A pool the model cannot
// price is repaid at face value.
func (m *Market) discountedRepay(maturity, now uint64, debt uint256.Int, p *pool.FixedPool) uint256.Int {
	rate, err := m.fixedRate(maturity, now, uint256.Int{}, p)
	if err != nil {
		m.log.Debug().Err(err).Uint64("maturity", maturity).Msg("no discount for early repay")
		return debt
	}
	m.updateFloatingAssetsAverage(now)
	discount := fpmath.Min(fpmath.Sub(debt, fpmath.DivWadUp(debt, fpmath.Add(fpmath.WAD, rate))), p.UnassignedEarnings)
	p.UnassignedEarnings = fpmath.Sub(p.UnassignedEarnings, discount)
	return fpmath.Sub(debt, discount)
}
