package market

import (
	"fmt"

	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/txn"

	"github.com/holiman/uint256"
)

// Deposit adds assets to the floating pool and mints deposit shares.
func (m *Market) Deposit(assets uint256.Int, account string) (shares uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		shares, err = m.deposit(tx, assets, account)
		return err
	})
	return shares, err
}

func (m *Market) deposit(tx *txn.Tx, assets uint256.Int, account string) (uint256.Int, error) {
	now := tx.Now()
	shares := m.convertToShares(now, assets, fpmath.RoundDown)
	if shares.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}

	// Accruals move projected earnings into floatingAssets, leaving the
	// share price seen above unchanged.
	m.updateFloatingAssetsAverage(now)
	m.updateFloatingDebt(now)
	m.accrueAccumulatedEarnings(now)

	f := &m.st.floating
	f.Assets = fpmath.Add(f.Assets, assets)
	m.mint(account, shares)

	m.pull(tx, account, assets)
	return shares, nil
}

// Withdraw burns the shares worth assets and pays the assets out.
func (m *Market) Withdraw(assets uint256.Int, account string) (shares uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		shares, err = m.withdraw(tx, assets, account)
		return err
	})
	return shares, err
}

func (m *Market) withdraw(tx *txn.Tx, assets uint256.Int, account string) (uint256.Int, error) {
	now := tx.Now()
	if assets.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	if err := m.auditor.CheckShortfall(tx, m.id, account, assets); err != nil {
		return uint256.Int{}, err
	}
	shares := m.PreviewWithdraw(now, assets)
	if err := m.redeemShares(tx, account, account, shares, assets); err != nil {
		return uint256.Int{}, err
	}
	return shares, nil
}

// Redeem burns shares and pays out what they are worth.
func (m *Market) Redeem(shares uint256.Int, account string) (assets uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		now := tx.Now()
		assets = m.convertToAssets(now, shares, fpmath.RoundDown)
		if assets.IsZero() {
			return ErrZeroAmount
		}
		if err := m.auditor.CheckShortfall(tx, m.id, account, assets); err != nil {
			return err
		}
		return m.redeemShares(tx, account, account, shares, assets)
	})
	return assets, err
}

// redeemShares burns shares from owner and sends assets to receiver.
func (m *Market) redeemShares(tx *txn.Tx, owner, receiver string, shares, assets uint256.Int) error {
	if balance := m.st.shares[owner]; fpmath.Gt(shares, balance) {
		return fmt.Errorf("%w: %s shares, balance %s", ErrInsufficientShares, shares.Dec(), balance.Dec())
	}
	if err := m.beforeWithdraw(tx.Now(), assets); err != nil {
		return err
	}
	m.burn(owner, shares)
	m.push(tx, receiver, assets)
	return nil
}

// beforeWithdraw accrues the floating pool and takes assets out of it. The
// remaining assets must still cover floating debt and backup borrowing.
func (m *Market) beforeWithdraw(now uint64, assets uint256.Int) error {
	m.updateFloatingAssetsAverage(now)
	m.updateFloatingDebt(now)
	m.accrueAccumulatedEarnings(now)

	f := &m.st.floating
	if fpmath.Gt(assets, f.Assets) {
		return fmt.Errorf("%w: withdraw %s of %s floating assets", ErrInsufficientProtocolLiquidity, assets.Dec(), f.Assets.Dec())
	}
	f.Assets = fpmath.Sub(f.Assets, assets)
	if !f.Solvent(uint256.Int{}) {
		return fmt.Errorf("%w: withdraw %s leaves %s for %s owed", ErrInsufficientProtocolLiquidity,
			assets.Dec(), f.Assets.Dec(), fpmath.Dec(fpmath.Add(f.Debt, f.BackupBorrowed)))
	}
	return nil
}

// Transfer moves deposit shares between accounts. The sender must stay
// solvent without the transferred collateral.
func (m *Market) Transfer(from, to string, shares uint256.Int) error {
	return m.do(func(tx *txn.Tx) error {
		if shares.IsZero() {
			return ErrZeroAmount
		}
		if balance := m.st.shares[from]; fpmath.Gt(shares, balance) {
			return fmt.Errorf("%w: %s shares, balance %s", ErrInsufficientShares, shares.Dec(), balance.Dec())
		}
		if err := m.auditor.CheckShortfall(tx, m.id, from, m.ConvertToAssets(tx.Now(), shares)); err != nil {
			return err
		}
		m.burn(from, shares)
		m.mint(to, shares)
		return nil
	})
}

// Borrow lends assets at the floating rate and returns the borrow shares
// minted for them.
func (m *Market) Borrow(assets uint256.Int, account string) (shares uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		shares, err = m.borrow(tx, assets, account)
		return err
	})
	return shares, err
}

func (m *Market) borrow(tx *txn.Tx, assets uint256.Int, account string) (uint256.Int, error) {
	now := tx.Now()
	if assets.IsZero() {
		return uint256.Int{}, ErrZeroAmount
	}
	m.updateFloatingDebt(now)

	f := &m.st.floating
	shares := f.PreviewBorrow(assets, f.Debt)
	f.Debt = fpmath.Add(f.Debt, assets)
	if !f.Solvent(m.params.ReserveFactor) {
		return uint256.Int{}, fmt.Errorf("%w: floating borrow of %s", ErrInsufficientProtocolLiquidity, assets.Dec())
	}
	f.TotalBorrowShares = fpmath.Add(f.TotalBorrowShares, shares)
	a := m.account(account)
	a.FloatingBorrowShares = fpmath.Add(a.FloatingBorrowShares, shares)

	if err := m.auditor.CheckBorrow(tx, m.id, m.id, account); err != nil {
		return uint256.Int{}, err
	}

	m.push(tx, account, assets)
	return shares, nil
}

// Repay pays back floating debt worth up to assets. Returns the assets
// pulled and the borrow shares burned.
func (m *Market) Repay(assets uint256.Int, account string) (actualRepay, shares uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		if assets.IsZero() {
			return ErrZeroAmount
		}
		actualRepay, shares, err = m.refund(tx, m.PreviewRepay(tx.Now(), assets), account)
		if err != nil {
			return err
		}
		m.pull(tx, account, actualRepay)
		return nil
	})
	return actualRepay, shares, err
}

// Refund burns up to shares of floating debt. Returns the assets pulled and
// the borrow shares burned.
func (m *Market) Refund(shares uint256.Int, account string) (actualRepay, burned uint256.Int, err error) {
	err = m.do(func(tx *txn.Tx) error {
		actualRepay, burned, err = m.refund(tx, shares, account)
		if err != nil {
			return err
		}
		m.pull(tx, account, actualRepay)
		return nil
	})
	return actualRepay, burned, err
}

// refund settles floating debt without moving funds.
func (m *Market) refund(tx *txn.Tx, shares uint256.Int, borrower string) (uint256.Int, uint256.Int, error) {
	m.updateFloatingDebt(tx.Now())

	a := m.account(borrower)
	shares = fpmath.Min(shares, a.FloatingBorrowShares)
	f := &m.st.floating
	assets := f.PreviewRefund(shares, f.Debt)
	if assets.IsZero() {
		return uint256.Int{}, uint256.Int{}, ErrZeroAmount
	}

	f.Debt = fpmath.Sub(f.Debt, fpmath.Min(assets, f.Debt))
	a.FloatingBorrowShares = fpmath.Sub(a.FloatingBorrowShares, shares)
	f.TotalBorrowShares = fpmath.Sub(f.TotalBorrowShares, shares)
	return assets, shares, nil
}
