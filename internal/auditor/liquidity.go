package auditor

import (
	"fmt"

	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/txn"

	"github.com/holiman/uint256"
)

// valuation is one market's contribution to an account's position, in USD.
type valuation struct {
	marketID           string
	price              uint256.Int
	baseUnit           uint256.Int
	adjustFactor       uint256.Int
	collateral         uint256.Int
	adjustedCollateral uint256.Int
	debt               uint256.Int
	adjustedDebt       uint256.Int
}

// value prices the account's position in one market. simulatedWithdraw
// adds to the adjusted debt exactly the collateral value it would remove.
func (a *Auditor) value(now uint64, l *listing, account string, simulatedWithdraw uint256.Int) (valuation, error) {
	price, err := a.oracle.Price(l.market.ID())
	if err != nil {
		return valuation{}, err
	}
	v := valuation{
		marketID:     l.market.ID(),
		price:        price,
		baseUnit:     fpmath.Pow10(l.data.Decimals),
		adjustFactor: l.data.AdjustFactor,
	}
	balance, debt := l.market.AccountSnapshot(now, account)

	v.collateral = fpmath.MulDiv(balance, price, v.baseUnit, fpmath.RoundDown)
	v.adjustedCollateral = fpmath.MulWadDown(v.collateral, v.adjustFactor)
	v.debt = fpmath.MulDiv(debt, price, v.baseUnit, fpmath.RoundUp)
	v.adjustedDebt = fpmath.DivWadUp(v.debt, v.adjustFactor)
	if !simulatedWithdraw.IsZero() {
		withdrawn := fpmath.MulDiv(simulatedWithdraw, price, v.baseUnit, fpmath.RoundDown)
		v.adjustedDebt = fpmath.Add(v.adjustedDebt, fpmath.MulWadDown(withdrawn, v.adjustFactor))
	}
	return v, nil
}

// valuations values every entered market in listing order.
func (a *Auditor) valuations(now uint64, account, withdrawMarket string, withdrawAssets uint256.Int) ([]valuation, error) {
	set := a.reg.accountMarkets[account]
	out := make([]valuation, 0, len(set))
	for _, id := range a.reg.order {
		if _, ok := set[id]; !ok {
			continue
		}
		var simulated uint256.Int
		if id == withdrawMarket {
			simulated = withdrawAssets
		}
		v, err := a.value(now, a.reg.markets[id], account, simulated)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (a *Auditor) accountLiquidity(now uint64, account, withdrawMarket string, withdrawAssets uint256.Int) (sumCollateral, sumDebt uint256.Int, err error) {
	vs, err := a.valuations(now, account, withdrawMarket, withdrawAssets)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, err
	}
	for _, v := range vs {
		sumCollateral = fpmath.Add(sumCollateral, v.adjustedCollateral)
		sumDebt = fpmath.Add(sumDebt, v.adjustedDebt)
	}
	return sumCollateral, sumDebt, nil
}

// AccountLiquidity returns the account's risk-adjusted collateral and debt
// in USD (WAD), as if withdrawAssets were also taken out of withdrawMarket.
func (a *Auditor) AccountLiquidity(account, withdrawMarket string, withdrawAssets uint256.Int) (sumCollateral, sumDebt uint256.Int, err error) {
	err = a.txm.View(func(now uint64) error {
		sumCollateral, sumDebt, err = a.accountLiquidity(now, account, withdrawMarket, withdrawAssets)
		return err
	})
	return sumCollateral, sumDebt, err
}

// AccountLiquidityAt is AccountLiquidity for callers already holding the
// writer lock.
func (a *Auditor) AccountLiquidityAt(now uint64, account string) (sumCollateral, sumDebt uint256.Int, err error) {
	return a.accountLiquidity(now, account, "", uint256.Int{})
}

// CheckBorrow is called by a market after it booked a borrow. Only the
// market itself may enter a borrower that is not yet a member.
func (a *Auditor) CheckBorrow(tx *txn.Tx, caller, marketID, borrower string) error {
	if _, err := a.listed(marketID); err != nil {
		return err
	}
	if !a.IsMember(borrower, marketID) {
		if caller != marketID {
			return fmt.Errorf("%w: %s entering %s", ErrNotMarket, caller, marketID)
		}
		a.enter(tx, borrower, marketID)
	}
	collateral, debt, err := a.accountLiquidity(tx.Now(), borrower, "", uint256.Int{})
	if err != nil {
		return err
	}
	if fpmath.Lt(collateral, debt) {
		return fmt.Errorf("%w: collateral %s < debt %s", ErrInsufficientAccountLiquidity,
			fpmath.FormatWad(collateral), fpmath.FormatWad(debt))
	}
	return nil
}

// CheckShortfall fails if taking amount out of the market would leave the
// account undercollateralized. Markets the account has not entered are
// not collateral, so nothing is checked.
func (a *Auditor) CheckShortfall(tx *txn.Tx, marketID, account string, amount uint256.Int) error {
	if !a.IsMember(account, marketID) {
		return nil
	}
	collateral, debt, err := a.accountLiquidity(tx.Now(), account, marketID, amount)
	if err != nil {
		return err
	}
	if fpmath.Lt(collateral, debt) {
		return fmt.Errorf("%w: collateral %s < debt %s after withdrawing %s from %s", ErrInsufficientAccountLiquidity,
			fpmath.FormatWad(collateral), fpmath.FormatWad(debt), amount.Dec(), marketID)
	}
	return nil
}

// HandleBadDebt writes off the account's debt in every entered market once
// none of them holds collateral worth anything.
func (a *Auditor) HandleBadDebt(tx *txn.Tx, account string) error {
	now := tx.Now()
	entered := a.AccountMarkets(account)
	for _, id := range entered {
		l := a.reg.markets[id]
		price, err := a.oracle.Price(id)
		if err != nil {
			return err
		}
		assets := l.market.MaxWithdraw(now, account)
		value := fpmath.MulWadDown(fpmath.MulDiv(assets, price, fpmath.Pow10(l.data.Decimals), fpmath.RoundDown), l.data.AdjustFactor)
		if !value.IsZero() {
			return nil
		}
	}
	for _, id := range entered {
		if err := a.reg.markets[id].market.ClearBadDebt(tx, a.id, account); err != nil {
			return err
		}
	}
	return nil
}
