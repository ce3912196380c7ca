package auditor

import (
	"fmt"

	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/txn"

	"github.com/holiman/uint256"
)

// CheckLiquidation returns the most the liquidator may repay in repayMarket
// (underlying units). The amount brings the borrower back to the target
// health factor without seizing more than the seize market holds, and
// leaves room in maxLiquidatorAssets for the lenders' incentive.
// maxLiquidatorAssets equal to fpmath.MaxUint256 means no cap.
func (a *Auditor) CheckLiquidation(tx *txn.Tx, repayMarket, seizeMarket, borrower string, maxLiquidatorAssets uint256.Int) (uint256.Int, error) {
	repay, err := a.listed(repayMarket)
	if err != nil {
		return uint256.Int{}, err
	}
	if _, err := a.listed(seizeMarket); err != nil {
		return uint256.Int{}, err
	}

	vs, err := a.valuations(tx.Now(), borrower, "", uint256.Int{})
	if err != nil {
		return uint256.Int{}, err
	}
	var totalCollateral, adjustedCollateral, totalDebt, adjustedDebt, seizeAvailable uint256.Int
	for _, v := range vs {
		totalCollateral = fpmath.Add(totalCollateral, v.collateral)
		adjustedCollateral = fpmath.Add(adjustedCollateral, v.adjustedCollateral)
		totalDebt = fpmath.Add(totalDebt, v.debt)
		adjustedDebt = fpmath.Add(adjustedDebt, v.adjustedDebt)
		if v.marketID == seizeMarket {
			seizeAvailable = v.collateral
		}
	}
	if fpmath.Gte(adjustedCollateral, adjustedDebt) {
		return uint256.Int{}, fmt.Errorf("%w: %s adjusted collateral %s, debt %s", ErrInsufficientShortfall,
			borrower, fpmath.FormatWad(adjustedCollateral), fpmath.FormatWad(adjustedDebt))
	}
	if totalCollateral.IsZero() {
		return uint256.Int{}, nil
	}

	incentive := a.reg.incentive.total()
	closeFactor := a.closeFactor(adjustedCollateral, adjustedDebt, totalCollateral, totalDebt, incentive)

	repayPrice, err := a.oracle.Price(repayMarket)
	if err != nil {
		return uint256.Int{}, err
	}
	usd := fpmath.Min(
		fpmath.MulWadUp(totalDebt, fpmath.Min(fpmath.WAD, closeFactor)),
		fpmath.DivWadUp(seizeAvailable, incentive),
	)
	maxRepay := fpmath.MulDiv(usd, fpmath.Pow10(repay.data.Decimals), repayPrice, fpmath.RoundUp)
	if !fpmath.Eq(maxLiquidatorAssets, fpmath.MaxUint256) {
		lenders := fpmath.Add(fpmath.WAD, a.reg.incentive.Lenders)
		maxRepay = fpmath.Min(maxRepay, fpmath.DivWadDown(maxLiquidatorAssets, lenders))
	}
	return maxRepay, nil
}

// closeFactor is the share of total debt to repay so that health reaches
// the target:
//
//	avgAdjust   = adjCollateral*totalDebt / (adjDebt*totalCollateral)
//	closeFactor = (target - adjCollateral/adjDebt) / (target - avgAdjust*incentive)
//
// A non-positive denominator means no partial liquidation can restore the
// target, so everything may be repaid.
func (a *Auditor) closeFactor(adjCollateral, adjDebt, totalCollateral, totalDebt, incentive uint256.Int) uint256.Int {
	avgAdjust := fpmath.DivWadUp(
		fpmath.MulWadUp(adjCollateral, totalDebt),
		fpmath.MulWadUp(adjDebt, totalCollateral),
	)
	health := fpmath.DivWadUp(adjCollateral, adjDebt)
	denominator := fpmath.SatSub(a.targetHealth, fpmath.MulWadDown(avgAdjust, incentive))
	if denominator.IsZero() {
		return fpmath.WAD
	}
	return fpmath.DivWadUp(fpmath.SatSub(a.targetHealth, health), denominator)
}

// CalculateSeize converts a repaid amount into the collateral the
// liquidator receives, bonuses included and capped at what the borrower
// can withdraw, and the lenders' share paid on top of the repayment.
func (a *Auditor) CalculateSeize(tx *txn.Tx, repayMarket, seizeMarket, borrower string, actualRepay uint256.Int) (lendersAssets, seizeAssets uint256.Int, err error) {
	repay, err := a.listed(repayMarket)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, err
	}
	seize, err := a.listed(seizeMarket)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, err
	}
	incentive := a.reg.incentive
	lendersAssets = fpmath.MulWadDown(actualRepay, incentive.Lenders)

	repayPrice, err := a.oracle.Price(repayMarket)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, err
	}
	seizePrice, err := a.oracle.Price(seizeMarket)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, err
	}
	base := fpmath.MulDiv(actualRepay, repayPrice, seizePrice, fpmath.RoundUp)
	base = fpmath.MulDiv(base, fpmath.Pow10(seize.data.Decimals), fpmath.Pow10(repay.data.Decimals), fpmath.RoundUp)
	seizeAssets = fpmath.Min(
		fpmath.MulWadUp(base, incentive.total()),
		seize.market.MaxWithdraw(tx.Now(), borrower),
	)
	return lendersAssets, seizeAssets, nil
}

// CheckSeize allows a seize only between markets listed here.
func (a *Auditor) CheckSeize(repayMarket, seizeMarket string) error {
	if _, err := a.listed(repayMarket); err != nil {
		return err
	}
	seize, err := a.listed(seizeMarket)
	if err != nil {
		return err
	}
	if seize.market.AuditorID() != a.id {
		return fmt.Errorf("%w: %s", ErrAuditorMismatch, seizeMarket)
	}
	return nil
}
