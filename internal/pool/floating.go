package pool

import (
	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

// FloatingPool is the aggregate ledger of the variable-rate side of a
// market. BackupBorrowed mirrors the sum of BackupSupplied over all fixed
// pools.
type FloatingPool struct {
	Assets            uint256.Int
	Debt              uint256.Int
	BackupBorrowed    uint256.Int
	TotalBorrowShares uint256.Int
	Utilization       uint256.Int
	LastDebtUpdate    uint64

	AssetsAverage     uint256.Int
	LastAverageUpdate uint64

	EarningsAccumulator    uint256.Int
	LastAccumulatorAccrual uint64
}

// FloatingUtilization is debt / assets, rounded up and capped at 1.
func (f *FloatingPool) FloatingUtilization() uint256.Int {
	if f.Assets.IsZero() {
		return uint256.Int{}
	}
	return fpmath.Min(fpmath.DivWadUp(f.Debt, f.Assets), fpmath.WAD)
}

// GlobalUtilization is (debt + backupBorrowed) / assets, rounded up and
// capped at 1.
func (f *FloatingPool) GlobalUtilization() uint256.Int {
	if f.Assets.IsZero() {
		return uint256.Int{}
	}
	u := fpmath.DivWadUp(fpmath.Add(f.Debt, f.BackupBorrowed), f.Assets)
	return fpmath.Min(u, fpmath.WAD)
}

// Solvent reports whether backup borrowing plus floating debt fit within
// assets reduced by reserveFactor. Pass a zero factor for the plain check.
func (f *FloatingPool) Solvent(reserveFactor uint256.Int) bool {
	limit := fpmath.MulWadDown(f.Assets, fpmath.SatSub(fpmath.WAD, reserveFactor))
	return fpmath.Lte(fpmath.Add(f.BackupBorrowed, f.Debt), limit)
}

// PreviewAssetsAverage is the exponentially smoothed floating assets value
// at now. The average follows assets quickly when they grow (dampSpeedUp)
// and slowly when they shrink (dampSpeedDown).
func (f *FloatingPool) PreviewAssetsAverage(now uint64, dampSpeedUp, dampSpeedDown uint256.Int) uint256.Int {
	speed := dampSpeedUp
	if fpmath.Lt(f.Assets, f.AssetsAverage) {
		speed = dampSpeedDown
	}
	var elapsed uint64
	if now > f.LastAverageUpdate {
		elapsed = now - f.LastAverageUpdate
	}
	factor := fpmath.DecayFactor(speed, elapsed)
	return fpmath.Add(
		fpmath.MulWadDown(f.AssetsAverage, fpmath.Sub(fpmath.WAD, factor)),
		fpmath.MulWadDown(factor, f.Assets),
	)
}

func (f *FloatingPool) UpdateAssetsAverage(now uint64, dampSpeedUp, dampSpeedDown uint256.Int) {
	f.AssetsAverage = f.PreviewAssetsAverage(now, dampSpeedUp, dampSpeedDown)
	f.LastAverageUpdate = now
}

// AccumulatedEarnings is the part of the earnings accumulator released to
// depositors by now. The release is smoothed over smoothFactor times the
// open maturity horizon.
func (f *FloatingPool) AccumulatedEarnings(now uint64, smoothFactor uint256.Int, maxFuturePools uint8) uint256.Int {
	if now <= f.LastAccumulatorAccrual || f.EarningsAccumulator.IsZero() {
		return uint256.Int{}
	}
	elapsed := fpmath.N(now - f.LastAccumulatorAccrual)
	horizon := fpmath.MulWadDown(smoothFactor, fpmath.N(uint64(maxFuturePools)*Interval))
	return fpmath.MulDiv(f.EarningsAccumulator, elapsed, fpmath.Add(elapsed, horizon), fpmath.RoundDown)
}

// AccrueAccumulatedEarnings moves the released accumulator share into
// assets.
func (f *FloatingPool) AccrueAccumulatedEarnings(now uint64, smoothFactor uint256.Int, maxFuturePools uint8) uint256.Int {
	earnings := f.AccumulatedEarnings(now, smoothFactor, maxFuturePools)
	f.LastAccumulatorAccrual = now
	f.EarningsAccumulator = fpmath.Sub(f.EarningsAccumulator, earnings)
	f.Assets = fpmath.Add(f.Assets, earnings)
	return earnings
}

// PreviewBorrow converts assets to borrow shares, rounding up.
func (f *FloatingPool) PreviewBorrow(assets, totalBorrowAssets uint256.Int) uint256.Int {
	return ToShares(assets, f.TotalBorrowShares, totalBorrowAssets, fpmath.RoundUp)
}

// PreviewRepay converts assets to borrow shares, rounding down.
func (f *FloatingPool) PreviewRepay(assets, totalBorrowAssets uint256.Int) uint256.Int {
	return ToShares(assets, f.TotalBorrowShares, totalBorrowAssets, fpmath.RoundDown)
}

// PreviewRefund converts borrow shares to assets, rounding up.
func (f *FloatingPool) PreviewRefund(shares, totalBorrowAssets uint256.Int) uint256.Int {
	return ToAssets(shares, f.TotalBorrowShares, totalBorrowAssets, fpmath.RoundUp)
}
