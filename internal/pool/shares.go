package pool

import (
	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

// ToShares converts assets to shares of a pool with the given share supply
// and assets. An empty pool converts 1:1.
func ToShares(assets, supply, totalAssets uint256.Int, mode fpmath.RoundingMode) uint256.Int {
	if supply.IsZero() || totalAssets.IsZero() {
		return assets
	}
	return fpmath.MulDiv(assets, supply, totalAssets, mode)
}

// ToAssets converts shares back to assets.
func ToAssets(shares, supply, totalAssets uint256.Int, mode fpmath.RoundingMode) uint256.Int {
	if supply.IsZero() {
		return shares
	}
	return fpmath.MulDiv(shares, totalAssets, supply, mode)
}
