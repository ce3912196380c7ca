package ledger

import (
	"fmt"

	fpmath "CreditLedger/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies every journal in the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies that, per asset, everything held in wallets
// and market vaults is matched by the external custody account.
func (v *InvariantValidator) ValidateConservation() error {
	debits, credits := v.tracker.ComputeTotals()

	for assetID, total := range debits {
		if !fpmath.Eq(total, credits[assetID]) {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("asset %s not conserved: held=%s custody=%s",
				assetName, total.Dec(), fpmath.Dec(credits[assetID]))
		}
	}
	for assetID, total := range credits {
		if _, ok := debits[assetID]; !ok && !total.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("asset %s custody %s has no holders", assetName, total.Dec())
		}
	}

	return nil
}
