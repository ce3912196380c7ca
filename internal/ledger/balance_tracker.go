package ledger

import (
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// BalanceTracker maintains in-memory account balances. Debit-normal accounts
// (wallets, vaults) hold debits minus credits; credit-normal accounts
// (external boundary) hold credits minus debits. Neither may go negative.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type BalanceTracker struct {
	balances map[AccountKey]uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint256.Int),
	}
}

func (bt *BalanceTracker) increase(key AccountKey, amount uint256.Int) {
	bt.balances[key] = fpmath.Add(bt.balances[key], amount)
}

func (bt *BalanceTracker) decrease(key AccountKey, amount uint256.Int) error {
	have := bt.balances[key]
	if fpmath.Lt(have, amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, key.AccountPath(), have.Dec(), amount.Dec())
	}
	left := fpmath.Sub(have, amount)
	if left.IsZero() {
		delete(bt.balances, key)
		return nil
	}
	bt.balances[key] = left
	return nil
}

// ApplyJournal applies a single journal entry. On failure no balance moves.
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	// Decrease first so a failed journal leaves balances untouched.
	if j.CreditAccount.CreditNormal() {
		if j.DebitAccount.CreditNormal() {
			if err := bt.decrease(j.DebitAccount, j.Amount); err != nil {
				return err
			}
		} else {
			bt.increase(j.DebitAccount, j.Amount)
		}
		bt.increase(j.CreditAccount, j.Amount)
		return nil
	}

	if err := bt.decrease(j.CreditAccount, j.Amount); err != nil {
		return err
	}
	if j.DebitAccount.CreditNormal() {
		if err := bt.decrease(j.DebitAccount, j.Amount); err != nil {
			bt.increase(j.CreditAccount, j.Amount)
			return err
		}
		return nil
	}
	bt.increase(j.DebitAccount, j.Amount)
	return nil
}

// ApplyBatch applies all journals in a batch, all or nothing
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	saved := bt.Snapshot()
	for _, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			bt.balances = saved
			return err
		}
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) uint256.Int {
	return bt.balances[key]
}

// ComputeTotals sums debit-normal and credit-normal balances per asset.
// A conserving ledger has equal sides for every asset.
func (bt *BalanceTracker) ComputeTotals() (debits, credits map[AssetID]uint256.Int) {
	debits = make(map[AssetID]uint256.Int)
	credits = make(map[AssetID]uint256.Int)

	for key, balance := range bt.balances {
		if key.CreditNormal() {
			credits[key.AssetID] = fpmath.Add(credits[key.AssetID], balance)
		} else {
			debits[key.AssetID] = fpmath.Add(debits[key.AssetID], balance)
		}
	}

	return debits, credits
}

// Snapshot returns a copy of all balances (for state hashing and rollback)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint256.Int {
	snapshot := make(map[AccountKey]uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
