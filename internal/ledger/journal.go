package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletCredit JournalType = iota
	JournalTypeWalletDebit
	JournalTypeMarketTransferIn
	JournalTypeMarketTransferOut
	JournalTypeReversal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeWalletCredit:
		return "wallet_credit"
	case JournalTypeWalletDebit:
		return "wallet_debit"
	case JournalTypeMarketTransferIn:
		return "market_transfer_in"
	case JournalTypeMarketTransferOut:
		return "market_transfer_out"
	case JournalTypeReversal:
		return "reversal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one command
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit
	CreditAccount AccountKey  // Account receiving credit
	AssetID       AssetID     // Asset being transferred
	Amount        uint256.Int // Base units, always positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents the journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Every journal moves one
// positive amount between two accounts, so debits equal credits per entry.
// State-only commands produce empty batches.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
