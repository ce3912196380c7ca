package query

import (
	"errors"

	"CreditLedger/internal/projection"
)

var (
	ErrNotFound     = errors.New("query: not found")
	ErrInvalidInput = errors.New("query: invalid input")
)

// MarketsResponse lists every market.
type MarketsResponse struct {
	Markets      []projection.MarketDoc `json:"markets"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

// MarketResponse is one market.
type MarketResponse struct {
	Market       projection.MarketDoc `json:"market"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// AccountResponse is one account's positions and health.
type AccountResponse struct {
	Account      projection.AccountDoc `json:"account"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// ShortfallResponse lists accounts that can be liquidated.
type ShortfallResponse struct {
	Accounts     []projection.AccountDoc `json:"accounts"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks"`
	NegativeAccounts []NegativeAccount `json:"negative_accounts"`
}

// NegativeAccount is an asset account whose journal balance went below zero.
type NegativeAccount struct {
	AccountPath string `json:"account_path"`
	Asset       string `json:"asset"`
	Balance     string `json:"balance"`
}
