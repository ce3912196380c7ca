package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidAccount = errors.New("ledger: invalid account id")
	ErrUnknownAsset   = errors.New("ledger: unknown asset")
)

// Vault is the custody ledger behind every market. User funds sit in
// wallets; a market's underlying sits in its vault account; the external
// custody account is the boundary with the outside world. Every movement
// is a journal entry collected into the batch of the current command.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type Vault struct {
	tracker   *BalanceTracker
	validator *InvariantValidator

	eventRef  string
	sequence  int64
	timestamp int64
	batchID   uuid.UUID
	pending   []Journal
}

func NewVault() *Vault {
	tracker := NewBalanceTracker()
	return &Vault{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
	}
}

// Begin opens the batch for one command.
func (v *Vault) Begin(eventRef string, sequence, timestamp int64) {
	v.eventRef = eventRef
	v.sequence = sequence
	v.timestamp = timestamp
	v.batchID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", eventRef, sequence)))
	v.pending = nil
}

// Drain closes the current batch and returns it.
func (v *Vault) Drain() *Batch {
	batch := &Batch{
		BatchID:   v.batchID,
		EventRef:  v.eventRef,
		Sequence:  v.sequence,
		Timestamp: v.timestamp,
		Journals:  v.pending,
	}
	v.pending = nil
	return batch
}

// Discard drops journals of a rejected command. Their balance effects have
// already been reversed by compensation.
func (v *Vault) Discard() {
	v.pending = nil
}

func (v *Vault) Tracker() *BalanceTracker {
	return v.tracker
}

func (v *Vault) Validator() *InvariantValidator {
	return v.validator
}

func (v *Vault) post(debit, credit AccountKey, amount uint256.Int, typ JournalType) error {
	if amount.IsZero() {
		return nil
	}
	j := Journal{
		JournalID:     uuid.NewSHA1(v.batchID, []byte(fmt.Sprintf("%d", len(v.pending)))),
		BatchID:       v.batchID,
		EventRef:      v.eventRef,
		Sequence:      v.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   typ,
		Timestamp:     v.timestamp,
	}
	if err := v.tracker.ApplyJournal(j); err != nil {
		return err
	}
	v.pending = append(v.pending, j)
	return nil
}

func walletKey(account, asset string) (AccountKey, error) {
	id, err := uuid.Parse(account)
	if err != nil {
		return AccountKey{}, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	assetID, ok := GetAssetID(asset)
	if !ok {
		return AccountKey{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return NewUserAccountKey(id, assetID), nil
}

// Credit moves funds from outside into the account's wallet.
func (v *Vault) Credit(account, asset string, amount uint256.Int) error {
	wallet, err := walletKey(account, asset)
	if err != nil {
		return err
	}
	return v.post(wallet, NewExternalAccountKey(SubTypeExternalCustody, wallet.AssetID), amount, JournalTypeWalletCredit)
}

// Debit moves funds from the account's wallet to the outside.
func (v *Vault) Debit(account, asset string, amount uint256.Int) error {
	wallet, err := walletKey(account, asset)
	if err != nil {
		return err
	}
	return v.post(NewExternalAccountKey(SubTypeExternalCustody, wallet.AssetID), wallet, amount, JournalTypeWalletDebit)
}

// WalletBalance returns the free funds of an account.
func (v *Vault) WalletBalance(account, asset string) (uint256.Int, error) {
	wallet, err := walletKey(account, asset)
	if err != nil {
		return uint256.Int{}, err
	}
	return v.tracker.GetBalance(wallet), nil
}

// Market returns the custody handle of one market.
func (v *Vault) Market(marketID, asset string) *MarketCustody {
	assetID := RegisterAsset(asset)
	return &MarketCustody{
		vault:    v,
		marketID: marketID,
		asset:    asset,
		account:  NewMarketVaultKey(marketID, assetID),
	}
}

// Digest lists balances in a stable order for state hashing.
func (v *Vault) Digest() []byte {
	snapshot := v.tracker.Snapshot()
	keys := make([]AccountKey, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath()+string(keys[i].EntityID[:]) < keys[j].AccountPath()+string(keys[j].EntityID[:])
	})
	var out []byte
	for _, k := range keys {
		b := snapshot[k]
		out = append(out, []byte(k.AccountPath())...)
		out = append(out, b.Bytes()...)
	}
	return out
}

// MarketCustody moves underlying between user wallets and one market vault.
type MarketCustody struct {
	vault    *Vault
	marketID string
	asset    string
	account  AccountKey
}

// TransferIn pulls amount from the account's wallet into the market.
func (c *MarketCustody) TransferIn(from string, amount uint256.Int) error {
	wallet, err := walletKey(from, c.asset)
	if err != nil {
		return err
	}
	return c.vault.post(c.account, wallet, amount, JournalTypeMarketTransferIn)
}

// TransferOut pays amount from the market to the account's wallet.
func (c *MarketCustody) TransferOut(to string, amount uint256.Int) error {
	wallet, err := walletKey(to, c.asset)
	if err != nil {
		return err
	}
	return c.vault.post(wallet, c.account, amount, JournalTypeMarketTransferOut)
}

// Balance is the underlying held by the market.
func (c *MarketCustody) Balance() uint256.Int {
	return c.vault.tracker.GetBalance(c.account)
}

func (c *MarketCustody) MarketID() string {
	return c.marketID
}
