// Package keeper finds accounts in shortfall and builds the liquidations
// that bring them back to health.
package keeper

import (
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Candidate is one liquidation the keeper wants to run.
type Candidate struct {
	Borrower    string
	RepayMarket string
	SeizeMarket string
	DebtValue   uint256.Int
	Collateral  uint256.Int
}

// SelectMarkets picks the market where the account owes the most (in USD)
// to repay, and the entered market where it holds the most collateral to
// seize. ok is false when either side is empty.
func SelectMarkets(preview protocol.AccountPreview) (repay, seize protocol.MarketAccount, ok bool) {
	var maxDebt, maxCollateral uint256.Int
	var haveRepay, haveSeize bool
	for _, m := range preview.Markets {
		if debt := m.DebtValue(); fpmath.Gt(debt, maxDebt) {
			maxDebt, repay, haveRepay = debt, m, true
		}
		if !m.IsCollateral {
			continue
		}
		if collateral := m.CollateralValue(); fpmath.Gt(collateral, maxCollateral) {
			maxCollateral, seize, haveSeize = collateral, m, true
		}
	}
	return repay, seize, haveRepay && haveSeize
}

// Source is what the keeper reads.
type Source interface {
	PreviewAll() ([]protocol.AccountPreview, error)
}

type Keeper struct {
	account string
	source  Source
	log     zerolog.Logger
}

// New creates a keeper that liquidates from account.
func New(account string, source Source, log zerolog.Logger) *Keeper {
	return &Keeper{
		account: account,
		source:  source,
		log:     log.With().Str("component", "keeper").Logger(),
	}
}

func (k *Keeper) Account() string { return k.account }

// Scan returns a candidate for every account in shortfall, in account
// order. The keeper never liquidates itself.
func (k *Keeper) Scan() ([]Candidate, error) {
	previews, err := k.source.PreviewAll()
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, p := range previews {
		if p.Account == k.account || !p.Shortfall() {
			continue
		}
		repay, seize, ok := SelectMarkets(p)
		if !ok {
			k.log.Debug().Str("borrower", p.Account).Msg("shortfall without seizable collateral")
			continue
		}
		out = append(out, Candidate{
			Borrower:    p.Account,
			RepayMarket: repay.Market,
			SeizeMarket: seize.Market,
			DebtValue:   repay.DebtValue(),
			Collateral:  seize.CollateralValue(),
		})
	}
	return out, nil
}
