package protocol

import (
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/pool"

	"github.com/holiman/uint256"
)

// FixedPosition is one maturity of an account's fixed deposits or borrows.
type FixedPosition struct {
	Maturity  uint64
	Principal uint256.Int
	Fee       uint256.Int
}

// MarketAccount is an account's standing in one market. Price is zero when
// the oracle has no usable price for the market.
type MarketAccount struct {
	Market       string
	Asset        string
	Decimals     uint8
	Price        uint256.Int
	AdjustFactor uint256.Int
	IsCollateral bool

	FloatingDepositShares uint256.Int
	FloatingDepositAssets uint256.Int
	FloatingBorrowShares  uint256.Int
	FloatingBorrowAssets  uint256.Int
	FixedDeposits         []FixedPosition
	FixedBorrows          []FixedPosition

	// TotalDebt includes penalties on matured fixed borrows.
	TotalDebt uint256.Int
}

// CollateralValue is the USD value of the floating deposit, WAD scaled.
func (a MarketAccount) CollateralValue() uint256.Int {
	return usd(a.FloatingDepositAssets, a.Price, a.Decimals)
}

// DebtValue is the USD value of everything owed, WAD scaled.
func (a MarketAccount) DebtValue() uint256.Int {
	return usd(a.TotalDebt, a.Price, a.Decimals)
}

// AccountPreview is the whole standing of one account.
type AccountPreview struct {
	Account string
	Now     uint64
	Markets []MarketAccount

	// Risk-adjusted sums from the auditor. Zero when a price is missing.
	AdjustedCollateral uint256.Int
	AdjustedDebt       uint256.Int
	PriceError         string
}

// Shortfall reports whether the account can be liquidated.
func (p AccountPreview) Shortfall() bool {
	return p.PriceError == "" && fpmath.Lt(p.AdjustedCollateral, p.AdjustedDebt)
}

// Preview reads an account's position in every market at the current time.
func (p *Protocol) Preview(account string) (AccountPreview, error) {
	out := AccountPreview{Account: account}
	err := p.txm.View(func(now uint64) error {
		out = p.previewAt(now, account)
		return nil
	})
	return out, err
}

// PreviewAll previews every known account.
func (p *Protocol) PreviewAll() ([]AccountPreview, error) {
	var out []AccountPreview
	err := p.txm.View(func(now uint64) error {
		for _, id := range p.Accounts() {
			out = append(out, p.previewAt(now, id))
		}
		return nil
	})
	return out, err
}

// PreviewAccounts previews the given accounts in order.
func (p *Protocol) PreviewAccounts(accounts []string) ([]AccountPreview, error) {
	out := make([]AccountPreview, 0, len(accounts))
	err := p.txm.View(func(now uint64) error {
		for _, id := range accounts {
			out = append(out, p.previewAt(now, id))
		}
		return nil
	})
	return out, err
}

func (p *Protocol) previewAt(now uint64, account string) AccountPreview {
	out := AccountPreview{Account: account, Now: now}
	for _, id := range p.order {
		m := p.markets[id]
		data, _ := p.auditor.MarketData(id)
		price, _ := p.oracle.Price(id)
		acc := m.Account(account)
		ma := MarketAccount{
			Market:                id,
			Asset:                 m.Asset(),
			Decimals:              m.Decimals(),
			Price:                 price,
			AdjustFactor:          data.AdjustFactor,
			IsCollateral:          p.auditor.IsMember(account, id),
			FloatingDepositShares: m.BalanceOf(account),
			FloatingDepositAssets: m.MaxWithdraw(now, account),
			FloatingBorrowShares:  acc.FloatingBorrowShares,
			TotalDebt:             m.PreviewDebt(now, account),
		}
		if !acc.FloatingBorrowShares.IsZero() {
			ma.FloatingBorrowAssets = m.PreviewRefund(now, acc.FloatingBorrowShares)
		}
		ma.FixedDeposits = fixedPositions(acc.FixedDeposits, func(maturity uint64) pool.Position {
			return m.FixedDepositPosition(maturity, account)
		})
		ma.FixedBorrows = fixedPositions(acc.FixedBorrows, func(maturity uint64) pool.Position {
			return m.FixedBorrowPosition(maturity, account)
		})
		out.Markets = append(out.Markets, ma)
	}
	collateral, debt, err := p.auditor.AccountLiquidityAt(now, account)
	if err != nil {
		out.PriceError = err.Error()
		return out
	}
	out.AdjustedCollateral, out.AdjustedDebt = collateral, debt
	return out
}

func fixedPositions(set pool.MaturitySet, lookup func(uint64) pool.Position) []FixedPosition {
	if set.Len() == 0 {
		return nil
	}
	out := make([]FixedPosition, 0, set.Len())
	for _, maturity := range set.Sorted() {
		pos := lookup(maturity)
		out = append(out, FixedPosition{Maturity: maturity, Principal: pos.Principal, Fee: pos.Fee})
	}
	return out
}

// FixedPoolView is one maturity's pool ledger.
type FixedPoolView struct {
	Maturity uint64
	Pool     pool.FixedPool
	State    pool.State
}

// MarketView is the aggregate state of one market.
type MarketView struct {
	ID                    string
	Asset                 string
	Decimals              uint8
	AdjustFactor          uint256.Int
	Price                 uint256.Int
	TotalAssets           uint256.Int
	TotalSupply           uint256.Int
	TotalFloatingBorrow   uint256.Int
	FloatingAssetsAverage uint256.Int
	Floating              pool.FloatingPool
	FixedPools            []FixedPoolView
	CustodyBalance        uint256.Int
}

// MarketViews reads every market in listing order.
func (p *Protocol) MarketViews() ([]MarketView, error) {
	var out []MarketView
	err := p.txm.View(func(now uint64) error {
		out = make([]MarketView, 0, len(p.order))
		for _, id := range p.order {
			m := p.markets[id]
			data, _ := p.auditor.MarketData(id)
			price, _ := p.oracle.Price(id)
			v := MarketView{
				ID:                    id,
				Asset:                 m.Asset(),
				Decimals:              m.Decimals(),
				AdjustFactor:          data.AdjustFactor,
				Price:                 price,
				TotalAssets:           m.TotalAssets(now),
				TotalSupply:           m.TotalSupply(),
				TotalFloatingBorrow:   m.TotalFloatingBorrowAssets(now),
				FloatingAssetsAverage: m.FloatingAssetsAverage(now),
				Floating:              m.Floating(),
				CustodyBalance:        p.custody[id].Balance(),
			}
			maxFuturePools := m.Parameters().MaxFuturePools
			for _, maturity := range m.FixedMaturities() {
				v.FixedPools = append(v.FixedPools, FixedPoolView{
					Maturity: maturity,
					Pool:     m.FixedPool(maturity),
					State:    pool.PoolState(maturity, now, maxFuturePools),
				})
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}
