package projection

import (
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const healthPrecision = 4

// FixedPoolDoc is one maturity of a market as served to readers.
type FixedPoolDoc struct {
	Maturity           uint64 `json:"maturity"`
	State              string `json:"state"`
	Borrowed           string `json:"borrowed"`
	Supplied           string `json:"supplied"`
	UnassignedEarnings string `json:"unassigned_earnings"`
	BackupSupplied     string `json:"backup_supplied"`
}

// MarketDoc is the read model of one market. Amounts are in asset units,
// prices and factors are plain decimals.
type MarketDoc struct {
	ID                    string         `json:"id"`
	Asset                 string         `json:"asset"`
	Decimals              uint8          `json:"decimals"`
	AdjustFactor          string         `json:"adjust_factor"`
	PriceUSD              string         `json:"price_usd"`
	TotalAssets           string         `json:"total_assets"`
	TotalSupply           string         `json:"total_supply"`
	TotalFloatingBorrow   string         `json:"total_floating_borrow"`
	FloatingAssets        string         `json:"floating_assets"`
	FloatingDebt          string         `json:"floating_debt"`
	FloatingBackup        string         `json:"floating_backup_borrowed"`
	Utilization           string         `json:"utilization"`
	EarningsAccumulator   string         `json:"earnings_accumulator"`
	FloatingAssetsAverage string         `json:"floating_assets_average"`
	CustodyBalance        string         `json:"custody_balance"`
	FixedPools            []FixedPoolDoc `json:"fixed_pools"`
	Sequence              int64          `json:"sequence"`

	// Base-unit values for the numeric projection columns.
	raw marketRaw
}

type marketRaw struct {
	price, floatingAssets, floatingDebt, utilization string
}

// PositionDoc is one fixed-rate position.
type PositionDoc struct {
	Maturity  uint64 `json:"maturity"`
	Principal string `json:"principal"`
	Fee       string `json:"fee"`
}

// AccountMarketDoc is an account's standing in one market.
type AccountMarketDoc struct {
	Market               string        `json:"market"`
	Asset                string        `json:"asset"`
	IsCollateral         bool          `json:"is_collateral"`
	FloatingDeposit      string        `json:"floating_deposit"`
	FloatingDepositShare string        `json:"floating_deposit_shares"`
	FloatingBorrow       string        `json:"floating_borrow"`
	FloatingBorrowShares string        `json:"floating_borrow_shares"`
	TotalDebt            string        `json:"total_debt"`
	CollateralUSD        string        `json:"collateral_usd"`
	DebtUSD              string        `json:"debt_usd"`
	FixedDeposits        []PositionDoc `json:"fixed_deposits,omitempty"`
	FixedBorrows         []PositionDoc `json:"fixed_borrows,omitempty"`
}

// AccountDoc is the read model of one account.
type AccountDoc struct {
	Account               string             `json:"account"`
	AdjustedCollateralUSD string             `json:"adjusted_collateral_usd"`
	AdjustedDebtUSD       string             `json:"adjusted_debt_usd"`
	CollateralUSD         string             `json:"collateral_usd"`
	DebtUSD               string             `json:"debt_usd"`
	HealthFactor          string             `json:"health_factor,omitempty"`
	Shortfall             bool               `json:"shortfall"`
	PriceError            string             `json:"price_error,omitempty"`
	Markets               []AccountMarketDoc `json:"markets"`
	Sequence              int64              `json:"sequence"`

	rawCollateral, rawDebt string
}

func units(x uint256.Int, decimals uint8) string {
	return fpmath.ToDecimal(x, int32(decimals)).String()
}

func wad(x uint256.Int) string {
	return fpmath.FormatWad(x)
}

// NewMarketDoc renders a market view.
func NewMarketDoc(v protocol.MarketView, seq int64) MarketDoc {
	d := v.Decimals
	doc := MarketDoc{
		ID:                    v.ID,
		Asset:                 v.Asset,
		Decimals:              d,
		AdjustFactor:          wad(v.AdjustFactor),
		PriceUSD:              wad(v.Price),
		TotalAssets:           units(v.TotalAssets, d),
		TotalSupply:           units(v.TotalSupply, d),
		TotalFloatingBorrow:   units(v.TotalFloatingBorrow, d),
		FloatingAssets:        units(v.Floating.Assets, d),
		FloatingDebt:          units(v.Floating.Debt, d),
		FloatingBackup:        units(v.Floating.BackupBorrowed, d),
		Utilization:           wad(v.Floating.Utilization),
		EarningsAccumulator:   units(v.Floating.EarningsAccumulator, d),
		FloatingAssetsAverage: units(v.FloatingAssetsAverage, d),
		CustodyBalance:        units(v.CustodyBalance, d),
		FixedPools:            make([]FixedPoolDoc, 0, len(v.FixedPools)),
		Sequence:              seq,
		raw: marketRaw{
			price:          fpmath.Dec(v.Price),
			floatingAssets: fpmath.Dec(v.Floating.Assets),
			floatingDebt:   fpmath.Dec(v.Floating.Debt),
			utilization:    fpmath.Dec(v.Floating.Utilization),
		},
	}
	for _, fp := range v.FixedPools {
		pool := fp.Pool
		doc.FixedPools = append(doc.FixedPools, FixedPoolDoc{
			Maturity:           fp.Maturity,
			State:              fp.State.String(),
			Borrowed:           units(pool.Borrowed, d),
			Supplied:           units(pool.Supplied, d),
			UnassignedEarnings: units(pool.UnassignedEarnings, d),
			BackupSupplied:     units(pool.BackupSupplied(), d),
		})
	}
	return doc
}

// NewAccountDoc renders an account preview.
func NewAccountDoc(p protocol.AccountPreview, seq int64) AccountDoc {
	doc := AccountDoc{
		Account:               p.Account,
		AdjustedCollateralUSD: wad(p.AdjustedCollateral),
		AdjustedDebtUSD:       wad(p.AdjustedDebt),
		HealthFactor:          HealthFactor(p.AdjustedCollateral, p.AdjustedDebt),
		Shortfall:             p.Shortfall(),
		PriceError:            p.PriceError,
		Markets:               make([]AccountMarketDoc, 0, len(p.Markets)),
		Sequence:              seq,
		rawCollateral:         fpmath.Dec(p.AdjustedCollateral),
		rawDebt:               fpmath.Dec(p.AdjustedDebt),
	}
	if p.PriceError != "" {
		doc.HealthFactor = ""
	}
	var collateral, debt []string
	for _, m := range p.Markets {
		d := m.Decimals
		doc.Markets = append(doc.Markets, AccountMarketDoc{
			Market:               m.Market,
			Asset:                m.Asset,
			IsCollateral:         m.IsCollateral,
			FloatingDeposit:      units(m.FloatingDepositAssets, d),
			FloatingDepositShare: units(m.FloatingDepositShares, d),
			FloatingBorrow:       units(m.FloatingBorrowAssets, d),
			FloatingBorrowShares: units(m.FloatingBorrowShares, d),
			TotalDebt:            units(m.TotalDebt, d),
			CollateralUSD:        wad(m.CollateralValue()),
			DebtUSD:              wad(m.DebtValue()),
			FixedDeposits:        positionDocs(m.FixedDeposits, d),
			FixedBorrows:         positionDocs(m.FixedBorrows, d),
		})
		if m.IsCollateral {
			collateral = append(collateral, wad(m.CollateralValue()))
		}
		debt = append(debt, wad(m.DebtValue()))
	}
	doc.CollateralUSD = usdTotal(collateral...).String()
	doc.DebtUSD = usdTotal(debt...).String()
	return doc
}

// HealthFactor is adjusted collateral over adjusted debt, rounded down to
// four places. It is empty when there is no debt.
func HealthFactor(collateral, debt uint256.Int) string {
	if fpmath.IsZero(debt) {
		return ""
	}
	c := fpmath.ToDecimal(collateral, fpmath.WadDigit)
	d := fpmath.ToDecimal(debt, fpmath.WadDigit)
	return c.Div(d).RoundFloor(healthPrecision).StringFixed(healthPrecision)
}

func positionDocs(in []protocol.FixedPosition, decimals uint8) []PositionDoc {
	if len(in) == 0 {
		return nil
	}
	out := make([]PositionDoc, 0, len(in))
	for _, p := range in {
		out = append(out, PositionDoc{
			Maturity:  p.Maturity,
			Principal: units(p.Principal, decimals),
			Fee:       units(p.Fee, decimals),
		})
	}
	return out
}

// usdTotal sums unadjusted per-market USD values.
func usdTotal(values ...string) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		if d, err := decimal.NewFromString(v); err == nil {
			total = total.Add(d)
		}
	}
	return total
}
