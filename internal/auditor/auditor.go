// Package auditor is the protocol's risk engine. It tracks which markets
// each account uses as collateral, values accounts through the price
// oracle, gates borrows and withdrawals on solvency and sizes liquidations.
package auditor

import (
	"fmt"

	"CreditLedger/internal/market"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/oracle"
	"CreditLedger/internal/txn"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Market is what the auditor needs from a listed market. Balances are
// always read from the market itself.
type Market interface {
	ID() string
	AuditorID() string
	AccountSnapshot(now uint64, account string) (collateral, debt uint256.Int)
	MaxWithdraw(now uint64, account string) uint256.Int
	ClearBadDebt(tx *txn.Tx, caller, account string) error
}

// MarketData is the auditor's registry entry for a market.
type MarketData struct {
	AdjustFactor uint256.Int
	Decimals     uint8
	Index        int
	Listed       bool
}

// LiquidationIncentive is paid on top of the repaid debt, as WAD fractions
// of it: Liquidator in seized collateral, Lenders into the repay market's
// earnings accumulator.
type LiquidationIncentive struct {
	Liquidator uint256.Int
	Lenders    uint256.Int
}

func (i LiquidationIncentive) validate() error {
	if fpmath.Gte(fpmath.Add(i.Liquidator, i.Lenders), fpmath.WAD) {
		return fmt.Errorf("%w: liquidation incentive must stay below 1", ErrInvalidParameter)
	}
	return nil
}

func (i LiquidationIncentive) total() uint256.Int {
	return fpmath.Add(fpmath.WAD, fpmath.Add(i.Liquidator, i.Lenders))
}

// DefaultTargetHealth is the health factor a liquidation aims to restore.
var DefaultTargetHealth = fpmath.MustParseWad("1.25")

type Config struct {
	ID           string
	Incentive    LiquidationIncentive
	TargetHealth uint256.Int
}

type listing struct {
	market Market
	data   MarketData
}

type registry struct {
	markets        map[string]*listing
	order          []string
	accountMarkets map[string]map[string]struct{}
	incentive      LiquidationIncentive
}

func (r *registry) clone() *registry {
	c := &registry{
		markets:        make(map[string]*listing, len(r.markets)),
		order:          append([]string(nil), r.order...),
		accountMarkets: make(map[string]map[string]struct{}, len(r.accountMarkets)),
		incentive:      r.incentive,
	}
	for id, l := range r.markets {
		cp := *l
		c.markets[id] = &cp
	}
	for account, set := range r.accountMarkets {
		inner := make(map[string]struct{}, len(set))
		for id := range set {
			inner[id] = struct{}{}
		}
		c.accountMarkets[account] = inner
	}
	return c
}

// Auditor is the risk engine shared by a set of markets.
type Auditor struct {
	id           string
	txm          *txn.Manager
	oracle       oracle.PriceOracle
	targetHealth uint256.Int
	log          zerolog.Logger

	reg *registry
}

func New(cfg Config, txm *txn.Manager, priceOracle oracle.PriceOracle, log zerolog.Logger) (*Auditor, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty auditor id", ErrInvalidParameter)
	}
	if err := cfg.Incentive.validate(); err != nil {
		return nil, err
	}
	target := cfg.TargetHealth
	if target.IsZero() {
		target = DefaultTargetHealth
	}
	if fpmath.Lt(target, fpmath.WAD) {
		return nil, fmt.Errorf("%w: target health below 1", ErrInvalidParameter)
	}
	return &Auditor{
		id:           cfg.ID,
		txm:          txm,
		oracle:       priceOracle,
		targetHealth: target,
		log:          log.With().Str("auditor", cfg.ID).Logger(),
		reg: &registry{
			markets:        make(map[string]*listing),
			accountMarkets: make(map[string]map[string]struct{}),
			incentive:      cfg.Incentive,
		},
	}, nil
}

func (a *Auditor) ID() string { return a.id }

// Checkpoint implements txn.Participant.
func (a *Auditor) Checkpoint() func() {
	saved := a.reg.clone()
	return func() { a.reg = saved }
}

// ===== Configuration =====

// EnableMarket lists a market. Markets are ordered by listing.
func (a *Auditor) EnableMarket(m Market, adjustFactor uint256.Int, decimals uint8) error {
	return a.txm.Do(func(tx *txn.Tx) error {
		if m.AuditorID() != a.id {
			return fmt.Errorf("%w: %s reports to %q", ErrAuditorMismatch, m.ID(), m.AuditorID())
		}
		if _, ok := a.reg.markets[m.ID()]; ok {
			return fmt.Errorf("%w: %s", ErrMarketAlreadyListed, m.ID())
		}
		if err := validateAdjustFactor(adjustFactor); err != nil {
			return err
		}
		tx.Enlist(a)
		a.reg.markets[m.ID()] = &listing{
			market: m,
			data: MarketData{
				AdjustFactor: adjustFactor,
				Decimals:     decimals,
				Index:        len(a.reg.order),
				Listed:       true,
			},
		}
		a.reg.order = append(a.reg.order, m.ID())
		a.log.Info().Str("market", m.ID()).Str("adjust_factor", fpmath.FormatWad(adjustFactor)).Msg("market enabled")
		return nil
	})
}

func (a *Auditor) SetAdjustFactor(marketID string, adjustFactor uint256.Int) error {
	return a.txm.Do(func(tx *txn.Tx) error {
		if _, err := a.listed(marketID); err != nil {
			return err
		}
		if err := validateAdjustFactor(adjustFactor); err != nil {
			return err
		}
		tx.Enlist(a)
		a.reg.markets[marketID].data.AdjustFactor = adjustFactor
		return nil
	})
}

func (a *Auditor) SetLiquidationIncentive(incentive LiquidationIncentive) error {
	if err := incentive.validate(); err != nil {
		return err
	}
	return a.txm.Do(func(tx *txn.Tx) error {
		tx.Enlist(a)
		a.reg.incentive = incentive
		return nil
	})
}

func validateAdjustFactor(f uint256.Int) error {
	if f.IsZero() || fpmath.Gt(f, fpmath.WAD) {
		return fmt.Errorf("%w: adjust factor must be in (0, 1]", ErrInvalidParameter)
	}
	return nil
}

// ===== Membership =====

// EnterMarket lets the account's deposits in the market count as
// collateral.
func (a *Auditor) EnterMarket(account, marketID string) error {
	return a.txm.Do(func(tx *txn.Tx) error {
		if _, err := a.listed(marketID); err != nil {
			return err
		}
		a.enter(tx, account, marketID)
		return nil
	})
}

func (a *Auditor) enter(tx *txn.Tx, account, marketID string) {
	if a.IsMember(account, marketID) {
		return
	}
	tx.Enlist(a)
	set, ok := a.reg.accountMarkets[account]
	if !ok {
		set = make(map[string]struct{})
		a.reg.accountMarkets[account] = set
	}
	set[marketID] = struct{}{}
}

// ExitMarket stops counting the market as collateral. The account must
// owe nothing there and stay solvent without it.
func (a *Auditor) ExitMarket(account, marketID string) error {
	return a.txm.Do(func(tx *txn.Tx) error {
		l, err := a.listed(marketID)
		if err != nil {
			return err
		}
		collateral, debt := l.market.AccountSnapshot(tx.Now(), account)
		if !debt.IsZero() {
			return fmt.Errorf("%w: %s owes %s in %s", ErrRemainingDebt, account, debt.Dec(), marketID)
		}
		if err := a.CheckShortfall(tx, marketID, account, collateral); err != nil {
			return err
		}
		if !a.IsMember(account, marketID) {
			return nil
		}
		tx.Enlist(a)
		set := a.reg.accountMarkets[account]
		delete(set, marketID)
		if len(set) == 0 {
			delete(a.reg.accountMarkets, account)
		}
		return nil
	})
}

func (a *Auditor) IsMember(account, marketID string) bool {
	_, ok := a.reg.accountMarkets[account][marketID]
	return ok
}

// AccountMarkets lists the markets an account has entered, in listing
// order.
func (a *Auditor) AccountMarkets(account string) []string {
	set := a.reg.accountMarkets[account]
	out := make([]string, 0, len(set))
	for _, id := range a.reg.order {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Markets lists every listed market in listing order.
func (a *Auditor) Markets() []string {
	return append([]string(nil), a.reg.order...)
}

func (a *Auditor) MarketData(marketID string) (MarketData, bool) {
	l, ok := a.reg.markets[marketID]
	if !ok {
		return MarketData{}, false
	}
	return l.data, true
}

func (a *Auditor) Incentive() LiquidationIncentive { return a.reg.incentive }
func (a *Auditor) TargetHealth() uint256.Int       { return a.targetHealth }

func (a *Auditor) listed(marketID string) (*listing, error) {
	l, ok := a.reg.markets[marketID]
	if !ok || !l.data.Listed {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	return l, nil
}

var _ market.Auditor = (*Auditor)(nil)
