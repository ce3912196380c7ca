// Package protocol wires one auditor, its markets, the price oracle and the
// custody vault into a single unit that the engine drives.
package protocol

import (
	"errors"
	"fmt"
	"sort"

	"CreditLedger/internal/auditor"
	"CreditLedger/internal/irm"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/market"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/oracle"
	"CreditLedger/internal/txn"

	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownMarket   = errors.New("protocol: unknown market")
	ErrDuplicateMarket = errors.New("protocol: duplicate market")
)

type MarketConfig struct {
	ID           string
	Asset        string
	Decimals     uint8
	AdjustFactor uint256.Int
	Curves       irm.Parameters
	Params       market.Parameters
}

type Config struct {
	AuditorID    string
	Incentive    auditor.LiquidationIncentive
	TargetHealth uint256.Int
	Markets      []MarketConfig
}

// Protocol owns the shared transaction manager. Markets are kept in
// listing order.
type Protocol struct {
	txm     *txn.Manager
	auditor *auditor.Auditor
	oracle  oracle.PriceOracle
	vault   *ledger.Vault
	log     zerolog.Logger

	markets map[string]*market.Market
	custody map[string]*ledger.MarketCustody
	order   []string
}

func New(cfg Config, clk clock.Clock, priceOracle oracle.PriceOracle, vault *ledger.Vault, log zerolog.Logger) (*Protocol, error) {
	txm := txn.NewManager(clk)
	aud, err := auditor.New(auditor.Config{
		ID:           cfg.AuditorID,
		Incentive:    cfg.Incentive,
		TargetHealth: cfg.TargetHealth,
	}, txm, priceOracle, log)
	if err != nil {
		return nil, err
	}
	p := &Protocol{
		txm:     txm,
		auditor: aud,
		oracle:  priceOracle,
		vault:   vault,
		log:     log,
		markets: make(map[string]*market.Market, len(cfg.Markets)),
		custody: make(map[string]*ledger.MarketCustody, len(cfg.Markets)),
	}
	for _, mc := range cfg.Markets {
		if _, ok := p.markets[mc.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMarket, mc.ID)
		}
		custody := vault.Market(mc.ID, mc.Asset)
		model, err := irm.New(mc.Curves)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", mc.ID, err)
		}
		m, err := market.New(market.Config{
			ID:       mc.ID,
			Asset:    mc.Asset,
			Decimals: mc.Decimals,
			Params:   mc.Params,
		}, txm, aud, model, custody, log)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", mc.ID, err)
		}
		if err := aud.EnableMarket(m, mc.AdjustFactor, mc.Decimals); err != nil {
			return nil, fmt.Errorf("market %s: %w", mc.ID, err)
		}
		p.markets[mc.ID] = m
		p.custody[mc.ID] = custody
		p.order = append(p.order, mc.ID)
	}
	return p, nil
}

func (p *Protocol) Auditor() *auditor.Auditor { return p.auditor }
func (p *Protocol) Vault() *ledger.Vault       { return p.vault }
func (p *Protocol) TxManager() *txn.Manager    { return p.txm }

func (p *Protocol) Market(id string) (*market.Market, error) {
	m, ok := p.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

// Markets returns every market in listing order.
func (p *Protocol) Markets() []*market.Market {
	out := make([]*market.Market, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.markets[id])
	}
	return out
}

// Accounts lists every account known to any market, sorted.
func (p *Protocol) Accounts() []string {
	seen := make(map[string]struct{})
	for _, m := range p.markets {
		for _, id := range m.Accounts() {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ===== Wallets =====

// Credit funds an account's wallet in the market's underlying from
// outside the protocol.
func (p *Protocol) Credit(account, marketID string, amount uint256.Int) error {
	m, err := p.Market(marketID)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return market.ErrZeroAmount
	}
	return p.txm.Do(func(tx *txn.Tx) error {
		tx.OnCommit(
			func() error { return p.vault.Credit(account, m.Asset(), amount) },
			func() { _ = p.vault.Debit(account, m.Asset(), amount) },
		)
		return nil
	})
}

// Debit pays funds out of an account's wallet.
func (p *Protocol) Debit(account, marketID string, amount uint256.Int) error {
	m, err := p.Market(marketID)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return market.ErrZeroAmount
	}
	return p.txm.Do(func(tx *txn.Tx) error {
		tx.OnCommit(
			func() error { return p.vault.Debit(account, m.Asset(), amount) },
			func() { _ = p.vault.Credit(account, m.Asset(), amount) },
		)
		return nil
	})
}

// WalletBalance is the free underlying of an account in the market's asset.
func (p *Protocol) WalletBalance(account, marketID string) (uint256.Int, error) {
	m, err := p.Market(marketID)
	if err != nil {
		return uint256.Int{}, err
	}
	return p.vault.WalletBalance(account, m.Asset())
}

// ===== Liquidation =====

// Liquidate repays the borrower's debt in repayMarket and seizes collateral
// from seizeMarket. maxAssets equal to fpmath.MaxUint256 means no cap.
func (p *Protocol) Liquidate(liquidator, borrower, repayMarket, seizeMarket string, maxAssets uint256.Int) (uint256.Int, error) {
	repay, err := p.Market(repayMarket)
	if err != nil {
		return uint256.Int{}, err
	}
	seize, err := p.Market(seizeMarket)
	if err != nil {
		return uint256.Int{}, err
	}
	return repay.Liquidate(liquidator, borrower, maxAssets, seize)
}

// ===== Integrity =====

// CheckInvariants verifies every market's books and custody conservation.
func (p *Protocol) CheckInvariants() error {
	return p.txm.View(func(uint64) error {
		for _, id := range p.order {
			if err := p.markets[id].CheckConsistency(); err != nil {
				return err
			}
		}
		if err := p.vault.Validator().ValidateConservation(); err != nil {
			return fmt.Errorf("custody: %w", err)
		}
		return nil
	})
}

// Digest is the canonical byte form of the whole protocol state.
func (p *Protocol) Digest() []byte {
	var buf []byte
	_ = p.txm.View(func(uint64) error {
		buf = p.auditor.AppendDigest(buf)
		for _, id := range p.order {
			buf = p.markets[id].AppendDigest(buf)
		}
		buf = append(buf, p.vault.Digest()...)
		return nil
	})
	return buf
}

// usd values amount of a market's underlying at price, rounding down.
func usd(amount, price uint256.Int, decimals uint8) uint256.Int {
	return fpmath.MulDiv(amount, price, fpmath.Pow10(decimals), fpmath.RoundDown)
}
