// Package market implements one lending market: a floating-rate pool with
// vault-style deposit shares and borrow shares, and a table of fixed-rate
// pools keyed by maturity that borrow their missing liquidity from the
// floating pool.
package market

import (
	"fmt"
	"sort"

	"CreditLedger/internal/irm"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/txn"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Auditor is the risk engine a market reports to.
type Auditor interface {
	ID() string
	CheckBorrow(tx *txn.Tx, caller, marketID, borrower string) error
	CheckShortfall(tx *txn.Tx, marketID, account string, amount uint256.Int) error
	CheckLiquidation(tx *txn.Tx, repayMarket, seizeMarket, borrower string, maxLiquidatorAssets uint256.Int) (uint256.Int, error)
	CalculateSeize(tx *txn.Tx, repayMarket, seizeMarket, borrower string, actualRepay uint256.Int) (lendersAssets, seizeAssets uint256.Int, err error)
	CheckSeize(repayMarket, seizeMarket string) error
	HandleBadDebt(tx *txn.Tx, account string) error
}

// RateModel prices borrows. Rates are annual and WAD scaled.
type RateModel interface {
	FixedRate(maturity, now uint64, amount, borrowed, supplied, backupAssets uint256.Int) (uint256.Int, error)
	FloatingRate(uBefore, uAfter uint256.Int) (uint256.Int, error)
}

// AssetCustody moves the market's underlying in and out.
type AssetCustody interface {
	TransferIn(from string, amount uint256.Int) error
	TransferOut(to string, amount uint256.Int) error
}

// Parameters are the economic settings of a market. Fractions and rates
// are WAD scaled; PenaltyRate is per second.
type Parameters struct {
	MaxFuturePools                  uint8
	EarningsAccumulatorSmoothFactor uint256.Int
	PenaltyRate                     uint256.Int
	BackupFeeRate                   uint256.Int
	ReserveFactor                   uint256.Int
	TreasuryFeeRate                 uint256.Int
	DampSpeedUp                     uint256.Int
	DampSpeedDown                   uint256.Int
	Treasury                        string
}

func (p Parameters) Validate() error {
	switch {
	case p.MaxFuturePools == 0:
		return fmt.Errorf("%w: max future pools must be positive", ErrInvalidParameter)
	case fpmath.Gt(p.BackupFeeRate, fpmath.WAD):
		return fmt.Errorf("%w: backup fee rate above 1", ErrInvalidParameter)
	case fpmath.Gte(p.ReserveFactor, fpmath.WAD):
		return fmt.Errorf("%w: reserve factor must be below 1", ErrInvalidParameter)
	case fpmath.Gt(p.TreasuryFeeRate, fpmath.WAD):
		return fmt.Errorf("%w: treasury fee rate above 1", ErrInvalidParameter)
	case !p.TreasuryFeeRate.IsZero() && p.Treasury == "":
		return fmt.Errorf("%w: treasury fee without treasury account", ErrInvalidParameter)
	case p.DampSpeedUp.IsZero() || p.DampSpeedDown.IsZero():
		return fmt.Errorf("%w: damp speeds must be positive", ErrInvalidParameter)
	}
	return nil
}

// Account is the per-market record of one account.
type Account struct {
	FixedDeposits        pool.MaturitySet
	FixedBorrows         pool.MaturitySet
	FloatingBorrowShares uint256.Int
}

func newAccount() *Account {
	return &Account{FixedDeposits: pool.MaturitySet{}, FixedBorrows: pool.MaturitySet{}}
}

func (a *Account) clone() *Account {
	return &Account{
		FixedDeposits:        a.FixedDeposits.Clone(),
		FixedBorrows:         a.FixedBorrows.Clone(),
		FloatingBorrowShares: a.FloatingBorrowShares,
	}
}

type state struct {
	floating      pool.FloatingPool
	fixedPools    map[uint64]*pool.FixedPool
	fixedDeposits map[uint64]map[string]pool.Position
	fixedBorrows  map[uint64]map[string]pool.Position
	accounts      map[string]*Account
	shares        map[string]uint256.Int
	totalSupply   uint256.Int
}

func newState() *state {
	return &state{
		fixedPools:    make(map[uint64]*pool.FixedPool),
		fixedDeposits: make(map[uint64]map[string]pool.Position),
		fixedBorrows:  make(map[uint64]map[string]pool.Position),
		accounts:      make(map[string]*Account),
		shares:        make(map[string]uint256.Int),
	}
}

func clonePositions(src map[uint64]map[string]pool.Position) map[uint64]map[string]pool.Position {
	out := make(map[uint64]map[string]pool.Position, len(src))
	for maturity, byAccount := range src {
		inner := make(map[string]pool.Position, len(byAccount))
		for account, p := range byAccount {
			inner[account] = p
		}
		out[maturity] = inner
	}
	return out
}

func (s *state) clone() *state {
	c := &state{
		floating:      s.floating,
		fixedPools:    make(map[uint64]*pool.FixedPool, len(s.fixedPools)),
		fixedDeposits: clonePositions(s.fixedDeposits),
		fixedBorrows:  clonePositions(s.fixedBorrows),
		accounts:      make(map[string]*Account, len(s.accounts)),
		shares:        make(map[string]uint256.Int, len(s.shares)),
		totalSupply:   s.totalSupply,
	}
	for maturity, p := range s.fixedPools {
		cp := *p
		c.fixedPools[maturity] = &cp
	}
	for id, a := range s.accounts {
		c.accounts[id] = a.clone()
	}
	for id, v := range s.shares {
		c.shares[id] = v
	}
	return c
}

// Config identifies a market and its underlying.
type Config struct {
	ID       string
	Asset    string
	Decimals uint8
	Params   Parameters
}

// Market is one lending market. All mutating operations go through the
// shared transaction manager.
type Market struct {
	id       string
	asset    string
	decimals uint8
	params   Parameters

	txm     *txn.Manager
	auditor Auditor
	irm     RateModel
	custody AssetCustody
	log     zerolog.Logger

	st *state
}

func New(cfg Config, txm *txn.Manager, auditor Auditor, model RateModel, custody AssetCustody, log zerolog.Logger) (*Market, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty market id", ErrInvalidParameter)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	m := &Market{
		id:       cfg.ID,
		asset:    cfg.Asset,
		decimals: cfg.Decimals,
		params:   cfg.Params,
		txm:      txm,
		auditor:  auditor,
		irm:      model,
		custody:  custody,
		log:      log.With().Str("market", cfg.ID).Logger(),
		st:       newState(),
	}
	now := uint64(txm.Clock().Now().Unix())
	m.st.floating.LastDebtUpdate = now
	m.st.floating.LastAverageUpdate = now
	m.st.floating.LastAccumulatorAccrual = now
	return m, nil
}

func (m *Market) ID() string             { return m.id }
func (m *Market) Asset() string          { return m.asset }
func (m *Market) Decimals() uint8        { return m.decimals }
func (m *Market) Parameters() Parameters { return m.params }

// AuditorID identifies the auditor this market was built for.
func (m *Market) AuditorID() string {
	if m.auditor == nil {
		return ""
	}
	return m.auditor.ID()
}

// Checkpoint implements txn.Participant.
func (m *Market) Checkpoint() func() {
	saved := m.st.clone()
	return func() { m.st = saved }
}

// enter takes the market's reentrancy lock and enlists it.
func (m *Market) enter(tx *txn.Tx) (func(), error) {
	release, err := tx.Enter("market:" + m.id)
	if err != nil {
		return nil, err
	}
	tx.Enlist(m)
	return release, nil
}

func (m *Market) do(fn func(tx *txn.Tx) error) error {
	return m.txm.Do(func(tx *txn.Tx) error {
		release, err := m.enter(tx)
		if err != nil {
			return err
		}
		defer release()
		return fn(tx)
	})
}

// pull schedules a transfer of underlying from an account into the market.
func (m *Market) pull(tx *txn.Tx, from string, amount uint256.Int) {
	if amount.IsZero() {
		return
	}
	tx.OnCommit(
		func() error { return m.custody.TransferIn(from, amount) },
		func() { m.compensate("transfer_out", from, amount, m.custody.TransferOut(from, amount)) },
	)
}

// push schedules a transfer of underlying from the market to an account.
func (m *Market) push(tx *txn.Tx, to string, amount uint256.Int) {
	if amount.IsZero() {
		return
	}
	tx.OnCommit(
		func() error { return m.custody.TransferOut(to, amount) },
		func() { m.compensate("transfer_in", to, amount, m.custody.TransferIn(to, amount)) },
	)
}

// compensate reports an undo transfer that failed. Custody and the ledger
// disagree from then on, so it is logged at error level for an operator.
func (m *Market) compensate(op, account string, amount uint256.Int, err error) {
	if err == nil {
		return
	}
	m.log.Error().Err(err).
		Str("market", m.id).
		Str("op", op).
		Str("account", account).
		Str("amount", amount.Dec()).
		Msg("custody compensation failed")
}

func (m *Market) account(id string) *Account {
	a, ok := m.st.accounts[id]
	if !ok {
		a = newAccount()
		m.st.accounts[id] = a
	}
	return a
}

func (m *Market) fixedPool(maturity uint64) *pool.FixedPool {
	p, ok := m.st.fixedPools[maturity]
	if !ok {
		p = &pool.FixedPool{}
		m.st.fixedPools[maturity] = p
	}
	return p
}

func (m *Market) fixedDeposit(maturity uint64, account string) pool.Position {
	return m.st.fixedDeposits[maturity][account]
}

func (m *Market) fixedBorrow(maturity uint64, account string) pool.Position {
	return m.st.fixedBorrows[maturity][account]
}

// setFixedDeposit stores or deletes a position and keeps the account's
// maturity set in step with it.
func (m *Market) setFixedDeposit(maturity uint64, account string, p pool.Position) {
	setPosition(m.st.fixedDeposits, maturity, account, p)
	if p.IsZero() {
		m.account(account).FixedDeposits.Remove(maturity)
	} else {
		m.account(account).FixedDeposits.Add(maturity)
	}
}

func (m *Market) setFixedBorrow(maturity uint64, account string, p pool.Position) {
	setPosition(m.st.fixedBorrows, maturity, account, p)
	if p.IsZero() {
		m.account(account).FixedBorrows.Remove(maturity)
	} else {
		m.account(account).FixedBorrows.Add(maturity)
	}
}

func setPosition(table map[uint64]map[string]pool.Position, maturity uint64, account string, p pool.Position) {
	byAccount, ok := table[maturity]
	if p.IsZero() {
		if ok {
			delete(byAccount, account)
			if len(byAccount) == 0 {
				delete(table, maturity)
			}
		}
		return
	}
	if !ok {
		byAccount = make(map[string]pool.Position)
		table[maturity] = byAccount
	}
	byAccount[account] = p
}

// floatingRate wraps a rate model error as an arithmetic fault. Both
// utilizations fed to the floating curve are capped at 1, so the only
// failure left is a broken model.
func floatingRate(model RateModel, before, after uint256.Int) uint256.Int {
	r, err := model.FloatingRate(before, after)
	if err != nil {
		panic(fmt.Errorf("%w: floating rate: %v", fpmath.ErrArithmetic, err))
	}
	return r
}

// projectedDebt is the floating debt interest accrued since the last update
// and the global utilization at that point. The rate averages the floating
// curve from the floating pool's own utilization up to the global one, so
// backup lending to fixed pools makes floating borrowing dearer.
func (m *Market) projectedDebt(now uint64) (newDebt, utilization uint256.Int) {
	f := &m.st.floating
	utilization = f.GlobalUtilization()
	if now <= f.LastDebtUpdate || f.Debt.IsZero() {
		return uint256.Int{}, utilization
	}
	r := floatingRate(m.irm, f.FloatingUtilization(), utilization)
	rate := fpmath.MulDiv(r, fpmath.N(now-f.LastDebtUpdate), fpmath.N(fpmath.Year), fpmath.RoundDown)
	return fpmath.MulWadDown(f.Debt, rate), utilization
}

// updateFloatingDebt accrues floating interest into debt and assets, minus
// the treasury's cut which is minted to the treasury as deposit shares.
func (m *Market) updateFloatingDebt(now uint64) {
	newDebt, utilization := m.projectedDebt(now)
	f := &m.st.floating
	treasuryFee := fpmath.MulWadDown(newDebt, m.params.TreasuryFeeRate)
	f.Debt = fpmath.Add(f.Debt, newDebt)
	f.Assets = fpmath.Sub(fpmath.Add(f.Assets, newDebt), treasuryFee)
	f.Utilization = utilization
	f.LastDebtUpdate = now
	m.depositToTreasury(now, treasuryFee)
}

func (m *Market) depositToTreasury(now uint64, fee uint256.Int) {
	if fee.IsZero() {
		return
	}
	shares := m.convertToShares(now, fee, fpmath.RoundDown)
	m.mint(m.params.Treasury, shares)
	m.st.floating.Assets = fpmath.Add(m.st.floating.Assets, fee)
}

// chargeTreasuryFee takes the treasury's cut of a fixed borrow fee.
func (m *Market) chargeTreasuryFee(now uint64, fee uint256.Int) uint256.Int {
	treasuryFee := fpmath.MulWadDown(fee, m.params.TreasuryFeeRate)
	m.depositToTreasury(now, treasuryFee)
	return fpmath.Sub(fee, treasuryFee)
}

func (m *Market) accrueAccumulatedEarnings(now uint64) {
	m.st.floating.AccrueAccumulatedEarnings(now, m.params.EarningsAccumulatorSmoothFactor, m.params.MaxFuturePools)
}

func (m *Market) updateFloatingAssetsAverage(now uint64) {
	m.st.floating.UpdateAssetsAverage(now, m.params.DampSpeedUp, m.params.DampSpeedDown)
}

func (m *Market) mint(account string, shares uint256.Int) {
	if shares.IsZero() {
		return
	}
	m.st.shares[account] = fpmath.Add(m.st.shares[account], shares)
	m.st.totalSupply = fpmath.Add(m.st.totalSupply, shares)
}

func (m *Market) burn(account string, shares uint256.Int) {
	left := fpmath.Sub(m.st.shares[account], shares)
	if left.IsZero() {
		delete(m.st.shares, account)
	} else {
		m.st.shares[account] = left
	}
	m.st.totalSupply = fpmath.Sub(m.st.totalSupply, shares)
}

// CheckConsistency verifies that each of an account's maturity sets
// matches exactly its non-zero positions of that kind and that share
// balances sum to the supply.
func (m *Market) CheckConsistency() error {
	for id, a := range m.st.accounts {
		if err := checkSet(a.FixedDeposits, m.st.fixedDeposits, id); err != nil {
			return fmt.Errorf("market %s deposit: %w", m.id, err)
		}
		if err := checkSet(a.FixedBorrows, m.st.fixedBorrows, id); err != nil {
			return fmt.Errorf("market %s borrow: %w", m.id, err)
		}
	}
	tables := []struct {
		kind  string
		table map[uint64]map[string]pool.Position
		set   func(*Account) pool.MaturitySet
	}{
		{"deposit", m.st.fixedDeposits, func(a *Account) pool.MaturitySet { return a.FixedDeposits }},
		{"borrow", m.st.fixedBorrows, func(a *Account) pool.MaturitySet { return a.FixedBorrows }},
	}
	for _, tt := range tables {
		for maturity, byAccount := range tt.table {
			for id, p := range byAccount {
				a, ok := m.st.accounts[id]
				if !ok || p.IsZero() {
					return fmt.Errorf("market %s: stray %s position %s@%d", m.id, tt.kind, id, maturity)
				}
				if !tt.set(a).Has(maturity) {
					return fmt.Errorf("market %s: %s position %s@%d missing from set", m.id, tt.kind, id, maturity)
				}
			}
		}
	}
	var supply, borrowShares uint256.Int
	for _, s := range m.st.shares {
		supply = fpmath.Add(supply, s)
	}
	for _, a := range m.st.accounts {
		borrowShares = fpmath.Add(borrowShares, a.FloatingBorrowShares)
	}
	if !fpmath.Eq(supply, m.st.totalSupply) {
		return fmt.Errorf("market %s: shares %s != supply %s", m.id, supply.Dec(), m.st.totalSupply.Dec())
	}
	if !fpmath.Eq(borrowShares, m.st.floating.TotalBorrowShares) {
		return fmt.Errorf("market %s: borrow shares %s != total %s", m.id, borrowShares.Dec(), m.st.floating.TotalBorrowShares.Dec())
	}
	var backup uint256.Int
	for _, p := range m.st.fixedPools {
		backup = fpmath.Add(backup, p.BackupSupplied())
	}
	if !fpmath.Eq(backup, m.st.floating.BackupBorrowed) {
		return fmt.Errorf("market %s: backup borrowed %s != pools %s", m.id, m.st.floating.BackupBorrowed.Dec(), backup.Dec())
	}
	return nil
}

func checkSet(set pool.MaturitySet, table map[uint64]map[string]pool.Position, id string) error {
	for maturity := range set {
		if p := table[maturity][id]; p.IsZero() {
			return fmt.Errorf("maturity %d listed for %s without position", maturity, id)
		}
	}
	return nil
}

// Accounts lists every account known to the market in a stable order.
func (m *Market) Accounts() []string {
	seen := make(map[string]struct{}, len(m.st.accounts)+len(m.st.shares))
	for id := range m.st.accounts {
		seen[id] = struct{}{}
	}
	for id := range m.st.shares {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ RateModel = (*irm.Model)(nil)
