package market

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"CreditLedger/internal/irm"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/txn"

	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Fakes =====

type memCustody struct {
	wallets map[string]uint256.Int
	held    uint256.Int
}

func newMemCustody() *memCustody {
	return &memCustody{wallets: make(map[string]uint256.Int)}
}

func (c *memCustody) fund(account string, amount uint256.Int) {
	c.wallets[account] = fpmath.Add(c.wallets[account], amount)
}

func (c *memCustody) TransferIn(from string, amount uint256.Int) error {
	if fpmath.Lt(c.wallets[from], amount) {
		return fmt.Errorf("wallet %s: insufficient funds", from)
	}
	c.wallets[from] = fpmath.Sub(c.wallets[from], amount)
	c.held = fpmath.Add(c.held, amount)
	return nil
}

func (c *memCustody) TransferOut(to string, amount uint256.Int) error {
	if fpmath.Lt(c.held, amount) {
		return errors.New("market: custody short")
	}
	c.held = fpmath.Sub(c.held, amount)
	c.wallets[to] = fpmath.Add(c.wallets[to], amount)
	return nil
}

type fakeAuditor struct {
	borrowErr    error
	shortfallErr error
	liquidityCap *uint256.Int
	bonus        uint256.Int
	lendersBonus uint256.Int
	badDebtCalls []string
	// clears are asked to write off the account's debt, like the auditor
	// does once no collateral is left.
	clears []*Market
}

func (a *fakeAuditor) ID() string { return "auditor" }

func (a *fakeAuditor) CheckBorrow(*txn.Tx, string, string, string) error { return a.borrowErr }

func (a *fakeAuditor) CheckShortfall(*txn.Tx, string, string, uint256.Int) error {
	return a.shortfallErr
}

func (a *fakeAuditor) CheckLiquidation(_ *txn.Tx, _, _, _ string, maxAssets uint256.Int) (uint256.Int, error) {
	if a.liquidityCap != nil {
		return fpmath.Min(*a.liquidityCap, maxAssets), nil
	}
	return maxAssets, nil
}

func (a *fakeAuditor) CalculateSeize(_ *txn.Tx, _, _, _ string, actualRepay uint256.Int) (uint256.Int, uint256.Int, error) {
	lenders := fpmath.MulWadDown(actualRepay, a.lendersBonus)
	seize := fpmath.MulWadDown(actualRepay, fpmath.Add(fpmath.WAD, fpmath.Add(a.bonus, a.lendersBonus)))
	return lenders, seize, nil
}

func (a *fakeAuditor) CheckSeize(string, string) error { return nil }

func (a *fakeAuditor) HandleBadDebt(tx *txn.Tx, account string) error {
	a.badDebtCalls = append(a.badDebtCalls, account)
	for _, m := range a.clears {
		if err := m.ClearBadDebt(tx, a.ID(), account); err != nil {
			return err
		}
	}
	return nil
}

// ===== Fixture =====

const start = 100*pool.Interval + 1_000

type fixture struct {
	m       *Market
	clk     *clock.Mock
	custody *memCustody
	auditor *fakeAuditor
}

func testParameters() Parameters {
	return Parameters{
		MaxFuturePools:                  3,
		EarningsAccumulatorSmoothFactor: fpmath.WAD,
		PenaltyRate:                     fpmath.Div(fpmath.MustParseWad("0.02"), fpmath.N(fpmath.Day)),
		BackupFeeRate:                   fpmath.MustParseWad("0.1"),
		ReserveFactor:                   fpmath.MustParseWad("0.1"),
		DampSpeedUp:                     fpmath.MustParseWad("0.0046"),
		DampSpeedDown:                   fpmath.MustParseWad("0.42"),
	}
}

func newFixture(t *testing.T, id string) *fixture {
	t.Helper()
	clk := clock.NewMock()
	setClock(clk, time.Unix(int64(start), 0))
	return newFixtureOn(t, id, txn.NewManager(clk), clk, &fakeAuditor{bonus: fpmath.MustParseWad("0.1")})
}

func newFixtureOn(t *testing.T, id string, txm *txn.Manager, clk *clock.Mock, auditor *fakeAuditor) *fixture {
	t.Helper()
	model, err := irm.New(irm.DefaultParameters())
	require.NoError(t, err)
	custody := newMemCustody()
	m, err := New(Config{ID: id, Asset: "USDC", Decimals: 18, Params: testParameters()}, txm, auditor, model, custody, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{m: m, clk: clk, custody: custody, auditor: auditor}
}

func (f *fixture) now() uint64 { return uint64(f.clk.Now().Unix()) }

// nextMaturity is the first maturity strictly after now.
func (f *fixture) nextMaturity() uint64 { return pool.Latest(f.now()) + pool.Interval }

func wad(v uint64) uint256.Int { return fpmath.Wad(v) }

// seedFloating deposits into the floating pool and lets the assets average
// catch up.
func (f *fixture) seedFloating(t *testing.T, lp string, amount uint256.Int) {
	t.Helper()
	f.custody.fund(lp, amount)
	_, err := f.m.Deposit(amount, lp)
	require.NoError(t, err)
	f.clk.Add(24 * time.Hour)
}

// ===== Fixed pools =====

func TestDepositAtMaturityIntoEmptyPoolEarnsNothing(t *testing.T) {
	f := newFixture(t, "usdc")
	f.custody.fund("alice", wad(100))
	maturity := f.nextMaturity()

	positionAssets, err := f.m.DepositAtMaturity(maturity, wad(100), wad(100), "alice")
	require.NoError(t, err)

	assert.True(t, fpmath.Eq(positionAssets, wad(100)))
	assert.True(t, fpmath.IsZero(f.m.Floating().BackupBorrowed))
	p := f.m.FixedPool(maturity)
	assert.True(t, fpmath.Eq(p.Supplied, wad(100)))
	assert.True(t, p.UnassignedEarnings.IsZero())
	assert.True(t, f.m.Account("alice").FixedDeposits.Has(maturity))
	assert.True(t, fpmath.Eq(f.custody.held, wad(100)))
	require.NoError(t, f.m.CheckConsistency())
}

func TestDepositAtMaturityRejectsBadMaturity(t *testing.T) {
	f := newFixture(t, "usdc")
	f.custody.fund("alice", wad(100))

	_, err := f.m.DepositAtMaturity(f.nextMaturity()+1, wad(1), uint256.Int{}, "alice")
	assert.ErrorIs(t, err, pool.ErrInvalidMaturity)

	_, err = f.m.DepositAtMaturity(f.nextMaturity()+10*pool.Interval, wad(1), uint256.Int{}, "alice")
	assert.ErrorIs(t, err, pool.ErrInvalidMaturity)

	_, err = f.m.DepositAtMaturity(f.nextMaturity(), uint256.Int{}, uint256.Int{}, "alice")
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestBorrowAtMaturityIsBackedByFloatingPool(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	maturity := f.nextMaturity()

	owed, err := f.m.BorrowAtMaturity(maturity, wad(500), wad(1_000), "bob")
	require.NoError(t, err)

	assert.True(t, fpmath.Gt(owed, wad(500)), "a fee is charged")
	assert.True(t, fpmath.Eq(f.m.Floating().BackupBorrowed, wad(500)))
	fp := f.m.FixedPool(maturity)
	assert.True(t, fpmath.Eq(fp.BackupSupplied(), wad(500)))
	assert.True(t, fpmath.Eq(f.m.FixedBorrowPosition(maturity, "bob").Total(), owed))
	assert.True(t, fpmath.Eq(f.custody.wallets["bob"], wad(500)))

	// 950 of backup would exceed the 90% the reserve factor leaves.
	_, err = f.m.BorrowAtMaturity(maturity, wad(450), wad(1_000), "carol")
	assert.ErrorIs(t, err, ErrInsufficientProtocolLiquidity)
	assert.True(t, fpmath.Eq(f.m.Floating().BackupBorrowed, wad(500)))
	assert.True(t, f.m.Account("carol").FixedBorrows.Len() == 0)
	require.NoError(t, f.m.CheckConsistency())
}

func TestBorrowAtMaturityBeyondPotentialLiquidity(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(100))

	_, err := f.m.BorrowAtMaturity(f.nextMaturity(), wad(101), wad(1_000), "bob")
	assert.ErrorIs(t, err, irm.ErrUtilizationExceeded)
}

func TestBorrowAtMaturitySlippage(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))

	_, err := f.m.BorrowAtMaturity(f.nextMaturity(), wad(100), wad(100), "bob")
	assert.ErrorIs(t, err, ErrDisagreement)
}

func TestFailedBorrowRollsBackEverything(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	maturity := f.nextMaturity()
	floatingBefore := f.m.Floating()
	heldBefore := f.custody.held

	f.auditor.borrowErr = errors.New("auditor: no liquidity")
	_, err := f.m.BorrowAtMaturity(maturity, wad(100), wad(1_000), "bob")
	require.Error(t, err)

	assert.Equal(t, floatingBefore, f.m.Floating())
	assert.Equal(t, pool.FixedPool{}, f.m.FixedPool(maturity))
	assert.True(t, f.m.FixedBorrowPosition(maturity, "bob").IsZero())
	assert.Equal(t, 0, f.m.Account("bob").FixedBorrows.Len())
	assert.True(t, fpmath.Eq(heldBefore, f.custody.held))
	assert.True(t, fpmath.IsZero(f.custody.wallets["bob"]))
}

func TestFailedTransferRollsBackDeposit(t *testing.T) {
	f := newFixture(t, "usdc")
	f.custody.fund("alice", wad(10))

	_, err := f.m.DepositAtMaturity(f.nextMaturity(), wad(100), uint256.Int{}, "alice")
	require.Error(t, err)

	assert.Equal(t, pool.FixedPool{}, f.m.FixedPool(f.nextMaturity()))
	assert.Equal(t, 0, f.m.Account("alice").FixedDeposits.Len())
	assert.True(t, fpmath.Eq(f.custody.wallets["alice"], wad(10)))
}

func TestWithdrawAtMaturityClearsSet(t *testing.T) {
	f := newFixture(t, "usdc")
	f.custody.fund("alice", wad(100))
	maturity := f.nextMaturity()
	_, err := f.m.DepositAtMaturity(maturity, wad(100), uint256.Int{}, "alice")
	require.NoError(t, err)

	setClock(f.clk, time.Unix(int64(maturity+1), 0))
	paid, err := f.m.WithdrawAtMaturity(maturity, wad(100), wad(100), "alice")
	require.NoError(t, err)

	assert.True(t, fpmath.Eq(paid, wad(100)))
	assert.Equal(t, 0, f.m.Account("alice").FixedDeposits.Len())
	assert.True(t, f.m.FixedDepositPosition(maturity, "alice").IsZero())
	assert.True(t, fpmath.Eq(f.custody.wallets["alice"], wad(100)))
	require.NoError(t, f.m.CheckConsistency())
}

func TestWithdrawAtMaturityEarlyIsDiscounted(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	f.custody.fund("alice", wad(100))
	maturity := f.nextMaturity()
	_, err := f.m.DepositAtMaturity(maturity, wad(100), uint256.Int{}, "alice")
	require.NoError(t, err)

	paid, err := f.m.WithdrawAtMaturity(maturity, wad(100), uint256.Int{}, "alice")
	require.NoError(t, err)

	assert.True(t, fpmath.Lt(paid, wad(100)))
	// Withdrawing the supply turns the remaining fixed borrow, if any, into
	// backup; here there is none.
	assert.True(t, fpmath.IsZero(f.m.Floating().BackupBorrowed))
	require.NoError(t, f.m.CheckConsistency())
}

func TestRepayAtMaturityAfterMaturityChargesPenalty(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	maturity := f.nextMaturity()
	owed, err := f.m.BorrowAtMaturity(maturity, wad(100), wad(200), "bob")
	require.NoError(t, err)
	accumulatorBefore := f.m.Floating().EarningsAccumulator

	setClock(f.clk, time.Unix(int64(maturity+fpmath.Day), 0))
	penalty := fpmath.MulWadDown(owed, fpmath.Mul(fpmath.N(fpmath.Day), testParameters().PenaltyRate))
	f.custody.fund("bob", fpmath.Add(penalty, fpmath.Sub(owed, wad(100))))

	_, err = f.m.RepayAtMaturity(maturity, owed, owed, "bob")
	assert.ErrorIs(t, err, ErrDisagreement)

	paid, err := f.m.RepayAtMaturity(maturity, owed, wad(1_000), "bob")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(paid, fpmath.Add(owed, penalty)))
	assert.True(t, fpmath.Eq(f.m.Floating().EarningsAccumulator, fpmath.Add(accumulatorBefore, penalty)))
	assert.True(t, fpmath.IsZero(f.m.Floating().BackupBorrowed))
	assert.Equal(t, 0, f.m.Account("bob").FixedBorrows.Len())
	require.NoError(t, f.m.CheckConsistency())
}

func TestRepayAtMaturityEarlyFullyBackedPaysFace(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	maturity := f.nextMaturity()
	owed, err := f.m.BorrowAtMaturity(maturity, wad(100), wad(200), "bob")
	require.NoError(t, err)
	// The whole fee went to the floating pool, so nothing is left to
	// discount with.
	require.True(t, fpmath.IsZero(f.m.FixedPool(maturity).UnassignedEarnings))
	f.custody.fund("bob", wad(1))

	paid, err := f.m.RepayAtMaturity(maturity, owed, owed, "bob")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(paid, owed))
	assert.True(t, f.m.FixedBorrowPosition(maturity, "bob").IsZero())
	require.NoError(t, f.m.CheckConsistency())
}

func TestRepayAtMaturityEarlyDiscountsAtFixedRate(t *testing.T) {
	f := newFixture(t, "usdc")
	maturity := f.nextMaturity()
	f.custody.fund("lp", wad(1_000))
	_, err := f.m.DepositAtMaturity(maturity, wad(1_000), uint256.Int{}, "lp")
	require.NoError(t, err)
	owed, err := f.m.BorrowAtMaturity(maturity, wad(500), wad(1_000), "bob")
	require.NoError(t, err)

	fp := f.m.FixedPool(maturity)
	unassigned := fp.UnassignedEarnings
	require.False(t, unassigned.IsZero(), "the fee stays with fixed lenders")
	rate, err := f.m.fixedRate(maturity, f.now(), uint256.Int{}, &fp)
	require.NoError(t, err)
	want := fpmath.Max(
		fpmath.DivWadUp(owed, fpmath.Add(fpmath.WAD, rate)),
		fpmath.Sub(owed, unassigned),
	)
	f.custody.fund("bob", owed)

	_, err = f.m.RepayAtMaturity(maturity, owed, fpmath.Sub(want, fpmath.N(1)), "bob")
	assert.ErrorIs(t, err, ErrDisagreement)

	paid, err := f.m.RepayAtMaturity(maturity, owed, owed, "bob")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(paid, want))
	assert.True(t, fpmath.Lt(paid, owed))
	fp = f.m.FixedPool(maturity)
	assert.True(t, fpmath.Eq(fp.UnassignedEarnings, fpmath.Sub(unassigned, fpmath.Sub(owed, paid))))
	assert.True(t, f.m.FixedBorrowPosition(maturity, "bob").IsZero())
	require.NoError(t, f.m.CheckConsistency())
}

// ===== Floating pool =====

func TestFloatingDepositWithdraw(t *testing.T) {
	f := newFixture(t, "usdc")
	f.custody.fund("lp", wad(1_000))

	shares, err := f.m.Deposit(wad(1_000), "lp")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(shares, wad(1_000)), "empty pool converts 1:1")

	burned, err := f.m.Withdraw(wad(400), "lp")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(burned, wad(400)))
	assert.True(t, fpmath.Eq(f.m.BalanceOf("lp"), wad(600)))
	assert.True(t, fpmath.Eq(f.m.Floating().Assets, wad(600)))
	assert.True(t, fpmath.Eq(f.custody.wallets["lp"], wad(400)))

	assets, err := f.m.Redeem(wad(600), "lp")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(assets, wad(600)))
	assert.True(t, fpmath.IsZero(f.m.TotalSupply()))
	require.NoError(t, f.m.CheckConsistency())
}

func TestFloatingWithdrawNeedsShares(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(100))

	_, err := f.m.Withdraw(wad(101), "lp")
	assert.ErrorIs(t, err, ErrInsufficientShares)

	_, err = f.m.Deposit(uint256.Int{}, "lp")
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestFloatingWithdrawBlockedByBackupBorrowing(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	_, err := f.m.BorrowAtMaturity(f.nextMaturity(), wad(500), wad(1_000), "bob")
	require.NoError(t, err)

	_, err = f.m.Withdraw(wad(600), "lp")
	assert.ErrorIs(t, err, ErrInsufficientProtocolLiquidity)

	_, err = f.m.Withdraw(wad(400), "lp")
	assert.NoError(t, err)
}

func TestFloatingWithdrawRunsShortfallCheck(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(100))
	f.auditor.shortfallErr = errors.New("auditor: shortfall")

	_, err := f.m.Withdraw(wad(10), "lp")
	assert.Error(t, err)
	err = f.m.Transfer("lp", "other", wad(10))
	assert.Error(t, err)
	assert.True(t, fpmath.Eq(f.m.BalanceOf("lp"), wad(100)))
}

func TestFloatingTransfer(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(100))

	require.NoError(t, f.m.Transfer("lp", "other", wad(30)))
	assert.True(t, fpmath.Eq(f.m.BalanceOf("lp"), wad(70)))
	assert.True(t, fpmath.Eq(f.m.BalanceOf("other"), wad(30)))
	assert.ErrorIs(t, f.m.Transfer("lp", "other", wad(71)), ErrInsufficientShares)
	require.NoError(t, f.m.CheckConsistency())
}

func TestFloatingBorrowAccruesInterest(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))

	shares, err := f.m.Borrow(wad(100), "bob")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(shares, wad(100)))

	f.clk.Add(365 * 24 * time.Hour)
	debt := f.m.PreviewDebt(f.now(), "bob")
	assert.True(t, fpmath.Gt(debt, wad(100)))
	assert.True(t, fpmath.Gt(f.m.TotalAssets(f.now()), wad(1_000)), "depositors earn the interest")

	f.custody.fund("bob", wad(10))
	paid, burned, err := f.m.Refund(shares, "bob")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(burned, shares))
	assert.True(t, fpmath.Eq(paid, debt))
	assert.True(t, fpmath.IsZero(f.m.Floating().Debt))
	assert.True(t, fpmath.IsZero(f.m.Floating().TotalBorrowShares))
	require.NoError(t, f.m.CheckConsistency())
}

func TestFloatingRateCountsBackupLending(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	_, err := f.m.BorrowAtMaturity(f.nextMaturity(), wad(300), wad(1_000), "carol")
	require.NoError(t, err)
	_, err = f.m.Borrow(wad(200), "bob")
	require.NoError(t, err)

	fl := f.m.st.floating
	floatingU := fl.FloatingUtilization()
	globalU := fl.GlobalUtilization()
	require.True(t, fpmath.Lt(floatingU, globalU))

	f.clk.Add(30 * 24 * time.Hour)
	newDebt, _ := f.m.projectedDebt(f.now())

	rate, err := f.m.irm.FloatingRate(floatingU, globalU)
	require.NoError(t, err)
	elapsed := f.now() - fl.LastDebtUpdate
	want := fpmath.MulWadDown(fl.Debt, fpmath.MulDiv(rate, fpmath.N(elapsed), fpmath.N(fpmath.Year), fpmath.RoundDown))
	assert.True(t, fpmath.Eq(newDebt, want))

	spot, err := f.m.irm.FloatingRate(floatingU, floatingU)
	require.NoError(t, err)
	assert.True(t, fpmath.Gt(rate, spot), "backup lending raises the floating rate")
}

func TestFloatingRepayNeverOverCharges(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	_, err := f.m.Borrow(wad(100), "bob")
	require.NoError(t, err)
	f.clk.Add(90 * 24 * time.Hour)

	f.custody.fund("bob", wad(10))
	paid, _, err := f.m.Repay(wad(50), "bob")
	require.NoError(t, err)
	assert.True(t, fpmath.Lte(paid, wad(50)))
}

func TestFloatingBorrowRespectsReserve(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))

	_, err := f.m.Borrow(wad(901), "bob")
	assert.ErrorIs(t, err, ErrInsufficientProtocolLiquidity)
	assert.True(t, fpmath.IsZero(f.m.Floating().Debt))
}

// ===== Liquidation =====

func TestLiquidateSameMarket(t *testing.T) {
	f := newFixture(t, "usdc")
	f.custody.fund("bob", wad(1_000))
	_, err := f.m.Deposit(wad(1_000), "bob")
	require.NoError(t, err)
	_, err = f.m.Borrow(wad(500), "bob")
	require.NoError(t, err)
	f.custody.fund("keeper", wad(100))

	_, err = f.m.Liquidate("bob", "bob", wad(100), f.m)
	assert.ErrorIs(t, err, ErrSelfLiquidation)

	repaid, err := f.m.Liquidate("keeper", "bob", wad(100), f.m)
	require.NoError(t, err)

	assert.True(t, fpmath.Eq(repaid, wad(100)))
	assert.True(t, fpmath.Eq(f.m.BalanceOf("bob"), wad(890)))
	assert.True(t, fpmath.Eq(f.custody.wallets["keeper"], wad(110)))
	assert.True(t, fpmath.Eq(f.m.PreviewDebt(f.now(), "bob"), wad(400)))
	assert.True(t, fpmath.Eq(f.custody.held, wad(490)))
	assert.Equal(t, []string{"bob"}, f.auditor.badDebtCalls)
	require.NoError(t, f.m.CheckConsistency())
}

func TestLiquidateAcrossMarkets(t *testing.T) {
	clk := clock.NewMock()
	setClock(clk, time.Unix(int64(start), 0))
	txm := txn.NewManager(clk)
	auditor := &fakeAuditor{bonus: fpmath.MustParseWad("0.05"), lendersBonus: fpmath.MustParseWad("0.01")}
	debtMarket := newFixtureOn(t, "usdc", txm, clk, auditor)
	collateralMarket := newFixtureOn(t, "weth", txm, clk, auditor)

	collateralMarket.custody.fund("bob", wad(1_000))
	_, err := collateralMarket.m.Deposit(wad(1_000), "bob")
	require.NoError(t, err)
	debtMarket.seedFloating(t, "lp", wad(1_000))
	_, err = debtMarket.m.Borrow(wad(200), "bob")
	require.NoError(t, err)

	limit := wad(100)
	auditor.liquidityCap = &limit
	debtMarket.custody.fund("keeper", wad(200))

	repaid, err := debtMarket.m.Liquidate("keeper", "bob", wad(1_000), collateralMarket.m)
	require.NoError(t, err)

	lenders := fpmath.MulWadDown(repaid, auditor.lendersBonus)
	assert.True(t, fpmath.Lte(repaid, wad(100)))
	assert.True(t, fpmath.Eq(debtMarket.m.Floating().EarningsAccumulator, lenders))
	assert.True(t, fpmath.Eq(debtMarket.custody.wallets["keeper"], fpmath.Sub(wad(200), fpmath.Add(repaid, lenders))))
	seized := collateralMarket.custody.wallets["keeper"]
	assert.True(t, fpmath.Eq(seized, fpmath.MulWadDown(repaid, fpmath.MustParseWad("1.06"))))
	require.NoError(t, debtMarket.m.CheckConsistency())
	require.NoError(t, collateralMarket.m.CheckConsistency())
}

func TestLiquidateRepaysMaturedBorrowWithPenalty(t *testing.T) {
	f := newFixture(t, "usdc")
	f.custody.fund("bob", wad(1_000))
	_, err := f.m.Deposit(wad(1_000), "bob")
	require.NoError(t, err)
	f.clk.Add(24 * time.Hour)
	maturity := f.nextMaturity()
	owed, err := f.m.BorrowAtMaturity(maturity, wad(100), wad(200), "bob")
	require.NoError(t, err)

	setClock(f.clk, time.Unix(int64(maturity+fpmath.Day), 0))
	f.custody.fund("keeper", wad(1_000))
	repaid, err := f.m.Liquidate("keeper", "bob", wad(1_000), f.m)
	require.NoError(t, err)

	penalty := fpmath.MulWadDown(owed, fpmath.Mul(fpmath.N(fpmath.Day), testParameters().PenaltyRate))
	assert.True(t, fpmath.Eq(repaid, fpmath.Add(owed, penalty)))
	assert.Equal(t, 0, f.m.Account("bob").FixedBorrows.Len())
	require.NoError(t, f.m.CheckConsistency())
}

func TestSeizeZeroAmount(t *testing.T) {
	f := newFixture(t, "usdc")
	err := f.m.txm.Do(func(tx *txn.Tx) error {
		return f.m.Seize(tx, "usdc", "keeper", "bob", uint256.Int{})
	})
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestMarketReentrancy(t *testing.T) {
	f := newFixture(t, "usdc")
	err := f.m.txm.Do(func(tx *txn.Tx) error {
		release, err := f.m.enter(tx)
		require.NoError(t, err)
		defer release()
		_, err = f.m.enter(tx)
		return err
	})
	assert.ErrorIs(t, err, txn.ErrReentrancy)
}

// hookCustody runs onTransferIn before moving funds, the way a token with
// transfer callbacks would.
type hookCustody struct {
	*memCustody
	onTransferIn func() error
}

func (c *hookCustody) TransferIn(from string, amount uint256.Int) error {
	if c.onTransferIn != nil {
		if err := c.onTransferIn(); err != nil {
			return err
		}
	}
	return c.memCustody.TransferIn(from, amount)
}

func TestCustodyCallbackCannotReenter(t *testing.T) {
	clk := clock.NewMock()
	setClock(clk, time.Unix(int64(start), 0))
	model, err := irm.New(irm.DefaultParameters())
	require.NoError(t, err)
	custody := &hookCustody{memCustody: newMemCustody()}
	m, err := New(Config{ID: "usdc", Asset: "USDC", Decimals: 18, Params: testParameters()},
		txn.NewManager(clk), &fakeAuditor{}, model, custody, zerolog.Nop())
	require.NoError(t, err)

	custody.fund("alice", wad(200))
	var inner error
	custody.onTransferIn = func() error {
		_, inner = m.Deposit(wad(100), "alice")
		return inner
	}

	_, err = m.Deposit(wad(100), "alice")
	assert.ErrorIs(t, err, txn.ErrReentrancy)
	assert.ErrorIs(t, inner, txn.ErrReentrancy)
	assert.True(t, fpmath.IsZero(m.BalanceOf("alice")))
	assert.True(t, fpmath.IsZero(m.Floating().Assets))
	assert.True(t, fpmath.Eq(custody.wallets["alice"], wad(200)))

	custody.onTransferIn = nil
	_, err = m.Deposit(wad(100), "alice")
	require.NoError(t, err)
	require.NoError(t, m.CheckConsistency())
}

type brokenOutCustody struct {
	*memCustody
}

func (c *brokenOutCustody) TransferOut(string, uint256.Int) error {
	return errors.New("custody offline")
}

func TestFailedCompensationIsLogged(t *testing.T) {
	clk := clock.NewMock()
	setClock(clk, time.Unix(int64(start), 0))
	model, err := irm.New(irm.DefaultParameters())
	require.NoError(t, err)
	custody := &brokenOutCustody{memCustody: newMemCustody()}
	var buf bytes.Buffer
	m, err := New(Config{ID: "usdc", Asset: "USDC", Decimals: 18, Params: testParameters()},
		txn.NewManager(clk), &fakeAuditor{}, model, custody, zerolog.New(&buf))
	require.NoError(t, err)
	custody.fund("alice", wad(10))

	err = m.txm.Do(func(tx *txn.Tx) error {
		m.pull(tx, "alice", wad(10))
		m.push(tx, "bob", wad(5))
		return nil
	})
	assert.ErrorContains(t, err, "custody offline")
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "custody compensation failed")
	assert.Contains(t, buf.String(), `"account":"alice"`)
}

// ===== Conservation =====

// assertBalanced checks that what the market holds or is owed covers what
// it owes, and that floating lenders can still cover every outstanding
// loan the market made.
func assertBalanced(t *testing.T, f *fixture, step string) {
	t.Helper()
	st := f.m.st
	var supplied, borrowed, unassigned, deposits, borrows uint256.Int
	for _, p := range st.fixedPools {
		supplied = fpmath.Add(supplied, p.Supplied)
		borrowed = fpmath.Add(borrowed, p.Borrowed)
		unassigned = fpmath.Add(unassigned, p.UnassignedEarnings)
	}
	for _, byAccount := range st.fixedDeposits {
		for _, p := range byAccount {
			deposits = fpmath.Add(deposits, p.Total())
		}
	}
	for _, byAccount := range st.fixedBorrows {
		for _, p := range byAccount {
			borrows = fpmath.Add(borrows, p.Total())
		}
	}
	fl := st.floating

	// Rounding in share and position maths may leave dust.
	dust := fpmath.N(1_000)
	held := fpmath.Add(fpmath.Add(f.custody.held, fl.Debt), fpmath.Add(borrows, dust))
	owed := fpmath.Add(fpmath.Add(fl.Assets, fl.EarningsAccumulator), fpmath.Add(deposits, unassigned))
	assert.True(t, fpmath.Gte(held, owed), "%s: held %s < owed %s", step, held.Dec(), owed.Dec())

	lenders := fpmath.Add(fl.Assets, supplied)
	loans := fpmath.Add(fl.Debt, borrowed)
	assert.True(t, fpmath.Gte(lenders, loans), "%s: lenders %s < loans %s", step, lenders.Dec(), loans.Dec())
	require.NoError(t, f.m.CheckConsistency(), step)
}

func TestMixedSequenceStaysBalanced(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(2_000))
	assertBalanced(t, f, "seed")
	maturity := f.nextMaturity()

	steps := []struct {
		name string
		run  func() error
	}{
		{"fixed deposit", func() error {
			f.custody.fund("alice", wad(300))
			_, err := f.m.DepositAtMaturity(maturity, wad(300), uint256.Int{}, "alice")
			return err
		}},
		{"collateral", func() error {
			f.custody.fund("bob", wad(1_000))
			_, err := f.m.Deposit(wad(1_000), "bob")
			return err
		}},
		{"fixed borrow with backup", func() error {
			_, err := f.m.BorrowAtMaturity(maturity, wad(600), wad(1_000), "bob")
			return err
		}},
		{"fixed deposit earns", func() error {
			f.custody.fund("carol", wad(200))
			_, err := f.m.DepositAtMaturity(maturity, wad(200), uint256.Int{}, "carol")
			return err
		}},
		{"floating borrow", func() error {
			_, err := f.m.Borrow(wad(400), "bob")
			return err
		}},
		{"time passes", func() error {
			f.clk.Add(10 * 24 * time.Hour)
			return nil
		}},
		{"early fixed repay", func() error {
			f.custody.fund("bob", wad(100))
			_, err := f.m.RepayAtMaturity(maturity, wad(100), wad(100), "bob")
			return err
		}},
		{"early fixed withdraw", func() error {
			_, err := f.m.WithdrawAtMaturity(maturity, wad(100), uint256.Int{}, "alice")
			return err
		}},
		{"floating withdraw", func() error {
			_, err := f.m.Withdraw(wad(200), "lp")
			return err
		}},
		{"floating repay", func() error {
			f.custody.fund("bob", wad(150))
			_, _, err := f.m.Repay(wad(150), "bob")
			return err
		}},
		{"past maturity", func() error {
			setClock(f.clk, time.Unix(int64(maturity+fpmath.Day), 0))
			return nil
		}},
		{"liquidation", func() error {
			f.custody.fund("keeper", wad(300))
			_, err := f.m.Liquidate("keeper", "bob", wad(300), f.m)
			return err
		}},
		{"matured withdraw", func() error {
			position := f.m.FixedDepositPosition(maturity, "carol")
			_, err := f.m.WithdrawAtMaturity(maturity, position.Total(), uint256.Int{}, "carol")
			return err
		}},
		{"late fixed repay", func() error {
			position := f.m.FixedBorrowPosition(maturity, "bob")
			if position.IsZero() {
				return nil
			}
			f.custody.fund("bob", wad(1_000))
			_, err := f.m.RepayAtMaturity(maturity, position.Total(), wad(1_000), "bob")
			return err
		}},
	}
	for _, s := range steps {
		require.NoError(t, s.run(), s.name)
		assertBalanced(t, f, s.name)
	}
	assert.Equal(t, 0, f.m.Account("bob").FixedBorrows.Len())
}

// ===== Bad debt =====

func TestClearBadDebtSplitsAccumulatorAndLoss(t *testing.T) {
	f := newFixture(t, "usdc")
	f.custody.fund("lp", wad(1_000))
	_, err := f.m.Deposit(wad(1_000), "lp")
	require.NoError(t, err)
	_, err = f.m.Borrow(wad(100), "bob")
	require.NoError(t, err)
	f.m.st.floating.EarningsAccumulator = wad(30)

	err = f.m.txm.Do(func(tx *txn.Tx) error { return f.m.ClearBadDebt(tx, "intruder", "bob") })
	assert.ErrorIs(t, err, ErrNotAuditor)

	err = f.m.txm.Do(func(tx *txn.Tx) error { return f.m.ClearBadDebt(tx, "auditor", "bob") })
	require.NoError(t, err)

	fl := f.m.Floating()
	assert.True(t, fl.EarningsAccumulator.IsZero())
	assert.True(t, fpmath.Eq(fl.Assets, wad(930)), "loss beyond the accumulator hits depositors")
	assert.True(t, fl.Debt.IsZero())
	assert.True(t, fl.TotalBorrowShares.IsZero())
	assert.True(t, fpmath.IsZero(f.m.PreviewDebt(f.now(), "bob")))
	require.NoError(t, f.m.CheckConsistency())
}

func TestClearBadDebtFixedBorrow(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	maturity := f.nextMaturity()
	owed, err := f.m.BorrowAtMaturity(maturity, wad(100), wad(200), "bob")
	require.NoError(t, err)
	assetsBefore := f.m.Floating().Assets
	require.True(t, fpmath.IsZero(f.m.Floating().EarningsAccumulator))

	err = f.m.txm.Do(func(tx *txn.Tx) error { return f.m.ClearBadDebt(tx, "auditor", "bob") })
	require.NoError(t, err)

	fl := f.m.Floating()
	assert.True(t, fpmath.Eq(fl.Assets, fpmath.Sub(assetsBefore, owed)))
	assert.True(t, fl.BackupBorrowed.IsZero())
	assert.Equal(t, 0, f.m.Account("bob").FixedBorrows.Len())
	require.NoError(t, f.m.CheckConsistency())
}

func TestLiquidateFixedBorrowBackedByFixedDeposits(t *testing.T) {
	clk := clock.NewMock()
	setClock(clk, time.Unix(int64(start), 0))
	txm := txn.NewManager(clk)
	auditor := &fakeAuditor{bonus: fpmath.MustParseWad("0.1")}
	debtMarket := newFixtureOn(t, "usdc", txm, clk, auditor)
	collateralMarket := newFixtureOn(t, "weth", txm, clk, auditor)
	auditor.clears = []*Market{debtMarket.m}

	maturity := debtMarket.nextMaturity()
	debtMarket.custody.fund("lp", wad(1_000))
	_, err := debtMarket.m.DepositAtMaturity(maturity, wad(1_000), uint256.Int{}, "lp")
	require.NoError(t, err)
	collateralMarket.custody.fund("bob", wad(1_000))
	_, err = collateralMarket.m.Deposit(wad(1_000), "bob")
	require.NoError(t, err)
	_, err = debtMarket.m.BorrowAtMaturity(maturity, wad(900), wad(2_000), "bob")
	require.NoError(t, err)
	require.True(t, fpmath.IsZero(debtMarket.m.Floating().BackupBorrowed))

	limit := wad(400)
	auditor.liquidityCap = &limit
	debtMarket.custody.fund("keeper", wad(400))

	repaid, err := debtMarket.m.Liquidate("keeper", "bob", fpmath.MaxUint256, collateralMarket.m)
	require.NoError(t, err)

	assert.True(t, fpmath.Gt(repaid, uint256.Int{}))
	assert.True(t, fpmath.Lte(repaid, wad(400)))
	// Nothing in the floating pool can absorb the rest, so it stays owed.
	rest := debtMarket.m.FixedBorrowPosition(maturity, "bob")
	assert.False(t, rest.IsZero())
	assert.True(t, debtMarket.m.Account("bob").FixedBorrows.Has(maturity))
	assert.True(t, fpmath.IsZero(debtMarket.m.Floating().Assets))
	require.NoError(t, debtMarket.m.CheckConsistency())
	require.NoError(t, collateralMarket.m.CheckConsistency())
}

func TestClearBadDebtLeavesUncoveredDebt(t *testing.T) {
	f := newFixture(t, "usdc")
	maturity := f.nextMaturity()
	f.custody.fund("lp", wad(1_000))
	_, err := f.m.DepositAtMaturity(maturity, wad(1_000), uint256.Int{}, "lp")
	require.NoError(t, err)
	owed, err := f.m.BorrowAtMaturity(maturity, wad(900), wad(2_000), "bob")
	require.NoError(t, err)

	err = f.m.txm.Do(func(tx *txn.Tx) error { return f.m.ClearBadDebt(tx, "auditor", "bob") })
	require.NoError(t, err)
	position := f.m.FixedBorrowPosition(maturity, "bob")
	assert.True(t, fpmath.Eq(position.Total(), owed))
	require.NoError(t, f.m.CheckConsistency())

	// Once floating depositors can absorb it, the debt is written off.
	f.seedFloating(t, "lp2", wad(2_000))
	fl := f.m.Floating()
	assetsBefore := fl.Assets
	fp := f.m.FixedPool(maturity)
	unassigned := fp.UnassignedEarnings

	err = f.m.txm.Do(func(tx *txn.Tx) error { return f.m.ClearBadDebt(tx, "auditor", "bob") })
	require.NoError(t, err)

	fl = f.m.Floating()
	assert.True(t, fpmath.Gte(fl.Assets, fpmath.Sub(assetsBefore, owed)))
	assert.True(t, fpmath.Lte(fl.Assets, fpmath.Sub(fpmath.Add(assetsBefore, unassigned), owed)))
	assert.Equal(t, 0, f.m.Account("bob").FixedBorrows.Len())
	fp = f.m.FixedPool(maturity)
	assert.True(t, fpmath.IsZero(fp.Borrowed))
	require.NoError(t, f.m.CheckConsistency())
}

func TestCheckConsistencyMatchesEachSetToItsTable(t *testing.T) {
	f := newFixture(t, "usdc")
	f.seedFloating(t, "lp", wad(1_000))
	maturity := f.nextMaturity()
	f.custody.fund("bob", wad(100))
	_, err := f.m.DepositAtMaturity(maturity, wad(100), uint256.Int{}, "bob")
	require.NoError(t, err)
	_, err = f.m.BorrowAtMaturity(maturity, wad(50), wad(100), "bob")
	require.NoError(t, err)
	require.NoError(t, f.m.CheckConsistency())

	// A deposit listed only under borrows is still out of step.
	f.m.account("bob").FixedDeposits.Remove(maturity)
	err = f.m.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deposit position")

	f.m.account("bob").FixedDeposits.Add(maturity)
	f.m.account("bob").FixedBorrows.Remove(maturity)
	err = f.m.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "borrow position")
}

func TestParametersValidate(t *testing.T) {
	p := testParameters()
	require.NoError(t, p.Validate())

	p.MaxFuturePools = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidParameter)

	p = testParameters()
	p.TreasuryFeeRate = fpmath.MustParseWad("0.1")
	assert.ErrorIs(t, p.Validate(), ErrInvalidParameter)
	p.Treasury = "treasury"
	assert.NoError(t, p.Validate())
}

// setClock moves clk to at. The mock only moves by offsets.
func setClock(clk *clock.Mock, at time.Time) {
	clk.Add(at.Sub(clk.Now()))
}
