package protocol

import (
	"bytes"
	"testing"
	"time"

	"CreditLedger/internal/auditor"
	"CreditLedger/internal/irm"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/market"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/oracle"
	"CreditLedger/internal/pool"

	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "aaaaaaaa-0000-0000-0000-000000000001"
	bob   = "bbbbbbbb-0000-0000-0000-000000000002"
)

func wad(v uint64) uint256.Int { return fpmath.Wad(v) }

func testConfig() Config {
	params := market.Parameters{
		MaxFuturePools:                  3,
		EarningsAccumulatorSmoothFactor: fpmath.WAD,
		PenaltyRate:                     fpmath.Div(fpmath.MustParseWad("0.02"), fpmath.N(fpmath.Day)),
		BackupFeeRate:                   fpmath.MustParseWad("0.1"),
		ReserveFactor:                   fpmath.MustParseWad("0.1"),
		DampSpeedUp:                     fpmath.MustParseWad("0.0046"),
		DampSpeedDown:                   fpmath.MustParseWad("0.42"),
	}
	return Config{
		AuditorID: "auditor",
		Incentive: auditor.LiquidationIncentive{
			Liquidator: fpmath.MustParseWad("0.09"),
			Lenders:    fpmath.MustParseWad("0.01"),
		},
		Markets: []MarketConfig{
			{ID: "usdc", Asset: "USDC", Decimals: 6, AdjustFactor: fpmath.MustParseWad("0.9"), Curves: irm.DefaultParameters(), Params: params},
			{ID: "weth", Asset: "WETH", Decimals: 18, AdjustFactor: fpmath.MustParseWad("0.8"), Curves: irm.DefaultParameters(), Params: params},
		},
	}
}

type fixture struct {
	t    *testing.T
	clk  *clock.Mock
	book *oracle.PriceBook
	p    *Protocol
	seq  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	setClock(clk, time.Unix(int64(100*pool.Interval+1_000), 0))
	book := oracle.NewPriceBook(clk, 0)
	p, err := New(testConfig(), clk, book, ledger.NewVault(), zerolog.Nop())
	require.NoError(t, err)
	f := &fixture{t: t, clk: clk, book: book, p: p}
	f.price("usdc", "1")
	f.price("weth", "2000")
	return f
}

func (f *fixture) price(marketID, price string) {
	f.seq++
	require.True(f.t, f.book.Update(marketID, fpmath.MustParseWad(price), f.seq, f.clk.Now()))
}

func (f *fixture) market(id string) *market.Market {
	m, err := f.p.Market(id)
	require.NoError(f.t, err)
	return m
}

func usdc(v uint64) uint256.Int { return fpmath.Mul(fpmath.N(v), fpmath.Pow10(6)) }

func TestNewListsMarketsInOrder(t *testing.T) {
	f := newFixture(t)

	ids := make([]string, 0, 2)
	for _, m := range f.p.Markets() {
		ids = append(ids, m.ID())
	}
	assert.Equal(t, []string{"usdc", "weth"}, ids)
	assert.Equal(t, []string{"usdc", "weth"}, f.p.Auditor().Markets())

	_, err := f.p.Market("dai")
	assert.ErrorIs(t, err, ErrUnknownMarket)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Markets = append(cfg.Markets, cfg.Markets[0])
	_, err := New(cfg, clock.NewMock(), oracle.NewPriceBook(nil, 0), ledger.NewVault(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrDuplicateMarket)

	cfg = testConfig()
	cfg.Markets[1].AdjustFactor = fpmath.MustParseWad("1.5")
	_, err = New(cfg, clock.NewMock(), oracle.NewPriceBook(nil, 0), ledger.NewVault(), zerolog.Nop())
	assert.ErrorIs(t, err, auditor.ErrInvalidParameter)

	cfg = testConfig()
	cfg.Incentive.Liquidator = fpmath.WAD
	_, err = New(cfg, clock.NewMock(), oracle.NewPriceBook(nil, 0), ledger.NewVault(), zerolog.Nop())
	assert.ErrorIs(t, err, auditor.ErrInvalidParameter)
}

func TestWalletCreditAndDebit(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.p.Credit(alice, "usdc", usdc(100)))
	require.NoError(t, f.p.Debit(alice, "usdc", usdc(40)))
	balance, err := f.p.WalletBalance(alice, "usdc")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(balance, usdc(60)))

	assert.ErrorIs(t, f.p.Debit(alice, "usdc", usdc(61)), ledger.ErrInsufficientBalance)
	assert.ErrorIs(t, f.p.Credit("not-a-uuid", "usdc", usdc(1)), ledger.ErrInvalidAccount)
	assert.ErrorIs(t, f.p.Credit(alice, "usdc", uint256.Int{}), market.ErrZeroAmount)

	balance, err = f.p.WalletBalance(alice, "usdc")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(balance, usdc(60)))
	require.NoError(t, f.p.CheckInvariants())
}

func TestPreviewReportsPositions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.Credit(alice, "usdc", usdc(10_000)))
	require.NoError(t, f.p.Credit(bob, "weth", wad(1)))

	_, err := f.market("usdc").Deposit(usdc(10_000), alice)
	require.NoError(t, err)
	_, err = f.market("weth").Deposit(wad(1), bob)
	require.NoError(t, err)
	require.NoError(t, f.p.Auditor().EnterMarket(bob, "weth"))
	// Let the floating assets average catch up with the deposit.
	f.clk.Add(24 * time.Hour)

	maturity := pool.Latest(uint64(f.clk.Now().Unix())) + pool.Interval
	_, err = f.market("usdc").BorrowAtMaturity(maturity, usdc(500), usdc(600), bob)
	require.NoError(t, err)
	_, err = f.market("usdc").Borrow(usdc(300), bob)
	require.NoError(t, err)

	preview, err := f.p.Preview(bob)
	require.NoError(t, err)
	require.Len(t, preview.Markets, 2)

	usdcAcc, wethAcc := preview.Markets[0], preview.Markets[1]
	assert.Equal(t, "usdc", usdcAcc.Market)
	assert.True(t, usdcAcc.IsCollateral)
	require.Len(t, usdcAcc.FixedBorrows, 1)
	assert.Equal(t, maturity, usdcAcc.FixedBorrows[0].Maturity)
	assert.True(t, fpmath.Eq(usdcAcc.FixedBorrows[0].Principal, usdc(500)))
	assert.True(t, fpmath.Eq(usdcAcc.FloatingBorrowAssets, usdc(300)))
	assert.True(t, fpmath.Gt(usdcAcc.DebtValue(), wad(800)))

	assert.True(t, wethAcc.IsCollateral)
	assert.True(t, fpmath.Eq(wethAcc.FloatingDepositAssets, wad(1)))
	assert.True(t, fpmath.Eq(wethAcc.CollateralValue(), wad(2_000)))
	assert.True(t, fpmath.Eq(preview.AdjustedCollateral, wad(1_600)))
	assert.False(t, preview.Shortfall())

	f.price("weth", "900")
	preview, err = f.p.Preview(bob)
	require.NoError(t, err)
	assert.True(t, preview.Shortfall())

	assert.Equal(t, []string{alice, bob}, f.p.Accounts())
	require.NoError(t, f.p.CheckInvariants())
}

func TestPreviewWithoutPriceIsNotShortfall(t *testing.T) {
	clk := clock.NewMock()
	setClock(clk, time.Unix(int64(100*pool.Interval), 0))
	p, err := New(testConfig(), clk, oracle.NewPriceBook(clk, 0), ledger.NewVault(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Auditor().EnterMarket(alice, "usdc"))

	preview, err := p.Preview(alice)
	require.NoError(t, err)
	assert.NotEmpty(t, preview.PriceError)
	assert.False(t, preview.Shortfall())
}

func TestLiquidateThroughProtocol(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.Credit(alice, "usdc", usdc(10_000)))
	require.NoError(t, f.p.Credit(bob, "weth", wad(1)))
	_, err := f.market("usdc").Deposit(usdc(10_000), alice)
	require.NoError(t, err)
	_, err = f.market("weth").Deposit(wad(1), bob)
	require.NoError(t, err)
	require.NoError(t, f.p.Auditor().EnterMarket(bob, "weth"))
	_, err = f.market("usdc").Borrow(usdc(1_400), bob)
	require.NoError(t, err)

	_, err = f.p.Liquidate(alice, bob, "usdc", "weth", fpmath.MaxUint256)
	assert.ErrorIs(t, err, auditor.ErrInsufficientShortfall)

	f.price("weth", "1500")
	const keeper = "cccccccc-0000-0000-0000-000000000003"
	require.NoError(t, f.p.Credit(keeper, "usdc", usdc(5_000)))
	repaid, err := f.p.Liquidate(keeper, bob, "usdc", "weth", fpmath.MaxUint256)
	require.NoError(t, err)
	assert.False(t, repaid.IsZero())

	// Seized collateral is paid out to the liquidator's wallet.
	seized, err := f.p.WalletBalance(keeper, "weth")
	require.NoError(t, err)
	assert.False(t, seized.IsZero())
	assert.True(t, fpmath.IsZero(f.market("weth").MaxWithdraw(uint64(f.clk.Now().Unix()), keeper)))

	_, err = f.p.Liquidate(keeper, bob, "dai", "weth", fpmath.MaxUint256)
	assert.ErrorIs(t, err, ErrUnknownMarket)
	require.NoError(t, f.p.CheckInvariants())
}

func TestDigestTracksState(t *testing.T) {
	f := newFixture(t)
	before := f.p.Digest()
	assert.Equal(t, before, f.p.Digest())

	require.NoError(t, f.p.Credit(alice, "usdc", usdc(100)))
	afterCredit := f.p.Digest()
	assert.False(t, bytes.Equal(before, afterCredit))

	_, err := f.market("usdc").Deposit(usdc(100), alice)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(afterCredit, f.p.Digest()))
}

func TestMarketViews(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.Credit(alice, "usdc", usdc(1_000)))
	_, err := f.market("usdc").Deposit(usdc(1_000), alice)
	require.NoError(t, err)

	views, err := f.p.MarketViews()
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "usdc", views[0].ID)
	assert.True(t, fpmath.Eq(views[0].TotalAssets, usdc(1_000)))
	assert.True(t, fpmath.Eq(views[0].CustodyBalance, usdc(1_000)))
	assert.True(t, fpmath.Eq(views[0].Price, fpmath.WAD))
	assert.True(t, views[1].TotalSupply.IsZero())
}

// setClock moves clk to at. The mock only moves by offsets.
func setClock(clk *clock.Mock, at time.Time) {
	clk.Add(at.Sub(clk.Now()))
}
