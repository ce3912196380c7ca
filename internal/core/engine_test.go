package core_test

import (
	"fmt"
	"testing"
	"time"

	"CreditLedger/internal/auditor"
	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/irm"
	"CreditLedger/internal/market"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice     = "aaaaaaaa-0000-0000-0000-000000000001"
	bob       = "bbbbbbbb-0000-0000-0000-000000000002"
	keeperAcc = "cccccccc-0000-0000-0000-000000000003"
)

var baseUs = int64(100*pool.Interval+1_000) * 1_000_000

func usdc(v uint64) uint256.Int { return fpmath.Mul(fpmath.N(v), fpmath.Pow10(6)) }

func testConfig(keeper string) core.Config {
	params := market.Parameters{
		MaxFuturePools:                  3,
		EarningsAccumulatorSmoothFactor: fpmath.WAD,
		PenaltyRate:                     fpmath.Div(fpmath.MustParseWad("0.02"), fpmath.N(fpmath.Day)),
		BackupFeeRate:                   fpmath.MustParseWad("0.1"),
		ReserveFactor:                   fpmath.MustParseWad("0.1"),
		DampSpeedUp:                     fpmath.MustParseWad("0.0046"),
		DampSpeedDown:                   fpmath.MustParseWad("0.42"),
	}
	return core.Config{
		Protocol: protocol.Config{
			AuditorID: "auditor",
			Incentive: auditor.LiquidationIncentive{
				Liquidator: fpmath.MustParseWad("0.09"),
				Lenders:    fpmath.MustParseWad("0.01"),
			},
			Markets: []protocol.MarketConfig{
				{ID: "usdc", Asset: "USDC", Decimals: 6, AdjustFactor: fpmath.MustParseWad("0.9"), Curves: irm.DefaultParameters(), Params: params},
				{ID: "weth", Asset: "WETH", Decimals: 18, AdjustFactor: fpmath.MustParseWad("0.8"), Curves: irm.DefaultParameters(), Params: params},
			},
		},
		KeeperAccount: keeper,
		LRUCapacity:   1024,
	}
}

// --- Test harness ---

type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	seqs    map[string]int64
	n       int64
}

func newHarness(t *testing.T, keeper string) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c, err := core.NewDeterministicCore(testConfig(keeper), persist, proj, nil, metrics, zerolog.Nop())
	require.NoError(t, err)
	return &harness{t: t, core: c, persist: persist, proj: proj, seqs: make(map[string]int64)}
}

func (h *harness) meta(partition string) event.Meta {
	seq := h.seqs[partition]
	h.seqs[partition]++
	h.n++
	return event.Meta{
		CommandID:   fmt.Sprintf("cmd-%d", h.n),
		Sequence:    seq,
		TimestampUs: baseUs + h.n,
	}
}

// drain returns every envelope persisted since the last call.
func (h *harness) drain() []*event.EventEnvelope {
	var out []*event.EventEnvelope
	for {
		select {
		case o := <-h.persist:
			out = append(out, o.Envelope)
		default:
			return out
		}
	}
}

// apply processes one command that must produce exactly one envelope.
func (h *harness) apply(evt event.Event) *event.EventEnvelope {
	h.t.Helper()
	require.NoError(h.t, h.core.ProcessEvent(evt))
	envs := h.drain()
	require.Len(h.t, envs, 1)
	return envs[0]
}

func (h *harness) credit(account, marketID string, amount uint256.Int) *event.EventEnvelope {
	return h.apply(&event.WalletCredit{Meta: h.meta("market:" + marketID), Account: account, Market: marketID, Amount: event.NewAmount(amount)})
}

func (h *harness) deposit(account, marketID string, amount uint256.Int) *event.EventEnvelope {
	return h.apply(&event.FloatingDeposit{Meta: h.meta("market:" + marketID), Account: account, Market: marketID, Assets: event.NewAmount(amount)})
}

func (h *harness) price(marketID, price string) []*event.EventEnvelope {
	h.t.Helper()
	partition := "price:" + marketID
	seq := h.seqs[partition] + 1
	h.seqs[partition] = seq
	h.n++
	require.NoError(h.t, h.core.ProcessEvent(&event.PriceUpdate{
		Meta:   event.Meta{Sequence: seq, TimestampUs: baseUs + h.n},
		Market: marketID,
		Price:  event.NewWad(fpmath.MustParseWad(price)),
	}))
	return h.drain()
}

// underwater leaves bob borrowing 1400 USDC against 1 WETH.
func (h *harness) underwater() {
	h.price("usdc", "1")
	h.price("weth", "2000")
	h.credit(alice, "usdc", usdc(10_000))
	h.deposit(alice, "usdc", usdc(10_000))
	h.credit(bob, "weth", fpmath.WAD)
	h.deposit(bob, "weth", fpmath.WAD)
	h.apply(&event.EnterMarket{Meta: h.meta("market:weth"), Account: bob, Market: "weth"})
	env := h.apply(&event.FloatingBorrow{Meta: h.meta("market:usdc"), Account: bob, Market: "usdc", Assets: event.NewAmount(usdc(1_400))})
	require.Equal(h.t, event.ResultApplied, env.Result, env.Error)
	h.credit(keeperAcc, "usdc", usdc(5_000))
}

// --- Tests ---

func TestCommandsAreSequencedAndChained(t *testing.T) {
	h := newHarness(t, "")

	first := h.credit(alice, "usdc", usdc(1_000))
	second := h.deposit(alice, "usdc", usdc(400))

	assert.Equal(t, int64(0), first.Sequence)
	assert.Equal(t, int64(1), second.Sequence)
	assert.Equal(t, event.ResultApplied, first.Result)
	assert.Equal(t, core.GenesisHash(), first.PrevHash)
	assert.Equal(t, first.StateHash, second.PrevHash)
	assert.Equal(t, second.StateHash, h.core.GetStateHash())
	assert.Equal(t, int64(2), h.core.GetSequence())
	assert.Equal(t, "shares=400000000", second.Output)
	assert.Equal(t, "usdc", *second.MarketID)
	assert.Equal(t, time.UnixMicro(baseUs+2), second.Timestamp)

	decoded, err := event.DecodeType(second.EventType, second.Payload)
	require.NoError(t, err)
	assert.Equal(t, "cmd-2", decoded.IdempotencyKey())

	balance, err := h.core.Protocol().WalletBalance(alice, "usdc")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(balance, usdc(600)))
}

func TestProjectionOutputCarriesMarketsAndAccounts(t *testing.T) {
	h := newHarness(t, "")
	h.credit(alice, "usdc", usdc(1_000))
	h.deposit(alice, "usdc", usdc(400))

	var last core.CoreOutput
	for len(h.proj) > 0 {
		last = <-h.proj
	}
	require.NotNil(t, last.Envelope)
	require.Len(t, last.Markets, 2)
	assert.True(t, fpmath.Eq(last.Markets[0].TotalAssets, usdc(400)))
	require.Len(t, last.Accounts, 1)
	assert.Equal(t, alice, last.Accounts[0].Account)
	require.Len(t, last.Batch.Journals, 1)
}

func TestRejectedCommandConsumesSequence(t *testing.T) {
	h := newHarness(t, "")
	h.credit(alice, "usdc", usdc(100))
	before := h.core.GetStateHash()

	env := h.apply(&event.WalletDebit{Meta: h.meta("market:usdc"), Account: alice, Market: "usdc", Amount: event.NewAmount(usdc(101))})
	assert.Equal(t, event.ResultRejected, env.Result)
	assert.Equal(t, core.KindInsufficientBalance, env.ErrorKind)
	assert.NotEmpty(t, env.Error)
	assert.Equal(t, int64(1), env.Sequence)
	assert.Equal(t, before, env.PrevHash)

	balance, err := h.core.Protocol().WalletBalance(alice, "usdc")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(balance, usdc(100)))

	env = h.apply(&event.FloatingDeposit{Meta: h.meta("market:usdc"), Account: alice, Market: "usdc", Assets: event.NewAmount(uint256.Int{})})
	assert.Equal(t, core.KindZeroAmount, env.ErrorKind)
	assert.Equal(t, int64(3), h.core.GetSequence())
}

func TestDuplicateCommandIsSkipped(t *testing.T) {
	h := newHarness(t, "")
	cmd := &event.WalletCredit{Meta: h.meta("market:usdc"), Account: alice, Market: "usdc", Amount: event.NewAmount(usdc(5))}
	h.apply(cmd)

	require.NoError(t, h.core.ProcessEvent(cmd))
	assert.Empty(t, h.drain())
	assert.Equal(t, int64(1), h.core.GetSequence())

	balance, err := h.core.Protocol().WalletBalance(alice, "usdc")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(balance, usdc(5)))
}

func TestSequenceGapIsRefused(t *testing.T) {
	h := newHarness(t, "")
	h.credit(alice, "usdc", usdc(5))

	meta := h.meta("market:usdc")
	meta.Sequence += 3
	err := h.core.ProcessEvent(&event.WalletCredit{Meta: meta, Account: alice, Market: "usdc", Amount: event.NewAmount(usdc(5))})
	assert.ErrorIs(t, err, core.ErrSequenceGap)
	assert.Empty(t, h.drain())
	assert.Equal(t, int64(1), h.core.GetSequence())

	// Other partitions are independent.
	h.credit(alice, "weth", fpmath.WAD)
	assert.Equal(t, int64(2), h.core.GetSequence())
}

func TestStalePriceIsIgnored(t *testing.T) {
	h := newHarness(t, "")
	h.seqs["price:weth"] = 4
	require.Len(t, h.price("weth", "2000"), 1)

	h.seqs["price:weth"] = 2
	assert.Empty(t, h.price("weth", "100"))

	h.seqs["price:weth"] = 9
	require.Len(t, h.price("weth", "2100"), 1)

	price, err := h.core.Prices().Price("weth")
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(price, fpmath.MustParseWad("2100")))
}

func TestPriceForUnknownMarketIsRejected(t *testing.T) {
	h := newHarness(t, "")
	envs := h.price("dai", "1")
	require.Len(t, envs, 1)
	assert.Equal(t, event.ResultRejected, envs[0].Result)
	assert.Equal(t, core.KindUnknownMarket, envs[0].ErrorKind)
}

func TestEventClockNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, "")
	h.credit(alice, "usdc", usdc(5))
	last := h.core.Now()

	meta := h.meta("market:usdc")
	meta.TimestampUs = baseUs - 1_000_000
	env := h.apply(&event.WalletCredit{Meta: meta, Account: alice, Market: "usdc", Amount: event.NewAmount(usdc(5))})
	assert.Equal(t, last, env.Timestamp)
}

func TestKeeperLiquidatesAfterPriceDrop(t *testing.T) {
	h := newHarness(t, keeperAcc)
	h.underwater()

	envs := h.price("weth", "1500")
	require.Len(t, envs, 2)
	assert.Equal(t, event.EventTypePriceUpdate, envs[0].EventType)

	liq := envs[1]
	assert.Equal(t, event.EventTypeLiquidate, liq.EventType)
	assert.Equal(t, event.ResultApplied, liq.Result, liq.Error)
	assert.Equal(t, "keeper:0:"+bob, liq.IdempotencyKey)
	assert.Equal(t, envs[0].StateHash, liq.PrevHash)

	evt, err := event.DecodeType(liq.EventType, liq.Payload)
	require.NoError(t, err)
	cmd := evt.(*event.Liquidate)
	assert.Equal(t, keeperAcc, cmd.Liquidator)
	assert.Equal(t, "usdc", cmd.RepayMarket)
	assert.Equal(t, "weth", cmd.SeizeMarket)
	assert.Equal(t, core.KeeperSource, cmd.Source)

	preview, err := h.core.Protocol().Preview(bob)
	require.NoError(t, err)
	assert.False(t, preview.Shortfall())
}

func TestKeeperCanBeDisabled(t *testing.T) {
	h := newHarness(t, keeperAcc)
	h.underwater()
	h.core.SetKeeperEnabled(false)

	require.Len(t, h.price("weth", "1500"), 1)
	preview, err := h.core.Protocol().Preview(bob)
	require.NoError(t, err)
	assert.True(t, preview.Shortfall())
}

func TestReplayReproducesStateHash(t *testing.T) {
	h := newHarness(t, keeperAcc)
	var log []*event.EventEnvelope
	h.price("usdc", "1")
	h.price("weth", "2000")
	h.credit(alice, "usdc", usdc(10_000))
	h.deposit(alice, "usdc", usdc(10_000))
	h.credit(bob, "weth", fpmath.WAD)
	h.deposit(bob, "weth", fpmath.WAD)

	// Rebuild the log from the projection stream, which saw everything.
	for len(h.proj) > 0 {
		if o := <-h.proj; o.Envelope != nil {
			log = append(log, o.Envelope)
		}
	}
	log = append(log, h.apply(&event.EnterMarket{Meta: h.meta("market:weth"), Account: bob, Market: "weth"}))
	log = append(log, h.apply(&event.FloatingBorrow{Meta: h.meta("market:usdc"), Account: bob, Market: "usdc", Assets: event.NewAmount(usdc(1_400))}))
	log = append(log, h.apply(&event.WalletDebit{Meta: h.meta("market:usdc"), Account: bob, Market: "usdc", Amount: event.NewAmount(usdc(9_999))}))
	log = append(log, h.credit(keeperAcc, "usdc", usdc(5_000)))
	log = append(log, h.price("weth", "1500")...)
	require.Len(t, log, 12)

	replica := newHarness(t, keeperAcc)
	for _, env := range log {
		require.NoError(t, replica.core.Replay(env))
	}
	assert.Equal(t, h.core.GetStateHash(), replica.core.GetStateHash())
	assert.Equal(t, h.core.GetSequence(), replica.core.GetSequence())
	assert.Empty(t, replica.drain())

	// Replaying again hits the idempotency cache and is a divergence.
	assert.ErrorIs(t, replica.core.Replay(log[0]), core.ErrReplayDivergence)
}

func TestReplayDetectsTamperedLog(t *testing.T) {
	h := newHarness(t, "")
	env := h.credit(alice, "usdc", usdc(10))
	tampered := *env
	tampered.StateHash[0] ^= 0xff

	replica := newHarness(t, "")
	assert.ErrorIs(t, replica.core.Replay(&tampered), core.ErrReplayDivergence)
}

func TestPublishStateSendsFullReadModel(t *testing.T) {
	h := newHarness(t, "")
	h.credit(alice, "usdc", usdc(10))
	h.deposit(alice, "usdc", usdc(10))
	for len(h.proj) > 0 {
		<-h.proj
	}

	h.core.PublishState()
	require.Len(t, h.proj, 1)
	out := <-h.proj
	assert.Nil(t, out.Envelope)
	assert.Len(t, out.Markets, 2)
	require.Len(t, out.Accounts, 1)
	assert.Empty(t, h.drain())
}
