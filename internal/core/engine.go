package core

import (
	"fmt"
	"sort"
	"time"

	"CreditLedger/internal/auditor"
	"CreditLedger/internal/event"
	"CreditLedger/internal/keeper"
	"CreditLedger/internal/ledger"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/oracle"
	"CreditLedger/internal/protocol"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// KeeperSource is the producer name of commands generated by the keeper.
const KeeperSource = "keeper"

// Config assembles the core.
type Config struct {
	Protocol protocol.Config

	// Genesis is the clock reading before the first command.
	Genesis time.Time
	// PriceMaxAge bounds price staleness in event time. Zero disables it.
	PriceMaxAge time.Duration
	// KeeperAccount liquidates accounts in shortfall after every price
	// update. Empty disables the keeper.
	KeeperAccount string
	LRUCapacity   int
}

// DeterministicCore is the single-threaded command processor. It owns the
// whole protocol state; nothing else may touch it while it runs.
type DeterministicCore struct {
	sequence          int64
	hasher            *HashChain
	clock             *eventClock
	protocol          *protocol.Protocol
	prices            *oracle.PriceBook
	vault             *ledger.Vault
	keeper            *keeper.Keeper
	keeperEnabled     bool
	replaying         bool
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one command. It
// holds values only; receivers never reach back into core state.
type CoreOutput struct {
	// Sequence of the last command reflected in Markets and Accounts, or -1
	// before the first command.
	Sequence int64
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Markets  []protocol.MarketView
	Accounts []protocol.AccountPreview
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*DeterministicCore, error) {
	clk := newEventClock(cfg.Genesis)
	prices := oracle.NewPriceBook(clk, cfg.PriceMaxAge)
	vault := ledger.NewVault()

	p, err := protocol.New(cfg.Protocol, clk, prices, vault, log)
	if err != nil {
		return nil, err
	}

	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	idempotencyChecker, err := NewIdempotencyChecker(capacity, dbChecker, metrics)
	if err != nil {
		return nil, err
	}

	c := &DeterministicCore{
		hasher:            NewHashChain(),
		clock:             clk,
		protocol:          p,
		prices:            prices,
		vault:             vault,
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		log:               log.With().Str("component", "core").Logger(),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	if cfg.KeeperAccount != "" {
		c.keeper = keeper.New(cfg.KeeperAccount, p, log)
		c.keeperEnabled = true
	}
	return c, nil
}

// ProcessEvent is the main processing pipeline. Protocol failures do not
// return an error: the command is recorded as rejected so that replay
// reproduces the same sequence. Errors are returned only for commands that
// are refused before a sequence is assigned.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	_, err := c.process(evt)
	return err
}

func (c *DeterministicCore) process(evt event.Event) (*event.EventEnvelope, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	if pu, ok := evt.(*event.PriceUpdate); ok {
		if isDuplicate {
			c.recordSkip(eventType, "duplicate")
			return nil, nil
		}
		if !c.sequenceValidator.ValidatePriceSequence(pu.Market, pu.Sequence) {
			c.recordSkip(eventType, "stale")
			return nil, nil
		}
	} else {
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			c.recordSkip(eventType, "sequence")
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
		if isDuplicate {
			c.recordSkip(eventType, "duplicate")
			return nil, nil
		}
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	// Step 3: Advance event time and open the custody batch
	now := c.clock.advance(evt.OccurredAt())
	seq := c.sequence
	c.vault.Begin(idempotencyKey, seq, now.UnixMicro())

	// Step 4: Dispatch
	output, dispatchErr := c.dispatchEvent(evt)

	result := event.ResultApplied
	var kind, errMsg string
	if dispatchErr != nil {
		c.vault.Discard()
		result = event.ResultRejected
		kind = ErrorKind(dispatchErr)
		errMsg = dispatchErr.Error()
		c.log.Warn().
			Int64("sequence", seq).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Str("kind", kind).
			Err(dispatchErr).
			Msg("command rejected")
	}
	batch := c.vault.Drain()

	// Step 5: Validate custody and protocol invariants
	if err := c.vault.Validator().ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := c.protocol.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 6: Hash the full state
	hashStart := time.Now()
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.Link(seq, c.prices.AppendDigest(c.protocol.Digest()))
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      now,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		Result:         result,
		ErrorKind:      kind,
		Error:          errMsg,
		Output:         output,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Step 7: Emit outputs. Replayed commands are already in the log.
	if !c.replaying {
		c.emit(CoreOutput{
			Sequence: envelope.Sequence,
			Envelope: envelope,
			Batch:    batch,
			Markets:  c.marketViews(),
			Accounts: c.previews(touchedAccounts(evt)),
		})
	}

	c.recordApplied(evt, envelope, batch, start)

	// Step 8: Liquidate accounts pushed into shortfall by the new price
	if _, ok := evt.(*event.PriceUpdate); ok && result == event.ResultApplied {
		c.runKeeper()
	}

	return envelope, nil
}

func (c *DeterministicCore) emit(output CoreOutput) {
	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no command is lost.
	if c.persistChan != nil && output.Envelope != nil {
		c.persistChan <- output
	}

	// Projections: non-blocking send, dropped when full. The next output
	// carries the full market state again.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if p, ok := evt.(interface{ Producer() string }); ok && p.Producer() != "" {
		return "source:" + p.Producer()
	}
	if marketID := evt.MarketID(); marketID != nil {
		return "market:" + *marketID
	}
	return "global"
}

// dispatchEvent applies one command. The returned string summarizes the
// outcome for the envelope.
func (c *DeterministicCore) dispatchEvent(evt event.Event) (string, error) {
	p := c.protocol
	switch e := evt.(type) {
	case *event.WalletCredit:
		return "", p.Credit(e.Account, e.Market, e.Amount.Int())
	case *event.WalletDebit:
		return "", p.Debit(e.Account, e.Market, e.Amount.Int())

	case *event.FloatingDeposit:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		shares, err := m.Deposit(e.Assets.Int(), e.Account)
		return kv("shares", shares), err
	case *event.FloatingWithdraw:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		shares, err := m.Withdraw(e.Assets.Int(), e.Account)
		return kv("shares", shares), err
	case *event.FloatingRedeem:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		assets, err := m.Redeem(e.Shares.Int(), e.Account)
		return kv("assets", assets), err
	case *event.FloatingTransfer:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		return "", m.Transfer(e.From, e.To, e.Shares.Int())
	case *event.FloatingBorrow:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		shares, err := m.Borrow(e.Assets.Int(), e.Account)
		return kv("shares", shares), err
	case *event.FloatingRepay:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		repaid, shares, err := m.Repay(e.Assets.Int(), e.Account)
		return kv("repaid", repaid) + " " + kv("shares", shares), err
	case *event.FloatingRefund:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		repaid, burned, err := m.Refund(e.Shares.Int(), e.Account)
		return kv("repaid", repaid) + " " + kv("shares", burned), err

	case *event.FixedDeposit:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		position, err := m.DepositAtMaturity(e.Maturity, e.Assets.Int(), e.MinAssets.Int(), e.Account)
		return kv("position_assets", position), err
	case *event.FixedWithdraw:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		assets, err := m.WithdrawAtMaturity(e.Maturity, e.PositionAssets.Int(), e.MinAssets.Int(), e.Account)
		return kv("assets", assets), err
	case *event.FixedBorrow:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		owed, err := m.BorrowAtMaturity(e.Maturity, e.Assets.Int(), e.MaxAssets.Int(), e.Account)
		return kv("assets_owed", owed), err
	case *event.FixedRepay:
		m, err := p.Market(e.Market)
		if err != nil {
			return "", err
		}
		repaid, err := m.RepayAtMaturity(e.Maturity, e.PositionAssets.Int(), e.MaxAssets.Int(), e.Account)
		return kv("repaid", repaid), err

	case *event.Liquidate:
		seize := e.SeizeMarket
		if seize == "" {
			seize = e.RepayMarket
		}
		repaid, err := p.Liquidate(e.Liquidator, e.Borrower, e.RepayMarket, seize, e.MaxAssets.Int())
		return kv("repaid", repaid), err

	case *event.EnterMarket:
		return "", p.Auditor().EnterMarket(e.Account, e.Market)
	case *event.ExitMarket:
		return "", p.Auditor().ExitMarket(e.Account, e.Market)

	case *event.PriceUpdate:
		if _, err := p.Market(e.Market); err != nil {
			return "", err
		}
		if !c.prices.Update(e.Market, e.Price.Int(), e.Sequence, c.clock.Now()) {
			return "stale", nil
		}
		return "", nil

	case *event.SetAdjustFactor:
		return "", p.Auditor().SetAdjustFactor(e.Market, e.AdjustFactor.Int())
	case *event.SetLiquidationIncentive:
		return "", p.Auditor().SetLiquidationIncentive(auditor.LiquidationIncentive{
			Liquidator: e.Liquidator.Int(),
			Lenders:    e.Lenders.Int(),
		})

	default:
		return "", fmt.Errorf("%w: %T", ErrUnhandledCommand, evt)
	}
}

func kv(name string, v uint256.Int) string {
	return name + "=" + fpmath.Dec(v)
}

// touchedAccounts lists the accounts whose standing a command can change.
func touchedAccounts(evt event.Event) []string {
	var out []string
	switch e := evt.(type) {
	case *event.WalletCredit:
		out = []string{e.Account}
	case *event.WalletDebit:
		out = []string{e.Account}
	case *event.FloatingDeposit:
		out = []string{e.Account}
	case *event.FloatingWithdraw:
		out = []string{e.Account}
	case *event.FloatingRedeem:
		out = []string{e.Account}
	case *event.FloatingTransfer:
		out = []string{e.From, e.To}
	case *event.FloatingBorrow:
		out = []string{e.Account}
	case *event.FloatingRepay:
		out = []string{e.Account}
	case *event.FloatingRefund:
		out = []string{e.Account}
	case *event.FixedDeposit:
		out = []string{e.Account}
	case *event.FixedWithdraw:
		out = []string{e.Account}
	case *event.FixedBorrow:
		out = []string{e.Account}
	case *event.FixedRepay:
		out = []string{e.Account}
	case *event.Liquidate:
		out = []string{e.Liquidator, e.Borrower}
	case *event.EnterMarket:
		out = []string{e.Account}
	case *event.ExitMarket:
		out = []string{e.Account}
	}
	sort.Strings(out)
	return out
}

func (c *DeterministicCore) marketViews() []protocol.MarketView {
	views, err := c.protocol.MarketViews()
	if err != nil {
		c.log.Error().Err(err).Msg("market views")
		return nil
	}
	return views
}

func (c *DeterministicCore) previews(accounts []string) []protocol.AccountPreview {
	if len(accounts) == 0 {
		return nil
	}
	out, err := c.protocol.PreviewAccounts(accounts)
	if err != nil {
		c.log.Error().Err(err).Msg("account previews")
		return nil
	}
	return out
}

// runKeeper turns every shortfall found by the keeper into a Liquidate
// command in the keeper's own sequence partition. The generated commands
// are logged like any other, so replay applies them from the log and the
// keeper stays off.
func (c *DeterministicCore) runKeeper() {
	if c.keeper == nil || !c.keeperEnabled || c.replaying {
		return
	}
	candidates, err := c.keeper.Scan()
	if err != nil {
		c.log.Error().Err(err).Msg("keeper scan")
		return
	}
	partition := "source:" + KeeperSource
	for _, cand := range candidates {
		if c.metrics != nil {
			c.metrics.LiquidationCandidates.Inc()
		}
		seq := c.sequenceValidator.GetExpectedSequence(partition)
		cmd := &event.Liquidate{
			Meta: event.Meta{
				CommandID:   fmt.Sprintf("keeper:%d:%s", seq, cand.Borrower),
				Sequence:    seq,
				TimestampUs: c.clock.Now().UnixMicro(),
				Source:      KeeperSource,
			},
			Liquidator:  c.keeper.Account(),
			Borrower:    cand.Borrower,
			RepayMarket: cand.RepayMarket,
			SeizeMarket: cand.SeizeMarket,
			MaxAssets:   event.NewAmount(fpmath.MaxUint256),
		}
		c.log.Info().
			Str("borrower", cand.Borrower).
			Str("repay_market", cand.RepayMarket).
			Str("seize_market", cand.SeizeMarket).
			Msg("keeper liquidation")
		if err := c.ProcessEvent(cmd); err != nil {
			c.log.Error().Err(err).Str("borrower", cand.Borrower).Msg("keeper command refused")
		}
	}
}

func (c *DeterministicCore) recordSkip(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordApplied(evt event.Event, env *event.EventEnvelope, batch *ledger.Batch, start time.Time) {
	if liq, ok := evt.(*event.Liquidate); ok {
		c.logLiquidation(liq, env)
	}
	if c.metrics == nil {
		return
	}
	eventType := env.EventType.String()
	if env.Result == event.ResultRejected {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, env.ErrorKind).Inc()
	} else {
		c.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
	}
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	if pu, ok := evt.(*event.PriceUpdate); ok && env.Result == event.ResultApplied && env.Output == "" {
		c.metrics.PriceUpdates.WithLabelValues(pu.Market).Inc()
	}
	if liq, ok := evt.(*event.Liquidate); ok {
		c.metrics.Liquidations.WithLabelValues(liq.RepayMarket, string(env.Result)).Inc()
		if env.Result == event.ResultApplied && c.collateralExhausted(liq.Borrower) {
			c.metrics.BadDebtClears.WithLabelValues(liq.RepayMarket).Inc()
		}
	}
	c.updateMarketGauges()
	c.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
}

func (c *DeterministicCore) logLiquidation(liq *event.Liquidate, env *event.EventEnvelope) {
	if env.Result != event.ResultApplied {
		return
	}
	ev := c.log.Info().
		Int64("sequence", env.Sequence).
		Str("liquidator", liq.Liquidator).
		Str("borrower", liq.Borrower).
		Str("repay_market", liq.RepayMarket).
		Str("outcome", env.Output)
	if c.collateralExhausted(liq.Borrower) {
		ev = ev.Bool("bad_debt_cleared", true)
	}
	ev.Msg("liquidation")
}

// collateralExhausted reports whether a borrower has no collateral left in
// any market, the condition under which remaining debt is written off.
func (c *DeterministicCore) collateralExhausted(account string) bool {
	previews := c.previews([]string{account})
	if len(previews) == 0 {
		return false
	}
	for _, m := range previews[0].Markets {
		if m.IsCollateral && !fpmath.IsZero(m.FloatingDepositAssets) {
			return false
		}
	}
	return true
}

func (c *DeterministicCore) updateMarketGauges() {
	for _, v := range c.marketViews() {
		digits := int32(v.Decimals)
		c.metrics.FloatingAssets.WithLabelValues(v.ID).Set(fpmath.ToDecimal(v.Floating.Assets, digits).InexactFloat64())
		c.metrics.FloatingDebt.WithLabelValues(v.ID).Set(fpmath.ToDecimal(v.Floating.Debt, digits).InexactFloat64())
		c.metrics.BackupBorrowed.WithLabelValues(v.ID).Set(fpmath.ToDecimal(v.Floating.BackupBorrowed, digits).InexactFloat64())
		c.metrics.Utilization.WithLabelValues(v.ID).Set(fpmath.ToDecimal(v.Floating.GlobalUtilization(), 18).InexactFloat64())
		c.metrics.EarningsAccumulator.WithLabelValues(v.ID).Set(fpmath.ToDecimal(v.Floating.EarningsAccumulator, digits).InexactFloat64())
	}
}

// --- Recovery & accessors ---

// Replay re-applies one logged command and checks that it reproduces the
// logged sequence, outcome and state hash.
func (c *DeterministicCore) Replay(logged *event.EventEnvelope) error {
	evt, err := event.DecodeType(logged.EventType, logged.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", logged.Sequence, err)
	}
	c.replaying = true
	defer func() { c.replaying = false }()

	env, err := c.process(evt)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", logged.Sequence, err)
	}
	switch {
	case env == nil:
		return fmt.Errorf("%w: seq %d was skipped", ErrReplayDivergence, logged.Sequence)
	case env.Sequence != logged.Sequence:
		return fmt.Errorf("%w: seq %d replayed as %d", ErrReplayDivergence, logged.Sequence, env.Sequence)
	case env.Result != logged.Result:
		return fmt.Errorf("%w: seq %d result %s, logged %s", ErrReplayDivergence, logged.Sequence, env.Result, logged.Result)
	case env.StateHash != logged.StateHash:
		return fmt.Errorf("%w: seq %d state hash %x, logged %x", ErrReplayDivergence, logged.Sequence, env.StateHash, logged.StateHash)
	}
	return nil
}

// PublishState sends the full read model to the projection channel. Used
// once recovery has finished.
func (c *DeterministicCore) PublishState() {
	previews, err := c.protocol.PreviewAll()
	if err != nil {
		c.log.Error().Err(err).Msg("preview all")
	}
	c.emit(CoreOutput{
		Sequence: c.sequence - 1,
		Markets:  c.marketViews(),
		Accounts: previews,
	})
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// SetKeeperEnabled switches automatic liquidation on or off. It has no
// effect when no keeper account is configured.
func (c *DeterministicCore) SetKeeperEnabled(enabled bool) {
	c.keeperEnabled = enabled
}

// GetSequence returns the next global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.Tip()
}

// Protocol exposes the protocol for read-only use from the core goroutine
// and tests.
func (c *DeterministicCore) Protocol() *protocol.Protocol {
	return c.protocol
}

func (c *DeterministicCore) Prices() *oracle.PriceBook {
	return c.prices
}

func (c *DeterministicCore) Now() time.Time {
	return c.clock.Now()
}
