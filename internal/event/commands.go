package event

import (
	"fmt"
	"time"
)

// Meta is carried by every command.
type Meta struct {
	CommandID   string `json:"command_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
	// Source names the producer for sequence tracking. Empty means the
	// command's market stream.
	Source string `json:"source,omitempty"`
}

func (m Meta) Producer() string { return m.Source }

func (m Meta) IdempotencyKey() string { return m.CommandID }
func (m Meta) SourceSequence() int64  { return m.Sequence }
func (m Meta) OccurredAt() time.Time  { return time.UnixMicro(m.TimestampUs) }

func market(id string) *string { return &id }

// --- Wallets ---

type WalletCredit struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
	Amount  Amount `json:"amount"`
}

func (e *WalletCredit) EventType() EventType { return EventTypeWalletCredit }
func (e *WalletCredit) MarketID() *string    { return market(e.Market) }

type WalletDebit struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
	Amount  Amount `json:"amount"`
}

func (e *WalletDebit) EventType() EventType { return EventTypeWalletDebit }
func (e *WalletDebit) MarketID() *string    { return market(e.Market) }

// --- Floating pool ---

type FloatingDeposit struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
	Assets  Amount `json:"assets"`
}

func (e *FloatingDeposit) EventType() EventType { return EventTypeFloatingDeposit }
func (e *FloatingDeposit) MarketID() *string    { return market(e.Market) }

type FloatingWithdraw struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
	Assets  Amount `json:"assets"`
}

func (e *FloatingWithdraw) EventType() EventType { return EventTypeFloatingWithdraw }
func (e *FloatingWithdraw) MarketID() *string    { return market(e.Market) }

type FloatingRedeem struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
	Shares  Amount `json:"shares"`
}

func (e *FloatingRedeem) EventType() EventType { return EventTypeFloatingRedeem }
func (e *FloatingRedeem) MarketID() *string    { return market(e.Market) }

type FloatingTransfer struct {
	Meta
	From   string `json:"from"`
	To     string `json:"to"`
	Market string `json:"market"`
	Shares Amount `json:"shares"`
}

func (e *FloatingTransfer) EventType() EventType { return EventTypeFloatingTransfer }
func (e *FloatingTransfer) MarketID() *string    { return market(e.Market) }

type FloatingBorrow struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
	Assets  Amount `json:"assets"`
}

func (e *FloatingBorrow) EventType() EventType { return EventTypeFloatingBorrow }
func (e *FloatingBorrow) MarketID() *string    { return market(e.Market) }

type FloatingRepay struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
	Assets  Amount `json:"assets"`
}

func (e *FloatingRepay) EventType() EventType { return EventTypeFloatingRepay }
func (e *FloatingRepay) MarketID() *string    { return market(e.Market) }

type FloatingRefund struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
	Shares  Amount `json:"shares"`
}

func (e *FloatingRefund) EventType() EventType { return EventTypeFloatingRefund }
func (e *FloatingRefund) MarketID() *string    { return market(e.Market) }

// --- Fixed pools ---

type FixedDeposit struct {
	Meta
	Account   string `json:"account"`
	Market    string `json:"market"`
	Maturity  uint64 `json:"maturity"`
	Assets    Amount `json:"assets"`
	MinAssets Amount `json:"min_assets"`
}

func (e *FixedDeposit) EventType() EventType { return EventTypeFixedDeposit }
func (e *FixedDeposit) MarketID() *string    { return market(e.Market) }

type FixedWithdraw struct {
	Meta
	Account        string `json:"account"`
	Market         string `json:"market"`
	Maturity       uint64 `json:"maturity"`
	PositionAssets Amount `json:"position_assets"`
	MinAssets      Amount `json:"min_assets"`
}

func (e *FixedWithdraw) EventType() EventType { return EventTypeFixedWithdraw }
func (e *FixedWithdraw) MarketID() *string    { return market(e.Market) }

type FixedBorrow struct {
	Meta
	Account   string `json:"account"`
	Market    string `json:"market"`
	Maturity  uint64 `json:"maturity"`
	Assets    Amount `json:"assets"`
	MaxAssets Amount `json:"max_assets"`
}

func (e *FixedBorrow) EventType() EventType { return EventTypeFixedBorrow }
func (e *FixedBorrow) MarketID() *string    { return market(e.Market) }

type FixedRepay struct {
	Meta
	Account        string `json:"account"`
	Market         string `json:"market"`
	Maturity       uint64 `json:"maturity"`
	PositionAssets Amount `json:"position_assets"`
	MaxAssets      Amount `json:"max_assets"`
}

func (e *FixedRepay) EventType() EventType { return EventTypeFixedRepay }
func (e *FixedRepay) MarketID() *string    { return market(e.Market) }

// --- Risk ---

type Liquidate struct {
	Meta
	Liquidator  string `json:"liquidator"`
	Borrower    string `json:"borrower"`
	RepayMarket string `json:"repay_market"`
	SeizeMarket string `json:"seize_market"`
	MaxAssets   Amount `json:"max_assets"`
}

func (e *Liquidate) EventType() EventType { return EventTypeLiquidate }
func (e *Liquidate) MarketID() *string    { return market(e.RepayMarket) }

type EnterMarket struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
}

func (e *EnterMarket) EventType() EventType { return EventTypeEnterMarket }
func (e *EnterMarket) MarketID() *string    { return market(e.Market) }

type ExitMarket struct {
	Meta
	Account string `json:"account"`
	Market  string `json:"market"`
}

func (e *ExitMarket) EventType() EventType { return EventTypeExitMarket }
func (e *ExitMarket) MarketID() *string    { return market(e.Market) }

// PriceUpdate is an oracle price for one whole unit of a market's asset.
// Sequences are per market; gaps are tolerated and stale updates ignored.
type PriceUpdate struct {
	Meta
	Market string `json:"market"`
	Price  Wad    `json:"price"`
}

// IdempotencyKey is derived from the price sequence when no command id is
// given.
func (e *PriceUpdate) IdempotencyKey() string {
	if e.CommandID != "" {
		return e.CommandID
	}
	return fmt.Sprintf("%s:price:%d", e.Market, e.Sequence)
}

func (e *PriceUpdate) EventType() EventType { return EventTypePriceUpdate }
func (e *PriceUpdate) MarketID() *string    { return market(e.Market) }

// --- Governance ---

type SetAdjustFactor struct {
	Meta
	Market       string `json:"market"`
	AdjustFactor Wad    `json:"adjust_factor"`
}

func (e *SetAdjustFactor) EventType() EventType { return EventTypeSetAdjustFactor }
func (e *SetAdjustFactor) MarketID() *string    { return market(e.Market) }

type SetLiquidationIncentive struct {
	Meta
	Liquidator Wad `json:"liquidator"`
	Lenders    Wad `json:"lenders"`
}

func (e *SetLiquidationIncentive) EventType() EventType { return EventTypeSetLiquidationIncentive }
func (e *SetLiquidationIncentive) MarketID() *string    { return nil }
