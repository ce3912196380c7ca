package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletCredit
	EventTypeWalletDebit
	EventTypeFloatingDeposit
	EventTypeFloatingWithdraw
	EventTypeFloatingRedeem
	EventTypeFloatingTransfer
	EventTypeFixedDeposit
	EventTypeFixedWithdraw
	EventTypeFixedBorrow
	EventTypeFixedRepay
	EventTypeFloatingBorrow
	EventTypeFloatingRepay
	EventTypeFloatingRefund
	EventTypeLiquidate
	EventTypeEnterMarket
	EventTypeExitMarket
	EventTypePriceUpdate
	EventTypeSetAdjustFactor
	EventTypeSetLiquidationIncentive
)

var eventTypeNames = map[EventType]string{
	EventTypeWalletCredit:            "WalletCredit",
	EventTypeWalletDebit:             "WalletDebit",
	EventTypeFloatingDeposit:         "FloatingDeposit",
	EventTypeFloatingWithdraw:        "FloatingWithdraw",
	EventTypeFloatingRedeem:          "FloatingRedeem",
	EventTypeFloatingTransfer:        "FloatingTransfer",
	EventTypeFixedDeposit:            "FixedDeposit",
	EventTypeFixedWithdraw:           "FixedWithdraw",
	EventTypeFixedBorrow:             "FixedBorrow",
	EventTypeFixedRepay:              "FixedRepay",
	EventTypeFloatingBorrow:          "FloatingBorrow",
	EventTypeFloatingRepay:           "FloatingRepay",
	EventTypeFloatingRefund:          "FloatingRefund",
	EventTypeLiquidate:               "Liquidate",
	EventTypeEnterMarket:             "EnterMarket",
	EventTypeExitMarket:              "ExitMarket",
	EventTypePriceUpdate:             "PriceUpdate",
	EventTypeSetAdjustFactor:         "SetAdjustFactor",
	EventTypeSetLiquidationIncentive: "SetLiquidationIncentive",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a command name back to its type.
func ParseEventType(name string) (EventType, bool) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// Result of applying a command.
type Result string

const (
	ResultApplied  Result = "applied"
	ResultRejected Result = "rejected"
)

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Market context (nil for global commands)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON encoded command
	Payload []byte

	Result    Result
	ErrorKind string
	Error     string

	// Operation output (shares minted, assets repaid, ...) as a decimal string
	Output string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// MarketID returns the market context (nil for global commands)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt is the versioned timestamp that drives protocol time
	OccurredAt() time.Time
}
