package core

import (
	"errors"

	"CreditLedger/internal/auditor"
	"CreditLedger/internal/event"
	"CreditLedger/internal/irm"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/market"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/oracle"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/protocol"
	"CreditLedger/internal/txn"
)

var (
	ErrReplayDivergence = errors.New("core: replay diverged from event log")
	ErrUnhandledCommand = errors.New("core: unhandled command")
)

// Error kinds are stable strings carried on rejected envelopes and used as
// the reason label of the rejection metric.
const (
	KindZeroAmount              = "zero_amount"
	KindDisagreement            = "disagreement"
	KindInvalidMaturity         = "invalid_maturity"
	KindSelfLiquidation         = "self_liquidation"
	KindInsufficientLiquidity   = "insufficient_account_liquidity"
	KindInsufficientShortfall   = "insufficient_shortfall"
	KindInsufficientProtocolLiq = "insufficient_protocol_liquidity"
	KindInsufficientShares      = "insufficient_shares"
	KindInsufficientBalance     = "insufficient_balance"
	KindMarketNotListed         = "market_not_listed"
	KindAuditorMismatch         = "auditor_mismatch"
	KindNotMarket               = "not_market"
	KindNotAuditor              = "not_auditor"
	KindInvalidParameter        = "invalid_parameter"
	KindPriceUnavailable        = "price_unavailable"
	KindRemainingDebt           = "remaining_debt"
	KindReentrancy              = "reentrancy"
	KindUtilizationExceeded     = "utilization_exceeded"
	KindAlreadyMatured          = "already_matured"
	KindArithmetic              = "arithmetic"
	KindInvalidAccount          = "invalid_account"
	KindUnknownMarket           = "unknown_market"
	KindMalformed               = "malformed"
	KindInternal                = "internal"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{market.ErrZeroAmount, KindZeroAmount},
	{market.ErrDisagreement, KindDisagreement},
	{pool.ErrInvalidMaturity, KindInvalidMaturity},
	{market.ErrSelfLiquidation, KindSelfLiquidation},
	{auditor.ErrInsufficientAccountLiquidity, KindInsufficientLiquidity},
	{auditor.ErrInsufficientShortfall, KindInsufficientShortfall},
	{market.ErrInsufficientProtocolLiquidity, KindInsufficientProtocolLiq},
	{market.ErrInsufficientShares, KindInsufficientShares},
	{ledger.ErrInsufficientBalance, KindInsufficientBalance},
	{auditor.ErrMarketNotListed, KindMarketNotListed},
	{auditor.ErrAuditorMismatch, KindAuditorMismatch},
	{auditor.ErrNotMarket, KindNotMarket},
	{market.ErrNotAuditor, KindNotAuditor},
	{auditor.ErrInvalidParameter, KindInvalidParameter},
	{market.ErrInvalidParameter, KindInvalidParameter},
	{irm.ErrInvalidParameter, KindInvalidParameter},
	{oracle.ErrPriceUnavailable, KindPriceUnavailable},
	{auditor.ErrRemainingDebt, KindRemainingDebt},
	{txn.ErrReentrancy, KindReentrancy},
	{irm.ErrUtilizationExceeded, KindUtilizationExceeded},
	{irm.ErrAlreadyMatured, KindAlreadyMatured},
	{irm.ErrNegativeRate, KindArithmetic},
	{fpmath.ErrArithmetic, KindArithmetic},
	{ledger.ErrInvalidAccount, KindInvalidAccount},
	{ledger.ErrUnknownAsset, KindUnknownMarket},
	{protocol.ErrUnknownMarket, KindUnknownMarket},
	{event.ErrMalformed, KindMalformed},
}

// ErrorKind classifies err. Unrecognized errors are "internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
