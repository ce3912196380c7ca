package auditor

import "errors"

var (
	ErrMarketNotListed              = errors.New("auditor: market not listed")
	ErrMarketAlreadyListed          = errors.New("auditor: market already listed")
	ErrAuditorMismatch              = errors.New("auditor: market belongs to another auditor")
	ErrNotMarket                    = errors.New("auditor: caller is not the market")
	ErrInsufficientAccountLiquidity = errors.New("auditor: insufficient account liquidity")
	ErrInsufficientShortfall        = errors.New("auditor: account is not in shortfall")
	ErrRemainingDebt                = errors.New("auditor: account has remaining debt")
	ErrInvalidParameter             = errors.New("auditor: invalid parameter")
)
