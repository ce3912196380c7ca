package market

import "errors"

var (
	ErrZeroAmount                    = errors.New("market: zero amount")
	ErrDisagreement                  = errors.New("market: amount outside caller bound")
	ErrInsufficientProtocolLiquidity = errors.New("market: insufficient protocol liquidity")
	ErrInsufficientShares            = errors.New("market: insufficient shares")
	ErrSelfLiquidation               = errors.New("market: self liquidation")
	ErrNotAuditor                    = errors.New("market: caller is not the auditor")
	ErrInvalidParameter              = errors.New("market: invalid parameter")
)
