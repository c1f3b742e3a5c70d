package market

import "errors"

// Sentinel errors returned by engine operations. Callers branch on these
// with errors.Is; the messages are stable API surface for operators.
var (
	// ErrTooMuchSlippage rejects an operation whose realised amount
	// crossed the caller's limit.
	ErrTooMuchSlippage = errors.New("market: too much slippage")
	// ErrInsufficientLiquidity rejects a borrow or withdrawal that
	// would leave the account's debt uncovered by collateral.
	ErrInsufficientLiquidity = errors.New("market: insufficient account liquidity")
	// ErrInsufficientProtocolLiquidity rejects an operation that would
	// leave fixed pools and flexible debt claiming more backup than the
	// smart pool holds.
	ErrInsufficientProtocolLiquidity = errors.New("market: insufficient protocol liquidity")
	// ErrSmartPoolReserveExceeded rejects a flexible borrow that would
	// dip into the reserve slice of the smart pool.
	ErrSmartPoolReserveExceeded = errors.New("market: smart pool reserve exceeded")
	// ErrZeroRepay rejects repay and liquidation calls that would settle
	// nothing.
	ErrZeroRepay = errors.New("market: nothing to repay")
	// ErrInvalidTimeDifference rejects rate quotes over an empty or
	// negative window.
	ErrInvalidTimeDifference = errors.New("market: invalid time difference")
	// ErrInvalidMaturity rejects maturities that are unaligned, already
	// past, or further out than the market accepts.
	ErrInvalidMaturity = errors.New("market: invalid maturity")
	// ErrZeroAmount rejects operations on a non-positive asset amount.
	ErrZeroAmount = errors.New("market: amount must be positive")
	// ErrInsufficientBalance rejects withdrawals and repayments that
	// exceed the account's recorded balance.
	ErrInsufficientBalance = errors.New("market: insufficient balance")
	// ErrZeroShares rejects share mints and burns that collapse to zero
	// after rounding.
	ErrZeroShares = errors.New("market: shares round to zero")
)

var (
	errNilState        = errors.New("market: state not configured")
	errNilMarket       = errors.New("market: market not initialised")
	errNilRateModel    = errors.New("market: rate model not configured")
	errTreasuryUnset   = errors.New("market: treasury address not configured")
	errClockWentBack   = errors.New("market: clock moved backwards")
	errNilCollateral   = errors.New("market: collateral market not configured")
	errSelfLiquidation = errors.New("market: borrower cannot liquidate self")
	errAuditorNotWired = errors.New("market: auditor not configured")
)
