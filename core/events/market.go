package events

import (
	"math/big"
	"strconv"

	"termlend/crypto"
)

// Event types emitted by the market engine. Indexers key on these
// strings, so they are stable API surface.
const (
	TypeDeposit            = "market.deposit"
	TypeWithdraw           = "market.withdraw"
	TypeDepositAtMaturity  = "market.deposit_at_maturity"
	TypeWithdrawAtMaturity = "market.withdraw_at_maturity"
	TypeBorrow             = "market.borrow"
	TypeBorrowAtMaturity   = "market.borrow_at_maturity"
	TypeRepay              = "market.repay"
	TypeRepayAtMaturity    = "market.repay_at_maturity"
	TypeLiquidateBorrow    = "market.liquidate_borrow"
	TypeBadDebtCleared     = "market.bad_debt_cleared"
	TypeTreasuryFeeMinted  = "market.treasury_fee_minted"
	TypeMarketPaused       = "market.paused"
	TypeMarketResumed      = "market.resumed"
)

// Deposit records a smart pool deposit.
type Deposit struct {
	Market string
	Owner  crypto.Address
	Assets *big.Int
	Shares *big.Int
}

// EventType satisfies the events.Event interface.
func (Deposit) EventType() string { return TypeDeposit }

// Attributes flattens the payload for stream and index consumers.
func (e Deposit) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market}
	putAddr(attrs, "owner", e.Owner)
	putAmount(attrs, "assetsWei", e.Assets)
	putAmount(attrs, "shares", e.Shares)
	return attrs
}

// Withdraw records a smart pool withdrawal.
type Withdraw struct {
	Market   string
	Owner    crypto.Address
	Receiver crypto.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (Withdraw) EventType() string { return TypeWithdraw }

func (e Withdraw) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market}
	putAddr(attrs, "owner", e.Owner)
	putAddr(attrs, "receiver", e.Receiver)
	putAmount(attrs, "assetsWei", e.Assets)
	putAmount(attrs, "shares", e.Shares)
	return attrs
}

// DepositAtMaturity records a fixed rate deposit and the fee locked in.
type DepositAtMaturity struct {
	Market   string
	Maturity uint64
	Owner    crypto.Address
	Assets   *big.Int
	Fee      *big.Int
}

func (DepositAtMaturity) EventType() string { return TypeDepositAtMaturity }

func (e DepositAtMaturity) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market, "maturity": formatMaturity(e.Maturity)}
	putAddr(attrs, "owner", e.Owner)
	putAmount(attrs, "assetsWei", e.Assets)
	putAmount(attrs, "feeWei", e.Fee)
	return attrs
}

// WithdrawAtMaturity records a fixed position exit and the discount the
// owner accepted for leaving early.
type WithdrawAtMaturity struct {
	Market         string
	Maturity       uint64
	Owner          crypto.Address
	Receiver       crypto.Address
	PositionAssets *big.Int
	AssetsReceived *big.Int
}

func (WithdrawAtMaturity) EventType() string { return TypeWithdrawAtMaturity }

func (e WithdrawAtMaturity) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market, "maturity": formatMaturity(e.Maturity)}
	putAddr(attrs, "owner", e.Owner)
	putAddr(attrs, "receiver", e.Receiver)
	putAmount(attrs, "positionAssetsWei", e.PositionAssets)
	putAmount(attrs, "assetsReceivedWei", e.AssetsReceived)
	return attrs
}

// Borrow records a flexible rate borrow.
type Borrow struct {
	Market   string
	Borrower crypto.Address
	Receiver crypto.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (Borrow) EventType() string { return TypeBorrow }

func (e Borrow) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market}
	putAddr(attrs, "borrower", e.Borrower)
	putAddr(attrs, "receiver", e.Receiver)
	putAmount(attrs, "assetsWei", e.Assets)
	putAmount(attrs, "shares", e.Shares)
	return attrs
}

// BorrowAtMaturity records a fixed rate borrow and the agreed fee.
type BorrowAtMaturity struct {
	Market   string
	Maturity uint64
	Borrower crypto.Address
	Receiver crypto.Address
	Assets   *big.Int
	Fee      *big.Int
}

func (BorrowAtMaturity) EventType() string { return TypeBorrowAtMaturity }

func (e BorrowAtMaturity) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market, "maturity": formatMaturity(e.Maturity)}
	putAddr(attrs, "borrower", e.Borrower)
	putAddr(attrs, "receiver", e.Receiver)
	putAmount(attrs, "assetsWei", e.Assets)
	putAmount(attrs, "feeWei", e.Fee)
	return attrs
}

// Repay records a flexible rate repayment.
type Repay struct {
	Market   string
	Payer    crypto.Address
	Borrower crypto.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (Repay) EventType() string { return TypeRepay }

func (e Repay) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market}
	putAddr(attrs, "payer", e.Payer)
	putAddr(attrs, "borrower", e.Borrower)
	putAmount(attrs, "assetsWei", e.Assets)
	putAmount(attrs, "shares", e.Shares)
	return attrs
}

// RepayAtMaturity records a fixed rate repayment, including any overdue
// penalty collected on top of the covered position.
type RepayAtMaturity struct {
	Market         string
	Maturity       uint64
	Payer          crypto.Address
	Borrower       crypto.Address
	Assets         *big.Int
	PositionAssets *big.Int
	Penalty        *big.Int
}

func (RepayAtMaturity) EventType() string { return TypeRepayAtMaturity }

func (e RepayAtMaturity) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market, "maturity": formatMaturity(e.Maturity)}
	putAddr(attrs, "payer", e.Payer)
	putAddr(attrs, "borrower", e.Borrower)
	putAmount(attrs, "assetsWei", e.Assets)
	putAmount(attrs, "positionAssetsWei", e.PositionAssets)
	putAmount(attrs, "penaltyWei", e.Penalty)
	return attrs
}

// LiquidateBorrow records a liquidation: the debt repaid on behalf of
// the borrower and the collateral seized in exchange.
type LiquidateBorrow struct {
	Market           string
	Liquidator       crypto.Address
	Borrower         crypto.Address
	RepaidAssets     *big.Int
	LendersIncentive *big.Int
	SeizeMarket      string
	SeizedAssets     *big.Int
}

func (LiquidateBorrow) EventType() string { return TypeLiquidateBorrow }

func (e LiquidateBorrow) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market}
	putAddr(attrs, "liquidator", e.Liquidator)
	putAddr(attrs, "borrower", e.Borrower)
	putAmount(attrs, "repaidAssetsWei", e.RepaidAssets)
	putAmount(attrs, "lendersIncentiveWei", e.LendersIncentive)
	if e.SeizeMarket != "" {
		attrs["seizeMarket"] = e.SeizeMarket
	}
	putAmount(attrs, "seizedAssetsWei", e.SeizedAssets)
	return attrs
}

// BadDebtCleared records debt written off against the earnings
// accumulator and, past that, the smart pool itself.
type BadDebtCleared struct {
	Market          string
	Borrower        crypto.Address
	Amount          *big.Int
	FromAccumulator *big.Int
	FromAssets      *big.Int
}

func (BadDebtCleared) EventType() string { return TypeBadDebtCleared }

func (e BadDebtCleared) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market}
	putAddr(attrs, "borrower", e.Borrower)
	putAmount(attrs, "amountWei", e.Amount)
	putAmount(attrs, "fromAccumulatorWei", e.FromAccumulator)
	putAmount(attrs, "fromAssetsWei", e.FromAssets)
	return attrs
}

// TreasuryFeeMinted records the treasury's share cut of a collected fee.
type TreasuryFeeMinted struct {
	Market string
	Fee    *big.Int
	Shares *big.Int
}

func (TreasuryFeeMinted) EventType() string { return TypeTreasuryFeeMinted }

func (e TreasuryFeeMinted) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market}
	putAmount(attrs, "feeWei", e.Fee)
	putAmount(attrs, "shares", e.Shares)
	return attrs
}

// MarketPaused signals that an operator halted a market.
type MarketPaused struct {
	Market string
	Reason string
}

func (MarketPaused) EventType() string { return TypeMarketPaused }

func (e MarketPaused) Attributes() map[string]string {
	attrs := map[string]string{"market": e.Market}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return attrs
}

// MarketResumed signals that an operator lifted a pause.
type MarketResumed struct {
	Market string
}

func (MarketResumed) EventType() string { return TypeMarketResumed }

func (e MarketResumed) Attributes() map[string]string {
	return map[string]string{"market": e.Market}
}

func putAmount(attrs map[string]string, key string, v *big.Int) {
	if v != nil {
		attrs[key] = v.String()
	}
}

func putAddr(attrs map[string]string, key string, addr crypto.Address) {
	if !addr.IsZero() {
		attrs[key] = addr.String()
	}
}

func formatMaturity(maturity uint64) string {
	return strconv.FormatUint(maturity, 10)
}
