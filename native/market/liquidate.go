package market

import (
	"math/big"

	"termlend/core/events"
	"termlend/crypto"
)

// Liquidate repays up to maxAssets of the borrower's debt in this
// market on the liquidator's behalf and seizes collateral from the
// given collateral market in exchange. Fixed positions settle in
// maturity order before the flexible position; each slice follows the
// same discount and penalty accounting as a voluntary repayment. After
// the seize, a borrower with no collateral left anywhere has the debt
// left behind written off against the earnings accumulator first and
// the smart pool after. Returns the debt assets actually repaid.
func (e *Engine) Liquidate(liquidator, borrower crypto.Address, maxAssets *big.Int, collateral CollateralMarket) (*big.Int, error) {
	if maxAssets == nil || maxAssets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if liquidator.Equal(borrower) {
		return nil, errSelfLiquidation
	}
	if e.auditor == nil {
		return nil, errAuditorNotWired
	}
	if collateral == nil {
		return nil, errNilCollateral
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	budget, err := e.auditor.CheckLiquidation(e.symbol, collateral.Symbol(), borrower, maxAssets)
	if err != nil {
		return nil, err
	}
	if budget == nil || budget.Sign() <= 0 {
		return nil, ErrZeroRepay
	}
	budget = cloneBig(budget)
	acct, err := e.account(ctx, borrower)
	if err != nil {
		return nil, err
	}
	repaid := big.NewInt(0)
	for _, maturity := range acct.BorrowMaturities() {
		if budget.Sign() == 0 {
			break
		}
		pos := acct.FixedBorrows[maturity]
		if pos.Total().Sign() == 0 {
			continue
		}
		pool, err := e.touchPool(ctx, maturity)
		if err != nil {
			return nil, err
		}
		amount := e.liquidationSlice(ctx, pool, pos, budget)
		if amount.Sign() == 0 {
			// Too little budget for this pool's penalty surcharge;
			// later maturities are less overdue and may still fit.
			continue
		}
		actual, _, _, err := e.settleFixedBorrow(ctx, pool, acct, amount)
		if err != nil {
			return nil, err
		}
		repaid.Add(repaid, actual)
		budget.Sub(budget, actual)
		if budget.Sign() < 0 {
			budget.SetInt64(0)
		}
	}
	owed := flexibleDebtOf(ctx.m, acct.FlexibleBorrowShares)
	if budget.Sign() > 0 && owed.Sign() > 0 {
		amount := bigMin(budget, owed)
		var shares *big.Int
		if amount.Cmp(owed) == 0 {
			shares = new(big.Int).Set(acct.FlexibleBorrowShares)
		} else {
			shares = MulDivDown(acct.FlexibleBorrowShares, amount, owed)
		}
		acct.FlexibleBorrowShares.Sub(acct.FlexibleBorrowShares, shares)
		ctx.m.FlexibleBorrowShares.Sub(ctx.m.FlexibleBorrowShares, shares)
		if ctx.m.FlexibleBorrowShares.Sign() < 0 {
			ctx.m.FlexibleBorrowShares.SetInt64(0)
		}
		ctx.m.FlexibleDebt.Sub(ctx.m.FlexibleDebt, amount)
		if ctx.m.FlexibleDebt.Sign() < 0 {
			ctx.m.FlexibleDebt.SetInt64(0)
		}
		repaid.Add(repaid, amount)
		budget.Sub(budget, amount)
	}
	if repaid.Sign() == 0 {
		return nil, ErrZeroRepay
	}
	_, lendersRate := e.auditor.LiquidationIncentive()
	lenders := MulWadDown(repaid, bigOrZero(lendersRate))
	if lenders.Sign() > 0 {
		ctx.m.EarningsAccumulator.Add(ctx.m.EarningsAccumulator, lenders)
	}
	seizeAssets, err := e.auditor.CalculateSeize(e.symbol, collateral.Symbol(), repaid)
	if err != nil {
		return nil, err
	}
	if seizeAssets == nil || seizeAssets.Sign() <= 0 {
		return nil, ErrZeroRepay
	}
	var seized *big.Int
	if same, ok := collateral.(*Engine); ok && same == e {
		// Seizing from the market being repaid has to happen inside
		// this staged operation or the outer commit would clobber it.
		seized, _, err = e.seizeStaged(ctx, acct, seizeAssets)
		if err != nil {
			return nil, err
		}
		if err := e.commit(ctx); err != nil {
			return nil, err
		}
	} else {
		// The repay side commits before the seize: a failed seize
		// leaves the debt settled and the collateral untouched, never
		// the reverse.
		if err := e.commit(ctx); err != nil {
			return nil, err
		}
		seized, err = collateral.Seize(liquidator, borrower, seizeAssets)
		if err != nil {
			return nil, err
		}
	}
	e.emitter.Emit(events.LiquidateBorrow{
		Market:           e.symbol,
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepaidAssets:     cloneBig(repaid),
		LendersIncentive: lenders,
		SeizeMarket:      collateral.Symbol(),
		SeizedAssets:     cloneBig(seized),
	})
	if !e.auditor.HasCollateral(borrower) {
		if err := e.clearBadDebt(borrower); err != nil {
			return nil, err
		}
	}
	return repaid, nil
}

// liquidationSlice sizes the position slice the remaining budget can
// settle at this pool. Past maturity the penalty surcharge is solved
// backwards so the actual charge stays inside the budget.
func (e *Engine) liquidationSlice(ctx *opContext, pool *FixedPool, pos *Position, budget *big.Int) *big.Int {
	total := pos.Total()
	if ctx.now < pool.Maturity {
		// The early discount only ever shrinks the charge.
		return bigMin(budget, total)
	}
	late := new(big.Int).SetUint64(ctx.now - pool.Maturity)
	surcharge := new(big.Int).Mul(e.params.PenaltyRate, late)
	factor := new(big.Int).Add(wad, surcharge)
	amount := MulDivDown(budget, wad, factor)
	charge := new(big.Int).Add(amount, MulWadUp(amount, surcharge))
	if charge.Cmp(budget) > 0 && amount.Sign() > 0 {
		amount.Sub(amount, oneInt)
	}
	return bigMin(amount, total)
}

// Seize forcibly redeems up to assets of the borrower's smart pool
// deposit and pays the proceeds to the liquidator. Requests at or above
// the borrower's balance take the whole position so no dust share is
// stranded.
func (e *Engine) Seize(liquidator, borrower crypto.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	acct, err := e.account(ctx, borrower)
	if err != nil {
		return nil, err
	}
	seized, shares, err := e.seizeStaged(ctx, acct, assets)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.Withdraw{
		Market:   e.symbol,
		Owner:    borrower,
		Receiver: liquidator,
		Assets:   cloneBig(seized),
		Shares:   cloneBig(shares),
	})
	return seized, nil
}

func (e *Engine) seizeStaged(ctx *opContext, acct *Account, assets *big.Int) (seized, shares *big.Int, err error) {
	balance := convertToAssets(ctx.m, acct.SmartPoolShares)
	if balance.Sign() == 0 {
		return nil, nil, ErrInsufficientBalance
	}
	if assets.Cmp(balance) >= 0 {
		shares = new(big.Int).Set(acct.SmartPoolShares)
		seized = balance
	} else {
		shares = convertToSharesUp(ctx.m, assets)
		if shares.Cmp(acct.SmartPoolShares) > 0 {
			shares = new(big.Int).Set(acct.SmartPoolShares)
		}
		seized = new(big.Int).Set(assets)
	}
	remaining := new(big.Int).Sub(ctx.m.SmartPoolAssets, seized)
	claims := new(big.Int).Add(ctx.m.BackupBorrowed, ctx.m.FlexibleDebt)
	if remaining.Cmp(claims) < 0 {
		return nil, nil, ErrInsufficientProtocolLiquidity
	}
	acct.SmartPoolShares.Sub(acct.SmartPoolShares, shares)
	ctx.m.SmartPoolShares.Sub(ctx.m.SmartPoolShares, shares)
	if ctx.m.SmartPoolShares.Sign() < 0 {
		ctx.m.SmartPoolShares.SetInt64(0)
	}
	ctx.m.SmartPoolAssets.Set(remaining)
	return seized, shares, nil
}

// CollateralBalance reports the assets the account's smart pool shares
// currently redeem for.
func (e *Engine) CollateralBalance(account crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	m, err := e.ensureMarketState()
	if err != nil {
		return nil, err
	}
	acct, err := e.state.Account(account)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &Account{Address: account}
	}
	ensureAccountDefaults(acct)
	return convertToAssets(m, acct.SmartPoolShares), nil
}

// clearBadDebt wipes whatever debt the borrower still owes this market
// and socialises the loss, draining the earnings accumulator before it
// touches smart pool assets. Runs as its own staged operation so the
// collateral check it follows reads committed state.
func (e *Engine) clearBadDebt(borrower crypto.Address) error {
	ctx, err := e.begin()
	if err != nil {
		return err
	}
	acct, err := e.account(ctx, borrower)
	if err != nil {
		return err
	}
	badDebt := big.NewInt(0)
	for _, maturity := range acct.BorrowMaturities() {
		pos := acct.FixedBorrows[maturity]
		total := pos.Total()
		if total.Sign() == 0 {
			delete(acct.FixedBorrows, maturity)
			continue
		}
		pool, err := e.touchPool(ctx, maturity)
		if err != nil {
			return err
		}
		badDebt.Add(badDebt, total)
		principal := bigOrZero(pos.Principal)
		pool.Borrowed.Sub(pool.Borrowed, principal)
		if pool.Borrowed.Sign() < 0 {
			pool.Borrowed.SetInt64(0)
		}
		spReturn := bigMin(pool.SuppliedSP, principal)
		if spReturn.Sign() > 0 {
			pool.SuppliedSP.Sub(pool.SuppliedSP, spReturn)
			ctx.m.BackupBorrowed.Sub(ctx.m.BackupBorrowed, spReturn)
			if ctx.m.BackupBorrowed.Sign() < 0 {
				ctx.m.BackupBorrowed.SetInt64(0)
			}
		}
		ctx.m.TotalFixedBorrowed.Sub(ctx.m.TotalFixedBorrowed, total)
		if ctx.m.TotalFixedBorrowed.Sign() < 0 {
			ctx.m.TotalFixedBorrowed.SetInt64(0)
		}
		delete(acct.FixedBorrows, maturity)
	}
	owed := flexibleDebtOf(ctx.m, acct.FlexibleBorrowShares)
	if owed.Sign() > 0 {
		badDebt.Add(badDebt, owed)
		ctx.m.FlexibleBorrowShares.Sub(ctx.m.FlexibleBorrowShares, acct.FlexibleBorrowShares)
		if ctx.m.FlexibleBorrowShares.Sign() < 0 {
			ctx.m.FlexibleBorrowShares.SetInt64(0)
		}
		acct.FlexibleBorrowShares.SetInt64(0)
		ctx.m.FlexibleDebt.Sub(ctx.m.FlexibleDebt, owed)
		if ctx.m.FlexibleDebt.Sign() < 0 {
			ctx.m.FlexibleDebt.SetInt64(0)
		}
	}
	if badDebt.Sign() == 0 {
		return nil
	}
	fromAccumulator := bigMin(ctx.m.EarningsAccumulator, badDebt)
	ctx.m.EarningsAccumulator.Sub(ctx.m.EarningsAccumulator, fromAccumulator)
	rest := new(big.Int).Sub(badDebt, fromAccumulator)
	fromAssets := bigMin(rest, ctx.m.SmartPoolAssets)
	ctx.m.SmartPoolAssets.Sub(ctx.m.SmartPoolAssets, fromAssets)
	if err := e.commit(ctx); err != nil {
		return err
	}
	e.emitter.Emit(events.BadDebtCleared{
		Market:          e.symbol,
		Borrower:        borrower,
		Amount:          badDebt,
		FromAccumulator: fromAccumulator,
		FromAssets:      fromAssets,
	})
	return nil
}
