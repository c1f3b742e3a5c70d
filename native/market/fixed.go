package market

import (
	"math/big"

	"termlend/core/events"
	"termlend/crypto"
)

// validMaturity accepts maturities that sit on the interval grid, are
// still in the future and fall within the market's pool horizon.
func validMaturity(maturity, now, maxFuturePools uint64) error {
	if maturity == 0 || maturity%IntervalSeconds != 0 {
		return ErrInvalidMaturity
	}
	if maturity <= now {
		return ErrInvalidMaturity
	}
	horizon := now - now%IntervalSeconds + maxFuturePools*IntervalSeconds
	if maturity > horizon {
		return ErrInvalidMaturity
	}
	return nil
}

// alignedMaturity accepts any maturity on the interval grid, matured
// ones included. Withdrawals and repayments outlive the horizon.
func alignedMaturity(maturity uint64) error {
	if maturity == 0 || maturity%IntervalSeconds != 0 {
		return ErrInvalidMaturity
	}
	return nil
}

// accrueEarnings recognises the elapsed slice of the pool's unassigned
// earnings. Recognition is linear from the last touch toward maturity;
// once the maturity has passed everything left is recognised at once.
// The returned amount belongs to the smart pool.
func (p *FixedPool) accrueEarnings(now uint64) *big.Int {
	if now <= p.LastAccrual {
		return big.NewInt(0)
	}
	if p.UnassignedEarnings.Sign() == 0 {
		p.LastAccrual = now
		return big.NewInt(0)
	}
	var recognised *big.Int
	if now >= p.Maturity || p.LastAccrual >= p.Maturity {
		recognised = new(big.Int).Set(p.UnassignedEarnings)
	} else {
		elapsed := new(big.Int).SetUint64(now - p.LastAccrual)
		window := new(big.Int).SetUint64(p.Maturity - p.LastAccrual)
		recognised = MulDivDown(p.UnassignedEarnings, elapsed, window)
	}
	p.UnassignedEarnings.Sub(p.UnassignedEarnings, recognised)
	p.LastAccrual = now
	return recognised
}

// touchPool loads a fixed pool into the operation and recognises its
// pending earnings into the smart pool.
func (e *Engine) touchPool(ctx *opContext, maturity uint64) (*FixedPool, error) {
	pool, err := e.pool(ctx, maturity)
	if err != nil {
		return nil, err
	}
	recognised := pool.accrueEarnings(ctx.now)
	if recognised.Sign() > 0 {
		ctx.m.SmartPoolAssets.Add(ctx.m.SmartPoolAssets, recognised)
	}
	return pool, nil
}

// depositYield returns the slice of unassigned earnings an inflow of
// assets captures for relieving the smart pool backup, next to the
// backup fee withheld from it. Pure calculation; the caller moves the
// ledger.
func (e *Engine) depositYield(pool *FixedPool, assets *big.Int) (yield, backupFee *big.Int) {
	if pool.SuppliedSP.Sign() == 0 || pool.UnassignedEarnings.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	relieved := bigMin(assets, pool.SuppliedSP)
	raw := MulDivDown(pool.UnassignedEarnings, relieved, pool.SuppliedSP)
	backupFee = MulWadDown(raw, e.params.BackupFeeRate)
	yield = new(big.Int).Sub(raw, backupFee)
	return yield, backupFee
}

// DepositAtMaturity opens or grows a fixed rate deposit. The deposit
// relieves smart pool backup at this maturity and is paid for that with
// a slice of the pool's unassigned earnings, locked in as the position
// fee. Returns principal plus fee.
func (e *Engine) DepositAtMaturity(owner crypto.Address, maturity uint64, assets, minAssetsRequired *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	if err := validMaturity(maturity, ctx.now, e.params.MaxFuturePools); err != nil {
		return nil, err
	}
	pool, err := e.touchPool(ctx, maturity)
	if err != nil {
		return nil, err
	}
	yield, backupFee := e.depositYield(pool, assets)
	positionAssets := new(big.Int).Add(assets, yield)
	if minAssetsRequired != nil && positionAssets.Cmp(minAssetsRequired) < 0 {
		return nil, ErrTooMuchSlippage
	}
	taken := new(big.Int).Add(yield, backupFee)
	pool.UnassignedEarnings.Sub(pool.UnassignedEarnings, taken)
	if backupFee.Sign() > 0 {
		ctx.m.EarningsAccumulator.Add(ctx.m.EarningsAccumulator, backupFee)
	}
	relieved := bigMin(assets, pool.SuppliedSP)
	if relieved.Sign() > 0 {
		pool.SuppliedSP.Sub(pool.SuppliedSP, relieved)
		ctx.m.BackupBorrowed.Sub(ctx.m.BackupBorrowed, relieved)
		if ctx.m.BackupBorrowed.Sign() < 0 {
			ctx.m.BackupBorrowed.SetInt64(0)
		}
	}
	pool.Supplied.Add(pool.Supplied, assets)
	acct, err := e.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	pos := acct.FixedDeposits[maturity]
	if pos == nil {
		pos = &Position{Principal: big.NewInt(0), Fee: big.NewInt(0)}
		acct.FixedDeposits[maturity] = pos
	}
	pos.Principal.Add(pos.Principal, assets)
	pos.Fee.Add(pos.Fee, yield)
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.DepositAtMaturity{
		Market:   e.symbol,
		Maturity: maturity,
		Owner:    owner,
		Assets:   cloneBig(assets),
		Fee:      cloneBig(yield),
	})
	return positionAssets, nil
}

// WithdrawAtMaturity exits up to positionAssets of a fixed deposit.
// Before maturity the owner forfeits the fee slice of what leaves (the
// inverse of the deposit yield), routed back through the treasury
// split; at or after maturity the position pays face value. Returns the
// assets actually paid out.
func (e *Engine) WithdrawAtMaturity(owner, receiver crypto.Address, maturity uint64, positionAssets, minAssetsRequired *big.Int) (*big.Int, error) {
	if positionAssets == nil || positionAssets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	if err := alignedMaturity(maturity); err != nil {
		return nil, err
	}
	pool, err := e.touchPool(ctx, maturity)
	if err != nil {
		return nil, err
	}
	acct, err := e.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	pos := acct.FixedDeposits[maturity]
	total := pos.Total()
	if total.Sign() == 0 {
		return nil, ErrInsufficientBalance
	}
	amount := bigMin(positionAssets, total)
	principalShare := MulDivDown(amount, bigOrZero(pos.Principal), total)
	feeShare := new(big.Int).Sub(amount, principalShare)
	var net *big.Int
	if ctx.now < maturity {
		net = new(big.Int).Set(principalShare)
		if err := e.splitFee(ctx, pool, feeShare); err != nil {
			return nil, err
		}
	} else {
		// Face value. The fee was carved out of unassigned earnings
		// when the position opened and never entered the smart pool.
		net = new(big.Int).Set(amount)
	}
	if minAssetsRequired != nil && net.Cmp(minAssetsRequired) < 0 {
		return nil, ErrTooMuchSlippage
	}
	pool.Supplied.Sub(pool.Supplied, principalShare)
	if pool.Supplied.Sign() < 0 {
		pool.Supplied.SetInt64(0)
	}
	// The departing deposit may have been funding borrows; the smart
	// pool steps back in for the uncovered slice.
	needed := new(big.Int).Sub(pool.Borrowed, pool.Supplied)
	if needed.Sign() < 0 {
		needed.SetInt64(0)
	}
	spIncrease := new(big.Int).Sub(needed, pool.SuppliedSP)
	if spIncrease.Sign() > 0 {
		pool.SuppliedSP.Add(pool.SuppliedSP, spIncrease)
		ctx.m.BackupBorrowed.Add(ctx.m.BackupBorrowed, spIncrease)
	}
	claims := new(big.Int).Add(ctx.m.BackupBorrowed, ctx.m.FlexibleDebt)
	if ctx.m.SmartPoolAssets.Cmp(claims) < 0 {
		return nil, ErrInsufficientProtocolLiquidity
	}
	pos.reduceBy(amount)
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.WithdrawAtMaturity{
		Market:         e.symbol,
		Maturity:       maturity,
		Owner:          owner,
		Receiver:       receiver,
		PositionAssets: cloneBig(amount),
		AssetsReceived: cloneBig(net),
	})
	return net, nil
}

// BorrowAtMaturity opens or grows a fixed rate borrow. The fee is
// quoted by the rate model over the window to maturity and locked into
// the position; depositor liquidity funds the principal first and the
// smart pool covers the gap. Returns principal plus fee.
func (e *Engine) BorrowAtMaturity(borrower, receiver crypto.Address, maturity uint64, assets, maxAssets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	if e.rateModel == nil {
		return nil, errNilRateModel
	}
	if err := validMaturity(maturity, ctx.now, e.params.MaxFuturePools); err != nil {
		return nil, err
	}
	pool, err := e.touchPool(ctx, maturity)
	if err != nil {
		return nil, err
	}
	newBorrowed := new(big.Int).Add(pool.Borrowed, assets)
	rate, err := e.rateModel.FixedRate(maturity, ctx.now, newBorrowed, pool.Supplied, ctx.m.AssetsAverage)
	if err != nil {
		return nil, err
	}
	fee := MulWadUp(assets, rate)
	positionAssets := new(big.Int).Add(assets, fee)
	if maxAssets != nil && positionAssets.Cmp(maxAssets) > 0 {
		return nil, ErrTooMuchSlippage
	}
	needed := new(big.Int).Sub(newBorrowed, pool.Supplied)
	if needed.Sign() < 0 {
		needed.SetInt64(0)
	}
	spIncrease := new(big.Int).Sub(needed, pool.SuppliedSP)
	if spIncrease.Sign() > 0 {
		newBackup := new(big.Int).Add(ctx.m.BackupBorrowed, spIncrease)
		claims := new(big.Int).Add(newBackup, ctx.m.FlexibleDebt)
		if claims.Cmp(ctx.m.SmartPoolAssets) > 0 {
			return nil, ErrInsufficientProtocolLiquidity
		}
		pool.SuppliedSP.Add(pool.SuppliedSP, spIncrease)
		ctx.m.BackupBorrowed.Set(newBackup)
	}
	pool.Borrowed.Set(newBorrowed)
	ctx.m.TotalFixedBorrowed.Add(ctx.m.TotalFixedBorrowed, positionAssets)
	if err := e.splitFee(ctx, pool, fee); err != nil {
		return nil, err
	}
	acct, err := e.account(ctx, borrower)
	if err != nil {
		return nil, err
	}
	pos := acct.FixedBorrows[maturity]
	if pos == nil {
		pos = &Position{Principal: big.NewInt(0), Fee: big.NewInt(0)}
		acct.FixedBorrows[maturity] = pos
	}
	pos.Principal.Add(pos.Principal, assets)
	pos.Fee.Add(pos.Fee, fee)
	if e.auditor != nil {
		if err := e.auditor.ValidateBorrow(e.symbol, borrower, positionAssets); err != nil {
			return nil, err
		}
	}
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.BorrowAtMaturity{
		Market:   e.symbol,
		Maturity: maturity,
		Borrower: borrower,
		Receiver: receiver,
		Assets:   cloneBig(assets),
		Fee:      cloneBig(fee),
	})
	return positionAssets, nil
}

// RepayAtMaturity settles up to positionAssets of the borrower's fixed
// position. Early repayment earns the deposit style discount for
// relieving the backup ahead of time; late repayment accrues the
// penalty rate on what is covered. Returns the assets actually charged.
func (e *Engine) RepayAtMaturity(payer, borrower crypto.Address, maturity uint64, positionAssets, maxAssets *big.Int) (*big.Int, error) {
	if positionAssets == nil || positionAssets.Sign() <= 0 {
		return nil, ErrZeroRepay
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	if err := alignedMaturity(maturity); err != nil {
		return nil, err
	}
	pool, err := e.touchPool(ctx, maturity)
	if err != nil {
		return nil, err
	}
	acct, err := e.account(ctx, borrower)
	if err != nil {
		return nil, err
	}
	actual, covered, penalty, err := e.settleFixedBorrow(ctx, pool, acct, positionAssets)
	if err != nil {
		return nil, err
	}
	if maxAssets != nil && actual.Cmp(maxAssets) > 0 {
		return nil, ErrTooMuchSlippage
	}
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.RepayAtMaturity{
		Market:         e.symbol,
		Maturity:       maturity,
		Payer:          payer,
		Borrower:       borrower,
		Assets:         cloneBig(actual),
		PositionAssets: cloneBig(covered),
		Penalty:        cloneBig(penalty),
	})
	return actual, nil
}

// settleFixedBorrow covers up to positionAssets of the borrower's debt
// at the pool's maturity and applies every ledger consequence: discount
// or penalty, backup return and position shrinkage. Shared by repayment
// and liquidation. Returns the assets charged, the position slice
// covered and any penalty collected.
func (e *Engine) settleFixedBorrow(ctx *opContext, pool *FixedPool, acct *Account, positionAssets *big.Int) (actual, covered, penalty *big.Int, err error) {
	pos := acct.FixedBorrows[pool.Maturity]
	total := pos.Total()
	if total.Sign() == 0 {
		return nil, nil, nil, ErrZeroRepay
	}
	amount := bigMin(positionAssets, total)
	principalCovered := MulDivDown(amount, bigOrZero(pos.Principal), total)
	penalty = big.NewInt(0)
	if ctx.now < pool.Maturity {
		yield, backupFee := e.depositYield(pool, principalCovered)
		taken := new(big.Int).Add(yield, backupFee)
		pool.UnassignedEarnings.Sub(pool.UnassignedEarnings, taken)
		if backupFee.Sign() > 0 {
			ctx.m.EarningsAccumulator.Add(ctx.m.EarningsAccumulator, backupFee)
		}
		actual = new(big.Int).Sub(amount, yield)
	} else {
		late := new(big.Int).SetUint64(ctx.now - pool.Maturity)
		penalty = MulWadUp(amount, new(big.Int).Mul(e.params.PenaltyRate, late))
		if penalty.Sign() > 0 {
			ctx.m.EarningsAccumulator.Add(ctx.m.EarningsAccumulator, penalty)
		}
		actual = new(big.Int).Add(amount, penalty)
	}
	pool.Borrowed.Sub(pool.Borrowed, principalCovered)
	if pool.Borrowed.Sign() < 0 {
		pool.Borrowed.SetInt64(0)
	}
	spReturn := bigMin(pool.SuppliedSP, principalCovered)
	if spReturn.Sign() > 0 {
		pool.SuppliedSP.Sub(pool.SuppliedSP, spReturn)
		ctx.m.BackupBorrowed.Sub(ctx.m.BackupBorrowed, spReturn)
		if ctx.m.BackupBorrowed.Sign() < 0 {
			ctx.m.BackupBorrowed.SetInt64(0)
		}
	}
	ctx.m.TotalFixedBorrowed.Sub(ctx.m.TotalFixedBorrowed, amount)
	if ctx.m.TotalFixedBorrowed.Sign() < 0 {
		ctx.m.TotalFixedBorrowed.SetInt64(0)
	}
	pos.reduceBy(amount)
	return actual, amount, penalty, nil
}
