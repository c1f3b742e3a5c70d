package market

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"termlend/core/events"
	"termlend/crypto"
	nativecommon "termlend/native/common"
)

// engineState is the narrow persistence surface the engine drives. Reads
// must return independent copies: the engine mutates what it loads and
// persists only when the operation succeeds, so a failed operation must
// leave the stored ledger untouched.
type engineState interface {
	MarketState() (*Market, error)
	PutMarketState(*Market) error
	FixedPool(maturity uint64) (*FixedPool, error)
	PutFixedPool(*FixedPool) error
	Account(addr crypto.Address) (*Account, error)
	PutAccount(*Account) error
}

// RateModel quotes borrow rates. Implementations are pure functions of
// the supplied ledger quantities so replicas agree on every fee.
type RateModel interface {
	// FixedRate returns the WAD rate, already scaled to the window from
	// now to maturity, charged on a new fixed borrow given the pool's
	// borrowed and supplied principal and the smart pool backup quote.
	FixedRate(maturity, now uint64, borrowed, supplied, backup *big.Int) (*big.Int, error)
	// FlexibleRate returns the annualised WAD rate charged on flexible
	// debt at the given WAD utilisation.
	FlexibleRate(utilization *big.Int) (*big.Int, error)
}

// Auditor performs cross-market risk checks. The engine stages its
// ledger changes before consulting the auditor and commits only when the
// auditor raises no objection, so the auditor sees stored state plus the
// explicit delta of the operation in flight.
type Auditor interface {
	// ValidateBorrow checks that the account stays solvent after taking
	// on newDebt assets of debt in the given market.
	ValidateBorrow(market string, account crypto.Address, newDebt *big.Int) error
	// ValidateWithdraw checks that the account stays solvent after
	// removing assets of collateral from the given market.
	ValidateWithdraw(market string, account crypto.Address, assets *big.Int) error
	// CheckLiquidation returns the repayable budget for a liquidation,
	// capped by the caller's limit and the borrower's seizable
	// collateral.
	CheckLiquidation(repayMarket, seizeMarket string, borrower crypto.Address, maxAssets *big.Int) (*big.Int, error)
	// CalculateSeize converts repaid debt into collateral assets to
	// seize, liquidator incentive included.
	CalculateSeize(repayMarket, seizeMarket string, repaidAssets *big.Int) (*big.Int, error)
	// LiquidationIncentive returns the WAD liquidator and lenders
	// incentive fractions.
	LiquidationIncentive() (liquidator, lenders *big.Int)
	// HasCollateral reports whether the account still holds collateral
	// in any registered market.
	HasCollateral(account crypto.Address) bool
}

// CollateralMarket is the surface a market needs from the market whose
// collateral backs a liquidation.
type CollateralMarket interface {
	Symbol() string
	// Seize burns up to assets worth of the borrower's smart pool
	// balance in favour of the liquidator and returns the amount
	// actually seized.
	Seize(liquidator, borrower crypto.Address, assets *big.Int) (*big.Int, error)
	// CollateralBalance returns the borrower's smart pool balance in
	// asset terms.
	CollateralBalance(account crypto.Address) (*big.Int, error)
}

// Engine orchestrates the ledger transitions of a single asset market:
// the smart pool vault, the fixed maturity pools, flexible debt,
// treasury routing and liquidation. It holds no locks; the host
// serialises operations per market.
type Engine struct {
	state     engineState
	symbol    string
	params    Params
	rateModel RateModel
	auditor   Auditor
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	clock     func() time.Time
}

// NewEngine constructs a market engine for the given asset symbol.
func NewEngine(symbol string, params Params) *Engine {
	return &Engine{
		symbol:  strings.ToUpper(strings.TrimSpace(symbol)),
		params:  params.withDefaults(),
		emitter: events.NoopEmitter{},
		clock:   time.Now,
	}
}

// SetState wires the engine to its persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// SetRateModel configures the borrow rate source.
func (e *Engine) SetRateModel(model RateModel) {
	if e == nil {
		return
	}
	e.rateModel = model
}

// SetAuditor wires the cross-market risk checker. Without one the
// engine runs as a standalone ledger and skips solvency checks.
func (e *Engine) SetAuditor(a Auditor) {
	if e == nil {
		return
	}
	e.auditor = a
}

// SetEmitter wires the event sink. A nil emitter restores the discard
// default.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the operator pause registry.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the time source. The swap of a deterministic clock
// is how tests replay ledger timelines.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// Symbol returns the asset symbol the engine accounts for.
func (e *Engine) Symbol() string {
	if e == nil {
		return ""
	}
	return e.symbol
}

// Params returns a copy of the configured market parameters.
func (e *Engine) Params() Params {
	if e == nil {
		return Params{}
	}
	return e.params.Clone()
}

func (e *Engine) now() uint64 {
	ts := e.clock().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// opContext stages every record an operation touches. Nothing reaches
// the store until commit, which keeps failed operations free of partial
// effects.
type opContext struct {
	m        *Market
	now      uint64
	pools    map[uint64]*FixedPool
	accounts map[string]*Account
	order    []string
}

func (e *Engine) begin() (*opContext, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, e.symbol); err != nil {
		return nil, err
	}
	m, err := e.ensureMarketState()
	if err != nil {
		return nil, err
	}
	ctx := &opContext{
		m:        m,
		now:      e.now(),
		pools:    make(map[uint64]*FixedPool),
		accounts: make(map[string]*Account),
	}
	minted, err := e.accrue(m, ctx.now)
	if err != nil {
		return nil, err
	}
	if minted != nil && minted.Sign() > 0 {
		treasury, err := e.account(ctx, e.params.TreasuryAddress)
		if err != nil {
			return nil, err
		}
		treasury.SmartPoolShares.Add(treasury.SmartPoolShares, minted)
	}
	return ctx, nil
}

func (e *Engine) commit(ctx *opContext) error {
	for _, pool := range ctx.pools {
		if err := e.state.PutFixedPool(pool); err != nil {
			return err
		}
	}
	for _, key := range ctx.order {
		if err := e.state.PutAccount(ctx.accounts[key]); err != nil {
			return err
		}
	}
	return e.state.PutMarketState(ctx.m)
}

func (e *Engine) account(ctx *opContext, addr crypto.Address) (*Account, error) {
	if addr.IsZero() {
		return nil, errTreasuryUnset
	}
	key := string(addr.Bytes())
	if acct, ok := ctx.accounts[key]; ok {
		return acct, nil
	}
	acct, err := e.state.Account(addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &Account{Address: addr}
	}
	ensureAccountDefaults(acct)
	ctx.accounts[key] = acct
	ctx.order = append(ctx.order, key)
	return acct, nil
}

func (e *Engine) pool(ctx *opContext, maturity uint64) (*FixedPool, error) {
	if pool, ok := ctx.pools[maturity]; ok {
		return pool, nil
	}
	pool, err := e.state.FixedPool(maturity)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &FixedPool{Maturity: maturity, LastAccrual: ctx.now}
	}
	ensurePoolDefaults(pool)
	ctx.pools[maturity] = pool
	return pool, nil
}

func (e *Engine) ensureMarketState() (*Market, error) {
	m, err := e.state.MarketState()
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = &Market{}
	}
	ensureMarketDefaults(m)
	return m, nil
}

// accrue runs the shared prologue of every operation: flexible debt
// interest, the earnings accumulator drip and the damped assets average,
// in that order. It returns the treasury shares minted from the interest
// cut; crediting them to the treasury account is the caller's job.
func (e *Engine) accrue(m *Market, now uint64) (*big.Int, error) {
	minted, err := e.accrueFlexibleDebt(m, now)
	if err != nil {
		return nil, err
	}
	if err := accrueAccumulator(m, e.params.SmoothFactor, now); err != nil {
		return nil, err
	}
	if err := refreshAssetsAverage(m, e.params.DampSpeedUp, e.params.DampSpeedDown, now); err != nil {
		return nil, err
	}
	return minted, nil
}

func (e *Engine) accrueFlexibleDebt(m *Market, now uint64) (*big.Int, error) {
	if now < m.LastFlexibleDebtUpdate {
		return nil, errClockWentBack
	}
	elapsed := now - m.LastFlexibleDebtUpdate
	m.LastFlexibleDebtUpdate = now
	if elapsed == 0 || m.FlexibleDebt.Sign() == 0 || e.rateModel == nil {
		return nil, nil
	}
	utilization := big.NewInt(0)
	if m.SmartPoolAssets.Sign() > 0 {
		utilization = DivWadDown(m.FlexibleDebt, m.SmartPoolAssets)
	}
	rate, err := e.rateModel.FlexibleRate(utilization)
	if err != nil {
		return nil, fmt.Errorf("market %s: flexible rate: %w", e.symbol, err)
	}
	// Simple interest on the outstanding debt for the elapsed window.
	interest := MulDivDown(MulWadDown(m.FlexibleDebt, rate), big.NewInt(int64(elapsed)), yearSecs)
	if interest.Sign() <= 0 {
		return nil, nil
	}
	m.FlexibleDebt.Add(m.FlexibleDebt, interest)
	cut := MulWadDown(interest, e.params.TreasuryFeeRate)
	remainder := new(big.Int).Sub(interest, cut)
	m.SmartPoolAssets.Add(m.SmartPoolAssets, remainder)
	return mintShares(m, cut), nil
}

// mintShares grows the share supply by the value of assets at the
// current price and adds the assets to the pool. It returns the shares
// minted; the caller credits them to an account.
func mintShares(m *Market, assets *big.Int) *big.Int {
	if assets == nil || assets.Sign() <= 0 {
		return nil
	}
	var shares *big.Int
	if m.SmartPoolShares.Sign() == 0 || m.SmartPoolAssets.Sign() == 0 {
		shares = new(big.Int).Set(assets)
	} else {
		shares = MulDivDown(assets, m.SmartPoolShares, m.SmartPoolAssets)
	}
	m.SmartPoolAssets.Add(m.SmartPoolAssets, assets)
	m.SmartPoolShares.Add(m.SmartPoolShares, shares)
	return shares
}

func accrueAccumulator(m *Market, smoothFactor *big.Int, now uint64) error {
	if now < m.LastAccumulatorAccrual {
		return errClockWentBack
	}
	elapsed := now - m.LastAccumulatorAccrual
	m.LastAccumulatorAccrual = now
	if elapsed == 0 || m.EarningsAccumulator.Sign() == 0 {
		return nil
	}
	window := new(big.Int).Mul(smoothFactor, new(big.Int).SetUint64(IntervalSeconds))
	if window.Sign() == 0 {
		window = new(big.Int).SetUint64(IntervalSeconds)
	}
	x := new(big.Int).SetUint64(elapsed)
	x.Mul(x, wad)
	x.Mul(x, wad)
	x.Quo(x, window)
	factor := new(big.Int).Sub(wad, ExpNegWad(x))
	release := MulWadDown(m.EarningsAccumulator, factor)
	m.EarningsAccumulator.Sub(m.EarningsAccumulator, release)
	m.SmartPoolAssets.Add(m.SmartPoolAssets, release)
	return nil
}

func refreshAssetsAverage(m *Market, dampSpeedUp, dampSpeedDown *big.Int, now uint64) error {
	if now < m.LastAverageUpdate {
		return errClockWentBack
	}
	elapsed := now - m.LastAverageUpdate
	m.LastAverageUpdate = now
	if elapsed == 0 {
		return nil
	}
	speed := dampSpeedDown
	if m.SmartPoolAssets.Cmp(m.AssetsAverage) >= 0 {
		speed = dampSpeedUp
	}
	x := new(big.Int).Mul(speed, new(big.Int).SetUint64(elapsed))
	factor := new(big.Int).Sub(wad, ExpNegWad(x))
	// average = average*(1-f) + totalAssets*f
	keep := MulWadDown(m.AssetsAverage, new(big.Int).Sub(wad, factor))
	add := MulWadDown(m.SmartPoolAssets, factor)
	m.AssetsAverage = keep.Add(keep, add)
	return nil
}

// splitFee routes a collected fee per the treasury rule: the treasury
// cut is minted as smart pool shares at the current price, and the rest
// lands in the pool's unassigned earnings when the fee still has a decay
// window, or half in unassigned earnings and half in the accumulator
// when it does not.
func (e *Engine) splitFee(ctx *opContext, pool *FixedPool, fee *big.Int) error {
	if fee == nil || fee.Sign() <= 0 {
		return nil
	}
	cut := MulWadDown(fee, e.params.TreasuryFeeRate)
	if cut.Sign() > 0 {
		if e.params.TreasuryAddress.IsZero() {
			return errTreasuryUnset
		}
		minted := mintShares(ctx.m, cut)
		treasury, err := e.account(ctx, e.params.TreasuryAddress)
		if err != nil {
			return err
		}
		if minted != nil {
			treasury.SmartPoolShares.Add(treasury.SmartPoolShares, minted)
		}
		e.emitter.Emit(events.TreasuryFeeMinted{Market: e.symbol, Fee: cut, Shares: minted})
	}
	remainder := new(big.Int).Sub(fee, cut)
	if remainder.Sign() <= 0 {
		return nil
	}
	if pool.Maturity > ctx.now {
		pool.UnassignedEarnings.Add(pool.UnassignedEarnings, remainder)
		return nil
	}
	// No decay window left: half feeds the pool, half the accumulator,
	// so neither side captures a fee with no matching cost.
	half := new(big.Int).Rsh(remainder, 1)
	pool.UnassignedEarnings.Add(pool.UnassignedEarnings, new(big.Int).Sub(remainder, half))
	ctx.m.EarningsAccumulator.Add(ctx.m.EarningsAccumulator, half)
	return nil
}

// Deposit moves assets into the smart pool and mints shares at the
// current price. It returns the shares minted.
func (e *Engine) Deposit(owner crypto.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	acct, err := e.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	shares := convertToShares(ctx.m, assets)
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	ctx.m.SmartPoolAssets.Add(ctx.m.SmartPoolAssets, assets)
	ctx.m.SmartPoolShares.Add(ctx.m.SmartPoolShares, shares)
	acct.SmartPoolShares.Add(acct.SmartPoolShares, shares)
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.Deposit{Market: e.symbol, Owner: owner, Assets: cloneBig(assets), Shares: cloneBig(shares)})
	return shares, nil
}

// Mint creates an exact number of smart pool shares and returns the
// assets the owner must provide, rounded up.
func (e *Engine) Mint(owner crypto.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	acct, err := e.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	assets := convertToAssetsUp(ctx.m, shares)
	ctx.m.SmartPoolAssets.Add(ctx.m.SmartPoolAssets, assets)
	ctx.m.SmartPoolShares.Add(ctx.m.SmartPoolShares, shares)
	acct.SmartPoolShares.Add(acct.SmartPoolShares, shares)
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.Deposit{Market: e.symbol, Owner: owner, Assets: cloneBig(assets), Shares: cloneBig(shares)})
	return assets, nil
}

// Withdraw removes an exact asset amount from the owner's smart pool
// balance and returns the shares burned, rounded up.
func (e *Engine) Withdraw(owner, receiver crypto.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	if ctx.m.SmartPoolAssets.Cmp(assets) < 0 {
		return nil, ErrInsufficientBalance
	}
	shares := convertToSharesUp(ctx.m, assets)
	burned, err := e.redeemShares(ctx, owner, receiver, shares, assets)
	if err != nil {
		return nil, err
	}
	return burned, nil
}

// Redeem burns an exact number of shares from the owner's smart pool
// balance and returns the assets released, rounded down.
func (e *Engine) Redeem(owner, receiver crypto.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	assets := convertToAssets(ctx.m, shares)
	if assets.Sign() == 0 {
		return nil, ErrZeroShares
	}
	if _, err := e.redeemShares(ctx, owner, receiver, shares, assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// redeemShares stages a share burn worth assets, runs the protocol and
// solvency checks, commits and emits. Shared by Withdraw and Redeem.
func (e *Engine) redeemShares(ctx *opContext, owner, receiver crypto.Address, shares, assets *big.Int) (*big.Int, error) {
	acct, err := e.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	if acct.SmartPoolShares.Cmp(shares) < 0 {
		return nil, ErrInsufficientBalance
	}
	remaining := new(big.Int).Sub(ctx.m.SmartPoolAssets, assets)
	claims := new(big.Int).Add(ctx.m.BackupBorrowed, ctx.m.FlexibleDebt)
	if remaining.Cmp(claims) < 0 {
		return nil, ErrInsufficientProtocolLiquidity
	}
	if e.auditor != nil {
		if err := e.auditor.ValidateWithdraw(e.symbol, owner, assets); err != nil {
			return nil, err
		}
	}
	ctx.m.SmartPoolAssets.Set(remaining)
	ctx.m.SmartPoolShares.Sub(ctx.m.SmartPoolShares, shares)
	acct.SmartPoolShares.Sub(acct.SmartPoolShares, shares)
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.Withdraw{
		Market:   e.symbol,
		Owner:    owner,
		Receiver: receiver,
		Assets:   cloneBig(assets),
		Shares:   cloneBig(shares),
	})
	return shares, nil
}

// Borrow opens flexible rate debt against the smart pool. The borrowed
// assets stay counted in SmartPoolAssets as a receivable; the reserve
// check keeps a protocol owned slice of the pool unlent.
func (e *Engine) Borrow(borrower, receiver crypto.Address, assets *big.Int) (*big.Int, error) {
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
	lendable := MulWadDown(ctx.m.SmartPoolAssets, new(big.Int).Sub(wad, e.params.ReserveFactor))
	claimed := new(big.Int).Add(ctx.m.BackupBorrowed, ctx.m.FlexibleDebt)
	claimed.Add(claimed, assets)
	if claimed.Cmp(lendable) > 0 {
		return nil, ErrSmartPoolReserveExceeded
	}
	acct, err := e.account(ctx, borrower)
	if err != nil {
		return nil, err
	}
	var shares *big.Int
	if ctx.m.FlexibleBorrowShares.Sign() == 0 || ctx.m.FlexibleDebt.Sign() == 0 {
		shares = new(big.Int).Set(assets)
	} else {
		shares = MulDivUp(assets, ctx.m.FlexibleBorrowShares, ctx.m.FlexibleDebt)
	}
	ctx.m.FlexibleDebt.Add(ctx.m.FlexibleDebt, assets)
	ctx.m.FlexibleBorrowShares.Add(ctx.m.FlexibleBorrowShares, shares)
	acct.FlexibleBorrowShares.Add(acct.FlexibleBorrowShares, shares)
	if e.auditor != nil {
		if err := e.auditor.ValidateBorrow(e.symbol, borrower, assets); err != nil {
			return nil, err
		}
	}
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.Borrow{
		Market:   e.symbol,
		Borrower: borrower,
		Receiver: receiver,
		Assets:   cloneBig(assets),
		Shares:   cloneBig(shares),
	})
	return shares, nil
}

// Repay settles flexible rate debt for the borrower. It returns the
// assets actually charged, which never exceed the outstanding debt.
func (e *Engine) Repay(payer, borrower crypto.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroRepay
	}
	ctx, err := e.begin()
	if err != nil {
		return nil, err
	}
	acct, err := e.account(ctx, borrower)
	if err != nil {
		return nil, err
	}
	owed := flexibleDebtOf(ctx.m, acct.FlexibleBorrowShares)
	if owed.Sign() == 0 {
		return nil, ErrZeroRepay
	}
	actual := bigMin(assets, owed)
	var shares *big.Int
	if actual.Cmp(owed) == 0 {
		shares = new(big.Int).Set(acct.FlexibleBorrowShares)
	} else {
		shares = MulDivDown(actual, ctx.m.FlexibleBorrowShares, ctx.m.FlexibleDebt)
	}
	ctx.m.FlexibleDebt.Sub(ctx.m.FlexibleDebt, actual)
	if ctx.m.FlexibleDebt.Sign() < 0 {
		ctx.m.FlexibleDebt.SetInt64(0)
	}
	ctx.m.FlexibleBorrowShares.Sub(ctx.m.FlexibleBorrowShares, shares)
	acct.FlexibleBorrowShares.Sub(acct.FlexibleBorrowShares, shares)
	if err := e.commit(ctx); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.Repay{
		Market:   e.symbol,
		Payer:    payer,
		Borrower: borrower,
		Assets:   cloneBig(actual),
		Shares:   cloneBig(shares),
	})
	return actual, nil
}

// convertToShares prices assets into shares, rounding down.
func convertToShares(m *Market, assets *big.Int) *big.Int {
	if m.SmartPoolShares.Sign() == 0 || m.SmartPoolAssets.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return MulDivDown(assets, m.SmartPoolShares, m.SmartPoolAssets)
}

// convertToSharesUp prices assets into shares, rounding up. Used when
// the shares are what the caller gives up.
func convertToSharesUp(m *Market, assets *big.Int) *big.Int {
	if m.SmartPoolShares.Sign() == 0 || m.SmartPoolAssets.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return MulDivUp(assets, m.SmartPoolShares, m.SmartPoolAssets)
}

// convertToAssets prices shares into assets, rounding down.
func convertToAssets(m *Market, shares *big.Int) *big.Int {
	if m.SmartPoolShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return MulDivDown(shares, m.SmartPoolAssets, m.SmartPoolShares)
}

// convertToAssetsUp prices shares into assets, rounding up. Used when
// the assets are what the caller owes.
func convertToAssetsUp(m *Market, shares *big.Int) *big.Int {
	if m.SmartPoolShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return MulDivUp(shares, m.SmartPoolAssets, m.SmartPoolShares)
}

// flexibleDebtOf values borrow shares in asset terms, rounding up.
func flexibleDebtOf(m *Market, shares *big.Int) *big.Int {
	if shares == nil || shares.Sign() == 0 {
		return big.NewInt(0)
	}
	if m.FlexibleBorrowShares.Sign() == 0 {
		return big.NewInt(0)
	}
	return MulDivUp(shares, m.FlexibleDebt, m.FlexibleBorrowShares)
}

func ensureMarketDefaults(m *Market) {
	if m.SmartPoolAssets == nil {
		m.SmartPoolAssets = big.NewInt(0)
	}
	if m.SmartPoolShares == nil {
		m.SmartPoolShares = big.NewInt(0)
	}
	if m.AssetsAverage == nil {
		m.AssetsAverage = big.NewInt(0)
	}
	if m.EarningsAccumulator == nil {
		m.EarningsAccumulator = big.NewInt(0)
	}
	if m.FlexibleDebt == nil {
		m.FlexibleDebt = big.NewInt(0)
	}
	if m.FlexibleBorrowShares == nil {
		m.FlexibleBorrowShares = big.NewInt(0)
	}
	if m.BackupBorrowed == nil {
		m.BackupBorrowed = big.NewInt(0)
	}
	if m.TotalFixedBorrowed == nil {
		m.TotalFixedBorrowed = big.NewInt(0)
	}
}

func ensurePoolDefaults(p *FixedPool) {
	if p.Borrowed == nil {
		p.Borrowed = big.NewInt(0)
	}
	if p.Supplied == nil {
		p.Supplied = big.NewInt(0)
	}
	if p.SuppliedSP == nil {
		p.SuppliedSP = big.NewInt(0)
	}
	if p.UnassignedEarnings == nil {
		p.UnassignedEarnings = big.NewInt(0)
	}
}

func ensureAccountDefaults(a *Account) {
	if a.SmartPoolShares == nil {
		a.SmartPoolShares = big.NewInt(0)
	}
	if a.FlexibleBorrowShares == nil {
		a.FlexibleBorrowShares = big.NewInt(0)
	}
	if a.FixedDeposits == nil {
		a.FixedDeposits = make(map[uint64]*Position)
	}
	if a.FixedBorrows == nil {
		a.FixedBorrows = make(map[uint64]*Position)
	}
	for _, pos := range a.FixedDeposits {
		ensurePositionDefaults(pos)
	}
	for _, pos := range a.FixedBorrows {
		ensurePositionDefaults(pos)
	}
}

func ensurePositionDefaults(pos *Position) {
	if pos == nil {
		return
	}
	if pos.Principal == nil {
		pos.Principal = big.NewInt(0)
	}
	if pos.Fee == nil {
		pos.Fee = big.NewInt(0)
	}
}

func (p Params) withDefaults() Params {
	out := p.Clone()
	if out.MaxFuturePools == 0 {
		out.MaxFuturePools = 12
	}
	if out.PenaltyRate == nil {
		out.PenaltyRate = big.NewInt(0)
	}
	if out.TreasuryFeeRate == nil {
		out.TreasuryFeeRate = big.NewInt(0)
	}
	if out.BackupFeeRate == nil {
		out.BackupFeeRate = big.NewInt(0)
	}
	if out.ReserveFactor == nil {
		out.ReserveFactor = big.NewInt(0)
	}
	if out.DampSpeedUp == nil {
		out.DampSpeedUp = big.NewInt(0)
	}
	if out.DampSpeedDown == nil {
		out.DampSpeedDown = big.NewInt(0)
	}
	if out.SmoothFactor == nil || out.SmoothFactor.Sign() == 0 {
		out.SmoothFactor = new(big.Int).Set(wad)
	}
	return out
}
