package market

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"termlend/core/events"
	"termlend/crypto"
	nativecommon "termlend/native/common"
)

type mockState struct {
	market   *Market
	pools    map[uint64]*FixedPool
	accounts map[string]*Account
}

func newMockState() *mockState {
	return &mockState{
		pools:    make(map[uint64]*FixedPool),
		accounts: make(map[string]*Account),
	}
}

func (s *mockState) MarketState() (*Market, error) {
	if s.market == nil {
		return nil, nil
	}
	return s.market.Clone(), nil
}

func (s *mockState) PutMarketState(m *Market) error {
	s.market = m.Clone()
	return nil
}

func (s *mockState) FixedPool(maturity uint64) (*FixedPool, error) {
	if pool, ok := s.pools[maturity]; ok {
		return pool.Clone(), nil
	}
	return nil, nil
}

func (s *mockState) PutFixedPool(p *FixedPool) error {
	s.pools[p.Maturity] = p.Clone()
	return nil
}

func (s *mockState) Account(addr crypto.Address) (*Account, error) {
	if acct, ok := s.accounts[string(addr.Bytes())]; ok {
		return acct.Clone(), nil
	}
	return nil, nil
}

func (s *mockState) PutAccount(a *Account) error {
	s.accounts[string(a.Address.Bytes())] = a.Clone()
	return nil
}

func (s *mockState) account(addr crypto.Address) *Account {
	return s.accounts[string(addr.Bytes())]
}

type fakeClock struct {
	seconds uint64
}

func (c *fakeClock) Now() time.Time {
	return time.Unix(int64(c.seconds), 0)
}

func (c *fakeClock) advance(d uint64) {
	c.seconds += d
}

// flatRateModel quotes the same rate regardless of utilisation: the
// fixed rate is taken as already scaled to the borrow window.
type flatRateModel struct {
	fixed    *big.Int
	flexible *big.Int
}

func (m flatRateModel) FixedRate(uint64, uint64, *big.Int, *big.Int, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(m.fixed), nil
}

func (m flatRateModel) FlexibleRate(*big.Int) (*big.Int, error) {
	return new(big.Int).Set(m.flexible), nil
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func wadFraction(hundredths int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(hundredths), big.NewInt(10_000_000_000_000_000))
}

const testBase = IntervalSeconds

func testParams() Params {
	return Params{MaxFuturePools: 12}
}

func testEngine(t *testing.T, params Params) (*Engine, *mockState, *fakeClock) {
	t.Helper()
	engine := NewEngine("DAI", params)
	state := newMockState()
	clock := &fakeClock{seconds: testBase}
	engine.SetState(state)
	engine.SetClock(clock.Now)
	return engine, state, clock
}

func TestDepositMintsSharesAtPar(t *testing.T) {
	engine, state, _ := testEngine(t, testParams())
	recorder := events.NewRecorder(16)
	engine.SetEmitter(recorder)
	owner := makeAddress(0x01)

	shares, err := engine.Deposit(owner, ether(100))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(ether(100)) != 0 {
		t.Fatalf("unexpected shares: %s", shares)
	}
	if state.market.SmartPoolAssets.Cmp(ether(100)) != 0 {
		t.Fatalf("unexpected pool assets: %s", state.market.SmartPoolAssets)
	}
	if state.market.SmartPoolShares.Cmp(ether(100)) != 0 {
		t.Fatalf("unexpected pool shares: %s", state.market.SmartPoolShares)
	}
	acct := state.account(owner)
	if acct == nil || acct.SmartPoolShares.Cmp(ether(100)) != 0 {
		t.Fatalf("unexpected account shares: %v", acct)
	}
	backlog := recorder.Backlog()
	if len(backlog) != 1 || backlog[0].Type != events.TypeDeposit {
		t.Fatalf("unexpected event backlog: %+v", backlog)
	}
}

func TestDepositRejectsZeroAmount(t *testing.T) {
	engine, _, _ := testEngine(t, testParams())
	owner := makeAddress(0x01)

	if _, err := engine.Deposit(owner, nil); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected zero amount, got %v", err)
	}
	if _, err := engine.Deposit(owner, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected zero amount, got %v", err)
	}
}

func TestWithdrawReturnsDeposit(t *testing.T) {
	engine, state, _ := testEngine(t, testParams())
	owner := makeAddress(0x01)

	if _, err := engine.Deposit(owner, ether(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	burned, err := engine.Withdraw(owner, owner, ether(100))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if burned.Cmp(ether(100)) != 0 {
		t.Fatalf("unexpected burned shares: %s", burned)
	}
	if state.market.SmartPoolAssets.Sign() != 0 || state.market.SmartPoolShares.Sign() != 0 {
		t.Fatalf("pool not emptied: assets %s shares %s", state.market.SmartPoolAssets, state.market.SmartPoolShares)
	}
	if acct := state.account(owner); acct.SmartPoolShares.Sign() != 0 {
		t.Fatalf("account shares not burned: %s", acct.SmartPoolShares)
	}
}

func TestWithdrawRefusesMoreThanBalance(t *testing.T) {
	engine, _, _ := testEngine(t, testParams())
	alice := makeAddress(0x01)
	bob := makeAddress(0x02)

	if _, err := engine.Deposit(alice, ether(60)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Deposit(bob, ether(40)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// The pool holds enough assets, but not on alice's balance.
	if _, err := engine.Withdraw(alice, alice, ether(61)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestWithdrawKeepsClaimsFunded(t *testing.T) {
	engine, state, _ := testEngine(t, testParams())
	owner := makeAddress(0x01)

	if _, err := engine.Deposit(owner, ether(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Fixed borrows funded by the smart pool pin 60 of the assets.
	state.market.BackupBorrowed = ether(60)

	if _, err := engine.Withdraw(owner, owner, ether(40)); err != nil {
		t.Fatalf("withdraw within headroom: %v", err)
	}
	if _, err := engine.Withdraw(owner, owner, big.NewInt(1)); !errors.Is(err, ErrInsufficientProtocolLiquidity) {
		t.Fatalf("expected protocol liquidity error, got %v", err)
	}
}

func TestMintAndRedeemMirrorDepositWithdraw(t *testing.T) {
	engine, state, _ := testEngine(t, testParams())
	owner := makeAddress(0x01)

	assets, err := engine.Mint(owner, ether(50))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if assets.Cmp(ether(50)) != 0 {
		t.Fatalf("unexpected assets for mint: %s", assets)
	}
	released, err := engine.Redeem(owner, owner, ether(50))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if released.Cmp(ether(50)) != 0 {
		t.Fatalf("unexpected assets for redeem: %s", released)
	}
	if state.market.SmartPoolShares.Sign() != 0 {
		t.Fatalf("shares left after redeem: %s", state.market.SmartPoolShares)
	}
}

func TestFlexibleBorrowAccruesSimpleInterest(t *testing.T) {
	engine, state, clock := testEngine(t, testParams())
	engine.SetRateModel(flatRateModel{flexible: wadFraction(10)})
	lender := makeAddress(0x01)
	borrower := makeAddress(0x02)

	if _, err := engine.Deposit(lender, ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow(borrower, borrower, ether(1)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	clock.advance(365 * 24 * 60 * 60)

	debt, err := engine.PreviewDebt(borrower)
	if err != nil {
		t.Fatalf("preview debt: %v", err)
	}
	want := new(big.Int).Add(ether(1), wadFraction(10))
	if debt.Cmp(want) != 0 {
		t.Fatalf("unexpected debt after a year: got %s want %s", debt, want)
	}

	// A one wei borrow forces the accrual into the stored ledger.
	if _, err := engine.Borrow(borrower, borrower, big.NewInt(1)); err != nil {
		t.Fatalf("wei borrow: %v", err)
	}
	wantAssets := new(big.Int).Add(ether(10), wadFraction(10))
	if state.market.SmartPoolAssets.Cmp(wantAssets) != 0 {
		t.Fatalf("unexpected pool assets: got %s want %s", state.market.SmartPoolAssets, wantAssets)
	}
	wantDebt := new(big.Int).Add(want, big.NewInt(1))
	if state.market.FlexibleDebt.Cmp(wantDebt) != 0 {
		t.Fatalf("unexpected stored debt: got %s want %s", state.market.FlexibleDebt, wantDebt)
	}
}

func TestFlexibleBorrowRespectsReserveFactor(t *testing.T) {
	params := testParams()
	params.ReserveFactor = wadFraction(10)
	engine, _, _ := testEngine(t, params)
	engine.SetRateModel(flatRateModel{flexible: big.NewInt(0)})
	lender := makeAddress(0x01)
	borrower := makeAddress(0x02)

	if _, err := engine.Deposit(lender, ether(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow(borrower, borrower, ether(90)); err != nil {
		t.Fatalf("borrow to the cap: %v", err)
	}
	if _, err := engine.Borrow(borrower, borrower, big.NewInt(1)); !errors.Is(err, ErrSmartPoolReserveExceeded) {
		t.Fatalf("expected reserve exceeded, got %v", err)
	}
}

func TestFlexibleRepayPartialAndFull(t *testing.T) {
	engine, state, _ := testEngine(t, testParams())
	engine.SetRateModel(flatRateModel{flexible: big.NewInt(0)})
	lender := makeAddress(0x01)
	borrower := makeAddress(0x02)

	if _, err := engine.Deposit(lender, ether(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow(borrower, borrower, ether(50)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	repaid, err := engine.Repay(borrower, borrower, ether(20))
	if err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if repaid.Cmp(ether(20)) != 0 {
		t.Fatalf("unexpected repaid: %s", repaid)
	}
	if state.market.FlexibleDebt.Cmp(ether(30)) != 0 {
		t.Fatalf("unexpected remaining debt: %s", state.market.FlexibleDebt)
	}

	// Paying far more than owed settles exactly the debt.
	repaid, err = engine.Repay(borrower, borrower, ether(1000))
	if err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if repaid.Cmp(ether(30)) != 0 {
		t.Fatalf("unexpected final repaid: %s", repaid)
	}
	if state.market.FlexibleDebt.Sign() != 0 || state.market.FlexibleBorrowShares.Sign() != 0 {
		t.Fatalf("debt not cleared: %s / %s", state.market.FlexibleDebt, state.market.FlexibleBorrowShares)
	}
	if _, err := engine.Repay(borrower, borrower, ether(1)); !errors.Is(err, ErrZeroRepay) {
		t.Fatalf("expected zero repay, got %v", err)
	}
}

func TestFlexibleInterestMintsTreasuryCut(t *testing.T) {
	params := testParams()
	params.TreasuryFeeRate = wadFraction(20)
	params.TreasuryAddress = makeAddress(0xfe)
	engine, state, clock := testEngine(t, params)
	engine.SetRateModel(flatRateModel{flexible: wadFraction(10)})
	lender := makeAddress(0x01)
	borrower := makeAddress(0x02)

	if _, err := engine.Deposit(lender, ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow(borrower, borrower, ether(1)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	clock.advance(365 * 24 * 60 * 60)
	if _, err := engine.Deposit(lender, ether(1)); err != nil {
		t.Fatalf("trigger deposit: %v", err)
	}

	// Interest 0.1: the 0.02 cut is minted as shares priced after the
	// 0.08 remainder landed in the pool.
	wantShares := MulDivDown(wadFraction(2), ether(10), new(big.Int).Add(ether(10), wadFraction(8)))
	treasury := state.account(params.TreasuryAddress)
	if treasury == nil || treasury.SmartPoolShares.Cmp(wantShares) != 0 {
		t.Fatalf("unexpected treasury shares: %v want %s", treasury, wantShares)
	}
	wantAssets := new(big.Int).Add(ether(11), wadFraction(10))
	if state.market.SmartPoolAssets.Cmp(wantAssets) != 0 {
		t.Fatalf("unexpected pool assets: got %s want %s", state.market.SmartPoolAssets, wantAssets)
	}
}

func TestAccumulatorDripsByElapsedWindow(t *testing.T) {
	engine, state, clock := testEngine(t, testParams())
	owner := makeAddress(0x01)

	if _, err := engine.Deposit(owner, ether(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	state.market.EarningsAccumulator = ether(1000)
	before := new(big.Int).Set(state.market.SmartPoolAssets)

	clock.advance(IntervalSeconds)
	if _, err := engine.Deposit(owner, ether(1)); err != nil {
		t.Fatalf("trigger deposit: %v", err)
	}

	// With the default smooth factor of one, a full interval releases
	// the 1-e^-1 slice of the accumulator.
	factor := new(big.Int).Sub(wad, ExpNegWad(wad))
	release := MulWadDown(ether(1000), factor)
	wantAccumulator := new(big.Int).Sub(ether(1000), release)
	if state.market.EarningsAccumulator.Cmp(wantAccumulator) != 0 {
		t.Fatalf("unexpected accumulator: got %s want %s", state.market.EarningsAccumulator, wantAccumulator)
	}
	wantAssets := new(big.Int).Add(before, release)
	wantAssets.Add(wantAssets, ether(1))
	if state.market.SmartPoolAssets.Cmp(wantAssets) != 0 {
		t.Fatalf("unexpected assets: got %s want %s", state.market.SmartPoolAssets, wantAssets)
	}
}

func TestAssetsAverageDampsTowardAssets(t *testing.T) {
	params := testParams()
	params.DampSpeedUp = big.NewInt(1_000_000_000_000_000)
	params.DampSpeedDown = big.NewInt(2_000_000_000_000_000)
	engine, state, clock := testEngine(t, params)
	owner := makeAddress(0x01)

	if _, err := engine.Deposit(owner, ether(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	clock.advance(1000)
	if _, err := engine.Deposit(owner, big.NewInt(1)); err != nil {
		t.Fatalf("trigger deposit: %v", err)
	}

	// Assets sit above the zero average, so the up speed applies:
	// f = 1 - exp(-0.001 * 1000).
	factor := new(big.Int).Sub(wad, ExpNegWad(wad))
	wantAverage := MulWadDown(ether(10), factor)
	if state.market.AssetsAverage.Cmp(wantAverage) != 0 {
		t.Fatalf("unexpected average: got %s want %s", state.market.AssetsAverage, wantAverage)
	}

	// Draining the pool puts assets below the average; the down speed
	// governs the next refresh.
	if _, err := engine.Withdraw(owner, owner, ether(9)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	assetsAfter := new(big.Int).Set(state.market.SmartPoolAssets)
	averageAfter := new(big.Int).Set(state.market.AssetsAverage)
	clock.advance(1000)
	if _, err := engine.Deposit(owner, big.NewInt(1)); err != nil {
		t.Fatalf("trigger deposit: %v", err)
	}
	downFactor := new(big.Int).Sub(wad, ExpNegWad(new(big.Int).Mul(big.NewInt(2), wad)))
	keep := MulWadDown(averageAfter, new(big.Int).Sub(wad, downFactor))
	wantAverage = keep.Add(keep, MulWadDown(assetsAfter, downFactor))
	if state.market.AssetsAverage.Cmp(wantAverage) != 0 {
		t.Fatalf("unexpected damped average: got %s want %s", state.market.AssetsAverage, wantAverage)
	}
}

func TestPausedMarketRefusesOperations(t *testing.T) {
	engine, _, _ := testEngine(t, testParams())
	pauses := nativecommon.NewPauses()
	engine.SetPauses(pauses)
	owner := makeAddress(0x01)

	if _, err := engine.Deposit(owner, ether(1)); err != nil {
		t.Fatalf("deposit while live: %v", err)
	}
	pauses.Pause("DAI", "maintenance")
	if _, err := engine.Deposit(owner, ether(1)); !errors.Is(err, nativecommon.ErrMarketPaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	pauses.Resume("DAI")
	if _, err := engine.Deposit(owner, ether(1)); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}

func TestClockMovingBackwardsFailsClosed(t *testing.T) {
	engine, _, clock := testEngine(t, testParams())
	owner := makeAddress(0x01)

	if _, err := engine.Deposit(owner, ether(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	clock.seconds -= 10
	if _, err := engine.Deposit(owner, ether(1)); !errors.Is(err, errClockWentBack) {
		t.Fatalf("expected clock error, got %v", err)
	}
}

func TestShareValueTracksAssets(t *testing.T) {
	engine, state, _ := testEngine(t, testParams())
	alice := makeAddress(0x01)
	bob := makeAddress(0x02)

	if _, err := engine.Deposit(alice, ether(75)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Deposit(bob, ether(25)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Externally recognised profit moves the share price off par.
	state.market.SmartPoolAssets = ether(120)

	if _, err := engine.Withdraw(bob, bob, ether(12)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	total := new(big.Int).Add(
		convertToAssets(state.market, state.account(alice).SmartPoolShares),
		convertToAssets(state.market, state.account(bob).SmartPoolShares),
	)
	diff := new(big.Int).Sub(state.market.SmartPoolAssets, total)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(2)) > 0 {
		t.Fatalf("share value drifted from assets: diff %s", diff)
	}
}
