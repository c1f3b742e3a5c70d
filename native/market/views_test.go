package market

import (
	"errors"
	"math/big"
	"testing"
)

func TestViewsOnEmptyMarket(t *testing.T) {
	engine, _, _ := testEngine(t, testParams())

	price, err := engine.SharePrice()
	if err != nil {
		t.Fatalf("share price: %v", err)
	}
	if price.Cmp(wad) != 0 {
		t.Fatalf("empty vault should price at par: %s", price)
	}
	assets, err := engine.TotalAssets()
	if err != nil {
		t.Fatalf("total assets: %v", err)
	}
	if assets.Sign() != 0 {
		t.Fatalf("unexpected assets: %s", assets)
	}
	utilization, err := engine.Utilization()
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if utilization.Sign() != 0 {
		t.Fatalf("unexpected utilization: %s", utilization)
	}
}

func TestViewsRequireState(t *testing.T) {
	engine := NewEngine("DAI", testParams())
	if _, err := engine.SharePrice(); !errors.Is(err, errNilState) {
		t.Fatalf("expected state guard, got %v", err)
	}
	if _, err := engine.Deposit(makeAddress(0x01), ether(1)); !errors.Is(err, errNilState) {
		t.Fatalf("expected state guard, got %v", err)
	}
}

func TestSnapshotAggregates(t *testing.T) {
	engine, _, _ := testEngine(t, testParams())
	engine.SetRateModel(flatRateModel{flexible: big.NewInt(0)})
	lender := makeAddress(0x01)
	borrower := makeAddress(0x02)

	if _, err := engine.Deposit(lender, ether(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow(borrower, borrower, ether(20)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	snap, err := engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Symbol != "DAI" || snap.Timestamp != testBase {
		t.Fatalf("unexpected header: %+v", snap)
	}
	if snap.SmartPoolAssets.Cmp(ether(100)) != 0 || snap.SmartPoolShares.Cmp(ether(100)) != 0 {
		t.Fatalf("unexpected pool figures: %+v", snap)
	}
	if snap.SharePrice.Cmp(wad) != 0 {
		t.Fatalf("unexpected share price: %s", snap.SharePrice)
	}
	if snap.FlexibleDebt.Cmp(ether(20)) != 0 {
		t.Fatalf("unexpected debt: %s", snap.FlexibleDebt)
	}
	if snap.FlexibleUtilization.Cmp(wadFraction(20)) != 0 {
		t.Fatalf("unexpected utilization: %s", snap.FlexibleUtilization)
	}
}

func TestAccountSnapshotPricesOverduePenalty(t *testing.T) {
	params := testParams()
	params.PenaltyRate = big.NewInt(100_000_000_000_000)
	engine, _, clock := fixedFixture(t, params)
	borrower := makeAddress(0x01)

	if _, err := engine.Deposit(borrower, ether(20)); err != nil {
		t.Fatalf("collateral deposit: %v", err)
	}
	if _, err := engine.BorrowAtMaturity(borrower, borrower, testMaturity, ether(10), nil); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	clock.advance(IntervalSeconds + 10_000)

	collateral, debt, err := engine.AccountSnapshot(borrower)
	if err != nil {
		t.Fatalf("account snapshot: %v", err)
	}
	if collateral.Cmp(ether(20)) != 0 {
		t.Fatalf("unexpected collateral: %s", collateral)
	}
	// Eleven of face value plus the doubled overdue surcharge.
	if debt.Cmp(ether(22)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
}

func TestPreviewDebtCombinesPositions(t *testing.T) {
	engine, _, _ := fixedFixture(t, testParams())
	borrower := makeAddress(0x01)

	if _, err := engine.BorrowAtMaturity(borrower, borrower, testMaturity, ether(10), nil); err != nil {
		t.Fatalf("fixed borrow: %v", err)
	}
	if _, err := engine.Borrow(borrower, borrower, ether(5)); err != nil {
		t.Fatalf("flexible borrow: %v", err)
	}
	debt, err := engine.PreviewDebt(borrower)
	if err != nil {
		t.Fatalf("preview debt: %v", err)
	}
	if debt.Cmp(ether(16)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
}

func TestAccountPositionsReturnsIndependentCopy(t *testing.T) {
	engine, state, _ := fixedFixture(t, testParams())
	borrower := makeAddress(0x01)

	if _, err := engine.BorrowAtMaturity(borrower, borrower, testMaturity, ether(10), nil); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	acct, err := engine.AccountPositions(borrower)
	if err != nil {
		t.Fatalf("account positions: %v", err)
	}
	acct.FixedBorrows[testMaturity].Principal.SetInt64(0)
	stored := state.account(borrower)
	if stored.FixedBorrows[testMaturity].Principal.Cmp(ether(10)) != 0 {
		t.Fatalf("view mutation leaked into ledger: %s", stored.FixedBorrows[testMaturity].Principal)
	}

	fresh, err := engine.AccountPositions(makeAddress(0x7f))
	if err != nil {
		t.Fatalf("fresh account: %v", err)
	}
	if fresh.SmartPoolShares == nil || fresh.FixedBorrows == nil || fresh.FixedDeposits == nil {
		t.Fatalf("fresh account not defaulted: %+v", fresh)
	}
}
