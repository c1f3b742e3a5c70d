package market

import (
	"errors"
	"math/big"
	"testing"

	"termlend/storage"
)

func storedMarketFixture() *Market {
	return &Market{
		SmartPoolAssets:        big.NewInt(101),
		SmartPoolShares:        big.NewInt(103),
		AssetsAverage:          big.NewInt(107),
		LastAverageUpdate:      11,
		EarningsAccumulator:    big.NewInt(109),
		LastAccumulatorAccrual: 13,
		FlexibleDebt:           big.NewInt(113),
		FlexibleBorrowShares:   big.NewInt(127),
		LastFlexibleDebtUpdate: 17,
		BackupBorrowed:         big.NewInt(131),
		TotalFixedBorrowed:     big.NewInt(137),
	}
}

func TestStoreRoundTripMarketState(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db, "dai")
	if store.Symbol() != "DAI" {
		t.Fatalf("symbol not normalised: %s", store.Symbol())
	}
	if err := store.PutMarketState(storedMarketFixture()); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A fresh store over the same database must read back every field.
	loaded, err := NewStore(db, "DAI").MarketState()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := storedMarketFixture()
	checks := []struct {
		name string
		got  *big.Int
		want *big.Int
	}{
		{"assets", loaded.SmartPoolAssets, want.SmartPoolAssets},
		{"shares", loaded.SmartPoolShares, want.SmartPoolShares},
		{"average", loaded.AssetsAverage, want.AssetsAverage},
		{"accumulator", loaded.EarningsAccumulator, want.EarningsAccumulator},
		{"debt", loaded.FlexibleDebt, want.FlexibleDebt},
		{"borrow shares", loaded.FlexibleBorrowShares, want.FlexibleBorrowShares},
		{"backup", loaded.BackupBorrowed, want.BackupBorrowed},
		{"fixed", loaded.TotalFixedBorrowed, want.TotalFixedBorrowed},
	}
	for _, check := range checks {
		if check.got.Cmp(check.want) != 0 {
			t.Fatalf("%s: got %s want %s", check.name, check.got, check.want)
		}
	}
	if loaded.LastAverageUpdate != 11 || loaded.LastAccumulatorAccrual != 13 || loaded.LastFlexibleDebtUpdate != 17 {
		t.Fatalf("timestamps lost: %+v", loaded)
	}
}

func TestStoreRoundTripAccount(t *testing.T) {
	store := NewStore(storage.NewMemDB(), "DAI")
	addr := makeAddress(0x07)
	acct := &Account{
		Address:              addr,
		SmartPoolShares:      big.NewInt(41),
		FlexibleBorrowShares: big.NewInt(43),
		FixedDeposits: map[uint64]*Position{
			IntervalSeconds: {Principal: big.NewInt(47), Fee: big.NewInt(53)},
		},
		FixedBorrows: map[uint64]*Position{
			2 * IntervalSeconds: {Principal: big.NewInt(59), Fee: big.NewInt(61)},
			// Cleared positions are not worth a stored entry.
			3 * IntervalSeconds: {Principal: big.NewInt(0), Fee: big.NewInt(0)},
		},
	}
	if err := store.PutAccount(acct); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, err := store.Account(addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !loaded.Address.Equal(addr) {
		t.Fatalf("address mismatch: %s", loaded.Address)
	}
	if loaded.SmartPoolShares.Cmp(big.NewInt(41)) != 0 || loaded.FlexibleBorrowShares.Cmp(big.NewInt(43)) != 0 {
		t.Fatalf("share balances lost: %+v", loaded)
	}
	deposit := loaded.FixedDeposits[IntervalSeconds]
	if deposit == nil || deposit.Principal.Cmp(big.NewInt(47)) != 0 || deposit.Fee.Cmp(big.NewInt(53)) != 0 {
		t.Fatalf("deposit position lost: %+v", deposit)
	}
	if len(loaded.FixedBorrows) != 1 {
		t.Fatalf("empty position persisted: %+v", loaded.FixedBorrows)
	}
	borrow := loaded.FixedBorrows[2*IntervalSeconds]
	if borrow == nil || borrow.Principal.Cmp(big.NewInt(59)) != 0 || borrow.Fee.Cmp(big.NewInt(61)) != 0 {
		t.Fatalf("borrow position lost: %+v", borrow)
	}
}

func TestStoreMissingRecordsReadNil(t *testing.T) {
	store := NewStore(storage.NewMemDB(), "DAI")

	if m, err := store.MarketState(); err != nil || m != nil {
		t.Fatalf("unexpected market read: %v %v", m, err)
	}
	if p, err := store.FixedPool(IntervalSeconds); err != nil || p != nil {
		t.Fatalf("unexpected pool read: %v %v", p, err)
	}
	if a, err := store.Account(makeAddress(0x01)); err != nil || a != nil {
		t.Fatalf("unexpected account read: %v %v", a, err)
	}
	if maturities, err := store.Maturities(); err != nil || maturities != nil {
		t.Fatalf("unexpected maturities: %v %v", maturities, err)
	}
	if accounts, err := store.Accounts(); err != nil || len(accounts) != 0 {
		t.Fatalf("unexpected accounts: %v %v", accounts, err)
	}
}

func TestStoreRejectsBadAmounts(t *testing.T) {
	store := NewStore(storage.NewMemDB(), "DAI")

	m := storedMarketFixture()
	m.SmartPoolAssets = big.NewInt(-1)
	if err := store.PutMarketState(m); !errors.Is(err, errAmountNegative) {
		t.Fatalf("expected negative amount error, got %v", err)
	}

	m = storedMarketFixture()
	m.SmartPoolAssets = new(big.Int).Lsh(oneInt, 256)
	if err := store.PutMarketState(m); !errors.Is(err, errAmountTooWide) {
		t.Fatalf("expected overflow error, got %v", err)
	}

	if err := store.PutFixedPool(&FixedPool{Maturity: 0}); !errors.Is(err, ErrInvalidMaturity) {
		t.Fatalf("expected maturity error, got %v", err)
	}
	if err := store.PutAccount(&Account{}); !errors.Is(err, errTreasuryUnset) {
		t.Fatalf("expected zero address error, got %v", err)
	}
}

func TestStoreDetectsCorruption(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db, "DAI")
	if err := store.PutMarketState(storedMarketFixture()); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, err := db.Get(store.stateKey())
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	raw[len(raw)/2] ^= 0xff
	if err := db.Put(store.stateKey(), raw); err != nil {
		t.Fatalf("raw put: %v", err)
	}
	if _, err := store.MarketState(); !errors.Is(err, errStoreCorrupted) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestStorePoolIndexSortedUnique(t *testing.T) {
	store := NewStore(storage.NewMemDB(), "DAI")
	for _, maturity := range []uint64{3 * IntervalSeconds, IntervalSeconds, 2 * IntervalSeconds, IntervalSeconds} {
		pool := &FixedPool{Maturity: maturity, Borrowed: big.NewInt(1)}
		if err := store.PutFixedPool(pool); err != nil {
			t.Fatalf("put pool %d: %v", maturity, err)
		}
	}
	maturities, err := store.Maturities()
	if err != nil {
		t.Fatalf("maturities: %v", err)
	}
	want := []uint64{IntervalSeconds, 2 * IntervalSeconds, 3 * IntervalSeconds}
	if len(maturities) != len(want) {
		t.Fatalf("unexpected index length: %v", maturities)
	}
	for i, maturity := range want {
		if maturities[i] != maturity {
			t.Fatalf("index out of order: %v", maturities)
		}
	}
}

func TestStoreAccountIndexSorted(t *testing.T) {
	store := NewStore(storage.NewMemDB(), "DAI")
	for _, suffix := range []byte{0x03, 0x01, 0x02, 0x01} {
		acct := &Account{Address: makeAddress(suffix), SmartPoolShares: big.NewInt(1)}
		if err := store.PutAccount(acct); err != nil {
			t.Fatalf("put account %x: %v", suffix, err)
		}
	}
	accounts, err := store.Accounts()
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("unexpected index length: %v", accounts)
	}
	for i, suffix := range []byte{0x01, 0x02, 0x03} {
		if !accounts[i].Equal(makeAddress(suffix)) {
			t.Fatalf("index out of order at %d: %s", i, accounts[i])
		}
	}
}

func TestStoreFingerprintTracksLedger(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db, "DAI")
	empty, err := store.Fingerprint()
	if err != nil {
		t.Fatalf("empty fingerprint: %v", err)
	}
	if err := store.PutMarketState(storedMarketFixture()); err != nil {
		t.Fatalf("put: %v", err)
	}
	first, err := store.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if first == empty {
		t.Fatalf("fingerprint blind to state write")
	}

	// The same ledger written into a fresh database hashes identically.
	mirror := NewStore(storage.NewMemDB(), "DAI")
	if err := mirror.PutMarketState(storedMarketFixture()); err != nil {
		t.Fatalf("mirror put: %v", err)
	}
	mirrored, err := mirror.Fingerprint()
	if err != nil {
		t.Fatalf("mirror fingerprint: %v", err)
	}
	if mirrored != first {
		t.Fatalf("fingerprint not deterministic: %x vs %x", mirrored, first)
	}

	pool := &FixedPool{Maturity: IntervalSeconds, Borrowed: big.NewInt(7)}
	if err := store.PutFixedPool(pool); err != nil {
		t.Fatalf("put pool: %v", err)
	}
	second, err := store.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if second == first {
		t.Fatalf("fingerprint blind to pool write")
	}
}

func TestEngineRunsOnStore(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db, "DAI")
	engine := NewEngine("DAI", testParams())
	engine.SetState(store)
	engine.SetRateModel(flatRateModel{fixed: wadFraction(10), flexible: big.NewInt(0)})
	clock := &fakeClock{seconds: testBase}
	engine.SetClock(clock.Now)
	alice := makeAddress(0x01)
	bob := makeAddress(0x02)

	if _, err := engine.Deposit(alice, ether(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.BorrowAtMaturity(bob, bob, testMaturity, ether(10), nil); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := engine.RepayAtMaturity(bob, bob, testMaturity, ether(11), nil); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := engine.Withdraw(alice, alice, ether(100)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	m, err := store.MarketState()
	if err != nil {
		t.Fatalf("market state: %v", err)
	}
	if m.SmartPoolAssets.Sign() != 0 || m.SmartPoolShares.Sign() != 0 {
		t.Fatalf("pool not unwound: %+v", m)
	}
	if m.TotalFixedBorrowed.Sign() != 0 || m.BackupBorrowed.Sign() != 0 {
		t.Fatalf("claims not unwound: %+v", m)
	}
	maturities, err := store.Maturities()
	if err != nil {
		t.Fatalf("maturities: %v", err)
	}
	if len(maturities) != 1 || maturities[0] != testMaturity {
		t.Fatalf("unexpected maturities: %v", maturities)
	}
	accounts, err := store.Accounts()
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("unexpected accounts: %v", accounts)
	}
	loaded, err := store.Account(alice)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if loaded.SmartPoolShares.Sign() != 0 {
		t.Fatalf("shares not burned: %s", loaded.SmartPoolShares)
	}
}
