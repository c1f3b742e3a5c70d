package market

import (
	"math/big"

	"termlend/crypto"
)

// Snapshot is the market level state reported to callers, accrued to
// the moment it was taken.
type Snapshot struct {
	Symbol              string
	Timestamp           uint64
	SmartPoolAssets     *big.Int
	SmartPoolShares     *big.Int
	SharePrice          *big.Int
	AssetsAverage       *big.Int
	EarningsAccumulator *big.Int
	FlexibleDebt        *big.Int
	FlexibleUtilization *big.Int
	BackupBorrowed      *big.Int
	TotalFixedBorrowed  *big.Int
}

// previewMarket returns an accrued copy of the stored market state
// without touching the store.
func (e *Engine) previewMarket() (*Market, uint64, error) {
	if e == nil || e.state == nil {
		return nil, 0, errNilState
	}
	m, err := e.ensureMarketState()
	if err != nil {
		return nil, 0, err
	}
	now := e.now()
	if _, err := e.accrue(m, now); err != nil {
		return nil, 0, err
	}
	return m, now, nil
}

// TotalAssets returns the smart pool assets as of now, pending
// flexible interest included.
func (e *Engine) TotalAssets() (*big.Int, error) {
	m, _, err := e.previewMarket()
	if err != nil {
		return nil, err
	}
	return m.SmartPoolAssets, nil
}

// SharePrice returns the WAD value of one smart pool share. An empty
// vault prices at one.
func (e *Engine) SharePrice() (*big.Int, error) {
	m, _, err := e.previewMarket()
	if err != nil {
		return nil, err
	}
	if m.SmartPoolShares.Sign() == 0 {
		return new(big.Int).Set(wad), nil
	}
	return MulDivDown(m.SmartPoolAssets, wad, m.SmartPoolShares), nil
}

// Utilization returns flexible debt over smart pool assets as a WAD
// fraction, zero while the pool is empty.
func (e *Engine) Utilization() (*big.Int, error) {
	m, _, err := e.previewMarket()
	if err != nil {
		return nil, err
	}
	if m.SmartPoolAssets.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return DivWadDown(m.FlexibleDebt, m.SmartPoolAssets), nil
}

// Snapshot aggregates the market level figures in one accrued view.
func (e *Engine) Snapshot() (*Snapshot, error) {
	m, now, err := e.previewMarket()
	if err != nil {
		return nil, err
	}
	price := new(big.Int).Set(wad)
	if m.SmartPoolShares.Sign() > 0 {
		price = MulDivDown(m.SmartPoolAssets, wad, m.SmartPoolShares)
	}
	utilization := big.NewInt(0)
	if m.SmartPoolAssets.Sign() > 0 {
		utilization = DivWadDown(m.FlexibleDebt, m.SmartPoolAssets)
	}
	return &Snapshot{
		Symbol:              e.symbol,
		Timestamp:           now,
		SmartPoolAssets:     m.SmartPoolAssets,
		SmartPoolShares:     m.SmartPoolShares,
		SharePrice:          price,
		AssetsAverage:       m.AssetsAverage,
		EarningsAccumulator: m.EarningsAccumulator,
		FlexibleDebt:        m.FlexibleDebt,
		FlexibleUtilization: utilization,
		BackupBorrowed:      m.BackupBorrowed,
		TotalFixedBorrowed:  m.TotalFixedBorrowed,
	}, nil
}

// FixedPoolState returns the pool at maturity with pending earnings
// recognised, leaving the store untouched.
func (e *Engine) FixedPoolState(maturity uint64) (*FixedPool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := alignedMaturity(maturity); err != nil {
		return nil, err
	}
	pool, err := e.state.FixedPool(maturity)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &FixedPool{Maturity: maturity, LastAccrual: e.now()}
	}
	ensurePoolDefaults(pool)
	if pool.Maturity == 0 {
		pool.Maturity = maturity
	}
	pool.accrueEarnings(e.now())
	return pool, nil
}

// AccountSnapshot reports the account's collateral and debt in asset
// terms as of now. Collateral is the smart pool balance; fixed debt
// carries its penalty surcharge once overdue, and the flexible
// position prices at current debt per share.
func (e *Engine) AccountSnapshot(account crypto.Address) (collateral, debt *big.Int, err error) {
	m, now, err := e.previewMarket()
	if err != nil {
		return nil, nil, err
	}
	acct, err := e.state.Account(account)
	if err != nil {
		return nil, nil, err
	}
	if acct == nil {
		acct = &Account{Address: account}
	}
	ensureAccountDefaults(acct)
	collateral = convertToAssets(m, acct.SmartPoolShares)
	debt = big.NewInt(0)
	for maturity, pos := range acct.FixedBorrows {
		total := pos.Total()
		if total.Sign() == 0 {
			continue
		}
		debt.Add(debt, total)
		if now > maturity {
			late := new(big.Int).SetUint64(now - maturity)
			debt.Add(debt, MulWadUp(total, new(big.Int).Mul(e.params.PenaltyRate, late)))
		}
	}
	debt.Add(debt, flexibleDebtOf(m, acct.FlexibleBorrowShares))
	return collateral, debt, nil
}

// PreviewDebt returns the assets needed to settle every position the
// borrower holds right now, penalties included.
func (e *Engine) PreviewDebt(borrower crypto.Address) (*big.Int, error) {
	_, debt, err := e.AccountSnapshot(borrower)
	if err != nil {
		return nil, err
	}
	return debt, nil
}

// AccountPositions returns a deep copy of the account's ledger entry.
func (e *Engine) AccountPositions(account crypto.Address) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	acct, err := e.state.Account(account)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &Account{Address: account}
	}
	ensureAccountDefaults(acct)
	return acct, nil
}
