package market

import (
	"math/big"
	"sort"

	"termlend/crypto"
)

const (
	// IntervalSeconds is the spacing between consecutive fixed pool
	// maturities: four weeks expressed in seconds. Every maturity
	// timestamp is a multiple of this interval.
	IntervalSeconds uint64 = 4 * 7 * 24 * 60 * 60
)

// Market captures the pooled accounting state for a single asset market.
// Amounts are denominated in wei and expressed as big integers so every
// replica reproduces the ledger bit for bit.
type Market struct {
	// SmartPoolAssets is the total asset value backing smart pool
	// shares, recognised earnings included.
	SmartPoolAssets *big.Int
	// SmartPoolShares is the number of smart pool shares outstanding.
	SmartPoolShares *big.Int
	// AssetsAverage is the damped moving average of SmartPoolAssets
	// quoted to the rate model instead of the spot value, so a deposit
	// cannot bend the curve within the same block it lands in.
	AssetsAverage *big.Int
	// LastAverageUpdate records when the damped average was refreshed.
	LastAverageUpdate uint64
	// EarningsAccumulator holds windfall earnings (penalties, backup
	// fees, liquidation incentives) released into SmartPoolAssets
	// gradually instead of in the block they land in.
	EarningsAccumulator *big.Int
	// LastAccumulatorAccrual records when the accumulator last dripped
	// into SmartPoolAssets.
	LastAccumulatorAccrual uint64
	// FlexibleDebt is the flexible rate debt outstanding, accrued
	// interest included.
	FlexibleDebt *big.Int
	// FlexibleBorrowShares is the number of flexible borrow shares
	// outstanding against FlexibleDebt.
	FlexibleBorrowShares *big.Int
	// LastFlexibleDebtUpdate records when FlexibleDebt last accrued
	// interest.
	LastFlexibleDebtUpdate uint64
	// BackupBorrowed aggregates the liquidity the smart pool has lent
	// into fixed pools: the sum of SuppliedSP across maturities.
	BackupBorrowed *big.Int
	// TotalFixedBorrowed aggregates the face value (principal plus fee)
	// owed across every fixed pool, before penalties.
	TotalFixedBorrowed *big.Int
}

// Clone returns a deep copy so staged mutations never leak into the
// persisted ledger on a failed operation.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	return &Market{
		SmartPoolAssets:        cloneBig(m.SmartPoolAssets),
		SmartPoolShares:        cloneBig(m.SmartPoolShares),
		AssetsAverage:          cloneBig(m.AssetsAverage),
		LastAverageUpdate:      m.LastAverageUpdate,
		EarningsAccumulator:    cloneBig(m.EarningsAccumulator),
		LastAccumulatorAccrual: m.LastAccumulatorAccrual,
		FlexibleDebt:           cloneBig(m.FlexibleDebt),
		FlexibleBorrowShares:   cloneBig(m.FlexibleBorrowShares),
		LastFlexibleDebtUpdate: m.LastFlexibleDebtUpdate,
		BackupBorrowed:         cloneBig(m.BackupBorrowed),
		TotalFixedBorrowed:     cloneBig(m.TotalFixedBorrowed),
	}
}

// FixedPool is the ledger for a single maturity bucket.
type FixedPool struct {
	// Maturity is the pool's settlement timestamp, always a multiple of
	// IntervalSeconds.
	Maturity uint64
	// Borrowed is the principal plus fee owed to this pool across all
	// borrowers.
	Borrowed *big.Int
	// Supplied is the principal plus fee deposited at this maturity by
	// fixed rate lenders.
	Supplied *big.Int
	// SuppliedSP is the slice of Borrowed funded by the smart pool as
	// backup liquidity. Never exceeds Borrowed.
	SuppliedSP *big.Int
	// UnassignedEarnings holds fees collected for this maturity that
	// the smart pool has not recognised yet. Decays to zero as the
	// maturity approaches.
	UnassignedEarnings *big.Int
	// LastAccrual records the timestamp of the last earnings
	// recognition for this pool.
	LastAccrual uint64
}

// Clone returns a deep copy of the pool.
func (p *FixedPool) Clone() *FixedPool {
	if p == nil {
		return nil
	}
	return &FixedPool{
		Maturity:           p.Maturity,
		Borrowed:           cloneBig(p.Borrowed),
		Supplied:           cloneBig(p.Supplied),
		SuppliedSP:         cloneBig(p.SuppliedSP),
		UnassignedEarnings: cloneBig(p.UnassignedEarnings),
		LastAccrual:        p.LastAccrual,
	}
}

// Position is a fixed rate deposit or borrow at one maturity, split into
// the amount moved at entry and the fee agreed then.
type Position struct {
	// Principal is the asset amount moved when the position was opened.
	Principal *big.Int
	// Fee is the fixed fee agreed when the position was opened.
	Fee *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{Principal: cloneBig(p.Principal), Fee: cloneBig(p.Fee)}
}

// Total returns principal plus fee.
func (p *Position) Total() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(bigOrZero(p.Principal), bigOrZero(p.Fee))
}

// reduceBy shrinks the position so its total drops by reduction while
// preserving the principal to fee ratio. Reduction is capped at the
// position total; the surviving fee rounds down so the owed principal
// rounds up.
func (p *Position) reduceBy(reduction *big.Int) {
	total := p.Total()
	if total.Sign() == 0 || reduction.Sign() <= 0 {
		return
	}
	if reduction.Cmp(total) >= 0 {
		p.Principal = big.NewInt(0)
		p.Fee = big.NewInt(0)
		return
	}
	remaining := new(big.Int).Sub(total, reduction)
	p.Fee = MulDivDown(bigOrZero(p.Fee), remaining, total)
	p.Principal = new(big.Int).Sub(remaining, p.Fee)
}

// Account holds one participant's balances within a market.
type Account struct {
	// Address identifies the participant.
	Address crypto.Address
	// SmartPoolShares is the account's smart pool share balance.
	SmartPoolShares *big.Int
	// FlexibleBorrowShares is the account's flexible debt share balance.
	FlexibleBorrowShares *big.Int
	// FixedDeposits maps maturity timestamps to fixed rate deposits.
	FixedDeposits map[uint64]*Position
	// FixedBorrows maps maturity timestamps to fixed rate borrows.
	FixedBorrows map[uint64]*Position
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := &Account{
		Address:              a.Address,
		SmartPoolShares:      cloneBig(a.SmartPoolShares),
		FlexibleBorrowShares: cloneBig(a.FlexibleBorrowShares),
	}
	if a.FixedDeposits != nil {
		out.FixedDeposits = make(map[uint64]*Position, len(a.FixedDeposits))
		for maturity, pos := range a.FixedDeposits {
			out.FixedDeposits[maturity] = pos.Clone()
		}
	}
	if a.FixedBorrows != nil {
		out.FixedBorrows = make(map[uint64]*Position, len(a.FixedBorrows))
		for maturity, pos := range a.FixedBorrows {
			out.FixedBorrows[maturity] = pos.Clone()
		}
	}
	return out
}

// BorrowMaturities returns the maturities the account owes at, ascending.
func (a *Account) BorrowMaturities() []uint64 {
	if a == nil || len(a.FixedBorrows) == 0 {
		return nil
	}
	out := make([]uint64, 0, len(a.FixedBorrows))
	for maturity, pos := range a.FixedBorrows {
		if pos.Total().Sign() > 0 {
			out = append(out, maturity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Params groups the governance controlled knobs of a market. Rates and
// factors are WAD scaled fractions unless noted otherwise.
type Params struct {
	// MaxFuturePools bounds how many maturities ahead of now accept new
	// positions.
	MaxFuturePools uint64
	// PenaltyRate charges overdue fixed debt per second after maturity.
	PenaltyRate *big.Int
	// TreasuryFeeRate is the slice of collected fees minted to the
	// treasury as smart pool shares.
	TreasuryFeeRate *big.Int
	// BackupFeeRate is the slice of a fixed depositor's yield withheld
	// for the backup the smart pool provided, routed to the earnings
	// accumulator.
	BackupFeeRate *big.Int
	// ReserveFactor keeps a fraction of SmartPoolAssets out of reach of
	// flexible borrows.
	ReserveFactor *big.Int
	// DampSpeedUp steers the assets average toward a rising
	// SmartPoolAssets, per second.
	DampSpeedUp *big.Int
	// DampSpeedDown steers the assets average toward a falling
	// SmartPoolAssets, per second.
	DampSpeedDown *big.Int
	// SmoothFactor stretches the earnings accumulator release window in
	// units of the maturity interval. Higher values release slower.
	SmoothFactor *big.Int
	// TreasuryAddress receives minted treasury shares. Required when
	// TreasuryFeeRate is nonzero.
	TreasuryAddress crypto.Address
}

// Clone returns a deep copy of the parameter set.
func (p Params) Clone() Params {
	out := p
	out.PenaltyRate = cloneBig(p.PenaltyRate)
	out.TreasuryFeeRate = cloneBig(p.TreasuryFeeRate)
	out.BackupFeeRate = cloneBig(p.BackupFeeRate)
	out.ReserveFactor = cloneBig(p.ReserveFactor)
	out.DampSpeedUp = cloneBig(p.DampSpeedUp)
	out.DampSpeedDown = cloneBig(p.DampSpeedDown)
	out.SmoothFactor = cloneBig(p.SmoothFactor)
	return out
}
