package interest

import (
	"math/big"

	"termlend/native/market"
)

const secondsPerYear = 365 * 24 * 60 * 60

// Default curve parameters, WAD scaled. The curve passes through a 2%
// annual rate at zero utilisation and 14% at 80%.
var (
	DefaultCurveA         = big.NewInt(49_500_000_000_000_000)
	DefaultCurveB         = big.NewInt(-25_000_000_000_000_000)
	DefaultMaxUtilization = big.NewInt(1_100_000_000_000_000_000)
)

// Model prices borrows against pool utilisation with the hyperbolic
// curve rate(u) = a/(uMax - u) + b, all quantities WAD scaled. One
// curve serves both channels: fixed borrows scale the annual rate to
// the window left until maturity, flexible borrows take it annualised.
type Model struct {
	// CurveA is the WAD numerator of the hyperbolic term.
	CurveA *big.Int
	// CurveB is the WAD constant offset, usually negative so the curve
	// crosses a sensible rate at zero utilisation.
	CurveB *big.Int
	// MaxUtilization is the WAD asymptote. Utilisation at or above it
	// cannot be priced and the borrow is refused.
	MaxUtilization *big.Int
}

// NewModel builds a model from the given curve parameters. Nil or
// non-positive parameters fall back to the defaults; CurveB keeps any
// negative value the caller supplies.
func NewModel(curveA, curveB, maxUtilization *big.Int) *Model {
	m := &Model{
		CurveA:         DefaultCurveA,
		CurveB:         DefaultCurveB,
		MaxUtilization: DefaultMaxUtilization,
	}
	if curveA != nil && curveA.Sign() > 0 {
		m.CurveA = new(big.Int).Set(curveA)
	}
	if curveB != nil {
		m.CurveB = new(big.Int).Set(curveB)
	}
	if maxUtilization != nil && maxUtilization.Sign() > 0 {
		m.MaxUtilization = new(big.Int).Set(maxUtilization)
	}
	return m
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	return NewModel(m.CurveA, m.CurveB, m.MaxUtilization)
}

// FixedRate returns the rate charged on a new fixed borrow: the annual
// curve rate at the pool's utilisation, scaled to the window between
// now and maturity. Supplied depositor principal and the smart pool
// backup quote together form the liquidity side of the utilisation.
func (m *Model) FixedRate(maturity, now uint64, borrowed, supplied, backup *big.Int) (*big.Int, error) {
	if maturity <= now {
		return nil, market.ErrInvalidTimeDifference
	}
	liquidity := new(big.Int).Add(orZero(supplied), orZero(backup))
	u, err := m.utilization(orZero(borrowed), liquidity)
	if err != nil {
		return nil, err
	}
	annual, err := m.annualRate(u)
	if err != nil {
		return nil, err
	}
	window := new(big.Int).SetUint64(maturity - now)
	return market.MulDivDown(annual, window, big.NewInt(secondsPerYear)), nil
}

// FlexibleRate returns the annualised curve rate at the given WAD
// utilisation.
func (m *Model) FlexibleRate(utilization *big.Int) (*big.Int, error) {
	return m.annualRate(orZero(utilization))
}

func (m *Model) utilization(borrowed, liquidity *big.Int) (*big.Int, error) {
	if borrowed.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if liquidity.Sign() <= 0 {
		return nil, market.ErrInsufficientProtocolLiquidity
	}
	return market.DivWadUp(borrowed, liquidity), nil
}

func (m *Model) annualRate(u *big.Int) (*big.Int, error) {
	if u.Cmp(m.MaxUtilization) >= 0 {
		return nil, market.ErrInsufficientProtocolLiquidity
	}
	gap := new(big.Int).Sub(m.MaxUtilization, u)
	rate := market.DivWadUp(m.CurveA, gap)
	rate.Add(rate, m.CurveB)
	if rate.Sign() < 0 {
		rate.SetInt64(0)
	}
	return rate, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
