package market

import "math/big"

// Fixed point helpers for the market ledger. Asset amounts are integer
// wei; rates, utilisations and damping factors are WAD (1e18) scaled
// fractions. Rounding always favours the protocol: amounts paid out to
// an account round down, amounts owed by an account round up. All
// helpers expect non-negative inputs.

var (
	wad       = big.NewInt(1_000_000_000_000_000_000)
	halfWad   = big.NewInt(500_000_000_000_000_000)
	oneInt    = big.NewInt(1)
	expCutoff = new(big.Int).Mul(big.NewInt(42), wad)
	yearSecs  = big.NewInt(365 * 24 * 60 * 60)
)

// MulDivDown returns a*b/denominator rounded toward zero.
func MulDivDown(a, b, denominator *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denominator)
}

// MulDivUp returns a*b/denominator rounded away from zero.
func MulDivUp(a, b, denominator *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	rem := new(big.Int)
	out.QuoRem(out, denominator, rem)
	if rem.Sign() != 0 {
		out.Add(out, oneInt)
	}
	return out
}

// MulWadDown multiplies an amount by a WAD factor, rounding down.
func MulWadDown(a, factor *big.Int) *big.Int {
	return MulDivDown(a, factor, wad)
}

// MulWadUp multiplies an amount by a WAD factor, rounding up.
func MulWadUp(a, factor *big.Int) *big.Int {
	return MulDivUp(a, factor, wad)
}

// DivWadDown returns a/b as a WAD fraction, rounding down.
func DivWadDown(a, b *big.Int) *big.Int {
	return MulDivDown(a, wad, b)
}

// DivWadUp returns a/b as a WAD fraction, rounding up.
func DivWadUp(a, b *big.Int) *big.Int {
	return MulDivUp(a, wad, b)
}

// ExpNegWad returns e^(-x) in WAD precision for a non-negative WAD
// argument. The series is evaluated with integer arithmetic only so
// every replica derives the identical factor from the same ledger.
func ExpNegWad(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return new(big.Int).Set(wad)
	}
	if x.Cmp(expCutoff) >= 0 {
		return big.NewInt(0)
	}
	// Halve the argument until the Taylor series converges in a few
	// terms, then square the partial result back up.
	z := new(big.Int).Set(x)
	var squarings uint
	for z.Cmp(halfWad) > 0 {
		z.Rsh(z, 1)
		squarings++
	}
	sum := new(big.Int).Set(wad)
	term := new(big.Int).Set(wad)
	for n := int64(1); term.Sign() != 0 && n < 64; n++ {
		term.Mul(term, z)
		term.Quo(term, wad)
		term.Quo(term, big.NewInt(n))
		if n%2 == 1 {
			sum.Sub(sum, term)
		} else {
			sum.Add(sum, term)
		}
	}
	for i := uint(0); i < squarings; i++ {
		sum.Mul(sum, sum)
		sum.Quo(sum, wad)
	}
	if sum.Sign() < 0 {
		return big.NewInt(0)
	}
	return sum
}

func bigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func bigMax(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
