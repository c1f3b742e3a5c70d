package market

import (
	"math/big"
	"testing"
)

func absDiff(a, b *big.Int) *big.Int {
	return new(big.Int).Abs(new(big.Int).Sub(a, b))
}

func TestRoundingDirections(t *testing.T) {
	if got := MulDivDown(big.NewInt(7), big.NewInt(3), big.NewInt(2)); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("MulDivDown(7,3,2) = %s", got)
	}
	if got := MulDivUp(big.NewInt(7), big.NewInt(3), big.NewInt(2)); got.Cmp(big.NewInt(11)) != 0 {
		t.Fatalf("MulDivUp(7,3,2) = %s", got)
	}
	if got := MulDivUp(big.NewInt(6), big.NewInt(3), big.NewInt(2)); got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("MulDivUp(6,3,2) = %s", got)
	}

	rate := new(big.Int).Add(wad, oneInt)
	if got := MulWadDown(big.NewInt(1), rate); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("MulWadDown(1, wad+1) = %s", got)
	}
	if got := MulWadUp(big.NewInt(1), rate); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("MulWadUp(1, wad+1) = %s", got)
	}

	third := big.NewInt(3)
	if got := DivWadDown(oneInt, third); got.Cmp(big.NewInt(333333333333333333)) != 0 {
		t.Fatalf("DivWadDown(1,3) = %s", got)
	}
	if got := DivWadUp(oneInt, third); got.Cmp(big.NewInt(333333333333333334)) != 0 {
		t.Fatalf("DivWadUp(1,3) = %s", got)
	}
}

func TestExpNegWadBoundary(t *testing.T) {
	if got := ExpNegWad(nil); got.Cmp(wad) != 0 {
		t.Fatalf("ExpNegWad(nil) = %s", got)
	}
	if got := ExpNegWad(big.NewInt(0)); got.Cmp(wad) != 0 {
		t.Fatalf("ExpNegWad(0) = %s", got)
	}
	if got := ExpNegWad(big.NewInt(-5)); got.Cmp(wad) != 0 {
		t.Fatalf("ExpNegWad(-5) = %s", got)
	}
	if got := ExpNegWad(expCutoff); got.Sign() != 0 {
		t.Fatalf("ExpNegWad(cutoff) = %s", got)
	}
	huge := new(big.Int).Mul(big.NewInt(1000), wad)
	if got := ExpNegWad(huge); got.Sign() != 0 {
		t.Fatalf("ExpNegWad(1000) = %s", got)
	}
}

func TestExpNegWadKnownValues(t *testing.T) {
	cases := []struct {
		x    *big.Int
		want *big.Int
		tol  int64
	}{
		{halfWad, big.NewInt(606530659712633424), 100},
		{wad, big.NewInt(367879441171442321), 1000},
		{new(big.Int).Mul(big.NewInt(2), wad), big.NewInt(135335283236612702), 1000},
	}
	for _, tc := range cases {
		got := ExpNegWad(tc.x)
		if absDiff(got, tc.want).Cmp(big.NewInt(tc.tol)) > 0 {
			t.Fatalf("ExpNegWad(%s) = %s, want %s within %d", tc.x, got, tc.want, tc.tol)
		}
	}
}

func TestExpNegWadMonotonic(t *testing.T) {
	xs := []*big.Int{
		big.NewInt(0),
		big.NewInt(100_000_000_000_000_000),
		halfWad,
		wad,
		new(big.Int).Mul(big.NewInt(2), wad),
		new(big.Int).Mul(big.NewInt(5), wad),
		new(big.Int).Mul(big.NewInt(10), wad),
		new(big.Int).Mul(big.NewInt(41), wad),
	}
	prev := new(big.Int).Add(wad, oneInt)
	for _, x := range xs {
		got := ExpNegWad(x)
		if got.Sign() < 0 || got.Cmp(wad) > 0 {
			t.Fatalf("ExpNegWad(%s) = %s out of range", x, got)
		}
		if got.Cmp(prev) >= 0 {
			t.Fatalf("ExpNegWad not decreasing at %s: %s then %s", x, prev, got)
		}
		prev = got
	}
}

func TestExpNegWadSquareIdentity(t *testing.T) {
	// e^-2x must match (e^-x)^2 up to the quantisation of the series.
	x := big.NewInt(700_000_000_000_000_000)
	single := ExpNegWad(x)
	doubled := ExpNegWad(new(big.Int).Mul(big.NewInt(2), x))
	squared := MulWadDown(single, single)
	if absDiff(doubled, squared).Cmp(big.NewInt(4000)) > 0 {
		t.Fatalf("square identity broken: e^-2x %s vs squared %s", doubled, squared)
	}
}

func TestBigMinReturnsCopy(t *testing.T) {
	a := big.NewInt(5)
	b := big.NewInt(9)
	got := bigMin(a, b)
	if got.Cmp(a) != 0 {
		t.Fatalf("bigMin(5,9) = %s", got)
	}
	got.SetInt64(77)
	if a.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("bigMin aliased its argument: %s", a)
	}
	if got := bigMax(a, b); got.Cmp(b) != 0 {
		t.Fatalf("bigMax(5,9) = %s", got)
	}
}
