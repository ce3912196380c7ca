package irm

import (
	"math"
	"testing"

	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(DefaultParameters())
	require.NoError(t, err)
	return m
}

func asFloat(x uint256.Int) float64 {
	f, _ := fpmath.ToDecimal(x, fpmath.WadDigit).Float64()
	return f
}

func TestFloatingRateAtPoint(t *testing.T) {
	m := newModel(t)
	u := fpmath.MustParseWad("0.5")

	r, err := m.FloatingRate(u, u)
	require.NoError(t, err)

	want := 0.023/(1.02-0.5) - 0.0025
	assert.InDelta(t, want, asFloat(r), 1e-12)
}

func TestFloatingRateClosedForm(t *testing.T) {
	m := newModel(t)
	r, err := m.FloatingRate(fpmath.MustParseWad("0.5"), fpmath.MustParseWad("0.6"))
	require.NoError(t, err)

	want := 0.023*math.Log(0.52/0.42)/0.1 - 0.0025
	assert.InDelta(t, want, asFloat(r), 1e-12)
}

func TestFloatingRateOrderIndependent(t *testing.T) {
	m := newModel(t)
	up, err := m.FloatingRate(fpmath.MustParseWad("0.2"), fpmath.MustParseWad("0.7"))
	require.NoError(t, err)
	down, err := m.FloatingRate(fpmath.MustParseWad("0.7"), fpmath.MustParseWad("0.2"))
	require.NoError(t, err)
	assert.True(t, fpmath.Eq(up, down))
}

func TestFloatingRateMonotonic(t *testing.T) {
	m := newModel(t)
	prev := uint256.Int{}
	for _, u := range []string{"0", "0.25", "0.5", "0.75", "0.95", "1"} {
		w := fpmath.MustParseWad(u)
		r, err := m.FloatingRate(w, w)
		require.NoError(t, err)
		assert.True(t, fpmath.Gt(r, prev), "rate at %s", u)
		prev = r
	}
}

func TestFloatingRateUtilizationExceeded(t *testing.T) {
	m := newModel(t)
	_, err := m.FloatingRate(fpmath.MustParseWad("0.5"), fpmath.MustParseWad("1.01"))
	assert.ErrorIs(t, err, ErrUtilizationExceeded)
}

func TestFixedRate(t *testing.T) {
	m := newModel(t)
	now := uint64(1_000)
	maturity := now + 30*fpmath.Day

	t.Run("matured", func(t *testing.T) {
		_, err := m.FixedRate(now, now, fpmath.N(1), fpmath.N(0), fpmath.N(10), fpmath.N(10))
		assert.ErrorIs(t, err, ErrAlreadyMatured)
	})

	t.Run("no liquidity", func(t *testing.T) {
		_, err := m.FixedRate(maturity, now, fpmath.N(1), fpmath.N(0), fpmath.N(0), fpmath.N(0))
		assert.ErrorIs(t, err, ErrUtilizationExceeded)
	})

	t.Run("beyond potential", func(t *testing.T) {
		_, err := m.FixedRate(maturity, now, fpmath.N(11), fpmath.N(0), fpmath.N(5), fpmath.N(5))
		assert.ErrorIs(t, err, ErrUtilizationExceeded)
	})

	t.Run("averages over the borrow", func(t *testing.T) {
		r, err := m.FixedRate(maturity, now, fpmath.N(500), fpmath.N(0), fpmath.N(0), fpmath.N(1_000))
		require.NoError(t, err)
		want := 0.023*math.Log(1.02/0.52)/0.5 - 0.0025
		assert.InDelta(t, want, asFloat(r), 1e-12)
	})
}

func TestTermRate(t *testing.T) {
	annual := fpmath.MustParseWad("0.365")
	got := TermRate(annual, 10*fpmath.Day, 0)
	assert.Equal(t, "0.01", fpmath.FormatWad(got))
	assert.True(t, fpmath.IsZero(TermRate(annual, 5, 5)))
}

func TestNewRejectsInvalidCurves(t *testing.T) {
	p := DefaultParameters()
	p.Fixed.MaxUtilization = decimal.NewFromInt(1)
	_, err := New(p)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	p = DefaultParameters()
	p.Floating.B = decimal.NewFromInt(-1)
	_, err = New(p)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}
