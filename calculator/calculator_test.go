package calculator

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	assert.Equal(t, 8.0, Add(5, 3))
	assert.Equal(t, 2.0, Subtract(5, 3))
	assert.Equal(t, 15.0, Multiply(5, 3))
	assert.Equal(t, 1024.0, Power(2, 10))

	q, err := Divide(6, 3)
	require.NoError(t, err)
	assert.Equal(t, 2.0, q)
}

func TestDivideMultiplyIdentity(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		a := (r.Float64() - 0.5) * 1e6
		b := (r.Float64() - 0.5) * 1e3
		if b == 0 {
			continue
		}
		got, err := Divide(Multiply(a, b), b)
		require.NoError(t, err)
		assert.InDelta(t, a, got, 1e-9*math.Max(1, math.Abs(a)), "a=%v b=%v", a, b)
	}
}

func TestDivideByZero(t *testing.T) {
	for _, a := range []float64{0, 1, -1, math.MaxFloat64} {
		v, err := Divide(a, 0)
		require.ErrorIs(t, err, ErrDivisionByZero)
		assert.Zero(t, v)
	}
	_, err := Divide(1, math.Copysign(0, -1))
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestParseName(t *testing.T) {
	for _, n := range Names {
		got, err := ParseName(string(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}

	got, err := ParseName(PowerAlias)
	require.NoError(t, err)
	assert.Equal(t, NamePower, got)

	_, err = ParseName("modulo")
	require.ErrorIs(t, err, ErrInvalidTool)
	assert.Contains(t, err.Error(), "modulo")
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name Name
		x, y float64
		want float64
	}{
		{NameAdd, 5, 3, 8},
		{NameSubtract, 5, 3, 2},
		{NameMultiply, 5, 3, 15},
		{NameDivide, 9, 3, 3},
		{NamePower, 2, 10, 1024},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.name, tc.x, tc.y)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}

	_, err := Evaluate(NameDivide, 1, 0)
	require.ErrorIs(t, err, ErrDivisionByZero)

	_, err = Evaluate("sqrt", 4, 0)
	require.ErrorIs(t, err, ErrInvalidTool)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "The sum of 5 and 3 is 8", Describe(NameAdd, 5, 3, 8))
	assert.Equal(t, "The quotient of 1 divided by 4 is 0.25", Describe(NameDivide, 1, 4, 0.25))
	assert.Equal(t, "2 raised to the power of 10 is 1024", Describe(NamePower, 2, 10, 1024))
}
