package hybrid_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prismdb/prism/internal/hybrid"
)

func TestFormulaArithmetic(t *testing.T) {
	f, err := hybrid.ParseFormula("_score * 2 + views / 10")
	require.NoError(t, err)
	got := f.Eval(map[string]float64{"_score": 1.5, "views": 100})
	require.InDelta(t, 13.0, got, 1e-9)
}

func TestFormulaLogAndPrecedence(t *testing.T) {
	f, err := hybrid.ParseFormula("log(_score) + 1")
	require.NoError(t, err)
	got := f.Eval(map[string]float64{"_score": math.E})
	require.InDelta(t, 2.0, got, 1e-9)
}

func TestFormulaParensAndUnaryMinus(t *testing.T) {
	f, err := hybrid.ParseFormula("-(_score + 1) * 2")
	require.NoError(t, err)
	got := f.Eval(map[string]float64{"_score": 3})
	require.InDelta(t, -8.0, got, 1e-9)
}

func TestFormulaRejectsTrailingGarbage(t *testing.T) {
	_, err := hybrid.ParseFormula("_score + 1 )")
	require.Error(t, err)
}
