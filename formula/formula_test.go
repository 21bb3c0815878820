package formula

import (
	"errors"
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func lookupOf(vars map[string]Value) Lookup {
	return func(name string) (Value, error) {
		v, ok := vars[name]
		if !ok {
			return Value{}, ErrUnknownIdentifier
		}
		return v, nil
	}
}

func evalInt(t *testing.T, src string, vars map[string]Value) int64 {
	t.Helper()
	expr, err := Parse(src)
	assert.NoError(t, err)
	v, err := expr.Eval(lookupOf(vars))
	assert.NoError(t, err)
	assert.True(t, v.IsInteger())
	return v.AsInt64()
}

func evalFloat(t *testing.T, src string, vars map[string]Value) float64 {
	t.Helper()
	expr, err := Parse(src)
	assert.NoError(t, err)
	v, err := expr.Eval(lookupOf(vars))
	assert.NoError(t, err)
	return v.AsFloat64()
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want int64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"7 / 2", 3},
		{"-7 / 2", -3}, // truncates toward zero
		{"7 % 3", 1},
		{"2 ** 10", 1024},
		{"1 << 4", 16},
		{"256 >> 4", 16},
		{"0xFF & 0x0F", 0x0F},
		{"0xF0 | 0x0F", 0xFF},
		{"0xFF ^ 0x0F", 0xF0},
		{"~0", -1},
		{"-(3 + 4)", -7},
		{"ABS(-42)", 42},
		{"SGN(-3)", -1},
		{"0x1000", 4096},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, evalInt(t, tt.src, nil))
		})
	}
}

func TestConditionalSelect(t *testing.T) {
	vars := map[string]Value{"a": Int64(5), "b": Int64(3)}
	assert.Equal(t, int64(8), evalInt(t, "(a > b) ? (a + b) : (a - b)", vars))

	vars = map[string]Value{"a": Int64(3), "b": Int64(5)}
	assert.Equal(t, int64(-2), evalInt(t, "(a > b) ? (a + b) : (a - b)", vars))
}

func TestComparisonAndLogic(t *testing.T) {
	tests := []struct {
		src  string
		want int64
	}{
		{"1 = 1", 1},
		{"1 <> 2", 1},
		{"2 < 1", 0},
		{"2 >= 2", 1},
		{"1 && 0", 0},
		{"1 || 0", 1},
		{"(1 < 2) && (3 < 4)", 1},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, evalInt(t, tt.src, nil))
		})
	}
}

func TestFloatSemantics(t *testing.T) {
	t.Run("mixed operands promote to float", func(t *testing.T) {
		assert.Equal(t, 3.5, evalFloat(t, "7 / 2.0", nil))
	})

	t.Run("float division by zero is IEEE", func(t *testing.T) {
		assert.True(t, math.IsInf(evalFloat(t, "1.0 / 0.0", nil), 1))
	})

	t.Run("NaN propagates through arithmetic", func(t *testing.T) {
		vars := map[string]Value{"nan": Float64(math.NaN())}
		assert.True(t, math.IsNaN(evalFloat(t, "nan + 1.0", vars)))
	})

	t.Run("NaN comparisons are false", func(t *testing.T) {
		vars := map[string]Value{"nan": Float64(math.NaN())}
		assert.Equal(t, int64(0), evalInt(t, "nan = nan", vars))
		assert.Equal(t, int64(0), evalInt(t, "nan <> nan", vars))
		assert.Equal(t, int64(0), evalInt(t, "nan <> 1.0", vars))
		assert.Equal(t, int64(0), evalInt(t, "nan < 1.0", vars))
		assert.Equal(t, int64(0), evalInt(t, "nan > 1.0", vars))
	})

	t.Run("rounding words", func(t *testing.T) {
		assert.Equal(t, 2.0, evalFloat(t, "FLOOR(2.9)", nil))
		assert.Equal(t, 3.0, evalFloat(t, "CEIL(2.1)", nil))
		assert.Equal(t, 3.0, evalFloat(t, "ROUND(2.5)", nil))
		assert.Equal(t, 2.0, evalFloat(t, "TRUNC(2.9)", nil))
		assert.Equal(t, 4.0, evalFloat(t, "SQRT(16)", nil))
	})
}

func TestEvaluationErrors(t *testing.T) {
	t.Run("unknown identifier", func(t *testing.T) {
		expr := MustParse("missing + 1")
		_, err := expr.Eval(lookupOf(nil))
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownIdentifier))
	})

	t.Run("integer division by zero", func(t *testing.T) {
		expr := MustParse("1 / 0")
		_, err := expr.Eval(nil)
		assert.True(t, errors.Is(err, ErrDivisionByZero))
	})

	t.Run("integer remainder by zero", func(t *testing.T) {
		expr := MustParse("1 % 0")
		_, err := expr.Eval(nil)
		assert.True(t, errors.Is(err, ErrDivisionByZero))
	})

	t.Run("short-circuit skips unknown identifier", func(t *testing.T) {
		expr := MustParse("0 && missing")
		v, err := expr.Eval(lookupOf(nil))
		assert.NoError(t, err)
		assert.Equal(t, int64(0), v.AsInt64())
	})
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"",
		"1 +",
		"(1 + 2",
		"1 ? 2",
		"SQRT 4",
		"1 $ 2",
		"1 2",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			assert.Error(t, err)
		})
	}
}

func TestIdentifiers(t *testing.T) {
	expr := MustParse("(Gain > GainMax) ? GainMax : Gain + Offset")
	assert.Equal(t, []string{"Gain", "GainMax", "Offset"}, expr.Identifiers())
}
