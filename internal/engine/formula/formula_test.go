package formula

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, src string, scope MapScope) any {
	t.Helper()
	expr, err := Parse(src)
	require.NoError(t, err, "parse %q", src)
	v, err := Eval(expr, &Env{Scope: scope})
	require.NoError(t, err, "eval %q", src)
	return v
}

func TestArithmeticAndPrecedence(t *testing.T) {
	assert.Equal(t, 7.0, eval(t, "1 + 2 * 3", nil))
	assert.Equal(t, 9.0, eval(t, "(1 + 2) * 3", nil))
	assert.Equal(t, 1.0, eval(t, "7 % 3", nil))
	assert.Equal(t, -4.0, eval(t, "-2 * 2", nil))
	assert.Equal(t, 2.5, eval(t, "5 / 2", nil))
}

func TestComparisonsAndLogic(t *testing.T) {
	scope := MapScope{"age": 20.0, "name": "ada"}

	assert.Equal(t, false, eval(t, "age < 18", scope))
	assert.Equal(t, true, eval(t, "age >= 18 && name == 'ada'", scope))
	assert.Equal(t, true, eval(t, "age < 18 || name != 'bob'", scope))
	assert.Equal(t, true, eval(t, "not (age < 18)", scope))
	// Single '=' is tolerated as equality.
	assert.Equal(t, true, eval(t, "name = 'ada'", scope))
}

func TestUnresolvedReferenceIsNil(t *testing.T) {
	assert.Nil(t, eval(t, "missing", MapScope{}))
	assert.Equal(t, false, eval(t, "missing && true", MapScope{}))
}

func TestShortCircuit(t *testing.T) {
	// The right operand divides by zero; && must not evaluate it.
	assert.Equal(t, false, eval(t, "false && 1/0 > 0", nil))
	assert.Equal(t, true, eval(t, "true || 1/0 > 0", nil))
}

func TestBuiltins(t *testing.T) {
	scope := MapScope{"q1": 3.0, "q2": 4.0, "scores": []any{1.0, 2.0, 3.0}}

	assert.Equal(t, 7.0, eval(t, "SUM(q1, q2)", scope))
	assert.Equal(t, 3.5, eval(t, "AVG(q1, q2)", scope))
	assert.Equal(t, 6.0, eval(t, "SUM(scores)", scope))
	assert.Equal(t, 2.0, eval(t, "COUNT(q1, q2)", scope))
	assert.Equal(t, 2.0, eval(t, "COUNT(q1, missing, q2)", scope))
	assert.Equal(t, "yes", eval(t, "IF(q1 < q2, 'yes', 'no')", scope))
	assert.Equal(t, "3-4", eval(t, "CONCAT(q1, '-', q2)", scope))
	assert.Equal(t, 5.0, eval(t, "LENGTH('hello')", scope))
	assert.Equal(t, 3.0, eval(t, "LENGTH(scores)", scope))
}

func TestClockedBuiltins(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	onset := now.Add(-450 * time.Millisecond)

	expr, err := Parse("TIME_SINCE(onset)")
	require.NoError(t, err)
	v, err := Eval(expr, &Env{
		Scope: MapScope{"onset": onset},
		Now:   func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.Equal(t, 450.0, v)
}

func TestRandintBounds(t *testing.T) {
	expr, err := Parse("RANDINT(2, 5)")
	require.NoError(t, err)

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		v, err := Eval(expr, &Env{Rand: func() float64 { return r }})
		require.NoError(t, err)
		n := v.(float64)
		assert.GreaterOrEqual(t, n, 2.0)
		assert.LessOrEqual(t, n, 5.0)
		assert.Equal(t, n, float64(int(n)))
	}
}

func TestParseRejections(t *testing.T) {
	cases := []string{
		"EXEC('rm -rf')", // Unknown function: the grammar is closed
		"1 +",
		"(1 + 2",
		"IF(1, 2)", // Wrong arity
		"'unterminated",
		"1 @ 2",
	}
	for _, src := range cases {
		_, err := Parse(src)
		assert.Error(t, err, "expected parse failure for %q", src)
	}
}

func TestIdentifiers(t *testing.T) {
	expr, err := Parse("IF(q1 > q2, q1 + bonus, q2)")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "q2", "bonus"}, Identifiers(expr))
}

func TestScanIdentifiersFallback(t *testing.T) {
	// Unparseable input still yields its variable-shaped symbols, skipping
	// builtins, keywords and string literal contents.
	ids := ScanIdentifiers("SUM(q1,, q2) and 'not_a_var' q3 +")
	assert.Equal(t, []string{"q1", "q2", "q3"}, ids)
}

func TestDivisionByZeroErrors(t *testing.T) {
	expr, err := Parse("1 / 0")
	require.NoError(t, err)
	_, err = Eval(expr, &Env{})
	assert.Error(t, err)
}

func TestStringConcatenationWithPlus(t *testing.T) {
	assert.Equal(t, "score: 10", eval(t, "'score: ' + 10", nil))
}
