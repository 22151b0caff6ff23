package variable

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/model"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(clk, zerolog.Nop()), clk
}

func number(id string) model.Variable {
	return model.Variable{ID: id, Name: id, Type: model.VariableTypeNumber, Scope: model.ScopeGlobal}
}

func derived(id, f string) model.Variable {
	return model.Variable{ID: id, Name: id, Type: model.VariableTypeNumber, Formula: f}
}

func TestRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("x")))

	require.NoError(t, e.Set("x", 42, model.SourceResponse))
	v, err := e.Get("x")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestDuplicateRegistration(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("x")))

	err := e.Register(number("x"))
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
}

func TestNotFound(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Get("ghost")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.ID)

	err = e.Set("ghost", 1, model.SourceSystem)
	require.ErrorAs(t, err, &nf)
}

func TestDefaultValueApplied(t *testing.T) {
	e, _ := newTestEngine(t)
	v := number("x")
	v.DefaultValue = 5
	require.NoError(t, e.Register(v))

	got, err := e.Get("x")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
}

func TestReadDoesNotAdvanceTimestamp(t *testing.T) {
	e, clk := newTestEngine(t)
	require.NoError(t, e.Register(number("x")))
	require.NoError(t, e.Set("x", 1, model.SourceResponse))

	ts1, ok := e.Timestamp("x")
	require.True(t, ok)

	clk.Advance(time.Second)
	v1, err := e.Get("x")
	require.NoError(t, err)
	v2, err := e.Get("x")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	ts2, _ := e.Timestamp("x")
	assert.Equal(t, ts1, ts2)
}

func TestMonotonicTimestamps(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("x")))

	// The manual clock does not move between writes; timestamps must
	// still strictly increase.
	require.NoError(t, e.Set("x", 1, model.SourceResponse))
	ts1, _ := e.Timestamp("x")
	require.NoError(t, e.Set("x", 2, model.SourceResponse))
	ts2, _ := e.Timestamp("x")
	assert.True(t, ts2.After(ts1))
}

func TestTypeCoercion(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("n")))
	require.NoError(t, e.Register(model.Variable{ID: "b", Type: model.VariableTypeBoolean}))
	require.NoError(t, e.Register(model.Variable{ID: "d", Type: model.VariableTypeDate}))
	require.NoError(t, e.Register(model.Variable{ID: "arr", Type: model.VariableTypeArray}))

	require.NoError(t, e.Set("n", "3.5", model.SourceResponse))
	v, _ := e.Get("n")
	assert.Equal(t, 3.5, v)

	var invalid *InvalidValueError
	require.ErrorAs(t, e.Set("n", "not a number", model.SourceResponse), &invalid)

	require.NoError(t, e.Set("b", "true", model.SourceResponse))
	v, _ = e.Get("b")
	assert.Equal(t, true, v)

	require.NoError(t, e.Set("d", "2026-03-01", model.SourceResponse))
	require.ErrorAs(t, e.Set("d", "not a date", model.SourceResponse), &invalid)

	require.ErrorAs(t, e.Set("arr", 42, model.SourceResponse), &invalid)
	require.NoError(t, e.Set("arr", []any{1.0, 2.0}, model.SourceResponse))
}

func TestFormulaEvaluation(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("q1")))
	require.NoError(t, e.Register(number("q2")))
	require.NoError(t, e.Register(derived("total", "SUM(q1, q2)")))

	require.NoError(t, e.Set("q1", 3, model.SourceResponse))
	require.NoError(t, e.Set("q2", 4, model.SourceResponse))

	v, err := e.Get("total")
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)
}

func TestCacheInvalidationOnWrite(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("q1")))
	require.NoError(t, e.Register(number("q2")))
	require.NoError(t, e.Register(derived("total", "SUM(q1, q2)")))

	require.NoError(t, e.Set("q1", 3, model.SourceResponse))
	require.NoError(t, e.Set("q2", 4, model.SourceResponse))

	v, err := e.Get("total")
	require.NoError(t, err)
	require.Equal(t, 7.0, v)

	// The write must synchronously invalidate the cached SUM.
	require.NoError(t, e.Set("q1", 5, model.SourceResponse))
	v, err = e.Get("total")
	require.NoError(t, err)
	assert.Equal(t, 9.0, v)
}

func TestTransitiveInvalidation(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("base")))
	require.NoError(t, e.Register(derived("double", "base * 2")))
	require.NoError(t, e.Register(derived("quad", "double * 2")))

	require.NoError(t, e.Set("base", 1, model.SourceResponse))
	v, _ := e.Get("quad")
	require.Equal(t, 4.0, v)

	require.NoError(t, e.Set("base", 3, model.SourceResponse))
	v, _ = e.Get("quad")
	assert.Equal(t, 12.0, v)
}

func TestCircularDependency(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(derived("a", "b + 1")))
	require.NoError(t, e.Register(derived("b", "a + 1")))

	v, err := e.Get("a")
	assert.Nil(t, v)
	var cyc *CircularDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, "a", cyc.ID)
}

func TestSelfReferenceIsCircular(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(derived("a", "a + 1")))

	_, err := e.Get("a")
	var cyc *CircularDependencyError
	require.ErrorAs(t, err, &cyc)
}

func TestCycleDoesNotPoisonNeighbors(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(derived("a", "b + 1")))
	require.NoError(t, e.Register(derived("b", "a + 1")))
	require.NoError(t, e.Register(number("x")))
	require.NoError(t, e.Register(derived("y", "x + b")))

	require.NoError(t, e.Set("x", 10, model.SourceResponse))

	// y reads the cyclic b, which degrades to nil. y's own evaluation may
	// degrade as well, but the engine must not report y as circular.
	_, err := e.Get("y")
	var cyc *CircularDependencyError
	assert.False(t, errors.As(err, &cyc))
}

func TestNameResolution(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(model.Variable{
		ID: "var_001", Name: "age", Type: model.VariableTypeNumber,
	}))
	require.NoError(t, e.Register(derived("minor", "IF(age < 18, 1, 0)")))

	require.NoError(t, e.Set("var_001", 10, model.SourceResponse))
	v, err := e.Get("minor")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	require.NoError(t, e.Set("var_001", 20, model.SourceResponse))
	v, _ = e.Get("minor")
	assert.Equal(t, 0.0, v)
}

func TestLateBoundDependency(t *testing.T) {
	e, _ := newTestEngine(t)
	// total references q9 before q9 exists.
	require.NoError(t, e.Register(derived("total", "q9 + 1")))
	require.NoError(t, e.Register(number("q9")))

	require.NoError(t, e.Set("q9", 4, model.SourceResponse))
	v, err := e.Get("total")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	// And invalidation flows through the late-bound edge.
	require.NoError(t, e.Set("q9", 7, model.SourceResponse))
	v, _ = e.Get("total")
	assert.Equal(t, 8.0, v)
}

func TestUnparseableFormulaDegrades(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("q1")))
	require.NoError(t, e.Register(derived("broken", "q1 +* 2")))

	v, err := e.Get("broken")
	assert.Nil(t, v)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestAdHocEvaluation(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("age")))
	require.NoError(t, e.Set("age", 20, model.SourceResponse))

	v, err := e.EvaluateFormula("age < 18", "")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	require.NoError(t, e.Set("age", 10, model.SourceResponse))
	v, err = e.EvaluateFormula("age < 18", "")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestVolatileFormulaNotCached(t *testing.T) {
	calls := 0
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	e := New(clk, zerolog.Nop(), WithRand(func() float64 {
		calls++
		return 0.5
	}))
	require.NoError(t, e.Register(derived("jitter", "RANDOM()")))

	_, err := e.Get("jitter")
	require.NoError(t, err)
	_, err = e.Get("jitter")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSnapshot(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(number("q1")))
	require.NoError(t, e.Register(derived("total", "q1 * 2")))
	require.NoError(t, e.Set("q1", 3, model.SourceResponse))

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "q1", snap[0].VariableID)
	assert.Equal(t, 3.0, snap[0].Value)
	assert.Equal(t, "total", snap[1].VariableID)
	assert.Equal(t, 6.0, snap[1].Value)
}
