package formula

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Scope resolves variable references during evaluation. Both variable names
// and ids are expected to be resolvable.
type Scope interface {
	Resolve(name string) (any, bool)
}

// MapScope is a plain map-backed Scope.
type MapScope map[string]any

func (m MapScope) Resolve(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Env carries the ambient inputs of an evaluation. Now and Rand exist so
// tests can pin the two nondeterministic builtins.
type Env struct {
	Scope Scope
	Now   func() time.Time
	Rand  func() float64 // Uniform in [0,1)
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Eval evaluates a parsed formula. References that the scope cannot resolve
// evaluate to nil rather than failing: a formula over a not-yet-answered
// question must degrade, not abort.
func Eval(expr Expr, env *Env) (any, error) {
	switch n := expr.(type) {
	case NumberLit:
		return n.Value, nil
	case StringLit:
		return n.Value, nil
	case BoolLit:
		return n.Value, nil
	case NullLit:
		return nil, nil
	case Ref:
		if env.Scope != nil {
			if v, ok := env.Scope.Resolve(n.Name); ok {
				return v, nil
			}
		}
		return nil, nil
	case Unary:
		return evalUnary(n, env)
	case Binary:
		return evalBinary(n, env)
	case Call:
		return evalCall(n, env)
	}
	return nil, fmt.Errorf("unhandled expression %T", expr)
}

func evalUnary(n Unary, env *Env) (any, error) {
	x, err := Eval(n.X, env)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case tokMinus:
		f, ok := ToNumber(x)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", x)
		}
		return -f, nil
	case tokNot:
		return !Truthy(x), nil
	}
	return nil, fmt.Errorf("unhandled unary operator")
}

func evalBinary(n Binary, env *Env) (any, error) {
	// Short-circuit logical operators.
	switch n.Op {
	case tokAnd, tokOr:
		l, err := Eval(n.L, env)
		if err != nil {
			return nil, err
		}
		if n.Op == tokAnd && !Truthy(l) {
			return false, nil
		}
		if n.Op == tokOr && Truthy(l) {
			return true, nil
		}
		r, err := Eval(n.R, env)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := Eval(n.L, env)
	if err != nil {
		return nil, err
	}
	r, err := Eval(n.R, env)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case tokEq:
		return looseEqual(l, r), nil
	case tokNeq:
		return !looseEqual(l, r), nil
	}

	lf, lok := ToNumber(l)
	rf, rok := ToNumber(r)

	switch n.Op {
	case tokPlus:
		if lok && rok {
			return lf + rf, nil
		}
		// String concatenation when either side is a string.
		if ls, isL := l.(string); isL {
			return ls + ToString(r), nil
		}
		if rs, isR := r.(string); isR {
			return ToString(l) + rs, nil
		}
		return nil, fmt.Errorf("cannot add %T and %T", l, r)
	case tokMinus, tokStar, tokSlash, tokPercent:
		if !lok || !rok {
			return nil, fmt.Errorf("numeric operator on %T and %T", l, r)
		}
		switch n.Op {
		case tokMinus:
			return lf - rf, nil
		case tokStar:
			return lf * rf, nil
		case tokSlash:
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return lf / rf, nil
		case tokPercent:
			if rf == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return math.Mod(lf, rf), nil
		}
	case tokLt, tokLte, tokGt, tokGte:
		var cmp float64
		if lok && rok {
			cmp = lf - rf
		} else if ls, isL := l.(string); isL {
			if rs, isR := r.(string); isR {
				if ls < rs {
					cmp = -1
				} else if ls > rs {
					cmp = 1
				}
			} else {
				return nil, fmt.Errorf("cannot compare %T and %T", l, r)
			}
		} else {
			return nil, fmt.Errorf("cannot compare %T and %T", l, r)
		}
		switch n.Op {
		case tokLt:
			return cmp < 0, nil
		case tokLte:
			return cmp <= 0, nil
		case tokGt:
			return cmp > 0, nil
		case tokGte:
			return cmp >= 0, nil
		}
	}
	return nil, fmt.Errorf("unhandled binary operator")
}

func evalCall(n Call, env *Env) (any, error) {
	fn := builtins[n.Name]
	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn.eval(env, args)
}

// ─── Coercions ──────────────────────────────────────────────────────

// ToNumber attempts a numeric view of v. Booleans map to 0/1, numeric
// strings parse, times convert to Unix milliseconds.
func ToNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case time.Time:
		return float64(x.UnixMilli()), true
	}
	return 0, false
}

// ToString renders v the way it appears in interpolated text.
func ToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}

// Truthy reports the boolean view of v: false for nil, zero, empty string
// and false; true otherwise.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := ToNumber(v); ok {
		return f != 0
	}
	return true
}

func looseEqual(l, r any) bool {
	if l == nil && r == nil {
		return true
	}
	if lf, lok := ToNumber(l); lok {
		if rf, rok := ToNumber(r); rok {
			return lf == rf
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return ls == rs
		}
	}
	return reflect.DeepEqual(l, r)
}
