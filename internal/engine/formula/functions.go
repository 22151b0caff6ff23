package formula

import (
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"time"
)

// builtin describes one entry of the closed function set. arity -1 means
// variadic; minArity applies only to variadic functions.
type builtin struct {
	arity    int
	minArity int
	eval     func(env *Env, args []any) (any, error)
}

var builtins = map[string]builtin{
	"IF": {arity: 3, eval: func(_ *Env, args []any) (any, error) {
		if Truthy(args[0]) {
			return args[1], nil
		}
		return args[2], nil
	}},

	"NOW": {arity: 0, eval: func(env *Env, _ []any) (any, error) {
		return env.now(), nil
	}},

	// TIME_SINCE returns elapsed milliseconds since the given instant.
	"TIME_SINCE": {arity: 1, eval: func(env *Env, args []any) (any, error) {
		switch t := args[0].(type) {
		case nil:
			return nil, nil
		case time.Time:
			return float64(env.now().Sub(t)) / float64(time.Millisecond), nil
		}
		if f, ok := ToNumber(args[0]); ok {
			// Numeric input is treated as Unix milliseconds.
			return float64(env.now().UnixMilli()) - f, nil
		}
		return nil, fmt.Errorf("TIME_SINCE: not a time value: %T", args[0])
	}},

	// COUNT counts non-null arguments, flattening array values.
	"COUNT": {arity: -1, eval: func(_ *Env, args []any) (any, error) {
		n := 0
		for _, a := range flatten(args) {
			if a != nil {
				n++
			}
		}
		return float64(n), nil
	}},

	"SUM": {arity: -1, minArity: 1, eval: func(_ *Env, args []any) (any, error) {
		sum := 0.0
		for _, a := range flatten(args) {
			if a == nil {
				continue
			}
			f, ok := ToNumber(a)
			if !ok {
				return nil, fmt.Errorf("SUM: non-numeric argument %T", a)
			}
			sum += f
		}
		return sum, nil
	}},

	"AVG": {arity: -1, minArity: 1, eval: func(_ *Env, args []any) (any, error) {
		sum, n := 0.0, 0
		for _, a := range flatten(args) {
			if a == nil {
				continue
			}
			f, ok := ToNumber(a)
			if !ok {
				return nil, fmt.Errorf("AVG: non-numeric argument %T", a)
			}
			sum += f
			n++
		}
		if n == 0 {
			return 0.0, nil
		}
		return sum / float64(n), nil
	}},

	"CONCAT": {arity: -1, eval: func(_ *Env, args []any) (any, error) {
		out := ""
		for _, a := range args {
			out += ToString(a)
		}
		return out, nil
	}},

	"LENGTH": {arity: 1, eval: func(_ *Env, args []any) (any, error) {
		switch v := args[0].(type) {
		case nil:
			return 0.0, nil
		case string:
			return float64(len(v)), nil
		}
		rv := reflect.ValueOf(args[0])
		switch rv.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
			return float64(rv.Len()), nil
		}
		return nil, fmt.Errorf("LENGTH: unsupported type %T", args[0])
	}},

	"RANDOM": {arity: 0, eval: func(env *Env, _ []any) (any, error) {
		return env.random(), nil
	}},

	// RANDINT(min, max) returns a uniform integer in [min, max].
	"RANDINT": {arity: 2, eval: func(env *Env, args []any) (any, error) {
		lo, lok := ToNumber(args[0])
		hi, hok := ToNumber(args[1])
		if !lok || !hok {
			return nil, fmt.Errorf("RANDINT: non-numeric bounds")
		}
		if hi < lo {
			lo, hi = hi, lo
		}
		span := math.Floor(hi) - math.Ceil(lo) + 1
		return math.Ceil(lo) + math.Floor(env.random()*span), nil
	}},
}

func (e *Env) random() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}

// flatten expands one level of array arguments so SUM(scores) over an array
// variable behaves like SUM over its elements.
func flatten(args []any) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		if arr, ok := a.([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, a)
	}
	return out
}
