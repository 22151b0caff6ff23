package variable

import (
	"github.com/cognilab/stimflow/internal/engine/formula"
)

// EvaluateFormula evaluates a formula string in this engine's scope.
// contextID names the variable the formula belongs to (empty for ad-hoc
// evaluation, e.g. visibility conditions); it anchors cycle detection.
// A detected cycle yields (nil, *CircularDependencyError), never unbounded
// recursion.
func (e *Engine) EvaluateFormula(formulaStr, contextID string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateLocked(formulaStr, contextID)
}

func (e *Engine) evaluateLocked(formulaStr, contextID string) (any, error) {
	key := cacheKey(formulaStr, contextID)
	if hit, ok := e.cache[key]; ok {
		return hit.value, nil
	}

	var parsed formula.Expr
	var volatile bool
	if ent, ok := e.vars[contextID]; ok && ent.def.Formula == formulaStr {
		parsed = ent.parsed
		volatile = ent.volatile
		if parsed == nil {
			// Parse failed at registration; stay degraded.
			return nil, &ParseError{Formula: formulaStr}
		}
	} else {
		p, err := formula.Parse(formulaStr)
		if err != nil {
			e.log.Warn().Str("formula", formulaStr).Err(err).Msg("Formula parse failed")
			return nil, &ParseError{Formula: formulaStr, Err: err}
		}
		parsed = p
		volatile = hasVolatileCall(p)
	}

	depIDs := e.dependencyIDs(parsed)

	// Cycle guard: a formula bound to a variable must not be able to reach
	// that variable again through the dependency graph.
	if contextID != "" {
		if path, cyclic := e.findCycle(contextID); cyclic {
			e.log.Warn().
				Str("variable", contextID).
				Strs("path", path).
				Msg("Circular formula dependency")
			return nil, &CircularDependencyError{ID: contextID, Path: path}
		}
	}

	scope := make(formula.MapScope, len(depIDs)*2)
	for _, depID := range depIDs {
		if depID == contextID {
			continue
		}
		value, err := e.getLocked(depID)
		if err != nil {
			value = nil // Degrade; a broken dependency must not abort the read.
		}
		scope[depID] = value
		if name := e.vars[depID].def.Name; name != "" {
			scope[name] = value
		}
	}

	env := &formula.Env{Scope: scope, Now: e.clock.Now, Rand: e.rand}
	value, err := formula.Eval(parsed, env)
	if err != nil {
		e.log.Warn().Str("formula", formulaStr).Err(err).Msg("Formula evaluation failed")
		return nil, &InvalidValueError{ID: contextID, Type: "formula", Value: formulaStr}
	}

	// NOW/RANDOM-class formulas are intentionally never cached; everything
	// else stays cached until a dependency write invalidates it.
	if !volatile {
		e.cache[key] = &cacheEntry{value: value, contextID: contextID, deps: depIDs}
	}
	return value, nil
}

func (e *Engine) dependencyIDs(parsed formula.Expr) []string {
	symbols := formula.Identifiers(parsed)
	ids := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if id, ok := e.resolveSymbol(sym); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// findCycle walks the dependency graph depth-first from start with an
// explicit visited-on-this-path set. Nodes proven acyclic are memoized so
// repeated evaluations stay linear instead of re-walking the graph.
func (e *Engine) findCycle(start string) ([]string, bool) {
	if e.acyclic[start] {
		return nil, false
	}

	onPath := make(map[string]bool)
	var path []string
	var cyclePath []string

	// walk returns true when the subtree under id contains no back edge at
	// all; only such nodes may be memoized as acyclic. A back edge to a
	// node other than start is not this context's cycle — it surfaces when
	// that variable is evaluated with its own context.
	var walk func(id string) bool
	walk = func(id string) bool {
		if e.acyclic[id] {
			return true
		}
		if onPath[id] {
			if id == start && cyclePath == nil {
				cyclePath = append(append([]string{}, path...), start)
			}
			return false
		}
		onPath[id] = true
		path = append(path, id)
		clean := true
		for _, dep := range e.deps[id] {
			if !walk(dep) {
				clean = false
			}
		}
		onPath[id] = false
		path = path[:len(path)-1]
		if clean {
			e.acyclic[id] = true
		}
		return clean
	}

	walk(start)
	return cyclePath, cyclePath != nil
}

// invalidateLocked drops every cached evaluation affected by a write to id:
// the variable itself plus all transitive dependents, and any ad-hoc cache
// entry that read one of them.
func (e *Engine) invalidateLocked(id string) {
	affected := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range e.dependents[cur] {
			if !affected[dep] {
				affected[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	for key, ent := range e.cache {
		if affected[ent.contextID] {
			delete(e.cache, key)
			continue
		}
		for _, dep := range ent.deps {
			if affected[dep] {
				delete(e.cache, key)
				break
			}
		}
	}
}

func cacheKey(formulaStr, contextID string) string {
	return contextID + "\x00" + formulaStr
}

// hasVolatileCall reports whether the expression calls a builtin whose
// result depends on the moment of evaluation.
func hasVolatileCall(e formula.Expr) bool {
	switch n := e.(type) {
	case formula.Unary:
		return hasVolatileCall(n.X)
	case formula.Binary:
		return hasVolatileCall(n.L) || hasVolatileCall(n.R)
	case formula.Call:
		switch n.Name {
		case "NOW", "TIME_SINCE", "RANDOM", "RANDINT":
			return true
		}
		for _, a := range n.Args {
			if hasVolatileCall(a) {
				return true
			}
		}
	}
	return false
}
