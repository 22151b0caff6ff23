// Package variable implements the reactive variable engine: a registry of
// typed values with a formula dependency graph, cycle-safe lazy evaluation
// and write-synchronous cache invalidation.
package variable

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/engine/formula"
	"github.com/cognilab/stimflow/internal/model"
)

// Engine is the variable registry and evaluator for one run. The runtime is
// its single writer; the mutex exists because monitoring reads may arrive
// from other goroutines.
type Engine struct {
	mu    sync.Mutex
	log   zerolog.Logger
	clock clock.Clock
	rand  func() float64

	vars   map[string]*entry
	byName map[string]string // name → id

	deps       map[string][]string // id → dependency ids (formula reads)
	dependents map[string][]string // reverse edges
	unresolved map[string][]string // id → symbols not yet matching any variable

	cache   map[string]*cacheEntry
	acyclic map[string]bool // memoized "known acyclic" markers

	lastStamp time.Time
}

type entry struct {
	def      model.Variable
	parsed   formula.Expr // nil if no formula or parse failed
	volatile bool         // formula reads NOW/RANDOM etc, never cached
	value    *model.VariableValue
}

type cacheEntry struct {
	value     any
	contextID string
	deps      []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand pins the random source used by RANDOM/RANDINT.
func WithRand(r func() float64) Option {
	return func(e *Engine) { e.rand = r }
}

// New creates an empty Engine.
func New(clk clock.Clock, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		log:        log.With().Str("component", "variable_engine").Logger(),
		clock:      clk,
		vars:       make(map[string]*entry),
		byName:     make(map[string]string),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		unresolved: make(map[string][]string),
		cache:      make(map[string]*cacheEntry),
		acyclic:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a variable to the registry, extracts its formula
// dependencies and applies its default value. Ids are globally unique.
func (e *Engine) Register(v model.Variable) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.vars[v.ID]; exists {
		return &DuplicateError{ID: v.ID}
	}

	ent := &entry{def: v}
	e.vars[v.ID] = ent
	if v.Name != "" && v.Name != v.ID {
		e.byName[v.Name] = v.ID
	}

	if v.Formula != "" {
		e.bindFormula(ent)
	}

	if v.DefaultValue != nil {
		coerced, ok := coerce(v.DefaultValue, v.Type)
		if !ok {
			return &InvalidValueError{ID: v.ID, Type: string(v.Type), Value: v.DefaultValue}
		}
		ent.value = &model.VariableValue{
			ID:        v.ID,
			Value:     coerced,
			Timestamp: e.stamp(),
			Source:    model.SourceDefault,
		}
	}

	// A newly registered variable may satisfy symbols earlier formulas
	// could not resolve yet; late-bind those edges now.
	e.adoptUnresolved(v.ID, v.Name)
	return nil
}

// bindFormula parses the formula and records dependency edges. On parse
// failure the engine degrades: dependencies come from a conservative
// identifier scan and evaluation of this variable yields nil.
func (e *Engine) bindFormula(ent *entry) {
	var symbols []string

	parsed, err := formula.Parse(ent.def.Formula)
	if err != nil {
		e.log.Warn().
			Str("variable", ent.def.ID).
			Err(err).
			Msg("Formula parse failed; falling back to symbol scan")
		symbols = formula.ScanIdentifiers(ent.def.Formula)
	} else {
		ent.parsed = parsed
		ent.volatile = hasVolatileCall(parsed)
		symbols = formula.Identifiers(parsed)
	}

	for _, sym := range symbols {
		depID, ok := e.resolveSymbol(sym)
		if !ok {
			e.unresolved[ent.def.ID] = append(e.unresolved[ent.def.ID], sym)
			continue
		}
		e.addEdge(ent.def.ID, depID)
	}
}

func (e *Engine) resolveSymbol(sym string) (string, bool) {
	if _, ok := e.vars[sym]; ok {
		return sym, true
	}
	if id, ok := e.byName[sym]; ok {
		return id, true
	}
	return "", false
}

func (e *Engine) addEdge(from, to string) {
	e.deps[from] = append(e.deps[from], to)
	e.dependents[to] = append(e.dependents[to], from)
	// Graph changed: acyclicity proofs no longer hold.
	e.acyclic = make(map[string]bool)
}

func (e *Engine) adoptUnresolved(id, name string) {
	for owner, syms := range e.unresolved {
		remaining := syms[:0]
		for _, sym := range syms {
			if sym == id || (name != "" && sym == name) {
				e.addEdge(owner, id)
				e.invalidateLocked(owner)
				continue
			}
			remaining = append(remaining, sym)
		}
		if len(remaining) == 0 {
			delete(e.unresolved, owner)
		} else {
			e.unresolved[owner] = remaining
		}
	}
}

// Has reports whether an id is registered.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vars[id]
	return ok
}

// Set writes a value. The value is coerced against the declared type, a
// VariableValue with a monotonic timestamp is recorded, and cached
// evaluations of this id and every transitive dependent are invalidated
// before Set returns. Invalidation is synchronous with the write: a read
// issued after Set can never observe a stale dependent.
func (e *Engine) Set(id string, value any, source model.ValueSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.vars[id]
	if !ok {
		return &NotFoundError{ID: id}
	}

	coerced, ok := coerce(value, ent.def.Type)
	if !ok {
		return &InvalidValueError{ID: id, Type: string(ent.def.Type), Value: value}
	}

	ent.value = &model.VariableValue{
		ID:        id,
		Value:     coerced,
		Timestamp: e.stamp(),
		Source:    source,
	}

	e.invalidateLocked(id)
	return nil
}

// Get returns the current value of a variable: the lazily evaluated formula
// result for derived variables, otherwise the last written value or the
// default. Formula errors degrade to nil alongside the typed error.
func (e *Engine) Get(id string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getLocked(id)
}

func (e *Engine) getLocked(id string) (any, error) {
	ent, ok := e.vars[id]
	if !ok {
		if mapped, found := e.byName[id]; found {
			ent, ok = e.vars[mapped], true
			id = mapped
		}
	}
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	if ent.def.Formula != "" {
		return e.evaluateLocked(ent.def.Formula, id)
	}
	if ent.value != nil {
		return ent.value.Value, nil
	}
	return nil, nil
}

// Timestamp returns when the variable's value was last written. Reading a
// variable never advances its timestamp.
func (e *Engine) Timestamp(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.vars[id]
	if !ok || ent.value == nil {
		return time.Time{}, false
	}
	return ent.value.Timestamp, true
}

// Snapshot evaluates and freezes every registered variable, for session
// finalization.
func (e *Engine) Snapshot() []model.VariableSnapshot {
	e.mu.Lock()
	ids := make([]string, 0, len(e.vars))
	for id := range e.vars {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	sort.Strings(ids)

	out := make([]model.VariableSnapshot, 0, len(ids))
	for _, id := range ids {
		value, err := e.Get(id)
		if err != nil {
			value = nil
		}
		ts, ok := e.Timestamp(id)
		if !ok {
			ts = e.clock.Now()
		}
		out = append(out, model.VariableSnapshot{VariableID: id, Value: value, Timestamp: ts})
	}
	return out
}

// stamp returns a timestamp strictly later than any previously issued one,
// so value ordering survives coarse clock resolution.
func (e *Engine) stamp() time.Time {
	now := e.clock.Now()
	if !now.After(e.lastStamp) {
		now = e.lastStamp.Add(time.Microsecond)
	}
	e.lastStamp = now
	return now
}

// ─── Type coercion ──────────────────────────────────────────────────

func coerce(v any, t model.VariableType) (any, bool) {
	if v == nil {
		return nil, true
	}
	switch t {
	case model.VariableTypeNumber, model.VariableTypeReactionTime:
		f, ok := formula.ToNumber(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true

	case model.VariableTypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			parsed, err := strconv.ParseBool(b)
			return parsed, err == nil
		}
		if f, ok := formula.ToNumber(v); ok {
			return f != 0, true
		}
		return nil, false

	case model.VariableTypeString:
		return formula.ToString(v), true

	case model.VariableTypeDate, model.VariableTypeTime, model.VariableTypeStimulusOnset:
		switch d := v.(type) {
		case time.Time:
			return d, true
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
				if parsed, err := time.Parse(layout, d); err == nil {
					return parsed, true
				}
			}
			return nil, false
		}
		if f, ok := formula.ToNumber(v); ok {
			return time.UnixMilli(int64(f)), true
		}
		return nil, false

	case model.VariableTypeArray:
		if arr, ok := v.([]any); ok {
			return arr, true
		}
		return nil, false

	case model.VariableTypeObject:
		if obj, ok := v.(map[string]any); ok {
			return obj, true
		}
		return nil, false
	}

	// Untyped variables accept anything.
	return v, true
}
