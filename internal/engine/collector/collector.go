// Package collector arms response collection for one question at a time and
// guarantees exactly one delivery per arming: either the first valid
// response or a window timeout, never both, never twice.
package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/engine/formula"
	"github.com/cognilab/stimflow/internal/model"
)

// Result is what an arming resolves to.
type Result struct {
	Value          any
	Timestamp      time.Time
	ReactionTimeMs float64
	TimedOut       bool
}

// NotArmedError is returned when a response arrives with no active arming,
// typically input racing a navigation.
type NotArmedError struct{}

func (e *NotArmedError) Error() string { return "no response collection armed" }

// InvalidResponseError rejects input that does not fit the question's
// response type. The arming stays live: a stray key must not consume the
// trial.
type InvalidResponseError struct {
	Kind  model.ResponseKind
	Value any
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid %s response: %v", e.Kind, e.Value)
}

// Collector owns the response lifecycle for a run. All timing goes through
// the engine clock.
type Collector struct {
	mu    sync.Mutex
	log   zerolog.Logger
	clock clock.Clock
	epoch uint64
	armed *arming
}

type arming struct {
	question  *model.Question
	epoch     uint64
	onset     time.Time
	deliver   func(Result)
	done      bool
	windowMs  int
	deadline  time.Time
	remaining time.Duration
	paused    bool
	stopTimer func()
	quit      chan struct{}
}

// New creates a Collector.
func New(clk clock.Clock, log zerolog.Logger) *Collector {
	return &Collector{
		log:   log.With().Str("component", "collector").Logger(),
		clock: clk,
	}
}

// Start arms collection for a question. onset anchors reaction times; it is
// the drawn stimulus frame, not the call time. deliver fires exactly once,
// from Submit or from the window timeout. Arming replaces any previous
// arming without delivering it.
func (c *Collector) Start(q *model.Question, onset time.Time, deliver func(Result)) error {
	if !q.CollectsResponse() {
		return &InvalidResponseError{Kind: q.ResponseType.Kind, Value: nil}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.disarmLocked()
	c.epoch++

	a := &arming{
		question: q,
		epoch:    c.epoch,
		onset:    onset,
		deliver:  deliver,
		windowMs: q.Timing.ResponseWindowMs,
	}
	c.armed = a

	if a.windowMs > 0 {
		d := time.Duration(a.windowMs) * time.Millisecond
		a.deadline = c.clock.Now().Add(d)
		c.armTimeoutLocked(a, d)
	}
	return nil
}

// Submit records participant input against the active arming. The first
// valid value resolves the arming; later input gets NotArmedError. Invalid
// input is rejected and the window keeps running.
func (c *Collector) Submit(value any) error {
	c.mu.Lock()
	a := c.armed
	if a == nil || a.done || a.paused {
		c.mu.Unlock()
		return &NotArmedError{}
	}

	normalized, ok := validate(a.question.ResponseType, value)
	if !ok {
		c.mu.Unlock()
		return &InvalidResponseError{Kind: a.question.ResponseType.Kind, Value: value}
	}

	now := c.clock.Now()
	res := Result{
		Value:          normalized,
		Timestamp:      now,
		ReactionTimeMs: float64(now.Sub(a.onset)) / float64(time.Millisecond),
	}
	deliver := c.resolveLocked(a)
	c.mu.Unlock()

	if deliver != nil {
		deliver(res)
	}
	return nil
}

// Stop disarms without delivering. Used on navigation and teardown.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmLocked()
}

// Pause freezes the response window: the remaining time is captured and the
// timeout timer released. Input while paused is rejected.
func (c *Collector) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.armed
	if a == nil || a.done || a.paused {
		return
	}
	a.paused = true
	if a.windowMs > 0 {
		a.remaining = a.deadline.Sub(c.clock.Now())
		if a.remaining < 0 {
			a.remaining = 0
		}
		a.releaseTimer()
	}
}

// Resume re-arms a paused window with exactly the time it had left.
func (c *Collector) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.armed
	if a == nil || a.done || !a.paused {
		return
	}
	a.paused = false
	if a.windowMs > 0 {
		a.deadline = c.clock.Now().Add(a.remaining)
		c.armTimeoutLocked(a, a.remaining)
	}
}

// Active reports whether an undelivered arming exists.
func (c *Collector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed != nil && !c.armed.done
}

// ─── Internals ──────────────────────────────────────────────────────

func (c *Collector) armTimeoutLocked(a *arming, d time.Duration) {
	ch, stop := c.clock.After(d)
	a.stopTimer = stop
	a.quit = make(chan struct{})

	quit := a.quit
	go func() {
		select {
		case <-ch:
			c.timeout(a)
		case <-quit:
		}
	}()
}

func (c *Collector) timeout(a *arming) {
	c.mu.Lock()
	if a != c.armed || a.epoch != c.epoch || a.done || a.paused {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	res := Result{Timestamp: now, TimedOut: true}
	deliver := c.resolveLocked(a)
	c.mu.Unlock()

	c.log.Debug().Str("question_id", a.question.ID).Msg("response window elapsed")
	if deliver != nil {
		deliver(res)
	}
}

// resolveLocked marks the arming delivered and returns its callback. The
// callback runs outside the mutex so it may call back into the collector.
func (c *Collector) resolveLocked(a *arming) func(Result) {
	if a.done {
		return nil
	}
	a.done = true
	a.releaseTimer()
	return a.deliver
}

func (c *Collector) disarmLocked() {
	if c.armed != nil {
		c.armed.done = true
		c.armed.releaseTimer()
		c.armed = nil
	}
}

func (a *arming) releaseTimer() {
	if a.stopTimer != nil {
		a.stopTimer()
		a.stopTimer = nil
	}
	if a.quit != nil {
		close(a.quit)
		a.quit = nil
	}
}

// ─── Input validation ───────────────────────────────────────────────

// validate checks a raw value against the response type and returns the
// normalized value to record.
func validate(rt model.ResponseType, value any) (any, bool) {
	switch rt.Kind {
	case model.KindKeypress:
		key, ok := value.(string)
		if !ok || key == "" {
			return nil, false
		}
		if len(rt.Keys) == 0 {
			return key, true
		}
		for _, k := range rt.Keys {
			if k == key {
				return key, true
			}
		}
		return nil, false

	case model.KindSingle:
		choice := formula.ToString(value)
		if len(rt.Options) == 0 {
			return choice, choice != ""
		}
		for _, opt := range rt.Options {
			if opt.Value == choice {
				return choice, true
			}
		}
		return nil, false

	case model.KindMultiple:
		items, ok := value.([]any)
		if !ok {
			if ss, sok := value.([]string); sok {
				items = make([]any, len(ss))
				for i, s := range ss {
					items[i] = s
				}
			} else {
				return nil, false
			}
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			choice := formula.ToString(item)
			if len(rt.Options) > 0 && !optionExists(rt.Options, choice) {
				return nil, false
			}
			out = append(out, choice)
		}
		return out, true

	case model.KindScale:
		n, ok := formula.ToNumber(value)
		if !ok || n != float64(int(n)) {
			return nil, false
		}
		v := int(n)
		lo, hi := rt.ScaleMin, rt.ScaleMax
		if hi > lo && (v < lo || v > hi) {
			return nil, false
		}
		return v, true

	case model.KindNumber:
		n, ok := formula.ToNumber(value)
		if !ok {
			return nil, false
		}
		return n, true

	case model.KindText:
		s, ok := value.(string)
		return s, ok

	case model.KindClick:
		// Click payloads pass through; coordinates are surface-specific.
		return value, value != nil
	}
	return nil, false
}

func optionExists(opts []model.Option, value string) bool {
	for _, opt := range opts {
		if opt.Value == value {
			return true
		}
	}
	return false
}
