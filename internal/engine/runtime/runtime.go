// Package runtime drives one participant's pass through a questionnaire:
// page navigation, question presentation, response collection and session
// bookkeeping, as a single-goroutine state machine over the engine clock.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/engine/collector"
	"github.com/cognilab/stimflow/internal/engine/formula"
	"github.com/cognilab/stimflow/internal/engine/presenter"
	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/engine/variable"
	"github.com/cognilab/stimflow/internal/model"
	"github.com/cognilab/stimflow/internal/validator"
)

// State is the runtime's lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateNavigating State = "navigating"
	StatePresenting State = "presenting"
	StateCollecting State = "collecting_response"
	StateCompleted  State = "completed"
	StateAbandoned  State = "abandoned"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned
}

// ErrNotIdle is returned when Start is called on a runtime that already ran.
var ErrNotIdle = errors.New("runtime already started")

// InvalidDefinitionError is returned by Start for a definition that fails
// structural validation. Definitions normally arrive pre-validated at
// publish time, but the runtime never trusts that.
type InvalidDefinitionError struct {
	Errors []string
}

func (e *InvalidDefinitionError) Error() string {
	return "definition failed validation: " + strings.Join(e.Errors, "; ")
}

// Runtime plays one questionnaire definition for one session.
//
// The run loop is the sole owner of the render surface and the sole writer
// of navigation state. External goroutines interact through Submit, Pause,
// Resume and Stop, all of which are epoch-guarded against late callbacks.
type Runtime struct {
	log   zerolog.Logger
	clock clock.Clock
	def   *model.Definition
	vars  *variable.Engine
	pres  *presenter.Presenter
	coll  *collector.Collector
	rm    *resource.Manager

	mu         sync.Mutex
	state      State
	session    *model.RunSession
	current    *presenter.Presentation
	cancelRun  context.CancelFunc
	cancelStep context.CancelFunc
	paused     bool
	resumeCh   chan struct{}
	finished   bool
	onFinish   func(*model.RunSession)
}

// Option configures a Runtime.
type Option func(*settings)

type settings struct {
	sessionID       uuid.UUID
	questionnaireID uuid.UUID
	participantID   string
	onFinish        func(*model.RunSession)
	varOpts         []variable.Option
}

// WithSessionID pins the session id instead of generating one. Used when
// the id was minted earlier, at join time, and already lives in a token.
func WithSessionID(id uuid.UUID) Option {
	return func(s *settings) { s.sessionID = id }
}

// WithSessionInfo tags the session with its questionnaire and participant.
func WithSessionInfo(questionnaireID uuid.UUID, participantID string) Option {
	return func(s *settings) {
		s.questionnaireID = questionnaireID
		s.participantID = participantID
	}
}

// WithFinishCallback registers the callback fired exactly once when the
// session finalizes, whether completed or abandoned.
func WithFinishCallback(fn func(*model.RunSession)) Option {
	return func(s *settings) { s.onFinish = fn }
}

// WithVariableOptions passes options through to the variable engine,
// typically a seeded random source for deterministic runs.
func WithVariableOptions(opts ...variable.Option) Option {
	return func(s *settings) { s.varOpts = append(s.varOpts, opts...) }
}

// New builds a runtime for a definition. All declared variables and the
// per-question auto-variables are registered here, so formulas referencing
// them can never hit a NotFound at play time.
func New(def *model.Definition, clk clock.Clock, surf surface.Surface, rm *resource.Manager, log zerolog.Logger, opts ...Option) (*Runtime, error) {
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sessionID == uuid.Nil {
		cfg.sessionID = uuid.New()
	}

	vars := variable.New(clk, log, cfg.varOpts...)
	for _, v := range def.Variables {
		if err := vars.Register(v); err != nil {
			return nil, fmt.Errorf("register variable %s: %w", v.ID, err)
		}
	}
	if err := registerAutoVariables(vars, def); err != nil {
		return nil, err
	}

	r := &Runtime{
		log:   log.With().Str("component", "runtime").Logger(),
		clock: clk,
		def:   def,
		vars:  vars,
		pres:  presenter.New(clk, surf, vars, rm, log),
		coll:  collector.New(clk, log),
		rm:    rm,
		state: StateIdle,
		session: &model.RunSession{
			ID:              cfg.sessionID,
			QuestionnaireID: cfg.questionnaireID,
			ParticipantID:   cfg.participantID,
			Status:          model.SessionStatusInProgress,
			Responses:       []model.Response{},
		},
		onFinish: cfg.onFinish,
	}
	return r, nil
}

// registerAutoVariables declares <qid>_value/_time/_delta/_correct plus the
// internal <qid>_onset for every question in the pool.
func registerAutoVariables(vars *variable.Engine, def *model.Definition) error {
	for _, q := range def.Questions {
		auto := []model.Variable{
			{ID: q.ID + "_value", Scope: model.ScopeLocal},
			{ID: q.ID + "_time", Type: model.VariableTypeTime, Scope: model.ScopeLocal},
			{ID: q.ID + "_delta", Type: model.VariableTypeReactionTime, Scope: model.ScopeLocal},
			{ID: q.ID + "_correct", Type: model.VariableTypeBoolean, Scope: model.ScopeLocal},
			{ID: q.ID + "_onset", Type: model.VariableTypeStimulusOnset, Scope: model.ScopeLocal},
		}
		for _, v := range auto {
			if err := vars.Register(v); err != nil {
				return fmt.Errorf("register auto variable %s: %w", v.ID, err)
			}
		}
	}
	return nil
}

// Variables exposes the engine for condition tooling and external writes
// (e.g. operator-injected demographics before Start).
func (r *Runtime) Variables() *variable.Engine { return r.vars }

// CurrentQuestion returns the question in play, or nil between steps.
func (r *Runtime) CurrentQuestion() *model.Question {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.Question
}

// FrameInterval returns the render period from the definition settings.
func (r *Runtime) FrameInterval() time.Duration {
	return r.def.Settings.FrameInterval()
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Session returns a copy of the session record as it stands.
func (r *Runtime) Session() model.RunSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := *r.session
	s.Responses = append([]model.Response(nil), r.session.Responses...)
	s.Variables = append([]model.VariableSnapshot(nil), r.session.Variables...)
	return s
}

// Start validates the definition, preloads every referenced asset and
// launches the run loop. Validation and preload failures are fatal: a
// broken or partially loaded experiment produces invalid measurements, so
// nothing is presented.
func (r *Runtime) Start(ctx context.Context) error {
	if result := validator.ValidateQuestionnaire(r.def); !result.Valid {
		return &InvalidDefinitionError{Errors: result.Errors}
	}

	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return ErrNotIdle
	}
	r.state = StateNavigating
	r.mu.Unlock()

	refs := resource.Scan(r.def)
	if err := r.rm.PreloadAll(ctx, refs, nil); err != nil {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelRun = cancel
	r.session.StartTime = r.clock.Now()
	r.mu.Unlock()

	go r.loop(runCtx)
	return nil
}

// Submit feeds participant input to the armed collector.
func (r *Runtime) Submit(value any) error {
	return r.coll.Submit(value)
}

// Stop abandons the run. The finish callback fires exactly once with the
// abandoned session; Stop after finalization is a no-op.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancelRun
	if r.state == StateIdle || r.finished {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	} else {
		// Never started a loop; finalize inline.
		r.finalize(StateAbandoned)
	}
}

// Pause freezes the run: a frozen response window keeps its remaining time,
// and an in-flight presentation phase is interrupted and will replay from
// the start of the question on Resume. A half-presented trial cannot be
// resumed mid-phase without skewing its onset.
func (r *Runtime) Pause() {
	r.mu.Lock()
	if r.paused || r.state.Terminal() || r.state == StateIdle {
		r.mu.Unlock()
		return
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
	var cancelStep context.CancelFunc
	if r.state == StatePresenting {
		// Mid-phase presentation cannot be frozen without skewing its
		// onset; interrupt it and replay the question on resume. An armed
		// response window, by contrast, freezes in place.
		cancelStep = r.cancelStep
	}
	r.mu.Unlock()

	r.coll.Pause()
	if cancelStep != nil {
		cancelStep()
	}
}

// Resume lifts a pause.
func (r *Runtime) Resume() {
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return
	}
	r.paused = false
	resumeCh := r.resumeCh
	r.resumeCh = nil
	r.mu.Unlock()

	r.coll.Resume()
	if resumeCh != nil {
		close(resumeCh)
	}
}

// RenderFrame redraws the visible stimulus, if any. The serving layer calls
// this at the definition's frame rate to progress transitions and keep
// timed media positioned.
func (r *Runtime) RenderFrame() error {
	r.mu.Lock()
	pres := r.current
	r.mu.Unlock()
	if pres == nil {
		return nil
	}
	return r.pres.RenderFrame(pres)
}

// ─── Run loop ───────────────────────────────────────────────────────

func (r *Runtime) loop(ctx context.Context) {
	defer func() {
		// Any exit that did not complete the questionnaire abandons it.
		r.finalize(StateAbandoned)
	}()

	idx := 0
	for {
		visible, ok := r.nextVisiblePage(idx)
		if !ok {
			r.finalize(StateCompleted)
			return
		}

		next, err := r.runPage(ctx, visible)
		if err != nil {
			return
		}
		idx = next
	}
}

// nextVisiblePage finds the first non-hidden page at or after idx. Past the
// end of the page list means the questionnaire is complete.
func (r *Runtime) nextVisiblePage(idx int) (int, bool) {
	for ; idx < len(r.def.Pages); idx++ {
		page := &r.def.Pages[idx]
		if !r.hidden(page.Conditions, page.ID) {
			return idx, true
		}
		r.log.Debug().Str("page_id", page.ID).Msg("Page hidden by condition")
	}
	return 0, false
}

// runPage presents a page's visible questions in order, then resolves flow
// control to the next page index.
func (r *Runtime) runPage(ctx context.Context, idx int) (int, error) {
	page := &r.def.Pages[idx]
	r.setState(StateNavigating)

	for _, qid := range page.QuestionIDs {
		q, ok := r.def.QuestionByID(qid)
		if !ok {
			r.log.Warn().Str("question_id", qid).Str("page_id", page.ID).
				Msg("Question id not in pool, skipping")
			continue
		}
		if r.hidden(q.Conditions, q.ID) {
			continue
		}
		if err := r.runQuestion(ctx, q); err != nil {
			return 0, err
		}
	}

	return r.resolveFlow(page, idx), nil
}

// runQuestion runs the full presentation and collection cycle for one
// question. A pause interrupts it and replays it from the top on resume.
func (r *Runtime) runQuestion(ctx context.Context, q *model.Question) error {
	for {
		err := r.presentOnce(ctx, q)
		if err == nil {
			return nil
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		// Canceled: either a pause (replay after resume) or a stop.
		if waitErr := r.waitResume(ctx); waitErr != nil {
			return waitErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *Runtime) presentOnce(ctx context.Context, q *model.Question) error {
	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()

	r.mu.Lock()
	r.cancelStep = cancelStep
	r.state = StatePresenting
	r.mu.Unlock()

	resultCh := make(chan collector.Result, 1)
	var armErr error
	pres, err := r.pres.Present(stepCtx, q, func(p *presenter.Presentation) {
		if setErr := r.vars.Set(q.ID+"_onset", p.Onset, model.SourceSystem); setErr != nil {
			r.log.Warn().Err(setErr).Str("question_id", q.ID).Msg("Onset variable write failed")
		}

		// Publish immediately so the frame loop redraws the stimulus while
		// it is visible; a bounded stimulus is gone before Present returns.
		r.mu.Lock()
		r.current = p
		r.mu.Unlock()

		if q.CollectsResponse() {
			armErr = r.coll.Start(q, p.Onset, func(res collector.Result) {
				resultCh <- res
			})
			r.setState(StateCollecting)
		}
	})
	if err != nil {
		r.coll.Stop()
		r.clearStep()
		return err
	}
	if armErr != nil {
		r.clearStep()
		return armErr
	}

	if q.CollectsResponse() {
		select {
		case res := <-resultCh:
			r.record(q, pres, res)
		case <-stepCtx.Done():
			r.coll.Stop()
			r.teardown(pres)
			return stepCtx.Err()
		}
	} else if delay := q.ResponseType.AutoAdvanceDelayMs; delay > 0 {
		// Display-only content holds for its configured dwell time. No
		// Response record is ever created for it.
		if err := r.wait(stepCtx, delay); err != nil {
			r.teardown(pres)
			return err
		}
	}

	r.teardown(pres)
	return nil
}

func (r *Runtime) teardown(pres *presenter.Presentation) {
	if err := r.pres.Clear(pres); err != nil {
		r.log.Warn().Err(err).Msg("Stimulus cleanup failed")
	}
	r.clearStep()
}

func (r *Runtime) clearStep() {
	r.mu.Lock()
	r.current = nil
	r.cancelStep = nil
	r.mu.Unlock()
}

// waitResume blocks while paused. Returns immediately when not paused.
func (r *Runtime) waitResume(ctx context.Context) error {
	r.mu.Lock()
	ch := r.resumeCh
	paused := r.paused
	r.mu.Unlock()
	if !paused || ch == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) wait(ctx context.Context, ms int) error {
	ch, stop := r.clock.After(time.Duration(ms) * time.Millisecond)
	defer stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Response recording ─────────────────────────────────────────────

// record appends the response (or timeout marker) and updates the
// question's auto-variables. A timeout advances even on a required
// question; blocking there would strand the participant with no input path.
func (r *Runtime) record(q *model.Question, pres *presenter.Presentation, res collector.Result) {
	resp := model.Response{
		ID:            uuid.New(),
		QuestionID:    q.ID,
		StimulusOnset: pres.Onset,
		Timestamp:     res.Timestamp,
	}

	if res.TimedOut {
		resp.Value = nil
		resp.ReactionTimeMs = -1
		resp.Valid = false
		r.setVar(q.ID+"_delta", -1.0, model.SourceTimeout)
	} else {
		resp.Value = res.Value
		resp.ReactionTimeMs = res.ReactionTimeMs
		resp.Valid = true
		r.setVar(q.ID+"_value", res.Value, model.SourceResponse)
		r.setVar(q.ID+"_time", res.Timestamp, model.SourceResponse)
		r.setVar(q.ID+"_delta", res.ReactionTimeMs, model.SourceResponse)
		if q.CorrectFormula != "" {
			correct, err := r.vars.EvaluateFormula(q.CorrectFormula, "")
			if err != nil {
				r.log.Warn().Err(err).Str("question_id", q.ID).
					Msg("Correctness formula failed, recording false")
			}
			r.setVar(q.ID+"_correct", formula.Truthy(correct), model.SourceSystem)
		}
	}

	r.mu.Lock()
	if !r.session.Status.Finalized() {
		r.session.Responses = append(r.session.Responses, resp)
	}
	r.mu.Unlock()
}

func (r *Runtime) setVar(id string, value any, source model.ValueSource) {
	if err := r.vars.Set(id, value, source); err != nil {
		r.log.Warn().Err(err).Str("variable_id", id).Msg("Auto variable write failed")
	}
}

// ─── Flow control ───────────────────────────────────────────────────

// resolveFlow picks the next page after idx: branch rules for this page in
// declaration order, first truthy condition wins, else fall through to the
// next page in sequence.
func (r *Runtime) resolveFlow(page *model.Page, idx int) int {
	for _, rule := range r.def.Flow {
		if rule.PageID != page.ID {
			continue
		}
		value, err := r.vars.EvaluateFormula(rule.Formula, "")
		if err != nil {
			r.log.Warn().Err(err).Str("page_id", page.ID).
				Str("formula", rule.Formula).Msg("Flow rule formula failed, skipping rule")
			continue
		}
		if formula.Truthy(value) {
			target := r.def.PageIndexByID(rule.TargetPageID)
			if target < 0 {
				r.log.Warn().Str("target_page_id", rule.TargetPageID).
					Msg("Flow rule targets unknown page, skipping rule")
				continue
			}
			return target
		}
	}
	return idx + 1
}

// hidden evaluates visibility conditions. Formula errors degrade to a
// falsy value with a warning; a broken condition never hides content nor
// aborts navigation.
func (r *Runtime) hidden(conds []model.Condition, contextID string) bool {
	for _, cond := range conds {
		value, err := r.vars.EvaluateFormula(cond.Formula, "")
		if err != nil {
			r.log.Warn().Err(err).Str("context_id", contextID).
				Str("formula", cond.Formula).Msg("Condition formula failed, ignoring")
			continue
		}
		truthy := formula.Truthy(value)
		switch cond.Action {
		case model.ActionHide:
			if truthy {
				return true
			}
		case model.ActionShow:
			if !truthy {
				return true
			}
		}
	}
	return false
}

// ─── Finalization ───────────────────────────────────────────────────

// finalize moves to a terminal state, snapshots variables into the session
// and fires the finish callback. Only the first call has any effect.
func (r *Runtime) finalize(terminal State) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.state = terminal

	now := r.clock.Now()
	r.session.EndTime = &now
	if terminal == StateCompleted {
		r.session.Status = model.SessionStatusCompleted
	} else {
		r.session.Status = model.SessionStatusAbandoned
	}
	r.session.Variables = r.vars.Snapshot()
	session := r.session
	cb := r.onFinish
	cancel := r.cancelRun
	r.mu.Unlock()

	r.coll.Stop()
	if cancel != nil {
		cancel()
	}
	r.log.Info().
		Str("session_id", session.ID.String()).
		Str("status", string(session.Status)).
		Int("responses", len(session.Responses)).
		Msg("Session finalized")
	if cb != nil {
		cb(session)
	}
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	if !r.state.Terminal() {
		r.state = s
	}
	r.mu.Unlock()
}
