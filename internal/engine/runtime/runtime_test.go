package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/engine/collector"
	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/model"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func keypress() model.ResponseType {
	return model.ResponseType{Kind: model.KindKeypress}
}

func newTestRuntime(t *testing.T, def *model.Definition, opts ...Option) (*Runtime, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testStart)
	surf := surface.NewMemory(800, 600)
	rm := resource.New(t.TempDir(), zerolog.Nop())
	r, err := New(def, clk, surf, rm, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return r, clk
}

func waitState(t *testing.T, r *Runtime, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == want },
		time.Second, time.Millisecond, "runtime never reached %s (now %s)", want, r.State())
}

func advanceWhenWaiting(t *testing.T, clk *clock.Manual, d time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return clk.Pending() > 0 },
		time.Second, time.Millisecond, "runtime never reached its timed wait")
	clk.Advance(d)
}

func singleQuestionDef(q model.Question) *model.Definition {
	return &model.Definition{
		Pages:     []model.Page{{ID: "p1", QuestionIDs: []string{q.ID}}},
		Questions: []model.Question{q},
	}
}

func TestResponseCompletesSingleQuestionRun(t *testing.T) {
	def := singleQuestionDef(model.Question{ID: "q1", Text: "press any key", ResponseType: keypress()})

	var finished atomic.Int32
	var final *model.RunSession
	r, clk := newTestRuntime(t, def, WithFinishCallback(func(s *model.RunSession) {
		finished.Add(1)
		final = s
	}))

	require.NoError(t, r.Start(context.Background()))
	waitState(t, r, StateCollecting)

	clk.Advance(250 * time.Millisecond)
	require.NoError(t, r.Submit("space"))
	waitState(t, r, StateCompleted)

	require.Equal(t, int32(1), finished.Load())
	require.NotNil(t, final)
	assert.Equal(t, model.SessionStatusCompleted, final.Status)
	require.Len(t, final.Responses, 1)

	resp := final.Responses[0]
	assert.Equal(t, "q1", resp.QuestionID)
	assert.Equal(t, "space", resp.Value)
	assert.Equal(t, 250.0, resp.ReactionTimeMs)
	assert.Equal(t, testStart, resp.StimulusOnset)
	assert.True(t, resp.Valid)
	assert.False(t, resp.StimulusOnset.After(resp.Timestamp))

	assert.NotNil(t, final.EndTime)
	assert.NotEmpty(t, final.Variables, "completion snapshots the variable state")
}

func TestOnsetWaitsForFixationAndPreDelay(t *testing.T) {
	def := singleQuestionDef(model.Question{
		ID:           "q1",
		Text:         "react",
		ResponseType: keypress(),
		Timing:       model.TimingConfig{FixationMs: 500, PreDelayMs: 200},
	})
	r, clk := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))

	advanceWhenWaiting(t, clk, 500*time.Millisecond)
	advanceWhenWaiting(t, clk, 200*time.Millisecond)
	waitState(t, r, StateCollecting)

	require.NoError(t, r.Submit("space"))
	waitState(t, r, StateCompleted)

	resp := r.Session().Responses[0]
	assert.Equal(t, testStart.Add(700*time.Millisecond), resp.StimulusOnset,
		"onset must not be recorded before fixation plus pre-delay have elapsed")
}

func TestDisplayOnlyQuestionAutoAdvancesWithoutResponse(t *testing.T) {
	def := singleQuestionDef(model.Question{
		ID:   "q1",
		Text: "welcome to the study",
		ResponseType: model.ResponseType{
			Kind:               model.KindNone,
			AutoAdvance:        true,
			AutoAdvanceDelayMs: 300,
		},
	})
	r, clk := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))

	advanceWhenWaiting(t, clk, 300*time.Millisecond)
	waitState(t, r, StateCompleted)

	assert.Empty(t, r.Session().Responses, "display-only content never records a Response")
	assert.NotNil(t, r.Session().EndTime)
	assert.Equal(t, testStart.Add(300*time.Millisecond), *r.Session().EndTime)
}

func TestTimeoutOnRequiredQuestionStillAdvances(t *testing.T) {
	def := singleQuestionDef(model.Question{
		ID:           "q1",
		Text:         "respond fast",
		Required:     true,
		ResponseType: keypress(),
		Timing:       model.TimingConfig{ResponseWindowMs: 500},
	})
	r, clk := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))
	waitState(t, r, StateCollecting)

	clk.Advance(500 * time.Millisecond)
	waitState(t, r, StateCompleted)

	require.Len(t, r.Session().Responses, 1)
	resp := r.Session().Responses[0]
	assert.Nil(t, resp.Value)
	assert.Equal(t, -1.0, resp.ReactionTimeMs)
	assert.False(t, resp.Valid)
}

func TestPageConditionHidesPage(t *testing.T) {
	def := &model.Definition{
		Pages: []model.Page{
			{
				ID:          "p_minor",
				QuestionIDs: []string{"q_minor"},
				Conditions:  []model.Condition{{Formula: "age >= 18", Action: model.ActionHide}},
			},
			{ID: "p_all", QuestionIDs: []string{"q_all"}},
		},
		Questions: []model.Question{
			{ID: "q_minor", Text: "guardian consent", ResponseType: keypress()},
			{ID: "q_all", Text: "ready?", ResponseType: keypress()},
		},
		Variables: []model.Variable{
			{ID: "age", Name: "age", Type: model.VariableTypeNumber, DefaultValue: 20},
		},
	}
	r, _ := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))

	waitState(t, r, StateCollecting)
	require.NoError(t, r.Submit("y"))
	waitState(t, r, StateCompleted)

	responses := r.Session().Responses
	require.Len(t, responses, 1)
	assert.Equal(t, "q_all", responses[0].QuestionID, "adult participant skips the minor page")
}

func TestQuestionConditionSkipsQuestion(t *testing.T) {
	def := &model.Definition{
		Pages: []model.Page{{ID: "p1", QuestionIDs: []string{"q1", "q2"}}},
		Questions: []model.Question{
			{
				ID: "q1", Text: "only sometimes", ResponseType: keypress(),
				Conditions: []model.Condition{{Formula: "show_extra", Action: model.ActionShow}},
			},
			{ID: "q2", Text: "always", ResponseType: keypress()},
		},
		Variables: []model.Variable{
			{ID: "show_extra", Type: model.VariableTypeBoolean, DefaultValue: false},
		},
	}
	r, _ := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))

	waitState(t, r, StateCollecting)
	require.NoError(t, r.Submit("k"))
	waitState(t, r, StateCompleted)

	responses := r.Session().Responses
	require.Len(t, responses, 1)
	assert.Equal(t, "q2", responses[0].QuestionID)
}

func TestFlowRuleBranchesPastPages(t *testing.T) {
	def := &model.Definition{
		Pages: []model.Page{
			{ID: "p1", QuestionIDs: []string{"q1"}},
			{ID: "p2", QuestionIDs: []string{"q2"}},
			{ID: "p3", QuestionIDs: []string{"q3"}},
		},
		Questions: []model.Question{
			{ID: "q1", Text: "branch?", ResponseType: keypress()},
			{ID: "q2", Text: "middle", ResponseType: keypress()},
			{ID: "q3", Text: "end", ResponseType: keypress()},
		},
		Flow: []model.FlowRule{
			{PageID: "p1", Formula: `q1_value == "skip"`, TargetPageID: "p3"},
		},
	}
	r, _ := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))

	waitState(t, r, StateCollecting)
	require.NoError(t, r.Submit("skip"))

	// The branch rule fires, so the next armed question is q3, not q2.
	require.Eventually(t, func() bool { return len(r.Session().Responses) == 1 && r.State() == StateCollecting },
		time.Second, time.Millisecond)
	require.NoError(t, r.Submit("done"))
	waitState(t, r, StateCompleted)

	var order []string
	for _, resp := range r.Session().Responses {
		order = append(order, resp.QuestionID)
	}
	assert.Equal(t, []string{"q1", "q3"}, order)
}

func TestAutoVariablesTrackResponses(t *testing.T) {
	q := model.Question{
		ID:             "q1",
		Text:           "press f",
		ResponseType:   keypress(),
		CorrectFormula: `q1_value == "f"`,
	}
	r, clk := newTestRuntime(t, singleQuestionDef(q))
	require.NoError(t, r.Start(context.Background()))
	waitState(t, r, StateCollecting)

	clk.Advance(120 * time.Millisecond)
	require.NoError(t, r.Submit("f"))
	waitState(t, r, StateCompleted)

	vars := r.Variables()
	value, err := vars.Get("q1_value")
	require.NoError(t, err)
	assert.Equal(t, "f", value)

	delta, err := vars.Get("q1_delta")
	require.NoError(t, err)
	assert.Equal(t, 120.0, delta)

	correct, err := vars.Get("q1_correct")
	require.NoError(t, err)
	assert.Equal(t, true, correct)

	onset, err := vars.Get("q1_onset")
	require.NoError(t, err)
	assert.Equal(t, testStart, onset)
}

func TestStopAbandonsExactlyOnce(t *testing.T) {
	var finished atomic.Int32
	var final *model.RunSession
	def := singleQuestionDef(model.Question{ID: "q1", Text: "x", ResponseType: keypress()})
	r, _ := newTestRuntime(t, def, WithFinishCallback(func(s *model.RunSession) {
		finished.Add(1)
		final = s
	}))

	require.NoError(t, r.Start(context.Background()))
	waitState(t, r, StateCollecting)

	r.Stop()
	waitState(t, r, StateAbandoned)
	require.Eventually(t, func() bool { return finished.Load() == 1 },
		time.Second, time.Millisecond)

	r.Stop()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), finished.Load(), "finish callback fires exactly once")
	assert.Equal(t, model.SessionStatusAbandoned, final.Status)

	var notArmed *collector.NotArmedError
	assert.ErrorAs(t, r.Submit("late"), &notArmed, "input after stop is rejected")
}

func TestPauseFreezesResponseWindow(t *testing.T) {
	def := singleQuestionDef(model.Question{
		ID:           "q1",
		Text:         "x",
		ResponseType: keypress(),
		Timing:       model.TimingConfig{ResponseWindowMs: 1000},
	})
	r, clk := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))
	waitState(t, r, StateCollecting)

	clk.Advance(400 * time.Millisecond)
	r.Pause()

	clk.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateCollecting, r.State(), "paused window must not time out")
	assert.Empty(t, r.Session().Responses)

	r.Resume()
	clk.Advance(600 * time.Millisecond)
	waitState(t, r, StateCompleted)

	require.Len(t, r.Session().Responses, 1)
	assert.False(t, r.Session().Responses[0].Valid)
}

func TestPauseDuringPresentationReplaysQuestion(t *testing.T) {
	def := singleQuestionDef(model.Question{
		ID:           "q1",
		Text:         "x",
		ResponseType: keypress(),
		Timing:       model.TimingConfig{FixationMs: 500},
	})
	r, clk := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))

	// Pause mid-fixation, before any onset exists.
	require.Eventually(t, func() bool { return clk.Pending() > 0 },
		time.Second, time.Millisecond)
	r.Pause()
	r.Resume()

	// The question replays from the top: drive fixation waits until the
	// collector arms.
	require.Eventually(t, func() bool {
		if r.State() == StateCollecting {
			return true
		}
		if clk.Pending() > 0 {
			clk.Advance(500 * time.Millisecond)
		}
		return false
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Submit("space"))
	waitState(t, r, StateCompleted)
	assert.Len(t, r.Session().Responses, 1)
}

func TestRenderFrameRedrawsBoundedStimulus(t *testing.T) {
	def := singleQuestionDef(model.Question{
		ID:           "q1",
		Text:         "respond while it fades in",
		ResponseType: keypress(),
		Timing:       model.TimingConfig{StimulusMs: 1000},
		Transition:   &model.TransitionConfig{Kind: model.TransitionFade, DurationMs: 400},
	})

	clk := clock.NewManual(testStart)
	surf := surface.NewMemory(800, 600)
	r, err := New(def, clk, surf, resource.New(t.TempDir(), zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	waitState(t, r, StateCollecting)

	// The stimulus is bounded, so the frame loop must see it while the run
	// loop is still blocked inside the presentation.
	before := len(surf.Drawn())
	advanceWhenWaiting(t, clk, 200*time.Millisecond)
	require.NoError(t, r.RenderFrame())

	drawn := surf.Drawn()
	require.Greater(t, len(drawn), before,
		"a frame tick during the stimulus window must redraw the stimulus")
	assert.Equal(t, 0.5, drawn[len(drawn)-1].Opacity, "fade progresses between frames")

	clk.Advance(100 * time.Millisecond)
	require.NoError(t, r.RenderFrame())
	drawn = surf.Drawn()
	assert.Equal(t, 0.75, drawn[len(drawn)-1].Opacity)

	require.NoError(t, r.Submit("f"))
	clk.Advance(700 * time.Millisecond) // stimulus duration elapses
	waitState(t, r, StateCompleted)

	require.Len(t, r.Session().Responses, 1)
	assert.Equal(t, 300.0, r.Session().Responses[0].ReactionTimeMs)
}

func TestStartRefusesInvalidDefinition(t *testing.T) {
	def := singleQuestionDef(model.Question{ID: "q1", Text: "x", ResponseType: keypress()})
	def.Pages[0].QuestionIDs = append(def.Pages[0].QuestionIDs, "ghost")
	r, _ := newTestRuntime(t, def)

	err := r.Start(context.Background())
	var invalid *InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Error(), `unknown question "ghost"`)
	assert.Equal(t, StateIdle, r.State(), "an invalid definition never starts")
}

func TestStartTwiceFails(t *testing.T) {
	def := singleQuestionDef(model.Question{ID: "q1", Text: "x", ResponseType: keypress()})
	r, _ := newTestRuntime(t, def)
	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrNotIdle)
	r.Stop()
}

func TestPreloadFailureAbortsStart(t *testing.T) {
	def := singleQuestionDef(model.Question{
		ID:           "q1",
		Text:         "x",
		ResponseType: keypress(),
		Media:        []model.MediaRef{{Kind: model.MediaImage, URL: "/uploads/missing.png"}},
	})
	r, _ := newTestRuntime(t, def)

	err := r.Start(context.Background())
	var preload *resource.PreloadError
	require.ErrorAs(t, err, &preload)
	assert.Equal(t, StateIdle, r.State(), "nothing starts after a failed preload")
	assert.Empty(t, r.Session().Responses)
}

func TestDuplicateVariableDefinitionFailsConstruction(t *testing.T) {
	def := singleQuestionDef(model.Question{ID: "q1", Text: "x", ResponseType: keypress()})
	def.Variables = []model.Variable{
		{ID: "a", Type: model.VariableTypeNumber},
		{ID: "a", Type: model.VariableTypeNumber},
	}

	clk := clock.NewManual(testStart)
	_, err := New(def, clk, surface.NewMemory(800, 600), resource.New(t.TempDir(), zerolog.Nop()), zerolog.Nop())
	require.Error(t, err)
}
