package presenter

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/engine/stimulus"
	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/engine/variable"
	"github.com/cognilab/stimflow/internal/model"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func frameAt(now time.Time) stimulus.FrameContext {
	return stimulus.FrameContext{Now: now, Effect: stimulus.Identity()}
}

func newTestPresenter(clk clock.Clock) (*Presenter, *surface.Memory, *variable.Engine) {
	surf := surface.NewMemory(800, 600)
	vars := variable.New(clk, zerolog.Nop())
	return New(clk, surf, vars, nil, zerolog.Nop()), surf, vars
}

// step waits until the presenter goroutine is blocked on a timed wait, then
// advances the clock past it.
func step(t *testing.T, clk *clock.Manual, d time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return clk.Pending() > 0 },
		time.Second, time.Millisecond, "presenter never reached its timed wait")
	clk.Advance(d)
}

func TestPresentOnsetFollowsFixationAndPreDelay(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, surf, _ := newTestPresenter(clk)

	q := &model.Question{
		ID:   "q1",
		Text: "press space when you see the circle",
		Timing: model.TimingConfig{
			FixationMs:  500,
			PreDelayMs:  200,
			StimulusMs:  1000,
			PostDelayMs: 300,
		},
	}

	var onset time.Time
	var pres *Presentation
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		pres, err = p.Present(context.Background(), q, func(live *Presentation) { onset = live.Onset })
	}()

	step(t, clk, 500*time.Millisecond)  // fixation
	step(t, clk, 200*time.Millisecond)  // pre-delay
	step(t, clk, 1000*time.Millisecond) // stimulus duration
	step(t, clk, 300*time.Millisecond)  // post-delay
	<-done

	require.NoError(t, err)
	assert.Equal(t, testStart.Add(700*time.Millisecond), onset,
		"onset is the drawn frame after fixation plus pre-delay")
	assert.Equal(t, onset, pres.Onset)
	assert.False(t, pres.Visible(), "bounded stimulus is removed after its duration")

	// The fixation cross was drawn and removed before the stimulus appeared.
	ops := surf.Ops()
	var sawCross, crossRemoved bool
	for _, op := range ops {
		switch {
		case op.Kind == surface.OpText && op.Text == "+":
			sawCross = true
			assert.False(t, crossRemoved)
		case op.Kind == surface.OpRemove && op.TargetID == "q1_fixation":
			crossRemoved = true
		case op.Kind == surface.OpText && op.TargetID == "q1_text":
			assert.True(t, crossRemoved, "stimulus must not overlap the fixation cross")
		}
	}
	assert.True(t, sawCross)
	assert.True(t, crossRemoved)
}

func TestPresentCancelMidFixation(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, surf, _ := newTestPresenter(clk)

	q := &model.Question{ID: "q1", Text: "x", Timing: model.TimingConfig{FixationMs: 500}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Present(ctx, q, nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return clk.Pending() > 0 },
		time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)

	// The interrupted fixation cross does not linger on the surface.
	var removed bool
	for _, op := range surf.Ops() {
		if op.Kind == surface.OpRemove && op.TargetID == "q1_fixation" {
			removed = true
		}
	}
	assert.True(t, removed)
}

func TestPresentWithoutTimingIsImmediate(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, _, _ := newTestPresenter(clk)

	q := &model.Question{ID: "q1", Text: "how old are you?"}

	var onset time.Time
	pres, err := p.Present(context.Background(), q, func(live *Presentation) { onset = live.Onset })
	require.NoError(t, err)

	assert.Equal(t, testStart, onset)
	assert.True(t, pres.Visible(), "unbounded stimulus stays up for response collection")
}

func TestPresentUnboundedStimulusSkipsPostDelay(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, _, _ := newTestPresenter(clk)

	// Post-delay configured but no stimulus duration: the stimulus stays
	// visible and Present returns without waiting.
	q := &model.Question{ID: "q1", Text: "x", Timing: model.TimingConfig{PostDelayMs: 300}}

	pres, err := p.Present(context.Background(), q, nil)
	require.NoError(t, err)
	assert.True(t, pres.Visible())
	assert.Equal(t, 0, clk.Pending())
}

func TestInterpolateLeavesUnresolvedTokens(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, _, vars := newTestPresenter(clk)

	require.NoError(t, vars.Register(model.Variable{
		ID: "score", Name: "score", Type: model.VariableTypeNumber, DefaultValue: 42,
	}))

	assert.Equal(t, "Score: 42 of {total}", p.Interpolate("Score: {score} of {total}"))
	assert.Equal(t, "plain text", p.Interpolate("plain text"))
	assert.Equal(t, "open {brace", p.Interpolate("open {brace"))
}

func TestBuildSingleChildSkipsComposite(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, _, _ := newTestPresenter(clk)

	root, err := p.Build(&model.Question{ID: "q1", Text: "only text"})
	require.NoError(t, err)
	assert.NotEqual(t, "q1", root.ID(), "single child keeps its own id, no wrapper")
	assert.Equal(t, "q1_text", root.ID())
}

func TestBuildCompositeOrdersByLayer(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, surf, _ := newTestPresenter(clk)

	q := &model.Question{
		ID:          "q1",
		Text:        "which one?",
		Instruction: "look carefully",
		Media:       []model.MediaRef{{Kind: model.MediaImage, URL: "/uploads/a.png", Layer: 5}},
		ResponseType: model.ResponseType{
			Kind: model.KindSingle,
			Options: []model.Option{
				{Value: "a", Label: "Alpha"},
				{Value: "b", Label: "Beta"},
			},
		},
	}

	root, err := p.Build(q)
	require.NoError(t, err)
	require.NoError(t, root.Prepare(surf, stimulus.DefaultConfig()))
	require.NoError(t, root.Render(surf, frameAt(clk.Now())))

	var order []string
	var optionsText string
	for _, op := range surf.Drawn() {
		order = append(order, op.TargetID)
		if op.TargetID == "q1_options" {
			optionsText = op.Text
		}
	}
	assert.Equal(t, []string{"q1_instruction", "q1_text", "q1_media_0", "q1_options"}, order)
	assert.Equal(t, "1) Alpha\n2) Beta", optionsText)
}

func TestBuildScaleRendersRange(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, surf, _ := newTestPresenter(clk)

	q := &model.Question{
		ID:           "q1",
		ResponseType: model.ResponseType{Kind: model.KindScale, ScaleMin: 1, ScaleMax: 5},
	}

	root, err := p.Build(q)
	require.NoError(t, err)
	require.NoError(t, root.Render(surf, frameAt(clk.Now())))

	drawn := surf.Drawn()
	require.Len(t, drawn, 1)
	assert.Equal(t, "1  2  3  4  5", drawn[0].Text)
}

func TestRenderFrameProgressesTransition(t *testing.T) {
	clk := clock.NewManual(testStart)
	p, surf, _ := newTestPresenter(clk)

	q := &model.Question{
		ID:         "q1",
		Text:       "fading in",
		Transition: &model.TransitionConfig{Kind: model.TransitionFade, DurationMs: 400},
	}

	pres, err := p.Present(context.Background(), q, nil)
	require.NoError(t, err)

	first := surf.Drawn()
	require.NotEmpty(t, first)
	assert.Equal(t, 0.0, first[len(first)-1].Opacity, "fade starts invisible")

	clk.Advance(200 * time.Millisecond)
	require.NoError(t, p.RenderFrame(pres))

	drawn := surf.Drawn()
	assert.Equal(t, 0.5, drawn[len(drawn)-1].Opacity, "halfway through the fade")

	clk.Advance(1 * time.Second)
	require.NoError(t, p.RenderFrame(pres))
	drawn = surf.Drawn()
	assert.Equal(t, 1.0, drawn[len(drawn)-1].Opacity, "progress clamps after the duration")
}
