package stimulus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/model"
)

func frameAt(t time.Time) FrameContext {
	return FrameContext{Now: t, Effect: Identity()}
}

func TestOnsetMarkedOnFirstRenderOnly(t *testing.T) {
	s := surface.NewMemory(800, 600)
	txt := NewText("t1", "hello")

	_, marked := txt.Onset()
	assert.False(t, marked, "onset must not exist before the first drawn frame")

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, txt.Render(s, frameAt(first)))
	require.NoError(t, txt.Render(s, frameAt(first.Add(16*time.Millisecond))))

	onset, marked := txt.Onset()
	require.True(t, marked)
	assert.Equal(t, first, onset, "onset is the first frame, not a later one")
}

func TestTransitionIsPureAndClamped(t *testing.T) {
	for _, kind := range []model.TransitionKind{model.TransitionFade, model.TransitionSlide, model.TransitionZoom} {
		a := Transition(kind, 0.5)
		b := Transition(kind, 0.5)
		assert.Equal(t, a, b, "same inputs must give the same effect")

		assert.Equal(t, Transition(kind, 1), Transition(kind, 3.0), "progress clamps high")
		assert.Equal(t, Transition(kind, 0), Transition(kind, -1), "progress clamps low")
	}

	assert.Equal(t, 0.25, Transition(model.TransitionFade, 0.25).Opacity)
	assert.Equal(t, Identity(), Transition(model.TransitionFade, 1))
	assert.Equal(t, Identity(), Transition("unknown", 0.5))
}

func TestCompositeRendersChildrenInLayerOrder(t *testing.T) {
	s := surface.NewMemory(800, 600)

	comp := NewComposite("grp",
		[]Stimulus{NewText("top", "top"), NewText("bottom", "bottom"), NewText("mid", "mid")},
		[]int{2, 0, 1},
	)
	require.NoError(t, comp.Prepare(s, DefaultConfig()))
	require.NoError(t, comp.Render(s, frameAt(time.Now())))

	var order []string
	for _, op := range s.Ops() {
		if op.Kind == surface.OpText {
			order = append(order, op.TargetID)
		}
	}
	assert.Equal(t, []string{"bottom", "mid", "top"}, order)

	// The result arrives as one bracketed group.
	ops := s.Ops()
	assert.Equal(t, surface.OpGroupBegin, ops[0].Kind)
	assert.Equal(t, surface.OpGroupEnd, ops[len(ops)-1].Kind)
	assert.Equal(t, "grp", ops[0].TargetID)
}

func TestCompositeDegradesWithoutOffscreen(t *testing.T) {
	s := surface.NewMemory(800, 600)
	s.FailOffscreen = true

	comp := NewComposite("grp",
		[]Stimulus{NewText("b", "b"), NewText("a", "a")},
		[]int{1, 0},
	)
	require.NoError(t, comp.Prepare(s, DefaultConfig()))
	require.NoError(t, comp.Render(s, frameAt(time.Now())))

	// Direct rendering: children still drawn, still in layer order, but no
	// group brackets.
	var order []string
	for _, op := range s.Ops() {
		require.NotEqual(t, surface.OpGroupBegin, op.Kind)
		if op.Kind == surface.OpText {
			order = append(order, op.TargetID)
		}
	}
	assert.Equal(t, []string{"a", "b"}, order)

	_, marked := comp.Onset()
	assert.True(t, marked, "degraded rendering still records onset")
}

func TestCompositeGroupEffectAppliedAtBlit(t *testing.T) {
	s := surface.NewMemory(800, 600)
	comp := NewComposite("grp", []Stimulus{NewText("a", "a")}, []int{0})
	require.NoError(t, comp.Prepare(s, DefaultConfig()))

	frame := frameAt(time.Now())
	frame.Effect = Transition(model.TransitionFade, 0.5)
	require.NoError(t, comp.Render(s, frame))

	for _, op := range s.Ops() {
		if op.Kind == surface.OpText {
			assert.Equal(t, 0.5, op.Opacity, "group opacity folds into child ops exactly once")
		}
	}
}

func TestVideoCarriesPlaybackPosition(t *testing.T) {
	s := surface.NewMemory(800, 600)
	v := NewVideo("v1", model.MediaRef{Kind: model.MediaVideo, URL: "/uploads/clip.mp4", Loop: true})

	frame := frameAt(time.Now())
	frame.Elapsed = 1500 * time.Millisecond
	require.NoError(t, v.Render(s, frame))

	ops := s.Drawn()
	require.Len(t, ops, 1)
	assert.Equal(t, surface.OpVideo, ops[0].Kind)
	assert.Equal(t, 1500.0, ops[0].ElapsedMs)
	assert.True(t, ops[0].Loop)
}

func TestFromMediaRefResolvesKinds(t *testing.T) {
	cases := map[model.MediaKind]Kind{
		model.MediaImage: KindImage,
		model.MediaVideo: KindVideo,
		model.MediaAudio: KindAudio,
		model.MediaHTML:  KindHTML,
	}
	for mediaKind, want := range cases {
		stim := FromMediaRef("s", model.MediaRef{Kind: mediaKind, URL: "u"})
		assert.Equal(t, want, stim.Kind())
	}
}
