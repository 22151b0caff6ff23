package stimulus

import (
	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/model"
)

// Effect is the visual modulation a transition applies to a whole stimulus
// for one frame. Offsets are in normalized surface units.
type Effect struct {
	Opacity float64
	OffsetX float64
	OffsetY float64
	Scale   float64
}

// Identity is the no-transition effect.
func Identity() Effect {
	return Effect{Opacity: 1, Scale: 1}
}

// Transition computes the entry effect for a transition kind at the given
// progress. It is a pure function; progress is clamped to [0,1] and unknown
// kinds yield the identity.
func Transition(kind model.TransitionKind, progress float64) Effect {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	switch kind {
	case model.TransitionFade:
		return Effect{Opacity: progress, Scale: 1}
	case model.TransitionSlide:
		return Effect{Opacity: 1, OffsetX: -0.2 * (1 - progress), Scale: 1}
	case model.TransitionZoom:
		return Effect{Opacity: progress, Scale: 0.8 + 0.2*progress}
	}
	return Identity()
}

// apply folds the effect into a draw op.
func (e Effect) apply(op surface.Op) surface.Op {
	op.Opacity *= e.Opacity
	op.X += e.OffsetX
	op.Y += e.OffsetY
	op.Scale *= e.Scale
	return op
}
