package stimulus

import (
	"context"

	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/surface"
)

// Text renders a string of (already interpolated) text.
type Text struct {
	onsetTracker
	id      string
	content string
	cfg     Config
}

// NewText creates a text stimulus.
func NewText(id, content string) *Text {
	return &Text{id: id, content: content, cfg: DefaultConfig()}
}

// NewFixation creates the default centered fixation cross shown during the
// fixation phase.
func NewFixation(id string) *Text {
	return NewText(id, "+")
}

func (t *Text) ID() string { return t.id }

func (t *Text) Kind() Kind { return KindText }

func (t *Text) Preload(context.Context, *resource.Manager) error { return nil }

func (t *Text) Prepare(_ surface.Surface, cfg Config) error {
	t.cfg = cfg
	return nil
}

func (t *Text) Render(s surface.Surface, frame FrameContext) error {
	op := frame.Effect.apply(surface.Op{
		Kind:     surface.OpText,
		TargetID: t.id,
		Text:     t.content,
		X:        t.cfg.X,
		Y:        t.cfg.Y,
		Opacity:  1,
		Scale:    1,
		Layer:    t.cfg.Layer,
	})
	if err := s.Submit(op); err != nil {
		return err
	}
	t.markOnset(frame.Now)
	return nil
}

func (t *Text) Cleanup(s surface.Surface) error {
	return s.Remove(t.id)
}
