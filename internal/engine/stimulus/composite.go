package stimulus

import (
	"context"
	"sort"

	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/surface"
)

// Composite renders multiple children as one unit. Children draw into an
// offscreen surface in ascending layer order and the accumulated result is
// composited onto the main surface in a single blit — this isolates
// per-child blend state and fixes draw order regardless of each child's
// internal state changes.
//
// When the surface cannot allocate an offscreen target, the composite
// degrades to rendering its children directly, still in layer order. The
// grouping guarantee is lost but the trial remains runnable.
type Composite struct {
	onsetTracker
	id       string
	children []Stimulus
	cfg      Config
	direct   bool // Degraded mode after an offscreen allocation failure
}

// NewComposite creates a composite over the given children, fixed into
// ascending layer order at construction.
func NewComposite(id string, children []Stimulus, layers []int) *Composite {
	ordered := make([]layeredChild, len(children))
	for i, c := range children {
		layer := 0
		if i < len(layers) {
			layer = layers[i]
		}
		ordered[i] = layeredChild{stim: c, layer: layer}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].layer < ordered[j].layer })

	sorted := make([]Stimulus, len(ordered))
	for i, lc := range ordered {
		sorted[i] = lc.stim
	}
	return &Composite{id: id, children: sorted, cfg: DefaultConfig()}
}

type layeredChild struct {
	stim  Stimulus
	layer int
}

func (c *Composite) ID() string { return c.id }

func (c *Composite) Kind() Kind { return KindComposite }

// Children exposes the ordered children, for presenters and tests.
func (c *Composite) Children() []Stimulus { return c.children }

func (c *Composite) Preload(ctx context.Context, rm *resource.Manager) error {
	for _, child := range c.children {
		if err := child.Preload(ctx, rm); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) Prepare(s surface.Surface, cfg Config) error {
	c.cfg = cfg
	for _, child := range c.children {
		if err := child.Prepare(s, DefaultConfig()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) Render(s surface.Surface, frame FrameContext) error {
	if c.direct {
		return c.renderDirect(s, frame)
	}

	off, err := s.NewOffscreen()
	if err != nil {
		c.direct = true
		return c.renderDirect(s, frame)
	}

	// Children render with the identity effect; the group effect is
	// applied once at blit time.
	childFrame := frame
	childFrame.Effect = Identity()
	for _, child := range c.children {
		if err := child.Render(off, childFrame); err != nil {
			return err
		}
	}

	e := frame.Effect
	if err := off.BlitTo(s, c.id, e.Opacity, e.OffsetX, e.OffsetY, e.Scale); err != nil {
		return err
	}
	c.markOnset(frame.Now)
	return nil
}

func (c *Composite) renderDirect(s surface.Surface, frame FrameContext) error {
	for _, child := range c.children {
		if err := child.Render(s, frame); err != nil {
			return err
		}
	}
	c.markOnset(frame.Now)
	return nil
}

func (c *Composite) Cleanup(s surface.Surface) error {
	var firstErr error
	for _, child := range c.children {
		if err := child.Cleanup(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.Remove(c.id); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
