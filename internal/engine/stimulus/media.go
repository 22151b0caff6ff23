package stimulus

import (
	"context"
	"errors"
	"time"

	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/model"
)

// errNotPreloaded surfaces a stimulus whose asset missed the preload phase.
// It should be unreachable when the runtime preloads the full definition.
var errNotPreloaded = errors.New("asset not preloaded")

// media is the shared core of the asset-backed stimuli. The concrete types
// differ only in the op kind they emit and whether playback time matters.
type media struct {
	onsetTracker
	id    string
	ref   model.MediaRef
	cfg   Config
	asset *resource.Asset
}

func (m *media) ID() string { return m.id }

func (m *media) Preload(_ context.Context, rm *resource.Manager) error {
	asset, ok := rm.Get(m.ref.URL)
	if !ok {
		return &resource.PreloadError{URL: m.ref.URL, Err: errNotPreloaded}
	}
	m.asset = asset
	return nil
}

func (m *media) Prepare(_ surface.Surface, cfg Config) error {
	m.cfg = cfg
	return nil
}

func (m *media) Cleanup(s surface.Surface) error {
	return s.Remove(m.id)
}

func (m *media) renderOp(kind surface.OpKind, frame FrameContext, timed bool) surface.Op {
	op := surface.Op{
		Kind:     kind,
		TargetID: m.id,
		URL:      m.ref.URL,
		X:        m.cfg.X,
		Y:        m.cfg.Y,
		Opacity:  1,
		Scale:    1,
		Layer:    m.cfg.Layer,
		Loop:     m.ref.Loop,
	}
	if timed {
		op.ElapsedMs = float64(frame.Elapsed) / float64(time.Millisecond)
	}
	return frame.Effect.apply(op)
}

// Image renders a preloaded still image.
type Image struct{ media }

// NewImage creates an image stimulus from a media reference.
func NewImage(id string, ref model.MediaRef) *Image {
	return &Image{media{id: id, ref: ref, cfg: DefaultConfig()}}
}

func (i *Image) Kind() Kind { return KindImage }

func (i *Image) Render(s surface.Surface, frame FrameContext) error {
	if err := s.Submit(i.renderOp(surface.OpImage, frame, false)); err != nil {
		return err
	}
	i.markOnset(frame.Now)
	return nil
}

// Video renders a video stream; each frame carries the playback position so
// the client stays in sync with engine time.
type Video struct{ media }

// NewVideo creates a video stimulus from a media reference.
func NewVideo(id string, ref model.MediaRef) *Video {
	return &Video{media{id: id, ref: ref, cfg: DefaultConfig()}}
}

func (v *Video) Kind() Kind { return KindVideo }

func (v *Video) Render(s surface.Surface, frame FrameContext) error {
	if err := s.Submit(v.renderOp(surface.OpVideo, frame, true)); err != nil {
		return err
	}
	v.markOnset(frame.Now)
	return nil
}

// Audio starts audio playback; onset is the frame the start op is issued.
type Audio struct{ media }

// NewAudio creates an audio stimulus from a media reference.
func NewAudio(id string, ref model.MediaRef) *Audio {
	return &Audio{media{id: id, ref: ref, cfg: DefaultConfig()}}
}

func (a *Audio) Kind() Kind { return KindAudio }

func (a *Audio) Render(s surface.Surface, frame FrameContext) error {
	if err := s.Submit(a.renderOp(surface.OpAudio, frame, true)); err != nil {
		return err
	}
	a.markOnset(frame.Now)
	return nil
}

// HTML renders a constrained rich-content block delivered by URL.
type HTML struct{ media }

// NewHTML creates an HTML stimulus from a media reference.
func NewHTML(id string, ref model.MediaRef) *HTML {
	return &HTML{media{id: id, ref: ref, cfg: DefaultConfig()}}
}

func (h *HTML) Kind() Kind { return KindHTML }

func (h *HTML) Render(s surface.Surface, frame FrameContext) error {
	if err := s.Submit(h.renderOp(surface.OpHTML, frame, false)); err != nil {
		return err
	}
	h.markOnset(frame.Now)
	return nil
}

// FromMediaRef constructs the stimulus for a media reference. The closed
// kind set is resolved here, once, at build time.
func FromMediaRef(id string, ref model.MediaRef) Stimulus {
	switch ref.Kind {
	case model.MediaVideo:
		return NewVideo(id, ref)
	case model.MediaAudio:
		return NewAudio(id, ref)
	case model.MediaHTML:
		return NewHTML(id, ref)
	default:
		return NewImage(id, ref)
	}
}
