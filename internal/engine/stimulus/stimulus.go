// Package stimulus implements the closed set of renderable experiment
// content kinds and their lifecycle: preload → prepare → render → cleanup.
// Kind dispatch is resolved at construction; the render loop never switches
// on type strings.
package stimulus

import (
	"context"
	"time"

	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/surface"
)

// Kind identifies a stimulus implementation.
type Kind string

const (
	KindText      Kind = "text"
	KindImage     Kind = "image"
	KindVideo     Kind = "video"
	KindAudio     Kind = "audio"
	KindHTML      Kind = "html"
	KindComposite Kind = "composite"
)

// FrameContext carries per-frame inputs into Render.
type FrameContext struct {
	Now     time.Time
	Elapsed time.Duration // Visible time so far
	Effect  Effect        // Transition effect; identity when none applies
}

// Config holds placement parameters fixed at Prepare time.
type Config struct {
	X, Y  float64 // Normalized center position; 0.5/0.5 is screen center
	Layer int
}

// DefaultConfig centers the stimulus.
func DefaultConfig() Config { return Config{X: 0.5, Y: 0.5} }

// Stimulus is one renderable unit of experiment content. Its onset time is
// the timestamp of the first frame it actually draws, recorded inside
// Render — never the time it was scheduled.
type Stimulus interface {
	ID() string
	Kind() Kind
	Preload(ctx context.Context, rm *resource.Manager) error
	Prepare(s surface.Surface, cfg Config) error
	Render(s surface.Surface, frame FrameContext) error
	Cleanup(s surface.Surface) error
	// Onset returns when the first frame was drawn, if any frame was.
	Onset() (time.Time, bool)
}

// onsetTracker records first-draw time; embedded by every implementation.
type onsetTracker struct {
	onset  time.Time
	marked bool
}

func (o *onsetTracker) markOnset(now time.Time) {
	if !o.marked {
		o.onset = now
		o.marked = true
	}
}

func (o *onsetTracker) Onset() (time.Time, bool) {
	return o.onset, o.marked
}
