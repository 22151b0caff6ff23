// Package surface abstracts the render target the engine draws stimuli
// onto. Production uses a WebSocket-backed surface that streams draw ops to
// the participant client; tests use the op-recording Memory surface.
package surface

import "fmt"

// OpKind enumerates draw operations.
type OpKind string

const (
	OpText       OpKind = "text"
	OpImage      OpKind = "image"
	OpVideo      OpKind = "video"
	OpAudio      OpKind = "audio"
	OpHTML       OpKind = "html"
	OpRemove     OpKind = "remove"
	OpClear      OpKind = "clear"
	OpGroupBegin OpKind = "group_begin"
	OpGroupEnd   OpKind = "group_end"
)

// Op is one draw operation. Positions are normalized to [0,1] with the
// origin at the top-left; Layer orders ops within a frame.
type Op struct {
	Kind     OpKind  `json:"kind"`
	TargetID string  `json:"target_id,omitempty"` // Stimulus this op belongs to
	Text     string  `json:"text,omitempty"`
	URL      string  `json:"url,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	Scale    float64 `json:"scale,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
	Layer    int     `json:"layer,omitempty"`
	Loop     bool    `json:"loop,omitempty"`
	ElapsedMs float64 `json:"elapsed_ms,omitempty"` // Media playback position
}

// Error is the typed render-surface failure (allocation, submission).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render surface: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Surface is a render target. Submit pushes one op for the current frame;
// Remove takes everything a stimulus drew off the surface.
type Surface interface {
	Size() (w, h int)
	Submit(op Op) error
	Remove(targetID string) error
	Clear() error
	// NewOffscreen allocates an intermediate surface for composited
	// rendering. Implementations may fail here; callers degrade to direct
	// rendering.
	NewOffscreen() (Offscreen, error)
}

// Offscreen is an intermediate target whose accumulated content is
// composited onto a parent surface as a single unit, isolating per-child
// blend state.
type Offscreen interface {
	Surface
	// BlitTo composites the accumulated ops onto dst. opacity, offsets and
	// scale apply to the group as a whole.
	BlitTo(dst Surface, groupID string, opacity, offsetX, offsetY, scale float64) error
}
