// Package presenter builds stimulus trees from question definitions and
// sequences their timing phases: fixation → pre-delay → stimulus onset →
// stimulus duration → post-delay. Onset is marked on the frame the content
// is actually drawn, so reaction times reflect presentation latency, not
// scheduling latency.
package presenter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/engine/formula"
	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/stimulus"
	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/engine/variable"
	"github.com/cognilab/stimflow/internal/model"
)

// Presenter sequences question presentation on one surface.
type Presenter struct {
	log   zerolog.Logger
	clock clock.Clock
	surf  surface.Surface
	vars  *variable.Engine
	rm    *resource.Manager
}

// New creates a Presenter.
func New(clk clock.Clock, surf surface.Surface, vars *variable.Engine, rm *resource.Manager, log zerolog.Logger) *Presenter {
	return &Presenter{
		log:   log.With().Str("component", "presenter").Logger(),
		clock: clk,
		surf:  surf,
		vars:  vars,
		rm:    rm,
	}
}

// Presentation is a question currently (or last) on the surface. The mutex
// serializes frame redraws against removal: the run loop clears a bounded
// stimulus while an external ticker may still be driving RenderFrame.
type Presentation struct {
	Question *model.Question
	Root     stimulus.Stimulus
	Onset    time.Time

	mu      sync.Mutex
	visible bool
}

// Visible reports whether the stimulus is still on the surface.
func (p *Presentation) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// Present runs the full phase sequence for a question. onOnset fires with
// the live Presentation the moment the stimulus is first drawn — the runtime
// arms response collection and publishes the presentation to its frame loop
// there, so responses and frame redraws landing during the visible window
// are never missed. Present returns after the post-delay; response
// collection may still be live at that point, per the question's timing
// config.
//
// Cancelling ctx interrupts any in-flight phase immediately.
func (p *Presenter) Present(ctx context.Context, q *model.Question, onOnset func(*Presentation)) (*Presentation, error) {
	root, err := p.Build(q)
	if err != nil {
		return nil, err
	}
	if err := root.Preload(ctx, p.rm); err != nil {
		return nil, err
	}
	if err := root.Prepare(p.surf, stimulus.DefaultConfig()); err != nil {
		return nil, err
	}

	timing := q.Timing

	// Phase 1: fixation cross.
	if timing.FixationMs > 0 {
		fix := stimulus.NewFixation(q.ID + "_fixation")
		if err := fix.Prepare(p.surf, stimulus.DefaultConfig()); err != nil {
			return nil, err
		}
		if err := fix.Render(p.surf, p.fixationFrame()); err != nil {
			return nil, err
		}
		if err := p.wait(ctx, timing.FixationMs); err != nil {
			_ = fix.Cleanup(p.surf)
			return nil, err
		}
		if err := fix.Cleanup(p.surf); err != nil {
			return nil, err
		}
	}

	// Phase 2: pre-stimulus delay.
	if timing.PreDelayMs > 0 {
		if err := p.wait(ctx, timing.PreDelayMs); err != nil {
			return nil, err
		}
	}

	// Phase 3: enqueue the stimulus; the first drawn frame is the onset.
	pres := &Presentation{Question: q, Root: root, visible: true}
	if err := root.Render(p.surf, p.frame(q, time.Time{})); err != nil {
		return nil, &surface.Error{Op: "present " + q.ID, Err: err}
	}
	onset, ok := root.Onset()
	if !ok {
		onset = p.clock.Now()
	}
	pres.Onset = onset
	if onOnset != nil {
		onOnset(pres)
	}

	// Phase 4: bounded stimulus duration, then removal.
	if timing.StimulusMs > 0 {
		if err := p.wait(ctx, timing.StimulusMs); err != nil {
			_ = p.Clear(pres)
			return nil, err
		}
		if err := p.Clear(pres); err != nil {
			return nil, err
		}

		// Phase 5: post-stimulus delay, only after a bounded stimulus.
		if timing.PostDelayMs > 0 {
			if err := p.wait(ctx, timing.PostDelayMs); err != nil {
				return nil, err
			}
		}
	}

	return pres, nil
}

// RenderFrame redraws a visible presentation: transitions progress and
// timed media report their playback position.
func (p *Presenter) RenderFrame(pres *Presentation) error {
	pres.mu.Lock()
	defer pres.mu.Unlock()
	if !pres.visible {
		return nil
	}
	return pres.Root.Render(p.surf, p.frame(pres.Question, pres.Onset))
}

// Clear removes a presentation's stimulus from the surface.
func (p *Presenter) Clear(pres *Presentation) error {
	pres.mu.Lock()
	defer pres.mu.Unlock()
	if !pres.visible {
		return nil
	}
	pres.visible = false
	return pres.Root.Cleanup(p.surf)
}

func (p *Presenter) fixationFrame() stimulus.FrameContext {
	return stimulus.FrameContext{Now: p.clock.Now(), Effect: stimulus.Identity()}
}

// frame builds the per-draw context. An entry transition, when configured,
// progresses linearly over its duration measured from onset; the first frame
// (zero onset) draws at progress zero.
func (p *Presenter) frame(q *model.Question, onset time.Time) stimulus.FrameContext {
	now := p.clock.Now()
	frame := stimulus.FrameContext{Now: now, Effect: stimulus.Identity()}
	if !onset.IsZero() {
		frame.Elapsed = now.Sub(onset)
	}
	if tr := q.Transition; tr != nil && tr.DurationMs > 0 {
		progress := 0.0
		if !onset.IsZero() {
			progress = float64(frame.Elapsed) / float64(time.Duration(tr.DurationMs)*time.Millisecond)
		}
		frame.Effect = stimulus.Transition(tr.Kind, progress)
	}
	return frame
}

func (p *Presenter) wait(ctx context.Context, ms int) error {
	ch, stop := p.clock.After(time.Duration(ms) * time.Millisecond)
	defer stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Stimulus tree construction ─────────────────────────────────────

// Build assembles the renderer tree for a question: text, instruction,
// media, option list and scale children, wrapped in a Composite only when
// there is more than one.
func (p *Presenter) Build(q *model.Question) (stimulus.Stimulus, error) {
	var children []stimulus.Stimulus
	var layers []int

	if q.Instruction != "" {
		children = append(children, stimulus.NewText(q.ID+"_instruction", p.Interpolate(q.Instruction)))
		layers = append(layers, 0)
	}
	if q.Text != "" {
		children = append(children, stimulus.NewText(q.ID+"_text", p.Interpolate(q.Text)))
		layers = append(layers, 1)
	}
	for i, ref := range q.Media {
		children = append(children, stimulus.FromMediaRef(fmt.Sprintf("%s_media_%d", q.ID, i), ref))
		layers = append(layers, ref.Layer)
	}
	if opts := p.optionList(q); opts != nil {
		children = append(children, opts)
		layers = append(layers, 10)
	}

	switch len(children) {
	case 0:
		// A question with no content still presents (and has an onset).
		return stimulus.NewText(q.ID+"_blank", ""), nil
	case 1:
		return children[0], nil
	}
	return stimulus.NewComposite(q.ID, children, layers), nil
}

// optionList renders selectable choices or a scale as a text block.
func (p *Presenter) optionList(q *model.Question) stimulus.Stimulus {
	rt := q.ResponseType
	switch rt.Kind {
	case model.KindSingle, model.KindMultiple:
		if len(rt.Options) == 0 {
			return nil
		}
		var sb strings.Builder
		for i, opt := range rt.Options {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%d) %s", i+1, p.Interpolate(opt.Label))
		}
		return stimulus.NewText(q.ID+"_options", sb.String())

	case model.KindScale:
		lo, hi := rt.ScaleMin, rt.ScaleMax
		if hi <= lo {
			lo, hi = 1, 7
		}
		var sb strings.Builder
		for v := lo; v <= hi; v++ {
			if v > lo {
				sb.WriteString("  ")
			}
			fmt.Fprintf(&sb, "%d", v)
		}
		return stimulus.NewText(q.ID+"_scale", sb.String())
	}
	return nil
}

// Interpolate substitutes {name} tokens from the variable engine.
// Unresolved tokens are left untouched — a typo in authored content must
// not abort presentation.
func (p *Presenter) Interpolate(text string) string {
	if !strings.ContainsRune(text, '{') {
		return text
	}

	var sb strings.Builder
	i := 0
	for i < len(text) {
		open := strings.IndexByte(text[i:], '{')
		if open < 0 {
			sb.WriteString(text[i:])
			break
		}
		open += i
		closing := strings.IndexByte(text[open:], '}')
		if closing < 0 {
			sb.WriteString(text[i:])
			break
		}
		closing += open

		sb.WriteString(text[i:open])
		name := text[open+1 : closing]
		if value, err := p.vars.Get(name); err == nil && value != nil {
			sb.WriteString(formula.ToString(value))
		} else {
			sb.WriteString(text[open : closing+1])
		}
		i = closing + 1
	}
	return sb.String()
}
