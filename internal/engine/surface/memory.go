package surface

import (
	"errors"
	"sort"
	"sync"
)

// Memory is an in-process Surface that records submitted ops. It backs unit
// tests and the headless simulator. FailOffscreen forces NewOffscreen to
// error so composite degradation paths can be exercised.
type Memory struct {
	mu            sync.Mutex
	width, height int
	ops           []Op
	FailOffscreen bool
}

// NewMemory creates a Memory surface with the given logical dimensions.
func NewMemory(w, h int) *Memory {
	return &Memory{width: w, height: h}
}

func (m *Memory) Size() (int, int) { return m.width, m.height }

func (m *Memory) Submit(op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func (m *Memory) Remove(targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, Op{Kind: OpRemove, TargetID: targetID})
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, Op{Kind: OpClear})
	return nil
}

func (m *Memory) NewOffscreen() (Offscreen, error) {
	if m.FailOffscreen {
		return nil, &Error{Op: "alloc offscreen", Err: errors.New("allocation refused")}
	}
	return &memoryOffscreen{Memory: NewMemory(m.width, m.height)}, nil
}

// Ops returns a copy of everything submitted so far.
func (m *Memory) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.ops))
	copy(out, m.ops)
	return out
}

// Drawn returns the non-structural ops (excludes remove/clear/group marks).
func (m *Memory) Drawn() []Op {
	var out []Op
	for _, op := range m.Ops() {
		switch op.Kind {
		case OpRemove, OpClear, OpGroupBegin, OpGroupEnd:
			continue
		}
		out = append(out, op)
	}
	return out
}

// NewOffscreenBuffer returns a detached accumulation target that can blit
// into any Surface. Transport-backed surfaces use it to support composites
// without an offscreen of their own.
func NewOffscreenBuffer(w, h int) Offscreen {
	return &memoryOffscreen{Memory: NewMemory(w, h)}
}

type memoryOffscreen struct {
	*Memory
}

// BlitTo flushes the offscreen ops onto dst in ascending layer order,
// bracketed by group marks, with the group effect folded into each op.
func (o *memoryOffscreen) BlitTo(dst Surface, groupID string, opacity, offsetX, offsetY, scale float64) error {
	ops := o.Ops()
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Layer < ops[j].Layer })

	if err := dst.Submit(Op{Kind: OpGroupBegin, TargetID: groupID, Opacity: opacity}); err != nil {
		return err
	}
	for _, op := range ops {
		op.Opacity *= opacity
		op.X += offsetX
		op.Y += offsetY
		op.Scale *= scale
		if err := dst.Submit(op); err != nil {
			return err
		}
	}
	return dst.Submit(Op{Kind: OpGroupEnd, TargetID: groupID})
}
