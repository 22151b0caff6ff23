package websocket

import (
	"sync"

	"github.com/cognilab/stimflow/internal/engine/surface"
)

// StreamSurface is the render surface backing a participant's run stream.
// The runtime submits ops; the ws handler flushes them to the client as
// DrawEvents, one batch per frame.
type StreamSurface struct {
	mu      sync.Mutex
	width   int
	height  int
	pending []surface.Op
}

// NewStreamSurface creates a StreamSurface with the client's reported
// logical dimensions.
func NewStreamSurface(width, height int) *StreamSurface {
	return &StreamSurface{width: width, height: height}
}

func (s *StreamSurface) Size() (int, int) { return s.width, s.height }

func (s *StreamSurface) Submit(op surface.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, op)
	return nil
}

func (s *StreamSurface) Remove(targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, surface.Op{Kind: surface.OpRemove, TargetID: targetID})
	return nil
}

func (s *StreamSurface) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, surface.Op{Kind: surface.OpClear})
	return nil
}

func (s *StreamSurface) NewOffscreen() (surface.Offscreen, error) {
	return surface.NewOffscreenBuffer(s.width, s.height), nil
}

// Drain returns the ops accumulated since the last drain, or nil when
// nothing was drawn. The caller packages them into a DrawEvent.
func (s *StreamSurface) Drain() []surface.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.pending
	s.pending = nil
	return ops
}
