package websocket

import "github.com/cognilab/stimflow/internal/engine/surface"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionResponse Action = "response"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionAbandon  Action = "abandon"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ResponseRequest is sent by the client with participant input for the
// currently armed question.
type ResponseRequest struct {
	Action Action `json:"action"`
	Value  any    `json:"value"`
}

// ControlRequest covers the payload-free run controls (pause, resume,
// abandon, ping).
type ControlRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventDraw      Event = "draw"
	EventPhase     Event = "phase"
	EventQuestion  Event = "question"
	EventCompleted Event = "completed"
	EventAbandoned Event = "abandoned"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// DrawEvent carries one frame's worth of render ops, in order.
type DrawEvent struct {
	Event Event        `json:"event"`
	Ops   []surface.Op `json:"ops"`
}

// PhaseEvent announces a runtime state change.
type PhaseEvent struct {
	Event Event  `json:"event"`
	State string `json:"state"`
}

// QuestionEvent announces the armed question so the client can render
// input affordances. Timing internals are withheld on purpose: a client
// that knows the response window can game it.
type QuestionEvent struct {
	Event        Event  `json:"event"`
	QuestionID   string `json:"question_id"`
	ResponseKind string `json:"response_kind"`
	PageProgress string `json:"page_progress,omitempty"`
}

// CompletedEvent closes a finished run.
type CompletedEvent struct {
	Event     Event  `json:"event"`
	SessionID string `json:"session_id"`
	Responses int    `json:"responses"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
