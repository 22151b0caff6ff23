package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QuestionnaireStatus enumerates the lifecycle states of a questionnaire.
type QuestionnaireStatus string

const (
	QuestionnaireStatusDraft     QuestionnaireStatus = "DRAFT"
	QuestionnaireStatusPublished QuestionnaireStatus = "PUBLISHED"
	QuestionnaireStatusArchived  QuestionnaireStatus = "ARCHIVED"
)

// Questionnaire is the stored entity wrapping a definition.
type Questionnaire struct {
	ID         uuid.UUID           `json:"id"`
	Title      string              `json:"title"`
	AuthorID   int                 `json:"author_id"`
	EntryCode  string              `json:"entry_code,omitempty"`
	Status     QuestionnaireStatus `json:"status"`
	Definition Definition          `json:"definition"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Definition is the complete, read-only playback input for the runtime:
// pages in order, the question pool, declared variables, flow rules, and
// presentation settings. The runtime never mutates it.
type Definition struct {
	Pages     []Page     `json:"pages"`
	Questions []Question `json:"questions"`
	Variables []Variable `json:"variables,omitempty"`
	Flow      []FlowRule `json:"flow,omitempty"`
	Settings  Settings   `json:"settings"`
}

// Page groups questions and carries page-level visibility conditions.
type Page struct {
	ID          string      `json:"id"`
	Title       string      `json:"title,omitempty"`
	QuestionIDs []string    `json:"question_ids"`
	Conditions  []Condition `json:"conditions,omitempty"`
}

// FlowRule is a page-level branch: when the source page's questions are
// exhausted and Formula evaluates true, navigation jumps to TargetPageID.
// Rules are evaluated in declaration order; the first true rule wins. With
// no matching rule, navigation falls through to the next page in order.
type FlowRule struct {
	PageID       string `json:"page_id"`
	Formula      string `json:"formula"`
	TargetPageID string `json:"target_page_id"`
}

// Settings holds questionnaire-wide presentation parameters.
type Settings struct {
	FrameRateHz     int    `json:"frame_rate_hz,omitempty"` // Defaults to 60
	BackgroundColor string `json:"background_color,omitempty"`
	ShowProgress    bool   `json:"show_progress,omitempty"`
}

// FrameInterval returns the render frame period derived from FrameRateHz.
func (s Settings) FrameInterval() time.Duration {
	hz := s.FrameRateHz
	if hz <= 0 {
		hz = 60
	}
	return time.Second / time.Duration(hz)
}

// QuestionByID resolves a question id against the definition's pool.
func (d *Definition) QuestionByID(id string) (*Question, bool) {
	for i := range d.Questions {
		if d.Questions[i].ID == id {
			return &d.Questions[i], true
		}
	}
	return nil, false
}

// PageIndexByID resolves a page id to its index, or -1.
func (d *Definition) PageIndexByID(id string) int {
	for i := range d.Pages {
		if d.Pages[i].ID == id {
			return i
		}
	}
	return -1
}

// ─── API payloads ───────────────────────────────────────────────────

// CreateQuestionnaireRequest is the payload for creating a questionnaire.
type CreateQuestionnaireRequest struct {
	Title      string          `json:"title" binding:"required,min=3,max=255"`
	EntryCode  string          `json:"entry_code" binding:"omitempty,min=4,max=20"`
	Definition json.RawMessage `json:"definition" binding:"required"`
}

// UpdateQuestionnaireRequest is the payload for updating a draft.
type UpdateQuestionnaireRequest struct {
	Title      string          `json:"title" binding:"omitempty,min=3,max=255"`
	EntryCode  string          `json:"entry_code" binding:"omitempty,min=4,max=20"`
	Definition json.RawMessage `json:"definition" binding:"omitempty"`
}

// JoinRunRequest is the payload for a participant joining a questionnaire.
type JoinRunRequest struct {
	EntryCode     string `json:"entry_code" binding:"required,min=4,max=20"`
	ParticipantID string `json:"participant_id" binding:"omitempty,max=64"`
}
