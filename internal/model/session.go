package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates run session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// Finalized reports whether the session has reached a terminal state.
func (s SessionStatus) Finalized() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

// Response is one recorded answer (or timeout) for a question.
// A timeout records Value nil, ReactionTimeMs -1 and Valid false.
// Invariant: StimulusOnset never exceeds Timestamp.
type Response struct {
	ID             uuid.UUID `json:"id"`
	QuestionID     string    `json:"question_id"`
	Value          any       `json:"value"`
	ReactionTimeMs float64   `json:"reaction_time"`
	StimulusOnset  time.Time `json:"stimulus_onset_time"`
	Timestamp      time.Time `json:"timestamp"`
	Valid          bool      `json:"valid"`
}

// RunSession tracks one participant's pass through a questionnaire.
// Responses is append-only while in_progress and immutable once finalized.
type RunSession struct {
	ID              uuid.UUID          `json:"id"`
	QuestionnaireID uuid.UUID          `json:"questionnaire_id"`
	ParticipantID   string             `json:"participant_id,omitempty"`
	StartTime       time.Time          `json:"start_time"`
	EndTime         *time.Time         `json:"end_time,omitempty"`
	Status          SessionStatus      `json:"status"`
	Responses       []Response         `json:"responses"`
	Variables       []VariableSnapshot `json:"variables,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// SessionExport is the stable interchange shape consumed by analytics and
// offline sync. It mirrors RunSession field-for-field on purpose: external
// consumers never see runtime-internal state.
type SessionExport struct {
	ID              uuid.UUID          `json:"id"`
	QuestionnaireID uuid.UUID          `json:"questionnaire_id"`
	ParticipantID   string             `json:"participant_id,omitempty"`
	StartTime       time.Time          `json:"start_time"`
	EndTime         *time.Time         `json:"end_time,omitempty"`
	Status          SessionStatus      `json:"status"`
	Responses       []Response         `json:"responses"`
	Variables       []VariableSnapshot `json:"variables"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// Export produces the interchange form of a session.
func (s *RunSession) Export() SessionExport {
	vars := s.Variables
	if vars == nil {
		vars = []VariableSnapshot{}
	}
	responses := s.Responses
	if responses == nil {
		responses = []Response{}
	}
	return SessionExport{
		ID:              s.ID,
		QuestionnaireID: s.QuestionnaireID,
		ParticipantID:   s.ParticipantID,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		Status:          s.Status,
		Responses:       responses,
		Variables:       vars,
		Metadata:        s.Metadata,
	}
}
