package model

import "time"

// VariableType constrains what values a variable accepts. Reaction times
// and stimulus onsets get their own types so analysis code can find them
// without inspecting names.
type VariableType string

const (
	VariableTypeNumber        VariableType = "number"
	VariableTypeString        VariableType = "string"
	VariableTypeBoolean       VariableType = "boolean"
	VariableTypeDate          VariableType = "date"
	VariableTypeTime          VariableType = "time"
	VariableTypeArray         VariableType = "array"
	VariableTypeObject        VariableType = "object"
	VariableTypeReactionTime  VariableType = "reaction_time"
	VariableTypeStimulusOnset VariableType = "stimulus_onset"
)

// VariableScope is the visibility of a variable within a run.
type VariableScope string

const (
	ScopeGlobal VariableScope = "global"
	ScopeLocal  VariableScope = "local"
)

// ValueSource records where a variable's current value came from.
type ValueSource string

const (
	SourceDefault    ValueSource = "default"
	SourceResponse   ValueSource = "response"
	SourceSystem     ValueSource = "system"
	SourceTimeout    ValueSource = "timeout"
	SourceNavigation ValueSource = "navigation"
)

// Variable declares one variable of a questionnaire definition. A non-empty
// Formula makes the variable computed: reads evaluate the formula against
// the other variables instead of returning a stored value.
type Variable struct {
	ID           string        `json:"id" binding:"required"`
	Name         string        `json:"name,omitempty"`
	Type         VariableType  `json:"type"`
	Scope        VariableScope `json:"scope,omitempty"`
	Formula      string        `json:"formula,omitempty"`
	DefaultValue any           `json:"default_value,omitempty"`
}

// VariableValue is the current stored value of a non-computed variable.
type VariableValue struct {
	ID        string      `json:"id"`
	Value     any         `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
	Source    ValueSource `json:"source"`
}

// VariableSnapshot is one entry of a point-in-time capture of the engine's
// state, persisted with each session.
type VariableSnapshot struct {
	VariableID string    `json:"variable_id"`
	Value      any       `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}
