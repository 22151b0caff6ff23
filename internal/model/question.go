package model

// ResponseKind enumerates how a question collects its answer.
// KindNone marks pure instruction/display content: it never produces a
// Response record.
type ResponseKind string

const (
	KindNone     ResponseKind = "none"
	KindSingle   ResponseKind = "single"
	KindMultiple ResponseKind = "multiple"
	KindText     ResponseKind = "text"
	KindNumber   ResponseKind = "number"
	KindScale    ResponseKind = "scale"
	KindKeypress ResponseKind = "keypress"
	KindClick    ResponseKind = "click"
)

// ResponseType configures response collection for a question.
type ResponseType struct {
	Kind               ResponseKind `json:"type"`
	Options            []Option     `json:"options,omitempty"`
	ScaleMin           int          `json:"scale_min,omitempty"`
	ScaleMax           int          `json:"scale_max,omitempty"`
	Keys               []string     `json:"keys,omitempty"` // Accepted keys for keypress
	AutoAdvance        bool         `json:"auto_advance,omitempty"`
	AutoAdvanceDelayMs int          `json:"auto_advance_delay_ms,omitempty"`
}

// Option is a selectable answer choice.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// TimingConfig holds the per-question presentation schedule in milliseconds.
// Zero values disable the corresponding phase. ResponseWindowMs of zero
// means the response window never times out.
type TimingConfig struct {
	FixationMs       int `json:"fixation_duration,omitempty"`
	PreDelayMs       int `json:"pre_delay,omitempty"`
	StimulusMs       int `json:"stimulus_duration,omitempty"`
	PostDelayMs      int `json:"post_delay,omitempty"`
	ResponseWindowMs int `json:"response_window,omitempty"`
}

// ConditionAction is what happens when a condition's formula is true.
type ConditionAction string

const (
	ActionHide ConditionAction = "hide"
	ActionShow ConditionAction = "show"
)

// Condition gates visibility of a page or question on a formula.
type Condition struct {
	Formula string          `json:"formula"`
	Action  ConditionAction `json:"action"`
}

// MediaKind enumerates media stimulus kinds referenced by questions.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaHTML  MediaKind = "html"
)

// MediaRef points at a media asset used as (part of) a question's stimulus.
type MediaRef struct {
	Kind  MediaKind `json:"kind"`
	URL   string    `json:"url"`
	Layer int       `json:"layer,omitempty"`
	Loop  bool      `json:"loop,omitempty"`
}

// TransitionKind enumerates stimulus entry transitions.
type TransitionKind string

const (
	TransitionFade  TransitionKind = "fade"
	TransitionSlide TransitionKind = "slide"
	TransitionZoom  TransitionKind = "zoom"
)

// TransitionConfig enables an entry transition on a question's stimulus.
type TransitionConfig struct {
	Kind       TransitionKind `json:"kind"`
	DurationMs int            `json:"duration_ms"`
}

// Question is one presentable unit of a questionnaire: stimulus content,
// timing schedule, and response collection config.
type Question struct {
	ID             string            `json:"id" binding:"required"`
	Text           string            `json:"text,omitempty"`
	Instruction    string            `json:"instruction,omitempty"`
	ResponseType   ResponseType      `json:"response_type"`
	Timing         TimingConfig      `json:"timing"`
	Conditions     []Condition       `json:"conditions,omitempty"`
	Media          []MediaRef        `json:"media,omitempty"`
	Transition     *TransitionConfig `json:"transition,omitempty"`
	CorrectFormula string            `json:"correct_formula,omitempty"`
	Required       bool              `json:"required,omitempty"`
}

// CollectsResponse reports whether this question produces a Response record.
func (q *Question) CollectsResponse() bool {
	return q.ResponseType.Kind != KindNone
}
