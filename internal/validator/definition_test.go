package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognilab/stimflow/internal/model"
)

func validDef() *model.Definition {
	return &model.Definition{
		Pages: []model.Page{{ID: "p1", QuestionIDs: []string{"q1"}}},
		Questions: []model.Question{
			{
				ID:   "q1",
				Text: "pick one",
				ResponseType: model.ResponseType{
					Kind: model.KindSingle,
					Options: []model.Option{
						{Value: "a", Label: "A"},
						{Value: "b", Label: "B"},
					},
				},
			},
		},
	}
}

func TestValidDefinitionPasses(t *testing.T) {
	r := ValidateQuestionnaire(validDef())
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
}

func TestStructuralChecks(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*model.Definition)
		wantSub string
	}{
		{"no pages", func(d *model.Definition) { d.Pages = nil }, "no pages"},
		{"unknown question ref", func(d *model.Definition) {
			d.Pages[0].QuestionIDs = append(d.Pages[0].QuestionIDs, "ghost")
		}, `unknown question "ghost"`},
		{"duplicate question id", func(d *model.Definition) {
			d.Questions = append(d.Questions, d.Questions[0])
		}, "duplicate question id"},
		{"single without options", func(d *model.Definition) {
			d.Questions[0].ResponseType.Options = nil
		}, "no options"},
		{"empty scale range", func(d *model.Definition) {
			d.Questions[0].ResponseType = model.ResponseType{Kind: model.KindScale, ScaleMin: 5, ScaleMax: 5}
		}, "scale range"},
		{"negative timing", func(d *model.Definition) {
			d.Questions[0].Timing.FixationMs = -1
		}, "negative fixation_duration"},
		{"media without url", func(d *model.Definition) {
			d.Questions[0].Media = []model.MediaRef{{Kind: model.MediaImage}}
		}, "has no url"},
		{"unknown media kind", func(d *model.Definition) {
			d.Questions[0].Media = []model.MediaRef{{Kind: "hologram", URL: "/uploads/x"}}
		}, "unknown kind"},
		{"broken condition formula", func(d *model.Definition) {
			d.Questions[0].Conditions = []model.Condition{{Formula: "EXEC(evil)", Action: model.ActionHide}}
		}, "does not parse"},
		{"unknown condition action", func(d *model.Definition) {
			d.Questions[0].Conditions = []model.Condition{{Formula: "1", Action: "blink"}}
		}, "unknown action"},
		{"flow to unknown page", func(d *model.Definition) {
			d.Flow = []model.FlowRule{{PageID: "p1", Formula: "1", TargetPageID: "ghost"}}
		}, "targets unknown page"},
		{"variable formula parse", func(d *model.Definition) {
			d.Variables = []model.Variable{{ID: "v1", Formula: "1 +"}}
		}, "does not parse"},
		{"auto variable collision", func(d *model.Definition) {
			d.Variables = []model.Variable{{ID: "q1_value"}}
		}, "collides with a question auto-variable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDef()
			tc.mutate(def)
			r := ValidateQuestionnaire(def)
			require.False(t, r.Valid)
			found := false
			for _, e := range r.Errors {
				if strings.Contains(e, tc.wantSub) {
					found = true
				}
			}
			assert.True(t, found, "expected an error containing %q, got %v", tc.wantSub, r.Errors)
		})
	}
}

func TestVariableFormulaCycleRejected(t *testing.T) {
	def := validDef()
	def.Variables = []model.Variable{
		{ID: "a", Type: model.VariableTypeNumber, Formula: "b + 1"},
		{ID: "b", Type: model.VariableTypeNumber, Formula: "a + 1"},
	}

	r := ValidateQuestionnaire(def)
	require.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "formula cycle")
	assert.Contains(t, r.Errors[0], "a -> b -> a")
}

func TestVariableFormulaCycleThroughName(t *testing.T) {
	// Formulas may reference a variable by display name; the cycle check
	// resolves names the same way the evaluator does.
	def := validDef()
	def.Variables = []model.Variable{
		{ID: "var_total", Name: "total", Type: model.VariableTypeNumber, Formula: "score * 2"},
		{ID: "var_score", Name: "score", Type: model.VariableTypeNumber, Formula: "total - 1"},
	}

	r := ValidateQuestionnaire(def)
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors[0], "formula cycle")
}

func TestVariableSelfReferenceRejected(t *testing.T) {
	def := validDef()
	def.Variables = []model.Variable{
		{ID: "counter", Type: model.VariableTypeNumber, Formula: "counter + 1"},
	}

	r := ValidateQuestionnaire(def)
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors[0], "counter -> counter")
}

func TestAcyclicVariableChainPasses(t *testing.T) {
	def := validDef()
	def.Variables = []model.Variable{
		{ID: "base", Type: model.VariableTypeNumber, DefaultValue: 10},
		{ID: "double", Type: model.VariableTypeNumber, Formula: "base * 2"},
		{ID: "label", Type: model.VariableTypeString, Formula: `CONCAT("score: ", double)`},
	}

	r := ValidateQuestionnaire(def)
	assert.True(t, r.Valid, "diamond-free chain must pass: %v", r.Errors)
}
