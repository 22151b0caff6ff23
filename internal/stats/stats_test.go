package stats

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/cognilab/stimflow/internal/model"
)

func exportWith(responses []model.Response, vars []model.VariableSnapshot) *model.SessionExport {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	return &model.SessionExport{
		ID:        uuid.New(),
		StartTime: start,
		EndTime:   &end,
		Status:    model.SessionStatusCompleted,
		Responses: responses,
		Variables: vars,
	}
}

func valid(qid string, rt float64) model.Response {
	return model.Response{QuestionID: qid, Value: "x", ReactionTimeMs: rt, Valid: true}
}

func timeout(qid string) model.Response {
	return model.Response{QuestionID: qid, ReactionTimeMs: -1, Valid: false}
}

func TestReactionTimeDistribution(t *testing.T) {
	export := exportWith([]model.Response{
		valid("q1", 400),
		valid("q2", 600),
		timeout("q3"),
		valid("q4", 500),
	}, nil)

	assert.Equal(t, []float64{400, 600, 500}, ValidReactionTimes(export))
	assert.Equal(t, 1, CountTimeouts(export))
	assert.Equal(t, 500.0, MeanReactionTime(export))
	assert.InDelta(t, 81.65, ReactionTimeSD(export), 0.01)
}

func TestReactionTimeEdgeCases(t *testing.T) {
	empty := exportWith(nil, nil)
	assert.Equal(t, 0.0, MeanReactionTime(empty))
	assert.Equal(t, 0.0, ReactionTimeSD(empty))

	one := exportWith([]model.Response{valid("q1", 321)}, nil)
	assert.Equal(t, 321.0, MeanReactionTime(one))
	assert.Equal(t, 0.0, ReactionTimeSD(one), "a single sample has no spread")
}

func TestCorrectCountsOnlyScoresVerdictQuestions(t *testing.T) {
	export := exportWith(
		[]model.Response{
			valid("q1", 400), // correct
			valid("q2", 500), // incorrect
			valid("q3", 600), // no correctness formula configured
			timeout("q4"),    // timeouts never score
		},
		[]model.VariableSnapshot{
			{VariableID: "q1_correct", Value: true},
			{VariableID: "q2_correct", Value: false},
			{VariableID: "q3_correct", Value: nil},
			{VariableID: "q4_correct", Value: true},
			{VariableID: "q1_delta", Value: 400.0},
		},
	)

	scored, correct := CorrectCounts(export)
	assert.Equal(t, 2, scored)
	assert.Equal(t, 1, correct)
}

func TestSummarize(t *testing.T) {
	export := exportWith(
		[]model.Response{
			valid("q1", 400),
			valid("q2", 600),
			timeout("q3"),
			valid("q4", 500),
		},
		[]model.VariableSnapshot{
			{VariableID: "q1_correct", Value: true},
			{VariableID: "q2_correct", Value: true},
		},
	)

	s := Summarize(export)
	assert.Equal(t, 4, s.Responses)
	assert.Equal(t, 3, s.Valid)
	assert.Equal(t, 1, s.Timeouts)
	assert.Equal(t, 500.0, s.MeanRT)
	assert.Equal(t, 400.0, s.MinRT)
	assert.Equal(t, 600.0, s.MaxRT)
	assert.Equal(t, 2, s.Scored)
	assert.Equal(t, 2, s.Correct)
	assert.Equal(t, 1.0, s.CorrectRate)
	assert.Equal(t, 0.25, s.TimeoutRate)
	assert.Equal(t, 90.0, s.CompletionSec)
}
