package collector

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/model"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type capture struct {
	mu      sync.Mutex
	results []Result
}

func (c *capture) deliver(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *capture) last() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[len(c.results)-1]
}

func keypressQuestion(windowMs int, keys ...string) *model.Question {
	return &model.Question{
		ID:           "q1",
		ResponseType: model.ResponseType{Kind: model.KindKeypress, Keys: keys},
		Timing:       model.TimingConfig{ResponseWindowMs: windowMs},
	}
}

func TestSubmitDeliversExactlyOnce(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())
	var got capture

	require.NoError(t, c.Start(keypressQuestion(0), clk.Now(), got.deliver))

	require.NoError(t, c.Submit("space"))
	assert.Equal(t, 1, got.count())
	assert.Equal(t, "space", got.last().Value)
	assert.False(t, got.last().TimedOut)

	var notArmed *NotArmedError
	require.ErrorAs(t, c.Submit("space"), &notArmed)
	assert.Equal(t, 1, got.count(), "second input never delivers")
	assert.False(t, c.Active())
}

func TestReactionTimeAnchoredAtOnset(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())
	var got capture

	onset := clk.Now()
	require.NoError(t, c.Start(keypressQuestion(0), onset, got.deliver))

	clk.Advance(350 * time.Millisecond)
	require.NoError(t, c.Submit("space"))

	assert.Equal(t, 350.0, got.last().ReactionTimeMs)
	assert.Equal(t, onset.Add(350*time.Millisecond), got.last().Timestamp)
}

func TestWindowTimeout(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())
	var got capture

	require.NoError(t, c.Start(keypressQuestion(1000), clk.Now(), got.deliver))

	clk.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, got.count())

	clk.Advance(1 * time.Millisecond)
	require.Eventually(t, func() bool { return got.count() == 1 },
		time.Second, time.Millisecond)

	assert.True(t, got.last().TimedOut)
	assert.Nil(t, got.last().Value)

	var notArmed *NotArmedError
	require.ErrorAs(t, c.Submit("space"), &notArmed)
	assert.Equal(t, 1, got.count())
}

func TestSubmitBeatsTimeout(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())
	var got capture

	require.NoError(t, c.Start(keypressQuestion(1000), clk.Now(), got.deliver))

	clk.Advance(400 * time.Millisecond)
	require.NoError(t, c.Submit("space"))

	// The window elapsing afterwards must not deliver a second result.
	clk.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, got.count())
	assert.False(t, got.last().TimedOut)
}

func TestPauseFreezesRemainingWindow(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())
	var got capture

	require.NoError(t, c.Start(keypressQuestion(1000), clk.Now(), got.deliver))

	clk.Advance(400 * time.Millisecond)
	c.Pause()

	// Time spent paused does not count against the window.
	clk.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, got.count())

	var notArmed *NotArmedError
	require.ErrorAs(t, c.Submit("space"), &notArmed, "input while paused is rejected")

	c.Resume()
	clk.Advance(599 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, got.count(), "600ms were left when paused")

	clk.Advance(1 * time.Millisecond)
	require.Eventually(t, func() bool { return got.count() == 1 },
		time.Second, time.Millisecond)
	assert.True(t, got.last().TimedOut)
}

func TestStopNeverDelivers(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())
	var got capture

	require.NoError(t, c.Start(keypressQuestion(500), clk.Now(), got.deliver))
	c.Stop()

	clk.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, got.count())
	assert.False(t, c.Active())
}

func TestRearmReplacesWithoutDelivering(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())
	var first, second capture

	require.NoError(t, c.Start(keypressQuestion(500), clk.Now(), first.deliver))
	require.NoError(t, c.Start(keypressQuestion(0), clk.Now(), second.deliver))

	require.NoError(t, c.Submit("space"))
	clk.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 0, first.count(), "replaced arming is dead, not timed out")
	assert.Equal(t, 1, second.count())
}

func TestStartRejectsDisplayOnlyQuestions(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())

	q := &model.Question{ID: "q1", ResponseType: model.ResponseType{Kind: model.KindNone}}
	var invalid *InvalidResponseError
	require.ErrorAs(t, c.Start(q, clk.Now(), nil), &invalid)
}

func TestValidationRejectsWithoutConsumingWindow(t *testing.T) {
	clk := clock.NewManual(testStart)
	c := New(clk, zerolog.Nop())
	var got capture

	require.NoError(t, c.Start(keypressQuestion(1000, "f", "j"), clk.Now(), got.deliver))

	var invalid *InvalidResponseError
	require.ErrorAs(t, c.Submit("space"), &invalid, "key outside the accepted set")
	assert.Equal(t, 0, got.count())
	assert.True(t, c.Active(), "a stray key must not consume the trial")

	require.NoError(t, c.Submit("j"))
	assert.Equal(t, "j", got.last().Value)
}

func TestValidationPerKind(t *testing.T) {
	scale := model.ResponseType{Kind: model.KindScale, ScaleMin: 1, ScaleMax: 7}
	single := model.ResponseType{Kind: model.KindSingle, Options: []model.Option{
		{Value: "a", Label: "A"}, {Value: "b", Label: "B"},
	}}
	multi := model.ResponseType{Kind: model.KindMultiple, Options: []model.Option{
		{Value: "a", Label: "A"}, {Value: "b", Label: "B"}, {Value: "c", Label: "C"},
	}}

	cases := []struct {
		name  string
		rt    model.ResponseType
		value any
		ok    bool
		want  any
	}{
		{"scale in range", scale, 5, true, 5},
		{"scale out of range", scale, 9, false, nil},
		{"scale fractional", scale, 3.5, false, nil},
		{"scale numeric string", scale, "4", true, 4},
		{"single known option", single, "b", true, "b"},
		{"single unknown option", single, "z", false, nil},
		{"multiple subset", multi, []string{"a", "c"}, true, []string{"a", "c"}},
		{"multiple with unknown", multi, []string{"a", "z"}, false, nil},
		{"number accepts string form", model.ResponseType{Kind: model.KindNumber}, "12.5", true, 12.5},
		{"number rejects garbage", model.ResponseType{Kind: model.KindNumber}, "dog", false, nil},
		{"text requires string", model.ResponseType{Kind: model.KindText}, 42, false, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := validate(tc.rt, tc.value)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}
