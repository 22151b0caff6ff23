// Package stats computes per-session performance metrics from finalized
// session exports: reaction time distribution, timeout counts and
// correctness rates for the operator results view.
package stats

import (
	"math"
	"strings"

	"github.com/cognilab/stimflow/internal/model"
)

// SessionSummary is the aggregate served per session on the results API.
type SessionSummary struct {
	Responses     int     `json:"responses"`
	Valid         int     `json:"valid"`
	Timeouts      int     `json:"timeouts"`
	MeanRT        float64 `json:"mean_rt_ms"`
	SDRT          float64 `json:"sd_rt_ms"`
	MinRT         float64 `json:"min_rt_ms"`
	MaxRT         float64 `json:"max_rt_ms"`
	Scored        int     `json:"scored"`
	Correct       int     `json:"correct"`
	CorrectRate   float64 `json:"correct_rate"`
	TimeoutRate   float64 `json:"timeout_rate"`
	CompletionSec float64 `json:"completion_seconds"`
}

// ValidReactionTimes extracts the reaction times of valid responses, in
// presentation order. Timeouts (rt -1) are excluded.
func ValidReactionTimes(export *model.SessionExport) []float64 {
	var rts []float64
	for _, r := range export.Responses {
		if r.Valid && r.ReactionTimeMs >= 0 {
			rts = append(rts, r.ReactionTimeMs)
		}
	}
	return rts
}

// CountTimeouts counts responses recorded by window expiry.
func CountTimeouts(export *model.SessionExport) int {
	count := 0
	for _, r := range export.Responses {
		if !r.Valid {
			count++
		}
	}
	return count
}

// MeanReactionTime averages the valid reaction times; zero when none exist.
func MeanReactionTime(export *model.SessionExport) float64 {
	rts := ValidReactionTimes(export)
	if len(rts) == 0 {
		return 0
	}
	var sum float64
	for _, rt := range rts {
		sum += rt
	}
	return sum / float64(len(rts))
}

// ReactionTimeSD is the population standard deviation of the valid reaction
// times; zero for fewer than two samples.
func ReactionTimeSD(export *model.SessionExport) float64 {
	rts := ValidReactionTimes(export)
	if len(rts) <= 1 {
		return 0
	}

	avg := MeanReactionTime(export)
	var sumSquaredDiff float64
	for _, rt := range rts {
		diff := rt - avg
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(len(rts)))
}

// CorrectCounts reads the per-question correctness auto-variables out of
// the session's variable snapshot. Scored is the number of answered
// questions that carry a correctness verdict at all; questions without a
// correctness formula never enter the denominator.
func CorrectCounts(export *model.SessionExport) (scored, correct int) {
	verdicts := make(map[string]bool)
	for _, snap := range export.Variables {
		qid, ok := strings.CutSuffix(snap.VariableID, "_correct")
		if !ok {
			continue
		}
		v, isBool := snap.Value.(bool)
		if !isBool {
			continue
		}
		verdicts[qid] = v
	}

	for _, r := range export.Responses {
		if !r.Valid {
			continue
		}
		v, ok := verdicts[r.QuestionID]
		if !ok {
			continue
		}
		scored++
		if v {
			correct++
		}
	}
	return scored, correct
}

// Summarize computes the full summary for one exported session.
func Summarize(export *model.SessionExport) SessionSummary {
	rts := ValidReactionTimes(export)
	s := SessionSummary{
		Responses: len(export.Responses),
		Valid:     len(rts),
		Timeouts:  CountTimeouts(export),
		MeanRT:    MeanReactionTime(export),
		SDRT:      ReactionTimeSD(export),
	}

	for i, rt := range rts {
		if i == 0 || rt < s.MinRT {
			s.MinRT = rt
		}
		if rt > s.MaxRT {
			s.MaxRT = rt
		}
	}

	s.Scored, s.Correct = CorrectCounts(export)
	if s.Scored > 0 {
		s.CorrectRate = float64(s.Correct) / float64(s.Scored)
	}
	if s.Responses > 0 {
		s.TimeoutRate = float64(s.Timeouts) / float64(s.Responses)
	}
	if export.EndTime != nil {
		s.CompletionSec = export.EndTime.Sub(export.StartTime).Seconds()
	}
	return s
}
