package validator

import (
	"fmt"
	"strings"

	"github.com/cognilab/stimflow/internal/engine/formula"
	"github.com/cognilab/stimflow/internal/model"
)

// ValidationResult is the outcome of a definition check. A runtime must not
// be started for an invalid definition.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (r *ValidationResult) addf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

var validMediaKinds = map[model.MediaKind]bool{
	model.MediaImage: true,
	model.MediaVideo: true,
	model.MediaAudio: true,
	model.MediaHTML:  true,
}

// ValidateQuestionnaire runs the structural and media checks a definition
// must pass before publish or playback: ids resolve and are unique, formulas
// parse under the restricted grammar, the variable dependency graph is
// acyclic, media references are well formed, and flow rules target known
// pages.
func ValidateQuestionnaire(def *model.Definition) ValidationResult {
	var r ValidationResult

	if len(def.Pages) == 0 {
		r.addf("definition has no pages")
	}

	questionIDs := make(map[string]bool, len(def.Questions))
	for _, q := range def.Questions {
		if q.ID == "" {
			r.addf("question with empty id")
			continue
		}
		if questionIDs[q.ID] {
			r.addf("duplicate question id %q", q.ID)
		}
		questionIDs[q.ID] = true
		validateQuestion(&r, &q)
	}

	pageIDs := make(map[string]bool, len(def.Pages))
	for _, p := range def.Pages {
		if p.ID == "" {
			r.addf("page with empty id")
			continue
		}
		if pageIDs[p.ID] {
			r.addf("duplicate page id %q", p.ID)
		}
		pageIDs[p.ID] = true

		for _, qid := range p.QuestionIDs {
			if !questionIDs[qid] {
				r.addf("page %q references unknown question %q", p.ID, qid)
			}
		}
		validateConditions(&r, p.Conditions, "page "+p.ID)
	}

	variableIDs := make(map[string]bool, len(def.Variables))
	symbols := make(map[string]string, len(def.Variables)*2)
	deps := make(map[string][]string, len(def.Variables))
	var order []string
	for _, v := range def.Variables {
		if v.ID == "" {
			r.addf("variable with empty id")
			continue
		}
		if variableIDs[v.ID] {
			r.addf("duplicate variable id %q", v.ID)
		}
		variableIDs[v.ID] = true
		symbols[v.ID] = v.ID
		if v.Name != "" {
			symbols[v.Name] = v.ID
		}
		if strings.HasSuffix(v.ID, "_value") || strings.HasSuffix(v.ID, "_time") ||
			strings.HasSuffix(v.ID, "_delta") || strings.HasSuffix(v.ID, "_correct") ||
			strings.HasSuffix(v.ID, "_onset") {
			if questionIDs[trimAutoSuffix(v.ID)] {
				r.addf("variable %q collides with a question auto-variable", v.ID)
			}
		}
		if v.Formula != "" {
			expr, err := formula.Parse(v.Formula)
			if err != nil {
				r.addf("variable %q formula does not parse: %v", v.ID, err)
				continue
			}
			deps[v.ID] = formula.Identifiers(expr)
			order = append(order, v.ID)
		}
	}
	validateVariableGraph(&r, order, symbols, deps)

	for i, rule := range def.Flow {
		if !pageIDs[rule.PageID] {
			r.addf("flow rule %d references unknown page %q", i, rule.PageID)
		}
		if !pageIDs[rule.TargetPageID] {
			r.addf("flow rule %d targets unknown page %q", i, rule.TargetPageID)
		}
		if _, err := formula.Parse(rule.Formula); err != nil {
			r.addf("flow rule %d formula does not parse: %v", i, err)
		}
	}

	r.Valid = len(r.Errors) == 0
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return r
}

func validateQuestion(r *ValidationResult, q *model.Question) {
	rt := q.ResponseType
	switch rt.Kind {
	case model.KindNone, model.KindText, model.KindNumber,
		model.KindKeypress, model.KindClick:
	case model.KindSingle, model.KindMultiple:
		if len(rt.Options) == 0 {
			r.addf("question %q has no options for %s response", q.ID, rt.Kind)
		}
		seen := make(map[string]bool, len(rt.Options))
		for _, opt := range rt.Options {
			if opt.Value == "" {
				r.addf("question %q has an option with empty value", q.ID)
			}
			if seen[opt.Value] {
				r.addf("question %q has duplicate option value %q", q.ID, opt.Value)
			}
			seen[opt.Value] = true
		}
	case model.KindScale:
		if rt.ScaleMax <= rt.ScaleMin {
			r.addf("question %q scale range [%d,%d] is empty", q.ID, rt.ScaleMin, rt.ScaleMax)
		}
	default:
		r.addf("question %q has unknown response type %q", q.ID, rt.Kind)
	}

	t := q.Timing
	for _, ms := range []struct {
		name string
		v    int
	}{
		{"fixation_duration", t.FixationMs},
		{"pre_delay", t.PreDelayMs},
		{"stimulus_duration", t.StimulusMs},
		{"post_delay", t.PostDelayMs},
		{"response_window", t.ResponseWindowMs},
	} {
		if ms.v < 0 {
			r.addf("question %q has negative %s", q.ID, ms.name)
		}
	}

	for i, ref := range q.Media {
		if !validMediaKinds[ref.Kind] {
			r.addf("question %q media %d has unknown kind %q", q.ID, i, ref.Kind)
		}
		if ref.URL == "" {
			r.addf("question %q media %d has no url", q.ID, i)
		}
	}

	validateConditions(r, q.Conditions, "question "+q.ID)

	if q.CorrectFormula != "" {
		if _, err := formula.Parse(q.CorrectFormula); err != nil {
			r.addf("question %q correctness formula does not parse: %v", q.ID, err)
		}
	}
}

// validateVariableGraph rejects formula cycles among declared variables. A
// cycle would never settle at play time, so it is an authoring error, not a
// runtime condition. References outside the declared set (auto-variables,
// typos) are ignored here; they cannot close a cycle.
func validateVariableGraph(r *ValidationResult, order []string, symbols map[string]string, deps map[string][]string) {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(deps))

	var path []string
	var walk func(id string) []string
	walk = func(id string) []string {
		state[id] = onPath
		path = append(path, id)
		for _, ref := range deps[id] {
			dep, ok := symbols[ref]
			if !ok {
				continue
			}
			switch state[dep] {
			case onPath:
				for i, seen := range path {
					if seen == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := walk(dep); cycle != nil {
					return cycle
				}
			}
		}
		state[id] = done
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range order {
		if state[id] != unvisited {
			continue
		}
		path = path[:0]
		if cycle := walk(id); cycle != nil {
			r.addf("variable %q participates in a formula cycle: %s",
				cycle[0], strings.Join(cycle, " -> "))
			return
		}
	}
}

func validateConditions(r *ValidationResult, conds []model.Condition, where string) {
	for i, cond := range conds {
		if cond.Action != model.ActionHide && cond.Action != model.ActionShow {
			r.addf("%s condition %d has unknown action %q", where, i, cond.Action)
		}
		if _, err := formula.Parse(cond.Formula); err != nil {
			r.addf("%s condition %d formula does not parse: %v", where, i, err)
		}
	}
}

func trimAutoSuffix(id string) string {
	for _, suffix := range []string{"_value", "_time", "_delta", "_correct", "_onset"} {
		if trimmed, ok := strings.CutSuffix(id, suffix); ok {
			return trimmed
		}
	}
	return id
}
