// Package scoring computes the student-facing preview of a task result from the
// selected answers. The Task API remains the authority on final grades.
package scoring

import (
	"math"
	"sort"

	"github.com/noah-isme/karierni-denik/internal/models"
)

// Style identifies which scoring rules apply to a task.
type Style string

const (
	// StyleNone applies to tasks without questions (classic homework).
	StyleNone Style = "none"
	// StyleGraded applies correct-minus-incorrect partial credit per question.
	StyleGraded Style = "graded"
	// StyleOutcome sums option weights into named outcome categories.
	StyleOutcome Style = "outcome"
)

// QuestionScore is the awarded score of a single graded question.
type QuestionScore struct {
	QuestionID string  `json:"question_id"`
	Correct    int     `json:"correct"`
	Incorrect  int     `json:"incorrect"`
	Awarded    float64 `json:"awarded"`
	Max        float64 `json:"max"`
}

// OutcomeTotal is the accumulated total of one outcome category.
type OutcomeTotal struct {
	Category string  `json:"category"`
	Points   float64 `json:"points"`
}

// Result is the display result for one task and one answer set.
type Result struct {
	Style Style `json:"style"`

	// Graded style.
	Earned    float64         `json:"earned"`
	Max       float64         `json:"max"`
	Percent   int             `json:"percent"`
	Questions []QuestionScore `json:"questions,omitempty"`

	// Outcome style.
	Outcomes []OutcomeTotal `json:"outcomes,omitempty"`
	Leading  string         `json:"leading,omitempty"`
	Headline float64        `json:"headline"`
}

// Total returns the points of category, or 0 when no selected option mentioned it.
func (r Result) Total(category string) float64 {
	for _, outcome := range r.Outcomes {
		if outcome.Category == category {
			return outcome.Points
		}
	}
	return 0
}

// StyleOf returns the scoring style for task. Declared outcome categories take
// precedence over the task kind.
func StyleOf(task models.Task) Style {
	switch {
	case task.HasOutcomes() || task.Kind == models.TaskKindOutcome:
		return StyleOutcome
	case task.Kind == models.TaskKindTest || task.Kind == models.TaskKindPredefinedTest:
		return StyleGraded
	case len(task.Questions) > 0:
		return StyleGraded
	default:
		return StyleNone
	}
}

// Compute scores answers against task. References to questions or options that are
// no longer part of the task are ignored.
func Compute(task models.Task, answers models.AnswerMap) Result {
	answers = answers.Normalize()

	switch StyleOf(task) {
	case StyleOutcome:
		return computeOutcome(task, answers)
	case StyleGraded:
		return computeGraded(task, answers)
	default:
		return Result{Style: StyleNone}
	}
}

func computeGraded(task models.Task, answers models.AnswerMap) Result {
	result := Result{
		Style:     StyleGraded,
		Questions: make([]QuestionScore, 0, len(task.Questions)),
	}

	for _, question := range task.Questions {
		weight := question.Points
		if weight < 0 {
			weight = 0
		}

		score := QuestionScore{QuestionID: question.ID, Max: weight}
		for _, option := range question.Options {
			if !answers.Has(question.ID, option.ID) {
				continue
			}
			if option.Correct {
				score.Correct++
			} else {
				score.Incorrect++
			}
		}

		ratio := float64(score.Correct-score.Incorrect) / float64(maxInt(1, question.CorrectCount()))
		score.Awarded = math.Max(0, ratio) * weight

		result.Earned += score.Awarded
		result.Max += weight
		result.Questions = append(result.Questions, score)
	}

	if result.Max > 0 {
		percent := math.Round(result.Earned / result.Max * 100)
		result.Percent = int(math.Min(100, math.Max(0, percent)))
	}
	result.Headline = float64(result.Percent)

	return result
}

func computeOutcome(task models.Task, answers models.AnswerMap) Result {
	totals := make(map[string]float64, len(task.Outcomes))
	for _, category := range task.Outcomes {
		totals[category] = 0
	}

	for _, question := range task.Questions {
		for _, option := range question.Options {
			if len(option.Outcomes) == 0 || !answers.Has(question.ID, option.ID) {
				continue
			}
			for category, points := range option.Outcomes {
				if points < 0 {
					continue
				}
				totals[category] += points
			}
		}
	}

	order := outcomeOrder(task.Outcomes, totals)
	result := Result{
		Style:    StyleOutcome,
		Outcomes: make([]OutcomeTotal, 0, len(order)),
	}

	for idx, category := range order {
		points := totals[category]
		result.Outcomes = append(result.Outcomes, OutcomeTotal{Category: category, Points: points})
		if idx == 0 || points > result.Headline {
			result.Leading = category
			result.Headline = points
		}
	}

	return result
}

// outcomeOrder lists declared categories first, then categories only mentioned by
// options in lexical order.
func outcomeOrder(declared []string, totals map[string]float64) []string {
	seen := make(map[string]struct{}, len(declared))
	order := make([]string, 0, len(totals))
	for _, category := range declared {
		if _, dup := seen[category]; dup {
			continue
		}
		seen[category] = struct{}{}
		order = append(order, category)
	}

	extra := make([]string, 0)
	for category := range totals {
		if _, ok := seen[category]; !ok {
			extra = append(extra, category)
		}
	}
	sort.Strings(extra)

	return append(order, extra...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
