package models

import "time"

// TaskKind identifies how a task is answered and scored.
type TaskKind string

const (
	// TaskKindClassic is homework answered with attached deliverables.
	TaskKindClassic TaskKind = "classic"
	// TaskKindTest is a graded test with correct/incorrect options.
	TaskKindTest TaskKind = "test"
	// TaskKindOutcome is a quiz whose options add points to named outcome categories.
	TaskKindOutcome TaskKind = "outcome"
	// TaskKindPredefinedTest is a graded test built from a shared template.
	TaskKindPredefinedTest TaskKind = "predefined_test"
)

// Valid reports whether the kind is one of the recognised task kinds.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindClassic, TaskKindTest, TaskKindOutcome, TaskKindPredefinedTest:
		return true
	default:
		return false
	}
}

// Task is an assignment definition issued to a class. It is owned by the Task API
// and never modified by the student.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	DueAt       *time.Time   `json:"due_at,omitempty"`
	Kind        TaskKind     `json:"kind"`
	Questions   []Question   `json:"questions,omitempty"`
	Materials   []Attachment `json:"materials,omitempty"`
	Outcomes    []string     `json:"outcomes,omitempty"`
}

// IsClassic reports whether the task is answered with attachments.
func (t Task) IsClassic() bool {
	return t.Kind == TaskKindClassic
}

// HasOutcomes reports whether the task declares outcome categories.
func (t Task) HasOutcomes() bool {
	return len(t.Outcomes) > 0
}

// IsPastDue returns true when the task deadline has already passed.
func (t Task) IsPastDue(reference time.Time) bool {
	return t.DueAt != nil && reference.After(*t.DueAt)
}

// Question looks up a question by identifier.
func (t Task) Question(id string) (Question, bool) {
	for _, q := range t.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// Question belongs to exactly one task.
type Question struct {
	ID       string   `json:"id"`
	Prompt   string   `json:"prompt"`
	Points   float64  `json:"points"`
	Multiple bool     `json:"multiple"`
	Options  []Option `json:"options"`
}

// Option looks up an option by identifier.
func (q Question) Option(id string) (Option, bool) {
	for _, o := range q.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// CorrectCount returns how many options of the question are flagged correct.
func (q Question) CorrectCount() int {
	count := 0
	for _, o := range q.Options {
		if o.Correct {
			count++
		}
	}
	return count
}

// Option belongs to exactly one question. Graded tests use Correct, outcome quizzes
// use Outcomes.
type Option struct {
	ID       string             `json:"id"`
	Label    string             `json:"label"`
	Correct  bool               `json:"correct,omitempty"`
	Outcomes map[string]float64 `json:"outcomes,omitempty"`
}
