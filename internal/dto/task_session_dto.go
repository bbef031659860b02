package dto

import (
	"time"

	"github.com/noah-isme/karierni-denik/internal/models"
	"github.com/noah-isme/karierni-denik/internal/scoring"
	"github.com/noah-isme/karierni-denik/internal/submission"
)

// SetAnswerRequest selects or toggles one option of a question.
type SetAnswerRequest struct {
	QuestionID string `json:"question_id" validate:"required,max=128"`
	OptionID   string `json:"option_id" validate:"required,max=128"`
}

// AttachmentRequest adds a deliverable to a classic task.
type AttachmentRequest struct {
	Name string `json:"name" validate:"omitempty,max=255"`
	URL  string `json:"url" validate:"required,http_url,max=2048"`
	Kind string `json:"kind" validate:"required,oneof=link file cloud-drive"`
}

// SubmissionEventQuery pages through the lifecycle history of a task.
type SubmissionEventQuery struct {
	Page     int    `query:"page" validate:"gte=0"`
	PageSize int    `query:"page_size" validate:"gte=0,lte=100"`
	Action   string `query:"action" validate:"omitempty,oneof=draft_saved autosave_failed submitted unsubmitted restored"`
}

// TaskResponse is the student's view of a task. Correctness flags and outcome
// weights stay on the server.
type TaskResponse struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	DueAt       *time.Time          `json:"due_at"`
	PastDue     bool                `json:"past_due"`
	Kind        models.TaskKind     `json:"kind"`
	Questions   []QuestionResponse  `json:"questions"`
	Materials   []models.Attachment `json:"materials"`
	Outcomes    []string            `json:"outcomes"`
}

// QuestionResponse is a question without its answer key.
type QuestionResponse struct {
	ID       string           `json:"id"`
	Prompt   string           `json:"prompt"`
	Points   float64          `json:"points"`
	Multiple bool             `json:"multiple"`
	Options  []OptionResponse `json:"options"`
}

// OptionResponse is a selectable option.
type OptionResponse struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// TaskSessionResponse describes the working state of one student's attempt.
type TaskSessionResponse struct {
	Task        TaskResponse            `json:"task"`
	Status      models.SubmissionStatus `json:"status"`
	SubmittedAt *time.Time              `json:"submitted_at"`
	Grade       string                  `json:"grade,omitempty"`
	Editable    bool                    `json:"editable"`
	Answers     models.AnswerMap        `json:"answers"`
	Attachments []models.Attachment     `json:"attachments"`
	Revision    uint64                  `json:"revision"`
	Pristine    bool                    `json:"pristine"`
	SaveState   submission.SaveState    `json:"save_state"`
	Score       ScoreResponse           `json:"score"`
}

// ScoreResponse is the preview score of the working answers.
type ScoreResponse struct {
	Style     scoring.Style           `json:"style"`
	Earned    float64                 `json:"earned"`
	Max       float64                 `json:"max"`
	Percent   int                     `json:"percent"`
	Headline  float64                 `json:"headline"`
	Leading   string                  `json:"leading,omitempty"`
	Questions []QuestionScoreResponse `json:"questions,omitempty"`
	Outcomes  []OutcomeTotalResponse  `json:"outcomes,omitempty"`
}

// QuestionScoreResponse is the per-question breakdown of a graded task.
type QuestionScoreResponse struct {
	QuestionID string  `json:"question_id"`
	Correct    int     `json:"correct"`
	Incorrect  int     `json:"incorrect"`
	Awarded    float64 `json:"awarded"`
	Max        float64 `json:"max"`
}

// OutcomeTotalResponse is the accumulated total of one outcome category.
type OutcomeTotalResponse struct {
	Category string  `json:"category"`
	Points   float64 `json:"points"`
}

// SubmissionEventResponse serialises an audit entry.
type SubmissionEventResponse struct {
	ID        uint                   `json:"id"`
	TaskID    string                 `json:"task_id"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"created_at"`
}

// SubmissionEventListResponse is a page of audit entries.
type SubmissionEventListResponse struct {
	Items    []SubmissionEventResponse `json:"items"`
	Total    int64                     `json:"total"`
	Page     int                       `json:"page"`
	PageSize int                       `json:"page_size"`
}

// Session event types.
const (
	SessionEventSaveState = "save_state"
	SessionEventLifecycle = "lifecycle"
)

// SessionEvent is pushed to save state stream subscribers and fanned out across
// gateway nodes.
type SessionEvent struct {
	Type        string                  `json:"type"`
	StudentID   uint                    `json:"student_id"`
	TaskID      string                  `json:"task_id"`
	SaveState   submission.SaveState    `json:"save_state,omitempty"`
	Action      string                  `json:"action,omitempty"`
	Status      models.SubmissionStatus `json:"status,omitempty"`
	SubmittedAt *time.Time              `json:"submitted_at,omitempty"`
	Revision    uint64                  `json:"revision"`
	OccurredAt  time.Time               `json:"occurred_at"`
}

// NewTaskResponse strips the answer key from task.
func NewTaskResponse(task models.Task, now time.Time) TaskResponse {
	response := TaskResponse{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		DueAt:       task.DueAt,
		PastDue:     task.IsPastDue(now),
		Kind:        task.Kind,
		Questions:   make([]QuestionResponse, 0, len(task.Questions)),
		Materials:   models.CloneAttachments(task.Materials),
		Outcomes:    append([]string{}, task.Outcomes...),
	}

	for _, question := range task.Questions {
		item := QuestionResponse{
			ID:       question.ID,
			Prompt:   question.Prompt,
			Points:   question.Points,
			Multiple: question.Multiple,
			Options:  make([]OptionResponse, 0, len(question.Options)),
		}
		for _, option := range question.Options {
			item.Options = append(item.Options, OptionResponse{ID: option.ID, Label: option.Label})
		}
		response.Questions = append(response.Questions, item)
	}

	return response
}

// NewScoreResponse converts a scoring result.
func NewScoreResponse(result scoring.Result) ScoreResponse {
	response := ScoreResponse{
		Style:    result.Style,
		Earned:   result.Earned,
		Max:      result.Max,
		Percent:  result.Percent,
		Headline: result.Headline,
		Leading:  result.Leading,
	}

	for _, q := range result.Questions {
		response.Questions = append(response.Questions, QuestionScoreResponse{
			QuestionID: q.QuestionID,
			Correct:    q.Correct,
			Incorrect:  q.Incorrect,
			Awarded:    q.Awarded,
			Max:        q.Max,
		})
	}
	for _, o := range result.Outcomes {
		response.Outcomes = append(response.Outcomes, OutcomeTotalResponse{Category: o.Category, Points: o.Points})
	}

	return response
}

// NewSubmissionEventResponse converts an audit entry.
func NewSubmissionEventResponse(event models.SubmissionEvent) SubmissionEventResponse {
	metadata := map[string]interface{}{}
	for key, value := range event.Metadata {
		metadata[key] = value
	}
	return SubmissionEventResponse{
		ID:        event.ID,
		TaskID:    event.TaskID,
		Action:    event.Action,
		Status:    event.Status,
		Metadata:  metadata,
		CreatedAt: event.CreatedAt,
	}
}

// NewSubmissionEventResponseSlice converts a list of audit entries.
func NewSubmissionEventResponseSlice(events []models.SubmissionEvent) []SubmissionEventResponse {
	items := make([]SubmissionEventResponse, 0, len(events))
	for _, event := range events {
		items = append(items, NewSubmissionEventResponse(event))
	}
	return items
}
