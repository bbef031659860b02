package taskapi

import (
	"time"

	"github.com/noah-isme/karierni-denik/internal/models"
)

type wireDetail struct {
	Task       wireTask        `json:"task"`
	Submission *wireSubmission `json:"submission"`
	Grade      *string         `json:"grade"`
}

type wireTask struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	DueAt       *time.Time       `json:"dueAt"`
	Kind        string           `json:"kind"`
	Questions   []wireQuestion   `json:"questions"`
	Attachments []wireAttachment `json:"attachments"`
	Outcomes    []string         `json:"outcomes"`
}

type wireQuestion struct {
	ID       string       `json:"id"`
	Prompt   string       `json:"prompt"`
	Points   float64      `json:"points"`
	Multiple bool         `json:"multiple"`
	Options  []wireOption `json:"options"`
}

type wireOption struct {
	ID       string             `json:"id"`
	Label    string             `json:"label"`
	Correct  bool               `json:"correct"`
	Outcomes map[string]float64 `json:"outcomes"`
}

type wireAttachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

type wireSubmission struct {
	Status               string              `json:"status"`
	SubmittedAt          *time.Time          `json:"submittedAt"`
	SelectedAnswers      map[string][]string `json:"selectedAnswers"`
	SubmittedAttachments []wireAttachment    `json:"submittedAttachments"`
}

// updateBody is the submission update payload. Pointers keep empty collections on the
// wire while leaving out the side the task kind does not use.
type updateBody struct {
	Answers              *map[string][]string `json:"answers,omitempty"`
	SubmittedAttachments *[]wireAttachment    `json:"submittedAttachments,omitempty"`
	Status               string               `json:"status"`
}

type wireReceipt struct {
	Status      string     `json:"status"`
	SubmittedAt *time.Time `json:"submittedAt"`
}

func (d wireDetail) toDetail() TaskDetail {
	detail := TaskDetail{Task: d.Task.toModel()}

	if d.Submission != nil {
		submission := &models.Submission{
			Status:      models.SubmissionStatus(d.Submission.Status),
			SubmittedAt: d.Submission.SubmittedAt,
			Attachments: toAttachments(d.Submission.SubmittedAttachments),
		}
		if d.Submission.SelectedAnswers != nil {
			submission.Answers = models.AnswerMap(d.Submission.SelectedAnswers).Normalize()
		}
		if d.Grade != nil {
			submission.Grade = *d.Grade
		}
		detail.Submission = submission
	}

	return detail
}

func (t wireTask) toModel() models.Task {
	task := models.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		DueAt:       t.DueAt,
		Kind:        models.TaskKind(t.Kind),
		Materials:   toAttachments(t.Attachments),
		Outcomes:    append([]string(nil), t.Outcomes...),
	}

	task.Questions = make([]models.Question, 0, len(t.Questions))
	for _, q := range t.Questions {
		question := models.Question{
			ID:       q.ID,
			Prompt:   q.Prompt,
			Points:   q.Points,
			Multiple: q.Multiple,
			Options:  make([]models.Option, 0, len(q.Options)),
		}
		for _, o := range q.Options {
			question.Options = append(question.Options, models.Option{
				ID:       o.ID,
				Label:    o.Label,
				Correct:  o.Correct,
				Outcomes: o.Outcomes,
			})
		}
		task.Questions = append(task.Questions, question)
	}

	return task
}

func toAttachments(in []wireAttachment) []models.Attachment {
	if in == nil {
		return nil
	}
	out := make([]models.Attachment, 0, len(in))
	for _, a := range in {
		kind := models.AttachmentKind(a.Kind)
		if !kind.Valid() {
			kind = models.AttachmentKindLink
		}
		out = append(out, models.Attachment{Name: a.Name, URL: a.URL, Kind: kind})
	}
	return out
}

func fromAttachments(in []models.Attachment) []wireAttachment {
	out := make([]wireAttachment, 0, len(in))
	for _, a := range in {
		out = append(out, wireAttachment{Name: a.Name, URL: a.URL, Kind: string(a.Kind)})
	}
	return out
}
