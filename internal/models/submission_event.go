package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission lifecycle actions recorded in the audit log.
const (
	SubmissionEventDraftSaved     = "draft_saved"
	SubmissionEventAutosaveFailed = "autosave_failed"
	SubmissionEventSubmitted      = "submitted"
	SubmissionEventUnsubmitted    = "unsubmitted"
	SubmissionEventRestored       = "restored"
)

// SubmissionEvent captures one lifecycle transition of a student's submission.
type SubmissionEvent struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	StudentID uint              `gorm:"not null;index:idx_submission_events_owner" json:"student_id"`
	TaskID    string            `gorm:"size:64;not null;index:idx_submission_events_owner" json:"task_id"`
	Action    string            `gorm:"size:32;not null" json:"action"`
	Status    string            `gorm:"size:32;not null" json:"status"`
	Metadata  datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}
