package models

import (
	"sort"
	"time"
)

// SubmissionStatus is the lifecycle status of a student's submission.
type SubmissionStatus string

const (
	// SubmissionStatusNone means nothing has been persisted or edited yet.
	SubmissionStatusNone SubmissionStatus = "none"
	// SubmissionStatusDraft indicates an editable, autosaved submission.
	SubmissionStatusDraft SubmissionStatus = "draft"
	// SubmissionStatusSubmitted indicates the student finalised the submission.
	SubmissionStatusSubmitted SubmissionStatus = "submitted"
)

// Submission is the persisted state of one student's attempt at one task.
type Submission struct {
	Status      SubmissionStatus `json:"status"`
	SubmittedAt *time.Time       `json:"submitted_at,omitempty"`
	Answers     AnswerMap        `json:"answers,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Grade       string           `json:"grade,omitempty"`
}

// IsSubmitted reports whether the submission is finalised.
func (s Submission) IsSubmitted() bool {
	return s.Status == SubmissionStatusSubmitted
}

// AnswerMap maps a question identifier to the set of selected option identifiers.
// Option lists are kept sorted so equal sets compare equal.
type AnswerMap map[string][]string

// Clone returns a deep copy of the map.
func (m AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(m))
	for questionID, options := range m {
		copied := make([]string, len(options))
		copy(copied, options)
		out[questionID] = copied
	}
	return out
}

// Has reports whether optionID is selected for questionID.
func (m AnswerMap) Has(questionID, optionID string) bool {
	options := m[questionID]
	idx := sort.SearchStrings(options, optionID)
	return idx < len(options) && options[idx] == optionID
}

// Toggle flips membership of optionID in the set for questionID.
func (m AnswerMap) Toggle(questionID, optionID string) {
	options := m[questionID]
	idx := sort.SearchStrings(options, optionID)
	if idx < len(options) && options[idx] == optionID {
		options = append(options[:idx:idx], options[idx+1:]...)
	} else {
		options = append(options[:idx:idx], append([]string{optionID}, options[idx:]...)...)
	}
	if len(options) == 0 {
		delete(m, questionID)
		return
	}
	m[questionID] = options
}

// Replace sets the selection for questionID to the single optionID.
func (m AnswerMap) Replace(questionID, optionID string) {
	m[questionID] = []string{optionID}
}

// Normalize sorts and de-duplicates every option list, dropping empty entries.
func (m AnswerMap) Normalize() AnswerMap {
	out := make(AnswerMap, len(m))
	for questionID, options := range m {
		if len(options) == 0 {
			continue
		}
		sorted := make([]string, len(options))
		copy(sorted, options)
		sort.Strings(sorted)
		unique := sorted[:1]
		for _, option := range sorted[1:] {
			if option != unique[len(unique)-1] {
				unique = append(unique, option)
			}
		}
		out[questionID] = unique
	}
	return out
}

// Populated reports whether at least one question has a selection.
func (m AnswerMap) Populated() bool {
	for _, options := range m {
		if len(options) > 0 {
			return true
		}
	}
	return false
}
