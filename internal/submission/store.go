// Package submission holds a student's working state for one task and moves it
// through the draft/submitted lifecycle.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noah-isme/karierni-denik/internal/models"
	"github.com/noah-isme/karierni-denik/internal/scoring"
)

var (
	// ErrLocked indicates a mutation was attempted on a submitted submission.
	ErrLocked = errors.New("submission is locked until unsubmitted")
	// ErrNotSubmitted indicates unsubmit was attempted on an unsubmitted submission.
	ErrNotSubmitted = errors.New("submission is not submitted")
	// ErrNoAttachments indicates a classic task was submitted without deliverables.
	ErrNoAttachments = errors.New("at least one attachment is required")
	// ErrNotClassic indicates attachments were edited on a task answered with questions.
	ErrNotClassic = errors.New("attachments are only accepted for classic tasks")
	// ErrAttachmentIndex indicates an attachment index outside the list.
	ErrAttachmentIndex = errors.New("attachment index out of range")
	// ErrInvalidAttachment indicates an attachment without url or with an unknown kind.
	ErrInvalidAttachment = errors.New("invalid attachment")
	// ErrUnknownQuestion indicates an answer for a question the task does not have.
	ErrUnknownQuestion = errors.New("unknown question")
	// ErrUnknownOption indicates an answer with an option the question does not have.
	ErrUnknownOption = errors.New("unknown option")
	// ErrPersistence wraps failures reported by the Task API.
	ErrPersistence = errors.New("submission persistence failed")
)

// Update is the body sent to the Task API for every persistence call.
// Classic tasks carry Attachments, every other kind carries Answers.
type Update struct {
	Answers     models.AnswerMap
	Attachments []models.Attachment
	Status      models.SubmissionStatus
}

// Receipt is what the Task API confirms after a persistence call.
type Receipt struct {
	Status      models.SubmissionStatus
	SubmittedAt *time.Time
}

// Persister stores and deletes the submission of one student for one task.
type Persister interface {
	Save(ctx context.Context, update Update) (Receipt, error)
	Delete(ctx context.Context) error
}

// Snapshot is a full copy of the working answer state.
type Snapshot struct {
	Answers     models.AnswerMap    `json:"answers"`
	Attachments []models.Attachment `json:"attachments"`
	Revision    uint64              `json:"revision"`
}

// Populated reports whether the snapshot carries any answer or attachment.
func (s Snapshot) Populated() bool {
	return s.Answers.Populated() || len(s.Attachments) > 0
}

// Store owns the in-progress view of one student's attempt at one task.
type Store struct {
	mu          sync.Mutex
	task        models.Task
	status      models.SubmissionStatus
	submittedAt *time.Time
	grade       string
	answers     models.AnswerMap
	attachments []models.Attachment
	revision    uint64
	dirty       bool
	listeners   []func(Snapshot)

	// flight serialises every network call of the store.
	flight    sync.Mutex
	persister Persister
}

// NewStore seeds a store from the last persisted submission. A nil submission is
// treated as an empty, untouched draft.
func NewStore(task models.Task, persisted *models.Submission, persister Persister) *Store {
	store := &Store{
		task:        task,
		status:      models.SubmissionStatusNone,
		answers:     models.AnswerMap{},
		attachments: []models.Attachment{},
		persister:   persister,
	}

	if persisted == nil {
		return store
	}

	switch persisted.Status {
	case models.SubmissionStatusDraft, models.SubmissionStatusSubmitted:
		store.status = persisted.Status
	}
	if store.status == models.SubmissionStatusSubmitted && persisted.SubmittedAt != nil {
		submittedAt := *persisted.SubmittedAt
		store.submittedAt = &submittedAt
	}
	store.grade = persisted.Grade
	if persisted.Answers != nil {
		store.answers = persisted.Answers.Normalize()
	}
	if persisted.Attachments != nil {
		store.attachments = models.CloneAttachments(persisted.Attachments)
	}

	return store
}

// OnChange registers fn to be called after every accepted mutation with the new
// snapshot. fn runs without the store lock held.
func (s *Store) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Task returns the task definition the store was initialised with.
func (s *Store) Task() models.Task {
	return s.task
}

// Status returns the current lifecycle status.
func (s *Store) Status() models.SubmissionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SubmittedAt returns the server-confirmed submission time, if submitted.
func (s *Store) SubmittedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submittedAt == nil {
		return nil
	}
	submittedAt := *s.submittedAt
	return &submittedAt
}

// Grade returns the externally computed grade label.
func (s *Store) Grade() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grade
}

// Pristine reports whether the working state is untouched since initialisation.
func (s *Store) Pristine() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dirty
}

// Snapshot returns a copy of the working state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Score computes the display result of the in-memory answers.
func (s *Store) Score() scoring.Result {
	s.mu.Lock()
	answers := s.answers.Clone()
	s.mu.Unlock()
	return scoring.Compute(s.task, answers)
}

// SetAnswer toggles optionID for a multi-select question, or makes it the only
// selection otherwise.
func (s *Store) SetAnswer(questionID, optionID string, multiple bool) error {
	question, ok := s.task.Question(questionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if _, ok := question.Option(optionID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOption, optionID)
	}

	return s.mutate(func() error {
		if multiple {
			s.answers.Toggle(questionID, optionID)
		} else {
			s.answers.Replace(questionID, optionID)
		}
		return nil
	})
}

// AddAttachment appends a deliverable to a classic task.
func (s *Store) AddAttachment(attachment models.Attachment) error {
	if !s.task.IsClassic() {
		return ErrNotClassic
	}
	if attachment.URL == "" || !attachment.Kind.Valid() {
		return ErrInvalidAttachment
	}

	return s.mutate(func() error {
		s.attachments = append(s.attachments, attachment)
		return nil
	})
}

// RemoveAttachment removes the deliverable at index.
func (s *Store) RemoveAttachment(index int) error {
	if !s.task.IsClassic() {
		return ErrNotClassic
	}

	return s.mutate(func() error {
		if index < 0 || index >= len(s.attachments) {
			return ErrAttachmentIndex
		}
		next := make([]models.Attachment, 0, len(s.attachments)-1)
		next = append(next, s.attachments[:index]...)
		s.attachments = append(next, s.attachments[index+1:]...)
		return nil
	})
}

// Restore adopts a snapshot recovered from an unsaved journal entry. The store
// becomes dirty so the next autosave persists it.
func (s *Store) Restore(snapshot Snapshot) error {
	return s.mutate(func() error {
		if snapshot.Answers != nil {
			s.answers = snapshot.Answers.Normalize()
		}
		if s.task.IsClassic() && snapshot.Attachments != nil {
			s.attachments = models.CloneAttachments(snapshot.Attachments)
		}
		return nil
	})
}

func (s *Store) mutate(apply func() error) error {
	s.mu.Lock()
	if s.status == models.SubmissionStatusSubmitted {
		s.mu.Unlock()
		return ErrLocked
	}
	if err := apply(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.revision++
	s.dirty = true
	if s.status == models.SubmissionStatusNone {
		s.status = models.SubmissionStatusDraft
	}
	snapshot := s.snapshotLocked()
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// Submit finalises the submission. Status only changes after the Task API confirms.
func (s *Store) Submit(ctx context.Context) (time.Time, error) {
	s.flight.Lock()
	defer s.flight.Unlock()

	s.mu.Lock()
	if s.status == models.SubmissionStatusSubmitted {
		s.mu.Unlock()
		return time.Time{}, ErrLocked
	}
	if s.task.IsClassic() && len(s.attachments) == 0 {
		s.mu.Unlock()
		return time.Time{}, ErrNoAttachments
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	receipt, err := s.persister.Save(ctx, s.update(snapshot, models.SubmissionStatusSubmitted))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	submittedAt := time.Now().UTC()
	if receipt.SubmittedAt != nil {
		submittedAt = *receipt.SubmittedAt
	}

	s.mu.Lock()
	s.status = models.SubmissionStatusSubmitted
	s.submittedAt = &submittedAt
	s.mu.Unlock()

	return submittedAt, nil
}

// Unsubmit deletes the persisted submission and reopens the in-memory answers for
// editing.
func (s *Store) Unsubmit(ctx context.Context) error {
	s.flight.Lock()
	defer s.flight.Unlock()

	if s.Status() != models.SubmissionStatusSubmitted {
		return ErrNotSubmitted
	}

	if err := s.persister.Delete(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.mu.Lock()
	s.status = models.SubmissionStatusDraft
	s.submittedAt = nil
	s.grade = ""
	s.mu.Unlock()

	return nil
}

// SaveDraft persists snapshot with status draft. It reports false without calling
// the Task API when the submission was submitted in the meantime.
func (s *Store) SaveDraft(ctx context.Context, snapshot Snapshot) (bool, error) {
	s.flight.Lock()
	defer s.flight.Unlock()

	if s.Status() == models.SubmissionStatusSubmitted {
		return false, nil
	}

	if _, err := s.persister.Save(ctx, s.update(snapshot, models.SubmissionStatusDraft)); err != nil {
		return true, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return true, nil
}

// draftSnapshot returns the snapshot an autosave should send, or false when the
// store is submitted or untouched.
func (s *Store) draftSnapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == models.SubmissionStatusSubmitted || !s.dirty {
		return Snapshot{}, false
	}
	return s.snapshotLocked(), true
}

func (s *Store) update(snapshot Snapshot, status models.SubmissionStatus) Update {
	update := Update{Status: status}
	if s.task.IsClassic() {
		update.Attachments = snapshot.Attachments
	} else {
		update.Answers = snapshot.Answers
	}
	return update
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Answers:     s.answers.Clone(),
		Attachments: models.CloneAttachments(s.attachments),
		Revision:    s.revision,
	}
}
