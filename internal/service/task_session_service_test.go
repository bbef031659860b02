package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/karierni-denik/internal/dto"
	"github.com/noah-isme/karierni-denik/internal/models"
	"github.com/noah-isme/karierni-denik/internal/scoring"
	"github.com/noah-isme/karierni-denik/internal/submission"
	"github.com/noah-isme/karierni-denik/pkg/taskapi"
)

func TestOpenLoadsTaskOnce(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	session, err := f.service.Open(ctx, student, "essay")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusNone, session.Status)
	require.True(t, session.Editable)
	require.True(t, session.Pristine)
	require.Equal(t, submission.SaveStateIdle, session.SaveState)
	require.Equal(t, scoring.StyleNone, session.Score.Style)

	_, err = f.service.Open(ctx, student, "essay")
	require.NoError(t, err)
	require.Equal(t, 1, f.api.GetCalls())

	_, err = f.service.Get(ctx, student, "essay")
	require.NoError(t, err)
	_, err = f.service.Get(ctx, student, "test")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOpenErrors(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	_, err := f.service.Open(ctx, student, "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, err = f.service.Open(ctx, Viewer{}, "essay")
	require.ErrorIs(t, err, ErrViewerRequired)

	_, err = f.service.Open(ctx, student, "  ")
	require.ErrorIs(t, err, ErrInvalidTaskID)

	require.ErrorIs(t, mapTaskAPIError("x", &taskapi.APIError{Status: 403}), ErrTaskAccessDenied)
	require.ErrorIs(t, mapTaskAPIError("x", errors.New("dial tcp")), ErrTaskAPIUnavailable)
}

func TestOpenOutlivesCancelledCaller(t *testing.T) {
	f := newSessionFixture(t)
	f.api.getGate = make(chan struct{})
	f.api.getEntered = make(chan struct{}, 1)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.service.Open(firstCtx, student, "test")
		firstErr <- err
	}()
	<-f.api.getEntered

	secondErr := make(chan error, 1)
	go func() {
		_, err := f.service.Open(context.Background(), student, "test")
		secondErr <- err
	}()

	cancelFirst()
	close(f.api.getGate)

	require.NoError(t, <-firstErr)
	require.NoError(t, <-secondErr)
	require.Equal(t, 1, f.api.GetCalls())

	_, err := f.service.Get(context.Background(), student, "test")
	require.NoError(t, err)
}

func TestSetAnswerAutosavesAndClearsJournal(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	session, err := f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q2", OptionID: "B1"})
	require.NoError(t, err)
	session, err = f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q2", OptionID: "B2"})
	require.NoError(t, err)
	require.Equal(t, []string{"B1", "B2"}, session.Answers["q2"], "multi-select question toggles")
	require.Equal(t, models.SubmissionStatusDraft, session.Status)
	require.Equal(t, uint64(2), session.Revision)

	journaled, ok, err := f.journal.Load(ctx, SessionKey{StudentID: 7, TaskID: "test"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), journaled.Revision)

	f.clock.Fire()

	saves := f.api.Saves()
	require.Len(t, saves, 1)
	require.Equal(t, models.SubmissionStatusDraft, saves[0].Status)
	require.Equal(t, models.AnswerMap{"q2": {"B1", "B2"}}, saves[0].Answers)
	require.Equal(t, "token-1", f.api.tokens[0])

	_, ok, err = f.journal.Load(ctx, SessionKey{StudentID: 7, TaskID: "test"})
	require.NoError(t, err)
	require.False(t, ok)

	history := f.history(t, 7, "test")
	require.Len(t, history, 1)
	require.Equal(t, models.SubmissionEventDraftSaved, history[0].Action)

	current, err := f.service.Get(ctx, student, "test")
	require.NoError(t, err)
	require.Equal(t, submission.SaveStateSaved, current.SaveState)
}

func TestAutosaveCarriesLatestCorrelationID(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	first := student
	first.CorrelationID = "req-41"
	_, err := f.service.SetAnswer(ctx, first, "test", dto.SetAnswerRequest{QuestionID: "q2", OptionID: "B1"})
	require.NoError(t, err)

	second := student
	second.CorrelationID = "req-42"
	_, err = f.service.SetAnswer(ctx, second, "test", dto.SetAnswerRequest{QuestionID: "q2", OptionID: "B2"})
	require.NoError(t, err)

	f.clock.Fire()

	require.Len(t, f.api.Saves(), 1)
	require.Equal(t, []string{"req-42"}, f.api.Correlations())
}

func TestSetAnswerValidation(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.service.SetAnswer(context.Background(), student, "test", dto.SetAnswerRequest{QuestionID: "q1"})
	var validationErrs validator.ValidationErrors
	require.ErrorAs(t, err, &validationErrs)

	_, err = f.service.SetAnswer(context.Background(), student, "test", dto.SetAnswerRequest{QuestionID: "q9", OptionID: "A1"})
	require.ErrorIs(t, err, submission.ErrUnknownQuestion)
}

func TestAutosaveFailureKeepsJournal(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	f.api.SetSaveErr(errors.New("upstream down"))

	_, err := f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q1", OptionID: "A1"})
	require.NoError(t, err)
	f.clock.Fire()

	current, err := f.service.Get(ctx, student, "test")
	require.NoError(t, err)
	require.Equal(t, submission.SaveStateError, current.SaveState)

	_, ok, err := f.journal.Load(ctx, SessionKey{StudentID: 7, TaskID: "test"})
	require.NoError(t, err)
	require.True(t, ok)

	history := f.history(t, 7, "test")
	require.Len(t, history, 1)
	require.Equal(t, models.SubmissionEventAutosaveFailed, history[0].Action)
	require.Contains(t, history[0].Metadata["error"], "upstream down")
}

func TestClassicSubmitRequiresAttachment(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.service.Submit(context.Background(), student, "essay")
	require.ErrorIs(t, err, submission.ErrNoAttachments)
	require.Empty(t, f.api.Saves())
}

func TestSubmitUnsubmitLifecycle(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	session, err := f.service.AddAttachment(ctx, student, "essay", dto.AttachmentRequest{
		Name: "<b>Final</b> essay",
		URL:  "https://drive.example.com/files/essay.pdf",
		Kind: "cloud-drive",
	})
	require.NoError(t, err)
	require.Equal(t, "Final essay", session.Attachments[0].Name)

	session, err = f.service.AddAttachment(ctx, student, "essay", dto.AttachmentRequest{
		URL:  "https://example.com/notes/outline.txt",
		Kind: "link",
	})
	require.NoError(t, err)
	require.Equal(t, "outline.txt", session.Attachments[1].Name)

	session, err = f.service.RemoveAttachment(ctx, student, "essay", 1)
	require.NoError(t, err)
	require.Len(t, session.Attachments, 1)

	events, cancel, err := f.service.Subscribe(ctx, student, "essay")
	require.NoError(t, err)
	defer cancel()

	session, err = f.service.Submit(ctx, student, "essay")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, session.Status)
	require.False(t, session.Editable)
	require.Equal(t, f.api.stampedAt, *session.SubmittedAt)

	saves := f.api.Saves()
	require.Len(t, saves, 1)
	require.Equal(t, models.SubmissionStatusSubmitted, saves[0].Status)
	require.Len(t, saves[0].Attachments, 1)

	lifecycle := waitForLifecycle(t, events)
	require.Equal(t, models.SubmissionEventSubmitted, lifecycle.Action)

	_, ok, err := f.journal.Load(ctx, SessionKey{StudentID: 7, TaskID: "essay"})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.service.AddAttachment(ctx, student, "essay", dto.AttachmentRequest{URL: "https://example.com/late", Kind: "link"})
	require.ErrorIs(t, err, submission.ErrLocked)

	session, err = f.service.Unsubmit(ctx, student, "essay")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusDraft, session.Status)
	require.Nil(t, session.SubmittedAt)
	require.Len(t, session.Attachments, 1)
	require.Equal(t, 1, f.api.deletes)

	journaled, ok, err := f.journal.Load(ctx, SessionKey{StudentID: 7, TaskID: "essay"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, journaled.Attachments, 1)

	history := f.history(t, 7, "essay")
	require.Len(t, history, 2)
	require.Equal(t, models.SubmissionEventUnsubmitted, history[0].Action)
	require.Equal(t, models.SubmissionEventSubmitted, history[1].Action)

	_, err = f.service.Unsubmit(ctx, student, "essay")
	require.ErrorIs(t, err, submission.ErrNotSubmitted)
}

func TestOpenRestoresJournaledDraft(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	key := SessionKey{StudentID: 7, TaskID: "test"}
	require.NoError(t, f.journal.Save(ctx, key, submission.Snapshot{
		Answers:  models.AnswerMap{"q1": {"A1"}},
		Revision: 12,
	}))

	session, err := f.service.Open(ctx, student, "test")
	require.NoError(t, err)
	require.Equal(t, []string{"A1"}, session.Answers["q1"])
	require.False(t, session.Pristine)
	require.Equal(t, uint64(1), session.Revision)
	require.Equal(t, 50, session.Score.Percent)

	journaled, ok, err := f.journal.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), journaled.Revision)

	history := f.history(t, 7, "test")
	require.Len(t, history, 1)
	require.Equal(t, models.SubmissionEventRestored, history[0].Action)

	f.clock.Fire()
	require.Len(t, f.api.Saves(), 1)
}

func TestOpenDiscardsJournalForSubmittedTask(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	submittedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	detail := f.api.tasks["test"]
	detail.Submission = &models.Submission{
		Status:      models.SubmissionStatusSubmitted,
		SubmittedAt: &submittedAt,
		Answers:     models.AnswerMap{"q1": {"A2"}},
	}
	f.api.tasks["test"] = detail

	key := SessionKey{StudentID: 7, TaskID: "test"}
	require.NoError(t, f.journal.Save(ctx, key, submission.Snapshot{Answers: models.AnswerMap{"q1": {"A1"}}, Revision: 3}))

	session, err := f.service.Open(ctx, student, "test")
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, session.Status)
	require.Equal(t, []string{"A2"}, session.Answers["q1"])

	_, ok, err := f.journal.Load(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, f.history(t, 7, "test"))
}

func TestPreviewAndEvents(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	_, err := f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q1", OptionID: "A1"})
	require.NoError(t, err)
	_, err = f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q2", OptionID: "B2"})
	require.NoError(t, err)

	score, err := f.service.Preview(ctx, student, "test")
	require.NoError(t, err)
	require.Equal(t, scoring.StyleGraded, score.Style)
	require.Equal(t, 50, score.Percent)
	require.Equal(t, 10.0, score.Earned)
	require.Len(t, score.Questions, 2)

	f.clock.Fire()

	page, err := f.service.Events(ctx, student, "test", dto.SubmissionEventQuery{})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	require.Equal(t, 1, page.Page)
	require.Equal(t, 20, page.PageSize)
	require.Equal(t, models.SubmissionEventDraftSaved, page.Items[0].Action)

	_, err = f.service.Events(ctx, student, "test", dto.SubmissionEventQuery{PageSize: 500})
	require.Error(t, err)
}

func TestCloseFlushesPendingDraft(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	_, err := f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q1", OptionID: "A2"})
	require.NoError(t, err)

	require.NoError(t, f.service.Close(ctx, student, "test"))
	require.Len(t, f.api.Saves(), 1)
	require.ErrorIs(t, f.service.Close(ctx, student, "test"), ErrSessionNotFound)

	_, err = f.service.Get(ctx, student, "test")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestShutdownFlushesEverySession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	_, err := f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q1", OptionID: "A1"})
	require.NoError(t, err)
	_, err = f.service.AddAttachment(ctx, Viewer{StudentID: 8, Token: "token-2"}, "essay", dto.AttachmentRequest{URL: "https://example.com/a.pdf", Kind: "file"})
	require.NoError(t, err)

	require.NoError(t, f.service.Shutdown(ctx))
	require.Len(t, f.api.Saves(), 2)

	_, err = f.service.Open(ctx, student, "essay")
	require.ErrorIs(t, err, ErrServiceClosed)
}

func TestEvictIdleSessions(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return now }

	_, err := f.service.Open(ctx, student, "essay")
	require.NoError(t, err)
	_, err = f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q1", OptionID: "A1"})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, f.service.evictIdle(ctx), "sessions with a pending autosave stay")

	f.clock.Fire()
	require.Equal(t, 1, f.service.evictIdle(ctx))

	_, err = f.service.Get(ctx, student, "test")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRemoteLifecycleEvictsSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	_, err := f.service.SetAnswer(ctx, student, "test", dto.SetAnswerRequest{QuestionID: "q1", OptionID: "A1"})
	require.NoError(t, err)

	f.service.handleRemote(dto.SessionEvent{Type: dto.SessionEventSaveState, StudentID: 7, TaskID: "test"})
	_, err = f.service.Get(ctx, student, "test")
	require.NoError(t, err)

	f.service.handleRemote(dto.SessionEvent{
		Type:      dto.SessionEventLifecycle,
		Action:    models.SubmissionEventSubmitted,
		StudentID: 7,
		TaskID:    "test",
	})
	_, err = f.service.Get(ctx, student, "test")
	require.ErrorIs(t, err, ErrSessionNotFound)

	f.clock.Fire()
	require.Empty(t, f.api.Saves(), "evicted sessions are not flushed")
}

func waitForLifecycle(t *testing.T, events <-chan dto.SessionEvent) dto.SessionEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == dto.SessionEventLifecycle {
				return event
			}
		case <-timeout:
			t.Fatal("timed out waiting for lifecycle event")
		}
	}
}
