package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"github.com/noah-isme/karierni-denik/internal/dto"
	"github.com/noah-isme/karierni-denik/internal/middleware"
	"github.com/noah-isme/karierni-denik/internal/models"
	"github.com/noah-isme/karierni-denik/internal/observability"
	"github.com/noah-isme/karierni-denik/internal/repository"
	"github.com/noah-isme/karierni-denik/internal/submission"
	"github.com/noah-isme/karierni-denik/pkg/taskapi"
)

var (
	// ErrTaskNotFound indicates the Task API does not know the task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskAccessDenied indicates the Task API rejected the student's token.
	ErrTaskAccessDenied = errors.New("task access denied")
	// ErrTaskAPIUnavailable wraps transport and server failures of the Task API.
	ErrTaskAPIUnavailable = errors.New("task api unavailable")
	// ErrSessionNotFound indicates no session is open for the task.
	ErrSessionNotFound = errors.New("task session not open")
	// ErrInvalidTaskID indicates an empty or oversized task identifier.
	ErrInvalidTaskID = errors.New("invalid task id")
	// ErrViewerRequired indicates a call without an authenticated student.
	ErrViewerRequired = errors.New("authenticated student required")
	// ErrServiceClosed indicates the service is shutting down.
	ErrServiceClosed = errors.New("task session service is shutting down")
)

const maxTaskIDLength = 64

// Viewer is the authenticated student on whose behalf a call is made.
type Viewer struct {
	StudentID uint
	Token     string
	// CorrelationID tags the Task API calls made for this request, including the
	// autosaves it schedules.
	CorrelationID string
}

// TaskAPI is the subset of the Task API client used by the service.
type TaskAPI interface {
	GetTask(ctx context.Context, token, taskID string) (taskapi.TaskDetail, error)
	SaveSubmission(ctx context.Context, token, taskID string, update taskapi.SubmissionUpdate) (taskapi.SubmissionReceipt, error)
	DeleteSubmission(ctx context.Context, token, taskID string) error
}

// TaskSessionConfig tunes session behaviour.
type TaskSessionConfig struct {
	AutosaveDelay   time.Duration
	AutosaveTimeout time.Duration
	IdleTTL         time.Duration
	// AfterFunc overrides the autosave timer, mainly for tests.
	AfterFunc submission.AfterFunc
}

// TaskSessionService keeps one working session per student and task.
type TaskSessionService interface {
	Open(ctx context.Context, viewer Viewer, taskID string) (dto.TaskSessionResponse, error)
	Get(ctx context.Context, viewer Viewer, taskID string) (dto.TaskSessionResponse, error)
	SetAnswer(ctx context.Context, viewer Viewer, taskID string, req dto.SetAnswerRequest) (dto.TaskSessionResponse, error)
	AddAttachment(ctx context.Context, viewer Viewer, taskID string, req dto.AttachmentRequest) (dto.TaskSessionResponse, error)
	RemoveAttachment(ctx context.Context, viewer Viewer, taskID string, index int) (dto.TaskSessionResponse, error)
	Submit(ctx context.Context, viewer Viewer, taskID string) (dto.TaskSessionResponse, error)
	Unsubmit(ctx context.Context, viewer Viewer, taskID string) (dto.TaskSessionResponse, error)
	Preview(ctx context.Context, viewer Viewer, taskID string) (dto.ScoreResponse, error)
	Events(ctx context.Context, viewer Viewer, taskID string, query dto.SubmissionEventQuery) (dto.SubmissionEventListResponse, error)
	Subscribe(ctx context.Context, viewer Viewer, taskID string) (<-chan dto.SessionEvent, func(), error)
	Close(ctx context.Context, viewer Viewer, taskID string) error
	Start(ctx context.Context)
	Shutdown(ctx context.Context) error
}

type taskSession struct {
	key       SessionKey
	store     *submission.Store
	autosaver *submission.Autosaver
	persister *taskPersister

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *taskSession) touch(viewer Viewer, now time.Time) {
	s.persister.refresh(viewer)
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *taskSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// taskPersister binds a store to the Task API endpoints of one task. The token and
// correlation id are refreshed on every request, so autosaves use the student's
// latest credentials and trace back to the edit that scheduled them.
type taskPersister struct {
	api    TaskAPI
	taskID string
	tracer trace.Tracer

	mu          sync.RWMutex
	token       string
	correlation string
}

func (p *taskPersister) refresh(viewer Viewer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if viewer.Token != "" {
		p.token = viewer.Token
	}
	if viewer.CorrelationID != "" {
		p.correlation = viewer.CorrelationID
	}
}

func (p *taskPersister) currentToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// withCorrelation keeps the caller's correlation id and falls back to the id of
// the last request that touched the session.
func (p *taskPersister) withCorrelation(ctx context.Context) context.Context {
	if middleware.CorrelationIDFromContext(ctx) != "" {
		return ctx
	}
	p.mu.RLock()
	correlation := p.correlation
	p.mu.RUnlock()
	return middleware.ContextWithCorrelation(ctx, correlation)
}

func (p *taskPersister) Save(ctx context.Context, update submission.Update) (submission.Receipt, error) {
	ctx = p.withCorrelation(ctx)
	if update.Status == models.SubmissionStatusDraft {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "task_session.autosave", trace.WithAttributes(
			attribute.String("task.id", p.taskID),
		))
		defer span.End()

		receipt, err := p.save(ctx, update)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return receipt, err
	}

	return p.save(ctx, update)
}

func (p *taskPersister) save(ctx context.Context, update submission.Update) (submission.Receipt, error) {
	receipt, err := p.api.SaveSubmission(ctx, p.currentToken(), p.taskID, taskapi.SubmissionUpdate{
		Answers:     update.Answers,
		Attachments: update.Attachments,
		Status:      update.Status,
	})
	if err != nil {
		return submission.Receipt{}, err
	}
	return submission.Receipt{Status: receipt.Status, SubmittedAt: receipt.SubmittedAt}, nil
}

func (p *taskPersister) Delete(ctx context.Context) error {
	return p.api.DeleteSubmission(p.withCorrelation(ctx), p.currentToken(), p.taskID)
}

type taskSessionService struct {
	api       TaskAPI
	events    repository.SubmissionEventRepository
	journal   DraftJournal
	bus       SessionEventBus
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	cfg       TaskSessionConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	opening   singleflight.Group

	mu       sync.RWMutex
	sessions map[SessionKey]*taskSession
	closed   bool
}

// NewTaskSessionService constructs the task session service.
func NewTaskSessionService(api TaskAPI, events repository.SubmissionEventRepository, journal DraftJournal, bus SessionEventBus, validate *validator.Validate, cfg TaskSessionConfig, logger zerolog.Logger) TaskSessionService {
	if journal == nil {
		journal = noopDraftJournal{}
	}
	if cfg.AutosaveDelay <= 0 {
		cfg.AutosaveDelay = submission.DefaultAutosaveDelay
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}

	service := &taskSessionService{
		api:       api,
		events:    events,
		journal:   journal,
		bus:       bus,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "task_session_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/karierni-denik/internal/service/task_session"),
		now:       time.Now,
		sessions:  make(map[SessionKey]*taskSession),
	}

	if bus != nil {
		bus.OnRemote(service.handleRemote)
	}

	return service
}

func (s *taskSessionService) Open(ctx context.Context, viewer Viewer, taskID string) (dto.TaskSessionResponse, error) {
	session, err := s.session(ctx, viewer, taskID)
	if err != nil {
		return dto.TaskSessionResponse{}, err
	}
	return s.response(session), nil
}

func (s *taskSessionService) Get(ctx context.Context, viewer Viewer, taskID string) (dto.TaskSessionResponse, error) {
	key, err := sessionKey(viewer, taskID)
	if err != nil {
		return dto.TaskSessionResponse{}, err
	}

	session := s.lookup(key)
	if session == nil {
		return dto.TaskSessionResponse{}, ErrSessionNotFound
	}
	session.touch(viewer, s.now())
	return s.response(session), nil
}

func (s *taskSessionService) SetAnswer(ctx context.Context, viewer Viewer, taskID string, req dto.SetAnswerRequest) (dto.TaskSessionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.TaskSessionResponse{}, err
	}

	session, err := s.session(ctx, viewer, taskID)
	if err != nil {
		return dto.TaskSessionResponse{}, err
	}

	question, _ := session.store.Task().Question(req.QuestionID)
	if err := session.store.SetAnswer(req.QuestionID, req.OptionID, question.Multiple); err != nil {
		return dto.TaskSessionResponse{}, err
	}

	s.journalSnapshot(ctx, session)
	return s.response(session), nil
}

func (s *taskSessionService) AddAttachment(ctx context.Context, viewer Viewer, taskID string, req dto.AttachmentRequest) (dto.TaskSessionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.TaskSessionResponse{}, err
	}

	session, err := s.session(ctx, viewer, taskID)
	if err != nil {
		return dto.TaskSessionResponse{}, err
	}

	link := strings.TrimSpace(req.URL)
	name := strings.TrimSpace(s.sanitizer.Sanitize(req.Name))
	if name == "" {
		name = attachmentName(link)
	}

	attachment := models.Attachment{Name: name, URL: link, Kind: models.AttachmentKind(req.Kind)}
	if err := session.store.AddAttachment(attachment); err != nil {
		return dto.TaskSessionResponse{}, err
	}

	s.journalSnapshot(ctx, session)
	return s.response(session), nil
}

func (s *taskSessionService) RemoveAttachment(ctx context.Context, viewer Viewer, taskID string, index int) (dto.TaskSessionResponse, error) {
	session, err := s.session(ctx, viewer, taskID)
	if err != nil {
		return dto.TaskSessionResponse{}, err
	}

	if err := session.store.RemoveAttachment(index); err != nil {
		return dto.TaskSessionResponse{}, err
	}

	s.journalSnapshot(ctx, session)
	return s.response(session), nil
}

func (s *taskSessionService) Submit(ctx context.Context, viewer Viewer, taskID string) (dto.TaskSessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "task_session.submit", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int64("student.id", int64(viewer.StudentID)),
	))
	defer span.End()

	session, err := s.session(ctx, viewer, taskID)
	if err != nil {
		recordSpanError(span, err)
		return dto.TaskSessionResponse{}, err
	}

	submittedAt, err := session.store.Submit(ctx)
	if err != nil {
		recordSpanError(span, err)
		return dto.TaskSessionResponse{}, err
	}

	s.discardJournal(ctx, session.key)

	snapshot := session.store.Snapshot()
	s.record(ctx, session.key, models.SubmissionEventSubmitted, models.SubmissionStatusSubmitted, datatypes.JSONMap{
		"revision":     snapshot.Revision,
		"answers":      len(snapshot.Answers),
		"attachments":  len(snapshot.Attachments),
		"submitted_at": submittedAt.Format(time.RFC3339),
	})
	s.publishLifecycle(ctx, session, models.SubmissionEventSubmitted)

	s.logger.Info().
		Uint("student_id", session.key.StudentID).
		Str("task_id", session.key.TaskID).
		Time("submitted_at", submittedAt).
		Msg("submission submitted")

	return s.response(session), nil
}

func (s *taskSessionService) Unsubmit(ctx context.Context, viewer Viewer, taskID string) (dto.TaskSessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "task_session.unsubmit", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int64("student.id", int64(viewer.StudentID)),
	))
	defer span.End()

	session, err := s.session(ctx, viewer, taskID)
	if err != nil {
		recordSpanError(span, err)
		return dto.TaskSessionResponse{}, err
	}

	if err := session.store.Unsubmit(ctx); err != nil {
		recordSpanError(span, err)
		return dto.TaskSessionResponse{}, err
	}

	// The persisted copy is gone; the in-memory answers now only live here.
	s.journalSnapshot(ctx, session)

	s.record(ctx, session.key, models.SubmissionEventUnsubmitted, models.SubmissionStatusDraft, datatypes.JSONMap{
		"revision": session.store.Snapshot().Revision,
	})
	s.publishLifecycle(ctx, session, models.SubmissionEventUnsubmitted)

	return s.response(session), nil
}

func (s *taskSessionService) Preview(ctx context.Context, viewer Viewer, taskID string) (dto.ScoreResponse, error) {
	session, err := s.session(ctx, viewer, taskID)
	if err != nil {
		return dto.ScoreResponse{}, err
	}
	return dto.NewScoreResponse(session.store.Score()), nil
}

func (s *taskSessionService) Events(ctx context.Context, viewer Viewer, taskID string, query dto.SubmissionEventQuery) (dto.SubmissionEventListResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.SubmissionEventListResponse{}, err
	}

	key, err := sessionKey(viewer, taskID)
	if err != nil {
		return dto.SubmissionEventListResponse{}, err
	}

	page := query.Page
	if page <= 0 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	if s.events == nil {
		return dto.SubmissionEventListResponse{Items: []dto.SubmissionEventResponse{}, Page: page, PageSize: pageSize}, nil
	}

	events, total, err := s.events.List(ctx, repository.SubmissionEventFilter{
		StudentID: key.StudentID,
		TaskID:    key.TaskID,
		Action:    query.Action,
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		return dto.SubmissionEventListResponse{}, err
	}

	return dto.SubmissionEventListResponse{
		Items:    dto.NewSubmissionEventResponseSlice(events),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func (s *taskSessionService) Subscribe(ctx context.Context, viewer Viewer, taskID string) (<-chan dto.SessionEvent, func(), error) {
	if s.bus == nil {
		return nil, nil, errors.New("session event bus not configured")
	}

	session, err := s.session(ctx, viewer, taskID)
	if err != nil {
		return nil, nil, err
	}

	events, cancel := s.bus.Subscribe(session.key)
	return events, cancel, nil
}

func (s *taskSessionService) Close(ctx context.Context, viewer Viewer, taskID string) error {
	key, err := sessionKey(viewer, taskID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	session := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if session == nil {
		return ErrSessionNotFound
	}

	session.touch(viewer, s.now())
	s.shutdownSession(ctx, session)
	return nil
}

func (s *taskSessionService) Start(ctx context.Context) {
	if s.bus != nil {
		s.bus.Start(ctx)
	}
	go s.janitor(ctx)
}

func (s *taskSessionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*taskSession, 0, len(s.sessions))
	for key, session := range s.sessions {
		sessions = append(sessions, session)
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		s.shutdownSession(ctx, session)
	}

	s.logger.Info().Int("sessions", len(sessions)).Msg("task sessions flushed")
	return ctx.Err()
}

func (s *taskSessionService) session(ctx context.Context, viewer Viewer, taskID string) (*taskSession, error) {
	key, err := sessionKey(viewer, taskID)
	if err != nil {
		return nil, err
	}

	if session := s.lookup(key); session != nil {
		session.touch(viewer, s.now())
		return session, nil
	}

	// Callers waiting on the same open share its result, so it must outlive any one
	// of their requests. The Task API client bounds it with its own timeout.
	openCtx := context.WithoutCancel(ctx)
	result, err, _ := s.opening.Do(key.String(), func() (interface{}, error) {
		return s.open(openCtx, viewer, key)
	})
	if err != nil {
		return nil, err
	}

	session := result.(*taskSession)
	session.touch(viewer, s.now())
	return session, nil
}

func (s *taskSessionService) lookup(key SessionKey) *taskSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[key]
}

func (s *taskSessionService) open(ctx context.Context, viewer Viewer, key SessionKey) (*taskSession, error) {
	if session := s.lookup(key); session != nil {
		return session, nil
	}

	detail, err := s.api.GetTask(ctx, viewer.Token, key.TaskID)
	if err != nil {
		return nil, mapTaskAPIError(key.TaskID, err)
	}

	persister := &taskPersister{api: s.api, taskID: key.TaskID, tracer: s.tracer}
	persister.refresh(viewer)
	store := submission.NewStore(detail.Task, detail.Submission, persister)
	session := &taskSession{
		key:       key,
		store:     store,
		persister: persister,
		lastSeen:  s.now(),
	}
	session.autosaver = submission.NewAutosaver(store, submission.AutosaveOptions{
		Delay:     s.cfg.AutosaveDelay,
		Timeout:   s.cfg.AutosaveTimeout,
		AfterFunc: s.cfg.AfterFunc,
		OnResult: func(result submission.SaveResult) {
			s.onAutosave(session, result)
		},
	})

	s.restoreDraft(ctx, session)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		session.autosaver.Stop()
		return nil, ErrServiceClosed
	}
	s.sessions[key] = session
	s.mu.Unlock()

	observability.SessionsActive().Inc()
	if s.bus != nil {
		go s.forwardSaveStates(session)
	}

	s.logger.Debug().
		Uint("student_id", key.StudentID).
		Str("task_id", key.TaskID).
		Str("status", string(store.Status())).
		Msg("task session opened")

	return session, nil
}

// restoreDraft adopts a journaled snapshot that never reached the Task API.
func (s *taskSessionService) restoreDraft(ctx context.Context, session *taskSession) {
	snapshot, ok, err := s.journal.Load(ctx, session.key)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", session.key.TaskID).Msg("failed to load journaled draft")
		return
	}
	if !ok {
		return
	}

	if session.store.Status() == models.SubmissionStatusSubmitted || sameWorkingState(session.store.Snapshot(), snapshot) {
		s.discardJournal(ctx, session.key)
		return
	}

	if err := session.store.Restore(snapshot); err != nil {
		s.logger.Warn().Err(err).Str("task_id", session.key.TaskID).Msg("failed to restore journaled draft")
		return
	}

	// Revisions restart with every session, so the old entry is replaced outright.
	s.discardJournal(ctx, session.key)
	s.journalSnapshot(ctx, session)

	s.record(ctx, session.key, models.SubmissionEventRestored, session.store.Status(), datatypes.JSONMap{
		"journal_revision": snapshot.Revision,
	})
	s.publishLifecycle(ctx, session, models.SubmissionEventRestored)
}

func (s *taskSessionService) onAutosave(session *taskSession, result submission.SaveResult) {
	kind := string(session.store.Task().Kind)
	observability.AutosaveAttempts().WithLabelValues(kind).Inc()
	observability.AutosaveLatency().Observe(result.Duration.Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if result.Err != nil {
		observability.AutosaveFailures().WithLabelValues(kind).Inc()
		s.logger.Warn().
			Err(result.Err).
			Uint("student_id", session.key.StudentID).
			Str("task_id", session.key.TaskID).
			Uint64("revision", result.Snapshot.Revision).
			Msg("autosave failed")
		s.record(ctx, session.key, models.SubmissionEventAutosaveFailed, models.SubmissionStatusDraft, datatypes.JSONMap{
			"revision": result.Snapshot.Revision,
			"error":    result.Err.Error(),
		})
		return
	}

	if err := s.journal.ClearUpTo(ctx, session.key, result.Snapshot.Revision); err != nil {
		s.logger.Warn().Err(err).Str("task_id", session.key.TaskID).Msg("failed to clear journaled draft")
	}
	s.record(ctx, session.key, models.SubmissionEventDraftSaved, models.SubmissionStatusDraft, datatypes.JSONMap{
		"revision": result.Snapshot.Revision,
	})
}

func (s *taskSessionService) forwardSaveStates(session *taskSession) {
	states, _ := session.autosaver.Subscribe()
	for state := range states {
		s.bus.Publish(context.Background(), dto.SessionEvent{
			Type:      dto.SessionEventSaveState,
			StudentID: session.key.StudentID,
			TaskID:    session.key.TaskID,
			SaveState: state,
			Status:    session.store.Status(),
			Revision:  session.store.Snapshot().Revision,
		})
	}
}

func (s *taskSessionService) publishLifecycle(ctx context.Context, session *taskSession, action string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, dto.SessionEvent{
		Type:        dto.SessionEventLifecycle,
		StudentID:   session.key.StudentID,
		TaskID:      session.key.TaskID,
		Action:      action,
		Status:      session.store.Status(),
		SubmittedAt: session.store.SubmittedAt(),
		Revision:    session.store.Snapshot().Revision,
		OccurredAt:  s.now().UTC(),
	})
}

// handleRemote drops the local copy of a session another node submitted or
// unsubmitted. It is not flushed, the next request reloads it from the Task API.
func (s *taskSessionService) handleRemote(event dto.SessionEvent) {
	if event.Type != dto.SessionEventLifecycle {
		return
	}
	if event.Action != models.SubmissionEventSubmitted && event.Action != models.SubmissionEventUnsubmitted {
		return
	}

	key := SessionKey{StudentID: event.StudentID, TaskID: event.TaskID}
	s.mu.Lock()
	session := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if session == nil {
		return
	}

	session.autosaver.Stop()
	observability.SessionsActive().Dec()
	s.logger.Info().
		Uint("student_id", key.StudentID).
		Str("task_id", key.TaskID).
		Str("action", event.Action).
		Msg("evicted task session after remote transition")
}

func (s *taskSessionService) janitor(ctx context.Context) {
	interval := s.cfg.IdleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle(ctx)
		}
	}
}

// evictIdle flushes and drops sessions unused for longer than the idle TTL.
func (s *taskSessionService) evictIdle(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	var idle []*taskSession
	for key, session := range s.sessions {
		if session.idleSince().Before(cutoff) && !session.autosaver.Pending() {
			idle = append(idle, session)
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()

	for _, session := range idle {
		s.shutdownSession(ctx, session)
	}
	if len(idle) > 0 {
		s.logger.Debug().Int("sessions", len(idle)).Msg("evicted idle task sessions")
	}
	return len(idle)
}

func (s *taskSessionService) shutdownSession(ctx context.Context, session *taskSession) {
	flushCtx := ctx
	if s.cfg.AutosaveTimeout > 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, s.cfg.AutosaveTimeout)
		defer cancel()
	}

	session.autosaver.Flush(flushCtx)
	session.autosaver.Stop()
	observability.SessionsActive().Dec()
}

func (s *taskSessionService) journalSnapshot(ctx context.Context, session *taskSession) {
	if err := s.journal.Save(ctx, session.key, session.store.Snapshot()); err != nil {
		s.logger.Warn().Err(err).Str("task_id", session.key.TaskID).Msg("failed to journal draft")
	}
}

func (s *taskSessionService) discardJournal(ctx context.Context, key SessionKey) {
	if err := s.journal.Discard(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("task_id", key.TaskID).Msg("failed to discard journaled draft")
	}
}

func (s *taskSessionService) record(ctx context.Context, key SessionKey, action string, status models.SubmissionStatus, metadata datatypes.JSONMap) {
	observability.SubmissionTransitions().WithLabelValues(action).Inc()
	if s.events == nil {
		return
	}

	event := models.SubmissionEvent{
		StudentID: key.StudentID,
		TaskID:    key.TaskID,
		Action:    action,
		Status:    string(status),
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}
	if err := s.events.Create(ctx, &event); err != nil {
		s.logger.Warn().Err(err).Str("task_id", key.TaskID).Str("action", action).Msg("failed to record submission event")
	}
}

func (s *taskSessionService) response(session *taskSession) dto.TaskSessionResponse {
	store := session.store
	snapshot := store.Snapshot()
	status := store.Status()

	return dto.TaskSessionResponse{
		Task:        dto.NewTaskResponse(store.Task(), s.now()),
		Status:      status,
		SubmittedAt: store.SubmittedAt(),
		Grade:       store.Grade(),
		Editable:    status != models.SubmissionStatusSubmitted,
		Answers:     snapshot.Answers,
		Attachments: snapshot.Attachments,
		Revision:    snapshot.Revision,
		Pristine:    store.Pristine(),
		SaveState:   session.autosaver.State(),
		Score:       dto.NewScoreResponse(store.Score()),
	}
}

func sessionKey(viewer Viewer, taskID string) (SessionKey, error) {
	if viewer.StudentID == 0 {
		return SessionKey{}, ErrViewerRequired
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" || len(taskID) > maxTaskIDLength {
		return SessionKey{}, ErrInvalidTaskID
	}
	return SessionKey{StudentID: viewer.StudentID, TaskID: taskID}, nil
}

func mapTaskAPIError(taskID string, err error) error {
	switch {
	case errors.Is(err, taskapi.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	case errors.Is(err, taskapi.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrTaskAccessDenied, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTaskAPIUnavailable, err)
	}
}

func sameWorkingState(a, b submission.Snapshot) bool {
	sameOptions := func(x, y []string) bool { return slices.Equal(x, y) }
	return maps.EqualFunc(a.Answers.Normalize(), b.Answers.Normalize(), sameOptions) &&
		slices.Equal(a.Attachments, b.Attachments)
}

func attachmentName(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}
	if base := path.Base(parsed.Path); base != "" && base != "/" && base != "." {
		return base
	}
	return parsed.Host
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
