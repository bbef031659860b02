package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/karierni-denik/internal/middleware"
	"github.com/noah-isme/karierni-denik/internal/models"
	"github.com/noah-isme/karierni-denik/internal/repository"
	"github.com/noah-isme/karierni-denik/internal/submission"
	"github.com/noah-isme/karierni-denik/pkg/taskapi"
)

type fakeTaskAPI struct {
	mu           sync.Mutex
	tasks        map[string]taskapi.TaskDetail
	getCalls     int
	saves        []taskapi.SubmissionUpdate
	tokens       []string
	correlations []string
	deletes      int
	saveErr      error
	deleteErr    error
	stampedAt    time.Time

	// When getGate is set GetTask signals getEntered and waits for the gate to close.
	getGate    chan struct{}
	getEntered chan struct{}
}

func newFakeTaskAPI() *fakeTaskAPI {
	return &fakeTaskAPI{
		tasks:     make(map[string]taskapi.TaskDetail),
		stampedAt: time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
	}
}

func (f *fakeTaskAPI) GetTask(ctx context.Context, token, taskID string) (taskapi.TaskDetail, error) {
	f.mu.Lock()
	f.getCalls++
	gate, entered := f.getGate, f.getEntered
	detail, ok := f.tasks[taskID]
	f.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
		if err := ctx.Err(); err != nil {
			return taskapi.TaskDetail{}, err
		}
	}
	if !ok {
		return taskapi.TaskDetail{}, &taskapi.APIError{Status: 404, Message: "task not found"}
	}
	return detail, nil
}

func (f *fakeTaskAPI) SaveSubmission(ctx context.Context, token, taskID string, update taskapi.SubmissionUpdate) (taskapi.SubmissionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, update)
	f.tokens = append(f.tokens, token)
	f.correlations = append(f.correlations, middleware.CorrelationIDFromContext(ctx))
	if f.saveErr != nil {
		return taskapi.SubmissionReceipt{}, f.saveErr
	}
	receipt := taskapi.SubmissionReceipt{Status: update.Status}
	if update.Status == models.SubmissionStatusSubmitted {
		stamped := f.stampedAt
		receipt.SubmittedAt = &stamped
	}
	return receipt, nil
}

func (f *fakeTaskAPI) DeleteSubmission(ctx context.Context, token, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakeTaskAPI) Saves() []taskapi.SubmissionUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]taskapi.SubmissionUpdate(nil), f.saves...)
}

func (f *fakeTaskAPI) Correlations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.correlations...)
}

func (f *fakeTaskAPI) SetSaveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func (f *fakeTaskAPI) GetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

type stepTimer struct {
	clock *stepClock
	fn    func()
	done  bool
}

func (t *stepTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.done
	t.done = true
	return active
}

// stepClock fires autosave windows only when Fire is called.
type stepClock struct {
	mu     sync.Mutex
	timers []*stepTimer
}

func (c *stepClock) AfterFunc(_ time.Duration, fn func()) submission.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &stepTimer{clock: c, fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *stepClock) Fire() {
	c.mu.Lock()
	var due []*stepTimer
	for _, timer := range c.timers {
		if !timer.done {
			timer.done = true
			due = append(due, timer)
		}
	}
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

type sessionFixture struct {
	service *taskSessionService
	api     *fakeTaskAPI
	clock   *stepClock
	journal DraftJournal
	events  repository.SubmissionEventRepository
	bus     SessionEventBus
	redis   *redis.Client
	mini    *miniredis.Miniredis
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.SubmissionEvent{}))

	api := newFakeTaskAPI()
	api.tasks["essay"] = taskapi.TaskDetail{Task: models.Task{ID: "essay", Title: "Essay", Kind: models.TaskKindClassic}}
	api.tasks["test"] = taskapi.TaskDetail{Task: gradedTask()}

	clock := &stepClock{}
	journal := NewDraftJournal(redisClient, time.Hour)
	events := repository.NewSubmissionEventRepository(db)
	bus := NewSessionEventBus(nil, nil, "", zerolog.Nop())

	svc := NewTaskSessionService(api, events, journal, bus, validator.New(validator.WithRequiredStructEnabled()), TaskSessionConfig{
		AutosaveDelay: time.Second,
		IdleTTL:       time.Minute,
		AfterFunc:     clock.AfterFunc,
	}, zerolog.Nop())

	service := svc.(*taskSessionService)
	t.Cleanup(func() { _ = service.Shutdown(context.Background()) })

	return &sessionFixture{
		service: service,
		api:     api,
		clock:   clock,
		journal: journal,
		events:  events,
		bus:     bus,
		redis:   redisClient,
		mini:    mini,
	}
}

func (f *sessionFixture) history(t *testing.T, studentID uint, taskID string) []models.SubmissionEvent {
	t.Helper()
	events, _, err := f.events.List(context.Background(), repository.SubmissionEventFilter{StudentID: studentID, TaskID: taskID})
	require.NoError(t, err)
	return events
}

func gradedTask() models.Task {
	return models.Task{
		ID:   "test",
		Kind: models.TaskKindTest,
		Questions: []models.Question{
			{
				ID:     "q1",
				Points: 10,
				Options: []models.Option{
					{ID: "A1", Correct: true},
					{ID: "A2"},
				},
			},
			{
				ID:       "q2",
				Points:   10,
				Multiple: true,
				Options: []models.Option{
					{ID: "B1", Correct: true},
					{ID: "B2"},
				},
			},
		},
	}
}

var student = Viewer{StudentID: 7, Token: "token-1"}
