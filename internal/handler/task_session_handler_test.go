package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/karierni-denik/internal/config"
	"github.com/noah-isme/karierni-denik/internal/handler"
	"github.com/noah-isme/karierni-denik/internal/middleware"
	"github.com/noah-isme/karierni-denik/internal/models"
	"github.com/noah-isme/karierni-denik/internal/repository"
	"github.com/noah-isme/karierni-denik/internal/router"
	"github.com/noah-isme/karierni-denik/internal/service"
	"github.com/noah-isme/karierni-denik/pkg/taskapi"
)

type stubTaskAPI struct {
	mu     sync.Mutex
	tasks  map[string]taskapi.TaskDetail
	saves  []taskapi.SubmissionUpdate
	tokens []string
}

func (s *stubTaskAPI) GetTask(_ context.Context, token, taskID string) (taskapi.TaskDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	detail, ok := s.tasks[taskID]
	if !ok {
		return taskapi.TaskDetail{}, &taskapi.APIError{Status: http.StatusNotFound}
	}
	return detail, nil
}

func (s *stubTaskAPI) SaveSubmission(_ context.Context, token, _ string, update taskapi.SubmissionUpdate) (taskapi.SubmissionReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, update)
	s.tokens = append(s.tokens, token)
	receipt := taskapi.SubmissionReceipt{Status: update.Status}
	if update.Status == models.SubmissionStatusSubmitted {
		at := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
		receipt.SubmittedAt = &at
	}
	return receipt, nil
}

func (s *stubTaskAPI) DeleteSubmission(context.Context, string, string) error {
	return nil
}

func (s *stubTaskAPI) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func quizTask() models.Task {
	return models.Task{
		ID:    "quiz",
		Title: "Career quiz",
		Kind:  models.TaskKindTest,
		Questions: []models.Question{
			{
				ID:     "q1",
				Prompt: "Pick one",
				Points: 10,
				Options: []models.Option{
					{ID: "A1", Label: "Right", Correct: true},
					{ID: "A2", Label: "Wrong"},
				},
			},
			{
				ID:     "q2",
				Prompt: "Pick another",
				Points: 10,
				Options: []models.Option{
					{ID: "B1", Label: "Right", Correct: true},
					{ID: "B2", Label: "Wrong"},
				},
			},
		},
	}
}

type sessionApp struct {
	app     *fiber.App
	api     *stubTaskAPI
	service service.TaskSessionService
}

func setupTaskSessionApp(t *testing.T) sessionApp {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.SubmissionEvent{}))

	api := &stubTaskAPI{tasks: map[string]taskapi.TaskDetail{
		"essay": {Task: models.Task{ID: "essay", Title: "Motivation letter", Kind: models.TaskKindClassic}},
		"quiz":  {Task: quizTask()},
	}}

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)
	bus := service.NewSessionEventBus(nil, nil, "", logger)

	sessions := service.NewTaskSessionService(api, repository.NewSubmissionEventRepository(db), service.NewDraftJournal(nil, 0), bus, validate, service.TaskSessionConfig{
		AutosaveDelay: time.Hour,
		IdleTTL:       time.Hour,
	}, logger)
	t.Cleanup(func() { _ = sessions.Shutdown(context.Background()) })

	app := fiber.New()
	app.Use(middleware.CorrelationID())
	router.Register(app, config.Config{AppName: "Test", JWTSecret: "secret"}, router.Dependencies{
		TaskSessionHandler: handler.NewTaskSessionHandler(sessions, validate, logger, time.Second),
		JWTMiddleware: func(c *fiber.Ctx) error {
			c.Locals("user_id", uint(7))
			c.Locals("user_role", "student")
			c.Locals(middleware.AccessTokenKey, "student-token")
			return c.Next()
		},
	})

	return sessionApp{app: app, api: api, service: sessions}
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Meta    map[string]any    `json:"meta"`
	Details map[string]string `json:"details"`
}

type sessionPayload struct {
	Status      string              `json:"status"`
	SubmittedAt *time.Time          `json:"submitted_at"`
	Editable    bool                `json:"editable"`
	Revision    int                 `json:"revision"`
	Answers     map[string][]string `json:"answers"`
	Attachments []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
		Kind string `json:"kind"`
	} `json:"attachments"`
	Score struct {
		Style   string `json:"style"`
		Percent int    `json:"percent"`
	} `json:"score"`
}

func doRequest(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func decodeSession(t *testing.T, payload envelope) sessionPayload {
	t.Helper()
	var session sessionPayload
	require.NoError(t, json.Unmarshal(payload.Data, &session))
	return session
}

func TestTaskSessionHandlerOpenHidesAnswerKey(t *testing.T) {
	env := setupTaskSessionApp(t)

	resp, payload := doRequest(t, env.app, http.MethodGet, "/api/v2/student/tasks/quiz", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, payload.Success)

	var view struct {
		Task struct {
			Questions []struct {
				Options []map[string]any `json:"options"`
			} `json:"questions"`
		} `json:"task"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &view))
	require.Len(t, view.Task.Questions, 2)
	require.Equal(t, map[string]any{"id": "A1", "label": "Right"}, view.Task.Questions[0].Options[0])

	session := decodeSession(t, payload)
	require.Equal(t, "none", session.Status)
	require.True(t, session.Editable)
	require.Equal(t, "graded", session.Score.Style)
	require.Equal(t, []string{"student-token"}, env.api.Tokens())

	resp, _ = doRequest(t, env.app, http.MethodGet, "/api/v2/student/tasks/missing", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestTaskSessionHandlerAnswers(t *testing.T) {
	env := setupTaskSessionApp(t)

	resp, payload := doRequest(t, env.app, http.MethodPut, "/api/v2/student/tasks/quiz/answers", map[string]string{
		"question_id": "q1",
		"option_id":   "A1",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	session := decodeSession(t, payload)
	require.Equal(t, "draft", session.Status)
	require.Equal(t, 1, session.Revision)
	require.Equal(t, []string{"A1"}, session.Answers["q1"])
	require.Equal(t, 50, session.Score.Percent)

	resp, payload = doRequest(t, env.app, http.MethodPut, "/api/v2/student/tasks/quiz/answers", map[string]string{
		"question_id": "q1",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "required", payload.Details["OptionID"])

	resp, _ = doRequest(t, env.app, http.MethodPut, "/api/v2/student/tasks/quiz/answers", map[string]string{
		"question_id": "q1",
		"option_id":   "Z9",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, payload = doRequest(t, env.app, http.MethodGet, "/api/v2/student/tasks/quiz/score", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var score struct {
		Percent int     `json:"percent"`
		Earned  float64 `json:"earned"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &score))
	require.Equal(t, 50, score.Percent)
	require.Equal(t, 10.0, score.Earned)

	resp, _ = doRequest(t, env.app, http.MethodPost, "/api/v2/student/tasks/quiz/attachments", map[string]string{
		"url":  "https://example.com/file.pdf",
		"kind": "link",
	})
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestTaskSessionHandlerClassicLifecycle(t *testing.T) {
	env := setupTaskSessionApp(t)
	base := "/api/v2/student/tasks/essay"

	resp, _ := doRequest(t, env.app, http.MethodPost, base+"/submit", nil)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	resp, payload := doRequest(t, env.app, http.MethodPost, base+"/attachments", map[string]string{
		"url":  "https://drive.example.com/letter.docx",
		"kind": "cloud-drive",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	session := decodeSession(t, payload)
	require.Len(t, session.Attachments, 1)
	require.Equal(t, "letter.docx", session.Attachments[0].Name)

	resp, _ = doRequest(t, env.app, http.MethodPost, base+"/attachments", map[string]string{
		"url":  "not a url",
		"kind": "link",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, env.app, http.MethodDelete, base+"/attachments/x", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	resp, _ = doRequest(t, env.app, http.MethodDelete, base+"/attachments/3", nil)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	resp, payload = doRequest(t, env.app, http.MethodPost, base+"/submit", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	session = decodeSession(t, payload)
	require.Equal(t, "submitted", session.Status)
	require.False(t, session.Editable)
	require.NotNil(t, session.SubmittedAt)

	resp, _ = doRequest(t, env.app, http.MethodPost, base+"/attachments", map[string]string{
		"url":  "https://example.com/late.pdf",
		"kind": "file",
	})
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, payload = doRequest(t, env.app, http.MethodDelete, base+"/submit", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "draft", decodeSession(t, payload).Status)

	resp, _ = doRequest(t, env.app, http.MethodDelete, base+"/submit", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, payload = doRequest(t, env.app, http.MethodGet, base+"/events?page_size=1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), payload.Meta["total"])
	var items []struct {
		Action string `json:"action"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &items))
	require.Len(t, items, 1)
	require.Equal(t, "unsubmitted", items[0].Action)

	resp, _ = doRequest(t, env.app, http.MethodGet, base+"/events?action=bogus", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestTaskSessionHandlerCloseFlushesDraft(t *testing.T) {
	env := setupTaskSessionApp(t)

	resp, _ := doRequest(t, env.app, http.MethodPut, "/api/v2/student/tasks/quiz/answers", map[string]string{
		"question_id": "q2",
		"option_id":   "B1",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, env.app, http.MethodDelete, "/api/v2/student/tasks/quiz/session", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	env.api.mu.Lock()
	saves := append([]taskapi.SubmissionUpdate(nil), env.api.saves...)
	env.api.mu.Unlock()
	require.Len(t, saves, 1)
	require.Equal(t, models.SubmissionStatusDraft, saves[0].Status)

	resp, _ = doRequest(t, env.app, http.MethodDelete, "/api/v2/student/tasks/quiz/session", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestTaskSessionHandlerRequiresStudent(t *testing.T) {
	app := fiber.New()
	sessions := service.NewTaskSessionService(&stubTaskAPI{}, nil, nil, nil, validator.New(), service.TaskSessionConfig{}, zerolog.Nop())
	router.Register(app, config.Config{AppName: "Test"}, router.Dependencies{
		TaskSessionHandler: handler.NewTaskSessionHandler(sessions, validator.New(), zerolog.Nop(), time.Second),
		JWTMiddleware: func(c *fiber.Ctx) error {
			c.Locals("user_role", "student")
			return c.Next()
		},
	})

	resp, _ := doRequest(t, app, http.MethodGet, "/api/v2/student/tasks/quiz", nil)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", AppEnv: "test", RedisURL: "redis://localhost:6379"}, router.Dependencies{})

	resp, payload := doRequest(t, app, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "Test", resp.Header.Get("X-Application"))

	var health handler.HealthResponse
	require.NoError(t, json.Unmarshal(payload.Data, &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "shared", health.Journal)
}
