// Package taskapi is the HTTP client of the remote Task API that owns tasks and
// persisted submissions.
package taskapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/karierni-denik/internal/models"
)

//go:embed schema/task_detail.schema.json
var taskDetailSchema string

const taskDetailSchemaURL = "task_detail.schema.json"

var (
	// ErrNotFound is matched by an *APIError carrying status 404.
	ErrNotFound = errors.New("task api: not found")
	// ErrUnauthorized is matched by an *APIError carrying status 401 or 403.
	ErrUnauthorized = errors.New("task api: unauthorized")
	// ErrInvalidPayload indicates a response that does not match the task detail schema.
	ErrInvalidPayload = errors.New("task api: invalid payload")
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "denik",
		Subsystem: "taskapi",
		Name:      "request_duration_seconds",
		Help:      "Duration of Task API requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	requestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "denik",
		Subsystem: "taskapi",
		Name:      "request_failures_total",
		Help:      "Number of failed Task API requests",
	}, []string{"operation"})
)

// APIError is returned for every non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task api responded with status %d", e.Status)
	}
	return fmt.Sprintf("task api responded with status %d: %s", e.Status, e.Message)
}

// Is lets callers match status classes with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == fiber.StatusNotFound
	case ErrUnauthorized:
		return e.Status == fiber.StatusUnauthorized || e.Status == fiber.StatusForbidden
	default:
		return false
	}
}

// TaskDetail is a task together with the caller's persisted submission, if any.
type TaskDetail struct {
	Task       models.Task
	Submission *models.Submission
}

// SubmissionUpdate is the working state sent on every save. A nil Attachments slice
// omits the attachment list and a nil Answers map omits the answers; empty ones are
// sent as empty collections.
type SubmissionUpdate struct {
	Answers     models.AnswerMap
	Attachments []models.Attachment
	Status      models.SubmissionStatus
}

// SubmissionReceipt is the server acknowledgement of a save.
type SubmissionReceipt struct {
	Status      models.SubmissionStatus
	SubmittedAt *time.Time
}

// HeaderCorrelationID carries the gateway's correlation id to the Task API.
const HeaderCorrelationID = "X-Correlation-ID"

// Config configures the Task API client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  zerolog.Logger
	// CorrelationID extracts the correlation id forwarded with each call.
	CorrelationID func(context.Context) string
}

// Client talks to the Task API on behalf of an authenticated student. Every call
// forwards the student's bearer token.
type Client struct {
	baseURL string
	timeout time.Duration
	schema  *jsonschema.Schema
	tracer  trace.Tracer
	logger  zerolog.Logger

	correlationID func(context.Context) string
}

// New builds a client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("task api base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid task api base url: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(taskDetailSchemaURL, strings.NewReader(taskDetailSchema)); err != nil {
		return nil, fmt.Errorf("load task detail schema: %w", err)
	}
	schema, err := compiler.Compile(taskDetailSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile task detail schema: %w", err)
	}

	return &Client{
		baseURL: base,
		timeout: cfg.Timeout,
		schema:  schema,
		tracer:  otel.Tracer("github.com/noah-isme/karierni-denik/pkg/taskapi"),
		logger:  cfg.Logger.With().Str("component", "taskapi_client").Logger(),

		correlationID: cfg.CorrelationID,
	}, nil
}

// GetTask loads the task and the caller's persisted submission.
func (c *Client) GetTask(ctx context.Context, token, taskID string) (TaskDetail, error) {
	ctx, span := c.tracer.Start(ctx, "taskapi.get_task", trace.WithAttributes(
		attribute.String("task.id", taskID),
	))
	defer span.End()

	_, body, err := c.do(ctx, "get_task", fiber.Get(c.taskURL(taskID)), token)
	if err != nil {
		recordError(span, err)
		return TaskDetail{}, err
	}

	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		recordError(span, err)
		return TaskDetail{}, err
	}
	if err := c.schema.Validate(raw); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		recordError(span, err)
		return TaskDetail{}, err
	}

	var detail wireDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		recordError(span, err)
		return TaskDetail{}, err
	}

	return detail.toDetail(), nil
}

// SaveSubmission persists the working state with the given status.
func (c *Client) SaveSubmission(ctx context.Context, token, taskID string, update SubmissionUpdate) (SubmissionReceipt, error) {
	ctx, span := c.tracer.Start(ctx, "taskapi.save_submission", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("submission.status", string(update.Status)),
	))
	defer span.End()

	payload := updateBody{Status: string(update.Status)}
	if update.Answers != nil {
		answers := map[string][]string(update.Answers.Normalize())
		payload.Answers = &answers
	}
	if update.Attachments != nil {
		attachments := fromAttachments(update.Attachments)
		payload.SubmittedAttachments = &attachments
	}

	agent := fiber.Post(c.submissionURL(taskID)).JSON(payload)
	_, body, err := c.do(ctx, "save_submission", agent, token)
	if err != nil {
		recordError(span, err)
		return SubmissionReceipt{}, err
	}

	receipt := SubmissionReceipt{Status: update.Status}
	if len(strings.TrimSpace(string(body))) == 0 {
		return receipt, nil
	}

	var decoded wireReceipt
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("ignoring undecodable submission receipt")
		return receipt, nil
	}
	if decoded.Status != "" {
		receipt.Status = models.SubmissionStatus(decoded.Status)
	}
	receipt.SubmittedAt = decoded.SubmittedAt

	return receipt, nil
}

// DeleteSubmission removes the persisted submission. A submission that is already
// gone counts as deleted.
func (c *Client) DeleteSubmission(ctx context.Context, token, taskID string) error {
	ctx, span := c.tracer.Start(ctx, "taskapi.delete_submission", trace.WithAttributes(
		attribute.String("task.id", taskID),
	))
	defer span.End()

	_, _, err := c.do(ctx, "delete_submission", fiber.Delete(c.submissionURL(taskID)), token)
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug().Str("task_id", taskID).Msg("submission already deleted")
		return nil
	}
	if err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, operation string, agent *fiber.Agent, token string) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return 0, nil, err
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			fiber.ReleaseAgent(agent)
			return 0, nil, context.DeadlineExceeded
		}
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout > 0 {
		agent.Timeout(timeout)
	}

	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	if c.correlationID != nil {
		if id := c.correlationID(ctx); id != "" {
			agent.Set(HeaderCorrelationID, id)
		}
	}

	start := time.Now()
	status, body, errs := agent.Bytes()
	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if len(errs) > 0 {
		requestFailures.WithLabelValues(operation).Inc()
		return 0, nil, fmt.Errorf("task api %s: %w", operation, errors.Join(errs...))
	}
	if status < fiber.StatusOK || status >= fiber.StatusMultipleChoices {
		requestFailures.WithLabelValues(operation).Inc()
		return status, body, &APIError{Status: status, Message: errorMessage(body)}
	}

	return status, body, nil
}

func (c *Client) taskURL(taskID string) string {
	return c.baseURL + "/tasks/" + url.PathEscape(taskID)
}

func (c *Client) submissionURL(taskID string) string {
	return c.taskURL(taskID) + "/submission"
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}

	message := strings.TrimSpace(string(body))
	if len(message) > 200 {
		message = message[:200]
	}
	return message
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
