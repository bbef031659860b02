package handler

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/karierni-denik/internal/dto"
	"github.com/noah-isme/karierni-denik/internal/service"
	"github.com/noah-isme/karierni-denik/internal/submission"
	"github.com/noah-isme/karierni-denik/internal/utils"
	"github.com/noah-isme/karierni-denik/pkg/taskapi"
)

// TaskSessionHandler exposes a student's working session of a task.
type TaskSessionHandler struct {
	service   service.TaskSessionService
	validator *validator.Validate
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewTaskSessionHandler builds a task session handler.
func NewTaskSessionHandler(service service.TaskSessionService, validator *validator.Validate, logger zerolog.Logger, keepAlive time.Duration) *TaskSessionHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &TaskSessionHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "task_session_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the task session routes.
func (h *TaskSessionHandler) Register(router fiber.Router) {
	router.Use("/:taskID/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/:taskID", h.open)
	router.Put("/:taskID/answers", h.setAnswer)
	router.Post("/:taskID/attachments", h.addAttachment)
	router.Delete("/:taskID/attachments/:index", h.removeAttachment)
	router.Post("/:taskID/submit", h.submit)
	router.Delete("/:taskID/submit", h.unsubmit)
	router.Get("/:taskID/score", h.score)
	router.Get("/:taskID/events", h.events)
	router.Get("/:taskID/stream", h.stream)
	router.Delete("/:taskID/session", h.close)
	router.Get("/:taskID/ws", websocket.New(h.handleConnection))
}

func (h *TaskSessionHandler) open(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	session, err := h.service.Open(requestContext(c), viewer, c.Params("taskID"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "task session", session)
}

func (h *TaskSessionHandler) setAnswer(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.SetAnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	session, err := h.service.SetAnswer(requestContext(c), viewer, c.Params("taskID"), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "answer recorded", session)
}

func (h *TaskSessionHandler) addAttachment(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.AttachmentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	session, err := h.service.AddAttachment(requestContext(c), viewer, c.Params("taskID"), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "attachment added", session)
}

func (h *TaskSessionHandler) removeAttachment(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attachment index")
	}

	session, err := h.service.RemoveAttachment(requestContext(c), viewer, c.Params("taskID"), index)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "attachment removed", session)
}

func (h *TaskSessionHandler) submit(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	session, err := h.service.Submit(requestContext(c), viewer, c.Params("taskID"))
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("student_id", viewer.StudentID).
		Str("task_id", c.Params("taskID")).
		Msg("task submitted")

	return utils.SendSuccess(c, "task submitted", session)
}

func (h *TaskSessionHandler) unsubmit(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	session, err := h.service.Unsubmit(requestContext(c), viewer, c.Params("taskID"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission withdrawn", session)
}

func (h *TaskSessionHandler) score(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	score, err := h.service.Preview(requestContext(c), viewer, c.Params("taskID"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "score preview", score)
}

func (h *TaskSessionHandler) events(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var query dto.SubmissionEventQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	page, err := h.service.Events(requestContext(c), viewer, c.Params("taskID"), query)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.OK(c, page.Items, "submission history", fiber.Map{
		"page":      page.Page,
		"page_size": page.PageSize,
		"total":     page.Total,
	})
}

func (h *TaskSessionHandler) close(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	if err := h.service.Close(requestContext(c), viewer, c.Params("taskID")); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "task session closed", nil)
}

// stream pushes session events as server-sent events for clients without
// websocket support.
func (h *TaskSessionHandler) stream(c *fiber.Ctx) error {
	viewer, ok := viewerFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	ctx, cancel := context.WithCancel(requestContext(c))
	events, cleanup, err := h.service.Subscribe(ctx, viewer, c.Params("taskID"))
	if err != nil {
		cancel()
		return h.handleError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	keepAlive := h.keepAlive
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		ticker := time.NewTicker(keepAlive / 2)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := writeSessionEvent(w, event); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write session event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write session keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *TaskSessionHandler) handleConnection(conn *websocket.Conn) {
	viewer, ok := websocketViewer(conn)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user not authenticated"))
		_ = conn.Close()
		return
	}

	taskID := conn.Params("taskID")
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	events, cleanup, err := h.service.Subscribe(ctx, viewer, taskID)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error()))
		_ = conn.Close()
		return
	}
	defer cleanup()

	session, err := h.service.Get(ctx, viewer, taskID)
	if err == nil {
		_ = conn.WriteJSON(dto.SessionEvent{
			Type:       dto.SessionEventSaveState,
			StudentID:  viewer.StudentID,
			TaskID:     taskID,
			SaveState:  session.SaveState,
			Status:     session.Status,
			Revision:   session.Revision,
			OccurredAt: time.Now().UTC(),
		})
	}

	// The client never sends anything meaningful; reading detects disconnects.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	// The connection is recycled once this handler returns, so the reader must be
	// gone by then.
	defer func() {
		_ = conn.Close()
		<-readerDone
	}()

	h.logger.Info().Uint("student_id", viewer.StudentID).Str("task_id", taskID).Msg("save state stream connected")
	defer h.logger.Info().Uint("student_id", viewer.StudentID).Str("task_id", taskID).Msg("save state stream disconnected")

	ticker := time.NewTicker(h.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *TaskSessionHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrors):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(validationErrors))
	case errors.Is(err, service.ErrViewerRequired):
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	case errors.Is(err, service.ErrInvalidTaskID),
		errors.Is(err, submission.ErrUnknownQuestion),
		errors.Is(err, submission.ErrUnknownOption),
		errors.Is(err, submission.ErrInvalidAttachment):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, submission.ErrLocked), errors.Is(err, submission.ErrNotSubmitted):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, submission.ErrNoAttachments),
		errors.Is(err, submission.ErrNotClassic),
		errors.Is(err, submission.ErrAttachmentIndex):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, service.ErrSessionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrTaskAccessDenied), errors.Is(err, taskapi.ErrUnauthorized):
		return utils.SendError(c, fiber.StatusForbidden, "task access denied")
	case errors.Is(err, submission.ErrPersistence), errors.Is(err, service.ErrTaskAPIUnavailable):
		requestLogger(h.logger, c).Warn().Err(err).Msg("task api call failed")
		return utils.SendError(c, fiber.StatusBadGateway, "task service unavailable")
	case errors.Is(err, service.ErrServiceClosed):
		return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return utils.SendError(c, fiber.StatusGatewayTimeout, "task service timed out")
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
