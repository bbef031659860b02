package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/karierni-denik/internal/config"
	"github.com/noah-isme/karierni-denik/internal/database"
	"github.com/noah-isme/karierni-denik/internal/handler"
	applogger "github.com/noah-isme/karierni-denik/internal/logger"
	"github.com/noah-isme/karierni-denik/internal/middleware"
	"github.com/noah-isme/karierni-denik/internal/models"
	"github.com/noah-isme/karierni-denik/internal/repository"
	"github.com/noah-isme/karierni-denik/internal/router"
	"github.com/noah-isme/karierni-denik/internal/service"
	"github.com/noah-isme/karierni-denik/pkg/taskapi"
)

func main() {
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := applogger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := db.AutoMigrate(&models.SubmissionEvent{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(rootCtx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis url not configured, draft journal disabled")
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	if natsConn != nil {
		defer closeNATS(natsConn)
	}

	taskClient, err := taskapi.New(taskapi.Config{
		BaseURL: cfg.TaskAPIBaseURL,
		Timeout: cfg.TaskAPITimeout,
		Logger:  logger,

		CorrelationID: middleware.CorrelationIDFromContext,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create task api client")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	eventRepo := repository.NewSubmissionEventRepository(db)
	journal := service.NewDraftJournal(redisClient, cfg.DraftJournalTTL)
	bus := service.NewSessionEventBus(redisClient, natsConn, cfg.EventChannel, logger)

	sessionService := service.NewTaskSessionService(taskClient, eventRepo, journal, bus, validate, service.TaskSessionConfig{
		AutosaveDelay:   cfg.AutosaveDelay,
		AutosaveTimeout: cfg.AutosaveTimeout,
		IdleTTL:         cfg.SessionIdleTTL,
	}, logger)
	sessionService.Start(rootCtx)

	sessionHandler := handler.NewTaskSessionHandler(sessionService, validate, logger, cfg.StreamKeepAlive)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		TaskSessionHandler: sessionHandler,
		JWTMiddleware:      middleware.JWTProtected(cfg.JWTSecret),
		RateLimiter:        middleware.TaskRateLimit(middleware.StudentTasksPath, cfg.RateLimitMax, cfg.RateLimitWindow),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, sessionService, cfg.AutosaveTimeout, logger)
}

// waitForShutdown stops accepting requests first, then flushes every open task
// session so pending drafts reach the Task API.
func waitForShutdown(app *fiber.App, sessions service.TaskSessionService, flushTimeout time.Duration, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout+5*time.Second)
	defer cancelFlush()

	if err := sessions.Shutdown(flushCtx); err != nil {
		logger.Error().Err(err).Msg("failed to flush task sessions")
	}

	logger.Info().Msg("server stopped")
}

func closeNATS(conn *nats.Conn) {
	if err := conn.Drain(); err != nil {
		conn.Close()
	}
}
