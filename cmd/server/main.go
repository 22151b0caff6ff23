package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/config"
	"github.com/cognilab/stimflow/internal/database"
	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/handler"
	"github.com/cognilab/stimflow/internal/logger"
	"github.com/cognilab/stimflow/internal/repository"
	"github.com/cognilab/stimflow/internal/router"
	"github.com/cognilab/stimflow/internal/service"
	"github.com/cognilab/stimflow/internal/validator"
	"github.com/cognilab/stimflow/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting Stimflow Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	operatorRepo := repository.NewOperatorRepository(pool)
	questionnaireRepo := repository.NewQuestionnaireRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	operatorService := service.NewOperatorService(operatorRepo, authService)
	questionnaireService := service.NewQuestionnaireService(questionnaireRepo, rdb, log)
	mediaService := service.NewMediaService(cfg)

	// Stimulus assets live under the upload dir; every run preloads from it.
	resourceManager := resource.New(cfg.UploadDir, log)
	runService := service.NewRunService(cfg, questionnaireService, sessionRepo, authService, rdb, resourceManager, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:          handler.NewAuthHandler(authService, operatorService, runService),
		Questionnaire: handler.NewQuestionnaireHandler(questionnaireService, runService),
		Media:         handler.NewMediaHandler(mediaService),
		WS:            handler.NewWSHandler(runService, log, cfg.AllowedOrigins),
		Monitor:       handler.NewMonitorHandler(rdb, questionnaireService, runService, log),
		System:        handler.NewSystemHandler(rdb, runService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	sessionWorker := worker.NewSessionWorker(sessionRepo, rdb, log)
	responseWorker := worker.NewResponseWorker(sessionRepo, rdb, log)

	go sessionWorker.Start(workerCtx)
	go responseWorker.Start(workerCtx)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Abandon live runs so their sessions reach the persistence queues.
	runService.Shutdown()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	time.Sleep(2 * time.Second) // Allow workers to drain.

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
