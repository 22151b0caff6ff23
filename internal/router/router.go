package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cognilab/stimflow/internal/config"
	"github.com/cognilab/stimflow/internal/handler"
	"github.com/cognilab/stimflow/internal/middleware"
	"github.com/cognilab/stimflow/internal/response"
	"github.com/cognilab/stimflow/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	Questionnaire *handler.QuestionnaireHandler
	Media         *handler.MediaHandler
	WS            *handler.WSHandler
	Monitor       *handler.MonitorHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	// Serve uploaded stimulus files statically with aggressive caching
	// (1 year). Filenames are UUIDs, so stale content is impossible.
	uploadsGroup := router.Group("/uploads")
	uploadsGroup.Use(middleware.CacheControl(31536000))
	{
		uploadsGroup.Static("/", cfg.UploadDir)
	}

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Rate limiter for auth and join routes (30 requests per minute per IP).
	authLimiter := middleware.NewRateLimiter(30, time.Minute)

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	auth.Use(authLimiter.Middleware())
	{
		auth.POST("/operator/login", handlers.Auth.OperatorLogin)
		auth.GET("/operator/me", middleware.RequireOperatorJWT(authService), handlers.Auth.GetOperatorProfile)
	}

	// ─── 2. Participant Group (Public Join + Run Stream) ───────────────
	runs := router.Group("/api/v1/runs")
	{
		runs.POST("/join", authLimiter.Middleware(), handlers.Auth.JoinRun)
	}

	// ─── 3. WebSocket Group (Participant WS Auth) ──────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireParticipantWSAuth(authService),
		middleware.CheckActiveRun(authService),
	)
	{
		ws.GET("/runs/stream", handlers.WS.RunStream)
	}

	// ─── 4. Operator Group (JWT) ───────────────────────────────────────
	operatorAPI := router.Group("/api/v1/operator")
	operatorAPI.Use(middleware.RequireOperatorJWT(authService))
	{
		// Media upload
		operatorAPI.POST("/media/upload", handlers.Media.UploadMedia)

		// Questionnaire authoring and lifecycle
		operatorAPI.GET("/questionnaires", handlers.Questionnaire.List)
		operatorAPI.POST("/questionnaires", handlers.Questionnaire.Create)
		operatorAPI.GET("/questionnaires/:id", handlers.Questionnaire.Get)
		operatorAPI.PUT("/questionnaires/:id", handlers.Questionnaire.Update)
		operatorAPI.DELETE("/questionnaires/:id", handlers.Questionnaire.Delete)
		operatorAPI.POST("/questionnaires/:id/publish", handlers.Questionnaire.Publish)
		operatorAPI.POST("/questionnaires/:id/archive", handlers.Questionnaire.Archive)

		// Results
		operatorAPI.GET("/questionnaires/:id/sessions", handlers.Questionnaire.ListSessions)
		operatorAPI.GET("/sessions/:id", handlers.Questionnaire.GetSessionExport)

		// Live monitor (SSE)
		operatorAPI.GET("/questionnaires/:id/monitor", handlers.Monitor.MonitorSSE)

		// System metrics (SSE)
		operatorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
