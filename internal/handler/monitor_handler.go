package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/config"
	"github.com/cognilab/stimflow/internal/middleware"
	"github.com/cognilab/stimflow/internal/response"
	"github.com/cognilab/stimflow/internal/service"
)

const keepAliveInterval = 30 * time.Second

// MonitorHandler streams live run activity for a questionnaire to its
// author over SSE.
type MonitorHandler struct {
	rdb        *redis.Client
	qService   *service.QuestionnaireService
	runService *service.RunService
	log        zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	rdb *redis.Client,
	qService *service.QuestionnaireService,
	runService *service.RunService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:        rdb,
		qService:   qService,
		runService: runService,
		log:        log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorSSE godoc
// GET /api/v1/operator/questionnaires/:id/monitor
// Sends a snapshot of existing sessions, then forwards join/completion
// events published on the questionnaire's monitor channel.
func (h *MonitorHandler) MonitorSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	questionnaireID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	// Authorship check doubles as the existence check.
	sessions, err := h.runService.SessionSummaries(reqCtx, questionnaireID, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, questionnaireID, sessions)

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.RunMonitorChannel(questionnaireID.String()))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	h.log.Info().Str("questionnaire_id", questionnaireID.String()).Msg("Operator attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("questionnaire_id", questionnaireID.String()).Msg("Operator disconnected from live monitor SSE")
			return

		case msg := <-ch:
			// Forward raw JSON directly, no deserialization needed.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// sendSnapshot writes the initial state: every recorded session plus the
// count of runs live in memory right now.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, questionnaireID uuid.UUID, sessions any) {
	c.SSEvent("message", map[string]any{
		"type": "snapshot",
		"data": map[string]any{
			"questionnaire_id": questionnaireID.String(),
			"sessions":         sessions,
			"live_runs":        h.runService.LiveCount(),
		},
	})
	c.Writer.Flush()
}
