package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/runtime"
	"github.com/cognilab/stimflow/internal/middleware"
	"github.com/cognilab/stimflow/internal/service"
	ws "github.com/cognilab/stimflow/internal/websocket"
)

const (
	defaultStreamWidth  = 1280
	defaultStreamHeight = 720
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a participant's run: frames out, responses in.
type WSHandler struct {
	runService *service.RunService
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(runService *service.RunService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		runService: runService,
		log:        log.With().Str("component", "ws_handler").Logger(),
		upgrader:   buildUpgrader(allowedOrigins),
	}
}

// RunStream godoc
// WS /ws/v1/runs/stream?token=...&width=...&height=...
// Upgrades to WebSocket, attaches a stream surface to the session's runtime
// and plays the questionnaire. Draw ops flow out once per frame; responses
// and run controls flow in.
func (h *WSHandler) RunStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	width := queryInt(c, "width", defaultStreamWidth)
	height := queryInt(c, "height", defaultStreamHeight)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("session_id", sessionID.String()).
		Str("participant_id", claims.ParticipantID).
		Logger()

	rt, bound, err := h.runService.Attach(c.Request.Context(), claims, ws.NewStreamSurface(width, height))
	if err != nil {
		var preloadErr *resource.PreloadError
		switch {
		case errors.Is(err, service.ErrRunHasSurface):
			ws.WriteError(conn, "run already has an attached stream")
		case errors.As(err, &preloadErr):
			wsLog.Error().Err(err).Msg("preload failed")
			ws.WriteError(conn, "stimulus preload failed")
		default:
			wsLog.Error().Err(err).Msg("attach failed")
			ws.WriteError(conn, "could not start run")
		}
		return
	}

	stream, ok := bound.(*ws.StreamSurface)
	if !ok {
		wsLog.Error().Msg("bound surface is not a stream surface")
		ws.WriteError(conn, "could not start run")
		return
	}

	wsLog.Info().Msg("Participant connected")

	// gorilla permits one concurrent writer; both loops go through writeMu.
	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteTyped(conn, v)
	}

	readerDone := make(chan struct{})
	go h.readLoop(conn, wsLog, rt, sessionID, write, readerDone)

	h.frameLoop(wsLog, rt, stream, sessionID, write, readerDone)
}

// readLoop consumes participant messages until the connection dies.
func (h *WSHandler) readLoop(
	conn *websocket.Conn,
	wsLog zerolog.Logger,
	rt *runtime.Runtime,
	sessionID uuid.UUID,
	write func(any) error,
	done chan<- struct{},
) {
	defer close(done)

	for {
		var raw json.RawMessage
		if err := ws.ReadJSON(conn, &raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			write(ws.ErrorResponse{Event: ws.EventError, Error: "malformed message"})
			continue
		}

		switch env.Action {
		case ws.ActionResponse:
			var msg ws.ResponseRequest
			if err := json.Unmarshal(raw, &msg); err != nil {
				write(ws.ErrorResponse{Event: ws.EventError, Error: "malformed response"})
				continue
			}
			if err := rt.Submit(msg.Value); err != nil {
				// Invalid or late input is reported but never fatal; the
				// response window logic already decided its fate.
				write(ws.ErrorResponse{Event: ws.EventError, Error: err.Error()})
			}

		case ws.ActionPause:
			rt.Pause()

		case ws.ActionResume:
			rt.Resume()

		case ws.ActionAbandon:
			if err := h.runService.Abandon(sessionID); err != nil {
				write(ws.ErrorResponse{Event: ws.EventError, Error: err.Error()})
			}

		case ws.ActionPing:
			write(ws.PongResponse{Event: ws.EventPong})

		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			write(ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(env.Action)})
		}
	}
}

// frameLoop drives rendering at the definition's frame rate and mirrors
// runtime state transitions to the client. It returns when the run reaches
// a terminal state or the connection drops.
func (h *WSHandler) frameLoop(
	wsLog zerolog.Logger,
	rt *runtime.Runtime,
	stream *ws.StreamSurface,
	sessionID uuid.UUID,
	write func(any) error,
	readerDone <-chan struct{},
) {
	ticker := time.NewTicker(rt.FrameInterval())
	defer ticker.Stop()

	lastState := runtime.StateIdle
	lastQuestion := ""

	for {
		select {
		case <-readerDone:
			// Client gone. Freeze the run and let the idle timer decide.
			if !rt.State().Terminal() {
				h.runService.Detach(sessionID)
			}
			return

		case <-ticker.C:
			if err := rt.RenderFrame(); err != nil {
				wsLog.Warn().Err(err).Msg("render frame")
			}

			if ops := stream.Drain(); len(ops) > 0 {
				if err := write(ws.DrawEvent{Event: ws.EventDraw, Ops: ops}); err != nil {
					wsLog.Debug().Err(err).Msg("frame write failed, detaching")
					if !rt.State().Terminal() {
						h.runService.Detach(sessionID)
					}
					return
				}
			}

			state := rt.State()
			if state != lastState {
				write(ws.PhaseEvent{Event: ws.EventPhase, State: string(state)})
				lastState = state
			}

			if state == runtime.StateCollecting {
				if q := rt.CurrentQuestion(); q != nil && q.ID != lastQuestion {
					write(ws.QuestionEvent{
						Event:        ws.EventQuestion,
						QuestionID:   q.ID,
						ResponseKind: string(q.ResponseType.Kind),
					})
					lastQuestion = q.ID
				}
			}

			if state.Terminal() {
				sess := rt.Session()
				if state == runtime.StateCompleted {
					write(ws.CompletedEvent{
						Event:     ws.EventCompleted,
						SessionID: sess.ID.String(),
						Responses: len(sess.Responses),
					})
				} else {
					write(ws.PhaseEvent{Event: ws.EventAbandoned, State: string(state)})
				}
				wsLog.Info().Str("state", string(state)).Msg("run stream finished")
				return
			}
		}
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > 7680 {
		return def
	}
	return v
}
