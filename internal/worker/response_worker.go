package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/config"
	"github.com/cognilab/stimflow/internal/model"
	"github.com/cognilab/stimflow/internal/repository"
)

const (
	ResponseBatchSize    = 50
	ResponseBatchTimeout = 2 * time.Second
	ResponsePollTimeout  = 1 * time.Second
)

// ResponseWorker drains finalized response sets from the Redis queue into
// Postgres. Each queue item carries every response of one session, inserted
// with a single UNNEST statement.
type ResponseWorker struct {
	sessionRepo *repository.SessionRepository
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewResponseWorker creates a new ResponseWorker.
func NewResponseWorker(sessionRepo *repository.SessionRepository, rdb *redis.Client, log zerolog.Logger) *ResponseWorker {
	return &ResponseWorker{
		sessionRepo: sessionRepo,
		rdb:         rdb,
		log:         log.With().Str("component", "response_worker").Logger(),
	}
}

type responsePayload struct {
	SessionID string           `json:"session_id"`
	Responses []model.Response `json:"responses"`
}

// Start runs the worker loop until the context is canceled.
func (w *ResponseWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResponseWorker started")

	batch := make([]*responsePayload, 0, ResponseBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= ResponseBatchSize || time.Since(lastFlush) >= ResponseBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, ResponsePollTimeout, config.WorkerKey.PersistResponsesQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p responsePayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

// flushSafe bulk-inserts each session's responses; on failure it retries
// row by row and requeues only what could not be written.
func (w *ResponseWorker) flushSafe(ctx context.Context, batch []*responsePayload) {
	for _, p := range batch {
		sessionID, err := uuid.Parse(p.SessionID)
		if err != nil {
			w.log.Error().Err(err).Str("session_id", p.SessionID).Msg("Invalid session id in payload")
			continue
		}

		if err := w.sessionRepo.BulkInsertResponses(ctx, sessionID, p.Responses); err == nil {
			continue
		} else {
			w.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("bulk insert failed, using fallback")
		}

		var failed []model.Response
		for _, resp := range p.Responses {
			if err := w.sessionRepo.InsertResponse(ctx, sessionID, resp); err != nil {
				w.log.Error().Err(err).Str("session_id", p.SessionID).Str("question_id", resp.QuestionID).Msg("insert failed")
				failed = append(failed, resp)
			}
		}

		if len(failed) > 0 {
			raw, _ := json.Marshal(responsePayload{SessionID: p.SessionID, Responses: failed})
			w.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, raw)
		}
	}
}
