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
	SessionBatchSize    = 50
	SessionBatchTimeout = 2 * time.Second
	SessionPollTimeout  = 1 * time.Second
)

// SessionWorker drains finalized sessions from the Redis queue into
// Postgres. Runs happen in memory; this is the only writer of terminal
// session state.
type SessionWorker struct {
	sessionRepo *repository.SessionRepository
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewSessionWorker creates a new SessionWorker.
func NewSessionWorker(sessionRepo *repository.SessionRepository, rdb *redis.Client, log zerolog.Logger) *SessionWorker {
	return &SessionWorker{
		sessionRepo: sessionRepo,
		rdb:         rdb,
		log:         log.With().Str("component", "session_worker").Logger(),
	}
}

type sessionPayload struct {
	SessionID string                   `json:"session_id"`
	Status    model.SessionStatus      `json:"status"`
	EndTime   time.Time                `json:"end_time"`
	Variables []model.VariableSnapshot `json:"variables"`
}

// Start runs the worker loop until the context is canceled. Items are
// flushed in batches; the final drain runs on a fresh context so shutdown
// does not drop sessions.
func (w *SessionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SessionWorker started")

	batch := make([]*sessionPayload, 0, SessionBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= SessionBatchSize || time.Since(lastFlush) >= SessionBatchTimeout) {

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
			item, err := w.rdb.BLPop(ctx, SessionPollTimeout, config.WorkerKey.PersistSessionsQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p sessionPayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

// flushSafe persists the batch one session at a time. Finalization touches
// a single row per session, so there is no bulk statement to fall back
// from; a failed item is requeued instead.
func (w *SessionWorker) flushSafe(ctx context.Context, batch []*sessionPayload) {
	for _, p := range batch {
		if err := w.persistSingle(ctx, p); err != nil {
			w.log.Error().Err(err).Str("session_id", p.SessionID).Msg("persist failed, requeueing")
			raw, _ := json.Marshal(p)
			w.rdb.RPush(ctx, config.WorkerKey.PersistSessionsQueue, raw)
		}
	}
}

func (w *SessionWorker) persistSingle(ctx context.Context, p *sessionPayload) error {
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		return err
	}
	return w.sessionRepo.Finalize(ctx, id, p.Status, p.EndTime, p.Variables)
}
