package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/config"
	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/runtime"
	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/model"
	"github.com/cognilab/stimflow/internal/repository"
	"github.com/cognilab/stimflow/internal/stats"
)

// Sentinel errors for run lifecycle operations.
var (
	ErrRunNotFound    = errors.New("no live run for session")
	ErrRunHasSurface  = errors.New("run already has an attached stream")
	ErrDefinitionGone = errors.New("questionnaire definition unavailable")
)

// JoinRunResult is returned to a participant who entered a valid code.
type JoinRunResult struct {
	Token           string         `json:"token"`
	SessionID       uuid.UUID      `json:"session_id"`
	QuestionnaireID uuid.UUID      `json:"questionnaire_id"`
	Title           string         `json:"title"`
	Settings        model.Settings `json:"settings"`
}

// MonitorEvent is published on the questionnaire's monitor channel so
// operator dashboards see joins and finishes in real time.
type MonitorEvent struct {
	Event         string    `json:"event"`
	SessionID     uuid.UUID `json:"session_id"`
	ParticipantID string    `json:"participant_id,omitempty"`
	Responses     int       `json:"responses,omitempty"`
	At            time.Time `json:"at"`
}

// liveRun is one in-memory playback. The runtime owns all timing; the
// service only tracks attachment and the idle-abandon timer.
type liveRun struct {
	rt              *runtime.Runtime
	surf            surface.Surface
	questionnaireID uuid.UUID
	participantID   string
	cancel          context.CancelFunc
	attached        bool
	idleTimer       *time.Timer
}

// RunService owns the registry of live runs. Sessions are created in
// Postgres at join time, played entirely in memory, and their results are
// queued to Redis for the persistence workers at finalization.
type RunService struct {
	cfg         *config.Config
	qSvc        *QuestionnaireService
	sessionRepo *repository.SessionRepository
	authSvc     *AuthService
	rdb         *redis.Client
	rm          *resource.Manager
	log         zerolog.Logger

	mu   sync.Mutex
	runs map[uuid.UUID]*liveRun
}

// NewRunService creates a new RunService.
func NewRunService(
	cfg *config.Config,
	qSvc *QuestionnaireService,
	sessionRepo *repository.SessionRepository,
	authSvc *AuthService,
	rdb *redis.Client,
	rm *resource.Manager,
	log zerolog.Logger,
) *RunService {
	return &RunService{
		cfg:         cfg,
		qSvc:        qSvc,
		sessionRepo: sessionRepo,
		authSvc:     authSvc,
		rdb:         rdb,
		rm:          rm,
		log:         log.With().Str("component", "run_service").Logger(),
		runs:        make(map[uuid.UUID]*liveRun),
	}
}

// Join resolves an entry code, creates the session row and mints the
// participant token. The token generation also takes the single-active-run
// lock, so a participant cannot hold two live runs at once.
func (s *RunService) Join(ctx context.Context, req *model.JoinRunRequest) (*JoinRunResult, error) {
	q, err := s.qSvc.ResolveEntryCode(ctx, req.EntryCode)
	if err != nil {
		return nil, err
	}

	participantID := req.ParticipantID
	if participantID == "" {
		// Anonymous participants still need a stable id for the active-run
		// lock and the exported data.
		participantID = "anon_" + uuid.New().String()[:8]
	}

	sessionID := uuid.New()
	session := &model.RunSession{
		ID:              sessionID,
		QuestionnaireID: q.ID,
		ParticipantID:   participantID,
		StartTime:       time.Now(),
		Status:          model.SessionStatusInProgress,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}

	token, err := s.authSvc.GenerateParticipantToken(ctx, participantID, q.ID.String(), sessionID.String())
	if err != nil {
		return nil, err
	}

	s.publishMonitor(ctx, q.ID, MonitorEvent{
		Event:         "joined",
		SessionID:     sessionID,
		ParticipantID: participantID,
		At:            time.Now(),
	})

	return &JoinRunResult{
		Token:           token,
		SessionID:       sessionID,
		QuestionnaireID: q.ID,
		Title:           q.Title,
		Settings:        q.Definition.Settings,
	}, nil
}

// Attach binds a render surface to the session's run, creating and starting
// the runtime on first attach. A reconnect within the idle window reuses the
// live runtime and its original surface, and resumes playback; the returned
// surface is the one actually bound.
func (s *RunService) Attach(ctx context.Context, claims *Claims, surf surface.Surface) (*runtime.Runtime, surface.Surface, error) {
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, nil, err
	}
	questionnaireID, err := uuid.Parse(claims.QuestionnaireID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if run, ok := s.runs[sessionID]; ok {
		if run.attached {
			s.mu.Unlock()
			return nil, nil, ErrRunHasSurface
		}
		run.attached = true
		if run.idleTimer != nil {
			run.idleTimer.Stop()
			run.idleTimer = nil
		}
		rt, bound := run.rt, run.surf
		s.mu.Unlock()
		rt.Resume()
		return rt, bound, nil
	}
	s.mu.Unlock()

	q, err := s.qSvc.cachedDefinition(ctx, questionnaireID)
	if err != nil {
		// Cache evicted between join and attach. The join path already
		// proved the questionnaire is published, so rebuild from Postgres.
		q, err = s.qSvc.repo.GetByID(ctx, questionnaireID)
		if err != nil {
			return nil, nil, ErrDefinitionGone
		}
	}

	def := q.Definition
	rt, err := runtime.New(&def, clock.System{}, surf, s.rm, s.log,
		runtime.WithSessionID(sessionID),
		runtime.WithSessionInfo(questionnaireID, claims.ParticipantID),
		runtime.WithFinishCallback(func(sess *model.RunSession) {
			s.finalize(sess)
		}),
	)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(runCtx); err != nil {
		cancel()
		return nil, nil, err
	}

	s.mu.Lock()
	s.runs[sessionID] = &liveRun{
		rt:              rt,
		surf:            surf,
		questionnaireID: questionnaireID,
		participantID:   claims.ParticipantID,
		cancel:          cancel,
		attached:        true,
	}
	s.mu.Unlock()

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("participant_id", claims.ParticipantID).
		Msg("run started")
	return rt, surf, nil
}

// Detach pauses the run and arms the idle-abandon timer. A participant who
// reconnects before it fires resumes where the pause semantics allow; one
// who does not is abandoned so the session still reaches a terminal state.
func (s *RunService) Detach(sessionID uuid.UUID) {
	s.mu.Lock()
	run, ok := s.runs[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	run.attached = false
	rt := run.rt
	run.idleTimer = time.AfterFunc(s.cfg.RunIdleTimeout, func() {
		s.log.Warn().Str("session_id", sessionID.String()).Msg("idle timeout, abandoning run")
		rt.Stop()
	})
	s.mu.Unlock()

	rt.Pause()
}

// LiveCount returns the number of runs currently in memory.
func (s *RunService) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Runtime looks up the live runtime for a session.
func (s *RunService) Runtime(sessionID uuid.UUID) (*runtime.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[sessionID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.rt, nil
}

// Abandon stops a live run on explicit participant request.
func (s *RunService) Abandon(sessionID uuid.UUID) error {
	rt, err := s.Runtime(sessionID)
	if err != nil {
		return err
	}
	rt.Stop()
	return nil
}

// sessionQueuePayload is what the session worker consumes.
type sessionQueuePayload struct {
	SessionID string                   `json:"session_id"`
	Status    model.SessionStatus      `json:"status"`
	EndTime   time.Time                `json:"end_time"`
	Variables []model.VariableSnapshot `json:"variables"`
}

// responseQueuePayload is what the response worker consumes.
type responseQueuePayload struct {
	SessionID string           `json:"session_id"`
	Responses []model.Response `json:"responses"`
}

// finalize runs on the runtime's finish callback. Persistence goes through
// the Redis queues so a slow or briefly unavailable Postgres never blocks
// the run loop.
func (s *RunService) finalize(sess *model.RunSession) {
	ctx := context.Background()

	s.mu.Lock()
	run, ok := s.runs[sess.ID]
	if ok {
		if run.idleTimer != nil {
			run.idleTimer.Stop()
		}
		run.cancel()
		delete(s.runs, sess.ID)
	}
	s.mu.Unlock()

	endTime := time.Now()
	if sess.EndTime != nil {
		endTime = *sess.EndTime
	}

	sp, err := json.Marshal(sessionQueuePayload{
		SessionID: sess.ID.String(),
		Status:    sess.Status,
		EndTime:   endTime,
		Variables: sess.Variables,
	})
	if err == nil {
		if err := s.rdb.RPush(ctx, config.WorkerKey.PersistSessionsQueue, sp).Err(); err != nil {
			s.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("queue session persist")
		}
	}

	if len(sess.Responses) > 0 {
		rp, err := json.Marshal(responseQueuePayload{
			SessionID: sess.ID.String(),
			Responses: sess.Responses,
		})
		if err == nil {
			if err := s.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, rp).Err(); err != nil {
				s.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("queue responses persist")
			}
		}
	}

	if err := s.authSvc.ReleaseActiveRun(ctx, sess.ParticipantID); err != nil {
		s.log.Warn().Err(err).Str("participant_id", sess.ParticipantID).Msg("release active run")
	}

	event := "completed"
	if sess.Status == model.SessionStatusAbandoned {
		event = "abandoned"
	}
	s.publishMonitor(ctx, sess.QuestionnaireID, MonitorEvent{
		Event:         event,
		SessionID:     sess.ID,
		ParticipantID: sess.ParticipantID,
		Responses:     len(sess.Responses),
		At:            endTime,
	})

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("status", string(sess.Status)).
		Int("responses", len(sess.Responses)).
		Msg("run finalized")
}

// Shutdown abandons every live run so their sessions are queued for
// persistence before the process exits.
func (s *RunService) Shutdown() {
	s.mu.Lock()
	rts := make([]*runtime.Runtime, 0, len(s.runs))
	for _, run := range s.runs {
		rts = append(rts, run.rt)
	}
	s.mu.Unlock()

	for _, rt := range rts {
		rt.Stop()
	}
}

// ─── Operator result queries ────────────────────────────────────────

// SessionSummaries lists a questionnaire's sessions for its author.
func (s *RunService) SessionSummaries(ctx context.Context, questionnaireID uuid.UUID, authorID int) ([]repository.SessionSummary, error) {
	if _, err := s.qSvc.Get(ctx, questionnaireID, authorID); err != nil {
		return nil, err
	}
	return s.sessionRepo.ListByQuestionnaire(ctx, questionnaireID)
}

// SessionDetail is the exported session with its computed summary stats.
type SessionDetail struct {
	Session model.SessionExport  `json:"session"`
	Summary stats.SessionSummary `json:"summary"`
}

// SessionExport retrieves one finalized session with summary statistics,
// enforcing authorship through the owning questionnaire.
func (s *RunService) SessionExport(ctx context.Context, sessionID uuid.UUID, authorID int) (*SessionDetail, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.qSvc.Get(ctx, sess.QuestionnaireID, authorID); err != nil {
		return nil, err
	}

	export := sess.Export()
	return &SessionDetail{
		Session: export,
		Summary: stats.Summarize(&export),
	}, nil
}

func (s *RunService) publishMonitor(ctx context.Context, questionnaireID uuid.UUID, ev MonitorEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.RunMonitorChannel(questionnaireID.String()), raw).Err(); err != nil {
		s.log.Warn().Err(err).Msg("publish monitor event")
	}
}
