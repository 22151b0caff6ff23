package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cognilab/stimflow/internal/model"
)

// SessionSummary is the list-view projection of a run session for the
// operator dashboard.
type SessionSummary struct {
	ID            uuid.UUID           `json:"id"`
	ParticipantID string              `json:"participant_id,omitempty"`
	Status        model.SessionStatus `json:"status"`
	StartTime     time.Time           `json:"start_time"`
	EndTime       *time.Time          `json:"end_time,omitempty"`
	Responses     int64               `json:"responses"`
}

// SessionRepository handles run session and response data access. Live runs
// exist only in memory and Redis; rows land here when a session finalizes.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create inserts a session row at join time. The id is generated app-side
// because it is embedded in the participant token before the row exists.
func (r *SessionRepository) Create(ctx context.Context, s *model.RunSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO run_sessions (id, questionnaire_id, participant_id, start_time, status)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		s.ID, s.QuestionnaireID, s.ParticipantID, s.StartTime, model.SessionStatusInProgress)
	return err
}

// Finalize records the terminal status, end time and the variable snapshot.
func (r *SessionRepository) Finalize(ctx context.Context, id uuid.UUID, status model.SessionStatus, endTime time.Time, variables []model.VariableSnapshot) error {
	vars, err := json.Marshal(variables)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE run_sessions
		 SET status = $1, end_time = $2, variables = $3
		 WHERE id = $4`,
		status, endTime, vars, id)
	return err
}

// GetByID retrieves a session with its responses in recorded order.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.RunSession, error) {
	s := &model.RunSession{}
	var participantID *string
	var vars []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, questionnaire_id, participant_id, start_time, end_time, status, COALESCE(variables, '[]')
		 FROM run_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.QuestionnaireID, &participantID, &s.StartTime, &s.EndTime, &s.Status, &vars)
	if err != nil {
		return nil, err
	}
	if participantID != nil {
		s.ParticipantID = *participantID
	}
	if err := json.Unmarshal(vars, &s.Variables); err != nil {
		return nil, err
	}

	s.Responses, err = r.listResponses(ctx, id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByQuestionnaire retrieves session summaries for a questionnaire,
// newest first.
func (r *SessionRepository) ListByQuestionnaire(ctx context.Context, questionnaireID uuid.UUID) ([]SessionSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT rs.id, COALESCE(rs.participant_id, ''), rs.status, rs.start_time, rs.end_time,
		        COUNT(resp.id)
		 FROM run_sessions rs
		 LEFT JOIN responses resp ON resp.session_id = rs.id
		 WHERE rs.questionnaire_id = $1
		 GROUP BY rs.id
		 ORDER BY rs.start_time DESC`, questionnaireID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.ParticipantID, &s.Status, &s.StartTime, &s.EndTime, &s.Responses); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// BulkInsertResponses inserts a batch of responses for one session with a
// single UNNEST statement. Values are carried as JSON text and cast server
// side so heterogeneous answer shapes share one array parameter.
func (r *SessionRepository) BulkInsertResponses(ctx context.Context, sessionID uuid.UUID, responses []model.Response) error {
	n := len(responses)
	if n == 0 {
		return nil
	}

	questionIDs := make([]string, 0, n)
	values := make([]string, 0, n)
	reactionTimes := make([]float64, 0, n)
	onsets := make([]time.Time, 0, n)
	timestamps := make([]time.Time, 0, n)
	valids := make([]bool, 0, n)

	for _, resp := range responses {
		raw, err := json.Marshal(resp.Value)
		if err != nil {
			return err
		}
		questionIDs = append(questionIDs, resp.QuestionID)
		values = append(values, string(raw))
		reactionTimes = append(reactionTimes, resp.ReactionTimeMs)
		onsets = append(onsets, resp.StimulusOnset)
		timestamps = append(timestamps, resp.Timestamp)
		valids = append(valids, resp.Valid)
	}

	query := `
		INSERT INTO responses (session_id, question_id, value, reaction_time_ms, stimulus_onset, recorded_at, valid)
		SELECT $1, u.question_id, u.value::jsonb, u.reaction_time_ms, u.stimulus_onset, u.recorded_at, u.valid
		FROM UNNEST(
			$2::text[],
			$3::text[],
			$4::float8[],
			$5::timestamptz[],
			$6::timestamptz[],
			$7::bool[]
		) AS u (question_id, value, reaction_time_ms, stimulus_onset, recorded_at, valid)
	`

	_, err := r.pool.Exec(ctx, query, sessionID, questionIDs, values, reactionTimes, onsets, timestamps, valids)
	return err
}

// InsertResponse is the single-row fallback when a bulk insert fails.
func (r *SessionRepository) InsertResponse(ctx context.Context, sessionID uuid.UUID, resp model.Response) error {
	raw, err := json.Marshal(resp.Value)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO responses (session_id, question_id, value, reaction_time_ms, stimulus_onset, recorded_at, valid)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)`,
		sessionID, resp.QuestionID, string(raw), resp.ReactionTimeMs, resp.StimulusOnset, resp.Timestamp, resp.Valid)
	return err
}

func (r *SessionRepository) listResponses(ctx context.Context, sessionID uuid.UUID) ([]model.Response, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, question_id, value, reaction_time_ms, stimulus_onset, recorded_at, valid
		 FROM responses
		 WHERE session_id = $1
		 ORDER BY recorded_at, id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Response
	for rows.Next() {
		var resp model.Response
		var raw []byte
		if err := rows.Scan(&resp.ID, &resp.QuestionID, &raw, &resp.ReactionTimeMs, &resp.StimulusOnset, &resp.Timestamp, &resp.Valid); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &resp.Value); err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}
