package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cognilab/stimflow/internal/model"
)

// QuestionnaireSummary is the list-view projection without the definition
// payload, which can be large.
type QuestionnaireSummary struct {
	ID        uuid.UUID                 `json:"id"`
	Title     string                    `json:"title"`
	EntryCode string                    `json:"entry_code,omitempty"`
	Status    model.QuestionnaireStatus `json:"status"`
	CreatedAt string                    `json:"created_at"`
	UpdatedAt string                    `json:"updated_at"`
	Sessions  int64                     `json:"sessions"`
}

// QuestionnaireRepository handles questionnaire data access. The definition
// is stored as a JSONB document; the relational columns carry the lifecycle
// metadata that queries filter on.
type QuestionnaireRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionnaireRepository creates a new QuestionnaireRepository.
func NewQuestionnaireRepository(pool *pgxpool.Pool) *QuestionnaireRepository {
	return &QuestionnaireRepository{pool: pool}
}

// Create inserts a new questionnaire in DRAFT status.
func (r *QuestionnaireRepository) Create(ctx context.Context, q *model.Questionnaire) error {
	def, err := json.Marshal(q.Definition)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO questionnaires (title, author_id, entry_code, status, definition)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		 RETURNING id, created_at, updated_at`,
		q.Title, q.AuthorID, q.EntryCode, model.QuestionnaireStatusDraft, def,
	).Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
}

// GetByID retrieves a questionnaire including its definition.
func (r *QuestionnaireRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Questionnaire, error) {
	q := &model.Questionnaire{}
	var entryCode *string
	var def []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, author_id, COALESCE(entry_code, ''), status, definition, created_at, updated_at
		 FROM questionnaires WHERE id = $1`, id,
	).Scan(&q.ID, &q.Title, &q.AuthorID, &entryCode, &q.Status, &def, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if entryCode != nil {
		q.EntryCode = *entryCode
	}
	if err := json.Unmarshal(def, &q.Definition); err != nil {
		return nil, err
	}
	return q, nil
}

// GetPublishedByEntryCode resolves an entry code to a published
// questionnaire. Draft and archived questionnaires are not joinable.
func (r *QuestionnaireRepository) GetPublishedByEntryCode(ctx context.Context, entryCode string) (*model.Questionnaire, error) {
	q := &model.Questionnaire{}
	var def []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, author_id, entry_code, status, definition, created_at, updated_at
		 FROM questionnaires
		 WHERE entry_code = $1 AND status = $2`,
		entryCode, model.QuestionnaireStatusPublished,
	).Scan(&q.ID, &q.Title, &q.AuthorID, &q.EntryCode, &q.Status, &def, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(def, &q.Definition); err != nil {
		return nil, err
	}
	return q, nil
}

// ListByAuthor retrieves questionnaire summaries for an operator, newest
// first, with a per-questionnaire session count.
func (r *QuestionnaireRepository) ListByAuthor(ctx context.Context, authorID int) ([]QuestionnaireSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT q.id, q.title, COALESCE(q.entry_code, ''), q.status,
		        q.created_at::text, q.updated_at::text,
		        COUNT(rs.id)
		 FROM questionnaires q
		 LEFT JOIN run_sessions rs ON rs.questionnaire_id = q.id
		 WHERE q.author_id = $1
		 GROUP BY q.id
		 ORDER BY q.created_at DESC`, authorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuestionnaireSummary
	for rows.Next() {
		var s QuestionnaireSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.EntryCode, &s.Status, &s.CreatedAt, &s.UpdatedAt, &s.Sessions); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Update replaces title, entry code and definition of a draft.
func (r *QuestionnaireRepository) Update(ctx context.Context, q *model.Questionnaire) error {
	def, err := json.Marshal(q.Definition)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE questionnaires
		 SET title = $1, entry_code = NULLIF($2, ''), definition = $3, updated_at = NOW()
		 WHERE id = $4`,
		q.Title, q.EntryCode, def, q.ID)
	return err
}

// UpdateStatus transitions the questionnaire lifecycle state.
func (r *QuestionnaireRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.QuestionnaireStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE questionnaires SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	return err
}

// Delete removes a questionnaire and, through ON DELETE CASCADE, its
// sessions and responses.
func (r *QuestionnaireRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM questionnaires WHERE id = $1`, id)
	return err
}

// EntryCodeTaken reports whether another questionnaire already uses the
// entry code.
func (r *QuestionnaireRepository) EntryCodeTaken(ctx context.Context, entryCode string, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM questionnaires WHERE entry_code = $1 AND id <> $2)`,
		entryCode, excludeID,
	).Scan(&exists)
	return exists, err
}
