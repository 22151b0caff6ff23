package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cognilab/stimflow/internal/config"
	"github.com/cognilab/stimflow/internal/model"
	"github.com/cognilab/stimflow/internal/repository"
	"github.com/cognilab/stimflow/internal/validator"
)

// Sentinel errors for questionnaire lifecycle operations.
var (
	ErrNotAuthor      = errors.New("questionnaire belongs to another operator")
	ErrNotDraft       = errors.New("questionnaire is not a draft")
	ErrNotPublished   = errors.New("questionnaire is not published")
	ErrEntryCodeTaken = errors.New("entry code already in use")
	ErrEntryCodeEmpty = errors.New("entry code required to publish")
)

// DefinitionError wraps the structural validation findings for a rejected
// definition so handlers can return them verbatim.
type DefinitionError struct {
	Result validator.ValidationResult
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid definition: %d problem(s)", len(e.Result.Errors))
}

// QuestionnaireService handles questionnaire authoring and lifecycle.
// Published definitions are cached in Redis so participant joins never
// deserialize from Postgres on the hot path.
type QuestionnaireService struct {
	repo *repository.QuestionnaireRepository
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewQuestionnaireService creates a new QuestionnaireService.
func NewQuestionnaireService(repo *repository.QuestionnaireRepository, rdb *redis.Client, log zerolog.Logger) *QuestionnaireService {
	return &QuestionnaireService{
		repo: repo,
		rdb:  rdb,
		log:  log.With().Str("component", "questionnaire_service").Logger(),
	}
}

// Create validates and stores a new draft questionnaire.
func (s *QuestionnaireService) Create(ctx context.Context, authorID int, req *model.CreateQuestionnaireRequest) (*model.Questionnaire, error) {
	var def model.Definition
	if err := json.Unmarshal(req.Definition, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}

	if result := validator.ValidateQuestionnaire(&def); !result.Valid {
		return nil, &DefinitionError{Result: result}
	}

	q := &model.Questionnaire{
		Title:      req.Title,
		AuthorID:   authorID,
		EntryCode:  req.EntryCode,
		Status:     model.QuestionnaireStatusDraft,
		Definition: def,
	}
	if err := s.repo.Create(ctx, q); err != nil {
		return nil, fmt.Errorf("create questionnaire: %w", err)
	}
	return q, nil
}

// Get retrieves a questionnaire, enforcing authorship.
func (s *QuestionnaireService) Get(ctx context.Context, id uuid.UUID, authorID int) (*model.Questionnaire, error) {
	q, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.AuthorID != authorID {
		return nil, ErrNotAuthor
	}
	return q, nil
}

// List retrieves the operator's questionnaire summaries.
func (s *QuestionnaireService) List(ctx context.Context, authorID int) ([]repository.QuestionnaireSummary, error) {
	return s.repo.ListByAuthor(ctx, authorID)
}

// Update replaces a draft's title, entry code and definition. Published and
// archived questionnaires are immutable; sessions collected against one
// version must stay comparable.
func (s *QuestionnaireService) Update(ctx context.Context, id uuid.UUID, authorID int, req *model.UpdateQuestionnaireRequest) (*model.Questionnaire, error) {
	q, err := s.Get(ctx, id, authorID)
	if err != nil {
		return nil, err
	}
	if q.Status != model.QuestionnaireStatusDraft {
		return nil, ErrNotDraft
	}

	if req.Title != "" {
		q.Title = req.Title
	}
	if req.EntryCode != "" {
		q.EntryCode = req.EntryCode
	}
	if len(req.Definition) > 0 {
		var def model.Definition
		if err := json.Unmarshal(req.Definition, &def); err != nil {
			return nil, fmt.Errorf("parse definition: %w", err)
		}
		if result := validator.ValidateQuestionnaire(&def); !result.Valid {
			return nil, &DefinitionError{Result: result}
		}
		q.Definition = def
	}

	if err := s.repo.Update(ctx, q); err != nil {
		return nil, fmt.Errorf("update questionnaire: %w", err)
	}
	return q, nil
}

// Publish transitions a draft to PUBLISHED and warms the Redis caches that
// back participant joins: entry code -> id and id -> definition JSON.
func (s *QuestionnaireService) Publish(ctx context.Context, id uuid.UUID, authorID int) (*model.Questionnaire, error) {
	q, err := s.Get(ctx, id, authorID)
	if err != nil {
		return nil, err
	}
	if q.Status != model.QuestionnaireStatusDraft {
		return nil, ErrNotDraft
	}
	if q.EntryCode == "" {
		return nil, ErrEntryCodeEmpty
	}

	// Re-validate at publish time. Drafts created before a validator rule
	// tightened must not slip through.
	if result := validator.ValidateQuestionnaire(&q.Definition); !result.Valid {
		return nil, &DefinitionError{Result: result}
	}

	taken, err := s.repo.EntryCodeTaken(ctx, q.EntryCode, q.ID)
	if err != nil {
		return nil, fmt.Errorf("check entry code: %w", err)
	}
	if taken {
		return nil, ErrEntryCodeTaken
	}

	if err := s.repo.UpdateStatus(ctx, q.ID, model.QuestionnaireStatusPublished); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	q.Status = model.QuestionnaireStatusPublished

	s.warmCaches(ctx, q)
	return q, nil
}

// Archive transitions a published questionnaire to ARCHIVED and drops its
// join caches. In-flight runs keep their in-memory definition and finish
// normally.
func (s *QuestionnaireService) Archive(ctx context.Context, id uuid.UUID, authorID int) error {
	q, err := s.Get(ctx, id, authorID)
	if err != nil {
		return err
	}
	if q.Status != model.QuestionnaireStatusPublished {
		return ErrNotPublished
	}

	if err := s.repo.UpdateStatus(ctx, q.ID, model.QuestionnaireStatusArchived); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	s.dropCaches(ctx, q)
	return nil
}

// Delete removes a non-published questionnaire.
func (s *QuestionnaireService) Delete(ctx context.Context, id uuid.UUID, authorID int) error {
	q, err := s.Get(ctx, id, authorID)
	if err != nil {
		return err
	}
	if q.Status == model.QuestionnaireStatusPublished {
		return ErrNotDraft
	}
	s.dropCaches(ctx, q)
	return s.repo.Delete(ctx, q.ID)
}

// ResolveEntryCode maps an entry code to its published questionnaire,
// preferring the Redis cache and self-healing it on a miss.
func (s *QuestionnaireService) ResolveEntryCode(ctx context.Context, entryCode string) (*model.Questionnaire, error) {
	idStr, err := s.rdb.Get(ctx, config.CacheKey.QuestionnaireEntryCodeKey(entryCode)).Result()
	if err == nil {
		if id, parseErr := uuid.Parse(idStr); parseErr == nil {
			if q, defErr := s.cachedDefinition(ctx, id); defErr == nil {
				return q, nil
			}
		}
	} else if err != redis.Nil {
		s.log.Warn().Err(err).Msg("entry code cache lookup failed, falling back to db")
	}

	q, err := s.repo.GetPublishedByEntryCode(ctx, entryCode)
	if err != nil {
		return nil, err
	}
	s.warmCaches(ctx, q)
	return q, nil
}

func (s *QuestionnaireService) cachedDefinition(ctx context.Context, id uuid.UUID) (*model.Questionnaire, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.QuestionnaireDefinitionKey(id.String())).Result()
	if err != nil {
		return nil, err
	}
	q := &model.Questionnaire{}
	if err := json.Unmarshal([]byte(raw), q); err != nil {
		return nil, err
	}
	return q, nil
}

func (s *QuestionnaireService) warmCaches(ctx context.Context, q *model.Questionnaire) {
	raw, err := json.Marshal(q)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal questionnaire for cache")
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.QuestionnaireDefinitionKey(q.ID.String()), raw, 0).Err(); err != nil {
		s.log.Warn().Err(err).Msg("warm definition cache")
	}
	if err := s.rdb.Set(ctx, config.CacheKey.QuestionnaireEntryCodeKey(q.EntryCode), q.ID.String(), 0).Err(); err != nil {
		s.log.Warn().Err(err).Msg("warm entry code cache")
	}
}

func (s *QuestionnaireService) dropCaches(ctx context.Context, q *model.Questionnaire) {
	keys := []string{config.CacheKey.QuestionnaireDefinitionKey(q.ID.String())}
	if q.EntryCode != "" {
		keys = append(keys, config.CacheKey.QuestionnaireEntryCodeKey(q.EntryCode))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.log.Warn().Err(err).Msg("drop questionnaire caches")
	}
}
