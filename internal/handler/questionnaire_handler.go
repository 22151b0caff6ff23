package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cognilab/stimflow/internal/middleware"
	"github.com/cognilab/stimflow/internal/model"
	"github.com/cognilab/stimflow/internal/response"
	"github.com/cognilab/stimflow/internal/service"
	"github.com/cognilab/stimflow/internal/validator"
)

// QuestionnaireHandler handles operator questionnaire endpoints.
type QuestionnaireHandler struct {
	qService   *service.QuestionnaireService
	runService *service.RunService
}

// NewQuestionnaireHandler creates a new QuestionnaireHandler.
func NewQuestionnaireHandler(qService *service.QuestionnaireService, runService *service.RunService) *QuestionnaireHandler {
	return &QuestionnaireHandler{qService: qService, runService: runService}
}

// List godoc
// GET /api/v1/operator/questionnaires
func (h *QuestionnaireHandler) List(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	items, err := h.qService.List(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questionnaires": items})
}

// Create godoc
// POST /api/v1/operator/questionnaires
func (h *QuestionnaireHandler) Create(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.CreateQuestionnaireRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	q, err := h.qService.Create(c.Request.Context(), claims.UserID, &req)
	if err != nil {
		h.failLifecycle(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"questionnaire": q})
}

// Get godoc
// GET /api/v1/operator/questionnaires/:id
func (h *QuestionnaireHandler) Get(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	q, err := h.qService.Get(c.Request.Context(), id, claims.UserID)
	if err != nil {
		h.failLifecycle(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questionnaire": q})
}

// Update godoc
// PUT /api/v1/operator/questionnaires/:id
func (h *QuestionnaireHandler) Update(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	var req model.UpdateQuestionnaireRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	q, err := h.qService.Update(c.Request.Context(), id, claims.UserID, &req)
	if err != nil {
		h.failLifecycle(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questionnaire": q})
}

// Publish godoc
// POST /api/v1/operator/questionnaires/:id/publish
func (h *QuestionnaireHandler) Publish(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	q, err := h.qService.Publish(c.Request.Context(), id, claims.UserID)
	if err != nil {
		h.failLifecycle(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questionnaire": q})
}

// Archive godoc
// POST /api/v1/operator/questionnaires/:id/archive
func (h *QuestionnaireHandler) Archive(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	if err := h.qService.Archive(c.Request.Context(), id, claims.UserID); err != nil {
		h.failLifecycle(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// Delete godoc
// DELETE /api/v1/operator/questionnaires/:id
func (h *QuestionnaireHandler) Delete(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	if err := h.qService.Delete(c.Request.Context(), id, claims.UserID); err != nil {
		h.failLifecycle(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// ListSessions godoc
// GET /api/v1/operator/questionnaires/:id/sessions
func (h *QuestionnaireHandler) ListSessions(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	sessions, err := h.runService.SessionSummaries(c.Request.Context(), id, claims.UserID)
	if err != nil {
		h.failLifecycle(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}

// GetSessionExport godoc
// GET /api/v1/operator/sessions/:id
// Returns the full session export with summary statistics.
func (h *QuestionnaireHandler) GetSessionExport(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	detail, err := h.runService.SessionExport(c.Request.Context(), id, claims.UserID)
	if err != nil {
		h.failLifecycle(c, err)
		return
	}
	response.Success(c, http.StatusOK, detail)
}

func (h *QuestionnaireHandler) claimsAndID(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, id, true
}

// failLifecycle maps service errors onto the response taxonomy.
func (h *QuestionnaireHandler) failLifecycle(c *gin.Context, err error) {
	var defErr *service.DefinitionError
	switch {
	case errors.As(err, &defErr):
		fields := make(map[string]string, len(defErr.Result.Errors))
		for i, msg := range defErr.Result.Errors {
			fields[fmt.Sprintf("definition[%d]", i)] = msg
		}
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrInvalidDefinition, fields)
	case errors.Is(err, service.ErrNotAuthor):
		response.Fail(c, http.StatusForbidden, response.ErrNotQuestionnaireAuthor)
	case errors.Is(err, service.ErrNotDraft):
		response.Fail(c, http.StatusConflict, response.ErrQuestionnaireNotDraft)
	case errors.Is(err, service.ErrNotPublished):
		response.Fail(c, http.StatusConflict, response.ErrQuestionnaireNotPublished)
	case errors.Is(err, service.ErrEntryCodeTaken):
		response.Fail(c, http.StatusConflict, response.ErrConflict)
	case errors.Is(err, service.ErrEntryCodeEmpty):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrInvalidEntryCode)
	case errors.Is(err, pgx.ErrNoRows):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
