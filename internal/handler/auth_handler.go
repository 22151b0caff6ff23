package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/cognilab/stimflow/internal/middleware"
	"github.com/cognilab/stimflow/internal/model"
	"github.com/cognilab/stimflow/internal/response"
	"github.com/cognilab/stimflow/internal/service"
	"github.com/cognilab/stimflow/internal/validator"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	authService     *service.AuthService
	operatorService *service.OperatorService
	runService      *service.RunService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(
	authService *service.AuthService,
	operatorService *service.OperatorService,
	runService *service.RunService,
) *AuthHandler {
	return &AuthHandler{
		authService:     authService,
		operatorService: operatorService,
		runService:      runService,
	}
}

// OperatorLogin godoc
// POST /api/v1/auth/operator/login
// Validates email + password, returns JWT.
func (h *AuthHandler) OperatorLogin(c *gin.Context) {
	var req model.OperatorLoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	operator, err := h.operatorService.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
		return
	}

	if err := h.authService.CheckPassword(operator.PasswordHash, req.Password); err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
		return
	}

	token, err := h.authService.GenerateOperatorToken(operator.ID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"token": token,
		"operator": gin.H{
			"id":    operator.ID,
			"email": operator.Email,
			"name":  operator.Name,
		},
	})
}

// GetOperatorProfile godoc
// GET /api/v1/auth/operator/me
// Returns the profile of the currently authenticated operator.
func (h *AuthHandler) GetOperatorProfile(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	operator, err := h.operatorService.GetByID(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"operator": gin.H{
			"id":    operator.ID,
			"email": operator.Email,
			"name":  operator.Name,
		},
	})
}

// JoinRun godoc
// POST /api/v1/runs/join
// Validates the entry code, creates a session and returns the participant
// token used for the run stream.
func (h *AuthHandler) JoinRun(c *gin.Context) {
	var req model.JoinRunRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.runService.Join(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRunAlreadyActive):
			response.Fail(c, http.StatusConflict, response.ErrRunActive)
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrInvalidEntryCode)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, result)
}
