package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/cognilab/stimflow/internal/model"
	"github.com/cognilab/stimflow/internal/repository"
)

// ErrEmailTaken is returned when an operator email is already registered.
var ErrEmailTaken = errors.New("email already registered")

// OperatorService handles operator account business logic.
type OperatorService struct {
	repo    *repository.OperatorRepository
	authSvc *AuthService
}

// NewOperatorService creates a new OperatorService.
func NewOperatorService(repo *repository.OperatorRepository, authSvc *AuthService) *OperatorService {
	return &OperatorService{repo: repo, authSvc: authSvc}
}

// GetByEmail retrieves an operator by email.
func (s *OperatorService) GetByEmail(ctx context.Context, email string) (*model.Operator, error) {
	return s.repo.GetByEmail(ctx, email)
}

// GetByID retrieves an operator by id.
func (s *OperatorService) GetByID(ctx context.Context, id int) (*model.Operator, error) {
	return s.repo.GetByID(ctx, id)
}

// Create registers a new operator account with a hashed password.
func (s *OperatorService) Create(ctx context.Context, req *model.CreateOperatorRequest) (*model.Operator, error) {
	exists, err := s.repo.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return nil, ErrEmailTaken
	}

	hash, err := s.authSvc.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	op := &model.Operator{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
	}
	if err := s.repo.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("create operator: %w", err)
	}
	return op, nil
}
