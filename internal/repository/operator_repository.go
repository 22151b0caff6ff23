package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cognilab/stimflow/internal/model"
)

// OperatorRepository handles operator account data access.
type OperatorRepository struct {
	pool *pgxpool.Pool
}

// NewOperatorRepository creates a new OperatorRepository.
func NewOperatorRepository(pool *pgxpool.Pool) *OperatorRepository {
	return &OperatorRepository{pool: pool}
}

// GetByEmail retrieves an operator by email.
func (r *OperatorRepository) GetByEmail(ctx context.Context, email string) (*model.Operator, error) {
	o := &model.Operator{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, created_at
		 FROM operators WHERE email = $1`, email,
	).Scan(&o.ID, &o.Name, &o.Email, &o.PasswordHash, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetByID retrieves an operator by id.
func (r *OperatorRepository) GetByID(ctx context.Context, id int) (*model.Operator, error) {
	o := &model.Operator{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, created_at
		 FROM operators WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Email, &o.PasswordHash, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Create inserts a new operator account.
func (r *OperatorRepository) Create(ctx context.Context, o *model.Operator) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO operators (name, email, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		o.Name, o.Email, o.PasswordHash,
	).Scan(&o.ID, &o.CreatedAt)
}

// ExistsByEmail reports whether an operator with the email already exists.
func (r *OperatorRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM operators WHERE email = $1)`, email,
	).Scan(&exists)
	return exists, err
}
