package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/cognilab/stimflow/internal/config"
)

// Common auth errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRunAlreadyActive   = errors.New("another run is already active for this participant")
)

// TokenType distinguishes operator vs participant tokens.
type TokenType string

const (
	TokenTypeOperator    TokenType = "operator"
	TokenTypeParticipant TokenType = "participant"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType       TokenType `json:"token_type"`
	UserID          int       `json:"user_id,omitempty"`          // Operator only
	ParticipantID   string    `json:"participant_id,omitempty"`   // Participant only
	QuestionnaireID string    `json:"questionnaire_id,omitempty"` // Participant only
	SessionID       string    `json:"session_id,omitempty"`       // Participant only
}

// AuthService handles authentication, JWT, and the single-active-run lock.
type AuthService struct {
	cfg *config.Config
	rdb *redis.Client
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client) *AuthService {
	return &AuthService{cfg: cfg, rdb: rdb}
}

// HashPassword hashes a password with the configured bcrypt cost.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	return string(hash), err
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func (s *AuthService) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GenerateOperatorToken creates a JWT for an operator.
func (s *AuthService) GenerateOperatorToken(operatorID int) (string, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   strconv.Itoa(operatorID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: TokenTypeOperator,
		UserID:    operatorID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// GenerateParticipantToken creates a JWT bound to one run session and takes
// the participant's active-run lock in Redis. A participant with a live run
// is rejected: concurrent runs would contaminate each other's measurements.
func (s *AuthService) GenerateParticipantToken(ctx context.Context, participantID, questionnaireID, sessionID string) (string, error) {
	lockKey := config.CacheKey.ParticipantActiveRunKey(participantID)

	existing, err := s.rdb.Get(ctx, lockKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("check active run: %w", err)
	}
	if existing != "" {
		return "", ErrRunAlreadyActive
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType:       TokenTypeParticipant,
		ParticipantID:   participantID,
		QuestionnaireID: questionnaireID,
		SessionID:       sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	if err := s.rdb.Set(ctx, lockKey, sessionID, s.cfg.JWTExpiry).Err(); err != nil {
		return "", fmt.Errorf("store active run lock: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ValidateActiveRun checks that the token's session is still the
// participant's registered active run.
func (s *AuthService) ValidateActiveRun(ctx context.Context, participantID, sessionID string) error {
	lockKey := config.CacheKey.ParticipantActiveRunKey(participantID)
	stored, err := s.rdb.Get(ctx, lockKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errors.New("no active run")
		}
		return fmt.Errorf("check active run: %w", err)
	}
	if stored != sessionID {
		return errors.New("run superseded")
	}
	return nil
}

// ReleaseActiveRun drops a participant's active-run lock, allowing them to
// join again. Called when a session finalizes.
func (s *AuthService) ReleaseActiveRun(ctx context.Context, participantID string) error {
	lockKey := config.CacheKey.ParticipantActiveRunKey(participantID)
	return s.rdb.Del(ctx, lockKey).Err()
}
