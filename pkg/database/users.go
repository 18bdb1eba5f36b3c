package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/dimesh-project/dim/pkg/security"
)

// User is a principal allowed to call the orchestrator RPC surface.
// Role maps to a pkg/auth role, which in turn gates §6's job operations.
type User struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

func (u *User) Validate() error {
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	if u.Role == "" {
		return fmt.Errorf("role is required")
	}
	return nil
}

type UserRepository struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *slog.Logger
}

func NewUserRepository(db *sqlx.DB, redis *redis.Client, logger *slog.Logger) *UserRepository {
	return &UserRepository{db: db, redis: redis, logger: logger}
}

func (r *UserRepository) Create(ctx context.Context, user *User, password string) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("user validation failed: %w", err)
	}

	if !security.ValidatePasswordStrength(password) {
		return fmt.Errorf("password does not meet strength requirements")
	}

	hashed, err := security.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user.ID = uuid.New()
	user.PasswordHash = hashed
	user.Active = true
	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()

	query := `
		INSERT INTO users (id, username, password_hash, role, active, created_at, updated_at)
		VALUES (:id, :username, :password_hash, :role, :active, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE username = $1`, username)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := r.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, fmt.Errorf("user account is inactive")
	}
	if !security.VerifyPassword(password, user.PasswordHash) {
		return nil, fmt.Errorf("invalid credentials")
	}
	return user, nil
}
