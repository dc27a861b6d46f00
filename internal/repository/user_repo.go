package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"member-account/internal/domain"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrDuplicateUser = errors.New("username or email already registered")
)

// pgUniqueViolation es el SQLSTATE de una restriccion UNIQUE violada.
const pgUniqueViolation = "23505"

// UserRepository define el contrato de persistencia para usuarios.
type UserRepository interface {
	Create(ctx context.Context, user domain.User) error
	GetByID(ctx context.Context, id string) (domain.User, error)
	// GetByIdentifier busca por username exacto o por email.
	GetByIdentifier(ctx context.Context, identifier string) (domain.User, error)
	FindByUsernameOrEmail(ctx context.Context, username, email string) (domain.User, error)
}

// PgUserRepository implementa UserRepository usando pgxpool.
type PgUserRepository struct {
	pool *pgxpool.Pool
}

func NewPgUserRepository(pool *pgxpool.Pool) *PgUserRepository {
	return &PgUserRepository{pool: pool}
}

func (r *PgUserRepository) Create(ctx context.Context, user domain.User) error {
	const query = `
		INSERT INTO users (id, username, email, password_hash, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.Balance,
		user.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, pgErr.ConstraintName)
	}
	return err
}

func (r *PgUserRepository) GetByID(ctx context.Context, id string) (domain.User, error) {
	// La columna es UUID: un id con otro formato no puede existir.
	if _, err := uuid.Parse(id); err != nil {
		return domain.User{}, ErrNotFound
	}
	const query = `
		SELECT id, username, email, password_hash, balance, created_at
		FROM users
		WHERE id = $1
	`
	return r.scanOne(ctx, query, id)
}

func (r *PgUserRepository) GetByIdentifier(ctx context.Context, identifier string) (domain.User, error) {
	const query = `
		SELECT id, username, email, password_hash, balance, created_at
		FROM users
		WHERE username = $1 OR email = lower($1)
		ORDER BY (username = $1) DESC
		LIMIT 1
	`
	return r.scanOne(ctx, query, identifier)
}

func (r *PgUserRepository) FindByUsernameOrEmail(ctx context.Context, username, email string) (domain.User, error) {
	const query = `
		SELECT id, username, email, password_hash, balance, created_at
		FROM users
		WHERE username = $1 OR email = $2
		LIMIT 1
	`
	return r.scanOne(ctx, query, username, email)
}

func (r *PgUserRepository) scanOne(ctx context.Context, query string, args ...any) (domain.User, error) {
	var u domain.User
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.Balance,
		&u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}
