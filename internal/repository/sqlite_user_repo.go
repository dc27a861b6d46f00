package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"member-account/internal/domain"
)

// SQLiteUserRepository implementa UserRepository sobre database/sql + sqlite3.
// Pensado para desarrollo local y tests de integracion.
type SQLiteUserRepository struct {
	db *sql.DB
}

func NewSQLiteUserRepository(db *sql.DB) *SQLiteUserRepository {
	return &SQLiteUserRepository{db: db}
}

func (r *SQLiteUserRepository) Create(ctx context.Context, user domain.User) error {
	const query = `
		INSERT INTO users (id, username, email, password_hash, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.Balance,
		user.CreatedAt.UTC(),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %v", ErrDuplicateUser, sqliteErr)
	}
	return err
}

func (r *SQLiteUserRepository) GetByID(ctx context.Context, id string) (domain.User, error) {
	const query = `
		SELECT id, username, email, password_hash, balance, created_at
		FROM users
		WHERE id = ?
	`
	return r.scanOne(ctx, query, id)
}

func (r *SQLiteUserRepository) GetByIdentifier(ctx context.Context, identifier string) (domain.User, error) {
	const query = `
		SELECT id, username, email, password_hash, balance, created_at
		FROM users
		WHERE username = ?1 OR email = lower(?1)
		ORDER BY (username = ?1) DESC
		LIMIT 1
	`
	return r.scanOne(ctx, query, identifier)
}

func (r *SQLiteUserRepository) FindByUsernameOrEmail(ctx context.Context, username, email string) (domain.User, error) {
	const query = `
		SELECT id, username, email, password_hash, balance, created_at
		FROM users
		WHERE username = ? OR email = ?
		LIMIT 1
	`
	return r.scanOne(ctx, query, username, email)
}

func (r *SQLiteUserRepository) scanOne(ctx context.Context, query string, args ...any) (domain.User, error) {
	var u domain.User
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.Balance,
		&u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}
