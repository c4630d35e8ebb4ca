package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ascendore/ascendore-crm/internal/models"
)

// CreateUser inserts a new active user. Email uniqueness is enforced by the database.
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO public.users (
			email, first_name, last_name, password_hash, is_active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, true, NOW(), NOW()
		)
		RETURNING id, is_active, created_at, updated_at`

	err := s.getDB().QueryRowContext(ctx, query,
		user.Email, user.FirstName, user.LastName, nullString(user.PasswordHash),
	).Scan(&user.ID, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", translateError(err))
	}
	return nil
}

// GetUserByEmail gets a user by email, ignoring case
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, email, first_name, last_name, COALESCE(password_hash, ''), is_active, created_at, updated_at
		FROM public.users
		WHERE LOWER(email) = LOWER($1)`

	return s.scanUser(s.getDB().QueryRowContext(ctx, query, email).Scan)
}

// GetActiveUser gets an active user by ID
func (s *PostgresStore) GetActiveUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, email, first_name, last_name, COALESCE(password_hash, ''), is_active, created_at, updated_at
		FROM public.users
		WHERE id = $1 AND is_active = true`

	return s.scanUser(s.getDB().QueryRowContext(ctx, query, id).Scan)
}

// UpdateUserPassword replaces the password hash and bumps updated_at
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `UPDATE public.users SET password_hash = $1, updated_at = $2 WHERE id = $3`

	result, err := s.getDB().ExecContext(ctx, query, passwordHash, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update password: %w", translateError(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scanUser(scan func(dest ...interface{}) error) (*models.User, error) {
	user := &models.User{}
	err := scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName,
		&user.PasswordHash, &user.IsActive, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return user, nil
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
