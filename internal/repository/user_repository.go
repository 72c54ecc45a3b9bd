package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sentinelfleet/sentinel/internal/db"
	"github.com/sentinelfleet/sentinel/internal/db/queries"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/pkg/debug"
)

// UserRepository handles database operations for user accounts
type UserRepository struct {
	db *db.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(database *db.DB) *UserRepository {
	return &UserRepository{db: database}
}

// Create registers a new user account
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	_, err := r.db.ExecContext(ctx, queries.CreateUser,
		user.Username,
		user.PasswordHash,
		user.IsAdmin,
		user.RegisteredAt,
		user.RegisteredBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	debug.Info("Registered user %s (admin=%v, by %s)", user.Username, user.IsAdmin, user.RegisteredBy)
	return nil
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}

	err := r.db.QueryRowContext(ctx, queries.GetUserByUsername, username).Scan(
		&user.Username,
		&user.PasswordHash,
		&user.IsAdmin,
		&user.RegisteredAt,
		&user.RegisteredBy,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// List returns all registered users
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, queries.ListUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(
			&user.Username,
			&user.PasswordHash,
			&user.IsAdmin,
			&user.RegisteredAt,
			&user.RegisteredBy,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	return users, nil
}

// Delete removes a user account
func (r *UserRepository) Delete(ctx context.Context, username string) error {
	result, err := r.db.ExecContext(ctx, queries.DeleteUser, username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}

	debug.Info("Removed user %s", username)
	return nil
}
