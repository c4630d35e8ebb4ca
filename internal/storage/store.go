package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ascendore/ascendore-crm/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support. Commit and Rollback are no-ops outside a transaction.
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetActiveUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	// Tenant methods
	CreateTenant(ctx context.Context, tenant *models.Tenant) error

	// Membership methods
	CreateMembership(ctx context.Context, membership *models.Membership) error
	GetEarliestMembership(ctx context.Context, userID uuid.UUID) (*models.OrganizationMembership, error)
	GetMembership(ctx context.Context, userID, tenantID uuid.UUID) (*models.OrganizationMembership, error)

	// Activity methods
	CreateActivity(ctx context.Context, activity *models.Activity) error

	Ping(ctx context.Context) error

	// Close the store
	Close() error
}
