package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ascendore/ascendore-crm/internal/models"
)

// CreateTenant inserts a company row
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.Settings == nil {
		tenant.Settings = models.Variables{}
	}
	if tenant.Metadata == nil {
		tenant.Metadata = models.Variables{}
	}

	query := `
		INSERT INTO public.companies (name, slug, settings, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	err := s.getDB().QueryRowContext(ctx, query,
		tenant.Name, tenant.Slug, tenant.Settings, tenant.Metadata,
	).Scan(&tenant.ID, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert company: %w", translateError(err))
	}
	return nil
}

// CreateMembership binds a user to a company with a role
func (s *PostgresStore) CreateMembership(ctx context.Context, membership *models.Membership) error {
	if !membership.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidData, membership.Role)
	}

	query := `
		INSERT INTO public.company_users (company_id, user_id, role, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING created_at`

	err := s.getDB().QueryRowContext(ctx, query,
		membership.TenantID, membership.UserID, string(membership.Role),
	).Scan(&membership.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert membership: %w", translateError(err))
	}
	return nil
}

// GetEarliestMembership returns the oldest membership whose company is not deleted
func (s *PostgresStore) GetEarliestMembership(ctx context.Context, userID uuid.UUID) (*models.OrganizationMembership, error) {
	query := `
		SELECT c.id, c.name, cu.role, cu.created_at
		FROM public.company_users cu
		JOIN public.companies c ON cu.company_id = c.id
		WHERE cu.user_id = $1 AND c.deleted_at IS NULL
		ORDER BY cu.created_at ASC
		LIMIT 1`

	return scanMembership(s.getDB().QueryRowContext(ctx, query, userID).Scan)
}

// GetMembership returns the user's membership in a specific company
func (s *PostgresStore) GetMembership(ctx context.Context, userID, tenantID uuid.UUID) (*models.OrganizationMembership, error) {
	query := `
		SELECT c.id, c.name, cu.role, cu.created_at
		FROM public.company_users cu
		JOIN public.companies c ON cu.company_id = c.id
		WHERE cu.user_id = $1 AND cu.company_id = $2 AND c.deleted_at IS NULL`

	return scanMembership(s.getDB().QueryRowContext(ctx, query, userID, tenantID).Scan)
}

func scanMembership(scan func(dest ...interface{}) error) (*models.OrganizationMembership, error) {
	m := &models.OrganizationMembership{}
	var role string
	if err := scan(&m.TenantID, &m.TenantName, &role, &m.JoinedAt); err != nil {
		return nil, translateError(err)
	}
	m.Role = models.Role(role)
	return m, nil
}
