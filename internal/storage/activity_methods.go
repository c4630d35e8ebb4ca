package storage

import (
	"context"
	"fmt"

	"github.com/ascendore/ascendore-crm/internal/models"
)

// CreateActivity records an activity through the log_crm_activity database function
func (s *PostgresStore) CreateActivity(ctx context.Context, activity *models.Activity) error {
	if activity.Metadata == nil {
		activity.Metadata = models.Variables{}
	}

	query := `SELECT log_crm_activity($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.getDB().ExecContext(ctx, query,
		activity.OrganizationID,
		string(activity.Type),
		activity.EntityType,
		nullString(activity.EntityID),
		nullString(activity.Description),
		activity.UserID,
		activity.Metadata,
	)
	if err != nil {
		return fmt.Errorf("log activity: %w", translateError(err))
	}
	return nil
}
