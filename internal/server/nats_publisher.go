package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/models"
)

// ActivitySubjectPrefix is the root of every activity subject
const ActivitySubjectPrefix = "crm.activity"

// ActivitySubject returns the subject an activity is published on
func ActivitySubject(activity *models.Activity) string {
	return fmt.Sprintf("%s.%s.%s", ActivitySubjectPrefix, activity.OrganizationID, activity.Type)
}

// NATSPublisher publishes activities to NATS
type NATSPublisher struct {
	nc  *nats.Conn
	now func() time.Time
}

// NewNATSPublisher creates a NATS publisher
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc, now: time.Now}
}

// Publish encodes and publishes the activity. It does not wait for subscribers.
func (p *NATSPublisher) Publish(ctx context.Context, activity *models.Activity) error {
	data, err := encodeActivity(activity, p.now)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(ActivitySubject(activity), data); err != nil {
		return fmt.Errorf("publish activity: %w", err)
	}
	return nil
}

// LogPublisher writes activities to the log when no broker is configured
type LogPublisher struct{}

// Publish logs the activity
func (LogPublisher) Publish(ctx context.Context, activity *models.Activity) error {
	log.Info().
		Str("activity", string(activity.Type)).
		Str("entity_type", activity.EntityType).
		Str("tenant_id", activity.OrganizationID.String()).
		Str("user_id", activity.UserID.String()).
		Msg("Activity")
	return nil
}

func encodeActivity(activity *models.Activity, now func() time.Time) ([]byte, error) {
	if activity.ID == uuid.Nil {
		activity.ID = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now().UTC()
	}
	data, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("encode activity: %w", err)
	}
	return data, nil
}
