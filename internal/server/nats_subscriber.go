package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/models"
	"github.com/ascendore/ascendore-crm/internal/storage"
)

const storeTimeout = 5 * time.Second

// NATSSubscriber persists activities published on NATS
type NATSSubscriber struct {
	nc    *nats.Conn
	store storage.Store
	subs  []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, store storage.Store) *NATSSubscriber {
	return &NATSSubscriber{
		nc:    nc,
		store: store,
		subs:  make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is done
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(ActivitySubjectPrefix+".>", s.handleActivity)
	if err != nil {
		return fmt.Errorf("subscribe activities: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}

	return ctx.Err()
}

func (s *NATSSubscriber) handleActivity(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received activity")

	activity, err := DecodeActivity(msg.Data)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed activity")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.store.CreateActivity(ctx, activity); err != nil {
		log.Error().
			Err(err).
			Str("activity", string(activity.Type)).
			Str("tenant_id", activity.OrganizationID.String()).
			Msg("Failed to record activity")
		return
	}

	log.Debug().
		Str("activity", string(activity.Type)).
		Str("tenant_id", activity.OrganizationID.String()).
		Msg("Activity recorded")
}

// DecodeActivity parses and checks an activity received from NATS
func DecodeActivity(data []byte) (*models.Activity, error) {
	activity := &models.Activity{}
	if err := json.Unmarshal(data, activity); err != nil {
		return nil, fmt.Errorf("decode activity: %w", err)
	}
	if activity.OrganizationID == uuid.Nil || activity.UserID == uuid.Nil {
		return nil, errors.New("activity without organization or user")
	}
	if activity.Type == "" || activity.EntityType == "" {
		return nil, errors.New("activity without type")
	}
	return activity, nil
}
