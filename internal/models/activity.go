package models

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Activity is an audit trail entry for an action taken inside a tenant
type Activity struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`

	Type        ActivityType `json:"activity_type" db:"activity_type"`
	EntityType  string       `json:"entity_type" db:"entity_type"`
	EntityID    string       `json:"entity_id,omitempty" db:"entity_id"`
	Description string       `json:"description,omitempty" db:"description"`

	Metadata Variables `json:"metadata,omitempty" db:"metadata"`
}

// ActivityType represents activity types
type ActivityType string

const (
	ActivityCreated ActivityType = "created"
	ActivityUpdated ActivityType = "updated"
	ActivityDeleted ActivityType = "deleted"
	ActivityViewed  ActivityType = "viewed"
	ActivityAction  ActivityType = "action"

	// Authentication events
	ActivityRegistered      ActivityType = "registered"
	ActivityLogin           ActivityType = "login"
	ActivityLogout          ActivityType = "logout"
	ActivityPasswordChanged ActivityType = "password_changed"
)

// ActivityTypeForMethod maps an HTTP method to the activity it records
func ActivityTypeForMethod(method string) ActivityType {
	switch method {
	case http.MethodPost:
		return ActivityCreated
	case http.MethodPut, http.MethodPatch:
		return ActivityUpdated
	case http.MethodDelete:
		return ActivityDeleted
	case http.MethodGet:
		return ActivityViewed
	default:
		return ActivityAction
	}
}
